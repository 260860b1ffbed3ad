// Package scheduler implements the Timeout & Retry Scheduler (spec.md
// §4.7): a single logical timer ticking at fixed granularity that
// drives per-Operation deadlines, the per-Handle network-error counter
// that triggers topology refreshes, and per-connection reconnect
// backoff.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	dblogger "github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/couchgo/couchgo/conn"
	"github.com/couchgo/couchgo/errs"
	"github.com/couchgo/couchgo/ioprovider"
	"github.com/couchgo/couchgo/op"
	"github.com/couchgo/couchgo/wire"
)

var log = dblogger.GetLogger("couchgo/scheduler")

// Config bundles the Scheduler's tunables, named after the recognised
// settings in spec.md's configuration table.
type Config struct {
	Provider ioprovider.Provider

	OpTimeout       time.Duration // OP_TIMEOUT
	Granularity     time.Duration // how often the logical timer ticks
	ConferrThresh   int32         // CONFERRTHRESH
	ConfdelayThresh time.Duration // CONFDELAY_THRESH

	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration

	// RequestRefresh is invoked when either error threshold trips.
	RequestRefresh func()
}

// Scheduler drives all of spec.md §4.7's timing concerns.
type Scheduler struct {
	cfg   Config
	timer ioprovider.TimerHandle

	mu    sync.Mutex
	heap  deadlineHeap
	index map[*op.Operation]*deadlineEntry

	errorCount      int32
	firstErrorAt    time.Time
	reconnectBO     map[int]*backoff.ExponentialBackOff
	reconnectTimers map[int]ioprovider.TimerHandle

	// metrics holds the per-Handle counters/timers spec.md's
	// configuration table leaves room for but does not itself define;
	// op latency and the network-error rate are the two figures an
	// operator watching CONFERRTHRESH-driven refreshes actually wants.
	metrics       gometrics.Registry
	opLatency     gometrics.Timer
	networkErrors gometrics.Counter
	durabilityOps gometrics.Counter
}

// Metrics exposes the Scheduler's go-metrics registry so a caller (the
// Handle, or a diagnostics endpoint) can report op latency and error
// rates without the Scheduler taking a dependency on how they're
// surfaced.
func (s *Scheduler) Metrics() gometrics.Registry {
	return s.metrics
}

// NoteDurabilityPoll records one Observe/Durability Poller round trip,
// giving the same metrics registry visibility into §4.8 traffic that it
// already has into ordinary KV ops.
func (s *Scheduler) NoteDurabilityPoll() {
	s.durabilityOps.Inc(1)
}

// New constructs a Scheduler. Call Start to arm the logical timer.
func New(cfg Config) *Scheduler {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2500 * time.Millisecond
	}
	if cfg.Granularity <= 0 {
		cfg.Granularity = 25 * time.Millisecond
	}
	if cfg.ConferrThresh <= 0 {
		cfg.ConferrThresh = 5
	}
	if cfg.ConfdelayThresh <= 0 {
		cfg.ConfdelayThresh = time.Second
	}
	reg := gometrics.NewRegistry()
	s := &Scheduler{
		cfg:             cfg,
		index:           make(map[*op.Operation]*deadlineEntry),
		reconnectBO:     make(map[int]*backoff.ExponentialBackOff),
		reconnectTimers: make(map[int]ioprovider.TimerHandle),
		metrics:         reg,
		opLatency:       gometrics.NewTimer(),
		networkErrors:   gometrics.NewCounter(),
		durabilityOps:   gometrics.NewCounter(),
	}
	_ = reg.Register("couchgo.op.latency", s.opLatency)
	_ = reg.Register("couchgo.network.errors", s.networkErrors)
	_ = reg.Register("couchgo.durability.polls", s.durabilityOps)
	return s
}

// Start arms the logical timer; it re-arms itself on every tick until
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	t, err := s.cfg.Provider.CreateTimer()
	if err != nil {
		return err
	}
	s.timer = t
	return s.timer.Update(s.cfg.Granularity, s.tick)
}

// Stop disarms the logical timer and any pending reconnect timers.
func (s *Scheduler) Stop() {
	if s.timer != nil {
		_ = s.timer.Destroy()
	}
	s.mu.Lock()
	for _, t := range s.reconnectTimers {
		_ = t.Destroy()
	}
	s.mu.Unlock()
}

func (s *Scheduler) tick() {
	now := s.cfg.Provider.Now()
	s.mu.Lock()
	var fired []*deadlineEntry
	for s.heap.Len() > 0 && s.heap[0].deadline.Before(now) {
		e := heap.Pop(&s.heap).(*deadlineEntry)
		delete(s.index, e.op)
		fired = append(fired, e)
	}
	s.mu.Unlock()

	for _, e := range fired {
		e.conn.RemovePending(e.op)
		e.op.Fire(nil, errs.ErrTimeout)
	}

	if s.timer != nil {
		_ = s.timer.Update(s.cfg.Granularity, s.tick)
	}
}

// Track registers o's deadline (submit_time + OP_TIMEOUT) and arranges
// for it to be removed from c's pending queue and completed with
// ETIMEDOUT if no response arrives first. Must be called once per
// Operation, before or at submission.
func (s *Scheduler) Track(o *op.Operation, c *conn.Connection) {
	submittedAt := s.cfg.Provider.Now()
	o.Deadline = submittedAt.Add(s.cfg.OpTimeout)
	e := &deadlineEntry{op: o, conn: c, deadline: o.Deadline}

	s.mu.Lock()
	heap.Push(&s.heap, e)
	s.index[o] = e
	s.mu.Unlock()

	orig := o.Callback
	o.Callback = func(resp *wire.Frame, err error) {
		s.untrack(o)
		s.opLatency.Update(s.cfg.Provider.Now().Sub(submittedAt))
		if orig != nil {
			orig(resp, err)
		}
	}
}

func (s *Scheduler) untrack(o *op.Operation) {
	s.mu.Lock()
	e, ok := s.index[o]
	if ok {
		delete(s.index, o)
		heap.Remove(&s.heap, e.heapIndex)
	}
	s.mu.Unlock()
}

// NoteNetworkError increments the per-Handle network-error counter
// (spec.md §4.7); once CONFERRTHRESH is exceeded, or CONFDELAY_THRESH
// elapses since the first error in the current run, a refresh is
// requested.
func (s *Scheduler) NoteNetworkError(err error) {
	s.networkErrors.Inc(1)
	count := atomic.AddInt32(&s.errorCount, 1)

	s.mu.Lock()
	if s.firstErrorAt.IsZero() {
		s.firstErrorAt = s.cfg.Provider.Now()
	}
	elapsed := s.cfg.Provider.Now().Sub(s.firstErrorAt)
	s.mu.Unlock()

	if count > s.cfg.ConferrThresh || elapsed > s.cfg.ConfdelayThresh {
		log.Warningf("network error threshold exceeded (count=%d, elapsed=%s): requesting refresh", count, elapsed)
		if s.cfg.RequestRefresh != nil {
			s.cfg.RequestRefresh()
		}
	}
}

// NoteRefreshComplete resets the error counter once a topology refresh
// has succeeded.
func (s *Scheduler) NoteRefreshComplete() {
	atomic.StoreInt32(&s.errorCount, 0)
	s.mu.Lock()
	s.firstErrorAt = time.Time{}
	s.mu.Unlock()
}

// ScheduleReconnect arms a timer that calls reconnect after an
// exponential backoff interval specific to serverIndex (capped,
// per spec.md §4.7's "per-Connection backoff on reconnect"). Calling
// it again for the same serverIndex before the timer fires replaces
// the pending attempt.
func (s *Scheduler) ScheduleReconnect(serverIndex int, reconnect func()) {
	s.mu.Lock()
	bo, ok := s.reconnectBO[serverIndex]
	if !ok {
		bo = backoff.NewExponentialBackOff()
		if s.cfg.ReconnectInitialInterval > 0 {
			bo.InitialInterval = s.cfg.ReconnectInitialInterval
		}
		if s.cfg.ReconnectMaxInterval > 0 {
			bo.MaxInterval = s.cfg.ReconnectMaxInterval
		}
		bo.MaxElapsedTime = 0
		s.reconnectBO[serverIndex] = bo
	}
	delay := bo.NextBackOff()

	t, ok := s.reconnectTimers[serverIndex]
	if !ok {
		var err error
		t, err = s.cfg.Provider.CreateTimer()
		if err != nil {
			s.mu.Unlock()
			log.Warningf("failed to create reconnect timer for server %d: %v", serverIndex, err)
			return
		}
		s.reconnectTimers[serverIndex] = t
	}
	s.mu.Unlock()

	_ = t.Update(delay, reconnect)
}

// NoteReconnectSucceeded resets serverIndex's backoff schedule once it
// has a ready connection again.
func (s *Scheduler) NoteReconnectSucceeded(serverIndex int) {
	s.mu.Lock()
	if bo, ok := s.reconnectBO[serverIndex]; ok {
		bo.Reset()
	}
	s.mu.Unlock()
}

// --------------------------------------------------------------------
// deadline min-heap
// --------------------------------------------------------------------

type deadlineEntry struct {
	op        *op.Operation
	conn      *conn.Connection
	deadline  time.Time
	heapIndex int
}

type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *deadlineHeap) Push(x interface{}) {
	e := x.(*deadlineEntry)
	e.heapIndex = len(*h)
	*h = append(*h, e)
}
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
