// couchgo is a client library for connecting to a Couchbase cluster
// and carrying out key/value, observe/durability, and view requests.
// This file implements the Client Handle (spec.md §3), the root object
// tying the routing/dispatch engine together; package-level types
// (ioprovider, wire, conn, vbmap, bootstrap, router, registry,
// scheduler, observe, configcache, errs, couchgoconfig) do the actual
// work, the way the teacher's top-level RPC client wires its transport,
// serializer, and common packages together rather than reimplementing
// them.
package couchgo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	dblogger "github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/couchgo/couchgo/bootstrap"
	"github.com/couchgo/couchgo/conn"
	"github.com/couchgo/couchgo/couchgoconfig"
	"github.com/couchgo/couchgo/errs"
	"github.com/couchgo/couchgo/ioprovider"
	"github.com/couchgo/couchgo/observe"
	"github.com/couchgo/couchgo/op"
	"github.com/couchgo/couchgo/registry"
	"github.com/couchgo/couchgo/router"
	"github.com/couchgo/couchgo/scheduler"
	"github.com/couchgo/couchgo/vbmap"
)

var log = dblogger.GetLogger("couchgo/handle")

// State is the Handle's lifecycle stage (spec.md §3: "created,
// connected (schedules bootstrap), usable once the first VBucket Map
// is installed, destroyed").
type State int32

const (
	StateCreated State = iota
	StateConnected
	StateUsable
	StateDraining
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateUsable:
		return "usable"
	case StateDraining:
		return "draining"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Handle is the root object (spec.md §3): it owns the active VBucket
// Map (indirectly, via Router), the server-index -> Server Connection
// mapping (inside Router), the pending-operation table (Registry), the
// I/O Provider, the configuration, and bootstrap state. Per Design
// Notes §9's "cyclic references" resolution, Handle owns Router and
// Registry; it is never referenced back by an Operation's callback
// closure, only by the caller holding the Handle itself.
type Handle struct {
	cfg      couchgoconfig.Config
	provider ioprovider.Provider

	reg       *registry.Registry
	router    *router.Router
	scheduler *scheduler.Scheduler
	bootstrap *bootstrap.Provider
	poller    *observe.Poller

	mu    sync.Mutex
	state State

	// callbacks holds the per-kind default callback table spec.md §3
	// lists on the Handle, for the thin API facade to fall back on when
	// a caller submits an Operation without its own Callback set.
	callbacks map[op.Kind]op.Callback

	// runCtx is cancelled by Destroy; every background goroutine that
	// eventually feeds a result back into router/scheduler state (a
	// refresh fetch, a durability poll) is bounded by it instead of
	// context.Background(), so Destroy aborts them rather than leaving
	// them to complete against torn-down state.
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// New constructs a Handle in the "created" state. provider may be
// shared across multiple Handles (spec.md §5: "The I/O provider object
// may be shared across Handles... explicitly not freed by Handle
// destruction"); passing nil gets a private ioprovider.NewProvider.
func New(cfg couchgoconfig.Config, provider ioprovider.Provider) *Handle {
	if provider == nil {
		provider = ioprovider.NewProvider(nil)
	}
	reg := registry.New()

	h := &Handle{
		cfg:       cfg,
		provider:  provider,
		reg:       reg,
		callbacks: make(map[op.Kind]op.Callback),
		state:     StateCreated,
	}

	h.scheduler = scheduler.New(scheduler.Config{
		Provider:                 provider,
		OpTimeout:                cfg.OpTimeout,
		ConferrThresh:            cfg.ConferrThresh,
		ConfdelayThresh:          cfg.ConfdelayThresh,
		ReconnectInitialInterval: 50 * time.Millisecond,
		ReconnectMaxInterval:     30 * time.Second,
		RequestRefresh:           h.requestRefresh,
	})

	h.router = router.New(router.Config{
		Provider: provider,
		Registry: reg,
		Authn:    func(int) conn.Authenticator { return conn.NoAuth{} },
		Hooks: router.Hooks{
			RequestRefresh: h.requestRefresh,
			ConnectionDead: h.connectionDead,
		},
		Tracker: h.scheduler,
	})

	h.bootstrap = bootstrap.New(bootstrap.Config{
		Hosts:                mustHostSpecs(cfg.Hosts),
		BucketName:           cfg.BucketName,
		IsMemcached:          cfg.IsMemcached,
		TransportOrder:       cfg.Transports,
		ConfigNodeTimeout:    cfg.ConfigNodeTimeout,
		ConfigurationTimeout: cfg.ConfigurationTimeout,
		HTTPIdleTimeout:      cfg.HTConfigIdleTimeout,
		CachePath:            cfg.CachePath,
		// OnPush fires from the HTTP transport's own stream-reading
		// goroutine, long after Bootstrap/Connect returned; hand the
		// pushed map back through the I/O Provider's task queue rather
		// than calling installMap (and so router.SetMap) directly from
		// that goroutine (spec.md §5).
		OnPush: func(m *vbmap.Map, bucketName string) {
			h.provider.Post(func() { h.installMap(m, bucketName) })
		},
	})

	h.poller = observe.New(h.router, cfg.DurabilityInterval, cfg.DurabilityTimeout)
	h.poller.OnPollRound = h.scheduler.NoteDurabilityPoll
	h.poller.Post = provider.Post

	return h
}

// Connect brings the Handle from "created" to "usable": it starts the
// I/O Provider's loop, arms the Scheduler, and performs the initial
// Bootstrap Provider walk, installing the first VBucket Map on
// success.
func (h *Handle) Connect(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateCreated {
		h.mu.Unlock()
		return errs.New("BAD_STATE", errs.ClassInternal, "Connect called in state %s", h.state)
	}
	h.state = StateConnected
	h.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	h.runCtx = runCtx
	h.cancelRun = cancel
	go func() {
		if err := h.provider.Run(runCtx); err != nil {
			log.Warningf("provider run loop exited: %v", err)
		}
	}()

	if err := h.scheduler.Start(runCtx); err != nil {
		cancel()
		return err
	}

	m, err := h.bootstrap.Bootstrap(ctx)
	if err != nil {
		cancel()
		return err
	}
	h.installMap(m, h.cfg.BucketName)

	h.mu.Lock()
	h.state = StateUsable
	h.mu.Unlock()
	return nil
}

// installMap adopts m as the current topology, used both by the
// initial Bootstrap and by pushed/refreshed updates (spec.md §4.4's
// atomic swap).
func (h *Handle) installMap(m *vbmap.Map, bucketName string) {
	h.router.SetMap(m)
	h.scheduler.NoteRefreshComplete()
}

// requestRefresh triggers a non-fatal topology refresh via the
// Bootstrap Provider, collapsing concurrent callers via its internal
// singleflight (spec.md §4.7's refresh trigger: NOT_MY_VBUCKET with no
// piggybacked config, or the per-Handle error counter crossing
// CONFERRTHRESH/CONFDELAY_THRESH). The fetch itself runs off-loop (it is
// blocking network I/O), but the resulting map is only ever installed
// back on the I/O Provider's task queue via Post, alongside every other
// core mutation (spec.md §5) -- installMap is never called directly
// from this goroutine.
func (h *Handle) requestRefresh() {
	runCtx := h.runCtx
	if runCtx == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(runCtx, h.cfg.ConfigurationTimeout)
		defer cancel()
		m, err := h.bootstrap.Refresh(ctx)
		if err != nil {
			log.Warningf("topology refresh failed: %v", err)
			return
		}
		h.provider.Post(func() { h.installMap(m, h.cfg.BucketName) })
	}()
}

// connectionDead drives the per-server reconnect backoff once a Server
// Connection dies (spec.md §4.7): the network error is counted toward
// the refresh threshold, and a backoff-gated reconnect attempt is
// scheduled via the Router.
func (h *Handle) connectionDead(serverIndex int, err error) {
	h.scheduler.NoteNetworkError(err)
	h.scheduler.ScheduleReconnect(serverIndex, func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ConfigNodeTimeout)
		defer cancel()
		if rerr := h.router.Reconnect(ctx, serverIndex); rerr != nil {
			log.Warningf("reconnect to server %d failed: %v", serverIndex, rerr)
			h.scheduler.ScheduleReconnect(serverIndex, nil)
			return
		}
		h.scheduler.NoteReconnectSucceeded(serverIndex)
	})
}

// Submit routes o against key through the Router, the same submit path
// spec.md §4.4 describes (allocate opaque, hash to master, enqueue or
// buffer). Returns an error immediately if the Handle is not usable or
// is shutting down; per-Operation outcomes always arrive via
// o.Callback, never as this method's return value.
func (h *Handle) Submit(ctx context.Context, o *op.Operation, key []byte) error {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()
	if state != StateUsable {
		return errs.New("BAD_STATE", errs.ClassInternal, "Submit called in state %s", state)
	}
	return h.router.Submit(ctx, o, key)
}

// Poll runs the Observe/Durability Poller against reqs, blocking until
// every key's requirement is met, fails on a CAS mismatch, or the
// configured DURABILITY_TIMEOUT elapses (spec.md §4.8).
func (h *Handle) Poll(ctx context.Context, reqs []observe.Requirement) []observe.Result {
	return h.poller.Poll(ctx, reqs)
}

// Metrics exposes the Scheduler's op-latency/network-error/durability
// counters (§2.3's ambient metrics stack) for a caller that wants to
// report them.
func (h *Handle) Metrics() gometrics.Registry {
	return h.scheduler.Metrics()
}

// Registry exposes the Operation Registry for callers building a thin
// API facade that needs to check pending-operation counts directly
// (e.g. graceful shutdown polling from outside the Handle).
func (h *Handle) Registry() *registry.Registry { return h.reg }

// Router exposes the Request Router for the Observe/Durability Poller
// and any other internal collaborator that needs to submit to a
// specific server rather than by key.
func (h *Handle) Router() *router.Router { return h.router }

// SetCallback installs the default callback for kind, used by a thin
// API facade that wants to register handlers once per operation kind
// rather than per individual Operation (spec.md §3's "a table of
// user-supplied callbacks keyed by operation kind").
func (h *Handle) SetCallback(kind op.Kind, cb op.Callback) {
	h.mu.Lock()
	h.callbacks[kind] = cb
	h.mu.Unlock()
}

// CallbackFor returns the default callback registered for kind, if
// any.
func (h *Handle) CallbackFor(kind op.Kind) (op.Callback, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cb, ok := h.callbacks[kind]
	return cb, ok
}

// State reports the Handle's current lifecycle stage.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Destroy implements spec.md §5's cancellation contract: the Handle
// stops accepting new submits immediately, then waits for pending
// operations to drain naturally (their own deadlines or responses)
// until ctx is done, at which point any still-pending operations are
// failed synchronously with SHUTDOWN. After Destroy returns, no
// further callback fires (spec.md §8, invariant 6) -- Registry.FailAll
// marks every remaining Operation fired before returning.
func (h *Handle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateDestroyed {
		h.mu.Unlock()
		return nil
	}
	h.state = StateDraining
	h.mu.Unlock()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
drain:
	for h.reg.Len() > 0 {
		select {
		case <-ctx.Done():
			break drain
		case <-ticker.C:
		}
	}

	h.reg.FailAll(errs.ErrShutdown)
	h.scheduler.Stop()
	h.bootstrap.Close()
	if h.cancelRun != nil {
		h.cancelRun()
	}

	h.mu.Lock()
	h.state = StateDestroyed
	h.mu.Unlock()
	return nil
}

// mustHostSpecs converts couchgoconfig's "host:dataPort[:managementPort]"
// strings into bootstrap.HostSpec values, defaulting the management
// port to Couchbase's standard 8091 when omitted. Malformed entries are
// dropped with a log warning rather than failing construction -- New
// has no error return (mirrors the teacher's config structs, which are
// validated at use, not at construction).
func mustHostSpecs(hosts []string) []bootstrap.HostSpec {
	specs := make([]bootstrap.HostSpec, 0, len(hosts))
	for _, h := range hosts {
		spec, err := parseHostSpec(h)
		if err != nil {
			log.Warningf("skipping malformed host %q: %v", h, err)
			continue
		}
		specs = append(specs, spec)
	}
	return specs
}

func parseHostSpec(h string) (bootstrap.HostSpec, error) {
	parts := strings.Split(h, ":")
	switch len(parts) {
	case 1:
		return bootstrap.HostSpec{Host: parts[0], DataPort: 11210, ManagementPort: 8091}, nil
	case 2:
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return bootstrap.HostSpec{}, fmt.Errorf("bad data port: %w", err)
		}
		return bootstrap.HostSpec{Host: parts[0], DataPort: port, ManagementPort: 8091}, nil
	case 3:
		dataPort, err := strconv.Atoi(parts[1])
		if err != nil {
			return bootstrap.HostSpec{}, fmt.Errorf("bad data port: %w", err)
		}
		mgmtPort, err := strconv.Atoi(parts[2])
		if err != nil {
			return bootstrap.HostSpec{}, fmt.Errorf("bad management port: %w", err)
		}
		return bootstrap.HostSpec{Host: parts[0], DataPort: dataPort, ManagementPort: mgmtPort}, nil
	default:
		return bootstrap.HostSpec{}, fmt.Errorf("expected host[:dataPort[:mgmtPort]], got %q", h)
	}
}
