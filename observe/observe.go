// Package observe implements the Observe/Durability Poller (spec.md
// §4.8): polls OBSERVE across a key's master and replicas until a
// persist/replicate requirement is met or DURABILITY_TIMEOUT elapses.
// It is a router client, not a new I/O path -- every poll round is just
// more Operations submitted the normal way.
package observe

import (
	"context"
	"sync"
	"time"

	dblogger "github.com/lni/dragonboat/v4/logger"

	"github.com/couchgo/couchgo/errs"
	"github.com/couchgo/couchgo/op"
	"github.com/couchgo/couchgo/router"
	"github.com/couchgo/couchgo/wire"
)

var log = dblogger.GetLogger("couchgo/observe")

// Requirement describes the durability bar a single key must clear.
type Requirement struct {
	Key         []byte
	CAS         uint64
	PersistTo   int
	ReplicateTo int
	// CapMax clamps PersistTo/ReplicateTo down to the currently
	// reachable replica count instead of failing outright (spec.md
	// §4.8's cap_max flag).
	CapMax bool
}

// Result is one key's outcome.
type Result struct {
	Key []byte
	Err error // nil on success; errs.ErrTimeout, a DURABILITY_CAS_MISMATCH error, or a routing error otherwise
}

// Poller drives durability polling against a Router.
type Poller struct {
	r        *router.Router
	interval time.Duration // DURABILITY_INTERVAL
	timeout  time.Duration // DURABILITY_TIMEOUT

	// OnPollRound, if set, is called once per OBSERVE round issued
	// across every node for a key -- the Handle wires this to its
	// Scheduler's metrics registry so durability traffic shows up
	// alongside ordinary op latency, without observe importing
	// scheduler for the sake of one counter.
	OnPollRound func()

	// Post, if set, is the I/O Provider's task queue (ioprovider.
	// Provider.Post): Poll runs one goroutine per requirement, and
	// every SubmitToServer call those goroutines make is handed off
	// through Post rather than called directly, so the Router mutation
	// still happens on the single serialized core task (spec.md §5)
	// instead of from the poll goroutine itself. Left nil in tests that
	// don't care about that distinction.
	Post func(func())
}

// New constructs a Poller bound to r.
func New(r *router.Router, interval, timeout time.Duration) *Poller {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 2500 * time.Millisecond
	}
	return &Poller{r: r, interval: interval, timeout: timeout}
}

// Poll evaluates every requirement concurrently, repolling at Interval
// until each is met or Timeout elapses, and returns one Result per
// requirement in the same order they were given.
func (p *Poller) Poll(ctx context.Context, reqs []Requirement) []Result {
	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Requirement) {
			defer wg.Done()
			results[i] = Result{Key: req.Key, Err: p.pollOne(ctx, req)}
		}(i, req)
	}
	wg.Wait()
	return results
}

func (p *Poller) pollOne(ctx context.Context, req Requirement) error {
	pollCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	m := p.r.CurrentMap()
	if m == nil {
		return errs.ErrBootstrap
	}
	vb, masterIdx, err := m.RouteMaster(req.Key)
	if err != nil {
		return err
	}

	nodes := []int{masterIdx}
	for i := 1; i <= m.NumReplicas(); i++ {
		idx, err := m.RouteReplica(vb, i)
		if err == nil {
			nodes = append(nodes, idx)
		}
	}

	persistTo, replicateTo := req.PersistTo, req.ReplicateTo
	if req.CapMax {
		reachable := len(nodes) - 1 // replicas only, master excluded
		if replicateTo > reachable {
			replicateTo = reachable
		}
		if persistTo > len(nodes) {
			persistTo = len(nodes)
		}
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if p.OnPollRound != nil {
			p.OnPollRound()
		}
		persisted, replicated, casErr := p.pollRound(pollCtx, req, vb, nodes, masterIdx)
		if casErr != nil {
			return casErr
		}
		if persisted >= persistTo && replicated >= replicateTo {
			return nil
		}

		select {
		case <-pollCtx.Done():
			return errs.ErrTimeout
		case <-ticker.C:
		}
	}
}

// submit hands o's dispatch to the Router through Post, if wired,
// keeping the actual SubmitToServer call on the I/O Provider's loop
// goroutine rather than on Poll's own per-requirement goroutine.
func (p *Poller) submit(ctx context.Context, o *op.Operation, vb uint16, nodeIdx int) error {
	if p.Post == nil {
		return p.r.SubmitToServer(ctx, o, vb, nodeIdx)
	}
	errCh := make(chan error, 1)
	p.Post(func() { errCh <- p.r.SubmitToServer(ctx, o, vb, nodeIdx) })
	return <-errCh
}

// pollRound issues one OBSERVE to every node for req.Key and tallies
// how many reported the key persisted and how many replicas (nodes
// other than master) reported it found at all.
func (p *Poller) pollRound(ctx context.Context, req Requirement, vb uint16, nodes []int, masterIdx int) (persisted, replicated int, casErr error) {
	type outcome struct {
		nodeIdx int
		result  *wire.ObserveResult
		err     error
	}
	out := make(chan outcome, len(nodes))

	body := wire.EncodeObserveBody([]wire.ObserveKey{{VBucket: vb, Key: req.Key}})

	for _, nodeIdx := range nodes {
		nodeIdx := nodeIdx
		o := &op.Operation{
			Kind:  op.KindObserve,
			Frame: &wire.Frame{Opcode: wire.OpObserve, Value: body},
		}
		o.Callback = func(resp *wire.Frame, err error) {
			if err != nil {
				out <- outcome{nodeIdx: nodeIdx, err: err}
				return
			}
			results := wire.DecodeObserveBody(resp.Value)
			if len(results) == 0 {
				out <- outcome{nodeIdx: nodeIdx, err: errs.ErrProtocol}
				return
			}
			r := results[0]
			out <- outcome{nodeIdx: nodeIdx, result: &r}
		}
		if err := p.submit(ctx, o, vb, nodeIdx); err != nil {
			out <- outcome{nodeIdx: nodeIdx, err: err}
		}
	}

	for range nodes {
		select {
		case res := <-out:
			if res.err != nil {
				log.Warningf("observe: node %d failed: %v", res.nodeIdx, res.err)
				continue
			}
			if res.result.State == wire.ObserveNotFound || res.result.State == wire.ObserveLogicallyDeleted {
				continue
			}
			if req.CAS != 0 && res.result.CAS != req.CAS {
				return 0, 0, errs.New("DURABILITY_CAS_MISMATCH", errs.ClassDataOp,
					"observed CAS %d does not match expected %d on node %d", res.result.CAS, req.CAS, res.nodeIdx)
			}
			if res.result.State == wire.ObservePersisted {
				persisted++
			}
			if res.nodeIdx != masterIdx {
				replicated++
			}
		case <-ctx.Done():
			return persisted, replicated, nil
		}
	}
	return persisted, replicated, nil
}
