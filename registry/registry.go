// Package registry implements the Operation Registry (spec.md §4.5):
// correlates decoded responses back to the Operation that requested
// them, keyed by (server index, opaque), and guarantees each Operation's
// callback fires exactly once.
package registry

import (
	"github.com/couchgo/couchgo/op"
	"github.com/couchgo/couchgo/wire"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry is safe for concurrent use, though in practice every call
// happens from the owning Provider's single loop goroutine; the
// lock-free map is used for the same reason the teacher's RPC transport
// uses one (github.com/puzpuzpuz/xsync) -- cheap reads on the common
// "does this opaque have a pending op" path.
type Registry struct {
	pending *xsync.MapOf[uint64, *op.Operation]
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{pending: xsync.NewMapOf[uint64, *op.Operation]()}
}

// Register records o as awaiting a response. Invariant: at most one
// Operation is pending for a given (server, opaque) pair at any time
// (spec.md §8, invariant 5); Register panics if that invariant would be
// violated, since it indicates an opaque-allocation bug upstream.
func (r *Registry) Register(o *op.Operation) {
	key := op.RegistryKey(o.ServerIndex, o.Opaque)
	if _, loaded := r.pending.LoadOrStore(key, o); loaded {
		panic("registry: duplicate (server, opaque) pair registered")
	}
}

// Lookup returns the pending Operation for (serverIndex, opaque), if
// any, without removing it.
func (r *Registry) Lookup(serverIndex int, opaque uint32) (*op.Operation, bool) {
	return r.pending.Load(op.RegistryKey(serverIndex, opaque))
}

// Remove drops the (serverIndex, opaque) entry without firing its
// callback -- used when an Operation is being re-queued for resend
// under a new (server, opaque) identity rather than completed.
func (r *Registry) Remove(serverIndex int, opaque uint32) {
	r.pending.Delete(op.RegistryKey(serverIndex, opaque))
}

// Complete looks up and removes the pending Operation for
// (serverIndex, opaque), then fires its callback with the response or
// error. Returns false if no such Operation was pending (e.g. it already
// timed out and was completed by the Scheduler).
func (r *Registry) Complete(serverIndex int, opaque uint32, resp *wire.Frame, err error) bool {
	key := op.RegistryKey(serverIndex, opaque)
	o, ok := r.pending.LoadAndDelete(key)
	if !ok {
		return false
	}
	o.Fire(resp, err)
	return true
}

// CompleteOp is for a caller that already holds the Operation rather
// than its (server, opaque) key. It removes the registry entry (if
// still present) and fires the callback. The Scheduler does not use
// it: on a timeout it calls conn.Connection.RemovePending, which drops
// the entry, and then fires the Operation itself.
func (r *Registry) CompleteOp(o *op.Operation, resp *wire.Frame, err error) bool {
	r.pending.Delete(op.RegistryKey(o.ServerIndex, o.Opaque))
	if o.Fired() {
		return false
	}
	o.Fire(resp, err)
	return true
}

// FailAllForServer completes every pending Operation routed to
// serverIndex with err, used when a Server Connection dies (spec.md
// §4.3: "fails all pending operations with NETWORK_ERROR").
func (r *Registry) FailAllForServer(serverIndex int, err error) {
	var toFail []*op.Operation
	r.pending.Range(func(key uint64, o *op.Operation) bool {
		if o.ServerIndex == serverIndex {
			toFail = append(toFail, o)
		}
		return true
	})
	for _, o := range toFail {
		r.pending.Delete(op.RegistryKey(o.ServerIndex, o.Opaque))
		o.Fire(nil, err)
	}
}

// FailAll completes every pending Operation with err, used by Handle
// shutdown (spec.md §5: "fails all pending operations with SHUTDOWN
// synchronously").
func (r *Registry) FailAll(err error) {
	var toFail []*op.Operation
	r.pending.Range(func(key uint64, o *op.Operation) bool {
		toFail = append(toFail, o)
		return true
	})
	for _, o := range toFail {
		r.pending.Delete(op.RegistryKey(o.ServerIndex, o.Opaque))
		o.Fire(nil, err)
	}
}

// Len reports how many Operations are currently pending, used by the
// Handle to decide whether destruction must be deferred.
func (r *Registry) Len() int {
	return r.pending.Size()
}
