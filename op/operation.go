// Package op defines the single in-flight request type (spec.md §3,
// "Operation") shared by conn, registry, router, and scheduler, so none
// of those packages need to import each other just to pass requests
// around.
package op

import (
	"container/list"
	"sync/atomic"
	"time"

	"github.com/couchgo/couchgo/wire"
)

// Kind identifies the command family an Operation belongs to, used to
// look up the per-kind user callback table on the Handle. Unlike the
// surveyed C library's tagged-union command structs, couchgo gives each
// kind a single current shape; legacy variants are a translation layer
// at the API edge (Design Notes §9), not represented here.
type Kind uint8

const (
	KindGet Kind = iota
	KindSet
	KindAdd
	KindReplace
	KindAppend
	KindPrepend
	KindDelete
	KindIncrement
	KindDecrement
	KindTouch
	KindGAT
	KindObserve
	KindGetReplica
	KindGetClusterConfig
	KindHello
	KindSASLListMechs
	KindSASLAuth
	KindNoop
)

// Callback is invoked exactly once per successfully-submitted Operation,
// either with a decoded response frame or a classified error (never
// both nil). Invoked synchronously on the owning Provider's loop
// goroutine.
type Callback func(resp *wire.Frame, err error)

// Operation is a single in-flight request, born on submit and destroyed
// after its callback fires or its deadline elapses (spec.md §3).
type Operation struct {
	Opaque      uint32
	Kind        Kind
	VBucket     uint16
	ServerIndex int
	Deadline    time.Time
	RetryCount  int
	Cookie      interface{}

	// Frame is the unencoded request, built by the caller (API layer)
	// with everything except Opaque and VBucket filled in; the Router
	// completes those two fields once it has hashed the key, then
	// encodes into FrameBytes. Nil once FrameBytes has been produced.
	Frame *wire.Frame

	// FrameBytes is the fully encoded wire frame, retained so the
	// Router can resend it verbatim on reconnect or NOT_MY_VBUCKET
	// re-route without re-serialising the original command.
	FrameBytes []byte

	Callback Callback

	// PendingElem is the Operation's node in its Server Connection's
	// FIFO pending list, owned exclusively by package conn. Nil until
	// the connection enqueues it, and cleared once dequeued.
	PendingElem *list.Element

	fired int32 // atomic; guards exactly-once callback invocation
}

// Fire invokes Callback exactly once, across any race between a
// decoded response arriving and the Scheduler's deadline firing. All
// other invocations after the first are silently dropped, satisfying
// "for every successful submit there is exactly one user callback"
// (spec.md §8, invariant 1).
func (o *Operation) Fire(resp *wire.Frame, err error) {
	if !atomic.CompareAndSwapInt32(&o.fired, 0, 1) {
		return
	}
	if o.Callback != nil {
		o.Callback(resp, err)
	}
}

// Fired reports whether Fire has already run, without firing again.
func (o *Operation) Fired() bool {
	return atomic.LoadInt32(&o.fired) != 0
}

// RegistryKey packs (serverIndex, opaque) into a single uint64 map key,
// matching the Operation Registry's (node, opaque) correlation scheme
// (spec.md §4.5).
func RegistryKey(serverIndex int, opaque uint32) uint64 {
	return uint64(uint32(serverIndex))<<32 | uint64(opaque)
}
