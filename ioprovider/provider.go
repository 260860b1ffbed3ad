// Package ioprovider defines the abstract I/O capability set every
// socket-bound component of couchgo speaks through (spec.md §4.1), plus
// a default readiness-mode implementation built on the Go runtime's
// netpoller.
//
// Two flavours are modeled behind separate interfaces: Provider
// (readiness/event mode -- create/update/delete event registrations,
// raw socket verbs, timers, and a Run/Stop loop) and CompletionProvider
// (submit-with-callback, cancellable). couchgo's own components only
// require Provider; CompletionProvider exists so a foreign event loop
// (e.g. one embedded in a larger application) can still be adapted in
// without touching router/conn/bootstrap.
//
// A registration is consumed right before its callback fires: the
// callback must call UpdateEvent again if it wants further
// notifications. This mirrors edge-triggered readiness APIs and keeps
// the core from assuming level-triggering.
package ioprovider

import (
	"context"
	"net"
	"time"
)

// EventMask is a bitmask of readiness conditions. Error only ever
// arrives as an out-flag on a callback invocation; it is never something
// a caller requests with UpdateEvent.
type EventMask uint8

const (
	EventRead EventMask = 1 << iota
	EventWrite
	EventError
)

func (m EventMask) Has(bit EventMask) bool { return m&bit != 0 }

// EventCallback is invoked with the readiness conditions that fired.
// The registration is considered consumed: to keep receiving
// notifications the callback must call UpdateEvent again.
type EventCallback func(mask EventMask)

// TimerCallback fires once when a timer set via UpdateTimer expires.
type TimerCallback func()

// EventHandle identifies one socket's event registration together with
// the raw socket verbs the spec groups alongside it (connect/send/recv
// live on the registration that owns the socket).
type EventHandle interface {
	// UpdateEvent (re)arms the registration for the given mask,
	// replacing any previous callback.
	UpdateEvent(mask EventMask, cb EventCallback) error
	// Delete disarms the registration without releasing the underlying
	// resource; Destroy must still be called.
	Delete() error
	// Destroy releases the registration entirely. Safe to call after
	// Delete or with no prior UpdateEvent.
	Destroy() error

	// Send writes buffered bytes that became ready for sending after an
	// EventWrite callback fired. Never blocks the loop goroutine longer
	// than a single non-blocking kernel write.
	Send(b []byte) (n int, err error)
	// Recv drains bytes the provider has already read in response to an
	// EventRead callback. Never blocks: if no bytes are buffered it
	// returns (0, nil).
	Recv(b []byte) (n int, err error)
	// SendV and RecvV are vectorized counterparts used by conn to avoid
	// coalescing the outbound queue into one buffer before writing.
	SendV(bufs [][]byte) (n int, err error)
	RecvV(bufs [][]byte) (n int, err error)
}

// TimerHandle identifies one scheduled timer.
type TimerHandle interface {
	// Update (re)arms the timer to fire after interval, replacing any
	// previous callback. Cancellation via Delete is synchronous: the
	// callback is guaranteed not to fire after Delete returns, from the
	// calling goroutine's perspective, as long as Delete is called from
	// the Provider's own loop goroutine (see Provider doc).
	Update(interval time.Duration, cb TimerCallback) error
	Delete() error
	Destroy() error
}

// Provider is the readiness-mode capability set. All registrations,
// timer callbacks, and raw socket I/O performed through one Provider
// execute serialized on that Provider's single loop goroutine: this is
// what gives the rest of the core its single-threaded, cooperative
// scheduling model (spec.md §5). Suspension only happens inside Run,
// waiting on socket readiness or a timer; between suspension points the
// core runs atomically.
type Provider interface {
	// Connect dials a raw TCP connection and returns once it is
	// connected or has failed; the built-in provider dials on the
	// calling goroutine. Callers that need a deadline use DialContext
	// semantics via ctx.
	Connect(ctx context.Context, network, address string) (net.Conn, error)

	// CreateEvent registers conn for readiness notifications, initially
	// idle (no mask armed). Call UpdateEvent to arm it.
	CreateEvent(conn net.Conn) (EventHandle, error)

	// CreateTimer allocates an idle timer. Call Update to arm it.
	CreateTimer() (TimerHandle, error)

	// Run drives the loop, invoking callbacks as readiness and timer
	// events occur, until Stop is called or ctx is cancelled.
	Run(ctx context.Context) error

	// Stop asks a running loop to return from Run once the current
	// callback (if any) completes.
	Stop()

	// Post hands task to the loop goroutine, the same serialization
	// point every readiness/timer callback runs through. Any component
	// that computes something off-loop (a background dial, an HTTP
	// stream reader, a WaitGroup of concurrent poll requests) and needs
	// to feed the result back into router/scheduler/conn state must go
	// through Post rather than calling in directly -- that is what keeps
	// the core's mutation single-threaded per spec.md §5, instead of
	// relying on each component's own mutex to paper over the race.
	Post(task func())

	// Now returns the provider's notion of the current time, in case a
	// provider wants to substitute a virtual clock for tests; the
	// default implementation defers to the Clock passed at
	// construction.
	Now() time.Time
}

// Clock abstracts time so tests can run the Scheduler (spec.md §4.7)
// without real sleeps.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the default Clock, backed by the time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time                  { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// CompletionProvider is the completion-mode capability set: operations
// are submitted with a buffer and a completion callback rather than
// polled for readiness. Used to adapt a foreign event loop (e.g. an
// application's own IOCP-style dispatcher) without touching the rest of
// the core.
type CompletionProvider interface {
	SubmitRead(conn net.Conn, buf []byte, done func(n int, err error)) (cancel func(), err error)
	SubmitWrite(conn net.Conn, buf []byte, done func(n int, err error)) (cancel func(), err error)
}
