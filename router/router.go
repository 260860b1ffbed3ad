// Package router implements the Request Router (spec.md §4.5): routes
// user commands to the right Server Connection via the current VBucket
// Map, retries on NOT_MY_VBUCKET, and keeps the connection set in sync
// as the map is swapped. Operations on a connection that dies are
// failed with a network error, not re-sent.
package router

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	dblogger "github.com/lni/dragonboat/v4/logger"

	"github.com/couchgo/couchgo/conn"
	"github.com/couchgo/couchgo/errs"
	"github.com/couchgo/couchgo/ioprovider"
	"github.com/couchgo/couchgo/op"
	"github.com/couchgo/couchgo/registry"
	"github.com/couchgo/couchgo/vbmap"
	"github.com/couchgo/couchgo/wire"
)

var log = dblogger.GetLogger("couchgo/router")

// MaxRetries bounds how many times a single Operation is re-routed on
// NOT_MY_VBUCKET before giving up with errs.ErrNotMyVBucket. spec.md leaves the count to the implementer;
// chosen to comfortably outlast a single topology-refresh round trip.
const MaxRetries = 5

// Hooks lets the owner (Handle) observe router-level events without
// router importing scheduler/handle and creating a cycle.
type Hooks struct {
	// RequestRefresh is called when the Router believes the topology
	// is stale: a NOT_MY_VBUCKET reply with no piggybacked config, or
	// one that does not parse. Error-count thresholds are tracked by
	// scheduler, not here. Any new Map arrives later through SetMap.
	RequestRefresh func()
	// ConnectionDead is called after a Server Connection transitions
	// to dead, so the Scheduler can drive a backoff reconnect.
	ConnectionDead func(serverIndex int, err error)
}

// Tracker registers an Operation's deadline the moment it is handed to
// a Server Connection. Implemented by scheduler.Scheduler; kept as a
// narrow interface here so router never imports scheduler.
type Tracker interface {
	Track(o *op.Operation, c *conn.Connection)
}

// Config bundles Router construction parameters.
type Config struct {
	Provider ioprovider.Provider
	Registry *registry.Registry
	Authn    func(serverIndex int) conn.Authenticator
	Hooks    Hooks
	Tracker  Tracker
}

// Router owns the live VBucket Map and the set of Server Connections
// routing against it.
type Router struct {
	provider ioprovider.Provider
	reg      *registry.Registry
	authnFor func(serverIndex int) conn.Authenticator
	hooks    Hooks
	tracker  Tracker

	opaqueCtr uint32

	mu          sync.RWMutex
	currentMap  *vbmap.Map
	connections map[int]*conn.Connection
	// pendingByNode buffers Operations routed to a node whose
	// connection is not yet ready (still dialing/authenticating).
	pendingByNode map[int][]*op.Operation
}

// New constructs a Router with no map installed yet; Submit fails with
// errs.ErrBootstrap until SetMap is called for the first time.
func New(cfg Config) *Router {
	if cfg.Authn == nil {
		cfg.Authn = func(int) conn.Authenticator { return conn.NoAuth{} }
	}
	return &Router{
		provider:      cfg.Provider,
		reg:           cfg.Registry,
		authnFor:      cfg.Authn,
		hooks:         cfg.Hooks,
		tracker:       cfg.Tracker,
		connections:   make(map[int]*conn.Connection),
		pendingByNode: make(map[int][]*op.Operation),
	}
}

// CurrentMap returns the currently installed VBucket Map, or nil if
// none has been installed yet.
func (r *Router) CurrentMap() *vbmap.Map {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentMap
}

// SetMap atomically swaps in a new topology (spec.md §4.4). Connections
// whose endpoint is unchanged are kept; nodes no longer present are
// drained; new nodes are not dialed here -- they are created lazily on
// first route hit, per spec.md.
func (r *Router) SetMap(m *vbmap.Map) {
	r.mu.Lock()
	old := r.currentMap
	r.currentMap = m
	toDrain := make([]*conn.Connection, 0)
	if old != nil {
		for idx, c := range r.connections {
			oldEp, hadOld := old.Server(idx)
			newEp, hasNew := m.Server(idx)
			if !hadOld {
				continue
			}
			if !hasNew || !vbmap.EndpointsEqual(oldEp, newEp) {
				toDrain = append(toDrain, c)
				delete(r.connections, idx)
			}
		}
	}
	r.mu.Unlock()

	for _, c := range toDrain {
		c.Drain()
	}
	log.Infof("installed new topology: %d servers", m.NumServers())
}

// Submit routes o against key: hashes to a vbucket/master, ensures a
// connection exists for that node (dialing it lazily), and either
// submits immediately (connection ready) or buffers it for that node
// (connection still coming up). o.Opaque and o.ServerIndex are
// populated here.
func (r *Router) Submit(ctx context.Context, o *op.Operation, key []byte) error {
	m := r.CurrentMap()
	if m == nil {
		return errs.ErrBootstrap
	}

	vb, serverIndex, err := m.RouteMaster(key)
	if err != nil {
		return err
	}
	return r.submitToNode(ctx, o, m, vb, serverIndex)
}

// SubmitToServer submits o directly to serverIndex, bypassing key
// hashing. Used by the Observe/Durability Poller, which must reach a
// specific master or replica rather than wherever a key's master
// currently is (spec.md §4.8). vbucket must already be known to the
// caller (it owns the key→vbucket hash already, from a prior
// RouteMaster call against the same map).
func (r *Router) SubmitToServer(ctx context.Context, o *op.Operation, vbucket uint16, serverIndex int) error {
	m := r.CurrentMap()
	if m == nil {
		return errs.ErrBootstrap
	}
	return r.submitToNode(ctx, o, m, vbucket, serverIndex)
}

func (r *Router) submitToNode(ctx context.Context, o *op.Operation, m *vbmap.Map, vb uint16, serverIndex int) error {
	o.VBucket = vb
	o.ServerIndex = serverIndex
	o.Opaque = atomic.AddUint32(&r.opaqueCtr, 1)

	if o.Frame != nil {
		o.Frame.VBucket = vb
		o.Frame.Opaque = o.Opaque
		o.FrameBytes = wire.EncodeRequest(o.Frame)
		o.Frame = nil
	}

	c, err := r.connectionFor(ctx, serverIndex, m)
	if err != nil {
		return err
	}

	return r.dispatch(c, o)
}

// Reconnect eagerly dials serverIndex if it has no live connection,
// used by the Scheduler's backoff-gated reconnect loop after a
// connection dies (spec.md §4.7's reconnect-backoff Open Question).
// A no-op if serverIndex is no longer present in the current map --
// the topology moved on and there is nothing to reconnect to.
func (r *Router) Reconnect(ctx context.Context, serverIndex int) error {
	m := r.CurrentMap()
	if m == nil {
		return errs.ErrBootstrap
	}
	if _, ok := m.Server(serverIndex); !ok {
		return nil
	}
	_, err := r.connectionFor(ctx, serverIndex, m)
	return err
}

// dispatch submits o on c if ready, otherwise buffers it in
// pendingByNode for delivery once c's OnReady hook fires.
func (r *Router) dispatch(c *conn.Connection, o *op.Operation) error {
	if c.Phase() != conn.PhaseReady {
		r.mu.Lock()
		r.pendingByNode[c.ServerIndex()] = append(r.pendingByNode[c.ServerIndex()], o)
		r.mu.Unlock()
		return nil
	}
	if r.tracker != nil {
		r.tracker.Track(o, c)
	}
	return c.Submit(o)
}

// connectionFor returns the Server Connection for serverIndex, dialing
// one lazily if it doesn't exist yet.
func (r *Router) connectionFor(ctx context.Context, serverIndex int, m *vbmap.Map) (*conn.Connection, error) {
	r.mu.Lock()
	if c, ok := r.connections[serverIndex]; ok {
		r.mu.Unlock()
		return c, nil
	}
	ep, ok := m.Server(serverIndex)
	if !ok {
		r.mu.Unlock()
		return nil, errs.New("BAD_SERVER_INDEX", errs.ClassInternal,
			"vbucket map has no server at index %d", serverIndex)
	}
	address := ep.Host + ":" + strconv.Itoa(ep.DataPort)
	c := conn.New(conn.Config{
		ServerIndex: serverIndex,
		Address:     address,
		Provider:    r.provider,
		Authn:       r.authnFor(serverIndex),
		Registry:    r.reg,
		Events: conn.Events{
			OnRedirect: r.handleRedirect,
			OnDead:     r.handleDead,
			OnReady:    r.handleReady,
		},
	})
	r.connections[serverIndex] = c
	r.mu.Unlock()

	c.Dial(ctx)
	return c, nil
}

func (r *Router) handleReady(serverIndex int) {
	r.mu.Lock()
	c := r.connections[serverIndex]
	waiting := r.pendingByNode[serverIndex]
	delete(r.pendingByNode, serverIndex)
	r.mu.Unlock()

	if c == nil {
		return
	}
	for _, o := range waiting {
		if r.tracker != nil {
			r.tracker.Track(o, c)
		}
		if err := c.Submit(o); err != nil {
			o.Fire(nil, err)
		}
	}
}

// handleRedirect implements spec.md §4.5/§4.6's NOT_MY_VBUCKET policy:
// if the response carried a piggybacked config, install it directly;
// otherwise ask for a refresh. Either way the Operation is re-routed
// and its retry counter incremented, up to MaxRetries.
func (r *Router) handleRedirect(redir conn.Redirect) {
	o := redir.Op
	o.RetryCount++
	if o.RetryCount > MaxRetries {
		o.Fire(nil, errs.ErrNotMyVBucket)
		return
	}

	if len(redir.ConfigPayload) > 0 {
		if m, _, err := vbmap.ParseConfig(redir.ConfigPayload); err == nil {
			r.SetMap(m)
		} else {
			log.Warningf("NOT_MY_VBUCKET carried unparsable config: %v", err)
			if r.hooks.RequestRefresh != nil {
				r.hooks.RequestRefresh()
			}
		}
	} else if r.hooks.RequestRefresh != nil {
		r.hooks.RequestRefresh()
	}

	r.rerouteAfterMapChange(o)
}

// rerouteAfterMapChange re-resolves o's already-known vbucket against
// the (possibly just-updated) current map and resubmits it without
// touching o.FrameBytes -- the same encoded request is resent, since
// NOT_MY_VBUCKET means the server rejected it for topology reasons,
// not payload reasons.
func (r *Router) rerouteAfterMapChange(o *op.Operation) {
	m := r.CurrentMap()
	if m == nil {
		o.Fire(nil, errs.ErrBootstrap)
		return
	}

	serverIndex, err := m.MasterForVBucket(o.VBucket)
	if err != nil {
		o.Fire(nil, errs.ErrNotMyVBucket)
		return
	}
	o.ServerIndex = serverIndex

	c, err := r.connectionFor(context.Background(), serverIndex, m)
	if err != nil {
		o.Fire(nil, err)
		return
	}
	if err := r.dispatch(c, o); err != nil {
		o.Fire(nil, err)
	}
}

// handleDead implements the "soft network error" half of spec.md
// §4.5's retry policy: pending operations on the dead connection are
// already failed with NETWORK_ERROR by conn.Connection.die via the
// Registry; here the Router just forgets the dead connection so the
// next route hit dials a fresh one, and forwards the event to whoever
// drives reconnect backoff (scheduler).
func (r *Router) handleDead(serverIndex int, err error) {
	r.mu.Lock()
	delete(r.connections, serverIndex)
	r.mu.Unlock()

	if r.hooks.ConnectionDead != nil {
		r.hooks.ConnectionDead(serverIndex, err)
	}
}

