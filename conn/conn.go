// Package conn implements the Server Connection (spec.md §4.3): one
// pipelined binary-protocol session per cluster node, with its own
// outbound/inbound buffers and a FIFO queue of Operations awaiting a
// response in wire order.
package conn

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/couchgo/couchgo/errs"
	"github.com/couchgo/couchgo/ioprovider"
	"github.com/couchgo/couchgo/op"
	"github.com/couchgo/couchgo/registry"
	"github.com/couchgo/couchgo/wire"
	dblogger "github.com/lni/dragonboat/v4/logger"
)

// requestedHelloFeatures is what every Connection negotiates on setup,
// between dialing and SASL auth -- the real protocol's HELLO exchange,
// which the distilled state table omits but which the codec's datatype
// flags (§6) exist to serve.
var requestedHelloFeatures = []wire.HelloFeature{
	wire.FeatureDatatype,
	wire.FeatureXerror,
	wire.FeatureTCPNoDelay,
	wire.FeatureSeqNo,
}

var log = dblogger.GetLogger("couchgo/conn")

// Phase is the Server Connection's state, matching spec.md §4.3's table.
type Phase int

const (
	PhaseDialing Phase = iota
	PhaseAuthenticating
	PhaseReady
	PhaseDraining
	PhaseDead
)

func (p Phase) String() string {
	switch p {
	case PhaseDialing:
		return "dialing"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseReady:
		return "ready"
	case PhaseDraining:
		return "draining"
	case PhaseDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Authenticator negotiates SASL credentials. Mechanics are an external
// collaborator per spec.md §1's scope note; couchgo only needs the
// phase transition and a pluggable hook. NoAuth skips straight to ready.
type Authenticator interface {
	// BuildAuthFrame returns the SASL_AUTH request to send given the
	// mechanism list the server advertised, or nil to skip
	// authentication entirely.
	BuildAuthFrame(mechs []byte) *wire.Frame
}

// NoAuth implements Authenticator by never authenticating.
type NoAuth struct{}

func (NoAuth) BuildAuthFrame([]byte) *wire.Frame { return nil }

// Redirect is delivered through OnRedirect when a response arrives with
// status NOT_MY_VBUCKET: the connection does not complete the
// Operation itself (spec.md §4.3), it hands the redirect back to
// whoever owns routing (the Router).
type Redirect struct {
	Op             *op.Operation
	ConfigPayload  []byte // piggy-backed config, nil if absent
}

// Events is the set of callbacks a Connection's owner (the Router)
// supplies to react to connection-level occurrences without conn
// importing router (avoiding the cyclic reference the surveyed source
// has between connections and their owning handle -- Design Notes §9).
type Events struct {
	OnRedirect func(Redirect)
	OnDead     func(serverIndex int, err error)
	OnReady    func(serverIndex int)
}

// Connection is one pipelined session to one cluster node.
type Connection struct {
	serverIndex int
	address     string
	provider    ioprovider.Provider
	authn       Authenticator
	reg         *registry.Registry
	events      Events
	backoff     backoff.BackOff

	mu      sync.Mutex
	phase   Phase
	handle  ioprovider.EventHandle
	decoder *wire.Decoder
	pending *list.List // FIFO of *op.Operation, front = oldest unanswered
	outbuf  [][]byte   // queued bytes awaiting a writable callback

	saslMechs []byte
	// clientID is sent as the HELLO key, giving server-side logs a
	// stable name for this session -- the same role the teacher's
	// request IDs play in its RPC transport logs.
	clientID           string
	negotiatedFeatures []wire.HelloFeature
}

// Config bundles construction parameters so New doesn't grow an
// ever-longer positional parameter list as features are added.
type Config struct {
	ServerIndex int
	Address     string
	Provider    ioprovider.Provider
	Authn       Authenticator
	Registry    *registry.Registry
	Events      Events
	// Backoff parameters for reconnect attempts, named after
	// cbdatasource.BucketDataSourceOptions' DataManager* fields (the
	// backoff schedule spec.md leaves to the implementer, §4.7/§9).
	ReconnectInitialInterval time.Duration
	ReconnectMaxInterval     time.Duration
	ReconnectMultiplier      float64
}

// New creates a Connection in phase dialing; call Dial to actually
// connect.
func New(cfg Config) *Connection {
	if cfg.Authn == nil {
		cfg.Authn = NoAuth{}
	}
	bo := backoff.NewExponentialBackOff()
	if cfg.ReconnectInitialInterval > 0 {
		bo.InitialInterval = cfg.ReconnectInitialInterval
	}
	if cfg.ReconnectMaxInterval > 0 {
		bo.MaxInterval = cfg.ReconnectMaxInterval
	}
	if cfg.ReconnectMultiplier > 0 {
		bo.Multiplier = cfg.ReconnectMultiplier
	}
	bo.MaxElapsedTime = 0 // reconnect backoff never gives up on its own

	return &Connection{
		serverIndex: cfg.ServerIndex,
		address:     cfg.Address,
		provider:    cfg.Provider,
		authn:       cfg.Authn,
		reg:         cfg.Registry,
		events:      cfg.Events,
		backoff:     bo,
		phase:       PhaseDialing,
		decoder:     wire.NewDecoder(),
		pending:     list.New(),
		clientID:    uuid.NewString(),
	}
}

// ServerIndex returns the node index this connection was created for.
func (c *Connection) ServerIndex() int { return c.serverIndex }

// Phase returns the current connection phase.
func (c *Connection) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Dial issues the TCP connect (spec.md §4.3's "dialing" entry) and, on
// success, sends HELLO; the SASL handshake follows its reply. At most one outstanding connect
// is ever issued per connection (spec.md invariant).
func (c *Connection) Dial(ctx context.Context) {
	netConn, err := c.provider.Connect(ctx, "tcp", c.address)
	if err != nil {
		log.Warningf("dial %s failed: %v", c.address, err)
		c.die(errs.Wrap(errs.ErrNetwork, err))
		return
	}

	handle, err := c.provider.CreateEvent(netConn)
	if err != nil {
		c.die(errs.Wrap(errs.ErrNetwork, err))
		return
	}

	c.mu.Lock()
	c.handle = handle
	c.phase = PhaseAuthenticating
	c.mu.Unlock()

	log.Infof("connected to %s (server %d), starting HELLO", c.address, c.serverIndex)
	c.armRead()
	c.sendHello()
}

// sendHello negotiates protocol features before SASL, per the real
// memcached binary protocol (spec.md's distilled state table jumps
// straight to SASL; every real client does HELLO first).
func (c *Connection) sendHello() {
	frame := wire.EncodeRequest(&wire.Frame{
		Opcode: wire.OpHello,
		Key:    []byte(c.clientID),
		Value:  wire.EncodeHelloFeatures(requestedHelloFeatures),
	})
	c.enqueueRaw(frame)
}

func (c *Connection) sendSASLListMechs() {
	frame := wire.EncodeRequest(&wire.Frame{Opcode: wire.OpSASLListMechs})
	c.enqueueRaw(frame)
}

// armRead (re)arms the read registration; the registration is consumed
// right before onReadable fires, per ioprovider's contract.
func (c *Connection) armRead() {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()
	if h == nil {
		return
	}
	_ = h.UpdateEvent(ioprovider.EventRead, c.onReadable)
}

func (c *Connection) onReadable(mask ioprovider.EventMask) {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()
	if h == nil {
		return
	}

	buf := make([]byte, 64*1024)
	n, err := h.Recv(buf)
	if n > 0 {
		frames, decErr := c.decoder.Feed(buf[:n])
		if decErr != nil {
			c.die(decErr)
			return
		}
		for _, f := range frames {
			c.handleFrame(f)
		}
	}

	if err != nil || mask.Has(ioprovider.EventError) {
		if err == nil {
			err = errs.ErrNetwork
		}
		c.die(errs.Wrap(errs.ErrNetwork, err))
		return
	}

	if c.Phase() != PhaseDead {
		c.armRead()
	}
}

func (c *Connection) handleFrame(f *wire.Frame) {
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()

	if phase == PhaseAuthenticating {
		c.handleAuthFrame(f)
		return
	}

	c.handleResponseFrame(f)
}

func (c *Connection) handleAuthFrame(f *wire.Frame) {
	switch f.Opcode {
	case wire.OpHello:
		if f.Status == wire.StatusSuccess {
			c.negotiatedFeatures = wire.DecodeHelloFeatures(f.Value)
			log.Infof("server %d negotiated features: %v", c.serverIndex, c.negotiatedFeatures)
		} else {
			log.Warningf("server %d rejected HELLO (status 0x%02x), continuing without negotiated features", c.serverIndex, f.Status)
		}
		c.sendSASLListMechs()
	case wire.OpSASLListMechs:
		c.saslMechs = f.Value
		authFrame := c.authn.BuildAuthFrame(c.saslMechs)
		if authFrame == nil {
			c.becomeReady()
			return
		}
		c.enqueueRaw(wire.EncodeRequest(authFrame))
	case wire.OpSASLAuth, wire.OpSASLStep:
		if f.Status != wire.StatusSuccess && f.Status != wire.StatusAuthContinue {
			c.die(errs.ErrAuth)
			return
		}
		c.becomeReady()
	default:
		// Any other frame while authenticating is a protocol violation.
		c.die(errs.ErrProtocol)
	}
}

func (c *Connection) becomeReady() {
	c.mu.Lock()
	c.phase = PhaseReady
	c.mu.Unlock()
	c.backoff.Reset()
	log.Infof("server %d (%s) is ready", c.serverIndex, c.address)
	if c.events.OnReady != nil {
		c.events.OnReady(c.serverIndex)
	}
}

// handleResponseFrame matches a response to the pending queue head
// (cross-check by opaque, spec.md §4.3), then either completes the
// Operation or, for NOT_MY_VBUCKET, hands it to OnRedirect without
// completing it.
func (c *Connection) handleResponseFrame(f *wire.Frame) {
	c.mu.Lock()
	front := c.pending.Front()
	var pendingOp *op.Operation
	if front != nil {
		pendingOp = front.Value.(*op.Operation)
	}
	c.mu.Unlock()

	if pendingOp == nil {
		log.Warningf("server %d: response with opaque %d but no pending operation", c.serverIndex, f.Opaque)
		return
	}
	if pendingOp.Opaque != f.Opaque {
		if _, ok := c.reg.Lookup(c.serverIndex, f.Opaque); !ok {
			log.Warningf("server %d: response with opaque %d for an operation no longer pending", c.serverIndex, f.Opaque)
			return
		}
		c.die(errs.ErrOpaqueMismatch)
		return
	}

	c.mu.Lock()
	c.pending.Remove(front)
	pendingOp.PendingElem = nil
	c.mu.Unlock()

	if f.Status == wire.StatusNotMyVBucket {
		c.reg.Remove(c.serverIndex, f.Opaque)
		if c.events.OnRedirect != nil {
			c.events.OnRedirect(Redirect{Op: pendingOp, ConfigPayload: f.Value})
		}
		return
	}

	err := classifyStatus(f.Status)
	if err == nil {
		err = c.inflateIfCompressed(f)
	}
	c.reg.Complete(c.serverIndex, f.Opaque, f, err)
}

// inflateIfCompressed decompresses f.Value in place when the server set
// DatatypeFlagCompressed, surfacing the snappy datatype bit HELLO's
// featureDatatype negotiation (spec.md §6 wire) exists to advertise.
// Only attempted when the connection actually negotiated datatype
// support -- a server should never set the bit otherwise, but a stray
// bit on an unnegotiated connection is treated as a protocol error
// rather than silently decompressed.
func (c *Connection) inflateIfCompressed(f *wire.Frame) error {
	if f.Datatype&uint8(wire.DatatypeFlagCompressed) == 0 {
		return nil
	}
	if !wire.HasFeature(c.negotiatedFeatures, wire.FeatureDatatype) {
		return errs.Wrap(errs.ErrProtocol, fmt.Errorf("server set compressed datatype bit without negotiated datatype support"))
	}
	decoded, err := snappy.Decode(nil, f.Value)
	if err != nil {
		return errs.Wrap(errs.ErrProtocol, err)
	}
	f.Value = decoded
	f.Datatype &^= uint8(wire.DatatypeFlagCompressed)
	return nil
}

func classifyStatus(status wire.Status) error {
	switch status {
	case wire.StatusSuccess:
		return nil
	case wire.StatusKeyNotFound:
		return errs.ErrKeyNotFound
	case wire.StatusKeyExists:
		return errs.ErrKeyExists
	case wire.StatusTmpFail, wire.StatusBusy, wire.StatusOutOfMemory:
		return errs.ErrTmpFail
	case wire.StatusAuthError:
		return errs.ErrAuth
	case wire.StatusInvalidArgs:
		return errs.ErrInvalidArgs
	default:
		return errs.New(fmt.Sprintf("STATUS_0x%02x", status), errs.ClassDataOp,
			"server returned status 0x%02x", status)
	}
}

// Submit enqueues o's frame for sending and appends o to the FIFO
// pending queue. Only valid while Phase() == PhaseReady; callers (the
// Router) must check that first.
func (c *Connection) Submit(o *op.Operation) error {
	c.mu.Lock()
	if c.phase != PhaseReady {
		c.mu.Unlock()
		return errs.New("NOT_READY", errs.ClassTransient|errs.ClassNetwork,
			"connection to server %d is not ready (phase %s)", c.serverIndex, c.phase)
	}
	o.PendingElem = c.pending.PushBack(o)
	c.mu.Unlock()

	c.reg.Register(o)
	c.enqueueRaw(o.FrameBytes)
	return nil
}

// RemovePending removes o from the FIFO queue and drops its registry
// entry without firing its callback, used by the Scheduler when a
// deadline fires before a response arrives -- the op is gone from the
// wire-order queue and the registry, so a late response no longer
// finds a matching head or a registered Operation and is logged and
// dropped in handleResponseFrame.
func (c *Connection) RemovePending(o *op.Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o.PendingElem != nil {
		c.pending.Remove(o.PendingElem)
		o.PendingElem = nil
	}
	c.reg.Remove(o.ServerIndex, o.Opaque)
}

func (c *Connection) enqueueRaw(frame []byte) {
	c.mu.Lock()
	c.outbuf = append(c.outbuf, frame)
	h := c.handle
	c.mu.Unlock()
	if h == nil {
		return
	}
	_ = h.UpdateEvent(ioprovider.EventWrite, c.onWritable)
}

func (c *Connection) onWritable(mask ioprovider.EventMask) {
	c.mu.Lock()
	h := c.handle
	bufs := c.outbuf
	c.outbuf = nil
	c.mu.Unlock()

	if h == nil || len(bufs) == 0 {
		return
	}

	_, err := h.SendV(bufs)
	if err != nil {
		c.die(errs.Wrap(errs.ErrNetwork, err))
	}
}

// Drain transitions the connection to draining: it refuses new writes
// (Submit will fail from PhaseReady check). If its pending queue is
// already empty it becomes dead at once; otherwise it stays draining
// while outstanding responses complete, and neither a later empty
// queue nor a deadline moves it to dead.
func (c *Connection) Drain() {
	c.mu.Lock()
	if c.phase == PhaseDead || c.phase == PhaseDraining {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseDraining
	empty := c.pending.Len() == 0
	c.mu.Unlock()

	if empty {
		c.die(nil)
	}
}

// die transitions to dead, releases the socket, and fails every
// pending Operation on this connection with NETWORK_ERROR (or err, if
// the caller supplied a more specific classification), per spec.md
// §4.3: "fails all pending operations with NETWORK_ERROR and notifies
// the Handle."
func (c *Connection) die(err error) {
	c.mu.Lock()
	if c.phase == PhaseDead {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseDead
	h := c.handle
	c.pending.Init()
	c.mu.Unlock()

	if h != nil {
		_ = h.Destroy()
	}

	failErr := err
	if failErr == nil {
		failErr = errs.ErrNetwork
	}
	c.reg.FailAllForServer(c.serverIndex, failErr)

	log.Warningf("server %d (%s) is dead: %v", c.serverIndex, c.address, failErr)
	if c.events.OnDead != nil {
		c.events.OnDead(c.serverIndex, failErr)
	}
}

// NextBackoff reports the next reconnect delay per the exponential
// backoff schedule (Open Question resolved in DESIGN.md).
func (c *Connection) NextBackoff() time.Duration {
	return c.backoff.NextBackOff()
}
