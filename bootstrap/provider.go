// Package bootstrap implements the Bootstrap Provider (spec.md §4.6):
// acquiring the initial VBucket Map and refreshing it later, by walking
// a caller-ordered list of transports and, within each, a caller-ordered
// list of hosts.
package bootstrap

import (
	"context"
	"time"

	dblogger "github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/singleflight"

	"github.com/couchgo/couchgo/configcache"
	"github.com/couchgo/couchgo/errs"
	"github.com/couchgo/couchgo/vbmap"
)

var log = dblogger.GetLogger("couchgo/bootstrap")

// TransportKind selects which transport a Config entry uses.
type TransportKind int

const (
	TransportCCCP TransportKind = iota
	TransportHTTP
)

// Config bundles the Bootstrap Provider's tunables. Field names follow
// the surveyed option vocabulary (CONFIG_NODE_TIMEOUT,
// CONFIGURATION_TIMEOUT, HTCONFIG_IDLE_TIMEOUT) so couchgoconfig can map
// settings onto them one-to-one.
type Config struct {
	Hosts          []HostSpec
	BucketName     string
	IsMemcached    bool // disables CCCP per spec.md §4.6
	TransportOrder []TransportKind

	ConfigNodeTimeout   time.Duration // per-host, per-transport timeout
	ConfigurationTimeout time.Duration // total attempt deadline
	HTTPIdleTimeout     time.Duration

	CachePath string

	// ExistingConnFetch, if set, is tried first on a Refresh (not on
	// the initial Bootstrap): it lets a caller offer a CCCP fetch over
	// an already-established Server Connection before the Provider
	// dials a fresh one. The Handle leaves it nil, so its refreshes
	// always walk the host list.
	ExistingConnFetch func(ctx context.Context) ([]byte, bool)

	// OnPush receives topology documents the HTTP transport streams
	// after the first one, for as long as the stream stays open.
	OnPush func(m *vbmap.Map, bucketName string)
}

// Provider drives the bootstrap/refresh walk.
type Provider struct {
	cfg Config
	sf  singleflight.Group

	// streamCtx bounds every HTTP push-stream goroutine spawned across
	// the Provider's lifetime; Close cancels it so a Handle destroyed
	// while a stream is open doesn't leak the goroutine or its socket
	// (spec.md §5's "release resources" cancellation contract).
	streamCtx    context.Context
	streamCancel context.CancelFunc
}

// New constructs a Provider. cfg.TransportOrder defaults to
// {CCCP, HTTP} unless cfg.IsMemcached, which forces HTTP-only (ketama
// buckets have no CCCP opcode support).
func New(cfg Config) *Provider {
	if cfg.IsMemcached {
		cfg.TransportOrder = []TransportKind{TransportHTTP}
	} else if len(cfg.TransportOrder) == 0 {
		cfg.TransportOrder = []TransportKind{TransportCCCP, TransportHTTP}
	}
	if cfg.ConfigNodeTimeout <= 0 {
		cfg.ConfigNodeTimeout = 60 * time.Millisecond
	}
	if cfg.ConfigurationTimeout <= 0 {
		cfg.ConfigurationTimeout = time.Second
	}
	streamCtx, streamCancel := context.WithCancel(context.Background())
	return &Provider{cfg: cfg, streamCtx: streamCtx, streamCancel: streamCancel}
}

// Close stops every push-stream goroutine still running (cancelling
// streamCtx unblocks streamPushedUpdates' select and its deferred
// body.Close()). Later Bootstrap/Refresh calls still run, but an HTTP
// stream they open is closed right after its first document. Safe to
// call more than once.
func (p *Provider) Close() {
	p.streamCancel()
}

func (p *Provider) transportFor(kind TransportKind) transport {
	switch kind {
	case TransportCCCP:
		return cccpTransport{}
	case TransportHTTP:
		return httpTransport{idleTimeout: p.cfg.HTTPIdleTimeout}
	default:
		return nil
	}
}

// Bootstrap performs the initial topology fetch. On success it also
// seeds the on-disk config cache (best-effort; a cache write failure
// is logged, not propagated). Failure to acquire any topology within
// ConfigurationTimeout surfaces as errs.ErrBootstrap.
func (p *Provider) Bootstrap(ctx context.Context) (*vbmap.Map, error) {
	result, err := p.walk(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.ErrBootstrap, err)
	}

	m, bucketName, err := vbmap.ParseConfig(result.configJSON)
	if err != nil {
		return nil, errs.Wrap(errs.ErrBootstrap, err)
	}

	if p.cfg.CachePath != "" {
		if err := configcache.Save(p.cfg.CachePath, bucketName, result.configJSON); err != nil {
			log.Warningf("failed to persist config cache to %s: %v", p.cfg.CachePath, err)
		}
	}

	return m, nil
}

// Refresh re-acquires the topology, collapsing concurrent callers into
// a single attempt via singleflight (spec.md §4.7's refresh trigger
// fires from multiple places -- per-op NOT_MY_VBUCKET, per-Handle error
// threshold, connection death -- and they should not each dial the
// cluster independently). Unlike Bootstrap, a Refresh failure is
// non-fatal: callers retry later on their own backoff schedule.
func (p *Provider) Refresh(ctx context.Context) (*vbmap.Map, error) {
	v, err, _ := p.sf.Do("refresh", func() (interface{}, error) {
		if p.cfg.ExistingConnFetch != nil {
			if payload, ok := p.cfg.ExistingConnFetch(ctx); ok {
				m, _, err := vbmap.ParseConfig(payload)
				if err == nil {
					return m, nil
				}
				log.Warningf("existing-connection CCCP fetch returned unparsable config: %v", err)
			}
		}

		result, err := p.walk(ctx)
		if err != nil {
			return nil, err
		}
		m, bucketName, err := vbmap.ParseConfig(result.configJSON)
		if err != nil {
			return nil, err
		}
		if p.cfg.CachePath != "" {
			if err := configcache.Save(p.cfg.CachePath, bucketName, result.configJSON); err != nil {
				log.Warningf("failed to persist config cache to %s: %v", p.cfg.CachePath, err)
			}
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*vbmap.Map), nil
}

// walk tries every transport in order, and within each, every host in
// order, bounding each attempt by ConfigNodeTimeout and the whole walk
// by ConfigurationTimeout.
func (p *Provider) walk(ctx context.Context) (fetchResult, error) {
	overallCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfigurationTimeout)
	defer cancel()

	var lastErr error
	for _, kind := range p.cfg.TransportOrder {
		t := p.transportFor(kind)
		if t == nil {
			continue
		}
		for _, host := range p.cfg.Hosts {
			if overallCtx.Err() != nil {
				return fetchResult{}, overallCtx.Err()
			}
			hostCtx, hostCancel := context.WithTimeout(overallCtx, p.cfg.ConfigNodeTimeout)
			result, err := t.fetch(hostCtx, p.streamCtx, host, p.cfg.BucketName, p.pushCallback())
			hostCancel()
			if err == nil {
				log.Infof("bootstrap: acquired topology via %s from %s", t.name(), host.dataAddr())
				return result, nil
			}
			log.Warningf("bootstrap: %s fetch from %s failed: %v", t.name(), host.dataAddr(), err)
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = errs.New("NO_HOSTS", errs.ClassInput, "no hosts configured for bootstrap")
	}
	return fetchResult{}, lastErr
}

func (p *Provider) pushCallback() func(fetchResult) {
	if p.cfg.OnPush == nil {
		return nil
	}
	return func(r fetchResult) {
		m, bucketName, err := vbmap.ParseConfig(r.configJSON)
		if err != nil {
			log.Warningf("bootstrap: discarding unparsable pushed config: %v", err)
			return
		}
		p.cfg.OnPush(m, bucketName)
	}
}

// LoadCached seeds a Map from the on-disk cache without contacting the
// cluster, for callers that want to become usable before the first
// live bootstrap completes. Returns the same not-exist error os.Stat
// would on a missing cache.
func LoadCached(path string) (m *vbmap.Map, bucketName string, err error) {
	bucketName, raw, err := configcache.Load(path)
	if err != nil {
		return nil, "", err
	}
	m, bucketName, err = vbmap.ParseConfig(raw)
	return m, bucketName, err
}
