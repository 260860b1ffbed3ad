// Package couchgoconfig holds the Handle's configuration surface
// (spec.md §6 "Configuration options") plus the process-init settings
// carried over from the real client's environment variables (spec.md
// §6 "Environment"). It follows the teacher's ClientConfig/ServerConfig
// pattern (rpc/common/config.go): a plain struct with sane defaults, a
// String() dump for logs, and a separate loader that layers viper on
// top for callers who want file/env/flag configuration instead of
// constructing the struct by hand.
package couchgoconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/couchgo/couchgo/bootstrap"
	"github.com/lni/dragonboat/v4/logger"
)

// Config holds every recognised setting from spec.md §6. Durations are
// expressed as time.Duration rather than raw microsecond counts -- the
// microsecond unit is how the option is advertised in spec.md, not how
// it should be carried through idiomatic Go code; Load does
// the µs-int -> time.Duration conversion at the boundary.
type Config struct {
	Hosts       []string
	BucketName  string
	IsMemcached bool

	OpTimeout            time.Duration
	ConfigurationTimeout time.Duration
	ConfigNodeTimeout    time.Duration
	ViewTimeout          time.Duration
	DurabilityTimeout    time.Duration
	DurabilityInterval   time.Duration
	HTConfigIdleTimeout  time.Duration

	ConferrThresh   int32
	ConfdelayThresh time.Duration
	MaxRedirects    int

	Transports []bootstrap.TransportKind

	// CachePath, if non-empty, enables the config-cache file described
	// by spec.md §6 "Persisted state".
	CachePath string

	// ConfigCacheLoaded is not set by the Handle: Connect always
	// bootstraps over the network and never reads the cache file, so
	// the field stays false.
	ConfigCacheLoaded bool

	// Logger is carried in the Config but not read by the Handle;
	// logging goes through whatever InitLoggers installed.
	Logger logger.ILogger
}

// Default returns a Config with every timeout/threshold set to
// spec.md §6's stated default, and no hosts/bucket configured -- the
// caller must still fill those in.
func Default() Config {
	return Config{
		OpTimeout:            2500 * time.Millisecond,
		ConfigurationTimeout: 5 * time.Second,
		ConfigNodeTimeout:    2500 * time.Millisecond,
		ViewTimeout:          75 * time.Second,
		DurabilityTimeout:    5 * time.Second,
		DurabilityInterval:   10 * time.Millisecond,
		HTConfigIdleTimeout:  2500 * time.Millisecond,
		ConferrThresh:        5,
		ConfdelayThresh:      1 * time.Second,
		MaxRedirects:         5,
		Transports:           []bootstrap.TransportKind{bootstrap.TransportCCCP, bootstrap.TransportHTTP},
	}
}

// ParseTransport maps the config-file/env spelling ("cccp", "http") to
// a bootstrap.TransportKind, case-insensitively.
func ParseTransport(s string) (bootstrap.TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cccp":
		return bootstrap.TransportCCCP, nil
	case "http":
		return bootstrap.TransportHTTP, nil
	default:
		return 0, fmt.Errorf("couchgoconfig: unknown transport %q, want cccp or http", s)
	}
}

func transportName(k bootstrap.TransportKind) string {
	switch k {
	case bootstrap.TransportCCCP:
		return "cccp"
	case bootstrap.TransportHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// String renders a human-readable dump of c, in the same section/field
// style as the teacher's ClientConfig.String() -- used in bootstrap
// failure logs so an operator can see exactly what was configured.
func (c Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Cluster")
	addField("Bucket", c.BucketName)
	addField("Memcached Bucket", strconv.FormatBool(c.IsMemcached))
	for i, h := range c.Hosts {
		addField(fmt.Sprintf("Host[%d]", i), h)
	}

	addSection("Timeouts")
	addField("Op Timeout", c.OpTimeout.String())
	addField("Configuration Timeout", c.ConfigurationTimeout.String())
	addField("Config Node Timeout", c.ConfigNodeTimeout.String())
	addField("View Timeout", c.ViewTimeout.String())
	addField("Durability Timeout", c.DurabilityTimeout.String())
	addField("Durability Interval", c.DurabilityInterval.String())
	addField("HTConfig Idle Timeout", c.HTConfigIdleTimeout.String())

	addSection("Retry & Refresh")
	addField("Conferr Thresh", strconv.Itoa(int(c.ConferrThresh)))
	addField("Confdelay Thresh", c.ConfdelayThresh.String())
	addField("Max Redirects", strconv.Itoa(c.MaxRedirects))

	addSection("Transports")
	for i, t := range c.Transports {
		addField(strconv.Itoa(i), transportName(t))
	}

	addSection("Config Cache")
	addField("Path", c.CachePath)
	addField("Loaded", strconv.FormatBool(c.ConfigCacheLoaded))

	return sb.String()
}
