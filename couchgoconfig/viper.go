package couchgoconfig

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// keys are the viper settings, named after spec.md §6's option names
// but lowercased the way the teacher's cmd/ layer reads its own
// settings (cmd/*/main.go binds flags to the same dotted/underscored
// names viper exposes via env).
const (
	keyHosts       = "hosts"
	keyBucket      = "bucket"
	keyMemcached   = "memcached"
	keyCachePath   = "config_cache_path"
	keyTransports  = "transports"

	keyOpTimeout            = "op_timeout_us"
	keyConfigurationTimeout = "configuration_timeout_us"
	keyConfigNodeTimeout    = "config_node_timeout_us"
	keyViewTimeout          = "view_timeout_us"
	keyDurabilityTimeout    = "durability_timeout_us"
	keyDurabilityInterval   = "durability_interval_us"
	keyHTConfigIdleTimeout  = "htconfig_idle_timeout_us"
	keyConferrThresh        = "conferrthresh"
	keyConfdelayThresh      = "confdelay_thresh_us"
	keyMaxRedirects         = "max_redirects"
)

// NewViper builds a viper.Viper pre-loaded with Default()'s values and
// bound to COUCHGO_-prefixed environment variables, mirroring the
// teacher's cmd/ layering: defaults, then an optional config file (if
// SetConfigFile/AddConfigPath is called by the caller before Load),
// then environment, highest priority last.
func NewViper() *viper.Viper {
	// Best-effort, same as the teacher's cmd/util and cmd/serve: a
	// missing .env is not an error, and an explicit environment
	// variable still wins since AutomaticEnv reads the process
	// environment godotenv just populated, not a separate source.
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	d := Default()

	v.SetDefault(keyMemcached, d.IsMemcached)
	v.SetDefault(keyOpTimeout, d.OpTimeout.Microseconds())
	v.SetDefault(keyConfigurationTimeout, d.ConfigurationTimeout.Microseconds())
	v.SetDefault(keyConfigNodeTimeout, d.ConfigNodeTimeout.Microseconds())
	v.SetDefault(keyViewTimeout, d.ViewTimeout.Microseconds())
	v.SetDefault(keyDurabilityTimeout, d.DurabilityTimeout.Microseconds())
	v.SetDefault(keyDurabilityInterval, d.DurabilityInterval.Microseconds())
	v.SetDefault(keyHTConfigIdleTimeout, d.HTConfigIdleTimeout.Microseconds())
	v.SetDefault(keyConferrThresh, d.ConferrThresh)
	v.SetDefault(keyConfdelayThresh, d.ConfdelayThresh.Microseconds())
	v.SetDefault(keyMaxRedirects, d.MaxRedirects)
	v.SetDefault(keyTransports, []string{"cccp", "http"})

	v.SetEnvPrefix("COUCHGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads v into a Config, applying the same microsecond -> Duration
// conversion everywhere spec.md §6 states a µs unit. v should already
// have had any config file merged in (viper.ReadInConfig) before Load
// is called, so env/file precedence is resolved by viper itself.
func Load(v *viper.Viper) (Config, error) {
	c := Config{
		Hosts:       v.GetStringSlice(keyHosts),
		BucketName:  v.GetString(keyBucket),
		IsMemcached: v.GetBool(keyMemcached),
		CachePath:   v.GetString(keyCachePath),

		OpTimeout:            time.Duration(v.GetInt64(keyOpTimeout)) * time.Microsecond,
		ConfigurationTimeout: time.Duration(v.GetInt64(keyConfigurationTimeout)) * time.Microsecond,
		ConfigNodeTimeout:    time.Duration(v.GetInt64(keyConfigNodeTimeout)) * time.Microsecond,
		ViewTimeout:          time.Duration(v.GetInt64(keyViewTimeout)) * time.Microsecond,
		DurabilityTimeout:    time.Duration(v.GetInt64(keyDurabilityTimeout)) * time.Microsecond,
		DurabilityInterval:   time.Duration(v.GetInt64(keyDurabilityInterval)) * time.Microsecond,
		HTConfigIdleTimeout:  time.Duration(v.GetInt64(keyHTConfigIdleTimeout)) * time.Microsecond,

		ConferrThresh:   int32(v.GetInt(keyConferrThresh)),
		ConfdelayThresh: time.Duration(v.GetInt64(keyConfdelayThresh)) * time.Microsecond,
		MaxRedirects:    v.GetInt(keyMaxRedirects),
	}

	for _, name := range v.GetStringSlice(keyTransports) {
		t, err := ParseTransport(name)
		if err != nil {
			return Config{}, err
		}
		c.Transports = append(c.Transports, t)
	}
	if len(c.Transports) == 0 {
		c.Transports = Default().Transports
	}

	return c, nil
}
