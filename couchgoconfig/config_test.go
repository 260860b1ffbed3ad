package couchgoconfig

import (
	"testing"
	"time"

	"github.com/couchgo/couchgo/bootstrap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	d := Default()
	assert.Equal(t, 2500*time.Millisecond, d.OpTimeout)
	assert.Equal(t, 5*time.Second, d.ConfigurationTimeout)
	assert.Equal(t, 5, d.MaxRedirects)
	assert.Equal(t, []bootstrap.TransportKind{bootstrap.TransportCCCP, bootstrap.TransportHTTP}, d.Transports)
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	t.Setenv("COUCHGO_OP_TIMEOUT_US", "100000")
	t.Setenv("COUCHGO_BUCKET", "default")
	t.Setenv("COUCHGO_TRANSPORTS", "cccp")

	v := NewViper()
	c, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, c.OpTimeout)
	assert.Equal(t, "default", c.BucketName)
	assert.Equal(t, []bootstrap.TransportKind{bootstrap.TransportCCCP}, c.Transports)
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	t.Setenv("COUCHGO_TRANSPORTS", "smtp")
	v := NewViper()
	_, err := Load(v)
	assert.Error(t, err)
}

func TestConfigStringIncludesKeySections(t *testing.T) {
	c := Default()
	c.BucketName = "travel-sample"
	c.Hosts = []string{"node1:8091"}
	s := c.String()
	assert.Contains(t, s, "CLUSTER")
	assert.Contains(t, s, "travel-sample")
	assert.Contains(t, s, "TIMEOUTS")
	assert.Contains(t, s, "TRANSPORTS")
}

func TestParseLogLevelAcceptsLCBStyleInts(t *testing.T) {
	assert.Equal(t, ParseLogLevel("5"), ParseLogLevel("debug"))
	assert.Equal(t, ParseLogLevel("1"), ParseLogLevel("error"))
}

func TestLoadProcessEnvReadsCouchgoPrefixedVars(t *testing.T) {
	t.Setenv("COUCHGO_LOGLEVEL", "3")
	t.Setenv("COUCHGO_DLOPEN_DEBUG", "true")

	env := LoadProcessEnv()
	assert.Equal(t, "3", env.LogLevel)
	assert.True(t, env.DlopenDebug)
}
