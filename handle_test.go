package couchgo

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/couchgo/couchgo/bootstrap"
	"github.com/couchgo/couchgo/couchgoconfig"
	"github.com/couchgo/couchgo/op"
	"github.com/couchgo/couchgo/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// combinedServer binds a listener, builds a one-node cluster config
// pointing back at its own port, and answers OpGetClusterConfig
// fetches with it -- used by both the Bootstrap Provider's CCCP
// transport and ordinary Server Connection dials on the very same
// address -- while echoing StatusSuccess for every other request,
// which is enough to satisfy the SASL handshake and any KV op a test
// submits. Returns the listener's address and port.
func combinedServer(t *testing.T, bucket string) (addr string, port int) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(portStr)
	require.NoError(t, err)
	clusterConfig := clusterConfigJSON(bucket, port)

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				dec := wire.NewDecoder()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					frames, err := dec.Feed(buf[:n])
					if err != nil {
						return
					}
					for _, f := range frames {
						resp := &wire.Frame{Opcode: f.Opcode, Status: wire.StatusSuccess, Opaque: f.Opaque, CAS: 1}
						if f.Opcode == wire.OpGetClusterConfig {
							resp.Value = clusterConfig
						} else if f.Opcode == wire.OpGet {
							resp.Value = f.Value
						}
						c.Write(wire.EncodeResponse(resp))
					}
				}
			}(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), port
}

func clusterConfigJSON(bucket string, port int) []byte {
	return []byte(fmt.Sprintf(`{
		"name": %q,
		"nodes": [{"hostname": "127.0.0.1", "ports": {"direct": %d}, "couchApiBase": ""}],
		"vBucketServerMap": {
			"hashAlgorithm": "CRC",
			"numReplicas": 0,
			"serverList": ["127.0.0.1:%d"],
			"vBucketMap": [[0],[0]]
		}
	}`, bucket, port, port))
}

func TestConnectBecomesUsableAndRoundTripsAGet(t *testing.T) {
	_, port := combinedServer(t, "default")

	cfg := couchgoconfig.Default()
	cfg.Hosts = []string{fmt.Sprintf("127.0.0.1:%d", port)}
	cfg.BucketName = "default"
	cfg.Transports = []bootstrap.TransportKind{bootstrap.TransportCCCP}
	cfg.ConfigNodeTimeout = 500 * time.Millisecond
	cfg.ConfigurationTimeout = 2 * time.Second

	h := New(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.Connect(ctx))
	assert.Equal(t, StateUsable, h.State())

	done := make(chan struct{}, 1)
	o := &op.Operation{
		Kind:  op.KindGet,
		Frame: &wire.Frame{Opcode: wire.OpGet, Key: []byte("Hello")},
		Callback: func(resp *wire.Frame, err error) {
			assert.NoError(t, err)
			if resp != nil {
				assert.Equal(t, wire.StatusSuccess, resp.Status)
			}
			done <- struct{}{}
		},
	}
	require.NoError(t, h.Submit(ctx, o, []byte("Hello")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}

	destroyCtx, destroyCancel := context.WithTimeout(context.Background(), time.Second)
	defer destroyCancel()
	require.NoError(t, h.Destroy(destroyCtx))
	assert.Equal(t, StateDestroyed, h.State())
}

func TestParseHostSpecDefaultsManagementPort(t *testing.T) {
	spec, err := parseHostSpec("cb1.example.com:11210")
	require.NoError(t, err)
	assert.Equal(t, "cb1.example.com", spec.Host)
	assert.Equal(t, 11210, spec.DataPort)
	assert.Equal(t, 8091, spec.ManagementPort)
}

func TestParseHostSpecRejectsGarbage(t *testing.T) {
	_, err := parseHostSpec("a:b:c:d")
	assert.Error(t, err)
}

func TestDestroyFailsPendingOperationsOnTimeout(t *testing.T) {
	_, port := combinedServer(t, "default")

	cfg := couchgoconfig.Default()
	cfg.Hosts = []string{fmt.Sprintf("127.0.0.1:%d", port)}
	cfg.BucketName = "default"
	cfg.ConfigNodeTimeout = 500 * time.Millisecond
	cfg.ConfigurationTimeout = 2 * time.Second

	h := New(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Connect(ctx))

	// Register a pending op directly in the registry without a real
	// connection backing it, simulating one still in flight at
	// shutdown time.
	fired := make(chan error, 1)
	o := &op.Operation{
		ServerIndex: 0,
		Opaque:      999,
		Callback: func(resp *wire.Frame, err error) {
			fired <- err
		},
	}
	h.Registry().Register(o)

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer shortCancel()
	require.NoError(t, h.Destroy(shortCtx))

	select {
	case err := <-fired:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown never failed the pending operation")
	}
}
