package router

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/couchgo/couchgo/ioprovider"
	"github.com/couchgo/couchgo/op"
	"github.com/couchgo/couchgo/registry"
	"github.com/couchgo/couchgo/vbmap"
	"github.com/couchgo/couchgo/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer accepts connections and answers every request with
// StatusSuccess, echoing the opaque.
func echoServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
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
						resp := &wire.Frame{Opcode: f.Opcode, Status: wire.StatusSuccess, Opaque: f.Opaque}
						c.Write(wire.EncodeResponse(resp))
					}
				}
			}(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func singleServerMap(t *testing.T, addr string) *vbmap.Map {
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := []byte(fmt.Sprintf(`{
		"name": "default",
		"nodes": [{"hostname": %q, "ports": {"direct": %d}, "couchApiBase": ""}],
		"vBucketServerMap": {
			"hashAlgorithm": "CRC",
			"numReplicas": 0,
			"serverList": ["%s:%d"],
			"vBucketMap": [[0],[0]]
		}
	}`, host, port, host, port))
	m, _, err := vbmap.ParseConfig(cfg)
	require.NoError(t, err)
	return m
}

func TestSubmitRoutesAndCompletes(t *testing.T) {
	addr := echoServer(t)
	provider := ioprovider.NewProvider(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go provider.Run(ctx)

	reg := registry.New()
	r := New(Config{Provider: provider, Registry: reg})
	r.SetMap(singleServerMap(t, addr))

	respCh := make(chan error, 1)
	o := &op.Operation{
		Kind:  op.KindGet,
		Frame: &wire.Frame{Opcode: wire.OpGet},
		Callback: func(resp *wire.Frame, err error) {
			respCh <- err
		},
	}
	require.NoError(t, r.Submit(ctx, o, []byte("some-key")))

	select {
	case err := <-respCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("operation never completed")
	}
}

func TestSetMapDrainsRemovedNodes(t *testing.T) {
	addr := echoServer(t)
	provider := ioprovider.NewProvider(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go provider.Run(ctx)

	reg := registry.New()
	r := New(Config{Provider: provider, Registry: reg})
	m1 := singleServerMap(t, addr)
	r.SetMap(m1)

	// Submit to create the connection.
	done := make(chan struct{}, 1)
	o := &op.Operation{
		Frame:    &wire.Frame{Opcode: wire.OpGet},
		Callback: func(*wire.Frame, error) { done <- struct{}{} },
	}
	require.NoError(t, r.Submit(ctx, o, []byte("k")))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("setup op never completed")
	}

	// Installing an empty map should drain the existing connection.
	empty := singleServerMapEmpty(t)
	r.SetMap(empty)
	assert.Equal(t, 0, len(r.connections))
}

func singleServerMapEmpty(t *testing.T) *vbmap.Map {
	cfg := []byte(`{
		"name": "default",
		"nodes": [],
		"vBucketServerMap": {
			"hashAlgorithm": "CRC",
			"numReplicas": 0,
			"serverList": [],
			"vBucketMap": [[],[]]
		}
	}`)
	m, _, err := vbmap.ParseConfig(cfg)
	require.NoError(t, err)
	return m
}
