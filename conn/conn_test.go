package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/couchgo/couchgo/ioprovider"
	"github.com/couchgo/couchgo/op"
	"github.com/couchgo/couchgo/registry"
	"github.com/couchgo/couchgo/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts one connection, replies StatusSuccess to
// SASL_LIST_MECHS with an empty mechanism list (so NoAuth proceeds
// straight to ready), then echoes back a StatusSuccess response for
// every request it reads, pulling the opaque through untouched.
func fakeServer(t *testing.T) (addr string, done chan struct{}) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done = make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		if err != nil {
			return
		}
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
				resp := &wire.Frame{
					Opcode: f.Opcode,
					Status: wire.StatusSuccess,
					Opaque: f.Opaque,
				}
				c.Write(wire.EncodeResponse(resp))
			}
		}
	}()
	go func() {
		<-done
		ln.Close()
	}()
	addr = ln.Addr().String()
	return addr, done
}

func TestDialAuthenticatesAndBecomesReady(t *testing.T) {
	addr, _ := fakeServerWithListener(t)
	provider := ioprovider.NewProvider(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go provider.Run(ctx)

	readyCh := make(chan int, 1)
	c := New(Config{
		ServerIndex: 0,
		Address:     addr,
		Provider:    provider,
		Registry:    registry.New(),
		Events: Events{
			OnReady: func(idx int) { readyCh <- idx },
		},
	})

	c.Dial(ctx)

	select {
	case idx := <-readyCh:
		assert.Equal(t, 0, idx)
	case <-time.After(2 * time.Second):
		t.Fatal("connection never became ready")
	}
	assert.Equal(t, PhaseReady, c.Phase())
}

func TestSubmitRoundTripsResponse(t *testing.T) {
	addr, _ := fakeServerWithListener(t)
	provider := ioprovider.NewProvider(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go provider.Run(ctx)

	reg := registry.New()
	readyCh := make(chan struct{}, 1)
	c := New(Config{
		ServerIndex: 0,
		Address:     addr,
		Provider:    provider,
		Registry:    reg,
		Events: Events{
			OnReady: func(int) { readyCh <- struct{}{} },
		},
	})
	c.Dial(ctx)

	select {
	case <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("never became ready")
	}

	respCh := make(chan *wire.Frame, 1)
	o := &op.Operation{
		Opaque:      42,
		Kind:        op.KindGet,
		ServerIndex: 0,
		FrameBytes:  wire.EncodeRequest(&wire.Frame{Opcode: wire.OpGet, Opaque: 42}),
		Callback: func(resp *wire.Frame, err error) {
			assert.NoError(t, err)
			respCh <- resp
		},
	}
	require.NoError(t, c.Submit(o))

	select {
	case resp := <-respCh:
		assert.Equal(t, uint32(42), resp.Opaque)
		assert.Equal(t, wire.StatusSuccess, resp.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("never got a response")
	}
}

func TestDieFailsAllPendingOperations(t *testing.T) {
	provider := ioprovider.NewProvider(nil)
	reg := registry.New()
	var deadErr error
	c := New(Config{
		ServerIndex: 3,
		Provider:    provider,
		Registry:    reg,
		Events: Events{
			OnDead: func(idx int, err error) { deadErr = err },
		},
	})
	c.phase = PhaseReady // skip dialing for this unit test

	fired := make(chan error, 1)
	o := &op.Operation{
		Opaque:      7,
		ServerIndex: 3,
		FrameBytes:  []byte{},
		Callback:    func(resp *wire.Frame, err error) { fired <- err },
	}
	require.NoError(t, c.Submit(o))

	c.die(nil)

	select {
	case err := <-fired:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending op never failed")
	}
	assert.Equal(t, PhaseDead, c.Phase())
	assert.Error(t, deadErr)
}

func fakeServerWithListener(t *testing.T) (string, chan struct{}) {
	return fakeServer(t)
}
