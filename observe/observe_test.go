package observe

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/couchgo/couchgo/ioprovider"
	"github.com/couchgo/couchgo/registry"
	"github.com/couchgo/couchgo/router"
	"github.com/couchgo/couchgo/vbmap"
	"github.com/couchgo/couchgo/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// observeServer answers every OBSERVE request by reporting the single
// requested key as persisted with a fixed CAS.
func observeServer(t *testing.T, cas uint64) string {
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
						keys := parseObserveRequest(f.Value)
						body := make([]byte, 0)
						for _, k := range keys {
							entry := make([]byte, 4+len(k)+9)
							binary.BigEndian.PutUint16(entry[0:2], 0)
							binary.BigEndian.PutUint16(entry[2:4], uint16(len(k)))
							copy(entry[4:], k)
							entry[4+len(k)] = byte(wire.ObservePersisted)
							binary.BigEndian.PutUint64(entry[5+len(k):], cas)
							body = append(body, entry...)
						}
						resp := &wire.Frame{Opcode: f.Opcode, Status: wire.StatusSuccess, Opaque: f.Opaque, Value: body}
						c.Write(wire.EncodeResponse(resp))
					}
				}
			}(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func parseObserveRequest(body []byte) [][]byte {
	var keys [][]byte
	pos := 0
	for pos+4 <= len(body) {
		klen := int(binary.BigEndian.Uint16(body[pos+2 : pos+4]))
		pos += 4
		if pos+klen > len(body) {
			break
		}
		keys = append(keys, body[pos:pos+klen])
		pos += klen
	}
	return keys
}

func TestPollSucceedsWhenRequirementAlreadyMet(t *testing.T) {
	addr := observeServer(t, 42)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

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

	provider := ioprovider.NewProvider(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go provider.Run(ctx)

	r := router.New(router.Config{Provider: provider, Registry: registry.New()})
	r.SetMap(m)

	poller := New(r, 10*time.Millisecond, 2*time.Second)
	poller.Post = provider.Post
	results := poller.Poll(ctx, []Requirement{
		{Key: []byte("x"), CAS: 42, PersistTo: 1, ReplicateTo: 0},
	})

	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
}
