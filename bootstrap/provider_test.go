package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/couchgo/couchgo/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleConfig(bucket string, port int) []byte {
	doc := fmt.Sprintf(`{
		"name": %q,
		"nodes": [{"hostname": "127.0.0.1", "ports": {"direct": %d}, "couchApiBase": ""}],
		"vBucketServerMap": {
			"hashAlgorithm": "CRC",
			"numReplicas": 0,
			"serverList": ["127.0.0.1:%d"],
			"vBucketMap": [[0],[0]]
		}
	}`, bucket, port, port)
	return []byte(doc)
}

// cccpServer accepts one connection and answers OpGetClusterConfig
// requests with a fixed config document.
func cccpServer(t *testing.T, cfg []byte) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
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
					Value:  cfg,
				}
				c.Write(wire.EncodeResponse(resp))
			}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestBootstrapViaCCCP(t *testing.T) {
	addr := cccpServer(t, sampleConfig("default", 11210))
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	p := New(Config{
		Hosts:                []HostSpec{{Host: host, DataPort: port, ManagementPort: port}},
		BucketName:           "default",
		TransportOrder:       []TransportKind{TransportCCCP},
		ConfigNodeTimeout:    500 * time.Millisecond,
		ConfigurationTimeout: 2 * time.Second,
	})

	m, err := p.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.NumServers())
}

func TestBootstrapViaHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(json.RawMessage(sampleConfig("default", 11210)))
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	p := New(Config{
		Hosts:                []HostSpec{{Host: host, ManagementPort: port}},
		BucketName:           "default",
		TransportOrder:       []TransportKind{TransportHTTP},
		ConfigNodeTimeout:    500 * time.Millisecond,
		ConfigurationTimeout: 2 * time.Second,
	})

	m, err := p.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.NumServers())
}

func TestBootstrapFailsOverAcrossHosts(t *testing.T) {
	good := cccpServer(t, sampleConfig("default", 11210))
	goodHost, goodPortStr, _ := net.SplitHostPort(good)
	var goodPort int
	fmt.Sscanf(goodPortStr, "%d", &goodPort)

	p := New(Config{
		Hosts: []HostSpec{
			{Host: "127.0.0.1", DataPort: 1}, // refused
			{Host: goodHost, DataPort: goodPort, ManagementPort: goodPort},
		},
		BucketName:           "default",
		TransportOrder:       []TransportKind{TransportCCCP},
		ConfigNodeTimeout:    200 * time.Millisecond,
		ConfigurationTimeout: 2 * time.Second,
	})

	m, err := p.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.NumServers())
}

func TestBootstrapFailsWhenAllHostsUnreachable(t *testing.T) {
	p := New(Config{
		Hosts:                []HostSpec{{Host: "127.0.0.1", DataPort: 1}},
		BucketName:           "default",
		TransportOrder:       []TransportKind{TransportCCCP},
		ConfigNodeTimeout:    100 * time.Millisecond,
		ConfigurationTimeout: 300 * time.Millisecond,
	})

	_, err := p.Bootstrap(context.Background())
	require.Error(t, err)
}

func TestRefreshCollapsesConcurrentCallers(t *testing.T) {
	addr := cccpServer(t, sampleConfig("default", 11210))
	host, portStr, _ := net.SplitHostPort(addr)
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	p := New(Config{
		Hosts:                []HostSpec{{Host: host, DataPort: port, ManagementPort: port}},
		BucketName:           "default",
		TransportOrder:       []TransportKind{TransportCCCP},
		ConfigNodeTimeout:    500 * time.Millisecond,
		ConfigurationTimeout: 2 * time.Second,
	})

	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := p.Refresh(context.Background())
			results <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-results)
	}
}
