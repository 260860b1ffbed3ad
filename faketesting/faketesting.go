// Package faketesting is a small in-process fake Couchbase node, used
// by the end-to-end scenario tests for the cluster routing/dispatch
// engine. It is grounded on the teacher's lib/db/testing harness
// pattern (db_testing.go): an in-package test helper driving scripted
// behaviour against the real wire codec, rather than a mock of couchgo's
// own Go types -- the scenarios exercise the exact bytes a real
// Couchbase node would send.
package faketesting

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/couchgo/couchgo/wire"
	"github.com/stretchr/testify/require"
)

// Handler answers one decoded request frame with a response frame.
// Returning nil drops the request on the floor, simulating a node that
// never replies (spec.md §8 scenario S3's "never replies").
type Handler func(req *wire.Frame) *wire.Frame

// Node is one fake cluster node: a TCP listener speaking the memcached
// binary protocol frame-for-frame, driven by a caller-supplied Handler.
type Node struct {
	Host string
	Port int

	ln net.Listener

	mu      sync.Mutex
	handler Handler
}

// NewNode starts a fake node with h already installed. A nil handler
// accepts connections but answers nothing, the same as SetHandler(nil).
func NewNode(t *testing.T, h Handler) *Node {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	n := nodeFromListener(t, ln)
	n.handler = h
	go n.acceptLoop()
	return n
}

// Refuse binds then immediately closes a listener, so the returned
// Node's address refuses every dial attempt at the TCP level -- spec.md
// §8 scenario S4's host "a".
func Refuse(t *testing.T) *Node {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	n := nodeFromListener(t, ln)
	require.NoError(t, ln.Close())
	return n
}

func nodeFromListener(t *testing.T, ln net.Listener) *Node {
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)
	n := &Node{Host: host, Port: port, ln: ln}
	t.Cleanup(func() { ln.Close() })
	return n
}

// SetHandler swaps the Node's Handler, e.g. to let a node start out
// silent and then start responding mid-test.
func (n *Node) SetHandler(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

func (n *Node) acceptLoop() {
	for {
		c, err := n.ln.Accept()
		if err != nil {
			return
		}
		go n.serve(c)
	}
}

func (n *Node) serve(c net.Conn) {
	defer c.Close()
	dec := wire.NewDecoder()
	buf := make([]byte, 64*1024)
	for {
		nr, err := c.Read(buf)
		if err != nil {
			return
		}
		frames, err := dec.Feed(buf[:nr])
		if err != nil {
			return
		}
		for _, f := range frames {
			n.mu.Lock()
			h := n.handler
			n.mu.Unlock()
			if h == nil {
				continue
			}
			resp := h(f)
			if resp == nil {
				continue
			}
			if _, err := c.Write(wire.EncodeResponse(resp)); err != nil {
				return
			}
		}
	}
}

// Addr returns "host:port" for this node.
func (n *Node) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

// Close stops the node from accepting further connections.
func (n *Node) Close() { n.ln.Close() }

// Echo replies StatusSuccess to every opcode, echoing the GET request's
// own value back (the node keeps no state, so a prior SET's payload is
// not returned) and substituting overrides[opcode] for any opcode that
// needs a specific body, such as OpGetClusterConfig.
func Echo(overrides map[wire.Opcode][]byte) Handler {
	return func(f *wire.Frame) *wire.Frame {
		resp := &wire.Frame{Opcode: f.Opcode, Status: wire.StatusSuccess, Opaque: f.Opaque, CAS: 1}
		if v, ok := overrides[f.Opcode]; ok {
			resp.Value = v
		} else if f.Opcode == wire.OpGet {
			resp.Value = f.Value
		}
		return resp
	}
}

// KVStore returns a Handler backing a minimal in-memory memcached node:
// OpSet/OpAdd/OpReplace store the value under its key with a freshly
// bumped CAS, OpGet returns the stored value and CAS (or KEY_ENOENT),
// OpDelete removes the key, and OpObserve reports every stored key as
// persisted with its current CAS (keys it does not hold as not found) -- enough for the
// Observe/Durability Poller to see an immediate majority. Every other
// opcode replies StatusSuccess with no value.
func KVStore() Handler {
	var mu sync.Mutex
	store := make(map[string][]byte)
	casOf := make(map[string]uint64)
	var casCtr uint64

	return func(f *wire.Frame) *wire.Frame {
		mu.Lock()
		defer mu.Unlock()
		key := string(f.Key)

		switch f.Opcode {
		case wire.OpSet, wire.OpAdd, wire.OpReplace:
			casCtr++
			store[key] = append([]byte(nil), f.Value...)
			casOf[key] = casCtr
			return &wire.Frame{Opcode: f.Opcode, Status: wire.StatusSuccess, Opaque: f.Opaque, CAS: casCtr}
		case wire.OpGet:
			v, ok := store[key]
			if !ok {
				return &wire.Frame{Opcode: f.Opcode, Status: wire.StatusKeyNotFound, Opaque: f.Opaque}
			}
			return &wire.Frame{Opcode: f.Opcode, Status: wire.StatusSuccess, Opaque: f.Opaque, CAS: casOf[key], Value: v}
		case wire.OpDelete:
			delete(store, key)
			delete(casOf, key)
			return &wire.Frame{Opcode: f.Opcode, Status: wire.StatusSuccess, Opaque: f.Opaque}
		case wire.OpObserve:
			requested := decodeObserveRequest(f.Value)
			results := make([]wire.ObserveResult, 0, len(requested))
			for _, rk := range requested {
				k := string(rk.Key)
				state := wire.ObserveNotFound
				var cas uint64
				if c, ok := casOf[k]; ok {
					state = wire.ObservePersisted
					cas = c
				}
				results = append(results, wire.ObserveResult{VBucket: rk.VBucket, Key: rk.Key, State: state, CAS: cas})
			}
			return &wire.Frame{Opcode: f.Opcode, Status: wire.StatusSuccess, Opaque: f.Opaque, Value: encodeObserveResponse(results)}
		default:
			return &wire.Frame{Opcode: f.Opcode, Status: wire.StatusSuccess, Opaque: f.Opaque}
		}
	}
}

// decodeObserveRequest unpacks an OBSERVE request body (repeated
// vbucket/keylen/key triples, no state or CAS -- the inverse of
// wire.EncodeObserveBody, which no production code needs to undo since
// only a real server ever receives one).
func decodeObserveRequest(body []byte) []wire.ObserveKey {
	var out []wire.ObserveKey
	pos := 0
	for pos+4 <= len(body) {
		vb := binary.BigEndian.Uint16(body[pos : pos+2])
		klen := int(binary.BigEndian.Uint16(body[pos+2 : pos+4]))
		pos += 4
		if pos+klen > len(body) {
			break
		}
		out = append(out, wire.ObserveKey{VBucket: vb, Key: body[pos : pos+klen]})
		pos += klen
	}
	return out
}

// encodeObserveResponse is the server-side inverse of
// wire.DecodeObserveBody.
func encodeObserveResponse(results []wire.ObserveResult) []byte {
	size := 0
	for _, r := range results {
		size += 4 + len(r.Key) + 9
	}
	buf := make([]byte, size)
	pos := 0
	for _, r := range results {
		binary.BigEndian.PutUint16(buf[pos:pos+2], r.VBucket)
		binary.BigEndian.PutUint16(buf[pos+2:pos+4], uint16(len(r.Key)))
		pos += 4
		pos += copy(buf[pos:], r.Key)
		buf[pos] = byte(r.State)
		pos++
		binary.BigEndian.PutUint64(buf[pos:pos+8], r.CAS)
		pos += 8
	}
	return buf
}

// ObserveAlwaysFound answers every OBSERVE request with ObserveFound
// for each requested key (CAS 1) and StatusSuccess with no value for
// everything else. Stands in for a replica in durability scenarios,
// where this fake has no real cross-node replication to observe
// against -- the replica is scripted as already caught up.
func ObserveAlwaysFound() Handler {
	return func(f *wire.Frame) *wire.Frame {
		if f.Opcode != wire.OpObserve {
			return &wire.Frame{Opcode: f.Opcode, Status: wire.StatusSuccess, Opaque: f.Opaque}
		}
		requested := decodeObserveRequest(f.Value)
		results := make([]wire.ObserveResult, 0, len(requested))
		for _, rk := range requested {
			results = append(results, wire.ObserveResult{VBucket: rk.VBucket, Key: rk.Key, State: wire.ObserveFound, CAS: 1})
		}
		return &wire.Frame{Opcode: f.Opcode, Status: wire.StatusSuccess, Opaque: f.Opaque, Value: encodeObserveResponse(results)}
	}
}

// Delay wraps inner so every response is held back by d before being
// sent, used to put a node's reply on the far side of a timeout
// threshold (spec.md §8 scenario S4's host "b").
func Delay(d time.Duration, inner Handler) Handler {
	return func(f *wire.Frame) *wire.Frame {
		time.Sleep(d)
		return inner(f)
	}
}

// RedirectOnce makes the first request against key carrying opcode op
// fail with NOT_MY_VBUCKET and the given piggybacked config payload;
// every subsequent request (and every request for a different key) is
// answered by fallback. Models spec.md §8 scenario S2.
func RedirectOnce(key []byte, op wire.Opcode, configPayload []byte, fallback Handler) Handler {
	var mu sync.Mutex
	redirected := false
	return func(f *wire.Frame) *wire.Frame {
		mu.Lock()
		shouldRedirect := !redirected && f.Opcode == op && string(f.Key) == string(key)
		if shouldRedirect {
			redirected = true
		}
		mu.Unlock()
		if shouldRedirect {
			return &wire.Frame{Opcode: f.Opcode, Status: wire.StatusNotMyVBucket, Opaque: f.Opaque, Value: configPayload}
		}
		return fallback(f)
	}
}

// WithClusterConfig layers a CCCP OpGetClusterConfig responder (always
// answering configJSON) in front of inner, which handles every other
// opcode -- every scenario's bootstrap node needs the former, and most
// need the latter too.
func WithClusterConfig(configJSON []byte, inner Handler) Handler {
	return func(f *wire.Frame) *wire.Frame {
		if f.Opcode == wire.OpGetClusterConfig {
			return &wire.Frame{Opcode: f.Opcode, Status: wire.StatusSuccess, Opaque: f.Opaque, Value: configJSON}
		}
		return inner(f)
	}
}

// clusterNode is the JSON shape of one entry in a configuration
// document's "nodes" array (spec.md §6's wire format).
type clusterNode struct {
	Hostname string `json:"hostname"`
	Ports    struct {
		Direct int `json:"direct"`
	} `json:"ports"`
	CouchAPIBase string `json:"couchApiBase"`
}

type vbucketServerMap struct {
	HashAlgorithm string   `json:"hashAlgorithm"`
	NumReplicas   int      `json:"numReplicas"`
	ServerList    []string `json:"serverList"`
	VBucketMap    [][]int  `json:"vBucketMap"`
}

type clusterConfigDoc struct {
	Name             string           `json:"name"`
	Nodes            []clusterNode    `json:"nodes"`
	VBucketServerMap vbucketServerMap `json:"vBucketServerMap"`
}

// ClusterConfig renders a cluster configuration document (spec.md §6)
// over the given nodes, keyed by vbucketMap (one entry per vbucket:
// [master, replica1, ...]) and numReplicas.
func ClusterConfig(bucket string, nodes []*Node, vbucketMap [][]int, numReplicas int) []byte {
	doc := clusterConfigDoc{
		Name: bucket,
		VBucketServerMap: vbucketServerMap{
			HashAlgorithm: "CRC",
			NumReplicas:   numReplicas,
			VBucketMap:    vbucketMap,
		},
	}
	for _, n := range nodes {
		cn := clusterNode{Hostname: n.Host}
		cn.Ports.Direct = n.Port
		doc.Nodes = append(doc.Nodes, cn)
		doc.VBucketServerMap.ServerList = append(doc.VBucketServerMap.ServerList, n.Addr())
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err) // doc is always well-formed; a marshal failure is a programming error
	}
	return raw
}
