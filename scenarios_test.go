package couchgo

import (
	"context"
	"testing"
	"time"

	"github.com/couchgo/couchgo/bootstrap"
	"github.com/couchgo/couchgo/couchgoconfig"
	"github.com/couchgo/couchgo/errs"
	"github.com/couchgo/couchgo/faketesting"
	"github.com/couchgo/couchgo/observe"
	"github.com/couchgo/couchgo/op"
	"github.com/couchgo/couchgo/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// baseConfig returns a Default() config restricted to CCCP-only
// bootstrap with short timeouts, the common starting point for every
// scenario below; callers fill in Hosts and override timeouts as the
// scenario requires.
func baseConfig() couchgoconfig.Config {
	cfg := couchgoconfig.Default()
	cfg.Transports = []bootstrap.TransportKind{bootstrap.TransportCCCP}
	cfg.ConfigNodeTimeout = 500 * time.Millisecond
	cfg.ConfigurationTimeout = 2 * time.Second
	return cfg
}

// TestScenarioS1BasicRoundtrip: one-node cluster, bucket "default", key
// "Hello" value "World!", SET then GET. Expect GET callback with status
// 0, value "World!", CAS != 0.
func TestScenarioS1BasicRoundtrip(t *testing.T) {
	node := faketesting.NewNode(t, nil)
	cfgJSON := faketesting.ClusterConfig("default", []*faketesting.Node{node}, [][]int{{0}}, 0)
	node.SetHandler(faketesting.WithClusterConfig(cfgJSON, faketesting.KVStore()))

	cfg := baseConfig()
	cfg.Hosts = []string{node.Addr()}
	cfg.BucketName = "default"

	h := New(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Connect(ctx))
	defer h.Destroy(context.Background())

	setDone := make(chan error, 1)
	setOp := &op.Operation{
		Kind: op.KindSet,
		Frame: &wire.Frame{
			Opcode: wire.OpSet,
			Key:    []byte("Hello"),
			Value:  []byte("World!"),
			Extras: wire.StoreExtras(0, 0),
		},
		Callback: func(resp *wire.Frame, err error) { setDone <- err },
	}
	require.NoError(t, h.Submit(ctx, setOp, []byte("Hello")))
	select {
	case err := <-setDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SET never completed")
	}

	getDone := make(chan *wire.Frame, 1)
	getOp := &op.Operation{
		Kind:  op.KindGet,
		Frame: &wire.Frame{Opcode: wire.OpGet, Key: []byte("Hello")},
		Callback: func(resp *wire.Frame, err error) {
			require.NoError(t, err)
			getDone <- resp
		},
	}
	require.NoError(t, h.Submit(ctx, getOp, []byte("Hello")))

	select {
	case resp := <-getDone:
		assert.Equal(t, wire.StatusSuccess, resp.Status)
		assert.Equal(t, []byte("World!"), resp.Value)
		assert.NotEqual(t, uint64(0), resp.CAS)
	case <-time.After(2 * time.Second):
		t.Fatal("GET never completed")
	}
}

// TestScenarioS2NotMyVBucketRedirect: node A replies NOT_MY_VBUCKET with
// a piggybacked config M2 routing "k" to node B. The client must adopt
// M2, resend to B, and deliver exactly one success callback.
func TestScenarioS2NotMyVBucketRedirect(t *testing.T) {
	nodeA := faketesting.NewNode(t, nil)
	nodeB := faketesting.NewNode(t, nil)

	m1 := faketesting.ClusterConfig("default", []*faketesting.Node{nodeA}, [][]int{{0}}, 0)
	m2 := faketesting.ClusterConfig("default", []*faketesting.Node{nodeA, nodeB}, [][]int{{1}}, 0)

	nodeA.SetHandler(faketesting.WithClusterConfig(m1,
		faketesting.RedirectOnce([]byte("k"), wire.OpSet, m2, faketesting.KVStore())))
	nodeB.SetHandler(faketesting.KVStore())

	cfg := baseConfig()
	cfg.Hosts = []string{nodeA.Addr()}
	cfg.BucketName = "default"

	h := New(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Connect(ctx))
	defer h.Destroy(context.Background())

	var callCount int32
	done := make(chan error, 1)
	o := &op.Operation{
		Kind: op.KindSet,
		Frame: &wire.Frame{
			Opcode: wire.OpSet,
			Key:    []byte("k"),
			Value:  []byte("v"),
			Extras: wire.StoreExtras(0, 0),
		},
		Callback: func(resp *wire.Frame, err error) {
			callCount++
			done <- err
		},
	}
	require.NoError(t, h.Submit(ctx, o, []byte("k")))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("redirected SET never completed")
	}

	time.Sleep(50 * time.Millisecond) // give a spurious second callback time to arrive, if one were coming
	assert.EqualValues(t, 1, callCount)
}

// TestScenarioS3OperationTimeout: OP_TIMEOUT=100ms, GET against a node
// that never replies. Expect the callback within 100ms+epsilon with
// error bits TRANSIENT|NETWORK, code ETIMEDOUT.
func TestScenarioS3OperationTimeout(t *testing.T) {
	node := faketesting.NewNode(t, nil)
	cfgJSON := faketesting.ClusterConfig("default", []*faketesting.Node{node}, [][]int{{0}}, 0)
	node.SetHandler(faketesting.WithClusterConfig(cfgJSON, func(f *wire.Frame) *wire.Frame {
		if f.Opcode == wire.OpGet {
			return nil // never replies
		}
		return &wire.Frame{Opcode: f.Opcode, Status: wire.StatusSuccess, Opaque: f.Opaque}
	}))

	cfg := baseConfig()
	cfg.Hosts = []string{node.Addr()}
	cfg.BucketName = "default"
	cfg.OpTimeout = 100 * time.Millisecond

	h := New(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Connect(ctx))
	defer h.Destroy(context.Background())

	start := time.Now()
	done := make(chan error, 1)
	o := &op.Operation{
		Kind:     op.KindGet,
		Frame:    &wire.Frame{Opcode: wire.OpGet, Key: []byte("missing")},
		Callback: func(resp *wire.Frame, err error) { done <- err },
	}
	require.NoError(t, h.Submit(ctx, o, []byte("missing")))

	select {
	case err := <-done:
		elapsed := time.Since(start)
		assert.LessOrEqual(t, elapsed, 500*time.Millisecond)
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrTimeout)
		opErr, ok := err.(*errs.OpError)
		require.True(t, ok)
		assert.True(t, opErr.Class.Has(errs.ClassTransient))
		assert.True(t, opErr.Class.Has(errs.ClassNetwork))
	case <-time.After(2 * time.Second):
		t.Fatal("GET never timed out")
	}
}

// TestScenarioS4BootstrapFailover: hosts [a,b,c]; a refuses TCP, b
// times out past CONFIG_NODE_TIMEOUT, c succeeds. Expect connect
// success with the first map coming from c.
func TestScenarioS4BootstrapFailover(t *testing.T) {
	nodeA := faketesting.Refuse(t)

	nodeC := faketesting.NewNode(t, nil)
	cfgC := faketesting.ClusterConfig("default", []*faketesting.Node{nodeC}, [][]int{{0}}, 0)
	nodeC.SetHandler(faketesting.WithClusterConfig(cfgC, faketesting.KVStore()))

	nodeB := faketesting.NewNode(t, nil)
	cfgB := faketesting.ClusterConfig("default", []*faketesting.Node{nodeB}, [][]int{{0}}, 0)
	nodeB.SetHandler(faketesting.Delay(80*time.Millisecond, func(f *wire.Frame) *wire.Frame {
		if f.Opcode == wire.OpGetClusterConfig {
			return &wire.Frame{Opcode: f.Opcode, Status: wire.StatusSuccess, Opaque: f.Opaque, Value: cfgB}
		}
		return &wire.Frame{Opcode: f.Opcode, Status: wire.StatusSuccess, Opaque: f.Opaque}
	}))

	cfg := baseConfig()
	cfg.Hosts = []string{nodeA.Addr(), nodeB.Addr(), nodeC.Addr()}
	cfg.BucketName = "default"
	cfg.ConfigNodeTimeout = 60 * time.Millisecond
	cfg.ConfigurationTimeout = time.Second

	h := New(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.Connect(ctx))
	defer h.Destroy(context.Background())

	assert.Equal(t, StateUsable, h.State())
	ep, ok := h.Router().CurrentMap().Server(0)
	require.True(t, ok)
	assert.Equal(t, nodeC.Port, ep.DataPort)
}

// TestScenarioS5DurabilitySuccess: 3-node cluster, replica count 2. SET
// key "x"; poll persist_to=1, replicate_to=2, cap_max=false. Expect
// success once persistence and replication are satisfied.
func TestScenarioS5DurabilitySuccess(t *testing.T) {
	master := faketesting.NewNode(t, nil)
	replica1 := faketesting.NewNode(t, faketesting.ObserveAlwaysFound())
	replica2 := faketesting.NewNode(t, faketesting.ObserveAlwaysFound())

	cfgJSON := faketesting.ClusterConfig("default",
		[]*faketesting.Node{master, replica1, replica2}, [][]int{{0, 1, 2}}, 2)
	master.SetHandler(faketesting.WithClusterConfig(cfgJSON, faketesting.KVStore()))

	cfg := baseConfig()
	cfg.Hosts = []string{master.Addr(), replica1.Addr(), replica2.Addr()}
	cfg.BucketName = "default"
	cfg.DurabilityInterval = 10 * time.Millisecond
	cfg.DurabilityTimeout = 2 * time.Second

	h := New(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Connect(ctx))
	defer h.Destroy(context.Background())

	setDone := make(chan error, 1)
	o := &op.Operation{
		Kind: op.KindSet,
		Frame: &wire.Frame{
			Opcode: wire.OpSet,
			Key:    []byte("x"),
			Value:  []byte("payload"),
			Extras: wire.StoreExtras(0, 0),
		},
		Callback: func(resp *wire.Frame, err error) { setDone <- err },
	}
	require.NoError(t, h.Submit(ctx, o, []byte("x")))
	select {
	case err := <-setDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("SET never completed")
	}

	results := h.Poll(ctx, []observe.Requirement{
		{Key: []byte("x"), PersistTo: 1, ReplicateTo: 2, CapMax: false},
	})
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, []byte("x"), results[0].Key)
}

// TestScenarioS6PipelinedOrdering: submit SET k1..k10 to the same node
// in one batch. Expect ten store callbacks, each carrying the opaque
// the Router assigned it at submit time.
func TestScenarioS6PipelinedOrdering(t *testing.T) {
	node := faketesting.NewNode(t, nil)
	cfgJSON := faketesting.ClusterConfig("default", []*faketesting.Node{node}, [][]int{{0}}, 0)
	node.SetHandler(faketesting.WithClusterConfig(cfgJSON, faketesting.KVStore()))

	cfg := baseConfig()
	cfg.Hosts = []string{node.Addr()}
	cfg.BucketName = "default"

	h := New(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Connect(ctx))
	defer h.Destroy(context.Background())

	const n = 10
	type outcome struct {
		opaque uint32
		err    error
	}
	done := make(chan outcome, n)
	submittedOpaques := make([]uint32, n)

	for i := 0; i < n; i++ {
		o := &op.Operation{
			Kind: op.KindSet,
			Frame: &wire.Frame{
				Opcode: wire.OpSet,
				Key:    []byte{byte('k'), byte('0' + i)},
				Value:  []byte("v"),
				Extras: wire.StoreExtras(0, 0),
			},
			Callback: func(resp *wire.Frame, err error) {
				var opaque uint32
				if resp != nil {
					opaque = resp.Opaque
				}
				done <- outcome{opaque: opaque, err: err}
			},
		}
		require.NoError(t, h.Submit(ctx, o, []byte{byte('k'), byte('0' + i)}))
		submittedOpaques[i] = o.Opaque
	}

	for i := 1; i < n; i++ {
		assert.Equal(t, submittedOpaques[i-1]+1, submittedOpaques[i],
			"Router must assign strictly increasing opaques in submit order")
	}

	seen := make(map[uint32]bool, n)
	for i := 0; i < n; i++ {
		select {
		case out := <-done:
			require.NoError(t, out.err)
			seen[out.opaque] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d/%d store callbacks fired", i, n)
		}
	}
	for _, opaque := range submittedOpaques {
		assert.True(t, seen[opaque], "expected a callback carrying opaque %d", opaque)
	}
}
