package vbmap

import (
	"fmt"
	"testing"

	"github.com/couchgo/couchgo/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCouchbaseConfig(numVBuckets, numReplicas, numServers int) []byte {
	serverList := "["
	nodes := "["
	for i := 0; i < numServers; i++ {
		if i > 0 {
			serverList += ","
			nodes += ","
		}
		serverList += fmt.Sprintf(`"node%d.local:11210"`, i)
		nodes += fmt.Sprintf(`{"hostname":"node%d.local","ports":{"direct":11210}}`, i)
	}
	serverList += "]"
	nodes += "]"

	vbMap := "["
	for i := 0; i < numVBuckets; i++ {
		row := "["
		master := i % numServers
		row += fmt.Sprintf("%d", master)
		for r := 0; r < numReplicas; r++ {
			row += fmt.Sprintf(",%d", (master+r+1)%numServers)
		}
		row += "]"
		if i > 0 {
			vbMap = vbMap + ","
		}
		vbMap += row
	}
	vbMap += "]"

	return []byte(fmt.Sprintf(`{
		"name": "default",
		"nodes": %s,
		"vBucketServerMap": {
			"hashAlgorithm": "CRC",
			"numReplicas": %d,
			"serverList": %s,
			"vBucketMap": %s
		}
	}`, nodes, numReplicas, serverList, vbMap))
}

func TestParseConfigCouchbaseBucket(t *testing.T) {
	raw := sampleCouchbaseConfig(1024, 1, 3)

	m, name, err := ParseConfig(raw)
	require.NoError(t, err)
	assert.Equal(t, "default", name)
	assert.Equal(t, 1024, m.NumVBuckets())
	assert.Equal(t, 1, m.NumReplicas())
	assert.Equal(t, 3, m.NumServers())
	assert.Equal(t, BucketCouchbase, m.BucketType())
}

func TestRouteMasterIsDeterministic(t *testing.T) {
	raw := sampleCouchbaseConfig(1024, 1, 3)
	m, _, err := ParseConfig(raw)
	require.NoError(t, err)

	vb1, srv1, err := m.RouteMaster([]byte("Hello"))
	require.NoError(t, err)
	vb2, srv2, err := m.RouteMaster([]byte("Hello"))
	require.NoError(t, err)

	assert.Equal(t, vb1, vb2)
	assert.Equal(t, srv1, srv2)
}

func TestRouteReplicaNoReplica(t *testing.T) {
	raw := sampleCouchbaseConfig(1024, 0, 3)
	m, _, err := ParseConfig(raw)
	require.NoError(t, err)

	vb, _, err := m.RouteMaster([]byte("k"))
	require.NoError(t, err)

	_, err = m.RouteReplica(vb, 1)
	assert.ErrorIs(t, err, errs.ErrNoReplica)
}

func TestRejectsNonPowerOfTwoVBucketCount(t *testing.T) {
	raw := sampleCouchbaseConfig(1000, 1, 2)
	_, _, err := ParseConfig(raw)
	assert.Error(t, err)
}

func TestMemcachedBucketUsesKetama(t *testing.T) {
	raw := []byte(`{
		"name": "memd",
		"nodes": [
			{"hostname": "a.local", "ports": {"direct": 11210}},
			{"hostname": "b.local", "ports": {"direct": 11210}},
			{"hostname": "c.local", "ports": {"direct": 11210}}
		]
	}`)

	m, name, err := ParseConfig(raw)
	require.NoError(t, err)
	assert.Equal(t, "memd", name)
	assert.Equal(t, BucketMemcached, m.BucketType())

	_, srv1, err := m.RouteMaster([]byte("some-key"))
	require.NoError(t, err)
	_, srv2, err := m.RouteMaster([]byte("some-key"))
	require.NoError(t, err)
	assert.Equal(t, srv1, srv2)
	assert.GreaterOrEqual(t, srv1, 0)
}

func TestKetamaDistributesAcrossServers(t *testing.T) {
	raw := []byte(`{
		"name": "memd",
		"nodes": [
			{"hostname": "a.local", "ports": {"direct": 11210}},
			{"hostname": "b.local", "ports": {"direct": 11210}},
			{"hostname": "c.local", "ports": {"direct": 11210}}
		]
	}`)
	m, _, err := ParseConfig(raw)
	require.NoError(t, err)

	seen := map[int]bool{}
	for i := 0; i < 1000; i++ {
		_, srv, err := m.RouteMaster([]byte(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
		seen[srv] = true
	}
	assert.Len(t, seen, 3)
}
