package vbmap

import (
	"hash/crc32"

	"github.com/couchgo/couchgo/errs"
)

// NoReplica is returned by RouteReplica when the requested replica slot
// is unpopulated for a vbucket.
const NoReplica = -1

// Map is an immutable snapshot of a cluster topology. A Map is never
// mutated after construction; the Handle swaps its pointer to adopt a
// new one.
type Map struct {
	bucketType  BucketType
	numVBuckets int // 0 for memcached (ketama) buckets
	numReplicas int
	vbuckets    [][]int // [vbucket][0]=master, [1..R]=replicas, -1 if absent
	servers     []Endpoint

	ring *ketamaRing // populated only for BucketMemcached
}

// BucketType reports whether this snapshot routes via vbuckets or ketama.
func (m *Map) BucketType() BucketType { return m.bucketType }

// NumServers returns the number of known server endpoints.
func (m *Map) NumServers() int { return len(m.servers) }

// NumReplicas returns the configured replica count (0 for memcached
// buckets, which have no replicas).
func (m *Map) NumReplicas() int { return m.numReplicas }

// NumVBuckets returns the vbucket count, or 0 for a ketama-hashed map.
func (m *Map) NumVBuckets() int { return m.numVBuckets }

// Server returns the endpoint for a given server index.
func (m *Map) Server(index int) (Endpoint, bool) {
	if index < 0 || index >= len(m.servers) {
		return Endpoint{}, false
	}
	return m.servers[index], true
}

// VBucketForKey hashes key to its owning vbucket id using the legacy
// CRC32 scheme: (crc32(key) >> 16) & (numVBuckets - 1).
func (m *Map) VBucketForKey(key []byte) uint16 {
	sum := crc32.ChecksumIEEE(key)
	return uint16((sum >> 16) & uint32(m.numVBuckets-1))
}

// RouteMaster resolves key to its owning vbucket and master server
// index. For memcached (ketama) buckets the vbucket return value is
// always 0 and only the server index is meaningful.
func (m *Map) RouteMaster(key []byte) (vbucket uint16, serverIndex int, err error) {
	if m.bucketType == BucketMemcached {
		return 0, m.ring.nodeFor(key), nil
	}
	if m.numVBuckets == 0 {
		return 0, -1, errs.New("PROTOCOL_ERROR", errs.ClassFatal|errs.ClassInternal,
			"map has no vbuckets configured")
	}
	vb := m.VBucketForKey(key)
	entry := m.vbuckets[vb]
	if len(entry) == 0 {
		return vb, -1, errs.ErrNoReplica
	}
	return vb, entry[0], nil
}

// MasterForVBucket resolves the current master server index for an
// already-known vbucket id, used to re-route an Operation after a
// topology swap without re-hashing a key the router no longer holds.
func (m *Map) MasterForVBucket(vbucket uint16) (int, error) {
	if m.bucketType == BucketMemcached {
		return -1, errs.New("EINVAL", errs.ClassInput, "memcached buckets are not addressed by vbucket")
	}
	if int(vbucket) >= len(m.vbuckets) {
		return -1, errs.New("EINVAL", errs.ClassInput, "vbucket %d out of range", vbucket)
	}
	entry := m.vbuckets[vbucket]
	if len(entry) == 0 || entry[0] < 0 {
		return -1, errs.ErrNoReplica
	}
	return entry[0], nil
}

// RouteReplica resolves the server index owning replica `which` (1-based,
// matching spec.md's replica₁…replicaᵣ numbering) of a vbucket.
func (m *Map) RouteReplica(vbucket uint16, which int) (int, error) {
	if m.bucketType == BucketMemcached {
		return -1, errs.New("EINVAL", errs.ClassInput, "memcached buckets have no replicas")
	}
	if int(vbucket) >= len(m.vbuckets) {
		return -1, errs.New("EINVAL", errs.ClassInput, "vbucket %d out of range", vbucket)
	}
	entry := m.vbuckets[vbucket]
	if which < 1 || which >= len(entry) {
		return -1, errs.ErrNoReplica
	}
	idx := entry[which]
	if idx < 0 {
		return -1, errs.ErrNoReplica
	}
	return idx, nil
}

// EndpointsEqual reports whether two endpoints name the same host and
// data port -- used by the Router to decide which Server Connections
// survive a topology swap.
func EndpointsEqual(a, b Endpoint) bool {
	return a.Host == b.Host && a.DataPort == b.DataPort
}
