package vbmap

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"
)

// ketamaRing is a consistent-hashing continuum used for memcached
// (non-Couchbase) buckets, which have no vbuckets or replicas: a key
// maps deterministically to the nearest point clockwise on the ring.
//
// Grounded on the classic libmemcached ketama algorithm: each server
// gets 160 points (40 md5 digests x 4 points each), and lookup is a
// binary search over the sorted point list.
type ketamaRing struct {
	points []ketamaPoint
}

type ketamaPoint struct {
	hash       uint32
	serverIdx  int
}

const pointsPerServer = 160

func newKetamaMap(servers []Endpoint) *Map {
	return &Map{
		bucketType: BucketMemcached,
		servers:    servers,
		ring:       buildKetamaRing(servers),
	}
}

func buildKetamaRing(servers []Endpoint) *ketamaRing {
	r := &ketamaRing{}
	for idx, s := range servers {
		name := fmt.Sprintf("%s:%d", s.Host, s.DataPort)
		for i := 0; i < pointsPerServer/4; i++ {
			digest := md5.Sum([]byte(fmt.Sprintf("%s-%d", name, i)))
			for j := 0; j < 4; j++ {
				h := binary.LittleEndian.Uint32(digest[j*4 : j*4+4])
				r.points = append(r.points, ketamaPoint{hash: h, serverIdx: idx})
			}
		}
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
	return r
}

func (r *ketamaRing) nodeFor(key []byte) int {
	if len(r.points) == 0 {
		return -1
	}
	digest := md5.Sum(key)
	h := binary.LittleEndian.Uint32(digest[0:4])

	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if i == len(r.points) {
		i = 0
	}
	return r.points[i].serverIdx
}
