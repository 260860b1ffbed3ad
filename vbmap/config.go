// Package vbmap parses a Couchbase cluster configuration document and
// answers key -> vbucket -> server routing questions against an
// immutable snapshot.
package vbmap

import (
	"encoding/json"
	"net"
	"strconv"

	"github.com/couchgo/couchgo/errs"
)

// Endpoint describes one cluster node's service ports.
type Endpoint struct {
	Host           string
	DataPort       int
	ManagementPort int
	// CouchAPIBase is the view-service base URL, empty if the node
	// offers no view service. View requests (§6) parse it directly
	// rather than having this package re-derive a bare port number.
	CouchAPIBase string
}

// BucketType distinguishes the hashing scheme: vbucket-based Couchbase
// buckets vs. ketama-hashed memcached buckets.
type BucketType int

const (
	BucketCouchbase BucketType = iota
	BucketMemcached
)

// configDoc mirrors the subset of the cluster configuration JSON this
// client needs: name, nodes, and the vBucketServerMap (Couchbase
// buckets only -- memcached buckets omit it and rely on the node list
// plus ketama).
type configDoc struct {
	Name  string `json:"name"`
	Nodes []struct {
		Hostname string `json:"hostname"`
		Ports    struct {
			Direct int `json:"direct"`
		} `json:"ports"`
		CouchAPIBase string `json:"couchApiBase"`
	} `json:"nodes"`
	VBucketServerMap *struct {
		HashAlgorithm string     `json:"hashAlgorithm"`
		NumReplicas   int        `json:"numReplicas"`
		ServerList    []string   `json:"serverList"`
		VBucketMap    [][]int    `json:"vBucketMap"`
	} `json:"vBucketServerMap"`
}

// hostPort returns a node's hostname and direct (data) port as given;
// it does no splitting and sets no management port (couchApiBase is a
// full URL and is kept whole by the caller).
func hostPort(hostname string, directPort int) (host string, dataPort int) {
	return hostname, directPort
}

// ParseConfig parses a cluster configuration JSON document (spec.md §6)
// into an immutable Map snapshot. The bucket name is returned alongside
// for callers that persist a config cache keyed by it.
func ParseConfig(raw []byte) (m *Map, bucketName string, err error) {
	var doc configDoc
	if jsonErr := json.Unmarshal(raw, &doc); jsonErr != nil {
		return nil, "", errs.Wrap(errs.ErrProtocol, jsonErr)
	}

	servers := make([]Endpoint, 0, len(doc.Nodes))
	for _, n := range doc.Nodes {
		host, dataPort := hostPort(n.Hostname, n.Ports.Direct)
		servers = append(servers, Endpoint{
			Host:         host,
			DataPort:     dataPort,
			CouchAPIBase: n.CouchAPIBase,
		})
	}

	if doc.VBucketServerMap == nil {
		// Memcached bucket: no vbuckets, ketama continuum over servers.
		return newKetamaMap(servers), doc.Name, nil
	}

	vbm := doc.VBucketServerMap
	numVBuckets := len(vbm.VBucketMap)
	if numVBuckets == 0 || numVBuckets&(numVBuckets-1) != 0 {
		return nil, "", errs.New("PROTOCOL_ERROR", errs.ClassFatal|errs.ClassInternal,
			"vbucket count %d is not a positive power of two", numVBuckets)
	}

	// serverList in vBucketServerMap may order servers differently from
	// the top-level nodes array; vBucketMap indices are against
	// serverList, so build the server table from it directly.
	vbServers := make([]Endpoint, 0, len(vbm.ServerList))
	for _, addr := range vbm.ServerList {
		ep := Endpoint{Host: addr}
		if h, p, splitErr := net.SplitHostPort(addr); splitErr == nil {
			if port, convErr := strconv.Atoi(p); convErr == nil {
				ep = Endpoint{Host: h, DataPort: port}
			}
		}
		for _, s := range servers {
			if EndpointsEqual(s, ep) {
				ep = s
				break
			}
		}
		vbServers = append(vbServers, ep)
	}

	vbuckets := make([][]int, numVBuckets)
	for i, row := range vbm.VBucketMap {
		entry := make([]int, 1+vbm.NumReplicas)
		for j := range entry {
			entry[j] = -1
		}
		copy(entry, row)
		vbuckets[i] = entry
	}

	return &Map{
		bucketType:   BucketCouchbase,
		numVBuckets:  numVBuckets,
		numReplicas:  vbm.NumReplicas,
		vbuckets:     vbuckets,
		servers:      vbServers,
	}, doc.Name, nil
}
