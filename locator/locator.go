// Package locator resolves a request's routing hint against the current
// topology to a target node index, per spec.md §4.3 "Locator selection".
package locator

import (
	"hash/crc32"
	"sync/atomic"

	"github.com/couchbase/cbcore/cbconfig"
)

// RoutingHint is a request's routing input, per spec.md §3.
type RoutingHint struct {
	// Key, when non-nil and no vbucket hint is set, routes via vbucket
	// hashing.
	Key []byte
	// VbucketHint, when HasVbucketHint is set, routes to an explicitly
	// known vbucket and takes precedence over Key (used for retries that
	// must stay on the same partition).
	VbucketHint int
	HasVbucketHint bool
}

// Target is a resolved (node, vbucket) pair.
type Target struct {
	NodeIndex int
	Vbucket   int
}

// NumVBuckets is the standard partition count for a VBUCKET-locator bucket.
const NumVBuckets = 1024

// VBucketForKey hashes key to a partition index using CRC32, per
// spec.md §4.3 ("vbucket hash (CRC32 of key, mod num-vbuckets)").
func VBucketForKey(key []byte, numVBuckets int) int {
	if numVBuckets <= 0 {
		numVBuckets = NumVBuckets
	}
	sum := crc32.ChecksumIEEE(key)
	// The server's hashing algorithm keeps bits 16-30 of the CRC32
	// (dropping the low 16 bits and the top bit) before taking the
	// modulus — matching the real vbucket hash used by the KV locator.
	return int((sum >> 16) & 0x7fff) % numVBuckets
}

// VBucketLocator implements spec.md's KV/OBSERVE routing: partition hash,
// with replica fan-out read off the config's vbucket map.
type VBucketLocator struct{}

// Resolve picks the target node for hint against cfg. replicaIndex==0 is
// the active; replicaIndex>0 selects a replica, per spec.md §4.3's
// "replica fan-out as required".
func (VBucketLocator) Resolve(cfg *cbconfig.BucketConfig, hint RoutingHint, replicaIndex int) (Target, bool) {
	if cfg == nil {
		return Target{}, false
	}

	vb := 0
	switch {
	case hint.HasVbucketHint:
		vb = hint.VbucketHint
	case hint.Key != nil:
		vb = VBucketForKey(hint.Key, cfg.NumVBuckets)
	default:
		return Target{}, false
	}

	if vb < 0 || vb >= len(cfg.VBucketMap) {
		return Target{}, false
	}
	owners := cfg.VBucketMap[vb]
	if replicaIndex < 0 || replicaIndex >= len(owners) {
		return Target{}, false
	}
	nodeIdx := owners[replicaIndex]
	if nodeIdx < 0 || nodeIdx >= len(cfg.Nodes) {
		return Target{}, false
	}

	return Target{NodeIndex: nodeIdx, Vbucket: vb}, true
}

// RoundRobinLocator implements spec.md's "all other services" routing:
// round-robin over nodes where serviceEnabled(T) holds.
type RoundRobinLocator struct {
	counter atomic.Uint64
}

// Resolve returns the next node index in rotation among the nodes that
// enable svc.
func (l *RoundRobinLocator) Resolve(cfg *cbconfig.BucketConfig, svc cbconfig.ServiceType) (Target, bool) {
	if cfg == nil {
		return Target{}, false
	}
	candidates := cfg.EnabledServiceNodes(svc)
	if len(candidates) == 0 {
		return Target{}, false
	}
	n := l.counter.Add(1)
	idx := candidates[int(n-1)%len(candidates)]
	return Target{NodeIndex: idx}, true
}
