package cbconfig

// NodeLocatorKind selects how the dispatcher routes KV/OBSERVE requests
// for this bucket, per spec.md §3.
type NodeLocatorKind string

const (
	LocatorVBucket NodeLocatorKind = "VBUCKET"
	LocatorKetama  NodeLocatorKind = "KETAMA"
	LocatorNone    NodeLocatorKind = "NONE"
)

// Capability is a named bucket feature advertised by the server.
type Capability string

const (
	CapabilityCouchAPI     Capability = "COUCHAPI"
	CapabilityCollections  Capability = "COLLECTIONS"
	CapabilitySyncReplication Capability = "SYNC_REPLICATION"
)

// Revision orders BucketConfig documents per spec.md §3: totally ordered
// per bucket by (Epoch, ID); older revisions are dropped.
type Revision struct {
	Epoch int64
	ID    int64
}

// Newer reports whether r is strictly greater than other.
func (r Revision) Newer(other Revision) bool {
	if r.Epoch != other.Epoch {
		return r.Epoch > other.Epoch
	}
	return r.ID > other.ID
}

// VBucketMap gives, for each vbucket index, the ordered list of node
// indices (into BucketConfig.Nodes) that own it: index 0 is the active,
// the rest are replicas.
type VBucketMap [][]int

// BucketConfig is the normalized, immutable form of a server config
// document, per spec.md §3. A new revision replaces the whole value; it is
// never mutated in place.
type BucketConfig struct {
	UUID         string
	Name         string
	Rev          Revision
	Locator      NodeLocatorKind
	RestURI      string
	StreamingURI string
	Nodes        []NodeInfo
	Capabilities map[Capability]bool
	NumVBuckets  int
	VBucketMap   VBucketMap
	OriginHost   string
	ClusterUUID  string // SPEC_FULL.md §4 supplement
}

func (c BucketConfig) HasCapability(cap Capability) bool {
	return c.Capabilities[cap]
}

// EnabledServiceNodes returns the indices of nodes that advertise svc,
// preserving the original node order (spec.md §4.3 "round-robin selection
// over nodes where serviceEnabled(T) holds").
func (c BucketConfig) EnabledServiceNodes(svc ServiceType) []int {
	var out []int
	for i, n := range c.Nodes {
		if n.ServiceEnabled(svc) {
			out = append(out, i)
		}
	}
	return out
}
