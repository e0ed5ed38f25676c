package cbconfig

import (
	"encoding/json"
	"strings"
)

// rawNode is one entry of the legacy "nodes" array.
type rawNode struct {
	Hostname string `json:"hostname"`
}

// rawNodeExt is one entry of the "nodesExt" array: richer per-node service
// port info, keyed by short service name.
type rawNodeExt struct {
	Hostname *string           `json:"hostname"`
	Services map[string]int    `json:"services"`
	AltAddr  map[string]struct {
		Hostname string         `json:"hostname"`
		Ports    map[string]int `json:"ports"`
	} `json:"alternateAddresses"`
}

type rawVBucketServerMap struct {
	NumVBuckets int     `json:"numVBuckets"`
	VBucketMap  [][]int `json:"vBucketMap"`
}

type rawConfig struct {
	UUID                string               `json:"uuid"`
	Name                string               `json:"name"`
	ClusterUUID         string               `json:"clusterUUID"`
	RevEpoch            int64                `json:"revEpoch"`
	Rev                 int64                `json:"rev"`
	NodeLocator         string               `json:"nodeLocator"`
	URI                 string               `json:"uri"`
	StreamingURI        string               `json:"streamingUri"`
	BucketCapabilities  []string             `json:"bucketCapabilities"`
	Nodes               []rawNode            `json:"nodes"`
	NodesExt            []rawNodeExt         `json:"nodesExt"`
	VBucketServerMap    rawVBucketServerMap  `json:"vBucketServerMap"`
}

// serviceKeys maps the JSON "services" short names to ServiceType, for
// plaintext and TLS variants.
var plainServiceKeys = map[string]ServiceType{
	"kv":       ServiceKV,
	"capi":     ServiceViews,
	"n1ql":     ServiceQuery,
	"fts":      ServiceSearch,
	"cbas":     ServiceAnalytics,
	"mgmt":     ServiceManager,
}

var tlsServiceKeys = map[string]ServiceType{
	"kvSSL":   ServiceKV,
	"capiSSL": ServiceViews,
	"n1qlSSL": ServiceQuery,
	"ftsSSL":  ServiceSearch,
	"cbasSSL": ServiceAnalytics,
	"mgmtSSL": ServiceManager,
}

// Parse normalizes a raw server config JSON document (from either
// GET_CONFIG on the data channel or the HTTP streaming endpoint) into a
// BucketConfig, per spec.md §4.3 "Node derivation".
func Parse(body []byte, originHost string) (BucketConfig, error) {
	var raw rawConfig
	if err := json.Unmarshal(body, &raw); err != nil {
		return BucketConfig{}, err
	}

	caps := make(map[Capability]bool, len(raw.BucketCapabilities))
	for _, c := range raw.BucketCapabilities {
		// Servers send capabilities in lower case ("couchapi"); the
		// Capability constants are upper case.
		caps[Capability(strings.ToUpper(c))] = true
	}

	nodes := deriveNodes(raw, originHost, caps)

	cfg := BucketConfig{
		UUID:         raw.UUID,
		Name:         raw.Name,
		ClusterUUID:  raw.ClusterUUID,
		Rev:          Revision{Epoch: raw.RevEpoch, ID: raw.Rev},
		Locator:      NodeLocatorKind(normalizeLocator(raw.NodeLocator)),
		RestURI:      raw.URI,
		StreamingURI: raw.StreamingURI,
		Nodes:        nodes,
		Capabilities: caps,
		NumVBuckets:  raw.VBucketServerMap.NumVBuckets,
		VBucketMap:   raw.VBucketServerMap.VBucketMap,
		OriginHost:   originHost,
	}
	return cfg, nil
}

func normalizeLocator(s string) string {
	switch s {
	case "vbucket":
		return string(LocatorVBucket)
	case "ketama":
		return string(LocatorKetama)
	case "":
		return string(LocatorNone)
	default:
		return s
	}
}

// deriveNodes implements spec.md §4.3's fallback and filtering policy.
func deriveNodes(raw rawConfig, originHost string, caps map[Capability]bool) []NodeInfo {
	count := len(raw.NodesExt)
	if count == 0 {
		count = len(raw.Nodes)
	}

	nodes := make([]NodeInfo, 0, count)

	for i := 0; i < count; i++ {
		var ext *rawNodeExt
		if i < len(raw.NodesExt) {
			ext = &raw.NodesExt[i]
		}

		hostname := resolveHostname(ext, raw.Nodes, i, originHost)

		n := NodeInfo{
			Hostname:           hostname,
			PlainPorts:         map[ServiceType]uint16{},
			TLSPorts:           map[ServiceType]uint16{},
			AlternateAddresses: map[string]AlternateAddress{},
		}

		if ext != nil {
			for key, svc := range plainServiceKeys {
				if port, ok := ext.Services[key]; ok {
					n.PlainPorts[svc] = uint16(port)
				}
			}
			for key, svc := range tlsServiceKeys {
				if port, ok := ext.Services[key]; ok {
					n.TLSPorts[svc] = uint16(port)
				}
			}
			for name, alt := range ext.AltAddr {
				aa := AlternateAddress{
					Hostname: alt.Hostname,
					Ports:    map[ServiceType]uint16{},
					TLSPorts: map[ServiceType]uint16{},
				}
				for key, svc := range plainServiceKeys {
					if port, ok := alt.Ports[key]; ok {
						aa.Ports[svc] = uint16(port)
					}
				}
				for key, svc := range tlsServiceKeys {
					if port, ok := alt.Ports[key]; ok {
						aa.TLSPorts[svc] = uint16(port)
					}
				}
				n.AlternateAddresses[name] = aa
			}
		}

		// Policy: if no matching legacy node exists at this index, the
		// service may exist cluster-wide but not for this bucket — drop
		// KV and VIEWS ports on that node.
		if i >= len(raw.Nodes) {
			delete(n.PlainPorts, ServiceKV)
			delete(n.TLSPorts, ServiceKV)
			delete(n.PlainPorts, ServiceViews)
			delete(n.TLSPorts, ServiceViews)
		}

		// Policy: ephemeral buckets (no COUCHAPI capability) never expose
		// the VIEWS port.
		if !caps[CapabilityCouchAPI] {
			delete(n.PlainPorts, ServiceViews)
			delete(n.TLSPorts, ServiceViews)
		}

		nodes = append(nodes, n)
	}

	return nodes
}

func resolveHostname(ext *rawNodeExt, legacy []rawNode, index int, originHost string) string {
	if ext != nil && ext.Hostname != nil && *ext.Hostname != "" {
		return *ext.Hostname
	}
	if index < len(legacy) && legacy[index].Hostname != "" {
		return legacy[index].Hostname
	}
	return originHost
}
