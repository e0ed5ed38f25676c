// Package connstr parses the cluster connection string of spec.md §6:
// "[scheme://]host[,host]*[:port][/bucket][?opt=val&…]". net/url has no
// notion of a comma-separated host list, so this grammar gets its own
// small splitter layered on top of it rather than a third-party DSN
// parser (noted in DESIGN.md — nothing in the example pack targets this
// exact host-list grammar).
package connstr

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Scheme identifies the transport implied by the connection string.
type Scheme string

const (
	SchemeCouchbase  Scheme = "couchbase"
	SchemeCouchbases Scheme = "couchbases"
)

// DefaultKVPort is the well-known plaintext KV port, per spec.md §6.
const DefaultKVPort = 11210

// DefaultKVTLSPort is the well-known TLS KV port, per spec.md §6.
const DefaultKVTLSPort = 11207

// Host is one member of the comma-separated host list, with an optional
// per-host port override.
type Host struct {
	Name string
	Port uint16
}

// ConnSpec is the parsed form of a connection string.
type ConnSpec struct {
	Scheme Scheme
	Hosts  []Host
	Bucket string
	// Options collects ?opt=val&... pairs verbatim; spec.md leaves their
	// set open-ended (TLS verify mode, timeouts, ...).
	Options url.Values
}

// UseTLS reports whether the scheme implies TLS.
func (c ConnSpec) UseTLS() bool {
	return c.Scheme == SchemeCouchbases
}

// DefaultPort returns the scheme's implied default KV port.
func (c ConnSpec) DefaultPort() uint16 {
	if c.UseTLS() {
		return DefaultKVTLSPort
	}
	return DefaultKVPort
}

// Parse parses a connection string of the grammar
// "[scheme://]host[,host]*[:port][/bucket][?opt=val&…]".
func Parse(raw string) (ConnSpec, error) {
	scheme := SchemeCouchbase
	rest := raw

	if idx := strings.Index(raw, "://"); idx >= 0 {
		schemeStr := raw[:idx]
		switch Scheme(schemeStr) {
		case SchemeCouchbase, SchemeCouchbases:
			scheme = Scheme(schemeStr)
		default:
			return ConnSpec{}, fmt.Errorf("connstr: unsupported scheme %q", schemeStr)
		}
		rest = raw[idx+3:]
	}

	var query string
	if idx := strings.Index(rest, "?"); idx >= 0 {
		query = rest[idx+1:]
		rest = rest[:idx]
	}

	var bucket string
	if idx := strings.Index(rest, "/"); idx >= 0 {
		bucket = rest[idx+1:]
		rest = rest[:idx]
	}

	hostList := strings.Split(rest, ",")
	hosts := make([]Host, 0, len(hostList))
	for _, h := range hostList {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		host, err := parseHost(h)
		if err != nil {
			return ConnSpec{}, err
		}
		hosts = append(hosts, host)
	}
	if len(hosts) == 0 {
		return ConnSpec{}, fmt.Errorf("connstr: no hosts in %q", raw)
	}

	var opts url.Values
	if query != "" {
		var err error
		opts, err = url.ParseQuery(query)
		if err != nil {
			return ConnSpec{}, fmt.Errorf("connstr: bad query %q: %w", query, err)
		}
	} else {
		opts = url.Values{}
	}

	return ConnSpec{Scheme: scheme, Hosts: hosts, Bucket: bucket, Options: opts}, nil
}

// parseHost splits "name" or "name:port" into a Host, tolerating bracketed
// IPv6 literals ("[::1]:11210").
func parseHost(h string) (Host, error) {
	if strings.HasPrefix(h, "[") {
		end := strings.Index(h, "]")
		if end < 0 {
			return Host{}, fmt.Errorf("connstr: unterminated IPv6 literal in %q", h)
		}
		name := h[:end+1]
		remainder := h[end+1:]
		if remainder == "" {
			return Host{Name: name}, nil
		}
		if !strings.HasPrefix(remainder, ":") {
			return Host{}, fmt.Errorf("connstr: malformed host %q", h)
		}
		port, err := strconv.ParseUint(remainder[1:], 10, 16)
		if err != nil {
			return Host{}, fmt.Errorf("connstr: bad port in %q: %w", h, err)
		}
		return Host{Name: name, Port: uint16(port)}, nil
	}

	idx := strings.LastIndex(h, ":")
	if idx < 0 {
		return Host{Name: h}, nil
	}
	port, err := strconv.ParseUint(h[idx+1:], 10, 16)
	if err != nil {
		return Host{}, fmt.Errorf("connstr: bad port in %q: %w", h, err)
	}
	return Host{Name: h[:idx], Port: uint16(port)}, nil
}
