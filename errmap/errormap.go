// Package errmap models the server's KV error map: an explicit schema
// (named fields, typed) rather than an annotation-driven JSON mapping, per
// spec.md §9's redesign note.
package errmap

import (
	"encoding/json"
	"strconv"
)

// Attribute is one of the server's classification tags for a status code
// (e.g. "item-only", "retry-now", "conflict").
type Attribute string

// Entry describes one status code's metadata as loaded from the server.
type Entry struct {
	Name        string      `json:"name"`
	Description string      `json:"desc"`
	Attributes  []Attribute `json:"attrs"`
}

func (e Entry) HasAttribute(a Attribute) bool {
	for _, have := range e.Attributes {
		if have == a {
			return true
		}
	}
	return false
}

// ErrorMap is the decoded form of the server's error map document. Loaded
// once per channel at bootstrap; thereafter read-only (spec.md §5).
type ErrorMap struct {
	Version  int                  `json:"version"`
	Revision int                  `json:"revision"`
	Errors   map[uint16]Entry     `json:"errors"`
}

// RequestedVersion is the error-map version this module negotiates at
// bootstrap (spec.md §4.2 step 3).
const RequestedVersion = 2

// Decode parses a server error-map JSON document. Unknown top-level or
// per-entry fields are tolerated by encoding/json's default behavior,
// satisfying the "unknown fields tolerated" requirement of spec.md §3.
func Decode(body []byte) (ErrorMap, error) {
	var raw struct {
		Version  int `json:"version"`
		Revision int `json:"revision"`
		Errors   map[string]struct {
			Name  string   `json:"name"`
			Desc  string   `json:"desc"`
			Attrs []string `json:"attrs"`
		} `json:"errors"`
	}

	if err := json.Unmarshal(body, &raw); err != nil {
		return ErrorMap{}, err
	}

	em := ErrorMap{
		Version:  raw.Version,
		Revision: raw.Revision,
		Errors:   make(map[uint16]Entry, len(raw.Errors)),
	}

	for hexCode, v := range raw.Errors {
		code, err := parseHexStatus(hexCode)
		if err != nil {
			continue
		}
		attrs := make([]Attribute, len(v.Attrs))
		for i, a := range v.Attrs {
			attrs[i] = Attribute(a)
		}
		em.Errors[code] = Entry{Name: v.Name, Description: v.Desc, Attributes: attrs}
	}

	return em, nil
}

// Lookup returns the entry for a raw status code, if the map has one.
func (em ErrorMap) Lookup(status uint16) (Entry, bool) {
	e, ok := em.Errors[status]
	return e, ok
}

// Retriable reports whether the error map marks this status retriable via
// the "retry-now" or "retry-later" attributes, per spec.md §4.6 step 6.
// Callers fall back to memd's built-in defaults when no map is loaded.
func (em ErrorMap) Retriable(status uint16) bool {
	e, ok := em.Lookup(status)
	if !ok {
		return false
	}
	return e.HasAttribute("retry-now") || e.HasAttribute("retry-later")
}

func parseHexStatus(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	return uint16(v), err
}
