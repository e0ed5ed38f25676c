// Package events implements the structured event bus described in
// spec.md §6 "Events emitted" / §5 "Global event bus": a process-wide
// but injected interface, a non-blocking queue-backed production
// implementation, and a list-collecting implementation for tests.
package events

import "time"

// Name identifies one of the closed set of event kinds spec.md §6 names.
type Name string

const (
	ErrorMapLoaded              Name = "ErrorMapLoaded"
	ErrorMapLoadingFailure       Name = "ErrorMapLoadingFailure"
	ErrorMapUndecodable          Name = "ErrorMapUndecodable"
	FeatureNegotiationCompleted Name = "FeatureNegotiationCompleted"
	SaslAuthCompleted            Name = "SaslAuthCompleted"
	SaslAuthFailed               Name = "SaslAuthFailed"
	BucketSelected                Name = "BucketSelected"
	BucketSelectionFailed        Name = "BucketSelectionFailed"
	EndpointConnected            Name = "EndpointConnected"
	EndpointDisconnected         Name = "EndpointDisconnected"
	ConfigUpdated                Name = "ConfigUpdated"
	ConfigParsingFailure         Name = "ConfigParsingFailure"
	RequestRetried               Name = "RequestRetried"
	RequestTimeout                Name = "RequestTimeout"
	ProtocolViolation            Name = "ProtocolViolation"
)

// Context is the common envelope spec.md §6 requires on every event:
// "{local-addr, remote-addr, core-id, elapsed}".
type Context struct {
	LocalAddr  string
	RemoteAddr string
	CoreID     string
	Elapsed    time.Duration
}

// Event is one published occurrence.
type Event struct {
	Name Name
	Ctx  Context
	// Err carries the underlying failure for the *Failure/*Undecodable/
	// *Failed event names; nil for success events.
	Err error
}

// Sink is the injected event bus surface every producing component
// depends on, per spec.md §5 "injected as an interface". Publish must
// never block the caller.
type Sink interface {
	Publish(Event)
}

// NopSink discards every event; the default when no sink is configured.
type NopSink struct{}

func (NopSink) Publish(Event) {}
