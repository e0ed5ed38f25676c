// Package corerr defines the closed, taxonomized error set of spec.md
// §6/§7: every user-visible error is a CoreError carrying a fixed Kind
// plus structured troubleshooting context, built on cockroachdb/errors
// for stack traces and wrapping.
package corerr

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Kind is the closed taxonomy of spec.md §6's status→error-kind table
// plus the connection/timeout/cancellation kinds of §4.4/§5.
type Kind string

const (
	DocumentNotFound      Kind = "DocumentNotFound"
	DocumentExists         Kind = "DocumentExists"
	CasMismatch            Kind = "CasMismatch"
	ValueTooLarge          Kind = "ValueTooLarge"
	DurabilityAmbiguous    Kind = "DurabilityAmbiguous"
	AuthenticationFailure  Kind = "AuthenticationFailure"
	BucketNotFound         Kind = "BucketNotFound"
	TemporaryFailure       Kind = "TemporaryFailure"
	RequestCanceled        Kind = "RequestCanceled"
	UnambiguousTimeout     Kind = "UnambiguousTimeout"
	AmbiguousTimeout       Kind = "AmbiguousTimeout"
	SubDocumentError       Kind = "SubDocumentError"
	ServiceNotAvailable    Kind = "ServiceNotAvailable"
	ConnectionClosed       Kind = "ConnectionClosed"
	ProgrammerError        Kind = "ProgrammerError"
)

// CoreError is the one error type every core operation returns to its
// caller, per spec.md §7: "request id, service type, node, last status,
// elapsed" plus a correlation id.
type CoreError struct {
	Kind        Kind
	RequestID   uuid.UUID
	Service     string
	Node        string
	LastStatus  uint16
	Elapsed     time.Duration
	cause       error
}

func (e *CoreError) Error() string {
	return string(e.Kind)
}

func (e *CoreError) Unwrap() error {
	return e.cause
}

// New builds a CoreError of kind, wrapping cause (may be nil) with
// cockroachdb/errors so a stack trace is captured at the call site.
func New(kind Kind, service, node string, lastStatus uint16, elapsed time.Duration, cause error) *CoreError {
	wrapped := cause
	if wrapped == nil {
		wrapped = errors.Newf("corerr: %s", kind)
	} else {
		wrapped = errors.Wrapf(cause, "corerr: %s", kind)
	}
	return &CoreError{
		Kind:       kind,
		RequestID:  uuid.New(),
		Service:    service,
		Node:       node,
		LastStatus: lastStatus,
		Elapsed:    elapsed,
		cause:      wrapped,
	}
}

// Is reports whether err is a CoreError of the given kind, unwrapping
// through any wrapper chain via errors.As.
func Is(err error, kind Kind) bool {
	var ce *CoreError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == kind
}
