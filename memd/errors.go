package memd

import "github.com/cockroachdb/errors"

// ErrBadMagic is returned when a frame's magic byte does not match the
// expected request/response value — the wire equivalent of a protocol
// violation.
var ErrBadMagic = errors.New("memd: bad frame magic")

// ErrShortSubdocRecord is returned when a multi-lookup/multi-mutate
// response body is truncated mid-record.
var ErrShortSubdocRecord = errors.New("memd: truncated sub-document result record")
