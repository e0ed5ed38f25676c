package endpoint

import (
	"bytes"
	"io"
	"time"

	"github.com/couchbase/cbcore/errmap"
	"github.com/couchbase/cbcore/events"
	"github.com/couchbase/cbcore/memd"
	"github.com/couchbase/cbcore/sasl"
)

// BootstrapConfig carries everything the pipeline of spec.md §4.2 needs:
// the proposed feature set, credentials, and (for data-service channels)
// the bucket to select.
type BootstrapConfig struct {
	Features   []memd.HelloFeature
	Username   string
	Password   string
	Bucket     string // empty for non-data-service channels
	TLSEnabled bool
	Deadline   time.Time
}

// bootstrapResult is the negotiated channel state produced by a
// successful run of the pipeline.
type bootstrapResult struct {
	Features FeatureSetHolder
	ErrorMap *errmap.ErrorMap // nil if load failed; best-effort per spec.md §4.2 step 3
}

// FeatureSetHolder is an alias kept local so bootstrap.go does not need
// to re-export memd's type name at the endpoint package boundary.
type FeatureSetHolder = memd.FeatureSet

// runBootstrap drives the linear handler chain of spec.md §4.2 over conn,
// in order, each stage racing cfg.Deadline. Stage 4 (SASL) is skipped only
// when cfg.Username is empty (anonymous connections, e.g. local testing).
func runBootstrap(conn io.ReadWriter, cfg BootstrapConfig, sink events.Sink) (bootstrapResult, error) {
	start := time.Now()
	var result bootstrapResult

	if !cfg.Deadline.IsZero() {
		if d, ok := conn.(interface{ SetDeadline(time.Time) error }); ok {
			defer d.SetDeadline(time.Time{})
			if err := d.SetDeadline(cfg.Deadline); err != nil {
				return bootstrapResult{}, err
			}
		}
	}

	features, err := negotiateHello(conn, cfg.Features)
	sink.Publish(events.Event{Name: events.FeatureNegotiationCompleted, Err: err, Ctx: events.Context{Elapsed: time.Since(start)}})
	if err != nil {
		// A non-success HELLO status is folded into an empty feature set by
		// negotiateHello itself (non-fatal, per spec.md §4.2 step 2); an err
		// here means the frame never round-tripped at all (closed conn,
		// deadline exceeded) and bootstrap cannot continue.
		return bootstrapResult{}, stagedError{stage: stageTransport, err: err}
	}
	result.Features = features

	em, err := loadErrorMap(conn)
	switch {
	case err == nil:
		result.ErrorMap = &em
		sink.Publish(events.Event{Name: events.ErrorMapLoaded})
	case err == errErrorMapUndecodable:
		sink.Publish(events.Event{Name: events.ErrorMapUndecodable, Err: err})
	default:
		if _, isProtocolFailure := err.(errMapLoadFailure); isProtocolFailure {
			// Server replied but rejected the version/request: best-effort,
			// per spec.md §4.2 step 3.
			sink.Publish(events.Event{Name: events.ErrorMapLoadingFailure, Err: err})
			break
		}
		// No reply at all (closed conn, deadline exceeded): fatal.
		sink.Publish(events.Event{Name: events.ErrorMapLoadingFailure, Err: err})
		return bootstrapResult{}, stagedError{stage: stageTransport, err: err}
	}

	if cfg.Username != "" {
		stageStart := time.Now()
		if err := authenticate(conn, cfg.Username, cfg.Password, cfg.TLSEnabled); err != nil {
			sink.Publish(events.Event{Name: events.SaslAuthFailed, Err: err, Ctx: events.Context{Elapsed: time.Since(stageStart)}})
			return bootstrapResult{}, stagedError{stage: stageAuth, err: err}
		}
		sink.Publish(events.Event{Name: events.SaslAuthCompleted, Ctx: events.Context{Elapsed: time.Since(stageStart)}})
	}

	if cfg.Bucket != "" {
		stageStart := time.Now()
		if err := selectBucket(conn, cfg.Bucket); err != nil {
			sink.Publish(events.Event{Name: events.BucketSelectionFailed, Err: err, Ctx: events.Context{Elapsed: time.Since(stageStart)}})
			return bootstrapResult{}, stagedError{stage: stageBucketSelection, err: err}
		}
		sink.Publish(events.Event{Name: events.BucketSelected, Ctx: events.Context{Elapsed: time.Since(stageStart)}})
	}

	return result, nil
}

// bootstrapStage names which leg of the pipeline a bootstrap failure came
// from, so Connect can map it to the right corerr.Kind instead of
// guessing from the error's shape.
type bootstrapStage int

const (
	stageTransport bootstrapStage = iota
	stageAuth
	stageBucketSelection
)

// stagedError tags a bootstrap failure with the stage it happened in.
type stagedError struct {
	stage bootstrapStage
	err   error
}

func (e stagedError) Error() string { return e.err.Error() }
func (e stagedError) Unwrap() error { return e.err }

func negotiateHello(conn io.ReadWriter, features []memd.HelloFeature) (memd.FeatureSet, error) {
	body := memd.EncodeHelloFeatures(features)
	rh, reqBody := memd.EncodeRequest(memd.CmdHello, 0, 0, 0, 0, nil, nil, body)
	if err := memd.WriteRequestHeader(conn, rh); err != nil {
		return nil, err
	}
	if _, err := conn.Write(reqBody); err != nil {
		return nil, err
	}

	resp, err := memd.DecodeResponse(conn)
	if err != nil {
		return nil, err
	}
	if resp.StatusClass() != memd.ClassSuccess {
		return memd.NewFeatureSet(nil), nil
	}
	return memd.NewFeatureSet(memd.DecodeHelloFeatures(resp.Value)), nil
}

var errErrorMapUndecodable = errMapUndecodableSentinel{}

type errMapUndecodableSentinel struct{}

func (errMapUndecodableSentinel) Error() string { return "endpoint: error map body undecodable" }

type errMapLoadFailure struct{ status memd.StatusCode }

func (e errMapLoadFailure) Error() string { return "endpoint: error map load failed" }

func loadErrorMap(conn io.ReadWriter) (errmap.ErrorMap, error) {
	var versionBody [2]byte
	versionBody[0] = byte(errmap.RequestedVersion >> 8)
	versionBody[1] = byte(errmap.RequestedVersion)

	rh, reqBody := memd.EncodeRequest(memd.CmdGetErrorMap, 0, 0, 0, 0, nil, nil, versionBody[:])
	if err := memd.WriteRequestHeader(conn, rh); err != nil {
		return errmap.ErrorMap{}, err
	}
	if _, err := conn.Write(reqBody); err != nil {
		return errmap.ErrorMap{}, err
	}

	resp, err := memd.DecodeResponse(conn)
	if err != nil {
		return errmap.ErrorMap{}, err
	}
	if resp.StatusClass() != memd.ClassSuccess {
		return errmap.ErrorMap{}, errMapLoadFailure{status: resp.Status}
	}

	em, err := errmap.Decode(resp.Value)
	if err != nil {
		return errmap.ErrorMap{}, errErrorMapUndecodable
	}
	return em, nil
}

func authenticate(conn io.ReadWriter, username, password string, tlsEnabled bool) error {
	mechanisms, err := listMechanisms(conn)
	if err != nil {
		return err
	}
	if !tlsEnabled {
		filtered := mechanisms[:0]
		for _, m := range mechanisms {
			if m != sasl.MechanismPlain {
				filtered = append(filtered, m)
			}
		}
		mechanisms = filtered
	}

	mech, err := sasl.Negotiate(mechanisms)
	if err != nil {
		return err
	}

	ex, err := sasl.NewExchange(mech, username, password)
	if err != nil {
		return err
	}

	first, err := ex.Start()
	if err != nil {
		return err
	}

	rh, reqBody := memd.EncodeRequest(memd.CmdSASLAuth, 0, 0, 0, 0, nil, []byte(mech), first)
	if err := memd.WriteRequestHeader(conn, rh); err != nil {
		return err
	}
	if _, err := conn.Write(reqBody); err != nil {
		return err
	}

	resp, err := memd.DecodeResponse(conn)
	if err != nil {
		return err
	}

	for resp.Status == memd.StatusAuthContinue {
		next, done, err := ex.Step(resp.Value)
		if err != nil {
			return err
		}
		if done {
			break
		}
		rh, reqBody = memd.EncodeRequest(memd.CmdSASLStep, 0, 0, 0, 0, nil, []byte(mech), next)
		if err := memd.WriteRequestHeader(conn, rh); err != nil {
			return err
		}
		if _, err := conn.Write(reqBody); err != nil {
			return err
		}
		resp, err = memd.DecodeResponse(conn)
		if err != nil {
			return err
		}
	}

	if resp.StatusClass() != memd.ClassSuccess {
		return corerrAuthFailure(resp)
	}
	return nil
}

func listMechanisms(conn io.ReadWriter) ([]string, error) {
	rh, reqBody := memd.EncodeRequest(memd.CmdSASLListMechs, 0, 0, 0, 0, nil, nil, nil)
	if err := memd.WriteRequestHeader(conn, rh); err != nil {
		return nil, err
	}
	if _, err := conn.Write(reqBody); err != nil {
		return nil, err
	}
	resp, err := memd.DecodeResponse(conn)
	if err != nil {
		return nil, err
	}
	fields := bytes.Fields(resp.Value)
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out, nil
}

func selectBucket(conn io.ReadWriter, bucket string) error {
	rh, reqBody := memd.EncodeRequest(memd.CmdSelectBucket, 0, 0, 0, 0, nil, []byte(bucket), nil)
	if err := memd.WriteRequestHeader(conn, rh); err != nil {
		return err
	}
	if _, err := conn.Write(reqBody); err != nil {
		return err
	}
	resp, err := memd.DecodeResponse(conn)
	if err != nil {
		return err
	}
	if resp.StatusClass() != memd.ClassSuccess {
		return bucketSelectionError{status: resp.Status}
	}
	return nil
}

type bucketSelectionError struct{ status memd.StatusCode }

func (e bucketSelectionError) Error() string { return "endpoint: bucket selection failed" }

type authFailureError struct{ status memd.StatusCode }

func (e authFailureError) Error() string { return "endpoint: sasl authentication failed" }

func corerrAuthFailure(resp memd.Packet) error {
	return authFailureError{status: resp.Status}
}
