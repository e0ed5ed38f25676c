// Package dispatcher implements the core entry point for typed
// requests, per spec.md §4.6: resolve (node, service-type) via the
// locator, obtain a pool endpoint, hand off, and apply the retry policy
// the response status calls for.
package dispatcher

import (
	"context"
	"time"

	"github.com/couchbase/cbcore/cbconfig"
	"github.com/couchbase/cbcore/corerr"
	"github.com/couchbase/cbcore/endpoint"
	"github.com/couchbase/cbcore/errmap"
	"github.com/couchbase/cbcore/events"
	"github.com/couchbase/cbcore/internal/backoff"
	"github.com/couchbase/cbcore/locator"
	"github.com/couchbase/cbcore/memd"
	"github.com/couchbase/cbcore/svcpool"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ConfigSource is the subset of cbconfig.Store the dispatcher needs:
// the current topology snapshot plus a trigger to refresh it.
type ConfigSource interface {
	Current() *cbconfig.BucketConfig
}

// Refresher fetches a fresh config document out-of-band, per spec.md
// §4.6 step 5's "trigger an out-of-band config refresh".
type Refresher func(ctx context.Context) (cbconfig.BucketConfig, error)

// PoolProvider resolves a (node, service) pair to its Service Pool.
type PoolProvider func(nodeIndex int, svc cbconfig.ServiceType) *svcpool.Pool

// Dispatcher is the composition of locator + pool resolution + retry
// policy described by spec.md §4.6.
type Dispatcher struct {
	config    ConfigSource
	store     refreshTarget
	refresh   Refresher
	pools     PoolProvider
	vbLocator locator.VBucketLocator
	rrLocator *locator.RoundRobinLocator
	sink      events.Sink
	backoff   backoff.Policy

	refreshGroup singleflight.Group
}

// refreshTarget is the narrow write surface the dispatcher needs to
// install a refreshed config, matching cbconfig.Store.Ingest.
type refreshTarget interface {
	Ingest(cbconfig.BucketConfig) bool
}

// New builds a Dispatcher. config is read for the current topology
// snapshot; store additionally receives out-of-band refreshes.
func New(config ConfigSource, store refreshTarget, refresh Refresher, pools PoolProvider, sink events.Sink) *Dispatcher {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Dispatcher{
		config:    config,
		store:     store,
		refresh:   refresh,
		pools:     pools,
		rrLocator: &locator.RoundRobinLocator{},
		sink:      sink,
		backoff:   backoff.Default,
	}
}

// RetryReason names why a particular attempt was retried. Dispatch
// appends one per retried attempt to RetryHistory on its own copy of the
// Request; the history is not handed back to the caller on either the
// Result or the returned error.
type RetryReason string

const (
	RetryReasonPoolSaturated     RetryReason = "pool_saturated"
	RetryReasonSendFailure       RetryReason = "send_failure"
	RetryReasonNotMyVBucket      RetryReason = "not_my_vbucket"
	RetryReasonUnknownCollection RetryReason = "unknown_collection"
	RetryReasonTemporaryFailure  RetryReason = "temporary_failure"
	RetryReasonErrorMapRetriable RetryReason = "error_map_retriable"
)

// Request is one typed KV operation submitted to the dispatcher.
type Request struct {
	Opcode       memd.CmdCode
	Hint         locator.RoutingHint
	Service      cbconfig.ServiceType
	Vbucket      uint16
	CAS          uint64
	DataType     memd.DataType
	CollectionID uint32
	Extras       []byte
	Key          []byte
	Value        []byte
	Deadline     time.Time
	BucketName   string

	// TraceID identifies one Dispatch call across all of its attempts;
	// Dispatch mints one with uuid.New if the caller left it zero. It is
	// not copied onto the events Dispatch publishes or the errors it
	// returns (each CoreError carries its own RequestID).
	TraceID uuid.UUID
	// RetryHistory is the ordered list of reasons Dispatch retried,
	// oldest first; empty when the request succeeded on its first try.
	RetryHistory []RetryReason
}

// Result is the dispatcher's successful outcome.
type Result struct {
	Packet memd.Packet
}

// Dispatch runs the full algorithm of spec.md §4.6, steps 1-7, bounded
// by req.Deadline.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	if req.TraceID == uuid.Nil {
		req.TraceID = uuid.New()
	}

	attempt := 0
	written := false

	for {
		if time.Now().After(req.Deadline) {
			kind := corerr.AmbiguousTimeout
			if !written {
				kind = corerr.UnambiguousTimeout
			}
			return Result{}, corerr.New(kind, serviceName(req.Service), "", 0, 0, nil)
		}

		cfg := d.config.Current()
		target, ok := d.resolve(cfg, req)
		if !ok {
			return Result{}, corerr.New(corerr.ServiceNotAvailable, serviceName(req.Service), "", 0, 0, nil)
		}

		pool := d.pools(target.NodeIndex, req.Service)
		if pool == nil {
			return Result{}, corerr.New(corerr.ServiceNotAvailable, serviceName(req.Service), "", 0, 0, nil)
		}

		ep, ok := pool.Acquire(ctx)
		if !ok {
			attempt++
			req.RetryHistory = append(req.RetryHistory, RetryReasonPoolSaturated)
			if !d.sleepUntil(ctx, req.Deadline, attempt) {
				return Result{}, corerr.New(corerr.UnambiguousTimeout, serviceName(req.Service), "", 0, 0, nil)
			}
			continue
		}

		written = true
		ch, opaque, err := ep.Send(req.Opcode, req.Vbucket, req.CAS, req.DataType, req.CollectionID, req.Extras, req.Key, req.Value)
		if err != nil {
			attempt++
			req.RetryHistory = append(req.RetryHistory, RetryReasonSendFailure)
			if !d.sleepUntil(ctx, req.Deadline, attempt) {
				return Result{}, corerr.New(corerr.UnambiguousTimeout, serviceName(req.Service), "", 0, 0, err)
			}
			continue
		}

		node := ""
		if target.NodeIndex >= 0 && target.NodeIndex < len(cfg.Nodes) {
			node = cfg.Nodes[target.NodeIndex].Hostname
		}

		result, retry, reason, err := d.awaitOne(ctx, ep, ch, opaque, req, node)
		if err != nil {
			return Result{}, err
		}
		if retry {
			attempt++
			req.RetryHistory = append(req.RetryHistory, reason)
			d.sink.Publish(events.Event{Name: events.RequestRetried})
			if !d.sleepUntil(ctx, req.Deadline, attempt) {
				return Result{}, corerr.New(corerr.UnambiguousTimeout, serviceName(req.Service), "", 0, 0, nil)
			}
			if result.Packet.StatusClass() == memd.ClassNotMyVBucket || result.Packet.StatusClass() == memd.ClassUnknownCollection {
				d.refreshConfig(ctx, req.BucketName)
			}
			continue
		}
		return result, nil
	}
}

func (d *Dispatcher) resolve(cfg *cbconfig.BucketConfig, req Request) (locator.Target, bool) {
	switch req.Service {
	case cbconfig.ServiceKV, cbconfig.ServiceObserve:
		return d.vbLocator.Resolve(cfg, req.Hint, 0)
	default:
		return d.rrLocator.Resolve(cfg, req.Service)
	}
}

// awaitOne blocks for either the response, the endpoint connection
// dying, or the request's own deadline, then classifies the result per
// spec.md §4.6 steps 5-7: refresh-and-retry, backoff-and-retry, or
// surface without retry.
func (d *Dispatcher) awaitOne(ctx context.Context, ep *endpoint.Endpoint, ch <-chan endpoint.Result, opaque uint32, req Request, node string) (Result, bool, RetryReason, error) {
	timer := time.NewTimer(time.Until(req.Deadline))
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, false, "", res.Err
		}
		return d.classify(res.Packet, req, node, ep.ErrMap())
	case <-timer.C:
		ep.Cancel(opaque)
		d.sink.Publish(events.Event{Name: events.RequestTimeout})
		return Result{}, false, "", corerr.New(corerr.AmbiguousTimeout, serviceName(req.Service), node, 0, 0, nil)
	case <-ctx.Done():
		ep.Cancel(opaque)
		return Result{}, false, "", corerr.New(corerr.RequestCanceled, serviceName(req.Service), node, 0, 0, ctx.Err())
	}
}

// classify implements spec.md §4.6 steps 6-7. Most subdoc failure classes
// carry a per-op result vector (SUBDOC_MULTI_PATH_FAILURE) or are a
// whole-document rejection the fold logic still needs to see
// (DOC_NOT_JSON/DOC_TOO_DEEP); those are handed back to the caller as a
// successful dispatch so agent/operations.go's FoldMultiMutateStatus can
// run. Only the single-op subdoc classes, which never carry a vector
// because the frame status alone describes the one op that was sent, are
// surfaced as a hard error here. SUBDOC_INVALID_COMBO (a command
// combination the client should never have built) is surfaced as a
// ProgrammerError. em is the channel's negotiated error map
// (nil if none loaded), consulted ahead of the built-in retry defaults.
func (d *Dispatcher) classify(p memd.Packet, req Request, node string, em *errmap.ErrorMap) (Result, bool, RetryReason, error) {
	class := p.StatusClass()

	switch class {
	case memd.ClassSuccess:
		return Result{Packet: p}, false, "", nil
	case memd.ClassNotMyVBucket:
		return Result{Packet: p}, true, RetryReasonNotMyVBucket, nil
	case memd.ClassUnknownCollection:
		return Result{Packet: p}, true, RetryReasonUnknownCollection, nil
	case memd.ClassTemporaryFailure, memd.ClassLocked:
		return Result{Packet: p}, true, RetryReasonTemporaryFailure, nil
	case memd.ClassAuthError:
		return Result{}, false, "", corerr.New(corerr.AuthenticationFailure, serviceName(req.Service), node, uint16(p.Status), 0, nil)
	case memd.ClassAccessError:
		return Result{}, false, "", corerr.New(corerr.BucketNotFound, serviceName(req.Service), node, uint16(p.Status), 0, nil)
	case memd.ClassNotFound:
		return Result{}, false, "", corerr.New(corerr.DocumentNotFound, serviceName(req.Service), node, uint16(p.Status), 0, nil)
	case memd.ClassExists:
		return Result{}, false, "", corerr.New(corerr.CasMismatch, serviceName(req.Service), node, uint16(p.Status), 0, nil)
	case memd.ClassTooBig:
		return Result{}, false, "", corerr.New(corerr.ValueTooLarge, serviceName(req.Service), node, uint16(p.Status), 0, nil)
	case memd.ClassDurabilityAmbiguous:
		return Result{}, false, "", corerr.New(corerr.DurabilityAmbiguous, serviceName(req.Service), node, uint16(p.Status), 0, nil)
	case memd.ClassSubdocMultiPathFailure, memd.ClassSubdocDocNotJSON, memd.ClassSubdocDocTooDeep:
		return Result{Packet: p}, false, "", nil
	case memd.ClassSubdocPathNotFound, memd.ClassSubdocPathMismatch, memd.ClassSubdocPathInvalid,
		memd.ClassSubdocPathExists, memd.ClassSubdocValueCantInsert, memd.ClassSubdocValueTooDeep:
		return Result{}, false, "", corerr.New(corerr.SubDocumentError, serviceName(req.Service), node, uint16(p.Status), 0, nil)
	default:
		if p.Status == memd.StatusSubDocInvalidCombo {
			return Result{}, false, "", corerr.New(corerr.ProgrammerError, serviceName(req.Service), node, uint16(p.Status), 0, nil)
		}
		if d.retriableByErrorMap(uint16(p.Status), em) {
			return Result{Packet: p}, true, RetryReasonErrorMapRetriable, nil
		}
		return Result{Packet: p}, false, "", nil
	}
}

// retriableByErrorMap consults the channel's loaded error map first
// (spec.md §4.6 step 6: "per-error-map-attribute retry path"), falling
// back to the built-in defaults mirrored by memd.StatusClass.Retriable
// when no map was loaded or it has no entry for this status.
func (d *Dispatcher) retriableByErrorMap(status uint16, em *errmap.ErrorMap) bool {
	if em != nil {
		if _, ok := em.Lookup(status); ok {
			return em.Retriable(status)
		}
	}
	return memd.DecodeStatus(memd.StatusCode(status)).Retriable()
}

func (d *Dispatcher) sleepUntil(ctx context.Context, deadline time.Time, attempt int) bool {
	wait := d.backoff.Duration(attempt)
	if until := time.Until(deadline); until < wait {
		wait = until
	}
	if wait <= 0 {
		return false
	}
	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

// refreshConfig deduplicates concurrent refreshes for the same bucket
// via singleflight, per spec.md §5.7: "N concurrently-failing requests
// against the same stale topology produce one HTTP fetch, not N."
func (d *Dispatcher) refreshConfig(ctx context.Context, bucket string) {
	_, _, _ = d.refreshGroup.Do(bucket, func() (interface{}, error) {
		cfg, err := d.refresh(ctx)
		if err != nil {
			d.sink.Publish(events.Event{Name: events.ConfigParsingFailure, Err: err})
			return nil, err
		}
		if d.store.Ingest(cfg) {
			d.sink.Publish(events.Event{Name: events.ConfigUpdated})
		}
		return nil, nil
	})
}

func serviceName(svc cbconfig.ServiceType) string {
	switch svc {
	case cbconfig.ServiceKV, cbconfig.ServiceObserve:
		return "kv"
	case cbconfig.ServiceQuery:
		return "query"
	case cbconfig.ServiceViews:
		return "views"
	case cbconfig.ServiceSearch:
		return "search"
	case cbconfig.ServiceAnalytics:
		return "analytics"
	case cbconfig.ServiceManager:
		return "manager"
	default:
		return "unknown"
	}
}

