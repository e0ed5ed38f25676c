// Package endpoint implements a single connection's strict lifecycle
// state machine, per spec.md §4.4: disconnected → connecting →
// connected → (disconnecting|disconnected), plus the bootstrap pipeline
// that must complete before it is dispatchable, and a reconnect
// supervisor that re-enters connecting with exponential backoff.
package endpoint

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/cbcore/corerr"
	"github.com/couchbase/cbcore/errmap"
	"github.com/couchbase/cbcore/events"
	"github.com/couchbase/cbcore/internal/backoff"
	"github.com/couchbase/cbcore/memd"
)

// Dialer opens the raw transport to the node; tests substitute an
// in-memory pipe, production dials TCP/TLS.
type Dialer func(ctx context.Context) (net.Conn, error)

// Endpoint is one connection to one node/service. It owns exactly one
// reader goroutine for its lifetime, per spec.md §5's "each connection
// is bound to exactly one worker for its lifetime".
type Endpoint struct {
	Addr    string
	dial    Dialer
	boot    BootstrapConfig
	sink    events.Sink
	backoff backoff.Policy

	mu       sync.Mutex
	state    State
	conn     net.Conn
	inflight *inflightMap
	opaque   atomic.Uint32
	features memd.FeatureSet
	errMap   *errmap.ErrorMap

	stopSupervisor chan struct{}
	supervisorWG   sync.WaitGroup
}

// NewEndpoint constructs an Endpoint in the Disconnected state. Connect
// (directly, or via RunReconnectSupervisor) must be called before Send.
func NewEndpoint(addr string, dial Dialer, boot BootstrapConfig, sink events.Sink) *Endpoint {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Endpoint{
		Addr:     addr,
		dial:     dial,
		boot:     boot,
		sink:     sink,
		backoff:  backoff.Default,
		state:    Disconnected,
		inflight: newInflightMap(),
	}
}

func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Dispatchable reports whether the endpoint has completed bootstrap and
// can accept Send, per spec.md §4.4: "only after bootstrap success does
// the endpoint publish itself as dispatchable".
func (e *Endpoint) Dispatchable() bool {
	return e.State() == Connected
}

// InflightCount reports the number of requests currently awaiting a
// response, used by the service pool's saturation check (spec.md §4.5).
func (e *Endpoint) InflightCount() int {
	return e.inflight.len()
}

// Features reports the feature set negotiated at bootstrap (e.g. whether
// collection-aware keys are in play), used by Send/readLoop to decide
// whether to prefix/strip the wire key's collection-id varint.
func (e *Endpoint) Features() memd.FeatureSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.features
}

// ErrMap returns the error map loaded at bootstrap, or nil if none was
// loaded, so the dispatcher's retry decision can consult the channel's
// own per-status attributes (spec.md §4.6 step 6) instead of only the
// built-in defaults.
func (e *Endpoint) ErrMap() *errmap.ErrorMap {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errMap
}

// Connect dials, runs the bootstrap pipeline, and on success transitions
// to Connected and starts the reader loop.
func (e *Endpoint) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.state == Connected || e.state == Connecting {
		e.mu.Unlock()
		return nil
	}
	e.state = Connecting
	e.mu.Unlock()

	start := time.Now()
	conn, err := e.dial(ctx)
	if err != nil {
		e.setState(Disconnected)
		return corerr.New(corerr.ConnectionClosed, "kv", e.Addr, 0, time.Since(start), err)
	}

	res, err := runBootstrap(conn, e.boot, e.sink)
	if err != nil {
		conn.Close()
		e.setState(Disconnected)
		return corerr.New(bootstrapFailureKind(err), "kv", e.Addr, 0, time.Since(start), err)
	}

	e.mu.Lock()
	e.conn = conn
	e.state = Connected
	e.features = res.Features
	e.errMap = res.ErrorMap
	e.mu.Unlock()

	e.sink.Publish(events.Event{Name: events.EndpointConnected, Ctx: events.Context{RemoteAddr: e.Addr, Elapsed: time.Since(start)}})

	go e.readLoop(conn)
	return nil
}

// bootstrapFailureKind maps a runBootstrap failure to the corerr.Kind
// that best describes it: a timeout takes priority regardless of stage,
// otherwise the stage the failure occurred in (transport handshake,
// SASL auth, bucket selection) decides the kind, per spec.md §7's
// structured-error-context contract.
func bootstrapFailureKind(err error) corerr.Kind {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return corerr.UnambiguousTimeout
	}

	var staged stagedError
	if errors.As(err, &staged) {
		switch staged.stage {
		case stageAuth:
			return corerr.AuthenticationFailure
		case stageBucketSelection:
			return corerr.BucketNotFound
		default:
			return corerr.ConnectionClosed
		}
	}
	return corerr.ConnectionClosed
}

func (e *Endpoint) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Send assigns the next opaque from this endpoint's counter (which is not
// reset on reconnect), registers the in-flight entry,
// and writes the encoded frame, per spec.md §4.4's dispatch contract. When
// collections have been negotiated on this channel, key is prefixed with
// collectionID's wire varint before it goes out (memd.EncodeCollectionKey)
// — collectionID is 0 (the default collection) unless the caller resolved
// a specific one. The returned channel receives exactly one Result.
func (e *Endpoint) Send(opcode memd.CmdCode, vbucket uint16, cas uint64, dt memd.DataType, collectionID uint32, extras, key, value []byte) (<-chan Result, uint32, error) {
	e.mu.Lock()
	conn := e.conn
	connected := e.state == Connected
	features := e.features
	e.mu.Unlock()

	if !connected || conn == nil {
		return nil, 0, corerr.New(corerr.ServiceNotAvailable, "kv", e.Addr, 0, 0, nil)
	}

	opaque := e.opaque.Add(1)
	ch := e.inflight.register(opaque)

	wireKey := memd.EncodeCollectionKey(features.Has(memd.FeatureCollections), collectionID, key)

	rh, body := memd.EncodeRequest(opcode, vbucket, opaque, cas, dt, extras, wireKey, value)
	if err := memd.WriteRequestHeader(conn, rh); err != nil {
		e.inflight.cancel(opaque)
		e.handleWriteFailure(err)
		return nil, opaque, err
	}
	if _, err := conn.Write(body); err != nil {
		e.inflight.cancel(opaque)
		e.handleWriteFailure(err)
		return nil, opaque, err
	}

	return ch, opaque, nil
}

// Cancel drops the in-flight entry for opaque without delivering a
// result, for the dispatcher's per-request deadline timer (spec.md §5).
func (e *Endpoint) Cancel(opaque uint32) {
	e.inflight.cancel(opaque)
}

func (e *Endpoint) readLoop(conn net.Conn) {
	features := e.Features()
	for {
		resp, err := memd.DecodeResponse(conn)
		if err != nil {
			e.handleConnectionLoss(conn, err)
			return
		}
		if len(resp.Key) > 0 {
			// Symmetric with Send's encode: the handful of responses that
			// echo the key back (e.g. OBSERVE) carry the same collection-id
			// prefix the request went out with.
			if _, userKey, err := memd.DecodeCollectionKey(features.Has(memd.FeatureCollections), resp.Key); err == nil {
				resp.Key = userKey
			}
		}
		if !e.inflight.complete(resp.Opaque, Result{Packet: resp}) {
			e.sink.Publish(events.Event{Name: events.ProtocolViolation})
		}
	}
}

func (e *Endpoint) handleWriteFailure(err error) {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn != nil {
		e.handleConnectionLoss(conn, err)
	}
}

func (e *Endpoint) handleConnectionLoss(conn net.Conn, cause error) {
	e.mu.Lock()
	if e.conn != conn {
		// Already superseded by a newer connection; nothing to tear down.
		e.mu.Unlock()
		return
	}
	e.conn = nil
	e.state = Disconnected
	e.mu.Unlock()

	conn.Close()
	e.inflight.drain(corerr.New(corerr.ConnectionClosed, "kv", e.Addr, 0, 0, cause))
	e.sink.Publish(events.Event{Name: events.EndpointDisconnected, Err: cause})
}

// Close transitions through Draining and Closing to Disconnected,
// immediately stopping new dispatch, then tearing down the underlying
// connection and failing any still-in-flight requests with
// RequestCanceled. Close is idempotent. Callers that want in-flight
// requests given a chance to finish on their own first should call Drain
// instead.
func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.state == Disconnected {
		e.mu.Unlock()
		return
	}
	e.state = Draining
	e.mu.Unlock()

	e.setState(Closing)

	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	e.inflight.drain(corerr.New(corerr.RequestCanceled, "kv", e.Addr, 0, 0, nil))
	e.setState(Disconnected)
}

// Drain implements the bounded-grace-period half of spec.md §5's shutdown
// contract: new dispatch stops immediately (the endpoint becomes
// Draining, so Dispatchable() is false and the pool won't pick it), then
// Drain waits up to grace for InflightCount to reach zero on its own
// before falling through to Close's forced teardown.
func (e *Endpoint) Drain(ctx context.Context, grace time.Duration) {
	e.mu.Lock()
	if e.state == Disconnected {
		e.mu.Unlock()
		return
	}
	e.state = Draining
	e.mu.Unlock()

	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for e.InflightCount() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			e.Close()
			return
		case <-ticker.C:
		}
	}
	e.Close()
}

// RunReconnectSupervisor runs until ctx is canceled, re-entering
// Connecting with exponential backoff (min 32ms, cap 4s, jitter ±10%,
// per spec.md §4.4) whenever the endpoint is Disconnected.
func (e *Endpoint) RunReconnectSupervisor(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if e.State() == Disconnected {
			if err := e.Connect(ctx); err != nil {
				attempt++
				select {
				case <-time.After(e.backoff.Duration(attempt - 1)):
				case <-ctx.Done():
					return
				}
				continue
			}
			attempt = 0
		}

		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

