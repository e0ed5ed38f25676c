// Package agent is the composition root: it wires cbconfig, locator,
// svcpool, and dispatcher into the typed operations (Upsert, Get, Remove,
// SubdocMutate, SubdocLookup) that every outer-layer client calls into,
// the way the teacher's memproxy.go wires its listener, dialer, and
// per-connection handler together at the top level.
package agent

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/couchbase/cbcore/cbconfig"
	"github.com/couchbase/cbcore/connstr"
	"github.com/couchbase/cbcore/dispatcher"
	"github.com/couchbase/cbcore/endpoint"
	"github.com/couchbase/cbcore/events"
	"github.com/couchbase/cbcore/memd"
	"github.com/couchbase/cbcore/svcpool"
)

// Credentials supplies the username/password pair used at bootstrap.
// Implementations may return different credentials per service, per
// spec.md §6 ("a pluggable credentials provider returning (user,
// password) per service").
type Credentials interface {
	Get(svc cbconfig.ServiceType) (username, password string)
}

// StaticCredentials is the common case: one username/password pair for
// every service.
type StaticCredentials struct {
	Username string
	Password string
}

func (c StaticCredentials) Get(cbconfig.ServiceType) (string, string) {
	return c.Username, c.Password
}

// Config configures an Agent.
type Config struct {
	ConnSpec    connstr.ConnSpec
	Bucket      string
	Credentials Credentials
	TLSConfig   *tls.Config

	PoolConfig     svcpool.Config
	DefaultTimeout time.Duration
	Sink           events.Sink

	// ShutdownGrace bounds how long Shutdown waits for in-flight requests
	// to finish on their own before force-closing connections, per
	// spec.md §5. Defaults to 5s.
	ShutdownGrace time.Duration

	// Compression configures the per-value compression policy applied by
	// Upsert and reversed by Get (spec.md §4.1). Zero value defaults to
	// memd.DefaultCompressionConfig.
	Compression memd.CompressionConfig
}

// Agent is the single object an outer-layer client holds: it owns the
// topology store, the per-(node,service) pools, and the dispatcher, per
// SPEC_FULL.md §5.8.
type Agent struct {
	cfg  Config
	store *cbconfig.Store
	disp  *dispatcher.Dispatcher
	sink  events.Sink

	mu    sync.Mutex
	pools map[poolKey]*svcpool.Pool
}

type poolKey struct {
	nodeIndex int
	svc       cbconfig.ServiceType
}

// New builds an Agent against an already-seeded BucketConfig; callers
// typically obtain the first config synchronously (e.g. a single HTTP
// fetch) and stream subsequent revisions through Watcher.
func New(cfg Config, initial cbconfig.BucketConfig) *Agent {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 2500 * time.Millisecond
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	if cfg.Compression == (memd.CompressionConfig{}) {
		cfg.Compression = memd.DefaultCompressionConfig()
	}
	if cfg.Sink == nil {
		cfg.Sink = events.NopSink{}
	}

	store := cbconfig.NewStore()
	store.Ingest(initial)

	a := &Agent{
		cfg:   cfg,
		store: store,
		sink:  cfg.Sink,
		pools: make(map[poolKey]*svcpool.Pool),
	}

	refresher := func(ctx context.Context) (cbconfig.BucketConfig, error) {
		return a.fetchConfig(ctx)
	}
	a.disp = dispatcher.New(store, store, refresher, a.poolFor, cfg.Sink)
	return a
}

// Store exposes the topology store so a caller can wire a cbconfig.Watcher
// against it directly (e.g. to stream config-streaming revisions).
func (a *Agent) Store() *cbconfig.Store {
	return a.store
}

// poolFor is the dispatcher.PoolProvider: it lazily creates one Pool per
// (node, service-type), each growing endpoints dialed against that node's
// advertised address for that service.
func (a *Agent) poolFor(nodeIndex int, svc cbconfig.ServiceType) *svcpool.Pool {
	key := poolKey{nodeIndex: nodeIndex, svc: svc}

	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.pools[key]; ok {
		return p
	}

	cfg := a.store.Current()
	if cfg == nil || nodeIndex < 0 || nodeIndex >= len(cfg.Nodes) {
		return nil
	}
	node := cfg.Nodes[nodeIndex]

	dial := a.dialerFor(node, svc)
	boot := a.bootstrapConfigFor(svc)

	factory := func() *endpoint.Endpoint {
		return endpoint.NewEndpoint(node.Hostname, dial, boot, a.sink)
	}

	poolCfg := a.cfg.PoolConfig
	if poolCfg.MaxEndpoints <= 0 {
		poolCfg.MaxEndpoints = 1
	}
	if svc != cbconfig.ServiceKV && svc != cbconfig.ServiceObserve {
		poolCfg.Strategy = svcpool.RoundRobin
	} else {
		poolCfg.Strategy = svcpool.FirstAvailable
	}

	p := svcpool.New(poolCfg, factory)
	a.pools[key] = p
	return p
}

func (a *Agent) dialerFor(node cbconfig.NodeInfo, svc cbconfig.ServiceType) endpoint.Dialer {
	useTLS := a.cfg.TLSConfig != nil
	host, port, ok := node.Addr(svc, useTLS, "")
	return func(ctx context.Context) (net.Conn, error) {
		if !ok {
			return nil, errNoAddress{node: node.Hostname, svc: svc}
		}
		d := net.Dialer{}
		addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
		if useTLS {
			return (&tls.Dialer{NetDialer: &d, Config: a.cfg.TLSConfig}).DialContext(ctx, "tcp", addr)
		}
		return d.DialContext(ctx, "tcp", addr)
	}
}

func (a *Agent) bootstrapConfigFor(svc cbconfig.ServiceType) endpoint.BootstrapConfig {
	username, password := "", ""
	if a.cfg.Credentials != nil {
		username, password = a.cfg.Credentials.Get(svc)
	}

	bucket := ""
	if svc == cbconfig.ServiceKV || svc == cbconfig.ServiceObserve {
		bucket = a.cfg.Bucket
	}

	return endpoint.BootstrapConfig{
		Features: []memd.HelloFeature{
			memd.FeatureXerror,
			memd.FeatureSelectBucket,
			memd.FeatureJSON,
			memd.FeatureSnappy,
			memd.FeatureXattr,
			memd.FeatureMutationSeqNo,
			memd.FeatureCollections,
			memd.FeatureDuplex,
			memd.FeatureUnorderedExecution,
		},
		Username:   username,
		Password:   password,
		Bucket:     bucket,
		TLSEnabled: a.cfg.TLSConfig != nil,
	}
}

// RefreshNow performs the same single-shot management-API fetch the
// dispatcher triggers internally on NOT_MY_VBUCKET/UNKNOWN_COLLECTION,
// exposed for callers that need an initial BucketConfig before an Agent
// can resolve its first request.
func (a *Agent) RefreshNow(ctx context.Context) (cbconfig.BucketConfig, error) {
	return a.fetchConfig(ctx)
}

// fetchConfig satisfies dispatcher.Refresher with a single-shot HTTP GET
// against the cluster manager's bucket config endpoint, built from the
// connection string's host list (spec.md §6). Real topology streaming runs
// continuously via a cbconfig.Watcher against Store() directly (see
// Watcher); this is the best-effort out-of-band refresh the dispatcher
// triggers inline on NOT_MY_VBUCKET/UNKNOWN_COLLECTION.
func (a *Agent) fetchConfig(ctx context.Context) (cbconfig.BucketConfig, error) {
	url, originHost, ok := a.managementURL()
	if !ok {
		if cfg := a.store.Current(); cfg != nil {
			return *cfg, nil
		}
		return cbconfig.BucketConfig{}, errNoConfig{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return cbconfig.BucketConfig{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return cbconfig.BucketConfig{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cbconfig.BucketConfig{}, err
	}
	return cbconfig.Parse(body, originHost)
}

// managementURL builds the bucket terse-config URL from the first
// configured host, per spec.md §6's connection-string ports table
// (MANAGER: 8091 plaintext, 18091 TLS).
func (a *Agent) managementURL() (url, originHost string, ok bool) {
	if len(a.cfg.ConnSpec.Hosts) == 0 || a.cfg.Bucket == "" {
		return "", "", false
	}
	host := a.cfg.ConnSpec.Hosts[0]
	port := host.Port
	if port == 0 {
		if a.cfg.ConnSpec.UseTLS() {
			port = cbconfig.DefaultPorts[cbconfig.ServiceManager].TLS
		} else {
			port = cbconfig.DefaultPorts[cbconfig.ServiceManager].Plain
		}
	}
	scheme := "http"
	if a.cfg.ConnSpec.UseTLS() {
		scheme = "https"
	}
	return scheme + "://" + host.Name + ":" + strconv.Itoa(int(port)) + "/pools/default/b/" + a.cfg.Bucket, host.Name, true
}

// Shutdown implements spec.md §5's graceful shutdown across every pool the
// Agent has created: each pool stops accepting new dispatch immediately,
// then its endpoints get up to cfg.ShutdownGrace to finish their in-flight
// requests before being force-closed. Shutdown does not return until
// every pool has settled, or ctx is canceled.
func (a *Agent) Shutdown(ctx context.Context) {
	a.mu.Lock()
	pools := make([]*svcpool.Pool, 0, len(a.pools))
	for _, p := range a.pools {
		pools = append(pools, p)
	}
	a.pools = make(map[poolKey]*svcpool.Pool)
	a.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(pools))
	for _, p := range pools {
		p := p
		go func() {
			defer wg.Done()
			p.Shutdown(ctx, a.cfg.ShutdownGrace)
		}()
	}
	wg.Wait()
}

// Watcher builds a cbconfig.Watcher streaming continuous updates into
// Store(); the caller runs it (typically Watcher.Run in its own goroutine).
func (a *Agent) Watcher() *cbconfig.Watcher {
	return cbconfig.NewWatcher(a.store, nil)
}

// deadline builds the absolute deadline for a new request using the
// agent's configured default timeout.
func (a *Agent) deadline() time.Time {
	return time.Now().Add(a.cfg.DefaultTimeout)
}

type errNoAddress struct {
	node string
	svc  cbconfig.ServiceType
}

func (e errNoAddress) Error() string { return "agent: node " + e.node + " has no address for this service" }

type errNoConfig struct{}

func (errNoConfig) Error() string { return "agent: no topology available yet" }
