package dispatcher

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/couchbase/cbcore/cbconfig"
	"github.com/couchbase/cbcore/endpoint"
	"github.com/couchbase/cbcore/events"
	"github.com/couchbase/cbcore/locator"
	"github.com/couchbase/cbcore/memd"
	"github.com/couchbase/cbcore/svcpool"
)

// oneNodeConfig builds a single-node, single-vbucket-map config so that
// every key routes to node 0, regardless of its hash.
func oneNodeConfig() cbconfig.BucketConfig {
	vbmap := make(cbconfig.VBucketMap, 1024)
	for i := range vbmap {
		vbmap[i] = []int{0}
	}
	return cbconfig.BucketConfig{
		Name:        "default",
		Rev:         cbconfig.Revision{Epoch: 1, ID: 1},
		NumVBuckets: 1024,
		VBucketMap:  vbmap,
		Nodes: []cbconfig.NodeInfo{
			{Hostname: "node0", PlainPorts: map[cbconfig.ServiceType]uint16{cbconfig.ServiceKV: 11210}},
		},
	}
}

// dropEmptyWriteConn works around net.Pipe's write side blocking forever
// on a zero-length Write (it always waits for a matching Read, even when
// there's nothing to transfer): a real socket's Write of zero bytes is a
// no-op, so short-circuiting here changes nothing observable on the wire.
type dropEmptyWriteConn struct {
	net.Conn
}

func (c dropEmptyWriteConn) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	return c.Conn.Write(b)
}

// scriptedServer answers one request per entry of statuses, in order, then
// returns, leaving the connection open.
func scriptedServer(t *testing.T, conn net.Conn, statuses []memd.StatusCode) {
	t.Helper()
	for _, status := range statuses {
		req, err := memd.DecodeRequest(conn)
		if err != nil {
			return
		}
		resp := memd.Packet{Opcode: req.Opcode, Status: status, Opaque: req.Opaque}
		conn.Write(memd.EncodeResponse(resp))
	}
}

// singleEndpointDispatcher wires a Dispatcher whose one pool holds one
// already-connected endpoint fed by a net.Pipe, so tests drive the
// classify/retry loop against a scripted server response sequence.
func singleEndpointDispatcher(t *testing.T, statuses []memd.StatusCode) (*Dispatcher, *events.Collector) {
	t.Helper()

	serverCh := make(chan net.Conn, 1)
	dial := func(ctx context.Context) (net.Conn, error) {
		client, srv := net.Pipe()
		serverCh <- srv
		return dropEmptyWriteConn{client}, nil
	}

	collector := events.NewCollector()
	ep := endpoint.NewEndpoint("node0", dial, endpoint.BootstrapConfig{}, collector)

	go func() {
		srv := <-serverCh
		// Bootstrap: HELLO + ERROR_MAP, both answered non-fatally.
		scriptedServer(t, srv, []memd.StatusCode{memd.StatusSuccess, memd.StatusNotSupported})
		scriptedServer(t, srv, statuses)
	}()

	if err := ep.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	store := cbconfig.NewStore()
	store.Ingest(oneNodeConfig())

	pool := svcpool.New(svcpool.Config{MinEndpoints: 1, MaxEndpoints: 1, IdleTime: time.Minute, Strategy: svcpool.FirstAvailable}, func() *endpoint.Endpoint { return ep })

	pools := func(nodeIndex int, svc cbconfig.ServiceType) *svcpool.Pool { return pool }
	refresh := func(ctx context.Context) (cbconfig.BucketConfig, error) {
		cfg := oneNodeConfig()
		cfg.Rev = cbconfig.Revision{Epoch: 1, ID: 2}
		return cfg, nil
	}

	d := New(store, store, refresh, pools, collector)
	return d, collector
}

func TestDispatchSuccessReturnsPacket(t *testing.T) {
	d, _ := singleEndpointDispatcher(t, []memd.StatusCode{memd.StatusSuccess})

	req := Request{
		Opcode:   memd.CmdGet,
		Hint:     locatorHint("k"),
		Service:  cbconfig.ServiceKV,
		Key:      []byte("k"),
		Deadline: time.Now().Add(2 * time.Second),
	}
	res, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Packet.Status != memd.StatusSuccess {
		t.Fatalf("expected success status, got %v", res.Packet.Status)
	}
}

func TestDispatchRetriesTemporaryFailureThenSucceeds(t *testing.T) {
	d, _ := singleEndpointDispatcher(t, []memd.StatusCode{memd.StatusTmpFail, memd.StatusSuccess})

	req := Request{
		Opcode:   memd.CmdGet,
		Hint:     locatorHint("k"),
		Service:  cbconfig.ServiceKV,
		Key:      []byte("k"),
		Deadline: time.Now().Add(2 * time.Second),
	}
	res, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Packet.Status != memd.StatusSuccess {
		t.Fatalf("expected eventual success, got %v", res.Packet.Status)
	}
}

func TestDispatchSurfacesAuthErrorWithoutRetry(t *testing.T) {
	d, _ := singleEndpointDispatcher(t, []memd.StatusCode{memd.StatusAuthError})

	req := Request{
		Opcode:   memd.CmdGet,
		Hint:     locatorHint("k"),
		Service:  cbconfig.ServiceKV,
		Key:      []byte("k"),
		Deadline: time.Now().Add(2 * time.Second),
	}
	_, err := d.Dispatch(context.Background(), req)
	if err == nil {
		t.Fatal("expected an auth error, got nil")
	}
}

func TestDispatchRefreshesConfigOnNotMyVBucket(t *testing.T) {
	d, collector := singleEndpointDispatcher(t, []memd.StatusCode{memd.StatusNotMyVBucket, memd.StatusSuccess})

	req := Request{
		Opcode:     memd.CmdGet,
		Hint:       locatorHint("k"),
		Service:    cbconfig.ServiceKV,
		Key:        []byte("k"),
		BucketName: "default",
		Deadline:   time.Now().Add(2 * time.Second),
	}
	res, err := d.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Packet.Status != memd.StatusSuccess {
		t.Fatalf("expected eventual success, got %v", res.Packet.Status)
	}
	if collector.CountOf(events.ConfigUpdated) == 0 {
		t.Fatal("expected a ConfigUpdated event from the NOT_MY_VBUCKET refresh")
	}
}

func TestDispatchTimesOutWhenDeadlineAlreadyPassed(t *testing.T) {
	d, _ := singleEndpointDispatcher(t, nil)

	req := Request{
		Opcode:   memd.CmdGet,
		Hint:     locatorHint("k"),
		Service:  cbconfig.ServiceKV,
		Key:      []byte("k"),
		Deadline: time.Now().Add(-time.Second),
	}
	_, err := d.Dispatch(context.Background(), req)
	if err == nil {
		t.Fatal("expected an immediate deadline-exceeded error")
	}
}

func locatorHint(key string) locator.RoutingHint {
	return locator.RoutingHint{Key: []byte(key)}
}
