package agent

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/couchbase/cbcore/cbconfig"
	"github.com/couchbase/cbcore/connstr"
	"github.com/couchbase/cbcore/endpoint"
	"github.com/couchbase/cbcore/events"
	"github.com/couchbase/cbcore/memd"
	"github.com/couchbase/cbcore/svcpool"
)

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

func scriptedServer(t *testing.T, conn net.Conn, statuses []memd.StatusCode, respValue []byte) {
	t.Helper()
	for _, status := range statuses {
		req, err := memd.DecodeRequest(conn)
		if err != nil {
			return
		}
		resp := memd.Packet{Opcode: req.Opcode, Status: status, Opaque: req.Opaque, CAS: 42, Value: respValue}
		conn.Write(memd.EncodeResponse(resp))
	}
}

// newTestAgent builds an Agent with a single pre-connected, net.Pipe-backed
// endpoint preinstalled as the KV pool for node 0, bypassing real TCP
// dialing the way dispatcher_test.go's singleEndpointDispatcher does.
func newTestAgent(t *testing.T) (*Agent, chan net.Conn) {
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
		scriptedServer(t, srv, []memd.StatusCode{memd.StatusSuccess, memd.StatusNotSupported}, nil)
		serverCh <- srv
	}()

	if err := ep.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	a := New(Config{
		ConnSpec:       connstr.ConnSpec{Hosts: []connstr.Host{{Name: "node0"}}},
		Bucket:         "default",
		Credentials:    StaticCredentials{Username: "u", Password: "p"},
		DefaultTimeout: 2 * time.Second,
	}, oneNodeConfig())

	pool := svcpool.New(svcpool.Config{MinEndpoints: 1, MaxEndpoints: 1, IdleTime: time.Minute, Strategy: svcpool.FirstAvailable}, func() *endpoint.Endpoint { return ep })
	a.mu.Lock()
	a.pools[poolKey{nodeIndex: 0, svc: cbconfig.ServiceKV}] = pool
	a.mu.Unlock()

	return a, serverCh
}

func TestAgentUpsertRoundTrip(t *testing.T) {
	a, serverCh := newTestAgent(t)
	srv := <-serverCh

	go scriptedServer(t, srv, []memd.StatusCode{memd.StatusSuccess}, nil)

	res, err := a.Upsert(context.Background(), []byte("k"), []byte(`{"a":1}`), UpsertOptions{Flags: 0x02000006})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.CAS != 42 {
		t.Fatalf("expected cas 42, got %d", res.CAS)
	}
}

func TestAgentGetRoundTrip(t *testing.T) {
	a, serverCh := newTestAgent(t)
	srv := <-serverCh

	go scriptedServer(t, srv, []memd.StatusCode{memd.StatusSuccess}, []byte("hello"))

	res, err := a.Get(context.Background(), []byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(res.Value) != "hello" {
		t.Fatalf("unexpected value: %q", res.Value)
	}
}

func TestAgentSubdocMutatePartialFailureSurfacesPerOp(t *testing.T) {
	a, serverCh := newTestAgent(t)
	srv := <-serverCh

	perOp := append(
		encodeSubdocResult(memd.StatusSuccess, nil),
		encodeSubdocResult(memd.StatusSubDocPathNotFound, nil)...,
	)
	perOp = append(perOp, encodeSubdocResult(memd.StatusSuccess, nil)...)

	go scriptedServer(t, srv, []memd.StatusCode{memd.StatusSubDocMultiPathFailure}, perOp)

	cmds := []memd.SubdocCommand{
		{Opcode: memd.CmdSubDocDictSet, Path: "/a", Fragment: []byte("1")},
		{Opcode: memd.CmdSubDocDictSet, Path: "/x/y", Fragment: []byte("2")},
		{Opcode: memd.CmdSubDocDictSet, Path: "/b", Fragment: []byte("3")},
	}
	res, err := a.SubdocMutate(context.Background(), []byte("k"), cmds, SubdocMutateOptions{})
	if err != nil {
		t.Fatalf("expected frame-level success despite one failing op, got %v", err)
	}
	if len(res.PerOp) != 3 {
		t.Fatalf("expected 3 per-op results, got %d", len(res.PerOp))
	}
	if res.PerOp[1].Status != memd.ClassSubdocPathNotFound {
		t.Fatalf("expected op 2 to report PATH_NOT_FOUND, got %v", res.PerOp[1].Status)
	}
}

func encodeSubdocResult(status memd.StatusCode, value []byte) []byte {
	rec := make([]byte, 6+len(value))
	rec[0] = byte(status >> 8)
	rec[1] = byte(status)
	rec[2] = byte(len(value) >> 24)
	rec[3] = byte(len(value) >> 16)
	rec[4] = byte(len(value) >> 8)
	rec[5] = byte(len(value))
	copy(rec[6:], value)
	return rec
}

func TestManagementURLBuildsFromConnSpec(t *testing.T) {
	a := &Agent{cfg: Config{
		Bucket:   "default",
		ConnSpec: connstr.ConnSpec{Hosts: []connstr.Host{{Name: "10.0.0.1"}}},
	}}
	url, originHost, ok := a.managementURL()
	if !ok {
		t.Fatal("expected managementURL to succeed with a host and bucket set")
	}
	if originHost != "10.0.0.1" {
		t.Fatalf("unexpected origin host: %q", originHost)
	}
	want := "http://10.0.0.1:8091/pools/default/b/default"
	if url != want {
		t.Fatalf("expected %q, got %q", want, url)
	}
}
