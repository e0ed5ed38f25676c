package endpoint

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/couchbase/cbcore/events"
	"github.com/couchbase/cbcore/memd"
)

// fakeServer plays the cluster-node role over one side of a net.Pipe: it
// answers HELLO with an empty accepted feature list and ERROR_MAP with a
// non-success status, matching a node that supports neither — exercising
// the "non-fatal, continue without" paths of spec.md §4.2 steps 2-3.
func fakeServer(t *testing.T, conn net.Conn) {
	t.Helper()
	for i := 0; i < 2; i++ {
		req, err := memd.DecodeRequest(conn)
		if err != nil {
			return
		}
		switch req.Opcode {
		case memd.CmdHello:
			resp := memd.Packet{Opcode: memd.CmdHello, Status: memd.StatusSuccess, Opaque: req.Opaque}
			conn.Write(memd.EncodeResponse(resp))
		case memd.CmdGetErrorMap:
			resp := memd.Packet{Opcode: memd.CmdGetErrorMap, Status: memd.StatusNotSupported, Opaque: req.Opaque}
			conn.Write(memd.EncodeResponse(resp))
		}
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

func dialPipe(serverCh chan<- net.Conn) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		client, srv := net.Pipe()
		serverCh <- srv
		return dropEmptyWriteConn{client}, nil
	}
}

func TestConnectCompletesBootstrapAndBecomesDispatchable(t *testing.T) {
	serverCh := make(chan net.Conn, 1)
	collector := events.NewCollector()
	ep := NewEndpoint("test-node", dialPipe(serverCh), BootstrapConfig{}, collector)

	go func() { fakeServer(t, <-serverCh) }()

	if err := ep.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !ep.Dispatchable() {
		t.Fatal("expected endpoint to be dispatchable after bootstrap")
	}
	if collector.CountOf(events.EndpointConnected) != 1 {
		t.Fatal("expected one EndpointConnected event")
	}
	if collector.CountOf(events.ErrorMapLoadingFailure) != 1 {
		t.Fatal("expected ErrorMapLoadingFailure from the non-success status")
	}
}

func TestSendAssignsOpaqueAndDemuxesResponse(t *testing.T) {
	serverCh := make(chan net.Conn, 1)
	ep := NewEndpoint("test-node", dialPipe(serverCh), BootstrapConfig{}, events.NopSink{})

	go func() {
		serverConn := <-serverCh
		fakeServer(t, serverConn)
		// After bootstrap, answer one GET request with success.
		req, err := memd.DecodeRequest(serverConn)
		if err != nil {
			return
		}
		resp := memd.Packet{Opcode: req.Opcode, Status: memd.StatusSuccess, Opaque: req.Opaque, Value: []byte("hello")}
		serverConn.Write(memd.EncodeResponse(resp))
	}()

	if err := ep.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ch, opaque, err := ep.Send(memd.CmdGet, 0, 0, 0, 0, nil, []byte("k"), nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if opaque == 0 {
		t.Fatal("expected a non-zero opaque")
	}

	select {
	case result := <-ch:
		if result.Err != nil {
			t.Fatalf("unexpected error: %v", result.Err)
		}
		if string(result.Packet.Value) != "hello" {
			t.Fatalf("unexpected value: %q", result.Packet.Value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

// TestBootstrapDeadlineFailsConnectPromptly covers spec.md §8: an endpoint
// where the error-map request never gets a reply and the bootstrap
// deadline is 100ms fails the connect promise with a timeout error within
// 100-150ms and closes the socket.
func TestBootstrapDeadlineFailsConnectPromptly(t *testing.T) {
	serverCh := make(chan net.Conn, 1)
	dial := func(ctx context.Context) (net.Conn, error) {
		client, srv := net.Pipe()
		serverCh <- srv
		return dropEmptyWriteConn{client}, nil
	}

	go func() {
		conn := <-serverCh
		// Answer HELLO, then never reply to GET_ERROR_MAP.
		req, err := memd.DecodeRequest(conn)
		if err != nil {
			return
		}
		if req.Opcode == memd.CmdHello {
			resp := memd.Packet{Opcode: memd.CmdHello, Status: memd.StatusSuccess, Opaque: req.Opaque}
			conn.Write(memd.EncodeResponse(resp))
		}
	}()

	boot := BootstrapConfig{Deadline: time.Now().Add(100 * time.Millisecond)}
	ep := NewEndpoint("test-node", dial, boot, events.NopSink{})

	start := time.Now()
	err := ep.Connect(context.Background())
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected connect to fail when the error-map reply never arrives")
	}
	if elapsed < 100*time.Millisecond || elapsed > 150*time.Millisecond {
		t.Fatalf("expected connect to fail within 100-150ms, took %s", elapsed)
	}
	if ep.State() != Disconnected {
		t.Fatalf("expected Disconnected after failed bootstrap, got %s", ep.State())
	}
}

// TestOpaqueStaysUniqueAcrossReconnect covers spec.md §9's reconnect
// regression: mid-burst reconnect must not reuse opaques from the prior
// connection, and the in-flight map must be empty immediately after.
func TestOpaqueStaysUniqueAcrossReconnect(t *testing.T) {
	serverCh := make(chan net.Conn, 2)
	ep := NewEndpoint("test-node", dialPipe(serverCh), BootstrapConfig{}, events.NopSink{})

	firstConnReady := make(chan net.Conn, 1)
	go func() {
		conn := <-serverCh
		fakeServer(t, conn)
		memd.DecodeRequest(conn) // consume the GET sent below; net.Pipe writes block until read
		firstConnReady <- conn
	}()
	if err := ep.Connect(context.Background()); err != nil {
		t.Fatalf("first connect: %v", err)
	}

	_, firstOpaque, err := ep.Send(memd.CmdGet, 0, 0, 0, 0, nil, []byte("k1"), nil)
	if err != nil {
		t.Fatalf("send before reconnect: %v", err)
	}

	firstConn := <-firstConnReady
	firstConn.Close()

	deadline := time.Now().Add(time.Second)
	for ep.State() != Disconnected && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ep.InflightCount() != 0 {
		t.Fatalf("expected empty in-flight map after disconnect, got %d", ep.InflightCount())
	}

	secondConnReady := make(chan net.Conn, 1)
	go func() {
		conn := <-serverCh
		fakeServer(t, conn)
		memd.DecodeRequest(conn) // consume the GET sent below; net.Pipe writes block until read
		secondConnReady <- conn
	}()
	if err := ep.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	_, secondOpaque, err := ep.Send(memd.CmdGet, 0, 0, 0, 0, nil, []byte("k2"), nil)
	if err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
	if secondOpaque == firstOpaque {
		t.Fatalf("expected a fresh opaque after reconnect, got the same value %d twice", firstOpaque)
	}
	if ep.InflightCount() != 1 {
		t.Fatalf("expected exactly one in-flight request after reconnect send, got %d", ep.InflightCount())
	}

	secondConn := <-secondConnReady
	secondConn.Close()
}

func TestConnectionLossDrainsInflight(t *testing.T) {
	serverCh := make(chan net.Conn, 1)
	collector := events.NewCollector()
	ep := NewEndpoint("test-node", dialPipe(serverCh), BootstrapConfig{}, collector)

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		serverConn := <-serverCh
		fakeServer(t, serverConn)
		memd.DecodeRequest(serverConn) // consume the GET sent below; net.Pipe writes block until read
		serverConnCh <- serverConn
	}()

	if err := ep.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ch, _, err := ep.Send(memd.CmdGet, 0, 0, 0, 0, nil, []byte("k"), nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	serverConn := <-serverConnCh
	serverConn.Close()

	select {
	case result := <-ch:
		if result.Err == nil {
			t.Fatal("expected connection-loss error on the pending request")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drain")
	}

	deadline := time.Now().Add(time.Second)
	for ep.State() != Disconnected && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ep.State() != Disconnected {
		t.Fatalf("expected Disconnected, got %s", ep.State())
	}
}
