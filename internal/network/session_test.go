package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/hbbalancer/hbbalancer/internal/directory"
	"github.com/hbbalancer/hbbalancer/internal/events"
	"github.com/hbbalancer/hbbalancer/internal/protocol"
)

const testGrace = 300 * time.Millisecond

type dialerFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

// pipeBackend hands out the far end of an in-memory connection for every dial.
func pipeBackend() (Dialer, <-chan net.Conn) {
	backends := make(chan net.Conn, 1)
	return dialerFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
		near, far := net.Pipe()
		backends <- far
		return near, nil
	}), backends
}

func refusingDialer(t *testing.T) Dialer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	d := &net.Dialer{}
	return dialerFunc(func(ctx context.Context, network, _ string) (net.Conn, error) {
		return d.DialContext(ctx, network, addr)
	})
}

// blockingDialer never connects; it reports when its context ends.
func blockingDialer() (Dialer, <-chan error) {
	cancelled := make(chan error, 1)
	return dialerFunc(func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-ctx.Done()
		cancelled <- ctx.Err()
		return nil, ctx.Err()
	}), cancelled
}

func testDirectory() *directory.Directory {
	return directory.New(map[string][]directory.Descriptor{
		"WS1": {{Address: "10.0.0.1", Port: 9907, WorldName: "Abaddon"}},
	})
}

func testConfig() SessionConfig {
	return SessionConfig{
		ConnectTimeout: time.Second,
		GracePeriod:    testGrace,
		WriteTimeout:   time.Second,
	}
}

func startSession(t *testing.T, dialer Dialer, cfg SessionConfig) (net.Conn, *Session, <-chan events.HandshakePayload) {
	t.Helper()
	client, server := net.Pipe()
	s := NewSession("test-session", server, testDirectory(), dialer, cfg, nil)

	results := make(chan events.HandshakePayload, 1)
	go func() { results <- s.Run(context.Background()) }()
	t.Cleanup(func() { client.Close() })
	return client, s, results
}

func waitResult(t *testing.T, results <-chan events.HandshakePayload, within time.Duration) events.HandshakePayload {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(within):
		t.Fatalf("session did not finish within %s", within)
		return events.HandshakePayload{}
	}
}

func send(t *testing.T, conn net.Conn, msg protocol.Message) {
	t.Helper()
	if err := protocol.WriteFrame(conn, msg.Encode()); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

func readMessage(t *testing.T, conn net.Conn) (protocol.Message, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	msg, err := protocol.Decode(payload)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return msg, payload
}

// expectClosed asserts that conn reaches EOF without receiving any bytes.
func expectClosed(t *testing.T, conn net.Conn, within time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(within))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 {
		t.Fatalf("expected no bytes, got % x", buf[:n])
	}
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func loginRequest(world string) *protocol.LoginRequest {
	return &protocol.LoginRequest{
		MsgType:         0x0001,
		AccountName:     "account",
		AccountPassword: "secret",
		WorldName:       world,
	}
}

func enterGameRequest(world string) *protocol.EnterGameRequest {
	return &protocol.EnterGameRequest{
		MsgType:         0x0002,
		PlayerName:      "player",
		MapName:         "aresden",
		AccountName:     "account",
		AccountPassword: "secret",
		Level:           42,
		WorldName:       world,
		CmdLine:         "-window",
	}
}

func TestLoginWorldNotFound(t *testing.T) {
	dialer, _ := pipeBackend()
	client, _, results := startSession(t, dialer, testConfig())

	send(t, client, loginRequest("Nowhere"))

	msg, _ := readMessage(t, client)
	resp, ok := msg.(*protocol.LoginResponse)
	if !ok || resp.Result != protocol.LogResMsgTypeNotExistingWorld {
		t.Fatalf("expected NOT_EXISTING_WORLD, got %#v", msg)
	}

	rejectedAt := time.Now()
	expectClosed(t, client, 3*time.Second)
	if elapsed := time.Since(rejectedAt); elapsed < testGrace/2 {
		t.Fatalf("client closed after %s, before the grace period", elapsed)
	}

	r := waitResult(t, results, time.Second)
	if r.Outcome != events.OutcomeRejected || r.Reason != events.ReasonWorldNotFound {
		t.Fatalf("unexpected result %+v", r)
	}
	if r.Kind != events.KindLogin || r.World != "Nowhere" || r.Account != "account" {
		t.Fatalf("request fields not recorded: %+v", r)
	}
}

func TestLoginRoutedVerbatim(t *testing.T) {
	dialer, backends := pipeBackend()
	client, _, results := startSession(t, dialer, testConfig())

	// A confirm response carries more than the header; it must be relayed
	// byte for byte.
	response := append((&protocol.LoginResponse{Result: protocol.LogResMsgTypeConfirm}).Encode(), 1, 2, 3, 4, 5)

	backendDone := make(chan error, 1)
	go func() {
		var backend net.Conn
		select {
		case backend = <-backends:
		case <-time.After(3 * time.Second):
			backendDone <- errors.New("no dial")
			return
		}
		defer backend.Close()

		payload, err := protocol.ReadFrame(backend)
		if err != nil {
			backendDone <- err
			return
		}
		msg, err := protocol.Decode(payload)
		if err != nil {
			backendDone <- err
			return
		}
		req, ok := msg.(*protocol.LoginRequest)
		if !ok || req.WorldName != "Abaddon" || req.MsgType != 0 || req.AccountName != "account" || req.AccountPassword != "secret" {
			backendDone <- errors.New("unexpected forwarded request")
			return
		}
		if err := protocol.WriteFrame(backend, response); err != nil {
			backendDone <- err
			return
		}

		// The balancer closes the backend leg right after the response.
		backend.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := backend.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
			backendDone <- errors.New("backend leg not closed after response")
			return
		}
		backendDone <- nil
	}()

	send(t, client, loginRequest("WS1"))

	_, payload := readMessage(t, client)
	if !bytes.Equal(payload, response) {
		t.Fatalf("relayed payload % x, want % x", payload, response)
	}
	if err := <-backendDone; err != nil {
		t.Fatal(err)
	}

	expectClosed(t, client, 3*time.Second)
	r := waitResult(t, results, time.Second)
	if r.Outcome != events.OutcomeRouted || r.Backend != "10.0.0.1:9907" {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestEnterGameForwardKeepsFields(t *testing.T) {
	dialer, backends := pipeBackend()
	client, _, _ := startSession(t, dialer, testConfig())

	forwarded := make(chan *protocol.EnterGameRequest, 1)
	go func() {
		backend := <-backends
		defer backend.Close()
		payload, err := protocol.ReadFrame(backend)
		if err != nil {
			return
		}
		msg, _ := protocol.Decode(payload)
		req, _ := msg.(*protocol.EnterGameRequest)
		forwarded <- req
		protocol.WriteFrame(backend, (&protocol.EnterGameResponse{Result: 0x0F20}).Encode())
	}()

	send(t, client, enterGameRequest("WS1"))
	readMessage(t, client)

	req := <-forwarded
	want := enterGameRequest("Abaddon")
	if req == nil || *req != *want {
		t.Fatalf("forwarded %+v, want %+v", req, want)
	}
}

func TestEnterGameConnectRefused(t *testing.T) {
	client, _, results := startSession(t, refusingDialer(t), testConfig())

	send(t, client, enterGameRequest("WS1"))

	_, payload := readMessage(t, client)
	if !bytes.Equal(payload, protocol.DataDifferenceReject().Encode()) {
		t.Fatalf("expected REJECT/DATA_DIFFERENCE, got % x", payload)
	}

	r := waitResult(t, results, 3*time.Second)
	if r.Outcome != events.OutcomeRejected || r.Reason != events.ReasonConnectFailed {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestEnterGameWorldNotFound(t *testing.T) {
	dialer, _ := pipeBackend()
	client, _, _ := startSession(t, dialer, testConfig())

	send(t, client, enterGameRequest("Nowhere"))

	msg, _ := readMessage(t, client)
	resp, ok := msg.(*protocol.EnterGameResponse)
	if !ok || resp.Result != protocol.EnterGameResTypeReject || resp.RejectCode != protocol.RejectDataDifference {
		t.Fatalf("expected REJECT/DATA_DIFFERENCE, got %#v", msg)
	}
}

func TestConnectTimeoutRejects(t *testing.T) {
	dialer, cancelled := blockingDialer()
	cfg := testConfig()
	cfg.ConnectTimeout = 150 * time.Millisecond
	client, _, results := startSession(t, dialer, cfg)

	start := time.Now()
	send(t, client, loginRequest("WS1"))

	msg, _ := readMessage(t, client)
	if resp, ok := msg.(*protocol.LoginResponse); !ok || resp.Result != protocol.LogResMsgTypeNotExistingWorld {
		t.Fatalf("expected NOT_EXISTING_WORLD, got %#v", msg)
	}
	if elapsed := time.Since(start); elapsed < cfg.ConnectTimeout {
		t.Fatalf("rejected after %s, before the connect timeout", elapsed)
	}
	if err := <-cancelled; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("dial ended with %v", err)
	}

	r := waitResult(t, results, 3*time.Second)
	if r.Reason != events.ReasonConnectFailed {
		t.Fatalf("timeout must map to a connect failure, got %+v", r)
	}
}

func TestUnknownMessageClosesSilently(t *testing.T) {
	dialer, _ := pipeBackend()
	client, _, results := startSession(t, dialer, testConfig())

	send(t, client, &protocol.UnknownMessage{ID: 0xDEADBEEF, MsgType: 1})

	expectClosed(t, client, testGrace/2)
	r := waitResult(t, results, time.Second)
	if r.Outcome != events.OutcomeAborted || r.Reason != events.ReasonUnknownMessage {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestMalformedFrameClosesSilently(t *testing.T) {
	dialer, _ := pipeBackend()
	client, _, results := startSession(t, dialer, testConfig())

	if _, err := client.Write([]byte{0x00, 0x02, 0x00}); err != nil {
		t.Fatal(err)
	}

	expectClosed(t, client, testGrace/2)
	r := waitResult(t, results, time.Second)
	if r.Reason != events.ReasonMalformedFrame {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestResponseFromClientAborts(t *testing.T) {
	dialer, _ := pipeBackend()
	client, _, results := startSession(t, dialer, testConfig())

	send(t, client, protocol.NotExistingWorld())

	expectClosed(t, client, testGrace/2)
	r := waitResult(t, results, time.Second)
	if r.Reason != events.ReasonUnexpected {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestTruncatedRequestAborts(t *testing.T) {
	dialer, _ := pipeBackend()
	client, _, results := startSession(t, dialer, testConfig())

	if err := protocol.WriteFrame(client, loginRequest("WS1").Encode()[:20]); err != nil {
		t.Fatal(err)
	}

	expectClosed(t, client, testGrace/2)
	if r := waitResult(t, results, time.Second); r.Reason != events.ReasonMalformedFrame {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestClientDisconnectCancelsDial(t *testing.T) {
	dialer, cancelled := blockingDialer()
	cfg := testConfig()
	cfg.ConnectTimeout = 5 * time.Second
	client, _, results := startSession(t, dialer, cfg)

	send(t, client, loginRequest("WS1"))
	client.Close()

	select {
	case err := <-cancelled:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("dial ended with %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("pending dial was not cancelled")
	}

	r := waitResult(t, results, time.Second)
	if r.Outcome != events.OutcomeAborted || r.Reason != events.ReasonClientClosed {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestBackendFailuresFallBackToRejection(t *testing.T) {
	tests := []struct {
		name    string
		backend func(net.Conn)
		cfg     func(*SessionConfig)
		reason  events.Reason
	}{
		{
			name: "malformed response",
			backend: func(c net.Conn) {
				c.Write([]byte{0x05, 0x01, 0x00})
			},
			reason: events.ReasonBackendProtocol,
		},
		{
			name:    "closed before response",
			backend: func(c net.Conn) { c.Close() },
			reason:  events.ReasonConnectFailed,
		},
		{
			name: "silent backend",
			backend: func(c net.Conn) {
				c.SetReadDeadline(time.Now().Add(2 * time.Second))
				c.Read(make([]byte, 1))
			},
			cfg:    func(c *SessionConfig) { c.ResponseTimeout = 100 * time.Millisecond },
			reason: events.ReasonBackendTimeout,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			dialer, backends := pipeBackend()
			cfg := testConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			client, _, results := startSession(t, dialer, cfg)

			go func() {
				backend := <-backends
				defer backend.Close()
				if _, err := protocol.ReadFrame(backend); err != nil {
					return
				}
				tt.backend(backend)
			}()

			send(t, client, enterGameRequest("WS1"))

			_, payload := readMessage(t, client)
			if !bytes.Equal(payload, protocol.DataDifferenceReject().Encode()) {
				t.Fatalf("expected REJECT/DATA_DIFFERENCE, got % x", payload)
			}
			r := waitResult(t, results, 3*time.Second)
			if r.Outcome != events.OutcomeRejected || r.Reason != tt.reason {
				t.Fatalf("unexpected result %+v", r)
			}
		})
	}
}

func TestRequestTimeoutCloses(t *testing.T) {
	dialer, _ := pipeBackend()
	cfg := testConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	client, _, results := startSession(t, dialer, cfg)

	expectClosed(t, client, 2*time.Second)
	if r := waitResult(t, results, time.Second); r.Reason != events.ReasonRequestTimeout {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestClientCloseDuringGraceEndsSession(t *testing.T) {
	dialer, _ := pipeBackend()
	cfg := testConfig()
	cfg.GracePeriod = 5 * time.Second
	client, _, results := startSession(t, dialer, cfg)

	send(t, client, loginRequest("Nowhere"))
	readMessage(t, client)
	client.Close()

	r := waitResult(t, results, time.Second)
	if r.Outcome != events.OutcomeRejected {
		t.Fatalf("outcome must survive the client leaving: %+v", r)
	}
}

func TestClientTrafficDuringGraceIsAbsorbed(t *testing.T) {
	dialer, _ := pipeBackend()
	client, _, results := startSession(t, dialer, testConfig())

	send(t, client, loginRequest("Nowhere"))
	readMessage(t, client)
	send(t, client, loginRequest("WS1"))

	expectClosed(t, client, 3*time.Second)
	if r := waitResult(t, results, time.Second); r.Reason != events.ReasonWorldNotFound {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestSessionCloseAborts(t *testing.T) {
	dialer, _ := pipeBackend()
	client, s, results := startSession(t, dialer, testConfig())

	info := s.Info()
	if info.ID != "test-session" || info.State != StateAwaitingRequest.String() {
		t.Fatalf("unexpected info %+v", info)
	}

	s.Close()
	expectClosed(t, client, time.Second)
	if r := waitResult(t, results, time.Second); r.Reason != events.ReasonShutdown {
		t.Fatalf("unexpected result %+v", r)
	}
	<-s.Done()
}

func TestSessionEmitsOutcome(t *testing.T) {
	bus := events.NewEventBus()
	got := make(chan events.HandshakePayload, 1)
	bus.Subscribe(events.EventHandshakeReject, "test", func(ctx context.Context, e events.Event) error {
		got <- e.Payload.(events.HandshakePayload)
		return nil
	})

	client, server := net.Pipe()
	defer client.Close()
	dialer, _ := pipeBackend()
	s := NewSession("emit", server, testDirectory(), dialer, testConfig(), bus)
	go s.Run(context.Background())

	send(t, client, loginRequest("Nowhere"))
	readMessage(t, client)

	select {
	case p := <-got:
		if p.SessionID != "emit" || p.Reason != events.ReasonWorldNotFound {
			t.Fatalf("unexpected payload %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no handshake event")
	}
}
