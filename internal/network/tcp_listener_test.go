package network

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/hbbalancer/hbbalancer/internal/config"
	"github.com/hbbalancer/hbbalancer/internal/directory"
	"github.com/hbbalancer/hbbalancer/internal/protocol"
)

// fakeWorld accepts one connection, checks the forwarded request and answers
// with response.
func fakeWorld(t *testing.T, response []byte) directory.Descriptor {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := protocol.ReadFrame(conn); err != nil {
			return
		}
		protocol.WriteFrame(conn, response)
		conn.Read(make([]byte, 1))
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return directory.Descriptor{Address: host, Port: p, WorldName: "Abaddon"}
}

func startListener(t *testing.T, cfg config.BalancerConfig, dir *directory.Directory) (*Listener, context.CancelFunc, <-chan error) {
	t.Helper()
	l := NewListener(cfg, dir, nil, WithSessionConfig(SessionConfig{
		ConnectTimeout: time.Second,
		GracePeriod:    100 * time.Millisecond,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	select {
	case <-l.Ready():
	case err := <-done:
		t.Fatalf("listener failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("listener not ready")
	}
	t.Cleanup(cancel)
	return l, cancel, done
}

func loopbackConfig() config.BalancerConfig {
	return config.BalancerConfig{ListenAddress: "127.0.0.1", ListenPort: 0}
}

func TestListenerRoutesLogin(t *testing.T) {
	response := (&protocol.LoginResponse{Result: protocol.LogResMsgTypeConfirm}).Encode()
	world := fakeWorld(t, response)
	dir := directory.New(map[string][]directory.Descriptor{"WS1": {world}})

	l, cancel, done := startListener(t, loopbackConfig(), dir)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	send(t, conn, loginRequest("WS1"))
	_, payload := readMessage(t, conn)
	if !bytes.Equal(payload, response) {
		t.Fatalf("got % x, want % x", payload, response)
	}

	deadline := time.Now().Add(3 * time.Second)
	for l.Stats().Routed != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("routed handshake not counted: %+v", l.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s := l.Stats(); s.Accepted != 1 || s.Active != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("listener did not stop")
	}
}

func TestListenerRateLimit(t *testing.T) {
	cfg := loopbackConfig()
	cfg.MaxConnPerSec = 1
	l, _, _ := startListener(t, cfg, directory.New(nil))

	first, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()

	second, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	expectClosed(t, second, 2*time.Second)
	if s := l.Stats(); s.Denied != 1 || s.Accepted != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if n := l.Sessions().Count(); n != 1 {
		t.Fatalf("registry holds %d sessions", n)
	}
}

func TestListenerStopClosesSessions(t *testing.T) {
	l, _, done := startListener(t, loopbackConfig(), directory.New(nil))

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for l.Sessions().Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("session not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	infos := l.Sessions().Snapshot()
	if len(infos) != 1 || infos[0].State != StateAwaitingRequest.String() {
		t.Fatalf("unexpected snapshot %+v", infos)
	}

	if err := l.Stop(); err != nil {
		t.Fatal(err)
	}
	expectClosed(t, conn, 2*time.Second)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Start did not return after Stop")
	}
	if s := l.Stats(); s.Aborted != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestRateTrackerWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rt := newRateTracker(2)
	rt.now = func() time.Time { return now }

	if !rt.allow("1.2.3.4") || !rt.allow("1.2.3.4") {
		t.Fatalf("first two connections must pass")
	}
	if rt.allow("1.2.3.4") {
		t.Fatalf("third connection in the window must be denied")
	}
	if !rt.allow("5.6.7.8") {
		t.Fatalf("limits are per IP")
	}

	now = now.Add(time.Second)
	if !rt.allow("1.2.3.4") {
		t.Fatalf("new window must reset the count")
	}

	now = now.Add(2 * time.Second)
	if n := rt.sweep(); n != 2 {
		t.Fatalf("swept %d buckets, want 2", n)
	}
}

func TestRateTrackerDisabled(t *testing.T) {
	rt := newRateTracker(0)
	for i := 0; i < 100; i++ {
		if !rt.allow("1.2.3.4") {
			t.Fatalf("a zero limit must disable the check")
		}
	}
}
