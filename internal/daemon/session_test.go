package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/moorctl/moor/internal/companion"
	"github.com/moorctl/moor/internal/config"
	"github.com/moorctl/moor/internal/protocol"
	"github.com/moorctl/moor/internal/protocol/control"
	"github.com/moorctl/moor/internal/protocol/frame"
	"github.com/moorctl/moor/internal/testutil/testlog"
	"github.com/moorctl/moor/internal/transport"
)

// testDialer yields in-memory trunks served by a companion engine and
// records every dial so tests can sever trunks and count reconnects.
type testDialer struct {
	serve func(conn net.Conn)

	mu    sync.Mutex
	dials int
	fars  []net.Conn
	// fail, when set, decides per dial (1-based) whether to fail it.
	fail func(dial int) error
}

func newCompanionDialer() *testDialer {
	eng := companion.New(companion.Config{DialTimeout: 2 * time.Second})
	return &testDialer{
		serve: func(conn net.Conn) { _ = eng.Serve(context.Background(), conn) },
	}
}

func (d *testDialer) Kind() transport.Kind { return transport.KindLocal }

func (d *testDialer) Connect(ctx context.Context, target transport.Target, auth transport.Auth) (transport.Trunk, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()
	if d.fail != nil {
		if err := d.fail(n); err != nil {
			return nil, err
		}
	}
	near, far := net.Pipe()
	d.mu.Lock()
	d.fars = append(d.fars, far)
	d.mu.Unlock()
	go d.serve(far)
	return near, nil
}

func (d *testDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// sever closes the far end of every trunk dialed so far.
func (d *testDialer) sever() {
	d.mu.Lock()
	fars := d.fars
	d.fars = nil
	d.mu.Unlock()
	for _, far := range fars {
		_ = far.Close()
	}
}

func newTestCore(t *testing.T, d transport.Dialer) *Core {
	t.Helper()
	core := NewCore(transport.Options{})
	core.dialerFor = func(transport.Kind, transport.Options) (transport.Dialer, error) {
		return d, nil
	}
	t.Cleanup(core.Shutdown)
	return core
}

func testTuning() config.Tuning {
	tn := config.DefaultTuning()
	tn.HeartbeatInterval = time.Hour // heartbeats opt in per test
	tn.ConnectTimeout = 5 * time.Second
	tn.ReconnectMin = 5 * time.Millisecond
	tn.ReconnectMax = 20 * time.Millisecond
	tn.ReconnectAttempts = 3
	return tn
}

func sessionConfig(t *testing.T, name string, forwards ...string) config.SessionConfig {
	t.Helper()
	cfg := config.SessionConfig{Name: name, Target: "local:", Tuning: testTuning()}
	for _, raw := range forwards {
		spec, err := config.ParseForward(raw)
		if err != nil {
			t.Fatalf("parse forward %q: %v", raw, err)
		}
		cfg.Forwards = append(cfg.Forwards, spec)
	}
	return cfg
}

func tcpEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				_, _ = io.Copy(c, c)
				_ = c.Close()
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func waitState(t *testing.T, core *Core, name string, want State) SessionStatus {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		status, err := core.Status(name)
		if err == nil && status.State == want {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %q never reached %q, last: %+v err=%v", name, want, status, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func echoThrough(t *testing.T, addr, msg string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial forward %s: %v", addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(msg))
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != msg {
		t.Fatalf("echo mismatch: %q", got)
	}
}

func forwardSpecFor(addr string) string {
	host, port, _ := net.SplitHostPort(addr)
	return fmt.Sprintf("0:%s:%s", host, port)
}

func TestForwardEndToEnd(t *testing.T) {
	testlog.Start(t)
	core := newTestCore(t, newCompanionDialer())
	echo := tcpEcho(t)

	status, err := core.Start(context.Background(), sessionConfig(t, "e2e", forwardSpecFor(echo)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if status.State != StateActive {
		t.Fatalf("state after start: %q", status.State)
	}
	if len(status.Forwards) != 1 || status.Forwards[0].BoundAddr == "" {
		t.Fatalf("forward status: %+v", status.Forwards)
	}
	echoThrough(t, status.Forwards[0].BoundAddr, "through the trunk")
}

func TestStartDuplicateNameRejected(t *testing.T) {
	testlog.Start(t)
	core := newTestCore(t, newCompanionDialer())

	if _, err := core.Start(context.Background(), sessionConfig(t, "dup")); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := core.Start(context.Background(), sessionConfig(t, "dup")); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}
}

func TestStatusBeforeStartIsNotFound(t *testing.T) {
	testlog.Start(t)
	core := newTestCore(t, newCompanionDialer())
	if _, err := core.Status("ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestDoubleStopIsIdempotent(t *testing.T) {
	testlog.Start(t)
	core := newTestCore(t, newCompanionDialer())

	if _, err := core.Start(context.Background(), sessionConfig(t, "once")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := core.Stop("once"); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := core.Stop("once"); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := core.Status("once"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("stopped session still visible: %v", err)
	}
}

func TestStartFailsCleanlyWhenPortInUse(t *testing.T) {
	testlog.Start(t)
	dialer := newCompanionDialer()
	core := newTestCore(t, dialer)

	squatter, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer squatter.Close()
	_, port, _ := net.SplitHostPort(squatter.Addr().String())

	cfg := sessionConfig(t, "squat", fmt.Sprintf("%s:127.0.0.1:1", port))
	if _, err := core.Start(context.Background(), cfg); err == nil {
		t.Fatal("start should fail when the forward port is taken")
	}
	if _, err := core.Status("squat"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("failed start left a session behind: %v", err)
	}
	if len(core.List()) != 0 {
		t.Fatalf("failed start left registry entries: %+v", core.List())
	}
}

func TestStartAuthFailureIsNotRetried(t *testing.T) {
	testlog.Start(t)
	dialer := newCompanionDialer()
	dialer.fail = func(int) error { return protocol.ErrAuth }
	core := newTestCore(t, dialer)

	_, err := core.Start(context.Background(), sessionConfig(t, "noauth"))
	if !errors.Is(err, protocol.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("auth failure must not be retried, dials=%d", dialer.dialCount())
	}
	if _, err := core.Status("noauth"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("failed start left a session: %v", err)
	}
}

func TestReconnectExhaustsBoundedAttempts(t *testing.T) {
	testlog.Start(t)
	dialer := newCompanionDialer()
	dialer.fail = func(dial int) error {
		if dial > 1 {
			return fmt.Errorf("%w: synthetic outage", protocol.ErrNetwork)
		}
		return nil
	}
	core := newTestCore(t, dialer)

	if _, err := core.Start(context.Background(), sessionConfig(t, "outage")); err != nil {
		t.Fatalf("start: %v", err)
	}
	dialer.sever()

	status := waitState(t, core, "outage", StateClosed)
	if status.ErrorCode != protocol.CodeTransportLost {
		t.Fatalf("terminal code: %q (%s)", status.ErrorCode, status.LastError)
	}
	// One initial dial plus exactly ReconnectAttempts retries.
	if got, want := dialer.dialCount(), 1+testTuning().ReconnectAttempts; got != want {
		t.Fatalf("dials = %d, want %d", got, want)
	}
}

func TestReconnectDelaysStrictlyIncreaseToCap(t *testing.T) {
	tuning := config.Tuning{
		ReconnectMin: 100 * time.Millisecond,
		ReconnectMax: time.Second,
	}
	bo := reconnectBackoff(tuning)
	prev := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := bo.Duration()
		if d > tuning.ReconnectMax {
			t.Fatalf("attempt %d: delay %v above the cap", i, d)
		}
		if d < tuning.ReconnectMax && d <= prev {
			t.Fatalf("attempt %d: delay %v did not increase past %v", i, d, prev)
		}
		prev = d
	}
	if prev != tuning.ReconnectMax {
		t.Fatalf("delays should settle at the cap, got %v", prev)
	}
}

func TestReconnectRecoversAndForwardsAgain(t *testing.T) {
	testlog.Start(t)
	dialer := newCompanionDialer()
	var blocked sync.Mutex
	failing := false
	failures := 0
	dialer.fail = func(dial int) error {
		blocked.Lock()
		defer blocked.Unlock()
		if failing && failures < 2 {
			failures++
			return fmt.Errorf("%w: synthetic outage", protocol.ErrNetwork)
		}
		return nil
	}
	core := newTestCore(t, dialer)
	echo := tcpEcho(t)

	status, err := core.Start(context.Background(), sessionConfig(t, "bounce", forwardSpecFor(echo)))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	bound := status.Forwards[0].BoundAddr
	echoThrough(t, bound, "before outage")

	blocked.Lock()
	failing = true
	blocked.Unlock()
	dialer.sever()

	// Wait for the outage to register before asserting recovery: the run
	// loop needs time to observe the trunk loss, so an immediate Status
	// poll can still see the stale Active state.
	reconnectDeadline := time.Now().Add(10 * time.Second)
	for dialer.dialCount() < 4 {
		if time.Now().After(reconnectDeadline) {
			t.Fatalf("reconnect never completed, dials = %d", dialer.dialCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
	status = waitState(t, core, "bounce", StateActive)
	if dialer.dialCount() != 4 {
		t.Fatalf("dials = %d, want 4 (initial + 2 failures + success)", dialer.dialCount())
	}
	if status.Attempt != 0 {
		t.Fatalf("attempt counter not reset: %d", status.Attempt)
	}
	// The original listener survives the outage and serves the new trunk.
	if status.Forwards[0].BoundAddr != bound {
		t.Fatalf("listener rebound: %q -> %q", bound, status.Forwards[0].BoundAddr)
	}
	echoThrough(t, bound, "after outage")
}

func TestHeartbeatMissesForceReconnect(t *testing.T) {
	testlog.Start(t)
	// A peer that completes the handshake and then goes silent. Later
	// dials fail outright so the session ends instead of flapping.
	dialer := &testDialer{}
	dialer.serve = func(conn net.Conn) {
		defer conn.Close()
		limits := frame.DefaultLimits()
		env, err := control.ReadRaw(conn, limits)
		if err != nil || !env.IsHello() {
			return
		}
		ack, _ := control.EncodeHelloAck(control.HelloAck{Version: control.ProtocolVersion, Accepted: true})
		if err := control.WriteRaw(conn, ack, limits); err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, conn)
	}
	dialer.fail = func(dial int) error {
		if dial > 1 {
			return fmt.Errorf("%w: synthetic outage", protocol.ErrNetwork)
		}
		return nil
	}
	core := newTestCore(t, dialer)

	cfg := sessionConfig(t, "silent")
	cfg.Tuning.HeartbeatInterval = 20 * time.Millisecond
	cfg.Tuning.HeartbeatMisses = 2
	cfg.Tuning.ReconnectAttempts = 1

	if _, err := core.Start(context.Background(), cfg); err != nil {
		t.Fatalf("start: %v", err)
	}
	status := waitState(t, core, "silent", StateClosed)
	if status.ErrorCode != protocol.CodeTransportLost && status.ErrorCode != protocol.CodeNetwork {
		t.Fatalf("terminal code: %q (%s)", status.ErrorCode, status.LastError)
	}
	if dialer.dialCount() != 2 {
		t.Fatalf("silent peer should trigger exactly one reconnect attempt, dials=%d", dialer.dialCount())
	}
}

func TestReverseForwardEndToEnd(t *testing.T) {
	testlog.Start(t)
	core := newTestCore(t, newCompanionDialer())
	echo := tcpEcho(t)
	host, port, _ := net.SplitHostPort(echo)

	cfg := sessionConfig(t, "reverse")
	spec, err := config.ParseForward(fmt.Sprintf("R:0:%s:%s", host, port))
	if err != nil {
		t.Fatalf("parse reverse spec: %v", err)
	}
	cfg.Forwards = append(cfg.Forwards, spec)

	if _, err := core.Start(context.Background(), cfg); err != nil {
		t.Fatalf("start: %v", err)
	}

	var bound string
	deadline := time.Now().Add(10 * time.Second)
	for bound == "" {
		status, err := core.Status("reverse")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if v, ok := status.Reverse[spec.Raw]; ok {
			if strings.HasPrefix(v, "error:") {
				t.Fatalf("reverse bind failed: %s", v)
			}
			bound = v
		}
		if time.Now().After(deadline) {
			t.Fatal("reverse bind never acknowledged")
		}
		time.Sleep(10 * time.Millisecond)
	}
	echoThrough(t, bound, "backwards through the trunk")
}

func TestGracefulStopEndsCompanionSession(t *testing.T) {
	testlog.Start(t)
	dialer := newCompanionDialer()
	core := newTestCore(t, dialer)

	if _, err := core.Start(context.Background(), sessionConfig(t, "bye")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := core.Stop("bye"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// An operator stop must never be mistaken for an outage.
	if dialer.dialCount() != 1 {
		t.Fatalf("graceful stop triggered a reconnect, dials=%d", dialer.dialCount())
	}
}
