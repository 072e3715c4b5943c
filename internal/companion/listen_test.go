package companion

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/moorctl/moor/internal/protocol/control"
	"github.com/moorctl/moor/internal/protocol/frame"
	"github.com/moorctl/moor/internal/protocol/mux"
	"github.com/moorctl/moor/internal/testutil/testlog"
)

func startListener(t *testing.T, grace time.Duration) *Listener {
	t.Helper()
	l := NewListener(ListenConfig{Addr: "127.0.0.1:0", Grace: grace})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = l.Serve(ctx) }()
	if l.Addr() == "" {
		t.Fatal("listener failed to bind")
	}
	return l
}

// helloOverTCP dials the listener and completes the hello exchange,
// returning the daemon-side mux, the trunk, and the resume token.
func helloOverTCP(t *testing.T, addr string) (*mux.Mux, net.Conn, string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	hello, _ := control.EncodeHello(control.Hello{
		Version:      control.ProtocolVersion,
		SessionID:    "sess-listen",
		Capabilities: control.Capabilities{Resume: true},
	})
	if err := control.WriteRaw(conn, hello, frame.DefaultLimits()); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	env, err := control.ReadRaw(conn, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read hello ack: %v", err)
	}
	if !env.IsHelloAck() || !env.HelloAck.Accepted {
		t.Fatalf("handshake rejected: %+v", env)
	}
	if !env.HelloAck.Capabilities.Resume || env.HelloAck.ResumeToken == "" {
		t.Fatalf("listen mode must offer resume: %+v", env.HelloAck)
	}

	cfg := mux.DefaultConfig()
	cfg.Resumable = true
	m := mux.New(cfg, conn, mux.SideInitiator)
	t.Cleanup(func() { m.CloseWithError(nil) })
	return m, conn, env.HelloAck.ResumeToken
}

func echoExactly(t *testing.T, ch *mux.Channel, msg string) {
	t.Helper()
	if _, err := ch.Write([]byte(msg)); err != nil {
		t.Fatalf("write %q: %v", msg, err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(ch, got); err != nil {
		t.Fatalf("read echo of %q: %v", msg, err)
	}
	if string(got) != msg {
		t.Fatalf("echo mismatch: got %q want %q", got, msg)
	}
}

func TestListenerResumesAfterTrunkDrop(t *testing.T) {
	testlog.Start(t)
	l := startListener(t, 10*time.Second)
	target := tcpEcho(t)

	m, conn, token := helloOverTCP(t, l.Addr())
	ch, err := m.OpenChannel([]byte(target))
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	echoExactly(t, ch, "before the drop")

	// Drop the trunk. Both ends pause; the listener holds the session.
	_ = conn.Close()
	select {
	case <-m.Notify():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon mux did not pause")
	}
	if n := l.SessionCount(); n != 1 {
		t.Fatalf("held sessions = %d, want 1", n)
	}

	// Writes while paused are queued for replay.
	if _, err := ch.Write([]byte("after the drop")); err != nil {
		t.Fatalf("write while paused: %v", err)
	}

	conn2, err := net.Dial("tcp", l.Addr())
	if err != nil {
		t.Fatalf("re-dial listener: %v", err)
	}
	resume, _ := control.EncodeResume(control.Resume{ResumeToken: token, Channels: m.Cursors()})
	if err := control.WriteRaw(conn2, resume, frame.DefaultLimits()); err != nil {
		t.Fatalf("write resume: %v", err)
	}
	env, err := control.ReadRaw(conn2, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read resume ack: %v", err)
	}
	if !env.IsResumeAck() || !env.ResumeAck.Accepted {
		t.Fatalf("resume denied: %+v", env)
	}
	if err := m.ResumeWith(conn2, env.ResumeAck.Channels); err != nil {
		t.Fatalf("resume: %v", err)
	}

	got := make([]byte, len("after the drop"))
	if _, err := io.ReadFull(ch, got); err != nil {
		t.Fatalf("read after resume: %v", err)
	}
	if string(got) != "after the drop" {
		t.Fatalf("post-resume echo mismatch: %q", got)
	}
}

func TestListenerDeniesUnknownResumeToken(t *testing.T) {
	testlog.Start(t)
	l := startListener(t, 10*time.Second)

	conn, err := net.Dial("tcp", l.Addr())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer conn.Close()
	resume, _ := control.EncodeResume(control.Resume{ResumeToken: "no-such-session"})
	if err := control.WriteRaw(conn, resume, frame.DefaultLimits()); err != nil {
		t.Fatalf("write resume: %v", err)
	}
	env, err := control.ReadRaw(conn, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read resume ack: %v", err)
	}
	if !env.IsResumeAck() || env.ResumeAck.Accepted {
		t.Fatalf("expected denial, got %+v", env)
	}
}

func TestListenerTearsDownSessionAfterGrace(t *testing.T) {
	testlog.Start(t)
	l := startListener(t, 200*time.Millisecond)

	m, conn, _ := helloOverTCP(t, l.Addr())
	_ = conn.Close()
	select {
	case <-m.Notify():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon mux did not pause")
	}

	deadline := time.Now().Add(5 * time.Second)
	for l.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session still held after grace, count=%d", l.SessionCount())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHandshakeGarbageClosesTrunk(t *testing.T) {
	testlog.Start(t)
	l := startListener(t, time.Second)

	conn, err := net.Dial("tcp", l.Addr())
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 64)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected the listener to drop the connection")
	}
}
