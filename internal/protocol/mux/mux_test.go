package mux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/moorctl/moor/internal/protocol"
	"github.com/moorctl/moor/internal/testutil/testlog"
)

func newPair(t *testing.T, cfg Config) (*Mux, *Mux) {
	t.Helper()
	a, b := net.Pipe()
	ma := New(cfg, a, SideInitiator)
	mb := New(cfg, b, SideAcceptor)
	t.Cleanup(func() {
		ma.CloseWithError(nil)
		mb.CloseWithError(nil)
	})
	return ma, mb
}

// echoAccepted echoes every accepted channel until the mux closes.
func echoAccepted(m *Mux) {
	for {
		c, err := m.Accept()
		if err != nil {
			return
		}
		go func() {
			_, _ = io.Copy(c, c)
			_ = c.Close()
		}()
	}
}

func TestOpenWriteReadClose(t *testing.T) {
	testlog.Start(t)
	ma, mb := newPair(t, DefaultConfig())
	go echoAccepted(mb)

	c, err := ma.OpenChannel([]byte("127.0.0.1:3000"))
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	if c.ID()%2 != 1 {
		t.Fatalf("initiator channel id should be odd, got %d", c.ID())
	}
	msg := []byte("hello over the trunk")
	if _, err := c.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("echo mismatch: %q", got)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := c.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF after close, got %v", err)
	}
}

func TestAcceptSeesOpenPayload(t *testing.T) {
	testlog.Start(t)
	ma, mb := newPair(t, DefaultConfig())

	if _, err := ma.OpenChannel([]byte("10.0.0.1:80")); err != nil {
		t.Fatalf("open channel: %v", err)
	}
	c, err := mb.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if string(c.OpenPayload()) != "10.0.0.1:80" {
		t.Fatalf("unexpected open payload: %q", c.OpenPayload())
	}
}

func TestPerChannelOrderingUnderInterleaving(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.MaxChunkBytes = 64
	ma, mb := newPair(t, cfg)
	go echoAccepted(mb)

	const channels = 8
	const payloadLen = 8 * 1024

	var wg sync.WaitGroup
	errs := make(chan error, channels)
	for i := 0; i < channels; i++ {
		wg.Add(1)
		go func(seed byte) {
			defer wg.Done()
			c, err := ma.OpenChannel(nil)
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			payload := make([]byte, payloadLen)
			for j := range payload {
				payload[j] = seed + byte(j%251)
			}
			go func() {
				_, _ = c.Write(payload)
				_ = c.CloseWrite()
			}()
			got := make([]byte, payloadLen)
			if _, err := io.ReadFull(c, got); err != nil {
				errs <- fmt.Errorf("channel %d read: %w", c.ID(), err)
				return
			}
			if !bytes.Equal(got, payload) {
				errs <- fmt.Errorf("channel %d bytes out of order", c.ID())
			}
		}(byte(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

// A channel whose reader never drains stalls on credit without starving
// its siblings.
func TestSlowChannelDoesNotStarveOthers(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.WindowBytes = 4 * 1024
	cfg.MaxChunkBytes = 512
	ma, mb := newPair(t, cfg)

	accepted := make(chan *Channel, 2)
	go func() {
		for {
			c, err := mb.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	slow, err := ma.OpenChannel(nil)
	if err != nil {
		t.Fatalf("open slow: %v", err)
	}
	fast, err := ma.OpenChannel(nil)
	if err != nil {
		t.Fatalf("open fast: %v", err)
	}
	slowPeer := <-accepted
	fastPeer := <-accepted
	_ = slowPeer

	// Exhaust the slow channel's window; nobody reads the peer side.
	go func() {
		buf := make([]byte, 16*1024)
		_, _ = slow.Write(buf)
	}()

	// The fast channel is drained and must keep flowing.
	go func() {
		_, _ = io.Copy(io.Discard, fastPeer)
	}()
	payload := make([]byte, 64*1024)
	done := make(chan error, 1)
	go func() {
		_, err := fast.Write(payload)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("fast write: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fast channel starved behind a stalled sibling")
	}
}

func TestTrunkLossFailsChannelsWithTransportLost(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	ma := New(DefaultConfig(), a, SideInitiator)
	mb := New(DefaultConfig(), b, SideAcceptor)
	defer mb.CloseWithError(nil)

	c, err := ma.OpenChannel(nil)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	if _, err := mb.Accept(); err != nil {
		t.Fatalf("accept: %v", err)
	}

	_ = b.Close() // peer vanishes

	if _, err := c.Read(make([]byte, 1)); !errors.Is(err, protocol.ErrTransportLost) {
		t.Fatalf("expected ErrTransportLost, got %v", err)
	}
	select {
	case <-ma.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("mux did not reach terminal state")
	}
	if _, err := ma.OpenChannel(nil); err == nil {
		t.Fatal("open on closed mux should fail")
	}
}

func TestGracefulCloseReadsAsEOFOnPeer(t *testing.T) {
	testlog.Start(t)
	ma, mb := newPair(t, DefaultConfig())

	if err := ma.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-mb.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not observe orderly shutdown")
	}
	if err := mb.Err(); err != nil {
		t.Fatalf("peer close cause should be nil, got %v", err)
	}
}

func TestFailChannelLeavesSessionHealthy(t *testing.T) {
	testlog.Start(t)
	ma, mb := newPair(t, DefaultConfig())
	go echoAccepted(mb)

	doomed, err := ma.OpenChannel(nil)
	if err != nil {
		t.Fatalf("open doomed: %v", err)
	}
	ma.FailChannel(doomed, protocol.ErrForwardUnreachable)
	if _, err := doomed.Read(make([]byte, 1)); !errors.Is(err, protocol.ErrForwardUnreachable) {
		t.Fatalf("expected ErrForwardUnreachable, got %v", err)
	}

	healthy, err := ma.OpenChannel(nil)
	if err != nil {
		t.Fatalf("open healthy: %v", err)
	}
	msg := []byte("still alive")
	if _, err := healthy.Write(msg); err != nil {
		t.Fatalf("write healthy: %v", err)
	}
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(healthy, got); err != nil {
		t.Fatalf("read healthy: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("healthy echo mismatch: %q", got)
	}
}

// The side that closes second still owes the peer a Close frame; losing
// it would leave the peer's reader blocked forever.
func TestCloseAfterPeerCloseReachesPeer(t *testing.T) {
	testlog.Start(t)
	ma, mb := newPair(t, DefaultConfig())

	c, err := ma.OpenChannel(nil)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	p, err := mb.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Peer closes first; our side sees EOF and then closes too.
	if err := p.Close(); err != nil {
		t.Fatalf("peer close: %v", err)
	}
	if _, err := c.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF after peer close, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	peerEOF := make(chan error, 1)
	go func() {
		_, err := p.Read(make([]byte, 1))
		peerEOF <- err
	}()
	select {
	case err := <-peerEOF:
		if err != io.EOF {
			t.Fatalf("expected EOF on peer, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer never observed our close")
	}

	// The session stays usable and the retired id is safe to reuse.
	next, err := ma.OpenChannel(nil)
	if err != nil {
		t.Fatalf("open after teardown: %v", err)
	}
	if _, err := mb.Accept(); err != nil {
		t.Fatalf("accept after teardown: %v", err)
	}
	if _, err := next.Write([]byte("x")); err != nil {
		t.Fatalf("write after teardown: %v", err)
	}
}

// Many tiny writes produce far more frames than window/chunk; as long as
// the bytes stay within the credit window the receiver must buffer them
// all, even with the reader idle.
func TestSmallFrameFloodWithinWindow(t *testing.T) {
	testlog.Start(t)
	ma, mb := newPair(t, DefaultConfig())

	c, err := ma.OpenChannel(nil)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	p, err := mb.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	const writes = 64
	for i := 0; i < writes; i++ {
		if _, err := c.Write([]byte{byte(i)}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	// The reader only starts after every frame is queued.
	got := make([]byte, writes)
	if _, err := io.ReadFull(p, got); err != nil {
		t.Fatalf("read flood: %v", err)
	}
	for i := range got {
		if got[i] != byte(i) {
			t.Fatalf("byte %d: got %d", i, got[i])
		}
	}
}

// Accept must report termination as an error; callers treat a returned
// channel as live and would dereference nil.
func TestAcceptErrorsAfterGracefulClose(t *testing.T) {
	testlog.Start(t)
	ma, mb := newPair(t, DefaultConfig())

	if err := ma.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-mb.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not observe orderly shutdown")
	}

	for _, m := range []*Mux{ma, mb} {
		c, err := m.Accept()
		if err == nil {
			t.Fatal("accept on closed mux should fail")
		}
		if c != nil {
			t.Fatalf("accept returned a channel alongside %v", err)
		}
		if !errors.Is(err, ErrMuxClosed) {
			t.Fatalf("expected ErrMuxClosed, got %v", err)
		}
	}
}

func TestControlEnvelopesBypassBulkData(t *testing.T) {
	testlog.Start(t)
	ma, mb := newPair(t, DefaultConfig())
	go echoAccepted(mb)

	c, err := ma.OpenChannel(nil)
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	go func() {
		buf := make([]byte, 512*1024)
		_, _ = c.Write(buf)
	}()
	go func() {
		_, _ = io.Copy(io.Discard, c)
	}()

	if err := ma.SendControl([]byte(`{"ping":true}`)); err != nil {
		t.Fatalf("send control: %v", err)
	}
	select {
	case payload := <-mb.ControlRecv():
		if string(payload) != `{"ping":true}` {
			t.Fatalf("unexpected control payload: %q", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("control envelope stuck behind bulk data")
	}
}
