package mux

import (
	"io"

	"github.com/moorctl/moor/internal/protocol/frame"
)

// Channel states reported in status snapshots.
const (
	StateOpen       = "open"
	StateHalfClosed = "half_closed"
	StateClosed     = "closed"
)

// pendingFrame is one queued outbound frame plus its stream extent, so the
// writer can account written bytes per channel.
type pendingFrame struct {
	f frame.Frame
}

// Channel is one logical sub-stream of a trunk. It behaves like a
// bidirectional byte pipe: Write blocks on flow-control credit, Read
// returns io.EOF after the peer's Close, and either direction can be shut
// down independently.
//
// All bookkeeping is guarded by the owning Mux's lock; leftover is the
// only field owned by the reader goroutine alone.
type Channel struct {
	m  *Mux
	id uint32

	openPayload []byte

	// guarded by m.mu
	sendQ        []pendingFrame
	credit       uint32
	ring         *replayRing
	bytesQueued  uint64 // data bytes accepted into sendQ
	bytesWritten uint64 // data bytes handed to the trunk
	bytesRecv    uint64
	unackedRecv  uint32
	localClosed  bool
	remoteClosed bool
	closeWritten bool
	recvClosed   bool
	failErr      error
	recvBuf      [][]byte
	recvBytes    uint32 // received but not yet consumed by the reader

	leftover []byte // reader-goroutine local
}

func newChannel(m *Mux, id uint32, openPayload []byte) *Channel {
	return &Channel{
		m:           m,
		id:          id,
		openPayload: openPayload,
		credit:      m.cfg.WindowBytes,
		ring:        newReplayRing(),
	}
}

// ID returns the channel id, unique within its session.
func (c *Channel) ID() uint32 { return c.id }

// OpenPayload returns the payload carried by the Open frame: for forward
// channels, the target address.
func (c *Channel) OpenPayload() []byte { return c.openPayload }

// Write queues p for transmission, blocking while the channel has no
// unspent flow-control credit or the mux is paused with a full queue.
func (c *Channel) Write(p []byte) (int, error) {
	m := c.m
	total := 0
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(p) > 0 {
		for !m.closed && c.failErr == nil && !c.localClosed && c.credit == 0 {
			m.cond.Wait()
		}
		if err := c.writeErrLocked(); err != nil {
			return total, err
		}
		n := min(len(p), int(c.credit), int(m.cfg.MaxChunkBytes))
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		c.credit -= uint32(n)
		c.bytesQueued += uint64(n)
		c.ring.Append(chunk)
		c.sendQ = append(c.sendQ, pendingFrame{f: frame.New(c.id, frame.TypeData, chunk)})
		m.markPendingLocked(c)
		p = p[n:]
		total += n
	}
	return total, nil
}

func (c *Channel) writeErrLocked() error {
	if c.failErr != nil {
		return c.failErr
	}
	if c.m.closed {
		return c.m.terminalErrLocked()
	}
	if c.localClosed {
		return io.ErrClosedPipe
	}
	return nil
}

// Read returns the next received bytes, io.EOF after the peer closed its
// send side, or the channel's failure cause.
func (c *Channel) Read(p []byte) (int, error) {
	if len(c.leftover) > 0 {
		n := copy(p, c.leftover)
		c.leftover = c.leftover[n:]
		c.consumed(n)
		return n, nil
	}
	m := c.m
	m.mu.Lock()
	for len(c.recvBuf) == 0 && !c.recvClosed {
		m.cond.Wait()
	}
	if len(c.recvBuf) == 0 {
		err := io.EOF
		if c.failErr != nil {
			err = c.failErr
		}
		m.mu.Unlock()
		return 0, err
	}
	b := c.recvBuf[0]
	c.recvBuf = c.recvBuf[1:]
	m.mu.Unlock()
	n := copy(p, b)
	c.leftover = b[n:]
	c.consumed(n)
	return n, nil
}

// consumed replenishes the peer's credit once a quarter window has been
// handed to the caller. Grants ride the priority queue so bulk data on
// other channels cannot delay them.
func (c *Channel) consumed(n int) {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	c.unackedRecv += uint32(n)
	if c.recvBytes >= uint32(n) {
		c.recvBytes -= uint32(n)
	} else {
		c.recvBytes = 0
	}
	if c.remoteClosed || c.failErr != nil || m.closed {
		return
	}
	if c.unackedRecv >= m.cfg.WindowBytes/4 {
		m.queueAckLocked(c.id, c.unackedRecv)
		c.unackedRecv = 0
	}
}

// CloseWrite signals end-of-stream to the peer; reads remain usable.
func (c *Channel) CloseWrite() error {
	m := c.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.localClosed || c.failErr != nil || m.closed {
		return nil
	}
	c.localClosed = true
	c.sendQ = append(c.sendQ, pendingFrame{f: frame.New(c.id, frame.TypeClose, nil)})
	m.markPendingLocked(c)
	return nil
}

// Close shuts down both directions and releases the channel once the peer
// has closed its side too.
func (c *Channel) Close() error {
	return c.CloseWrite()
}

func (c *Channel) stateLocked() string {
	switch {
	case c.failErr != nil, c.localClosed && c.remoteClosed:
		return StateClosed
	case c.localClosed || c.remoteClosed:
		return StateHalfClosed
	default:
		return StateOpen
	}
}

// Status is one channel's entry in a session snapshot.
type Status struct {
	ID        uint32 `json:"id"`
	State     string `json:"state"`
	BytesSent uint64 `json:"bytes_sent"`
	BytesRecv uint64 `json:"bytes_recv"`
}

func (c *Channel) statusLocked() Status {
	return Status{
		ID:        c.id,
		State:     c.stateLocked(),
		BytesSent: c.bytesQueued,
		BytesRecv: c.bytesRecv,
	}
}
