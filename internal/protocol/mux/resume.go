package mux

import (
	"fmt"
	"io"

	"github.com/moorctl/moor/internal/protocol"
	"github.com/moorctl/moor/internal/protocol/control"
	"github.com/moorctl/moor/internal/protocol/frame"
)

// ResumeWith attaches a paused mux to a fresh trunk. peerCursors is the
// peer's per-channel received-byte report from the resume handshake; for
// every surviving channel the unacknowledged tail between the peer's
// cursor and our written count is replayed from the ring, so the peer
// observes an unbroken byte stream. Channels whose tail has been trimmed
// past the cursor, or that the peer no longer holds, end with
// TransportLost rather than risk a corrupted splice.
func (m *Mux) ResumeWith(trunk io.ReadWriteCloser, peerCursors []control.ChannelCursor) error {
	peer := make(map[uint32]uint64, len(peerCursors))
	for _, cur := range peerCursors {
		peer[cur.ChannelID] = cur.Received
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.terminalErrLocked()
	}
	if !m.paused {
		return ErrMuxNotPaused
	}

	for _, c := range m.channels {
		if c.failErr != nil {
			continue
		}
		received, known := peer[c.id]
		if !known {
			m.resumeUnknownLocked(c)
			continue
		}
		if received > c.bytesWritten {
			m.failChannelLocked(c, fmt.Errorf("%w: peer cursor beyond written bytes on channel %d", protocol.ErrProtocol, c.id), false)
			continue
		}
		tail, ok := c.ring.From(received)
		if !ok {
			m.failChannelLocked(c, fmt.Errorf("%w: replay window expired on channel %d", protocol.ErrTransportLost, c.id), false)
			continue
		}
		// The ring extends to bytesQueued; frames above bytesWritten are
		// still in sendQ and must not be duplicated.
		if replay := c.bytesWritten - received; uint64(len(tail)) > replay {
			tail = tail[:replay]
		}
		m.requeueLocked(c, nil, tail)
	}

	m.trunk = trunk
	m.gen++
	m.paused = false
	m.pauseErr = nil
	go m.readLoop(trunk, m.gen)
	m.cond.Broadcast()
	return nil
}

// resumeUnknownLocked handles a channel the peer does not hold. If the
// whole stream is still in the ring the Open itself was lost and the
// channel restarts from byte zero; anything else cannot be reconstructed.
func (m *Mux) resumeUnknownLocked(c *Channel) {
	if !m.isLocalID(c.id) || c.ring.Start() != 0 || c.bytesRecv != 0 {
		m.failChannelLocked(c, fmt.Errorf("%w: channel %d not held by peer", protocol.ErrTransportLost, c.id), false)
		return
	}
	tail, _ := c.ring.From(0)
	if replay := c.bytesWritten; uint64(len(tail)) > replay {
		tail = tail[:replay]
	}
	open := frame.New(c.id, frame.TypeOpen, c.openPayload)
	m.requeueLocked(c, &open, tail)
}

// requeueLocked prepends an optional Open plus the replay tail (chunked as
// Data frames) ahead of whatever is still queued, then re-appends a Close
// for a half-closed channel whose Close frame may have died with the old
// trunk.
func (m *Mux) requeueLocked(c *Channel, open *frame.Frame, tail []byte) {
	var replay []pendingFrame
	if open != nil {
		replay = append(replay, pendingFrame{f: *open})
	}
	for len(tail) > 0 {
		n := min(len(tail), int(m.cfg.MaxChunkBytes))
		replay = append(replay, pendingFrame{f: frame.New(c.id, frame.TypeData, tail[:n])})
		tail = tail[n:]
	}
	if len(replay) > 0 {
		c.sendQ = append(replay, c.sendQ...)
		// The replayed bytes return to flight; they are recounted as the
		// writer drains them.
		c.bytesWritten -= replayedDataBytes(replay)
	}
	if c.localClosed && c.closeWritten && !hasClose(c.sendQ) {
		c.sendQ = append(c.sendQ, pendingFrame{f: frame.New(c.id, frame.TypeClose, nil)})
	}
	// Outstanding unconsumed bytes never exceed the window; whatever is
	// left of it is the credit we still hold.
	outstanding := uint32(c.ring.Len())
	if outstanding > m.cfg.WindowBytes {
		outstanding = m.cfg.WindowBytes
	}
	c.credit = m.cfg.WindowBytes - outstanding
	m.markPendingLocked(c)
}

func replayedDataBytes(frames []pendingFrame) uint64 {
	var n uint64
	for _, p := range frames {
		if p.f.Header.Type == frame.TypeData {
			n += uint64(len(p.f.Payload))
		}
	}
	return n
}

func hasClose(q []pendingFrame) bool {
	for _, p := range q {
		if p.f.Header.Type == frame.TypeClose {
			return true
		}
	}
	return false
}
