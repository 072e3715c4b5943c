// Package mux turns one trunk byte stream into many independently ordered
// channels. Outbound frames are interleaved round-robin across channels
// with pending data; channel 0 control traffic and credit grants ride a
// priority queue so they are never stuck behind bulk data. A credit window
// per channel bounds in-flight data, and the same window bounds the replay
// ring used to resume a paused mux onto a fresh trunk without losing or
// corrupting channel bytes.
package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/moorctl/moor/internal/protocol"
	"github.com/moorctl/moor/internal/protocol/control"
	"github.com/moorctl/moor/internal/protocol/frame"
)

// Side selects the channel-id parity class, so the two trunk ends never
// allocate the same id.
type Side int

const (
	// SideInitiator is the daemon end; it allocates odd channel ids.
	SideInitiator Side = iota
	// SideAcceptor is the companion end; it allocates even channel ids.
	SideAcceptor
)

const maxChannelID = 1 << 31

var (
	ErrMuxClosed     = errors.New("mux: closed")
	ErrMuxNotPaused  = errors.New("mux: not paused")
	ErrAcceptBacklog = errors.New("mux: accept backlog full")
)

// Config tunes the multiplexer.
type Config struct {
	Limits frame.Limits
	// WindowBytes is the per-channel credit window; it also bounds the
	// replay ring and the receive queue.
	WindowBytes uint32
	// MaxChunkBytes caps one Data frame's payload.
	MaxChunkBytes uint32
	// Resumable keeps the mux alive (paused) on trunk failure so a fresh
	// trunk can be attached; otherwise trunk failure is terminal.
	Resumable bool
}

func DefaultConfig() Config {
	return Config{
		Limits:        frame.DefaultLimits(),
		WindowBytes:   256 * 1024,
		MaxChunkBytes: 16 * 1024,
	}
}

func (c Config) withDefaults() Config {
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = frame.DefaultLimits()
	}
	if c.WindowBytes == 0 {
		c.WindowBytes = 256 * 1024
	}
	if c.MaxChunkBytes == 0 {
		c.MaxChunkBytes = 16 * 1024
	}
	if c.MaxChunkBytes > c.Limits.MaxPayloadBytes {
		c.MaxChunkBytes = c.Limits.MaxPayloadBytes
	}
	return c
}

// Mux multiplexes one trunk. One Mux is owned by exactly one session and
// never shared across sessions.
type Mux struct {
	cfg  Config
	side Side

	mu   sync.Mutex
	cond *sync.Cond

	trunk    io.ReadWriteCloser
	gen      uint64
	channels map[uint32]*Channel
	alloc    *idAllocator
	rr       []uint32 // channel ids with pending sendable frames, in turn order
	rrSet    map[uint32]bool
	priority []frame.Frame // control-channel data and credit grants

	paused   bool
	pauseErr error
	draining bool
	closed   bool
	closeErr error

	acceptQ     chan *Channel
	controlRecv chan []byte
	notify      chan error
	done        chan struct{}
}

// New wraps trunk and starts the read and write loops.
func New(cfg Config, trunk io.ReadWriteCloser, side Side) *Mux {
	cfg = cfg.withDefaults()
	start := uint32(1)
	if side == SideAcceptor {
		start = 2
	}
	m := &Mux{
		cfg:         cfg,
		side:        side,
		trunk:       trunk,
		channels:    make(map[uint32]*Channel),
		alloc:       newIDAllocator(start, 2, maxChannelID),
		rrSet:       make(map[uint32]bool),
		acceptQ:     make(chan *Channel, 32),
		controlRecv: make(chan []byte, 64),
		notify:      make(chan error, 1),
		done:        make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	go m.readLoop(trunk, 0)
	go m.writeLoop()
	return m
}

// OpenChannel allocates a channel id and queues an Open frame carrying
// payload (for forward channels, the target address).
func (m *Mux) OpenChannel(payload []byte) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, m.terminalErrLocked()
	}
	id, err := m.alloc.Acquire()
	if err != nil {
		return nil, err
	}
	c := newChannel(m, id, payload)
	m.channels[id] = c
	c.sendQ = append(c.sendQ, pendingFrame{f: frame.New(id, frame.TypeOpen, payload)})
	m.markPendingLocked(c)
	return c, nil
}

// Accept blocks for the next peer-originated channel. After the mux
// terminates it always returns a non-nil error, ErrMuxClosed on a
// graceful close.
func (m *Mux) Accept() (*Channel, error) {
	select {
	case c, ok := <-m.acceptQ:
		if !ok {
			return nil, m.acceptErr()
		}
		return c, nil
	case <-m.done:
		return nil, m.acceptErr()
	}
}

func (m *Mux) acceptErr() error {
	if err := m.Err(); err != nil {
		return err
	}
	return ErrMuxClosed
}

// SendControl queues one channel-0 envelope on the priority queue.
func (m *Mux) SendControl(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.terminalErrLocked()
	}
	m.priority = append(m.priority, frame.New(frame.ControlChannelID, frame.TypeData, payload))
	m.cond.Broadcast()
	return nil
}

// ControlRecv delivers incoming channel-0 envelopes. The channel is closed
// when the mux reaches its terminal state.
func (m *Mux) ControlRecv() <-chan []byte {
	return m.controlRecv
}

// Notify delivers the trunk failure that paused a resumable mux.
func (m *Mux) Notify() <-chan error {
	return m.notify
}

// Done is closed when the mux reaches its terminal state.
func (m *Mux) Done() <-chan struct{} {
	return m.done
}

// Err returns the terminal cause, or nil after a graceful close.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		return nil
	}
	return m.closeErr
}

func (m *Mux) terminalErrLocked() error {
	if m.closeErr != nil {
		return m.closeErr
	}
	return ErrMuxClosed
}

// ChannelStatuses snapshots every live channel for Status queries.
func (m *Mux) ChannelStatuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c.statusLocked())
	}
	return out
}

// Cursors reports per-channel received-byte counts for a resume handshake.
func (m *Mux) Cursors() []control.ChannelCursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]control.ChannelCursor, 0, len(m.channels))
	for id, c := range m.channels {
		if c.failErr != nil {
			continue
		}
		out = append(out, control.ChannelCursor{ChannelID: id, Received: c.bytesRecv})
	}
	return out
}

// scheduler

func (m *Mux) markPendingLocked(c *Channel) {
	if len(c.sendQ) > 0 && !m.rrSet[c.id] {
		m.rrSet[c.id] = true
		m.rr = append(m.rr, c.id)
	}
	m.cond.Broadcast()
}

func (m *Mux) queueAckLocked(id uint32, grant uint32) {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], grant)
	m.priority = append(m.priority, frame.New(id, frame.TypeAck, payload[:]))
	m.cond.Broadcast()
}

func (m *Mux) hasPendingLocked() bool {
	return len(m.priority) > 0 || len(m.rr) > 0
}

// nextFrameLocked pops the next frame: priority queue first, then one frame
// from the channel at the head of the round-robin turn order.
func (m *Mux) nextFrameLocked() (frame.Frame, *Channel) {
	if len(m.priority) > 0 {
		f := m.priority[0]
		m.priority = m.priority[1:]
		return f, nil
	}
	for len(m.rr) > 0 {
		id := m.rr[0]
		m.rr = m.rr[1:]
		delete(m.rrSet, id)
		c := m.channels[id]
		if c == nil || len(c.sendQ) == 0 {
			continue
		}
		f := c.sendQ[0].f
		c.sendQ = c.sendQ[1:]
		if len(c.sendQ) > 0 {
			m.rrSet[id] = true
			m.rr = append(m.rr, id)
		}
		return f, c
	}
	return frame.Frame{}, nil
}

func (m *Mux) writeLoop() {
	for {
		m.mu.Lock()
		for !m.closed && (m.paused || !m.hasPendingLocked()) {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		f, c := m.nextFrameLocked()
		if f.Header.Type == 0 {
			m.mu.Unlock()
			continue
		}
		trunk := m.trunk
		gen := m.gen
		m.mu.Unlock()

		err := frame.Write(trunk, f, m.cfg.Limits)

		m.mu.Lock()
		if err != nil {
			// The frame never reached the peer; put it back so a resumed
			// trunk carries it in order.
			if c != nil {
				c.sendQ = append([]pendingFrame{{f: f}}, c.sendQ...)
				m.markPendingLocked(c)
			} else {
				m.priority = append([]frame.Frame{f}, m.priority...)
			}
			m.mu.Unlock()
			m.trunkFailed(trunk, gen, err)
			continue
		}
		if c != nil {
			switch f.Header.Type {
			case frame.TypeData:
				c.bytesWritten += uint64(len(f.Payload))
			case frame.TypeClose:
				c.closeWritten = true
				m.finalizeIfDoneLocked(c)
			}
		}
		flushed := m.draining && !m.hasPendingLocked()
		m.mu.Unlock()
		if flushed {
			m.CloseWithError(nil)
			return
		}
	}
}

func (m *Mux) readLoop(trunk io.ReadWriteCloser, gen uint64) {
	for {
		f, err := frame.Read(trunk, m.cfg.Limits)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: trunk closed by peer", protocol.ErrTransportLost)
			}
			m.trunkFailed(trunk, gen, err)
			return
		}
		if err := m.dispatch(f); err != nil {
			m.CloseWithError(err)
			return
		}
	}
}

// trunkFailed pauses a resumable mux or closes a non-resumable one. Stale
// generations (loops bound to an already-replaced trunk) are ignored.
func (m *Mux) trunkFailed(trunk io.ReadWriteCloser, gen uint64, cause error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.draining {
		m.mu.Unlock()
		m.CloseWithError(nil)
		return
	}
	if !m.cfg.Resumable {
		m.mu.Unlock()
		m.CloseWithError(fmt.Errorf("%w: %v", protocol.ErrTransportLost, cause))
		return
	}
	if m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = true
	m.pauseErr = cause
	_ = trunk.Close()
	m.cond.Broadcast()
	m.mu.Unlock()

	select {
	case m.notify <- cause:
	default:
	}
}

// dispatch routes one inbound frame. A non-nil return is a control-channel
// protocol violation and closes the whole session.
func (m *Mux) dispatch(f frame.Frame) error {
	if f.Header.ChannelID == frame.ControlChannelID {
		return m.dispatchControl(f)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.channels[f.Header.ChannelID]

	switch f.Header.Type {
	case frame.TypeOpen:
		return m.acceptOpenLocked(f)
	case frame.TypeData:
		if c == nil || c.remoteClosed || c.failErr != nil {
			// Late frame for a channel already gone on this side.
			return nil
		}
		if len(f.Payload) == 0 {
			return nil
		}
		if c.recvBytes+uint32(len(f.Payload)) > m.cfg.WindowBytes {
			// The peer overran its credit window.
			m.failChannelLocked(c, fmt.Errorf("%w: flow control overrun on channel %d", protocol.ErrProtocol, c.id), true)
			return nil
		}
		c.recvBuf = append(c.recvBuf, f.Payload)
		c.recvBytes += uint32(len(f.Payload))
		c.bytesRecv += uint64(len(f.Payload))
		m.cond.Broadcast()
	case frame.TypeAck:
		if c == nil || len(f.Payload) != 4 {
			return nil
		}
		grant := binary.BigEndian.Uint32(f.Payload)
		c.credit += grant
		c.ring.TrimTo(c.ring.Start() + uint64(grant))
		m.cond.Broadcast()
	case frame.TypeClose:
		if c == nil || c.remoteClosed {
			return nil
		}
		c.remoteClosed = true
		m.closeRecvLocked(c)
		m.finalizeIfDoneLocked(c)
	case frame.TypeError:
		if c == nil {
			return nil
		}
		m.failChannelLocked(c, protocol.ErrFor(string(f.Payload)), false)
	}
	return nil
}

func (m *Mux) dispatchControl(f frame.Frame) error {
	switch f.Header.Type {
	case frame.TypeData:
		select {
		case m.controlRecv <- f.Payload:
		default:
			// The session consumes control envelopes promptly; a full
			// queue means it is wedged, and a dropped heartbeat is
			// recoverable.
		}
		return nil
	case frame.TypeClose:
		m.CloseWithError(nil)
		return nil
	default:
		return fmt.Errorf("%w: %s frame on control channel", protocol.ErrProtocol, frame.TypeName(f.Header.Type))
	}
}

func (m *Mux) acceptOpenLocked(f frame.Frame) error {
	id := f.Header.ChannelID
	if m.isLocalID(id) {
		return fmt.Errorf("%w: peer opened channel %d in local id space", protocol.ErrProtocol, id)
	}
	if _, exists := m.channels[id]; exists {
		// Duplicate Open after a resume replay.
		return nil
	}
	if len(m.acceptQ) == cap(m.acceptQ) {
		m.priority = append(m.priority, frame.New(id, frame.TypeError, []byte(protocol.CodeResourceExhausted)))
		m.cond.Broadcast()
		return nil
	}
	c := newChannel(m, id, f.Payload)
	m.channels[id] = c
	m.acceptQ <- c
	return nil
}

func (m *Mux) isLocalID(id uint32) bool {
	if m.side == SideInitiator {
		return id%2 == 1
	}
	return id%2 == 0
}

func (m *Mux) closeRecvLocked(c *Channel) {
	if !c.recvClosed {
		c.recvClosed = true
		m.cond.Broadcast()
	}
}

// finalizeIfDoneLocked retires a channel once both directions are closed
// and our Close frame has actually gone out on the trunk. Only cleanly
// closed local ids return to the free list; failed channels retire their
// id for the life of the session so it cannot collide with frames still
// in flight.
func (m *Mux) finalizeIfDoneLocked(c *Channel) {
	if !(c.localClosed && c.remoteClosed && c.closeWritten) {
		return
	}
	if m.channels[c.id] != c {
		return
	}
	delete(m.channels, c.id)
	if m.isLocalID(c.id) && c.failErr == nil {
		m.alloc.Release(c.id)
	}
	m.cond.Broadcast()
}

// failChannelLocked ends one channel with err, optionally telling the peer.
func (m *Mux) failChannelLocked(c *Channel, err error, tellPeer bool) {
	if c.failErr != nil {
		return
	}
	c.failErr = err
	c.sendQ = nil
	m.closeRecvLocked(c)
	delete(m.channels, c.id)
	if tellPeer && !m.closed {
		m.priority = append(m.priority, frame.New(c.id, frame.TypeError, []byte(protocol.CodeFor(err))))
	}
	m.cond.Broadcast()
}

// FailChannel ends one channel with err and notifies the peer; the rest of
// the session stays healthy.
func (m *Mux) FailChannel(c *Channel, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failChannelLocked(c, err, true)
}

// CloseWithError moves the mux to its terminal state. Every open channel
// observes err (nil for a graceful close, which reads as io.EOF).
func (m *Mux) CloseWithError(err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.closeErr = err
	for id, c := range m.channels {
		if c.failErr == nil {
			c.failErr = err
		}
		m.closeRecvLocked(c)
		delete(m.channels, id)
	}
	close(m.acceptQ)
	close(m.controlRecv)
	close(m.done)
	trunk := m.trunk
	m.cond.Broadcast()
	m.mu.Unlock()

	if trunk != nil {
		_ = trunk.Close()
	}
}

// Close gracefully closes the mux. A control Close frame is queued behind
// whatever is already pending and the mux reaches its terminal state once
// the writer has flushed it, so the peer observes an orderly shutdown.
// A paused mux has no trunk to flush to and closes immediately.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if m.paused {
		m.mu.Unlock()
		m.CloseWithError(nil)
		return nil
	}
	if !m.draining {
		m.draining = true
		m.priority = append(m.priority, frame.New(frame.ControlChannelID, frame.TypeClose, nil))
		m.cond.Broadcast()
	}
	m.mu.Unlock()
	<-m.done
	return nil
}
