// Package daemon hosts the session registry and the per-session state
// machines: connect, heartbeat, reconnect with bounded backoff, and the
// forward data plane. The control endpoint exposes it over a unix socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"github.com/moorctl/moor/internal/config"
	"github.com/moorctl/moor/internal/protocol"
	"github.com/moorctl/moor/internal/protocol/control"
	"github.com/moorctl/moor/internal/protocol/frame"
	"github.com/moorctl/moor/internal/protocol/mux"
	"github.com/moorctl/moor/internal/transport"
)

// State is a session's lifecycle phase.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	// StateDegraded means the trunk is down and reconnection is in
	// progress; local listeners stay bound.
	StateDegraded State = "degraded"
	StateClosing  State = "closing"
	StateClosed   State = "closed"
)

var ErrSessionClosed = errors.New("daemon: session closed")

// Session drives one remote host: one trunk, one mux, its forwards.
type Session struct {
	cfg    config.SessionConfig
	id     string
	target transport.Target
	dialer transport.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	state       State
	m           *mux.Mux
	trunk       io.ReadWriteCloser
	resumeToken string
	resumable   bool
	lastErr     error
	attempt     int
	connectedAt time.Time

	forwards       []*forwardListener
	reverseTargets map[string]bool
	reverseState   map[string]string // spec id -> bound addr or error text
}

func newSession(cfg config.SessionConfig, dialer transport.Dialer) (*Session, error) {
	target, err := transport.ParseTarget(cfg.Target)
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:            cfg,
		id:             uuid.NewString(),
		target:         target,
		dialer:         dialer,
		done:           make(chan struct{}),
		state:          StateConnecting,
		reverseTargets: make(map[string]bool),
		reverseState:   make(map[string]string),
	}
	for _, spec := range cfg.Forwards {
		if spec.Reverse {
			s.reverseTargets[spec.TargetAddr] = true
		}
	}
	return s, nil
}

// start connects synchronously; a failed start leaves nothing running.
func (s *Session) start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	trunk, m, token, err := s.connect(ctx)
	if err != nil {
		s.cancel()
		s.setState(StateClosed, err)
		close(s.done)
		return err
	}
	if err := s.bindForwards(); err != nil {
		_ = trunk.Close()
		m.CloseWithError(err)
		s.cancel()
		s.setState(StateClosed, err)
		close(s.done)
		return err
	}
	s.attach(m, trunk, token)
	go s.run()
	return nil
}

// connect dials the trunk and runs the hello exchange, returning the
// attached mux.
func (s *Session) connect(ctx context.Context) (io.ReadWriteCloser, *mux.Mux, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.Tuning.ConnectTimeout)
	defer cancel()
	trunk, err := s.dialer.Connect(dialCtx, s.target, s.cfg.Auth)
	if err != nil {
		return nil, nil, "", err
	}

	caps := s.target.Kind.Capabilities()
	hello, err := control.EncodeHello(control.Hello{
		Version:   control.ProtocolVersion,
		SessionID: s.id,
		Capabilities: control.Capabilities{
			Resume:         caps.Resumable,
			ReverseForward: len(s.reverseTargets) > 0,
		},
	})
	if err != nil {
		_ = trunk.Close()
		return nil, nil, "", err
	}

	// The trunk has no read deadline; a watchdog bounds the handshake.
	watchdog := time.AfterFunc(s.cfg.Tuning.ConnectTimeout, func() { _ = trunk.Close() })
	ack, err := s.helloExchange(trunk, hello)
	watchdog.Stop()
	if err != nil {
		_ = trunk.Close()
		return nil, nil, "", err
	}

	resumable := caps.Resumable && ack.Capabilities.Resume && ack.ResumeToken != ""
	m := mux.New(mux.Config{
		WindowBytes:   s.cfg.Tuning.WindowBytes,
		MaxChunkBytes: s.cfg.Tuning.MaxChunkBytes,
		Resumable:     resumable,
	}, trunk, mux.SideInitiator)
	return trunk, m, ack.ResumeToken, nil
}

func (s *Session) helloExchange(trunk io.ReadWriteCloser, hello []byte) (control.HelloAck, error) {
	limits := frame.DefaultLimits()
	if err := control.WriteRaw(trunk, hello, limits); err != nil {
		return control.HelloAck{}, fmt.Errorf("%w: hello: %v", protocol.ErrNetwork, err)
	}
	env, err := control.ReadRaw(trunk, limits)
	if err != nil {
		return control.HelloAck{}, fmt.Errorf("%w: hello ack: %v", protocol.ErrNetwork, err)
	}
	if !env.IsHelloAck() {
		return control.HelloAck{}, fmt.Errorf("%w: expected hello ack, got %q", protocol.ErrProtocol, env.Type)
	}
	if !env.HelloAck.Accepted {
		return control.HelloAck{}, fmt.Errorf("%w: handshake rejected: %s", protocol.ErrProtocol, env.HelloAck.Message)
	}
	return *env.HelloAck, nil
}

// attach installs a fresh mux as the session's data plane.
func (s *Session) attach(m *mux.Mux, trunk io.ReadWriteCloser, token string) {
	s.mu.Lock()
	s.m = m
	s.trunk = trunk
	s.resumeToken = token
	s.resumable = token != ""
	s.state = StateActive
	s.lastErr = nil
	s.attempt = 0
	s.connectedAt = time.Now()
	s.mu.Unlock()

	go s.acceptReverse(m)
	s.sendReverseOpens(m)
	log.Info().Str("session", s.cfg.Name).Str("target", s.target.String()).Bool("resumable", token != "").Msg("session active")
}

func (s *Session) setState(state State, err error) {
	s.mu.Lock()
	s.state = state
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

// run owns the session after a successful start: heartbeats, control
// envelopes, and the reconnect policy.
func (s *Session) run() {
	defer close(s.done)
	defer s.closeForwards()

	hb := time.NewTicker(s.cfg.Tuning.HeartbeatInterval)
	defer hb.Stop()
	var seq uint64
	misses := 0

	for {
		s.mu.Lock()
		m := s.m
		s.mu.Unlock()

		select {
		case <-s.ctx.Done():
			s.shutdown(m)
			return

		case <-hb.C:
			misses++
			if misses > s.cfg.Tuning.HeartbeatMisses {
				log.Warn().Str("session", s.cfg.Name).Int("misses", misses-1).Msg("heartbeats unanswered, dropping trunk")
				s.mu.Lock()
				trunk := s.trunk
				s.mu.Unlock()
				_ = trunk.Close()
				misses = 0
				continue
			}
			seq++
			probe, _ := control.EncodeHeartbeat(control.Heartbeat{Seq: seq, TimestampMS: uint64(time.Now().UnixMilli())})
			_ = m.SendControl(probe)

		case payload, ok := <-m.ControlRecv():
			if !ok {
				<-m.Done()
				if !s.afterTerminal(m) {
					return
				}
				misses = 0
				hb.Reset(s.cfg.Tuning.HeartbeatInterval)
				continue
			}
			if s.handleControl(payload) {
				misses = 0
			}

		case err := <-m.Notify():
			// Trunk lost but the mux is resumable; channels are paused.
			s.setState(StateDegraded, err)
			log.Warn().Str("session", s.cfg.Name).Err(err).Msg("trunk lost, resuming")
			if !s.reconnect(m, true) {
				return
			}
			misses = 0
			hb.Reset(s.cfg.Tuning.HeartbeatInterval)

		case <-m.Done():
			if !s.afterTerminal(m) {
				return
			}
			misses = 0
			hb.Reset(s.cfg.Tuning.HeartbeatInterval)
		}
	}
}

// afterTerminal handles a mux that has fully shut down. It reports
// whether the session rebuilt itself on a fresh trunk.
func (s *Session) afterTerminal(m *mux.Mux) bool {
	err := m.Err()
	if err == nil || s.ctx.Err() != nil {
		s.setState(StateClosed, err)
		return false
	}
	// Terminal mux: every channel is gone, but the session can
	// rebuild on a fresh trunk. Listeners stay bound throughout.
	s.setState(StateDegraded, err)
	log.Warn().Str("session", s.cfg.Name).Err(err).Msg("trunk lost, reconnecting")
	return s.reconnect(m, false)
}

// handleControl reports whether the envelope proves the peer alive.
func (s *Session) handleControl(payload []byte) bool {
	env, err := control.Decode(payload)
	if err != nil {
		log.Warn().Str("session", s.cfg.Name).Err(err).Msg("bad control envelope")
		return false
	}
	switch {
	case env.IsHeartbeatAck():
		return true
	case env.IsReverseAck():
		ack := env.ReverseAck
		s.mu.Lock()
		if ack.OK {
			s.reverseState[ack.SpecID] = ack.BoundAddr
		} else {
			s.reverseState[ack.SpecID] = "error: " + ack.Message
		}
		s.mu.Unlock()
		if !ack.OK {
			log.Warn().Str("session", s.cfg.Name).Str("spec", ack.SpecID).Str("reason", ack.Message).Msg("reverse bind failed")
		}
		return true
	default:
		return false
	}
}

// reconnectBackoff builds the per-attempt delay schedule. Jitter stays
// off so successive delays strictly increase until they cap at
// ReconnectMax, which keeps retry storms predictable across a fleet of
// sessions sharing one daemon.
func reconnectBackoff(t config.Tuning) *backoff.Backoff {
	return &backoff.Backoff{
		Min:    t.ReconnectMin,
		Max:    t.ReconnectMax,
		Factor: 2,
	}
}

// reconnect re-establishes the trunk with bounded exponential backoff.
// When resume is true the paused mux is re-attached and surviving
// channels replayed; otherwise the old mux is already terminal and a
// fresh session is negotiated on the new trunk. Returns false when the
// session is finished.
func (s *Session) reconnect(m *mux.Mux, resume bool) bool {
	bo := reconnectBackoff(s.cfg.Tuning)

	for attempt := 1; attempt <= s.cfg.Tuning.ReconnectAttempts; attempt++ {
		delay := bo.Duration()
		select {
		case <-s.ctx.Done():
			s.shutdown(m)
			return false
		case <-time.After(delay):
		}

		s.mu.Lock()
		s.attempt = attempt
		s.mu.Unlock()
		log.Info().Str("session", s.cfg.Name).Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		var err error
		if resume {
			err = s.tryResume(m)
			if errors.Is(err, control.ErrInvalidResume) {
				// The companion no longer holds the session; the paused
				// channels cannot survive. Fall back to a fresh trunk.
				m.CloseWithError(fmt.Errorf("%w: resume denied", protocol.ErrTransportLost))
				resume = false
				err = s.tryFresh()
			}
		} else {
			err = s.tryFresh()
		}
		if err == nil {
			return true
		}
		if errors.Is(err, protocol.ErrAuth) || errors.Is(err, protocol.ErrHostKey) {
			m.CloseWithError(err)
			s.setState(StateClosed, err)
			log.Error().Str("session", s.cfg.Name).Err(err).Msg("reconnect refused, giving up")
			return false
		}
		s.setState(StateDegraded, err)
	}

	err := fmt.Errorf("%w: reconnect attempts exhausted", protocol.ErrTransportLost)
	m.CloseWithError(err)
	s.setState(StateClosed, err)
	log.Error().Str("session", s.cfg.Name).Int("attempts", s.cfg.Tuning.ReconnectAttempts).Msg("reconnect attempts exhausted")
	return false
}

// tryResume dials a fresh trunk and re-attaches the paused mux to it.
func (s *Session) tryResume(m *mux.Mux) error {
	dialCtx, cancel := context.WithTimeout(s.ctx, s.cfg.Tuning.ConnectTimeout)
	defer cancel()
	trunk, err := s.dialer.Connect(dialCtx, s.target, s.cfg.Auth)
	if err != nil {
		return err
	}

	limits := frame.DefaultLimits()
	req, err := control.EncodeResume(control.Resume{ResumeToken: s.resumeToken, Channels: m.Cursors()})
	if err != nil {
		_ = trunk.Close()
		return err
	}
	watchdog := time.AfterFunc(s.cfg.Tuning.ConnectTimeout, func() { _ = trunk.Close() })
	defer watchdog.Stop()
	if err := control.WriteRaw(trunk, req, limits); err != nil {
		_ = trunk.Close()
		return fmt.Errorf("%w: resume: %v", protocol.ErrNetwork, err)
	}
	env, err := control.ReadRaw(trunk, limits)
	if err != nil {
		_ = trunk.Close()
		return fmt.Errorf("%w: resume ack: %v", protocol.ErrNetwork, err)
	}
	if !env.IsResumeAck() {
		_ = trunk.Close()
		return fmt.Errorf("%w: expected resume ack, got %q", protocol.ErrProtocol, env.Type)
	}
	if !env.ResumeAck.Accepted {
		_ = trunk.Close()
		return fmt.Errorf("%w: %s", control.ErrInvalidResume, env.ResumeAck.Message)
	}
	if err := m.ResumeWith(trunk, env.ResumeAck.Channels); err != nil {
		_ = trunk.Close()
		return err
	}

	s.mu.Lock()
	s.trunk = trunk
	s.state = StateActive
	s.lastErr = nil
	s.attempt = 0
	s.mu.Unlock()
	log.Info().Str("session", s.cfg.Name).Msg("session resumed")
	return nil
}

// tryFresh negotiates a brand new trunk and mux.
func (s *Session) tryFresh() error {
	trunk, m, token, err := s.connect(s.ctx)
	if err != nil {
		return err
	}
	s.attach(m, trunk, token)
	return nil
}

// shutdown closes the session gracefully on operator request.
func (s *Session) shutdown(m *mux.Mux) {
	s.setState(StateClosing, nil)
	closed := make(chan struct{})
	go func() {
		_ = m.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		m.CloseWithError(nil)
	}
	s.setState(StateClosed, nil)
	log.Info().Str("session", s.cfg.Name).Msg("session closed")
}

// stop requests shutdown and waits for the run loop to finish.
func (s *Session) stop() {
	s.cancel()
	<-s.done
}

// SessionStatus is one session's externally visible state.
type SessionStatus struct {
	Name        string            `json:"name"`
	ID          string            `json:"id"`
	State       State             `json:"state"`
	Target      string            `json:"target"`
	Resumable   bool              `json:"resumable"`
	Attempt     int               `json:"attempt,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	ErrorCode   string            `json:"error_code,omitempty"`
	ConnectedAt time.Time         `json:"connected_at,omitzero"`
	Forwards    []ForwardStatus   `json:"forwards,omitempty"`
	Reverse     map[string]string `json:"reverse,omitempty"`
	Channels    []mux.Status      `json:"channels,omitempty"`
}

func (s *Session) status() SessionStatus {
	s.mu.Lock()
	st := SessionStatus{
		Name:        s.cfg.Name,
		ID:          s.id,
		State:       s.state,
		Target:      s.cfg.Target,
		Resumable:   s.resumable,
		Attempt:     s.attempt,
		ConnectedAt: s.connectedAt,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
		st.ErrorCode = protocol.CodeFor(s.lastErr)
	}
	for _, f := range s.forwards {
		st.Forwards = append(st.Forwards, f.status())
	}
	if len(s.reverseState) > 0 {
		st.Reverse = make(map[string]string, len(s.reverseState))
		for id, v := range s.reverseState {
			st.Reverse[id] = v
		}
	}
	m := s.m
	state := s.state
	s.mu.Unlock()

	if m != nil && (state == StateActive || state == StateDegraded) {
		st.Channels = m.ChannelStatuses()
	}
	return st
}
