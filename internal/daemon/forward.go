package daemon

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/moorctl/moor/internal/config"
	"github.com/moorctl/moor/internal/protocol"
	"github.com/moorctl/moor/internal/protocol/control"
	"github.com/moorctl/moor/internal/protocol/mux"
)

// forwardListener accepts local connections for one forward rule and
// carries each one over a channel to the remote target.
type forwardListener struct {
	spec config.ForwardSpec
	ln   net.Listener
	sess *Session
}

// ForwardStatus is one forward rule's entry in a session status.
type ForwardStatus struct {
	Spec      string `json:"spec"`
	BoundAddr string `json:"bound_addr"`
}

func (f *forwardListener) status() ForwardStatus {
	return ForwardStatus{Spec: f.spec.Raw, BoundAddr: f.ln.Addr().String()}
}

// bindForwards binds every local forward listener up front; any bind
// failure aborts the whole session start.
func (s *Session) bindForwards() error {
	for _, spec := range s.cfg.Forwards {
		if spec.Reverse {
			continue
		}
		ln, err := net.Listen("tcp", spec.ListenAddr)
		if err != nil {
			s.closeForwards()
			return fmt.Errorf("%w: bind %s: %v", protocol.ErrNetwork, spec.ListenAddr, err)
		}
		f := &forwardListener{spec: spec, ln: ln, sess: s}
		s.mu.Lock()
		s.forwards = append(s.forwards, f)
		s.mu.Unlock()
		go f.acceptLoop()
		log.Info().Str("session", s.cfg.Name).Str("listen", ln.Addr().String()).Str("target", spec.TargetAddr).Msg("forward listening")
	}
	return nil
}

func (s *Session) closeForwards() {
	s.mu.Lock()
	forwards := s.forwards
	s.forwards = nil
	s.mu.Unlock()
	for _, f := range forwards {
		_ = f.ln.Close()
	}
}

func (f *forwardListener) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serve(conn)
	}
}

func (f *forwardListener) serve(conn net.Conn) {
	ch, err := f.sess.openForward(f.spec.TargetAddr)
	if err != nil {
		log.Debug().Str("session", f.sess.cfg.Name).Str("target", f.spec.TargetAddr).Err(err).Msg("forward rejected")
		_ = conn.Close()
		return
	}
	pump(ch, conn)
}

// openForward opens a channel to target on the session's current mux.
// During a degraded resumable outage the open is queued and flows once
// the trunk is back.
func (s *Session) openForward(target string) (*mux.Channel, error) {
	s.mu.Lock()
	m := s.m
	state := s.state
	s.mu.Unlock()
	if m == nil || state == StateClosing || state == StateClosed {
		return nil, ErrSessionClosed
	}
	return m.OpenChannel([]byte(target))
}

// sendReverseOpens asks the companion to bind every reverse rule.
func (s *Session) sendReverseOpens(m *mux.Mux) {
	for _, spec := range s.cfg.Forwards {
		if !spec.Reverse {
			continue
		}
		open, err := control.EncodeReverseOpen(control.ReverseOpen{
			SpecID:     spec.Raw,
			BindAddr:   spec.ListenAddr,
			TargetAddr: spec.TargetAddr,
		})
		if err == nil {
			err = m.SendControl(open)
		}
		if err != nil {
			log.Warn().Str("session", s.cfg.Name).Str("spec", spec.Raw).Err(err).Msg("reverse open not sent")
		}
	}
}

// acceptReverse serves companion-originated channels. Only targets named
// by a configured reverse rule are dialed; anything else is a protocol
// violation on that channel.
func (s *Session) acceptReverse(m *mux.Mux) {
	for {
		c, err := m.Accept()
		if err != nil {
			return
		}
		target := string(c.OpenPayload())
		s.mu.Lock()
		allowed := s.reverseTargets[target]
		s.mu.Unlock()
		if !allowed {
			m.FailChannel(c, fmt.Errorf("%w: unsolicited reverse target %q", protocol.ErrProtocol, target))
			continue
		}
		go func() {
			conn, err := net.DialTimeout("tcp", target, s.cfg.Tuning.ConnectTimeout)
			if err != nil {
				m.FailChannel(c, fmt.Errorf("%w: %s: %v", protocol.ErrForwardUnreachable, target, err))
				return
			}
			pump(c, conn)
		}()
	}
}

// pump splices a channel and a connection, propagating end-of-stream in
// each direction so both sides drain before teardown.
func pump(c *mux.Channel, conn net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(conn, c)
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(c, conn)
		_ = c.CloseWrite()
	}()
	wg.Wait()
	_ = conn.Close()
	_ = c.Close()
}
