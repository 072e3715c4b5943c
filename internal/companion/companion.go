// Package companion is the remote end of the trunk protocol. The daemon
// launches it on the target host (or connects to a standing listener) and
// speaks the framing protocol to it over the trunk; the companion accepts
// forward channels and dials their targets, answers heartbeats, and binds
// reverse-forward listeners on request.
package companion

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/moorctl/moor/internal/protocol"
	"github.com/moorctl/moor/internal/protocol/control"
	"github.com/moorctl/moor/internal/protocol/frame"
	"github.com/moorctl/moor/internal/protocol/mux"
)

// Config tunes one companion engine.
type Config struct {
	Limits        frame.Limits
	WindowBytes   uint32
	MaxChunkBytes uint32
	// DialTimeout bounds each forward-target dial.
	DialTimeout time.Duration
	// Resumable holds the session alive across trunk drops. Only listen
	// mode sets it; in stdio mode the companion dies with the trunk.
	Resumable bool
	// HandshakeTimeout bounds the hello exchange on a fresh trunk.
	HandshakeTimeout time.Duration
	// ShutdownGrace bounds the graceful drain after ctx cancellation
	// before the trunk is torn down hard.
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = frame.DefaultLimits()
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	return c
}

// Engine serves trunks. One engine may serve many trunks concurrently; all
// per-session state lives on the session.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

// Serve handles one trunk end to end: the hello exchange, then multiplexed
// service until the session reaches its terminal state or ctx is
// cancelled. It returns the session's terminal cause, nil for a graceful
// close.
func (e *Engine) Serve(ctx context.Context, trunk io.ReadWriteCloser) error {
	s, err := e.handshake(trunk)
	if err != nil {
		_ = trunk.Close()
		return err
	}
	return s.run(ctx)
}

// handshake runs the raw hello exchange and attaches the multiplexer.
func (e *Engine) handshake(trunk io.ReadWriteCloser) (*session, error) {
	env, err := control.ReadRaw(trunk, e.cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("%w: hello: %v", protocol.ErrProtocol, err)
	}
	if !env.IsHello() {
		return nil, fmt.Errorf("%w: expected hello, got %q", protocol.ErrProtocol, env.Type)
	}
	return e.acceptHello(trunk, *env.Hello)
}

// acceptHello answers an already-read hello and attaches the multiplexer.
// The listener calls it directly after branching on the first envelope.
func (e *Engine) acceptHello(trunk io.ReadWriteCloser, hello control.Hello) (*session, error) {
	if hello.Version != control.ProtocolVersion {
		nack, _ := control.EncodeHelloAck(control.HelloAck{
			Version: control.ProtocolVersion,
			Message: fmt.Sprintf("unsupported protocol version %d", hello.Version),
		})
		_ = control.WriteRaw(trunk, nack, e.cfg.Limits)
		return nil, fmt.Errorf("%w: peer version %d, want %d", protocol.ErrProtocol, hello.Version, control.ProtocolVersion)
	}

	token := ""
	if e.cfg.Resumable {
		token = uuid.NewString()
	}
	ack, err := control.EncodeHelloAck(control.HelloAck{
		Version:     control.ProtocolVersion,
		Accepted:    true,
		ResumeToken: token,
		Capabilities: control.Capabilities{
			Resume:         e.cfg.Resumable,
			ReverseForward: true,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := control.WriteRaw(trunk, ack, e.cfg.Limits); err != nil {
		return nil, fmt.Errorf("%w: hello ack: %v", protocol.ErrNetwork, err)
	}

	m := mux.New(mux.Config{
		Limits:        e.cfg.Limits,
		WindowBytes:   e.cfg.WindowBytes,
		MaxChunkBytes: e.cfg.MaxChunkBytes,
		Resumable:     e.cfg.Resumable,
	}, trunk, mux.SideAcceptor)

	s := &session{
		eng:         e,
		m:           m,
		sessionID:   hello.SessionID,
		resumeToken: token,
		reverse:     make(map[string]net.Listener),
	}
	log.Debug().Str("session", s.sessionID).Bool("resumable", e.cfg.Resumable).Msg("companion session started")
	return s, nil
}

// session is the companion's state for one daemon session.
type session struct {
	eng         *Engine
	m           *mux.Mux
	sessionID   string
	resumeToken string

	mu      sync.Mutex
	reverse map[string]net.Listener
}

func (s *session) run(ctx context.Context) error {
	go s.acceptLoop()

	recv := s.m.ControlRecv()
	for {
		select {
		case <-ctx.Done():
			go func() { _ = s.m.Close() }()
			select {
			case <-s.m.Done():
			case <-time.After(s.eng.cfg.ShutdownGrace):
				// A peer that stopped draining cannot hold the
				// companion open past the grace window.
				s.m.CloseWithError(nil)
				<-s.m.Done()
			}
			s.closeReverse()
			return ctx.Err()
		case <-s.m.Done():
			s.closeReverse()
			err := s.m.Err()
			log.Debug().Str("session", s.sessionID).Err(err).Msg("companion session ended")
			return err
		case payload, ok := <-recv:
			if !ok {
				recv = nil
				continue
			}
			s.handleControl(payload)
		}
	}
}

func (s *session) handleControl(payload []byte) {
	env, err := control.Decode(payload)
	if err != nil {
		log.Warn().Str("session", s.sessionID).Err(err).Msg("bad control envelope")
		return
	}
	switch {
	case env.IsHeartbeat():
		ack, _ := control.EncodeHeartbeatAck(control.HeartbeatAck{
			Seq:         env.Heartbeat.Seq,
			TimestampMS: uint64(time.Now().UnixMilli()),
		})
		_ = s.m.SendControl(ack)
	case env.IsReverseOpen():
		s.openReverse(*env.ReverseOpen)
	default:
		log.Debug().Str("session", s.sessionID).Str("type", env.Type).Msg("ignoring control envelope")
	}
}

// acceptLoop serves forward channels: the open payload names the target
// address, the companion dials it and pumps bytes both ways.
func (s *session) acceptLoop() {
	for {
		c, err := s.m.Accept()
		if err != nil {
			return
		}
		go s.serveForward(c)
	}
}

func (s *session) serveForward(c *mux.Channel) {
	target := string(c.OpenPayload())
	dialer := net.Dialer{Timeout: s.eng.cfg.DialTimeout}
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		log.Debug().Str("session", s.sessionID).Str("target", target).Err(err).Msg("forward target unreachable")
		s.m.FailChannel(c, fmt.Errorf("%w: %s: %v", protocol.ErrForwardUnreachable, target, err))
		return
	}
	pump(c, conn)
}

// openReverse binds the requested listener and originates a forward
// channel toward the daemon for every accepted connection.
func (s *session) openReverse(spec control.ReverseOpen) {
	ln, err := net.Listen("tcp", spec.BindAddr)
	ackBody := control.ReverseAck{SpecID: spec.SpecID, OK: err == nil}
	if err != nil {
		ackBody.Message = err.Error()
	} else {
		ackBody.BoundAddr = ln.Addr().String()
	}
	ack, _ := control.EncodeReverseAck(ackBody)
	_ = s.m.SendControl(ack)
	if err != nil {
		log.Warn().Str("session", s.sessionID).Str("bind", spec.BindAddr).Err(err).Msg("reverse bind failed")
		return
	}

	s.mu.Lock()
	if old, dup := s.reverse[spec.SpecID]; dup {
		_ = old.Close()
	}
	s.reverse[spec.SpecID] = ln
	s.mu.Unlock()

	log.Info().Str("session", s.sessionID).Str("bind", spec.BindAddr).Str("target", spec.TargetAddr).Msg("reverse listener bound")
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveReverse(conn, spec.TargetAddr)
		}
	}()
}

func (s *session) serveReverse(conn net.Conn, target string) {
	c, err := s.m.OpenChannel([]byte(target))
	if err != nil {
		_ = conn.Close()
		return
	}
	pump(c, conn)
}

func (s *session) closeReverse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ln := range s.reverse {
		_ = ln.Close()
		delete(s.reverse, id)
	}
}

// pump splices a channel and a connection until both directions finish.
// Each direction propagates end-of-stream with a half close so the other
// side drains fully before teardown.
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

// stdioTrunk is the stdio-mode trunk: stdin carries inbound frames, stdout
// outbound ones. Logs go to stderr.
type stdioTrunk struct{}

func (stdioTrunk) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioTrunk) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioTrunk) Close() error                { return os.Stdout.Close() }

// StdioTrunk returns the process stdio as a trunk.
func StdioTrunk() io.ReadWriteCloser { return stdioTrunk{} }
