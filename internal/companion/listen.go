package companion

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/moorctl/moor/internal/protocol"
	"github.com/moorctl/moor/internal/protocol/control"
	"github.com/moorctl/moor/internal/transport"
)

// ListenConfig tunes a standing companion listener.
type ListenConfig struct {
	// Addr is the TCP listen address.
	Addr string
	// WS serves websocket trunks over HTTP on Addr instead of raw TCP.
	WS bool
	// WSPath is the websocket upgrade path; defaults to /trunk.
	WSPath string
	// Grace is how long a paused session is held for resume after its
	// trunk drops before it is torn down.
	Grace time.Duration
	// Engine tunes each session; Resumable is forced on.
	Engine Config
}

func (c ListenConfig) withDefaults() ListenConfig {
	if c.WSPath == "" {
		c.WSPath = "/trunk"
	}
	if c.Grace <= 0 {
		c.Grace = 60 * time.Second
	}
	c.Engine.Resumable = true
	return c
}

// Listener is the companion's listen mode: sessions outlive their trunks,
// held for resume up to a grace period after a drop.
type Listener struct {
	cfg ListenConfig
	eng *Engine

	mu       sync.Mutex
	addr     string
	sessions map[string]*heldSession

	ready     chan struct{}
	readyOnce sync.Once
}

type heldSession struct {
	sess   *session
	paused bool
	timer  *time.Timer
}

func NewListener(cfg ListenConfig) *Listener {
	cfg = cfg.withDefaults()
	return &Listener{
		cfg:      cfg,
		eng:      New(cfg.Engine),
		sessions: make(map[string]*heldSession),
		ready:    make(chan struct{}),
	}
}

// Addr blocks until the listener is bound and returns its concrete
// address, which differs from the configured one when it asked for port 0.
func (l *Listener) Addr() string {
	<-l.ready
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// Serve accepts trunks until ctx is cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	defer l.readyOnce.Do(func() { close(l.ready) })
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", protocol.ErrNetwork, l.cfg.Addr, err)
	}
	l.mu.Lock()
	l.addr = ln.Addr().String()
	l.mu.Unlock()
	l.readyOnce.Do(func() { close(l.ready) })
	log.Info().Str("addr", ln.Addr().String()).Bool("ws", l.cfg.WS).Msg("companion listening")

	if l.cfg.WS {
		return l.serveWS(ctx, ln)
	}
	return l.serveTCP(ctx, ln)
}

func (l *Listener) serveTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go l.handleTrunk(ctx, conn)
	}
}

func (l *Listener) serveWS(ctx context.Context, ln net.Listener) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
	}
	handler := http.NewServeMux()
	handler.HandleFunc(l.cfg.WSPath, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		l.handleTrunk(ctx, transport.NewWSTrunk(ws))
	})
	srv := &http.Server{Handler: handler}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	err := srv.Serve(ln)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// handleTrunk branches on the first raw envelope: a hello starts a fresh
// session, a resume re-attaches a held one.
func (l *Listener) handleTrunk(ctx context.Context, trunk transport.Trunk) {
	env, err := control.ReadRaw(trunk, l.eng.cfg.Limits)
	if err != nil {
		log.Warn().Err(err).Msg("trunk handshake failed")
		_ = trunk.Close()
		return
	}
	switch {
	case env.IsHello():
		l.startSession(ctx, trunk, *env.Hello)
	case env.IsResume():
		l.resumeSession(trunk, *env.Resume)
	default:
		log.Warn().Str("type", env.Type).Msg("unexpected handshake envelope")
		_ = trunk.Close()
	}
}

func (l *Listener) startSession(ctx context.Context, trunk transport.Trunk, hello control.Hello) {
	s, err := l.eng.acceptHello(trunk, hello)
	if err != nil {
		log.Warn().Err(err).Msg("session handshake rejected")
		_ = trunk.Close()
		return
	}
	h := &heldSession{sess: s}
	l.mu.Lock()
	l.sessions[s.resumeToken] = h
	l.mu.Unlock()

	go l.watchPauses(h)
	err = s.run(ctx)

	l.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
	}
	delete(l.sessions, s.resumeToken)
	l.mu.Unlock()
	if err != nil && ctx.Err() == nil {
		log.Info().Str("session", s.sessionID).Err(err).Msg("held session ended")
	}
}

// watchPauses arms the grace timer each time the session's trunk drops; an
// unresumed session is torn down when the timer fires.
func (l *Listener) watchPauses(h *heldSession) {
	for {
		select {
		case <-h.sess.m.Done():
			return
		case err := <-h.sess.m.Notify():
			l.mu.Lock()
			h.paused = true
			h.timer = time.AfterFunc(l.cfg.Grace, func() {
				h.sess.m.CloseWithError(fmt.Errorf("%w: resume grace expired", protocol.ErrTransportLost))
			})
			l.mu.Unlock()
			log.Info().Str("session", h.sess.sessionID).Err(err).Dur("grace", l.cfg.Grace).Msg("session paused, holding for resume")
		}
	}
}

func (l *Listener) resumeSession(trunk transport.Trunk, resume control.Resume) {
	l.mu.Lock()
	h, ok := l.sessions[resume.ResumeToken]
	l.mu.Unlock()

	// The daemon learns of a trunk drop from its own socket error and can
	// re-dial before this end's read loop has noticed. Give the pause a
	// moment to land before rejecting the resume as premature.
	if ok {
		ok = l.awaitPause(h, 2*time.Second)
	}
	if ok {
		l.mu.Lock()
		if h.timer != nil {
			h.timer.Stop()
			h.timer = nil
		}
		h.paused = false
		l.mu.Unlock()
	}

	if !ok {
		nack, _ := control.EncodeResumeAck(control.ResumeAck{Message: "unknown or active session"})
		_ = control.WriteRaw(trunk, nack, l.eng.cfg.Limits)
		_ = trunk.Close()
		return
	}

	ack, err := control.EncodeResumeAck(control.ResumeAck{
		Accepted: true,
		Channels: h.sess.m.Cursors(),
	})
	if err == nil {
		err = control.WriteRaw(trunk, ack, l.eng.cfg.Limits)
	}
	if err == nil {
		err = h.sess.m.ResumeWith(trunk, resume.Channels)
	}
	if err != nil {
		log.Warn().Str("session", h.sess.sessionID).Err(err).Msg("resume failed")
		_ = trunk.Close()
		l.mu.Lock()
		h.paused = true
		h.timer = time.AfterFunc(l.cfg.Grace, func() {
			h.sess.m.CloseWithError(fmt.Errorf("%w: resume grace expired", protocol.ErrTransportLost))
		})
		l.mu.Unlock()
		return
	}
	log.Info().Str("session", h.sess.sessionID).Msg("session resumed")
}

func (l *Listener) awaitPause(h *heldSession, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for {
		l.mu.Lock()
		paused := h.paused
		l.mu.Unlock()
		if paused {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// SessionCount reports the held sessions, paused included.
func (l *Listener) SessionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}
