package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/moorctl/moor/internal/config"
	"github.com/moorctl/moor/internal/transport"
)

var (
	ErrSessionExists   = errors.New("daemon: session already exists")
	ErrSessionNotFound = errors.New("daemon: session not found")
)

// Core is the session registry. All control operations go through it.
type Core struct {
	opts transport.Options

	// dialerFor is swappable so tests can inject in-memory transports.
	dialerFor func(transport.Kind, transport.Options) (transport.Dialer, error)

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewCore(opts transport.Options) *Core {
	return &Core{
		opts:      opts,
		dialerFor: transport.DialerFor,
		sessions:  make(map[string]*Session),
	}
}

// Start creates and connects a session. The connect is synchronous: a
// session that cannot establish its first trunk or bind its listeners is
// never registered.
func (c *Core) Start(ctx context.Context, cfg config.SessionConfig) (SessionStatus, error) {
	if err := cfg.Validate(); err != nil {
		return SessionStatus{}, err
	}
	c.mu.Lock()
	if _, ok := c.sessions[cfg.Name]; ok {
		c.mu.Unlock()
		return SessionStatus{}, fmt.Errorf("%w: %q", ErrSessionExists, cfg.Name)
	}
	// Reserve the name while connecting so concurrent Starts of the same
	// session race on the map, not on the network.
	c.sessions[cfg.Name] = nil
	c.mu.Unlock()

	target, err := transport.ParseTarget(cfg.Target)
	if err != nil {
		c.release(cfg.Name)
		return SessionStatus{}, err
	}
	dialer, err := c.dialerFor(target.Kind, c.opts)
	if err != nil {
		c.release(cfg.Name)
		return SessionStatus{}, err
	}
	sess, err := newSession(cfg, dialer)
	if err != nil {
		c.release(cfg.Name)
		return SessionStatus{}, err
	}
	if err := sess.start(ctx); err != nil {
		c.release(cfg.Name)
		log.Warn().Str("session", cfg.Name).Err(err).Msg("session start failed")
		return SessionStatus{}, err
	}

	c.mu.Lock()
	c.sessions[cfg.Name] = sess
	c.mu.Unlock()
	return sess.status(), nil
}

func (c *Core) release(name string) {
	c.mu.Lock()
	delete(c.sessions, name)
	c.mu.Unlock()
}

// Stop closes a session and removes it. Stopping a session that does not
// exist is not an error, so Stop is idempotent.
func (c *Core) Stop(name string) error {
	c.mu.Lock()
	sess, ok := c.sessions[name]
	if ok && sess != nil {
		delete(c.sessions, name)
	}
	c.mu.Unlock()
	if !ok || sess == nil {
		return nil
	}
	sess.stop()
	return nil
}

// Status reports one session.
func (c *Core) Status(name string) (SessionStatus, error) {
	c.mu.Lock()
	sess, ok := c.sessions[name]
	c.mu.Unlock()
	if !ok || sess == nil {
		return SessionStatus{}, fmt.Errorf("%w: %q", ErrSessionNotFound, name)
	}
	return sess.status(), nil
}

// List reports every registered session, ordered by name.
func (c *Core) List() []SessionStatus {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}
	c.mu.Unlock()

	out := make([]SessionStatus, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown stops every session.
func (c *Core) Shutdown() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for name, sess := range c.sessions {
		if sess != nil {
			sessions = append(sessions, sess)
		}
		delete(c.sessions, name)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.stop()
		}(sess)
	}
	wg.Wait()
}
