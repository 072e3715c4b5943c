package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/moorctl/moor/internal/config"
	"github.com/moorctl/moor/internal/transport"
)

// Service is the assembled daemon: one Core, its control endpoint, and
// the autostart sessions from the config file.
type Service struct {
	cfg  config.Config
	core *Core
	lock *flock.Flock
}

func NewService(cfg config.Config, opts transport.Options) *Service {
	return &Service{
		cfg:  cfg,
		core: NewCore(opts),
	}
}

// Core exposes the registry, mainly for tests that drive it directly.
func (s *Service) Core() *Core { return s.core }

// Run brings the daemon up and blocks until ctx is cancelled. Exactly one
// daemon owns a state directory at a time.
func (s *Service) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	s.lock = flock.New(filepath.Join(s.cfg.StateDir, "moord.lock"))
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("state lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon already owns %s", s.cfg.StateDir)
	}
	defer func() { _ = s.lock.Unlock() }()

	if _, err := transport.EnsureIdentity(s.cfg.StateDir); err != nil {
		log.Warn().Err(err).Msg("default identity unavailable")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cs := NewControlServer(s.core, s.cfg.Defaults, s.cfg.SocketPath())
		return cs.Serve(ctx)
	})
	g.Go(func() error {
		s.autostart(ctx)
		<-ctx.Done()
		s.core.Shutdown()
		return nil
	})
	return g.Wait()
}

// autostart brings up the config file's autostart sessions. Failures are
// logged, not fatal; the operator can retry through the control endpoint.
func (s *Service) autostart(ctx context.Context) {
	for _, sess := range s.cfg.Sessions {
		if !sess.Autostart {
			continue
		}
		if _, err := s.core.Start(ctx, sess); err != nil {
			log.Error().Str("session", sess.Name).Err(err).Msg("autostart failed")
		}
	}
}
