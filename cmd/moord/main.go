package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/moorctl/moor/internal/config"
	"github.com/moorctl/moor/internal/daemon"
	"github.com/moorctl/moor/internal/logging"
	"github.com/moorctl/moor/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to moord.toml")
	flag.Parse()
	logging.ConfigureRuntime()

	var (
		cfg config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	log.Info().Str("state_dir", cfg.StateDir).Int("sessions", len(cfg.Sessions)).Msg("moord starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := daemon.NewService(cfg, transport.Options{})
	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("moord stopped")
	}
	log.Info().Msg("moord shut down")
}
