package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moorctl/moor/internal/companion"
	"github.com/moorctl/moor/internal/logging"
)

const usage = `usage: moor-agent <mode> [flags]

modes:
  stdio    speak the trunk protocol on stdin/stdout (default)
  listen   accept trunks on a TCP or websocket listener
`

func main() {
	logging.ConfigureAgent()

	mode := "stdio"
	args := os.Args[1:]
	if len(args) > 0 {
		mode = args[0]
		args = args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "stdio":
		eng := companion.New(companion.Config{})
		if err := eng.Serve(ctx, companion.StdioTrunk()); err != nil && ctx.Err() == nil {
			log.Fatal().Err(err).Msg("agent session failed")
		}
	case "listen":
		fs := flag.NewFlagSet("listen", flag.ExitOnError)
		addr := fs.String("addr", "127.0.0.1:7420", "listen address")
		ws := fs.Bool("ws", false, "serve websocket trunks instead of raw TCP")
		grace := fs.Duration("grace", time.Minute, "how long a dropped session is held for resume")
		_ = fs.Parse(args)

		lst := companion.NewListener(companion.ListenConfig{Addr: *addr, WS: *ws, Grace: *grace})
		if err := lst.Serve(ctx); err != nil && ctx.Err() == nil {
			log.Fatal().Err(err).Msg("agent listener failed")
		}
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}
