package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/moorctl/moor/internal/config"
	"github.com/moorctl/moor/internal/testutil/testlog"
	"github.com/moorctl/moor/internal/transport"
)

func TestServiceOwnsStateDirExclusively(t *testing.T) {
	testlog.Start(t)
	cfg := config.Config{StateDir: t.TempDir(), Defaults: config.DefaultTuning()}

	first := NewService(cfg, transport.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- first.Run(ctx) }()

	client := NewClient(cfg.SocketPath())
	deadline := time.Now().Add(5 * time.Second)
	for client.Ping() != nil {
		if time.Now().After(deadline) {
			t.Fatal("daemon never came up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	second := NewService(cfg, transport.Options{})
	runCtx, runCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer runCancel()
	if err := second.Run(runCtx); err == nil {
		t.Fatal("second daemon must not claim the same state dir")
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil && err != context.Canceled {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
