package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/moorctl/moor/internal/protocol"
)

// LocalDialer spawns the companion as a child process and uses its stdio
// as the trunk. Meant for development and tests; the process dies with
// the trunk.
type LocalDialer struct {
	opts Options
}

func (d *LocalDialer) Kind() Kind { return KindLocal }

func (d *LocalDialer) Connect(ctx context.Context, target Target, auth Auth) (Trunk, error) {
	cmd := exec.CommandContext(ctx, d.opts.AgentPath, "stdio")
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", protocol.ErrNetwork, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", protocol.ErrNetwork, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", protocol.ErrNetwork, d.opts.AgentPath, err)
	}
	return &processTrunk{stdin: stdin, stdout: stdout, cmd: cmd}, nil
}

// processTrunk's Close terminates the child and reaps it, so the
// companion never outlives the trunk handle.
type processTrunk struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	cmd    *exec.Cmd

	closeOnce sync.Once
}

func (t *processTrunk) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *processTrunk) Write(p []byte) (int, error) { return t.stdin.Write(p) }

func (t *processTrunk) Close() error {
	t.closeOnce.Do(func() {
		_ = t.stdin.Close()
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		_ = t.cmd.Wait()
	})
	return nil
}
