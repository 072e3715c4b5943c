package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/moorctl/moor/internal/config"
	"github.com/moorctl/moor/internal/protocol"
	"github.com/moorctl/moor/internal/transport"
)

// StartRequest is the control-wire form of a session definition.
type StartRequest struct {
	Name          string   `json:"name"`
	Target        string   `json:"target"`
	KeyFile       string   `json:"key_file,omitempty"`
	UseAgent      bool     `json:"use_agent,omitempty"`
	KnownHosts    string   `json:"known_hosts,omitempty"`
	HostKeyPolicy string   `json:"host_key_policy,omitempty"`
	Forwards      []string `json:"forwards,omitempty"`
}

// SessionConfig resolves the request against the daemon's tuning defaults.
func (r StartRequest) SessionConfig(defaults config.Tuning) (config.SessionConfig, error) {
	cfg := config.SessionConfig{
		Name:   strings.TrimSpace(r.Name),
		Target: strings.TrimSpace(r.Target),
		Auth: transport.Auth{
			KeyFile:        r.KeyFile,
			UseAgent:       r.UseAgent,
			KnownHostsFile: r.KnownHosts,
			HostKeyPolicy:  transport.HostKeyPolicy(r.HostKeyPolicy),
		},
		Tuning: defaults,
	}
	for _, raw := range r.Forwards {
		spec, err := config.ParseForward(raw)
		if err != nil {
			return config.SessionConfig{}, err
		}
		cfg.Forwards = append(cfg.Forwards, spec)
	}
	if err := cfg.Validate(); err != nil {
		return config.SessionConfig{}, err
	}
	return cfg, nil
}

type controlRequest struct {
	Action string        `json:"action"`
	Name   string        `json:"name,omitempty"`
	Start  *StartRequest `json:"start,omitempty"`
}

type controlResponse struct {
	OK    bool            `json:"ok"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ControlServer exposes the registry on a unix socket, one JSON request
// and one JSON response per line.
type ControlServer struct {
	core     *Core
	defaults config.Tuning
	path     string

	clientCount atomic.Int64
}

func NewControlServer(core *Core, defaults config.Tuning, socketPath string) *ControlServer {
	return &ControlServer{core: core, defaults: defaults, path: socketPath}
}

// Serve listens on the socket until ctx is cancelled. A stale socket file
// from an unclean exit is removed before binding.
func (cs *ControlServer) Serve(ctx context.Context) error {
	if err := removeStaleSocket(cs.path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", cs.path)
	if err != nil {
		return fmt.Errorf("control listen %s: %w", cs.path, err)
	}
	defer ln.Close()
	defer os.Remove(cs.path)
	log.Info().Str("socket", cs.path).Msg("control endpoint listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go cs.handleConn(ctx, conn)
	}
}

// removeStaleSocket deletes the socket file only when nothing answers it.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("control socket %s is in use by another daemon", path)
	}
	return os.Remove(path)
}

func (cs *ControlServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	active := cs.clientCount.Add(1)
	log.Debug().Int64("active_clients", active).Msg("control client connected")
	defer func() {
		remaining := cs.clientCount.Add(-1)
		log.Debug().Int64("active_clients", remaining).Msg("control client disconnected")
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				log.Warn().Err(err).Msg("control read failed")
			}
			return
		}
		var req controlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeControlResponse(conn, errorResponse(fmt.Errorf("%w: %v", protocol.ErrProtocol, err)))
			continue
		}
		if err := writeControlResponse(conn, cs.handleRequest(ctx, req)); err != nil {
			log.Warn().Err(err).Msg("control write failed")
			return
		}
	}
}

func (cs *ControlServer) handleRequest(ctx context.Context, req controlRequest) controlResponse {
	switch strings.TrimSpace(req.Action) {
	case "ping":
		return okResponse(map[string]string{"pong": "moord"})
	case "start":
		if req.Start == nil {
			return errorResponse(fmt.Errorf("%w: start body required", protocol.ErrProtocol))
		}
		cfg, err := req.Start.SessionConfig(cs.defaults)
		if err != nil {
			return errorResponse(err)
		}
		status, err := cs.core.Start(ctx, cfg)
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(status)
	case "stop":
		if strings.TrimSpace(req.Name) == "" {
			return errorResponse(fmt.Errorf("%w: name required", protocol.ErrProtocol))
		}
		if err := cs.core.Stop(req.Name); err != nil {
			return errorResponse(err)
		}
		return okResponse(nil)
	case "status":
		if strings.TrimSpace(req.Name) == "" {
			return errorResponse(fmt.Errorf("%w: name required", protocol.ErrProtocol))
		}
		status, err := cs.core.Status(req.Name)
		if err != nil {
			return errorResponse(err)
		}
		return okResponse(status)
	case "list":
		return okResponse(cs.core.List())
	default:
		return errorResponse(fmt.Errorf("%w: unknown action %q", protocol.ErrProtocol, req.Action))
	}
}

func okResponse(data any) controlResponse {
	resp := controlResponse{OK: true, Code: protocol.CodeOK}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return errorResponse(err)
		}
		resp.Data = raw
	}
	return resp
}

func errorResponse(err error) controlResponse {
	return controlResponse{OK: false, Code: controlCodeFor(err), Error: err.Error()}
}

func controlCodeFor(err error) string {
	switch {
	case errors.Is(err, ErrSessionExists):
		return protocol.CodeAlreadyExists
	case errors.Is(err, ErrSessionNotFound):
		return protocol.CodeNotFound
	default:
		return protocol.CodeFor(err)
	}
}

func writeControlResponse(conn net.Conn, resp controlResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = conn.Write(payload)
	return err
}
