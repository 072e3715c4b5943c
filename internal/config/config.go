// Package config loads the daemon's TOML configuration: global tuning
// defaults plus one [[session]] block per managed session.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/moorctl/moor/internal/transport"
)

// Tuning carries the knobs every session inherits from [defaults] and may
// override per session.
type Tuning struct {
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	ConnectTimeout    time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	WindowBytes       uint32
	MaxChunkBytes     uint32
}

// DefaultTuning is the baseline before [defaults] and per-session
// overrides apply.
func DefaultTuning() Tuning {
	return Tuning{
		HeartbeatInterval: 15 * time.Second,
		HeartbeatMisses:   3,
		ConnectTimeout:    10 * time.Second,
		ReconnectMin:      500 * time.Millisecond,
		ReconnectMax:      30 * time.Second,
		ReconnectAttempts: 8,
		WindowBytes:       256 * 1024,
		MaxChunkBytes:     16 * 1024,
	}
}

// SessionConfig describes one managed session.
type SessionConfig struct {
	Name      string
	Target    string
	Auth      transport.Auth
	Forwards  []ForwardSpec
	Autostart bool
	Tuning    Tuning
}

func (s SessionConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("session missing name")
	}
	if _, err := transport.ParseTarget(s.Target); err != nil {
		return fmt.Errorf("session %q: %w", s.Name, err)
	}
	return nil
}

// Config is the daemon's full configuration.
type Config struct {
	StateDir      string
	ControlSocket string
	Defaults      Tuning
	Sessions      []SessionConfig
}

// SocketPath returns the control socket path, derived from StateDir when
// not set explicitly.
func (c Config) SocketPath() string {
	if c.ControlSocket != "" {
		return c.ControlSocket
	}
	return filepath.Join(c.StateDir, "moord.sock")
}

type fileTuning struct {
	HeartbeatInterval string `toml:"heartbeat_interval"`
	HeartbeatMisses   int    `toml:"heartbeat_misses"`
	ConnectTimeout    string `toml:"connect_timeout"`
	ReconnectMin      string `toml:"reconnect_min"`
	ReconnectMax      string `toml:"reconnect_max"`
	ReconnectAttempts int    `toml:"reconnect_attempts"`
	WindowBytes       uint32 `toml:"window_bytes"`
	MaxChunkBytes     uint32 `toml:"max_chunk_bytes"`
}

type fileSession struct {
	Name          string   `toml:"name"`
	Target        string   `toml:"target"`
	KeyFile       string   `toml:"key_file"`
	UseAgent      bool     `toml:"use_agent"`
	KnownHosts    string   `toml:"known_hosts"`
	HostKeyPolicy string   `toml:"host_key_policy"`
	Forwards      []string `toml:"forwards"`
	Autostart     bool     `toml:"autostart"`
	fileTuning
}

type fileConfig struct {
	StateDir      string        `toml:"state_dir"`
	ControlSocket string        `toml:"control_socket"`
	Defaults      fileTuning    `toml:"defaults"`
	Sessions      []fileSession `toml:"session"`
}

// Load reads and validates a daemon config file.
func Load(path string) (Config, error) {
	var raw fileConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return convert(raw)
}

// Default returns the configuration used when no file is given.
func Default() (Config, error) {
	return convert(fileConfig{})
}

func convert(raw fileConfig) (Config, error) {
	stateDir, err := resolveStateDir(raw.StateDir)
	if err != nil {
		return Config{}, err
	}
	defaults, err := applyTuning(DefaultTuning(), raw.Defaults, "defaults")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		StateDir:      stateDir,
		ControlSocket: expandHome(raw.ControlSocket),
		Defaults:      defaults,
	}
	seen := make(map[string]bool, len(raw.Sessions))
	for i, fs := range raw.Sessions {
		sess, err := convertSession(fs, defaults)
		if err != nil {
			return Config{}, fmt.Errorf("session[%d]: %w", i, err)
		}
		if seen[sess.Name] {
			return Config{}, fmt.Errorf("session[%d]: duplicate name %q", i, sess.Name)
		}
		seen[sess.Name] = true
		cfg.Sessions = append(cfg.Sessions, sess)
	}
	return cfg, nil
}

func convertSession(fs fileSession, defaults Tuning) (SessionConfig, error) {
	tuning, err := applyTuning(defaults, fs.fileTuning, fs.Name)
	if err != nil {
		return SessionConfig{}, err
	}
	sess := SessionConfig{
		Name:   strings.TrimSpace(fs.Name),
		Target: strings.TrimSpace(fs.Target),
		Auth: transport.Auth{
			KeyFile:        expandHome(fs.KeyFile),
			UseAgent:       fs.UseAgent,
			KnownHostsFile: expandHome(fs.KnownHosts),
			HostKeyPolicy:  transport.HostKeyPolicy(fs.HostKeyPolicy),
		},
		Autostart: fs.Autostart,
		Tuning:    tuning,
	}
	for _, raw := range fs.Forwards {
		spec, err := ParseForward(raw)
		if err != nil {
			return SessionConfig{}, err
		}
		sess.Forwards = append(sess.Forwards, spec)
	}
	if err := sess.Validate(); err != nil {
		return SessionConfig{}, err
	}
	return sess, nil
}

// applyTuning overlays the file's non-zero fields on base. Durations are
// strings so "15s" works in the file.
func applyTuning(base Tuning, raw fileTuning, scope string) (Tuning, error) {
	set := func(dst *time.Duration, val, field string) error {
		if strings.TrimSpace(val) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("%s: parse %s: %w", scope, field, err)
		}
		*dst = d
		return nil
	}
	if err := set(&base.HeartbeatInterval, raw.HeartbeatInterval, "heartbeat_interval"); err != nil {
		return Tuning{}, err
	}
	if err := set(&base.ConnectTimeout, raw.ConnectTimeout, "connect_timeout"); err != nil {
		return Tuning{}, err
	}
	if err := set(&base.ReconnectMin, raw.ReconnectMin, "reconnect_min"); err != nil {
		return Tuning{}, err
	}
	if err := set(&base.ReconnectMax, raw.ReconnectMax, "reconnect_max"); err != nil {
		return Tuning{}, err
	}
	if raw.HeartbeatMisses > 0 {
		base.HeartbeatMisses = raw.HeartbeatMisses
	}
	if raw.ReconnectAttempts > 0 {
		base.ReconnectAttempts = raw.ReconnectAttempts
	}
	if raw.WindowBytes > 0 {
		base.WindowBytes = raw.WindowBytes
	}
	if raw.MaxChunkBytes > 0 {
		base.MaxChunkBytes = raw.MaxChunkBytes
	}
	return base, nil
}

func resolveStateDir(raw string) (string, error) {
	if raw != "" {
		return expandHome(raw), nil
	}
	if env := os.Getenv("MOOR_STATE_DIR"); env != "" {
		return expandHome(env), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve state dir: %w", err)
	}
	return filepath.Join(home, ".moor"), nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
