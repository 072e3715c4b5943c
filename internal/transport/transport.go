// Package transport establishes authenticated trunks to remote hosts. A
// Dialer is a capability: given a target and auth material it yields one
// bidirectional byte stream with the remote companion already attached to
// the far end, and closing the trunk tears the remote execution down on
// every exit path.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Kind selects the trunk transport.
type Kind string

const (
	// KindSSH executes the companion on the remote host over SSH; its
	// session stdio is the trunk.
	KindSSH Kind = "ssh"
	// KindLocal spawns the companion as a child process, for development
	// and tests.
	KindLocal Kind = "local"
	// KindTCP connects to a standing companion listener.
	KindTCP Kind = "tcp"
	// KindWS connects to a standing companion listener over websocket.
	KindWS Kind = "ws"
)

var ErrUnknownKind = errors.New("transport: unknown transport kind")

// Capabilities describes what a transport kind can do.
type Capabilities struct {
	// Secure means the trunk is authenticated and encrypted by the
	// transport itself.
	Secure bool
	// RemoteExec means the dialer launches the companion; otherwise a
	// standing companion must already be listening.
	RemoteExec bool
	// Resumable means a dropped trunk can be re-dialed and the session
	// resumed, because the companion outlives the trunk.
	Resumable bool
}

func (k Kind) Capabilities() Capabilities {
	switch k {
	case KindSSH:
		return Capabilities{Secure: true, RemoteExec: true}
	case KindLocal:
		return Capabilities{RemoteExec: true}
	case KindTCP:
		return Capabilities{Resumable: true}
	case KindWS:
		return Capabilities{Resumable: true}
	default:
		return Capabilities{}
	}
}

// Target describes one remote endpoint.
type Target struct {
	Kind Kind
	Host string
	Port int
	User string
	// Path is the websocket request path for KindWS.
	Path string
	// Raw preserves the configured form for logs and status output.
	Raw string
}

// Addr returns the host:port dial address.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string { return t.Raw }

var ErrInvalidTarget = errors.New("transport: invalid target")

// ParseTarget parses a target URL such as "ssh://deploy@host:22",
// "tcp://host:7070", "ws://host:8080/trunk", or "local:".
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Target{}, fmt.Errorf("%w: empty", ErrInvalidTarget)
	}
	if raw == "local:" || raw == "local" {
		return Target{Kind: KindLocal, Raw: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	kind := Kind(u.Scheme)
	switch kind {
	case KindSSH, KindTCP, KindWS:
	default:
		return Target{}, fmt.Errorf("%w: scheme %q", ErrUnknownKind, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Target{}, fmt.Errorf("%w: missing host in %q", ErrInvalidTarget, raw)
	}
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Target{}, fmt.Errorf("%w: port in %q", ErrInvalidTarget, raw)
		}
	} else {
		switch kind {
		case KindSSH:
			port = 22
		case KindWS:
			port = 80
		default:
			return Target{}, fmt.Errorf("%w: missing port in %q", ErrInvalidTarget, raw)
		}
	}
	return Target{
		Kind: kind,
		Host: host,
		Port: port,
		User: u.User.Username(),
		Path: u.Path,
		Raw:  raw,
	}, nil
}

// HostKeyPolicy controls remote host identity verification for SSH.
type HostKeyPolicy string

const (
	// PolicyStrict rejects hosts absent from the known-hosts file.
	PolicyStrict HostKeyPolicy = "strict"
	// PolicyFirstUse records an unknown host's key on first contact and
	// verifies it thereafter.
	PolicyFirstUse HostKeyPolicy = "first_use"
	// PolicyInsecure skips verification; test use only.
	PolicyInsecure HostKeyPolicy = "insecure"
)

// Auth carries externally supplied credential references; the daemon never
// owns credential storage policy.
type Auth struct {
	// KeyFile is a private key path; empty selects agent auth.
	KeyFile string
	// UseAgent adds the SSH agent's identities.
	UseAgent bool
	// KnownHostsFile backs host key verification.
	KnownHostsFile string
	HostKeyPolicy  HostKeyPolicy
}

// Trunk is the single authenticated byte stream to one remote host.
type Trunk interface {
	io.ReadWriteCloser
}

// Dialer opens an authenticated trunk with the companion attached.
type Dialer interface {
	Kind() Kind
	Connect(ctx context.Context, target Target, auth Auth) (Trunk, error)
}

// Options tunes dialer construction.
type Options struct {
	// AgentCommand is the remote command that starts the companion in
	// stdio mode.
	AgentCommand string
	// AgentPath is the local companion binary for KindLocal.
	AgentPath string
	// ConnectTimeout bounds the dial plus handshake.
	ConnectTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.AgentCommand == "" {
		o.AgentCommand = "moor-agent stdio"
	}
	if o.AgentPath == "" {
		o.AgentPath = "moor-agent"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	return o
}

// DialerFor returns the dialer implementing a transport kind.
func DialerFor(kind Kind, opts Options) (Dialer, error) {
	opts = opts.withDefaults()
	switch kind {
	case KindSSH:
		return &SSHDialer{opts: opts}, nil
	case KindLocal:
		return &LocalDialer{opts: opts}, nil
	case KindTCP:
		return &TCPDialer{opts: opts}, nil
	case KindWS:
		return &WSDialer{opts: opts}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
