package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ForwardSpec is one parsed forward rule.
//
// Local forwards listen on the daemon host and carry connections to a
// target reachable from the remote host:
//
//	8080:127.0.0.1:80            listen 127.0.0.1:8080
//	0.0.0.0:8080:127.0.0.1:80    explicit bind address
//
// The R: prefix makes the rule reverse: the remote companion listens and
// connections land on a target reachable from the daemon host:
//
//	R:9090:127.0.0.1:22          remote listens on 127.0.0.1:9090
type ForwardSpec struct {
	Reverse    bool
	ListenAddr string
	TargetAddr string
	Raw        string
}

func (f ForwardSpec) String() string { return f.Raw }

// ParseForward parses one forward rule string.
func ParseForward(raw string) (ForwardSpec, error) {
	spec := ForwardSpec{Raw: strings.TrimSpace(raw)}
	rest := spec.Raw
	if rest == "" {
		return ForwardSpec{}, fmt.Errorf("empty forward spec")
	}
	if strings.HasPrefix(rest, "R:") {
		spec.Reverse = true
		rest = strings.TrimPrefix(rest, "R:")
	}

	parts := strings.Split(rest, ":")
	switch len(parts) {
	case 3:
		port, err := parseListenPort(parts[0])
		if err != nil {
			return ForwardSpec{}, fmt.Errorf("forward %q: %w", raw, err)
		}
		spec.ListenAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
		spec.TargetAddr, err = hostPort(parts[1], parts[2])
		if err != nil {
			return ForwardSpec{}, fmt.Errorf("forward %q: %w", raw, err)
		}
	case 4:
		port, err := parseListenPort(parts[1])
		if err != nil {
			return ForwardSpec{}, fmt.Errorf("forward %q: %w", raw, err)
		}
		if strings.TrimSpace(parts[0]) == "" {
			return ForwardSpec{}, fmt.Errorf("forward %q: empty bind address", raw)
		}
		spec.ListenAddr = net.JoinHostPort(parts[0], strconv.Itoa(port))
		spec.TargetAddr, err = hostPort(parts[2], parts[3])
		if err != nil {
			return ForwardSpec{}, fmt.Errorf("forward %q: %w", raw, err)
		}
	default:
		return ForwardSpec{}, fmt.Errorf("forward %q: want [bind:]port:host:port", raw)
	}
	return spec, nil
}

// parseListenPort additionally admits 0 for an ephemeral bind.
func parseListenPort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return port, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return port, nil
}

func hostPort(host, port string) (string, error) {
	if strings.TrimSpace(host) == "" {
		return "", fmt.Errorf("empty target host")
	}
	p, err := parsePort(port)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(strings.TrimSpace(host), strconv.Itoa(p)), nil
}
