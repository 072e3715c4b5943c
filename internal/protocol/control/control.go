// Package control defines the JSON envelopes carried as Data frames on
// channel 0: the hello/capability exchange, heartbeats, session resume,
// and reverse-forward specs.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ProtocolVersion is negotiated in the hello exchange. A peer speaking a
// different major version is rejected during the handshake.
const ProtocolVersion = 1

const (
	typeHello        = "hello"
	typeHelloAck     = "hello.ack"
	typeHeartbeat    = "heartbeat"
	typeHeartbeatAck = "heartbeat.ack"
	typeResume       = "resume"
	typeResumeAck    = "resume.ack"
	typeReverseOpen  = "reverse.open"
	typeReverseAck   = "reverse.ack"
)

var (
	ErrInvalidEnvelope = errors.New("control: invalid envelope")
	ErrInvalidHello    = errors.New("control: invalid hello")
	ErrInvalidResume   = errors.New("control: invalid resume")
	ErrInvalidReverse  = errors.New("control: invalid reverse spec")
)

// Capabilities advertises optional protocol features in the hello exchange.
type Capabilities struct {
	Resume         bool `json:"resume"`
	ReverseForward bool `json:"reverse_forward"`
}

// Hello is the daemon->agent session-start payload.
type Hello struct {
	Version      int          `json:"version"`
	SessionID    string       `json:"session_id"`
	ResumeToken  string       `json:"resume_token,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

func (h Hello) Validate() error {
	if h.Version <= 0 {
		return fmt.Errorf("%w: missing version", ErrInvalidHello)
	}
	if strings.TrimSpace(h.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidHello)
	}
	return nil
}

// HelloAck is the agent->daemon handshake response.
type HelloAck struct {
	Version      int          `json:"version"`
	Accepted     bool         `json:"accepted"`
	Message      string       `json:"message,omitempty"`
	ResumeToken  string       `json:"resume_token,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

func (a HelloAck) Validate() error {
	if a.Version <= 0 {
		return fmt.Errorf("%w: missing version", ErrInvalidHello)
	}
	return nil
}

// Heartbeat is a liveness probe; the peer echoes Seq in a HeartbeatAck.
type Heartbeat struct {
	Seq         uint64 `json:"seq"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

// HeartbeatAck answers a Heartbeat.
type HeartbeatAck struct {
	Seq         uint64 `json:"seq"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

// ChannelCursor reports how many bytes one side has received on a channel,
// so the peer can replay the unacknowledged tail after a trunk drop.
type ChannelCursor struct {
	ChannelID uint32 `json:"channel_id"`
	Received  uint64 `json:"received"`
}

// Resume proposes re-attaching a dropped session onto a fresh trunk.
type Resume struct {
	ResumeToken string          `json:"resume_token"`
	Channels    []ChannelCursor `json:"channels"`
}

func (r Resume) Validate() error {
	if strings.TrimSpace(r.ResumeToken) == "" {
		return fmt.Errorf("%w: missing resume_token", ErrInvalidResume)
	}
	return nil
}

// ResumeAck accepts or denies a Resume. When accepted, Channels carries the
// responder's own receive cursors.
type ResumeAck struct {
	Accepted bool            `json:"accepted"`
	Message  string          `json:"message,omitempty"`
	Channels []ChannelCursor `json:"channels,omitempty"`
}

// ReverseOpen asks the agent to bind a remote listener and originate
// Forward channels toward the daemon's local target.
type ReverseOpen struct {
	SpecID     string `json:"spec_id"`
	BindAddr   string `json:"bind_addr"`
	TargetAddr string `json:"target_addr"`
}

func (r ReverseOpen) Validate() error {
	if strings.TrimSpace(r.SpecID) == "" {
		return fmt.Errorf("%w: missing spec_id", ErrInvalidReverse)
	}
	if strings.TrimSpace(r.BindAddr) == "" {
		return fmt.Errorf("%w: missing bind_addr", ErrInvalidReverse)
	}
	if strings.TrimSpace(r.TargetAddr) == "" {
		return fmt.Errorf("%w: missing target_addr", ErrInvalidReverse)
	}
	return nil
}

// ReverseAck reports the outcome of a ReverseOpen bind attempt. BoundAddr
// carries the concrete listen address, which differs from the request when
// the bind asked for port 0.
type ReverseAck struct {
	SpecID    string `json:"spec_id"`
	OK        bool   `json:"ok"`
	BoundAddr string `json:"bound_addr,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Envelope is the tagged union carried in one channel-0 Data frame.
type Envelope struct {
	Type         string        `json:"type"`
	Hello        *Hello        `json:"hello,omitempty"`
	HelloAck     *HelloAck     `json:"hello_ack,omitempty"`
	Heartbeat    *Heartbeat    `json:"heartbeat,omitempty"`
	HeartbeatAck *HeartbeatAck `json:"heartbeat_ack,omitempty"`
	Resume       *Resume       `json:"resume,omitempty"`
	ResumeAck    *ResumeAck    `json:"resume_ack,omitempty"`
	ReverseOpen  *ReverseOpen  `json:"reverse_open,omitempty"`
	ReverseAck   *ReverseAck   `json:"reverse_ack,omitempty"`
}

func EncodeHello(h Hello) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typeHello, Hello: &h})
}

func EncodeHelloAck(a HelloAck) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typeHelloAck, HelloAck: &a})
}

func EncodeHeartbeat(h Heartbeat) ([]byte, error) {
	return json.Marshal(Envelope{Type: typeHeartbeat, Heartbeat: &h})
}

func EncodeHeartbeatAck(a HeartbeatAck) ([]byte, error) {
	return json.Marshal(Envelope{Type: typeHeartbeatAck, HeartbeatAck: &a})
}

func EncodeResume(r Resume) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typeResume, Resume: &r})
}

func EncodeResumeAck(a ResumeAck) ([]byte, error) {
	return json.Marshal(Envelope{Type: typeResumeAck, ResumeAck: &a})
}

func EncodeReverseOpen(r ReverseOpen) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typeReverseOpen, ReverseOpen: &r})
}

func EncodeReverseAck(a ReverseAck) ([]byte, error) {
	return json.Marshal(Envelope{Type: typeReverseAck, ReverseAck: &a})
}

// Decode parses one channel-0 payload and checks its tagged body is present
// and valid.
func Decode(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	switch env.Type {
	case typeHello:
		if env.Hello == nil {
			return Envelope{}, fmt.Errorf("%w: missing hello body", ErrInvalidEnvelope)
		}
		if err := env.Hello.Validate(); err != nil {
			return Envelope{}, err
		}
	case typeHelloAck:
		if env.HelloAck == nil {
			return Envelope{}, fmt.Errorf("%w: missing hello_ack body", ErrInvalidEnvelope)
		}
		if err := env.HelloAck.Validate(); err != nil {
			return Envelope{}, err
		}
	case typeHeartbeat:
		if env.Heartbeat == nil {
			return Envelope{}, fmt.Errorf("%w: missing heartbeat body", ErrInvalidEnvelope)
		}
	case typeHeartbeatAck:
		if env.HeartbeatAck == nil {
			return Envelope{}, fmt.Errorf("%w: missing heartbeat_ack body", ErrInvalidEnvelope)
		}
	case typeResume:
		if env.Resume == nil {
			return Envelope{}, fmt.Errorf("%w: missing resume body", ErrInvalidEnvelope)
		}
		if err := env.Resume.Validate(); err != nil {
			return Envelope{}, err
		}
	case typeResumeAck:
		if env.ResumeAck == nil {
			return Envelope{}, fmt.Errorf("%w: missing resume_ack body", ErrInvalidEnvelope)
		}
	case typeReverseOpen:
		if env.ReverseOpen == nil {
			return Envelope{}, fmt.Errorf("%w: missing reverse_open body", ErrInvalidEnvelope)
		}
		if err := env.ReverseOpen.Validate(); err != nil {
			return Envelope{}, err
		}
	case typeReverseAck:
		if env.ReverseAck == nil {
			return Envelope{}, fmt.Errorf("%w: missing reverse_ack body", ErrInvalidEnvelope)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, env.Type)
	}
	return env, nil
}

// IsHeartbeat reports whether env is a heartbeat probe.
func (e Envelope) IsHeartbeat() bool { return e.Type == typeHeartbeat }

// IsHeartbeatAck reports whether env answers a heartbeat probe.
func (e Envelope) IsHeartbeatAck() bool { return e.Type == typeHeartbeatAck }

// IsHello reports whether env starts a handshake.
func (e Envelope) IsHello() bool { return e.Type == typeHello }

// IsHelloAck reports whether env answers a handshake.
func (e Envelope) IsHelloAck() bool { return e.Type == typeHelloAck }

// IsResume reports whether env proposes a session resume.
func (e Envelope) IsResume() bool { return e.Type == typeResume }

// IsResumeAck reports whether env answers a session resume.
func (e Envelope) IsResumeAck() bool { return e.Type == typeResumeAck }

// IsReverseOpen reports whether env carries a reverse-forward spec.
func (e Envelope) IsReverseOpen() bool { return e.Type == typeReverseOpen }

// IsReverseAck reports whether env answers a reverse-forward spec.
func (e Envelope) IsReverseAck() bool { return e.Type == typeReverseAck }
