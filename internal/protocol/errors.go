package protocol

import "errors"

// Session/channel failure taxonomy. Channel-level and most session-level
// errors are recoverable and surface through Status queries only; nothing
// here is process-fatal.
var (
	// ErrAuth is fatal to the current connect attempt and never retried.
	ErrAuth = errors.New("protocol: authentication failed")
	// ErrHostKey is a host identity verification failure, fatal like ErrAuth.
	ErrHostKey = errors.New("protocol: host key verification failed")
	// ErrNetwork is a transient connect failure; drives the reconnect policy.
	ErrNetwork = errors.New("protocol: network error")
	// ErrTransportLost is a trunk failure on an established session.
	ErrTransportLost = errors.New("protocol: transport lost")
	// ErrProtocol is a malformed or out-of-contract frame.
	ErrProtocol = errors.New("protocol: protocol violation")
	// ErrForwardUnreachable means the forward target refused or timed out.
	ErrForwardUnreachable = errors.New("protocol: forward target unreachable")
	// ErrResourceExhausted means channel-id space or queue capacity ran out.
	ErrResourceExhausted = errors.New("protocol: resource exhausted")
)

// Stable wire codes for the control endpoint and Error frames.
const (
	CodeOK                 = "ok"
	CodeAuth               = "auth_error"
	CodeHostKey            = "host_key_error"
	CodeNetwork            = "network_error"
	CodeTransportLost      = "transport_lost"
	CodeProtocol           = "protocol_error"
	CodeForwardUnreachable = "forward_target_unreachable"
	CodeResourceExhausted  = "resource_exhausted"
	CodeAlreadyExists      = "already_exists"
	CodeNotFound           = "not_found"
	CodeInternal           = "internal"
)

// CodeFor maps a taxonomy error to its wire code. Unknown errors map to
// CodeInternal.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrAuth):
		return CodeAuth
	case errors.Is(err, ErrHostKey):
		return CodeHostKey
	case errors.Is(err, ErrTransportLost):
		return CodeTransportLost
	case errors.Is(err, ErrNetwork):
		return CodeNetwork
	case errors.Is(err, ErrProtocol):
		return CodeProtocol
	case errors.Is(err, ErrForwardUnreachable):
		return CodeForwardUnreachable
	case errors.Is(err, ErrResourceExhausted):
		return CodeResourceExhausted
	default:
		return CodeInternal
	}
}

// ErrFor maps a wire code back to its taxonomy error, or nil for CodeOK.
func ErrFor(code string) error {
	switch code {
	case CodeOK:
		return nil
	case CodeAuth:
		return ErrAuth
	case CodeHostKey:
		return ErrHostKey
	case CodeNetwork:
		return ErrNetwork
	case CodeTransportLost:
		return ErrTransportLost
	case CodeProtocol:
		return ErrProtocol
	case CodeForwardUnreachable:
		return ErrForwardUnreachable
	case CodeResourceExhausted:
		return ErrResourceExhausted
	default:
		return errors.New("protocol: " + code)
	}
}
