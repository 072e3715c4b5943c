// Package protocol owns the wire-level contracts between the daemon and
// its remote agents: the shared error taxonomy, the frame codec
// (protocol/frame), the channel-0 control envelopes (protocol/control),
// and the multiplexer (protocol/mux).
package protocol
