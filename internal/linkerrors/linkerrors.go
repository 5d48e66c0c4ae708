// Package linkerrors defines the sentinel error kinds shared across the
// framing, packet codec, link state machine and transport packages, so
// callers can test for them uniformly with errors.Is.
package linkerrors

import "errors"

var (
	// ErrMalformedFrame indicates the byte-stuffing decoder could not
	// reverse-substitute a frame (a dangling DLE escape at its end).
	ErrMalformedFrame = errors.New("malformed frame: dangling escape")

	// ErrMalformedHeader indicates a packet codec failed to parse a
	// structurally invalid header.
	ErrMalformedHeader = errors.New("malformed header")

	// ErrUnknownFrameType indicates an inbound link frame's type prefix
	// is not one of SOH, FS, SYN, ACK or NAK.
	ErrUnknownFrameType = errors.New("unknown frame type")

	// ErrMissingContext indicates an ICMPv6 message was emitted without a
	// bound IPv6 datagram to supply pseudo-header addresses.
	ErrMissingContext = errors.New("missing IPv6 datagram context")

	// ErrChildExited indicates an operation was attempted against a
	// transport whose child process has already exited.
	ErrChildExited = errors.New("agent child process exited")

	// ErrAlreadyStarted indicates Start was called on an agent session
	// that already has a running transport.
	ErrAlreadyStarted = errors.New("agent already started")
)
