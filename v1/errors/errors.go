// Package errors defines the sentinel errors shared by latch packages.
//
// Callers should match them with errors.Is: backends wrap the underlying
// driver error so the original cause stays available.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("latch: timeout")
	ErrConnectionClosed = errors.New("latch: connection closed")

	// ErrConnectivity reports that the backend could not be reached for a call.
	ErrConnectivity = errors.New("latch: backend unreachable")
	// ErrSessionExpired reports that the coordination session is gone. Every
	// lock derived from that session must be considered lost.
	ErrSessionExpired = errors.New("latch: session expired")
	// ErrProtocol reports a malformed or unexpected backend reply.
	ErrProtocol = errors.New("latch: unexpected backend response")
	// ErrInvalidArgument is returned for empty keys, empty tokens or
	// non-positive TTLs.
	ErrInvalidArgument = errors.New("latch: invalid argument")
)
