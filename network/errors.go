package network

import (
	"context"
	"errors"
	"fmt"
	"net"

	"peershare/models"
)

var (
	// ErrConnectRefused indicates the peer could not be reached.
	ErrConnectRefused = errors.New("network: connection refused")
	// ErrConnectTimeout indicates dial or handshake did not finish in time.
	ErrConnectTimeout = errors.New("network: connection timed out")
	// ErrProtocolMismatch indicates the peer did not complete a compatible handshake.
	ErrProtocolMismatch = errors.New("network: protocol mismatch")
	// ErrSessionClosed indicates an operation on a session that is no longer open.
	ErrSessionClosed = errors.New("network: session closed")
	// ErrManagerClosed indicates the session manager has been shut down.
	ErrManagerClosed = errors.New("network: session manager closed")
)

// ConnectError reports why Connect could not open a session.
// errors.Is matches both Kind and the underlying cause.
type ConnectError struct {
	Addr models.PeerAddress
	Kind error
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect %s: %v", e.Addr, e.Kind)
	}
	return fmt.Sprintf("connect %s: %v: %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// CloseReason records which path tore a session down.
type CloseReason string

const (
	CloseLocal             CloseReason = "local"
	CloseRemote            CloseReason = "remote"
	CloseError             CloseReason = "error"
	CloseProtocolViolation CloseReason = "protocol_violation"
	CloseIdle              CloseReason = "idle"
	CloseReplaced          CloseReason = "replaced"
	CloseDuplicate         CloseReason = "duplicate"
)

// Dropped reports whether the reason means the peer went away rather than
// this node choosing to close the session.
func (r CloseReason) Dropped() bool {
	switch r {
	case CloseRemote, CloseError, CloseProtocolViolation, CloseIdle:
		return true
	default:
		return false
	}
}

func dialError(addr models.PeerAddress, err error) *ConnectError {
	kind := ErrConnectRefused
	if isTimeout(err) {
		kind = ErrConnectTimeout
	}
	return &ConnectError{Addr: addr, Kind: kind, Err: err}
}

func handshakeError(addr models.PeerAddress, err error) *ConnectError {
	kind := ErrProtocolMismatch
	if isTimeout(err) {
		kind = ErrConnectTimeout
	}
	return &ConnectError{Addr: addr, Kind: kind, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
