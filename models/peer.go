package models

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// PeerAddress identifies a peer by its advertised host:port.
type PeerAddress string

// ErrInvalidAddress indicates a peer address that is not host:port.
var ErrInvalidAddress = errors.New("models: invalid peer address")

// ParsePeerAddress validates and normalizes a host:port peer address.
func ParsePeerAddress(raw string) (PeerAddress, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	host, portText, err := net.SplitHostPort(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidAddress, raw, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("%w: %q: bad port", ErrInvalidAddress, raw)
	}
	if host == "" {
		return "", fmt.Errorf("%w: %q: missing host", ErrInvalidAddress, raw)
	}
	return PeerAddress(net.JoinHostPort(strings.ToLower(host), strconv.Itoa(port))), nil
}

// String returns the address text.
func (a PeerAddress) String() string {
	return string(a)
}

// PeerState is the liveness state of one peer record.
type PeerState string

const (
	PeerConnecting  PeerState = "connecting"
	PeerConnected   PeerState = "connected"
	PeerUnreachable PeerState = "unreachable"
)

// PeerRecord is a point-in-time copy of what a node knows about one peer.
type PeerRecord struct {
	Address  PeerAddress `json:"address"`
	State    PeerState   `json:"state"`
	LastSeen time.Time   `json:"last_seen"`
	Known    bool        `json:"known"`
}
