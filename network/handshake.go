package network

import (
	"errors"
	"fmt"
	"time"

	"peershare/models"
)

var (
	// ErrHandshakeRejected indicates the remote answered HELLO with REJECT.
	ErrHandshakeRejected = errors.New("network: handshake rejected")
	// ErrUnsupportedVersion indicates a HELLO with a different protocol version.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrSelfConnection indicates a HELLO carrying this node's own address.
	ErrSelfConnection = errors.New("network: connection to self")
)

// dialHandshake runs the dialer side: send HELLO, expect HELLO or REJECT.
// The dialer speaks first so stream-oriented transports surface the channel.
func dialHandshake(ch Channel, self models.PeerAddress, deadline time.Time) (Hello, error) {
	if err := setHandshakeDeadline(ch, deadline); err != nil {
		return Hello{}, err
	}

	if err := writeMessage(ch, Hello{Version: ProtocolVersion, Address: self}); err != nil {
		return Hello{}, fmt.Errorf("send hello: %w", err)
	}

	payload, err := ReadFrame(ch)
	if err != nil {
		return Hello{}, fmt.Errorf("read hello reply: %w", err)
	}
	message, err := ParseMessage(payload)
	if err != nil {
		return Hello{}, err
	}

	switch m := message.(type) {
	case Hello:
		if m.Version != ProtocolVersion {
			return Hello{}, fmt.Errorf("%w: expected %d, got %d", ErrUnsupportedVersion, ProtocolVersion, m.Version)
		}
		if err := clearHandshakeDeadline(ch); err != nil {
			return Hello{}, err
		}
		return m, nil
	case Reject:
		return Hello{}, fmt.Errorf("%w: %s", ErrHandshakeRejected, m.Reason)
	default:
		return Hello{}, fmt.Errorf("%w: expected %s, got %s", ErrProtocolViolation, VerbHello, message.verb())
	}
}

// acceptHandshake runs the acceptor side: read HELLO, answer HELLO or REJECT.
func acceptHandshake(ch Channel, self models.PeerAddress, deadline time.Time) (Hello, error) {
	if err := setHandshakeDeadline(ch, deadline); err != nil {
		return Hello{}, err
	}

	payload, err := ReadFrame(ch)
	if err != nil {
		return Hello{}, fmt.Errorf("read hello: %w", err)
	}
	message, err := ParseMessage(payload)
	if err != nil {
		return Hello{}, err
	}
	hello, ok := message.(Hello)
	if !ok {
		return Hello{}, fmt.Errorf("%w: expected %s, got %s", ErrProtocolViolation, VerbHello, message.verb())
	}

	if hello.Version != ProtocolVersion {
		_ = writeMessage(ch, Reject{Reason: RejectVersion})
		return Hello{}, fmt.Errorf("%w: expected %d, got %d", ErrUnsupportedVersion, ProtocolVersion, hello.Version)
	}
	if hello.Address == self {
		_ = writeMessage(ch, Reject{Reason: RejectSelf})
		return Hello{}, ErrSelfConnection
	}

	if err := writeMessage(ch, Hello{Version: ProtocolVersion, Address: self}); err != nil {
		return Hello{}, fmt.Errorf("send hello: %w", err)
	}
	if err := clearHandshakeDeadline(ch); err != nil {
		return Hello{}, err
	}
	return hello, nil
}

func writeMessage(ch Channel, message Message) error {
	payload, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	return WriteFrame(ch, payload)
}

func setHandshakeDeadline(ch Channel, deadline time.Time) error {
	if err := ch.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake read deadline: %w", err)
	}
	if err := ch.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake write deadline: %w", err)
	}
	return nil
}

func clearHandshakeDeadline(ch Channel) error {
	if err := ch.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake read deadline: %w", err)
	}
	if err := ch.SetWriteDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake write deadline: %w", err)
	}
	return nil
}
