package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"peershare/crypto"
	"peershare/models"
)

const (
	// ProtocolVersion is the current control protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (64 KiB).
	MaxFrameSize = 64 * 1024
	// DefaultConnectTimeout bounds dial plus handshake duration.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultKeepAliveInterval sends PING on idle sessions.
	DefaultKeepAliveInterval = 15 * time.Second
	// DefaultIdleTimeout tears a session down after this long without inbound traffic.
	DefaultIdleTimeout = 45 * time.Second
)

const (
	VerbHello    = "HELLO"
	VerbReject   = "REJECT"
	VerbDiscover = "DISCOVER"
	VerbPeers    = "PEERS"
	VerbShare    = "SHARE"
	VerbGranted  = "GRANTED"
	VerbDenied   = "DENIED"
	VerbPing     = "PING"
	VerbPong     = "PONG"
	VerbBye      = "BYE"
)

// DenyReason is the reason field of a DENIED reply.
type DenyReason string

const (
	DenyExpired        DenyReason = "expired"
	DenyBadSignature   DenyReason = "bad_signature"
	DenyMalformed      DenyReason = "malformed"
	DenyIssuerMismatch DenyReason = "issuer_mismatch"
	DenyUnavailable    DenyReason = "unavailable"
)

// Handshake rejection reasons.
const (
	RejectVersion = "version"
	RejectSelf    = "self"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrProtocolViolation indicates a malformed or unexpected control message.
	ErrProtocolViolation = errors.New("network: protocol violation")
)

// Message is one parsed control message. The set of implementations is closed.
type Message interface {
	verb() string
}

// Hello opens a session in both directions.
type Hello struct {
	Version int
	Address models.PeerAddress
}

// Reject refuses a handshake.
type Reject struct {
	Reason string
}

// Discover asks for the responder's connected peers.
type Discover struct{}

// PeerList answers Discover.
type PeerList struct {
	Peers []models.PeerAddress
}

// Share carries an encoded share claim.
type Share struct {
	Token string
}

// ShareReply answers Share with GRANTED or DENIED.
type ShareReply struct {
	Granted    bool
	ResourceID string
	Reason     DenyReason
}

type Ping struct{}

type Pong struct{}

// Bye announces a graceful close.
type Bye struct{}

func (Hello) verb() string { return VerbHello }
func (Reject) verb() string { return VerbReject }
func (Discover) verb() string { return VerbDiscover }
func (PeerList) verb() string { return VerbPeers }
func (Share) verb() string { return VerbShare }
func (Ping) verb() string { return VerbPing }
func (Pong) verb() string { return VerbPong }
func (Bye) verb() string { return VerbBye }
func (m ShareReply) verb() string {
	if m.Granted {
		return VerbGranted
	}
	return VerbDenied
}

// EncodeMessage renders a control message as frame payload text.
func EncodeMessage(message Message) ([]byte, error) {
	var text string
	switch m := message.(type) {
	case Hello:
		if m.Address == "" {
			return nil, errors.New("hello address is required")
		}
		text = VerbHello + " " + strconv.Itoa(m.Version) + " " + m.Address.String()
	case Reject:
		if !isToken(m.Reason) {
			return nil, fmt.Errorf("invalid reject reason %q", m.Reason)
		}
		text = VerbReject + " " + m.Reason
	case Discover:
		text = VerbDiscover
	case PeerList:
		var builder strings.Builder
		builder.WriteString(VerbPeers)
		for _, peer := range m.Peers {
			builder.WriteByte('\n')
			builder.WriteString(peer.String())
		}
		text = builder.String()
	case Share:
		if !isToken(m.Token) {
			return nil, errors.New("invalid share token")
		}
		text = VerbShare + " " + m.Token
	case ShareReply:
		if m.Granted {
			if !isLine(m.ResourceID) {
				return nil, fmt.Errorf("invalid resource id %q", m.ResourceID)
			}
			text = VerbGranted + " " + m.ResourceID
		} else {
			if !validDenyReason(m.Reason) {
				return nil, fmt.Errorf("invalid deny reason %q", m.Reason)
			}
			text = VerbDenied + " " + string(m.Reason)
		}
	case Ping:
		text = VerbPing
	case Pong:
		text = VerbPong
	case Bye:
		text = VerbBye
	default:
		return nil, fmt.Errorf("unsupported message %T", message)
	}

	payload := []byte(text)
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return payload, nil
}

// ParseMessage parses one frame payload. Every failure wraps ErrProtocolViolation.
func ParseMessage(payload []byte) (Message, error) {
	text := string(payload)
	if text == "" {
		return nil, violation("empty message")
	}

	head, rest, multiline := strings.Cut(text, "\n")
	verb, arg, hasArg := strings.Cut(head, " ")

	if verb == VerbPeers {
		if hasArg {
			return nil, violation("PEERS takes no inline argument")
		}
		peers := make([]models.PeerAddress, 0)
		if multiline {
			for _, line := range strings.Split(rest, "\n") {
				if line == "" {
					continue
				}
				address, err := models.ParsePeerAddress(line)
				if err != nil {
					return nil, violation(fmt.Sprintf("PEERS entry %q: %v", line, err))
				}
				peers = append(peers, address)
			}
		}
		return PeerList{Peers: peers}, nil
	}

	if multiline {
		return nil, violation(fmt.Sprintf("%s must be a single line", verb))
	}

	switch verb {
	case VerbDiscover, VerbPing, VerbPong, VerbBye:
		if hasArg {
			return nil, violation(fmt.Sprintf("%s takes no argument", verb))
		}
		switch verb {
		case VerbDiscover:
			return Discover{}, nil
		case VerbPing:
			return Ping{}, nil
		case VerbPong:
			return Pong{}, nil
		default:
			return Bye{}, nil
		}
	case VerbHello:
		fields := strings.Split(arg, " ")
		if !hasArg || len(fields) != 2 {
			return nil, violation("HELLO requires version and address")
		}
		version, err := strconv.Atoi(fields[0])
		if err != nil || version <= 0 {
			return nil, violation(fmt.Sprintf("HELLO version %q", fields[0]))
		}
		address, err := models.ParsePeerAddress(fields[1])
		if err != nil {
			return nil, violation(fmt.Sprintf("HELLO address %q: %v", fields[1], err))
		}
		return Hello{Version: version, Address: address}, nil
	case VerbReject:
		if !hasArg || !isToken(arg) {
			return nil, violation("REJECT requires a reason")
		}
		return Reject{Reason: arg}, nil
	case VerbShare:
		if !hasArg || !isToken(arg) || len(arg) > crypto.MaxTokenLength {
			return nil, violation("SHARE requires one token")
		}
		return Share{Token: arg}, nil
	case VerbGranted:
		if !hasArg || !isLine(arg) {
			return nil, violation("GRANTED requires a resource id")
		}
		return ShareReply{Granted: true, ResourceID: arg}, nil
	case VerbDenied:
		reason := DenyReason(arg)
		if !hasArg || !validDenyReason(reason) {
			return nil, violation(fmt.Sprintf("DENIED reason %q", arg))
		}
		return ShareReply{Reason: reason}, nil
	default:
		return nil, violation(fmt.Sprintf("unknown verb %q", verb))
	}
}

// DenyReasonFor maps a claim verification error to its wire reason.
func DenyReasonFor(err error) DenyReason {
	switch {
	case errors.Is(err, crypto.ErrTokenExpired):
		return DenyExpired
	case errors.Is(err, crypto.ErrBadSignature):
		return DenyBadSignature
	case errors.Is(err, crypto.ErrMalformedToken):
		return DenyMalformed
	default:
		return DenyUnavailable
	}
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

func violation(detail string) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, detail)
}

// isToken reports whether value is a non-empty single field.
func isToken(value string) bool {
	return value != "" && !strings.ContainsAny(value, " \t\r\n")
}

// isLine reports whether value is non-empty text without line breaks.
func isLine(value string) bool {
	return strings.TrimSpace(value) != "" && !strings.ContainsAny(value, "\r\n")
}

func validDenyReason(reason DenyReason) bool {
	switch reason {
	case DenyExpired, DenyBadSignature, DenyMalformed, DenyIssuerMismatch, DenyUnavailable:
		return true
	default:
		return false
	}
}
