package network

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"peershare/logging"
	"peershare/models"
)

// SessionState is the lifecycle state of one session.
type SessionState string

const (
	SessionStateConnecting SessionState = "connecting"
	SessionStateOpen       SessionState = "open"
	SessionStateClosing    SessionState = "closing"
	SessionStateClosed     SessionState = "closed"
)

// byeTimeout caps the farewell write during a local teardown.
const byeTimeout = 250 * time.Millisecond

type sessionOptions struct {
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration
	Logger            *slog.Logger
}

// pendingReply waits for the response to one request sent on the session.
type pendingReply struct {
	verb  string
	reply chan Message
}

// Session is one live control connection with a peer.
type Session struct {
	id       string
	peer     models.PeerAddress
	outbound bool
	ch       Channel
	opts     sessionOptions
	logger   *slog.Logger

	sendMu sync.Mutex

	pendingMu sync.Mutex
	pending   []*pendingReply

	stateMu sync.RWMutex
	state   SessionState

	lastInbound  atomic.Int64
	lastOutbound atomic.Int64

	onClose   func(*Session, CloseReason, error, bool)
	closeOnce sync.Once
	closed    chan struct{}

	reasonMu sync.RWMutex
	reason   CloseReason
	closeErr error
}

func newSession(ch Channel, peer models.PeerAddress, outbound bool, options sessionOptions) *Session {
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = DefaultWriteTimeout
	}
	if options.KeepAliveInterval <= 0 {
		options.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if options.IdleTimeout <= 0 {
		options.IdleTimeout = DefaultIdleTimeout
	}

	id := uuid.NewString()
	s := &Session{
		id:       id,
		peer:     peer,
		outbound: outbound,
		ch:       ch,
		opts:     options,
		logger:   logging.DefaultIfNil(options.Logger).With("session_id", id),
		state:    SessionStateConnecting,
		closed:   make(chan struct{}),
	}
	s.touchInbound()
	s.touchOutbound()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Peer returns the peer address the session is registered under.
func (s *Session) Peer() models.PeerAddress { return s.peer }

// Outbound reports whether this node dialed the session.
func (s *Session) Outbound() bool { return s.outbound }

// RemoteAddr returns the transport-level remote address.
func (s *Session) RemoteAddr() net.Addr { return s.ch.RemoteAddr() }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// CloseReason returns why the session closed, or "" while it is live.
func (s *Session) CloseReason() CloseReason {
	s.reasonMu.RLock()
	defer s.reasonMu.RUnlock()
	return s.reason
}

// Err returns the error that caused teardown, if any.
func (s *Session) Err() error {
	s.reasonMu.RLock()
	defer s.reasonMu.RUnlock()
	return s.closeErr
}

// Close sends BYE and tears the session down.
func (s *Session) Close() error {
	s.teardown(CloseLocal, nil)
	return nil
}

// send writes one message. Writes are serialized and bounded by WriteTimeout.
func (s *Session) send(message Message) error {
	return s.sendExpecting(message, nil)
}

// sendExpecting writes message and, when waiter is non-nil, queues it for the
// next reply in the same critical section so replies match request order.
func (s *Session) sendExpecting(message Message, waiter *pendingReply) error {
	payload, err := EncodeMessage(message)
	if err != nil {
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if state := s.State(); state == SessionStateClosing || state == SessionStateClosed {
		return ErrSessionClosed
	}
	if waiter != nil {
		s.pendingMu.Lock()
		s.pending = append(s.pending, waiter)
		s.pendingMu.Unlock()
	}
	if err := s.writeLocked(payload); err != nil {
		go s.teardown(CloseError, err)
		return err
	}
	return nil
}

func (s *Session) writeLocked(payload []byte) error {
	if err := s.ch.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := WriteFrame(s.ch, payload); err != nil {
		return err
	}
	s.touchOutbound()
	return nil
}

// start moves the session to Open and launches its goroutines.
func (s *Session) start(handle func(*Session, Message) error) {
	s.setState(SessionStateOpen)
	go s.readLoop(handle)
	go s.keepAliveLoop()
}

func (s *Session) readLoop(handle func(*Session, Message) error) {
	for {
		payload, err := ReadFrame(s.ch)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				s.teardown(CloseRemote, nil)
				return
			}
			if errors.Is(err, ErrFrameTooLarge) {
				s.teardown(CloseProtocolViolation, err)
				return
			}
			s.teardown(CloseError, fmt.Errorf("read frame: %w", err))
			return
		}
		s.touchInbound()

		message, err := ParseMessage(payload)
		if err != nil {
			s.teardown(CloseProtocolViolation, err)
			return
		}

		switch message.(type) {
		case Ping:
			if err := s.send(Pong{}); err != nil {
				return
			}
			continue
		case Pong:
			continue
		case Bye:
			s.teardown(CloseRemote, nil)
			return
		case PeerList, ShareReply:
			if err := s.resolvePending(message); err != nil {
				s.teardown(CloseProtocolViolation, err)
				return
			}
		}

		if err := handle(s, message); err != nil {
			if errors.Is(err, ErrProtocolViolation) {
				s.teardown(CloseProtocolViolation, err)
			} else {
				s.teardown(CloseError, err)
			}
			return
		}
	}
}

// resolvePending hands a reply to the oldest outstanding request.
func (s *Session) resolvePending(message Message) error {
	s.pendingMu.Lock()
	if len(s.pending) == 0 {
		s.pendingMu.Unlock()
		return fmt.Errorf("%w: unsolicited %s", ErrProtocolViolation, message.verb())
	}
	head := s.pending[0]
	s.pending = s.pending[1:]
	s.pendingMu.Unlock()

	expected := head.verb
	got := message.verb()
	if got == VerbGranted || got == VerbDenied {
		got = VerbShare
	}
	if got == VerbPeers {
		got = VerbDiscover
	}
	if expected != got {
		return fmt.Errorf("%w: %s reply for %s request", ErrProtocolViolation, message.verb(), expected)
	}

	if head.reply != nil {
		head.reply <- message
	}
	return nil
}

func (s *Session) keepAliveLoop() {
	checkEvery := s.opts.KeepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = s.opts.KeepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.State() != SessionStateOpen {
				return
			}
			if idle := time.Since(time.Unix(0, s.lastInbound.Load())); idle >= s.opts.IdleTimeout {
				s.teardown(CloseIdle, fmt.Errorf("no inbound traffic for %s", idle.Round(time.Millisecond)))
				return
			}
			if time.Since(time.Unix(0, s.lastOutbound.Load())) < s.opts.KeepAliveInterval {
				continue
			}
			if err := s.send(Ping{}); err != nil {
				return
			}
		case <-s.closed:
			return
		}
	}
}

// teardown is the only path to Closed. The first caller's reason wins.
func (s *Session) teardown(reason CloseReason, err error) {
	s.closeOnce.Do(func() {
		wasOpen := s.State() == SessionStateOpen
		s.setState(SessionStateClosing)

		// BYE is best effort: a write already in flight is cut off by the
		// close below rather than waited for.
		if reason == CloseLocal && wasOpen && s.sendMu.TryLock() {
			s.sayBye()
			s.sendMu.Unlock()
		}

		s.reasonMu.Lock()
		s.reason = reason
		s.closeErr = err
		s.reasonMu.Unlock()

		_ = s.ch.Close()
		s.setState(SessionStateClosed)

		s.pendingMu.Lock()
		s.pending = nil
		s.pendingMu.Unlock()
		close(s.closed)

		if err != nil && reason != CloseLocal {
			s.logger.Debug("session closed", logging.Peer(s.peer.String()), "reason", reason, logging.Error(err))
		} else {
			s.logger.Debug("session closed", logging.Peer(s.peer.String()), "reason", reason)
		}

		if s.onClose != nil {
			s.onClose(s, reason, err, wasOpen)
		}
	})
}

// sayBye writes BYE under a short deadline. Callers hold sendMu.
func (s *Session) sayBye() {
	payload, err := EncodeMessage(Bye{})
	if err != nil {
		return
	}
	if err := s.ch.SetWriteDeadline(time.Now().Add(min(byeTimeout, s.opts.WriteTimeout))); err != nil {
		return
	}
	_ = WriteFrame(s.ch, payload)
}

func (s *Session) setState(state SessionState) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state = state
}

func (s *Session) touchInbound() {
	s.lastInbound.Store(time.Now().UnixNano())
}

func (s *Session) touchOutbound() {
	s.lastOutbound.Store(time.Now().UnixNano())
}
