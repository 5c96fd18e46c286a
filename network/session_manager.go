package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"peershare/crypto"
	"peershare/logging"
	"peershare/models"
	"peershare/registry"
	"peershare/storage"
)

const defaultEventBuffer = 64

var errIssuerMismatch = errors.New("network: claim issuer does not match session peer")

// ShareExposer records a verified share for retrieval by the issuing peer.
type ShareExposer interface {
	ExposeShare(grant models.ShareGrant) error
}

// SecurityRecorder persists denied shares and protocol violations.
type SecurityRecorder interface {
	LogSecurityEvent(event storage.SecurityEvent) error
}

// SessionClosed reports the end of a registered session.
type SessionClosed struct {
	SessionID string
	Peer      models.PeerAddress
	Reason    CloseReason
	WasOpen   bool
	Err       error
}

// ShareResult is the receiver's answer to a SHARE.
type ShareResult struct {
	Granted    bool
	ResourceID string
	Reason     DenyReason
	ExpiresAt  time.Time
}

// SessionManagerOptions configures session lifecycle management.
type SessionManagerOptions struct {
	Self      models.PeerAddress
	Registry  *registry.Registry
	Authority *crypto.Authority
	Transport Transport

	Exposer  ShareExposer
	Security SecurityRecorder
	Logger   *slog.Logger

	// LearnPeers merges PEERS replies into the known set.
	LearnPeers bool

	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration
	EventBuffer       int

	Now func() time.Time
}

// SessionManager owns every session of this node, at most one per peer.
type SessionManager struct {
	options SessionManagerOptions
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sessMu   sync.Mutex
	sessions map[models.PeerAddress]*Session
	aliases  map[models.PeerAddress]models.PeerAddress
	closed   bool
	// eventsClosed is set, under sessMu, when events is closed.
	eventsClosed bool

	dials singleflight.Group

	listenerMu sync.Mutex
	listener   Listener

	events    chan SessionClosed
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSessionManager validates options and returns an idle manager.
func NewSessionManager(options SessionManagerOptions) (*SessionManager, error) {
	if options.Self == "" {
		return nil, errors.New("self address is required")
	}
	if options.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if options.Authority == nil {
		return nil, errors.New("authority is required")
	}
	if options.Transport == nil {
		options.Transport = NewTCPTransport()
	}
	if options.ConnectTimeout <= 0 {
		options.ConnectTimeout = DefaultConnectTimeout
	}
	if options.EventBuffer <= 0 {
		options.EventBuffer = defaultEventBuffer
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		options:  options,
		logger:   logging.Child(options.Logger, "network"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[models.PeerAddress]*Session),
		aliases:  make(map[models.PeerAddress]models.PeerAddress),
		events:   make(chan SessionClosed, options.EventBuffer),
	}, nil
}

// Self returns the advertised address of this node.
func (m *SessionManager) Self() models.PeerAddress {
	return m.options.Self
}

// Events delivers one SessionClosed per registered session. It is closed by Close.
func (m *SessionManager) Events() <-chan SessionClosed {
	return m.events
}

// Session returns the open session for address, or nil. An address the peer
// was dialed under resolves to the peer's advertised identity.
func (m *SessionManager) Session(address models.PeerAddress) *Session {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()

	s := m.sessions[address]
	if s == nil {
		if peer, ok := m.aliases[address]; ok {
			s = m.sessions[peer]
		}
	}
	if s == nil || s.State() != SessionStateOpen {
		return nil
	}
	return s
}

// HasOpenSession reports whether address has a live session.
func (m *SessionManager) HasOpenSession(address models.PeerAddress) bool {
	return m.Session(address) != nil
}

// Sessions returns the registered sessions sorted by peer.
func (m *SessionManager) Sessions() []*Session {
	m.sessMu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.sessMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].peer < out[j].peer })
	return out
}

// SendDiscover writes DISCOVER; the PEERS reply is handled by the read loop.
func (m *SessionManager) SendDiscover(s *Session) error {
	return s.sendExpecting(Discover{}, &pendingReply{verb: VerbDiscover})
}

// Discover runs a DISCOVER round trip and returns the responder's connected set.
func (m *SessionManager) Discover(ctx context.Context, s *Session) ([]models.PeerAddress, error) {
	waiter := &pendingReply{verb: VerbDiscover, reply: make(chan Message, 1)}
	if err := s.sendExpecting(Discover{}, waiter); err != nil {
		return nil, err
	}

	reply, err := m.await(ctx, s, waiter)
	if err != nil {
		return nil, err
	}
	return reply.(PeerList).Peers, nil
}

// Share issues a claim for resourceID, sends it to target and waits for the verdict.
func (m *SessionManager) Share(ctx context.Context, target models.PeerAddress, resourceID string, ttl time.Duration) (ShareResult, error) {
	claim, err := m.options.Authority.Issue(resourceID, m.options.Self, ttl)
	if err != nil {
		return ShareResult{}, err
	}
	token, err := crypto.EncodeToken(claim)
	if err != nil {
		return ShareResult{}, err
	}

	s, err := m.Connect(ctx, target)
	if err != nil {
		return ShareResult{}, err
	}

	result, err := m.SendShare(ctx, s, token)
	if err != nil {
		return ShareResult{}, err
	}
	result.ExpiresAt = claim.ExpiresAt
	return result, nil
}

// SendShare sends an already encoded token and waits for GRANTED or DENIED.
func (m *SessionManager) SendShare(ctx context.Context, s *Session, token string) (ShareResult, error) {
	waiter := &pendingReply{verb: VerbShare, reply: make(chan Message, 1)}
	if err := s.sendExpecting(Share{Token: token}, waiter); err != nil {
		return ShareResult{}, err
	}

	reply, err := m.await(ctx, s, waiter)
	if err != nil {
		return ShareResult{}, err
	}
	verdict := reply.(ShareReply)
	return ShareResult{
		Granted:    verdict.Granted,
		ResourceID: verdict.ResourceID,
		Reason:     verdict.Reason,
	}, nil
}

func (m *SessionManager) await(ctx context.Context, s *Session, waiter *pendingReply) (Message, error) {
	select {
	case reply := <-waiter.reply:
		return reply, nil
	case <-s.Done():
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting, closes every session and closes Events.
func (m *SessionManager) Close() error {
	var closeErr error
	m.closeOnce.Do(func() {
		m.cancel()

		m.listenerMu.Lock()
		if m.listener != nil {
			closeErr = m.listener.Close()
		}
		m.listenerMu.Unlock()

		m.sessMu.Lock()
		m.closed = true
		sessions := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.sessMu.Unlock()

		for _, s := range sessions {
			s.teardown(CloseLocal, nil)
		}

		m.wg.Wait()

		m.sessMu.Lock()
		m.eventsClosed = true
		close(m.events)
		m.sessMu.Unlock()
	})
	return closeErr
}

// register makes s the session for its peer, applying the duplicate policy.
// It returns the session that remains live for the peer.
func (m *SessionManager) register(s *Session) (*Session, error) {
	m.sessMu.Lock()
	if m.closed {
		m.sessMu.Unlock()
		s.teardown(CloseLocal, nil)
		return nil, ErrManagerClosed
	}

	var replaced *Session
	if existing := m.sessions[s.peer]; existing != nil && existing.State() == SessionStateOpen {
		if !m.keepIncoming(existing, s) {
			m.sessMu.Unlock()
			s.teardown(CloseDuplicate, nil)
			m.logger.Debug("dropped duplicate session", logging.Peer(s.peer.String()), "outbound", s.outbound)
			return existing, nil
		}
		replaced = existing
	}

	s.onClose = m.sessionClosed
	m.sessions[s.peer] = s
	m.options.Registry.MarkConnected(s.peer)
	s.start(m.handleMessage)
	m.sessMu.Unlock()

	if replaced != nil {
		replaced.teardown(CloseReplaced, nil)
	}
	m.logger.Info("session open", logging.Peer(s.peer.String()), "outbound", s.outbound, "transport", m.options.Transport.Name())
	return s, nil
}

// keepIncoming decides between two sessions for one peer. Across directions
// both nodes keep the connection dialed by the smaller advertised address;
// within one direction the newer session wins.
func (m *SessionManager) keepIncoming(existing, incoming *Session) bool {
	if existing.outbound == incoming.outbound {
		return true
	}
	selfDials := m.options.Self < incoming.peer
	return incoming.outbound == selfDials
}

func (m *SessionManager) sessionClosed(s *Session, reason CloseReason, err error, wasOpen bool) {
	m.sessMu.Lock()
	current := m.sessions[s.peer] == s
	if current {
		delete(m.sessions, s.peer)
		m.options.Registry.MarkDisconnected(s.peer)
	}
	m.sessMu.Unlock()

	if !current {
		return
	}

	if reason == CloseProtocolViolation {
		m.recordSecurityEvent(storage.EventProtocolViolation, s.peer, storage.SecuritySeverityWarning, map[string]string{
			"error": errorText(err),
		})
	}

	m.emit(SessionClosed{
		SessionID: s.id,
		Peer:      s.peer,
		Reason:    reason,
		WasOpen:   wasOpen,
		Err:       err,
	})
}

// emit publishes a closure unless Events has already been closed. It holds
// sessMu so Close cannot close the channel mid-send.
func (m *SessionManager) emit(event SessionClosed) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	if m.eventsClosed {
		return
	}
	select {
	case m.events <- event:
	default:
		m.logger.Warn("session event dropped", logging.Peer(event.Peer.String()), "reason", event.Reason)
	}
}

// handleMessage dispatches one inbound message. A returned error tears the session down.
func (m *SessionManager) handleMessage(s *Session, message Message) error {
	switch msg := message.(type) {
	case Discover:
		return s.send(PeerList{Peers: m.options.Registry.SnapshotConnected()})
	case PeerList:
		m.learnPeers(msg.Peers)
		return nil
	case Share:
		return m.handleShare(s, msg)
	case ShareReply:
		return nil
	case Hello, Reject:
		return fmt.Errorf("%w: %s after handshake", ErrProtocolViolation, message.verb())
	case Ping, Pong, Bye:
		return nil
	default:
		return fmt.Errorf("%w: unhandled %T", ErrProtocolViolation, message)
	}
}

func (m *SessionManager) learnPeers(peers []models.PeerAddress) {
	if !m.options.LearnPeers {
		return
	}
	for _, peer := range peers {
		if peer == m.options.Self {
			continue
		}
		m.options.Registry.AddKnown(peer)
	}
}

// handleShare verifies a claim and answers GRANTED or DENIED. Denials never
// close the session.
func (m *SessionManager) handleShare(s *Session, share Share) error {
	claim, err := m.options.Authority.VerifyToken(share.Token)
	reason := DenyReason("")
	switch {
	case err != nil:
		reason = DenyReasonFor(err)
	case claim.IssuerPeer != s.peer:
		err = fmt.Errorf("%w: claim issuer %s", errIssuerMismatch, claim.IssuerPeer)
		reason = DenyIssuerMismatch
	case m.options.Exposer != nil:
		grant := models.ShareGrant{
			ResourceID: claim.ResourceID,
			IssuerPeer: claim.IssuerPeer,
			IssuedAt:   claim.IssuedAt,
			ExpiresAt:  claim.ExpiresAt,
			ReceivedAt: m.options.Now(),
		}
		if exposeErr := m.options.Exposer.ExposeShare(grant); exposeErr != nil {
			err = fmt.Errorf("expose share: %w", exposeErr)
			reason = DenyUnavailable
		}
	}

	if reason != "" {
		m.logger.Warn("share denied", logging.Peer(s.peer.String()), "reason", reason, logging.Error(err))
		m.recordSecurityEvent(storage.EventShareDenied, s.peer, storage.SecuritySeverityWarning, map[string]string{
			"reason":      string(reason),
			"resource_id": claim.ResourceID,
			"error":       errorText(err),
		})
		return s.send(ShareReply{Reason: reason})
	}

	m.logger.Info("share granted", logging.Peer(s.peer.String()), "resource_id", claim.ResourceID, "expires_at", claim.ExpiresAt)
	return s.send(ShareReply{Granted: true, ResourceID: claim.ResourceID})
}

func (m *SessionManager) recordSecurityEvent(eventType string, peer models.PeerAddress, severity string, details map[string]string) {
	if m.options.Security == nil {
		return
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		m.logger.Error("encode security event", logging.Error(err))
		return
	}
	address := peer.String()
	if err := m.options.Security.LogSecurityEvent(storage.SecurityEvent{
		EventType:   eventType,
		PeerAddress: &address,
		Details:     string(encoded),
		Severity:    severity,
	}); err != nil {
		m.logger.Error("record security event", "event_type", eventType, logging.Error(err))
	}
}

func (m *SessionManager) sessionOptions() sessionOptions {
	return sessionOptions{
		WriteTimeout:      m.options.WriteTimeout,
		KeepAliveInterval: m.options.KeepAliveInterval,
		IdleTimeout:       m.options.IdleTimeout,
		Logger:            m.logger,
	}
}

func (m *SessionManager) isClosed() bool {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	return m.closed
}

// Addr returns the listening address, or nil before Listen.
func (m *SessionManager) Addr() net.Addr {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
