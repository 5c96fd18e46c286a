package network

import (
	"context"
	"time"

	"peershare/logging"
	"peershare/models"
)

// Connect returns the open session for address, dialing and handshaking when
// none exists. Concurrent calls for one address share a single dial. Failures
// are *ConnectError and never touch the registry.
func (m *SessionManager) Connect(ctx context.Context, address models.PeerAddress) (*Session, error) {
	if s := m.Session(address); s != nil {
		return s, nil
	}
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	if address == m.options.Self {
		return nil, &ConnectError{Addr: address, Kind: ErrProtocolMismatch, Err: ErrSelfConnection}
	}

	result, err, _ := m.dials.Do(address.String(), func() (any, error) {
		return m.dial(ctx, address)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Session), nil
}

func (m *SessionManager) dial(ctx context.Context, address models.PeerAddress) (*Session, error) {
	if s := m.Session(address); s != nil {
		return s, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.options.ConnectTimeout)
	defer cancel()

	ch, err := m.options.Transport.Dial(dialCtx, address.String())
	if err != nil {
		return nil, dialError(address, err)
	}

	deadline, ok := dialCtx.Deadline()
	if !ok {
		deadline = time.Now().Add(m.options.ConnectTimeout)
	}

	s := newSession(ch, address, true, m.sessionOptions())
	hello, err := dialHandshake(ch, m.options.Self, deadline)
	if err != nil {
		s.teardown(CloseError, err)
		return nil, handshakeError(address, err)
	}
	if hello.Address == m.options.Self {
		s.teardown(CloseError, ErrSelfConnection)
		return nil, &ConnectError{Addr: address, Kind: ErrProtocolMismatch, Err: ErrSelfConnection}
	}

	// The peer is known by what it advertises, not by the address we dialed.
	if hello.Address != address {
		s.peer = hello.Address
		m.rememberAlias(address, hello.Address)
	}
	return m.register(s)
}

// rememberAlias maps a dialed address onto the peer's advertised identity and
// replaces the alias in the known set.
func (m *SessionManager) rememberAlias(alias, peer models.PeerAddress) {
	m.sessMu.Lock()
	m.aliases[alias] = peer
	m.sessMu.Unlock()

	m.options.Registry.Forget(alias)
	m.logger.Debug("peer reached through alias", logging.Peer(peer.String()), "alias", alias.String())
}
