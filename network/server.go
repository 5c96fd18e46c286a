package network

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"

	"peershare/logging"
)

// Listen opens a listener on the configured transport and serves it.
func (m *SessionManager) Listen(address string) (net.Addr, error) {
	listener, err := m.options.Transport.Listen(address)
	if err != nil {
		return nil, err
	}
	if err := m.Serve(listener); err != nil {
		_ = listener.Close()
		return nil, err
	}
	return listener.Addr(), nil
}

// Serve accepts inbound channels from listener until Close. The manager owns
// the listener afterwards.
func (m *SessionManager) Serve(listener Listener) error {
	if m.isClosed() {
		return ErrManagerClosed
	}

	m.listenerMu.Lock()
	if m.listener != nil {
		m.listenerMu.Unlock()
		return errors.New("session manager is already serving")
	}
	m.listener = listener
	m.listenerMu.Unlock()

	m.wg.Add(1)
	go m.acceptLoop(listener)
	return nil
}

// newAcceptBackoff paces retries after transient Accept failures such as EMFILE.
func newAcceptBackoff() *backoff.ExponentialBackOff {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 5 * time.Millisecond
	retry.MaxInterval = time.Second
	retry.Multiplier = 2
	retry.RandomizationFactor = 0.2
	retry.MaxElapsedTime = 0
	retry.Reset()
	return retry
}

func (m *SessionManager) acceptLoop(listener Listener) {
	defer m.wg.Done()

	retry := newAcceptBackoff()
	for {
		ch, err := listener.Accept(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			wait := retry.NextBackOff()
			m.logger.Warn("accept failed", logging.Error(err), "retry_in", wait)
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if _, err := m.Accept(ch); err != nil && !errors.Is(err, ErrManagerClosed) {
				m.logger.Debug("inbound handshake failed", "remote", ch.RemoteAddr().String(), logging.Error(err))
			}
		}()
	}
}

// Accept runs the inbound handshake on ch and registers the session. The peer
// is identified by the address it advertises in HELLO.
func (m *SessionManager) Accept(ch Channel) (*Session, error) {
	if m.isClosed() {
		_ = ch.Close()
		return nil, ErrManagerClosed
	}

	s := newSession(ch, "", false, m.sessionOptions())
	hello, err := acceptHandshake(ch, m.options.Self, time.Now().Add(m.options.ConnectTimeout))
	if err != nil {
		reason := CloseError
		if errors.Is(err, ErrProtocolViolation) {
			reason = CloseProtocolViolation
		}
		s.teardown(reason, err)
		return nil, fmt.Errorf("accept from %s: %w", ch.RemoteAddr(), err)
	}
	s.peer = hello.Address

	return m.register(s)
}
