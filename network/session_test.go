package network

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"peershare/logging"
)

func newPipeSession(t *testing.T, writeTimeout time.Duration) (*Session, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	s := newSession(local, "10.0.0.2:7400", true, sessionOptions{
		WriteTimeout:      writeTimeout,
		KeepAliveInterval: time.Hour,
		IdleTimeout:       time.Hour,
		Logger:            logging.Discard(),
	})
	s.setState(SessionStateOpen)
	return s, remote
}

func TestLocalCloseCutsOffStalledSend(t *testing.T) {
	s, _ := newPipeSession(t, 2*time.Second)

	sendErr := make(chan error, 1)
	go func() { sendErr <- s.send(Discover{}) }()

	// The remote never reads, so the send parks inside the write holding sendMu.
	waitFor(t, time.Second, func() bool {
		if s.sendMu.TryLock() {
			s.sendMu.Unlock()
			return false
		}
		return true
	}, "send in flight")

	start := time.Now()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Close waited %s for the stalled write", elapsed)
	}

	select {
	case err := <-sendErr:
		if err == nil {
			t.Fatalf("expected the in-flight send to fail")
		}
	case <-time.After(time.Second):
		t.Fatalf("in-flight send was not cancelled")
	}
	if s.State() != SessionStateClosed || s.CloseReason() != CloseLocal {
		t.Fatalf("unexpected state %s reason %s", s.State(), s.CloseReason())
	}
}

func TestLocalCloseSendsByeWhenIdle(t *testing.T) {
	s, remote := newPipeSession(t, 2*time.Second)

	received := make(chan Message, 1)
	go func() {
		payload, err := ReadFrame(remote)
		if err != nil {
			return
		}
		if message, err := ParseMessage(payload); err == nil {
			received <- message
		}
	}()

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case message := <-received:
		if message != (Bye{}) {
			t.Fatalf("expected BYE, got %#v", message)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected BYE before close")
	}
}

func TestLocalCloseBoundsByeToUnreadPeer(t *testing.T) {
	s, _ := newPipeSession(t, 5*time.Second)

	start := time.Now()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > byeTimeout+500*time.Millisecond {
		t.Fatalf("Close took %s waiting on BYE", elapsed)
	}
}

type failingListener struct {
	accepts atomic.Int32
}

func (l *failingListener) Accept(ctx context.Context) (Channel, error) {
	l.accepts.Add(1)
	return nil, errors.New("accept tcp: too many open files")
}

func (l *failingListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func (l *failingListener) Close() error { return nil }

func TestAcceptLoopBacksOffOnErrors(t *testing.T) {
	node := startTestNode(t, nil)
	manager, err := NewSessionManager(SessionManagerOptions{
		Self:      "127.0.0.1:9",
		Registry:  node.registry,
		Authority: node.manager.options.Authority,
		Logger:    logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewSessionManager failed: %v", err)
	}

	listener := &failingListener{}
	if err := manager.Serve(listener); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	start := time.Now()
	if err := manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Close blocked on accept backoff for %s", elapsed)
	}
	if n := listener.accepts.Load(); n < 2 || n > 15 {
		t.Fatalf("expected a handful of paced accept attempts, got %d", n)
	}
}

func TestNewAcceptBackoffGrowsAndResets(t *testing.T) {
	retry := newAcceptBackoff()
	first := retry.NextBackOff()
	var last time.Duration
	for range 20 {
		last = retry.NextBackOff()
	}
	if first > 10*time.Millisecond || last < 500*time.Millisecond || last > 1300*time.Millisecond {
		t.Fatalf("unexpected backoff progression: first %s last %s", first, last)
	}
	retry.Reset()
	if again := retry.NextBackOff(); again > 10*time.Millisecond {
		t.Fatalf("expected reset to restart at the initial interval, got %s", again)
	}
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	node := startTestNode(t, nil)
	if err := node.manager.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A session dropping after shutdown must not send on the closed channel.
	node.manager.emit(SessionClosed{Peer: "10.0.0.2:7400", Reason: CloseRemote, WasOpen: true})

	if _, ok := <-node.manager.Events(); ok {
		t.Fatalf("expected events channel to stay closed and empty")
	}
}
