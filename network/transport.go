package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// Channel is one duplex byte stream between two nodes.
type Channel interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// Listener yields inbound channels.
type Listener interface {
	Accept(ctx context.Context) (Channel, error)
	Addr() net.Addr
	Close() error
}

// Transport opens and accepts channels.
type Transport interface {
	Name() string
	Dial(ctx context.Context, address string) (Channel, error)
	Listen(address string) (Listener, error)
}

// TCPTransport carries sessions over plain TCP connections.
type TCPTransport struct {
	KeepAlive time.Duration
}

// NewTCPTransport returns a TCP transport with OS keepalive enabled.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{KeepAlive: 30 * time.Second}
}

func (t *TCPTransport) Name() string { return "tcp" }

// Dial connects to address; ctx bounds the dial.
func (t *TCPTransport) Dial(ctx context.Context, address string) (Channel, error) {
	dialer := net.Dialer{KeepAlive: t.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}
	return conn, nil
}

// Listen starts a TCP listener.
func (t *TCPTransport) Listen(address string) (Listener, error) {
	if address == "" {
		address = ":0"
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	return &tcpListener{listener: listener}, nil
}

type tcpListener struct {
	listener net.Listener
}

// Accept blocks until a connection arrives or the listener is closed.
func (l *tcpListener) Accept(ctx context.Context) (Channel, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("accept connection: %w", err)
	}
	return conn, nil
}

func (l *tcpListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *tcpListener) Close() error {
	return l.listener.Close()
}

// NewTransport returns the transport registered under name.
func NewTransport(name string, quicOptions QUICOptions) (Transport, error) {
	switch name {
	case "", "tcp":
		return NewTCPTransport(), nil
	case "quic":
		return NewQUICTransport(quicOptions)
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}
