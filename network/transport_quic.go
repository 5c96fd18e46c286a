package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

const (
	quicALPN                 = "peershare/1"
	quicStreamAcceptTimeout  = 10 * time.Second
	quicHandshakeIdleTimeout = 5 * time.Second
	quicMaxIdleTimeout       = 60 * time.Second
	quicKeepAlivePeriod      = 15 * time.Second
)

// QUICOptions configures the QUIC transport.
type QUICOptions struct {
	Certificate tls.Certificate
}

// QUICTransport carries each session on one bidirectional stream of its own
// QUIC connection. Certificates are self-signed and not verified.
type QUICTransport struct {
	serverTLS *tls.Config
	clientTLS *tls.Config
	config    *quic.Config
}

// NewQUICTransport builds a QUIC transport around the node certificate.
func NewQUICTransport(options QUICOptions) (*QUICTransport, error) {
	if len(options.Certificate.Certificate) == 0 {
		return nil, errors.New("quic transport requires a certificate")
	}
	return &QUICTransport{
		serverTLS: &tls.Config{
			Certificates: []tls.Certificate{options.Certificate},
			NextProtos:   []string{quicALPN},
		},
		clientTLS: &tls.Config{
			Certificates:       []tls.Certificate{options.Certificate},
			InsecureSkipVerify: true,
			NextProtos:         []string{quicALPN},
		},
		config: &quic.Config{
			HandshakeIdleTimeout: quicHandshakeIdleTimeout,
			MaxIdleTimeout:       quicMaxIdleTimeout,
			KeepAlivePeriod:      quicKeepAlivePeriod,
		},
	}, nil
}

func (t *QUICTransport) Name() string { return "quic" }

// Dial opens a QUIC connection and its session stream.
func (t *QUICTransport) Dial(ctx context.Context, address string) (Channel, error) {
	conn, err := quic.DialAddr(ctx, address, t.clientTLS, t.config)
	if err != nil {
		return nil, fmt.Errorf("quic dial %q: %w", address, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("quic open stream %q: %w", address, err)
	}
	return &quicChannel{conn: conn, stream: stream}, nil
}

// Listen starts a QUIC listener.
func (t *QUICTransport) Listen(address string) (Listener, error) {
	if address == "" {
		address = ":0"
	}
	listener, err := quic.ListenAddr(address, t.serverTLS, t.config)
	if err != nil {
		return nil, fmt.Errorf("quic listen on %q: %w", address, err)
	}

	ql := &quicListener{
		listener: listener,
		channels: make(chan Channel, 16),
		closed:   make(chan struct{}),
	}
	ql.wg.Add(1)
	go ql.acceptLoop()
	return ql, nil
}

type quicListener struct {
	listener *quic.Listener
	channels chan Channel

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	errMu sync.Mutex
	err   error
}

func (l *quicListener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept(context.Background())
		if err != nil {
			l.errMu.Lock()
			l.err = err
			l.errMu.Unlock()
			l.closeOnce.Do(func() { close(l.closed) })
			return
		}

		l.wg.Add(1)
		go l.acceptStream(conn)
	}
}

// acceptStream waits for the dialer's session stream. The dialer writes HELLO
// first, so a stream only becomes visible once it carries data.
func (l *quicListener) acceptStream(conn *quic.Conn) {
	defer l.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), quicStreamAcceptTimeout)
	defer cancel()
	go func() {
		select {
		case <-l.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return
	}

	channel := &quicChannel{conn: conn, stream: stream}
	select {
	case l.channels <- channel:
	case <-l.closed:
		_ = channel.Close()
	}
}

func (l *quicListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case channel := <-l.channels:
		return channel, nil
	case <-l.closed:
		l.errMu.Lock()
		defer l.errMu.Unlock()
		if l.err != nil {
			return nil, fmt.Errorf("accept quic connection: %w", l.err)
		}
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *quicListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *quicListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	err := l.listener.Close()
	l.wg.Wait()
	return err
}

type quicChannel struct {
	conn   *quic.Conn
	stream *quic.Stream

	closeOnce sync.Once
}

func (c *quicChannel) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicChannel) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicChannel) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicChannel) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

func (c *quicChannel) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close releases the stream and its connection.
func (c *quicChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		_ = c.stream.Close()
		err = c.conn.CloseWithError(0, "")
	})
	return err
}
