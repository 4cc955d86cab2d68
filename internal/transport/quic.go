package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/m-jawhar/conduit/internal/certs"
)

const (
	defaultQUICConnWindow   = 64 * 1024 * 1024
	defaultQUICStreamWindow = 16 * 1024 * 1024
	minQUICWindow           = 1 * 1024 * 1024
	maxQUICWindow           = 1024 * 1024 * 1024

	defaultUDPBuffer = 8 * 1024 * 1024
	minUDPBuffer     = 256 * 1024
	maxUDPBuffer     = 64 * 1024 * 1024

	// quicLinger bounds how long the accepting side waits for the peer to
	// close after its last write, so that the final frames are not cut off by
	// an immediate CONNECTION_CLOSE.
	quicLinger = 2 * time.Second
)

func clamp(n, def, lo, hi int) int {
	if n <= 0 {
		n = def
	}
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// quicConfig builds the QUIC config for one transfer per connection.
func quicConfig(opts Options) *quic.Config {
	connWin := clamp(opts.QUICConnWindow, defaultQUICConnWindow, minQUICWindow, maxQUICWindow)
	streamWin := clamp(opts.QUICStreamWindow, defaultQUICStreamWindow, minQUICWindow, maxQUICWindow)
	if streamWin > connWin {
		streamWin = connWin
	}
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             1,
		InitialConnectionReceiveWindow: uint64(connWin),
		MaxConnectionReceiveWindow:     uint64(connWin),
		InitialStreamReceiveWindow:     uint64(streamWin),
		MaxStreamReceiveWindow:         uint64(streamWin),
	}
}

type quicListener struct {
	ln  *quic.Listener
	udp *net.UDPConn
}

func listenQUIC(ctx context.Context, opts Options) (Listener, error) {
	tlsConfig := opts.TLS
	if tlsConfig == nil {
		cfg, err := certs.SelfSignedServerConfig([]string{"localhost"})
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		tlsConfig = cfg
	}

	udpAddr, err := net.ResolveUDPAddr("udp", opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", opts.Addr, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", opts.Addr, err)
	}
	// Socket buffer sizes are best effort; the kernel may clamp them.
	buf := clamp(opts.UDPBufferBytes, defaultUDPBuffer, minUDPBuffer, maxUDPBuffer)
	_ = udp.SetReadBuffer(buf)
	_ = udp.SetWriteBuffer(buf)

	ln, err := quic.Listen(udp, withALPN(tlsConfig, ALPNProtocol), quicConfig(opts))
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("quic listen failed: %w", err)
	}
	return &quicListener{ln: ln, udp: udp}, nil
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			_ = l.Close()
			return nil, ctx.Err()
		}
		if errors.Is(err, quic.ErrServerClosed) || isClosedErr(err) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("failed to accept QUIC connection: %w", err)
	}
	return &quicConn{conn: conn, linger: quicLinger}, nil
}

func (l *quicListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *quicListener) Close() error {
	err := l.ln.Close()
	if uerr := l.udp.Close(); err == nil && !isClosedErr(uerr) {
		err = uerr
	}
	return err
}

func dialQUIC(ctx context.Context, opts Options) (Conn, error) {
	if opts.TLS == nil {
		return nil, ErrTLSConfigRequired
	}
	cfg := withALPN(opts.TLS, ALPNProtocol)
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		if host, _, err := net.SplitHostPort(opts.Addr); err == nil {
			cfg.ServerName = host
		}
	}
	conn, err := quic.DialAddr(ctx, opts.Addr, cfg, quicConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s (quic): %w", opts.Addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}
	qc := &quicConn{conn: conn, stream: stream}
	qc.once.Do(func() {})
	return qc, nil
}

// quicConn carries one transfer on the first bidirectional stream of a QUIC
// connection. The accepting side picks the stream up lazily on first use,
// because the peer's stream only becomes visible once it has written to it.
type quicConn struct {
	conn   quic.Connection
	linger time.Duration

	once      sync.Once
	mu        sync.Mutex
	stream    quic.Stream
	streamErr error

	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*quicConn)(nil)

func (c *quicConn) ensureStream() error {
	c.once.Do(func() {
		stream, err := c.conn.AcceptStream(c.conn.Context())
		if err != nil {
			c.streamErr = fmt.Errorf("failed to accept QUIC stream: %w", err)
			return
		}
		c.mu.Lock()
		c.stream = stream
		c.mu.Unlock()
	})
	return c.streamErr
}

func (c *quicConn) Read(p []byte) (int, error) {
	if err := c.ensureStream(); err != nil {
		return 0, err
	}
	return c.stream.Read(p)
}

func (c *quicConn) Write(p []byte) (int, error) {
	if err := c.ensureStream(); err != nil {
		return 0, err
	}
	return c.stream.Write(p)
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close finishes the stream and closes the connection. On the accepting side it
// first waits up to linger for the peer to close.
func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		stream := c.stream
		c.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		if c.linger > 0 && stream != nil {
			timer := time.NewTimer(c.linger)
			select {
			case <-c.conn.Context().Done():
			case <-timer.C:
			}
			timer.Stop()
		}
		c.closeErr = c.conn.CloseWithError(0, "")
	})
	return c.closeErr
}
