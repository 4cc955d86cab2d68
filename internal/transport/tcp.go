package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

type tcpListener struct {
	ln net.Listener
}

func listenTCP(ctx context.Context, addr string, tlsConfig *tls.Config) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, withALPN(tlsConfig, ALPNProtocol))
	}
	return &tcpListener{ln: ln}, nil
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.Close()
	})
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isClosedErr(err) {
			return nil, ErrClosed
		}
		return nil, err
	}
	// TLS handshakes run lazily on the first read so a slow client cannot
	// stall the accept loop.
	return conn, nil
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	err := l.ln.Close()
	if isClosedErr(err) {
		return nil
	}
	return err
}

func dialTCP(ctx context.Context, addr string, tlsConfig *tls.Config) (Conn, error) {
	if tlsConfig == nil {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
		}
		return conn, nil
	}

	cfg := withALPN(tlsConfig, ALPNProtocol)
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			cfg.ServerName = host
		}
	}
	d := tls.Dialer{Config: cfg}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s (tls): %w", addr, err)
	}
	return conn, nil
}
