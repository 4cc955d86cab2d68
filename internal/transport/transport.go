// Package transport provides the reliable, ordered byte streams a transfer
// session runs over. The session does not know which kind it is using or
// whether the stream is encrypted.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Kind selects a transport implementation.
type Kind string

const (
	KindTCP  Kind = "tcp"
	KindTLS  Kind = "tls"
	KindQUIC Kind = "quic"
	KindWS   Kind = "ws"
)

// ALPNProtocol is negotiated on TLS and QUIC connections.
const ALPNProtocol = "conduit/1"

const defaultDialTimeout = 5 * time.Second

var (
	// ErrClosed is returned by Accept after the listener has been closed.
	ErrClosed = errors.New("listener closed")
	// ErrTLSConfigRequired indicates a kind that cannot run without TLS material.
	ErrTLSConfigRequired = errors.New("tls configuration required")
)

// Conn is one bidirectional byte stream carrying exactly one transfer.
// Close tears down the whole underlying connection.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
	RemoteAddr() net.Addr
}

// Listener yields inbound Conns.
type Listener interface {
	// Accept blocks until a connection arrives, ctx is done, or the listener
	// is closed. Cancelling ctx closes the listener.
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Options configures Listen and Dial.
type Options struct {
	Kind Kind
	Addr string
	// TLS is required for KindTLS and used for KindQUIC and KindWS when set.
	// A QUIC listener without TLS falls back to a generated self-signed cert.
	TLS         *tls.Config
	DialTimeout time.Duration
	// QUIC receive windows and UDP socket buffers, zero means default.
	QUICConnWindow   int
	QUICStreamWindow int
	UDPBufferBytes   int
}

// ParseKind validates a kind name. The empty string selects tcp.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindTCP, nil
	case KindTCP, KindTLS, KindQUIC, KindWS:
		return k, nil
	default:
		return "", fmt.Errorf("unknown transport %q (want tcp, tls, quic or ws)", s)
	}
}

// Listen opens a listener of the configured kind.
func Listen(ctx context.Context, opts Options) (Listener, error) {
	switch opts.Kind {
	case "", KindTCP:
		return listenTCP(ctx, opts.Addr, nil)
	case KindTLS:
		if opts.TLS == nil {
			return nil, ErrTLSConfigRequired
		}
		return listenTCP(ctx, opts.Addr, opts.TLS)
	case KindQUIC:
		return listenQUIC(ctx, opts)
	case KindWS:
		return listenWS(ctx, opts.Addr, opts.TLS)
	default:
		return nil, fmt.Errorf("unsupported transport %q", opts.Kind)
	}
}

// Dial connects to opts.Addr with the configured kind.
func Dial(ctx context.Context, opts Options) (Conn, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch opts.Kind {
	case "", KindTCP:
		return dialTCP(ctx, opts.Addr, nil)
	case KindTLS:
		if opts.TLS == nil {
			return nil, ErrTLSConfigRequired
		}
		return dialTCP(ctx, opts.Addr, opts.TLS)
	case KindQUIC:
		return dialQUIC(ctx, opts)
	case KindWS:
		return dialWS(ctx, opts.Addr, opts.TLS)
	default:
		return nil, fmt.Errorf("unsupported transport %q", opts.Kind)
	}
}

// withALPN returns a copy of cfg advertising proto.
func withALPN(cfg *tls.Config, proto string) *tls.Config {
	c := cfg.Clone()
	for _, p := range c.NextProtos {
		if p == proto {
			return c
		}
	}
	c.NextProtos = append(c.NextProtos, proto)
	return c
}
