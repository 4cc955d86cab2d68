package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSPath is the HTTP path the WebSocket listener upgrades on.
const WSPath = "/transfer"

const wsCloseGrace = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	Subprotocols:    []string{ALPNProtocol},
	CheckOrigin: func(r *http.Request) bool {
		return true // non-browser peers only
	},
}

type wsListener struct {
	ln     net.Listener
	srv    *http.Server
	conns  chan *wsConn
	done   chan struct{}
	closed sync.Once
}

func listenWS(ctx context.Context, addr string, tlsConfig *tls.Config) (Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig.Clone())
	}

	l := &wsListener{
		ln:    ln,
		conns: make(chan *wsConn),
		done:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, l.handle)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		_ = l.srv.Serve(ln)
	}()
	return l, nil
}

func (l *wsListener) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{ws: ws}
	select {
	case l.conns <- c:
	case <-l.done:
		_ = c.Close()
	case <-r.Context().Done():
		_ = c.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		_ = l.Close()
		return nil, ctx.Err()
	}
}

func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *wsListener) Close() error {
	var err error
	l.closed.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	return err
}

func dialWS(ctx context.Context, addr string, tlsConfig *tls.Config) (Conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: WSPath}
	dialer := websocket.Dialer{
		HandshakeTimeout: defaultDialTimeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
		Subprotocols:     []string{ALPNProtocol},
	}
	if tlsConfig != nil {
		u.Scheme = "wss"
		dialer.TLSClientConfig = tlsConfig.Clone()
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s (ws): %w", addr, err)
	}
	return &wsConn{ws: ws}, nil
}

// wsConn presents a WebSocket as a byte stream. Each Write is sent as one
// binary message; Read drains messages in order.
type wsConn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*wsConn)(nil)

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		// WriteControl may run concurrently with a blocked Write.
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
