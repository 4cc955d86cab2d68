package transport

import (
	"context"
	"net"
	"strconv"
	"sync"
)

// memAddr names the ends of an in-memory connection.
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type memConn struct {
	net.Conn
	remote memAddr
}

func (c *memConn) RemoteAddr() net.Addr {
	return c.remote
}

// Pipe returns two connected in-memory Conns. Writes block until the other
// end reads, like an unbuffered socket.
func Pipe() (Conn, Conn) {
	a, b := net.Pipe()
	return &memConn{Conn: a, remote: "mem-b"}, &memConn{Conn: b, remote: "mem-a"}
}

// MemListener is an in-memory Listener for tests. Dial queues a connection
// the way a kernel accept backlog does.
type MemListener struct {
	backlog chan Conn
	done    chan struct{}
	once    sync.Once

	mu    sync.Mutex
	count int
}

var _ Listener = (*MemListener)(nil)

// NewMemListener returns a listener with room for backlog pending connections.
func NewMemListener(backlog int) *MemListener {
	if backlog < 1 {
		backlog = 1
	}
	return &MemListener{
		backlog: make(chan Conn, backlog),
		done:    make(chan struct{}),
	}
}

// Dial connects to the listener and returns the client end.
func (l *MemListener) Dial(ctx context.Context) (Conn, error) {
	select {
	case <-l.done:
		return nil, ErrClosed
	default:
	}
	l.mu.Lock()
	l.count++
	id := l.count
	l.mu.Unlock()

	a, b := net.Pipe()
	client := &memConn{Conn: a, remote: "mem-listener"}
	server := &memConn{Conn: b, remote: memAddr("mem-client-" + strconv.Itoa(id))}
	select {
	case l.backlog <- server:
		return client, nil
	case <-l.done:
		_ = a.Close()
		_ = b.Close()
		return nil, ErrClosed
	case <-ctx.Done():
		_ = a.Close()
		_ = b.Close()
		return nil, ctx.Err()
	}
}

// Accept returns the next queued connection.
func (l *MemListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.backlog:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns a placeholder address.
func (l *MemListener) Addr() net.Addr {
	return memAddr("mem-listener")
}

// Close stops Accept and Dial.
func (l *MemListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
