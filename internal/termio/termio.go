// Package termio decouples console output from the transfer path: writes are
// queued and copied to the terminal by a background goroutine.
package termio

import (
	"io"
	"sync"
)

const defaultBacklog = 1024

// Writer queues writes for a background goroutine.
type Writer struct {
	out  io.Writer
	ch   chan []byte
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewWriter starts forwarding to out. backlog bounds the queued writes; once it
// is full, Write blocks.
func NewWriter(out io.Writer, backlog int) *Writer {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	w := &Writer{
		out:  out,
		ch:   make(chan []byte, backlog),
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		for buf := range w.ch {
			_, _ = w.out.Write(buf)
		}
	}()
	return w
}

// Write queues a copy of p.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- buf
	return len(p), nil
}

// Close flushes queued writes and stops the goroutine.
func (w *Writer) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()
	<-w.done
	return nil
}
