// Package dispatch accepts connections and runs one handler per connection,
// with at most a fixed number of handlers in flight.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/m-jawhar/conduit/internal/logging"
	"github.com/m-jawhar/conduit/internal/transport"
)

// DefaultCapacity is the number of concurrent sessions when none is configured.
const DefaultCapacity = 10

const acceptRetryDelay = 100 * time.Millisecond

// Handler serves one connection. The dispatcher closes conn after
// ServeTransfer returns.
type Handler interface {
	ServeTransfer(ctx context.Context, conn transport.Conn) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn transport.Conn) error

// ServeTransfer calls f.
func (f HandlerFunc) ServeTransfer(ctx context.Context, conn transport.Conn) error {
	return f(ctx, conn)
}

// Session describes one connection being served.
type Session struct {
	ID      string    `json:"id"`
	Remote  string    `json:"remote"`
	Started time.Time `json:"started"`
}

// Stats summarizes the dispatcher.
type Stats struct {
	Capacity  int   `json:"capacity"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Dispatcher owns a listener and a bounded set of session slots.
type Dispatcher struct {
	ln       transport.Listener
	handler  Handler
	capacity int
	sem      *semaphore.Weighted
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]Session

	completed atomic.Int64
	failed    atomic.Int64
	wg        sync.WaitGroup
}

// New returns a dispatcher serving ln with h. A capacity below 1 selects
// DefaultCapacity; a nil logger discards.
func New(ln transport.Listener, h Handler, capacity int, logger *slog.Logger) *Dispatcher {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		ln:       ln,
		handler:  h,
		capacity: capacity,
		sem:      semaphore.NewWeighted(int64(capacity)),
		logger:   logger,
		active:   make(map[string]Session),
	}
}

// Serve accepts connections until ctx is done or the listener is closed, then
// waits for every session to return. A slot is taken before Accept, so with
// all slots busy new connections stay in the listener's backlog.
func (d *Dispatcher) Serve(ctx context.Context) error {
	defer d.wg.Wait()

	d.logger.Info("accepting connections", "addr", d.ln.Addr().String(), "capacity", d.capacity)
	for {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		conn, err := d.ln.Accept(ctx)
		if err != nil {
			d.sem.Release(1)
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			d.logger.Warn("accept failed", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		d.wg.Add(1)
		go d.serve(ctx, conn)
	}
}

func (d *Dispatcher) serve(ctx context.Context, conn transport.Conn) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	defer conn.Close()

	s := Session{
		ID:      uuid.NewString(),
		Remote:  conn.RemoteAddr().String(),
		Started: time.Now(),
	}
	d.mu.Lock()
	d.active[s.ID] = s
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, s.ID)
		d.mu.Unlock()
	}()

	log := d.logger.With("session_id", s.ID, "remote", s.Remote)
	log.Debug("session started")
	if err := d.handler.ServeTransfer(ctx, conn); err != nil {
		d.failed.Add(1)
		log.Warn("session failed", "err", err, "duration", time.Since(s.Started))
		return
	}
	d.completed.Add(1)
	log.Info("session finished", "duration", time.Since(s.Started))
}

// Active returns the sessions in flight, oldest first.
func (d *Dispatcher) Active() []Session {
	d.mu.Lock()
	out := make([]Session, 0, len(d.active))
	for _, s := range d.active {
		out = append(out, s)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	active := len(d.active)
	d.mu.Unlock()
	return Stats{
		Capacity:  d.capacity,
		Active:    active,
		Completed: d.completed.Load(),
		Failed:    d.failed.Load(),
	}
}

// Addr returns the listener address.
func (d *Dispatcher) Addr() string {
	return d.ln.Addr().String()
}
