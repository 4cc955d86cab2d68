package partial

import (
	"context"
	"sync"
)

// Locks grants exclusive use of a destination name to one session at a time.
type Locks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewLocks returns an empty registry.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]chan struct{})}
}

// Acquire blocks until name is free or ctx is done. The returned release func
// must be called exactly once; extra calls are ignored.
func (l *Locks) Acquire(ctx context.Context, name string) (func(), error) {
	for {
		l.mu.Lock()
		ch, busy := l.held[name]
		if !busy {
			ch = make(chan struct{})
			l.held[name] = ch
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() { l.release(name, ch) })
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *Locks) release(name string, ch chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] == ch {
		delete(l.held, name)
	}
	close(ch)
}

// Held reports whether name is currently locked.
func (l *Locks) Held(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[name]
	return ok
}
