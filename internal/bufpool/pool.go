// Package bufpool recycles fixed-size chunk buffers between transfer sessions.
// A buffer handed out by Get belongs to exactly one caller until it is Put back.
package bufpool

import "sync"

// DefaultSize is the chunk size used when none is configured.
const DefaultSize = 64 * 1024

// Pool hands out byte slices of exactly Size bytes.
type Pool struct {
	pool sync.Pool
	size int
}

// New creates a pool of size-byte buffers.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer of length Size.
func (p *Pool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	if cap(*bp) < p.size {
		return make([]byte, p.size)
	}
	return (*bp)[:p.size]
}

// Put returns buf to the pool. Buffers smaller than Size are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}

// Size returns the length of buffers produced by Get.
func (p *Pool) Size() int {
	return p.size
}
