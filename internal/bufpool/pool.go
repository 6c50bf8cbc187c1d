package bufpool

import (
	"sync"
	"sync/atomic"
)

// Pool hands out byte buffers of one fixed size and counts how many are out.
// Upload sessions take one buffer per received chunk and the writer gives it
// back once the bytes are on disk.
type Pool struct {
	pool        sync.Pool
	bufSize     int
	outstanding atomic.Int64
}

// New creates a pool of bufSize-byte buffers.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		b := make([]byte, bufSize)
		return &b
	}
	return p
}

// Get returns a buffer of exactly BufSize bytes.
func (p *Pool) Get() []byte {
	p.outstanding.Add(1)
	bp := p.pool.Get().(*[]byte)
	buf := *bp
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns buf to the pool. Buffers smaller than BufSize are dropped but
// still counted as returned.
func (p *Pool) Put(buf []byte) {
	p.outstanding.Add(-1)
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// Outstanding is the number of buffers handed out and not yet returned.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}
