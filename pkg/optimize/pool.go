package optimize

import (
	"sync"
)

// MTU is the largest RTP packet read from or written to the network
const MTU = 1500

// BytePool hands out fixed-size buffers for packet reads and writes. Buffers
// are held by pointer so Put does not allocate.
type BytePool struct {
	pool sync.Pool
	size int
}

func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Get returns a buffer of exactly Size bytes
func (p *BytePool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns b to the pool. Buffers smaller than Size are discarded.
func (p *BytePool) Put(b *[]byte) {
	if b == nil || cap(*b) < p.size {
		return
	}
	*b = (*b)[:p.size]
	p.pool.Put(b)
}

func (p *BytePool) Size() int {
	return p.size
}

// Counter accumulates a byte count and reports it in batches, so hot packet
// loops touch metrics once per batch instead of once per packet.
type Counter struct {
	mu      sync.Mutex
	pending int
	batch   int
	flush   func(n int)
}

func NewCounter(batch int, flush func(n int)) *Counter {
	if batch < 1 {
		batch = 1
	}
	return &Counter{batch: batch, flush: flush}
}

func (c *Counter) Add(n int) {
	c.mu.Lock()
	c.pending += n
	if c.pending < c.batch {
		c.mu.Unlock()
		return
	}
	n, c.pending = c.pending, 0
	c.mu.Unlock()
	c.flush(n)
}

// Flush reports whatever is pending
func (c *Counter) Flush() {
	c.mu.Lock()
	n := c.pending
	c.pending = 0
	c.mu.Unlock()
	if n > 0 {
		c.flush(n)
	}
}
