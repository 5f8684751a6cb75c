package optimize

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytePool(t *testing.T) {
	pool := NewBytePool(MTU)

	buf := pool.Get()
	assert.Len(t, *buf, MTU)

	*buf = (*buf)[:10]
	pool.Put(buf)

	again := pool.Get()
	assert.Len(t, *again, MTU)
}

func TestBytePool_DiscardsShortBuffers(t *testing.T) {
	pool := NewBytePool(64)
	short := make([]byte, 8)

	assert.NotPanics(t, func() {
		pool.Put(&short)
		pool.Put(nil)
	})
	assert.Len(t, *pool.Get(), 64)
}

func TestCounter_FlushesInBatches(t *testing.T) {
	var flushed []int
	c := NewCounter(1000, func(n int) { flushed = append(flushed, n) })

	c.Add(400)
	c.Add(400)
	assert.Empty(t, flushed)

	c.Add(400)
	assert.Equal(t, []int{1200}, flushed)

	c.Add(5)
	c.Flush()
	c.Flush()
	assert.Equal(t, []int{1200, 5}, flushed)
}

func TestCounter_Concurrent(t *testing.T) {
	var mu sync.Mutex
	total := 0
	c := NewCounter(100, func(n int) {
		mu.Lock()
		total += n
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Add(3)
			}
		}()
	}
	wg.Wait()
	c.Flush()

	assert.Equal(t, 3000, total)
}
