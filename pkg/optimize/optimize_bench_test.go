package optimize

import (
	"testing"
)

func BenchmarkBytePool(b *testing.B) {
	pool := NewBytePool(MTU)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		buf := pool.Get()
		(*buf)[0] = byte(i)
		pool.Put(buf)
	}
}

func BenchmarkByteAllocation(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := make([]byte, MTU)
		buf[0] = byte(i)
	}
}

func BenchmarkCounter(b *testing.B) {
	c := NewCounter(64*1024, func(int) {})
	for i := 0; i < b.N; i++ {
		c.Add(1200)
	}
}
