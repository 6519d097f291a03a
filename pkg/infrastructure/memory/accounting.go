// Package memory provides Arrow allocators used when results are exported
// as Arrow record batches.
package memory

import (
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Accounting wraps a memory.Allocator and keeps the number of bytes in use
// and the high-water mark.
type Accounting struct {
	underlying memory.Allocator
	inUse      atomic.Int64
	peak       atomic.Int64
}

// NewAccounting wraps underlying. A nil underlying uses the Go allocator.
func NewAccounting(underlying memory.Allocator) *Accounting {
	if underlying == nil {
		underlying = memory.NewGoAllocator()
	}
	return &Accounting{underlying: underlying}
}

func (a *Accounting) Allocate(size int) []byte {
	a.grow(int64(size))
	return a.underlying.Allocate(size)
}

func (a *Accounting) Reallocate(size int, b []byte) []byte {
	a.grow(int64(size - len(b)))
	return a.underlying.Reallocate(size, b)
}

func (a *Accounting) Free(b []byte) {
	a.inUse.Add(-int64(len(b)))
	a.underlying.Free(b)
}

// InUse returns the bytes currently allocated and not yet freed.
func (a *Accounting) InUse() int64 { return a.inUse.Load() }

// Peak returns the largest InUse value observed.
func (a *Accounting) Peak() int64 { return a.peak.Load() }

func (a *Accounting) grow(delta int64) {
	n := a.inUse.Add(delta)
	for {
		p := a.peak.Load()
		if n <= p || a.peak.CompareAndSwap(p, n) {
			return
		}
	}
}
