package stream

import "sync/atomic"

// MemoryTracker is a global allocation budget consulted before a stream grows.
type MemoryTracker interface {
	TrackAllocation(bytes int64) bool
	TrackDeallocation(bytes int64)
}

// Budget is a MemoryTracker with a fixed byte limit.
type Budget struct {
	limit int64
	used  atomic.Int64
}

// NewBudget returns a budget of limit bytes. limit <= 0 accepts everything but still counts.
func NewBudget(limit int64) *Budget {
	return &Budget{limit: limit}
}

func (b *Budget) TrackAllocation(n int64) bool {
	if n <= 0 {
		return true
	}
	for {
		cur := b.used.Load()
		if b.limit > 0 && cur+n > b.limit {
			return false
		}
		if b.used.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

func (b *Budget) TrackDeallocation(n int64) {
	if n > 0 {
		b.used.Add(-n)
	}
}

// Used is the number of bytes currently attributed to live streams.
func (b *Budget) Used() int64 { return b.used.Load() }

func (b *Budget) Limit() int64 { return b.limit }
