package types

import "sync"

// TradeRing is a bounded, append-only ring of trade records.
// Oldest records are overwritten once capacity is reached.
type TradeRing struct {
	mu    sync.RWMutex
	buf   []TradeRecord
	next  int
	count int
}

// NewTradeRing creates a ring holding at most capacity records.
func NewTradeRing(capacity int) *TradeRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &TradeRing{buf: make([]TradeRecord, capacity)}
}

// Append adds a record, overwriting the oldest when full.
func (r *TradeRing) Append(rec TradeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Len returns the number of records currently held.
func (r *TradeRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Records returns records in chronological order, oldest first.
func (r *TradeRing) Records() []TradeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TradeRecord, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
