// Package inproc holds single-process implementations of the limiter, lock and
// dedup guard used when Redis is not configured.
package inproc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Limiter is a fixed-window counter per key. Each key owns one atomic word
// packing (window index << 32 | count), so admission is a single CAS.
type Limiter struct {
	window time.Duration
	now    func() time.Time
	slots  sync.Map // string -> *atomic.Uint64
}

// NewLimiter creates a limiter with the given window length (one hour for channels).
func NewLimiter(window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Hour
	}
	return &Limiter{window: window, now: time.Now}
}

// WithClock overrides the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// TryAcquire admits one unit for key if fewer than limit were admitted in the
// current window. A limit of zero or less never denies.
func (l *Limiter) TryAcquire(_ context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	v, _ := l.slots.LoadOrStore(key, new(atomic.Uint64))
	slot := v.(*atomic.Uint64)
	win := uint64(l.now().UnixNano()/int64(l.window)) & 0xFFFFFFFF

	for {
		old := slot.Load()
		oldWin, count := old>>32, old&0xFFFFFFFF
		if oldWin != win {
			count = 0
		}
		if count >= uint64(limit) {
			return false, nil
		}
		if slot.CompareAndSwap(old, win<<32|(count+1)) {
			return true, nil
		}
	}
}

// Count returns the units admitted for key in the current window.
func (l *Limiter) Count(key string) int {
	v, ok := l.slots.Load(key)
	if !ok {
		return 0
	}
	cur := v.(*atomic.Uint64).Load()
	win := uint64(l.now().UnixNano()/int64(l.window)) & 0xFFFFFFFF
	if cur>>32 != win {
		return 0
	}
	return int(cur & 0xFFFFFFFF)
}
