package inproc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiter_ConcurrentAdmission(t *testing.T) {
	tests := []struct {
		name     string
		limit    int
		attempts int
		want     int
	}{
		{"under limit", 10, 7, 7},
		{"exactly at limit", 10, 10, 10},
		{"one over limit", 10, 11, 10},
		{"heavily oversubscribed", 5, 200, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLimiter(time.Hour)
			var allowed atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < tt.attempts; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := l.TryAcquire(context.Background(), "chan-1", tt.limit)
					if err != nil {
						t.Errorf("unexpected error: %v", err)
					}
					if ok {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()

			if got := int(allowed.Load()); got != tt.want {
				t.Errorf("allowed %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLimiter_WindowReset(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	l := NewLimiter(time.Hour).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _ := l.TryAcquire(ctx, "c", 3); !ok {
			t.Fatalf("attempt %d should be allowed", i)
		}
	}
	if ok, _ := l.TryAcquire(ctx, "c", 3); ok {
		t.Fatal("fourth attempt in the same hour should be denied")
	}

	now = now.Add(time.Hour)
	if ok, _ := l.TryAcquire(ctx, "c", 3); !ok {
		t.Fatal("first attempt in a new hour should be allowed")
	}
	if got := l.Count("c"); got != 1 {
		t.Errorf("count after reset = %d, want 1", got)
	}
}

func TestLimiter_ZeroLimitIsUnlimited(t *testing.T) {
	l := NewLimiter(time.Hour)
	for i := 0; i < 100; i++ {
		if ok, _ := l.TryAcquire(context.Background(), "c", 0); !ok {
			t.Fatal("limit 0 should never deny")
		}
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := NewLimiter(time.Hour)
	ctx := context.Background()
	_, _ = l.TryAcquire(ctx, "a", 1)
	if ok, _ := l.TryAcquire(ctx, "b", 1); !ok {
		t.Fatal("key b should have its own budget")
	}
}

func TestKeyedLocker_SerializesSameKey(t *testing.T) {
	k := NewKeyedLocker()
	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(context.Background(), "entity-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside.Load())
	}
	if k.Len() != 0 {
		t.Errorf("expected lock table to be empty, got %d", k.Len())
	}
}

func TestKeyedLocker_ContextCancel(t *testing.T) {
	k := NewKeyedLocker()
	unlock, err := k.Lock(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "x"); err == nil {
		t.Fatal("expected context error while key is held")
	}
}

func TestGuard_Reserve(t *testing.T) {
	g := NewGuard(time.Minute)
	ctx := context.Background()

	ok, err := g.Reserve(ctx, "evt-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}
	ok, _ = g.Reserve(ctx, "evt-1", time.Minute)
	if ok {
		t.Fatal("second reserve of the same key should fail")
	}
	ok, _ = g.Reserve(ctx, "evt-2", time.Minute)
	if !ok {
		t.Fatal("different key should reserve")
	}

	if err := g.Release(ctx, "evt-1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ = g.Reserve(ctx, "evt-1", time.Minute); !ok {
		t.Fatal("released key should reserve again")
	}
}

func TestGuard_Expiry(t *testing.T) {
	g := NewGuard(time.Minute)
	ctx := context.Background()
	_, _ = g.Reserve(ctx, "k", 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	if ok, _ := g.Reserve(ctx, "k", time.Minute); !ok {
		t.Fatal("expired key should be reservable again")
	}
}
