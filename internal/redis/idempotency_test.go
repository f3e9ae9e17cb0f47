package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestIdempotencyService_FirstReserveWins(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop(), "events")
	ctx := context.Background()

	ok, err := svc.Reserve(ctx, "evt-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}

	ok, err = svc.Reserve(ctx, "evt-1", time.Minute)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if ok {
		t.Fatal("duplicate reserve should be rejected")
	}
}

func TestIdempotencyService_ScopeIsolation(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	events := NewIdempotencyService(client, zap.NewNop(), "events")
	rules := NewIdempotencyService(client, zap.NewNop(), "rules")
	ctx := context.Background()

	if ok, _ := events.Reserve(ctx, "same-key", time.Minute); !ok {
		t.Fatal("events scope should reserve")
	}
	if ok, _ := rules.Reserve(ctx, "same-key", time.Minute); !ok {
		t.Fatal("rules scope should reserve independently")
	}
}

func TestIdempotencyService_TTLExpiry(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop(), "rules")
	ctx := context.Background()

	_, _ = svc.Reserve(ctx, "rule-1:item-1", time.Hour)
	mr.FastForward(time.Hour + time.Second)

	if ok, _ := svc.Reserve(ctx, "rule-1:item-1", time.Hour); !ok {
		t.Fatal("key should be reservable after TTL")
	}
}

func TestIdempotencyService_Release(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop(), "events")
	ctx := context.Background()

	_, _ = svc.Reserve(ctx, "k", time.Minute)
	if err := svc.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := svc.Reserve(ctx, "k", time.Minute); !ok {
		t.Fatal("released key should be reservable")
	}
}

func TestIdempotencyService_ConcurrentReserve(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop(), "events")
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := svc.Reserve(context.Background(), "hot", time.Minute); err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("winners = %d, want 1", winners.Load())
	}
}
