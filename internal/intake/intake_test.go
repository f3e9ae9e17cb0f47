package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
	"github.com/lalithlochan/stockpulse/internal/inproc"
	"github.com/lalithlochan/stockpulse/internal/inventory"
	"github.com/lalithlochan/stockpulse/internal/lifecycle"
	"github.com/lalithlochan/stockpulse/internal/rules"
)

// MockEvaluator proposes one LOW_STOCK candidate per event and records the
// quantities it saw, per entity.
type MockEvaluator struct {
	mu    sync.Mutex
	seen  map[string][]float64
	// explode panics on events with quantity 1.
	explode bool
	err     error
	// partial returns the candidate together with err.
	partial bool
}

func (m *MockEvaluator) Evaluate(ctx context.Context, ev *inventory.Event) ([]rules.Candidate, error) {
	if m.explode && ev.Quantity == 1 {
		panic("boom")
	}
	m.mu.Lock()
	if m.seen == nil {
		m.seen = make(map[string][]float64)
	}
	m.seen[ev.PartitionKey()] = append(m.seen[ev.PartitionKey()], ev.Quantity)
	m.mu.Unlock()
	if m.err != nil && !m.partial {
		return nil, m.err
	}
	typ, id := ev.EntityRef()
	return []rules.Candidate{{Type: db.AlertLowStock, Level: db.LevelWarning, EntityType: typ, EntityID: id}}, m.err
}

func (m *MockEvaluator) calls(key string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.seen[key]...)
}

type MockRaiser struct{ raised atomic.Int32 }

func (m *MockRaiser) Raise(ctx context.Context, c rules.Candidate) (*db.Alert, lifecycle.Outcome, error) {
	m.raised.Add(1)
	return &db.Alert{ID: uuid.New(), Type: c.Type, Level: c.Level}, lifecycle.OutcomeCreated, nil
}

type MockDeadLetter struct {
	mu     sync.Mutex
	bodies []string
}

func (m *MockDeadLetter) Forward(ctx context.Context, d Delivery, reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies = append(m.bodies, string(d.Body))
	return nil
}

type ackCounter struct{ n atomic.Int32 }

func (a *ackCounter) delivery(source, body string) Delivery {
	return Delivery{Source: source, Body: []byte(body), Ack: func(context.Context) error {
		a.n.Add(1)
		return nil
	}}
}

func newIntake(t *testing.T, ev *MockEvaluator, raiser *MockRaiser, dlq DeadLetter) (*Intake, *Pool) {
	t.Helper()
	pool := NewPool(4, 16, zap.NewNop())
	pool.Start(context.Background())
	in := New(pool, ev, raiser, inproc.NewGuard(time.Minute), dlq, Config{}, zap.NewNop())
	return in, pool
}

const stamped = `{"itemId":"I1","locationId":"L1","quantity":%d,"previousQuantity":10,"timestamp":"2026-03-10T09:00:00Z"}`

func TestSubmit_MalformedIsAckedAndDeadLettered(t *testing.T) {
	ev, raiser, dlq, acks := &MockEvaluator{}, &MockRaiser{}, &MockDeadLetter{}, &ackCounter{}
	in, pool := newIntake(t, ev, raiser, dlq)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{nope"},
		{"missing item", `{"quantity":3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := in.Submit(context.Background(), acks.delivery("sqs", tt.body))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
	pool.Stop()

	if acks.n.Load() != 2 {
		t.Errorf("acked %d, want 2", acks.n.Load())
	}
	if len(dlq.bodies) != 2 || dlq.bodies[0] != "{nope" {
		t.Errorf("dead-lettered %v", dlq.bodies)
	}
	if raiser.raised.Load() != 0 {
		t.Error("malformed event reached the lifecycle")
	}
}

func TestSubmit_CrossTopicDuplicateProcessedOnce(t *testing.T) {
	ev, raiser, acks := &MockEvaluator{}, &MockRaiser{}, &ackCounter{}
	in, pool := newIntake(t, ev, raiser, nil)
	body := fmt.Sprintf(stamped, 3)

	for _, topic := range []string{"inventory.updated", "inventory.below-threshold"} {
		d := acks.delivery("kafka", body)
		d.Topic = topic
		if err := in.Submit(context.Background(), d); err != nil {
			t.Fatal(err)
		}
	}
	pool.Stop()

	if raiser.raised.Load() != 1 {
		t.Errorf("raised %d alerts, want 1", raiser.raised.Load())
	}
	if acks.n.Load() != 2 {
		t.Errorf("acked %d, want both copies acked", acks.n.Load())
	}
}

func TestSubmit_PreservesOrderPerEntity(t *testing.T) {
	ev := &MockEvaluator{}
	in, pool := newIntake(t, ev, &MockRaiser{}, nil)

	for q := 0; q < 50; q++ {
		if err := in.Submit(context.Background(), Delivery{Source: "http", Body: []byte(fmt.Sprintf(stamped, q))}); err != nil {
			t.Fatal(err)
		}
	}
	pool.Stop()

	got := ev.calls(inventory.EntityType + ":I1/L1")
	if len(got) != 50 {
		t.Fatalf("processed %d events, want 50", len(got))
	}
	for i, q := range got {
		if q != float64(i) {
			t.Fatalf("event %d had quantity %v, order not preserved", i, q)
		}
	}
}

func TestSubmit_PanicIsRecovered(t *testing.T) {
	ev, raiser, acks := &MockEvaluator{explode: true}, &MockRaiser{}, &ackCounter{}
	in, pool := newIntake(t, ev, raiser, nil)

	for _, q := range []int{1, 2} {
		if err := in.Submit(context.Background(), acks.delivery("sqs", fmt.Sprintf(stamped, q))); err != nil {
			t.Fatal(err)
		}
	}
	pool.Stop()

	if acks.n.Load() != 2 {
		t.Errorf("acked %d, want 2", acks.n.Load())
	}
	if raiser.raised.Load() != 1 {
		t.Errorf("raised %d, want 1 after the panicking event", raiser.raised.Load())
	}
}

func TestSubmit_AfterStop(t *testing.T) {
	in, pool := newIntake(t, &MockEvaluator{}, &MockRaiser{}, nil)
	pool.Stop()
	pool.Stop()
	if err := in.Submit(context.Background(), Delivery{Body: []byte(fmt.Sprintf(stamped, 1))}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

// batchSource hands out its batches once, then blocks until cancelled.
type batchSource struct {
	mu      sync.Mutex
	batches [][]Delivery
}

func (s *batchSource) Receive(ctx context.Context) ([]Delivery, error) {
	s.mu.Lock()
	if len(s.batches) > 0 {
		b := s.batches[0]
		s.batches = s.batches[1:]
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConsume_DrainsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ev, raiser, acks := &MockEvaluator{}, &MockRaiser{}, &ackCounter{}
	pool := NewPool(2, 4, zap.NewNop())
	in := New(pool, ev, raiser, nil, nil, Config{}, zap.NewNop())

	src := &batchSource{batches: [][]Delivery{
		{acks.delivery("sqs", fmt.Sprintf(stamped, 1)), acks.delivery("sqs", "garbage")},
		{acks.delivery("sqs", `{"itemId":"I2","quantity":4,"previousQuantity":9}`)},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	done := make(chan error, 1)
	go func() { done <- in.Consume(ctx, "sqs", src) }()

	deadline := time.Now().Add(2 * time.Second)
	for acks.n.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Consume returned %v", err)
	}
	pool.Stop()

	if acks.n.Load() != 3 {
		t.Errorf("acked %d, want 3", acks.n.Load())
	}
	if raiser.raised.Load() != 2 {
		t.Errorf("raised %d, want 2", raiser.raised.Load())
	}
}

func TestSubmit_EvaluationErrorStillAcked(t *testing.T) {
	ev, raiser, acks := &MockEvaluator{err: errors.New("rules unavailable")}, &MockRaiser{}, &ackCounter{}
	in, pool := newIntake(t, ev, raiser, nil)

	if err := in.Submit(context.Background(), acks.delivery("sqs", fmt.Sprintf(stamped, 4))); err != nil {
		t.Fatalf("Submit returned %v; processing errors stay inside the pool", err)
	}
	pool.Stop()

	if acks.n.Load() != 1 || raiser.raised.Load() != 0 {
		t.Errorf("acks=%d raised=%d, want 1 and 0", acks.n.Load(), raiser.raised.Load())
	}
}

func TestSubmit_FailureWithoutSideEffectReleasesDedupKey(t *testing.T) {
	tests := []struct {
		name      string
		partial   bool
		wantEvals int
		wantRaise int32
	}{
		{"nothing raised, copy is processed again", false, 2, 0},
		{"candidates raised despite rule error, copy is a duplicate", true, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &MockEvaluator{err: errors.New("rules unavailable"), partial: tt.partial}
			raiser, acks := &MockRaiser{}, &ackCounter{}
			in, pool := newIntake(t, ev, raiser, nil)

			body := fmt.Sprintf(stamped, 4)
			_ = in.Submit(context.Background(), acks.delivery("sqs", body))
			_ = in.Submit(context.Background(), acks.delivery("kafka", body))
			pool.Stop()

			if got := len(ev.calls(inventory.EntityType + ":I1/L1")); got != tt.wantEvals {
				t.Errorf("evaluated %d times, want %d", got, tt.wantEvals)
			}
			if got := raiser.raised.Load(); got != tt.wantRaise {
				t.Errorf("raised %d, want %d", got, tt.wantRaise)
			}
			if acks.n.Load() != 2 {
				t.Errorf("acked %d, want 2", acks.n.Load())
			}
		})
	}
}
