package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
	"github.com/lalithlochan/stockpulse/internal/events"
	"github.com/lalithlochan/stockpulse/internal/inproc"
)

type MockSender struct {
	mu      sync.Mutex
	calls   int
	err     error
	receipt *db.Receipt
}

func (m *MockSender) Send(ctx context.Context, ch *db.Channel, n *db.Notification) (*db.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.receipt != nil {
		return m.receipt, nil
	}
	return &db.Receipt{ProviderID: "mock"}, nil
}

func (m *MockSender) SupportsChannel(channel db.ChannelType) bool { return true }

func (m *MockSender) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type MockLimiter struct {
	allow bool
	err   error
}

func (m *MockLimiter) TryAcquire(ctx context.Context, channelID string, limit int) (bool, error) {
	return m.allow, m.err
}

type MockPublisher struct {
	mu            sync.Mutex
	notifications []events.NotificationEvent
}

func (m *MockPublisher) PublishAlert(ctx context.Context, ev events.AlertEvent) error { return nil }

func (m *MockPublisher) PublishNotification(ctx context.Context, ev events.NotificationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, ev)
	return nil
}

type fixture struct {
	store     *db.MemoryStore
	sender    *MockSender
	publisher *MockPublisher
	executor  *Executor
	channel   *db.Channel
	now       time.Time
}

func newFixture(t *testing.T, limiter Limiter) *fixture {
	t.Helper()
	f := &fixture{
		store:     db.NewMemoryStore(),
		sender:    &MockSender{},
		publisher: &MockPublisher{},
		now:       time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.store.SetClock(clock)
	if limiter == nil {
		limiter = inproc.NewLimiter(time.Hour).WithClock(clock)
	}
	f.executor = NewExecutor(f.store, limiter, f.sender, f.publisher, Config{MaxRetries: 3}, zap.NewNop())
	f.executor.SetClock(clock)

	f.channel = &db.Channel{
		ID:       uuid.New(),
		Name:     "ops-email",
		Type:     db.ChannelEmail,
		IsActive: true,
		Settings: db.ChannelSettings{Email: &db.EmailSettings{To: "ops@example.com"}},
	}
	if err := f.store.CreateChannel(context.Background(), f.channel); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) pending(t *testing.T) *db.Notification {
	t.Helper()
	n := &db.Notification{
		ID:          uuid.New(),
		AlertID:     uuid.New(),
		ChannelID:   f.channel.ID,
		ChannelType: f.channel.Type,
		Recipient:   f.channel.Recipient(),
		Subject:     "Low stock",
		Body:        "I1 has 3 left",
		Status:      db.StatusPending,
	}
	if err := f.store.CreateNotification(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	return n
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *db.Notification {
	t.Helper()
	n, err := f.store.GetNotification(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestDeliver_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		receipt   *db.Receipt
		want      db.NotificationStatus
		retries   int
		successes int64
	}{
		{"sent", nil, nil, db.StatusSent, 0, 1},
		{"delivered", nil, &db.Receipt{Delivered: true}, db.StatusDelivered, 0, 1},
		{"bounced", db.ErrBounced, nil, db.StatusBounced, 0, 0},
		{"failed", errors.New("smtp timeout"), nil, db.StatusFailed, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.sender.err = tt.err
			f.sender.receipt = tt.receipt
			n := f.pending(t)

			f.executor.Deliver(context.Background(), f.channel, n)

			got := f.get(t, n.ID)
			if got.Status != tt.want {
				t.Fatalf("status = %s, want %s", got.Status, tt.want)
			}
			if got.RetryCount != tt.retries {
				t.Errorf("retry_count = %d, want %d", got.RetryCount, tt.retries)
			}
			ch, _ := f.store.GetChannel(context.Background(), f.channel.ID)
			if ch.TotalSent != 1 || ch.SuccessfulSent != tt.successes {
				t.Errorf("counters = %d/%d", ch.TotalSent, ch.SuccessfulSent)
			}
			if len(f.publisher.notifications) != 1 || f.publisher.notifications[0].Status != tt.want {
				t.Errorf("events = %+v", f.publisher.notifications)
			}
		})
	}
}

func TestDeliver_FailureSchedulesBackoff(t *testing.T) {
	f := newFixture(t, nil)
	f.sender.err = errors.New("503")
	n := f.pending(t)

	f.executor.Deliver(context.Background(), f.channel, n)

	got := f.get(t, n.ID)
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(f.now.Add(time.Minute)) {
		t.Errorf("next_retry_at = %v, want now+1m", got.NextRetryAt)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "503" {
		t.Errorf("error_message = %v", got.ErrorMessage)
	}
}

func TestDeliver_RateLimit(t *testing.T) {
	f := newFixture(t, nil)
	f.channel.RateLimitPerHour = 5

	var ids []uuid.UUID
	for i := 0; i < 6; i++ {
		n := f.pending(t)
		ids = append(ids, n.ID)
		f.executor.Deliver(context.Background(), f.channel, n)
	}

	sent, limited := 0, 0
	for _, id := range ids {
		n := f.get(t, id)
		switch {
		case n.Status == db.StatusSent:
			sent++
		case n.Status == db.StatusFailed && n.ErrorMessage != nil && *n.ErrorMessage == "RATE_LIMIT_EXCEEDED":
			limited++
		}
	}
	if sent != 5 || limited != 1 {
		t.Errorf("sent=%d limited=%d, want 5 and 1", sent, limited)
	}
	if f.sender.Calls() != 5 {
		t.Errorf("sender called %d times", f.sender.Calls())
	}

	ch, err := f.store.GetChannel(context.Background(), f.channel.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ch.TotalSent != 5 || ch.SuccessfulSent != 5 || ch.FailedSent != 0 {
		t.Errorf("counters total=%d ok=%d failed=%d, want 5/5/0; a denial is not an attempt",
			ch.TotalSent, ch.SuccessfulSent, ch.FailedSent)
	}
}

func TestDeliver_LimiterErrorFailsOpen(t *testing.T) {
	f := newFixture(t, &MockLimiter{err: errors.New("redis down")})
	n := f.pending(t)

	f.executor.Deliver(context.Background(), f.channel, n)

	if got := f.get(t, n.ID); got.Status != db.StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}
}

func TestConfirmDelivered(t *testing.T) {
	f := newFixture(t, nil)
	n := f.pending(t)
	f.executor.Deliver(context.Background(), f.channel, n)

	if err := f.executor.ConfirmDelivered(context.Background(), n); err != nil {
		t.Fatalf("ConfirmDelivered: %v", err)
	}
	got := f.get(t, n.ID)
	if got.Status != db.StatusDelivered || got.DeliveredAt == nil {
		t.Errorf("status = %s, delivered_at = %v", got.Status, got.DeliveredAt)
	}
	if last := f.publisher.notifications[len(f.publisher.notifications)-1]; last.Status != db.StatusDelivered {
		t.Errorf("last event status = %s", last.Status)
	}
	ch, _ := f.store.GetChannel(context.Background(), f.channel.ID)
	if ch.TotalSent != 1 {
		t.Errorf("confirmation changed counters: total=%d", ch.TotalSent)
	}

	// A second confirmation finds the row already delivered.
	if err := f.executor.ConfirmDelivered(context.Background(), n); !errors.Is(err, db.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 5 * time.Minute},
		{3, 15 * time.Minute},
		{7, 15 * time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
