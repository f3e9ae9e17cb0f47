package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process implementation of Repository's methods. It is
// used when STORE_DRIVER=memory and by tests across the module.
type MemoryStore struct {
	mu            sync.Mutex
	now           func() time.Time
	alerts        map[uuid.UUID]*Alert
	rules         map[uuid.UUID]*Rule
	channels      map[uuid.UUID]*Channel
	templates     map[uuid.UUID]*Template
	notifications map[uuid.UUID]*Notification
}

// NewMemoryStore creates an empty store using the wall clock.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		alerts:        make(map[uuid.UUID]*Alert),
		rules:         make(map[uuid.UUID]*Rule),
		channels:      make(map[uuid.UUID]*Channel),
		templates:     make(map[uuid.UUID]*Template),
		notifications: make(map[uuid.UUID]*Notification),
	}
}

// SetClock replaces the store's time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Health(ctx context.Context) error { return nil }

func (m *MemoryStore) CreateAlert(ctx context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.alerts {
		if existing.Status != AlertResolved && existing.EntityType == a.EntityType &&
			existing.EntityID == a.EntityID && existing.Type == a.Type {
			return fmt.Errorf("open alert exists for %s/%s: %w", a.EntityType, a.EntityID, ErrConflict)
		}
	}
	now := m.now()
	a.Version = 1
	a.CreatedAt, a.UpdatedAt = now, now
	m.alerts[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

func (m *MemoryStore) FindOpenAlert(ctx context.Context, entityType, entityID string, alertType AlertType) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.alerts {
		if a.Status != AlertResolved && a.EntityType == entityType && a.EntityID == entityID && a.Type == alertType {
			return a.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateAlert(ctx context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.alerts[a.ID]
	if !ok || stored.Version != a.Version {
		return fmt.Errorf("alert %s version %d: %w", a.ID, a.Version, ErrConflict)
	}
	a.Version++
	a.UpdatedAt = m.now()
	// Creation snapshot is immutable.
	a.Data = stored.Data
	a.CreatedAt = stored.CreatedAt
	m.alerts[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Alert
	for _, a := range m.alerts {
		if (f.Status != "" && a.Status != f.Status) ||
			(f.Level != "" && a.Level != f.Level) ||
			(f.Type != "" && a.Type != f.Type) ||
			(f.EntityType != "" && a.EntityType != f.EntityType) ||
			(f.EntityID != "" && a.EntityID != f.EntityID) {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, f.Limit, f.Offset), nil
}

func (m *MemoryStore) ListUnescalatedActive(ctx context.Context, cutoff time.Time, limit int) ([]*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Alert
	for _, a := range m.alerts {
		if a.Status == AlertActive && a.EscalationLevel == 0 && a.CreatedAt.Before(cutoff) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, 0), nil
}

func (m *MemoryStore) DeleteResolvedAlerts(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, a := range m.alerts {
		if a.Status != AlertResolved || a.ResolvedAt == nil || !a.ResolvedAt.Before(cutoff) {
			continue
		}
		blocked := false
		for _, n := range m.notifications {
			if n.AlertID == id && (n.Status == StatusPending || n.Status == StatusFailed || n.Status == StatusBounced) {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		for nid, n := range m.notifications {
			if n.AlertID == id {
				delete(m.notifications, nid)
			}
		}
		delete(m.alerts, id)
		deleted++
	}
	return deleted, nil
}

func (m *MemoryStore) CreateRule(ctx context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.rules {
		if existing.Name == r.Name {
			return fmt.Errorf("rule %q: %w", r.Name, ErrDuplicateRule)
		}
	}
	now := m.now()
	r.CreatedAt, r.UpdatedAt = now, now
	c := *r
	m.rules[r.ID] = &c
	return nil
}

func (m *MemoryStore) UpdateRule(ctx context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.rules[r.ID]
	if !ok {
		return fmt.Errorf("rule %s: %w", r.ID, ErrNotFound)
	}
	for id, existing := range m.rules {
		if id != r.ID && existing.Name == r.Name {
			return fmt.Errorf("rule %q: %w", r.Name, ErrDuplicateRule)
		}
	}
	r.CreatedAt = stored.CreatedAt
	r.UpdatedAt = m.now()
	c := *r
	m.rules[r.ID] = &c
	return nil
}

func (m *MemoryStore) GetRule(ctx context.Context, id uuid.UUID) (*Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	c := *r
	return &c, nil
}

func (m *MemoryStore) ListRules(ctx context.Context, activeOnly bool) ([]*Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Rule
	for _, r := range m.rules {
		if activeOnly && !r.IsActive {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) CreateChannel(ctx context.Context, c *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	m.channels[c.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateChannel(ctx context.Context, c *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.channels[c.ID]
	if !ok {
		return fmt.Errorf("channel %s: %w", c.ID, ErrNotFound)
	}
	c.TotalSent, c.SuccessfulSent, c.FailedSent = stored.TotalSent, stored.SuccessfulSent, stored.FailedSent
	c.CreatedAt = stored.CreatedAt
	c.UpdatedAt = m.now()
	cp := *c
	m.channels[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetChannel(ctx context.Context, id uuid.UUID) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.channels[id]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListChannels(ctx context.Context, activeOnly bool) ([]*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Channel
	for _, c := range m.channels {
		if activeOnly && !c.IsActive {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) RecordChannelResult(ctx context.Context, id uuid.UUID, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.channels[id]
	if !ok {
		return nil
	}
	c.TotalSent++
	if success {
		c.SuccessfulSent++
	} else {
		c.FailedSent++
	}
	return nil
}

func (m *MemoryStore) CreateTemplate(ctx context.Context, t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	m.templates[t.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateTemplate(ctx context.Context, t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.templates[t.ID]
	if !ok {
		return fmt.Errorf("template %s: %w", t.ID, ErrNotFound)
	}
	t.CreatedAt = stored.CreatedAt
	t.UpdatedAt = m.now()
	cp := *t
	m.templates[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTemplates(ctx context.Context, activeOnly bool) ([]*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Template
	for _, t := range m.templates {
		if activeOnly && !t.IsActive {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) CreateNotification(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n.CreatedAt, n.UpdatedAt = now, now
	cp := *n
	m.notifications[n.ID] = &cp
	return nil
}

func (m *MemoryStore) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) ListNotifications(ctx context.Context, f NotificationFilter) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Notification
	for _, n := range m.notifications {
		if (f.Status != "" && n.Status != f.Status) ||
			(f.AlertID != nil && n.AlertID != *f.AlertID) ||
			(f.ChannelType != "" && n.ChannelType != f.ChannelType) {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, f.Limit, f.Offset), nil
}

// mutate applies fn to a notification currently in one of the from states.
func (m *MemoryStore) mutate(id uuid.UUID, fn func(n *Notification, now time.Time), from ...NotificationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	allowed := false
	for _, s := range from {
		if n.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("notification %s not in expected state: %w", id, ErrConflict)
	}
	now := m.now()
	fn(n, now)
	n.UpdatedAt = now
	return nil
}

func (m *MemoryStore) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.mutate(id, func(n *Notification, _ time.Time) {
		n.Status = StatusSent
		n.SentAt = &at
		n.ErrorMessage = nil
		n.NextRetryAt = nil
	}, StatusPending)
}

func (m *MemoryStore) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	return m.mutate(id, func(n *Notification, _ time.Time) {
		n.Status = StatusDelivered
		n.DeliveredAt = &at
		if n.SentAt == nil {
			n.SentAt = &at
		}
	}, StatusPending, StatusSent)
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int, nextRetryAt time.Time) error {
	return m.mutate(id, func(n *Notification, _ time.Time) {
		n.Status = StatusFailed
		n.ErrorMessage = &errMsg
		n.RetryCount = min(n.RetryCount+1, maxRetries)
		n.NextRetryAt = &nextRetryAt
	}, StatusPending)
}

func (m *MemoryStore) MarkBounced(ctx context.Context, id uuid.UUID, errMsg string) error {
	return m.mutate(id, func(n *Notification, _ time.Time) {
		n.Status = StatusBounced
		n.ErrorMessage = &errMsg
		n.NextRetryAt = nil
	}, StatusPending)
}

func (m *MemoryStore) ClaimRetries(ctx context.Context, maxRetries int, now time.Time, limit int) ([]*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Notification
	for _, n := range m.notifications {
		if n.Status == StatusFailed && n.RetryCount < maxRetries &&
			(n.NextRetryAt == nil || !n.NextRetryAt.After(now)) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	due = page(due, limit, 0)

	out := make([]*Notification, 0, len(due))
	for _, n := range due {
		n.Status = StatusPending
		n.UpdatedAt = m.now()
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) FailStalePending(ctx context.Context, cutoff time.Time, errMsg string, maxRetries int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	now := m.now()
	for _, n := range m.notifications {
		if n.Status != StatusPending || !n.UpdatedAt.Before(cutoff) {
			continue
		}
		msg := errMsg
		n.Status = StatusFailed
		n.ErrorMessage = &msg
		n.RetryCount = min(n.RetryCount+1, maxRetries)
		n.NextRetryAt = &now
		n.UpdatedAt = now
		count++
	}
	return count, nil
}

func (m *MemoryStore) DeleteFinishedNotifications(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for id, n := range m.notifications {
		if (n.Status == StatusSent || n.Status == StatusDelivered) && n.CreatedAt.Before(cutoff) {
			delete(m.notifications, id)
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Stats{
		AlertsByStatus:        map[AlertStatus]int64{},
		AlertsByLevel:         map[AlertLevel]int64{},
		NotificationsByStatus: map[NotificationStatus]int64{},
	}
	for _, a := range m.alerts {
		s.AlertsByStatus[a.Status]++
		s.AlertsByLevel[a.Level]++
	}

	byChannel := make(map[uuid.UUID]*ChannelStats, len(m.channels))
	for id, c := range m.channels {
		byChannel[id] = &ChannelStats{ChannelID: id, ChannelName: c.Name}
	}
	for _, n := range m.notifications {
		cs, ok := byChannel[n.ChannelID]
		if !ok {
			continue
		}
		switch n.Status {
		case StatusPending:
			cs.Pending++
		case StatusSent:
			cs.Sent++
		case StatusDelivered:
			cs.Delivered++
		case StatusFailed:
			cs.Failed++
		case StatusBounced:
			cs.Bounced++
		}
		s.NotificationsByStatus[n.Status]++
	}
	for _, cs := range byChannel {
		s.Channels = append(s.Channels, *cs)
	}
	sort.Slice(s.Channels, func(i, j int) bool { return s.Channels[i].ChannelName < s.Channels[j].ChannelName })
	return s, nil
}

// SetNotificationCreatedAt backdates a notification. Test helper for retention checks.
func (m *MemoryStore) SetNotificationCreatedAt(id uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.notifications[id]; ok {
		n.CreatedAt = at
		n.UpdatedAt = at
	}
}

// SetAlertCreatedAt backdates an alert. Test helper for auto-escalation checks.
func (m *MemoryStore) SetAlertCreatedAt(id uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.alerts[id]; ok {
		a.CreatedAt = at
	}
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
