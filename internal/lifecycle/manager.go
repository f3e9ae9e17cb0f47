// Package lifecycle owns the alert state machine: creation, recurrence,
// escalation, acknowledgement and resolution.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
	"github.com/lalithlochan/stockpulse/internal/events"
	"github.com/lalithlochan/stockpulse/internal/metrics"
	"github.com/lalithlochan/stockpulse/internal/rules"
)

// ErrInvalidAlertState is returned for a transition the current status does not allow.
var ErrInvalidAlertState = errors.New("invalid alert state")

const (
	maxUpdateAttempts = 3
	autoEscalateBatch = 100

	ReasonRecurrence     = "recurrence"
	ReasonUnacknowledged = "unacknowledged"
)

// Outcome describes what Raise did with a candidate.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeRecurred  Outcome = "recurred"
	OutcomeEscalated Outcome = "escalated"
)

type Store interface {
	CreateAlert(ctx context.Context, a *db.Alert) error
	GetAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error)
	FindOpenAlert(ctx context.Context, entityType, entityID string, alertType db.AlertType) (*db.Alert, error)
	UpdateAlert(ctx context.Context, a *db.Alert) error
	ListUnescalatedActive(ctx context.Context, cutoff time.Time, limit int) ([]*db.Alert, error)
}

// Locker serializes Raise per entity.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Notifier is handed every created or escalated alert.
type Notifier interface {
	Dispatch(ctx context.Context, alert *db.Alert) error
}

type Config struct {
	// RecurrenceThreshold is the same-day recurrence count at which an open
	// alert is escalated. Values below 1 mean 1.
	RecurrenceThreshold int
	// EscalateAfter is how long an ACTIVE alert may go unanswered before the
	// auto-escalation pass escalates it. Zero disables the pass.
	EscalateAfter time.Duration
}

type Manager struct {
	store     Store
	locker    Locker
	publisher events.Publisher
	notifier  Notifier
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

func NewManager(store Store, locker Locker, publisher events.Publisher, notifier Notifier, cfg Config, logger *zap.Logger) *Manager {
	if cfg.RecurrenceThreshold < 1 {
		cfg.RecurrenceThreshold = 1
	}
	return &Manager{
		store:     store,
		locker:    locker,
		publisher: publisher,
		notifier:  notifier,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock replaces the manager's time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// SetNotifier attaches the dispatcher after construction.
func (m *Manager) SetNotifier(n Notifier) { m.notifier = n }

// Raise turns a candidate into a new ACTIVE alert, or records a recurrence on
// the open alert for the same entity and type. The entity lock covers the
// lookup and the write only; publishing and dispatch run after it is released.
func (m *Manager) Raise(ctx context.Context, c rules.Candidate) (*db.Alert, Outcome, error) {
	unlock, err := m.locker.Lock(ctx, c.EntityType+":"+c.EntityID)
	if err != nil {
		return nil, "", fmt.Errorf("lock entity %s/%s: %w", c.EntityType, c.EntityID, err)
	}
	alert, outcome, err := func() (*db.Alert, Outcome, error) {
		defer unlock()
		return m.raiseLocked(ctx, c)
	}()
	if err != nil {
		return nil, "", err
	}

	switch outcome {
	case OutcomeCreated:
		m.after(ctx, alert, events.AlertCreated)
	case OutcomeEscalated:
		m.after(ctx, alert, events.AlertEscalated)
	default:
		metrics.RecordAlertTransition(string(OutcomeRecurred))
	}
	return alert, outcome, nil
}

func (m *Manager) raiseLocked(ctx context.Context, c rules.Candidate) (*db.Alert, Outcome, error) {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		open, err := m.store.FindOpenAlert(ctx, c.EntityType, c.EntityID, c.Type)
		switch {
		case errors.Is(err, db.ErrNotFound):
			alert, err := m.create(ctx, c)
			if errors.Is(err, db.ErrConflict) {
				continue
			}
			if err != nil {
				return nil, "", err
			}
			return alert, OutcomeCreated, nil
		case err != nil:
			return nil, "", fmt.Errorf("find open alert: %w", err)
		}

		outcome := m.recur(open, c)
		if err := m.store.UpdateAlert(ctx, open); err != nil {
			if errors.Is(err, db.ErrConflict) {
				m.logger.Debug("alert version conflict, retrying",
					zap.String("alert_id", open.ID.String()),
					zap.Int("attempt", attempt),
				)
				continue
			}
			return nil, "", fmt.Errorf("update alert: %w", err)
		}
		return open, outcome, nil
	}
	return nil, "", fmt.Errorf("raise alert for %s/%s after %d attempts: %w", c.EntityType, c.EntityID, maxUpdateAttempts, db.ErrConflict)
}

func (m *Manager) create(ctx context.Context, c rules.Candidate) (*db.Alert, error) {
	alert := &db.Alert{
		ID:         uuid.New(),
		Type:       c.Type,
		Level:      c.Level,
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Title:      c.Title,
		Message:    c.Message,
		Data:       c.DataJSON(),
		Tags:       c.Tags,
		Status:     db.AlertActive,
		RuleID:     c.RuleID,
	}
	if err := m.store.CreateAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}

	m.logger.Info("alert created",
		zap.String("alert_id", alert.ID.String()),
		zap.String("type", string(alert.Type)),
		zap.String("level", string(alert.Level)),
		zap.String("entity", alert.EntityType+"/"+alert.EntityID),
	)
	metrics.RecordAlertRaised(string(alert.Type), string(alert.Level))
	return alert, nil
}

// recur applies a recurrence to an open alert and escalates it once the
// same-day count reaches the threshold.
func (m *Manager) recur(a *db.Alert, c rules.Candidate) Outcome {
	now := m.now().UTC()
	if a.LastRecurrenceAt != nil && sameDay(*a.LastRecurrenceAt, now) {
		a.RecurringDailyCount++
	} else {
		a.RecurringDailyCount = 1
	}
	a.LastRecurrenceAt = &now
	a.Tags = mergeTags(a.Tags, c.Tags)

	if a.RecurringDailyCount < m.cfg.RecurrenceThreshold {
		return OutcomeRecurred
	}
	escalate(a, db.MaxLevel(a.Level, c.Level), ReasonRecurrence, c.DataJSON(), now)
	return OutcomeEscalated
}

// Acknowledge moves an ACTIVE or ESCALATED alert to ACKNOWLEDGED.
func (m *Manager) Acknowledge(ctx context.Context, id uuid.UUID, by, comment string) (*db.Alert, error) {
	return m.transition(ctx, id, events.AlertAcknowledged, func(a *db.Alert, now time.Time) error {
		if a.Status != db.AlertActive && a.Status != db.AlertEscalated {
			return fmt.Errorf("acknowledge %s alert: %w", a.Status, ErrInvalidAlertState)
		}
		a.Status = db.AlertAcknowledged
		a.AcknowledgedBy = &by
		a.AcknowledgeComment = optional(comment)
		a.AcknowledgedAt = &now
		if a.RespondedAt == nil {
			a.RespondedAt = &now
		}
		return nil
	})
}

// Resolve closes any unresolved alert. RESOLVED is terminal.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID, by, comment, actionTaken string) (*db.Alert, error) {
	return m.transition(ctx, id, events.AlertResolved, func(a *db.Alert, now time.Time) error {
		if a.Status == db.AlertResolved {
			return fmt.Errorf("resolve %s alert: %w", a.Status, ErrInvalidAlertState)
		}
		a.Status = db.AlertResolved
		a.ResolvedBy = &by
		a.ResolutionComment = optional(comment)
		a.ActionTaken = optional(actionTaken)
		a.ResolvedAt = &now
		if a.RespondedAt == nil {
			a.RespondedAt = &now
		}
		return nil
	})
}

// Escalate bumps an unresolved alert one level and records why.
func (m *Manager) Escalate(ctx context.Context, id uuid.UUID, reason string) (*db.Alert, error) {
	return m.transition(ctx, id, events.AlertEscalated, func(a *db.Alert, now time.Time) error {
		if a.Status == db.AlertResolved {
			return fmt.Errorf("escalate %s alert: %w", a.Status, ErrInvalidAlertState)
		}
		escalate(a, a.Level.Next(), reason, nil, now)
		return nil
	})
}

// AutoEscalate escalates ACTIVE alerts nobody has responded to within
// EscalateAfter. It returns how many were escalated.
func (m *Manager) AutoEscalate(ctx context.Context) (int, error) {
	if m.cfg.EscalateAfter <= 0 {
		return 0, nil
	}
	stale, err := m.store.ListUnescalatedActive(ctx, m.now().Add(-m.cfg.EscalateAfter), autoEscalateBatch)
	if err != nil {
		return 0, fmt.Errorf("list unescalated alerts: %w", err)
	}

	escalated := 0
	for _, a := range stale {
		if _, err := m.Escalate(ctx, a.ID, ReasonUnacknowledged); err != nil {
			if errors.Is(err, ErrInvalidAlertState) {
				continue
			}
			m.logger.Warn("auto-escalation failed", zap.String("alert_id", a.ID.String()), zap.Error(err))
			continue
		}
		escalated++
	}
	return escalated, nil
}

func (m *Manager) transition(ctx context.Context, id uuid.UUID, eventType string, apply func(a *db.Alert, now time.Time) error) (*db.Alert, error) {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		a, err := m.store.GetAlert(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get alert %s: %w", id, err)
		}
		if err := apply(a, m.now().UTC()); err != nil {
			return nil, err
		}
		if err := m.store.UpdateAlert(ctx, a); err != nil {
			if errors.Is(err, db.ErrConflict) {
				continue
			}
			return nil, fmt.Errorf("update alert %s: %w", id, err)
		}

		m.logger.Info("alert transitioned",
			zap.String("alert_id", a.ID.String()),
			zap.String("transition", eventType),
			zap.String("status", string(a.Status)),
		)
		m.after(ctx, a, eventType)
		return a, nil
	}
	return nil, fmt.Errorf("alert %s after %d attempts: %w", id, maxUpdateAttempts, db.ErrConflict)
}

// after publishes the transition and hands created or escalated alerts to the
// dispatcher. Neither failure undoes the transition.
func (m *Manager) after(ctx context.Context, a *db.Alert, eventType string) {
	metrics.RecordAlertTransition(eventType)

	if m.publisher != nil {
		if err := m.publisher.PublishAlert(ctx, events.NewAlertEvent(a, eventType, m.now())); err != nil {
			m.logger.Warn("failed to publish alert event",
				zap.String("alert_id", a.ID.String()),
				zap.String("event_type", eventType),
				zap.Error(err),
			)
		}
	}

	if m.notifier == nil || (eventType != events.AlertCreated && eventType != events.AlertEscalated) {
		return
	}
	if err := m.notifier.Dispatch(ctx, a); err != nil {
		m.logger.Warn("dispatch incomplete",
			zap.String("alert_id", a.ID.String()),
			zap.Error(err),
		)
	}
}

func escalate(a *db.Alert, level db.AlertLevel, reason string, data []byte, now time.Time) {
	a.Status = db.AlertEscalated
	a.Level = level
	a.EscalationLevel++
	a.EscalatedAt = &now
	if a.RespondedAt == nil {
		a.RespondedAt = &now
	}
	a.Escalations = append(a.Escalations, db.Escalation{
		Level:     a.EscalationLevel,
		Severity:  level,
		Reason:    reason,
		Data:      data,
		CreatedAt: now,
	})
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func mergeTags(existing, add []string) []string {
	out := append([]string(nil), existing...)
	for _, t := range add {
		found := false
		for _, e := range out {
			if e == t {
				found = true
				break
			}
		}
		if !found {
			out = append(out, t)
		}
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
