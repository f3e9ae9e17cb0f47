package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
	"github.com/lalithlochan/stockpulse/internal/metrics"
)

// StaleDeliveryError is recorded on notifications left pending past the stale window.
const StaleDeliveryError = "DELIVERY_TIMEOUT"

// MaintenanceStore is the persistence the periodic passes need.
type MaintenanceStore interface {
	ClaimRetries(ctx context.Context, maxRetries int, now time.Time, limit int) ([]*db.Notification, error)
	FailStalePending(ctx context.Context, cutoff time.Time, errMsg string, maxRetries int) (int64, error)
	DeleteFinishedNotifications(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteResolvedAlerts(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (*db.Stats, error)
}

// ChannelLookup resolves the channel a retried notification belongs to.
type ChannelLookup interface {
	Channel(ctx context.Context, id uuid.UUID) (*db.Channel, error)
}

// Escalator runs the unacknowledged-alert escalation pass.
type Escalator interface {
	AutoEscalate(ctx context.Context) (int, error)
}

type MaintenanceConfig struct {
	RetryBatch            int
	StalePendingAfter     time.Duration
	NotificationRetention time.Duration
	AlertRetention        time.Duration

	// Optional connection gauges sampled by the stats pass.
	DBConns    func() int
	RedisConns func() int
}

// Maintenance holds the retry, reaper, cleanup and stats passes.
type Maintenance struct {
	store    MaintenanceStore
	channels ChannelLookup
	executor *Executor
	config   MaintenanceConfig
	now      func() time.Time
	logger   *zap.Logger
}

func NewMaintenance(store MaintenanceStore, channels ChannelLookup, executor *Executor, cfg MaintenanceConfig, logger *zap.Logger) *Maintenance {
	if cfg.RetryBatch == 0 {
		cfg.RetryBatch = 50
	}
	if cfg.StalePendingAfter == 0 {
		cfg.StalePendingAfter = 10 * time.Minute
	}
	if cfg.NotificationRetention == 0 {
		cfg.NotificationRetention = 30 * 24 * time.Hour
	}
	if cfg.AlertRetention == 0 {
		cfg.AlertRetention = 90 * 24 * time.Hour
	}

	return &Maintenance{
		store:    store,
		channels: channels,
		executor: executor,
		config:   cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock overrides the time source.
func (m *Maintenance) SetClock(now func() time.Time) { m.now = now }

// RetryPass claims due failed notifications and attempts each again.
func (m *Maintenance) RetryPass(ctx context.Context) error {
	claimed, err := m.store.ClaimRetries(ctx, m.executor.MaxRetries(), m.now(), m.config.RetryBatch)
	if err != nil {
		return fmt.Errorf("claim retries: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	m.logger.Info("retrying failed notifications", zap.Int("count", len(claimed)))
	for _, n := range claimed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ch, err := m.channels.Channel(ctx, n.ChannelID)
		if err != nil {
			m.logger.Warn("channel unavailable for retry",
				zap.String("notification_id", n.ID.String()),
				zap.String("channel_id", n.ChannelID.String()),
				zap.Error(err),
			)
			ch = &db.Channel{ID: n.ChannelID, Type: n.ChannelType}
		}
		m.executor.Deliver(ctx, ch, n)
	}
	return nil
}

// ReapStale fails notifications stuck in pending so the retry pass picks them up.
func (m *Maintenance) ReapStale(ctx context.Context) error {
	cutoff := m.now().Add(-m.config.StalePendingAfter)
	n, err := m.store.FailStalePending(ctx, cutoff, StaleDeliveryError, m.executor.MaxRetries())
	if err != nil {
		return fmt.Errorf("reap stale pending: %w", err)
	}
	if n > 0 {
		m.logger.Warn("stale pending notifications failed", zap.Int64("count", n))
	}
	return nil
}

// Cleanup deletes old finished notifications and old resolved alerts.
// Failed notifications are kept.
func (m *Maintenance) Cleanup(ctx context.Context) error {
	now := m.now()
	notifs, err := m.store.DeleteFinishedNotifications(ctx, now.Add(-m.config.NotificationRetention))
	if err != nil {
		return fmt.Errorf("cleanup notifications: %w", err)
	}
	alerts, err := m.store.DeleteResolvedAlerts(ctx, now.Add(-m.config.AlertRetention))
	if err != nil {
		return fmt.Errorf("cleanup alerts: %w", err)
	}
	m.logger.Info("cleanup complete",
		zap.Int64("notifications_deleted", notifs),
		zap.Int64("alerts_deleted", alerts),
	)
	return nil
}

// Stats logs a snapshot and refreshes the gauges. It changes no state.
func (m *Maintenance) Stats(ctx context.Context) error {
	s, err := m.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	for status, n := range s.AlertsByStatus {
		metrics.SetAlertCount(string(status), n)
	}
	for status, n := range s.NotificationsByStatus {
		metrics.SetNotificationCount(string(status), n)
	}
	for _, c := range s.Channels {
		metrics.SetChannelSuccessRate(c.ChannelName, c.SuccessRate())
	}
	if m.config.DBConns != nil {
		metrics.SetDBConnections(m.config.DBConns())
	}
	if m.config.RedisConns != nil {
		metrics.SetRedisConnections(m.config.RedisConns())
	}

	m.logger.Info("pipeline stats",
		zap.Any("alerts_by_status", s.AlertsByStatus),
		zap.Any("alerts_by_level", s.AlertsByLevel),
		zap.Any("notifications_by_status", s.NotificationsByStatus),
		zap.Int("channels", len(s.Channels)),
	)
	return nil
}

// Intervals sets how often each pass runs.
type Intervals struct {
	Retry        time.Duration
	StalePending time.Duration
	Cleanup      time.Duration
	Stats        time.Duration
	Escalation   time.Duration
}

// Tasks returns the scheduler tasks for these passes. escalator may be nil.
func (m *Maintenance) Tasks(iv Intervals, escalator Escalator) []Task {
	tasks := []Task{
		{Name: "retry", Interval: iv.Retry, Run: m.RetryPass},
		{Name: "stale_pending", Interval: iv.StalePending, Run: m.ReapStale},
		{Name: "cleanup", Interval: iv.Cleanup, Run: m.Cleanup},
		{Name: "stats", Interval: iv.Stats, Run: m.Stats},
	}
	if escalator != nil {
		tasks = append(tasks, Task{
			Name:     "auto_escalate",
			Interval: iv.Escalation,
			Run: func(ctx context.Context) error {
				n, err := escalator.AutoEscalate(ctx)
				if n > 0 {
					m.logger.Info("auto-escalated unacknowledged alerts", zap.Int("count", n))
				}
				return err
			},
		})
	}
	return tasks
}
