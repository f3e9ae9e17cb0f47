package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
	"github.com/lalithlochan/stockpulse/internal/events"
	"github.com/lalithlochan/stockpulse/internal/metrics"
)

// ErrRateLimitExceeded is recorded on a notification denied by its channel limiter.
var ErrRateLimitExceeded = errors.New("RATE_LIMIT_EXCEEDED")

// Repository is the notification state the executor is allowed to change.
type Repository interface {
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int, nextRetryAt time.Time) error
	MarkBounced(ctx context.Context, id uuid.UUID, errMsg string) error
	RecordChannelResult(ctx context.Context, id uuid.UUID, success bool) error
}

// Limiter admits deliveries per channel per hour.
type Limiter interface {
	TryAcquire(ctx context.Context, channelID string, limit int) (bool, error)
}

type Config struct {
	MaxRetries int
}

// Executor performs one delivery attempt and records the outcome.
type Executor struct {
	repo      Repository
	limiter   Limiter
	sender    Sender
	publisher events.Publisher
	config    Config
	now       func() time.Time
	logger    *zap.Logger
}

func NewExecutor(repo Repository, limiter Limiter, sender Sender, publisher events.Publisher, cfg Config, logger *zap.Logger) *Executor {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	return &Executor{
		repo:      repo,
		limiter:   limiter,
		sender:    sender,
		publisher: publisher,
		config:    cfg,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock overrides the time source.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// MaxRetries is the retry ceiling the executor writes with.
func (e *Executor) MaxRetries() int { return e.config.MaxRetries }

// ConfirmDelivered records a provider delivery receipt for a sent
// notification. Channel counters already counted the send.
func (e *Executor) ConfirmDelivered(ctx context.Context, n *db.Notification) error {
	now := e.now()
	if err := e.repo.MarkDelivered(ctx, n.ID, now); err != nil {
		return err
	}
	metrics.RecordNotificationProcessed(string(db.StatusDelivered), string(n.ChannelType))
	if e.publisher != nil {
		if err := e.publisher.PublishNotification(ctx, events.NewNotificationEvent(n, db.StatusDelivered, now)); err != nil {
			e.logger.Warn("failed to publish notification event",
				zap.String("notification_id", n.ID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Deliver attempts n on ch. The outcome is persisted on the notification;
// nothing is returned to the caller.
func (e *Executor) Deliver(ctx context.Context, ch *db.Channel, n *db.Notification) {
	log := e.logger.With(
		zap.String("notification_id", n.ID.String()),
		zap.String("alert_id", n.AlertID.String()),
		zap.String("channel", string(n.ChannelType)),
	)

	allowed, err := e.limiter.TryAcquire(ctx, ch.ID.String(), ch.RateLimitPerHour)
	if err != nil {
		log.Warn("rate limiter unavailable, allowing delivery", zap.Error(err))
		allowed = true
	}
	if !allowed {
		metrics.RecordRateLimitRejection("channel")
		e.fail(ctx, log, n, ErrRateLimitExceeded.Error())
		e.finish(ctx, log, n, db.StatusFailed)
		return
	}

	start := e.now()
	receipt, err := e.sender.Send(ctx, ch, n)
	metrics.RecordNotificationLatency(string(n.ChannelType), e.now().Sub(start))

	switch {
	case err == nil:
		status := e.succeed(ctx, log, n, receipt)
		e.count(ctx, log, ch, true)
		e.finish(ctx, log, n, status)
	case errors.Is(err, db.ErrBounced):
		log.Warn("notification bounced", zap.Error(err))
		if markErr := e.repo.MarkBounced(ctx, n.ID, err.Error()); markErr != nil {
			log.Error("failed to mark notification bounced", zap.Error(markErr))
		}
		e.count(ctx, log, ch, false)
		e.finish(ctx, log, n, db.StatusBounced)
	default:
		log.Error("failed to send notification", zap.Error(err), zap.Int("attempt", n.RetryCount+1))
		e.fail(ctx, log, n, err.Error())
		e.count(ctx, log, ch, false)
		e.finish(ctx, log, n, db.StatusFailed)
	}
}

func (e *Executor) succeed(ctx context.Context, log *zap.Logger, n *db.Notification, receipt *db.Receipt) db.NotificationStatus {
	now := e.now()
	if err := e.repo.MarkSent(ctx, n.ID, now); err != nil {
		log.Error("failed to mark notification sent", zap.Error(err))
	}
	if receipt != nil && receipt.Delivered {
		if err := e.repo.MarkDelivered(ctx, n.ID, now); err != nil {
			log.Error("failed to mark notification delivered", zap.Error(err))
			return db.StatusSent
		}
		log.Info("notification delivered")
		return db.StatusDelivered
	}
	log.Info("notification sent")
	return db.StatusSent
}

func (e *Executor) fail(ctx context.Context, log *zap.Logger, n *db.Notification, msg string) {
	attempt := min(n.RetryCount+1, e.config.MaxRetries)
	next := e.now().Add(Backoff(attempt))
	if err := e.repo.MarkFailed(ctx, n.ID, msg, e.config.MaxRetries, next); err != nil {
		log.Error("failed to mark notification failed", zap.Error(err))
		return
	}
	if attempt >= e.config.MaxRetries {
		log.Warn("notification reached retry ceiling", zap.Int("retry_count", attempt))
	}
}

// count updates the channel counters for an attempt that reached the provider.
func (e *Executor) count(ctx context.Context, log *zap.Logger, ch *db.Channel, success bool) {
	if ch.ID == uuid.Nil {
		return
	}
	if err := e.repo.RecordChannelResult(ctx, ch.ID, success); err != nil {
		log.Warn("failed to update channel counters", zap.Error(err))
	}
}

func (e *Executor) finish(ctx context.Context, log *zap.Logger, n *db.Notification, status db.NotificationStatus) {
	metrics.RecordNotificationProcessed(string(status), string(n.ChannelType))

	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishNotification(ctx, events.NewNotificationEvent(n, status, e.now())); err != nil {
		log.Warn("failed to publish notification event", zap.Error(err))
	}
}

// Backoff returns the wait before retry number attempt (1-based).
func Backoff(attempt int) time.Duration {
	delays := []time.Duration{
		1 * time.Minute,  // attempt 1 → wait 1 min
		5 * time.Minute,  // attempt 2 → wait 5 min
		15 * time.Minute, // attempt 3+ → wait 15 min
	}

	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}
