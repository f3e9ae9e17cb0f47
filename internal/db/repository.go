package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const notificationColumns = `
	id, alert_id, channel_id, channel_type, recipient, subject, body, status,
	sent_at, delivered_at, retry_count, error_message, next_retry_at, metadata,
	template_id, created_at, updated_at`

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID, &n.AlertID, &n.ChannelID, &n.ChannelType, &n.Recipient, &n.Subject, &n.Body, &n.Status,
		&n.SentAt, &n.DeliveredAt, &n.RetryCount, &n.ErrorMessage, &n.NextRetryAt, &n.Metadata,
		&n.TemplateID, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotification inserts a new notification into the database
func (r *Repository) CreateNotification(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (
			id, alert_id, channel_id, channel_type, recipient, subject, body,
			status, retry_count, metadata, template_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		n.ID, n.AlertID, n.ChannelID, string(n.ChannelType), n.Recipient, n.Subject, n.Body,
		string(n.Status), n.RetryCount, n.Metadata, n.TemplateID,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	n, err := scanNotification(r.db.Pool().QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns notifications matching the filter, newest first.
func (r *Repository) ListNotifications(ctx context.Context, f NotificationFilter) ([]*Notification, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.AlertID != nil {
		args = append(args, *f.AlertID)
		conds = append(conds, fmt.Sprintf("alert_id = $%d", len(args)))
	}
	if f.ChannelType != "" {
		args = append(args, string(f.ChannelType))
		conds = append(conds, fmt.Sprintf("channel_type = $%d", len(args)))
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	return collect(rows, scanNotification)
}

// MarkSent moves a pending notification to sent.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.transition(ctx, id, `
		UPDATE notifications
		SET status = 'sent', sent_at = $2, error_message = NULL, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, at)
}

// MarkDelivered records a delivery receipt for a sent notification.
func (r *Repository) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.transition(ctx, id, `
		UPDATE notifications
		SET status = 'delivered', delivered_at = $2, sent_at = COALESCE(sent_at, $2), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'sent')`, at)
}

// MarkFailed moves a pending notification to failed, incrementing retry_count
// without letting it pass maxRetries.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int, nextRetryAt time.Time) error {
	return r.transition(ctx, id, `
		UPDATE notifications
		SET status = 'failed', error_message = $2, retry_count = LEAST(retry_count + 1, $3),
		    next_retry_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, errMsg, maxRetries, nextRetryAt)
}

// MarkBounced moves a pending notification to the terminal bounced state.
func (r *Repository) MarkBounced(ctx context.Context, id uuid.UUID, errMsg string) error {
	return r.transition(ctx, id, `
		UPDATE notifications
		SET status = 'bounced', error_message = $2, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, errMsg)
}

func (r *Repository) transition(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	tag, err := r.db.Pool().Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("update notification %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s not in expected state: %w", id, ErrConflict)
	}
	return nil
}

// ClaimRetries atomically flips due failed notifications back to pending and
// returns them. Concurrent claimers never receive the same row.
func (r *Repository) ClaimRetries(ctx context.Context, maxRetries int, now time.Time, limit int) ([]*Notification, error) {
	query := `
		UPDATE notifications SET status = 'pending', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notifications
			WHERE status = 'failed' AND retry_count < $1
			  AND (next_retry_at IS NULL OR next_retry_at <= $2)
			ORDER BY next_retry_at NULLS FIRST
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + notificationColumns

	rows, err := r.db.Pool().Query(ctx, query, maxRetries, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim retries: %w", err)
	}
	return collect(rows, scanNotification)
}

// FailStalePending marks pending notifications untouched since cutoff as failed.
func (r *Repository) FailStalePending(ctx context.Context, cutoff time.Time, errMsg string, maxRetries int) (int64, error) {
	query := `
		UPDATE notifications
		SET status = 'failed', error_message = $2, retry_count = LEAST(retry_count + 1, $3),
		    next_retry_at = NOW(), updated_at = NOW()
		WHERE status = 'pending' AND updated_at < $1
	`
	tag, err := r.db.Pool().Exec(ctx, query, cutoff, errMsg, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("fail stale pending: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteFinishedNotifications removes sent and delivered notifications created before cutoff.
func (r *Repository) DeleteFinishedNotifications(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notifications WHERE status IN ('sent', 'delivered') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats aggregates alert and notification counts.
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{
		AlertsByStatus:        map[AlertStatus]int64{},
		AlertsByLevel:         map[AlertLevel]int64{},
		NotificationsByStatus: map[NotificationStatus]int64{},
	}

	rows, err := r.db.Pool().Query(ctx, `SELECT status, level, COUNT(*) FROM alerts GROUP BY status, level`)
	if err != nil {
		return nil, fmt.Errorf("query alert stats: %w", err)
	}
	for rows.Next() {
		var (
			status AlertStatus
			level  AlertLevel
			count  int64
		)
		if err := rows.Scan(&status, &level, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan alert stats: %w", err)
		}
		s.AlertsByStatus[status] += count
		s.AlertsByLevel[level] += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert stats: %w", err)
	}

	query := `
		SELECT c.id, c.name,
			COUNT(*) FILTER (WHERE n.status = 'pending'),
			COUNT(*) FILTER (WHERE n.status = 'sent'),
			COUNT(*) FILTER (WHERE n.status = 'delivered'),
			COUNT(*) FILTER (WHERE n.status = 'failed'),
			COUNT(*) FILTER (WHERE n.status = 'bounced')
		FROM notification_channels c
		LEFT JOIN notifications n ON n.channel_id = c.id
		GROUP BY c.id, c.name
		ORDER BY c.name
	`
	rows, err = r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query channel stats: %w", err)
	}
	channels, err := collect(rows, func(row rowScanner) (*ChannelStats, error) {
		var cs ChannelStats
		err := row.Scan(&cs.ChannelID, &cs.ChannelName, &cs.Pending, &cs.Sent, &cs.Delivered, &cs.Failed, &cs.Bounced)
		return &cs, err
	})
	if err != nil {
		return nil, err
	}
	for _, cs := range channels {
		s.Channels = append(s.Channels, *cs)
		s.NotificationsByStatus[StatusPending] += cs.Pending
		s.NotificationsByStatus[StatusSent] += cs.Sent
		s.NotificationsByStatus[StatusDelivered] += cs.Delivered
		s.NotificationsByStatus[StatusFailed] += cs.Failed
		s.NotificationsByStatus[StatusBounced] += cs.Bounced
	}
	return s, nil
}
