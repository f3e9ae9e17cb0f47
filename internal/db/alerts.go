package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const alertColumns = `
	id, type, level, entity_type, entity_id, title, message, data, tags, status,
	acknowledged_by, acknowledge_comment, resolved_by, resolution_comment, action_taken,
	responded_at, acknowledged_at, resolved_at, escalated_at,
	escalation_level, recurring_daily_count, last_recurrence_at, escalations,
	rule_id, version, created_at, updated_at`

func scanAlert(row rowScanner) (*Alert, error) {
	var a Alert
	err := row.Scan(
		&a.ID, &a.Type, &a.Level, &a.EntityType, &a.EntityID, &a.Title, &a.Message, &a.Data, &a.Tags, &a.Status,
		&a.AcknowledgedBy, &a.AcknowledgeComment, &a.ResolvedBy, &a.ResolutionComment, &a.ActionTaken,
		&a.RespondedAt, &a.AcknowledgedAt, &a.ResolvedAt, &a.EscalatedAt,
		&a.EscalationLevel, &a.RecurringDailyCount, &a.LastRecurrenceAt, &a.Escalations,
		&a.RuleID, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilEscalations(e []Escalation) []Escalation {
	if e == nil {
		return []Escalation{}
	}
	return e
}

// CreateAlert inserts a new alert. A concurrent open alert for the same
// entity and type surfaces as ErrConflict.
func (r *Repository) CreateAlert(ctx context.Context, a *Alert) error {
	query := `
		INSERT INTO alerts (
			id, type, level, entity_type, entity_id, title, message, data, tags, status,
			escalation_level, recurring_daily_count, escalations, rule_id, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1)
		RETURNING version, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		a.ID, string(a.Type), string(a.Level), a.EntityType, a.EntityID, a.Title, a.Message, a.Data,
		nonNilStrings(a.Tags), string(a.Status), a.EscalationLevel, a.RecurringDailyCount,
		nonNilEscalations(a.Escalations), a.RuleID,
	).Scan(&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("open alert exists for %s/%s: %w", a.EntityType, a.EntityID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	r.logger.Debug("alert created",
		zap.String("alert_id", a.ID.String()),
		zap.String("type", string(a.Type)),
		zap.String("level", string(a.Level)),
	)
	return nil
}

// GetAlert retrieves an alert by ID
func (r *Repository) GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query alert: %w", err)
	}
	return a, nil
}

// FindOpenAlert returns the unresolved alert for an entity and type.
func (r *Repository) FindOpenAlert(ctx context.Context, entityType, entityID string, alertType AlertType) (*Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE entity_type = $1 AND entity_id = $2 AND type = $3 AND status <> 'RESOLVED'
		ORDER BY created_at DESC LIMIT 1`

	a, err := scanAlert(r.db.Pool().QueryRow(ctx, query, entityType, entityID, string(alertType)))
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query open alert: %w", err)
	}
	return a, nil
}

// UpdateAlert writes every mutable field if the stored version still matches
// a.Version, then bumps the version. A stale version yields ErrConflict.
func (r *Repository) UpdateAlert(ctx context.Context, a *Alert) error {
	query := `
		UPDATE alerts SET
			level = $1, tags = $2, status = $3,
			acknowledged_by = $4, acknowledge_comment = $5, resolved_by = $6,
			resolution_comment = $7, action_taken = $8,
			responded_at = $9, acknowledged_at = $10, resolved_at = $11, escalated_at = $12,
			escalation_level = $13, recurring_daily_count = $14, last_recurrence_at = $15,
			escalations = $16, version = version + 1, updated_at = NOW()
		WHERE id = $17 AND version = $18
		RETURNING version, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		string(a.Level), nonNilStrings(a.Tags), string(a.Status),
		a.AcknowledgedBy, a.AcknowledgeComment, a.ResolvedBy,
		a.ResolutionComment, a.ActionTaken,
		a.RespondedAt, a.AcknowledgedAt, a.ResolvedAt, a.EscalatedAt,
		a.EscalationLevel, a.RecurringDailyCount, a.LastRecurrenceAt,
		nonNilEscalations(a.Escalations), a.ID, a.Version,
	).Scan(&a.Version, &a.UpdatedAt)
	if isNoRows(err) {
		return fmt.Errorf("alert %s version %d: %w", a.ID, a.Version, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	return nil
}

// ListAlerts returns alerts matching the filter, newest first.
func (r *Repository) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Level != "" {
		add("level = $%d", string(f.Level))
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
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
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	return collect(rows, scanAlert)
}

// ListUnescalatedActive returns ACTIVE alerts created before cutoff that were never escalated.
func (r *Repository) ListUnescalatedActive(ctx context.Context, cutoff time.Time, limit int) ([]*Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE status = 'ACTIVE' AND escalation_level = 0 AND created_at < $1
		ORDER BY created_at ASC LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale alerts: %w", err)
	}
	return collect(rows, scanAlert)
}

// DeleteResolvedAlerts removes resolved alerts older than cutoff whose
// notifications are all finished successfully. Their notifications cascade.
func (r *Repository) DeleteResolvedAlerts(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM alerts a
		WHERE a.status = 'RESOLVED' AND a.resolved_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM notifications n
			WHERE n.alert_id = a.id AND n.status IN ('pending', 'failed', 'bounced')
		  )
	`
	tag, err := r.db.Pool().Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete resolved alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}
