package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const ruleColumns = `
	id, name, event_name, rule_type, alert_type, condition, threshold, severity, frequency,
	is_active, immediate_action, preventive_action, actions, created_at, updated_at`

func scanRule(row rowScanner) (*Rule, error) {
	var rule Rule
	err := row.Scan(
		&rule.ID, &rule.Name, &rule.EventName, &rule.RuleType, &rule.AlertType, &rule.Condition,
		&rule.Threshold, &rule.Severity, &rule.Frequency, &rule.IsActive, &rule.ImmediateAction,
		&rule.PreventiveAction, &rule.Actions, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// CreateRule inserts a rule; a name collision yields ErrDuplicateRule.
func (r *Repository) CreateRule(ctx context.Context, rule *Rule) error {
	query := `
		INSERT INTO alert_rules (
			id, name, event_name, rule_type, alert_type, condition, threshold, severity,
			frequency, is_active, immediate_action, preventive_action, actions
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		rule.ID, rule.Name, rule.EventName, rule.RuleType, string(rule.AlertType), rule.Condition,
		rule.Threshold, string(rule.Severity), string(rule.Frequency), rule.IsActive,
		rule.ImmediateAction, rule.PreventiveAction, rule.Actions,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("rule %q: %w", rule.Name, ErrDuplicateRule)
	}
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}

	r.logger.Info("rule created", zap.String("rule_id", rule.ID.String()), zap.String("name", rule.Name))
	return nil
}

// UpdateRule overwrites a rule's definition.
func (r *Repository) UpdateRule(ctx context.Context, rule *Rule) error {
	query := `
		UPDATE alert_rules SET
			name = $1, event_name = $2, rule_type = $3, alert_type = $4, condition = $5,
			threshold = $6, severity = $7, frequency = $8, is_active = $9,
			immediate_action = $10, preventive_action = $11, actions = $12, updated_at = NOW()
		WHERE id = $13
		RETURNING created_at, updated_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		rule.Name, rule.EventName, rule.RuleType, string(rule.AlertType), rule.Condition,
		rule.Threshold, string(rule.Severity), string(rule.Frequency), rule.IsActive,
		rule.ImmediateAction, rule.PreventiveAction, rule.Actions, rule.ID,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	switch {
	case isNoRows(err):
		return fmt.Errorf("rule %s: %w", rule.ID, ErrNotFound)
	case isUniqueViolation(err):
		return fmt.Errorf("rule %q: %w", rule.Name, ErrDuplicateRule)
	case err != nil:
		return fmt.Errorf("update rule: %w", err)
	}
	return nil
}

// GetRule retrieves a rule by ID
func (r *Repository) GetRule(ctx context.Context, id uuid.UUID) (*Rule, error) {
	rule, err := scanRule(r.db.Pool().QueryRow(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query rule: %w", err)
	}
	return rule, nil
}

// ListRules returns all rules, or only active ones.
func (r *Repository) ListRules(ctx context.Context, activeOnly bool) ([]*Rule, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE ($1 = false OR is_active) ORDER BY name`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	return collect(rows, scanRule)
}

const channelColumns = `
	id, name, type, settings, is_active, rate_limit_per_hour, priority,
	total_sent, successful_sent, failed_sent, created_at, updated_at`

func scanChannel(row rowScanner) (*Channel, error) {
	var c Channel
	err := row.Scan(
		&c.ID, &c.Name, &c.Type, &c.Settings, &c.IsActive, &c.RateLimitPerHour, &c.Priority,
		&c.TotalSent, &c.SuccessfulSent, &c.FailedSent, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateChannel inserts a notification channel.
func (r *Repository) CreateChannel(ctx context.Context, c *Channel) error {
	query := `
		INSERT INTO notification_channels (id, name, type, settings, is_active, rate_limit_per_hour, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		c.ID, c.Name, string(c.Type), c.Settings, c.IsActive, c.RateLimitPerHour, c.Priority,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	r.logger.Info("channel created", zap.String("channel_id", c.ID.String()), zap.String("type", string(c.Type)))
	return nil
}

// UpdateChannel overwrites a channel's configuration. Counters are untouched.
func (r *Repository) UpdateChannel(ctx context.Context, c *Channel) error {
	query := `
		UPDATE notification_channels SET
			name = $1, type = $2, settings = $3, is_active = $4,
			rate_limit_per_hour = $5, priority = $6, updated_at = NOW()
		WHERE id = $7
		RETURNING total_sent, successful_sent, failed_sent, created_at, updated_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		c.Name, string(c.Type), c.Settings, c.IsActive, c.RateLimitPerHour, c.Priority, c.ID,
	).Scan(&c.TotalSent, &c.SuccessfulSent, &c.FailedSent, &c.CreatedAt, &c.UpdatedAt)
	if isNoRows(err) {
		return fmt.Errorf("channel %s: %w", c.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update channel: %w", err)
	}
	return nil
}

// GetChannel retrieves a channel by ID
func (r *Repository) GetChannel(ctx context.Context, id uuid.UUID) (*Channel, error) {
	c, err := scanChannel(r.db.Pool().QueryRow(ctx,
		`SELECT `+channelColumns+` FROM notification_channels WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, fmt.Errorf("channel %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query channel: %w", err)
	}
	return c, nil
}

// ListChannels returns channels by descending priority.
func (r *Repository) ListChannels(ctx context.Context, activeOnly bool) ([]*Channel, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+channelColumns+` FROM notification_channels
		 WHERE ($1 = false OR is_active) ORDER BY priority DESC, name`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	return collect(rows, scanChannel)
}

// RecordChannelResult bumps the channel's monotonic delivery counters.
func (r *Repository) RecordChannelResult(ctx context.Context, id uuid.UUID, success bool) error {
	query := `
		UPDATE notification_channels SET
			total_sent = total_sent + 1,
			successful_sent = successful_sent + CASE WHEN $2 THEN 1 ELSE 0 END,
			failed_sent = failed_sent + CASE WHEN $2 THEN 0 ELSE 1 END
		WHERE id = $1
	`
	if _, err := r.db.Pool().Exec(ctx, query, id, success); err != nil {
		return fmt.Errorf("record channel result: %w", err)
	}
	return nil
}

const templateColumns = `
	id, name, subject, html_body, text_body, channel, alert_type, language,
	is_active, required_variables, created_at, updated_at`

func scanTemplate(row rowScanner) (*Template, error) {
	var t Template
	err := row.Scan(
		&t.ID, &t.Name, &t.Subject, &t.HTMLBody, &t.TextBody, &t.Channel, &t.AlertType,
		&t.Language, &t.IsActive, &t.RequiredVariables, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTemplate inserts a notification template.
func (r *Repository) CreateTemplate(ctx context.Context, t *Template) error {
	query := `
		INSERT INTO notification_templates (
			id, name, subject, html_body, text_body, channel, alert_type, language, is_active, required_variables
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		t.ID, t.Name, t.Subject, t.HTMLBody, t.TextBody, string(t.Channel), t.AlertType,
		t.Language, t.IsActive, nonNilStrings(t.RequiredVariables),
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// UpdateTemplate overwrites a template.
func (r *Repository) UpdateTemplate(ctx context.Context, t *Template) error {
	query := `
		UPDATE notification_templates SET
			name = $1, subject = $2, html_body = $3, text_body = $4, channel = $5,
			alert_type = $6, language = $7, is_active = $8, required_variables = $9, updated_at = NOW()
		WHERE id = $10
		RETURNING created_at, updated_at
	`
	err := r.db.Pool().QueryRow(ctx, query,
		t.Name, t.Subject, t.HTMLBody, t.TextBody, string(t.Channel), t.AlertType,
		t.Language, t.IsActive, nonNilStrings(t.RequiredVariables), t.ID,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if isNoRows(err) {
		return fmt.Errorf("template %s: %w", t.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID
func (r *Repository) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	t, err := scanTemplate(r.db.Pool().QueryRow(ctx,
		`SELECT `+templateColumns+` FROM notification_templates WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return t, nil
}

// ListTemplates returns all templates, or only active ones.
func (r *Repository) ListTemplates(ctx context.Context, activeOnly bool) ([]*Template, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+templateColumns+` FROM notification_templates
		 WHERE ($1 = false OR is_active) ORDER BY name`, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	return collect(rows, scanTemplate)
}
