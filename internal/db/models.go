package db

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AlertLevel is the severity of an alert. Levels are strictly ordered by Priority.
type AlertLevel string

const (
	LevelInfo      AlertLevel = "INFO"
	LevelWarning   AlertLevel = "WARNING"
	LevelEmergency AlertLevel = "EMERGENCY"
)

// Priority returns the ordinal of the level; unknown levels sort below INFO.
func (l AlertLevel) Priority() int {
	switch l {
	case LevelInfo:
		return 1
	case LevelWarning:
		return 2
	case LevelEmergency:
		return 3
	default:
		return 0
	}
}

func (l AlertLevel) Valid() bool { return l.Priority() > 0 }

// Next returns the next level up, capped at EMERGENCY.
func (l AlertLevel) Next() AlertLevel {
	switch l {
	case LevelInfo:
		return LevelWarning
	default:
		return LevelEmergency
	}
}

// MaxLevel returns whichever of a and b has the higher priority.
func MaxLevel(a, b AlertLevel) AlertLevel {
	if b.Priority() > a.Priority() {
		return b
	}
	return a
}

type AlertType string

const (
	AlertLowStock  AlertType = "LOW_STOCK"
	AlertOverstock AlertType = "OVERSTOCK"
	AlertExpiry    AlertType = "EXPIRY"
	AlertQuality   AlertType = "QUALITY"
	AlertLocation  AlertType = "LOCATION"
	AlertMovement  AlertType = "MOVEMENT"
	AlertSystem    AlertType = "SYSTEM"
)

func (t AlertType) Valid() bool {
	switch t {
	case AlertLowStock, AlertOverstock, AlertExpiry, AlertQuality, AlertLocation, AlertMovement, AlertSystem:
		return true
	}
	return false
}

type AlertStatus string

const (
	AlertActive       AlertStatus = "ACTIVE"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
	AlertEscalated    AlertStatus = "ESCALATED"
)

// Escalation is one entry in an alert's append-only escalation history.
type Escalation struct {
	Level     int             `json:"level"`
	Severity  AlertLevel      `json:"severity"`
	Reason    string          `json:"reason"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Alert is a detected abnormal condition tied to an entity.
type Alert struct {
	ID         uuid.UUID       `json:"id"`
	Type       AlertType       `json:"type"`
	Level      AlertLevel      `json:"level"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
	Tags       []string        `json:"tags,omitempty"`
	Status     AlertStatus     `json:"status"`

	AcknowledgedBy     *string `json:"acknowledged_by,omitempty"`
	AcknowledgeComment *string `json:"acknowledge_comment,omitempty"`
	ResolvedBy         *string `json:"resolved_by,omitempty"`
	ResolutionComment  *string `json:"resolution_comment,omitempty"`
	ActionTaken        *string `json:"action_taken,omitempty"`

	RespondedAt    *time.Time `json:"responded_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	EscalatedAt    *time.Time `json:"escalated_at,omitempty"`

	EscalationLevel     int          `json:"escalation_level"`
	RecurringDailyCount int          `json:"recurring_daily_count"`
	LastRecurrenceAt    *time.Time   `json:"last_recurrence_at,omitempty"`
	Escalations         []Escalation `json:"escalations,omitempty"`

	RuleID    *uuid.UUID `json:"rule_id,omitempty"`
	Version   int        `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (a *Alert) Clone() *Alert {
	c := *a
	c.Data = append(json.RawMessage(nil), a.Data...)
	c.Tags = append([]string(nil), a.Tags...)
	c.Escalations = append([]Escalation(nil), a.Escalations...)
	return &c
}

// AlertFilter narrows ListAlerts. Zero values match everything.
type AlertFilter struct {
	Status     AlertStatus
	Level      AlertLevel
	Type       AlertType
	EntityType string
	EntityID   string
	Limit      int
	Offset     int
}

type Frequency string

const (
	FrequencyRealtime Frequency = "realtime"
	FrequencyHourly   Frequency = "hourly"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyMonthly  Frequency = "monthly"
)

// Window is the minimum spacing between two alerts from the same rule for one entity.
func (f Frequency) Window() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyRealtime, FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Clause compares one event field against a value.
type Clause struct {
	Field    string `json:"field" toml:"field"`
	Operator string `json:"operator" toml:"operator"`
	Value    any    `json:"value" toml:"value"`
}

// RuleCondition is a list of clauses combined with "all" (default) or "any".
type RuleCondition struct {
	Match   string   `json:"match,omitempty" toml:"match"`
	Clauses []Clause `json:"clauses,omitempty" toml:"clauses"`
}

// Threshold matches when Field falls outside [Min, Max]. Field defaults to quantity.
type Threshold struct {
	Field string   `json:"field,omitempty" toml:"field"`
	Min   *float64 `json:"min,omitempty" toml:"min"`
	Max   *float64 `json:"max,omitempty" toml:"max"`
}

// Rule is an administrator-defined alerting policy.
type Rule struct {
	ID               uuid.UUID       `json:"id"`
	Name             string          `json:"name"`
	EventName        string          `json:"event_name"`
	RuleType         string          `json:"rule_type"`
	AlertType        AlertType       `json:"alert_type"`
	Condition        RuleCondition   `json:"condition"`
	Threshold        *Threshold      `json:"threshold,omitempty"`
	Severity         AlertLevel      `json:"severity"`
	Frequency        Frequency       `json:"frequency"`
	IsActive         bool            `json:"is_active"`
	ImmediateAction  bool            `json:"immediate_action"`
	PreventiveAction bool            `json:"preventive_action"`
	Actions          json.RawMessage `json:"actions,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// MatchesEvent reports whether the rule listens to eventName. "*" matches everything.
func (r *Rule) MatchesEvent(eventName string) bool {
	if r.EventName == "*" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(r.EventName), strings.TrimSpace(eventName))
}

type ChannelType string

const (
	ChannelEmail    ChannelType = "email"
	ChannelSMS      ChannelType = "sms"
	ChannelWebhook  ChannelType = "webhook"
	ChannelPush     ChannelType = "push"
	ChannelDisabled ChannelType = "disabled"
)

func (c ChannelType) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWebhook, ChannelPush, ChannelDisabled:
		return true
	}
	return false
}

type EmailSettings struct {
	To   string `json:"to" toml:"to"`
	From string `json:"from,omitempty" toml:"from"`
}

type SMSSettings struct {
	PhoneNumber string `json:"phone_number" toml:"phone_number"`
}

type WebhookSettings struct {
	URL        string            `json:"url" toml:"url"`
	Method     string            `json:"method,omitempty" toml:"method"`
	Headers    map[string]string `json:"headers,omitempty" toml:"headers"`
	TimeoutSec int               `json:"timeout_sec,omitempty" toml:"timeout_sec"`
}

type PushSettings struct {
	TargetARN string `json:"target_arn" toml:"target_arn"`
}

// ChannelFilter restricts which alerts a channel receives. An empty filter accepts all.
type ChannelFilter struct {
	MinLevel   AlertLevel  `json:"min_level,omitempty" toml:"min_level"`
	AlertTypes []AlertType `json:"alert_types,omitempty" toml:"alert_types"`
}

// Accepts reports whether an alert passes the filter.
func (f *ChannelFilter) Accepts(a *Alert) bool {
	if f == nil {
		return true
	}
	if f.MinLevel != "" && a.Level.Priority() < f.MinLevel.Priority() {
		return false
	}
	if len(f.AlertTypes) == 0 {
		return true
	}
	for _, t := range f.AlertTypes {
		if t == a.Type {
			return true
		}
	}
	return false
}

// ChannelSettings holds exactly one transport block matching the channel type.
type ChannelSettings struct {
	Email   *EmailSettings   `json:"email,omitempty" toml:"email"`
	SMS     *SMSSettings     `json:"sms,omitempty" toml:"sms"`
	Webhook *WebhookSettings `json:"webhook,omitempty" toml:"webhook"`
	Push    *PushSettings    `json:"push,omitempty" toml:"push"`
	Filter  *ChannelFilter   `json:"filter,omitempty" toml:"filter"`
}

// Channel is a delivery endpoint configuration.
type Channel struct {
	ID               uuid.UUID       `json:"id"`
	Name             string          `json:"name"`
	Type             ChannelType     `json:"type"`
	Settings         ChannelSettings `json:"settings"`
	IsActive         bool            `json:"is_active"`
	RateLimitPerHour int             `json:"rate_limit_per_hour"`
	Priority         int             `json:"priority"`
	TotalSent        int64           `json:"total_sent"`
	SuccessfulSent   int64           `json:"successful_sent"`
	FailedSent       int64           `json:"failed_sent"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Recipient returns the address notifications on this channel are sent to.
func (c *Channel) Recipient() string {
	s := c.Settings
	switch c.Type {
	case ChannelEmail:
		if s.Email != nil {
			return s.Email.To
		}
	case ChannelSMS:
		if s.SMS != nil {
			return s.SMS.PhoneNumber
		}
	case ChannelWebhook:
		if s.Webhook != nil {
			return s.Webhook.URL
		}
	case ChannelPush:
		if s.Push != nil {
			return s.Push.TargetARN
		}
	}
	return ""
}

// Template renders an alert into a channel-specific message.
type Template struct {
	ID                uuid.UUID   `json:"id"`
	Name              string      `json:"name"`
	Subject           *string     `json:"subject,omitempty"`
	HTMLBody          string      `json:"html_body"`
	TextBody          *string     `json:"text_body,omitempty"`
	Channel           ChannelType `json:"channel"`
	AlertType         *AlertType  `json:"alert_type,omitempty"`
	Language          string      `json:"language"`
	IsActive          bool        `json:"is_active"`
	RequiredVariables []string    `json:"required_variables,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

type NotificationStatus string

const (
	StatusPending   NotificationStatus = "pending"
	StatusSent      NotificationStatus = "sent"
	StatusDelivered NotificationStatus = "delivered"
	StatusFailed    NotificationStatus = "failed"
	StatusBounced   NotificationStatus = "bounced"
)

// Notification is one delivery attempt of an alert through one channel.
type Notification struct {
	ID           uuid.UUID          `json:"id"`
	AlertID      uuid.UUID          `json:"alert_id"`
	ChannelID    uuid.UUID          `json:"channel_id"`
	ChannelType  ChannelType        `json:"channel_type"`
	Recipient    string             `json:"recipient"`
	Subject      string             `json:"subject,omitempty"`
	Body         string             `json:"body"`
	Status       NotificationStatus `json:"status"`
	SentAt       *time.Time         `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time         `json:"delivered_at,omitempty"`
	RetryCount   int                `json:"retry_count"`
	ErrorMessage *string            `json:"error_message,omitempty"`
	NextRetryAt  *time.Time         `json:"next_retry_at,omitempty"`
	Metadata     json.RawMessage    `json:"metadata,omitempty"`
	TemplateID   *uuid.UUID         `json:"template_id,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// NotificationMetadata is the structured form of Notification.Metadata.
type NotificationMetadata struct {
	Template   string     `json:"template,omitempty"`
	Language   string     `json:"language,omitempty"`
	HTML       string     `json:"html,omitempty"`
	AlertType  AlertType  `json:"alert_type,omitempty"`
	AlertLevel AlertLevel `json:"alert_level,omitempty"`
	ProviderID string     `json:"provider_id,omitempty"`
}

// Meta decodes Metadata, returning the zero value when absent or invalid.
func (n *Notification) Meta() NotificationMetadata {
	var m NotificationMetadata
	if len(n.Metadata) > 0 {
		_ = json.Unmarshal(n.Metadata, &m)
	}
	return m
}

// NotificationFilter narrows ListNotifications. Zero values match everything.
type NotificationFilter struct {
	Status      NotificationStatus
	AlertID     *uuid.UUID
	ChannelType ChannelType
	Limit       int
	Offset      int
}

// Receipt is what a sender reports back after a successful hand-off.
type Receipt struct {
	ProviderID string
	Delivered  bool
}

// ChannelStats aggregates notification outcomes for one channel.
type ChannelStats struct {
	ChannelID   uuid.UUID `json:"channel_id"`
	ChannelName string    `json:"channel_name"`
	Pending     int64     `json:"pending"`
	Sent        int64     `json:"sent"`
	Delivered   int64     `json:"delivered"`
	Failed      int64     `json:"failed"`
	Bounced     int64     `json:"bounced"`
}

// SuccessRate is (sent+delivered) over all finished attempts, or 0 with none.
func (s ChannelStats) SuccessRate() float64 {
	done := s.Sent + s.Delivered + s.Failed + s.Bounced
	if done == 0 {
		return 0
	}
	return float64(s.Sent+s.Delivered) / float64(done)
}

// Stats is the point-in-time snapshot served by the stats pass and API.
type Stats struct {
	AlertsByStatus        map[AlertStatus]int64        `json:"alerts_by_status"`
	AlertsByLevel         map[AlertLevel]int64         `json:"alerts_by_level"`
	NotificationsByStatus map[NotificationStatus]int64 `json:"notifications_by_status"`
	Channels              []ChannelStats               `json:"channels"`
}
