// Package events publishes alert and notification lifecycle events for
// downstream systems. Publishing is best effort.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
)

// Alert lifecycle event types.
const (
	AlertCreated      = "created"
	AlertAcknowledged = "acknowledged"
	AlertResolved     = "resolved"
	AlertEscalated    = "escalated"
)

type AlertEvent struct {
	AlertID    string          `json:"alertId"`
	Type       db.AlertType    `json:"type"`
	Level      db.AlertLevel   `json:"level"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	EventType  string          `json:"eventType"`
}

// NewAlertEvent snapshots an alert for publishing.
func NewAlertEvent(a *db.Alert, eventType string, at time.Time) AlertEvent {
	return AlertEvent{
		AlertID:    a.ID.String(),
		Type:       a.Type,
		Level:      a.Level,
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		Message:    a.Message,
		Data:       a.Data,
		Timestamp:  at.UTC(),
		EventType:  eventType,
	}
}

type NotificationEvent struct {
	NotificationID string                `json:"notificationId"`
	AlertID        string                `json:"alertId"`
	ChannelType    db.ChannelType        `json:"channelType"`
	Recipient      string                `json:"recipient"`
	Status         db.NotificationStatus `json:"status"`
	Timestamp      time.Time             `json:"timestamp"`
	EventType      string                `json:"eventType"`
}

// NewNotificationEvent snapshots a notification. The event type is its status.
func NewNotificationEvent(n *db.Notification, status db.NotificationStatus, at time.Time) NotificationEvent {
	return NotificationEvent{
		NotificationID: n.ID.String(),
		AlertID:        n.AlertID.String(),
		ChannelType:    n.ChannelType,
		Recipient:      n.Recipient,
		Status:         status,
		Timestamp:      at.UTC(),
		EventType:      string(status),
	}
}

// Publisher emits lifecycle events.
type Publisher interface {
	PublishAlert(ctx context.Context, ev AlertEvent) error
	PublishNotification(ctx context.Context, ev NotificationEvent) error
}

// LogPublisher writes events to the log (for development).
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishAlert(ctx context.Context, ev AlertEvent) error {
	p.logger.Info("alert event",
		zap.String("event_type", ev.EventType),
		zap.String("alert_id", ev.AlertID),
		zap.String("type", string(ev.Type)),
		zap.String("level", string(ev.Level)),
		zap.String("entity", ev.EntityType+"/"+ev.EntityID),
	)
	return nil
}

func (p *LogPublisher) PublishNotification(ctx context.Context, ev NotificationEvent) error {
	p.logger.Info("notification event",
		zap.String("event_type", ev.EventType),
		zap.String("notification_id", ev.NotificationID),
		zap.String("alert_id", ev.AlertID),
		zap.String("channel", string(ev.ChannelType)),
	)
	return nil
}

// MultiPublisher fans an event out to every publisher and joins their errors.
type MultiPublisher struct {
	publishers []Publisher
}

func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (m *MultiPublisher) PublishAlert(ctx context.Context, ev AlertEvent) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.PublishAlert(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiPublisher) PublishNotification(ctx context.Context, ev NotificationEvent) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.PublishNotification(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
