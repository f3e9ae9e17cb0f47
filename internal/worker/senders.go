package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
)

// Sender is the unified interface for all notification channels
// Implementations: Email (SES, Resend), SMS and push (SNS), Webhooks
type Sender interface {
	Send(ctx context.Context, ch *db.Channel, n *db.Notification) (*db.Receipt, error)
	SupportsChannel(channel db.ChannelType) bool
}

// MultiSender routes notifications to the appropriate channel sender
// This implements the Strategy pattern for extensibility
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router that uses multiple underlying senders
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the notification to the first sender supporting its channel type
func (m *MultiSender) Send(ctx context.Context, ch *db.Channel, n *db.Notification) (*db.Receipt, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(n.ChannelType) {
			m.logger.Debug("routing notification to sender",
				zap.String("channel", string(n.ChannelType)),
				zap.String("notification_id", n.ID.String()),
			)
			return sender.Send(ctx, ch, n)
		}
	}

	return nil, fmt.Errorf("no sender found for channel: %s", n.ChannelType)
}

// SupportsChannel checks if any underlying sender supports the channel
func (m *MultiSender) SupportsChannel(channel db.ChannelType) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender is a simple sender that logs notifications (for testing/development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, ch *db.Channel, n *db.Notification) (*db.Receipt, error) {
	s.logger.Info("logging notification (development mode)",
		zap.String("id", n.ID.String()),
		zap.String("alert_id", n.AlertID.String()),
		zap.String("channel", string(n.ChannelType)),
		zap.String("channel_name", ch.Name),
		zap.String("recipient", n.Recipient),
		zap.String("subject", n.Subject),
		zap.String("body", n.Body),
	)
	return &db.Receipt{ProviderID: "log-" + n.ID.String()}, nil
}

func (s *LogSender) SupportsChannel(channel db.ChannelType) bool {
	// LogSender supports every deliverable channel for development/testing
	return channel == db.ChannelEmail || channel == db.ChannelSMS ||
		channel == db.ChannelWebhook || channel == db.ChannelPush
}
