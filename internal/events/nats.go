package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const defaultSubjectPrefix = "stockpulse"

// Conn is the subset of *nats.Conn used for publishing.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes events on stockpulse.alerts.<eventType> and
// stockpulse.notifications.<eventType>.
type NATSPublisher struct {
	conn   Conn
	prefix string
	logger *zap.Logger
}

// DialNATS connects to NATS and returns the connection for NewNATSPublisher.
func DialNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("stockpulse"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %q: %w", url, err)
	}
	logger.Info("connected to nats", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

func NewNATSPublisher(conn Conn, logger *zap.Logger) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: defaultSubjectPrefix, logger: logger}
}

// WithPrefix replaces the leading subject token. Empty keeps the default.
func (p *NATSPublisher) WithPrefix(prefix string) *NATSPublisher {
	if prefix != "" {
		p.prefix = prefix
	}
	return p
}

func (p *NATSPublisher) PublishAlert(ctx context.Context, ev AlertEvent) error {
	return p.publish(p.prefix+".alerts."+ev.EventType, ev)
}

func (p *NATSPublisher) PublishNotification(ctx context.Context, ev NotificationEvent) error {
	return p.publish(p.prefix+".notifications."+ev.EventType, ev)
}

func (p *NATSPublisher) publish(subject string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.conn.Publish(subject, body); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("event published", zap.String("subject", subject))
	return nil
}
