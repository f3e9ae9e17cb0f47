package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
)

// Sender matches worker.Sender; worker imports this package.
type Sender interface {
	Send(ctx context.Context, ch *db.Channel, n *db.Notification) (*db.Receipt, error)
	SupportsChannel(channel db.ChannelType) bool
}

// ProtectedSender fails fast while its provider's breaker is open. A bounce
// is the recipient's fault, so it counts as a success for the breaker.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{sender: sender, breaker: breaker, logger: logger}
}

func (p *ProtectedSender) Send(ctx context.Context, ch *db.Channel, n *db.Notification) (*db.Receipt, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit open, failing fast",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", n.ID.String()),
			zap.String("channel", string(n.ChannelType)),
		)
		return nil, fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	receipt, err := p.sender.Send(ctx, ch, n)
	if err != nil && !errors.Is(err, db.ErrBounced) {
		p.breaker.RecordFailure()
		return nil, err
	}
	p.breaker.RecordSuccess()
	return receipt, err
}

func (p *ProtectedSender) SupportsChannel(channel db.ChannelType) bool {
	return p.sender.SupportsChannel(channel)
}
