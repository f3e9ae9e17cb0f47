package intake

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Source is a transport that yields batches of deliveries. Receive may
// block (long polling) and returns an empty batch when nothing arrived.
type Source interface {
	Receive(ctx context.Context) ([]Delivery, error)
}

const (
	minReceiveBackoff = time.Second
	maxReceiveBackoff = 30 * time.Second
)

// Consume pulls from src until ctx is done. Receive errors back off and
// retry; per-event errors are handled inside Submit and never stop the loop.
func (in *Intake) Consume(ctx context.Context, name string, src Source) error {
	in.logger.Info("intake consumer starting", zap.String("source", name))
	backoff := minReceiveBackoff

	for {
		if ctx.Err() != nil {
			in.logger.Info("intake consumer stopping", zap.String("source", name))
			return nil
		}

		batch, err := src.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			in.logger.Error("receive failed",
				zap.String("source", name),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxReceiveBackoff)
			continue
		}
		backoff = minReceiveBackoff

		for _, d := range batch {
			if err := in.Submit(ctx, d); err != nil && !errors.Is(err, ErrMalformed) {
				// Not acked; the transport redelivers it.
				in.logger.Warn("event not queued", zap.String("source", name), zap.Error(err))
			}
		}
	}
}
