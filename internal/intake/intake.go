// Package intake receives inventory events from the configured transports,
// drops malformed and duplicate ones, and feeds the rest through rule
// evaluation and the alert lifecycle, serialized per inventory entity.
package intake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
	"github.com/lalithlochan/stockpulse/internal/inventory"
	"github.com/lalithlochan/stockpulse/internal/lifecycle"
	"github.com/lalithlochan/stockpulse/internal/metrics"
	"github.com/lalithlochan/stockpulse/internal/rules"
)

// ErrMalformed wraps every decode or validation failure of an inbound event.
var ErrMalformed = errors.New("malformed inventory event")

const (
	resultProcessed = "processed"
	resultDuplicate = "duplicate"
	resultMalformed = "malformed"
	resultFailed    = "error"
	resultPanic     = "panic"
)

// Delivery is one message taken from a transport. Ack is nil for sources
// that need no acknowledgement.
type Delivery struct {
	Source string
	Topic  string
	Body   []byte
	Ack    func(ctx context.Context) error
}

type Evaluator interface {
	Evaluate(ctx context.Context, ev *inventory.Event) ([]rules.Candidate, error)
}

type Raiser interface {
	Raise(ctx context.Context, c rules.Candidate) (*db.Alert, lifecycle.Outcome, error)
}

// Guard reserves a key for a TTL; the first caller wins. Release drops a
// reservation so a later copy of the event can be processed.
type Guard interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// DeadLetter receives the raw body of events that could not be decoded.
type DeadLetter interface {
	Forward(ctx context.Context, d Delivery, reason error) error
}

type Config struct {
	DedupTTL time.Duration
}

type Intake struct {
	pool      *Pool
	evaluator Evaluator
	raiser    Raiser
	guard     Guard
	dlq       DeadLetter
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

// New wires an intake. guard and dlq may be nil.
func New(pool *Pool, evaluator Evaluator, raiser Raiser, guard Guard, dlq DeadLetter, cfg Config, logger *zap.Logger) *Intake {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	return &Intake{
		pool:      pool,
		evaluator: evaluator,
		raiser:    raiser,
		guard:     guard,
		dlq:       dlq,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

func (in *Intake) SetClock(now func() time.Time) { in.now = now }

// Submit decodes d and queues it on its entity's partition. Malformed events
// are acked, optionally dead-lettered, and reported as ErrMalformed.
func (in *Intake) Submit(ctx context.Context, d Delivery) error {
	ev, err := inventory.Decode(d.Body, in.now())
	if err != nil {
		in.reject(ctx, d, err)
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return in.pool.Submit(ctx, ev.PartitionKey(), func(ctx context.Context) {
		in.process(ctx, d, ev)
	})
}

func (in *Intake) reject(ctx context.Context, d Delivery, cause error) {
	in.logger.Warn("dropping malformed event",
		zap.String("source", d.Source),
		zap.String("topic", d.Topic),
		zap.Error(cause),
	)
	metrics.RecordIntakeEvent(d.Source, resultMalformed)
	if in.dlq != nil {
		if err := in.dlq.Forward(ctx, d, cause); err != nil {
			in.logger.Error("failed to dead-letter event", zap.String("source", d.Source), zap.Error(err))
		}
	}
	in.ack(ctx, d)
}

func (in *Intake) process(ctx context.Context, d Delivery, ev *inventory.Event) {
	defer in.ack(ctx, d)
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("panic while processing event",
				zap.String("source", d.Source),
				zap.String("item_id", ev.ItemID),
				zap.Any("panic", r),
			)
			metrics.RecordIntakeEvent(d.Source, resultPanic)
		}
	}()

	reserved := false
	if in.guard != nil {
		fresh, err := in.guard.Reserve(ctx, ev.DedupKey(), in.cfg.DedupTTL)
		reserved = err == nil && fresh
		if err != nil {
			in.logger.Warn("dedup check failed, processing anyway", zap.Error(err))
		} else if !fresh {
			in.logger.Debug("skipping duplicate event",
				zap.String("source", d.Source),
				zap.String("item_id", ev.ItemID),
			)
			metrics.RecordIdempotencyHit()
			metrics.RecordIntakeEvent(d.Source, resultDuplicate)
			return
		}
	}

	raised, err := in.handle(ctx, ev)
	if err != nil {
		in.logger.Error("failed to process event",
			zap.String("source", d.Source),
			zap.String("item_id", ev.ItemID),
			zap.String("location_id", ev.LocationID),
			zap.Error(err),
		)
		metrics.RecordIntakeEvent(d.Source, resultFailed)
		if reserved && raised == 0 {
			in.release(ctx, ev)
		}
		return
	}
	metrics.RecordIntakeEvent(d.Source, resultProcessed)
}

// handle raises every candidate and reports how many were raised. Candidates
// returned alongside an evaluation error are still raised, and a failed
// candidate does not stop the rest.
func (in *Intake) handle(ctx context.Context, ev *inventory.Event) (int, error) {
	var errs []error
	candidates, err := in.evaluator.Evaluate(ctx, ev)
	if err != nil {
		errs = append(errs, fmt.Errorf("evaluate: %w", err))
	}

	raised := 0
	for _, c := range candidates {
		alert, outcome, err := in.raiser.Raise(ctx, c)
		if err != nil {
			errs = append(errs, fmt.Errorf("raise %s: %w", c.Type, err))
			continue
		}
		raised++
		in.logger.Info("alert raised",
			zap.String("alert_id", alert.ID.String()),
			zap.String("type", string(alert.Type)),
			zap.String("level", string(alert.Level)),
			zap.String("outcome", string(outcome)),
		)
	}
	return raised, errors.Join(errs...)
}

// release frees the dedup key of an event that changed nothing, so a copy
// arriving on the other topic is not dropped as a duplicate.
func (in *Intake) release(ctx context.Context, ev *inventory.Event) {
	if err := in.guard.Release(ctx, ev.DedupKey()); err != nil {
		in.logger.Warn("failed to release dedup key",
			zap.String("item_id", ev.ItemID),
			zap.Error(err),
		)
	}
}

func (in *Intake) ack(ctx context.Context, d Delivery) {
	if d.Ack == nil {
		return
	}
	if err := d.Ack(ctx); err != nil {
		in.logger.Warn("failed to ack event", zap.String("source", d.Source), zap.Error(err))
	}
}
