// Package dispatch turns an alert into one pending notification per eligible
// channel and hands each to the delivery executor.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/stockpulse/internal/db"
	"github.com/lalithlochan/stockpulse/internal/events"
	"github.com/lalithlochan/stockpulse/internal/template"
)

type ChannelSource interface {
	ActiveChannels(ctx context.Context) ([]*db.Channel, error)
}

type Renderer interface {
	Render(ctx context.Context, channel db.ChannelType, alert *db.Alert, lang string) (*template.Rendered, error)
}

type Store interface {
	CreateNotification(ctx context.Context, n *db.Notification) error
}

// Deliverer performs one delivery attempt and records its outcome.
type Deliverer interface {
	Deliver(ctx context.Context, ch *db.Channel, n *db.Notification)
}

type Config struct {
	Concurrency int
	Language    string
}

type Dispatcher struct {
	channels  ChannelSource
	renderer  Renderer
	store     Store
	deliverer Deliverer
	publisher events.Publisher
	config    Config
	logger    *zap.Logger
}

func New(channels ChannelSource, renderer Renderer, store Store, deliverer Deliverer, publisher events.Publisher, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Dispatcher{
		channels:  channels,
		renderer:  renderer,
		store:     store,
		deliverer: deliverer,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
	}
}

// Eligible filters channels down to those that should receive alert, in
// priority order.
func Eligible(channels []*db.Channel, alert *db.Alert) []*db.Channel {
	out := make([]*db.Channel, 0, len(channels))
	for _, ch := range channels {
		if !ch.IsActive || ch.Type == db.ChannelDisabled {
			continue
		}
		if !ch.Settings.Filter.Accepts(alert) {
			continue
		}
		out = append(out, ch)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Dispatch creates and delivers notifications for alert. Channels whose
// template fails to render are skipped; their errors are joined and returned
// after every other channel has been attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *db.Alert) error {
	channels, err := d.channels.ActiveChannels(ctx)
	if err != nil {
		return fmt.Errorf("load channels: %w", err)
	}
	eligible := Eligible(channels, alert)
	if len(eligible) == 0 {
		d.logger.Debug("no eligible channels for alert", zap.String("alert_id", alert.ID.String()))
		return nil
	}

	var errs []error
	type job struct {
		ch *db.Channel
		n  *db.Notification
	}
	jobs := make([]job, 0, len(eligible))

	for _, ch := range eligible {
		n, err := d.prepare(ctx, ch, alert)
		if err != nil {
			d.logger.Warn("skipping channel",
				zap.String("alert_id", alert.ID.String()),
				zap.String("channel", ch.Name),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("channel %s: %w", ch.Name, err))
			continue
		}
		jobs = append(jobs, job{ch: ch, n: n})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Concurrency)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			d.deliverer.Deliver(gctx, j.ch, j.n)
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Info("alert dispatched",
		zap.String("alert_id", alert.ID.String()),
		zap.Int("channels", len(eligible)),
		zap.Int("notifications", len(jobs)),
	)
	return errors.Join(errs...)
}

func (d *Dispatcher) prepare(ctx context.Context, ch *db.Channel, alert *db.Alert) (*db.Notification, error) {
	out, err := d.renderer.Render(ctx, ch.Type, alert, d.config.Language)
	if err != nil {
		return nil, err
	}

	meta, err := json.Marshal(db.NotificationMetadata{
		Template:   out.Name,
		Language:   out.Language,
		HTML:       out.HTML,
		AlertType:  alert.Type,
		AlertLevel: alert.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	templateID := out.TemplateID
	n := &db.Notification{
		ID:          uuid.New(),
		AlertID:     alert.ID,
		ChannelID:   ch.ID,
		ChannelType: ch.Type,
		Recipient:   ch.Recipient(),
		Subject:     out.Subject,
		Body:        out.Body,
		Status:      db.StatusPending,
		Metadata:    meta,
		TemplateID:  &templateID,
	}
	if err := d.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	if d.publisher != nil {
		if err := d.publisher.PublishNotification(ctx, events.NewNotificationEvent(n, db.StatusPending, n.CreatedAt)); err != nil {
			d.logger.Warn("failed to publish notification event", zap.Error(err))
		}
	}
	return n, nil
}
