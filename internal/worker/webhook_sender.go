package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
)

// WebhookSender sends notifications via HTTP webhooks
type WebhookSender struct {
	client         *http.Client
	defaultTimeout time.Duration
	logger         *zap.Logger
}

type WebhookConfig struct {
	DefaultTimeout time.Duration // used when the channel does not set timeout_sec
}

// WebhookPayload is the JSON body posted to webhook channels.
type WebhookPayload struct {
	NotificationID string         `json:"notificationId"`
	AlertID        string         `json:"alertId"`
	Channel        string         `json:"channel"`
	Subject        string         `json:"subject,omitempty"`
	Body           string         `json:"body"`
	AlertType      db.AlertType   `json:"alertType,omitempty"`
	AlertLevel     db.AlertLevel  `json:"alertLevel,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// NewWebhookSender creates a new webhook sender
func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &WebhookSender{
		client:         &http.Client{},
		defaultTimeout: timeout,
		logger:         logger,
	}
}

// Send posts the rendered notification to the channel's URL. Any 2xx counts
// as delivered; 410 Gone is a bounce.
func (s *WebhookSender) Send(ctx context.Context, ch *db.Channel, n *db.Notification) (*db.Receipt, error) {
	if n.ChannelType != db.ChannelWebhook {
		return nil, fmt.Errorf("webhook sender only supports webhooks, got: %s", n.ChannelType)
	}

	settings := ch.Settings.Webhook
	if settings == nil || settings.URL == "" {
		return nil, fmt.Errorf("webhook channel %s missing url", ch.ID)
	}

	method := settings.Method
	if method == "" {
		method = http.MethodPost
	}
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return nil, fmt.Errorf("webhook method not supported: %s (only POST, PUT, PATCH)", method)
	}

	timeout := s.defaultTimeout
	if settings.TimeoutSec > 0 {
		timeout = time.Duration(settings.TimeoutSec) * time.Second
	}

	meta := n.Meta()
	payload, err := json.Marshal(WebhookPayload{
		NotificationID: n.ID.String(),
		AlertID:        n.AlertID.String(),
		Channel:        ch.Name,
		Subject:        n.Subject,
		Body:           n.Body,
		AlertType:      meta.AlertType,
		AlertLevel:     meta.AlertLevel,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, settings.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "StockPulse/1.0")
	req.Header.Set("X-StockPulse-Notification-ID", n.ID.String())
	req.Header.Set("X-StockPulse-Alert-ID", n.AlertID.String())
	for key, value := range settings.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("%w: webhook endpoint gone: %d", db.ErrBounced, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	s.logger.Info("webhook delivered successfully",
		zap.String("id", n.ID.String()),
		zap.String("url", settings.URL),
		zap.Int("status_code", resp.StatusCode),
		zap.String("response_preview", string(bodyBytes)),
	)

	return &db.Receipt{Delivered: true}, nil
}

// SupportsChannel checks if this sender supports webhooks
func (s *WebhookSender) SupportsChannel(channel db.ChannelType) bool {
	return channel == db.ChannelWebhook
}
