package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"
	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
)

type MockSES struct {
	input *ses.SendEmailInput
	err   error
}

func (m *MockSES) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	m.input = params
	if m.err != nil {
		return nil, m.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

type MockSNS struct {
	input *sns.PublishInput
	err   error
}

func (m *MockSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.input = params
	if m.err != nil {
		return nil, m.err
	}
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

type MockResend struct {
	params *resend.SendEmailRequest
	err    error
}

func (m *MockResend) Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	m.params = params
	if m.err != nil {
		return nil, m.err
	}
	return &resend.SendEmailResponse{Id: "re-1"}, nil
}

func testNotification(ch db.ChannelType, recipient string) *db.Notification {
	meta, _ := json.Marshal(db.NotificationMetadata{
		HTML:       "<p>low</p>",
		AlertType:  db.AlertLowStock,
		AlertLevel: db.LevelEmergency,
	})
	return &db.Notification{
		ID:          uuid.New(),
		AlertID:     uuid.New(),
		ChannelID:   uuid.New(),
		ChannelType: ch,
		Recipient:   recipient,
		Subject:     "Low stock",
		Body:        "I1 has 3 left",
		Status:      db.StatusPending,
		Metadata:    meta,
	}
}

func TestMultiSenderRouting(t *testing.T) {
	logger := zap.NewNop()

	emailSender := NewSESSenderWithClient(&MockSES{}, "alerts@example.com", logger)
	webhookSender := NewWebhookSender(logger, WebhookConfig{})
	multiSender := NewMultiSender(logger, emailSender, webhookSender)

	tests := []struct {
		name    string
		channel db.ChannelType
		should  bool
	}{
		{"email_supported", db.ChannelEmail, true},
		{"webhook_supported", db.ChannelWebhook, true},
		{"sms_not_supported", db.ChannelSMS, false},
		{"disabled_not_supported", db.ChannelDisabled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			supports := multiSender.SupportsChannel(tt.channel)
			if supports != tt.should {
				t.Errorf("SupportsChannel(%s) = %v, want %v", tt.channel, supports, tt.should)
			}
		})
	}

	_, err := multiSender.Send(context.Background(), &db.Channel{}, testNotification(db.ChannelSMS, "+15550100"))
	if err == nil {
		t.Error("expected routing error for sms")
	}
}

func TestSupportsChannel(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name   string
		sender Sender
		want   db.ChannelType
	}{
		{"ses", NewSESSenderWithClient(&MockSES{}, "", logger), db.ChannelEmail},
		{"resend", NewResendSenderWithClient(&MockResend{}, "", logger), db.ChannelEmail},
		{"sms", NewSNSSender(&MockSNS{}, logger), db.ChannelSMS},
		{"push", NewPushSender(&MockSNS{}, logger), db.ChannelPush},
		{"webhook", NewWebhookSender(logger, WebhookConfig{}), db.ChannelWebhook},
	}

	all := []db.ChannelType{db.ChannelEmail, db.ChannelSMS, db.ChannelWebhook, db.ChannelPush, db.ChannelDisabled}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, ch := range all {
				if got := tt.sender.SupportsChannel(ch); got != (ch == tt.want) {
					t.Errorf("SupportsChannel(%s) = %v", ch, got)
				}
			}
		})
	}
}

func TestSESSender(t *testing.T) {
	mock := &MockSES{}
	sender := NewSESSenderWithClient(mock, "alerts@example.com", zap.NewNop())
	ch := &db.Channel{Type: db.ChannelEmail, Settings: db.ChannelSettings{
		Email: &db.EmailSettings{To: "ops@example.com", From: "stock@example.com"},
	}}

	receipt, err := sender.Send(context.Background(), ch, testNotification(db.ChannelEmail, "ops@example.com"))
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if receipt.ProviderID != "ses-1" || receipt.Delivered {
		t.Errorf("receipt = %+v", receipt)
	}
	if aws.ToString(mock.input.Source) != "stock@example.com" {
		t.Errorf("source = %s, want channel from address", aws.ToString(mock.input.Source))
	}
	if mock.input.Message.Body.Html == nil || aws.ToString(mock.input.Message.Body.Html.Data) != "<p>low</p>" {
		t.Error("html body not sent")
	}
}

func TestSESSenderRejectedIsBounce(t *testing.T) {
	mock := &MockSES{err: &sestypes.MessageRejected{Message: aws.String("blocked")}}
	sender := NewSESSenderWithClient(mock, "alerts@example.com", zap.NewNop())

	_, err := sender.Send(context.Background(), &db.Channel{}, testNotification(db.ChannelEmail, "ops@example.com"))
	if !errors.Is(err, db.ErrBounced) {
		t.Fatalf("expected ErrBounced, got %v", err)
	}
}

func TestResendSender(t *testing.T) {
	mock := &MockResend{}
	sender := NewResendSenderWithClient(mock, "alerts@example.com", zap.NewNop())

	receipt, err := sender.Send(context.Background(), &db.Channel{}, testNotification(db.ChannelEmail, "ops@example.com"))
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if receipt.ProviderID != "re-1" {
		t.Errorf("provider id = %s", receipt.ProviderID)
	}
	if mock.params.From != "alerts@example.com" || mock.params.Html != "<p>low</p>" {
		t.Errorf("params = %+v", mock.params)
	}

	mock.err = errors.New("quota")
	if _, err := sender.Send(context.Background(), &db.Channel{}, testNotification(db.ChannelEmail, "ops@example.com")); err == nil {
		t.Error("expected error")
	}
}

func TestSNSSenders(t *testing.T) {
	smsMock := &MockSNS{}
	sms := NewSNSSender(smsMock, zap.NewNop())
	if _, err := sms.Send(context.Background(), &db.Channel{}, testNotification(db.ChannelSMS, "+15550100")); err != nil {
		t.Fatalf("sms send: %v", err)
	}
	if aws.ToString(smsMock.input.PhoneNumber) != "+15550100" {
		t.Errorf("phone = %s", aws.ToString(smsMock.input.PhoneNumber))
	}

	pushMock := &MockSNS{}
	push := NewPushSender(pushMock, zap.NewNop())
	arn := "arn:aws:sns:us-east-1:123:endpoint/APNS/app/abc"
	if _, err := push.Send(context.Background(), &db.Channel{}, testNotification(db.ChannelPush, arn)); err != nil {
		t.Fatalf("push send: %v", err)
	}
	if aws.ToString(pushMock.input.TargetArn) != arn {
		t.Errorf("target = %s", aws.ToString(pushMock.input.TargetArn))
	}

	pushMock.err = &snstypes.EndpointDisabledException{Message: aws.String("disabled")}
	_, err := push.Send(context.Background(), &db.Channel{}, testNotification(db.ChannelPush, arn))
	if !errors.Is(err, db.ErrBounced) {
		t.Errorf("expected ErrBounced, got %v", err)
	}

	if _, err := sms.Send(context.Background(), &db.Channel{}, testNotification(db.ChannelSMS, "")); err == nil {
		t.Error("expected error for missing phone number")
	}
}

func TestWebhookSenderValidation(t *testing.T) {
	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{})

	tests := []struct {
		name     string
		settings *db.WebhookSettings
	}{
		{"missing_settings", nil},
		{"missing_url", &db.WebhookSettings{Method: "POST"}},
		{"invalid_method", &db.WebhookSettings{URL: "http://example.com", Method: "GET"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := &db.Channel{ID: uuid.New(), Type: db.ChannelWebhook, Settings: db.ChannelSettings{Webhook: tt.settings}}
			if _, err := sender.Send(context.Background(), ch, testNotification(db.ChannelWebhook, "")); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestWebhookSenderHTTPCall(t *testing.T) {
	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{DefaultTimeout: 5 * time.Second})
	n := testNotification(db.ChannelWebhook, "")

	var got WebhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("X-Custom-Header") != "test-value" ||
			r.Header.Get("X-StockPulse-Notification-ID") != n.ID.String() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	ch := &db.Channel{ID: uuid.New(), Name: "ops-hook", Type: db.ChannelWebhook, Settings: db.ChannelSettings{
		Webhook: &db.WebhookSettings{
			URL:        server.URL,
			Method:     http.MethodPut,
			Headers:    map[string]string{"X-Custom-Header": "test-value"},
			TimeoutSec: 2,
		},
	}}

	receipt, err := sender.Send(context.Background(), ch, n)
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if !receipt.Delivered {
		t.Error("2xx should be reported as delivered")
	}
	if got.AlertID != n.AlertID.String() || got.Channel != "ops-hook" || got.AlertLevel != db.LevelEmergency {
		t.Errorf("payload = %+v", got)
	}
}

func TestWebhookSenderHTTPError(t *testing.T) {
	sender := NewWebhookSender(zap.NewNop(), WebhookConfig{DefaultTimeout: 5 * time.Second})

	tests := []struct {
		name    string
		status  int
		bounced bool
	}{
		{"server_error", http.StatusInternalServerError, false},
		{"bad_request", http.StatusBadRequest, false},
		{"gone", http.StatusGone, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			ch := &db.Channel{Type: db.ChannelWebhook, Settings: db.ChannelSettings{
				Webhook: &db.WebhookSettings{URL: server.URL},
			}}
			_, err := sender.Send(context.Background(), ch, testNotification(db.ChannelWebhook, server.URL))
			if err == nil {
				t.Fatalf("Send() should have failed for %d", tt.status)
			}
			if errors.Is(err, db.ErrBounced) != tt.bounced {
				t.Errorf("bounced = %v, want %v", errors.Is(err, db.ErrBounced), tt.bounced)
			}
		})
	}
}

func TestLogSenderSupportsAllChannels(t *testing.T) {
	sender := NewLogSender(zap.NewNop())

	for _, ch := range []db.ChannelType{db.ChannelEmail, db.ChannelSMS, db.ChannelWebhook, db.ChannelPush} {
		if !sender.SupportsChannel(ch) {
			t.Errorf("LogSender should support %s channel", ch)
		}
	}
	if sender.SupportsChannel(db.ChannelDisabled) {
		t.Error("LogSender should not support disabled channels")
	}
}
