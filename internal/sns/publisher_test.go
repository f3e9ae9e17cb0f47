package sns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/lalithlochan/stockpulse/internal/db"
	"github.com/lalithlochan/stockpulse/internal/events"
)

type MockAPI struct {
	inputs []*sns.PublishInput
	err    error
}

func (m *MockAPI) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, params)
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestPublisher_AlertAttributes(t *testing.T) {
	api := &MockAPI{}
	p := NewPublisherWithClient(api, Topics{AlertTopicARN: "arn:aws:sns:us-east-1:123:alerts"})

	ev := events.AlertEvent{
		AlertID:   "a-1",
		Type:      db.AlertLowStock,
		Level:     db.LevelEmergency,
		EventType: events.AlertCreated,
		Timestamp: time.Now(),
	}
	if err := p.PublishAlert(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(api.inputs) != 1 {
		t.Fatalf("got %d publishes, want 1", len(api.inputs))
	}

	in := api.inputs[0]
	if *in.TopicArn != "arn:aws:sns:us-east-1:123:alerts" {
		t.Errorf("topic = %s", *in.TopicArn)
	}
	tests := []struct {
		attr string
		want string
	}{
		{"event_type", "alert.created"},
		{"level", "EMERGENCY"},
		{"alert_type", "LOW_STOCK"},
	}
	for _, tt := range tests {
		got, ok := in.MessageAttributes[tt.attr]
		if !ok || *got.StringValue != tt.want {
			t.Errorf("attribute %s = %v, want %s", tt.attr, got.StringValue, tt.want)
		}
	}

	var decoded events.AlertEvent
	if err := json.Unmarshal([]byte(*in.Message), &decoded); err != nil {
		t.Fatalf("message body: %v", err)
	}
	if decoded.AlertID != "a-1" {
		t.Errorf("alert id = %s", decoded.AlertID)
	}
}

func TestPublisher_NotificationChannelAttribute(t *testing.T) {
	api := &MockAPI{}
	p := NewPublisherWithClient(api, Topics{NotificationTopicARN: "arn:notif"})

	ev := events.NotificationEvent{NotificationID: "n-1", ChannelType: db.ChannelSMS, Status: db.StatusFailed, EventType: "failed"}
	if err := p.PublishNotification(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if got := *api.inputs[0].MessageAttributes["channel"].StringValue; got != "sms" {
		t.Errorf("channel attribute = %s, want sms", got)
	}
}

func TestPublisher_EmptyTopicSkips(t *testing.T) {
	api := &MockAPI{}
	p := NewPublisherWithClient(api, Topics{})

	_ = p.PublishAlert(context.Background(), events.AlertEvent{EventType: events.AlertCreated})
	_ = p.PublishNotification(context.Background(), events.NotificationEvent{EventType: "sent"})
	if len(api.inputs) != 0 {
		t.Errorf("expected no publishes without topics, got %d", len(api.inputs))
	}
}

func TestPublisher_Error(t *testing.T) {
	p := NewPublisherWithClient(&MockAPI{err: errors.New("throttled")}, Topics{AlertTopicARN: "arn"})
	if err := p.PublishAlert(context.Background(), events.AlertEvent{EventType: events.AlertCreated}); err == nil {
		t.Fatal("expected error")
	}
}
