package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/lalithlochan/stockpulse/internal/events"
)

// API is the subset of the SNS client used here.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Topics maps event kinds to SNS topic ARNs. An empty ARN disables that kind.
type Topics struct {
	AlertTopicARN        string
	NotificationTopicARN string
}

// Publisher fans lifecycle events out to SNS topics so subscribers can filter
// on the event_type, level and channel message attributes.
type Publisher struct {
	client API
	topics Topics
}

// NewPublisher creates an SNS publisher using the default AWS config chain.
func NewPublisher(ctx context.Context, topics Topics, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Publisher{
		client: sns.NewFromConfig(cfg),
		topics: topics,
	}, nil
}

// NewPublisherWithClient is used by tests and callers that already hold a client.
func NewPublisherWithClient(client API, topics Topics) *Publisher {
	return &Publisher{client: client, topics: topics}
}

func (p *Publisher) PublishAlert(ctx context.Context, ev events.AlertEvent) error {
	if p.topics.AlertTopicARN == "" {
		return nil
	}
	return p.publish(ctx, p.topics.AlertTopicARN, ev, map[string]string{
		"event_type": "alert." + ev.EventType,
		"level":      string(ev.Level),
		"alert_type": string(ev.Type),
	})
}

func (p *Publisher) PublishNotification(ctx context.Context, ev events.NotificationEvent) error {
	if p.topics.NotificationTopicARN == "" {
		return nil
	}
	return p.publish(ctx, p.topics.NotificationTopicARN, ev, map[string]string{
		"event_type": "notification." + ev.EventType,
		"channel":    string(ev.ChannelType),
	})
}

func (p *Publisher) publish(ctx context.Context, topicARN string, v any, attrs map[string]string) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn:          aws.String(topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: stringAttributes(attrs),
	}

	if _, err := p.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return nil
}

func stringAttributes(attrs map[string]string) map[string]types.MessageAttributeValue {
	out := make(map[string]types.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		if v == "" {
			continue
		}
		out[k] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(v),
		}
	}
	return out
}
