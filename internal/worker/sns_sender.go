package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
)

// SNSAPI is the subset of the SNS client used by the SMS and push senders.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSConfig struct {
	Region string
}

// NewSNSClient builds the SNS client shared by SNSSender and PushSender.
func NewSNSClient(ctx context.Context, cfg SNSConfig) (*sns.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return sns.NewFromConfig(awsCfg), nil
}

// SNSSender sends SMS notifications via AWS SNS
type SNSSender struct {
	client SNSAPI
	logger *zap.Logger
}

// NewSNSSender creates a new SNS sender for SMS notifications
func NewSNSSender(client SNSAPI, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, logger: logger}
}

// Send sends an SMS notification via AWS SNS
func (s *SNSSender) Send(ctx context.Context, ch *db.Channel, n *db.Notification) (*db.Receipt, error) {
	if n.ChannelType != db.ChannelSMS {
		return nil, fmt.Errorf("SNS sender only supports SMS, got: %s", n.ChannelType)
	}
	if n.Recipient == "" {
		return nil, fmt.Errorf("SMS notification missing phone number")
	}
	if n.Body == "" {
		return nil, fmt.Errorf("SMS notification has empty body")
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(n.Recipient),
		Message:     aws.String(n.Body),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		var optedOut *types.InvalidParameterException
		if errors.As(err, &optedOut) {
			return nil, fmt.Errorf("%w: sns rejected number: %v", db.ErrBounced, err)
		}
		return nil, fmt.Errorf("sns publish failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("SMS sent via SNS",
		zap.String("id", n.ID.String()),
		zap.String("phone_number", n.Recipient),
		zap.String("message_id", messageID),
	)

	return &db.Receipt{ProviderID: messageID}, nil
}

// SupportsChannel checks if this sender supports the SMS channel
func (s *SNSSender) SupportsChannel(channel db.ChannelType) bool {
	return channel == db.ChannelSMS
}

// PushSender delivers mobile push notifications to an SNS platform endpoint.
type PushSender struct {
	client SNSAPI
	logger *zap.Logger
}

func NewPushSender(client SNSAPI, logger *zap.Logger) *PushSender {
	return &PushSender{client: client, logger: logger}
}

func (s *PushSender) Send(ctx context.Context, ch *db.Channel, n *db.Notification) (*db.Receipt, error) {
	if n.ChannelType != db.ChannelPush {
		return nil, fmt.Errorf("push sender only supports push, got: %s", n.ChannelType)
	}
	if n.Recipient == "" {
		return nil, fmt.Errorf("push notification missing target ARN")
	}

	input := &sns.PublishInput{
		TargetArn: aws.String(n.Recipient),
		Message:   aws.String(n.Body),
	}
	if n.Subject != "" {
		input.Subject = aws.String(n.Subject)
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		var disabled *types.EndpointDisabledException
		if errors.As(err, &disabled) {
			return nil, fmt.Errorf("%w: push endpoint disabled: %v", db.ErrBounced, err)
		}
		return nil, fmt.Errorf("sns push failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("push sent via SNS",
		zap.String("id", n.ID.String()),
		zap.String("target_arn", n.Recipient),
		zap.String("message_id", messageID),
	)
	return &db.Receipt{ProviderID: messageID}, nil
}

func (s *PushSender) SupportsChannel(channel db.ChannelType) bool {
	return channel == db.ChannelPush
}
