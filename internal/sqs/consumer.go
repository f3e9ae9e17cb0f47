package sqs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/intake"
)

const sourceName = "sqs"

// API is the subset of the SQS client used by the consumer and DLQ producer.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region            string
	QueueURL          string
	DLQURL            string
	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

// NewClient loads the default AWS config chain for region.
func NewClient(ctx context.Context, region string) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Consumer long-polls the inventory event queue. Each message is deleted
// when its delivery is acked.
type Consumer struct {
	client API
	cfg    Config
	logger *zap.Logger
}

func NewConsumer(client API, cfg Config, logger *zap.Logger) *Consumer {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.Int32("wait_seconds", cfg.WaitTimeSeconds),
	)

	return &Consumer{client: client, cfg: cfg, logger: logger}
}

// Receive retrieves up to MaxMessages with long polling.
func (c *Consumer) Receive(ctx context.Context) ([]intake.Delivery, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: c.cfg.MaxMessages,
		WaitTimeSeconds:     c.cfg.WaitTimeSeconds,
		VisibilityTimeout:   c.cfg.VisibilityTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	batch := make([]intake.Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		handle := aws.ToString(m.ReceiptHandle)
		batch = append(batch, intake.Delivery{
			Source: sourceName,
			Topic:  c.cfg.QueueURL,
			Body:   []byte(aws.ToString(m.Body)),
			Ack: func(ctx context.Context) error {
				return c.delete(ctx, handle)
			},
		})
	}
	return batch, nil
}

func (c *Consumer) delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
