package sqs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/intake"
)

// maxAttributeLen keeps the error attribute well inside SQS limits.
const maxAttributeLen = 1024

// DeadLetterProducer forwards undecodable events, body untouched, to the DLQ
// with the origin and failure reason as message attributes.
type DeadLetterProducer struct {
	client API
	dlqURL string
	logger *zap.Logger
}

func NewDeadLetterProducer(client API, dlqURL string, logger *zap.Logger) *DeadLetterProducer {
	logger.Info("sqs dead-letter producer initialized", zap.String("dlq_url", dlqURL))
	return &DeadLetterProducer{client: client, dlqURL: dlqURL, logger: logger}
}

// Forward implements intake.DeadLetter.
func (p *DeadLetterProducer) Forward(ctx context.Context, d intake.Delivery, reason error) error {
	errText := ""
	if reason != nil {
		errText = reason.Error()
	}
	if len(errText) > maxAttributeLen {
		errText = errText[:maxAttributeLen]
	}

	body := string(d.Body)
	if body == "" {
		body = "{}"
	}

	attrs := map[string]types.MessageAttributeValue{
		"source": stringAttr(d.Source),
	}
	if d.Topic != "" {
		attrs["topic"] = stringAttr(d.Topic)
	}
	if errText != "" {
		attrs["error"] = stringAttr(errText)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.dlqURL),
		MessageBody:       aws.String(body),
		MessageAttributes: attrs,
	})
	if err != nil {
		p.logger.Error("failed to send message to dlq",
			zap.String("source", d.Source),
			zap.Error(err),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("event dead-lettered",
		zap.String("source", d.Source),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}
