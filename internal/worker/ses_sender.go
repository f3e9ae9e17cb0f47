package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
)

// SESAPI is the subset of the SES client used by SESSender.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESSender struct {
	client SESAPI
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESSenderWithClient(ses.NewFromConfig(awsCfg), cfg.FromEmail, logger), nil
}

func NewSESSenderWithClient(client SESAPI, from string, logger *zap.Logger) *SESSender {
	return &SESSender{client: client, from: from, logger: logger}
}

// Send sends an email notification via AWS SES. A message SES rejects
// outright is reported as a bounce.
func (s *SESSender) Send(ctx context.Context, ch *db.Channel, n *db.Notification) (*db.Receipt, error) {
	if n.ChannelType != db.ChannelEmail {
		return nil, fmt.Errorf("SES sender only supports email, got: %s", n.ChannelType)
	}
	if n.Recipient == "" {
		return nil, fmt.Errorf("email notification missing recipient")
	}

	from := s.from
	if ch.Settings.Email != nil && ch.Settings.Email.From != "" {
		from = ch.Settings.Email.From
	}

	body := &types.Body{
		Text: &types.Content{
			Data:    aws.String(n.Body),
			Charset: aws.String("UTF-8"),
		},
	}
	if html := n.Meta().HTML; html != "" {
		body.Html = &types.Content{
			Data:    aws.String(html),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{n.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(n.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		var rejected *types.MessageRejected
		if errors.As(err, &rejected) {
			return nil, fmt.Errorf("%w: ses rejected message: %v", db.ErrBounced, err)
		}
		return nil, fmt.Errorf("ses send failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Info("email sent via SES",
		zap.String("id", n.ID.String()),
		zap.String("to", n.Recipient),
		zap.String("message_id", messageID),
	)

	return &db.Receipt{ProviderID: messageID}, nil
}

// SupportsChannel checks if this sender supports the email channel
func (s *SESSender) SupportsChannel(channel db.ChannelType) bool {
	return channel == db.ChannelEmail
}
