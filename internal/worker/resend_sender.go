package worker

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
)

// ResendAPI is the subset of the Resend emails service used by ResendSender.
type ResendAPI interface {
	Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendSender delivers email through the Resend API. It is used instead of
// SES when a Resend API key is configured.
type ResendSender struct {
	emails ResendAPI
	from   string
	logger *zap.Logger
}

func NewResendSender(apiKey, from string, logger *zap.Logger) *ResendSender {
	client := resend.NewClient(apiKey)
	return NewResendSenderWithClient(client.Emails, from, logger)
}

func NewResendSenderWithClient(emails ResendAPI, from string, logger *zap.Logger) *ResendSender {
	return &ResendSender{emails: emails, from: from, logger: logger}
}

func (s *ResendSender) Send(ctx context.Context, ch *db.Channel, n *db.Notification) (*db.Receipt, error) {
	if n.ChannelType != db.ChannelEmail {
		return nil, fmt.Errorf("resend sender only supports email, got: %s", n.ChannelType)
	}
	if n.Recipient == "" {
		return nil, fmt.Errorf("email notification missing recipient")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	from := s.from
	if ch.Settings.Email != nil && ch.Settings.Email.From != "" {
		from = ch.Settings.Email.From
	}

	params := &resend.SendEmailRequest{
		From:    from,
		To:      []string{n.Recipient},
		Subject: n.Subject,
		Text:    n.Body,
	}
	if html := n.Meta().HTML; html != "" {
		params.Html = html
	}

	result, err := s.emails.Send(params)
	if err != nil {
		return nil, fmt.Errorf("resend send failed: %w", err)
	}

	s.logger.Info("email sent via Resend",
		zap.String("id", n.ID.String()),
		zap.String("to", n.Recipient),
		zap.String("email_id", result.Id),
	)
	return &db.Receipt{ProviderID: result.Id}, nil
}

func (s *ResendSender) SupportsChannel(channel db.ChannelType) bool {
	return channel == db.ChannelEmail
}
