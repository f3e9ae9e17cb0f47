package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/lalithlochan/stockpulse/internal/db"
	"github.com/lalithlochan/stockpulse/internal/rules"
	"github.com/lalithlochan/stockpulse/internal/template"
)

// ErrValidation wraps every rejection of a rule, channel or template.
var ErrValidation = errors.New("validation failed")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ValidateRule checks a rule before it is stored.
func ValidateRule(r *db.Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return invalid("name is required")
	}
	if strings.TrimSpace(r.EventName) == "" {
		return invalid("event_name is required")
	}
	if !r.AlertType.Valid() {
		return invalid("unknown alert_type %q", r.AlertType)
	}
	if !r.Severity.Valid() {
		return invalid("unknown severity %q", r.Severity)
	}
	if !r.Frequency.Valid() {
		return invalid("unknown frequency %q", r.Frequency)
	}
	switch r.Condition.Match {
	case "", "all", "any":
	default:
		return invalid("condition match must be all or any, got %q", r.Condition.Match)
	}
	for i, cl := range r.Condition.Clauses {
		if cl.Field == "" {
			return invalid("clause %d: field is required", i)
		}
		if !rules.ValidOperator(cl.Operator) {
			return invalid("clause %d: unknown operator %q", i, cl.Operator)
		}
	}
	if t := r.Threshold; t != nil {
		if t.Min == nil && t.Max == nil {
			return invalid("threshold needs min or max")
		}
		if t.Min != nil && t.Max != nil && *t.Min > *t.Max {
			return invalid("threshold min exceeds max")
		}
	}
	return nil
}

// ValidateChannel checks that a channel carries the settings its type needs.
func ValidateChannel(c *db.Channel) error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid("name is required")
	}
	if !c.Type.Valid() {
		return invalid("unknown channel type %q", c.Type)
	}
	if c.RateLimitPerHour < 0 {
		return invalid("rate_limit_per_hour must be >= 0")
	}
	if f := c.Settings.Filter; f != nil {
		if f.MinLevel != "" && !f.MinLevel.Valid() {
			return invalid("filter min_level %q", f.MinLevel)
		}
		for _, t := range f.AlertTypes {
			if !t.Valid() {
				return invalid("filter alert type %q", t)
			}
		}
	}

	s := c.Settings
	switch c.Type {
	case db.ChannelEmail:
		if s.Email == nil || !strings.Contains(s.Email.To, "@") {
			return invalid("email channel needs settings.email.to")
		}
	case db.ChannelSMS:
		if s.SMS == nil || !strings.HasPrefix(s.SMS.PhoneNumber, "+") {
			return invalid("sms channel needs an E.164 settings.sms.phone_number")
		}
	case db.ChannelWebhook:
		if s.Webhook == nil {
			return invalid("webhook channel needs settings.webhook")
		}
		u, err := url.Parse(s.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("webhook url %q", s.Webhook.URL)
		}
	case db.ChannelPush:
		if s.Push == nil || !strings.HasPrefix(s.Push.TargetARN, "arn:") {
			return invalid("push channel needs settings.push.target_arn")
		}
	}
	return nil
}

// ValidateTemplate checks required fields and that every body parses.
func ValidateTemplate(t *db.Template) error {
	if strings.TrimSpace(t.Name) == "" {
		return invalid("name is required")
	}
	if !t.Channel.Valid() || t.Channel == db.ChannelDisabled {
		return invalid("unknown channel %q", t.Channel)
	}
	if t.AlertType != nil && !t.AlertType.Valid() {
		return invalid("unknown alert_type %q", *t.AlertType)
	}
	if t.HTMLBody == "" && (t.TextBody == nil || *t.TextBody == "") {
		return invalid("html_body or text_body is required")
	}
	if err := template.Check(t); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
