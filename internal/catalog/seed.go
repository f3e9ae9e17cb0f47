package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
)

// Seed is the TOML document loaded at startup to bootstrap configuration.
//
//	[[rules]]
//	name = "low-stock-critical"
//	event_name = "inventory.updated"
//	...
type Seed struct {
	Rules     []SeedRule     `toml:"rules"`
	Channels  []SeedChannel  `toml:"channels"`
	Templates []SeedTemplate `toml:"templates"`
}

type SeedRule struct {
	Name             string           `toml:"name"`
	EventName        string           `toml:"event_name"`
	RuleType         string           `toml:"rule_type"`
	AlertType        string           `toml:"alert_type"`
	Severity         string           `toml:"severity"`
	Frequency        string           `toml:"frequency"`
	Condition        db.RuleCondition `toml:"condition"`
	Threshold        *db.Threshold    `toml:"threshold"`
	Inactive         bool             `toml:"inactive"`
	ImmediateAction  bool             `toml:"immediate_action"`
	PreventiveAction bool             `toml:"preventive_action"`
	Actions          []string         `toml:"actions"`
}

type SeedChannel struct {
	Name             string             `toml:"name"`
	Type             string             `toml:"type"`
	Inactive         bool               `toml:"inactive"`
	RateLimitPerHour int                `toml:"rate_limit_per_hour"`
	Priority         int                `toml:"priority"`
	Settings         db.ChannelSettings `toml:"settings"`
}

type SeedTemplate struct {
	Name              string   `toml:"name"`
	Channel           string   `toml:"channel"`
	AlertType         string   `toml:"alert_type"`
	Language          string   `toml:"language"`
	Subject           string   `toml:"subject"`
	HTMLBody          string   `toml:"html_body"`
	TextBody          string   `toml:"text_body"`
	RequiredVariables []string `toml:"required_variables"`
}

// SeedStore is where seeded entities are written.
type SeedStore interface {
	ListRules(ctx context.Context, activeOnly bool) ([]*db.Rule, error)
	CreateRule(ctx context.Context, r *db.Rule) error
	ListChannels(ctx context.Context, activeOnly bool) ([]*db.Channel, error)
	CreateChannel(ctx context.Context, c *db.Channel) error
	ListTemplates(ctx context.Context, activeOnly bool) ([]*db.Template, error)
	CreateTemplate(ctx context.Context, t *db.Template) error
}

// ParseSeed decodes and validates a seed document. Unknown keys are rejected.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}

	var errs []error
	for i, r := range s.Rules {
		if _, err := r.toRule(); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d] %q: %w", i, r.Name, err))
		}
	}
	for i, c := range s.Channels {
		if _, err := c.toChannel(); err != nil {
			errs = append(errs, fmt.Errorf("channels[%d] %q: %w", i, c.Name, err))
		}
	}
	for i, t := range s.Templates {
		if _, err := t.toTemplate(); err != nil {
			errs = append(errs, fmt.Errorf("templates[%d] %q: %w", i, t.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSeedFile reads path and applies it to store.
func LoadSeedFile(ctx context.Context, path string, store SeedStore, logger *zap.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	seed, err := ParseSeed(data)
	if err != nil {
		return err
	}
	return seed.Apply(ctx, store, logger)
}

// Apply creates every seeded entity whose name is not already stored.
// Existing entities are left untouched so admin edits survive restarts.
func (s *Seed) Apply(ctx context.Context, store SeedStore, logger *zap.Logger) error {
	rules, err := store.ListRules(ctx, false)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	ruleNames := make(map[string]bool, len(rules))
	for _, r := range rules {
		ruleNames[r.Name] = true
	}

	channels, err := store.ListChannels(ctx, false)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	channelNames := make(map[string]bool, len(channels))
	for _, c := range channels {
		channelNames[c.Name] = true
	}

	templates, err := store.ListTemplates(ctx, false)
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}
	templateKeys := make(map[string]bool, len(templates))
	for _, t := range templates {
		templateKeys[string(t.Channel)+"/"+t.Name+"/"+t.Language] = true
	}

	created := 0
	for _, sr := range s.Rules {
		if ruleNames[sr.Name] {
			continue
		}
		r, _ := sr.toRule()
		if err := store.CreateRule(ctx, r); err != nil && !errors.Is(err, db.ErrDuplicateRule) {
			return fmt.Errorf("seed rule %q: %w", sr.Name, err)
		}
		created++
	}
	for _, sc := range s.Channels {
		if channelNames[sc.Name] {
			continue
		}
		c, _ := sc.toChannel()
		if err := store.CreateChannel(ctx, c); err != nil {
			return fmt.Errorf("seed channel %q: %w", sc.Name, err)
		}
		created++
	}
	for _, st := range s.Templates {
		t, _ := st.toTemplate()
		if templateKeys[string(t.Channel)+"/"+t.Name+"/"+t.Language] {
			continue
		}
		if err := store.CreateTemplate(ctx, t); err != nil {
			return fmt.Errorf("seed template %q: %w", st.Name, err)
		}
		created++
	}

	logger.Info("seed applied",
		zap.Int("rules", len(s.Rules)),
		zap.Int("channels", len(s.Channels)),
		zap.Int("templates", len(s.Templates)),
		zap.Int("created", created),
	)
	return nil
}

func (sr SeedRule) toRule() (*db.Rule, error) {
	if sr.Name == "" {
		return nil, errors.New("name is required")
	}
	r := &db.Rule{
		ID:               uuid.New(),
		Name:             sr.Name,
		EventName:        sr.EventName,
		RuleType:         sr.RuleType,
		AlertType:        db.AlertType(sr.AlertType),
		Condition:        sr.Condition,
		Threshold:        sr.Threshold,
		Severity:         db.AlertLevel(sr.Severity),
		Frequency:        db.Frequency(sr.Frequency),
		IsActive:         !sr.Inactive,
		ImmediateAction:  sr.ImmediateAction,
		PreventiveAction: sr.PreventiveAction,
	}
	if r.EventName == "" {
		r.EventName = "*"
	}
	if r.Frequency == "" {
		r.Frequency = db.FrequencyRealtime
	}
	if len(sr.Actions) > 0 {
		r.Actions, _ = json.Marshal(sr.Actions)
	}
	if err := ValidateRule(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (sc SeedChannel) toChannel() (*db.Channel, error) {
	c := &db.Channel{
		ID:               uuid.New(),
		Name:             sc.Name,
		Type:             db.ChannelType(sc.Type),
		Settings:         sc.Settings,
		IsActive:         !sc.Inactive,
		RateLimitPerHour: sc.RateLimitPerHour,
		Priority:         sc.Priority,
	}
	if err := ValidateChannel(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (st SeedTemplate) toTemplate() (*db.Template, error) {
	t := &db.Template{
		ID:                uuid.New(),
		Name:              st.Name,
		HTMLBody:          st.HTMLBody,
		Channel:           db.ChannelType(st.Channel),
		Language:          st.Language,
		IsActive:          true,
		RequiredVariables: st.RequiredVariables,
	}
	if st.Subject != "" {
		t.Subject = &st.Subject
	}
	if st.TextBody != "" {
		t.TextBody = &st.TextBody
	}
	if st.AlertType != "" {
		at := db.AlertType(st.AlertType)
		t.AlertType = &at
	}
	if t.Language == "" {
		t.Language = "en"
	}
	if err := ValidateTemplate(t); err != nil {
		return nil, err
	}
	return t, nil
}
