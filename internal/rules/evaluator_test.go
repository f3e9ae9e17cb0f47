package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
	"github.com/lalithlochan/stockpulse/internal/inproc"
	"github.com/lalithlochan/stockpulse/internal/inventory"
)

type MockRuleSource struct {
	rules []*db.Rule
	err   error
}

func (m *MockRuleSource) ActiveRules(ctx context.Context) ([]*db.Rule, error) {
	return m.rules, m.err
}

func f64(v float64) *float64 { return &v }

func newEvaluator(rules ...*db.Rule) *Evaluator {
	return NewEvaluator(&MockRuleSource{rules: rules}, inproc.NewGuard(time.Minute), zap.NewNop())
}

func TestThresholdLevel(t *testing.T) {
	tests := []struct {
		qty  float64
		want db.AlertLevel
	}{
		{0, db.LevelEmergency},
		{4.99, db.LevelEmergency},
		{5, db.LevelWarning},
		{9.5, db.LevelWarning},
		{10, db.LevelInfo},
		{250, db.LevelInfo},
	}
	for _, tt := range tests {
		if got := ThresholdLevel(tt.qty); got != tt.want {
			t.Errorf("ThresholdLevel(%v) = %s, want %s", tt.qty, got, tt.want)
		}
	}
}

func TestEvaluate_ThresholdViolationLevels(t *testing.T) {
	tests := []struct {
		name string
		qty  float64
		want db.AlertLevel
	}{
		{"plenty", 12, db.LevelInfo},
		{"warning band", 7, db.LevelWarning},
		{"critical", 2, db.LevelEmergency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &inventory.Event{ItemID: "I1", Quantity: tt.qty, MinThreshold: f64(15), ThresholdViolated: true, EventType: "inventory.updated"}
			got, err := newEvaluator().Evaluate(context.Background(), ev)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("got %d candidates, want 1", len(got))
			}
			if got[0].Type != db.AlertLowStock || got[0].Level != tt.want {
				t.Errorf("got %s/%s, want LOW_STOCK/%s", got[0].Type, got[0].Level, tt.want)
			}
		})
	}
}

func TestEvaluate_CriticalScenarioYieldsOneEmergency(t *testing.T) {
	ev := &inventory.Event{
		ItemID:            "I1",
		LocationID:        "L1",
		Quantity:          3,
		MinThreshold:      f64(10),
		ThresholdViolated: true,
		EventType:         "inventory.updated",
	}

	got, err := newEvaluator().Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want exactly 1", len(got))
	}
	c := got[0]
	if c.Level != db.LevelEmergency {
		t.Errorf("level = %s, want EMERGENCY", c.Level)
	}
	if c.EntityType != inventory.EntityType || c.EntityID != "I1/L1" {
		t.Errorf("entity = %s/%s", c.EntityType, c.EntityID)
	}
	if !hasTag(c.Tags, TagCriticalLowStock) {
		t.Errorf("tags %v missing %s", c.Tags, TagCriticalLowStock)
	}
}

func TestEvaluate_CriticalWithoutViolationFlag(t *testing.T) {
	ev := &inventory.Event{ItemID: "I9", Quantity: 1, EventType: "inventory.updated"}
	got, _ := newEvaluator().Evaluate(context.Background(), ev)
	if len(got) != 1 || got[0].Level != db.LevelEmergency || !hasTag(got[0].Tags, TagCriticalLowStock) {
		t.Fatalf("got %+v, want one tagged emergency", got)
	}
}

func TestEvaluate_NoViolationNoCandidates(t *testing.T) {
	ev := &inventory.Event{ItemID: "I2", Quantity: 40, EventType: "inventory.updated"}
	got, _ := newEvaluator().Evaluate(context.Background(), ev)
	if len(got) != 0 {
		t.Fatalf("got %d candidates, want 0", len(got))
	}
}

func TestEvaluate_Overstock(t *testing.T) {
	tests := []struct {
		name      string
		ev        inventory.Event
		wantLevel db.AlertLevel
	}{
		{"violation type", inventory.Event{ItemID: "I3", Quantity: 500, ThresholdViolated: true, ViolationType: "OVER_MAX"}, db.LevelInfo},
		{"above max", inventory.Event{ItemID: "I1", Quantity: 150, MaxThreshold: f64(100), ThresholdViolated: true}, db.LevelInfo},
		{"small max follows quantity", inventory.Event{ItemID: "I4", Quantity: 8, MaxThreshold: f64(6), ThresholdViolated: true}, db.LevelWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := newEvaluator().Evaluate(context.Background(), &tt.ev)
			if len(got) != 1 || got[0].Type != db.AlertOverstock {
				t.Fatalf("got %+v, want one OVERSTOCK", got)
			}
			if got[0].Level != tt.wantLevel {
				t.Errorf("level = %s, want %s", got[0].Level, tt.wantLevel)
			}
		})
	}
}

func TestEvaluate_RuleMatching(t *testing.T) {
	matching := &db.Rule{
		ID:        uuid.New(),
		Name:      "slow movers",
		EventName: "INVENTORY.UPDATED",
		AlertType: db.AlertMovement,
		Severity:  db.LevelWarning,
		Frequency: db.FrequencyRealtime,
		IsActive:  true,
		Condition: db.RuleCondition{Clauses: []db.Clause{{Field: "delta", Operator: "lt", Value: -20.0}}},
	}
	otherEvent := &db.Rule{
		ID: uuid.New(), Name: "other", EventName: "inventory.moved", AlertType: db.AlertLocation,
		Severity: db.LevelInfo, Frequency: db.FrequencyRealtime, IsActive: true,
	}
	inactive := &db.Rule{
		ID: uuid.New(), Name: "off", EventName: "*", AlertType: db.AlertQuality,
		Severity: db.LevelInfo, Frequency: db.FrequencyRealtime, IsActive: false,
	}

	ev := &inventory.Event{ItemID: "I4", Quantity: 50, PreviousQuantity: 100, EventType: "inventory.updated"}
	got, err := newEvaluator(matching, otherEvent, inactive).Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1: %+v", len(got), got)
	}
	if got[0].Type != db.AlertMovement || got[0].RuleID == nil || *got[0].RuleID != matching.ID {
		t.Errorf("unexpected candidate %+v", got[0])
	}
}

func TestEvaluate_RuleKeepsIDWhenCollapsed(t *testing.T) {
	rule := &db.Rule{
		ID: uuid.New(), Name: "low stock", EventName: "*", AlertType: db.AlertLowStock,
		Severity: db.LevelWarning, Frequency: db.FrequencyRealtime, IsActive: true,
		Threshold: &db.Threshold{Min: f64(10)},
	}
	ev := &inventory.Event{ItemID: "I5", Quantity: 3, ThresholdViolated: true, EventType: "inventory.updated"}

	got, _ := newEvaluator(rule).Evaluate(context.Background(), ev)
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1", len(got))
	}
	if got[0].Level != db.LevelEmergency {
		t.Errorf("level = %s, want EMERGENCY", got[0].Level)
	}
	if got[0].RuleID == nil || *got[0].RuleID != rule.ID {
		t.Error("rule id lost in collapse")
	}
}

func TestEvaluate_FrequencyThrottle(t *testing.T) {
	rule := &db.Rule{
		ID: uuid.New(), Name: "hourly", EventName: "*", AlertType: db.AlertSystem,
		Severity: db.LevelInfo, Frequency: db.FrequencyHourly, IsActive: true,
	}
	e := newEvaluator(rule)
	ev := &inventory.Event{ItemID: "I6", Quantity: 50, EventType: "inventory.updated"}

	first, _ := e.Evaluate(context.Background(), ev)
	second, _ := e.Evaluate(context.Background(), ev)
	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("first=%d second=%d, want 1/0", len(first), len(second))
	}

	other := &inventory.Event{ItemID: "I7", Quantity: 50, EventType: "inventory.updated"}
	if got, _ := e.Evaluate(context.Background(), other); len(got) != 1 {
		t.Fatal("throttle should be per entity")
	}
}

func TestEvaluate_RuleSourceErrorKeepsThresholds(t *testing.T) {
	e := NewEvaluator(&MockRuleSource{err: errors.New("db down")}, nil, zap.NewNop())
	ev := &inventory.Event{ItemID: "I8", Quantity: 2, EventType: "inventory.updated"}

	got, err := e.Evaluate(context.Background(), ev)
	if err == nil {
		t.Fatal("expected rule load error")
	}
	if len(got) != 1 {
		t.Fatalf("threshold candidates should still be returned, got %d", len(got))
	}
}

func TestCollapse(t *testing.T) {
	id := uuid.New()
	in := []Candidate{
		{Type: db.AlertLowStock, Level: db.LevelWarning, Tags: []string{"A"}, RuleID: &id},
		{Type: db.AlertLowStock, Level: db.LevelEmergency, Tags: []string{"B"}},
		{Type: db.AlertExpiry, Level: db.LevelInfo},
	}
	out := Collapse(in)
	if len(out) != 2 {
		t.Fatalf("got %d, want 2", len(out))
	}
	if out[0].Level != db.LevelEmergency || len(out[0].Tags) != 2 || out[0].RuleID == nil {
		t.Errorf("unexpected merge %+v", out[0])
	}
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
