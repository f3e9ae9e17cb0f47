// Package rules turns normalized inventory events into alert candidates using
// the built-in stock thresholds and the active administrator rules.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
	"github.com/lalithlochan/stockpulse/internal/inventory"
)

const (
	// Hard floors applied whether or not a rule matches.
	CriticalQuantity = 5
	WarningQuantity  = 10

	TagCriticalLowStock = "CRITICAL_LOW_STOCK"
	TagThreshold        = "THRESHOLD_VIOLATION"
)

// Candidate is a proposed alert. The lifecycle manager decides whether it
// becomes a new alert or escalates an open one.
type Candidate struct {
	Type       db.AlertType
	Level      db.AlertLevel
	EntityType string
	EntityID   string
	Title      string
	Message    string
	Data       map[string]any
	Tags       []string
	RuleID     *uuid.UUID
}

// DataJSON snapshots the candidate payload.
func (c Candidate) DataJSON() json.RawMessage {
	b, err := json.Marshal(c.Data)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// RuleSource supplies the active rule set.
type RuleSource interface {
	ActiveRules(ctx context.Context) ([]*db.Rule, error)
}

// Throttle reserves a key for a TTL; the first caller wins.
type Throttle interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type Evaluator struct {
	rules    RuleSource
	throttle Throttle
	logger   *zap.Logger
}

func NewEvaluator(rules RuleSource, throttle Throttle, logger *zap.Logger) *Evaluator {
	return &Evaluator{rules: rules, throttle: throttle, logger: logger}
}

// Evaluate returns the candidates for one event, collapsed to at most one per
// alert type. A rule set load failure is returned; the hard thresholds are
// still evaluated and returned alongside it.
func (e *Evaluator) Evaluate(ctx context.Context, ev *inventory.Event) ([]Candidate, error) {
	entityType, entityID := ev.EntityRef()
	fields := ev.Fields()

	var out []Candidate
	out = append(out, thresholdCandidates(ev, fields)...)

	rules, err := e.rules.ActiveRules(ctx)
	if err != nil {
		err = fmt.Errorf("load active rules: %w", err)
	} else {
		out = append(out, e.ruleCandidates(ctx, ev, fields, rules)...)
	}

	for i := range out {
		out[i].EntityType = entityType
		out[i].EntityID = entityID
	}
	return Collapse(out), err
}

// ThresholdLevel maps a quantity to the level of a threshold-violation alert.
func ThresholdLevel(quantity float64) db.AlertLevel {
	switch {
	case quantity < CriticalQuantity:
		return db.LevelEmergency
	case quantity < WarningQuantity:
		return db.LevelWarning
	default:
		return db.LevelInfo
	}
}

func thresholdCandidates(ev *inventory.Event, fields map[string]any) []Candidate {
	var out []Candidate
	where := ev.ItemID
	if ev.LocationID != "" {
		where += " at " + ev.LocationID
	}

	if ev.ThresholdViolated {
		if isOverstock(ev) {
			out = append(out, Candidate{
				Type:    db.AlertOverstock,
				Level:   ThresholdLevel(ev.Quantity),
				Title:   "Overstock: " + ev.ItemID,
				Message: fmt.Sprintf("Item %s holds %s units, above the maximum of %s", where, num(ev.Quantity), numPtr(ev.MaxThreshold)),
				Data:    fields,
				Tags:    []string{TagThreshold},
			})
		} else {
			out = append(out, Candidate{
				Type:    db.AlertLowStock,
				Level:   ThresholdLevel(ev.Quantity),
				Title:   "Low stock: " + ev.ItemID,
				Message: fmt.Sprintf("Item %s is down to %s units (minimum %s)", where, num(ev.Quantity), numPtr(ev.MinThreshold)),
				Data:    fields,
				Tags:    []string{TagThreshold},
			})
		}
	}

	if ev.Quantity < CriticalQuantity {
		out = append(out, Candidate{
			Type:    db.AlertLowStock,
			Level:   db.LevelEmergency,
			Title:   "Critical stock: " + ev.ItemID,
			Message: fmt.Sprintf("Item %s is critically low with %s units", where, num(ev.Quantity)),
			Data:    fields,
			Tags:    []string{TagCriticalLowStock},
		})
	}
	return out
}

func isOverstock(ev *inventory.Event) bool {
	v := strings.ToLower(ev.ViolationType)
	if strings.Contains(v, "over") || strings.Contains(v, "max") || strings.Contains(v, "above") {
		return true
	}
	if strings.Contains(v, "under") || strings.Contains(v, "min") || strings.Contains(v, "below") {
		return false
	}
	return ev.MaxThreshold != nil && ev.Quantity > *ev.MaxThreshold
}

func (e *Evaluator) ruleCandidates(ctx context.Context, ev *inventory.Event, fields map[string]any, rules []*db.Rule) []Candidate {
	var out []Candidate
	for _, rule := range rules {
		if !rule.IsActive || !rule.MatchesEvent(ev.EventType) {
			continue
		}

		ok, err := Matches(rule, fields)
		if err != nil {
			e.logger.Warn("rule condition invalid, skipping",
				zap.String("rule", rule.Name),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}
		if !e.admit(ctx, rule, ev.PartitionKey()) {
			continue
		}

		data := make(map[string]any, len(fields)+2)
		for k, v := range fields {
			data[k] = v
		}
		data["ruleName"] = rule.Name
		data["ruleType"] = rule.RuleType

		id := rule.ID
		out = append(out, Candidate{
			Type:    rule.AlertType,
			Level:   rule.Severity,
			Title:   fmt.Sprintf("%s: %s", rule.Name, ev.ItemID),
			Message: fmt.Sprintf("Rule %q matched %s for item %s (quantity %s)", rule.Name, ev.EventType, ev.ItemID, num(ev.Quantity)),
			Data:    data,
			Tags:    []string{"RULE:" + rule.Name},
			RuleID:  &id,
		})
	}
	return out
}

// admit applies the rule frequency. A throttle backend error lets the candidate through.
func (e *Evaluator) admit(ctx context.Context, rule *db.Rule, entityKey string) bool {
	window := rule.Frequency.Window()
	if window == 0 || e.throttle == nil {
		return true
	}
	ok, err := e.throttle.Reserve(ctx, "rule:"+rule.ID.String()+":"+entityKey, window)
	if err != nil {
		e.logger.Warn("rule throttle unavailable", zap.String("rule", rule.Name), zap.Error(err))
		return true
	}
	if !ok {
		e.logger.Debug("rule throttled by frequency",
			zap.String("rule", rule.Name),
			zap.String("frequency", string(rule.Frequency)),
			zap.String("entity", entityKey),
		)
	}
	return ok
}

// Collapse merges candidates of the same alert type. The highest level wins
// and its title and message are kept; tags are unioned and a RuleID from any
// merged candidate is preserved.
func Collapse(in []Candidate) []Candidate {
	byType := make(map[db.AlertType]int, len(in))
	var out []Candidate
	for _, c := range in {
		i, ok := byType[c.Type]
		if !ok {
			byType[c.Type] = len(out)
			c.Tags = append([]string(nil), c.Tags...)
			out = append(out, c)
			continue
		}
		cur := &out[i]
		tags := mergeTags(cur.Tags, c.Tags)
		ruleID := cur.RuleID
		if ruleID == nil {
			ruleID = c.RuleID
		}
		if c.Level.Priority() > cur.Level.Priority() {
			*cur = c
		}
		cur.Tags = tags
		cur.RuleID = ruleID
	}
	return out
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func num(f float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.3f", f), "0"), ".")
}

func numPtr(f *float64) string {
	if f == nil {
		return "n/a"
	}
	return num(*f)
}
