package inventory

import (
	"errors"
	"testing"
	"time"
)

func TestDecode(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		body      string
		wantErr   error
		wantAny   bool
		wantType  string
		wantItem  string
		wantStamp time.Time
	}{
		{
			name:      "full event",
			body:      `{"itemId":"I1","locationId":"L1","quantity":3,"minThreshold":10,"thresholdViolated":true,"eventType":"inventory.threshold","timestamp":"2026-04-01T08:00:00Z"}`,
			wantType:  "inventory.threshold",
			wantItem:  "I1",
			wantStamp: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
		},
		{
			name:      "defaults filled",
			body:      `{"itemId":"  I2 ","quantity":12}`,
			wantType:  DefaultEventType,
			wantItem:  "I2",
			wantStamp: now,
		},
		{
			name:    "missing item id",
			body:    `{"locationId":"L1","quantity":3}`,
			wantErr: ErrMissingItemID,
		},
		{
			name:    "blank item id",
			body:    `{"itemId":"   "}`,
			wantErr: ErrMissingItemID,
		},
		{
			name:    "not json",
			body:    `{{{`,
			wantAny: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.body), now)
			if tt.wantErr != nil || tt.wantAny {
				if err == nil {
					t.Fatal("expected error")
				}
				if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.EventType != tt.wantType {
				t.Errorf("event type = %q, want %q", ev.EventType, tt.wantType)
			}
			if ev.ItemID != tt.wantItem {
				t.Errorf("item = %q, want %q", ev.ItemID, tt.wantItem)
			}
			if !ev.Timestamp.Equal(tt.wantStamp) {
				t.Errorf("timestamp = %v, want %v", ev.Timestamp, tt.wantStamp)
			}
		})
	}
}

func TestEntityRef(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{InventoryID: "INV-9", ItemID: "I1", LocationID: "L1"}, "I1/L1"},
		{Event{InventoryID: "INV-9", ItemID: "I1"}, "I1"},
		{Event{ItemID: "I1", LocationID: "L1"}, "I1/L1"},
		{Event{ItemID: "I1"}, "I1"},
	}
	for _, tt := range tests {
		typ, id := tt.ev.EntityRef()
		if typ != EntityType || id != tt.want {
			t.Errorf("EntityRef() = %s/%s, want %s/%s", typ, id, EntityType, tt.want)
		}
	}
}

func TestDedupKey_StableAcrossTopics(t *testing.T) {
	ts := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	a := Event{ItemID: "I1", LocationID: "L1", Quantity: 3, PreviousQuantity: 12, Timestamp: ts, EventType: "inventory.updated"}
	b := a
	b.EventType = "inventory.below_threshold"

	if a.DedupKey() != b.DedupKey() {
		t.Error("same change on different topics should share a dedup key")
	}

	c := a
	c.Quantity = 4
	if a.DedupKey() == c.DedupKey() {
		t.Error("different quantities should not share a dedup key")
	}
}

func TestFields(t *testing.T) {
	min := 10.0
	ev := Event{ItemID: "I1", Quantity: 3, PreviousQuantity: 8, MinThreshold: &min}
	f := ev.Fields()
	if f["delta"] != -5.0 {
		t.Errorf("delta = %v, want -5", f["delta"])
	}
	if f["minThreshold"] != 10.0 {
		t.Errorf("minThreshold = %v", f["minThreshold"])
	}
	if _, ok := f["maxThreshold"]; ok {
		t.Error("absent maxThreshold should not be set")
	}
}
