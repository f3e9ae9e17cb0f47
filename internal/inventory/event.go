// Package inventory defines the inbound inventory-change event and its normalization.
package inventory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	EntityType = "inventory_item"

	DefaultEventType = "inventory.updated"
)

// ErrMissingItemID marks an event that cannot be evaluated.
var ErrMissingItemID = errors.New("event missing itemId")

// Event is an inventory change as published by the upstream inventory service.
type Event struct {
	InventoryID       string    `json:"inventoryId,omitempty"`
	ItemID            string    `json:"itemId"`
	LocationID        string    `json:"locationId,omitempty"`
	Quantity          float64   `json:"quantity"`
	PreviousQuantity  float64   `json:"previousQuantity"`
	MinThreshold      *float64  `json:"minThreshold,omitempty"`
	MaxThreshold      *float64  `json:"maxThreshold,omitempty"`
	Status            string    `json:"status,omitempty"`
	ThresholdViolated bool      `json:"thresholdViolated"`
	ViolationType     string    `json:"violationType,omitempty"`
	EventType         string    `json:"eventType,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Decode parses a raw message body and normalizes it. The returned error
// wraps ErrMissingItemID or the JSON error for malformed input.
func Decode(body []byte, now time.Time) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode inventory event: %w", err)
	}
	ev.Normalize(now)
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Normalize trims identifiers and fills defaults.
func (e *Event) Normalize(now time.Time) {
	e.InventoryID = strings.TrimSpace(e.InventoryID)
	e.ItemID = strings.TrimSpace(e.ItemID)
	e.LocationID = strings.TrimSpace(e.LocationID)
	e.EventType = strings.TrimSpace(e.EventType)
	if e.EventType == "" {
		e.EventType = DefaultEventType
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
}

func (e *Event) Validate() error {
	if e.ItemID == "" {
		return ErrMissingItemID
	}
	return nil
}

// EntityRef identifies the inventory record the event concerns. It is keyed
// on item and location only; inventoryId is not carried by every stream and
// stays in the alert data.
func (e *Event) EntityRef() (entityType, entityID string) {
	if e.LocationID != "" {
		return EntityType, e.ItemID + "/" + e.LocationID
	}
	return EntityType, e.ItemID
}

// PartitionKey is the serialization key for per-entity processing.
func (e *Event) PartitionKey() string {
	t, id := e.EntityRef()
	return t + ":" + id
}

// DedupKey identifies the underlying change independent of which topic carried it.
func (e *Event) DedupKey() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d",
		e.ItemID, e.LocationID,
		strconv.FormatFloat(e.Quantity, 'f', -1, 64),
		strconv.FormatFloat(e.PreviousQuantity, 'f', -1, 64),
		e.Timestamp.UnixNano(),
	)
	return hex.EncodeToString(h.Sum(nil))
}

// Fields exposes the event as a flat map for rule conditions and template data.
func (e *Event) Fields() map[string]any {
	f := map[string]any{
		"itemId":            e.ItemID,
		"locationId":        e.LocationID,
		"inventoryId":       e.InventoryID,
		"quantity":          e.Quantity,
		"previousQuantity":  e.PreviousQuantity,
		"delta":             e.Quantity - e.PreviousQuantity,
		"status":            e.Status,
		"thresholdViolated": e.ThresholdViolated,
		"violationType":     e.ViolationType,
		"eventType":         e.EventType,
		"timestamp":         e.Timestamp.Format(time.RFC3339),
	}
	if e.MinThreshold != nil {
		f["minThreshold"] = *e.MinThreshold
	}
	if e.MaxThreshold != nil {
		f["maxThreshold"] = *e.MaxThreshold
	}
	return f
}
