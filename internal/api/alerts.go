package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/db"
)

type acknowledgeRequest struct {
	AssignedTo string `json:"assignedTo"`
	Comment    string `json:"comment"`
}

type resolveRequest struct {
	ResolvedBy  string `json:"resolvedBy"`
	Comment     string `json:"comment"`
	ActionTaken string `json:"actionTaken"`
}

type escalateRequest struct {
	Reason string `json:"reason"`
}

// ListAlerts handles GET /v1/alerts?status=&level=&type=&entity_type=&entity_id=&limit=&offset=
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := db.AlertFilter{
		Status:     db.AlertStatus(strings.ToUpper(q.Get("status"))),
		Level:      db.AlertLevel(strings.ToUpper(q.Get("level"))),
		Type:       db.AlertType(strings.ToUpper(q.Get("type"))),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}
	switch f.Status {
	case "", db.AlertActive, db.AlertAcknowledged, db.AlertResolved, db.AlertEscalated:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "status must be ACTIVE, ACKNOWLEDGED, RESOLVED or ESCALATED")
		return
	}
	if f.Level != "" && !f.Level.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid level", "level must be INFO, WARNING or EMERGENCY")
		return
	}
	if f.Type != "" && !f.Type.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid type", "")
		return
	}
	f.Limit, f.Offset = page(r, 50, 500)

	alerts, err := h.deps.Store.ListAlerts(r.Context(), f)
	if err != nil {
		h.writeStoreError(w, err, "list alerts")
		return
	}
	h.writeJSON(w, http.StatusOK, ListResponse{Data: alerts, Count: len(alerts), Limit: f.Limit, Offset: f.Offset})
}

// GetAlert handles GET /v1/alerts/{id}
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	alert, err := h.deps.Store.GetAlert(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "get alert")
		return
	}
	h.writeJSON(w, http.StatusOK, alert)
}

// AcknowledgeAlert handles POST /v1/alerts/{id}/acknowledge
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req acknowledgeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.AssignedTo) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing assignedTo", "")
		return
	}

	alert, err := h.deps.Lifecycle.Acknowledge(r.Context(), id, req.AssignedTo, req.Comment)
	if err != nil {
		h.writeStoreError(w, err, "acknowledge alert")
		return
	}
	h.logTransition("alert acknowledged", alert, req.AssignedTo)
	h.writeJSON(w, http.StatusOK, alert)
}

// ResolveAlert handles POST /v1/alerts/{id}/resolve
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ResolvedBy) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing resolvedBy", "")
		return
	}

	alert, err := h.deps.Lifecycle.Resolve(r.Context(), id, req.ResolvedBy, req.Comment, req.ActionTaken)
	if err != nil {
		h.writeStoreError(w, err, "resolve alert")
		return
	}
	h.logTransition("alert resolved", alert, req.ResolvedBy)
	h.writeJSON(w, http.StatusOK, alert)
}

// EscalateAlert handles POST /v1/alerts/{id}/escalate. An empty body is allowed.
func (h *Handler) EscalateAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req escalateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	alert, err := h.deps.Lifecycle.Escalate(r.Context(), id, req.Reason)
	if err != nil {
		h.writeStoreError(w, err, "escalate alert")
		return
	}
	h.logTransition("alert escalated", alert, "")
	h.writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) logTransition(msg string, a *db.Alert, by string) {
	h.logger.Info(msg,
		zap.String("alert_id", a.ID.String()),
		zap.String("status", string(a.Status)),
		zap.String("level", string(a.Level)),
		zap.String("by", by),
	)
}

// ListNotifications handles GET /v1/notifications?status=&alert_id=&channel_type=&limit=&offset=
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := db.NotificationFilter{
		Status:      db.NotificationStatus(strings.ToLower(q.Get("status"))),
		ChannelType: db.ChannelType(strings.ToLower(q.Get("channel_type"))),
	}
	switch f.Status {
	case "", db.StatusPending, db.StatusSent, db.StatusDelivered, db.StatusFailed, db.StatusBounced:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, sent, delivered, failed, bounced")
		return
	}
	if f.ChannelType != "" && !f.ChannelType.Valid() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel_type", "")
		return
	}
	if s := q.Get("alert_id"); s != "" {
		alertID, err := uuid.Parse(s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid alert_id", "alert_id must be a valid UUID")
			return
		}
		f.AlertID = &alertID
	}
	f.Limit, f.Offset = page(r, 50, 500)

	notifications, err := h.deps.Store.ListNotifications(r.Context(), f)
	if err != nil {
		h.writeStoreError(w, err, "list notifications")
		return
	}
	h.writeJSON(w, http.StatusOK, ListResponse{Data: notifications, Count: len(notifications), Limit: f.Limit, Offset: f.Offset})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	n, err := h.deps.Store.GetNotification(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "get notification")
		return
	}
	h.writeJSON(w, http.StatusOK, n)
}

// ConfirmDelivered handles POST /v1/notifications/{id}/delivered, the
// provider callback for a confirmed delivery.
func (h *Handler) ConfirmDelivered(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	n, err := h.deps.Store.GetNotification(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "get notification")
		return
	}
	if err := h.deps.Confirmer.ConfirmDelivered(r.Context(), n); err != nil {
		h.writeStoreError(w, err, "confirm delivery")
		return
	}

	h.logger.Info("notification delivery confirmed", zap.String("id", id.String()))
	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": string(db.StatusDelivered),
	})
}
