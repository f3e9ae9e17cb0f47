package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/catalog"
	"github.com/lalithlochan/stockpulse/internal/db"
	"github.com/lalithlochan/stockpulse/internal/intake"
	"github.com/lalithlochan/stockpulse/internal/lifecycle"
	"github.com/lalithlochan/stockpulse/internal/template"
)

const maxEventBytes = 1 << 20

// Store is the persistence the admin API reads and writes.
type Store interface {
	Health(ctx context.Context) error
	Stats(ctx context.Context) (*db.Stats, error)

	CreateRule(ctx context.Context, r *db.Rule) error
	UpdateRule(ctx context.Context, r *db.Rule) error
	GetRule(ctx context.Context, id uuid.UUID) (*db.Rule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]*db.Rule, error)

	CreateChannel(ctx context.Context, c *db.Channel) error
	UpdateChannel(ctx context.Context, c *db.Channel) error
	GetChannel(ctx context.Context, id uuid.UUID) (*db.Channel, error)
	ListChannels(ctx context.Context, activeOnly bool) ([]*db.Channel, error)

	CreateTemplate(ctx context.Context, t *db.Template) error
	UpdateTemplate(ctx context.Context, t *db.Template) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error)
	ListTemplates(ctx context.Context, activeOnly bool) ([]*db.Template, error)

	GetAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error)
	ListAlerts(ctx context.Context, f db.AlertFilter) ([]*db.Alert, error)

	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotifications(ctx context.Context, f db.NotificationFilter) ([]*db.Notification, error)
}

// Lifecycle performs operator-driven alert transitions.
type Lifecycle interface {
	Acknowledge(ctx context.Context, id uuid.UUID, by, comment string) (*db.Alert, error)
	Resolve(ctx context.Context, id uuid.UUID, by, comment, actionTaken string) (*db.Alert, error)
	Escalate(ctx context.Context, id uuid.UUID, reason string) (*db.Alert, error)
}

type DeliveryConfirmer interface {
	ConfirmDelivered(ctx context.Context, n *db.Notification) error
}

type EventSubmitter interface {
	Submit(ctx context.Context, d intake.Delivery) error
}

// Invalidator drops cached rules, channels and templates after a write.
type Invalidator interface {
	Invalidate()
}

// Deps groups the handler's collaborators. Events and Cache may be nil.
type Deps struct {
	Store     Store
	Lifecycle Lifecycle
	Confirmer DeliveryConfirmer
	Events    EventSubmitter
	Cache     Invalidator
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ListResponse wraps paged collections.
type ListResponse struct {
	Data   any `json:"data"`
	Count  int `json:"count"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	deps   Deps
}

func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	return &Handler{logger: logger, deps: deps}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Store.Health(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Store unavailable", "")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// Stats handles GET /v1/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Store.Stats(r.Context())
	if err != nil {
		h.writeStoreError(w, err, "stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// SubmitEvent handles POST /v1/events. The event is queued, not processed,
// when the response is written.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	if h.deps.Events == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Event intake disabled", "")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes+1))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}
	if len(body) > maxEventBytes {
		h.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Event too large", "")
		return
	}

	err = h.deps.Events.Submit(r.Context(), intake.Delivery{Source: "http", Body: body})
	switch {
	case errors.Is(err, intake.ErrMalformed):
		h.writeError(w, http.StatusBadRequest, "invalid_event", "Malformed inventory event", err.Error())
	case errors.Is(err, intake.ErrPoolClosed):
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Shutting down", "")
	case err != nil:
		h.writeStoreError(w, err, "submit event")
	default:
		h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

// writeStoreError maps domain errors onto HTTP statuses.
func (h *Handler) writeStoreError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, catalog.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "validation_error", "Validation failed", err.Error())
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Resource not found", "")
	case errors.Is(err, lifecycle.ErrInvalidAlertState):
		h.writeError(w, http.StatusConflict, "invalid_state", "Transition not allowed", err.Error())
	case errors.Is(err, db.ErrDuplicateRule):
		h.writeError(w, http.StatusConflict, "duplicate", "Rule name already exists", "")
	case errors.Is(err, db.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflict", "Resource changed concurrently", err.Error())
	case errors.Is(err, template.ErrTemplateProcessing):
		h.writeError(w, http.StatusUnprocessableEntity, "template_error", "Template processing failed", err.Error())
	default:
		h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal error", "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func (h *Handler) invalidate() {
	if h.deps.Cache != nil {
		h.deps.Cache.Invalidate()
	}
}

// pathID parses the {id} URL parameter, writing a 400 when it is not a UUID.
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return true
}

// page reads limit and offset with the given default and ceiling.
func page(r *http.Request, def, ceiling int) (limit, offset int) {
	limit = def
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= ceiling {
			limit = l
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if o, err := strconv.Atoi(s); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func activeOnly(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	return v
}
