package api

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/stockpulse/internal/catalog"
	"github.com/lalithlochan/stockpulse/internal/db"
)

// Request bodies shadow is_active so an omitted flag can mean "active" on
// create and "unchanged" on update.

type ruleRequest struct {
	db.Rule
	IsActive *bool `json:"is_active"`
}

type channelRequest struct {
	db.Channel
	IsActive *bool `json:"is_active"`
}

type templateRequest struct {
	db.Template
	IsActive *bool `json:"is_active"`
}

func activeFlag(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func ruleDefaults(r *db.Rule) {
	if r.EventName == "" {
		r.EventName = "*"
	}
	if r.Frequency == "" {
		r.Frequency = db.FrequencyRealtime
	}
}

// CreateRule handles POST /v1/rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !h.decode(w, r, &req) {
		return
	}
	rule := req.Rule
	rule.ID = uuid.New()
	rule.IsActive = activeFlag(req.IsActive, true)
	ruleDefaults(&rule)

	if err := catalog.ValidateRule(&rule); err != nil {
		h.writeStoreError(w, err, "create rule")
		return
	}
	if err := h.deps.Store.CreateRule(r.Context(), &rule); err != nil {
		h.writeStoreError(w, err, "create rule")
		return
	}
	h.invalidate()

	h.logger.Info("rule created", zap.String("id", rule.ID.String()), zap.String("name", rule.Name))
	h.writeJSON(w, http.StatusCreated, rule)
}

// UpdateRule handles PUT /v1/rules/{id}
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	existing, err := h.deps.Store.GetRule(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "get rule")
		return
	}
	var req ruleRequest
	if !h.decode(w, r, &req) {
		return
	}
	rule := req.Rule
	rule.ID = id
	rule.CreatedAt = existing.CreatedAt
	rule.IsActive = activeFlag(req.IsActive, existing.IsActive)
	ruleDefaults(&rule)

	if err := catalog.ValidateRule(&rule); err != nil {
		h.writeStoreError(w, err, "update rule")
		return
	}
	if err := h.deps.Store.UpdateRule(r.Context(), &rule); err != nil {
		h.writeStoreError(w, err, "update rule")
		return
	}
	h.invalidate()

	h.logger.Info("rule updated", zap.String("id", id.String()))
	h.writeJSON(w, http.StatusOK, rule)
}

// GetRule handles GET /v1/rules/{id}
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	rule, err := h.deps.Store.GetRule(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "get rule")
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

// ListRules handles GET /v1/rules?active=true
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.deps.Store.ListRules(r.Context(), activeOnly(r))
	if err != nil {
		h.writeStoreError(w, err, "list rules")
		return
	}
	h.writeJSON(w, http.StatusOK, ListResponse{Data: rules, Count: len(rules)})
}

// CreateChannel handles POST /v1/channels
func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if !h.decode(w, r, &req) {
		return
	}
	ch := req.Channel
	ch.ID = uuid.New()
	ch.IsActive = activeFlag(req.IsActive, true)
	ch.TotalSent, ch.SuccessfulSent, ch.FailedSent = 0, 0, 0

	if err := catalog.ValidateChannel(&ch); err != nil {
		h.writeStoreError(w, err, "create channel")
		return
	}
	if err := h.deps.Store.CreateChannel(r.Context(), &ch); err != nil {
		h.writeStoreError(w, err, "create channel")
		return
	}
	h.invalidate()

	h.logger.Info("channel created",
		zap.String("id", ch.ID.String()),
		zap.String("name", ch.Name),
		zap.String("type", string(ch.Type)),
	)
	h.writeJSON(w, http.StatusCreated, ch)
}

// UpdateChannel handles PUT /v1/channels/{id}. Delivery counters are not
// writable.
func (h *Handler) UpdateChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	existing, err := h.deps.Store.GetChannel(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "get channel")
		return
	}
	var req channelRequest
	if !h.decode(w, r, &req) {
		return
	}
	ch := req.Channel
	ch.ID = id
	ch.CreatedAt = existing.CreatedAt
	ch.IsActive = activeFlag(req.IsActive, existing.IsActive)
	ch.TotalSent = existing.TotalSent
	ch.SuccessfulSent = existing.SuccessfulSent
	ch.FailedSent = existing.FailedSent

	if err := catalog.ValidateChannel(&ch); err != nil {
		h.writeStoreError(w, err, "update channel")
		return
	}
	if err := h.deps.Store.UpdateChannel(r.Context(), &ch); err != nil {
		h.writeStoreError(w, err, "update channel")
		return
	}
	h.invalidate()

	h.logger.Info("channel updated", zap.String("id", id.String()))
	h.writeJSON(w, http.StatusOK, ch)
}

// GetChannel handles GET /v1/channels/{id}
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	ch, err := h.deps.Store.GetChannel(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "get channel")
		return
	}
	h.writeJSON(w, http.StatusOK, ch)
}

// ListChannels handles GET /v1/channels?active=true
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.deps.Store.ListChannels(r.Context(), activeOnly(r))
	if err != nil {
		h.writeStoreError(w, err, "list channels")
		return
	}
	h.writeJSON(w, http.StatusOK, ListResponse{Data: channels, Count: len(channels)})
}

// CreateTemplate handles POST /v1/templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !h.decode(w, r, &req) {
		return
	}
	t := req.Template
	t.ID = uuid.New()
	t.IsActive = activeFlag(req.IsActive, true)
	if t.Language == "" {
		t.Language = "en"
	}

	if err := catalog.ValidateTemplate(&t); err != nil {
		h.writeStoreError(w, err, "create template")
		return
	}
	if err := h.deps.Store.CreateTemplate(r.Context(), &t); err != nil {
		h.writeStoreError(w, err, "create template")
		return
	}
	h.invalidate()

	h.logger.Info("template created",
		zap.String("id", t.ID.String()),
		zap.String("name", t.Name),
		zap.String("channel", string(t.Channel)),
	)
	h.writeJSON(w, http.StatusCreated, t)
}

// UpdateTemplate handles PUT /v1/templates/{id}
func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	existing, err := h.deps.Store.GetTemplate(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "get template")
		return
	}
	var req templateRequest
	if !h.decode(w, r, &req) {
		return
	}
	t := req.Template
	t.ID = id
	t.CreatedAt = existing.CreatedAt
	t.IsActive = activeFlag(req.IsActive, existing.IsActive)
	if t.Language == "" {
		t.Language = existing.Language
	}

	if err := catalog.ValidateTemplate(&t); err != nil {
		h.writeStoreError(w, err, "update template")
		return
	}
	if err := h.deps.Store.UpdateTemplate(r.Context(), &t); err != nil {
		h.writeStoreError(w, err, "update template")
		return
	}
	h.invalidate()

	h.logger.Info("template updated", zap.String("id", id.String()))
	h.writeJSON(w, http.StatusOK, t)
}

// GetTemplate handles GET /v1/templates/{id}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	t, err := h.deps.Store.GetTemplate(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err, "get template")
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// ListTemplates handles GET /v1/templates?active=true
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.deps.Store.ListTemplates(r.Context(), activeOnly(r))
	if err != nil {
		h.writeStoreError(w, err, "list templates")
		return
	}
	h.writeJSON(w, http.StatusOK, ListResponse{Data: templates, Count: len(templates)})
}
