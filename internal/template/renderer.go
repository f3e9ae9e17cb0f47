// Package template resolves and renders notification templates for alerts.
package template

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/stockpulse/internal/db"
)

// ErrTemplateProcessing covers a missing template, a missing required
// variable and any parse or execution failure.
var ErrTemplateProcessing = errors.New("template processing failed")

// DefaultName is the catch-all template used when nothing more specific exists.
const DefaultName = "default"

type Source interface {
	ActiveTemplates(ctx context.Context) ([]*db.Template, error)
}

type Rendered struct {
	TemplateID uuid.UUID
	Name       string
	Language   string
	Subject    string
	Body       string
	HTML       string
}

type Renderer struct {
	source      Source
	defaultLang string
}

func NewRenderer(source Source, defaultLang string) *Renderer {
	if defaultLang == "" {
		defaultLang = "en"
	}
	return &Renderer{source: source, defaultLang: defaultLang}
}

// Render picks the most specific active template for the channel, alert type
// and language, then renders it against the alert. An empty lang means the
// default language.
func (r *Renderer) Render(ctx context.Context, channel db.ChannelType, alert *db.Alert, lang string) (*Rendered, error) {
	templates, err := r.source.ActiveTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	if lang == "" {
		lang = r.defaultLang
	}

	tpl := Resolve(templates, channel, alert.Type, lang, r.defaultLang)
	if tpl == nil {
		return nil, fmt.Errorf("%w: no template for channel %s, type %s, language %s",
			ErrTemplateProcessing, channel, alert.Type, lang)
	}

	vars := Vars(alert)
	for _, name := range tpl.RequiredVariables {
		if !present(vars[name]) {
			return nil, fmt.Errorf("%w: template %q requires %q", ErrTemplateProcessing, tpl.Name, name)
		}
	}

	out := &Rendered{TemplateID: tpl.ID, Name: tpl.Name, Language: tpl.Language}
	if tpl.Subject != nil {
		if out.Subject, err = renderText(tpl.Name+".subject", *tpl.Subject, vars); err != nil {
			return nil, err
		}
	}
	if out.HTML, err = renderHTML(tpl.Name+".html", tpl.HTMLBody, vars); err != nil {
		return nil, err
	}
	out.Body = out.HTML
	if tpl.TextBody != nil {
		if out.Body, err = renderText(tpl.Name+".text", *tpl.TextBody, vars); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Resolve applies the fallback order: exact type and language, exact type in
// the default language, any type in the language, any type in the default
// language, then the template named "default".
func Resolve(templates []*db.Template, channel db.ChannelType, alertType db.AlertType, lang, defaultLang string) *db.Template {
	find := func(match func(t *db.Template) bool) *db.Template {
		for _, t := range templates {
			if t.IsActive && match(t) {
				return t
			}
		}
		return nil
	}
	forChannel := func(t *db.Template) bool { return t.Channel == channel }
	typed := func(t *db.Template) bool { return t.AlertType != nil && *t.AlertType == alertType }
	untyped := func(t *db.Template) bool { return t.AlertType == nil }
	inLang := func(l string) func(t *db.Template) bool {
		return func(t *db.Template) bool { return strings.EqualFold(t.Language, l) }
	}

	steps := []func(t *db.Template) bool{
		func(t *db.Template) bool { return forChannel(t) && typed(t) && inLang(lang)(t) },
		func(t *db.Template) bool { return forChannel(t) && typed(t) && inLang(defaultLang)(t) },
		func(t *db.Template) bool { return forChannel(t) && untyped(t) && inLang(lang)(t) },
		func(t *db.Template) bool { return forChannel(t) && untyped(t) && inLang(defaultLang)(t) },
		func(t *db.Template) bool { return t.Name == DefaultName && (t.Channel == channel || t.Channel == "") },
		func(t *db.Template) bool { return t.Name == DefaultName },
	}
	for _, step := range steps {
		if t := find(step); t != nil {
			return t
		}
	}
	return nil
}

// Vars builds the render context: the alert's own fields plus the top-level
// keys of its data snapshot. Alert fields win on collision.
func Vars(a *db.Alert) map[string]any {
	vars := make(map[string]any)
	var data map[string]any
	if len(a.Data) > 0 && json.Unmarshal(a.Data, &data) == nil {
		for k, v := range data {
			vars[k] = v
		}
	}
	if data == nil {
		data = map[string]any{}
	}

	vars["data"] = data
	vars["alertId"] = a.ID.String()
	vars["type"] = string(a.Type)
	vars["level"] = string(a.Level)
	vars["status"] = string(a.Status)
	vars["entityType"] = a.EntityType
	vars["entityId"] = a.EntityID
	vars["title"] = a.Title
	vars["message"] = a.Message
	vars["tags"] = strings.Join(a.Tags, ", ")
	vars["escalationLevel"] = a.EscalationLevel
	vars["createdAt"] = a.CreatedAt.UTC().Format(time.RFC3339)
	return vars
}

func present(v any) bool {
	switch s := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(s) != ""
	default:
		return true
	}
}

func renderText(name, src string, vars map[string]any) (string, error) {
	t, err := texttemplate.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("%w: parse %s: %v", ErrTemplateProcessing, name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("%w: render %s: %v", ErrTemplateProcessing, name, err)
	}
	return buf.String(), nil
}

func renderHTML(name, src string, vars map[string]any) (string, error) {
	t, err := htmltemplate.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("%w: parse %s: %v", ErrTemplateProcessing, name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("%w: render %s: %v", ErrTemplateProcessing, name, err)
	}
	return buf.String(), nil
}

// Check parses every body of t without rendering it.
func Check(t *db.Template) error {
	if t.Subject != nil {
		if _, err := texttemplate.New("subject").Parse(*t.Subject); err != nil {
			return fmt.Errorf("%w: subject: %v", ErrTemplateProcessing, err)
		}
	}
	if t.TextBody != nil {
		if _, err := texttemplate.New("text").Parse(*t.TextBody); err != nil {
			return fmt.Errorf("%w: text body: %v", ErrTemplateProcessing, err)
		}
	}
	if _, err := htmltemplate.New("html").Parse(t.HTMLBody); err != nil {
		return fmt.Errorf("%w: html body: %v", ErrTemplateProcessing, err)
	}
	return nil
}
