// Package i18n localizes API messages and run summaries.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"

	"github.com/pavelanni/examforge/internal/model"
)

//go:embed locales/*.json
var localeFS embed.FS

type ctxKey struct{}

// Translator holds the message bundle and the fallback language.
type Translator struct {
	bundle   *i18n.Bundle
	fallback string
}

// New loads every embedded locale file. lang is the language used when a
// request names none the bundle knows.
func New(lang string) (*Translator, error) {
	tag, err := language.Parse(lang)
	if err != nil {
		return nil, fmt.Errorf("parse language %q: %w", lang, err)
	}

	bundle := i18n.NewBundle(tag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	entries, err := localeFS.ReadDir("locales")
	if err != nil {
		return nil, fmt.Errorf("read locales dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read locale file %s: %w", e.Name(), err)
		}
		if _, err := bundle.ParseMessageFileBytes(data, e.Name()); err != nil {
			return nil, fmt.Errorf("parse locale file %s: %w", e.Name(), err)
		}
		slog.Debug("loaded locale file", "file", e.Name())
	}
	return &Translator{bundle: bundle, fallback: tag.String()}, nil
}

// Languages lists the tags the bundle has messages for.
func (tr *Translator) Languages() []language.Tag {
	return tr.bundle.LanguageTags()
}

// NewLocalizer creates a localizer for the given language preferences, in
// Accept-Language form or as plain tags.
func (tr *Translator) NewLocalizer(langs ...string) *i18n.Localizer {
	return i18n.NewLocalizer(tr.bundle, append(langs, tr.fallback)...)
}

// WithLocalizer stores a localizer in the context.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

func (tr *Translator) localizer(ctx context.Context) *i18n.Localizer {
	if loc, ok := ctx.Value(ctxKey{}).(*i18n.Localizer); ok {
		return loc
	}
	return tr.NewLocalizer()
}

func (tr *Translator) localize(ctx context.Context, cfg *i18n.LocalizeConfig) string {
	s, err := tr.localizer(ctx).Localize(cfg)
	if err != nil {
		slog.Warn("missing translation", "id", cfg.MessageID, "error", err)
		return cfg.MessageID
	}
	return s
}

// T translates a message by ID.
func (tr *Translator) T(ctx context.Context, msgID string) string {
	return tr.localize(ctx, &i18n.LocalizeConfig{MessageID: msgID})
}

// Td translates a message by ID with template data.
func (tr *Translator) Td(ctx context.Context, msgID string, data map[string]any) string {
	return tr.localize(ctx, &i18n.LocalizeConfig{MessageID: msgID, TemplateData: data})
}

// Tp translates a pluralized message. count is also exposed to the
// template as .Count.
func (tr *Translator) Tp(ctx context.Context, msgID string, count int, data map[string]any) string {
	td := map[string]any{"Count": count}
	for k, v := range data {
		td[k] = v
	}
	return tr.localize(ctx, &i18n.LocalizeConfig{MessageID: msgID, PluralCount: count, TemplateData: td})
}

// RunSummary describes the outcome of a run in the request's language.
func (tr *Translator) RunSummary(ctx context.Context, run model.Run) string {
	if run.Targets == 0 {
		return tr.T(ctx, "RunNothingToDo")
	}
	data := map[string]any{
		"Targets":   run.Targets,
		"Satisfied": run.Satisfied,
		"Missing":   len(run.Missing),
	}
	switch run.State {
	case "cancelled":
		return tr.Tp(ctx, "RunCancelled", run.Attempts, data)
	case "exhausted":
		return tr.Tp(ctx, "RunExhausted", run.Attempts, data)
	default:
		return tr.Tp(ctx, "RunDone", run.Attempts, data)
	}
}
