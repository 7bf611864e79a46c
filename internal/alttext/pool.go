package alttext

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"fedirelay/internal/storage"
	logx "fedirelay/pkg/logx"
)

const (
	statusBucket = "alt_models"
	statusKey    = "statuses"

	// Models that 404 are re-tried after this long; providers do
	// occasionally re-introduce names.
	notFoundRecheck = 7 * 24 * time.Hour

	defaultCooldown = time.Hour
)

// Model is one pool member. Cooldown applies after quota exhaustion and is
// plain configuration per model, not derived from the model name.
type Model struct {
	Name     string
	Cooldown time.Duration
}

type modelStatus struct {
	State     string    `json:"state"` // "ok", "quota", "not_found"
	Until     time.Time `json:"until,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pool tries configured models in order, skipping ones that are cooling
// down after quota errors or were recently reported missing. Statuses are
// persisted so restarts don't re-hammer an exhausted model.
type Pool struct {
	backend Backend
	store   storage.Store
	log     logx.Logger
	models  []Model

	statuses map[string]modelStatus
}

func NewPool(backend Backend, models []Model, store storage.Store, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		backend:  backend,
		store:    store,
		log:      log,
		models:   models,
		statuses: map[string]modelStatus{},
	}
	p.loadStatuses()
	return p
}

// Describe tries each eligible model until one returns a non-empty caption.
// ("", nil) means every model failed or was skipped; the caller substitutes
// the fallback caption.
func (p *Pool) Describe(ctx context.Context, image []byte, meta Context) (string, error) {
	if p.backend == nil || len(p.models) == 0 {
		return "", nil
	}

	now := time.Now()
	for _, m := range p.models {
		if !p.eligible(m.Name, now) {
			continue
		}

		text, err := p.backend.Generate(ctx, m.Name, image, meta)
		if err != nil {
			msg := err.Error()
			switch classify(msg) {
			case kindQuota:
				p.markQuota(m, msg)
			case kindNotFound:
				p.markNotFound(m.Name, msg)
			default:
				p.log.Warn("caption model failed", logx.String("model", m.Name), logx.Err(err))
			}
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			p.log.Warn("caption model returned empty text", logx.String("model", m.Name))
			continue
		}

		p.markOK(m.Name)
		if runes := []rune(text); len(runes) > MaxCaptionLen {
			text = string(runes[:MaxCaptionLen])
		}
		return text, nil
	}

	p.log.Warn("no caption generated, all models failed or cooling down")
	return "", nil
}

func (p *Pool) eligible(name string, now time.Time) bool {
	st, ok := p.statuses[name]
	if !ok || st.State == "ok" {
		return true
	}
	return now.After(st.Until)
}

func (p *Pool) markOK(name string) {
	p.statuses[name] = modelStatus{State: "ok", UpdatedAt: time.Now()}
	p.saveStatuses()
}

func (p *Pool) markQuota(m Model, msg string) {
	cd := m.Cooldown
	if cd <= 0 {
		cd = defaultCooldown
	}
	now := time.Now()
	p.statuses[m.Name] = modelStatus{State: "quota", Until: now.Add(cd), LastError: msg, UpdatedAt: now}
	p.log.Warn("caption model quota exhausted",
		logx.String("model", m.Name), logx.Duration("cooldown", cd))
	p.saveStatuses()
}

func (p *Pool) markNotFound(name, msg string) {
	now := time.Now()
	p.statuses[name] = modelStatus{State: "not_found", Until: now.Add(notFoundRecheck), LastError: msg, UpdatedAt: now}
	p.log.Warn("caption model not found", logx.String("model", name))
	p.saveStatuses()
}

type errKind int

const (
	kindOther errKind = iota
	kindQuota
	kindNotFound
)

func classify(msg string) errKind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "resource_exhausted"),
		strings.Contains(m, "quota"),
		strings.Contains(m, "429"):
		return kindQuota
	case strings.Contains(m, "not found"), strings.Contains(m, "404"):
		return kindNotFound
	default:
		return kindOther
	}
}

func (p *Pool) loadStatuses() {
	if p.store == nil {
		return
	}
	e, ok, err := p.store.Get(context.Background(), statusBucket, statusKey)
	if err != nil || !ok {
		return
	}
	var statuses map[string]modelStatus
	if err := json.Unmarshal(e.Value, &statuses); err != nil {
		return
	}
	p.statuses = statuses
}

func (p *Pool) saveStatuses() {
	if p.store == nil {
		return
	}
	b, err := json.Marshal(p.statuses)
	if err != nil {
		return
	}
	if err := p.store.Put(context.Background(), statusBucket, statusKey, b, time.Now()); err != nil {
		p.log.Warn("caption status persist failed", logx.Err(err))
	}
}
