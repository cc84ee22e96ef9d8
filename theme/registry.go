// Package theme owns the set of themes, the active theme and the change
// history, and implements structural validation, merging and CSS rendering.
package theme

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"themeplane/assets"
	"themeplane/extract"
	"themeplane/figma"
	"themeplane/logger"
	"themeplane/metrics"
	"themeplane/model"
)

const DefaultHistoryLimit = 10

// AssetProcessor materializes and releases the images a theme references.
// *assets.Pipeline implements it.
type AssetProcessor interface {
	Process(ctx context.Context, themeID string, components map[string]model.Component) (map[string]model.Component, []model.AssetRecord, error)
	Release(ctx context.Context, records []model.AssetRecord) error
	Owned(ctx context.Context, themeID string) ([]model.AssetRecord, error)
	DeleteThemeAssets(ctx context.Context, themeID string) error
	Sweep(ctx context.Context, live, keep map[string]struct{}) (int, error)
}

type Options struct {
	// Source fetches design documents for SourceURL. Nil disables extraction.
	Source figma.Source
	Walker extract.Walker
	// Assets processes image references. Nil leaves them untouched.
	Assets       AssetProcessor
	HistoryLimit int
	Metrics      *metrics.Metrics
	// TracerProvider receives registry spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider
	Now            func() time.Time
	NewID          func() string
}

// Registry holds every theme and which one is current.
//
// Mutations are serialized by writeMu and do their slow work (fetching,
// extraction, assets) without holding mu; mu is taken exclusively only to
// publish the result. Readers take mu shared and receive deep copies.
type Registry struct {
	writeMu sync.Mutex

	mu        sync.RWMutex
	themes    map[string]model.Theme
	currentID string
	history   []model.HistoryEntry
	onChange  func(Event)

	opts   Options
	tracer trace.Tracer
	log    *slog.Logger
}

// NewRegistry creates a registry holding def as the current theme. def must
// have id "default" and pass Check.
func NewRegistry(def model.Theme, opts Options) (*Registry, error) {
	if def.ID != model.DefaultThemeID {
		return nil, fmt.Errorf("default theme must have id %q, got %q", model.DefaultThemeID, def.ID)
	}
	if err := Check(def.Document()); err != nil {
		return nil, fmt.Errorf("default theme: %w", err)
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}

	now := opts.Now().UTC()
	def = def.Clone()
	def.IsActive = true
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	if def.UpdatedAt.IsZero() {
		def.UpdatedAt = def.CreatedAt
	}

	r := &Registry{
		themes:    map[string]model.Theme{def.ID: def},
		currentID: def.ID,
		opts:      opts,
		tracer:    opts.TracerProvider.Tracer("themeplane/theme"),
		log:       logger.With("registry"),
	}
	opts.Metrics.SetThemes(1)
	return r, nil
}

// SetOnChange registers fn to be called after every committed mutation.
func (r *Registry) SetOnChange(fn func(Event)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// List returns every theme, the default theme first and the rest by
// creation time.
func (r *Registry) List() []model.Theme {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Theme, 0, len(r.themes))
	for _, t := range r.themes {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.ID == model.DefaultThemeID) != (b.ID == model.DefaultThemeID) {
			return a.ID == model.DefaultThemeID
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (r *Registry) Get(id string) (model.Theme, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.themes[id]
	if !ok {
		return model.Theme{}, &model.NotFoundError{ResourceID: id}
	}
	return t.Clone(), nil
}

// Current returns the active theme. If the current pointer does not resolve,
// the default theme is made current.
func (r *Registry) Current() (model.Theme, error) {
	r.mu.RLock()
	t, ok := r.themes[r.currentID]
	r.mu.RUnlock()
	if ok {
		return t.Clone(), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.themes[r.currentID]; ok {
		return t.Clone(), nil
	}
	def, ok := r.themes[model.DefaultThemeID]
	if !ok {
		return model.Theme{}, &model.NotFoundError{ResourceID: model.DefaultThemeID}
	}
	r.log.Warn("current theme missing, falling back to default", "current", r.currentID)
	r.setCurrentLocked(def.ID)
	return r.themes[def.ID].Clone(), nil
}

// History returns the most recent mutations, oldest first.
func (r *Registry) History() []model.HistoryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.HistoryEntry, len(r.history))
	copy(out, r.history)
	return out
}

// Create builds a theme from req and stores it inactive. Nothing is stored
// when extraction, validation or asset processing fails.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (theme model.Theme, err error) {
	ctx, finish := r.begin(ctx, "create", &err)
	defer finish()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	candidate := model.Theme{
		ID:          r.opts.NewID(),
		Name:        req.Name,
		Description: req.Description,
		Author:      req.Author,
		Version:     req.Version,
		SourceURL:   req.SourceURL,
		Components:  map[string]model.Component{},
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("theme.id", candidate.ID))

	if req.SourceURL != "" {
		extracted, err := r.extract(ctx, req.SourceURL)
		if err != nil {
			return model.Theme{}, err
		}
		candidate.Components = extracted
	}
	candidate = Merge(candidate, model.Patch{Components: req.Components})

	if err := Check(candidate.Document()); err != nil {
		return model.Theme{}, err
	}
	records, err := r.processAssets(ctx, &candidate)
	if err != nil {
		return model.Theme{}, err
	}
	if err := ctx.Err(); err != nil {
		r.rollback(ctx, candidate.ID, records)
		return model.Theme{}, err
	}

	now := r.opts.Now().UTC()
	candidate.CreatedAt = now
	candidate.UpdatedAt = now
	candidate.IsActive = false

	r.mu.Lock()
	r.themes[candidate.ID] = candidate
	event := r.recordLocked(model.ActionCreate, candidate, now)
	count := len(r.themes)
	r.mu.Unlock()

	r.opts.Metrics.SetThemes(count)
	r.log.Info("theme created", "theme_id", candidate.ID, "name", candidate.Name, "assets", len(records))
	r.notify(event)
	return candidate.Clone(), nil
}

// Update applies patch to theme id. The replacement record is built in full
// before anything is published: on failure the stored theme is untouched
// and assets created for the attempt are removed; on success assets the old
// record referenced and the new one does not are released.
func (r *Registry) Update(ctx context.Context, id string, patch model.Patch) (theme model.Theme, err error) {
	ctx, finish := r.begin(ctx, "update", &err)
	defer finish()
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("theme.id", id))

	if id == model.DefaultThemeID {
		return model.Theme{}, &model.ImmutableResourceError{ResourceID: id, Reason: "the default theme cannot be modified"}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	base, err := r.Get(id)
	if err != nil {
		return model.Theme{}, err
	}

	candidate := base.Clone()
	if patch.SourceURL != nil && *patch.SourceURL != "" {
		extracted, err := r.extract(ctx, *patch.SourceURL)
		if err != nil {
			return model.Theme{}, err
		}
		candidate.Components = extracted
	}
	candidate = Merge(candidate, patch)
	candidate.ID = base.ID
	candidate.CreatedAt = base.CreatedAt

	if err := Check(candidate.Document()); err != nil {
		return model.Theme{}, err
	}

	var previous []model.AssetRecord
	if r.opts.Assets != nil {
		previous, err = r.opts.Assets.Owned(ctx, id)
		if err != nil {
			return model.Theme{}, fmt.Errorf("load asset records: %w", err)
		}
	}
	records, err := r.processAssets(ctx, &candidate)
	if err != nil {
		return model.Theme{}, err
	}
	if err := ctx.Err(); err != nil {
		r.rollback(ctx, id, records)
		return model.Theme{}, err
	}

	now := r.opts.Now().UTC()
	candidate.UpdatedAt = now

	r.mu.Lock()
	candidate.IsActive = r.currentID == id
	r.themes[id] = candidate
	event := r.recordLocked(model.ActionUpdate, candidate, now)
	r.mu.Unlock()

	r.releaseStale(ctx, id, previous, candidate.Components)
	r.log.Info("theme updated", "theme_id", id, "name", candidate.Name, "assets", len(records))
	r.notify(event)
	return candidate.Clone(), nil
}

// Delete removes theme id and the assets it owns. The default theme and the
// current theme cannot be deleted.
func (r *Registry) Delete(ctx context.Context, id string) (err error) {
	ctx, finish := r.begin(ctx, "delete", &err)
	defer finish()
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("theme.id", id))

	if id == model.DefaultThemeID {
		return &model.ImmutableResourceError{ResourceID: id, Reason: "the default theme cannot be deleted"}
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	t, ok := r.themes[id]
	if !ok {
		r.mu.Unlock()
		return &model.NotFoundError{ResourceID: id}
	}
	if id == r.currentID {
		r.mu.Unlock()
		return &model.ImmutableResourceError{ResourceID: id, Reason: "the active theme cannot be deleted"}
	}
	delete(r.themes, id)
	event := r.recordLocked(model.ActionDelete, t, r.opts.Now().UTC())
	count := len(r.themes)
	r.mu.Unlock()

	if r.opts.Assets != nil {
		if err := r.opts.Assets.DeleteThemeAssets(context.WithoutCancel(ctx), id); err != nil {
			// The sweep picks up whatever is left behind.
			r.log.Error("delete theme assets", "theme_id", id, "error", err)
		}
	}
	r.opts.Metrics.SetThemes(count)
	r.log.Info("theme deleted", "theme_id", id)
	r.notify(event)
	return nil
}

// Apply makes theme id the current theme.
func (r *Registry) Apply(ctx context.Context, id string) (model.Theme, error) {
	return r.apply(ctx, "apply", model.ActionApply, id)
}

// Reset makes the default theme current again.
func (r *Registry) Reset(ctx context.Context) (model.Theme, error) {
	return r.apply(ctx, "reset", model.ActionReset, model.DefaultThemeID)
}

func (r *Registry) apply(ctx context.Context, op string, action model.HistoryAction, id string) (theme model.Theme, err error) {
	_, finish := r.begin(ctx, op, &err)
	defer finish()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if _, ok := r.themes[id]; !ok {
		r.mu.Unlock()
		return model.Theme{}, &model.NotFoundError{ResourceID: id}
	}
	r.setCurrentLocked(id)
	applied := r.themes[id]
	event := r.recordLocked(action, applied, r.opts.Now().UTC())
	r.mu.Unlock()

	r.log.Info("theme applied", "theme_id", id, "action", string(action))
	r.notify(event)
	return applied.Clone(), nil
}

// SweepOrphans removes stored assets that no live theme owns or references.
func (r *Registry) SweepOrphans(ctx context.Context) (removed int, err error) {
	ctx, finish := r.begin(ctx, "sweep", &err)
	defer finish()
	if r.opts.Assets == nil {
		return 0, nil
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.RLock()
	live := make(map[string]struct{}, len(r.themes))
	keep := make(map[string]struct{})
	for id, t := range r.themes {
		live[id] = struct{}{}
		for ref := range assets.References(t.Components) {
			keep[ref] = struct{}{}
		}
	}
	r.mu.RUnlock()

	removed, err = r.opts.Assets.Sweep(ctx, live, keep)
	if removed > 0 {
		r.log.Info("orphaned assets swept", "removed", removed)
	}
	return removed, err
}

func (r *Registry) extract(ctx context.Context, sourceURL string) (map[string]model.Component, error) {
	if r.opts.Source == nil {
		return nil, &model.UpstreamError{Message: "no design source configured"}
	}
	ctx, span := r.tracer.Start(ctx, "theme.extract")
	defer span.End()

	doc, err := r.opts.Source.Fetch(ctx, sourceURL)
	if err != nil {
		var upstream *model.UpstreamError
		if !errors.As(err, &upstream) {
			err = &model.UpstreamError{Message: "design source failed", Cause: err}
		}
		return nil, err
	}
	components, err := r.opts.Walker.Components(doc.Root, doc.ImageFills)
	if err != nil {
		return nil, &model.ValidationError{Reason: "design document cannot be converted: " + err.Error(), Cause: err}
	}
	span.SetAttributes(attribute.Int("theme.components", len(components)))
	return components, nil
}

func (r *Registry) processAssets(ctx context.Context, t *model.Theme) ([]model.AssetRecord, error) {
	if r.opts.Assets == nil {
		return nil, nil
	}
	components, records, err := r.opts.Assets.Process(ctx, t.ID, t.Components)
	if err != nil {
		return nil, err
	}
	t.Components = components
	return records, nil
}

func (r *Registry) rollback(ctx context.Context, themeID string, records []model.AssetRecord) {
	if r.opts.Assets == nil || len(records) == 0 {
		return
	}
	if err := r.opts.Assets.Release(context.WithoutCancel(ctx), records); err != nil {
		r.log.Error("asset rollback incomplete", "theme_id", themeID, "error", err)
	}
}

// releaseStale releases previously owned assets the new components no
// longer reference.
func (r *Registry) releaseStale(ctx context.Context, themeID string, previous []model.AssetRecord, components map[string]model.Component) {
	if r.opts.Assets == nil || len(previous) == 0 {
		return
	}
	refs := assets.References(components)
	var stale []model.AssetRecord
	for _, rec := range previous {
		if _, ok := refs[rec.Path]; !ok {
			stale = append(stale, rec)
		}
	}
	if len(stale) == 0 {
		return
	}
	if err := r.opts.Assets.Release(context.WithoutCancel(ctx), stale); err != nil {
		r.log.Error("release replaced assets", "theme_id", themeID, "error", err)
	}
}

// setCurrentLocked moves the active flag to id. Caller holds mu.
func (r *Registry) setCurrentLocked(id string) {
	if prev, ok := r.themes[r.currentID]; ok && r.currentID != id {
		prev.IsActive = false
		r.themes[prev.ID] = prev
	}
	next := r.themes[id]
	next.IsActive = true
	r.themes[id] = next
	r.currentID = id
}

// recordLocked appends a history entry and returns the matching event.
// Caller holds mu.
func (r *Registry) recordLocked(action model.HistoryAction, t model.Theme, at time.Time) Event {
	r.history = append(r.history, model.HistoryEntry{
		Action:    action,
		ThemeID:   t.ID,
		ThemeName: t.Name,
		Timestamp: at,
	})
	if over := len(r.history) - r.opts.HistoryLimit; over > 0 {
		r.history = append(r.history[:0:0], r.history[over:]...)
	}
	return Event{
		Action:    action,
		ThemeID:   t.ID,
		ThemeName: t.Name,
		CurrentID: r.currentID,
		Timestamp: at,
	}
}

func (r *Registry) notify(e Event) {
	r.mu.RLock()
	fn := r.onChange
	r.mu.RUnlock()
	if fn != nil {
		fn(e)
	}
}

// begin starts the span and metrics for one operation. The returned func
// must be deferred; it reads *errp when it runs.
func (r *Registry) begin(ctx context.Context, op string, errp *error) (context.Context, func()) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "theme."+op)
	return ctx, func() {
		err := *errp
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, metrics.Outcome(err))
			r.log.Debug("registry operation failed", "op", op, "error", err)
		}
		span.End()
		r.opts.Metrics.ObserveOperation(op, err, time.Since(start))
	}
}
