// Package assets downloads images referenced by theme components, normalizes
// them and stores them under locally served names, tracking which theme
// owns each file so it can be released or swept later.
package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"themeplane/fetch"
	"themeplane/logger"
	"themeplane/metrics"
	"themeplane/model"
	"themeplane/storage"
)

const DefaultWorkers = 4

type Options struct {
	// Workers bounds concurrent downloads. Zero selects DefaultWorkers.
	Workers int
	// MaxDimension bounds the longest side of a stored image.
	MaxDimension int
	// MaxPixels bounds the source area of a downloaded image. Zero selects
	// DefaultMaxPixels.
	MaxPixels int64
	Metrics   *metrics.Metrics
	// TracerProvider receives asset spans. Nil uses the global provider.
	TracerProvider trace.TracerProvider
	// NewName generates stored file names. Defaults to "<uuid>.png".
	NewName func() string
}

type Pipeline struct {
	fetcher *fetch.Client
	store   storage.Store
	ledger  Ledger
	opts    Options
	tracer  trace.Tracer
	log     *slog.Logger
	now     func() time.Time

	// sweepMu keeps Sweep from deleting a file between Put and Add.
	sweepMu sync.RWMutex
}

func New(fetcher *fetch.Client, store storage.Store, ledger Ledger, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = DefaultMaxDimension
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	if opts.NewName == nil {
		opts.NewName = func() string { return uuid.NewString() + ".png" }
	}
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	return &Pipeline{
		fetcher: fetcher,
		store:   store,
		ledger:  ledger,
		opts:    opts,
		tracer:  opts.TracerProvider.Tracer("themeplane/assets"),
		log:     logger.With("assets"),
		now:     time.Now,
	}
}

// Materialize downloads url, normalizes it and stores it as owned by themeID.
// Failures are reported as *model.AssetProcessingError.
func (p *Pipeline) Materialize(ctx context.Context, themeID, url string) (model.AssetRecord, error) {
	ctx, span := p.tracer.Start(ctx, "assets.materialize",
		trace.WithAttributes(attribute.String("theme.id", themeID)))
	defer span.End()

	done := p.opts.Metrics.AssetStarted()
	rec, size, err := p.materialize(ctx, themeID, url)
	done(err, size)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "asset failed")
		if ctx.Err() != nil {
			return model.AssetRecord{}, ctx.Err()
		}
		p.log.Warn("asset processing failed", "theme", themeID, "url", url, "error", err)
		return model.AssetRecord{}, &model.AssetProcessingError{URL: url, Cause: err}
	}
	span.SetAttributes(attribute.String("asset.path", rec.Path))
	return rec, nil
}

func (p *Pipeline) materialize(ctx context.Context, themeID, url string) (model.AssetRecord, int, error) {
	body, err := p.fetcher.Get(ctx, url, nil)
	if err != nil {
		return model.AssetRecord{}, 0, fmt.Errorf("download: %w", err)
	}
	img, err := Normalize(body, p.opts.MaxDimension, p.opts.MaxPixels)
	if err != nil {
		return model.AssetRecord{}, 0, err
	}

	p.sweepMu.RLock()
	defer p.sweepMu.RUnlock()

	ref, err := p.store.Put(ctx, p.opts.NewName(), img.Data, "image/png")
	if err != nil {
		return model.AssetRecord{}, 0, fmt.Errorf("store: %w", err)
	}
	rec := model.AssetRecord{
		Path:      ref,
		ThemeID:   themeID,
		SourceURL: url,
		CreatedAt: p.now().UTC(),
	}
	if err := p.ledger.Add(ctx, rec); err != nil {
		_ = p.store.Delete(context.WithoutCancel(ctx), ref)
		return model.AssetRecord{}, 0, err
	}
	p.log.Debug("asset stored", "theme", themeID, "path", ref,
		"width", img.Width, "height", img.Height, "resized", img.Resized)
	return rec, len(img.Data), nil
}

// Process returns a copy of components whose remote image references are
// replaced by stored asset paths, together with the records it created.
// Identical URLs are downloaded once. On any failure or cancellation every
// asset created by this call is released before the error is returned.
func (p *Pipeline) Process(ctx context.Context, themeID string, components map[string]model.Component) (map[string]model.Component, []model.AssetRecord, error) {
	out := make(map[string]model.Component, len(components))
	for name, c := range components {
		out[name] = c.Clone()
	}
	urls := RemoteURLs(out)
	if len(urls) == 0 {
		return out, nil, nil
	}

	ctx, span := p.tracer.Start(ctx, "assets.process", trace.WithAttributes(
		attribute.String("theme.id", themeID),
		attribute.Int("asset.count", len(urls)),
	))
	defer span.End()

	var (
		mu      sync.Mutex
		records = make(map[string]model.AssetRecord, len(urls))
	)
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(p.opts.Workers))
	for _, url := range urls {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			rec, err := p.Materialize(gctx, themeID, url)
			if err != nil {
				return err
			}
			mu.Lock()
			records[url] = rec
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	created := make([]model.AssetRecord, 0, len(records))
	for _, rec := range records {
		created = append(created, rec)
	}
	sortRecords(created)

	if err != nil {
		if releaseErr := p.Release(context.WithoutCancel(ctx), created); releaseErr != nil {
			p.log.Error("asset rollback incomplete", "theme", themeID, "error", releaseErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "asset processing failed")
		return nil, nil, err
	}

	paths := make(map[string]string, len(records))
	for url, rec := range records {
		paths[url] = rec.Path
	}
	for _, c := range out {
		rewrite(c, paths)
	}
	return out, created, nil
}

// Release deletes the stored files of records and forgets their ownership.
// Files that are already gone are not an error.
func (p *Pipeline) Release(ctx context.Context, records []model.AssetRecord) error {
	var errs []error
	for _, rec := range records {
		if err := p.store.Delete(ctx, rec.Path); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", rec.Path, err))
			continue
		}
		if err := p.ledger.Remove(ctx, rec.ThemeID, rec.Path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Owned lists the assets recorded for themeID.
func (p *Pipeline) Owned(ctx context.Context, themeID string) ([]model.AssetRecord, error) {
	return p.ledger.Owned(ctx, themeID)
}

// DeleteThemeAssets releases everything themeID owns. It is idempotent.
func (p *Pipeline) DeleteThemeAssets(ctx context.Context, themeID string) error {
	recs, err := p.ledger.Owned(ctx, themeID)
	if err != nil {
		return err
	}
	return p.Release(ctx, recs)
}

// Sweep releases assets owned by themes not in live and deletes stored files
// that no ledger entry and no keep reference accounts for. It returns the
// number of files removed.
func (p *Pipeline) Sweep(ctx context.Context, live map[string]struct{}, keep map[string]struct{}) (int, error) {
	p.sweepMu.Lock()
	defer p.sweepMu.Unlock()

	owners, err := p.ledger.Themes(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	tracked := make(map[string]struct{})
	var errs []error
	for _, id := range owners {
		recs, err := p.ledger.Owned(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := live[id]; ok {
			for _, rec := range recs {
				tracked[rec.Path] = struct{}{}
			}
			continue
		}
		if err := p.Release(ctx, recs); err != nil {
			errs = append(errs, err)
		}
		removed += len(recs)
		p.log.Info("released assets of deleted theme", "theme", id, "count", len(recs))
	}

	stored, err := p.store.List(ctx)
	if err != nil {
		return removed, errors.Join(append(errs, err)...)
	}
	for _, ref := range stored {
		if _, ok := tracked[ref]; ok {
			continue
		}
		if _, ok := keep[ref]; ok {
			continue
		}
		if err := p.store.Delete(ctx, ref); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		p.log.Info("removed orphaned asset", "path", ref)
	}
	return removed, errors.Join(errs...)
}

// RemoteURLs lists the distinct http(s) image references in components,
// sorted.
func RemoteURLs(components map[string]model.Component) []string {
	seen := make(map[string]struct{})
	for _, c := range components {
		for _, ref := range imageRefs(c) {
			if isRemote(ref) {
				seen[ref] = struct{}{}
			}
		}
	}
	return sortedKeys(seen)
}

// References collects every image reference in components, remote or not.
func References(components map[string]model.Component) map[string]struct{} {
	refs := make(map[string]struct{})
	for _, c := range components {
		for _, ref := range imageRefs(c) {
			refs[ref] = struct{}{}
		}
	}
	return refs
}

func imageRefs(c model.Component) []string {
	var refs []string
	if s, ok := c[model.PropBackgroundImage].(string); ok && s != "" {
		refs = append(refs, s)
	}
	switch images := c[model.PropImages].(type) {
	case map[string]any:
		for _, v := range images {
			if s, ok := v.(string); ok && s != "" {
				refs = append(refs, s)
			}
		}
	case map[string]string:
		for _, s := range images {
			if s != "" {
				refs = append(refs, s)
			}
		}
	}
	return refs
}

func rewrite(c model.Component, paths map[string]string) {
	if s, ok := c[model.PropBackgroundImage].(string); ok {
		if p, ok := paths[s]; ok {
			c[model.PropBackgroundImage] = p
		}
	}
	switch images := c[model.PropImages].(type) {
	case map[string]any:
		for k, v := range images {
			if s, ok := v.(string); ok {
				if p, ok := paths[s]; ok {
					images[k] = p
				}
			}
		}
	case map[string]string:
		for k, s := range images {
			if p, ok := paths[s]; ok {
				images[k] = p
			}
		}
	}
}

func isRemote(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
