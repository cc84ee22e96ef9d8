package assets

import (
	"context"
	"sort"
	"sync"

	"themeplane/model"
)

// Ledger records which theme owns each materialized asset.
type Ledger interface {
	Add(ctx context.Context, rec model.AssetRecord) error
	// Remove forgets paths owned by themeID. Unknown paths are ignored.
	Remove(ctx context.Context, themeID string, paths ...string) error
	Owned(ctx context.Context, themeID string) ([]model.AssetRecord, error)
	// Themes lists every theme that owns at least one asset.
	Themes(ctx context.Context) ([]string, error)
}

// MemoryLedger is an in-process Ledger.
type MemoryLedger struct {
	mu     sync.Mutex
	owners map[string]map[string]model.AssetRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{owners: make(map[string]map[string]model.AssetRecord)}
}

func (l *MemoryLedger) Add(_ context.Context, rec model.AssetRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs, ok := l.owners[rec.ThemeID]
	if !ok {
		recs = make(map[string]model.AssetRecord)
		l.owners[rec.ThemeID] = recs
	}
	recs[rec.Path] = rec
	return nil
}

func (l *MemoryLedger) Remove(_ context.Context, themeID string, paths ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs := l.owners[themeID]
	for _, p := range paths {
		delete(recs, p)
	}
	if len(recs) == 0 {
		delete(l.owners, themeID)
	}
	return nil
}

func (l *MemoryLedger) Owned(_ context.Context, themeID string) ([]model.AssetRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.AssetRecord, 0, len(l.owners[themeID]))
	for _, rec := range l.owners[themeID] {
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (l *MemoryLedger) Themes(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.owners))
	for id := range l.owners {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func sortRecords(recs []model.AssetRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Path < recs[j].Path })
}
