package config

import (
	"maps"
	"slices"
	"sync"
	"time"

	"themeplane/model"
)

// Persister owns the running config and serializes updates that write it
// back to disk. Scheduled jobs finish on their own goroutines and report
// through it.
type Persister struct {
	mu  sync.Mutex
	cfg Config
}

func NewPersister(cfg Config) *Persister {
	return &Persister{cfg: cfg}
}

// Config returns a copy of the current config.
func (p *Persister) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot()
}

// SaveSchedules records schedule state and saves the config file.
func (p *Persister) SaveSchedules(schedules []model.Schedule, lastRun map[string]time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Schedules = slices.Clone(schedules)
	p.cfg.LastRun = maps.Clone(lastRun)
	return Save(p.cfg)
}

func (p *Persister) snapshot() Config {
	out := p.cfg
	out.Schedules = slices.Clone(p.cfg.Schedules)
	out.LastRun = maps.Clone(p.cfg.LastRun)
	return out
}
