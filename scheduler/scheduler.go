// Package scheduler runs named maintenance jobs on interval or daily
// schedules.
package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"themeplane/logger"
	"themeplane/model"
)

const DefaultTick = 30 * time.Second

// Job is a unit of background work.
type Job func(ctx context.Context) error

type Scheduler struct {
	mu        sync.Mutex
	schedules []model.Schedule
	lastRun   map[string]time.Time
	running   map[string]bool
	jobs      map[string]Job
	onRun     func(id string, at time.Time)
	tick      time.Duration
	log       *slog.Logger
	wg        sync.WaitGroup
}

// New creates a scheduler for the given jobs. lastRun seeds the time each
// schedule last succeeded and may be nil.
func New(jobs map[string]Job, initial []model.Schedule, lastRun map[string]time.Time) *Scheduler {
	s := &Scheduler{
		schedules: append([]model.Schedule(nil), initial...),
		lastRun:   make(map[string]time.Time, len(lastRun)),
		running:   make(map[string]bool),
		jobs:      jobs,
		tick:      DefaultTick,
		log:       logger.With("scheduler"),
	}
	for k, v := range lastRun {
		s.lastRun[k] = v
	}
	return s
}

// OnRun registers fn to be called after each successful run, e.g. to
// persist last-run times.
func (s *Scheduler) OnRun(fn func(id string, at time.Time)) {
	s.mu.Lock()
	s.onRun = fn
	s.mu.Unlock()
}

// Start checks the schedules every tick until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("scheduler started", "schedules", len(s.Schedules()))
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.log.Info("scheduler stopped")
				return
			case now := <-ticker.C:
				s.check(ctx, now)
			}
		}
	}()
}

// Wait blocks until the loop and any running job have returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) check(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sc := range s.schedules {
		if !sc.Enabled || sc.ID == "" || s.running[sc.ID] {
			continue
		}
		job, ok := s.jobs[sc.Job]
		if !ok {
			continue
		}
		if !shouldRun(sc, s.lastRun[sc.ID], now) {
			continue
		}
		s.running[sc.ID] = true
		s.wg.Add(1)
		go s.runOnce(ctx, sc.ID, job, now)
	}
}

func (s *Scheduler) runOnce(ctx context.Context, id string, job Job, now time.Time) {
	defer s.wg.Done()
	err := job(ctx)

	s.mu.Lock()
	delete(s.running, id)
	if err != nil {
		s.mu.Unlock()
		s.log.Error("scheduled job failed", "schedule", id, "error", err)
		return
	}
	s.lastRun[id] = now
	onRun := s.onRun
	s.mu.Unlock()

	if onRun != nil {
		onRun(id, now)
	}
}

func shouldRun(sc model.Schedule, lastRun time.Time, now time.Time) bool {
	switch sc.Type {
	case model.ScheduleInterval:
		if sc.Every == "" {
			return false
		}
		dur, err := time.ParseDuration(sc.Every)
		if err != nil || dur <= 0 {
			return false
		}
		if lastRun.IsZero() {
			return true
		}
		return now.Sub(lastRun) >= dur

	case model.ScheduleDaily:
		if sc.TimeOfDay == "" {
			return false
		}
		parts := strings.Split(sc.TimeOfDay, ":")
		if len(parts) < 2 {
			return false
		}
		hour, err1 := strconv.Atoi(parts[0])
		min, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || hour < 0 || hour > 23 || min < 0 || min > 59 {
			return false
		}

		loc := now.Location()
		target := time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, loc)

		if now.Before(target) {
			return false
		}
		if !lastRun.IsZero() && sameDay(lastRun.In(loc), now) {
			return false
		}
		return true

	default:
		return false
	}
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func (s *Scheduler) Schedules() []model.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Schedule, len(s.schedules))
	copy(out, s.schedules)
	return out
}

func (s *Scheduler) LastRun() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.lastRun))
	for k, v := range s.lastRun {
		out[k] = v
	}
	return out
}
