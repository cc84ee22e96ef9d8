package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"themeplane/model"
)

func TestShouldRunInterval(t *testing.T) {
	sc := model.Schedule{Type: model.ScheduleInterval, Every: "1h"}
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	assert.True(t, shouldRun(sc, time.Time{}, now))
	assert.False(t, shouldRun(sc, now.Add(-30*time.Minute), now))
	assert.True(t, shouldRun(sc, now.Add(-time.Hour), now))
	assert.False(t, shouldRun(model.Schedule{Type: model.ScheduleInterval, Every: "nope"}, time.Time{}, now))
}

func TestShouldRunDaily(t *testing.T) {
	sc := model.Schedule{Type: model.ScheduleDaily, TimeOfDay: "03:30"}
	day := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	assert.False(t, shouldRun(sc, time.Time{}, day.Add(3*time.Hour)))
	assert.True(t, shouldRun(sc, time.Time{}, day.Add(4*time.Hour)))
	assert.False(t, shouldRun(sc, day.Add(3*time.Hour+31*time.Minute), day.Add(5*time.Hour)))
	assert.True(t, shouldRun(sc, day.Add(-20*time.Hour), day.Add(5*time.Hour)))
	assert.False(t, shouldRun(model.Schedule{Type: model.ScheduleDaily, TimeOfDay: "25:00"}, time.Time{}, day))
}

func TestCheckRunsDueJobs(t *testing.T) {
	var sweeps, failures atomic.Int32
	jobs := map[string]Job{
		"sweep": func(context.Context) error { sweeps.Add(1); return nil },
		"fail":  func(context.Context) error { failures.Add(1); return errors.New("boom") },
	}
	s := New(jobs, []model.Schedule{
		{ID: "a", Job: "sweep", Enabled: true, Type: model.ScheduleInterval, Every: "1h"},
		{ID: "b", Job: "fail", Enabled: true, Type: model.ScheduleInterval, Every: "1h"},
		{ID: "c", Job: "sweep", Enabled: false, Type: model.ScheduleInterval, Every: "1h"},
		{ID: "d", Job: "unknown", Enabled: true, Type: model.ScheduleInterval, Every: "1h"},
	}, nil)

	var persisted []string
	s.OnRun(func(id string, _ time.Time) { persisted = append(persisted, id) })

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s.check(context.Background(), now)
	s.Wait()

	assert.Equal(t, int32(1), sweeps.Load())
	assert.Equal(t, int32(1), failures.Load())
	assert.Equal(t, []string{"a"}, persisted)
	last := s.LastRun()
	assert.Equal(t, now, last["a"])
	assert.NotContains(t, last, "b")

	s.check(context.Background(), now.Add(time.Minute))
	s.Wait()
	assert.Equal(t, int32(1), sweeps.Load(), "not due yet")
	assert.Equal(t, int32(2), failures.Load(), "failed runs are retried next tick")
}

func TestStartStopsWithContext(t *testing.T) {
	ran := make(chan struct{}, 1)
	s := New(map[string]Job{"sweep": func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}}, []model.Schedule{{ID: "a", Job: "sweep", Enabled: true, Type: model.ScheduleInterval, Every: "1h"}}, nil)
	s.tick = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		require.Fail(t, "job did not run")
	}
	cancel()
	s.Wait()
}
