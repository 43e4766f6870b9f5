// Package scheduler starts one feed per day at the configured time.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mpataki/feeder/internal/debug"
	"github.com/mpataki/feeder/internal/models"
	"github.com/mpataki/feeder/internal/session"
)

// TickInterval is how often the trigger time is compared to the clock.
const TickInterval = time.Second

// Starter is the entry point the scheduler shares with manual callers.
type Starter interface {
	Start(plan models.CyclePlan, trigger models.Trigger) (*session.Run, error)
}

// ConfigStore persists schedule updates. storage.Storage satisfies it.
type ConfigStore interface {
	SaveSchedule(cfg models.ScheduleConfig) error
}

// Outcome describes what a tick did.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeStarted  Outcome = "started"
	OutcomeSkipped  Outcome = "skipped_busy"
	OutcomeDisabled Outcome = "disabled"
	OutcomeFailed   Outcome = "failed"
)

type Scheduler struct {
	starter Starter
	store   ConfigStore
	now     func() time.Time

	cfg atomic.Pointer[models.ScheduleConfig]

	// updates are serialized so concurrent partial updates do not lose fields
	updateMu sync.Mutex

	mu        sync.Mutex
	lastFired string
	lastRun   *session.Run
}

func New(starter Starter, store ConfigStore, cfg models.ScheduleConfig) *Scheduler {
	s := &Scheduler{
		starter: starter,
		store:   store,
		now:     time.Now,
	}
	s.cfg.Store(&cfg)
	return s
}

// SetClock replaces time.Now; for tests and simulations.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Scheduler) Config() models.ScheduleConfig {
	return *s.cfg.Load()
}

// Update merges a partial update, persists it and swaps it in atomically.
func (s *Scheduler) Update(u models.ScheduleUpdate) (models.ScheduleConfig, error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	next, err := s.Config().Apply(u)
	if err != nil {
		return s.Config(), err
	}
	if s.store != nil {
		if err := s.store.SaveSchedule(next); err != nil {
			return s.Config(), err
		}
	}
	s.cfg.Store(&next)
	debug.LogKV("scheduler", "config updated", "time", next.TriggerTime, "enabled", next.Enabled, "plan", next.Plan)
	return next, nil
}

// NextFire returns the next trigger instant, or zero when disabled.
func (s *Scheduler) NextFire() time.Time {
	cfg := s.Config()
	if !cfg.Enabled {
		return time.Time{}
	}
	now := s.now()
	next := cfg.TriggerTime.Next(now)
	s.mu.Lock()
	fired := s.lastFired == fireKey(next)
	s.mu.Unlock()
	if fired {
		next = cfg.TriggerTime.Next(next.Add(time.Minute))
	}
	return next
}

// Tick checks the clock once. It fires at most once per trigger minute per
// day; a fire that finds the session busy is skipped, not retried.
func (s *Scheduler) Tick() Outcome {
	now := s.now()
	cfg := s.Config()
	if !cfg.TriggerTime.Matches(now) {
		return OutcomeNone
	}

	key := fireKey(now)
	s.mu.Lock()
	if s.lastFired == key {
		s.mu.Unlock()
		return OutcomeNone
	}
	s.lastFired = key
	s.mu.Unlock()

	if !cfg.Enabled {
		return OutcomeDisabled
	}

	run, err := s.starter.Start(cfg.Plan, models.TriggerSchedule)
	switch {
	case errors.Is(err, session.ErrBusy):
		debug.LogKV("scheduler", "trigger skipped, session busy", "key", key)
		return OutcomeSkipped
	case err != nil:
		debug.LogKV("scheduler", "trigger failed", "key", key, "error", err)
		return OutcomeFailed
	}

	s.mu.Lock()
	s.lastRun = run
	s.mu.Unlock()
	debug.LogKV("scheduler", "scheduled feed started", "key", key, "run_id", run.ID)
	return OutcomeStarted
}

// LastRun returns the most recent run the scheduler started.
func (s *Scheduler) LastRun() *session.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// Run ticks every TickInterval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	return s.run(ctx, TickInterval)
}

func (s *Scheduler) run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Tick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
		}
	}
}

func fireKey(t time.Time) string {
	return t.Format("2006-01-02 15:04")
}
