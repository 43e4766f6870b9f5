// Package session owns the single motion run allowed at any time.
//
// A Session moves between idle and running. Start is the only way in and
// is rejected with ErrBusy while a run is in flight; the run itself executes
// on its own goroutine and always ends by switching the coils off, recording
// a feed record and only then reporting idle again.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mpataki/feeder/internal/debug"
	"github.com/mpataki/feeder/internal/gpio"
	"github.com/mpataki/feeder/internal/models"
	"github.com/mpataki/feeder/internal/motion"
)

var ErrBusy = errors.New("feeder busy: a run is already in progress")

// Recorder receives every finished run. storage.Storage satisfies it.
type Recorder interface {
	RecordFeed(rec *models.FeedRecord) error
}

type Snapshot struct {
	Status     models.MotionStatus `json:"status"`
	RunID      int64               `json:"run_id,omitempty"`
	Trigger    models.Trigger      `json:"trigger,omitempty"`
	Plan       *models.CyclePlan   `json:"plan,omitempty"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	StepsMoved int                 `json:"steps_moved"`
}

type Session struct {
	cycler   *motion.Cycler
	port     gpio.Port
	recorder Recorder
	now      func() time.Time

	mu         sync.Mutex
	status     models.MotionStatus
	current    *Run
	cancel     context.CancelFunc
	stepsMoved int
	nextID     int64

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

func New(cycler *motion.Cycler, recorder Recorder) *Session {
	return &Session{
		cycler:   cycler,
		port:     cycler.Runner().Port(),
		recorder: recorder,
		now:      time.Now,
		status:   models.StatusIdle,
		subs:     make(map[int]chan Event),
	}
}

// Start begins a run and returns without waiting for it.
func (s *Session) Start(plan models.CyclePlan, trigger models.Trigger) (*Run, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.status == models.StatusRunning {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.nextID++
	run := &Run{
		ID:        s.nextID,
		Trigger:   trigger,
		Plan:      plan,
		StartedAt: s.now(),
		done:      make(chan struct{}),
	}
	s.status = models.StatusRunning
	s.current = run
	s.cancel = cancel
	s.stepsMoved = 0
	s.mu.Unlock()

	debug.LogKV("session", "run started", "run_id", run.ID, "trigger", trigger, "plan", plan)
	s.publish(Event{Type: EventStarted, RunID: run.ID, Trigger: trigger, Plan: plan, At: run.StartedAt})

	go s.execute(ctx, run)
	return run, nil
}

// Stop asks the current run to stop at the next step boundary. It reports
// whether a run was signalled.
func (s *Session) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != models.StatusRunning || s.cancel == nil {
		return false
	}
	s.cancel()
	debug.LogKV("session", "stop requested", "run_id", s.current.ID)
	return true
}

func (s *Session) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Status: s.status, StepsMoved: s.stepsMoved}
	if run := s.current; run != nil {
		plan := run.Plan
		started := run.StartedAt
		snap.RunID = run.ID
		snap.Trigger = run.Trigger
		snap.Plan = &plan
		snap.StartedAt = &started
	}
	return snap
}

// Current returns the in-flight run, or nil when idle.
func (s *Session) Current() *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Wait blocks until the session is idle or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	run := s.Current()
	if run == nil {
		return nil
	}
	_, err := run.Wait(ctx)
	return err
}

// Shutdown stops any run and waits for the coils to be released.
func (s *Session) Shutdown(ctx context.Context) error {
	s.Stop()
	return s.Wait(ctx)
}

func (s *Session) execute(ctx context.Context, run *Run) {
	var res motion.Result
	var runErr error

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.mu.Lock()
				moved := s.stepsMoved
				s.mu.Unlock()
				res = motion.Result{Reason: models.ReasonFaulted, StepsMoved: moved}
				runErr = fmt.Errorf("run panicked: %v", r)
			}
		}()
		res, runErr = s.cycler.Run(ctx, run.Plan, func(p motion.Progress) {
			s.mu.Lock()
			s.stepsMoved = p.StepsMoved
			s.mu.Unlock()
			progress := p
			s.publish(Event{Type: EventSegment, RunID: run.ID, Trigger: run.Trigger, Plan: run.Plan, Progress: &progress, At: s.now()})
		})
	}()

	s.finish(run, res, runErr)
}

func (s *Session) finish(run *Run, res motion.Result, runErr error) {
	if err := guard(s.port.AllOff); err != nil {
		debug.LogKV("session", "all-off failed", "run_id", run.ID, "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("%w: all off: %v", motion.ErrHardwareFault, err)
		}
	}

	rec := &models.FeedRecord{
		StartedAt:  run.StartedAt,
		FinishedAt: s.now(),
		Trigger:    run.Trigger,
		Reason:     res.Reason,
		Plan:       run.Plan,
		StepsMoved: res.StepsMoved,
	}
	if runErr != nil {
		rec.Reason = models.ReasonFaulted
		rec.Error = runErr.Error()
		debug.LogKV("session", "run faulted", "run_id", run.ID, "steps_moved", res.StepsMoved, "error", runErr)
	}

	if s.recorder != nil {
		if err := guard(func() error { return s.recorder.RecordFeed(rec) }); err != nil {
			debug.LogKV("session", "record feed failed", "run_id", run.ID, "error", err)
		}
	}
	run.record = rec

	// Idle only becomes visible once the record is stored.
	s.mu.Lock()
	s.status = models.StatusIdle
	s.current = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	debug.LogKV("session", "run finished", "run_id", run.ID, "reason", rec.Reason, "steps_moved", rec.StepsMoved, "duration", rec.Duration())
	s.publish(Event{Type: EventFinished, RunID: run.ID, Trigger: run.Trigger, Plan: run.Plan, Record: rec, At: rec.FinishedAt})
	close(run.done)
}

// guard turns a panic in fn into an error so a run always reaches idle.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
