package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mpataki/feeder/internal/gpio"
	"github.com/mpataki/feeder/internal/models"
	"github.com/mpataki/feeder/internal/motion"
)

type memRecorder struct {
	mu   sync.Mutex
	recs []*models.FeedRecord
}

func (m *memRecorder) RecordFeed(rec *models.FeedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memRecorder) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func (m *memRecorder) Last() *models.FeedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.recs) == 0 {
		return nil
	}
	return m.recs[len(m.recs)-1]
}

// gatePort holds every write until release is closed.
type gatePort struct {
	*gpio.Mock
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatePort() *gatePort {
	return &gatePort{
		Mock:    gpio.NewMock(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatePort) SetPattern(p gpio.Pattern) error {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return g.Mock.SetPattern(p)
}

type panicPort struct {
	*gpio.Mock
}

func (panicPort) SetPattern(gpio.Pattern) error {
	panic("spi bus gone")
}

func newTestSession(port gpio.Port) (*Session, *memRecorder) {
	rec := &memRecorder{}
	c := motion.NewCycler(motion.NewRunner(port, 0), 0)
	return New(c, rec), rec
}

func waitRun(t *testing.T, run *Run) *models.FeedRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := run.Wait(ctx)
	if err != nil {
		t.Fatalf("run %d did not finish: %v", run.ID, err)
	}
	return rec
}

func TestStartRunsToCompletion(t *testing.T) {
	m := gpio.NewMock()
	s, recorder := newTestSession(m)

	run, err := s.Start(models.CyclePlan{TotalSteps: 100, Stutter: true, CycleForward: 50, CycleBackward: 10}, models.TriggerManual)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec := waitRun(t, run)

	if rec.Reason != models.ReasonFinished || rec.StepsMoved != 100 {
		t.Fatalf("record = %+v", rec)
	}
	if got := len(m.Writes()); got != 100 {
		t.Fatalf("writes = %d, want 100", got)
	}
	if m.Current() != gpio.Off || m.OffCalls() != 1 {
		t.Fatalf("coils not released: current=%s off=%d", m.Current(), m.OffCalls())
	}
	if s.Status().Status != models.StatusIdle {
		t.Fatalf("status = %s, want idle", s.Status().Status)
	}
	if recorder.Len() != 1 || recorder.Last() != rec {
		t.Fatalf("recorder has %d records", recorder.Len())
	}
}

func TestStartZeroStepsFinishesWithoutWrites(t *testing.T) {
	m := gpio.NewMock()
	s, _ := newTestSession(m)
	run, err := s.Start(models.CyclePlan{TotalSteps: 0}, models.TriggerManual)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec := waitRun(t, run)
	if rec.Reason != models.ReasonFinished || len(m.Writes()) != 0 {
		t.Fatalf("record = %+v writes = %d", rec, len(m.Writes()))
	}
}

func TestStartRejectsInvalidPlan(t *testing.T) {
	s, _ := newTestSession(gpio.NewMock())
	if _, err := s.Start(models.CyclePlan{TotalSteps: -3}, models.TriggerManual); !errors.Is(err, models.ErrInvalidPlan) {
		t.Fatalf("err = %v, want ErrInvalidPlan", err)
	}
	if s.Status().Status != models.StatusIdle {
		t.Fatal("invalid plan must not leave the session running")
	}
}

func TestStartWhileRunningIsBusy(t *testing.T) {
	port := newGatePort()
	s, _ := newTestSession(port)

	run, err := s.Start(models.CyclePlan{TotalSteps: 20}, models.TriggerManual)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-port.started

	if _, err := s.Start(models.CyclePlan{TotalSteps: 5}, models.TriggerSchedule); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start err = %v, want ErrBusy", err)
	}
	snap := s.Status()
	if snap.Status != models.StatusRunning || snap.RunID != run.ID || snap.Plan.TotalSteps != 20 {
		t.Fatalf("status = %+v", snap)
	}

	close(port.release)
	waitRun(t, run)

	next, err := s.Start(models.CyclePlan{TotalSteps: 3}, models.TriggerManual)
	if err != nil {
		t.Fatalf("Start after completion: %v", err)
	}
	if next.ID == run.ID {
		t.Fatal("run IDs must differ")
	}
	waitRun(t, next)
}

func TestConcurrentStartsExactlyOneWins(t *testing.T) {
	for round := 0; round < 20; round++ {
		port := newGatePort()
		s, _ := newTestSession(port)

		const callers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		var started []*Run
		busy := 0

		gate := make(chan struct{})
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-gate
				run, err := s.Start(models.CyclePlan{TotalSteps: 4}, models.TriggerManual)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					started = append(started, run)
				case errors.Is(err, ErrBusy):
					busy++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		close(gate)
		wg.Wait()

		if len(started) != 1 || busy != callers-1 {
			t.Fatalf("round %d: started=%d busy=%d", round, len(started), busy)
		}
		close(port.release)
		waitRun(t, started[0])
	}
}

func TestStopCancelsAndReleasesCoils(t *testing.T) {
	port := newGatePort()
	s, recorder := newTestSession(port)

	run, err := s.Start(models.CyclePlan{TotalSteps: 10000}, models.TriggerManual)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-port.started
	if !s.Stop() {
		t.Fatal("Stop reported no run")
	}
	if !s.Stop() {
		t.Fatal("second Stop while still running should still report the run")
	}
	close(port.release)

	rec := waitRun(t, run)
	if rec.Reason != models.ReasonCancelled {
		t.Fatalf("reason = %s, want cancelled", rec.Reason)
	}
	if rec.StepsMoved != 1 {
		t.Fatalf("steps moved = %d, want 1", rec.StepsMoved)
	}
	if port.Current() != gpio.Off || port.OffCalls() != 1 {
		t.Fatalf("coils not released: current=%s off=%d", port.Current(), port.OffCalls())
	}
	if recorder.Last().Reason != models.ReasonCancelled {
		t.Fatalf("recorded reason = %s", recorder.Last().Reason)
	}
	if s.Stop() {
		t.Fatal("Stop on idle session must be a no-op")
	}
}

func TestIdleImpliesRecorded(t *testing.T) {
	m := gpio.NewMock()
	s, recorder := newTestSession(m)

	for i := 0; i < 10; i++ {
		if _, err := s.Start(models.CyclePlan{TotalSteps: 50}, models.TriggerManual); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		deadline := time.Now().Add(5 * time.Second)
		for s.Status().Status != models.StatusIdle {
			if time.Now().After(deadline) {
				t.Fatal("session never went idle")
			}
			time.Sleep(50 * time.Microsecond)
		}
		if recorder.Len() != i+1 {
			t.Fatalf("idle observed with %d records, want %d", recorder.Len(), i+1)
		}
	}
}

func TestHardwareFaultReturnsToIdle(t *testing.T) {
	m := gpio.NewMock()
	m.FailAfter(7)
	s, _ := newTestSession(m)

	run, err := s.Start(models.CyclePlan{TotalSteps: 50}, models.TriggerSchedule)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec := waitRun(t, run)
	if rec.Reason != models.ReasonFaulted || rec.StepsMoved != 7 || rec.Error == "" {
		t.Fatalf("record = %+v", rec)
	}
	if m.Current() != gpio.Off {
		t.Fatal("coils left energized after fault")
	}

	m.FailAfter(-1)
	next, err := s.Start(models.CyclePlan{TotalSteps: 5}, models.TriggerManual)
	if err != nil {
		t.Fatalf("Start after fault: %v", err)
	}
	if rec := waitRun(t, next); rec.Reason != models.ReasonFinished {
		t.Fatalf("reason after fault = %s", rec.Reason)
	}
}

func TestPanicIsContained(t *testing.T) {
	m := gpio.NewMock()
	s, _ := newTestSession(panicPort{m})

	run, err := s.Start(models.CyclePlan{TotalSteps: 5}, models.TriggerManual)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec := waitRun(t, run)
	if rec.Reason != models.ReasonFaulted || rec.Error == "" {
		t.Fatalf("record = %+v", rec)
	}
	if m.OffCalls() != 1 {
		t.Fatalf("off calls = %d", m.OffCalls())
	}
	if s.Status().Status != models.StatusIdle {
		t.Fatal("session stuck running after panic")
	}
}

func TestSubscribeSeesLifecycle(t *testing.T) {
	s, _ := newTestSession(gpio.NewMock())
	events, cancel := s.Subscribe(32)
	defer cancel()

	run, err := s.Start(models.CyclePlan{TotalSteps: 30, Stutter: true, CycleForward: 10, CycleBackward: 5}, models.TriggerManual)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitRun(t, run)

	var types []EventType
	timeout := time.After(2 * time.Second)
	for len(types) == 0 || types[len(types)-1] != EventFinished {
		select {
		case ev := <-events:
			if ev.RunID != run.ID {
				t.Fatalf("event for run %d, want %d", ev.RunID, run.ID)
			}
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("events so far: %v", types)
		}
	}
	// 30 steps at +10/-5: F10 R5 F10 R5 = 4 segments.
	want := []EventType{EventStarted, EventSegment, EventSegment, EventSegment, EventSegment, EventFinished}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestShutdownStopsRun(t *testing.T) {
	port := newGatePort()
	s, _ := newTestSession(port)
	run, err := s.Start(models.CyclePlan{TotalSteps: 1000}, models.TriggerManual)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-port.started
	close(port.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if rec := run.Record(); rec == nil || rec.Reason == models.ReasonFaulted {
		t.Fatalf("record = %+v", rec)
	}
}

type failingRecorder struct{}

func (failingRecorder) RecordFeed(*models.FeedRecord) error {
	return errors.New("disk full")
}

func TestRecorderFailureStillReturnsIdle(t *testing.T) {
	m := gpio.NewMock()
	s := New(motion.NewCycler(motion.NewRunner(m, 0), 0), failingRecorder{})

	run, err := s.Start(models.CyclePlan{TotalSteps: 8}, models.TriggerManual)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec := waitRun(t, run)
	if rec.Reason != models.ReasonFinished {
		t.Fatalf("reason = %q", rec.Reason)
	}
	if s.Status().Status != models.StatusIdle {
		t.Fatal("session wedged after recorder failure")
	}
	if _, err := s.Start(models.CyclePlan{TotalSteps: 1}, models.TriggerManual); err != nil {
		t.Fatalf("second Start: %v", err)
	}
}

type panicRecorder struct{}

func (panicRecorder) RecordFeed(*models.FeedRecord) error {
	panic("database closed")
}

// offPanicPort panics when the coils are released.
type offPanicPort struct {
	*gpio.Mock
}

func (offPanicPort) AllOff() error {
	panic("gpio unmapped")
}

func TestPanicWhileFinishingStillReturnsIdle(t *testing.T) {
	tests := []struct {
		name     string
		port     gpio.Port
		recorder Recorder
		reason   models.CompletionReason
	}{
		{"recorder", gpio.NewMock(), panicRecorder{}, models.ReasonFinished},
		{"all off", offPanicPort{gpio.NewMock()}, &memRecorder{}, models.ReasonFaulted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(motion.NewCycler(motion.NewRunner(tt.port, 0), 0), tt.recorder)
			run, err := s.Start(models.CyclePlan{TotalSteps: 4}, models.TriggerManual)
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			rec := waitRun(t, run)
			if rec.Reason != tt.reason {
				t.Fatalf("reason = %q, want %q", rec.Reason, tt.reason)
			}
			if s.Status().Status != models.StatusIdle {
				t.Fatal("session still running")
			}
			if _, err := s.Start(models.CyclePlan{TotalSteps: 1}, models.TriggerManual); err != nil {
				t.Fatalf("second Start: %v", err)
			}
			_ = s.Wait(context.Background())
		})
	}
}

func TestStopLatencyWithinStepAndPause(t *testing.T) {
	const (
		stepDelay = 10 * time.Millisecond
		pause     = 40 * time.Millisecond
		slack     = 150 * time.Millisecond
	)
	rec := &memRecorder{}
	s := New(motion.NewCycler(motion.NewRunner(gpio.NewMock(), stepDelay), pause), rec)

	run, err := s.Start(models.CyclePlan{
		TotalSteps: 10000, Stutter: true, CycleForward: 6, CycleBackward: 2,
	}, models.TriggerManual)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(125 * time.Millisecond)
	if run.Record() != nil {
		t.Fatal("run finished before stop")
	}

	stopped := time.Now()
	if !s.Stop() {
		t.Fatal("Stop found nothing running")
	}
	got := waitRun(t, run)
	elapsed := time.Since(stopped)

	if got.Reason != models.ReasonCancelled {
		t.Fatalf("reason = %q", got.Reason)
	}
	if limit := stepDelay + pause + slack; elapsed > limit {
		t.Fatalf("idle %v after stop, want within %v", elapsed, limit)
	}
	if s.Status().Status != models.StatusIdle {
		t.Fatal("session not idle")
	}
}
