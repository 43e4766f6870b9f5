package motion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/feeder/internal/debug"
	"github.com/mpataki/feeder/internal/gpio"
	"github.com/mpataki/feeder/internal/models"
)

// DefaultStepDelay trades torque for speed; 4ms keeps a 28BYJ-48 from
// skipping on a 9V supply.
const DefaultStepDelay = 4 * time.Millisecond

var ErrHardwareFault = errors.New("hardware fault")

// Outcome is the result of one segment.
type Outcome struct {
	Reason models.CompletionReason
	Steps  int
}

// Runner drives one port. It remembers the last phase written so a change
// of direction, or the next run, continues from the rotor's position.
type Runner struct {
	port      gpio.Port
	stepDelay time.Duration
	sleep     func(time.Duration)

	pos   int
	moved bool
}

func NewRunner(port gpio.Port, stepDelay time.Duration) *Runner {
	if stepDelay < 0 {
		stepDelay = DefaultStepDelay
	}
	return &Runner{
		port:      port,
		stepDelay: stepDelay,
		sleep:     time.Sleep,
	}
}

func (r *Runner) Port() gpio.Port {
	return r.port
}

func (r *Runner) StepDelay() time.Duration {
	return r.stepDelay
}

// RunSegment moves steps in one direction. Cancellation is checked before
// every step, never between the write and its hold. It does not de-energize
// the coils; see Run.
func (r *Runner) RunSegment(ctx context.Context, steps int, dir models.Direction) (Outcome, error) {
	if steps < 0 {
		return Outcome{Reason: models.ReasonFaulted}, fmt.Errorf("%w: negative segment %d", models.ErrInvalidPlan, steps)
	}
	for i := 0; i < steps; i++ {
		if ctx.Err() != nil {
			return Outcome{Reason: models.ReasonCancelled, Steps: i}, nil
		}
		if err := r.port.SetPattern(r.advance(dir)); err != nil {
			return Outcome{Reason: models.ReasonFaulted, Steps: i},
				fmt.Errorf("%w: step %d %s: %v", ErrHardwareFault, i, dir, err)
		}
		if r.stepDelay > 0 {
			r.sleep(r.stepDelay)
		}
	}
	return Outcome{Reason: models.ReasonFinished, Steps: steps}, nil
}

// advance moves the phase position one step in dir and returns the pattern
// to write. A fresh runner starts where Pattern(0, dir) does.
func (r *Runner) advance(dir models.Direction) gpio.Pattern {
	delta := 1
	if dir == models.Reverse {
		delta = -1
	}
	switch {
	case !r.moved && dir == models.Reverse:
		r.pos = len(sequence) - 1
	case !r.moved:
		r.pos = 0
	default:
		r.pos = (r.pos + delta + len(sequence)) % len(sequence)
	}
	r.moved = true
	return Pattern(r.pos, models.Forward)
}

// Run is a standalone segment: the coils are switched off on every exit
// path, panics included.
func (r *Runner) Run(ctx context.Context, steps int, dir models.Direction) (out Outcome, err error) {
	defer func() {
		if offErr := r.port.AllOff(); offErr != nil {
			debug.LogKV("motion", "all-off failed", "error", offErr)
			if err == nil {
				out.Reason = models.ReasonFaulted
				err = fmt.Errorf("%w: all off: %v", ErrHardwareFault, offErr)
			}
		}
	}()
	return r.RunSegment(ctx, steps, dir)
}
