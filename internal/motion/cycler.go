package motion

import (
	"context"
	"time"

	"github.com/mpataki/feeder/internal/debug"
	"github.com/mpataki/feeder/internal/models"
)

// DefaultSegmentPause is the rest between anti-jam segments.
const DefaultSegmentPause = 200 * time.Millisecond

type Segment struct {
	Cycle     int              `json:"cycle"`
	Direction models.Direction `json:"direction"`
	Steps     int              `json:"steps"`
}

// Progress is reported after every completed or interrupted segment.
type Progress struct {
	Segment    Segment `json:"segment"`
	Index      int     `json:"index"`
	Segments   int     `json:"segments"`
	StepsMoved int     `json:"steps_moved"`
	TotalSteps int     `json:"total_steps"`
}

type Result struct {
	Reason     models.CompletionReason
	StepsMoved int
	Segments   int
}

// PlanSegments decomposes a plan into the segments the cycler will run.
//
// Every step moved counts against TotalSteps, backward ones included, so
// the sum of all segments is exactly TotalSteps and the number of cycles
// is at most ceil(TotalSteps / max(1, fwd+back)) whatever the ratio.
func PlanSegments(plan models.CyclePlan) []Segment {
	total := plan.TotalSteps
	if total <= 0 {
		return nil
	}
	if !plan.Stutter {
		dir := plan.Direction
		if dir == "" {
			dir = models.Forward
		}
		return []Segment{{Cycle: 1, Direction: dir, Steps: total}}
	}

	fwd, back := plan.CycleForward, plan.CycleBackward
	if fwd <= 0 && back <= 0 {
		fwd = total
	}
	if fwd < 0 {
		fwd = 0
	}
	if back < 0 {
		back = 0
	}

	var segs []Segment
	consumed := 0
	for cycle := 1; consumed < total; cycle++ {
		if n := min(fwd, total-consumed); n > 0 {
			segs = append(segs, Segment{Cycle: cycle, Direction: models.Forward, Steps: n})
			consumed += n
		}
		if consumed >= total {
			break
		}
		if n := min(back, total-consumed); n > 0 {
			segs = append(segs, Segment{Cycle: cycle, Direction: models.Reverse, Steps: n})
			consumed += n
		}
	}
	return segs
}

// Cycles returns the number of forward/backward cycles in segs.
func Cycles(segs []Segment) int {
	if len(segs) == 0 {
		return 0
	}
	return segs[len(segs)-1].Cycle
}

type Cycler struct {
	runner *Runner
	pause  time.Duration
	wait   func(context.Context, time.Duration) bool
}

func NewCycler(runner *Runner, pause time.Duration) *Cycler {
	if pause < 0 {
		pause = DefaultSegmentPause
	}
	return &Cycler{
		runner: runner,
		pause:  pause,
		wait:   sleepCtx,
	}
}

func (c *Cycler) Runner() *Runner {
	return c.runner
}

// Run executes plan segment by segment. It leaves the coils energized;
// the owner of the run switches them off. observe may be nil.
func (c *Cycler) Run(ctx context.Context, plan models.CyclePlan, observe func(Progress)) (Result, error) {
	segs := PlanSegments(plan)
	res := Result{Reason: models.ReasonFinished}

	for i, seg := range segs {
		out, err := c.runner.RunSegment(ctx, seg.Steps, seg.Direction)
		res.StepsMoved += out.Steps
		res.Segments++
		if observe != nil {
			observe(Progress{
				Segment:    seg,
				Index:      i,
				Segments:   len(segs),
				StepsMoved: res.StepsMoved,
				TotalSteps: plan.TotalSteps,
			})
		}
		if err != nil {
			res.Reason = models.ReasonFaulted
			return res, err
		}

		last := i == len(segs)-1
		if out.Reason == models.ReasonCancelled || (!last && ctx.Err() != nil) {
			debug.LogKV("motion", "run cancelled", "segment", i, "steps_moved", res.StepsMoved)
			res.Reason = models.ReasonCancelled
			return res, nil
		}
		if !last && !c.wait(ctx, c.pause) {
			res.Reason = models.ReasonCancelled
			return res, nil
		}
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
