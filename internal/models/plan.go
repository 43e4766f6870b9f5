package models

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPlan = errors.New("invalid feed plan")

type Direction string

const (
	Forward Direction = "forward"
	Reverse Direction = "reverse"
)

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "forward", "fwd":
		return Forward, nil
	case "reverse", "rev", "backward":
		return Reverse, nil
	}
	return "", fmt.Errorf("%w: unknown direction %q", ErrInvalidPlan, s)
}

// CyclePlan describes one feed run. Direction only applies when Stutter is
// off; stutter runs always open with a forward segment.
type CyclePlan struct {
	TotalSteps    int       `json:"total_steps" yaml:"steps"`
	Stutter       bool      `json:"stutter" yaml:"stutter"`
	CycleForward  int       `json:"cycle_forward" yaml:"cycle_forward"`
	CycleBackward int       `json:"cycle_backward" yaml:"cycle_backward"`
	Direction     Direction `json:"direction,omitempty" yaml:"direction,omitempty"`
}

func (p CyclePlan) Validate() error {
	if p.TotalSteps < 0 {
		return fmt.Errorf("%w: total steps must be >= 0, got %d", ErrInvalidPlan, p.TotalSteps)
	}
	if p.CycleForward < 0 {
		return fmt.Errorf("%w: cycle forward must be >= 0, got %d", ErrInvalidPlan, p.CycleForward)
	}
	if p.CycleBackward < 0 {
		return fmt.Errorf("%w: cycle backward must be >= 0, got %d", ErrInvalidPlan, p.CycleBackward)
	}
	switch p.Direction {
	case "", Forward, Reverse:
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidPlan, p.Direction)
	}
	// stutter cycles always open forward
	if p.Direction == Reverse && p.Stutter {
		return fmt.Errorf("%w: a reverse move cannot stutter", ErrInvalidPlan)
	}
	return nil
}

func (p CyclePlan) String() string {
	dir := p.Direction
	if dir == "" {
		dir = Forward
	}
	if !p.Stutter {
		return fmt.Sprintf("%d steps %s", p.TotalSteps, dir)
	}
	return fmt.Sprintf("%d steps stutter +%d/-%d", p.TotalSteps, p.CycleForward, p.CycleBackward)
}
