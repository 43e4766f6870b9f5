// Package motion turns a feed plan into coil patterns on a gpio.Port.
package motion

import (
	"github.com/mpataki/feeder/internal/gpio"
	"github.com/mpataki/feeder/internal/models"
)

// Full-step, two-coils-on sequence.
var sequence = [...]gpio.Pattern{
	0b0011,
	0b0110,
	0b1100,
	0b1001,
}

// Pattern returns the coil pattern for a step counter. Reverse walks the
// same cycle backwards.
func Pattern(step int, dir models.Direction) gpio.Pattern {
	n := len(sequence)
	idx := step % n
	if idx < 0 {
		idx += n
	}
	if dir == models.Reverse {
		idx = n - 1 - idx
	}
	return sequence[idx]
}
