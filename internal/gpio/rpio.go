package gpio

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"
)

// RPIO drives BCM-numbered header pins through /dev/gpiomem.
type RPIO struct {
	mu     sync.Mutex
	nums   [Lines]int
	pins   [Lines]rpio.Pin
	opened bool
}

func NewRPIO(pins [Lines]int) *RPIO {
	return &RPIO{nums: pins}
}

func (r *RPIO) Setup() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opened {
		return nil
	}
	if err := rpio.Open(); err != nil {
		return fmt.Errorf("rpio open: %w", err)
	}
	for i, n := range r.nums {
		r.pins[i] = rpio.Pin(n)
		r.pins[i].Output()
		r.pins[i].Low()
	}
	r.opened = true
	return nil
}

func (r *RPIO) SetPattern(p Pattern) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.opened {
		return ErrNotSetup
	}
	for i := 0; i < Lines; i++ {
		if p.Line(i) {
			r.pins[i].High()
		} else {
			r.pins[i].Low()
		}
	}
	return nil
}

func (r *RPIO) AllOff() error {
	return r.SetPattern(Off)
}

func (r *RPIO) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.opened {
		return nil
	}
	for i := range r.pins {
		r.pins[i].Low()
	}
	r.opened = false
	return rpio.Close()
}
