package gpio

import (
	"errors"
	"sync"
)

var ErrInjectedFault = errors.New("gpio: injected fault")

// Mock records every write instead of touching hardware. It stands in for
// the real port on machines without a GPIO header.
type Mock struct {
	mu        sync.Mutex
	setups    int
	writes    []Pattern
	offCalls  int
	current   Pattern
	failAfter int
	closed    bool
}

func NewMock() *Mock {
	return &Mock{failAfter: -1}
}

// FailAfter makes SetPattern return ErrInjectedFault once n patterns have
// been written. A negative n disables the fault.
func (m *Mock) FailAfter(n int) {
	m.mu.Lock()
	m.failAfter = n
	m.mu.Unlock()
}

func (m *Mock) Setup() error {
	m.mu.Lock()
	m.setups++
	m.mu.Unlock()
	return nil
}

func (m *Mock) SetPattern(p Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAfter >= 0 && len(m.writes) >= m.failAfter {
		return ErrInjectedFault
	}
	m.writes = append(m.writes, p)
	m.current = p
	return nil
}

func (m *Mock) AllOff() error {
	m.mu.Lock()
	m.offCalls++
	m.current = Off
	m.mu.Unlock()
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.current = Off
	m.mu.Unlock()
	return nil
}

// Writes returns a copy of every pattern written so far.
func (m *Mock) Writes() []Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Pattern(nil), m.writes...)
}

func (m *Mock) Current() Pattern {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Mock) OffCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offCalls
}

func (m *Mock) Reset() {
	m.mu.Lock()
	m.writes = nil
	m.offCalls = 0
	m.current = Off
	m.mu.Unlock()
}
