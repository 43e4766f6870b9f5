// Package gpio drives the four coil lines of the feeder stepper.
//
// Core code only sees the Port interface. Concrete ports talk to the
// Raspberry Pi header (RPIO), to an Arduino running StandardFirmata
// (Firmata), or to nothing at all (Mock).
package gpio

import (
	"errors"
	"fmt"
	"strings"
)

// Lines is the number of coil drive lines.
const Lines = 4

var ErrNotSetup = errors.New("gpio: port not set up")

// Pattern is a 4-bit coil activation pattern; bit i drives line i.
type Pattern uint8

// Off is the all-lines-low safe state.
const Off Pattern = 0

func (p Pattern) Line(i int) bool {
	return p&(1<<uint(i)) != 0
}

func (p Pattern) String() string {
	var b strings.Builder
	for i := 0; i < Lines; i++ {
		if p.Line(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// Port is the hardware boundary. Setup configures the lines as outputs and
// is safe to call more than once. AllOff must be idempotent.
type Port interface {
	Setup() error
	SetPattern(p Pattern) error
	AllOff() error
	Close() error
}

const (
	DriverRPIO    = "rpio"
	DriverFirmata = "firmata"
	DriverMock    = "mock"
)

type Config struct {
	Driver     string `yaml:"driver"`
	Pins       []int  `yaml:"pins"`
	SerialPort string `yaml:"serial_port"`
	Baud       int    `yaml:"baud"`
	// FallbackToMock substitutes a Mock when the hardware cannot be opened.
	FallbackToMock bool `yaml:"fallback_to_mock"`
}

func DefaultConfig() Config {
	return Config{
		Driver:         DriverRPIO,
		Pins:           []int{17, 18, 27, 22},
		SerialPort:     "/dev/ttyACM0",
		Baud:           57600,
		FallbackToMock: true,
	}
}

func (c Config) pins() ([Lines]int, error) {
	var out [Lines]int
	if len(c.Pins) != Lines {
		return out, fmt.Errorf("gpio: need %d pins, got %d", Lines, len(c.Pins))
	}
	copy(out[:], c.Pins)
	return out, nil
}

// Open builds and sets up the configured port. When the hardware is
// unavailable and FallbackToMock is set, a Mock is returned together with
// the open error so the caller can log it.
func Open(cfg Config) (Port, error) {
	port, err := open(cfg)
	if err == nil {
		err = port.Setup()
		if err == nil {
			return port, nil
		}
		port.Close()
	}
	if cfg.FallbackToMock {
		mock := NewMock()
		mock.Setup()
		return mock, fmt.Errorf("gpio: %s unavailable, using mock: %w", cfg.Driver, err)
	}
	return nil, err
}

func open(cfg Config) (Port, error) {
	switch cfg.Driver {
	case "", DriverRPIO:
		pins, err := cfg.pins()
		if err != nil {
			return nil, err
		}
		return NewRPIO(pins), nil
	case DriverFirmata:
		pins, err := cfg.pins()
		if err != nil {
			return nil, err
		}
		return NewFirmata(cfg.SerialPort, cfg.Baud, pins), nil
	case DriverMock:
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("gpio: unknown driver %q", cfg.Driver)
	}
}
