package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mpataki/feeder/internal/gpio"
	"github.com/mpataki/feeder/internal/models"
	"github.com/mpataki/feeder/internal/motion"
	"github.com/mpataki/feeder/internal/storage"
	"gopkg.in/yaml.v3"
)

// File is the on-disk feeder.yaml.
type File struct {
	GPIO         gpio.Config    `yaml:"gpio"`
	Motor        MotorConfig    `yaml:"motor"`
	Feed         FeedConfig     `yaml:"feed"`
	Schedule     ScheduleConfig `yaml:"schedule"`
	Server       ServerConfig   `yaml:"server"`
	HistoryLimit int            `yaml:"history_limit"`
}

type MotorConfig struct {
	StepDelay    time.Duration `yaml:"step_delay"`
	SegmentPause time.Duration `yaml:"segment_pause"`
}

// DefaultFeedSteps is 512 full coil cycles. A step is one phase write.
const DefaultFeedSteps = 2048

const fileHeader = "# Step counts are single coil phases; 4 make one full cycle.\n"

type FeedConfig struct {
	Steps         int  `yaml:"steps"`
	Stutter       bool `yaml:"stutter"`
	CycleForward  int  `yaml:"cycle_forward"`
	CycleBackward int  `yaml:"cycle_backward"`
}

// ScheduleConfig seeds the schedule on first start. Once saved through the
// API, the stored row wins.
type ScheduleConfig struct {
	Time    models.TimeOfDay `yaml:"time"`
	Enabled bool             `yaml:"enabled"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	MDNS     bool   `yaml:"mdns"`
	MDNSName string `yaml:"mdns_name"`
}

func Defaults() *File {
	return &File{
		GPIO: gpio.DefaultConfig(),
		Motor: MotorConfig{
			StepDelay:    motion.DefaultStepDelay,
			SegmentPause: motion.DefaultSegmentPause,
		},
		Feed: FeedConfig{
			Steps:         DefaultFeedSteps,
			Stutter:       true,
			CycleForward:  512,
			CycleBackward: 128,
		},
		Schedule: ScheduleConfig{
			Time:    models.TimeOfDay{Hour: 8, Minute: 0},
			Enabled: false,
		},
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8080,
			MDNS:     true,
			MDNSName: "feeder",
		},
		HistoryLimit: storage.DefaultHistoryLimit,
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*File, error) {
	f := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func (f *File) Validate() error {
	if f.Motor.StepDelay < 0 {
		return fmt.Errorf("motor.step_delay must be >= 0")
	}
	if f.Motor.SegmentPause < 0 {
		return fmt.Errorf("motor.segment_pause must be >= 0")
	}
	if err := f.DefaultPlan().Validate(); err != nil {
		return fmt.Errorf("feed: %w", err)
	}
	if len(f.GPIO.Pins) != gpio.Lines {
		return fmt.Errorf("gpio.pins must list %d pins, got %d", gpio.Lines, len(f.GPIO.Pins))
	}
	switch f.GPIO.Driver {
	case gpio.DriverRPIO, gpio.DriverFirmata, gpio.DriverMock:
	default:
		return fmt.Errorf("unknown gpio.driver %q", f.GPIO.Driver)
	}
	if f.Server.Port <= 0 || f.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", f.Server.Port)
	}
	if f.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be > 0")
	}
	return nil
}

// DefaultPlan is the plan used when a caller does not supply one.
func (f *File) DefaultPlan() models.CyclePlan {
	return models.CyclePlan{
		TotalSteps:    f.Feed.Steps,
		Stutter:       f.Feed.Stutter,
		CycleForward:  f.Feed.CycleForward,
		CycleBackward: f.Feed.CycleBackward,
		Direction:     models.Forward,
	}
}

// DefaultSchedule is used until a schedule has been saved.
func (f *File) DefaultSchedule() models.ScheduleConfig {
	return models.ScheduleConfig{
		TriggerTime: f.Schedule.Time,
		Enabled:     f.Schedule.Enabled,
		Plan:        f.DefaultPlan(),
	}
}

// Addr is the listen address for the HTTP server.
func (f *File) Addr() string {
	return fmt.Sprintf("%s:%d", f.Server.Host, f.Server.Port)
}

// Write saves f as YAML, used by `feeder init`.
func (f *File) Write(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append([]byte(fileHeader), data...), 0644)
}
