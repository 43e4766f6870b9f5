package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mpataki/feeder/internal/config"
	"github.com/mpataki/feeder/internal/debug"
	"github.com/mpataki/feeder/internal/gpio"
	"github.com/mpataki/feeder/internal/models"
	"github.com/mpataki/feeder/internal/motion"
	"github.com/mpataki/feeder/internal/scheduler"
	"github.com/mpataki/feeder/internal/session"
	"github.com/mpataki/feeder/internal/storage"
)

// settings is the resolved data dir plus feeder.yaml.
type settings struct {
	cfg  *config.Config
	file *config.File
}

func loadSettings() (*settings, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	file, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	return &settings{cfg: cfg, file: file}, nil
}

func (s *settings) openStore() (*storage.Storage, error) {
	store, err := storage.New(s.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store.SetHistoryLimit(s.file.HistoryLimit)
	return store, nil
}

// schedule returns the saved schedule, falling back to feeder.yaml.
func (s *settings) schedule(store *storage.Storage) (models.ScheduleConfig, error) {
	saved, ok, err := store.LoadSchedule()
	if err != nil {
		return models.ScheduleConfig{}, fmt.Errorf("failed to load schedule: %w", err)
	}
	if ok {
		return saved, nil
	}
	return s.file.DefaultSchedule(), nil
}

// engine owns the hardware for the lifetime of one command.
type engine struct {
	*settings
	store     *storage.Storage
	port      gpio.Port
	session   *session.Session
	scheduler *scheduler.Scheduler
}

func openEngine() (*engine, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}

	store, err := s.openStore()
	if err != nil {
		return nil, err
	}

	port, err := gpio.Open(s.file.GPIO)
	if err != nil {
		if port == nil {
			store.Close()
			return nil, fmt.Errorf("failed to open gpio: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	debug.LogKV("engine", "gpio ready", "driver", s.file.GPIO.Driver, "pins", s.file.GPIO.Pins)

	runner := motion.NewRunner(port, s.file.Motor.StepDelay)
	cycler := motion.NewCycler(runner, s.file.Motor.SegmentPause)
	sess := session.New(cycler, store)

	sched, err := s.schedule(store)
	if err != nil {
		port.Close()
		store.Close()
		return nil, err
	}

	return &engine{
		settings:  s,
		store:     store,
		port:      port,
		session:   sess,
		scheduler: scheduler.New(sess, store, sched),
	}, nil
}

// Close stops any run, releases the coils and closes the database.
func (e *engine) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.session.Shutdown(ctx); err != nil {
		debug.LogKV("engine", "shutdown wait failed", "error", err)
	}
	if err := e.port.Close(); err != nil {
		debug.LogKV("engine", "gpio close failed", "error", err)
	}
	e.store.Close()
}
