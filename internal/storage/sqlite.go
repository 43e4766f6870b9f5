package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/feeder/internal/models"
	_ "modernc.org/sqlite"
)

// DefaultHistoryLimit is how many feed records are kept.
const DefaultHistoryLimit = 5

type Storage struct {
	db           *sql.DB
	historyLimit int
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// The session and the scheduler write from different goroutines.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, historyLimit: DefaultHistoryLimit}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// SetHistoryLimit changes retention; n <= 0 keeps the default.
func (s *Storage) SetHistoryLimit(n int) {
	if n <= 0 {
		n = DefaultHistoryLimit
	}
	s.historyLimit = n
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS feeds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		trigger TEXT NOT NULL,
		reason TEXT NOT NULL,
		total_steps INTEGER NOT NULL,
		stutter INTEGER NOT NULL DEFAULT 0,
		cycle_forward INTEGER NOT NULL DEFAULT 0,
		cycle_backward INTEGER NOT NULL DEFAULT 0,
		direction TEXT NOT NULL DEFAULT 'forward',
		steps_moved INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS schedule (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		trigger_time TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 0,
		total_steps INTEGER NOT NULL,
		stutter INTEGER NOT NULL DEFAULT 0,
		cycle_forward INTEGER NOT NULL DEFAULT 0,
		cycle_backward INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_feeds_finished ON feeds(finished_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RecordFeed appends a record and trims history to the retention limit.
func (s *Storage) RecordFeed(rec *models.FeedRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var errText *string
	if rec.Error != "" {
		errText = &rec.Error
	}
	dir := rec.Plan.Direction
	if dir == "" {
		dir = models.Forward
	}

	result, err := tx.Exec(
		`INSERT INTO feeds (started_at, finished_at, trigger, reason, total_steps, stutter, cycle_forward, cycle_backward, direction, steps_moved, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.StartedAt, rec.FinishedAt, rec.Trigger, rec.Reason,
		rec.Plan.TotalSteps, rec.Plan.Stutter, rec.Plan.CycleForward, rec.Plan.CycleBackward, dir,
		rec.StepsMoved, errText,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(
		`DELETE FROM feeds WHERE id NOT IN (SELECT id FROM feeds ORDER BY id DESC LIMIT ?)`,
		s.historyLimit,
	); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	rec.ID = id
	return nil
}

// ListFeeds returns the newest records first.
func (s *Storage) ListFeeds(limit int) ([]*models.FeedRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, started_at, finished_at, trigger, reason, total_steps, stutter, cycle_forward, cycle_backward, direction, steps_moved, error
		 FROM feeds ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var feeds []*models.FeedRecord
	for rows.Next() {
		rec, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, rec)
	}

	return feeds, rows.Err()
}

// LastFeed returns the newest record, or nil when nothing has run yet.
func (s *Storage) LastFeed() (*models.FeedRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, started_at, finished_at, trigger, reason, total_steps, stutter, cycle_forward, cycle_backward, direction, steps_moved, error
		 FROM feeds ORDER BY id DESC LIMIT 1`,
	)
	rec, err := scanFeed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *Storage) ClearFeeds() error {
	_, err := s.db.Exec(`DELETE FROM feeds`)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFeed(row scanner) (*models.FeedRecord, error) {
	var rec models.FeedRecord
	var errText sql.NullString

	err := row.Scan(
		&rec.ID, &rec.StartedAt, &rec.FinishedAt, &rec.Trigger, &rec.Reason,
		&rec.Plan.TotalSteps, &rec.Plan.Stutter, &rec.Plan.CycleForward, &rec.Plan.CycleBackward,
		&rec.Plan.Direction, &rec.StepsMoved, &errText,
	)
	if err != nil {
		return nil, err
	}
	if errText.Valid {
		rec.Error = errText.String
	}
	return &rec, nil
}

// LoadSchedule returns the persisted schedule; ok is false when none was
// ever saved.
func (s *Storage) LoadSchedule() (cfg models.ScheduleConfig, ok bool, err error) {
	var at string
	row := s.db.QueryRow(
		`SELECT trigger_time, enabled, total_steps, stutter, cycle_forward, cycle_backward FROM schedule WHERE id = 1`,
	)
	err = row.Scan(&at, &cfg.Enabled, &cfg.Plan.TotalSteps, &cfg.Plan.Stutter, &cfg.Plan.CycleForward, &cfg.Plan.CycleBackward)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ScheduleConfig{}, false, nil
	}
	if err != nil {
		return models.ScheduleConfig{}, false, err
	}
	cfg.TriggerTime, err = models.ParseTimeOfDay(at)
	if err != nil {
		return models.ScheduleConfig{}, false, err
	}
	return cfg, true, nil
}

func (s *Storage) SaveSchedule(cfg models.ScheduleConfig) error {
	_, err := s.db.Exec(
		`INSERT INTO schedule (id, trigger_time, enabled, total_steps, stutter, cycle_forward, cycle_backward, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			trigger_time = excluded.trigger_time,
			enabled = excluded.enabled,
			total_steps = excluded.total_steps,
			stutter = excluded.stutter,
			cycle_forward = excluded.cycle_forward,
			cycle_backward = excluded.cycle_backward,
			updated_at = excluded.updated_at`,
		cfg.TriggerTime.String(), cfg.Enabled,
		cfg.Plan.TotalSteps, cfg.Plan.Stutter, cfg.Plan.CycleForward, cfg.Plan.CycleBackward,
		time.Now(),
	)
	return err
}

// FormatTimeAgo renders t relative to now for listings.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2 3:04 PM")
	}
}
