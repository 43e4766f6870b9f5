package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

type TimeOfDay struct {
	Hour   int
	Minute int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidSchedule, s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("%w: bad hour in %q", ErrInvalidSchedule, s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: bad minute in %q", ErrInvalidSchedule, s)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Matches reports whether now falls inside the trigger minute.
func (t TimeOfDay) Matches(now time.Time) bool {
	return now.Hour() == t.Hour && now.Minute() == t.Minute
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Next returns the next time at or after now that matches t.
func (t TimeOfDay) Next(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, 0, 0, now.Location())
	if next.Before(now.Truncate(time.Minute)) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

type ScheduleConfig struct {
	TriggerTime TimeOfDay `json:"trigger_time"`
	Enabled     bool      `json:"enabled"`
	Plan        CyclePlan `json:"plan"`
}

// ScheduleUpdate is a partial update; nil fields keep their current value.
type ScheduleUpdate struct {
	TriggerTime *TimeOfDay `json:"trigger_time,omitempty"`
	Enabled     *bool      `json:"enabled,omitempty"`
	Plan        *CyclePlan `json:"plan,omitempty"`
}

func (c ScheduleConfig) Apply(u ScheduleUpdate) (ScheduleConfig, error) {
	out := c
	if u.TriggerTime != nil {
		out.TriggerTime = *u.TriggerTime
	}
	if u.Enabled != nil {
		out.Enabled = *u.Enabled
	}
	if u.Plan != nil {
		if err := u.Plan.Validate(); err != nil {
			return c, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		out.Plan = *u.Plan
	}
	return out, nil
}
