package webserver

import (
	"time"

	"github.com/mpataki/feeder/internal/models"
	"github.com/mpataki/feeder/internal/session"
)

type errorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Session  session.Snapshot      `json:"session"`
	Schedule models.ScheduleConfig `json:"schedule"`
	NextFeed *time.Time            `json:"next_feed,omitempty"`
	LastFeed *models.FeedRecord    `json:"last_feed,omitempty"`

	// FeedDefaults is what a feed request with no fields runs.
	FeedDefaults models.CyclePlan `json:"feed_defaults"`
}

// FeedRequest is the body of POST /api/feed. Omitted fields take the
// configured defaults.
type FeedRequest struct {
	Steps         *int   `json:"steps,omitempty"`
	Stutter       *bool  `json:"stutter,omitempty"`
	CycleForward  *int   `json:"cycle_forward,omitempty"`
	CycleBackward *int   `json:"cycle_backward,omitempty"`
	Direction     string `json:"direction,omitempty"`
}

// Plan merges the request over base.
func (r FeedRequest) Plan(base models.CyclePlan) (models.CyclePlan, error) {
	plan := base
	if r.Steps != nil {
		plan.TotalSteps = *r.Steps
	}
	if r.Stutter != nil {
		plan.Stutter = *r.Stutter
	}
	if r.CycleForward != nil {
		plan.CycleForward = *r.CycleForward
	}
	if r.CycleBackward != nil {
		plan.CycleBackward = *r.CycleBackward
	}
	if r.Direction != "" {
		dir, err := models.ParseDirection(r.Direction)
		if err != nil {
			return plan, err
		}
		plan.Direction = dir
		// a reverse move is a straight jam-clearing run
		if dir == models.Reverse && r.Stutter == nil {
			plan.Stutter = false
		}
	}
	return plan, plan.Validate()
}

// FeedResponse is returned with 202 Accepted.
type FeedResponse struct {
	RunID     int64            `json:"run_id"`
	Plan      models.CyclePlan `json:"plan"`
	StartedAt time.Time        `json:"started_at"`
}

type StopResponse struct {
	Stopped bool `json:"stopped"`
}
