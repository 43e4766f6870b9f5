package models

import "time"

type FeedRecord struct {
	ID         int64            `json:"id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Trigger    Trigger          `json:"trigger"`
	Reason     CompletionReason `json:"reason"`
	Plan       CyclePlan        `json:"plan"`
	StepsMoved int              `json:"steps_moved"`
	Error      string           `json:"error,omitempty"`
}

func (r *FeedRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
