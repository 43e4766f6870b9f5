package session

import (
	"context"
	"time"

	"github.com/mpataki/feeder/internal/models"
)

// Run is the handle for one started run.
type Run struct {
	ID        int64
	Trigger   models.Trigger
	Plan      models.CyclePlan
	StartedAt time.Time

	done   chan struct{}
	record *models.FeedRecord
}

// Done is closed once the run is recorded and the session is idle.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Record returns the feed record, or nil while the run is in flight.
func (r *Run) Record() *models.FeedRecord {
	select {
	case <-r.done:
		return r.record
	default:
		return nil
	}
}

func (r *Run) Wait(ctx context.Context) (*models.FeedRecord, error) {
	select {
	case <-r.done:
		return r.record, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
