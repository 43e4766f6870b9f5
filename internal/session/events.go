package session

import (
	"time"

	"github.com/mpataki/feeder/internal/models"
	"github.com/mpataki/feeder/internal/motion"
)

type EventType string

const (
	EventStarted  EventType = "started"
	EventSegment  EventType = "segment"
	EventFinished EventType = "finished"
)

type Event struct {
	Type     EventType          `json:"type"`
	RunID    int64              `json:"run_id"`
	Trigger  models.Trigger     `json:"trigger"`
	Plan     models.CyclePlan   `json:"plan"`
	Progress *motion.Progress   `json:"progress,omitempty"`
	Record   *models.FeedRecord `json:"record,omitempty"`
	At       time.Time          `json:"at"`
}

// Subscribe returns a channel of session events and a cancel func. Events
// are dropped for subscribers that fall more than buffer events behind.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once bool
	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if once {
			return
		}
		once = true
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Session) publish(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
