package session

import (
	"time"

	"vampire-server/internal/proof"
)

// EventType distinguishes state changes from settled invocations.
type EventType string

const (
	EventState  EventType = "state"
	EventResult EventType = "result"
)

// Event is published for every transition of a session. Result events carry
// the parsed lines of the invocation that caused them.
type Event struct {
	// Seq numbers the events of one session from 1 without gaps.
	Seq       uint64        `json:"seq"`
	SessionID string        `json:"sessionId"`
	Type      EventType     `json:"type"`
	State     State         `json:"state"`
	Outcome   proof.Outcome `json:"outcome,omitempty"`
	Lines     []proof.Line  `json:"-"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// backlog holds the newest events of a session for subscribers that join
// late. It has no lock of its own; the owning managedSession guards it.
type backlog struct {
	events []Event
	limit  int
	seq    uint64
}

func newBacklog(limit int) *backlog {
	if limit < 1 {
		limit = 1
	}
	return &backlog{events: make([]Event, 0, limit), limit: limit}
}

// add numbers ev, keeps it, and evicts the oldest event once the limit is
// exceeded. It returns the numbered event.
func (b *backlog) add(ev Event) Event {
	b.seq++
	ev.Seq = b.seq
	if len(b.events) == b.limit {
		copy(b.events, b.events[1:])
		b.events = b.events[:b.limit-1]
	}
	b.events = append(b.events, ev)
	return ev
}

// snapshot returns the kept events, oldest first.
func (b *backlog) snapshot() []Event {
	return append([]Event(nil), b.events...)
}
