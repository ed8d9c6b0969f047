// Package progress delivers per-job status events to subscribers, with
// last-event replay for late joiners and cross-process fan-out over redis.
package progress

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Event is one observable step of a generation job. Progress is a percentage
// in [0,100]; Phase is a short machine label, Message is for humans.
type Event struct {
	JobID     uuid.UUID `json:"job_id"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Phase     string    `json:"phase,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether no further events can follow this one.
func (e Event) Terminal() bool {
	switch e.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Publisher is the write side of the event stream. The hub implements it
// directly; the redis bus implements it for multi-process deployments.
type Publisher interface {
	Publish(e Event) error
}
