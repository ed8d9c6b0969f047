package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/boardforge/boardforge-backend/internal/pkg/logger"
)

const subscriptionBuffer = 16

// terminalRetention is how long the final event of a finished job stays
// replayable before it is evicted. Long enough for a client that was mid
//-reconnect when the job finished to still see the outcome.
const terminalRetention = 5 * time.Minute

// Subscription is one listener on a single job's event stream. C is closed
// after the terminal event has been delivered or when Close is called.
type Subscription struct {
	C chan Event

	jobID  uuid.UUID
	hub    *Hub
	closed bool
}

// Close detaches the subscription. Safe to call more than once and safe to
// call after the hub already closed the channel.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// Hub fans events out to subscribers in-process. It keeps the most recent
// event per job so a subscriber that attaches late still learns the current
// state, including after the job finished.
type Hub struct {
	mu        sync.Mutex
	log       *logger.Logger
	subs      map[uuid.UUID]map[*Subscription]struct{}
	last      map[uuid.UUID]Event
	retention time.Duration
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:       log.With("component", "progress_hub"),
		subs:      make(map[uuid.UUID]map[*Subscription]struct{}),
		last:      make(map[uuid.UUID]Event),
		retention: terminalRetention,
	}
}

// Subscribe attaches a listener to jobID. If the job already emitted events
// the latest one is replayed immediately; if that event was terminal the
// channel is closed right after the replay.
func (h *Hub) Subscribe(jobID uuid.UUID) *Subscription {
	sub := &Subscription{
		C:     make(chan Event, subscriptionBuffer),
		jobID: jobID,
		hub:   h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if last, ok := h.last[jobID]; ok {
		sub.C <- last
		if last.Terminal() {
			sub.closed = true
			close(sub.C)
			return sub
		}
	}
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[jobID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.jobID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.jobID)
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.C)
	}
}

// Publish records the event and delivers it to every subscriber of the job.
// Publishing after a terminal event is a bug in the caller and is rejected.
func (h *Hub) Publish(e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if last, ok := h.last[e.JobID]; ok && last.Terminal() {
		h.log.Error("event published after terminal state",
			"jobID", e.JobID, "status", e.Status, "terminal", last.Status)
		return fmt.Errorf("job %s already reached terminal state %s", e.JobID, last.Status)
	}
	h.last[e.JobID] = e

	for sub := range h.subs[e.JobID] {
		select {
		case sub.C <- e:
		default:
			// Slow subscriber: drop its oldest pending event so the
			// newest state always gets through.
			select {
			case <-sub.C:
			default:
			}
			sub.C <- e
		}
		if e.Terminal() {
			sub.closed = true
			close(sub.C)
		}
	}
	if e.Terminal() {
		delete(h.subs, e.JobID)
		// Terminal is the last word on this job; evict the replay entry
		// after the retention window so finished jobs do not accumulate.
		jobID := e.JobID
		time.AfterFunc(h.retention, func() { h.Forget(jobID) })
	}
	return nil
}

// Forget drops the retained last event for a job. Called once a finished
// job ages out of the API surface.
func (h *Hub) Forget(jobID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.last, jobID)
}
