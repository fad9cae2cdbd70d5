package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/airship/internal/machine"
)

// EventType defines the kind of scaling event.
type EventType string

const (
	EventRegistered EventType = "machine.registered"
	EventStarted    EventType = "machine.started"
	EventStopped    EventType = "machine.stopped"
	EventSuspended  EventType = "machine.suspended"
	EventCallFailed EventType = "lifecycle.failed"
)

// EventFor maps a successful lifecycle action to its event type.
func EventFor(a machine.Action) EventType {
	switch a {
	case machine.ActionStart:
		return EventStarted
	case machine.ActionSuspend:
		return EventSuspended
	default:
		return EventStopped
	}
}

// Event represents a scaling event to be exported to external systems.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	MachineID  string    `json:"machine_id"`
	Action     string    `json:"action,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Error      string    `json:"error,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current UTC time.
func NewEvent(t EventType, machineID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		MachineID:  machineID,
		OccurredAt: time.Now().UTC(),
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to every configured sink in the background.
// Sink failures are logged and never reach the caller.
type Recorder struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: append([]Sink(nil), sinks...), logger: logger, timeout: 5 * time.Second}
}

// Record sends e to all sinks asynchronously. A nil Recorder drops the event.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	for _, s := range r.sinks {
		r.wg.Add(1)
		go func(s Sink) {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if err := s.Send(ctx, e); err != nil {
				r.logger.Warn("history sink send failed", "event", e.Type, "machine", e.MachineID, "error", err)
			}
		}(s)
	}
}

// Flush waits for outstanding sends.
func (r *Recorder) Flush() {
	if r == nil {
		return
	}
	r.wg.Wait()
}

// Close flushes and closes every sink that supports it.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.Flush()
	var firstErr error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
