package machine

import "time"

// Status is the controller's view of a machine. Suspended machines are Stopped.
type Status string

const (
	StatusStarted Status = "started"
	StatusStopped Status = "stopped"
)

// Action is a call made against the lifecycle provider.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionSuspend Action = "suspend"
)

// Result is the status a machine has once the action succeeded.
func (a Action) Result() Status {
	if a == ActionStart {
		return StatusStarted
	}
	return StatusStopped
}

// Transition names the in-flight state shown while the action is outstanding.
func (a Action) Transition() string {
	switch a {
	case ActionStart:
		return "starting"
	case ActionStop:
		return "stopping"
	case ActionSuspend:
		return "suspending"
	default:
		return ""
	}
}

// Record is a copy of one registry entry.
type Record struct {
	ID            string    `json:"id"`
	Config        Config    `json:"config"`
	Status        Status    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	RegisteredAt  time.Time `json:"registered_at"`
	// Generation increases on every Register; lifecycle results carrying an
	// older generation are discarded.
	Generation uint64 `json:"generation"`
}

// IdleFor reports how long the machine has gone without a heartbeat.
func (r Record) IdleFor(now time.Time) time.Duration {
	d := now.Sub(r.LastHeartbeat)
	if d < 0 {
		return 0
	}
	return d
}
