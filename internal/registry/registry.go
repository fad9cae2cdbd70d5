package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/airship/internal/machine"
)

// ErrNotRegistered is returned for heartbeats from machines the controller has never seen.
var ErrNotRegistered = errors.New("machine not registered")

// Registry holds per-machine state for the controller.
// All record access goes through mu; the packet counter is independent of it so
// heartbeat ingestion never waits on a scan.
type Registry struct {
	mu       sync.RWMutex
	machines map[string]*machine.Record
	// registration order of first Register call
	order []string

	packets atomic.Uint64
	now     func() time.Time
}

type Option func(*Registry)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		machines: make(map[string]*machine.Record),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register creates or overwrites the record for id. The machine is considered
// Started and freshly heard from regardless of what the registry knew before.
func (r *Registry) Register(id string, cfg machine.Config) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.machines[id]
	if !ok {
		rec = &machine.Record{ID: id}
		r.machines[id] = rec
		r.order = append(r.order, id)
	}
	rec.Config = cfg
	rec.Status = machine.StatusStarted
	rec.LastHeartbeat = now
	rec.RegisteredAt = now
	rec.Generation++
}

// RecordHeartbeat adds packets to the fleet-wide counter and refreshes the
// machine's heartbeat. The counter is bumped before the lookup, so traffic from
// an unregistered machine still feeds the load signal.
func (r *Registry) RecordHeartbeat(id string, packets uint64) error {
	r.packets.Add(packets)
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.machines[id]
	if !ok {
		return ErrNotRegistered
	}
	rec.LastHeartbeat = now
	return nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (machine.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.machines[id]
	if !ok {
		return machine.Record{}, false
	}
	return *rec, true
}

// Snapshot copies every record in registration order.
func (r *Registry) Snapshot() []machine.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]machine.Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.machines[id])
	}
	return out
}

// Counts returns the number of Started and Stopped records.
func (r *Registry) Counts() (started, stopped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.machines {
		if rec.Status == machine.StatusStarted {
			started++
		} else {
			stopped++
		}
	}
	return started, stopped
}

// CommitStatus applies the outcome of a lifecycle call. It is skipped when the
// machine re-registered after the call was dispatched (generation changed).
func (r *Registry) CommitStatus(id string, generation uint64, status machine.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.machines[id]
	if !ok || rec.Generation != generation {
		return false
	}
	rec.Status = status
	return true
}

// TakePackets returns the packets counted since the previous call and resets the counter.
func (r *Registry) TakePackets() uint64 { return r.packets.Swap(0) }

// PendingPackets returns the current counter without resetting it.
func (r *Registry) PendingPackets() uint64 { return r.packets.Load() }

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}
