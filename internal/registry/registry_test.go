package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loykin/airship/internal/machine"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRegisterCreatesStartedRecord(t *testing.T) {
	clk := newFakeClock()
	r := New(WithClock(clk.Now))
	r.Register("m1", machine.Config{AutoStop: machine.AutostopStop})

	rec, ok := r.Get("m1")
	if !ok {
		t.Fatalf("record missing")
	}
	if rec.Status != machine.StatusStarted {
		t.Fatalf("status = %s", rec.Status)
	}
	if !rec.LastHeartbeat.Equal(clk.Now()) {
		t.Fatalf("last heartbeat = %s", rec.LastHeartbeat)
	}
	if rec.Generation != 1 {
		t.Fatalf("generation = %d", rec.Generation)
	}
}

func TestReRegisterResetsHeartbeatAndForcesStarted(t *testing.T) {
	clk := newFakeClock()
	r := New(WithClock(clk.Now))
	r.Register("m1", machine.Config{AutoStop: machine.AutostopStop})
	rec, _ := r.Get("m1")
	if !r.CommitStatus("m1", rec.Generation, machine.StatusStopped) {
		t.Fatalf("commit failed")
	}

	clk.Advance(90 * time.Second)
	r.Register("m1", machine.Config{AutoStop: machine.AutostopSuspend})

	rec, _ = r.Get("m1")
	if rec.Status != machine.StatusStarted {
		t.Fatalf("status = %s, want started", rec.Status)
	}
	if !rec.LastHeartbeat.Equal(clk.Now()) {
		t.Fatalf("heartbeat not reset")
	}
	if rec.Config.AutoStop != machine.AutostopSuspend {
		t.Fatalf("config not replaced: %+v", rec.Config)
	}
	if r.Len() != 1 {
		t.Fatalf("re-register must not duplicate records")
	}
}

func TestHeartbeatUnknownMachine(t *testing.T) {
	r := New()
	err := r.RecordHeartbeat("ghost", 50)
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	// the packets still count toward load
	if got := r.PendingPackets(); got != 50 {
		t.Fatalf("pending packets = %d, want 50", got)
	}
}

func TestRegisterThenHeartbeat(t *testing.T) {
	clk := newFakeClock()
	r := New(WithClock(clk.Now))
	r.Register("m1", machine.Config{})
	clk.Advance(10 * time.Second)
	if err := r.RecordHeartbeat("m1", 7); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	rec, _ := r.Get("m1")
	if !rec.LastHeartbeat.Equal(clk.Now()) {
		t.Fatalf("heartbeat timestamp not updated")
	}
	if got := r.TakePackets(); got != 7 {
		t.Fatalf("take = %d", got)
	}
	if got := r.TakePackets(); got != 0 {
		t.Fatalf("counter not reset: %d", got)
	}
}

func TestCommitStatusIgnoresStaleGeneration(t *testing.T) {
	r := New()
	r.Register("m1", machine.Config{})
	rec, _ := r.Get("m1")
	r.Register("m1", machine.Config{})
	if r.CommitStatus("m1", rec.Generation, machine.StatusStopped) {
		t.Fatalf("stale commit applied")
	}
	if got, _ := r.Get("m1"); got.Status != machine.StatusStarted {
		t.Fatalf("status = %s", got.Status)
	}
	if r.CommitStatus("nope", 1, machine.StatusStopped) {
		t.Fatalf("commit on unknown id applied")
	}
}

func TestSnapshotKeepsRegistrationOrder(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		r.Register(id, machine.Config{})
	}
	r.Register("a", machine.Config{})
	snap := r.Snapshot()
	got := []string{snap[0].ID, snap[1].ID, snap[2].ID}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestCounts(t *testing.T) {
	r := New()
	r.Register("a", machine.Config{})
	r.Register("b", machine.Config{})
	rec, _ := r.Get("b")
	r.CommitStatus("b", rec.Generation, machine.StatusStopped)
	started, stopped := r.Counts()
	if started != 1 || stopped != 1 {
		t.Fatalf("counts = %d/%d", started, stopped)
	}
}

func TestConcurrentHeartbeats(t *testing.T) {
	r := New()
	for i := 0; i < 10; i++ {
		r.Register(fmt.Sprintf("m%d", i), machine.Config{})
	}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = r.RecordHeartbeat(fmt.Sprintf("m%d", i), 1)
				_ = r.Snapshot()
			}
		}(i)
	}
	wg.Wait()
	if got := r.TakePackets(); got != 1000 {
		t.Fatalf("packets = %d, want 1000", got)
	}
}
