package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/airship/internal/history"
	"github.com/loykin/airship/internal/lifecycle"
	"github.com/loykin/airship/internal/machine"
	"github.com/loykin/airship/internal/metrics"
	"github.com/loykin/airship/internal/registry"
)

const (
	// DefaultSchedule runs one scan per second. robfig/cron does not go below 1s.
	DefaultSchedule = "@every 1s"
	// DefaultPPSPerMachine is the packet rate one machine is expected to absorb.
	DefaultPPSPerMachine uint64 = 100
)

// Eviction is one stop or suspend dispatched by a scan.
type Eviction struct {
	ID     string         `json:"id"`
	Action machine.Action `json:"action"`
}

// Decision summarizes one scan cycle.
type Decision struct {
	Evicted []Eviction    `json:"evicted"`
	Started []string      `json:"started"`
	Packets uint64        `json:"packets"`
	Elapsed time.Duration `json:"elapsed"`
	// Target is the start count before clamping to eligible machines.
	Target int `json:"target"`
	// Running is the number of Started machines not being stopped, after eviction.
	Running int `json:"running"`
}

// Controller scans the registry on a schedule, evicting idle machines and
// starting stopped ones when traffic calls for it.
type Controller struct {
	reg      *registry.Registry
	client   lifecycle.Client
	pps      uint64
	schedule string
	now      func() time.Time
	logger   *slog.Logger
	recorder *history.Recorder

	// mu serializes scan decisions and guards inflight and lastScan.
	// It is never held across a lifecycle call.
	mu       sync.Mutex
	inflight map[string]machine.Action
	lastScan time.Time

	wg sync.WaitGroup
}

type Option func(*Controller)

func WithPPSPerMachine(n uint64) Option {
	return func(c *Controller) { c.pps = n }
}

// WithSchedule sets the cron spec used by Run, e.g. "@every 2s".
func WithSchedule(spec string) Option {
	return func(c *Controller) {
		if spec != "" {
			c.schedule = spec
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRecorder exports committed transitions and failed calls.
func WithRecorder(r *history.Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

func New(reg *registry.Registry, client lifecycle.Client, opts ...Option) *Controller {
	c := &Controller{
		reg:      reg,
		client:   client,
		pps:      DefaultPPSPerMachine,
		schedule: DefaultSchedule,
		now:      time.Now,
		logger:   slog.Default(),
		inflight: make(map[string]machine.Action),
	}
	for _, o := range opts {
		o(c)
	}
	c.lastScan = c.now()
	return c
}

// ValidateSchedule checks a cron spec the same way Run parses it.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid scan schedule %q: %w", spec, err)
	}
	return nil
}

// Run scans on the configured schedule until ctx is done, then waits for
// outstanding lifecycle calls. Overlapping ticks are skipped.
func (c *Controller) Run(ctx context.Context) error {
	cl := cron.PrintfLogger(slog.NewLogLogger(c.logger.Handler(), slog.LevelWarn))
	scheduler := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := scheduler.AddFunc(c.schedule, func() { c.ScanOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid scan schedule %q: %w", c.schedule, err)
	}

	c.logger.Info("autoscale controller started", "schedule", c.schedule, "pps_per_machine", c.pps)
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	c.Wait()
	c.logger.Info("autoscale controller stopped")
	return nil
}

// Wait blocks until every dispatched lifecycle call has returned.
func (c *Controller) Wait() { c.wg.Wait() }

// InFlight returns the outstanding transition per machine id.
func (c *Controller) InFlight() map[string]machine.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]machine.Action, len(c.inflight))
	for id, a := range c.inflight {
		out[id] = a
	}
	return out
}

// ScanOnce runs one eviction pass and one start pass. The start pass is
// skipped until at least a second has passed since the last one. Lifecycle
// calls are dispatched in the background and outlive ctx's cancellation.
func (c *Controller) ScanOnce(ctx context.Context) Decision {
	began := time.Now()
	callCtx := context.WithoutCancel(ctx)

	c.mu.Lock()
	now := c.now()
	snap := c.reg.Snapshot()

	d := Decision{Evicted: []Eviction{}, Started: []string{}}

	// Pass 1: idle eviction. running excludes machines already being stopped so
	// concurrent evictions can never take the fleet to zero.
	running := 0
	for _, rec := range snap {
		if rec.Status != machine.StatusStarted {
			continue
		}
		if a, busy := c.inflight[rec.ID]; busy && a != machine.ActionStart {
			continue
		}
		running++
	}
	for _, rec := range snap {
		if rec.Status != machine.StatusStarted {
			continue
		}
		if _, busy := c.inflight[rec.ID]; busy {
			continue
		}
		action, ok := rec.Config.AutoStop.Action()
		if !ok {
			continue
		}
		if rec.IdleFor(now) < rec.Config.StopTimeout() {
			continue
		}
		if running <= 1 {
			c.logger.Debug("keeping last running machine", "machine", rec.ID)
			break
		}
		c.dispatch(callCtx, rec, action)
		running--
		d.Evicted = append(d.Evicted, Eviction{ID: rec.ID, Action: action})
	}
	d.Running = running

	// Pass 2: load-based start. Rates are measured over whole seconds; a scan
	// less than a second after the previous one leaves the packets pending.
	d.Elapsed = now.Sub(c.lastScan)
	if d.Elapsed >= time.Second {
		d.Packets = c.reg.TakePackets()
		c.lastScan = now
		d.Target = MachinesToStart(d.Packets, c.pps, d.Elapsed)
	}
	for _, rec := range snap {
		if len(d.Started) >= d.Target {
			break
		}
		if rec.Status != machine.StatusStopped || !rec.Config.StartsAutomatically() {
			continue
		}
		if _, busy := c.inflight[rec.ID]; busy {
			continue
		}
		c.dispatch(callCtx, rec, machine.ActionStart)
		d.Started = append(d.Started, rec.ID)
	}
	inflight := len(c.inflight)
	c.mu.Unlock()

	started, stopped := c.reg.Counts()
	metrics.SetMachines(started, stopped)
	metrics.SetInflight(inflight)
	metrics.ObserveScan(time.Since(began).Seconds(), d.Target)

	if len(d.Evicted) > 0 || len(d.Started) > 0 {
		c.logger.Info("scan dispatched transitions",
			"evicted", len(d.Evicted), "started", len(d.Started),
			"packets", d.Packets, "target", d.Target, "running", d.Running)
	}
	return d
}

// dispatch marks rec in flight and calls the provider in the background.
// Callers hold c.mu.
func (c *Controller) dispatch(ctx context.Context, rec machine.Record, action machine.Action) {
	c.inflight[rec.ID] = action
	c.wg.Add(1)
	go c.call(ctx, rec, action)
}

func (c *Controller) call(ctx context.Context, rec machine.Record, action machine.Action) {
	defer c.wg.Done()
	err := lifecycle.Do(ctx, c.client, action, rec.ID, rec.Config.Signal())

	// Commit before releasing the in-flight marker so the next scan never sees
	// a finished call with the old status.
	committed := false
	if err == nil {
		committed = c.reg.CommitStatus(rec.ID, rec.Generation, action.Result())
	}

	c.mu.Lock()
	delete(c.inflight, rec.ID)
	n := len(c.inflight)
	c.mu.Unlock()
	metrics.SetInflight(n)

	if err != nil {
		metrics.IncLifecycleCall(string(action), "error")
		c.logger.Warn("lifecycle call failed", "machine", rec.ID, "action", action, "error", err)
		ev := history.NewEvent(history.EventCallFailed, rec.ID)
		ev.Action = string(action)
		ev.Error = err.Error()
		c.recorder.Record(ev)
		return
	}
	metrics.IncLifecycleCall(string(action), "ok")

	if !committed {
		c.logger.Info("machine re-registered during lifecycle call, result discarded", "machine", rec.ID, "action", action)
		return
	}
	c.logger.Info("machine transitioned", "machine", rec.ID, "action", action, "status", action.Result())
	ev := history.NewEvent(history.EventFor(action), rec.ID)
	ev.Action = string(action)
	c.recorder.Record(ev)
}
