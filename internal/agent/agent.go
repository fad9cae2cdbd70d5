// Package agent runs on each worker machine and reports its traffic to the
// controller.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/airship/internal/capture"
	"github.com/loykin/airship/internal/machine"
	"github.com/loykin/airship/pkg/client"
)

// DefaultInterval is how often the agent reports its packet count.
const DefaultInterval = 30 * time.Second

// Reporter is the part of the controller API the agent uses.
type Reporter interface {
	Register(ctx context.Context, machineID string, cfg client.MachineConfig) error
	Heartbeat(ctx context.Context, machineID string, packets uint64) error
}

type Options struct {
	MachineID string
	Machine   machine.Config
	Interval  time.Duration
	// Timeout bounds each register or heartbeat call. Zero leaves it to the client.
	Timeout time.Duration
	Logger  *slog.Logger
}

type Agent struct {
	reporter Reporter
	source   capture.Source
	counter  capture.Counter

	id       string
	cfg      client.MachineConfig
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func New(r Reporter, src capture.Source, opts Options) *Agent {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Agent{
		reporter: r,
		source:   src,
		id:       opts.MachineID,
		cfg:      WireConfig(opts.Machine),
		interval: opts.Interval,
		timeout:  opts.Timeout,
		logger:   opts.Logger.With("component", "agent", "machine", opts.MachineID),
	}
}

// WireConfig converts a machine policy into its register payload.
func WireConfig(c machine.Config) client.MachineConfig {
	out := client.MachineConfig{
		AutoStart:              c.AutoStart,
		AutoStopTimeoutSeconds: c.AutoStopTimeoutSeconds,
		StopSignal:             c.StopSignal,
	}
	if c.AutoStop != "" {
		p := string(c.AutoStop)
		out.AutoStop = &p
	}
	return out
}

// Run registers once, then counts packets and reports them every interval
// until ctx is done. A failed initial register aborts Run.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return fmt.Errorf("initial register: %w", err)
	}
	a.logger.Info("agent registered", "source", a.source.Name(), "interval", a.interval)

	srcCtx, stopSource := context.WithCancel(ctx)
	defer stopSource()
	srcErr := make(chan error, 1)
	go func() { srcErr <- a.source.Run(srcCtx, &a.counter) }()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopped")
			return nil
		case err := <-srcErr:
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = errors.New("exited")
			}
			return fmt.Errorf("packet source %s: %w", a.source.Name(), err)
		case <-ticker.C:
			_ = a.Report(ctx)
		}
	}
}

// Report sends the packets counted since the last report. Nothing is sent
// when the count is zero. A controller that does not know the machine gets a
// fresh register; a count that never reached the controller is kept for the
// next report.
func (a *Agent) Report(ctx context.Context) error {
	n := a.counter.Swap()
	if n == 0 {
		a.logger.Debug("no packets since last report")
		return nil
	}

	err := a.heartbeat(ctx, n)
	switch {
	case err == nil:
		a.logger.Debug("heartbeat sent", "packets", n)
		return nil
	case errors.Is(err, client.ErrNotRegistered):
		a.logger.Warn("controller does not know this machine, registering again")
		if rerr := a.register(ctx); rerr != nil {
			a.logger.Error("re-register failed", "error", rerr)
			return rerr
		}
		return nil
	default:
		var apiErr *client.APIError
		if !errors.As(err, &apiErr) {
			a.counter.Add(n)
		}
		a.logger.Warn("heartbeat failed", "packets", n, "error", err)
		return err
	}
}

// Pending returns the packets counted but not yet reported.
func (a *Agent) Pending() uint64 { return a.counter.Load() }

func (a *Agent) register(ctx context.Context) error {
	ctx, cancel := a.callContext(ctx)
	defer cancel()
	return a.reporter.Register(ctx, a.id, a.cfg)
}

func (a *Agent) heartbeat(ctx context.Context, n uint64) error {
	ctx, cancel := a.callContext(ctx)
	defer cancel()
	return a.reporter.Heartbeat(ctx, a.id, n)
}

func (a *Agent) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}
