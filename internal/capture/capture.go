// Package capture counts the traffic a machine receives.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrUnsupported is returned by sources that cannot run on this platform.
var ErrUnsupported = errors.New("packet source not supported on this platform")

// Counter accumulates packets between reports. Safe for concurrent use.
type Counter struct {
	n atomic.Uint64
}

func (c *Counter) Add(n uint64) { c.n.Add(n) }

// Swap returns the count and resets it to zero.
func (c *Counter) Swap() uint64 { return c.n.Swap(0) }

// Load returns the current count without resetting it.
func (c *Counter) Load() uint64 { return c.n.Load() }

// Source feeds a Counter until ctx is done.
type Source interface {
	Run(ctx context.Context, c *Counter) error
	Name() string
}

const (
	KindCapture  = "capture"
	KindCounters = "counters"
)

// Options selects and tunes a Source.
type Options struct {
	Kind      string
	Interface string
	// PollInterval applies to the counters source.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// New returns the source named by opts.Kind.
func New(opts Options) (Source, error) {
	if opts.Interface == "" {
		return nil, errors.New("capture: interface name is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "capture", "interface", opts.Interface)
	switch opts.Kind {
	case "", KindCapture:
		return &RawSource{iface: opts.Interface, logger: logger}, nil
	case KindCounters:
		return NewNICCounters(opts.Interface, opts.PollInterval, logger), nil
	default:
		return nil, fmt.Errorf("capture: unknown source %q", opts.Kind)
	}
}
