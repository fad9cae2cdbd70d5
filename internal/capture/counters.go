package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// DefaultPollInterval is how often NICCounters samples the interface.
const DefaultPollInterval = time.Second

// NICCounters adds the growth of an interface's received-packet counter.
// It counts every protocol, not just UDP, and needs no privileges.
type NICCounters struct {
	iface    string
	interval time.Duration
	logger   *slog.Logger
	read     func(ctx context.Context, iface string) (uint64, error)
}

func NewNICCounters(iface string, interval time.Duration, logger *slog.Logger) *NICCounters {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NICCounters{iface: iface, interval: interval, logger: logger, read: packetsRecv}
}

func (s *NICCounters) Name() string { return KindCounters }

func (s *NICCounters) Run(ctx context.Context, c *Counter) error {
	prev, err := s.read(ctx, s.iface)
	if err != nil {
		return err
	}
	s.logger.Info("interface counter polling started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cur, err := s.read(ctx, s.iface)
			if err != nil {
				s.logger.Warn("read interface counters", "error", err)
				continue
			}
			c.Add(counterDelta(prev, cur))
			prev = cur
		}
	}
}

// counterDelta treats a decrease as a reset of the kernel counter.
func counterDelta(prev, cur uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}

func packetsRecv(ctx context.Context, iface string) (uint64, error) {
	stats, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("io counters: %w", err)
	}
	for _, s := range stats {
		if s.Name == iface {
			return s.PacketsRecv, nil
		}
	}
	return 0, fmt.Errorf("interface %q not found", iface)
}
