//go:build !linux

package capture

import (
	"context"
	"log/slog"
)

// RawSource needs AF_PACKET and is only available on Linux.
type RawSource struct {
	iface  string
	logger *slog.Logger
}

func (s *RawSource) Name() string { return KindCapture }

func (s *RawSource) Run(context.Context, *Counter) error { return ErrUnsupported }
