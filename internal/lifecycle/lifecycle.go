package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loykin/airship/internal/machine"
)

// ErrCallFailed marks any lifecycle call that did not reach the requested state.
// The controller leaves the machine as it was and re-evaluates on the next scan.
var ErrCallFailed = errors.New("lifecycle call failed")

// Client starts, stops and suspends machines on the provider.
// Implementations must treat "already in that state" as success.
type Client interface {
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id, signal string) error
	Suspend(ctx context.Context, id, signal string) error
}

// CallError describes a failed provider call.
type CallError struct {
	Action     machine.Action
	MachineID  string
	StatusCode int    // 0 for transport errors
	Body       string // truncated response body
	Err        error  // transport error, if any
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s machine %s: %v", e.Action, e.MachineID, e.Err)
	}
	return fmt.Sprintf("%s machine %s: status %d: %s", e.Action, e.MachineID, e.StatusCode, e.Body)
}

func (e *CallError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrCallFailed, e.Err}
	}
	return []error{ErrCallFailed}
}

// Do performs action against c.
func Do(ctx context.Context, c Client, action machine.Action, id, signal string) error {
	switch action {
	case machine.ActionStart:
		return c.Start(ctx, id)
	case machine.ActionStop:
		return c.Stop(ctx, id, signal)
	case machine.ActionSuspend:
		return c.Suspend(ctx, id, signal)
	default:
		return fmt.Errorf("%w: unknown action %q", ErrCallFailed, action)
	}
}

// DryRun logs every call and reports success. Useful for running the controller
// locally without provider credentials.
type DryRun struct {
	Logger *slog.Logger
}

func (d DryRun) log() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d DryRun) Start(_ context.Context, id string) error {
	d.log().Info("dry-run start", "machine", id)
	return nil
}

func (d DryRun) Stop(_ context.Context, id, signal string) error {
	d.log().Info("dry-run stop", "machine", id, "signal", signal)
	return nil
}

func (d DryRun) Suspend(_ context.Context, id, signal string) error {
	d.log().Info("dry-run suspend", "machine", id, "signal", signal)
	return nil
}
