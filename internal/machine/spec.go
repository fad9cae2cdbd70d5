package machine

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultAutoStopTimeout applies when a machine registers without auto_stop_timeout_seconds.
const DefaultAutoStopTimeout = 60 * time.Second

// maxTimeoutSeconds is the largest auto_stop_timeout_seconds a time.Duration can hold.
const maxTimeoutSeconds = uint64(math.MaxInt64 / int64(time.Second))

// AutostopPolicy selects what the controller does with an idle machine.
// The empty value means the agent sent null and behaves like AutostopNone.
type AutostopPolicy string

const (
	AutostopStop    AutostopPolicy = "Stop"
	AutostopSuspend AutostopPolicy = "Suspend"
	AutostopNone    AutostopPolicy = "None"
)

// ParseAutostopPolicy accepts the wire names case-insensitively.
func ParseAutostopPolicy(s string) (AutostopPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "stop":
		return AutostopStop, nil
	case "suspend":
		return AutostopSuspend, nil
	case "none":
		return AutostopNone, nil
	default:
		return "", fmt.Errorf("unknown auto_stop policy %q (want Stop, Suspend or None)", s)
	}
}

func (p *AutostopPolicy) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*p = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("auto_stop: %w", err)
	}
	v, err := ParseAutostopPolicy(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func (p AutostopPolicy) MarshalJSON() ([]byte, error) {
	if p == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(p))
}

// Action returns the lifecycle action for this policy, or false when idle
// machines are left alone.
func (p AutostopPolicy) Action() (Action, bool) {
	switch p {
	case AutostopStop:
		return ActionStop, true
	case AutostopSuspend:
		return ActionSuspend, true
	default:
		return "", false
	}
}

// Config is what an agent sends when it registers its machine.
// Nil fields were null on the wire.
type Config struct {
	AutoStop               AutostopPolicy `json:"auto_stop" mapstructure:"auto_stop"`
	AutoStart              *bool          `json:"auto_start" mapstructure:"auto_start"`
	AutoStopTimeoutSeconds *uint64        `json:"auto_stop_timeout_seconds" mapstructure:"auto_stop_timeout_seconds"`
	StopSignal             *string        `json:"stop_signal" mapstructure:"stop_signal"`
}

// StopTimeout is how long a machine may go without a heartbeat before it is idle.
// Timeouts beyond what a time.Duration can hold saturate to the maximum.
func (c Config) StopTimeout() time.Duration {
	if c.AutoStopTimeoutSeconds == nil {
		return DefaultAutoStopTimeout
	}
	if *c.AutoStopTimeoutSeconds > maxTimeoutSeconds {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(*c.AutoStopTimeoutSeconds) * time.Second
}

func (c Config) StartsAutomatically() bool {
	return c.AutoStart != nil && *c.AutoStart
}

func (c Config) Signal() string {
	if c.StopSignal == nil {
		return ""
	}
	return *c.StopSignal
}

// Validate rejects policies that did not come through ParseAutostopPolicy.
func (c Config) Validate() error {
	switch c.AutoStop {
	case "", AutostopStop, AutostopSuspend, AutostopNone:
		return nil
	default:
		_, err := ParseAutostopPolicy(string(c.AutoStop))
		return err
	}
}
