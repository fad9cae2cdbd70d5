package machine

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestConfigDecodeWireFormat(t *testing.T) {
	data := `{"auto_stop":"Suspend","auto_start":true,"auto_stop_timeout_seconds":120,"stop_signal":"SIGINT"}`
	var c Config
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.AutoStop != AutostopSuspend {
		t.Fatalf("auto_stop = %q", c.AutoStop)
	}
	if !c.StartsAutomatically() {
		t.Fatalf("expected auto_start")
	}
	if c.StopTimeout() != 120*time.Second {
		t.Fatalf("timeout = %s", c.StopTimeout())
	}
	if c.Signal() != "SIGINT" {
		t.Fatalf("signal = %q", c.Signal())
	}
}

func TestConfigDecodeNulls(t *testing.T) {
	data := `{"auto_stop":null,"auto_start":null,"auto_stop_timeout_seconds":null,"stop_signal":null}`
	var c Config
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := c.AutoStop.Action(); ok {
		t.Fatalf("null auto_stop must not evict")
	}
	if c.StartsAutomatically() {
		t.Fatalf("null auto_start must be false")
	}
	if c.StopTimeout() != DefaultAutoStopTimeout {
		t.Fatalf("default timeout not applied: %s", c.StopTimeout())
	}
	if c.Signal() != "" {
		t.Fatalf("expected empty signal")
	}
}

func TestAutostopPolicyRejectsUnknown(t *testing.T) {
	var c Config
	if err := json.Unmarshal([]byte(`{"auto_stop":"Destroy"}`), &c); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
	if err := (Config{AutoStop: "destroy"}).Validate(); err == nil {
		t.Fatalf("expected validate error")
	}
}

func TestAutostopPolicyCaseInsensitive(t *testing.T) {
	p, err := ParseAutostopPolicy("stop")
	if err != nil || p != AutostopStop {
		t.Fatalf("got %q, %v", p, err)
	}
	a, ok := p.Action()
	if !ok || a != ActionStop {
		t.Fatalf("action = %q %v", a, ok)
	}
}

func TestAutostopPolicyMarshalNull(t *testing.T) {
	b, err := json.Marshal(Config{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"auto_stop":null,"auto_start":null,"auto_stop_timeout_seconds":null,"stop_signal":null}`
	if string(b) != want {
		t.Fatalf("got %s", b)
	}
}

func TestActionResultAndTransition(t *testing.T) {
	if ActionStart.Result() != StatusStarted || ActionStop.Result() != StatusStopped || ActionSuspend.Result() != StatusStopped {
		t.Fatalf("unexpected results")
	}
	if ActionSuspend.Transition() != "suspending" {
		t.Fatalf("transition = %q", ActionSuspend.Transition())
	}
}

func TestRecordIdleForClampsFuture(t *testing.T) {
	now := time.Now()
	r := Record{LastHeartbeat: now.Add(time.Second)}
	if r.IdleFor(now) != 0 {
		t.Fatalf("expected zero idle for future heartbeat")
	}
}

func TestStopTimeoutSaturates(t *testing.T) {
	u := func(v uint64) *uint64 { return &v }
	tests := []struct {
		name    string
		seconds uint64
		want    time.Duration
	}{
		{"zero", 0, 0},
		{"one hour", 3600, time.Hour},
		{"largest exact", maxTimeoutSeconds, time.Duration(maxTimeoutSeconds) * time.Second},
		{"just past the limit", maxTimeoutSeconds + 1, time.Duration(math.MaxInt64)},
		{"ten billion", 10_000_000_000, time.Duration(math.MaxInt64)},
		{"top bit", 1 << 63, time.Duration(math.MaxInt64)},
		{"max uint64", math.MaxUint64, time.Duration(math.MaxInt64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Config{AutoStopTimeoutSeconds: u(tt.seconds)}.StopTimeout()
			if got != tt.want {
				t.Fatalf("StopTimeout(%d) = %s, want %s", tt.seconds, got, tt.want)
			}
			if got < 0 {
				t.Fatalf("StopTimeout(%d) is negative", tt.seconds)
			}
		})
	}
}
