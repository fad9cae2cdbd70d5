package client

import "time"

// MachineConfig is the autoscaling policy a machine registers with.
// Nil fields are sent as null and take the controller's defaults.
type MachineConfig struct {
	AutoStop               *string `json:"auto_stop"` // "Stop", "Suspend" or "None"
	AutoStart              *bool   `json:"auto_start"`
	AutoStopTimeoutSeconds *uint64 `json:"auto_stop_timeout_seconds"`
	StopSignal             *string `json:"stop_signal"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	MachineID string        `json:"machine_id"`
	Config    MachineConfig `json:"config"`
}

// HeartbeatRequest is the body of POST /heartbeat.
type HeartbeatRequest struct {
	MachineID string `json:"machine_id"`
	Packets   uint64 `json:"num_packets_since_last_heartbeat"`
}

// Response is the controller's reply to register and heartbeat calls.
type Response struct {
	Error *string `json:"error"`
}

// Machine is one row of GET /machines.
type Machine struct {
	ID            string        `json:"id"`
	Status        string        `json:"status"`
	Transition    string        `json:"transition,omitempty"`
	Config        MachineConfig `json:"config"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	IdleSeconds   float64       `json:"idle_seconds"`
	RegisteredAt  time.Time     `json:"registered_at"`
}

// MachinesResponse is the body of GET /machines.
type MachinesResponse struct {
	Machines       []Machine `json:"machines"`
	PendingPackets uint64    `json:"pending_packets"`
}

// ScanResult is the body of POST /debug/scan.
type ScanResult struct {
	Evicted []struct {
		ID     string `json:"id"`
		Action string `json:"action"`
	} `json:"evicted"`
	Started []string      `json:"started"`
	Packets uint64        `json:"packets"`
	Elapsed time.Duration `json:"elapsed"`
	Target  int           `json:"target"`
	Running int           `json:"running"`
}
