package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/airship/internal/config"
	"github.com/loykin/airship/pkg/client"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"FLY_API_TOKEN", "FLY_APP_NAME", "FLY_MACHINE_ID", "AIRSHIP_SERVER_URL", "INTERFACE_NAME",
		"AIRSHIP_PROVIDER_TOKEN", "AIRSHIP_PROVIDER_APP_NAME", "AIRSHIP_PROVIDER_TYPE",
		"AIRSHIP_AGENT_SERVER_URL", "AIRSHIP_AGENT_MACHINE_ID", "AIRSHIP_AGENT_INTERFACE",
	} {
		t.Setenv(k, "")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelpListsCommands(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, c := range []string{"serve", "agent", "machines", "scan"} {
		assert.Contains(t, out, c)
	}
}

func machinesServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/machines":
			_, _ = w.Write([]byte(`{"machines":[
				{"id":"m1","status":"started","config":{"auto_stop":"Stop","auto_start":true,"auto_stop_timeout_seconds":90,"stop_signal":null},"idle_seconds":12.7},
				{"id":"m2","status":"stopped","transition":"starting","config":{"auto_stop":null,"auto_start":null,"auto_stop_timeout_seconds":null,"stop_signal":null},"idle_seconds":300}
			],"pending_packets":5}`))
		case "/debug/scan":
			_, _ = w.Write([]byte(`{"evicted":[],"started":["m2"],"packets":250,"elapsed":1000000000,"target":2,"running":1}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMachinesTable(t *testing.T) {
	srv := machinesServer(t)
	out, err := execute(t, "machines", "--server-url", srv.URL)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Contains(t, lines[0], "AUTO STOP")
	assert.Regexp(t, `^m1\s+started\s+stop\s+yes\s+1m30s\s+12s$`, lines[1])
	assert.Regexp(t, `^m2\s+stopped \(starting\)\s+-\s+no\s+default\s+5m0s$`, lines[2])
	assert.Contains(t, out, "2 machine(s), 5 packet(s) pending")
}

func TestMachinesJSON(t *testing.T) {
	srv := machinesServer(t)
	out, err := execute(t, "machines", "--server-url", srv.URL, "--json")
	require.NoError(t, err)

	var resp client.MachinesResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Len(t, resp.Machines, 2)
	assert.Equal(t, uint64(5), resp.PendingPackets)
}

func TestScanCommand(t *testing.T) {
	srv := machinesServer(t)
	out, err := execute(t, "scan", "--server-url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, `"m2"`)
	assert.Contains(t, out, `"target": 2`)
}

func TestMachinesUnreachable(t *testing.T) {
	_, err := execute(t, "machines", "--server-url", "http://127.0.0.1:1", "--api-timeout", "200ms")
	assert.Error(t, err)
}

func TestServeFailsWithoutCredentials(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "serve", "--listen", "127.0.0.1:0")
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfigMissing)
}

func TestAgentFailsWithoutInterface(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "agent", "--server-url", "http://127.0.0.1:1", "--machine-id", "m1")
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfigMissing)
}

func TestApplyAgentFlags(t *testing.T) {
	cfg := &config.Config{Agent: config.AgentConfig{Interface: "eth0", Source: config.SourceCapture}}
	applyAgentFlags(cfg, &AgentFlags{MachineID: "m9", Source: config.SourceCounters})
	assert.Equal(t, "eth0", cfg.Agent.Interface)
	assert.Equal(t, "m9", cfg.Agent.MachineID)
	assert.Equal(t, config.SourceCounters, cfg.Agent.Source)
}
