package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/airship/internal/logger"
	"github.com/loykin/airship/internal/machine"
)

// ErrConfigMissing marks required startup configuration that was not provided.
var ErrConfigMissing = errors.New("required configuration missing")

const (
	ProviderFly    = "fly"
	ProviderDryRun = "dryrun"

	SourceCapture  = "capture"
	SourceCounters = "counters"
)

// Config represents the top-level TOML structure shared by `airship serve`
// and `airship agent`. Each command validates only its own sections.
type Config struct {
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Autoscale AutoscaleConfig `toml:"autoscale" mapstructure:"autoscale"`
	Provider  ProviderConfig  `toml:"provider" mapstructure:"provider"`
	Metrics   MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	Log       logger.Config   `toml:"log" mapstructure:"log"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
	Agent     AgentConfig     `toml:"agent" mapstructure:"agent"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	// AllowNetworks restricts the API to these CIDRs. Empty allows everyone.
	AllowNetworks []string   `toml:"allow_networks" mapstructure:"allow_networks"`
	TLS           *TLSConfig `toml:"tls" mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version"`
	// DNSNames go into auto-generated certificates.
	DNSNames []string `toml:"dns_names" mapstructure:"dns_names"`
}

type AutoscaleConfig struct {
	Schedule      string `toml:"schedule" mapstructure:"schedule"`
	PPSPerMachine uint64 `toml:"pps_per_machine" mapstructure:"pps_per_machine"`
}

type ProviderConfig struct {
	Type    string        `toml:"type" mapstructure:"type"`
	BaseURL string        `toml:"base_url" mapstructure:"base_url"`
	AppName string        `toml:"app_name" mapstructure:"app_name"`
	Token   string        `toml:"token" mapstructure:"token"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type MetricsConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type HistoryConfig struct {
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

type AgentConfig struct {
	ServerURL      string        `toml:"server_url" mapstructure:"server_url"`
	MachineID      string        `toml:"machine_id" mapstructure:"machine_id"`
	Interface      string        `toml:"interface" mapstructure:"interface"`
	Source         string        `toml:"source" mapstructure:"source"`
	ReportInterval time.Duration `toml:"report_interval" mapstructure:"report_interval"`
	Timeout        time.Duration `toml:"timeout" mapstructure:"timeout"`

	// CACert verifies a controller serving a self-signed certificate.
	CACert             string         `toml:"ca_cert" mapstructure:"ca_cert"`
	InsecureSkipVerify bool           `toml:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
	Machine            machine.Config `toml:"machine" mapstructure:"machine"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", "[::]:8080")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.allow_networks", []string{})
	v.SetDefault("autoscale.schedule", "@every 1s")
	v.SetDefault("autoscale.pps_per_machine", 100)
	v.SetDefault("provider.type", ProviderFly)
	v.SetDefault("provider.base_url", "https://api.machines.dev")
	v.SetDefault("provider.app_name", "")
	v.SetDefault("provider.token", "")
	v.SetDefault("provider.timeout", 30*time.Second)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("agent.server_url", "")
	v.SetDefault("agent.machine_id", "")
	v.SetDefault("agent.interface", "")
	v.SetDefault("agent.source", SourceCapture)
	v.SetDefault("agent.report_interval", 30*time.Second)
	v.SetDefault("agent.timeout", 10*time.Second)
	v.SetDefault("agent.ca_cert", "")
	v.SetDefault("agent.insecure_skip_verify", false)
	v.SetDefault("agent.machine.auto_stop", string(machine.AutostopStop))
	v.SetDefault("agent.machine.auto_start", true)
	v.SetDefault("agent.machine.auto_stop_timeout_seconds", 60)
}

// bindEnv maps the variables deployments already set on machines.
func bindEnv(v *viper.Viper) error {
	binds := map[string][]string{
		"provider.token":    {"AIRSHIP_PROVIDER_TOKEN", "FLY_API_TOKEN"},
		"provider.app_name": {"AIRSHIP_PROVIDER_APP_NAME", "FLY_APP_NAME"},
		"agent.server_url":  {"AIRSHIP_AGENT_SERVER_URL", "AIRSHIP_SERVER_URL"},
		"agent.machine_id":  {"AIRSHIP_AGENT_MACHINE_ID", "FLY_MACHINE_ID"},
		"agent.interface":   {"AIRSHIP_AGENT_INTERFACE", "INTERFACE_NAME"},
	}
	for key, names := range binds {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return err
		}
	}
	return nil
}

// Load reads path (optional; empty means defaults and environment only).
// Environment variables override the file: AIRSHIP_<SECTION>_<KEY>, plus
// FLY_API_TOKEN, FLY_APP_NAME, FLY_MACHINE_ID, AIRSHIP_SERVER_URL and INTERFACE_NAME.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("AIRSHIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	policy, err := machine.ParseAutostopPolicy(string(c.Agent.Machine.AutoStop))
	if err != nil {
		return nil, fmt.Errorf("agent.machine: %w", err)
	}
	c.Agent.Machine.AutoStop = policy
	return &c, nil
}

func missing(key, env string) error {
	return fmt.Errorf("%w: %s (env %s)", ErrConfigMissing, key, env)
}

// ValidateServer checks what `airship serve` needs before it starts.
func (c *Config) ValidateServer() error {
	if c.Server.Listen == "" {
		return missing("server.listen", "AIRSHIP_SERVER_LISTEN")
	}
	switch c.Provider.Type {
	case ProviderFly:
		if c.Provider.Token == "" {
			return missing("provider.token", "FLY_API_TOKEN")
		}
		if c.Provider.AppName == "" {
			return missing("provider.app_name", "FLY_APP_NAME")
		}
	case ProviderDryRun:
	default:
		return fmt.Errorf("unknown provider type %q (want %s or %s)", c.Provider.Type, ProviderFly, ProviderDryRun)
	}
	if c.Server.TLS != nil && c.Server.TLS.Enabled {
		if (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") && c.Server.TLS.Dir == "" {
			return fmt.Errorf("%w: server.tls needs cert_file and key_file, or dir", ErrConfigMissing)
		}
	}
	return nil
}

// ValidateAgent checks what `airship agent` needs before it starts.
func (c *Config) ValidateAgent() error {
	a := c.Agent
	if a.ServerURL == "" {
		return missing("agent.server_url", "AIRSHIP_SERVER_URL")
	}
	if a.MachineID == "" {
		return missing("agent.machine_id", "FLY_MACHINE_ID")
	}
	switch a.Source {
	case SourceCapture, SourceCounters:
	default:
		return fmt.Errorf("unknown agent source %q (want %s or %s)", a.Source, SourceCapture, SourceCounters)
	}
	if a.Interface == "" {
		return missing("agent.interface", "INTERFACE_NAME")
	}
	if a.ReportInterval <= 0 {
		return fmt.Errorf("agent.report_interval must be positive, got %s", a.ReportInterval)
	}
	return a.Machine.Validate()
}
