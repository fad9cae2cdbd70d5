package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/airship"
	"github.com/loykin/airship/pkg/client"
)

const defaultServerURL = "http://localhost:8080"

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the autoscale controller",
		Long: `Run the controller: accept registrations and heartbeats, scan the fleet
on a schedule, and stop or start machines through the provider.

Examples:
  airship serve --config airship.toml
  FLY_API_TOKEN=... FLY_APP_NAME=my-app airship serve
  airship serve --provider dryrun --listen 127.0.0.1:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := airship.LoadConfig(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			if flags.Listen != "" {
				cfg.Server.Listen = flags.Listen
			}
			if flags.Provider != "" {
				cfg.Provider.Type = flags.Provider
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "API listen address (overrides server.listen)")
	cmd.Flags().StringVar(&flags.Provider, "provider", "", "lifecycle provider: fly or dryrun (overrides provider.type)")
	return cmd
}

func runServe(parent context.Context, cfg *airship.Config) error {
	log, closer, err := airship.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	svc, err := airship.NewService(cfg, log)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(parent)
	defer stop()
	return svc.Run(ctx)
}

func createAgentCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &AgentFlags{}
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Report this machine's traffic to the controller",
		Long: `Register this machine with the controller, count the UDP packets it
receives and send the count as a heartbeat every report interval.

Examples:
  airship agent --interface eth0 --server-url http://controller:8080 --machine-id m1
  INTERFACE_NAME=eth0 AIRSHIP_SERVER_URL=http://controller:8080 FLY_MACHINE_ID=m1 airship agent
  airship agent --source counters --interface eth0   # no CAP_NET_RAW`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := airship.LoadConfig(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			applyAgentFlags(cfg, flags)
			return runAgent(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&flags.Interface, "interface", "", "network interface to watch (overrides agent.interface)")
	cmd.Flags().StringVar(&flags.ServerURL, "server-url", "", "controller URL (overrides agent.server_url)")
	cmd.Flags().StringVar(&flags.MachineID, "machine-id", "", "this machine's id (overrides agent.machine_id)")
	cmd.Flags().StringVar(&flags.Source, "source", "", "packet source: capture or counters (overrides agent.source)")
	return cmd
}

func applyAgentFlags(cfg *airship.Config, f *AgentFlags) {
	if f.Interface != "" {
		cfg.Agent.Interface = f.Interface
	}
	if f.ServerURL != "" {
		cfg.Agent.ServerURL = f.ServerURL
	}
	if f.MachineID != "" {
		cfg.Agent.MachineID = f.MachineID
	}
	if f.Source != "" {
		cfg.Agent.Source = f.Source
	}
}

func runAgent(parent context.Context, cfg *airship.Config) error {
	log, closer, err := airship.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	a, err := airship.NewAgent(cfg, log)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(parent)
	defer stop()
	return a.Run(ctx)
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.ServerURL, "server-url", "", "controller URL (default agent.server_url or "+defaultServerURL+")")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
}

// apiClient resolves the controller URL from flags, then config, then the default.
func apiClient(globalFlags *GlobalFlags, f *APIFlags) (*client.Client, error) {
	url := f.ServerURL
	if url == "" {
		cfg, err := airship.LoadConfig(globalFlags.ConfigPath)
		if err != nil {
			return nil, err
		}
		url = cfg.Agent.ServerURL
	}
	if url == "" {
		url = defaultServerURL
	}
	cc := client.Config{BaseURL: url, Timeout: f.APITimeout}
	if f.Insecure {
		cc.TLS = &client.TLSClientConfig{SkipVerify: true}
	}
	return client.New(cc)
}

func createMachinesCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &APIFlags{}
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "machines",
		Short: "List the machines a controller knows about",
		Long: `Print the controller's registry: status, policy and time since the last
heartbeat for every machine.

Examples:
  airship machines --server-url http://controller:8080
  airship machines --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(globalFlags, flags)
			if err != nil {
				return err
			}
			resp, err := api.Machines(cmd.Context())
			if err != nil {
				return fmt.Errorf("list machines: %w", err)
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printMachines(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	addAPIFlags(cmd, flags)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func createScanCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one scan cycle on the controller now",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(globalFlags, flags)
			if err != nil {
				return err
			}
			res, err := api.Scan(cmd.Context())
			if err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func printMachines(out io.Writer, resp *client.MachinesResponse) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tAUTO STOP\tAUTO START\tTIMEOUT\tIDLE")
	for _, m := range resp.Machines {
		status := m.Status
		if m.Transition != "" {
			status += " (" + m.Transition + ")"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			m.ID, status, policyName(m.Config.AutoStop), yesNo(m.Config.AutoStart),
			timeoutText(m.Config.AutoStopTimeoutSeconds),
			(time.Duration(m.IdleSeconds * float64(time.Second))).Truncate(time.Second))
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\n%d machine(s), %d packet(s) pending\n", len(resp.Machines), resp.PendingPackets)
}

func policyName(p *string) string {
	if p == nil || *p == "" {
		return "-"
	}
	return strings.ToLower(*p)
}

func yesNo(b *bool) string {
	if b != nil && *b {
		return "yes"
	}
	return "no"
}

func timeoutText(s *uint64) string {
	if s == nil {
		return "default"
	}
	return (time.Duration(*s) * time.Second).String()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
