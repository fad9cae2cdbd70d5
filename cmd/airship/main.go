package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Listen   string
	Provider string
}

// AgentFlags holds flags for the agent command
type AgentFlags struct {
	Interface string
	ServerURL string
	MachineID string
	Source    string
}

// APIFlags holds flags for commands that talk to a running controller
type APIFlags struct {
	ServerURL  string
	APITimeout time.Duration
	Insecure   bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createAgentCommand(globalFlags),
		createMachinesCommand(globalFlags),
		createScanCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "airship",
		Short: "Traffic-driven machine autoscaler",
		Long: `Airship stops idle machines and starts stopped ones based on the
traffic each machine reports.

Examples:
  airship serve --config airship.toml      # run the controller
  airship agent --interface eth0           # report this machine's traffic
  airship machines --server-url http://controller:8080`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}
