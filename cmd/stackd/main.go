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

// APIFlags holds daemon connection flags shared by all client commands
type APIFlags struct {
	URL     string
	Timeout time.Duration
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	ConfigPath string
	Listen     string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

// LogsFlags holds flags for the logs command
type LogsFlags struct {
	Lines int
}

// KillFlags holds flags for the kill command
type KillFlags struct {
	Force bool
}

// buildRoot creates the root command and wires all subcommands
func buildRoot() *cobra.Command {
	apiFlags := &APIFlags{}
	serveFlags := &ServeFlags{}
	logsFlags := &LogsFlags{}
	killFlags := &KillFlags{}

	root := createRootCommand(apiFlags)
	root.AddCommand(
		createServeCommand(serveFlags),
		createStatusCommand(apiFlags),
		createStartCommand(apiFlags),
		createStopCommand(apiFlags),
		createRestartCommand(apiFlags),
		createKillCommand(apiFlags, killFlags),
		createResetCircuitCommand(apiFlags),
		createCleanupCommand(apiFlags),
		createLogsCommand(apiFlags, logsFlags),
		createRegistryCommand(apiFlags),
		createRestartAllCommand(apiFlags),
	)
	return root
}

// createRootCommand creates the root command with persistent connection flags
func createRootCommand(apiFlags *APIFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "stackd",
		Short: "Single-host service orchestrator",
		Long: `Stackd supervises a fixed set of services on one machine: it starts
them in dependency order, health-checks them over HTTP, trips a circuit
breaker on repeated failures and restarts crashed services with backoff.

Examples:
  stackd serve --config=stackd.toml          # Start the daemon
  stackd status                              # Summary of every service
  stackd status api                          # One service in detail
  stackd restart api --api-url=http://remote:8420`,
	}
	root.PersistentFlags().StringVar(&apiFlags.URL, "api-url", "http://localhost:8420", "daemon API base URL")
	root.PersistentFlags().DurationVar(&apiFlags.Timeout, "api-timeout", 10*time.Second, "API request timeout")
	return root
}
