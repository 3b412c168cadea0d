package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ravel-hq/stackd/pkg/client"
)

// apiClient builds a client from connection flags with a cancelable context.
func apiClient(flags *APIFlags) (*client.Client, context.Context, context.CancelFunc) {
	c := client.New(client.Config{BaseURL: flags.URL, Timeout: flags.Timeout})
	ctx, cancel := context.WithTimeout(context.Background(), flags.Timeout)
	return c, ctx, cancel
}

// createStatusCommand creates the status subcommand
func createStatusCommand(apiFlags *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [service]",
		Short: "Show service status (all services when no id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiClient(apiFlags)
			defer cancel()
			if len(args) == 1 {
				st, err := c.Status(ctx, args[0])
				if err != nil {
					return err
				}
				printServiceStatus(st)
				return nil
			}
			agg, err := c.StatusAll(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("services: %d total, %d running, %d healthy\n",
				agg.Total, agg.Running, agg.Healthy)
			for _, st := range agg.Services {
				line := fmt.Sprintf("  %-20s %-14s", st.ID, st.State)
				if st.Process.PID > 0 {
					line += fmt.Sprintf(" pid=%d", st.Process.PID)
				}
				if st.Uptime != "" {
					line += " up=" + st.Uptime
				}
				if st.Breaker.State != "closed" && st.Breaker.State != "" {
					line += " breaker=" + st.Breaker.State
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func printServiceStatus(st client.ServiceStatus) {
	fmt.Printf("%s: %s\n", st.ID, st.State)
	if st.Process.PID > 0 {
		fmt.Printf("  pid: %d  memory: %d bytes  uptime: %s\n",
			st.Process.PID, st.Process.MemoryBytes, st.Uptime)
	}
	if !st.External {
		fmt.Printf("  healthy: %v  failures: %d  successes: %d\n",
			st.Health.Healthy, st.Health.ConsecutiveFailures, st.Health.ConsecutiveSuccesses)
		fmt.Printf("  breaker: %s  backoff: %.0fs\n",
			st.Breaker.State, st.Breaker.BackoffSeconds)
		if st.Warmup.Active {
			fmt.Printf("  warmup: %d/%d checks\n",
				st.Warmup.SuccessfulChecks, st.Warmup.RequiredChecks)
		}
	}
	if len(st.DependsOn) > 0 {
		fmt.Printf("  depends on: %s\n", strings.Join(st.DependsOn, ", "))
	}
}

// createStartCommand creates the start subcommand
func createStartCommand(apiFlags *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <service>...",
		Short: "Start one or more services",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiClient(apiFlags)
			defer cancel()
			if len(args) == 1 {
				if err := c.Start(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("started %s\n", args[0])
				return nil
			}
			results, err := c.StartBatch(ctx, args)
			if err != nil {
				return err
			}
			printBatch(results)
			return nil
		},
	}
}

// createStopCommand creates the stop subcommand
func createStopCommand(apiFlags *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <service>...",
		Short: "Stop one or more services gracefully",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiClient(apiFlags)
			defer cancel()
			if len(args) == 1 {
				if err := c.Stop(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("stopped %s\n", args[0])
				return nil
			}
			results, err := c.StopBatch(ctx, args)
			if err != nil {
				return err
			}
			printBatch(results)
			return nil
		},
	}
}

func printBatch(results []client.BatchResult) {
	for _, r := range results {
		if r.Success {
			fmt.Printf("  %s: ok\n", r.ServiceID)
		} else {
			fmt.Printf("  %s: %s\n", r.ServiceID, r.Error)
		}
	}
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(apiFlags *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <service>",
		Short: "Stop then start a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiClient(apiFlags)
			defer cancel()
			if err := c.Restart(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("restarted %s\n", args[0])
			return nil
		},
	}
}

// createKillCommand creates the kill subcommand
func createKillCommand(apiFlags *APIFlags, killFlags *KillFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill <service>",
		Short: "Kill a service's process (SIGTERM, or SIGKILL with --force)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiClient(apiFlags)
			defer cancel()
			if err := c.Kill(ctx, args[0], killFlags.Force); err != nil {
				return err
			}
			fmt.Printf("killed %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&killFlags.Force, "force", false, "send SIGKILL immediately")
	return cmd
}

// createResetCircuitCommand creates the reset-circuit subcommand
func createResetCircuitCommand(apiFlags *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-circuit <service>",
		Short: "Reset a service's circuit breaker to closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiClient(apiFlags)
			defer cancel()
			if err := c.ResetCircuit(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("circuit reset for %s\n", args[0])
			return nil
		},
	}
}

// createCleanupCommand creates the cleanup subcommand
func createCleanupCommand(apiFlags *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <service>",
		Short: "Sweep stale processes and verify the service's port is free",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiClient(apiFlags)
			defer cancel()
			if err := c.Cleanup(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("cleaned up %s\n", args[0])
			return nil
		},
	}
}

// createLogsCommand creates the logs subcommand
func createLogsCommand(apiFlags *APIFlags, logsFlags *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <service>",
		Short: "Show recent captured stdout/stderr of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiClient(apiFlags)
			defer cancel()
			logs, err := c.Logs(ctx, args[0], logsFlags.Lines)
			if err != nil {
				return err
			}
			for _, line := range logs.Stdout {
				fmt.Println(line)
			}
			for _, line := range logs.Stderr {
				fmt.Fprintln(cmd.ErrOrStderr(), line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&logsFlags.Lines, "lines", 100, "number of lines per stream (1-1000)")
	return cmd
}

// createRegistryCommand creates the registry subcommand
func createRegistryCommand(apiFlags *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "registry",
		Short: "List configured service definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiClient(apiFlags)
			defer cancel()
			descs, err := c.Registry(ctx)
			if err != nil {
				return err
			}
			for _, d := range descs {
				line := fmt.Sprintf("%-20s port=%-6d", d.ID, d.Port)
				if d.External {
					line += " external"
				}
				if d.Critical {
					line += " critical"
				}
				if len(d.DependsOn) > 0 {
					line += " deps=" + strings.Join(d.DependsOn, ",")
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

// createRestartAllCommand creates the restart-all subcommand
func createRestartAllCommand(apiFlags *APIFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart-all",
		Short: "Stop every service and re-run dependency-ordered startup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiClient(apiFlags)
			defer cancel()
			if err := c.FullRestart(ctx); err != nil {
				return err
			}
			fmt.Println("full restart scheduled")
			return nil
		},
	}
}
