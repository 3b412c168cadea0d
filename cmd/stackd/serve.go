package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ravel-hq/stackd"
)

// createServeCommand creates the serve subcommand running the daemon
func createServeCommand(flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		Long: `Load the service registry from a TOML config file, restore persisted
state, auto-start critical services in dependency order and serve the
control API until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags)
		},
	}
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "stackd.toml", "path to TOML config file")
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "override listen address from config")
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write daemon PID to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "daemon log file (with --daemonize)")
	return cmd
}

func runServe(flags *ServeFlags) error {
	if flags.Daemonize {
		if err := daemonize(flags.PidFile, flags.LogFile); err != nil {
			return err
		}
	}

	cfg, err := stackd.LoadConfig(flags.ConfigPath)
	if err != nil {
		return err
	}
	if flags.Listen != "" {
		cfg.Listen = flags.Listen
	}
	slog.SetDefault(cfg.Log.NewSlogger())

	stack, err := stackd.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	if err := stackd.RegisterMetricsDefault(); err != nil {
		slog.Warn("metrics registration failed", "error", err)
	}
	if cfg.History.Type == "clickhouse" {
		sink, herr := stackd.NewClickHouseHistory(cfg.History.Addr, cfg.History.Table)
		if herr != nil {
			slog.Warn("history sink unavailable", "error", herr)
		} else {
			stack.AttachHistory(sink)
			defer func() {
				if c, ok := sink.(io.Closer); ok {
					_ = c.Close()
				}
			}()
		}
	}

	ctx := context.Background()
	if err := stack.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	server, err := stackd.NewHTTPServer(cfg.Listen, cfg.BasePath, stack)
	if err != nil {
		return fmt.Errorf("serve %s: %w", cfg.Listen, err)
	}
	slog.Info("stackd serving", "listen", cfg.Listen, "services", cfg.Registry.Len())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stack.Shutdown(shutdownCtx)
	_ = server.Shutdown(shutdownCtx)

	if flags.PidFile != "" {
		_ = removePidFile(flags.PidFile)
	}
	return nil
}
