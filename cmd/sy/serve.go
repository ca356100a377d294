package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/sprintyard/internal/dashboard"
	"github.com/zulandar/sprintyard/internal/notify"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Serves the item and group API with a live event stream. When a digest
schedule is configured, digests are sent on that schedule while the server runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	configFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (default: dashboard.port from config)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, e, err := loadEngine(configPath)
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Dashboard.Port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	if expr := cfg.Notify.DigestCron; expr != "" {
		if _, err := notify.ParseSchedule(expr); err != nil {
			return err
		}
		n := buildNotifier(cfg)
		go func() {
			if err := notify.ScheduleDigest(ctx, e.DB(), n, expr); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "digest: %v\n", err)
			}
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "Digest scheduled: %s\n", expr)
	}

	return dashboard.Start(ctx, dashboard.StartOpts{
		Engine: e,
		Port:   port,
		Out:    cmd.OutOrStdout(),
	})
}
