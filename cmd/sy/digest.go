package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/sprintyard/internal/notify"
)

func newDigestCmd() *cobra.Command {
	var (
		configPath string
		window     time.Duration
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Send an activity digest to the configured chat channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDigest(cmd, configPath, window, dryRun)
		},
	}

	configFlag(cmd, &configPath)
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "how far back the digest looks")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the digest instead of sending it")
	return cmd
}

func runDigest(cmd *cobra.Command, configPath string, window time.Duration, dryRun bool) error {
	if window <= 0 {
		return fmt.Errorf("--window must be positive")
	}
	cfg, e, err := loadEngine(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	now := time.Now()

	if dryRun {
		report, err := notify.BuildDigest(e.DB(), now.Add(-window), now)
		if err != nil {
			return err
		}
		f := notify.FormatDigest(report)
		fmt.Fprintln(out, f.Title)
		if f.Body != "" {
			fmt.Fprintln(out, f.Body)
		}
		for _, field := range f.Fields {
			fmt.Fprintf(out, "  %s: %s\n", field.Name, field.Value)
		}
		return nil
	}

	if !cfg.Notify.Slack.Enabled() && !cfg.Notify.Discord.Enabled() {
		return fmt.Errorf("no notification channel configured")
	}
	sent, err := notify.SendDigest(cmd.Context(), e.DB(), buildNotifier(cfg), window, now)
	if err != nil {
		return err
	}
	if !sent {
		fmt.Fprintln(out, "No activity in the window; nothing sent.")
		return nil
	}
	fmt.Fprintln(out, "Digest sent.")
	return nil
}
