package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/sprintyard/internal/lifecycle"
	"github.com/zulandar/sprintyard/internal/worker"
)

func newPhaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "phase",
		Short: "Parallel phase commands",
	}

	cmd.AddCommand(newPhaseRunCmd())
	cmd.AddCommand(newPhaseLogsCmd())
	return cmd
}

func newPhaseRunCmd() *cobra.Command {
	var (
		configPath string
		interval   time.Duration
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Run the parallel phase of an item",
		Long: `Starts one worker per role of the item's ownership plan and waits for all
of them. Outputs are merged into the artifact only when every worker
completes. Progress is printed as workers report it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runPhaseRun(cmd, configPath, id, interval, quiet)
		},
	}

	configFlag(cmd, &configPath)
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "progress poll interval")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print the outcome")
	return cmd
}

func runPhaseRun(cmd *cobra.Command, configPath string, id uint, interval time.Duration, quiet bool) error {
	_, e, err := loadEngine(configPath)
	if err != nil {
		return err
	}
	run, err := e.StartParallelPhase(cmd.Context(), id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	roles := make([]string, 0)
	for _, s := range run.Poll().Sessions {
		roles = append(roles, s.Role)
	}
	fmt.Fprintf(out, "Item %d: phase %s running %d workers (%s)\n", id, run.Phase, len(roles), strings.Join(roles, ", "))

	if !quiet {
		watchProgress(out, run, interval)
	}

	res, err := e.WaitParallelPhase(cmd.Context(), id)
	if res != nil {
		printResult(out, res)
	}
	if err != nil {
		return err
	}
	it, err := e.Get(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Merged %d sections into %s\n", len(res.Sessions), it.ArtifactPath)
	return nil
}

// watchProgress prints each new progress line until the run stops.
func watchProgress(out io.Writer, run *worker.Run, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	seen := make(map[string]int)
	flush := func() {
		for _, s := range run.Poll().Sessions {
			for _, p := range s.Progress[seen[s.Role]:] {
				fmt.Fprintf(out, "  [%s] %s %s\n", p.At.Format("15:04:05"), s.Role, p.Message)
			}
			seen[s.Role] = len(s.Progress)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-run.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}

func printResult(out io.Writer, res *worker.Result) {
	fmt.Fprintf(out, "Outcome: %s\n", res.Outcome)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tSTATE\tFILES\tISSUES")
	for _, s := range res.Sessions {
		state := string(s.State)
		if s.Halted {
			state += " (halted)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", s.Role, state, len(s.OwnedFiles), len(s.Issues))
	}
	w.Flush()
}

func newPhaseLogsCmd() *cobra.Command {
	var (
		configPath string
		output     bool
	)

	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Show the kept worker logs of an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, e, err := loadEngine(configPath)
			if err != nil {
				return err
			}
			return runPhaseLogs(cmd.OutOrStdout(), e, id, output)
		},
	}

	configFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&output, "output", false, "include each worker's full output")
	return cmd
}

func runPhaseLogs(out io.Writer, e *lifecycle.Engine, id uint, withOutput bool) error {
	logs, err := e.WorkerLogs(id)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		fmt.Fprintf(out, "No worker logs for item %d.\n", id)
		return nil
	}
	for _, l := range logs {
		fmt.Fprintf(out, "=== %s / %s (%s, %s) ===\n", l.Phase, l.Role, l.State, l.Outcome)
		fmt.Fprintf(out, "Files:  %s\n", strings.Join(l.OwnedFiles, ", "))
		for _, p := range l.Progress {
			fmt.Fprintf(out, "  [%s] %s\n", p.At.Format("15:04:05"), p.Message)
		}
		for _, issue := range l.Issues {
			fmt.Fprintf(out, "  ! %s\n", issue)
		}
		if withOutput && l.Output != "" {
			fmt.Fprintln(out, strings.TrimRight(l.Output, "\n"))
		}
		fmt.Fprintln(out)
	}
	return nil
}
