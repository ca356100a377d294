package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/sprintyard/internal/lifecycle"
	"github.com/zulandar/sprintyard/internal/models"
	"github.com/zulandar/sprintyard/internal/store"
)

func newItemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Work item commands",
	}

	cmd.AddCommand(newItemCreateCmd())
	cmd.AddCommand(newItemListCmd())
	cmd.AddCommand(newItemShowCmd())
	cmd.AddCommand(newItemPlanCmd())
	cmd.AddCommand(newItemStartCmd())
	cmd.AddCommand(newItemAdvanceCmd())
	cmd.AddCommand(newItemStepCmd())
	cmd.AddCommand(newItemApproveCmd())
	cmd.AddCommand(newItemCheckCmd())
	cmd.AddCommand(newItemTestsCmd())
	cmd.AddCommand(newItemOwnCmd())
	cmd.AddCommand(newItemPRCmd())
	cmd.AddCommand(newItemBlockCmd())
	cmd.AddCommand(newItemResumeCmd())
	cmd.AddCommand(newItemAbandonCmd())
	cmd.AddCommand(newItemCompleteCmd())
	cmd.AddCommand(newItemReconcileCmd())
	cmd.AddCommand(newItemCommitCheckCmd())
	return cmd
}

func configFlag(cmd *cobra.Command, p *string) {
	cmd.Flags().StringVarP(p, "config", "c", defaultConfigPath, "path to Sprintyard config file")
}

// printItem writes the one-line state of an item after a transition.
func printItem(out io.Writer, verb string, it *models.Item) {
	fmt.Fprintf(out, "%s item %d: %s", verb, it.ID, it.Status)
	if it.Phase != "" && (it.Status == models.StatusInProgress || it.Status == models.StatusBlocked) {
		fmt.Fprintf(out, " (phase %s", it.Phase)
		if it.Step != "" {
			fmt.Fprintf(out, ", step %s", it.Step)
		}
		fmt.Fprint(out, ")")
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  hours: %s  artifact: %s\n", formatHours(it.HoursAccumulated), it.ArtifactPath)
}

// --- create / list / show ---

func newItemCreateCmd() *cobra.Command {
	var (
		configPath string
		title      string
		groupID    uint
		bodyFile   string
		id         uint
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new item in the backlog",
		Long:  "Creates an item record and writes its artifact to the canonical backlog location.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := lifecycle.CreateOpts{Title: title, ID: id}
			if groupID != 0 {
				opts.GroupID = &groupID
			}
			if bodyFile != "" {
				data, err := os.ReadFile(bodyFile)
				if err != nil {
					return fmt.Errorf("read body: %w", err)
				}
				opts.Body = string(data)
			}
			return runItemCreate(cmd, configPath, opts)
		},
	}

	configFlag(cmd, &configPath)
	cmd.Flags().StringVar(&title, "title", "", "item title (required)")
	cmd.Flags().UintVar(&groupID, "group", 0, "group id to join")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "file whose contents become the artifact body")
	cmd.Flags().UintVar(&id, "id", 0, "explicit item id (default: next free id)")
	cmd.MarkFlagRequired("title")
	return cmd
}

func runItemCreate(cmd *cobra.Command, configPath string, opts lifecycle.CreateOpts) error {
	_, e, err := loadEngine(configPath)
	if err != nil {
		return err
	}
	it, err := e.Create(cmd.Context(), opts)
	if err != nil {
		return err
	}
	printItem(cmd.OutOrStdout(), "Created", it)
	return nil
}

func newItemListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		groupID    uint
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items",
		Long:  "Lists items with optional filters. Output is formatted as a table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			filters := store.ListFilters{Status: status}
			if groupID != 0 {
				filters.GroupID = &groupID
			}
			return runItemList(cmd, configPath, filters)
		},
	}

	configFlag(cmd, &configPath)
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().UintVar(&groupID, "group", 0, "filter by group id")
	return cmd
}

func runItemList(cmd *cobra.Command, configPath string, filters store.ListFilters) error {
	if filters.Status != "" && !models.ValidItemStatus(filters.Status) {
		return fmt.Errorf("unknown status %q (valid: %s)", filters.Status, strings.Join(models.ItemStatuses, ", "))
	}
	_, e, err := loadEngine(configPath)
	if err != nil {
		return err
	}
	items, err := e.List(filters)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, "No items found.")
		return nil
	}

	width := titleWidth()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tPHASE\tGROUP\tHOURS")
	for _, it := range items {
		group := "-"
		if it.GroupID != nil {
			group = fmt.Sprintf("%d", *it.GroupID)
		}
		phase := it.Phase
		if phase == "" {
			phase = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			it.ID, truncate(it.Title, width), it.Status, phase, group, formatHours(it.HoursAccumulated))
	}
	w.Flush()
	return nil
}

func newItemShowCmd() *cobra.Command {
	var (
		configPath string
		events     bool
	)

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show item details",
		Long:  "Displays an item with its gate status, approvals, checks and ownership plan.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runItemShow(cmd, configPath, id, events)
		},
	}

	configFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&events, "events", false, "include the audit history")
	return cmd
}

func runItemShow(cmd *cobra.Command, configPath string, id uint, withEvents bool) error {
	_, e, err := loadEngine(configPath)
	if err != nil {
		return err
	}
	it, err := e.Get(id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	const ts = "2006-01-02 15:04:05"
	fmt.Fprintf(out, "ID:          %d\n", it.ID)
	fmt.Fprintf(out, "Title:       %s\n", it.Title)
	fmt.Fprintf(out, "Status:      %s\n", it.Status)
	if it.GroupID != nil {
		fmt.Fprintf(out, "Group:       %d (#%d)\n", *it.GroupID, it.GroupSeq)
	}
	if it.Phase != "" {
		fmt.Fprintf(out, "Phase:       %s\n", it.Phase)
	}
	if it.Step != "" {
		fmt.Fprintf(out, "Step:        %s\n", it.Step)
	}
	fmt.Fprintf(out, "Hours:       %s\n", formatHours(it.HoursAccumulated))
	fmt.Fprintf(out, "Artifact:    %s\n", it.ArtifactPath)
	fmt.Fprintf(out, "Version:     %d\n", it.Version)
	fmt.Fprintf(out, "Created:     %s\n", it.CreatedAt.Format(ts))
	if it.StartedAt != nil {
		fmt.Fprintf(out, "Started:     %s\n", it.StartedAt.Format(ts))
	}
	if it.BlockReason != "" {
		fmt.Fprintf(out, "Blocked:     %s\n", it.BlockReason)
	}
	if it.AbandonReason != "" {
		fmt.Fprintf(out, "Abandoned:   %s\n", it.AbandonReason)
	}
	if it.CompletedAt != nil {
		fmt.Fprintf(out, "Completed:   %s\n", it.CompletedAt.Format(ts))
	}
	if it.PullRequest != 0 {
		fmt.Fprintf(out, "PR:          #%d\n", it.PullRequest)
	}

	if it.Phase != "" && it.Status == models.StatusInProgress {
		gateName, unmet, err := e.GateStatus(cmd.Context(), id)
		if err == nil {
			if len(unmet) == 0 {
				fmt.Fprintf(out, "\nGate %s: open\n", gateName)
			} else {
				fmt.Fprintf(out, "\nGate %s: %d unmet\n", gateName, len(unmet))
				for _, u := range unmet {
					fmt.Fprintf(out, "  - %s\n", u)
				}
			}
		}
	}
	if len(it.Approvals) > 0 {
		fmt.Fprintln(out, "\nApprovals:")
		for _, g := range e.Gates().ApprovalGates() {
			if a, ok := it.Approvals[g]; ok {
				fmt.Fprintf(out, "  %s  %s  %s\n", g, a.ApprovedAt.Format(ts), a.Comment)
			}
		}
	}
	if len(it.Checks) > 0 {
		fmt.Fprintln(out, "\nChecks:")
		for _, name := range sortedKeys(it.Checks) {
			result := "failed"
			if it.Checks[name] {
				result = "passed"
			}
			fmt.Fprintf(out, "  %s: %s\n", name, result)
		}
	}
	if len(it.Ownership) > 0 {
		fmt.Fprintln(out, "\nOwnership:")
		for _, role := range sortedKeys(it.Ownership) {
			fmt.Fprintf(out, "  %s: %s\n", role, strings.Join(it.Ownership[role], ", "))
		}
	}

	if withEvents {
		events, err := e.Events(id)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "\nEvents:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, ev := range events {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", ev.CreatedAt.Format(ts), ev.Type, ev.Detail)
		}
		w.Flush()
	}
	return nil
}

// --- transitions ---

// newItemOpCmd builds a command that applies one engine operation to a
// single item id.
func newItemOpCmd(use, short, verb string, op func(ctx context.Context, e *lifecycle.Engine, id uint) (*models.Item, error)) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
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
			it, err := op(cmd.Context(), e, id)
			if err != nil {
				return err
			}
			printItem(cmd.OutOrStdout(), verb, it)
			return nil
		},
	}

	configFlag(cmd, &configPath)
	return cmd
}

func newItemPlanCmd() *cobra.Command {
	return newItemOpCmd("plan", "Accept a backlog item into todo", "Planned",
		func(ctx context.Context, e *lifecycle.Engine, id uint) (*models.Item, error) {
			return e.Plan(ctx, id)
		})
}

func newItemAdvanceCmd() *cobra.Command {
	return newItemOpCmd("advance", "Move an item past its current gate", "Advanced",
		func(ctx context.Context, e *lifecycle.Engine, id uint) (*models.Item, error) {
			return e.AdvancePhase(ctx, id)
		})
}

func newItemResumeCmd() *cobra.Command {
	return newItemOpCmd("resume", "Resume a blocked item", "Resumed",
		func(ctx context.Context, e *lifecycle.Engine, id uint) (*models.Item, error) {
			return e.Resume(ctx, id)
		})
}

func newItemCompleteCmd() *cobra.Command {
	return newItemOpCmd("complete", "Complete an item in its final phase", "Completed",
		func(ctx context.Context, e *lifecycle.Engine, id uint) (*models.Item, error) {
			return e.Complete(ctx, id)
		})
}

func newItemStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start <id>...",
		Short: "Start todo items",
		Long: `Moves todo items to in-progress in the order given. Starting a member of
a group that has not started yet starts every member of that group.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			_, e, err := loadEngine(configPath)
			if err != nil {
				return err
			}
			started, err := e.Start(cmd.Context(), ids...)
			for _, it := range started {
				printItem(cmd.OutOrStdout(), "Started", it)
			}
			return err
		},
	}

	configFlag(cmd, &configPath)
	return cmd
}

func newItemBlockCmd() *cobra.Command {
	var (
		configPath string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "block <id>",
		Short: "Block an in-progress item",
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
			it, err := e.Block(cmd.Context(), id, reason)
			if err != nil {
				return err
			}
			printItem(cmd.OutOrStdout(), "Blocked", it)
			return nil
		},
	}

	configFlag(cmd, &configPath)
	cmd.Flags().StringVar(&reason, "reason", "", "why the item is blocked (required)")
	cmd.MarkFlagRequired("reason")
	return cmd
}

func newItemAbandonCmd() *cobra.Command {
	var (
		configPath string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "abandon <id>...",
		Short: "Abandon items",
		Long:  "Moves each item to the terminal abandoned state. Each id succeeds or fails on its own.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return runItemAbandon(cmd, configPath, ids, reason)
		},
	}

	configFlag(cmd, &configPath)
	cmd.Flags().StringVar(&reason, "reason", "", "why the items are abandoned (required)")
	cmd.MarkFlagRequired("reason")
	return cmd
}

func runItemAbandon(cmd *cobra.Command, configPath string, ids []uint, reason string) error {
	_, e, err := loadEngine(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	failed := 0
	for _, r := range e.Abandon(cmd.Context(), ids, reason) {
		if r.Err != nil {
			failed++
			fmt.Fprintf(out, "item %d: %v\n", r.ID, r.Err)
			continue
		}
		printItem(out, "Abandoned", r.Item)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d items not abandoned", failed, len(ids))
	}
	return nil
}

// --- gate inputs ---

func newItemStepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "step <id> <step>",
		Short: "Mark a step of the current phase as done",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, e, err := loadEngine(configPath)
			if err != nil {
				return err
			}
			it, err := e.CompleteStep(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			printItem(cmd.OutOrStdout(), "Stepped", it)
			return nil
		},
	}

	configFlag(cmd, &configPath)
	return cmd
}

func newItemApproveCmd() *cobra.Command {
	var (
		configPath string
		comment    string
	)

	cmd := &cobra.Command{
		Use:   "approve <id> <gate>",
		Short: "Record an approval on a gate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, e, err := loadEngine(configPath)
			if err != nil {
				return err
			}
			if _, err := e.RecordApproval(cmd.Context(), id, args[1], comment); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Approved gate %s for item %d\n", args[1], id)
			return nil
		},
	}

	configFlag(cmd, &configPath)
	cmd.Flags().StringVar(&comment, "comment", "", "approval comment")
	return cmd
}

func newItemCheckCmd() *cobra.Command {
	var (
		configPath string
		failed     bool
	)

	cmd := &cobra.Command{
		Use:   "check <id> <name>",
		Short: "Record the result of a named check",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, e, err := loadEngine(configPath)
			if err != nil {
				return err
			}
			if _, err := e.RecordCheck(cmd.Context(), id, args[1], !failed); err != nil {
				return err
			}
			result := "passed"
			if failed {
				result = "failed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recorded check %s %s for item %d\n", args[1], result, id)
			return nil
		},
	}

	configFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&failed, "failed", false, "record the check as failed")
	return cmd
}

func newItemTestsCmd() *cobra.Command {
	var (
		configPath string
		file       string
	)

	cmd := &cobra.Command{
		Use:   "tests <id>",
		Short: "Record test results from runner output",
		Long:  "Parses test runner output (from --file or stdin) and records the tests_passing check.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var data []byte
			if file != "" {
				data, err = os.ReadFile(file)
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read test output: %w", err)
			}
			_, e, err := loadEngine(configPath)
			if err != nil {
				return err
			}
			s, _, err := e.RecordTestResults(cmd.Context(), id, string(data))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Item %d: %d passed, %d failed, %d skipped, %d errors (tests_passing=%t)\n",
				id, s.Passed, s.Failed, s.Skipped, s.Errors, s.OK())
			return nil
		},
	}

	configFlag(cmd, &configPath)
	cmd.Flags().StringVar(&file, "file", "", "file holding test output (default: stdin)")
	return cmd
}

func newItemOwnCmd() *cobra.Command {
	var (
		configPath string
		roles      []string
	)

	cmd := &cobra.Command{
		Use:   "own <id>",
		Short: "Set the ownership plan for the parallel phase",
		Long: `Assigns files to worker roles, e.g.
  sy item own 4 --role backend=internal/api/ --role tests=internal/api/api_test.go
Overlapping ownership between roles is rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			plan, err := parseOwnership(roles)
			if err != nil {
				return err
			}
			_, e, err := loadEngine(configPath)
			if err != nil {
				return err
			}
			it, err := e.SetOwnershipPlan(cmd.Context(), id, plan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ownership plan set for item %d: %d roles\n", id, len(it.Ownership))
			return nil
		},
	}

	configFlag(cmd, &configPath)
	cmd.Flags().StringArrayVar(&roles, "role", nil, "role=file[,file...] (repeatable)")
	cmd.MarkFlagRequired("role")
	return cmd
}

// parseOwnership parses role=file,file entries. A role given twice
// accumulates files.
func parseOwnership(entries []string) (map[string][]string, error) {
	plan := make(map[string][]string)
	for _, entry := range entries {
		role, files, ok := strings.Cut(entry, "=")
		role = strings.TrimSpace(role)
		if !ok || role == "" || strings.TrimSpace(files) == "" {
			return nil, fmt.Errorf("invalid --role %q: want role=file[,file...]", entry)
		}
		for _, f := range strings.Split(files, ",") {
			if f = strings.TrimSpace(f); f != "" {
				plan[role] = append(plan[role], f)
			}
		}
	}
	return plan, nil
}

func newItemPRCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "pr <id> <number>",
		Short: "Link a pull request to an item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			number, err := parseID(args[1])
			if err != nil {
				return err
			}
			_, e, err := loadEngine(configPath)
			if err != nil {
				return err
			}
			if _, err := e.LinkPullRequest(cmd.Context(), id, int(number)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Linked PR #%d to item %d\n", number, id)
			return nil
		},
	}

	configFlag(cmd, &configPath)
	return cmd
}

// --- maintenance ---

func newItemReconcileCmd() *cobra.Command {
	var (
		configPath string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile [id...]",
		Short: "Move artifacts back to their canonical locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("give item ids or --all")
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return runItemReconcile(cmd, configPath, ids, all)
		},
	}

	configFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&all, "all", false, "reconcile every item")
	return cmd
}

func runItemReconcile(cmd *cobra.Command, configPath string, ids []uint, all bool) error {
	_, e, err := loadEngine(configPath)
	if err != nil {
		return err
	}
	if all {
		items, err := e.List(store.ListFilters{})
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, it := range items {
			ids = append(ids, it.ID)
		}
	}
	out := cmd.OutOrStdout()
	failed := 0
	for _, id := range ids {
		o, err := e.Reconcile(cmd.Context(), id)
		if err != nil {
			failed++
			fmt.Fprintf(out, "item %d: %v\n", id, err)
			continue
		}
		fmt.Fprintln(out, o.String())
	}
	if failed > 0 {
		return fmt.Errorf("%d items could not be reconciled", failed)
	}
	return nil
}

func newItemCommitCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "commit-check <id>",
		Short: "Exit non-zero unless the item may be committed",
		Long:  "Intended for git hooks: succeeds only once the item has reached the commit phase.",
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
			ok, reason, err := e.CanCommit(id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("commit refused: %s", reason)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Item %d may be committed\n", id)
			return nil
		},
	}

	configFlag(cmd, &configPath)
	return cmd
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
