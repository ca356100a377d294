package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/sprintyard/internal/gate"
	"github.com/zulandar/sprintyard/internal/lifecycle"
	"github.com/zulandar/sprintyard/internal/models"
)

func newGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Group commands",
	}

	cmd.AddCommand(newGroupCreateCmd())
	cmd.AddCommand(newGroupListCmd())
	cmd.AddCommand(newGroupStatusCmd())
	cmd.AddCommand(newGroupArchiveCmd())
	cmd.AddCommand(newGroupAssignCmd())
	cmd.AddCommand(newGroupUnassignCmd())
	return cmd
}

func newGroupCreateCmd() *cobra.Command {
	var (
		configPath string
		title      string
		id         uint
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a group",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, e, err := loadEngine(configPath)
			if err != nil {
				return err
			}
			g, err := e.CreateGroup(cmd.Context(), lifecycle.CreateGroupOpts{Title: title, ID: id})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created group %d: %s\n", g.ID, g.Title)
			return nil
		},
	}

	configFlag(cmd, &configPath)
	cmd.Flags().StringVar(&title, "title", "", "group title (required)")
	cmd.Flags().UintVar(&id, "id", 0, "explicit group id (default: next free id)")
	cmd.MarkFlagRequired("title")
	return cmd
}

func newGroupListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List groups with their derived status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGroupList(cmd, configPath)
		},
	}

	configFlag(cmd, &configPath)
	return cmd
}

func runGroupList(cmd *cobra.Command, configPath string) error {
	_, e, err := loadEngine(configPath)
	if err != nil {
		return err
	}
	groups, err := e.ListGroups()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(groups) == 0 {
		fmt.Fprintln(out, "No groups found.")
		return nil
	}

	width := titleWidth()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tMEMBERS\tHOURS")
	for _, g := range groups {
		r, err := e.GroupStatus(g.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
			g.ID, truncate(g.Title, width), r.Status, len(r.Members), formatHours(r.TotalHours))
	}
	w.Flush()
	return nil
}

func newGroupStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a group and its members",
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
			r, err := e.GroupStatus(id)
			if err != nil {
				return err
			}
			printGroupReport(cmd, r)
			return nil
		},
	}

	configFlag(cmd, &configPath)
	return cmd
}

func printGroupReport(cmd *cobra.Command, r *gate.GroupReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:          %d\n", r.Group.ID)
	fmt.Fprintf(out, "Title:       %s\n", r.Group.Title)
	fmt.Fprintf(out, "Status:      %s\n", r.Status)
	fmt.Fprintf(out, "Hours:       %s\n", formatHours(r.TotalHours))
	if len(r.Members) == 0 {
		fmt.Fprintln(out, "\nNo members.")
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tHOURS\tARTIFACT")
	width := titleWidth()
	for _, m := range r.Members {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			m.ID, truncate(m.Title, width), m.Status, formatHours(m.HoursAccumulated), m.ArtifactPath)
	}
	w.Flush()
}

func newGroupArchiveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a group whose members have all finished",
		Long: `Moves every done member of the group to the archive and marks the group
archived. Fails, naming the offending members, while any member is unfinished.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, e, err := loadEngine(configPath)
			if err != nil {
				return err
			}
			r, err := e.ArchiveGroup(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archived group %d (%d members, %s)\n",
				r.Group.ID, len(r.Members), formatHours(r.TotalHours))
			return nil
		},
	}

	configFlag(cmd, &configPath)
	return cmd
}

func newGroupAssignCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "assign <item> <group>",
		Short: "Add an unstarted item to a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			_, e, err := loadEngine(configPath)
			if err != nil {
				return err
			}
			it, err := e.AssignGroup(cmd.Context(), ids[0], ids[1])
			if err != nil {
				return err
			}
			printItem(cmd.OutOrStdout(), "Assigned", it)
			return nil
		},
	}

	configFlag(cmd, &configPath)
	return cmd
}

func newGroupUnassignCmd() *cobra.Command {
	return newItemOpCmd("unassign", "Remove an unstarted item from its group", "Unassigned",
		func(ctx context.Context, e *lifecycle.Engine, id uint) (*models.Item, error) {
			return e.UnassignGroup(ctx, id)
		})
}
