package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/zulandar/sprintyard/internal/config"
	"github.com/zulandar/sprintyard/internal/db"
	"github.com/zulandar/sprintyard/internal/location"
	"gopkg.in/yaml.v3"
)

func newInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a Sprintyard workspace",
		Long: `Writes a default config file if none exists, creates the canonical
artifact directories, and migrates the state store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sprintyard config file")
	return cmd
}

func runInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		data, err := yaml.Marshal(config.Default())
		if err != nil {
			return fmt.Errorf("render default config: %w", err)
		}
		if err := os.WriteFile(configPath, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", configPath, err)
		}
		fmt.Fprintf(out, "Wrote default config to %s\n", configPath)
	}

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	layout := location.Layout{Root: workspaceRoot(cfg, configPath), Ext: cfg.ArtifactExt}
	for _, dir := range layout.RootDirs() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	fmt.Fprintf(out, "Workspace ready at %s\n", layout.Root)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables (%s)\n", len(db.AllModels()), cfg.Database.Driver)
	fmt.Fprintf(out, "Protocol: %d phases\n", len(cfg.Phases))
	return nil
}
