package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zulandar/sprintyard/internal/config"
	"github.com/zulandar/sprintyard/internal/db"
	"github.com/zulandar/sprintyard/internal/gate"
	"github.com/zulandar/sprintyard/internal/lifecycle"
	"github.com/zulandar/sprintyard/internal/location"
	"github.com/zulandar/sprintyard/internal/notify"
	"github.com/zulandar/sprintyard/internal/notify/discord"
	"github.com/zulandar/sprintyard/internal/notify/slack"
	"github.com/zulandar/sprintyard/internal/worker"
	"golang.org/x/term"
	"gorm.io/gorm"
)

const defaultConfigPath = "sprintyard.yaml"

// workspaceRoot resolves cfg.Root against the directory holding the config
// file.
func workspaceRoot(cfg *config.Config, configPath string) string {
	if filepath.IsAbs(cfg.Root) {
		return cfg.Root
	}
	return filepath.Join(filepath.Dir(configPath), cfg.Root)
}

func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database, workspaceRoot(cfg, configPath))
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// loadEngine builds a lifecycle engine with every collaborator the config
// enables.
func loadEngine(configPath string) (*config.Config, *lifecycle.Engine, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	layout := location.Layout{Root: workspaceRoot(cfg, configPath), Ext: cfg.ArtifactExt}

	var prs gate.PullRequestChecker
	if cfg.GitHub.Enabled() {
		prs = gate.NewGitHubChecker(context.Background(), cfg.GitHub.Owner, cfg.GitHub.Repo, os.Getenv(cfg.GitHub.TokenEnv))
	}

	e, err := lifecycle.New(lifecycle.Opts{
		DB:       gormDB,
		Layout:   layout,
		Gates:    gate.New(cfg.Phases, layout, prs),
		Workers:  buildWorkers(cfg, layout.Root),
		Notifier: buildNotifier(cfg),
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, e, nil
}

// buildWorkers returns a coordinator running the configured role commands,
// or nil when no roles are configured.
func buildWorkers(cfg *config.Config, root string) *worker.Coordinator {
	if len(cfg.Workers) == 0 {
		return nil
	}
	runner := &worker.CommandRunner{Commands: make(map[string]worker.Command, len(cfg.Workers))}
	for role, w := range cfg.Workers {
		dir := w.Dir
		if dir == "" {
			dir = root
		} else if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}
		runner.Commands[role] = worker.Command{Argv: w.Command, Dir: dir}
	}
	return worker.NewCoordinator(runner, cfg.MergeOrder)
}

// buildNotifier fans out to every configured chat platform. A platform
// whose token is missing is skipped with a warning.
func buildNotifier(cfg *config.Config) notify.Notifier {
	var targets notify.Multi
	if s := cfg.Notify.Slack; s.Enabled() {
		n, err := slack.New(slack.Opts{BotToken: os.Getenv(s.BotTokenEnv), ChannelID: s.Channel})
		if err != nil {
			log.Printf("sy: slack notifications disabled: %v", err)
		} else {
			targets = append(targets, n)
		}
	}
	if d := cfg.Notify.Discord; d.Enabled() {
		n, err := discord.New(discord.Opts{BotToken: os.Getenv(d.BotTokenEnv), ChannelID: d.Channel})
		if err != nil {
			log.Printf("sy: discord notifications disabled: %v", err)
		} else {
			targets = append(targets, n)
		}
	}
	if len(targets) == 0 {
		return notify.Nop{}
	}
	return targets
}

// parseID parses a positive item or group id.
func parseID(s string) (uint, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid id %q: must be a positive integer", s)
	}
	return uint(n), nil
}

func parseIDs(args []string) ([]uint, error) {
	ids := make([]uint, 0, len(args))
	for _, a := range args {
		id, err := parseID(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// titleWidth returns how many characters of a title fit in list output.
func titleWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 50
	}
	w, _, err := term.GetSize(fd)
	if err != nil || w < 80 {
		return 30
	}
	// Leave room for the other columns.
	return w - 60
}

// truncate shortens s to n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 3 || len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func formatHours(h float64) string {
	return strconv.FormatFloat(h, 'f', 2, 64) + "h"
}
