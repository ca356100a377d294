// Package config provides YAML-based configuration loading for Sprintyard.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Sprintyard configuration, loaded from sprintyard.yaml.
type Config struct {
	Root        string                  `yaml:"root"`
	ArtifactExt string                  `yaml:"artifact_ext"`
	Database    DatabaseConfig          `yaml:"database"`
	Phases      []PhaseConfig           `yaml:"phases"`
	MergeOrder  []string                `yaml:"merge_order"`
	Workers     map[string]WorkerConfig `yaml:"workers"`
	Notify      NotifyConfig            `yaml:"notify"`
	GitHub      GitHubConfig            `yaml:"github"`
	Dashboard   DashboardConfig         `yaml:"dashboard"`
}

// DatabaseConfig selects and locates the state store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or mysql
	Path   string `yaml:"path"`   // sqlite file, relative to root
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	User   string `yaml:"user"`
	Name   string `yaml:"name"`
}

// PhaseConfig is one step of the lifecycle protocol and the gate that
// closes it.
type PhaseConfig struct {
	Name     string     `yaml:"name"`
	Steps    []string   `yaml:"steps"`
	Parallel bool       `yaml:"parallel"`
	Gate     GateConfig `yaml:"gate"`
}

// GateConfig lists the conditions that must all hold to leave a phase.
type GateConfig struct {
	Name       string            `yaml:"name"`
	Conditions []ConditionConfig `yaml:"conditions"`
}

// ConditionConfig is a single gate predicate.
type ConditionConfig struct {
	Type     string `yaml:"type"`
	Name     string `yaml:"name"`
	Optional bool   `yaml:"optional"`
}

// Condition types understood by the gate controller.
const (
	CondApproval         = "approval"
	CondCheck            = "check"
	CondArtifact         = "artifact"
	CondSteps            = "steps"
	CondOwnership        = "ownership"
	CondParallelComplete = "parallel_complete"
	CondGitHubPR         = "github_pr"
)

var conditionTypes = map[string]bool{
	CondApproval: true, CondCheck: true, CondArtifact: true, CondSteps: true,
	CondOwnership: true, CondParallelComplete: true, CondGitHubPR: true,
}

// WorkerConfig is the command a parallel-phase worker role runs.
type WorkerConfig struct {
	Command []string `yaml:"command"`
	Dir     string   `yaml:"dir"`
}

// NotifyConfig enables chat notifications for lifecycle events.
type NotifyConfig struct {
	Slack      SlackConfig   `yaml:"slack"`
	Discord    DiscordConfig `yaml:"discord"`
	DigestCron string        `yaml:"digest_cron"`
}

// SlackConfig holds Slack bot settings. Tokens are read from the environment.
type SlackConfig struct {
	BotTokenEnv string `yaml:"bot_token_env"`
	Channel     string `yaml:"channel"`
}

// DiscordConfig holds Discord bot settings.
type DiscordConfig struct {
	BotTokenEnv string `yaml:"bot_token_env"`
	Channel     string `yaml:"channel"`
}

// GitHubConfig identifies the repository whose pull requests gate phases.
type GitHubConfig struct {
	Owner    string `yaml:"owner"`
	Repo     string `yaml:"repo"`
	TokenEnv string `yaml:"token_env"`
}

// DashboardConfig holds the HTTP API settings.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// Enabled reports whether Slack delivery is configured.
func (s SlackConfig) Enabled() bool { return s.BotTokenEnv != "" && s.Channel != "" }

// Enabled reports whether Discord delivery is configured.
func (d DiscordConfig) Enabled() bool { return d.BotTokenEnv != "" && d.Channel != "" }

// Enabled reports whether pull request checks are configured.
func (g GitHubConfig) Enabled() bool { return g.Owner != "" && g.Repo != "" }

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when a workspace has no file yet.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Root == "" {
		c.Root = "."
	}
	if c.ArtifactExt == "" {
		c.ArtifactExt = "md"
	}
	c.ArtifactExt = strings.TrimPrefix(c.ArtifactExt, ".")
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = ".sprintyard/state.db"
		}
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if len(c.Phases) == 0 {
		c.Phases = DefaultPhases()
	}
	if len(c.MergeOrder) == 0 {
		c.MergeOrder = []string{"database", "backend", "frontend", "tests"}
	}
	if c.GitHub.TokenEnv == "" {
		c.GitHub.TokenEnv = "GITHUB_TOKEN"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite":
	case "mysql":
		if c.Database.Name == "" {
			errs = append(errs, "database.name is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}

	phaseNames := make(map[string]bool)
	gateNames := make(map[string]bool)
	for i, p := range c.Phases {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("phases[%d].name is required", i))
		} else if phaseNames[p.Name] {
			errs = append(errs, fmt.Sprintf("phases[%d].name %q is duplicated", i, p.Name))
		}
		phaseNames[p.Name] = true

		if p.Gate.Name == "" {
			errs = append(errs, fmt.Sprintf("phases[%d].gate.name is required", i))
		} else if gateNames[p.Gate.Name] {
			errs = append(errs, fmt.Sprintf("phases[%d].gate.name %q is duplicated", i, p.Gate.Name))
		}
		gateNames[p.Gate.Name] = true

		steps := make(map[string]bool)
		for _, s := range p.Steps {
			if steps[s] {
				errs = append(errs, fmt.Sprintf("phases[%d].steps has duplicate %q", i, s))
			}
			steps[s] = true
		}

		for j, cond := range p.Gate.Conditions {
			if !conditionTypes[cond.Type] {
				errs = append(errs, fmt.Sprintf("phases[%d].gate.conditions[%d].type %q is unknown", i, j, cond.Type))
			}
			if cond.Type == CondCheck && cond.Name == "" {
				errs = append(errs, fmt.Sprintf("phases[%d].gate.conditions[%d].name is required for check", i, j))
			}
			if cond.Type == CondGitHubPR && !c.GitHub.Enabled() {
				errs = append(errs, fmt.Sprintf("phases[%d].gate.conditions[%d] needs github.owner and github.repo", i, j))
			}
		}
	}

	for role, w := range c.Workers {
		if len(w.Command) == 0 {
			errs = append(errs, fmt.Sprintf("workers.%s.command is required", role))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// PhaseIndex returns the position of the named phase, or -1.
func (c *Config) PhaseIndex(name string) int {
	for i, p := range c.Phases {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// DefaultPhases is the six-phase sprint protocol: plan, build in parallel,
// validate, document, commit, and close out.
func DefaultPhases() []PhaseConfig {
	return []PhaseConfig{
		{
			Name:  "planning",
			Steps: []string{"1.1", "1.2"},
			Gate: GateConfig{Name: "plan-approved", Conditions: []ConditionConfig{
				{Type: CondSteps},
				{Type: CondOwnership},
				{Type: CondApproval},
			}},
		},
		{
			Name:     "implementation",
			Steps:    []string{"2.1", "2.2"},
			Parallel: true,
			Gate: GateConfig{Name: "implementation-complete", Conditions: []ConditionConfig{
				{Type: CondParallelComplete},
				{Type: CondCheck, Name: "tests_passing"},
			}},
		},
		{
			Name:  "validation",
			Steps: []string{"3.1", "3.2"},
			Gate: GateConfig{Name: "validation-passed", Conditions: []ConditionConfig{
				{Type: CondSteps},
				{Type: CondCheck, Name: "tests_passing"},
				{Type: CondCheck, Name: "no_hardcoded_secrets"},
				{Type: CondCheck, Name: "migrations_verified", Optional: true},
			}},
		},
		{
			Name:  "documentation",
			Steps: []string{"4.1"},
			Gate: GateConfig{Name: "docs-complete", Conditions: []ConditionConfig{
				{Type: CondSteps},
				{Type: CondArtifact},
				{Type: CondCheck, Name: "code_has_docstrings", Optional: true},
			}},
		},
		{
			Name:  "commit",
			Steps: []string{"5.1"},
			Gate: GateConfig{Name: "commit-ready", Conditions: []ConditionConfig{
				{Type: CondCheck, Name: "git_clean"},
				{Type: CondApproval},
			}},
		},
		{
			Name:  "completion",
			Steps: []string{"6.1"},
			Gate: GateConfig{Name: "completion-approved", Conditions: []ConditionConfig{
				{Type: CondSteps},
				{Type: CondApproval},
			}},
		},
	}
}
