// Package gate enforces phase ordering. Each phase closes with a gate whose
// conditions must all hold before an item may leave the phase.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/sprintyard/internal/artifact"
	"github.com/zulandar/sprintyard/internal/config"
	"github.com/zulandar/sprintyard/internal/errs"
	"github.com/zulandar/sprintyard/internal/location"
	"github.com/zulandar/sprintyard/internal/models"
)

// CommitPhase is the phase before which commits are refused.
const CommitPhase = "commit"

// Controller evaluates gates against items.
type Controller struct {
	phases []config.PhaseConfig
	layout location.Layout
	prs    PullRequestChecker
}

// New creates a Controller for an ordered list of phases. prs may be nil
// when no phase uses a github_pr condition.
func New(phases []config.PhaseConfig, layout location.Layout, prs PullRequestChecker) *Controller {
	return &Controller{phases: phases, layout: layout, prs: prs}
}

// Phases returns the configured phases in order.
func (c *Controller) Phases() []config.PhaseConfig {
	return c.phases
}

// First returns the phase every started item enters.
func (c *Controller) First() config.PhaseConfig {
	return c.phases[0]
}

// Final returns the last phase.
func (c *Controller) Final() config.PhaseConfig {
	return c.phases[len(c.phases)-1]
}

// Phase looks up a phase by name.
func (c *Controller) Phase(name string) (config.PhaseConfig, int, bool) {
	for i, p := range c.phases {
		if p.Name == name {
			return p, i, true
		}
	}
	return config.PhaseConfig{}, -1, false
}

// Next returns the phase after name, if any.
func (c *Controller) Next(name string) (config.PhaseConfig, bool) {
	_, i, ok := c.Phase(name)
	if !ok || i+1 >= len(c.phases) {
		return config.PhaseConfig{}, false
	}
	return c.phases[i+1], true
}

// GateOf returns the phase whose gate has the given name.
func (c *Controller) GateOf(gateName string) (config.PhaseConfig, bool) {
	for _, p := range c.phases {
		if p.Gate.Name == gateName {
			return p, true
		}
	}
	return config.PhaseConfig{}, false
}

// ApprovalGates returns the names of every gate that requires an approval,
// in phase order.
func (c *Controller) ApprovalGates() []string {
	var names []string
	for _, p := range c.phases {
		for _, cond := range p.Gate.Conditions {
			if cond.Type == config.CondApproval {
				names = append(names, p.Gate.Name)
				break
			}
		}
	}
	return names
}

// MissingApprovals lists approval gates the item has not been signed off on.
func (c *Controller) MissingApprovals(item *models.Item) []string {
	var missing []string
	for _, g := range c.ApprovalGates() {
		if !item.Approved(g) {
			missing = append(missing, g)
		}
	}
	return missing
}

// FirstStep returns the first step id of a phase, or "".
func FirstStep(p config.PhaseConfig) string {
	if len(p.Steps) == 0 {
		return ""
	}
	return p.Steps[0]
}

// NextStep returns the first step of p the item has not completed, or the
// last step when all are done.
func NextStep(p config.PhaseConfig, item *models.Item) string {
	for _, s := range p.Steps {
		if !item.StepDone(s) {
			return s
		}
	}
	if len(p.Steps) == 0 {
		return ""
	}
	return p.Steps[len(p.Steps)-1]
}

// Unmet evaluates every condition of the item's current gate and returns a
// description of each one that does not hold. An empty result means the
// gate is open.
func (c *Controller) Unmet(ctx context.Context, item *models.Item) []string {
	p, _, ok := c.Phase(item.Phase)
	if !ok {
		return []string{fmt.Sprintf("phase %q is not defined", item.Phase)}
	}
	var unmet []string
	for _, cond := range p.Gate.Conditions {
		unmet = append(unmet, c.evaluate(ctx, p, cond, item)...)
	}
	return unmet
}

// Check returns a ValidationError listing every unmet condition of the
// item's current gate, or nil when the gate is open.
func (c *Controller) Check(ctx context.Context, item *models.Item) error {
	unmet := c.Unmet(ctx, item)
	if len(unmet) == 0 {
		return nil
	}
	p, _, _ := c.Phase(item.Phase)
	return &errs.ValidationError{ItemID: item.ID, Status: item.Status, Gate: p.Gate.Name, Unmet: unmet}
}

func (c *Controller) evaluate(ctx context.Context, p config.PhaseConfig, cond config.ConditionConfig, item *models.Item) []string {
	switch cond.Type {
	case config.CondApproval:
		if !item.Approved(p.Gate.Name) {
			return []string{fmt.Sprintf("approval for gate %q not recorded", p.Gate.Name)}
		}
	case config.CondCheck:
		passed, recorded := item.Checks[cond.Name]
		switch {
		case cond.Optional && recorded && !passed:
			return []string{fmt.Sprintf("optional check %q failed", cond.Name)}
		case cond.Optional:
		case !recorded:
			return []string{fmt.Sprintf("check %q not recorded", cond.Name)}
		case !passed:
			return []string{fmt.Sprintf("check %q failed", cond.Name)}
		}
	case config.CondArtifact:
		if item.ArtifactPath == "" || !artifact.Exists(c.layout.Abs(item.ArtifactPath)) {
			return []string{fmt.Sprintf("artifact missing at %q", item.ArtifactPath)}
		}
	case config.CondSteps:
		var unmet []string
		for _, s := range p.Steps {
			if !item.StepDone(s) {
				unmet = append(unmet, fmt.Sprintf("step %s not completed", s))
			}
		}
		return unmet
	case config.CondOwnership:
		if len(item.Ownership) == 0 {
			return []string{"ownership plan not set"}
		}
	case config.CondParallelComplete:
		if item.Parallel == nil || item.Parallel.Phase != p.Name {
			return []string{fmt.Sprintf("parallel phase %q has not completed", p.Name)}
		}
	case config.CondGitHubPR:
		return c.evaluatePR(ctx, item)
	default:
		return []string{fmt.Sprintf("unknown condition type %q", cond.Type)}
	}
	return nil
}

func (c *Controller) evaluatePR(ctx context.Context, item *models.Item) []string {
	if item.PullRequest == 0 {
		return []string{"pull request not linked"}
	}
	if c.prs == nil {
		return []string{"github is not configured"}
	}
	merged, err := c.prs.Merged(ctx, item.PullRequest)
	if err != nil {
		return []string{fmt.Sprintf("pull request #%d could not be checked: %v", item.PullRequest, err)}
	}
	if !merged {
		return []string{fmt.Sprintf("pull request #%d not merged", item.PullRequest)}
	}
	return nil
}

// ApplyApproval records an approval for gateName on item. It reports false,
// leaving the item untouched, when the gate is already approved.
func ApplyApproval(item *models.Item, gateName, comment string, now time.Time) bool {
	if item.Approved(gateName) {
		return false
	}
	if item.Approvals == nil {
		item.Approvals = make(map[string]models.Approval)
	}
	item.Approvals[gateName] = models.Approval{ApprovedAt: now, Comment: comment}
	return true
}

// CanCommit reports whether an item has reached the commit phase. The
// returned reason explains a refusal.
func (c *Controller) CanCommit(item *models.Item) (bool, string) {
	if item.Status != models.StatusInProgress {
		return false, fmt.Sprintf("item %d is %s", item.ID, item.Status)
	}
	_, commitIdx, ok := c.Phase(CommitPhase)
	if !ok {
		commitIdx = len(c.phases) - 1
	}
	_, idx, _ := c.Phase(item.Phase)
	if idx < commitIdx {
		return false, fmt.Sprintf("item %d is in phase %q; commits open at phase %q", item.ID, item.Phase, c.phases[commitIdx].Name)
	}
	return true, ""
}
