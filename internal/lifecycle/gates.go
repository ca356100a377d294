package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/sprintyard/internal/audit"
	"github.com/zulandar/sprintyard/internal/errs"
	"github.com/zulandar/sprintyard/internal/gate"
	"github.com/zulandar/sprintyard/internal/models"
	"github.com/zulandar/sprintyard/internal/store"
	"github.com/zulandar/sprintyard/internal/worker"
)

// finished reports whether no further work can be recorded for a status.
func finished(status string) bool {
	switch status {
	case models.StatusAbandoned, models.StatusDone, models.StatusArchived:
		return true
	}
	return false
}

func requireOpen(op string) func(*models.Item) error {
	return func(it *models.Item) error {
		if finished(it.Status) {
			return stateErr(it, op, "item is finished")
		}
		return nil
	}
}

// RecordApproval records an explicit sign-off on a named gate. Approving a
// gate that is already approved changes nothing.
func (e *Engine) RecordApproval(ctx context.Context, id uint, gateName, comment string) (*models.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.gates.GateOf(gateName); !ok {
		return nil, &errs.ValidationError{ItemID: id, Unmet: []string{fmt.Sprintf("unknown gate %q", gateName)}}
	}
	cur, err := store.GetItem(e.db, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == models.StatusAbandoned || cur.Status == models.StatusArchived {
		return nil, stateErr(cur, "record approval", "item is closed")
	}
	if cur.Approved(gateName) {
		return cur, nil
	}
	_, after, err := e.update(id, func(it *models.Item) error {
		if it.Status == models.StatusAbandoned || it.Status == models.StatusArchived {
			return stateErr(it, "record approval", "item is closed")
		}
		return nil
	}, func(it *models.Item) {
		gate.ApplyApproval(it, gateName, comment, e.now())
	})
	if err != nil {
		return nil, err
	}
	detail := gateName
	if comment != "" {
		detail += ": " + comment
	}
	e.emit(ctx, after, audit.EventApproved, after.Status, detail)
	return after, nil
}

// CompleteStep marks a step of the item's current phase as done and moves
// the item to the next open step.
func (e *Engine) CompleteStep(ctx context.Context, id uint, step string) (*models.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, after, err := e.update(id, func(it *models.Item) error {
		if it.Status != models.StatusInProgress {
			return stateErr(it, "complete step", "only in-progress items record steps")
		}
		p, _, ok := e.gates.Phase(it.Phase)
		if !ok {
			return stateErr(it, "complete step", fmt.Sprintf("phase %q is not defined", it.Phase))
		}
		for _, s := range p.Steps {
			if s == step {
				return nil
			}
		}
		return &errs.ValidationError{ItemID: it.ID, Status: it.Status,
			Unmet: []string{fmt.Sprintf("step %q is not part of phase %q (steps: %s)", step, p.Name, strings.Join(p.Steps, ", "))}}
	}, func(it *models.Item) {
		if !it.StepDone(step) {
			it.CompletedSteps = append(it.CompletedSteps, step)
		}
		p, _, _ := e.gates.Phase(it.Phase)
		it.Step = gate.NextStep(p, it)
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, after, audit.EventStepCompleted, after.Status, step)
	return after, nil
}

// RecordCheck stores the result of a named check.
func (e *Engine) RecordCheck(ctx context.Context, id uint, name string, passed bool) (*models.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recordCheck(ctx, id, name, passed)
}

func (e *Engine) recordCheck(ctx context.Context, id uint, name string, passed bool) (*models.Item, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &errs.ValidationError{ItemID: id, Unmet: []string{"check name is required"}}
	}
	_, after, err := e.update(id, requireOpen("record check"), func(it *models.Item) {
		if it.Checks == nil {
			it.Checks = make(map[string]bool)
		}
		it.Checks[name] = passed
	})
	if err != nil {
		return nil, err
	}
	result := "failed"
	if passed {
		result = "passed"
	}
	e.emit(ctx, after, audit.EventCheckRecorded, after.Status, name+" "+result)
	return after, nil
}

// TestsPassingCheck is the check set from parsed test output.
const TestsPassingCheck = "tests_passing"

// RecordTestResults parses test runner output and records whether the
// tests passed.
func (e *Engine) RecordTestResults(ctx context.Context, id uint, output string) (gate.TestSummary, *models.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	summary, ok := gate.ParseTestSummary(output)
	if !ok {
		return summary, nil, &errs.ValidationError{ItemID: id, Unmet: []string{"no test summary found in output"}}
	}
	item, err := e.recordCheck(ctx, id, TestsPassingCheck, summary.OK())
	if err != nil {
		return summary, nil, err
	}
	return summary, item, nil
}

// SetOwnershipPlan stores the role to file mapping for the item's parallel
// phase. Overlapping ownership is rejected here, before anything runs.
func (e *Engine) SetOwnershipPlan(ctx context.Context, id uint, plan map[string][]string) (*models.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	normalized := worker.Plan(plan).Normalize()
	if err := worker.ValidatePlan(id, normalized); err != nil {
		return nil, err
	}
	_, after, err := e.update(id, func(it *models.Item) error {
		if err := requireOpen("set ownership plan")(it); err != nil {
			return err
		}
		if e.workers != nil && e.workers.Active(id) {
			return stateErr(it, "set ownership plan", "parallel phase is running")
		}
		return nil
	}, func(it *models.Item) {
		it.Ownership = map[string][]string(normalized)
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, after, audit.EventOwnershipSet, after.Status, strings.Join(normalized.Roles(), ", "))
	return after, nil
}

// LinkPullRequest records the pull request number checked by github_pr
// conditions.
func (e *Engine) LinkPullRequest(ctx context.Context, id uint, number int) (*models.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if number <= 0 {
		return nil, &errs.ValidationError{ItemID: id, Unmet: []string{"pull request number must be positive"}}
	}
	_, after, err := e.update(id, requireOpen("link pull request"), func(it *models.Item) {
		it.PullRequest = number
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, after, audit.EventPullRequest, after.Status, fmt.Sprintf("#%d", number))
	return after, nil
}

// CanCommit reports whether the item has reached the phase where commits
// are allowed, with the reason when it has not.
func (e *Engine) CanCommit(id uint) (bool, string, error) {
	it, err := store.GetItem(e.db, id)
	if err != nil {
		return false, "", err
	}
	ok, reason := e.gates.CanCommit(it)
	return ok, reason, nil
}

// GateStatus returns the unmet conditions of the item's current gate. An
// empty list means the gate is open.
func (e *Engine) GateStatus(ctx context.Context, id uint) (string, []string, error) {
	it, err := store.GetItem(e.db, id)
	if err != nil {
		return "", nil, err
	}
	p, _, ok := e.gates.Phase(it.Phase)
	if !ok {
		return "", nil, stateErr(it, "gate status", "item has not entered a phase")
	}
	return p.Gate.Name, e.gates.Unmet(ctx, it), nil
}
