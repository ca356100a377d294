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
	"gorm.io/gorm"
)

// Start moves items from Todo to InProgress, in the order given. An id
// whose group has not started yet starts every member of that group
// together. Start stops at the first failure and returns the items started
// before it.
func (e *Engine) Start(ctx context.Context, ids ...uint) ([]*models.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(ids) == 0 {
		return nil, &errs.ValidationError{Unmet: []string{"at least one item id is required"}}
	}
	var started []*models.Item
	seen := make(map[uint]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		it, err := store.GetItem(e.db, id)
		if err != nil {
			return started, err
		}
		if it.GroupID != nil {
			begun, err := e.groupStarted(*it.GroupID)
			if err != nil {
				return started, err
			}
			if !begun {
				items, err := e.startGroup(ctx, *it.GroupID)
				if err != nil {
					return started, err
				}
				for _, m := range items {
					seen[m.ID] = true
				}
				started = append(started, items...)
				continue
			}
		}
		item, err := e.startOne(ctx, id)
		if err != nil {
			return started, err
		}
		seen[id] = true
		started = append(started, item)
	}
	return started, nil
}

// groupStarted reports whether any member of the group has entered
// InProgress. Abandoning an unstarted member does not start the group.
func (e *Engine) groupStarted(groupID uint) (bool, error) {
	if _, err := store.GetGroup(e.db, groupID); err != nil {
		return false, err
	}
	members, err := store.GroupMembers(e.db, groupID)
	if err != nil {
		return false, err
	}
	return anyStarted(members), nil
}

func anyStarted(members []models.Item) bool {
	for _, m := range members {
		if m.StartedAt != nil {
			return true
		}
	}
	return false
}

// enter applies the InProgress entry to an item.
func (e *Engine) enter(it *models.Item) {
	first := e.gates.First()
	now := e.now()
	it.Status = models.StatusInProgress
	it.Phase = first.Name
	it.Step = gate.FirstStep(first)
	stamp(&it.StartedAt, now)
	t := now
	it.ActiveSince = &t
}

func (e *Engine) startOne(ctx context.Context, id uint) (*models.Item, error) {
	before, after, err := e.update(id, func(it *models.Item) error {
		if it.Status != models.StatusTodo {
			return stateErr(it, "start", "only todo items can be started")
		}
		return nil
	}, e.enter)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, after, audit.EventStarted, before.Status, "")
	return e.place(ctx, id)
}

// startGroup starts every non-abandoned member of a group in one
// transaction. Every such member must be in Todo.
func (e *Engine) startGroup(ctx context.Context, groupID uint) ([]*models.Item, error) {
	g, err := store.GetGroup(e.db, groupID)
	if err != nil {
		return nil, err
	}
	members, err := store.GroupMembers(e.db, groupID)
	if err != nil {
		return nil, err
	}
	var offenders []string
	var todo []models.Item
	for _, m := range members {
		switch m.Status {
		case models.StatusAbandoned:
		case models.StatusTodo:
			todo = append(todo, m)
		default:
			offenders = append(offenders, fmt.Sprintf("item %d (%s)", m.ID, m.Status))
		}
	}
	status := gate.DeriveStatus(g, members)
	if len(offenders) > 0 {
		return nil, &errs.StateError{Kind: "group", ID: groupID, Op: "start", Status: status,
			Reason: "every member must be todo before the group starts", Offenders: offenders}
	}
	if len(todo) == 0 {
		return nil, &errs.StateError{Kind: "group", ID: groupID, Op: "start", Status: status, Reason: "group has no members to start"}
	}

	err = retry(func() error {
		return e.db.Transaction(func(tx *gorm.DB) error {
			for _, m := range todo {
				cur, err := store.GetItem(tx, m.ID)
				if err != nil {
					return err
				}
				if cur.Status != models.StatusTodo {
					return stateErr(cur, "start", "only todo items can be started")
				}
				if _, err := store.UpdateItem(tx, m.ID, cur.Version, func(it *models.Item) error {
					e.enter(it)
					return nil
				}); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	var started []*models.Item
	for _, m := range todo {
		it, err := store.GetItem(e.db, m.ID)
		if err != nil {
			return started, err
		}
		e.emit(ctx, it, audit.EventStarted, models.StatusTodo, fmt.Sprintf("group %d started", groupID))
	}
	for _, m := range todo {
		it, err := e.place(ctx, m.ID)
		if err != nil {
			return started, err
		}
		started = append(started, it)
	}
	return started, nil
}

// AdvancePhase moves an InProgress item past its current gate. Every unmet
// condition is reported and nothing changes unless the gate is open.
func (e *Engine) AdvancePhase(ctx context.Context, id uint) (*models.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var from, to string
	_, after, err := e.update(id, func(it *models.Item) error {
		if it.Status != models.StatusInProgress {
			return stateErr(it, "advance phase", "only in-progress items advance")
		}
		if e.workers != nil && e.workers.Active(id) {
			return stateErr(it, "advance phase", fmt.Sprintf("parallel phase %q is still running", it.Phase))
		}
		next, ok := e.gates.Next(it.Phase)
		if !ok {
			if _, _, known := e.gates.Phase(it.Phase); !known {
				return stateErr(it, "advance phase", fmt.Sprintf("phase %q is not defined", it.Phase))
			}
			return stateErr(it, "advance phase", fmt.Sprintf("phase %q is the final phase; complete the item instead", it.Phase))
		}
		if err := e.gates.Check(ctx, it); err != nil {
			return err
		}
		from, to = it.Phase, next.Name
		return nil
	}, func(it *models.Item) {
		next, _ := e.gates.Next(it.Phase)
		it.Phase = next.Name
		it.Step = gate.FirstStep(next)
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, after, audit.EventPhaseAdvanced, after.Status, fmt.Sprintf("%s → %s", from, to))
	return e.place(ctx, id)
}

// Block pauses an InProgress item. The hours of the current work segment
// are added to the item.
func (e *Engine) Block(ctx context.Context, id uint, reason string) (*models.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &errs.ValidationError{ItemID: id, Unmet: []string{"block reason is required"}}
	}
	before, after, err := e.update(id, func(it *models.Item) error {
		if it.Status != models.StatusInProgress {
			return stateErr(it, "block", "only in-progress items can be blocked")
		}
		if e.workers != nil && e.workers.Active(id) {
			return stateErr(it, "block", fmt.Sprintf("parallel phase %q is running; abandon or wait for it", it.Phase))
		}
		return nil
	}, func(it *models.Item) {
		now := e.now()
		accrue(it, now)
		it.Status = models.StatusBlocked
		it.BlockReason = reason
		stamp(&it.BlockedAt, now)
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, after, audit.EventBlocked, before.Status, reason)
	return e.place(ctx, id)
}

// Resume returns a Blocked item to InProgress, keeping its hours.
func (e *Engine) Resume(ctx context.Context, id uint) (*models.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	before, after, err := e.update(id, func(it *models.Item) error {
		if it.Status != models.StatusBlocked {
			return stateErr(it, "resume", "only blocked items can be resumed")
		}
		return nil
	}, func(it *models.Item) {
		now := e.now()
		it.Status = models.StatusInProgress
		it.BlockReason = ""
		it.ActiveSince = &now
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, after, audit.EventResumed, before.Status, before.BlockReason)
	return e.place(ctx, id)
}

// AbandonResult is the outcome of abandoning one id of a batch.
type AbandonResult struct {
	ID   uint
	Item *models.Item
	Err  error
}

// Abandon moves each item to the terminal Abandoned state. Every id is
// handled on its own: a failure is reported for that id and does not undo
// the others. A running parallel phase is cancelled and its output is
// never merged.
func (e *Engine) Abandon(ctx context.Context, ids []uint, reason string) []AbandonResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	reason = strings.TrimSpace(reason)
	results := make([]AbandonResult, 0, len(ids))
	for _, id := range ids {
		res := AbandonResult{ID: id}
		if reason == "" {
			res.Err = &errs.ValidationError{ItemID: id, Unmet: []string{"abandon reason is required"}}
		} else {
			res.Item, res.Err = e.abandonOne(ctx, id, reason)
		}
		results = append(results, res)
	}
	return results
}

func (e *Engine) abandonOne(ctx context.Context, id uint, reason string) (*models.Item, error) {
	before, after, err := e.update(id, func(it *models.Item) error {
		switch it.Status {
		case models.StatusBacklog, models.StatusTodo, models.StatusInProgress, models.StatusBlocked:
			return nil
		case models.StatusAbandoned:
			return stateErr(it, "abandon", "item is already abandoned")
		default:
			return stateErr(it, "abandon", "finished items cannot be abandoned")
		}
	}, func(it *models.Item) {
		now := e.now()
		accrue(it, now)
		it.Status = models.StatusAbandoned
		it.AbandonReason = reason
		stamp(&it.AbandonedAt, now)
	})
	if err != nil {
		return nil, err
	}
	if e.workers != nil && e.workers.Cancel(id) {
		reason += " (parallel phase cancelled)"
	}
	e.emit(ctx, after, audit.EventAbandoned, before.Status, reason)
	return e.place(ctx, id)
}

// Complete finishes an InProgress item in its final phase once the final
// gate is open and every approval the protocol requires is recorded. Any
// refusal is a StateError naming what is missing.
func (e *Engine) Complete(ctx context.Context, id uint) (*models.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	before, after, err := e.update(id, func(it *models.Item) error {
		if it.Status != models.StatusInProgress {
			return stateErr(it, "complete", "only in-progress items can be completed")
		}
		final := e.gates.Final()
		if it.Phase != final.Name {
			return stateErr(it, "complete", fmt.Sprintf("item is in phase %q, not the final phase %q", it.Phase, final.Name))
		}
		unmet := e.gates.Unmet(ctx, it)
		for _, g := range e.gates.MissingApprovals(it) {
			if g != final.Gate.Name {
				unmet = append(unmet, fmt.Sprintf("approval for gate %q not recorded", g))
			}
		}
		if len(unmet) > 0 {
			return stateErr(it, "complete", fmt.Sprintf("gate %q unmet: %s", final.Gate.Name, strings.Join(unmet, "; ")))
		}
		return nil
	}, func(it *models.Item) {
		now := e.now()
		accrue(it, now)
		it.Status = models.StatusDone
		stamp(&it.CompletedAt, now)
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, after, audit.EventCompleted, before.Status, fmt.Sprintf("%.2fh", after.HoursAccumulated))
	return e.place(ctx, id)
}
