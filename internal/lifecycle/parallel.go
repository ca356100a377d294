package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/zulandar/sprintyard/internal/artifact"
	"github.com/zulandar/sprintyard/internal/audit"
	"github.com/zulandar/sprintyard/internal/errs"
	"github.com/zulandar/sprintyard/internal/models"
	"github.com/zulandar/sprintyard/internal/notify"
	"github.com/zulandar/sprintyard/internal/store"
	"github.com/zulandar/sprintyard/internal/worker"
)

// StartParallelPhase launches one worker session per role of the item's
// ownership plan and returns without waiting. When every session has
// stopped, the engine merges the outputs into the artifact in merge order
// if all of them completed, and keeps every session's log either way.
func (e *Engine) StartParallelPhase(ctx context.Context, id uint) (*worker.Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	it, err := store.GetItem(e.db, id)
	if err != nil {
		return nil, err
	}
	if e.workers == nil {
		return nil, stateErr(it, "run parallel phase", "no worker runner is configured")
	}
	if it.Status != models.StatusInProgress {
		return nil, stateErr(it, "run parallel phase", "only in-progress items run workers")
	}
	p, _, ok := e.gates.Phase(it.Phase)
	if !ok || !p.Parallel {
		return nil, stateErr(it, "run parallel phase", fmt.Sprintf("phase %q is not a parallel phase", it.Phase))
	}
	if it.Parallel != nil && it.Parallel.Phase == p.Name {
		return nil, stateErr(it, "run parallel phase", fmt.Sprintf("parallel phase %q already merged", p.Name))
	}
	if len(it.Ownership) == 0 {
		return nil, &errs.ValidationError{ItemID: id, Status: it.Status, Gate: p.Gate.Name, Unmet: []string{"ownership plan not set"}}
	}

	run, err := e.workers.Start(context.WithoutCancel(ctx), id, p.Name, worker.Plan(it.Ownership))
	if err != nil {
		return nil, err
	}
	fin := make(chan struct{})
	e.finished[id] = fin
	delete(e.results, id)
	e.emit(ctx, it, audit.EventParallelStarted, it.Status, strings.Join(worker.Plan(it.Ownership).Roles(), ", "))

	go func() {
		<-run.Done()
		res, _ := run.Wait(context.Background())
		bg := context.WithoutCancel(ctx)
		e.mu.Lock()
		msg, ok := e.finishParallel(res)
		e.results[id] = res
		e.mu.Unlock()
		if ok {
			e.send(bg, id, audit.EventParallelFinished, msg)
		}
		e.workers.Release(id)
		close(fin)
	}()
	return run, nil
}

// WaitParallelPhase blocks until the item's parallel phase has stopped and
// its outcome has been recorded. A failed phase returns the failing
// sessions' issues as a ValidationError alongside the result.
func (e *Engine) WaitParallelPhase(ctx context.Context, id uint) (*worker.Result, error) {
	e.mu.Lock()
	fin, ok := e.finished[id]
	e.mu.Unlock()
	if !ok {
		return nil, &errs.StateError{Kind: "item", ID: id, Op: "wait for parallel phase", Status: e.statusOf(id), Reason: "no parallel phase has been started"}
	}
	select {
	case <-fin:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	res := e.results[id]
	e.mu.Unlock()
	switch res.Outcome {
	case worker.OutcomeFailed:
		unmet := res.Issues()
		if len(unmet) == 0 {
			unmet = []string{"a worker session failed"}
		}
		return res, &errs.ValidationError{ItemID: id, Status: e.statusOf(id), Gate: res.Phase, Unmet: unmet}
	case worker.OutcomeCancelled:
		return res, &errs.StateError{Kind: "item", ID: id, Op: "run parallel phase", Status: e.statusOf(id), Reason: "parallel phase was cancelled"}
	}
	return res, nil
}

// RunParallelPhase starts the item's parallel phase and waits for it.
func (e *Engine) RunParallelPhase(ctx context.Context, id uint) (*worker.Result, error) {
	if _, err := e.StartParallelPhase(ctx, id); err != nil {
		return nil, err
	}
	return e.WaitParallelPhase(ctx, id)
}

// PollParallelPhase reports the progress of the item's parallel phase
// without blocking.
func (e *Engine) PollParallelPhase(id uint) (worker.Progress, error) {
	if e.workers != nil {
		if run, ok := e.workers.Get(id); ok {
			return run.Poll(), nil
		}
	}
	e.mu.Lock()
	res, ok := e.results[id]
	e.mu.Unlock()
	if ok {
		return worker.Progress{ItemID: id, Phase: res.Phase, Done: true, Sessions: res.Sessions}, nil
	}
	if _, err := store.GetItem(e.db, id); err != nil {
		return worker.Progress{}, err
	}
	return worker.Progress{}, &errs.StateError{Kind: "item", ID: id, Op: "poll parallel phase", Status: e.statusOf(id), Reason: "no parallel phase has been started"}
}

func (e *Engine) statusOf(id uint) string {
	it, err := store.GetItem(e.db, id)
	if err != nil {
		return "unknown"
	}
	return it.Status
}

// finishParallel keeps the session logs and, when every session completed
// and the item is still in that phase, folds the outputs into the artifact.
// It returns the outcome notification for the caller to send once e.mu is
// released. Callers hold e.mu.
func (e *Engine) finishParallel(res *worker.Result) (notify.Message, bool) {
	if err := audit.RecordSessions(e.db, res); err != nil {
		log.Printf("lifecycle: %v", err)
	}
	it, err := store.GetItem(e.db, res.ItemID)
	if err != nil {
		log.Printf("lifecycle: finish parallel phase for item %d: %v", res.ItemID, err)
		return notify.Message{}, false
	}
	if res.Outcome != worker.OutcomeComplete {
		return e.record(it, audit.EventParallelFinished, it.Status, string(res.Outcome)+": "+strings.Join(res.Issues(), "; "))
	}
	if it.Status != models.StatusInProgress || it.Phase != res.Phase {
		log.Printf("lifecycle: item %d is %s in phase %q; parallel output for %q not merged", it.ID, it.Status, it.Phase, res.Phase)
		return notify.Message{}, false
	}
	if err := e.merge(it, res); err != nil {
		log.Printf("lifecycle: merge parallel phase for item %d: %v", it.ID, err)
		return e.record(it, audit.EventParallelFinished, it.Status, "merge failed: "+err.Error())
	}
	after, err := store.GetItem(e.db, it.ID)
	if err != nil {
		return notify.Message{}, false
	}
	return e.record(after, audit.EventParallelFinished, after.Status, string(res.Outcome))
}

// merge appends each session's output to the artifact in merge order and
// records a summary of the phase on the item.
func (e *Engine) merge(it *models.Item, res *worker.Result) error {
	path := e.layout.Abs(it.ArtifactPath)
	summary := &models.ParallelSummary{Phase: res.Phase, MergedAt: e.now()}
	for _, s := range res.Sessions {
		body := strings.TrimSpace(s.Output)
		if body == "" {
			body = "_no output_"
		}
		if err := artifact.AppendSection(path, fmt.Sprintf("%s: %s", res.Phase, s.Role), body); err != nil {
			return err
		}
		summary.Roles = append(summary.Roles, s.Role)
		summary.Files = append(summary.Files, s.OwnedFiles...)
		summary.Entries += len(s.Progress)
		summary.Issues += len(s.Issues)
	}
	sort.Strings(summary.Files)
	_, _, err := e.update(it.ID, func(cur *models.Item) error {
		if cur.Status != models.StatusInProgress || cur.Phase != res.Phase {
			return stateErr(cur, "merge parallel phase", "item left the phase")
		}
		return nil
	}, func(cur *models.Item) {
		cur.Parallel = summary
	})
	return err
}
