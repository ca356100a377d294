package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/sprintyard/internal/errs"
	"golang.org/x/sync/errgroup"
)

// Runner executes the work for one session. A non-nil error puts the
// session into the Error state and halts the run.
type Runner interface {
	Run(ctx context.Context, s *Session) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, s *Session) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, s *Session) error { return f(ctx, s) }

// Outcome is how a parallel run ended.
type Outcome string

const (
	OutcomeComplete  Outcome = "complete"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is the terminal state of a run. Sessions are listed in merge
// order, independent of the order they finished in.
type Result struct {
	ItemID   uint
	Phase    string
	Outcome  Outcome
	Sessions []Snapshot
	// Failed holds the sessions that failed on their own.
	Failed []Snapshot
}

// Issues returns the failing sessions' issues prefixed by role.
func (r *Result) Issues() []string {
	var out []string
	for _, s := range r.Failed {
		for _, issue := range s.Issues {
			out = append(out, fmt.Sprintf("%s: %s", s.Role, issue))
		}
	}
	return out
}

// Progress is a non-blocking view of a run.
type Progress struct {
	ItemID   uint
	Phase    string
	Done     bool
	Sessions []Snapshot
}

// Run is one in-flight or finished parallel phase.
type Run struct {
	ItemID uint
	Phase  string

	sessions []*Session
	cancel   context.CancelFunc
	done     chan struct{}

	mu        sync.Mutex
	cancelled bool
	result    *Result
}

// Poll returns the current state of every session without blocking.
func (r *Run) Poll() Progress {
	p := Progress{ItemID: r.ItemID, Phase: r.Phase}
	select {
	case <-r.done:
		p.Done = true
	default:
	}
	for _, s := range r.sessions {
		p.Sessions = append(p.Sessions, s.Snapshot())
	}
	return p
}

// Done is closed once every session has stopped.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Run) markCancelled() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.cancel()
}

// Coordinator starts and tracks parallel runs, at most one per item.
type Coordinator struct {
	runner     Runner
	mergeOrder []string
	Now        func() time.Time

	mu   sync.Mutex
	runs map[uint]*Run
}

// NewCoordinator creates a Coordinator. mergeOrder ranks roles for the
// deterministic merge.
func NewCoordinator(runner Runner, mergeOrder []string) *Coordinator {
	return &Coordinator{
		runner:     runner,
		mergeOrder: append([]string(nil), mergeOrder...),
		Now:        time.Now,
		runs:       make(map[uint]*Run),
	}
}

// Start validates plan and launches one session per role. It returns as
// soon as the sessions are running. Overlapping ownership is rejected
// before any session starts.
func (c *Coordinator) Start(ctx context.Context, itemID uint, phase string, plan Plan) (*Run, error) {
	plan = plan.Normalize()
	if err := ValidatePlan(itemID, plan); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.runs[itemID]; ok {
		select {
		case <-existing.done:
		default:
			return nil, &errs.StateError{Kind: "item", ID: itemID, Op: "start parallel phase", Status: "in_progress",
				Reason: fmt.Sprintf("parallel phase %q is already running", existing.Phase)}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ItemID: itemID,
		Phase:  phase,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, role := range MergeOrder(plan.Roles(), c.mergeOrder) {
		run.sessions = append(run.sessions, newSession(itemID, phase, role, plan[role], c.Now))
	}
	c.runs[itemID] = run

	g, gctx := errgroup.WithContext(runCtx)
	for _, s := range run.sessions {
		s := s
		g.Go(func() error {
			s.Logf("started %s", s.Role)
			if err := c.runner.Run(gctx, s); err != nil {
				s.fail(err, gctx.Err() != nil)
				return fmt.Errorf("worker: %s: %w", s.Role, err)
			}
			s.complete()
			return nil
		})
	}

	go func() {
		err := g.Wait()
		cancel()
		res := buildResult(run, err)
		run.mu.Lock()
		run.result = res
		run.mu.Unlock()
		close(run.done)
	}()
	return run, nil
}

// Run starts a phase and waits for it to finish.
func (c *Coordinator) Run(ctx context.Context, itemID uint, phase string, plan Plan) (*Result, error) {
	run, err := c.Start(ctx, itemID, phase, plan)
	if err != nil {
		return nil, err
	}
	return run.Wait(ctx)
}

// Get returns the run tracked for an item.
func (c *Coordinator) Get(itemID uint) (*Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[itemID]
	return run, ok
}

// Active reports whether an item has a run that has not finished.
func (c *Coordinator) Active(itemID uint) bool {
	run, ok := c.Get(itemID)
	if !ok {
		return false
	}
	select {
	case <-run.done:
		return false
	default:
		return true
	}
}

// Cancel tears down an item's running sessions. It reports whether a run
// was in flight.
func (c *Coordinator) Cancel(itemID uint) bool {
	if !c.Active(itemID) {
		return false
	}
	run, _ := c.Get(itemID)
	run.markCancelled()
	return true
}

// Release forgets a finished run.
func (c *Coordinator) Release(itemID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run, ok := c.runs[itemID]; ok {
		select {
		case <-run.done:
			delete(c.runs, itemID)
		default:
		}
	}
}

func buildResult(run *Run, err error) *Result {
	res := &Result{ItemID: run.ItemID, Phase: run.Phase}
	for _, s := range run.sessions {
		res.Sessions = append(res.Sessions, s.Snapshot())
	}

	run.mu.Lock()
	cancelled := run.cancelled
	run.mu.Unlock()

	switch {
	case cancelled:
		res.Outcome = OutcomeCancelled
	case err != nil:
		res.Outcome = OutcomeFailed
		for _, s := range res.Sessions {
			if s.State == Error && !s.Halted {
				res.Failed = append(res.Failed, s)
			}
		}
		if len(res.Failed) == 0 {
			for _, s := range res.Sessions {
				if s.State == Error {
					res.Failed = append(res.Failed, s)
				}
			}
		}
	default:
		res.Outcome = OutcomeComplete
	}
	return res
}
