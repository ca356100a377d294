package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zulandar/sprintyard/internal/errs"
)

// --- Plan validation ---

func TestValidatePlan_Disjoint(t *testing.T) {
	plan := Plan{
		"backend":  {"internal/api/", "cmd/server/main.go"},
		"frontend": {"web/"},
		"tests":    {"internal/api_test/x_test.go"},
	}
	if err := ValidatePlan(1, plan.Normalize()); err != nil {
		t.Errorf("ValidatePlan = %v, want nil", err)
	}
}

func TestValidatePlan_Overlaps(t *testing.T) {
	plan := Plan{
		"backend":  {"internal/api/", "go.mod"},
		"frontend": {"web/", "go.mod"},
		"tests":    {"internal/api/handler_test.go"},
	}
	err := ValidatePlan(7, plan.Normalize())
	var ce *errs.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if ce.ID != 7 || len(ce.Overlaps) != 2 {
		t.Fatalf("ConflictError = %+v", ce)
	}
	if ce.Overlaps[0].File != "go.mod" || strings.Join(ce.Overlaps[0].Roles, ",") != "backend,frontend" {
		t.Errorf("Overlaps[0] = %+v", ce.Overlaps[0])
	}
	if ce.Overlaps[1].File != "internal/api/handler_test.go" || strings.Join(ce.Overlaps[1].Roles, ",") != "backend,tests" {
		t.Errorf("Overlaps[1] = %+v", ce.Overlaps[1])
	}
}

func TestValidatePlan_Empty(t *testing.T) {
	var ve *errs.ValidationError
	if err := ValidatePlan(1, Plan{}); !errors.As(err, &ve) {
		t.Errorf("empty plan err = %v, want ValidationError", err)
	}
	if err := ValidatePlan(1, Plan{"api": nil}); !errors.As(err, &ve) {
		t.Errorf("role without files err = %v, want ValidationError", err)
	}
}

func TestNormalize(t *testing.T) {
	p := Plan{" api ": {"./internal//api/", "a/../b.go"}}.Normalize()
	files := p["api"]
	if len(files) != 2 || files[0] != "internal/api/" || files[1] != "b.go" {
		t.Errorf("Normalize = %v", p)
	}
}

func TestMergeOrder(t *testing.T) {
	got := MergeOrder([]string{"zeta", "tests", "frontend", "alpha", "database"}, []string{"database", "backend", "frontend", "tests"})
	want := "database,frontend,tests,alpha,zeta"
	if strings.Join(got, ",") != want {
		t.Errorf("MergeOrder = %v, want %s", got, want)
	}
}

// --- Session ---

func TestSession_WriteFileOwnership(t *testing.T) {
	root := t.TempDir()
	s := newSession(1, "build", "api", []string{"internal/api/", "go.mod"}, time.Now)

	if err := s.WriteFile(root, "internal/api/handler.go", []byte("package api\n")); err != nil {
		t.Fatalf("WriteFile owned: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "internal", "api", "handler.go")); err != nil {
		t.Errorf("file not written: %v", err)
	}
	if err := s.WriteFile(root, "web/index.html", []byte("x")); err == nil {
		t.Error("expected error writing unowned file")
	}
	if !s.Owns("go.mod") || s.Owns("go.sum") {
		t.Error("Owns returned wrong result for exact entries")
	}
	snap := s.Snapshot()
	if len(snap.Progress) != 1 || snap.Progress[0].Message != "wrote internal/api/handler.go" {
		t.Errorf("Progress = %+v", snap.Progress)
	}
}

// --- Coordinator ---

func testPlan() Plan {
	return Plan{
		"tests":    {"tests/"},
		"backend":  {"internal/"},
		"database": {"migrations/"},
	}
}

func TestCoordinator_OverlapRejectedBeforeSpawn(t *testing.T) {
	var calls int32
	c := NewCoordinator(RunnerFunc(func(ctx context.Context, s *Session) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}), nil)

	_, err := c.Start(context.Background(), 1, "build", Plan{"a": {"x.go"}, "b": {"x.go"}})
	var ce *errs.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Errorf("runner called %d times, want 0", n)
	}
	if c.Active(1) {
		t.Error("no run should be tracked after rejection")
	}
}

func TestCoordinator_MergeOrderIndependentOfFinish(t *testing.T) {
	delays := map[string]time.Duration{
		"database": 30 * time.Millisecond,
		"backend":  15 * time.Millisecond,
		"tests":    0,
	}
	var finished []string
	finishedCh := make(chan string, 3)
	c := NewCoordinator(RunnerFunc(func(ctx context.Context, s *Session) error {
		time.Sleep(delays[s.Role])
		s.WriteOutput("output of " + s.Role)
		finishedCh <- s.Role
		return nil
	}), []string{"database", "backend", "frontend", "tests"})

	res, err := c.Run(context.Background(), 1, "build", testPlan())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	close(finishedCh)
	for r := range finishedCh {
		finished = append(finished, r)
	}

	if res.Outcome != OutcomeComplete {
		t.Fatalf("Outcome = %s, want complete", res.Outcome)
	}
	var order []string
	for _, s := range res.Sessions {
		order = append(order, s.Role)
		if s.State != Complete {
			t.Errorf("session %s state = %s", s.Role, s.State)
		}
		if s.Output != "output of "+s.Role {
			t.Errorf("session %s output = %q", s.Role, s.Output)
		}
	}
	if strings.Join(order, ",") != "database,backend,tests" {
		t.Errorf("merge order = %v, want database,backend,tests", order)
	}
	if strings.Join(finished, ",") == strings.Join(order, ",") {
		t.Errorf("finish order %v matched merge order; test did not exercise reordering", finished)
	}
}

func TestCoordinator_FailureHaltsRun(t *testing.T) {
	c := NewCoordinator(RunnerFunc(func(ctx context.Context, s *Session) error {
		if s.Role == "backend" {
			s.Issue("compile error in handler.go")
			return errors.New("exit status 2")
		}
		<-ctx.Done()
		return ctx.Err()
	}), nil)

	res, err := c.Run(context.Background(), 1, "build", testPlan())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("Outcome = %s, want failed", res.Outcome)
	}
	if len(res.Failed) != 1 || res.Failed[0].Role != "backend" {
		t.Fatalf("Failed = %+v, want only backend", res.Failed)
	}
	issues := res.Issues()
	if len(issues) != 2 || issues[0] != "backend: compile error in handler.go" || issues[1] != "backend: exit status 2" {
		t.Errorf("Issues = %v", issues)
	}
	for _, s := range res.Sessions {
		if s.Role != "backend" && !s.Halted {
			t.Errorf("session %s should be halted", s.Role)
		}
	}
}

func TestCoordinator_PollDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	c := NewCoordinator(RunnerFunc(func(ctx context.Context, s *Session) error {
		s.Logf("working")
		<-release
		return nil
	}), nil)

	run, err := c.Start(context.Background(), 9, "build", testPlan())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	p := run.Poll()
	if p.Done {
		t.Error("Poll reported done while sessions are blocked")
	}
	if len(p.Sessions) != 3 {
		t.Fatalf("len(Sessions) = %d, want 3", len(p.Sessions))
	}
	for _, s := range p.Sessions {
		if s.State != Running {
			t.Errorf("session %s state = %s, want running", s.Role, s.State)
		}
	}
	if !c.Active(9) {
		t.Error("Active(9) = false while running")
	}
	if _, err := c.Start(context.Background(), 9, "build", testPlan()); err == nil {
		t.Error("expected error starting a second run for the same item")
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := run.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Outcome != OutcomeComplete {
		t.Errorf("Outcome = %s", res.Outcome)
	}
	if !run.Poll().Done {
		t.Error("Poll should report done after Wait")
	}
	c.Release(9)
	if _, ok := c.Get(9); ok {
		t.Error("run still tracked after Release")
	}
}

func TestCoordinator_Cancel(t *testing.T) {
	c := NewCoordinator(RunnerFunc(func(ctx context.Context, s *Session) error {
		s.WriteOutput("partial")
		<-ctx.Done()
		return ctx.Err()
	}), nil)

	run, err := c.Start(context.Background(), 3, "build", testPlan())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !c.Cancel(3) {
		t.Fatal("Cancel reported no active run")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := run.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Outcome != OutcomeCancelled {
		t.Errorf("Outcome = %s, want cancelled", res.Outcome)
	}
	if c.Cancel(3) {
		t.Error("Cancel after finish should report false")
	}
}

// --- CommandRunner ---

func TestCommandRunner_CapturesOutput(t *testing.T) {
	r := &CommandRunner{Commands: map[string]Command{
		"api": {Argv: []string{"sh", "-c", `echo "role=$SY_ROLE item=$SY_ITEM"; echo "warn: slow" >&2; printf tail`}},
	}}
	s := newSession(4, "build", "api", []string{"a.go"}, time.Now)
	if err := r.Run(context.Background(), s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap := s.Snapshot()
	if snap.Output != "role=api item=4\ntail\n" {
		t.Errorf("Output = %q", snap.Output)
	}
	if len(snap.Issues) != 1 || snap.Issues[0] != "warn: slow" {
		t.Errorf("Issues = %v", snap.Issues)
	}
}

func TestCommandRunner_Failure(t *testing.T) {
	r := &CommandRunner{Commands: map[string]Command{
		"api": {Argv: []string{"sh", "-c", "exit 3"}},
	}}
	s := newSession(4, "build", "api", []string{"a.go"}, time.Now)
	err := r.Run(context.Background(), s)
	if err == nil || !strings.Contains(err.Error(), "exit status 3") {
		t.Errorf("err = %v, want exit status 3", err)
	}
}

func TestCommandRunner_UnknownRole(t *testing.T) {
	r := &CommandRunner{}
	s := newSession(4, "build", "ghost", []string{"a.go"}, time.Now)
	if err := r.Run(context.Background(), s); err == nil {
		t.Error("expected error for role without command")
	}
}

func TestCommandRunner_Cancelled(t *testing.T) {
	r := &CommandRunner{
		Commands:  map[string]Command{"api": {Argv: []string{"sleep", "30"}}},
		WaitDelay: time.Second,
	}
	s := newSession(4, "build", "api", []string{"a.go"}, time.Now)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, s) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}

func TestLineWriter_SplitsLines(t *testing.T) {
	var lines []string
	w := &lineWriter{onLine: func(l string) { lines = append(lines, l) }}
	w.Write([]byte("one\ntw"))
	w.Write([]byte("o\r\n\nthree"))
	w.Close()
	if strings.Join(lines, "|") != "one|two|three" {
		t.Errorf("lines = %v", lines)
	}
}
