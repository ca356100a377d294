package gate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/sprintyard/internal/config"
	"github.com/zulandar/sprintyard/internal/errs"
	"github.com/zulandar/sprintyard/internal/location"
	"github.com/zulandar/sprintyard/internal/models"
)

// mockPRs implements PullRequestChecker for testing.
type mockPRs struct {
	merged map[int]bool
	err    error
	calls  []int
}

func (m *mockPRs) Merged(ctx context.Context, number int) (bool, error) {
	m.calls = append(m.calls, number)
	if m.err != nil {
		return false, m.err
	}
	return m.merged[number], nil
}

func testPhases() []config.PhaseConfig {
	return []config.PhaseConfig{
		{
			Name:  "plan",
			Steps: []string{"1.1", "1.2"},
			Gate: config.GateConfig{Name: "plan-ok", Conditions: []config.ConditionConfig{
				{Type: config.CondSteps},
				{Type: config.CondApproval},
				{Type: config.CondOwnership},
			}},
		},
		{
			Name:     "build",
			Parallel: true,
			Gate: config.GateConfig{Name: "build-ok", Conditions: []config.ConditionConfig{
				{Type: config.CondParallelComplete},
				{Type: config.CondCheck, Name: "tests_passing"},
				{Type: config.CondCheck, Name: "docs", Optional: true},
				{Type: config.CondGitHubPR},
			}},
		},
		{
			Name: "commit",
			Gate: config.GateConfig{Name: "ship-ok", Conditions: []config.ConditionConfig{
				{Type: config.CondArtifact},
				{Type: config.CondApproval},
			}},
		},
	}
}

// --- Phase navigation ---

func TestController_Navigation(t *testing.T) {
	c := New(testPhases(), location.Layout{}, nil)
	if c.First().Name != "plan" || c.Final().Name != "commit" {
		t.Errorf("First/Final = %s/%s", c.First().Name, c.Final().Name)
	}
	next, ok := c.Next("plan")
	if !ok || next.Name != "build" {
		t.Errorf("Next(plan) = %s, %v", next.Name, ok)
	}
	if _, ok := c.Next("commit"); ok {
		t.Error("Next(commit) should not exist")
	}
	if p, ok := c.GateOf("build-ok"); !ok || p.Name != "build" {
		t.Errorf("GateOf(build-ok) = %s, %v", p.Name, ok)
	}
	if got := strings.Join(c.ApprovalGates(), ","); got != "plan-ok,ship-ok" {
		t.Errorf("ApprovalGates = %s", got)
	}
}

func TestNextStep(t *testing.T) {
	p := testPhases()[0]
	item := &models.Item{CompletedSteps: []string{"1.1"}}
	if got := NextStep(p, item); got != "1.2" {
		t.Errorf("NextStep = %q, want 1.2", got)
	}
	item.CompletedSteps = append(item.CompletedSteps, "1.2")
	if got := NextStep(p, item); got != "1.2" {
		t.Errorf("NextStep when all done = %q, want 1.2", got)
	}
	if got := FirstStep(testPhases()[1]); got != "" {
		t.Errorf("FirstStep without steps = %q", got)
	}
}

// --- Evaluation ---

func TestUnmet_ListsEveryCondition(t *testing.T) {
	c := New(testPhases(), location.Layout{}, nil)
	item := &models.Item{ID: 5, Status: models.StatusInProgress, Phase: "plan", CompletedSteps: []string{"1.1"}}

	err := c.Check(context.Background(), item)
	var ve *errs.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if ve.Gate != "plan-ok" {
		t.Errorf("Gate = %q, want plan-ok", ve.Gate)
	}
	want := []string{
		"step 1.2 not completed",
		`approval for gate "plan-ok" not recorded`,
		"ownership plan not set",
	}
	if len(ve.Unmet) != len(want) {
		t.Fatalf("Unmet = %v, want %v", ve.Unmet, want)
	}
	for i := range want {
		if ve.Unmet[i] != want[i] {
			t.Errorf("Unmet[%d] = %q, want %q", i, ve.Unmet[i], want[i])
		}
	}
}

func TestUnmet_GateOpen(t *testing.T) {
	c := New(testPhases(), location.Layout{}, nil)
	item := &models.Item{
		Phase:          "plan",
		CompletedSteps: []string{"1.1", "1.2"},
		Ownership:      map[string][]string{"api": {"a.go"}},
	}
	ApplyApproval(item, "plan-ok", "", time.Now())
	if err := c.Check(context.Background(), item); err != nil {
		t.Errorf("Check = %v, want nil", err)
	}
}

func TestUnmet_Checks(t *testing.T) {
	prs := &mockPRs{merged: map[int]bool{7: true}}
	c := New(testPhases(), location.Layout{}, prs)
	item := &models.Item{
		Phase:       "build",
		Parallel:    &models.ParallelSummary{Phase: "build"},
		PullRequest: 7,
	}

	unmet := c.Unmet(context.Background(), item)
	if len(unmet) != 1 || unmet[0] != `check "tests_passing" not recorded` {
		t.Errorf("Unmet = %v", unmet)
	}

	item.Checks = map[string]bool{"tests_passing": false}
	unmet = c.Unmet(context.Background(), item)
	if len(unmet) != 1 || unmet[0] != `check "tests_passing" failed` {
		t.Errorf("Unmet = %v", unmet)
	}

	// Optional checks only fail when explicitly false.
	item.Checks = map[string]bool{"tests_passing": true, "docs": false}
	unmet = c.Unmet(context.Background(), item)
	if len(unmet) != 1 || unmet[0] != `optional check "docs" failed` {
		t.Errorf("Unmet = %v", unmet)
	}

	item.Checks["docs"] = true
	if unmet := c.Unmet(context.Background(), item); len(unmet) != 0 {
		t.Errorf("Unmet = %v, want none", unmet)
	}
	if len(prs.calls) == 0 || prs.calls[0] != 7 {
		t.Errorf("PR checker calls = %v", prs.calls)
	}
}

func TestUnmet_PullRequest(t *testing.T) {
	base := &models.Item{
		Phase:    "build",
		Parallel: &models.ParallelSummary{Phase: "build"},
		Checks:   map[string]bool{"tests_passing": true},
	}

	tests := []struct {
		name string
		prs  PullRequestChecker
		pr   int
		want string
	}{
		{"not linked", &mockPRs{}, 0, "pull request not linked"},
		{"no github", nil, 3, "github is not configured"},
		{"not merged", &mockPRs{merged: map[int]bool{}}, 3, "pull request #3 not merged"},
		{"api failure", &mockPRs{err: errors.New("rate limited")}, 3, "pull request #3 could not be checked: rate limited"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := *base
			item.PullRequest = tt.pr
			c := New(testPhases(), location.Layout{}, tt.prs)
			unmet := c.Unmet(context.Background(), &item)
			if len(unmet) != 1 || unmet[0] != tt.want {
				t.Errorf("Unmet = %v, want [%s]", unmet, tt.want)
			}
		})
	}
}

func TestUnmet_Artifact(t *testing.T) {
	root := t.TempDir()
	layout := location.Layout{Root: root, Ext: "md"}
	c := New(testPhases(), layout, nil)
	item := &models.Item{Phase: "commit", ArtifactPath: "in-progress/item-1_x.md"}
	ApplyApproval(item, "ship-ok", "", time.Now())

	unmet := c.Unmet(context.Background(), item)
	if len(unmet) != 1 || !strings.HasPrefix(unmet[0], "artifact missing") {
		t.Errorf("Unmet = %v", unmet)
	}

	p := layout.Abs(item.ArtifactPath)
	os.MkdirAll(filepath.Dir(p), 0o755)
	os.WriteFile(p, []byte("x"), 0o644)
	if unmet := c.Unmet(context.Background(), item); len(unmet) != 0 {
		t.Errorf("Unmet = %v, want none", unmet)
	}
}

func TestUnmet_UnknownPhase(t *testing.T) {
	c := New(testPhases(), location.Layout{}, nil)
	unmet := c.Unmet(context.Background(), &models.Item{Phase: "mystery"})
	if len(unmet) != 1 || !strings.Contains(unmet[0], "mystery") {
		t.Errorf("Unmet = %v", unmet)
	}
}

// --- Approvals ---

func TestApplyApproval_Idempotent(t *testing.T) {
	item := &models.Item{}
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !ApplyApproval(item, "plan-ok", "lgtm", first) {
		t.Fatal("first approval should apply")
	}
	if ApplyApproval(item, "plan-ok", "again", first.Add(time.Hour)) {
		t.Error("second approval should be a no-op")
	}
	got := item.Approvals["plan-ok"]
	if !got.ApprovedAt.Equal(first) || got.Comment != "lgtm" {
		t.Errorf("approval = %+v, want original", got)
	}
}

func TestMissingApprovals(t *testing.T) {
	c := New(testPhases(), location.Layout{}, nil)
	item := &models.Item{}
	ApplyApproval(item, "plan-ok", "", time.Now())
	missing := c.MissingApprovals(item)
	if len(missing) != 1 || missing[0] != "ship-ok" {
		t.Errorf("MissingApprovals = %v", missing)
	}
}

// --- Commit guard ---

func TestCanCommit(t *testing.T) {
	c := New(testPhases(), location.Layout{}, nil)
	tests := []struct {
		status string
		phase  string
		want   bool
	}{
		{models.StatusInProgress, "plan", false},
		{models.StatusInProgress, "build", false},
		{models.StatusInProgress, "commit", true},
		{models.StatusBlocked, "commit", false},
	}
	for _, tt := range tests {
		ok, reason := c.CanCommit(&models.Item{ID: 1, Status: tt.status, Phase: tt.phase})
		if ok != tt.want {
			t.Errorf("CanCommit(%s/%s) = %v (%s), want %v", tt.status, tt.phase, ok, reason, tt.want)
		}
		if !ok && reason == "" {
			t.Errorf("CanCommit(%s/%s) gave no reason", tt.status, tt.phase)
		}
	}
}

// --- GitHub ---

func TestGitHubChecker_Merged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/shop/pulls/12/merge":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	checker := NewGitHubChecker(context.Background(), "acme", "shop", "token")
	base, _ := url.Parse(srv.URL + "/")
	checker.client.BaseURL = base

	merged, err := checker.Merged(context.Background(), 12)
	if err != nil {
		t.Fatalf("Merged(12): %v", err)
	}
	if !merged {
		t.Error("Merged(12) = false, want true")
	}
	merged, err = checker.Merged(context.Background(), 13)
	if err != nil {
		t.Fatalf("Merged(13): %v", err)
	}
	if merged {
		t.Error("Merged(13) = true, want false")
	}
}
