// Package worker runs the parallel phase of an item: one concurrent session
// per role, each confined to a disjoint set of owned files.
package worker

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/sprintyard/internal/models"
)

// State is a session's lifecycle state.
type State string

const (
	Running  State = "running"
	Complete State = "complete"
	Error    State = "error"
)

// Session is one role's unit of work during a parallel phase. Progress and
// issues are append-only. A Session is safe for concurrent use.
type Session struct {
	ItemID     uint
	Phase      string
	Role       string
	OwnedFiles []string

	now func() time.Time

	mu       sync.Mutex
	state    State
	halted   bool
	progress []models.ProgressLine
	issues   []string
	output   strings.Builder
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	Role       string
	OwnedFiles []string
	State      State
	// Halted is true when the session was stopped because a sibling failed
	// or the run was cancelled, rather than failing on its own.
	Halted   bool
	Progress []models.ProgressLine
	Issues   []string
	Output   string
}

func newSession(itemID uint, phase, role string, owned []string, now func() time.Time) *Session {
	return &Session{
		ItemID:     itemID,
		Phase:      phase,
		Role:       role,
		OwnedFiles: append([]string(nil), owned...),
		now:        now,
		state:      Running,
	}
}

// Logf appends a progress entry.
func (s *Session) Logf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, models.ProgressLine{At: s.now(), Message: fmt.Sprintf(format, args...)})
}

// Issue appends an issue.
func (s *Session) Issue(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues = append(s.issues, fmt.Sprintf(format, args...))
}

// WriteOutput appends text to the session's output, which is folded into
// the item artifact when the phase succeeds.
func (s *Session) WriteOutput(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output.WriteString(text)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Owns reports whether rel (slash-separated, relative to the workspace) is
// inside the session's ownership set. Entries ending in "/" own a directory.
func (s *Session) Owns(rel string) bool {
	rel = path.Clean(filepath.ToSlash(rel))
	for _, f := range s.OwnedFiles {
		if covers(f, rel) {
			return true
		}
	}
	return false
}

// WriteFile writes data to rel under root, refusing paths the session does
// not own.
func (s *Session) WriteFile(root, rel string, data []byte) error {
	if !s.Owns(rel) {
		return fmt.Errorf("worker: %s does not own %s", s.Role, rel)
	}
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("worker: create dir for %s: %w", rel, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("worker: write %s: %w", rel, err)
	}
	s.Logf("wrote %s", rel)
	return nil
}

// Snapshot returns a copy of the session's current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Role:       s.Role,
		OwnedFiles: append([]string(nil), s.OwnedFiles...),
		State:      s.state,
		Halted:     s.halted,
		Progress:   append([]models.ProgressLine(nil), s.progress...),
		Issues:     append([]string(nil), s.issues...),
		Output:     s.output.String(),
	}
}

func (s *Session) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Complete
	s.progress = append(s.progress, models.ProgressLine{At: s.now(), Message: "complete"})
}

func (s *Session) fail(err error, halted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Error
	s.halted = halted
	if halted {
		s.issues = append(s.issues, "halted: "+err.Error())
	} else {
		s.issues = append(s.issues, err.Error())
	}
	s.progress = append(s.progress, models.ProgressLine{At: s.now(), Message: "error"})
}
