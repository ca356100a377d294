package artifact

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/sprintyard/internal/location"
)

func sampleHeader() Header {
	g := uint(20)
	return Header{
		ID:      72,
		Title:   "Vendor sync",
		GroupID: &g,
		Created: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestRenderParse_RoundTrip(t *testing.T) {
	body := []byte("# Vendor sync\n\nTasks go here.\n")
	data, err := Render(sampleHeader(), body)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("---\nsprintyard:\n")) {
		t.Errorf("rendered document starts with %q", data[:20])
	}

	h, gotBody, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if h.ID != 72 || h.Title != "Vendor sync" {
		t.Errorf("header = %+v", h)
	}
	if h.GroupID == nil || *h.GroupID != 20 {
		t.Errorf("GroupID = %v, want 20", h.GroupID)
	}
	if !h.Created.Equal(sampleHeader().Created) {
		t.Errorf("Created = %v", h.Created)
	}
	if !bytes.Equal(gotBody, body) {
		t.Errorf("body = %q, want %q", gotBody, body)
	}
}

func TestParse_Errors(t *testing.T) {
	if _, _, err := Parse([]byte("no fence")); !errors.Is(err, ErrMissingFrontMatter) {
		t.Errorf("err = %v, want ErrMissingFrontMatter", err)
	}
	if _, _, err := Parse([]byte("---\nsprintyard:\n  item: 1\n")); !errors.Is(err, ErrMalformedFrontMatter) {
		t.Errorf("err = %v, want ErrMalformedFrontMatter", err)
	}
	if _, _, err := Parse([]byte("---\nother: 1\n---\n")); !errors.Is(err, ErrMalformedFrontMatter) {
		t.Errorf("err = %v, want ErrMalformedFrontMatter for missing item", err)
	}
}

func TestWrite_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "todo", "item-72_vendor-sync.md")
	if err := Write(p, sampleHeader(), []byte("body\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Write(p, sampleHeader(), []byte("other\n")); !errors.Is(err, ErrExists) {
		t.Errorf("second Write err = %v, want ErrExists", err)
	}
}

func TestMove_PreservesBytes(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "in-progress", "item-72_vendor-sync.md")
	to := filepath.Join(dir, "in-progress", "item-72_vendor-sync--blocked.md")
	if err := Write(from, sampleHeader(), []byte("body\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	before, _ := os.ReadFile(from)

	if err := Move(from, to); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if Exists(from) {
		t.Error("source still exists after move")
	}
	after, err := os.ReadFile(to)
	if err != nil {
		t.Fatalf("read moved: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("content changed during move")
	}
}

func TestMove_TargetExists(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.md")
	b := filepath.Join(dir, "b.md")
	os.WriteFile(a, []byte("a"), 0o644)
	os.WriteFile(b, []byte("b"), 0o644)
	if err := Move(a, b); !errors.Is(err, ErrExists) {
		t.Errorf("err = %v, want ErrExists", err)
	}
	data, _ := os.ReadFile(b)
	if string(data) != "b" {
		t.Error("target overwritten")
	}
}

func TestLocate(t *testing.T) {
	dir := t.TempDir()
	layout := location.Layout{Root: dir, Ext: "md"}
	write := func(rel string) {
		p := layout.Abs(rel)
		os.MkdirAll(filepath.Dir(p), 0o755)
		os.WriteFile(p, []byte("x"), 0o644)
	}
	write("in-progress/group-20_payments/item-72_vendor-sync--blocked.md")
	write("todo/item-7_other.md")
	write("done/standalone/notes.md")

	found, err := Locate(layout, 72)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if len(found) != 1 || found[0] != "in-progress/group-20_payments/item-72_vendor-sync--blocked.md" {
		t.Errorf("Locate = %v", found)
	}

	none, err := Locate(layout, 99)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Locate(99) = %v, want none", none)
	}
}

func TestAppendSection(t *testing.T) {
	p := filepath.Join(t.TempDir(), "item-1_x.md")
	if err := Write(p, Header{ID: 1, Title: "x", Created: time.Now()}, []byte("# x\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := AppendSection(p, "backend", "Files: a.go\n"); err != nil {
		t.Fatalf("AppendSection: %v", err)
	}
	_, body, err := Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !strings.HasSuffix(string(body), "# x\n\n## backend\n\nFiles: a.go\n") {
		t.Errorf("body = %q", body)
	}
}
