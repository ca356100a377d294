// Package location maps an item's status and group membership to the one
// directory and filename suffix its artifact may occupy.
package location

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/zulandar/sprintyard/internal/models"
)

// Canonical root directories, relative to the workspace root.
const (
	BacklogDir    = "backlog"
	TodoDir       = "todo"
	InProgressDir = "in-progress"
	DoneDir       = "done"
	StandaloneDir = "standalone"
	AbandonedDir  = "abandoned"
	ArchivedDir   = "archived"
)

// Filename suffixes. An item without one of these statuses has no suffix.
const (
	SuffixDone      = "done"
	SuffixBlocked   = "blocked"
	SuffixAbandoned = "abandoned"
)

// Roots lists every canonical root directory.
var Roots = []string{BacklogDir, TodoDir, InProgressDir, DoneDir, AbandonedDir, ArchivedDir}

// Group carries the group facts the resolver needs.
type Group struct {
	ID   uint
	Slug string
	// Done is true when every member is done or abandoned.
	Done bool
}

// Location is a canonical directory (slash-separated, relative to the
// workspace root) and the suffix the artifact filename must carry.
type Location struct {
	Dir    string
	Suffix string
}

// GroupFolder returns the folder name for a group, e.g. "group-20_payments".
func GroupFolder(id uint, slug string) string {
	return fmt.Sprintf("group-%d_%s", id, slug)
}

// Resolve maps a status and optional group to its canonical location.
// Every status/group combination either resolves or returns an error.
func Resolve(status string, g *Group) (Location, error) {
	var folder string
	if g != nil {
		folder = GroupFolder(g.ID, g.Slug)
	}
	join := func(root string) string {
		if folder == "" {
			return root
		}
		return path.Join(root, folder)
	}

	switch status {
	case models.StatusBacklog:
		return Location{Dir: join(BacklogDir)}, nil
	case models.StatusTodo:
		return Location{Dir: join(TodoDir)}, nil
	case models.StatusInProgress:
		return Location{Dir: join(InProgressDir)}, nil
	case models.StatusBlocked:
		return Location{Dir: join(InProgressDir), Suffix: SuffixBlocked}, nil
	case models.StatusAbandoned:
		return Location{Dir: AbandonedDir, Suffix: SuffixAbandoned}, nil
	case models.StatusDone:
		if g == nil {
			return Location{Dir: path.Join(DoneDir, StandaloneDir), Suffix: SuffixDone}, nil
		}
		if g.Done {
			return Location{Dir: path.Join(DoneDir, folder), Suffix: SuffixDone}, nil
		}
		return Location{Dir: path.Join(InProgressDir, folder), Suffix: SuffixDone}, nil
	case models.StatusArchived:
		if g == nil {
			return Location{}, fmt.Errorf("location: archived status requires a group")
		}
		return Location{Dir: path.Join(ArchivedDir, folder), Suffix: SuffixDone}, nil
	default:
		return Location{}, fmt.Errorf("location: unknown status %q", status)
	}
}

// SuffixFor returns the filename suffix for a status.
func SuffixFor(status string) string {
	switch status {
	case models.StatusDone, models.StatusArchived:
		return SuffixDone
	case models.StatusBlocked:
		return SuffixBlocked
	case models.StatusAbandoned:
		return SuffixAbandoned
	default:
		return ""
	}
}

// Filename builds "item-{id}_{slug}[--{suffix}].{ext}".
func Filename(id uint, slug, suffix, ext string) string {
	name := fmt.Sprintf("item-%d_%s", id, slug)
	if suffix != "" {
		name += "--" + suffix
	}
	return name + "." + strings.TrimPrefix(ext, ".")
}

var filenameRe = regexp.MustCompile(`^item-(\d+)_([a-z0-9-]*?)(?:--(done|blocked|abandoned))?\.([A-Za-z0-9]+)$`)

// Name is a parsed artifact filename.
type Name struct {
	ID     uint
	Slug   string
	Suffix string
	Ext    string
}

// ParseFilename parses a filename produced by Filename.
func ParseFilename(name string) (Name, bool) {
	m := filenameRe.FindStringSubmatch(name)
	if m == nil {
		return Name{}, false
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil || id == 0 {
		return Name{}, false
	}
	return Name{ID: uint(id), Slug: m[2], Suffix: m[3], Ext: m[4]}, true
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and collapses everything else into single dashes.
// The result is capped at 48 characters.
func Slugify(s string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(slug) > 48 {
		slug = strings.TrimRight(slug[:48], "-")
	}
	if slug == "" {
		slug = "untitled"
	}
	return slug
}
