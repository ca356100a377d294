package location

import (
	"path"
	"path/filepath"
)

// Layout anchors canonical locations to a workspace on disk.
type Layout struct {
	Root string
	Ext  string
}

// RelPath returns the canonical slash-separated path, relative to the
// workspace root, for an item with the given status.
func (l Layout) RelPath(id uint, slug, status string, g *Group) (string, error) {
	loc, err := Resolve(status, g)
	if err != nil {
		return "", err
	}
	return path.Join(loc.Dir, Filename(id, slug, loc.Suffix, l.ext())), nil
}

// Abs converts a relative artifact path into a filesystem path.
func (l Layout) Abs(rel string) string {
	return filepath.Join(l.Root, filepath.FromSlash(rel))
}

// RootDirs returns the absolute paths of every canonical root directory.
func (l Layout) RootDirs() []string {
	dirs := make([]string, len(Roots))
	for i, r := range Roots {
		dirs[i] = filepath.Join(l.Root, r)
	}
	return dirs
}

func (l Layout) ext() string {
	if l.Ext == "" {
		return "md"
	}
	return l.Ext
}
