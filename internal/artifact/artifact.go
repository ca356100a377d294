// Package artifact reads, writes, and relocates the per-item document kept
// on disk. Each artifact starts with a YAML front matter block identifying
// the item, followed by a free-form markdown body.
package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zulandar/sprintyard/internal/location"
	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("artifact: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
	// ErrExists is returned when a write or move would replace another file.
	ErrExists = errors.New("artifact: target already exists")
)

const timeLayout = time.RFC3339

// Header is the identifying front matter of an item artifact. It only holds
// facts that never change, so relocating an artifact never rewrites it.
type Header struct {
	ID      uint
	Title   string
	GroupID *uint
	Created time.Time
}

type envelope struct {
	Sprintyard headerYAML `yaml:"sprintyard"`
}

type headerYAML struct {
	Item    uint   `yaml:"item"`
	Title   string `yaml:"title"`
	Group   *uint  `yaml:"group,omitempty"`
	Created string `yaml:"created"`
}

// Render produces the full document bytes for a header and body.
func Render(h Header, body []byte) ([]byte, error) {
	if h.ID == 0 {
		return nil, fmt.Errorf("artifact: header missing item id")
	}
	env := envelope{Sprintyard: headerYAML{
		Item:    h.ID,
		Title:   h.Title,
		Group:   h.GroupID,
		Created: h.Created.UTC().Format(timeLayout),
	}}
	data, err := yaml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

// Parse splits a document into its header and body.
func Parse(content []byte) (Header, []byte, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Header{}, nil, ErrMissingFrontMatter
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Header{}, nil, ErrMalformedFrontMatter
	}
	var env envelope
	if err := yaml.Unmarshal(parts[0], &env); err != nil {
		return Header{}, nil, fmt.Errorf("artifact: parse frontmatter: %w", err)
	}
	if env.Sprintyard.Item == 0 {
		return Header{}, nil, ErrMalformedFrontMatter
	}
	created, err := time.Parse(timeLayout, env.Sprintyard.Created)
	if err != nil {
		return Header{}, nil, fmt.Errorf("artifact: parse created timestamp: %w", err)
	}
	body := bytes.TrimPrefix(parts[1], []byte("\n"))
	return Header{
		ID:      env.Sprintyard.Item,
		Title:   env.Sprintyard.Title,
		GroupID: env.Sprintyard.Group,
		Created: created,
	}, body, nil
}

// Write creates a new artifact at path. It refuses to overwrite.
func Write(path string, h Header, body []byte) error {
	data, err := Render(h, body)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("artifact: create dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
		return fmt.Errorf("artifact: create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("artifact: write %s: %w", path, err)
	}
	return f.Close()
}

// Read loads and parses the artifact at path.
func Read(path string) (Header, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, nil, fmt.Errorf("artifact: read %s: %w", path, err)
	}
	return Parse(data)
}

// Exists reports whether a regular file exists at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Move renames the artifact at from to to without touching its bytes,
// creating the target directory as needed. An existing file at to is never
// replaced.
func Move(from, to string) error {
	if from == to {
		return nil
	}
	if _, err := os.Stat(to); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, to)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("artifact: create dir for %s: %w", to, err)
	}
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("artifact: move %s to %s: %w", from, to, err)
	}
	return nil
}

// Locate walks every canonical root under layout and returns the paths,
// relative to the workspace root, of files named for item id.
func Locate(layout location.Layout, id uint) ([]string, error) {
	var found []string
	for _, dir := range layout.RootDirs() {
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			name, ok := location.ParseFilename(d.Name())
			if !ok || name.ID != id {
				return nil
			}
			rel, err := filepath.Rel(layout.Root, p)
			if err != nil {
				return err
			}
			found = append(found, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("artifact: locate item %d: %w", id, err)
		}
	}
	return found, nil
}

// AppendSection adds a level-two markdown section to the end of the
// artifact at path.
func AppendSection(path, heading, body string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("artifact: open %s: %w", path, err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n## %s\n\n", heading)
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteString("\n")
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("artifact: append to %s: %w", path, err)
	}
	return f.Close()
}
