package lifecycle

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/zulandar/sprintyard/internal/artifact"
	"github.com/zulandar/sprintyard/internal/audit"
	"github.com/zulandar/sprintyard/internal/errs"
	"github.com/zulandar/sprintyard/internal/gate"
	"github.com/zulandar/sprintyard/internal/location"
	"github.com/zulandar/sprintyard/internal/models"
	"github.com/zulandar/sprintyard/internal/reconcile"
	"github.com/zulandar/sprintyard/internal/store"
	"gorm.io/gorm"
)

// CreateOpts holds the parameters for creating an item.
type CreateOpts struct {
	Title   string
	GroupID *uint
	// Body is the initial artifact body below the front matter.
	Body string
	// ID requests an explicit id. Zero assigns the next one.
	ID uint
}

// CreateGroupOpts holds the parameters for creating a group.
type CreateGroupOpts struct {
	Title string
	ID    uint
}

// CreateGroup creates an empty group in the Planning state.
func (e *Engine) CreateGroup(ctx context.Context, opts CreateGroupOpts) (*models.Group, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return nil, &errs.ValidationError{Unmet: []string{"group title is required"}}
	}
	if opts.ID != 0 {
		if _, err := store.GetGroup(e.db, opts.ID); err == nil {
			return nil, &errs.ValidationError{Unmet: []string{fmt.Sprintf("group %d already exists", opts.ID)}}
		} else if !errs.IsNotFound(err) {
			return nil, err
		}
	}
	g := &models.Group{ID: opts.ID, Title: title, Slug: location.Slugify(title), CreatedAt: e.now()}
	if err := store.CreateGroup(e.db, g); err != nil {
		return nil, err
	}
	return g, nil
}

// Create adds an item to the Backlog and writes its artifact at the
// canonical location. The record and the file are created together or not
// at all.
func (e *Engine) Create(ctx context.Context, opts CreateOpts) (*models.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	title := strings.TrimSpace(opts.Title)
	var problems []string
	if title == "" {
		problems = append(problems, "title is required")
	}
	if opts.ID != 0 {
		if _, err := store.GetItem(e.db, opts.ID); err == nil {
			problems = append(problems, fmt.Sprintf("item %d already exists", opts.ID))
		} else if !errs.IsNotFound(err) {
			return nil, err
		}
	}
	if len(problems) > 0 {
		return nil, &errs.ValidationError{ItemID: opts.ID, Unmet: problems}
	}
	if opts.GroupID != nil {
		if err := e.checkGroupOpen(*opts.GroupID, "create"); err != nil {
			return nil, err
		}
	}

	now := e.now()
	item := &models.Item{
		ID:        opts.ID,
		Title:     title,
		Slug:      location.Slugify(title),
		GroupID:   opts.GroupID,
		Status:    models.StatusBacklog,
		CreatedAt: now,
	}
	var written string
	err := e.db.Transaction(func(tx *gorm.DB) error {
		if item.GroupID != nil {
			seq, err := store.NextGroupSeq(tx, *item.GroupID)
			if err != nil {
				return err
			}
			item.GroupSeq = seq
		}
		if err := store.CreateItem(tx, item); err != nil {
			return err
		}
		rel, err := reconcile.CanonicalPath(tx, e.layout, item)
		if err != nil {
			return &errs.LocationError{ItemID: item.ID, Detail: "resolve canonical location", Err: err}
		}
		h := artifact.Header{ID: item.ID, Title: item.Title, GroupID: item.GroupID, Created: now}
		if err := artifact.Write(e.layout.Abs(rel), h, []byte(opts.Body)); err != nil {
			return &errs.LocationError{ItemID: item.ID, Expected: rel, Detail: "write artifact", Err: err}
		}
		written = e.layout.Abs(rel)
		item.ArtifactPath = rel
		if err := tx.Model(item).Update("artifact_path", rel).Error; err != nil {
			return fmt.Errorf("lifecycle: record artifact path for item %d: %w", item.ID, err)
		}
		return nil
	})
	if err != nil {
		if written != "" {
			os.Remove(written)
		}
		return nil, err
	}

	e.emit(ctx, item, audit.EventCreated, "", "")
	if item.GroupID != nil {
		if err := e.syncGroup(*item.GroupID); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// checkGroupOpen rejects adding members to a group that is done or
// archived.
func (e *Engine) checkGroupOpen(groupID uint, op string) error {
	g, err := store.GetGroup(e.db, groupID)
	if err != nil {
		return err
	}
	members, err := store.GroupMembers(e.db, groupID)
	if err != nil {
		return err
	}
	status := gate.DeriveStatus(g, members)
	if status == models.GroupDone || status == models.GroupArchived {
		return &errs.StateError{Kind: "group", ID: groupID, Op: op, Status: status, Reason: "group no longer accepts members"}
	}
	return nil
}

// Plan accepts a Backlog item into Todo.
func (e *Engine) Plan(ctx context.Context, id uint) (*models.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	before, after, err := e.update(id, func(it *models.Item) error {
		if it.Status != models.StatusBacklog {
			return stateErr(it, "plan", "only backlog items can be planned")
		}
		return nil
	}, func(it *models.Item) {
		it.Status = models.StatusTodo
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, after, audit.EventPlanned, before.Status, "")
	return e.place(ctx, id)
}
