package lifecycle

import (
	"context"
	"fmt"

	"github.com/zulandar/sprintyard/internal/audit"
	"github.com/zulandar/sprintyard/internal/errs"
	"github.com/zulandar/sprintyard/internal/gate"
	"github.com/zulandar/sprintyard/internal/models"
	"github.com/zulandar/sprintyard/internal/store"
	"gorm.io/gorm"
)

// GroupStatus returns a group with its derived status, members and total
// hours.
func (e *Engine) GroupStatus(id uint) (*gate.GroupReport, error) {
	return gate.GroupStatus(e.db, id)
}

// ListGroups returns every group.
func (e *Engine) ListGroups() ([]models.Group, error) {
	return store.ListGroups(e.db)
}

// ArchiveGroup archives a Done group: its Done members become Archived and
// move under the archived root. Abandoned members stay where they are. A
// group with any member that is neither done nor abandoned is refused, and
// the refusal lists those members.
func (e *Engine) ArchiveGroup(ctx context.Context, id uint) (*gate.GroupReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report, err := gate.GroupStatus(e.db, id)
	if err != nil {
		return nil, err
	}
	switch {
	case report.Status == models.GroupArchived:
		return nil, &errs.StateError{Kind: "group", ID: id, Op: "archive", Status: report.Status, Reason: "group is already archived"}
	case len(report.Members) == 0:
		return nil, &errs.StateError{Kind: "group", ID: id, Op: "archive", Status: report.Status, Reason: "group has no members"}
	case report.Status != models.GroupDone:
		return nil, &errs.StateError{Kind: "group", ID: id, Op: "archive", Status: report.Status,
			Reason: "every member must be done or abandoned", Offenders: gate.Unfinished(report.Members)}
	}

	var archived []uint
	err = retry(func() error {
		archived = archived[:0]
		return e.db.Transaction(func(tx *gorm.DB) error {
			now := e.now()
			members, err := store.GroupMembers(tx, id)
			if err != nil {
				return err
			}
			for _, m := range members {
				if m.Status != models.StatusDone {
					continue
				}
				if _, err := store.UpdateItem(tx, m.ID, m.Version, func(it *models.Item) error {
					it.Status = models.StatusArchived
					stamp(&it.ArchivedAt, now)
					return nil
				}); err != nil {
					return err
				}
				archived = append(archived, m.ID)
			}
			g, err := store.GetGroup(tx, id)
			if err != nil {
				return err
			}
			_, err = store.UpdateGroup(tx, id, g.Version, func(gr *models.Group) error {
				gr.Status = models.GroupArchived
				stamp(&gr.ArchivedAt, now)
				stamp(&gr.CompletedAt, now)
				return nil
			})
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	for _, mid := range archived {
		it, err := store.GetItem(e.db, mid)
		if err != nil {
			return nil, err
		}
		e.emit(ctx, it, audit.EventArchived, models.StatusDone, fmt.Sprintf("group %d archived", id))
		if _, err := e.reconcileOne(ctx, mid); err != nil {
			return nil, err
		}
	}
	return gate.GroupStatus(e.db, id)
}

// AssignGroup adds an ungrouped Backlog or Todo item to a group that is
// still open.
func (e *Engine) AssignGroup(ctx context.Context, id, groupID uint) (*models.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkGroupOpen(groupID, "assign"); err != nil {
		return nil, err
	}
	seq, err := store.NextGroupSeq(e.db, groupID)
	if err != nil {
		return nil, err
	}
	_, after, err := e.update(id, func(it *models.Item) error {
		if it.GroupID != nil {
			return stateErr(it, "assign group", fmt.Sprintf("item already belongs to group %d", *it.GroupID))
		}
		return requireUnstarted(it, "assign group")
	}, func(it *models.Item) {
		g := groupID
		it.GroupID = &g
		it.GroupSeq = seq
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, after, audit.EventGroupAssigned, after.Status, fmt.Sprintf("group %d", groupID))
	return e.place(ctx, id)
}

// UnassignGroup removes a Backlog or Todo item from its group.
func (e *Engine) UnassignGroup(ctx context.Context, id uint) (*models.Item, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	before, after, err := e.update(id, func(it *models.Item) error {
		if it.GroupID == nil {
			return stateErr(it, "unassign group", "item is not in a group")
		}
		return requireUnstarted(it, "unassign group")
	}, func(it *models.Item) {
		it.GroupID = nil
		it.GroupSeq = 0
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, after, audit.EventGroupUnassigned, after.Status, fmt.Sprintf("group %d", *before.GroupID))
	if err := e.syncGroup(*before.GroupID); err != nil {
		return nil, err
	}
	if err := e.placeGroup(ctx, *before.GroupID, id); err != nil {
		return nil, err
	}
	return e.place(ctx, id)
}

func requireUnstarted(it *models.Item, op string) error {
	if it.Status != models.StatusBacklog && it.Status != models.StatusTodo {
		return stateErr(it, op, "group membership changes only before work starts")
	}
	return nil
}
