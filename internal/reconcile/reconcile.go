// Package reconcile restores an item's artifact to the canonical location
// derived from its stored status and group membership.
package reconcile

import (
	"fmt"
	"os"

	"github.com/zulandar/sprintyard/internal/artifact"
	"github.com/zulandar/sprintyard/internal/errs"
	"github.com/zulandar/sprintyard/internal/location"
	"github.com/zulandar/sprintyard/internal/models"
	"github.com/zulandar/sprintyard/internal/store"
	"gorm.io/gorm"
)

// moveFile relocates an artifact. Tests replace it to exercise the
// post-move verification.
var moveFile = artifact.Move

// Outcome describes what Reconcile did.
type Outcome struct {
	ItemID uint
	Moved  bool
	From   string
	To     string
}

func (o Outcome) String() string {
	if !o.Moved {
		return fmt.Sprintf("item %d: unchanged", o.ItemID)
	}
	return fmt.Sprintf("item %d: moved %s -> %s", o.ItemID, o.From, o.To)
}

// GroupInfo loads the facts the location resolver needs about a group.
func GroupInfo(db *gorm.DB, groupID uint) (*location.Group, error) {
	group, err := store.GetGroup(db, groupID)
	if err != nil {
		return nil, err
	}
	members, err := store.GroupMembers(db, groupID)
	if err != nil {
		return nil, err
	}
	statuses := make([]string, len(members))
	for i, m := range members {
		statuses[i] = m.Status
	}
	status := models.DeriveGroupStatus(statuses, group.ArchivedAt != nil)
	return &location.Group{
		ID:   group.ID,
		Slug: group.Slug,
		Done: status == models.GroupDone || status == models.GroupArchived,
	}, nil
}

// CanonicalPath returns the relative path an item's artifact must occupy.
func CanonicalPath(db *gorm.DB, layout location.Layout, item *models.Item) (string, error) {
	var g *location.Group
	if item.GroupID != nil {
		info, err := GroupInfo(db, *item.GroupID)
		if err != nil {
			return "", err
		}
		g = info
	}
	return layout.RelPath(item.ID, item.Slug, item.Status, g)
}

// Reconcile moves the item's artifact to its canonical location if it has
// drifted, then records the new path. It never changes artifact content.
// A second call right after a successful one reports an unchanged outcome.
func Reconcile(db *gorm.DB, layout location.Layout, id uint) (Outcome, error) {
	item, err := store.GetItem(db, id)
	if err != nil {
		return Outcome{}, err
	}
	want, err := CanonicalPath(db, layout, item)
	if err != nil {
		return Outcome{}, &errs.LocationError{ItemID: id, Detail: "resolve canonical location", Err: err}
	}

	actual, err := findArtifact(layout, item)
	if err != nil {
		return Outcome{}, err
	}

	if actual == want {
		if item.ArtifactPath == want {
			return Outcome{ItemID: id}, nil
		}
		if err := recordPath(db, item, want); err != nil {
			return Outcome{}, err
		}
		return Outcome{ItemID: id, Moved: true, From: item.ArtifactPath, To: want}, nil
	}

	if err := moveFile(layout.Abs(actual), layout.Abs(want)); err != nil {
		return Outcome{}, &errs.LocationError{ItemID: id, Expected: want, Detail: "move from " + actual, Err: err}
	}
	if err := verify(layout, id, actual, want); err != nil {
		return Outcome{}, err
	}
	if err := recordPath(db, item, want); err != nil {
		return Outcome{}, err
	}
	return Outcome{ItemID: id, Moved: true, From: actual, To: want}, nil
}

// findArtifact returns where the artifact actually is: the stored path if a
// file is there, otherwise the single file on disk named for the item.
func findArtifact(layout location.Layout, item *models.Item) (string, error) {
	if item.ArtifactPath != "" && artifact.Exists(layout.Abs(item.ArtifactPath)) {
		return item.ArtifactPath, nil
	}
	found, err := artifact.Locate(layout, item.ID)
	if err != nil {
		return "", &errs.LocationError{ItemID: item.ID, Expected: item.ArtifactPath, Detail: "scan workspace", Err: err}
	}
	switch len(found) {
	case 0:
		return "", &errs.LocationError{ItemID: item.ID, Expected: item.ArtifactPath, Detail: "artifact missing from workspace"}
	case 1:
		return found[0], nil
	default:
		return "", &errs.LocationError{ItemID: item.ID, Expected: item.ArtifactPath, Detail: fmt.Sprintf("%d candidate artifacts found: %v", len(found), found)}
	}
}

// verify re-reads the filesystem after a move.
func verify(layout location.Layout, id uint, from, to string) error {
	if !artifact.Exists(layout.Abs(to)) {
		return &errs.LocationError{ItemID: id, Expected: to, Detail: "not found after move"}
	}
	if _, err := os.Stat(layout.Abs(from)); err == nil {
		return &errs.LocationError{ItemID: id, Expected: to, Detail: "source " + from + " still present after move"}
	}
	return nil
}

func recordPath(db *gorm.DB, item *models.Item, rel string) error {
	_, err := store.UpdateItem(db, item.ID, item.Version, func(it *models.Item) error {
		it.ArtifactPath = rel
		return nil
	})
	return err
}
