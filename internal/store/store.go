// Package store persists items and groups with optimistic concurrency.
// Every successful mutation bumps the record's version, and callers must
// present the version they read.
package store

import (
	"errors"
	"fmt"

	"github.com/zulandar/sprintyard/internal/errs"
	"github.com/zulandar/sprintyard/internal/models"
	"gorm.io/gorm"
)

// ItemMutator edits an item in place. Returning an error aborts the update.
type ItemMutator func(*models.Item) error

// GroupMutator edits a group in place. Returning an error aborts the update.
type GroupMutator func(*models.Group) error

// ListFilters holds optional filters for ListItems.
type ListFilters struct {
	Status  string
	GroupID *uint
}

// CreateItem inserts a new item at version 1.
func CreateItem(db *gorm.DB, item *models.Item) error {
	item.Version = 1
	if item.Status == "" {
		item.Status = models.StatusBacklog
	}
	if err := db.Create(item).Error; err != nil {
		return fmt.Errorf("store: create item: %w", err)
	}
	return nil
}

// CreateGroup inserts a new group at version 1.
func CreateGroup(db *gorm.DB, group *models.Group) error {
	group.Version = 1
	if group.Status == "" {
		group.Status = models.GroupPlanning
	}
	if err := db.Create(group).Error; err != nil {
		return fmt.Errorf("store: create group: %w", err)
	}
	return nil
}

// GetItem returns the item with the given id.
func GetItem(db *gorm.DB, id uint) (*models.Item, error) {
	var item models.Item
	if err := db.First(&item, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Kind: "item", ID: id}
		}
		return nil, fmt.Errorf("store: get item %d: %w", id, err)
	}
	return &item, nil
}

// GetGroup returns the group with the given id. Members are not loaded.
func GetGroup(db *gorm.DB, id uint) (*models.Group, error) {
	var group models.Group
	if err := db.First(&group, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &errs.NotFoundError{Kind: "group", ID: id}
		}
		return nil, fmt.Errorf("store: get group %d: %w", id, err)
	}
	return &group, nil
}

// GroupMembers returns a group's items in insertion order.
func GroupMembers(db *gorm.DB, groupID uint) ([]models.Item, error) {
	var items []models.Item
	if err := db.Where("group_id = ?", groupID).Order("group_seq ASC, id ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("store: members of group %d: %w", groupID, err)
	}
	return items, nil
}

// ListItems returns items matching the filters, ordered by id.
func ListItems(db *gorm.DB, filters ListFilters) ([]models.Item, error) {
	q := db.Model(&models.Item{})
	if filters.Status != "" {
		q = q.Where("status = ?", filters.Status)
	}
	if filters.GroupID != nil {
		q = q.Where("group_id = ?", *filters.GroupID)
	}
	var items []models.Item
	if err := q.Order("id ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("store: list items: %w", err)
	}
	return items, nil
}

// ListGroups returns all groups ordered by id.
func ListGroups(db *gorm.DB) ([]models.Group, error) {
	var groups []models.Group
	if err := db.Order("id ASC").Find(&groups).Error; err != nil {
		return nil, fmt.Errorf("store: list groups: %w", err)
	}
	return groups, nil
}

// UpdateItem applies mutate to the stored item if its version still equals
// expectedVersion. A stale version returns *errs.ConflictError and leaves
// the record untouched.
func UpdateItem(db *gorm.DB, id uint, expectedVersion int, mutate ItemMutator) (*models.Item, error) {
	var out *models.Item
	err := db.Transaction(func(tx *gorm.DB) error {
		item, err := GetItem(tx, id)
		if err != nil {
			return err
		}
		if item.Version != expectedVersion {
			return &errs.ConflictError{Kind: "item", ID: id, Expected: expectedVersion, Actual: item.Version}
		}
		if err := mutate(item); err != nil {
			return err
		}
		item.ID = id
		item.Version = expectedVersion + 1

		result := tx.Model(item).Where("version = ?", expectedVersion).Select("*").Updates(item)
		if result.Error != nil {
			return fmt.Errorf("store: update item %d: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return &errs.ConflictError{Kind: "item", ID: id, Expected: expectedVersion, Actual: -1}
		}
		out = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateGroup is UpdateItem for groups.
func UpdateGroup(db *gorm.DB, id uint, expectedVersion int, mutate GroupMutator) (*models.Group, error) {
	var out *models.Group
	err := db.Transaction(func(tx *gorm.DB) error {
		group, err := GetGroup(tx, id)
		if err != nil {
			return err
		}
		if group.Version != expectedVersion {
			return &errs.ConflictError{Kind: "group", ID: id, Expected: expectedVersion, Actual: group.Version}
		}
		if err := mutate(group); err != nil {
			return err
		}
		group.ID = id
		group.Version = expectedVersion + 1

		result := tx.Model(group).Where("version = ?", expectedVersion).Select("*").Omit("Members").Updates(group)
		if result.Error != nil {
			return fmt.Errorf("store: update group %d: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return &errs.ConflictError{Kind: "group", ID: id, Expected: expectedVersion, Actual: -1}
		}
		out = group
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NextGroupSeq returns the insertion position for a new member of a group.
func NextGroupSeq(db *gorm.DB, groupID uint) (int, error) {
	var last int64
	if err := db.Model(&models.Item{}).Where("group_id = ?", groupID).
		Select("COALESCE(MAX(group_seq), 0)").Scan(&last).Error; err != nil {
		return 0, fmt.Errorf("store: next group seq for %d: %w", groupID, err)
	}
	return int(last) + 1, nil
}
