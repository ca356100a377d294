package gate

import (
	"fmt"
	"math"

	"github.com/zulandar/sprintyard/internal/models"
	"github.com/zulandar/sprintyard/internal/store"
	"gorm.io/gorm"
)

// GroupReport is a group with its derived status and members.
type GroupReport struct {
	Group      models.Group
	Status     string
	Members    []models.Item
	TotalHours float64
}

// GroupStatus loads a group and derives its status from its members.
func GroupStatus(db *gorm.DB, groupID uint) (*GroupReport, error) {
	group, err := store.GetGroup(db, groupID)
	if err != nil {
		return nil, err
	}
	members, err := store.GroupMembers(db, groupID)
	if err != nil {
		return nil, err
	}
	return &GroupReport{
		Group:      *group,
		Status:     DeriveStatus(group, members),
		Members:    members,
		TotalHours: TotalHours(members),
	}, nil
}

// DeriveStatus computes a group's status from its members.
func DeriveStatus(group *models.Group, members []models.Item) string {
	statuses := make([]string, len(members))
	for i, m := range members {
		statuses[i] = m.Status
	}
	return models.DeriveGroupStatus(statuses, group.ArchivedAt != nil)
}

// TotalHours sums members' accumulated hours.
func TotalHours(members []models.Item) float64 {
	var total float64
	for _, m := range members {
		total += m.HoursAccumulated
	}
	return math.Round(total*100) / 100
}

// Unfinished describes each member that is neither done nor abandoned,
// e.g. "item 3 (blocked)".
func Unfinished(members []models.Item) []string {
	var out []string
	for _, m := range members {
		switch m.Status {
		case models.StatusDone, models.StatusAbandoned, models.StatusArchived:
			continue
		}
		out = append(out, fmt.Sprintf("item %d (%s)", m.ID, m.Status))
	}
	return out
}
