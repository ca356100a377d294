package dashboard

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/zulandar/sprintyard/internal/gate"
	"github.com/zulandar/sprintyard/internal/lifecycle"
	"github.com/zulandar/sprintyard/internal/models"
	"gorm.io/gorm"
)

// StatusCount holds item counts by status.
type StatusCount struct {
	Backlog    int `json:"backlog"`
	Todo       int `json:"todo"`
	InProgress int `json:"in_progress"`
	Blocked    int `json:"blocked"`
	Done       int `json:"done"`
	Abandoned  int `json:"abandoned"`
	Archived   int `json:"archived"`
	Total      int `json:"total"`
}

// Summary is the dashboard overview.
type Summary struct {
	Items       StatusCount `json:"items"`
	Groups      int         `json:"groups"`
	HoursLogged float64     `json:"hours_logged"`
}

// StatusSummary returns item counts grouped by status.
func StatusSummary(db *gorm.DB) (*Summary, error) {
	type row struct {
		Status string
		Count  int
		Hours  float64
	}
	var rows []row
	if err := db.Model(&models.Item{}).
		Select("status, count(*) as count, COALESCE(SUM(hours_accumulated), 0) as hours").
		Group("status").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("dashboard: status summary: %w", err)
	}

	s := &Summary{}
	var hours float64
	for _, r := range rows {
		s.Items.Total += r.Count
		hours += r.Hours
		switch r.Status {
		case models.StatusBacklog:
			s.Items.Backlog += r.Count
		case models.StatusTodo:
			s.Items.Todo += r.Count
		case models.StatusInProgress:
			s.Items.InProgress += r.Count
		case models.StatusBlocked:
			s.Items.Blocked += r.Count
		case models.StatusDone:
			s.Items.Done += r.Count
		case models.StatusAbandoned:
			s.Items.Abandoned += r.Count
		case models.StatusArchived:
			s.Items.Archived += r.Count
		}
	}
	s.HoursLogged = math.Round(hours*100) / 100

	var groups int64
	if err := db.Model(&models.Group{}).Count(&groups).Error; err != nil {
		return nil, fmt.Errorf("dashboard: count groups: %w", err)
	}
	s.Groups = int(groups)
	return s, nil
}

// ItemRow holds item data for display in the list view.
type ItemRow struct {
	ID           uint      `json:"id"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	Phase        string    `json:"phase,omitempty"`
	Step         string    `json:"step,omitempty"`
	GroupID      *uint     `json:"group_id,omitempty"`
	Hours        float64   `json:"hours"`
	HoursLabel   string    `json:"hours_label"`
	BlockReason  string    `json:"block_reason,omitempty"`
	ArtifactPath string    `json:"artifact_path"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
}

func toItemRow(it *models.Item) ItemRow {
	return ItemRow{
		ID:           it.ID,
		Title:        it.Title,
		Status:       it.Status,
		Phase:        it.Phase,
		Step:         it.Step,
		GroupID:      it.GroupID,
		Hours:        it.HoursAccumulated,
		HoursLabel:   formatDuration(time.Duration(it.HoursAccumulated * float64(time.Hour))),
		BlockReason:  it.BlockReason,
		ArtifactPath: it.ArtifactPath,
		Version:      it.Version,
		CreatedAt:    it.CreatedAt,
	}
}

// GroupRow holds a group with its derived status.
type GroupRow struct {
	ID         uint       `json:"id"`
	Title      string     `json:"title"`
	Status     string     `json:"status"`
	Members    int        `json:"members"`
	TotalHours float64    `json:"total_hours"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

func toGroupRow(r *gate.GroupReport) GroupRow {
	return GroupRow{
		ID:         r.Group.ID,
		Title:      r.Group.Title,
		Status:     r.Status,
		Members:    len(r.Members),
		TotalHours: r.TotalHours,
		StartedAt:  r.Group.StartedAt,
		ArchivedAt: r.Group.ArchivedAt,
	}
}

// ItemDetail holds full item data for the detail view.
type ItemDetail struct {
	ItemRow
	Gate         string                     `json:"gate,omitempty"`
	Unmet        []string                   `json:"unmet,omitempty"`
	Approvals    map[string]models.Approval `json:"approvals,omitempty"`
	Checks       map[string]bool            `json:"checks,omitempty"`
	Ownership    map[string][]string        `json:"ownership,omitempty"`
	Parallel     *models.ParallelSummary    `json:"parallel,omitempty"`
	PullRequest  int                        `json:"pull_request,omitempty"`
	CanCommit    bool                       `json:"can_commit"`
	CommitReason string                     `json:"commit_reason,omitempty"`
}

// GetItemDetail returns an item with the state of its current gate.
func GetItemDetail(ctx context.Context, e *lifecycle.Engine, id uint) (*ItemDetail, error) {
	it, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	d := &ItemDetail{
		ItemRow:     toItemRow(it),
		Approvals:   it.Approvals,
		Checks:      it.Checks,
		Ownership:   it.Ownership,
		Parallel:    it.Parallel,
		PullRequest: it.PullRequest,
	}
	if it.Phase != "" {
		if name, unmet, err := e.GateStatus(ctx, id); err == nil {
			d.Gate, d.Unmet = name, unmet
		}
	}
	d.CanCommit, d.CommitReason = e.Gates().CanCommit(it)
	return d, nil
}

// formatDuration formats a duration as a human-readable string like "2h 15m".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h >= 24 {
		days := h / 24
		h = h % 24
		return fmt.Sprintf("%dd %dh", days, h)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
