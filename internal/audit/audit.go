// Package audit keeps the append-only history of lifecycle transitions and
// the logs of finished worker sessions.
package audit

import (
	"fmt"
	"time"

	"github.com/zulandar/sprintyard/internal/models"
	"github.com/zulandar/sprintyard/internal/worker"
	"gorm.io/gorm"
)

// Event types.
const (
	EventCreated          = "created"
	EventPlanned          = "planned"
	EventStarted          = "started"
	EventPhaseAdvanced    = "phase_advanced"
	EventStepCompleted    = "step_completed"
	EventApproved         = "approved"
	EventCheckRecorded    = "check_recorded"
	EventOwnershipSet     = "ownership_set"
	EventPullRequest      = "pull_request"
	EventBlocked          = "blocked"
	EventResumed          = "resumed"
	EventAbandoned        = "abandoned"
	EventCompleted        = "completed"
	EventArchived         = "archived"
	EventMoved            = "moved"
	EventGroupAssigned    = "group_assigned"
	EventGroupUnassigned  = "group_unassigned"
	EventParallelStarted  = "parallel_started"
	EventParallelFinished = "parallel_finished"
)

// Record appends an event. CreatedAt defaults to now.
func Record(db *gorm.DB, ev models.ItemEvent) (*models.ItemEvent, error) {
	if ev.Type == "" {
		return nil, fmt.Errorf("audit: event type is required")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	if err := db.Create(&ev).Error; err != nil {
		return nil, fmt.Errorf("audit: record %s for item %d: %w", ev.Type, ev.ItemID, err)
	}
	return &ev, nil
}

// Events returns an item's history, oldest first.
func Events(db *gorm.DB, itemID uint) ([]models.ItemEvent, error) {
	var events []models.ItemEvent
	if err := db.Where("item_id = ?", itemID).Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("audit: events for item %d: %w", itemID, err)
	}
	return events, nil
}

// Since returns every event recorded at or after t, oldest first.
func Since(db *gorm.DB, t time.Time) ([]models.ItemEvent, error) {
	var events []models.ItemEvent
	if err := db.Where("created_at >= ?", t).Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("audit: events since %s: %w", t.Format(time.RFC3339), err)
	}
	return events, nil
}

// RecordSessions persists one WorkerLog per session of a finished run.
func RecordSessions(db *gorm.DB, res *worker.Result) error {
	if res == nil || len(res.Sessions) == 0 {
		return nil
	}
	now := time.Now()
	logs := make([]models.WorkerLog, 0, len(res.Sessions))
	for _, s := range res.Sessions {
		logs = append(logs, models.WorkerLog{
			ItemID:     res.ItemID,
			Phase:      res.Phase,
			Role:       s.Role,
			State:      string(s.State),
			Outcome:    string(res.Outcome),
			OwnedFiles: s.OwnedFiles,
			Progress:   s.Progress,
			Issues:     s.Issues,
			Output:     s.Output,
			CreatedAt:  now,
		})
	}
	if err := db.Create(&logs).Error; err != nil {
		return fmt.Errorf("audit: record sessions for item %d: %w", res.ItemID, err)
	}
	return nil
}

// WorkerLogs returns the session logs kept for an item, oldest first.
func WorkerLogs(db *gorm.DB, itemID uint) ([]models.WorkerLog, error) {
	var logs []models.WorkerLog
	if err := db.Where("item_id = ?", itemID).Order("id ASC").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("audit: worker logs for item %d: %w", itemID, err)
	}
	return logs, nil
}
