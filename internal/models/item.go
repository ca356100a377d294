package models

import "time"

// Item is a single unit of tracked work moving through the sprint lifecycle.
type Item struct {
	ID               uint                `gorm:"primaryKey;autoIncrement"`
	Title            string              `gorm:"not null"`
	Slug             string              `gorm:"size:64;not null"`
	GroupID          *uint               `gorm:"index"`
	GroupSeq         int                 `gorm:"default:0"`
	Status           string              `gorm:"size:16;default:backlog;index"`
	Phase            string              `gorm:"size:64"`
	Step             string              `gorm:"size:16"`
	CompletedSteps   []string            `gorm:"type:text;serializer:json"`
	Approvals        map[string]Approval `gorm:"type:text;serializer:json"`
	Ownership        map[string][]string `gorm:"type:text;serializer:json"`
	Checks           map[string]bool     `gorm:"type:text;serializer:json"`
	Parallel         *ParallelSummary    `gorm:"type:text;serializer:json"`
	PullRequest      int                 `gorm:"default:0"`
	BlockReason      string              `gorm:"type:text"`
	AbandonReason    string              `gorm:"type:text"`
	HoursAccumulated float64             `gorm:"default:0"`
	ArtifactPath     string              `gorm:"size:512"`
	Version          int                 `gorm:"not null;default:1"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	BlockedAt        *time.Time
	AbandonedAt      *time.Time
	CompletedAt      *time.Time
	ArchivedAt       *time.Time

	// ActiveSince marks the start of the current uninterrupted work segment.
	// It is nil whenever the item is not InProgress.
	ActiveSince *time.Time
}

// Approval records an explicit sign-off on a named gate.
type Approval struct {
	ApprovedAt time.Time `json:"approved_at"`
	Comment    string    `json:"comment,omitempty"`
}

// ParallelSummary is what survives of a parallel phase once its worker
// sessions have been merged and discarded.
type ParallelSummary struct {
	Phase    string    `json:"phase"`
	Roles    []string  `json:"roles"`
	Files    []string  `json:"files"`
	Entries  int       `json:"entries"`
	Issues   int       `json:"issues"`
	MergedAt time.Time `json:"merged_at"`
}

// Grouped reports whether the item belongs to a group.
func (i *Item) Grouped() bool {
	return i.GroupID != nil
}

// Approved reports whether the named gate has an approval recorded.
func (i *Item) Approved(gate string) bool {
	_, ok := i.Approvals[gate]
	return ok
}

// StepDone reports whether the step id has been completed.
func (i *Item) StepDone(step string) bool {
	for _, s := range i.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}
