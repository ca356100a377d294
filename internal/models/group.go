package models

import "time"

// Group is a named collection of items whose completion and archival happen
// as one batch.
type Group struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Title       string `gorm:"not null"`
	Slug        string `gorm:"size:64;not null"`
	Status      string `gorm:"size:16;default:planning;index"`
	Version     int    `gorm:"not null;default:1"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ArchivedAt  *time.Time

	Members []Item `gorm:"foreignKey:GroupID"`
}
