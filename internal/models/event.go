package models

import "time"

// ItemEvent is an append-only audit record of a lifecycle transition.
type ItemEvent struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ItemID     uint   `gorm:"index"`
	GroupID    *uint  `gorm:"index"`
	Type       string `gorm:"size:32;not null"`
	FromStatus string `gorm:"size:16"`
	ToStatus   string `gorm:"size:16"`
	Detail     string `gorm:"type:text"`
	CreatedAt  time.Time
}

// WorkerLog keeps the progress log and issues of one worker session after
// the parallel phase that ran it has finished, whatever its outcome.
type WorkerLog struct {
	ID         uint           `gorm:"primaryKey;autoIncrement"`
	ItemID     uint           `gorm:"index"`
	Phase      string         `gorm:"size:64"`
	Role       string         `gorm:"size:64;not null"`
	State      string         `gorm:"size:16"`
	Outcome    string         `gorm:"size:16"`
	OwnedFiles []string       `gorm:"type:text;serializer:json"`
	Progress   []ProgressLine `gorm:"type:text;serializer:json"`
	Issues     []string       `gorm:"type:text;serializer:json"`
	Output     string         `gorm:"type:text"`
	CreatedAt  time.Time
}

// ProgressLine is one timestamped entry of a worker session's progress log.
type ProgressLine struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}
