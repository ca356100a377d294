package audit

import (
	"testing"
	"time"

	"github.com/zulandar/sprintyard/internal/models"
	"github.com/zulandar/sprintyard/internal/worker"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.ItemEvent{}, &models.WorkerLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// --- Record ---

func TestRecord_MissingType(t *testing.T) {
	_, err := Record(nil, models.ItemEvent{ItemID: 1})
	if err == nil {
		t.Fatal("expected error for missing type")
	}
	if got := err.Error(); got != "audit: event type is required" {
		t.Errorf("error = %q", got)
	}
}

func TestRecord_AndEvents(t *testing.T) {
	db := testDB(t)
	if _, err := Record(db, models.ItemEvent{ItemID: 1, Type: EventCreated, ToStatus: models.StatusBacklog}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := Record(db, models.ItemEvent{ItemID: 2, Type: EventCreated}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	ev, err := Record(db, models.ItemEvent{ItemID: 1, Type: EventBlocked, FromStatus: models.StatusInProgress, ToStatus: models.StatusBlocked, Detail: "waiting on api"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if ev.CreatedAt.IsZero() {
		t.Error("CreatedAt not defaulted")
	}

	events, err := Events(db, 1)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Type != EventCreated || events[1].Type != EventBlocked {
		t.Errorf("types = %s, %s", events[0].Type, events[1].Type)
	}
	if events[1].Detail != "waiting on api" {
		t.Errorf("Detail = %q", events[1].Detail)
	}
}

func TestSince(t *testing.T) {
	db := testDB(t)
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	Record(db, models.ItemEvent{ItemID: 1, Type: EventCreated, CreatedAt: old})
	Record(db, models.ItemEvent{ItemID: 1, Type: EventStarted, CreatedAt: old.Add(48 * time.Hour)})

	events, err := Since(db, old.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventStarted {
		t.Errorf("Since = %+v", events)
	}
}

// --- Worker logs ---

func TestRecordSessions(t *testing.T) {
	db := testDB(t)
	res := &worker.Result{
		ItemID:  5,
		Phase:   "implementation",
		Outcome: worker.OutcomeFailed,
		Sessions: []worker.Snapshot{
			{Role: "backend", OwnedFiles: []string{"internal/"}, State: worker.Complete, Output: "done\n",
				Progress: []models.ProgressLine{{Message: "started backend"}, {Message: "complete"}}},
			{Role: "tests", OwnedFiles: []string{"tests/"}, State: worker.Error, Issues: []string{"exit status 1"}},
		},
	}
	if err := RecordSessions(db, res); err != nil {
		t.Fatalf("RecordSessions: %v", err)
	}

	logs, err := WorkerLogs(db, 5)
	if err != nil {
		t.Fatalf("WorkerLogs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("len(logs) = %d, want 2", len(logs))
	}
	if logs[0].Role != "backend" || logs[0].Outcome != "failed" || logs[0].State != "complete" {
		t.Errorf("logs[0] = %+v", logs[0])
	}
	if len(logs[0].Progress) != 2 || logs[0].Progress[1].Message != "complete" {
		t.Errorf("Progress = %+v", logs[0].Progress)
	}
	if len(logs[1].Issues) != 1 || logs[1].Issues[0] != "exit status 1" {
		t.Errorf("Issues = %v", logs[1].Issues)
	}
	if logs[1].OwnedFiles[0] != "tests/" {
		t.Errorf("OwnedFiles = %v", logs[1].OwnedFiles)
	}
}

func TestRecordSessions_Empty(t *testing.T) {
	if err := RecordSessions(nil, nil); err != nil {
		t.Errorf("RecordSessions(nil) = %v", err)
	}
	if err := RecordSessions(nil, &worker.Result{}); err != nil {
		t.Errorf("RecordSessions(empty) = %v", err)
	}
}
