package models

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestItem_Fields(t *testing.T) {
	typ := reflect.TypeOf(Item{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "Title", "not null")
	assertGormTag(t, typ, "Slug", "size:64")
	assertGormTag(t, typ, "GroupID", "index")
	assertGormTag(t, typ, "Status", "default:backlog")
	assertGormTag(t, typ, "Status", "index")
	assertGormTag(t, typ, "Phase", "size:64")
	assertGormTag(t, typ, "CompletedSteps", "serializer:json")
	assertGormTag(t, typ, "Approvals", "serializer:json")
	assertGormTag(t, typ, "Ownership", "serializer:json")
	assertGormTag(t, typ, "Checks", "serializer:json")
	assertGormTag(t, typ, "Parallel", "serializer:json")
	assertGormTag(t, typ, "BlockReason", "type:text")
	assertGormTag(t, typ, "ArtifactPath", "size:512")
	assertGormTag(t, typ, "Version", "not null")
	assertGormTag(t, typ, "Version", "default:1")

	assertFieldType(t, typ, "ID", "uint")
	assertFieldType(t, typ, "GroupID", "*uint")
	assertFieldType(t, typ, "HoursAccumulated", "float64")
	assertFieldType(t, typ, "Approvals", "map[string]models.Approval")
	assertFieldType(t, typ, "Ownership", "map[string][]string")
	assertFieldType(t, typ, "StartedAt", "*time.Time")
	assertFieldType(t, typ, "ActiveSince", "*time.Time")
}

func TestGroup_Fields(t *testing.T) {
	typ := reflect.TypeOf(Group{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "Title", "not null")
	assertGormTag(t, typ, "Status", "default:planning")
	assertGormTag(t, typ, "Members", "foreignKey:GroupID")

	assertFieldType(t, typ, "Members", "[]models.Item")
	assertFieldType(t, typ, "ArchivedAt", "*time.Time")
}

func TestItemEvent_Fields(t *testing.T) {
	typ := reflect.TypeOf(ItemEvent{})

	assertGormTag(t, typ, "ItemID", "index")
	assertGormTag(t, typ, "GroupID", "index")
	assertGormTag(t, typ, "Type", "not null")
	assertGormTag(t, typ, "Detail", "type:text")
}

func TestWorkerLog_Fields(t *testing.T) {
	typ := reflect.TypeOf(WorkerLog{})

	assertGormTag(t, typ, "ItemID", "index")
	assertGormTag(t, typ, "Role", "not null")
	assertGormTag(t, typ, "Progress", "serializer:json")
	assertGormTag(t, typ, "Issues", "serializer:json")

	assertFieldType(t, typ, "Progress", "[]models.ProgressLine")
}

func TestItem_Approved(t *testing.T) {
	it := Item{Approvals: map[string]Approval{
		"plan-approved": {ApprovedAt: time.Now(), Comment: "ok"},
	}}
	if !it.Approved("plan-approved") {
		t.Error("plan-approved should be approved")
	}
	if it.Approved("ship-approved") {
		t.Error("ship-approved should not be approved")
	}
	if (&Item{}).Approved("plan-approved") {
		t.Error("nil approvals should approve nothing")
	}
}

func TestItem_StepDone(t *testing.T) {
	it := Item{CompletedSteps: []string{"1.1", "1.2"}}
	if !it.StepDone("1.2") {
		t.Error("1.2 should be done")
	}
	if it.StepDone("2.1") {
		t.Error("2.1 should not be done")
	}
}

func TestItem_Grouped(t *testing.T) {
	gid := uint(20)
	if !(&Item{GroupID: &gid}).Grouped() {
		t.Error("item with a group id should be grouped")
	}
	if (&Item{}).Grouped() {
		t.Error("item without a group id should not be grouped")
	}
}

func TestValidItemStatus(t *testing.T) {
	for _, s := range ItemStatuses {
		if !ValidItemStatus(s) {
			t.Errorf("ValidItemStatus(%q) = false", s)
		}
	}
	for _, s := range []string{"", "open", "in-progress", "DONE"} {
		if ValidItemStatus(s) {
			t.Errorf("ValidItemStatus(%q) = true", s)
		}
	}
}

func TestDeriveGroupStatus(t *testing.T) {
	tests := []struct {
		name     string
		members  []string
		archived bool
		want     string
	}{
		{"empty", nil, false, GroupPlanning},
		{"all todo", []string{StatusBacklog, StatusTodo}, false, GroupPlanning},
		{"one started", []string{StatusTodo, StatusInProgress}, false, GroupInProgress},
		{"blocked keeps it open", []string{StatusDone, StatusDone, StatusBlocked}, false, GroupInProgress},
		{"done and abandoned", []string{StatusDone, StatusAbandoned}, false, GroupDone},
		{"done with a todo left", []string{StatusDone, StatusTodo}, false, GroupInProgress},
		{"archived flag wins", []string{StatusInProgress}, true, GroupArchived},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveGroupStatus(tt.members, tt.archived); got != tt.want {
				t.Errorf("DeriveGroupStatus(%v, %v) = %q, want %q", tt.members, tt.archived, got, tt.want)
			}
		})
	}
}
