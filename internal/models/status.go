package models

// Item statuses.
const (
	StatusBacklog    = "backlog"
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusAbandoned  = "abandoned"
	StatusDone       = "done"
	StatusArchived   = "archived"
)

// Group statuses. A group's status is derived from its members.
const (
	GroupPlanning   = "planning"
	GroupInProgress = "in_progress"
	GroupDone       = "done"
	GroupArchived   = "archived"
)

// ItemStatuses lists every item status in lifecycle order.
var ItemStatuses = []string{
	StatusBacklog, StatusTodo, StatusInProgress, StatusBlocked,
	StatusAbandoned, StatusDone, StatusArchived,
}

// ValidItemStatus reports whether s is a known item status.
func ValidItemStatus(s string) bool {
	for _, v := range ItemStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// DeriveGroupStatus computes a group's status from its member statuses.
// archived is true once the group has been explicitly archived.
func DeriveGroupStatus(memberStatuses []string, archived bool) string {
	if archived {
		return GroupArchived
	}
	if len(memberStatuses) == 0 {
		return GroupPlanning
	}
	started := false
	finished := true
	for _, s := range memberStatuses {
		switch s {
		case StatusInProgress, StatusBlocked:
			started = true
			finished = false
		case StatusDone, StatusAbandoned, StatusArchived:
			started = true
		default:
			finished = false
		}
	}
	switch {
	case finished:
		return GroupDone
	case started:
		return GroupInProgress
	default:
		return GroupPlanning
	}
}
