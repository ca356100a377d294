// Package errs defines the typed errors returned by every lifecycle operation.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// NotFoundError reports an unknown item or group id.
type NotFoundError struct {
	Kind string // "item" or "group"
	ID   uint
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

// StateError reports a transition that is not legal from the current status.
type StateError struct {
	Kind   string // "item" or "group"
	ID     uint
	Op     string
	Status string
	Reason string
	// Offenders names the members that prevent a group-level operation.
	Offenders []string
}

func (e *StateError) Error() string {
	msg := fmt.Sprintf("%s: %s %d is %s", e.Op, e.Kind, e.ID, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Offenders) > 0 {
		msg += " (" + strings.Join(e.Offenders, ", ") + ")"
	}
	return msg
}

// ValidationError reports every unmet condition of a gate or request.
type ValidationError struct {
	ItemID uint
	Status string
	Gate   string
	Unmet  []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.ItemID != 0 {
		fmt.Fprintf(&b, "item %d", e.ItemID)
		if e.Status != "" {
			fmt.Fprintf(&b, " (%s)", e.Status)
		}
		b.WriteString(": ")
	}
	if e.Gate != "" {
		fmt.Fprintf(&b, "gate %q ", e.Gate)
	}
	fmt.Fprintf(&b, "unmet: %s", strings.Join(e.Unmet, "; "))
	return b.String()
}

// Overlap is a file claimed by more than one worker role.
type Overlap struct {
	File  string
	Roles []string
}

// ConflictError reports a stale version on write or overlapping worker
// file ownership.
type ConflictError struct {
	Kind     string
	ID       uint
	Expected int
	Actual   int
	Overlaps []Overlap
}

func (e *ConflictError) Error() string {
	if len(e.Overlaps) > 0 {
		parts := make([]string, 0, len(e.Overlaps))
		for _, o := range e.Overlaps {
			roles := append([]string(nil), o.Roles...)
			sort.Strings(roles)
			parts = append(parts, fmt.Sprintf("%s owned by %s", o.File, strings.Join(roles, " and ")))
		}
		return fmt.Sprintf("item %d: overlapping ownership: %s", e.ID, strings.Join(parts, "; "))
	}
	return fmt.Sprintf("%s %d: version conflict: expected %d, found %d", e.Kind, e.ID, e.Expected, e.Actual)
}

// VersionMismatch reports whether the conflict came from a stale read, which
// is the only kind worth retrying.
func (e *ConflictError) VersionMismatch() bool {
	return len(e.Overlaps) == 0
}

// LocationError reports that an artifact is not where its record says it
// must be after a move.
type LocationError struct {
	ItemID   uint
	Expected string
	Detail   string
	Err      error
}

func (e *LocationError) Error() string {
	msg := fmt.Sprintf("item %d: artifact not at %s", e.ItemID, e.Expected)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LocationError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsRetryableConflict reports whether err is a version conflict.
func IsRetryableConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce) && ce.VersionMismatch()
}
