// Package notify delivers lifecycle events to chat platforms. Delivery is
// best effort: a failed send never undoes the transition it reports.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zulandar/sprintyard/internal/models"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Message is one outbound chat message.
type Message struct {
	Text   string
	Events []FormattedEvent
}

// FormattedEvent is an event rendered for display in chat.
type FormattedEvent struct {
	Title    string
	Body     string
	Severity string // "info", "warning", "error", "success"
	Color    string
	Fields   []Field
}

// Field is a key-value pair displayed with an event.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Notifier sends messages to one destination.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Nop discards every message.
type Nop struct{}

// Send implements Notifier.
func (Nop) Send(context.Context, Message) error { return nil }

// Multi fans a message out to several notifiers. Every notifier is tried;
// the errors are joined.
type Multi []Notifier

// Send implements Notifier.
func (m Multi) Send(ctx context.Context, msg Message) error {
	var errList []error
	for _, n := range m {
		if err := n.Send(ctx, msg); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Mock records sent messages for tests.
type Mock struct {
	mu   sync.Mutex
	sent []Message
	Err  error
}

// Send implements Notifier.
func (m *Mock) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, msg)
	return nil
}

// Sent returns a copy of the messages recorded so far.
func (m *Mock) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// eventVerb returns a human-friendly verb for an event type.
func eventVerb(eventType string) string {
	switch eventType {
	case "created":
		return "created"
	case "planned":
		return "planned"
	case "started":
		return "started"
	case "phase_advanced":
		return "advanced"
	case "blocked":
		return "blocked"
	case "resumed":
		return "resumed"
	case "abandoned":
		return "abandoned"
	case "completed":
		return "completed"
	case "archived":
		return "archived"
	case "parallel_finished":
		return "finished its parallel phase"
	default:
		return strings.ReplaceAll(eventType, "_", " ")
	}
}

// eventSeverity returns the severity for an event type.
func eventSeverity(ev models.ItemEvent) string {
	switch ev.Type {
	case "completed", "archived":
		return "success"
	case "blocked", "abandoned":
		return "warning"
	case "parallel_finished":
		if parallelOutcome(ev) == "complete" {
			return "success"
		}
		return "error"
	default:
		return "info"
	}
}

// parallelOutcome returns the run outcome that leads a parallel_finished
// event's detail, e.g. "failed" from "failed: backend: exit status 2".
func parallelOutcome(ev models.ItemEvent) string {
	outcome, _, _ := strings.Cut(ev.Detail, ":")
	return strings.TrimSpace(outcome)
}

// FormatEvent renders an item event for chat.
func FormatEvent(ev models.ItemEvent, title string) FormattedEvent {
	severity := eventSeverity(ev)
	headline := fmt.Sprintf("Item %d %s", ev.ItemID, eventVerb(ev.Type))
	if ev.Type == "parallel_finished" {
		if outcome := parallelOutcome(ev); outcome != "" {
			headline = fmt.Sprintf("Item %d parallel phase %s", ev.ItemID, outcome)
		}
	}

	var bodyParts []string
	if title != "" {
		bodyParts = append(bodyParts, title)
	}
	if ev.FromStatus != "" && ev.ToStatus != "" && ev.FromStatus != ev.ToStatus {
		bodyParts = append(bodyParts, fmt.Sprintf("%s → %s", ev.FromStatus, ev.ToStatus))
	}
	if ev.Detail != "" {
		bodyParts = append(bodyParts, ev.Detail)
	}

	fields := []Field{
		{Name: "Item", Value: fmt.Sprintf("%d", ev.ItemID), Short: true},
	}
	if ev.ToStatus != "" {
		fields = append(fields, Field{Name: "Status", Value: ev.ToStatus, Short: true})
	}
	if ev.GroupID != nil {
		fields = append(fields, Field{Name: "Group", Value: fmt.Sprintf("%d", *ev.GroupID), Short: true})
	}

	return FormattedEvent{
		Title:    headline,
		Body:     strings.Join(bodyParts, "\n"),
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}

// EventMessage wraps a formatted event as a message with a text fallback.
func EventMessage(ev models.ItemEvent, title string) Message {
	f := FormatEvent(ev, title)
	return Message{Text: f.Title, Events: []FormattedEvent{f}}
}
