package notify

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/sprintyard/internal/models"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Report summarises lifecycle activity over a period.
type Report struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	Created     int
	Started     int
	Completed   int
	Blocked     int
	Abandoned   int
	Archived    int
	HoursLogged float64

	// Current counts, independent of the period.
	InProgress   int
	BlockedNow   int
	BlockedItems []string
}

// Active reports whether anything happened during the period.
func (r *Report) Active() bool {
	return r.Created+r.Started+r.Completed+r.Blocked+r.Abandoned+r.Archived > 0
}

// BuildDigest computes the activity report for [since, until).
func BuildDigest(db *gorm.DB, since, until time.Time) (*Report, error) {
	report := &Report{PeriodStart: since, PeriodEnd: until}

	var rows []struct {
		Type  string
		Count int64
	}
	if err := db.Model(&models.ItemEvent{}).
		Select("type, COUNT(*) AS count").
		Where("created_at >= ? AND created_at < ?", since, until).
		Group("type").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("notify: digest events: %w", err)
	}
	for _, row := range rows {
		n := int(row.Count)
		switch row.Type {
		case "created":
			report.Created = n
		case "started":
			report.Started = n
		case "completed":
			report.Completed = n
		case "blocked":
			report.Blocked = n
		case "abandoned":
			report.Abandoned = n
		case "archived":
			report.Archived = n
		}
	}

	var completed []models.Item
	if err := db.Where("completed_at >= ? AND completed_at < ?", since, until).
		Find(&completed).Error; err != nil {
		return nil, fmt.Errorf("notify: digest completed items: %w", err)
	}
	var hours float64
	for _, it := range completed {
		hours += it.HoursAccumulated
	}
	report.HoursLogged = math.Round(hours*100) / 100

	var inProgress int64
	if err := db.Model(&models.Item{}).Where("status = ?", models.StatusInProgress).
		Count(&inProgress).Error; err != nil {
		return nil, fmt.Errorf("notify: digest in-progress count: %w", err)
	}
	report.InProgress = int(inProgress)

	var blocked []models.Item
	if err := db.Where("status = ?", models.StatusBlocked).Order("id ASC").Find(&blocked).Error; err != nil {
		return nil, fmt.Errorf("notify: digest blocked items: %w", err)
	}
	report.BlockedNow = len(blocked)
	for _, it := range blocked {
		line := fmt.Sprintf("item %d", it.ID)
		if it.BlockReason != "" {
			line += ": " + it.BlockReason
		}
		report.BlockedItems = append(report.BlockedItems, line)
	}
	return report, nil
}

// FormatDigest renders a report for chat.
func FormatDigest(report *Report) FormattedEvent {
	var bodyLines []string
	bodyLines = append(bodyLines, fmt.Sprintf("**Period**: %s – %s",
		report.PeriodStart.Format("Jan 2 15:04"),
		report.PeriodEnd.Format("Jan 2 15:04")))
	bodyLines = append(bodyLines, fmt.Sprintf("**Items**: %d created, %d started, %d completed",
		report.Created, report.Started, report.Completed))
	if report.Blocked > 0 || report.Abandoned > 0 {
		bodyLines = append(bodyLines, fmt.Sprintf("**Setbacks**: %d blocked, %d abandoned", report.Blocked, report.Abandoned))
	}
	if report.Archived > 0 {
		bodyLines = append(bodyLines, fmt.Sprintf("**Archived**: %d", report.Archived))
	}
	if report.HoursLogged > 0 {
		bodyLines = append(bodyLines, fmt.Sprintf("**Hours**: %.2f on completed items", report.HoursLogged))
	}
	if len(report.BlockedItems) > 0 {
		bodyLines = append(bodyLines, "", "**Currently blocked**:")
		for _, b := range report.BlockedItems {
			bodyLines = append(bodyLines, "  "+b)
		}
	}

	fields := []Field{
		{Name: "Created", Value: fmt.Sprintf("%d", report.Created), Short: true},
		{Name: "Completed", Value: fmt.Sprintf("%d", report.Completed), Short: true},
		{Name: "In Progress", Value: fmt.Sprintf("%d", report.InProgress), Short: true},
	}
	if report.BlockedNow > 0 {
		fields = append(fields, Field{Name: "Blocked", Value: fmt.Sprintf("%d", report.BlockedNow), Short: true})
	}

	severity := "info"
	if report.BlockedNow > 0 {
		severity = "warning"
	}
	return FormattedEvent{
		Title:    "Sprint Digest",
		Body:     strings.Join(bodyLines, "\n"),
		Severity: severity,
		Color:    severityColor(severity),
		Fields:   fields,
	}
}

// SendDigest builds the report for the window ending now and sends it. A
// period without activity sends nothing and reports false.
func SendDigest(ctx context.Context, db *gorm.DB, n Notifier, window time.Duration, now time.Time) (bool, error) {
	report, err := BuildDigest(db, now.Add(-window), now)
	if err != nil {
		return false, err
	}
	if !report.Active() && report.BlockedNow == 0 {
		return false, nil
	}
	f := FormatDigest(report)
	if err := n.Send(ctx, Message{Text: f.Title, Events: []FormattedEvent{f}}); err != nil {
		return false, fmt.Errorf("notify: send digest: %w", err)
	}
	return true, nil
}

// ParseSchedule validates a 5-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("notify: parse schedule %q: %w", expr, err)
	}
	return sched, nil
}

// nextCronDuration returns the duration from now until the next fire time
// of expr. Returns 0 on parse error.
func nextCronDuration(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ScheduleDigest sends a digest covering the time since the previous run
// every time expr fires, until ctx is done.
func ScheduleDigest(ctx context.Context, db *gorm.DB, n Notifier, expr string) error {
	if _, err := ParseSchedule(expr); err != nil {
		return err
	}
	last := time.Now()
	for {
		wait := nextCronDuration(expr, time.Now())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		now := time.Now()
		if _, err := SendDigest(ctx, db, n, now.Sub(last), now); err != nil {
			log.Printf("notify: digest: %v", err)
		}
		last = now
	}
}
