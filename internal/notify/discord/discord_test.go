package discord

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/sprintyard/internal/notify"
)

// --- Mock session ---

type mockSession struct {
	mu       sync.Mutex
	sent     []sentMessage
	errs     []error
	attempts int
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: "1", ChannelID: channelID}, nil
}

func newTestNotifier(t *testing.T, sess *mockSession) *Notifier {
	t.Helper()
	n, err := New(Opts{ChannelID: "chan-1", Session: sess})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.baseBackoff = time.Millisecond
	return n
}

func rateLimited() error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
}

// --- New ---

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{BotToken: "tok"}); err == nil || err.Error() != "discord: channel is required" {
		t.Errorf("missing channel err = %v", err)
	}
	if _, err := New(Opts{ChannelID: "chan-1"}); err == nil || err.Error() != "discord: bot token is required" {
		t.Errorf("missing token err = %v", err)
	}
}

// --- Send ---

func TestSend_Embeds(t *testing.T) {
	sess := &mockSession{}
	n := newTestNotifier(t, sess)
	msg := notify.Message{
		Text: "Item 9 completed",
		Events: []notify.FormattedEvent{{
			Title:  "Item 9 completed",
			Body:   "Checkout flow",
			Color:  notify.ColorSuccess,
			Fields: []notify.Field{{Name: "Item", Value: "9", Short: true}},
		}},
	}
	if err := n.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sess.sent))
	}
	got := sess.sent[0]
	if got.channelID != "chan-1" || got.data.Content != "Item 9 completed" {
		t.Errorf("sent = %+v", got)
	}
	if len(got.data.Embeds) != 1 {
		t.Fatalf("embeds = %d", len(got.data.Embeds))
	}
	embed := got.data.Embeds[0]
	if embed.Color != 0x36a64f || embed.Description != "Checkout flow" {
		t.Errorf("embed = %+v", embed)
	}
	if len(embed.Fields) != 1 || !embed.Fields[0].Inline {
		t.Errorf("fields = %+v", embed.Fields)
	}
}

func TestSend_RetriesOn429(t *testing.T) {
	sess := &mockSession{errs: []error{rateLimited(), rateLimited()}}
	n := newTestNotifier(t, sess)
	if err := n.Send(context.Background(), notify.Message{Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sess.attempts != 3 {
		t.Errorf("attempts = %d, want 3", sess.attempts)
	}
}

func TestSend_GivesUpAfterMaxRetries(t *testing.T) {
	sess := &mockSession{errs: []error{rateLimited(), rateLimited(), rateLimited(), rateLimited(), rateLimited()}}
	n := newTestNotifier(t, sess)
	if err := n.Send(context.Background(), notify.Message{Text: "x"}); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if sess.attempts != maxRetries+1 {
		t.Errorf("attempts = %d, want %d", sess.attempts, maxRetries+1)
	}
}

func TestSend_OtherErrorNotRetried(t *testing.T) {
	sess := &mockSession{errs: []error{errors.New("missing access")}}
	n := newTestNotifier(t, sess)
	if err := n.Send(context.Background(), notify.Message{Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if sess.attempts != 1 {
		t.Errorf("attempts = %d, want 1", sess.attempts)
	}
}

// --- Formatting ---

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"#36a64f", 0x36a64f},
		{"e53935", 0xe53935},
		{"#FF9800", 0xff9800},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.in); got != tt.want {
			t.Errorf("parseHexColor(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}
