package slack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/sprintyard/internal/notify"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu       sync.Mutex
	posted   []postedMessage
	errs     []error
	attempts int
}

type postedMessage struct {
	channelID string
	options   []slackapi.MsgOption
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return "", "", err
		}
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	return channelID, "1234567890.123456", nil
}

// --- New ---

func TestNew_RequiresChannel(t *testing.T) {
	_, err := New(Opts{BotToken: "xoxb-test"})
	if err == nil || err.Error() != "slack: channel is required" {
		t.Errorf("err = %v", err)
	}
}

func TestNew_RequiresToken(t *testing.T) {
	_, err := New(Opts{ChannelID: "C123"})
	if err == nil || err.Error() != "slack: bot token is required" {
		t.Errorf("err = %v", err)
	}
}

// --- Send ---

func TestSend_PostsToChannel(t *testing.T) {
	mock := &mockSlackClient{}
	n, err := New(Opts{ChannelID: "C123", Client: mock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msg := notify.Message{Text: "Item 4 completed", Events: []notify.FormattedEvent{{Title: "Item 4 completed", Color: notify.ColorSuccess}}}
	if err := n.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(mock.posted) != 1 {
		t.Fatalf("posted = %d, want 1", len(mock.posted))
	}
	if mock.posted[0].channelID != "C123" {
		t.Errorf("channelID = %q", mock.posted[0].channelID)
	}
	if len(mock.posted[0].options) != 2 {
		t.Errorf("options = %d, want 2 (attachments + text)", len(mock.posted[0].options))
	}
}

func TestSend_NonRateLimitErrorNotRetried(t *testing.T) {
	mock := &mockSlackClient{errs: []error{errors.New("channel_not_found")}}
	n, _ := New(Opts{ChannelID: "C123", Client: mock})
	err := n.Send(context.Background(), notify.Message{Text: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if mock.attempts != 1 {
		t.Errorf("attempts = %d, want 1", mock.attempts)
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	mock := &mockSlackClient{errs: []error{&slackapi.RateLimitedError{RetryAfter: time.Millisecond}}}
	n, _ := New(Opts{ChannelID: "C123", Client: mock})
	if err := n.Send(context.Background(), notify.Message{Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if mock.attempts != 2 || len(mock.posted) != 1 {
		t.Errorf("attempts = %d, posted = %d", mock.attempts, len(mock.posted))
	}
}

func TestRetryOnRateLimit_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retryOnRateLimit(ctx, func() error {
		return &slackapi.RateLimitedError{RetryAfter: time.Hour}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

// --- Formatting ---

func TestBuildMessageOptions_TextOnly(t *testing.T) {
	if got := len(buildMessageOptions(notify.Message{Text: "hi"})); got != 1 {
		t.Errorf("options = %d, want 1", got)
	}
}

func TestEventToAttachment(t *testing.T) {
	att := eventToAttachment(notify.FormattedEvent{
		Title: "Item 72 blocked",
		Body:  "waiting",
		Color: notify.ColorWarning,
		Fields: []notify.Field{
			{Name: "Item", Value: "72", Short: true},
		},
	})
	if att.Title != "Item 72 blocked" || att.Text != "waiting" || att.Color != notify.ColorWarning {
		t.Errorf("attachment = %+v", att)
	}
	if att.Fallback != "Item 72 blocked" {
		t.Errorf("Fallback = %q", att.Fallback)
	}
	if len(att.Fields) != 1 || att.Fields[0].Title != "Item" || !att.Fields[0].Short {
		t.Errorf("Fields = %+v", att.Fields)
	}
}
