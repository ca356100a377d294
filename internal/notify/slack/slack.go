// Package slack posts lifecycle notifications to a Slack channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/sprintyard/internal/notify"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Notifier sends messages through the Slack Web API.
type Notifier struct {
	client    slackClient
	channelID string
}

// Opts holds parameters for creating a Notifier.
type Opts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Notifier.
func New(opts Opts) (*Notifier, error) {
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel is required")
	}
	client := opts.Client
	if client == nil {
		if opts.BotToken == "" {
			return nil, fmt.Errorf("slack: bot token is required")
		}
		client = slackapi.New(opts.BotToken)
	}
	return &Notifier{client: client, channelID: opts.ChannelID}, nil
}

// Send implements notify.Notifier.
func (n *Notifier) Send(ctx context.Context, msg notify.Message) error {
	options := buildMessageOptions(msg)
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := n.client.PostMessage(n.channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// buildMessageOptions translates a Message into Slack MsgOptions.
func buildMessageOptions(msg notify.Message) []slackapi.MsgOption {
	var options []slackapi.MsgOption
	if len(msg.Events) > 0 {
		var attachments []slackapi.Attachment
		for _, evt := range msg.Events {
			attachments = append(attachments, eventToAttachment(evt))
		}
		options = append(options, slackapi.MsgOptionAttachments(attachments...))
		if msg.Text != "" {
			options = append(options, slackapi.MsgOptionText(msg.Text, false))
		}
	} else {
		options = append(options, slackapi.MsgOptionText(msg.Text, false))
	}
	return options
}

// eventToAttachment converts a FormattedEvent to a Slack Attachment.
func eventToAttachment(evt notify.FormattedEvent) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    evt.Title,
		Text:     evt.Body,
		Color:    evt.Color,
		Fallback: evt.Title,
	}
	for _, f := range evt.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: f.Short,
		})
	}
	return att
}

// retryOnRateLimit calls fn and retries on Slack rate limit errors, waiting
// for the RetryAfter duration Slack returns.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
