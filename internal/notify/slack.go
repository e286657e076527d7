package notify

import (
	"context"
	"fmt"

	slacklib "github.com/slack-go/slack"
)

// SlackAPI abstracts the subset of the Slack client used by SlackSink.
type SlackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slacklib.MsgOption) (string, string, error)
}

// SlackSink posts alerts to one Slack channel.
type SlackSink struct {
	api     SlackAPI
	channel string
}

// NewSlackSink creates a SlackSink posting to channel.
func NewSlackSink(api SlackAPI, channel string) *SlackSink {
	return &SlackSink{api: api, channel: channel}
}

// NewSlackClient builds the real Slack client for a bot token.
func NewSlackClient(botToken string) SlackAPI {
	return slacklib.New(botToken)
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(ctx context.Context, a Alert) error {
	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		slacklib.MsgOptionText(a.Text(), false),
		slacklib.MsgOptionBlocks(BuildAlertBlocks(a)...),
	)
	if err != nil {
		return fmt.Errorf("notify.SlackSink.Send: %w", err)
	}
	return nil
}

// BuildAlertBlocks renders an alert as a header section plus a field section.
func BuildAlertBlocks(a Alert) []slacklib.Block {
	header := slacklib.NewSectionBlock(
		slacklib.NewTextBlockObject(slacklib.MarkdownType,
			fmt.Sprintf("*%s* `%s`", a.Title, a.Severity), false, false),
		nil,
		nil,
	)

	var fields []*slacklib.TextBlockObject
	add := func(label, value string) {
		if value == "" {
			return
		}
		fields = append(fields, slacklib.NewTextBlockObject(slacklib.MarkdownType,
			fmt.Sprintf("*%s:*\n%s", label, value), false, false))
	}
	add("Tenant", a.TenantID)
	add("User", a.UserID)
	add("Stage", a.Stage)
	if a.Err != nil {
		add("Error", "```"+a.Err.Error()+"```")
	}

	if len(fields) == 0 {
		return []slacklib.Block{header}
	}
	return []slacklib.Block{header, slacklib.NewSectionBlock(nil, fields, nil)}
}
