package notifications

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// Poster is the part of *slack.Client used to deliver alerts.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// JobAlert describes a job whose failures need an operator's attention.
type JobAlert struct {
	JobID     int64
	Name      string
	NumErrors int
	Errors    []string
}

// SlackAlerter posts operational alerts to a single Slack channel.
type SlackAlerter struct {
	client    Poster
	channelID string
	appURL    string
}

// NewSlackAlerter returns nil when token or channel is empty, which callers
// treat as alerts disabled.
func NewSlackAlerter(token, channelID, appURL string, opts ...slack.Option) *SlackAlerter {
	if token == "" || channelID == "" {
		return nil
	}
	return &SlackAlerter{
		client:    slack.New(token, opts...),
		channelID: channelID,
		appURL:    strings.TrimRight(appURL, "/"),
	}
}

// NewSlackAlerterWithClient is used by tests to inject a Poster.
func NewSlackAlerterWithClient(client Poster, channelID, appURL string) *SlackAlerter {
	return &SlackAlerter{client: client, channelID: channelID, appURL: strings.TrimRight(appURL, "/")}
}

// JobThresholdExceeded posts an alert for a job that keeps failing. Nil
// receivers are a no-op.
func (a *SlackAlerter) JobThresholdExceeded(ctx context.Context, alert JobAlert) error {
	if a == nil {
		return nil
	}

	title := fmt.Sprintf("Job %d (%s) has failed %d times", alert.JobID, alert.Name, alert.NumErrors)
	blocks := a.buildMessageBlocks(title, alert)

	_, ts, err := a.client.PostMessageContext(ctx, a.channelID,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(title, false),
	)
	if err != nil {
		return fmt.Errorf("failed to post Slack alert: %w", err)
	}

	log.Info().
		Int64("job_id", alert.JobID).
		Str("job_name", alert.Name).
		Str("slack_ts", ts).
		Msg("Slack alert sent")
	return nil
}

func (a *SlackAlerter) buildMessageBlocks(title string, alert JobAlert) []slack.Block {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", ":rotating_light: *"+title+"*", false, false),
			nil,
			nil,
		),
	}

	if len(alert.Errors) > 0 {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", "```"+strings.Join(alert.Errors, "\n")+"```", false, false),
			nil,
			nil,
		))
	}

	if a.appURL != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn",
				fmt.Sprintf("<%s/v1/jobs/%d|Inspect job>", a.appURL, alert.JobID), false, false),
			nil,
			nil,
		))
	}

	return blocks
}
