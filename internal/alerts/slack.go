package alerts

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// SlackConfig configures the escalation webhook.
type SlackConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Channel    string        `yaml:"channel"`
	Username   string        `yaml:"username"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SlackSink posts escalated alerts to a Slack incoming webhook.
type SlackSink struct {
	url      string
	channel  string
	username string
	client   *http.Client
}

// NewSlackSink returns nil when no webhook is configured.
func NewSlackSink(cfg SlackConfig) *SlackSink {
	url := strings.TrimSpace(cfg.WebhookURL)
	if url == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	username := cfg.Username
	if username == "" {
		username = "relay"
	}
	return &SlackSink{
		url:      url,
		channel:  cfg.Channel,
		username: username,
		client:   &http.Client{Timeout: timeout},
	}
}

var priorityColors = map[Priority]string{
	PriorityLow:      "#439FE0",
	PriorityMedium:   "warning",
	PriorityHigh:     "#E8710A",
	PriorityCritical: "danger",
}

// AlertEscalated implements Sink.
func (s *SlackSink) AlertEscalated(ctx context.Context, alert Alert) error {
	msg := &slack.WebhookMessage{
		Channel:  s.channel,
		Username: s.username,
		Text:     fmt.Sprintf("Escalated %s alert: %s", alert.Priority, alert.Title),
		Attachments: []slack.Attachment{{
			Color: priorityColors[alert.Priority],
			Title: alert.Title,
			Text:  alert.Message,
			Fields: []slack.AttachmentField{
				{Title: "Category", Value: alert.Category, Short: true},
				{Title: "Entity", Value: alert.EntityID, Short: true},
				{Title: "Occurrences", Value: fmt.Sprint(alert.Occurrences), Short: true},
				{Title: "Escalations", Value: fmt.Sprint(alert.Escalations), Short: true},
			},
			Footer: alert.ID,
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.url, s.client, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
