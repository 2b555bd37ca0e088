package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/agentbox/internal/config"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// SlackSender posts notifications with the Slack Web API. The bot token
// comes from the channel.
type SlackSender struct {
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSlackSender creates a Slack notification sender.
func NewSlackSender(logger *slog.Logger) *SlackSender {
	return &SlackSender{
		apiURL:     slackPostMessageURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

func (s *SlackSender) Type() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, ch config.NotificationChannel, msg *Message) error {
	if ch.ChannelID == "" || ch.Token == "" {
		return fmt.Errorf("slack channel %q needs channel_id and token", ch.Name)
	}

	text := msg.Body
	if msg.Subject != "" {
		text = fmt.Sprintf("*%s*\n%s", msg.Subject, text)
	}
	body, err := json.Marshal(map[string]any{
		"channel": ch.ChannelID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	status, respBody, err := postJSON(ctx, s.httpClient, s.apiURL,
		http.Header{"Authorization": {"Bearer " + ch.Token}}, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("slack API returned %d: %s", status, respBody)
	}

	// Slack answers 200 on errors too.
	var slackResp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &slackResp); err == nil && !slackResp.OK {
		return fmt.Errorf("slack API error: %s", slackResp.Error)
	}
	return nil
}
