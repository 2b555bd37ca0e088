// Package notification delivers failure notices through the channels listed
// in the config file (webhook, Slack).
//
// Every delivery attempt is recorded in the audit trail.
package notification

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/agentbox/internal/audit"
	"github.com/jkaninda/agentbox/internal/config"
)

// ActionSend is the audit action of a delivery attempt.
const ActionSend = "notification.send"

// Sender is the interface for a single notification channel backend.
type Sender interface {
	// Type returns the channel type identifier ("slack", "webhook").
	Type() string
	// Send delivers a message to the target described by the channel.
	Send(ctx context.Context, ch config.NotificationChannel, msg *Message) error
}

// Message is the payload to be sent through a notification channel.
type Message struct {
	Subject  string            // Bolded by chat channels.
	Body     string            // Plain text body.
	Metadata map[string]string // Extra data (job, session_id, etc.).
}

// Dispatcher routes notifications to the Sender of each channel's type.
// Senders are registered at startup; Notify is safe for concurrent use.
type Dispatcher struct {
	channels []config.NotificationChannel
	senders  map[string]Sender
	recorder audit.Recorder
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the enabled channels.
func NewDispatcher(channels []config.NotificationChannel, recorder audit.Recorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	d := &Dispatcher{
		senders:  make(map[string]Sender),
		recorder: recorder,
		logger:   logger,
	}
	for _, ch := range channels {
		if !ch.Disabled {
			d.channels = append(d.channels, ch)
		}
	}
	return d
}

// FromConfig returns a dispatcher with the webhook and Slack senders, or nil
// when no channel is configured.
func FromConfig(channels []config.NotificationChannel, recorder audit.Recorder, logger *slog.Logger) *Dispatcher {
	if len(channels) == 0 {
		return nil
	}
	d := NewDispatcher(channels, recorder, logger)
	d.RegisterSender(NewWebhookSender(d.logger))
	d.RegisterSender(NewSlackSender(d.logger))
	return d
}

// RegisterSender adds a channel backend. Not thread-safe: call at startup only.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.senders[s.Type()] = s
}

// Notify sends msg to every channel. Returns per-channel errors keyed by
// channel name (nil = delivered).
func (d *Dispatcher) Notify(ctx context.Context, msg *Message) map[string]error {
	if d == nil {
		return nil
	}
	results := make(map[string]error, len(d.channels))

	for _, ch := range d.channels {
		start := time.Now()
		sender, ok := d.senders[ch.Type]
		var err error
		if !ok {
			err = fmt.Errorf("no sender registered for channel type %q", ch.Type)
		} else {
			err = sender.Send(ctx, ch, msg)
		}
		results[ch.Name] = err

		event := audit.Event{
			Timestamp:  time.Now().UTC(),
			Action:     ActionSend,
			Tool:       "notification",
			Parameters: map[string]any{"channel_name": ch.Name, "channel_type": ch.Type},
			Result:     audit.ResultSuccess,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			event.Result = audit.ResultFailure
			event.Error = err.Error()
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("channel", ch.Name),
				slog.String("type", ch.Type),
				slog.String("error", err.Error()),
			)
		} else {
			d.logger.InfoContext(ctx, "notification sent",
				slog.String("channel", ch.Name),
				slog.String("type", ch.Type),
			)
		}
		_ = d.recorder.Record(ctx, event)
	}

	return results
}

// postJSON sends body with the extra headers and returns the status code and
// at most 1 KiB of the response.
func postJSON(ctx context.Context, client *http.Client, target string, headers http.Header, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("sending request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return resp.StatusCode, respBody, nil
}
