package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/jkaninda/agentbox/internal/config"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when the channel
// has a secret.
const SignatureHeader = "X-Agentbox-Signature"

type webhookPayload struct {
	Channel  string            `json:"channel"`
	Subject  string            `json:"subject"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
	SentAt   time.Time         `json:"sent_at"`
}

// WebhookSender POSTs notifications as JSON to the channel URL. Targets that
// resolve to loopback, private or link-local addresses are refused and
// redirects are not followed.
type WebhookSender struct {
	httpClient   *http.Client
	logger       *slog.Logger
	resolver     *net.Resolver
	allowPrivate bool // tests only
}

func NewWebhookSender(logger *slog.Logger) *WebhookSender {
	return &WebhookSender{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:   logger,
		resolver: net.DefaultResolver,
	}
}

func (s *WebhookSender) Type() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, ch config.NotificationChannel, msg *Message) error {
	if ch.URL == "" {
		return fmt.Errorf("webhook channel %q has no url", ch.Name)
	}
	if !s.allowPrivate {
		if err := s.checkTarget(ctx, ch.URL); err != nil {
			return fmt.Errorf("webhook URL rejected: %w", err)
		}
	}

	body, err := json.Marshal(webhookPayload{
		Channel:  ch.Name,
		Subject:  msg.Subject,
		Body:     msg.Body,
		Metadata: msg.Metadata,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	headers := http.Header{"User-Agent": {"agentbox-webhook/1.0"}}
	if ch.Secret != "" {
		headers.Set(SignatureHeader, Sign(ch.Secret, body))
	}
	status, resp, err := postJSON(ctx, s.httpClient, ch.URL, headers, body)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("webhook returned %d: %s", status, resp)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in
// SignatureHeader.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *WebhookSender) checkTarget(ctx context.Context, rawURL string) error {
	host, err := webhookHost(rawURL)
	if err != nil {
		return err
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}
	if host == "localhost" {
		return errors.New("loopback addresses not allowed")
	}
	addrs, err := s.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", host, err)
	}
	for _, a := range addrs {
		if err := checkAddr(a); err != nil {
			return err
		}
	}
	return nil
}

// webhookHost parses rawURL and returns its host. Only http and https are
// accepted.
func webhookHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", errors.New("missing host")
	}
	return u.Hostname(), nil
}

func checkAddr(a netip.Addr) error {
	a = a.Unmap()
	switch {
	case a.IsLoopback(), a.IsUnspecified():
		return fmt.Errorf("loopback address %s not allowed", a)
	case a.IsPrivate(), a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return fmt.Errorf("internal address %s not allowed", a)
	}
	return nil
}
