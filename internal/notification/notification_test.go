package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/jkaninda/agentbox/internal/audit"
	"github.com/jkaninda/agentbox/internal/config"
)

func TestWebhookSender(t *testing.T) {
	var got map[string]any
	var raw []byte
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		signature = r.Header.Get(SignatureHeader)
		raw, _ = io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(nil)
	s.allowPrivate = true
	ch := config.NotificationChannel{Name: "ops", Type: "webhook", URL: srv.URL, Secret: "s3cret"}
	err := s.Send(context.Background(), ch,
		&Message{Subject: "job failed", Body: "details", Metadata: map[string]string{"job": "nightly"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["subject"] != "job failed" || got["channel"] != "ops" {
		t.Errorf("payload = %v", got)
	}
	if signature == "" || signature != Sign("s3cret", raw) {
		t.Errorf("signature = %q", signature)
	}
}

func TestWebhookSender_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSender(nil)
	s.allowPrivate = true
	err := s.Send(context.Background(), config.NotificationChannel{Name: "ops", URL: srv.URL}, &Message{})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v", err)
	}
}

func TestWebhookSender_RejectsLoopback(t *testing.T) {
	s := NewWebhookSender(nil)
	err := s.Send(context.Background(), config.NotificationChannel{Name: "ops", URL: "http://127.0.0.1:9/hook"}, &Message{})
	if err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Fatalf("expected the loopback URL to be rejected, got %v", err)
	}
}

func TestWebhookHost(t *testing.T) {
	if _, err := webhookHost("ftp://example.com/x"); err == nil {
		t.Error("expected ftp to be rejected")
	}
	if _, err := webhookHost("https:///path"); err == nil {
		t.Error("expected a missing host to be rejected")
	}
	if h, err := webhookHost("https://hooks.example.com:8443/x"); err != nil || h != "hooks.example.com" {
		t.Errorf("host = %q, %v", h, err)
	}
}

func TestCheckAddr(t *testing.T) {
	for _, ip := range []string{"10.1.2.3", "192.168.0.1", "169.254.169.254", "::1", "::ffff:127.0.0.1", "0.0.0.0"} {
		if err := checkAddr(netip.MustParseAddr(ip)); err == nil {
			t.Errorf("%s should be rejected", ip)
		}
	}
	if err := checkAddr(netip.MustParseAddr("93.184.216.34")); err != nil {
		t.Errorf("public address rejected: %v", err)
	}
}

func TestSlackSender(t *testing.T) {
	var auth string
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewSlackSender(nil)
	s.apiURL = srv.URL
	ch := config.NotificationChannel{Name: "oncall", Type: "slack", ChannelID: "C123", Token: "xoxb-1"}
	if err := s.Send(context.Background(), ch, &Message{Subject: "Failed", Body: "body"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if auth != "Bearer xoxb-1" {
		t.Errorf("auth = %q", auth)
	}
	if payload["channel"] != "C123" || payload["text"] != "*Failed*\nbody" {
		t.Errorf("payload = %v", payload)
	}
}

func TestSlackSender_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	s := NewSlackSender(nil)
	s.apiURL = srv.URL
	err := s.Send(context.Background(), config.NotificationChannel{Name: "x", ChannelID: "C1", Token: "t"}, &Message{Body: "b"})
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("err = %v", err)
	}
}

// --- Dispatcher ---

type recordingSender struct {
	typ  string
	err  error
	sent []string
}

func (r *recordingSender) Type() string { return r.typ }

func (r *recordingSender) Send(_ context.Context, ch config.NotificationChannel, _ *Message) error {
	r.sent = append(r.sent, ch.Name)
	return r.err
}

func TestDispatcher_Notify(t *testing.T) {
	mem := audit.NewMemory(0)
	d := NewDispatcher([]config.NotificationChannel{
		{Name: "a", Type: "webhook"},
		{Name: "b", Type: "webhook", Disabled: true},
		{Name: "c", Type: "pager"},
	}, mem, nil)
	hook := &recordingSender{typ: "webhook"}
	d.RegisterSender(hook)

	results := d.Notify(context.Background(), &Message{Subject: "s"})
	if len(results) != 2 {
		t.Fatalf("results = %v", results)
	}
	if results["a"] != nil {
		t.Errorf("a: %v", results["a"])
	}
	if results["c"] == nil {
		t.Error("c should fail without a sender")
	}
	if len(hook.sent) != 1 || hook.sent[0] != "a" {
		t.Errorf("sent = %v", hook.sent)
	}
	if n := len(mem.Filter(ActionSend, audit.ResultSuccess)); n != 1 {
		t.Errorf("success events = %d", n)
	}
	if n := len(mem.Filter(ActionSend, audit.ResultFailure)); n != 1 {
		t.Errorf("failure events = %d", n)
	}
}

func TestFromConfig(t *testing.T) {
	if FromConfig(nil, nil, nil) != nil {
		t.Error("no channels should give a nil dispatcher")
	}
	var nilDispatcher *Dispatcher
	if nilDispatcher.Notify(context.Background(), &Message{}) != nil {
		t.Error("nil dispatcher should be a no-op")
	}
	d := FromConfig([]config.NotificationChannel{{Name: "a", Type: "slack"}}, nil, nil)
	if _, ok := d.senders["slack"]; !ok {
		t.Error("slack sender not registered")
	}
	if _, ok := d.senders["webhook"]; !ok {
		t.Error("webhook sender not registered")
	}
}
