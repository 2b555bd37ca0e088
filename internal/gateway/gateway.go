// Package gateway serves agent sessions over HTTP.
//
// Security:
//   - Bearer API keys, compared in constant time
//   - Per-key token bucket rate limiting
//   - A bounded number of concurrent sandbox sessions
//   - TLS expected via reverse proxy (not handled here)
package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/agentbox/internal/audit"
	"github.com/jkaninda/agentbox/internal/message"
	"github.com/jkaninda/agentbox/internal/observability"
	"github.com/jkaninda/agentbox/internal/ratelimit"
	"github.com/jkaninda/agentbox/internal/session"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	anonymousUser         = "anonymous"
)

// Runner runs one agent session. *session.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, prompt string, opts session.Options) iter.Seq2[message.Message, error]
}

// AuditQuerier reads recorded audit events. *audit.Store implements it.
type AuditQuerier interface {
	Query(ctx context.Context, sessionID string, limit int) ([]audit.Event, error)
}

// Config configures the gateway.
type Config struct {
	ListenAddr    string   // e.g. ":8080"
	APIKeys       []string // Empty = no authentication.
	MaxConcurrent int      // Concurrent sessions. 0 = unbounded.
	RateLimit     int      // Requests per minute per key. 0 = unlimited.
	EnableDocs    bool

	MetricsRegistry *prometheus.Registry
	MetricsPath     string // Default: "/metrics".
	HealthChecker   *observability.HealthChecker
	Metrics         *observability.MetricsCollector
	Tracer          *observability.TracerSetup
}

// ErrorBody is the error response shape.
type ErrorBody struct {
	Error string `json:"error"`
}

// Gateway is the HTTP API in front of the session orchestrator.
type Gateway struct {
	config  Config
	runner  Runner
	base    session.Options
	audit   AuditQuerier // nil = audit endpoints disabled.
	limiter *ratelimit.Limiter
	slots   *ratelimit.Slots
	logger  *slog.Logger

	okapi  *okapi.Okapi
	server *http.Server
}

// New creates a gateway. base holds the session options every request
// starts from.
func New(cfg Config, runner Runner, base session.Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{
		config:  cfg,
		runner:  runner,
		base:    base,
		limiter: ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: cfg.RateLimit}),
		slots:   ratelimit.NewSlots(cfg.MaxConcurrent),
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithAudit enables the audit endpoints.
func (g *Gateway) WithAudit(q AuditQuerier) *Gateway {
	g.audit = q
	return g
}

// routes registers every endpoint. It is separate from Start for tests.
func (g *Gateway) routes(ctx context.Context) {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	v1 := g.okapi.Group("/v1", g.authenticate)
	v1.Post("/query", g.handleQuery,
		okapi.DocSummary("Run an agent session and return all of its messages"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(QueryRequest{}),
		okapi.DocResponse(QueryResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	v1.Post("/query/stream", g.handleQueryStream,
		okapi.DocSummary("Run an agent session and stream its messages via SSE"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(QueryRequest{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	if g.audit != nil {
		v1.Get("/audit", g.handleAuditList,
			okapi.DocSummary("List recent audit events"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]audit.Event{}),
		)
		v1.Get("/sessions/{id}/audit", g.handleAuditSession,
			okapi.DocSummary("List audit events of one session"),
			okapi.DocTags("Audit"),
			okapi.DocPathParam("id", "string", "Agent session ID"),
			okapi.DocResponse([]audit.Event{}),
		)
	}

	// Authenticated in the handler, which also accepts ?token=.
	g.okapi.HandleStd(http.MethodGet, "/v1/stream", g.streamHandler(ctx).ServeHTTP)

	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd(http.MethodGet, path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{Title: "agentbox", Version: "v1"})
	}
}

// Start serves until the server is shut down.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes(ctx)

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		// No read or write timeout: sessions stream for as long as the agent
		// runs and hijacked websocket conns keep the server's deadlines.
		IdleTimeout: 120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("gateway starting",
		slog.String("addr", g.config.ListenAddr),
		slog.Bool("auth", len(g.config.APIKeys) > 0),
		slog.Int("max_concurrent", g.config.MaxConcurrent),
	)
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping")
	if err := g.okapi.Shutdown(g.server); err != nil {
		return fmt.Errorf("stopping gateway: %w", err)
	}
	return nil
}

// --- Authentication ---

func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		userID, ok := g.identify(c.Header("Authorization"), "")
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

// identify maps a bearer header or a token to a user id. With no keys
// configured everyone is anonymous.
func (g *Gateway) identify(authHeader, token string) (string, bool) {
	if len(g.config.APIKeys) == 0 {
		return anonymousUser, true
	}
	if token == "" {
		var ok bool
		token, ok = strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			return "", false
		}
	}
	userID := ""
	for i, key := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			userID = fmt.Sprintf("key-%d", i)
		}
	}
	return userID, userID != ""
}

// admit applies the rate limit and takes a session slot.
func (g *Gateway) admit(userID string) (release func(), status int, err error) {
	if err := g.limiter.Allow(userID); err != nil {
		return nil, http.StatusTooManyRequests, err
	}
	release, err = g.slots.TryAcquire()
	if err != nil {
		return nil, http.StatusServiceUnavailable, err
	}
	return release, http.StatusOK, nil
}
