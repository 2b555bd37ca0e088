package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/agentbox/internal/errdefs"
	"github.com/jkaninda/agentbox/internal/message"
	"github.com/jkaninda/agentbox/internal/session"
)

// auditLimit bounds audit listings.
const auditLimit = 200

// QueryRequest is the JSON body of the query endpoints and the first frame
// of the websocket stream.
type QueryRequest struct {
	Prompt             string   `json:"prompt"`
	Model              string   `json:"model,omitempty"`
	SystemPrompt       string   `json:"system_prompt,omitempty"`
	AppendSystemPrompt string   `json:"append_system_prompt,omitempty"`
	MaxTurns           int      `json:"max_turns,omitempty"`
	AllowedTools       []string `json:"allowed_tools,omitempty"`
	Resume             string   `json:"resume,omitempty"` // Agent session to continue.
}

// options layers the request over the gateway's base options.
func (r QueryRequest) options(base session.Options) session.Options {
	opts := base
	if r.Model != "" {
		opts.Model = r.Model
	}
	if r.SystemPrompt != "" {
		opts.SystemPrompt = r.SystemPrompt
	}
	if r.AppendSystemPrompt != "" {
		opts.AppendSystemPrompt = r.AppendSystemPrompt
	}
	if r.MaxTurns > 0 {
		opts.MaxTurns = r.MaxTurns
	}
	if len(r.AllowedTools) > 0 {
		opts.AllowedTools = r.AllowedTools
	}
	if r.Resume != "" {
		opts.Resume = r.Resume
	}
	return opts
}

// QueryResponse is returned by POST /v1/query.
type QueryResponse struct {
	CorrelationID string            `json:"correlation_id"`
	SessionID     string            `json:"session_id,omitempty"`
	Result        string            `json:"result,omitempty"`
	IsError       bool              `json:"is_error"`
	NumTurns      int               `json:"num_turns,omitempty"`
	TotalCostUSD  *float64          `json:"total_cost_usd,omitempty"`
	Messages      []message.Message `json:"messages"`
}

func (g *Gateway) handleQuery(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Prompt == "" {
		return c.AbortBadRequest("prompt is required")
	}

	release, status, err := g.admit(userID)
	if err != nil {
		return c.JSON(status, ErrorBody{Error: err.Error()})
	}
	defer release()

	correlationID := uuid.NewString()
	g.logger.Info("gateway query",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
	)

	resp := QueryResponse{CorrelationID: correlationID, Messages: []message.Message{}}
	for msg, err := range g.runner.Run(c.Context(), req.Prompt, req.options(g.base)) {
		if err != nil {
			g.logger.Error("session failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
			return c.JSON(statusFor(err), ErrorBody{Error: err.Error()})
		}
		resp.Messages = append(resp.Messages, msg)
		if r, ok := msg.(*message.ResultMessage); ok {
			resp.SessionID = r.SessionID
			resp.Result = r.Result
			resp.IsError = r.IsError
			resp.NumTurns = r.NumTurns
			resp.TotalCostUSD = r.TotalCostUSD
		}
	}
	return c.OK(resp)
}

// StreamEvent is one SSE data payload or websocket frame.
type StreamEvent struct {
	Type          string          `json:"type"` // "message", "error", "done"
	CorrelationID string          `json:"correlation_id,omitempty"`
	Message       message.Message `json:"message,omitempty"`
	Error         string          `json:"error,omitempty"`
}

func (g *Gateway) handleQueryStream(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Prompt == "" {
		return c.AbortBadRequest("prompt is required")
	}

	release, status, err := g.admit(userID)
	if err != nil {
		return c.JSON(status, ErrorBody{Error: err.Error()})
	}
	defer release()

	correlationID := uuid.NewString()
	g.stream(c.Context(), req, correlationID, func(ev StreamEvent) error {
		return sseSend(c, ev)
	})
	return nil
}

func sseSend(c *okapi.Context, ev StreamEvent) error {
	name := ev.Type
	if ev.Message != nil {
		name = string(ev.Message.MessageType())
	}
	c.SSEvent(name, ev)
	return nil
}

// stream runs a session and hands each event to send. A send failure means
// the client went away and stops the session.
func (g *Gateway) stream(ctx context.Context, req QueryRequest, correlationID string, send func(StreamEvent) error) {
	for msg, err := range g.runner.Run(ctx, req.Prompt, req.options(g.base)) {
		if err != nil {
			g.logger.Warn("streamed session failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
			_ = send(StreamEvent{Type: "error", CorrelationID: correlationID, Error: err.Error()})
			return
		}
		if send(StreamEvent{Type: "message", CorrelationID: correlationID, Message: msg}) != nil {
			return
		}
	}
	_ = send(StreamEvent{Type: "done", CorrelationID: correlationID})
}

// statusFor maps a session failure onto an HTTP status.
func statusFor(err error) int {
	var (
		netErr     *errdefs.NetworkConfigurationError
		keyErr     *errdefs.MissingAPIKeyError
		createErr  *errdefs.SandboxCreationError
		timeoutErr *errdefs.SandboxTimeoutError
		termErr    *errdefs.SandboxTerminatedError
	)
	switch {
	case errors.As(err, &netErr):
		return http.StatusBadRequest
	case errors.As(err, &keyErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &createErr):
		return http.StatusBadGateway
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout
	case errors.As(err, &termErr), errors.Is(err, context.Canceled):
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// --- Audit ---

func (g *Gateway) handleAuditList(c *okapi.Context) error {
	events, err := g.audit.Query(c.Context(), "", auditLimit)
	if err != nil {
		g.logger.Error("audit query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("audit query failed")
	}
	return c.OK(events)
}

func (g *Gateway) handleAuditSession(c *okapi.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.AbortBadRequest("session id is required")
	}
	events, err := g.audit.Query(c.Context(), id, auditLimit)
	if err != nil {
		g.logger.Error("audit query failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("audit query failed")
	}
	return c.OK(events)
}

// --- Health ---

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(HealthResponse{Status: "ok", ActiveSessions: g.slots.InUse()})
}

// handleReadiness runs the registered checks and answers 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(HealthResponse{Status: "ok", ActiveSessions: g.slots.InUse()})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
