package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultHookTimeout bounds a PreToolUse round trip.
	DefaultHookTimeout = 30 * time.Second
	// DefaultToolTimeout bounds a host tool round trip.
	DefaultToolTimeout = 60 * time.Second
)

// Fallback texts returned to the agent when the host does not answer properly.
const (
	ToolTimeoutText = "Timeout waiting for host tool response"
	HookTimeoutText = "Timeout waiting for host hook response"
	NoContentText   = "No content returned"
)

// EmitterConfig configures an Emitter.
type EmitterConfig struct {
	HookTimeout time.Duration // 0 = DefaultHookTimeout.
	ToolTimeout time.Duration // 0 = DefaultToolTimeout.
	// FailClosed turns an unanswered PreToolUse hook into a deny. The default
	// is fail-open: a hung host allows the tool call.
	FailClosed bool
	Logger     *slog.Logger
}

// Emitter sends correlated requests over a Channel and blocks the caller until
// the matching response arrives. It is the sandbox side of the relay.
type Emitter struct {
	ch          *Channel
	reg         *Registry
	hookTimeout time.Duration
	toolTimeout time.Duration
	failClosed  bool
	logger      *slog.Logger
}

// NewEmitter creates an Emitter writing to ch and waiting on reg.
func NewEmitter(ch *Channel, reg *Registry, cfg EmitterConfig) *Emitter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	hookTimeout := cfg.HookTimeout
	if hookTimeout <= 0 {
		hookTimeout = DefaultHookTimeout
	}
	toolTimeout := cfg.ToolTimeout
	if toolTimeout <= 0 {
		toolTimeout = DefaultToolTimeout
	}
	return &Emitter{
		ch:          ch,
		reg:         reg,
		hookTimeout: hookTimeout,
		toolTimeout: toolTimeout,
		failClosed:  cfg.FailClosed,
		logger:      logger,
	}
}

// PreToolUse asks the host whether a tool call may proceed. It never fails:
// timeouts and malformed responses resolve per the fail-open/closed policy.
func (e *Emitter) PreToolUse(ctx context.Context, req HookRequest) HookResponse {
	req.Type = KindHookRequest
	req.HookEvent = HookEventPreToolUse
	req.RequestID = uuid.NewString()

	resp, err := e.call(ctx, req.RequestID, req, e.hookTimeout)
	if err != nil {
		e.logger.WarnContext(ctx, "hook request unanswered",
			slog.String("request_id", req.RequestID),
			slog.String("tool", req.ToolName),
			slog.Bool("fail_closed", e.failClosed),
			slog.String("error", err.Error()),
		)
		return e.fallbackDecision(req.RequestID)
	}
	if resp.Kind != KindHookResponse {
		e.logger.WarnContext(ctx, "unexpected hook response type",
			slog.String("request_id", req.RequestID),
			slog.String("type", string(resp.Kind)),
		)
		return e.fallbackDecision(req.RequestID)
	}

	var out HookResponse
	if err := resp.Decode(&out); err != nil {
		return e.fallbackDecision(req.RequestID)
	}
	if out.Decision == "" {
		out.Decision = DecisionAllow
	}
	if out.Decision == DecisionDeny && out.Reason == "" {
		out.Reason = DefaultDenyReason
	}
	return out
}

func (e *Emitter) fallbackDecision(requestID string) HookResponse {
	if e.failClosed {
		return Deny(requestID, HookTimeoutText)
	}
	return Allow(requestID)
}

// PostToolUse notifies the host that a tool ran. Nothing is awaited.
func (e *Emitter) PostToolUse(_ context.Context, req HookRequest) error {
	req.Type = KindHookRequest
	req.HookEvent = HookEventPostToolUse
	req.RequestID = uuid.NewString()
	req.ToolResult = Truncate(req.ToolResult, MaxPostToolResult)
	if err := e.ch.Send(req); err != nil {
		return fmt.Errorf("sending post hook: %w", err)
	}
	return nil
}

// CallTool runs a host tool and returns its result. Failures become error
// results so the agent always receives a tool result.
func (e *Emitter) CallTool(ctx context.Context, req HostToolRequest) ToolResult {
	req.Type = KindHostToolRequest
	req.RequestID = uuid.NewString()
	if req.ToolInput == nil {
		req.ToolInput = map[string]any{}
	}

	resp, err := e.call(ctx, req.RequestID, req, e.toolTimeout)
	if err != nil {
		e.logger.WarnContext(ctx, "host tool request unanswered",
			slog.String("request_id", req.RequestID),
			slog.String("server", req.ServerName),
			slog.String("tool", req.ToolName),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, ErrTimeout) {
			return ErrorResult(ToolTimeoutText)
		}
		return ErrorResult(fmt.Sprintf("Host tool call failed: %v", err))
	}
	if resp.Kind != KindHostToolResponse {
		return ErrorResult(fmt.Sprintf("Invalid response type from host: %s", resp.String(TypeField)))
	}

	var out HostToolResponse
	if err := resp.Decode(&out); err != nil {
		return ErrorResult(fmt.Sprintf("Invalid response from host: %v", err))
	}
	result := out.Result()
	if len(result.Content) == 0 {
		result.Content = []ContentBlock{TextBlock(NoContentText)}
	}
	return result
}

// call registers id, sends env and waits for the correlated response.
func (e *Emitter) call(ctx context.Context, id string, env any, timeout time.Duration) (Classified, error) {
	w, err := e.reg.Register(id)
	if err != nil {
		return Classified{}, err
	}
	if err := e.ch.Send(env); err != nil {
		e.reg.Forget(w)
		return Classified{}, err
	}
	payload, err := e.reg.Await(ctx, w, timeout)
	if err != nil {
		return Classified{}, err
	}
	return Classify(payload), nil
}

// ResponsePump reads host → sandbox lines from ch and resolves them against
// reg. It returns when the stream ends or ctx is done, closing reg so any
// remaining waiters wake up.
func ResponsePump(ctx context.Context, ch *Channel, reg *Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	defer reg.Close()

	for line := range ch.Lines() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c := Classify(line)
		if !c.Kind.IsResponse() {
			continue
		}
		id := c.RequestID()
		if id == "" {
			continue
		}
		if !reg.Resolve(id, c.Line) {
			logger.Debug("dropping unmatched response",
				slog.String("request_id", id),
				slog.String("type", string(c.Kind)),
			)
		}
	}
	return ch.Err()
}
