// Package hooks runs host-side callbacks for the agent's PreToolUse and
// PostToolUse events. Pre callbacks can allow, deny or rewrite a tool call
// before it executes inside the sandbox; post callbacks observe the outcome.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"regexp"
	"time"

	"github.com/jkaninda/agentbox/internal/audit"
	"github.com/jkaninda/agentbox/internal/protocol"
)

// PreToolUseInput is what a pre callback sees.
type PreToolUseInput struct {
	ToolName  string
	ToolInput map[string]any
	ToolUseID string
	SessionID string
	CWD       string
}

// PostToolUseInput is what a post callback sees. ToolResult may be truncated.
type PostToolUseInput struct {
	ToolName   string
	ToolInput  map[string]any
	ToolResult string
	IsError    bool
	ToolUseID  string
	SessionID  string
}

// Decision is returned by a pre callback. The zero value allows the call
// unchanged.
type Decision struct {
	Deny         bool
	Reason       string
	UpdatedInput map[string]any
}

// Allow lets the call proceed unchanged.
func Allow() Decision { return Decision{} }

// Deny blocks the call. The reason is shown to the agent.
func Deny(reason string) Decision { return Decision{Deny: true, Reason: reason} }

// Modify lets the call proceed with input replaced.
func Modify(input map[string]any) Decision { return Decision{UpdatedInput: input} }

// PreHook decides whether a tool call may run.
type PreHook func(ctx context.Context, in PreToolUseInput) (Decision, error)

// PostHook observes a finished tool call.
type PostHook func(ctx context.Context, in PostToolUseInput) error

// Config is the caller's hook registration.
type Config struct {
	PreToolUse  []PreHook
	PostToolUse []PostHook

	// ToolFilter is a regular expression matched at the start of the tool
	// name. Empty intercepts every tool.
	ToolFilter string

	// Timeout bounds each round trip from the sandbox. 0 = 30s.
	Timeout time.Duration

	// FailClosed makes the sandbox deny a tool call when the host does not
	// answer in time.
	FailClosed bool
}

// Enabled reports whether any callback is registered.
func (c *Config) Enabled() bool {
	return c != nil && (len(c.PreToolUse) > 0 || len(c.PostToolUse) > 0)
}

// TimeoutOrDefault returns the configured round trip timeout.
func (c *Config) TimeoutOrDefault() time.Duration {
	if c == nil || c.Timeout <= 0 {
		return protocol.DefaultHookTimeout
	}
	return c.Timeout
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRecorder sets where decisions are audited.
func WithRecorder(r audit.Recorder) Option {
	return func(d *Dispatcher) { d.audit = r }
}

// Dispatcher evaluates hook requests against a Config. It holds no per-request
// state and is safe for concurrent use.
type Dispatcher struct {
	pre    []PreHook
	post   []PostHook
	filter *regexp.Regexp
	audit  audit.Recorder
	logger *slog.Logger
}

// NewDispatcher compiles the tool filter and returns a Dispatcher.
func NewDispatcher(cfg Config, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		pre:    cfg.PreToolUse,
		post:   cfg.PostToolUse,
		audit:  audit.Nop{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}
	if cfg.ToolFilter != "" {
		re, err := regexp.Compile("^(?:" + cfg.ToolFilter + ")")
		if err != nil {
			return nil, fmt.Errorf("compiling tool filter %q: %w", cfg.ToolFilter, err)
		}
		d.filter = re
	}
	return d, nil
}

// ShouldIntercept reports whether callbacks run for toolName.
func (d *Dispatcher) ShouldIntercept(toolName string) bool {
	if d.filter == nil {
		return true
	}
	return d.filter.MatchString(toolName)
}

// Dispatch routes a request by hook event. Post events need no answer and
// return (nil, false).
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.HookRequest) (*protocol.HookResponse, bool) {
	switch req.HookEvent {
	case protocol.HookEventPostToolUse:
		d.DispatchPost(ctx, req)
		return nil, false
	case protocol.HookEventPreToolUse:
		resp := d.DispatchPre(ctx, req)
		return &resp, true
	default:
		d.logger.WarnContext(ctx, "unknown hook event, allowing",
			slog.String("hook_event", req.HookEvent),
			slog.String("request_id", req.RequestID),
		)
		resp := protocol.Allow(req.RequestID)
		return &resp, true
	}
}

// DispatchPre runs the pre callbacks in registration order. The first deny
// wins. An allow carrying UpdatedInput replaces the input seen by later
// callbacks. Callback errors and panics count as allow.
func (d *Dispatcher) DispatchPre(ctx context.Context, req protocol.HookRequest) protocol.HookResponse {
	if len(d.pre) == 0 || !d.ShouldIntercept(req.ToolName) {
		return protocol.Allow(req.RequestID)
	}
	start := time.Now()

	pristine := cloneInput(req.ToolInput)
	working := cloneInput(req.ToolInput)
	for i, cb := range d.pre {
		in := PreToolUseInput{
			ToolName:  req.ToolName,
			ToolInput: working,
			ToolUseID: req.ToolUseID,
			SessionID: req.SessionID,
			CWD:       req.CWD,
		}
		dec, err := callPre(ctx, cb, in)
		if err != nil {
			d.logger.ErrorContext(ctx, "pre hook failed, treating as allow",
				slog.Int("index", i),
				slog.String("tool", req.ToolName),
				slog.String("request_id", req.RequestID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if dec.Deny {
			resp := protocol.Deny(req.RequestID, dec.Reason)
			d.record(ctx, req, audit.ResultDeny, resp.Reason, start)
			return resp
		}
		if dec.UpdatedInput != nil {
			working = dec.UpdatedInput
		}
	}

	resp := protocol.Allow(req.RequestID)
	result := audit.ResultAllow
	if !sameInput(working, pristine) {
		resp.UpdatedInput = working
		result = audit.ResultModify
	}
	d.record(ctx, req, result, "", start)
	return resp
}

// DispatchPost runs every post callback. A failing callback does not stop
// the others.
func (d *Dispatcher) DispatchPost(ctx context.Context, req protocol.HookRequest) {
	if len(d.post) == 0 || !d.ShouldIntercept(req.ToolName) {
		return
	}
	start := time.Now()

	in := PostToolUseInput{
		ToolName:   req.ToolName,
		ToolInput:  req.ToolInput,
		ToolResult: req.ToolResult,
		IsError:    req.IsError,
		ToolUseID:  req.ToolUseID,
		SessionID:  req.SessionID,
	}
	failed := 0
	for i, cb := range d.post {
		if err := callPost(ctx, cb, in); err != nil {
			failed++
			d.logger.ErrorContext(ctx, "post hook failed",
				slog.Int("index", i),
				slog.String("tool", req.ToolName),
				slog.String("error", err.Error()),
			)
		}
	}

	result := audit.ResultSuccess
	if failed > 0 {
		result = audit.ResultFailure
	}
	d.record(ctx, req, result, "", start)
}

func (d *Dispatcher) record(ctx context.Context, req protocol.HookRequest, result, reason string, start time.Time) {
	action := audit.ActionHookPre
	if req.HookEvent == protocol.HookEventPostToolUse {
		action = audit.ActionHookPost
	}
	err := d.audit.Record(ctx, audit.Event{
		Timestamp:  time.Now().UTC(),
		RequestID:  req.RequestID,
		SessionID:  req.SessionID,
		Action:     action,
		Tool:       req.ToolName,
		ToolUseID:  req.ToolUseID,
		Parameters: req.ToolInput,
		Result:     result,
		Reason:     reason,
		DurationMS: time.Since(start).Milliseconds(),
	})
	if err != nil {
		d.logger.WarnContext(ctx, "audit write failed", slog.String("error", err.Error()))
	}
}

func callPre(ctx context.Context, cb PreHook, in PreToolUseInput) (dec Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cb(ctx, in)
}

func callPost(ctx context.Context, cb PostHook, in PostToolUseInput) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cb(ctx, in)
}

// cloneInput deep-copies a decoded JSON object so callbacks cannot mutate the
// original request.
func cloneInput(in map[string]any) map[string]any {
	out := map[string]any{}
	if len(in) == 0 {
		return out
	}
	data, err := json.Marshal(in)
	if err != nil {
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

func sameInput(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
