// Package hosttools runs tools that live on the host but are offered to the
// agent inside the sandbox. Tools are grouped into named servers and exposed
// to the agent as MCP tools named mcp__<server>__<tool>.
package hosttools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jkaninda/agentbox/internal/audit"
	"github.com/jkaninda/agentbox/internal/protocol"
)

var (
	// ErrDuplicateServer is returned when two servers share a name.
	ErrDuplicateServer = errors.New("duplicate host tool server")
	// ErrDuplicateTool is returned when a server declares the same tool twice.
	ErrDuplicateTool = errors.New("duplicate host tool")
)

// Handler runs a tool. The returned value is normalized with Normalize.
type Handler func(ctx context.Context, input map[string]any) (any, error)

// Tool is a host-side tool definition.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     Handler
}

// Server groups tools under a name.
type Server struct {
	Name    string
	Version string
	Tools   []Tool
}

// ToolDefinition is the wire form of a Tool sent to the sandbox.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ServerDefinition is the wire form of a Server sent to the sandbox.
type ServerDefinition struct {
	Name    string           `json:"name"`
	Version string           `json:"version"`
	Tools   []ToolDefinition `json:"tools"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRecorder sets where tool calls are audited.
func WithRecorder(r audit.Recorder) Option {
	return func(d *Dispatcher) { d.audit = r }
}

// Dispatcher resolves and runs host tools. It is read-only after construction
// and safe for concurrent use.
type Dispatcher struct {
	servers []Server
	byKey   map[string]*Tool // "server:tool"
	byName  map[string]*Tool // bare tool name, last registration wins
	audit   audit.Recorder
	logger  *slog.Logger
}

// NewDispatcher indexes the given servers.
func NewDispatcher(servers []Server, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		byKey:  make(map[string]*Tool),
		byName: make(map[string]*Tool),
		audit:  audit.Nop{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(d)
	}

	seen := make(map[string]bool, len(servers))
	for si := range servers {
		srv := servers[si]
		if srv.Name == "" {
			return nil, fmt.Errorf("host tool server at index %d has no name", si)
		}
		if seen[srv.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateServer, srv.Name)
		}
		seen[srv.Name] = true
		if srv.Version == "" {
			srv.Version = "1.0.0"
		}
		srv.Tools = append([]Tool(nil), srv.Tools...)

		for ti := range srv.Tools {
			t := &srv.Tools[ti]
			if t.Name == "" {
				return nil, fmt.Errorf("server %s: tool at index %d has no name", srv.Name, ti)
			}
			if t.Handler == nil {
				return nil, fmt.Errorf("server %s: tool %s has no handler", srv.Name, t.Name)
			}
			key := srv.Name + ":" + t.Name
			if _, dup := d.byKey[key]; dup {
				return nil, fmt.Errorf("%w: %s in server %s", ErrDuplicateTool, t.Name, srv.Name)
			}
			d.byKey[key] = t
			d.byName[t.Name] = t
		}
		d.servers = append(d.servers, srv)
	}
	return d, nil
}

// Empty reports whether no tools are registered.
func (d *Dispatcher) Empty() bool {
	return d == nil || len(d.byKey) == 0
}

// Resolve finds a tool by server and name. An empty server name falls back
// to the bare tool name.
func (d *Dispatcher) Resolve(server, tool string) (*Tool, bool) {
	if t, ok := d.byKey[server+":"+tool]; ok {
		return t, true
	}
	if server == "" {
		t, ok := d.byName[tool]
		return t, ok
	}
	return nil, false
}

// Dispatch runs the requested tool and builds the response. It never fails:
// missing tools, handler errors and panics become error results.
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.HostToolRequest) protocol.HostToolResponse {
	start := time.Now()

	t, ok := d.Resolve(req.ServerName, req.ToolName)
	if !ok {
		result := protocol.ErrorResult(fmt.Sprintf("Error: Tool '%s' not found in server '%s'", req.ToolName, req.ServerName))
		d.record(ctx, req, result, "tool not found", start)
		return protocol.NewHostToolResponse(req.RequestID, result)
	}

	input := req.ToolInput
	if input == nil {
		input = map[string]any{}
	}

	var result protocol.ToolResult
	out, err := call(ctx, t.Handler, input)
	if err != nil {
		d.logger.ErrorContext(ctx, "host tool failed",
			slog.String("server", req.ServerName),
			slog.String("tool", req.ToolName),
			slog.String("request_id", req.RequestID),
			slog.String("error", err.Error()),
		)
		result = protocol.ErrorResult("Error executing tool: " + err.Error())
		d.record(ctx, req, result, err.Error(), start)
		return protocol.NewHostToolResponse(req.RequestID, result)
	}

	result = Normalize(out)
	d.record(ctx, req, result, "", start)
	return protocol.NewHostToolResponse(req.RequestID, result)
}

func (d *Dispatcher) record(ctx context.Context, req protocol.HostToolRequest, result protocol.ToolResult, errText string, start time.Time) {
	outcome := audit.ResultSuccess
	if result.IsError {
		outcome = audit.ResultFailure
	}
	err := d.audit.Record(ctx, audit.Event{
		Timestamp:  time.Now().UTC(),
		RequestID:  req.RequestID,
		Action:     audit.ActionHostToolCall,
		Server:     req.ServerName,
		Tool:       req.ToolName,
		ToolUseID:  req.ToolUseID,
		Parameters: req.ToolInput,
		Result:     outcome,
		DurationMS: time.Since(start).Milliseconds(),
		Error:      errText,
	})
	if err != nil {
		d.logger.WarnContext(ctx, "audit write failed", slog.String("error", err.Error()))
	}
}

// Definitions returns the server table in the shape the relay expects.
func (d *Dispatcher) Definitions() []ServerDefinition {
	if d == nil {
		return nil
	}
	defs := make([]ServerDefinition, 0, len(d.servers))
	for _, srv := range d.servers {
		def := ServerDefinition{Name: srv.Name, Version: srv.Version, Tools: make([]ToolDefinition, 0, len(srv.Tools))}
		for _, t := range srv.Tools {
			schema := t.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			def.Tools = append(def.Tools, ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: schema})
		}
		defs = append(defs, def)
	}
	return defs
}

// AllowedToolNames returns the agent-facing names of every tool.
func (d *Dispatcher) AllowedToolNames() []string {
	if d == nil {
		return nil
	}
	var names []string
	for _, srv := range d.servers {
		for _, t := range srv.Tools {
			names = append(names, QualifiedName(srv.Name, t.Name))
		}
	}
	return names
}

// QualifiedName returns the agent-facing name of a host tool.
func QualifiedName(server, tool string) string {
	return fmt.Sprintf("mcp__%s__%s", server, tool)
}

func call(ctx context.Context, h Handler, input map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, input)
}

// Normalize converts a handler's return value into a ToolResult.
//
//   - ToolResult and *ToolResult are used as is.
//   - A map with a "content" key is decoded as a result, keeping "is_error".
//   - Strings and byte slices become a single text block.
//   - nil becomes an empty result.
//   - Anything else is rendered as JSON text.
func Normalize(v any) protocol.ToolResult {
	switch r := v.(type) {
	case nil:
		return protocol.ToolResult{Content: []protocol.ContentBlock{}}
	case protocol.ToolResult:
		return r
	case *protocol.ToolResult:
		if r == nil {
			return protocol.ToolResult{Content: []protocol.ContentBlock{}}
		}
		return *r
	case string:
		return protocol.TextResult(r)
	case []byte:
		return protocol.TextResult(string(r))
	case map[string]any:
		if _, ok := r["content"]; ok {
			if res, ok := decodeResult(r); ok {
				return res
			}
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return protocol.TextResult(fmt.Sprint(v))
	}
	return protocol.TextResult(string(data))
}

func decodeResult(m map[string]any) (protocol.ToolResult, bool) {
	data, err := json.Marshal(m)
	if err != nil {
		return protocol.ToolResult{}, false
	}
	var res protocol.ToolResult
	if err := json.Unmarshal(data, &res); err != nil {
		return protocol.ToolResult{}, false
	}
	if res.Content == nil {
		res.Content = []protocol.ContentBlock{}
	}
	return res, true
}
