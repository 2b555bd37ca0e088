package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/agentbox/internal/hosttools"
	"github.com/jkaninda/agentbox/internal/protocol"
)

// HookInput is the JSON the agent CLI feeds to a hook command on stdin.
type HookInput struct {
	SessionID     string         `json:"session_id"`
	CWD           string         `json:"cwd,omitempty"`
	HookEventName string         `json:"hook_event_name"`
	ToolName      string         `json:"tool_name"`
	ToolInput     map[string]any `json:"tool_input"`
	ToolUseID     string         `json:"tool_use_id,omitempty"`
	ToolResponse  any            `json:"tool_response,omitempty"` // PostToolUse only.
}

// Decision is the bridge's answer to a pre hook.
type Decision struct {
	Decision     protocol.Decision `json:"decision"`
	Reason       string            `json:"reason,omitempty"`
	UpdatedInput map[string]any    `json:"updated_input,omitempty"`
}

// bridge is the localhost HTTP server inside the sandbox. The CLI's hook
// commands post to it and the CLI's MCP client calls host tools through it.
type bridge struct {
	okapi   *okapi.Okapi
	server  *http.Server
	addr    string
	emitter *protocol.Emitter
	logger  *slog.Logger
	errc    chan error
}

func newBridge(em *protocol.Emitter, logger *slog.Logger) *bridge {
	return &bridge{
		okapi:   okapi.New(),
		emitter: em,
		logger:  logger,
		errc:    make(chan error, 1),
	}
}

// mountHooks registers the pre and post hook routes.
func (b *bridge) mountHooks() {
	b.okapi.Post("/hooks/pre", b.handlePre)
	b.okapi.Post("/hooks/post", b.handlePost)
}

// mountTools serves one MCP server per host tool server at /mcp/<name>.
func (b *bridge) mountTools(defs []hosttools.ServerDefinition) {
	for _, def := range defs {
		s := server.NewMCPServer(def.Name, def.Version)
		for _, t := range def.Tools {
			schema := []byte(`{"type":"object","properties":{}}`)
			if t.InputSchema != nil {
				if data, err := json.Marshal(t.InputSchema); err == nil {
					schema = data
				}
			}
			s.AddTool(mcp.Tool{
				Name:           t.Name,
				Description:    t.Description,
				RawInputSchema: schema,
			}, b.toolHandler(def.Name, t.Name))
		}

		h := server.NewStreamableHTTPServer(s)
		path := toolPath(def.Name)
		for _, method := range []string{http.MethodPost, http.MethodGet, http.MethodDelete} {
			b.okapi.HandleStd(method, path, h.ServeHTTP)
		}
		b.logger.Debug("host tool server mounted",
			slog.String("server", def.Name),
			slog.Int("tools", len(def.Tools)),
		)
	}
}

func toolPath(server string) string { return "/mcp/" + server }

// start binds a free loopback port and serves in the background.
func (b *bridge) start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("reserving bridge port: %w", err)
	}
	b.addr = ln.Addr().String()
	_ = ln.Close()

	b.server = &http.Server{
		Addr:              b.addr,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		err := b.okapi.StartServer(b.server)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.errc <- err
		}
		close(b.errc)
	}()
	return b.waitReady(5 * time.Second)
}

// waitReady polls until the listener accepts connections.
func (b *bridge) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", b.addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case serr, ok := <-b.errc:
			if ok && serr != nil {
				return fmt.Errorf("starting bridge: %w", serr)
			}
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("bridge not ready on %s: %w", b.addr, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// URL returns the base URL of the bridge.
func (b *bridge) URL() string { return "http://" + b.addr }

func (b *bridge) stop() {
	if b.server == nil {
		return
	}
	if err := b.okapi.Shutdown(b.server); err != nil {
		b.logger.Debug("bridge shutdown", slog.String("error", err.Error()))
	}
}

func (b *bridge) handlePre(c *okapi.Context) error {
	var in HookInput
	if err := c.Bind(&in); err != nil {
		return c.AbortBadRequest("invalid hook input")
	}
	resp := b.emitter.PreToolUse(c.Context(), protocol.HookRequest{
		ToolName:  in.ToolName,
		ToolInput: in.ToolInput,
		ToolUseID: in.ToolUseID,
		SessionID: in.SessionID,
		CWD:       in.CWD,
	})
	return c.OK(Decision{Decision: resp.Decision, Reason: resp.Reason, UpdatedInput: resp.UpdatedInput})
}

func (b *bridge) handlePost(c *okapi.Context) error {
	var in HookInput
	if err := c.Bind(&in); err != nil {
		return c.AbortBadRequest("invalid hook input")
	}
	result, isError := toolResponseText(in.ToolResponse)
	err := b.emitter.PostToolUse(c.Context(), protocol.HookRequest{
		ToolName:   in.ToolName,
		ToolInput:  in.ToolInput,
		ToolUseID:  in.ToolUseID,
		SessionID:  in.SessionID,
		ToolResult: result,
		IsError:    isError,
	})
	if err != nil {
		b.logger.Warn("post hook not delivered", slog.String("error", err.Error()))
	}
	return c.OK(map[string]string{"status": "ok"})
}

// toolResponseText renders a CLI tool response as text and reports whether
// it describes a failure.
func toolResponseText(v any) (string, bool) {
	switch r := v.(type) {
	case nil:
		return "", false
	case string:
		return r, false
	case map[string]any:
		isError, _ := r["is_error"].(bool)
		if e, ok := r["error"]; ok && e != nil && e != "" {
			isError = true
		}
		data, _ := json.Marshal(r)
		return string(data), isError
	default:
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Sprint(r), false
		}
		return string(data), false
	}
}

func (b *bridge) toolHandler(serverName, toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := b.emitter.CallTool(ctx, protocol.HostToolRequest{
			ServerName: serverName,
			ToolName:   toolName,
			ToolInput:  req.GetArguments(),
		})
		return toMCPResult(res), nil
	}
}

// toMCPResult converts a relayed result back into MCP content. Images keep
// their type; other non-text blocks are passed as their JSON text.
func toMCPResult(r protocol.ToolResult) *mcp.CallToolResult {
	out := &mcp.CallToolResult{IsError: r.IsError}
	for _, b := range r.Content {
		switch b.Type {
		case "", "text":
			out.Content = append(out.Content, mcp.TextContent{Type: "text", Text: b.Text})
		case "image":
			var img struct {
				Data     string `json:"data"`
				MimeType string `json:"mimeType"`
			}
			if err := json.Unmarshal(b.Raw, &img); err == nil && img.Data != "" {
				out.Content = append(out.Content, mcp.NewImageContent(img.Data, img.MimeType))
				continue
			}
			out.Content = append(out.Content, mcp.TextContent{Type: "text", Text: string(b.Raw)})
		default:
			out.Content = append(out.Content, mcp.TextContent{Type: "text", Text: string(b.Raw)})
		}
	}
	if len(out.Content) == 0 {
		out.Content = []mcp.Content{mcp.TextContent{Type: "text", Text: protocol.NoContentText}}
	}
	return out
}
