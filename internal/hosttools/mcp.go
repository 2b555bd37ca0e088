package hosttools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/agentbox/internal/config"
	"github.com/jkaninda/agentbox/internal/protocol"
)

// MCPImporter connects to MCP servers reachable from the host and exposes
// their tools as host tools, so the agent in the sandbox can use services
// that only the host can reach.
type MCPImporter struct {
	clients []mcpclient.MCPClient
	version string
	logger  *slog.Logger
}

// NewMCPImporter creates an importer. version is announced to the servers.
func NewMCPImporter(version string, logger *slog.Logger) *MCPImporter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &MCPImporter{version: version, logger: logger}
}

// Import connects to one MCP server, performs the initialization handshake
// and returns a Server whose tool handlers call back into it.
func (m *MCPImporter) Import(ctx context.Context, cfg config.MCPServerConfig) (Server, error) {
	c, err := newClient(cfg)
	if err != nil {
		return Server{}, fmt.Errorf("creating MCP client for %q: %w", cfg.Name, err)
	}
	// The stdio client starts its subprocess on creation.
	needsStart := cfg.Transport == "sse" || cfg.Transport == "streamable_http"
	return m.importClient(ctx, cfg.Name, c, needsStart)
}

func (m *MCPImporter) importClient(ctx context.Context, name string, c *mcpclient.Client, start bool) (Server, error) {
	if start {
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return Server{}, fmt.Errorf("MCP start for %q: %w", name, err)
		}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "agentbox",
		Version: m.version,
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initResp, err := c.Initialize(ctx, initReq)
	if err != nil {
		_ = c.Close()
		return Server{}, fmt.Errorf("MCP initialize for %q: %w", name, err)
	}
	m.clients = append(m.clients, c)

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return Server{}, fmt.Errorf("MCP list tools for %q: %w", name, err)
	}

	srv := Server{Name: name, Version: initResp.ServerInfo.Version}
	for _, t := range listResp.Tools {
		srv.Tools = append(srv.Tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaMap(t.InputSchema),
			Handler:     m.handler(c, name, t.Name),
		})
	}

	m.logger.Info("MCP server imported",
		slog.String("server", name),
		slog.Int("tools_discovered", len(srv.Tools)),
	)
	return srv, nil
}

// ImportAll imports every configured server. A server that fails to connect
// is logged and skipped.
func (m *MCPImporter) ImportAll(ctx context.Context, cfgs []config.MCPServerConfig) []Server {
	var servers []Server
	for _, cfg := range cfgs {
		srv, err := m.Import(ctx, cfg)
		if err != nil {
			m.logger.Error("MCP import failed",
				slog.String("server", cfg.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		servers = append(servers, srv)
	}
	return servers
}

func (m *MCPImporter) handler(c mcpclient.MCPClient, server, tool string) Handler {
	return func(ctx context.Context, input map[string]any) (any, error) {
		m.logger.DebugContext(ctx, "mcp tool executing",
			slog.String("server", server),
			slog.String("tool", tool),
		)

		callReq := mcp.CallToolRequest{}
		callReq.Params.Name = tool
		callReq.Params.Arguments = input

		callResult, err := c.CallTool(ctx, callReq)
		if err != nil {
			return nil, fmt.Errorf("MCP call to %s/%s failed: %w", server, tool, err)
		}
		return convertContent(callResult), nil
	}
}

// Close shuts down all MCP client connections.
func (m *MCPImporter) Close() {
	for _, c := range m.clients {
		if err := c.Close(); err != nil {
			m.logger.Error("closing MCP client", slog.String("error", err.Error()))
		}
	}
	m.clients = nil
}

// newClient creates the appropriate MCP client based on transport type.
func newClient(cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "", "stdio":
		env := expandedEnv(cfg.Env)
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandedHeaders(cfg.Headers)))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandedHeaders(cfg.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

// convertContent maps MCP content items onto result blocks. Text stays text;
// images, audio and resources are kept as their JSON encoding.
func convertContent(r *mcp.CallToolResult) protocol.ToolResult {
	out := protocol.ToolResult{Content: make([]protocol.ContentBlock, 0, len(r.Content)), IsError: r.IsError}
	for _, c := range r.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			out.Content = append(out.Content, protocol.ContentBlock{Type: "text", Text: tc.Text})
			continue
		}
		data, err := json.Marshal(c)
		if err != nil {
			continue
		}
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(data, &head)
		out.Content = append(out.Content, protocol.ContentBlock{Type: head.Type, Raw: data})
	}
	return out
}

// schemaMap turns an MCP input schema into the JSON Schema map the agent
// sees, always an object schema with a properties member.
func schemaMap(schema mcp.ToolInputSchema) map[string]any {
	out := map[string]any{}
	if data, err := json.Marshal(schema); err == nil {
		_ = json.Unmarshal(data, &out)
	}
	if t, _ := out["type"].(string); t == "" {
		out["type"] = "object"
	}
	if _, ok := out["properties"].(map[string]any); !ok {
		out["properties"] = map[string]any{}
	}
	return out
}

// expandedEnv renders env as KEY=value pairs with ${VAR} references expanded.
func expandedEnv(env map[string]string) []string {
	pairs := make([]string, 0, len(env))
	for k, v := range env {
		pairs = append(pairs, k+"="+os.ExpandEnv(v))
	}
	return pairs
}

// expandedHeaders copies headers with values trimmed and ${VAR} references
// expanded.
func expandedHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = os.ExpandEnv(strings.TrimSpace(v))
	}
	return out
}
