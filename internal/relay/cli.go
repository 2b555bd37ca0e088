package relay

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/agentbox/internal/protocol"
)

// DefaultCLI is the agent runtime launched by the relay.
const DefaultCLI = "claude"

// cliArgs builds the agent CLI argument list. mcpConfig and settings are
// file paths, empty when not generated.
func cliArgs(opts Options, prompt, mcpConfig, settings string) ([]string, error) {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}

	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	switch {
	case opts.SystemPrompt != "":
		args = append(args, "--system-prompt", opts.SystemPrompt)
	case opts.AppendSystemPrompt != "":
		args = append(args, "--append-system-prompt", opts.AppendSystemPrompt)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if mcpConfig != "" {
		args = append(args, "--mcp-config", mcpConfig)
	}
	if settings != "" {
		args = append(args, "--settings", settings)
	}
	if len(opts.Agents) > 0 {
		data, err := json.Marshal(opts.Agents)
		if err != nil {
			return nil, fmt.Errorf("encoding agents: %w", err)
		}
		args = append(args, "--agents", string(data))
	}
	if len(opts.OutputFormat) > 0 {
		// Accept both a bare schema and {"type":"json_schema","schema":{...}}.
		schema := opts.OutputFormat
		if inner, ok := schema["schema"].(map[string]any); ok {
			schema = inner
		}
		data, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("encoding output format: %w", err)
		}
		args = append(args, "--json-schema", string(data))
	}
	return args, nil
}

// mcpConfig builds the --mcp-config document. Caller supplied servers are
// kept; host tool servers point at the bridge and win on a name clash.
func mcpConfig(opts Options, baseURL string) map[string]any {
	servers := make(map[string]any, len(opts.MCPServers)+len(opts.HostTools))
	maps.Copy(servers, opts.MCPServers)
	for _, def := range opts.HostTools {
		servers[def.Name] = map[string]any{
			"type": "http",
			"url":  baseURL + toolPath(def.Name),
		}
	}
	return map[string]any{"mcpServers": servers}
}

// hookMargin staggers the hook deadlines so the host round trip expires
// before the hook command gives up, and the hook command before the agent
// CLI kills it.
const hookMargin = 10 * time.Second

// hookSettings builds the --settings document wiring both tool hooks to the
// hook subcommand of self. timeout is the host round trip bound.
func hookSettings(self, baseURL string, timeout time.Duration, failClosed bool) map[string]any {
	if timeout <= 0 {
		timeout = protocol.DefaultHookTimeout
	}
	cliTimeout := int(math.Ceil((timeout + 2*hookMargin).Seconds()))
	entry := func(event string) []any {
		cmd := fmt.Sprintf("%s hook %s --endpoint %s --timeout %s",
			shellQuote(self), event, baseURL, timeout+hookMargin)
		if failClosed {
			cmd += " --fail-closed"
		}
		return []any{map[string]any{
			"matcher": ".*",
			"hooks": []any{map[string]any{
				"type":    "command",
				"command": cmd,
				"timeout": cliTimeout,
			}},
		}}
	}
	return map[string]any{
		"hooks": map[string]any{
			"PreToolUse":  entry("pre"),
			"PostToolUse": entry("post"),
		},
	}
}

func writeJSONFile(dir, name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding %s: %w", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	return path, nil
}

// shellQuote single-quotes s when it contains anything outside a safe set.
func shellQuote(s string) string {
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("/._-+:=@", r)) {
			safe = false
			break
		}
	}
	if safe && s != "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
