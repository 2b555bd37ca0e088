package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jkaninda/agentbox/internal/hosttools"
)

// Options is the JSON blob the host passes as the relay's first argument.
// Fields prefixed with an underscore are consumed by the relay itself; the
// rest map onto agent CLI flags.
type Options struct {
	AllowedTools       []string       `json:"allowed_tools,omitempty"`
	DisallowedTools    []string       `json:"disallowed_tools,omitempty"`
	SystemPrompt       string         `json:"system_prompt,omitempty"`
	AppendSystemPrompt string         `json:"append_system_prompt,omitempty"`
	MaxTurns           int            `json:"max_turns,omitempty"`
	PermissionMode     string         `json:"permission_mode,omitempty"`
	Model              string         `json:"model,omitempty"`
	Cwd                string         `json:"cwd,omitempty"`
	Resume             string         `json:"resume,omitempty"`
	MCPServers         map[string]any `json:"mcp_servers,omitempty"`
	Agents             map[string]any `json:"agents,omitempty"`
	OutputFormat       map[string]any `json:"output_format,omitempty"`

	EnableHooks    bool                         `json:"_enable_hooks,omitempty"`
	HookTimeoutS   float64                      `json:"_hook_timeout_s,omitempty"`
	HookFailClosed bool                         `json:"_hook_fail_closed,omitempty"`
	HostTools      []hosttools.ServerDefinition `json:"_host_tools,omitempty"`
	ToolTimeoutS   float64                      `json:"_tool_timeout_s,omitempty"`
	Verbose        bool                         `json:"_verbose,omitempty"`
}

// Encode renders the blob as a single JSON argument.
func (o Options) Encode() (string, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("encoding relay options: %w", err)
	}
	return string(data), nil
}

// ParseOptions decodes the blob. An empty string yields zero options.
func ParseOptions(s string) (Options, error) {
	var o Options
	if s == "" {
		return o, nil
	}
	if err := json.Unmarshal([]byte(s), &o); err != nil {
		return o, fmt.Errorf("decoding relay options: %w", err)
	}
	return o, nil
}

// HookTimeout returns the hook round trip bound, 0 meaning the default.
func (o Options) HookTimeout() time.Duration {
	return seconds(o.HookTimeoutS)
}

// ToolTimeout returns the host tool round trip bound, 0 meaning the default.
func (o Options) ToolTimeout() time.Duration {
	return seconds(o.ToolTimeoutS)
}

func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
