// Package protocol defines the NDJSON line protocol spoken between the relay
// running inside a sandbox and the host process that launched it.
//
// Every line is a single JSON object tagged by the "_type" field. Requests flow
// sandbox → host over the relay's stdout; responses flow host → sandbox over its
// stdin and are correlated by request_id.
package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// TypeField is the discriminator key present on every envelope.
const TypeField = "_type"

// Kind identifies the category of a line on the wire.
type Kind string

const (
	// Sandbox → Host
	KindMessage         Kind = "message"
	KindHookRequest     Kind = "hook_request"
	KindHostToolRequest Kind = "host_tool_request"

	// Host → Sandbox
	KindHookResponse     Kind = "hook_response"
	KindHostToolResponse Kind = "host_tool_response"

	// Classification results that never appear as a "_type" value.
	KindUnknown     Kind = "unknown"
	KindUnparseable Kind = "unparseable"
)

// IsResponse reports whether k travels host → sandbox.
func (k Kind) IsResponse() bool {
	return k == KindHookResponse || k == KindHostToolResponse
}

// IsRequest reports whether k is a correlated sandbox → host request.
func (k Kind) IsRequest() bool {
	return k == KindHookRequest || k == KindHostToolRequest
}

// Hook events carried in HookRequest.HookEvent.
const (
	HookEventPreToolUse  = "PreToolUse"
	HookEventPostToolUse = "PostToolUse"
)

// Decision is the outcome of a PreToolUse hook.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// MaxPostToolResult bounds the tool_result text carried by PostToolUse requests.
const MaxPostToolResult = 10000

// DefaultDenyReason is used when a deny decision carries no reason.
const DefaultDenyReason = "Blocked by host hook"

// --- Sandbox → Host payloads ---

// HookRequest is emitted by the relay before (PreToolUse) or after
// (PostToolUse) the agent runs a tool.
type HookRequest struct {
	Type       Kind           `json:"_type"`
	RequestID  string         `json:"request_id"`
	HookEvent  string         `json:"hook_event"`
	ToolName   string         `json:"tool_name"`
	ToolInput  map[string]any `json:"tool_input"`
	ToolUseID  string         `json:"tool_use_id"`
	SessionID  string         `json:"session_id"`
	CWD        string         `json:"cwd,omitempty"`
	ToolResult string         `json:"tool_result,omitempty"` // PostToolUse only.
	IsError    bool           `json:"is_error,omitempty"`    // PostToolUse only.
}

// HostToolRequest asks the host to run one of its registered tools.
type HostToolRequest struct {
	Type       Kind           `json:"_type"`
	RequestID  string         `json:"request_id"`
	ServerName string         `json:"server_name"`
	ToolName   string         `json:"tool_name"`
	ToolInput  map[string]any `json:"tool_input"`
	ToolUseID  string         `json:"tool_use_id,omitempty"`
}

// --- Host → Sandbox payloads ---

// HookResponse answers a PreToolUse HookRequest.
type HookResponse struct {
	Type         Kind           `json:"_type"`
	RequestID    string         `json:"request_id"`
	Decision     Decision       `json:"decision"`
	Reason       string         `json:"reason,omitempty"`
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
}

// Allow builds an allow response for the given request id.
func Allow(requestID string) HookResponse {
	return HookResponse{Type: KindHookResponse, RequestID: requestID, Decision: DecisionAllow}
}

// Deny builds a deny response. An empty reason is replaced by DefaultDenyReason.
func Deny(requestID, reason string) HookResponse {
	if reason == "" {
		reason = DefaultDenyReason
	}
	return HookResponse{Type: KindHookResponse, RequestID: requestID, Decision: DecisionDeny, Reason: reason}
}

// HostToolResponse carries the normalized result of a host tool call.
type HostToolResponse struct {
	Type      Kind           `json:"_type"`
	RequestID string         `json:"request_id"`
	Content   []ContentBlock `json:"content"`
	IsError   bool           `json:"is_error"`
}

// NewHostToolResponse stamps a ToolResult with the response envelope fields.
func NewHostToolResponse(requestID string, r ToolResult) HostToolResponse {
	content := r.Content
	if content == nil {
		content = []ContentBlock{}
	}
	return HostToolResponse{
		Type:      KindHostToolResponse,
		RequestID: requestID,
		Content:   content,
		IsError:   r.IsError,
	}
}

// Result strips the envelope fields.
func (r HostToolResponse) Result() ToolResult {
	return ToolResult{Content: r.Content, IsError: r.IsError}
}

// --- Tool results ---

// ContentBlock is one element of a tool result. Text blocks are decoded into
// Text; every other block type is preserved verbatim in Raw.
type ContentBlock struct {
	Type string
	Text string
	Raw  json.RawMessage
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if b.Type != "text" && len(b.Raw) > 0 {
		return b.Raw, nil
	}
	typ := b.Type
	if typ == "" {
		typ = "text"
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{typ, b.Text})
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	b.Type = head.Type
	b.Text = head.Text
	b.Raw = nil
	if head.Type != "text" {
		b.Raw = append(json.RawMessage(nil), bytes.TrimSpace(data)...)
	}
	return nil
}

// ToolResult is the canonical shape of a host tool's output.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"is_error"`
}

// ErrorResult returns a single-text-block error result.
func ErrorResult(text string) ToolResult {
	return ToolResult{Content: []ContentBlock{TextBlock(text)}, IsError: true}
}

// TextResult returns a single-text-block successful result.
func TextResult(text string) ToolResult {
	return ToolResult{Content: []ContentBlock{TextBlock(text)}}
}

// Text joins all text blocks with newlines.
func (r ToolResult) Text() string {
	var parts []string
	for _, b := range r.Content {
		if b.Type == "text" || b.Type == "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
