// Package message models the agent runtime's output stream: assistant and user
// turns made of content blocks, system notices, stream events and the terminal
// result summary.
package message

import (
	"encoding/json"
	"strings"
)

// Type identifies a message kind.
type Type string

const (
	TypeAssistant   Type = "assistant"
	TypeUser        Type = "user"
	TypeSystem      Type = "system"
	TypeResult      Type = "result"
	TypeStreamEvent Type = "stream_event"
)

// Message is implemented by every message kind.
type Message interface {
	MessageType() Type
}

// ContentBlock is a tagged union representing a piece of message content.
// The Type field determines which other fields are meaningful. Blocks of an
// unrecognized type keep their original encoding in Raw.
type ContentBlock struct {
	Type string `json:"type"` // "text", "thinking", "tool_use", "tool_result"

	// text block fields
	Text string `json:"text,omitempty"`

	// thinking block fields
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// tool_use block fields
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result block fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"` // string or list of blocks
	IsError   bool   `json:"is_error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ToolUseBlock creates a tool_use content block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: "tool_use", ID: id, Name: name, Input: input}
}

// ToolResultBlock creates a tool_result content block.
func ToolResultBlock(toolUseID string, content any, isError bool) ContentBlock {
	return ContentBlock{Type: "tool_result", ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Known reports whether the block type is one this package decodes.
func (b ContentBlock) Known() bool {
	switch b.Type {
	case "text", "thinking", "tool_use", "tool_result":
		return true
	}
	return false
}

// contentBlockJSON avoids MarshalJSON recursion.
type contentBlockJSON ContentBlock

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if !b.Known() && len(b.Raw) > 0 {
		return b.Raw, nil
	}
	return json.Marshal(contentBlockJSON(b))
}

// --- Messages ---

// AssistantMessage is a model turn.
type AssistantMessage struct {
	Type            Type           `json:"type"`
	Content         []ContentBlock `json:"content"`
	Model           string         `json:"model,omitempty"`
	ParentToolUseID string         `json:"parent_tool_use_id,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
}

func (*AssistantMessage) MessageType() Type { return TypeAssistant }

// Text returns the concatenated text of all text blocks.
func (m *AssistantMessage) Text() string {
	return joinText(m.Content)
}

// ToolUses returns the tool_use blocks of the turn.
func (m *AssistantMessage) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Type == "tool_use" {
			out = append(out, b)
		}
	}
	return out
}

// UserMessage carries user input or tool results fed back to the model.
type UserMessage struct {
	Type            Type           `json:"type"`
	Content         []ContentBlock `json:"content"`
	ParentToolUseID string         `json:"parent_tool_use_id,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
}

func (*UserMessage) MessageType() Type { return TypeUser }

// Text returns the concatenated text of all text blocks.
func (m *UserMessage) Text() string {
	return joinText(m.Content)
}

// SystemMessage is a runtime notice such as the "init" announcement.
type SystemMessage struct {
	Type    Type           `json:"type"`
	Subtype string         `json:"subtype"`
	Data    map[string]any `json:"data,omitempty"`
}

func (*SystemMessage) MessageType() Type { return TypeSystem }

// ResultMessage is the terminal summary of a run.
type ResultMessage struct {
	Type             Type           `json:"type"`
	Subtype          string         `json:"subtype"`
	DurationMS       int64          `json:"duration_ms"`
	DurationAPIMS    int64          `json:"duration_api_ms"`
	IsError          bool           `json:"is_error"`
	NumTurns         int            `json:"num_turns"`
	SessionID        string         `json:"session_id"`
	TotalCostUSD     *float64       `json:"total_cost_usd,omitempty"`
	Usage            map[string]any `json:"usage,omitempty"`
	Result           string         `json:"result,omitempty"`
	StructuredOutput any            `json:"structured_output,omitempty"`
}

func (*ResultMessage) MessageType() Type { return TypeResult }

// Success reports whether the run finished without error.
func (m *ResultMessage) Success() bool {
	return m.Subtype == "success" && !m.IsError
}

// StreamEvent is a partial-message event emitted when streaming is enabled.
type StreamEvent struct {
	Type            Type           `json:"type"`
	UUID            string         `json:"uuid,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	Event           map[string]any `json:"event"`
	ParentToolUseID string         `json:"parent_tool_use_id,omitempty"`
}

func (*StreamEvent) MessageType() Type { return TypeStreamEvent }

func joinText(blocks []ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
