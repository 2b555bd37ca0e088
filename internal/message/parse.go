package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Parse decodes one agent output object into a typed Message.
func Parse(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("decoding message: not an object")
	}
	return ParseFields(fields)
}

// ParseFields converts decoded top-level fields into a typed Message.
//
// The "type" field selects the kind. Objects without it are matched by
// shape: subtype "init" is a system notice, "success" or "error*" a result,
// a "content" field an assistant turn and an "event" field a stream event.
// Anything else becomes a SystemMessage with subtype "unknown".
func ParseFields(fields map[string]json.RawMessage) (Message, error) {
	switch Type(stringField(fields, "type")) {
	case TypeAssistant:
		return parseAssistant(fields)
	case TypeUser:
		return parseUser(fields)
	case TypeSystem:
		return parseSystem(fields), nil
	case TypeResult:
		return parseResult(fields)
	case TypeStreamEvent:
		return parseStreamEvent(fields)
	}

	subtype := stringField(fields, "subtype")
	switch {
	case subtype == "init":
		return parseSystem(fields), nil
	case subtype == "success" || strings.HasPrefix(subtype, "error"):
		return parseResult(fields)
	case has(fields, "content"):
		return parseAssistant(fields)
	case has(fields, "event"):
		return parseStreamEvent(fields)
	}

	return &SystemMessage{Type: TypeSystem, Subtype: "unknown", Data: toMap(fields)}, nil
}

// turnBody returns the fields carrying content: the nested "message" object
// when present, else the top level.
func turnBody(fields map[string]json.RawMessage) map[string]json.RawMessage {
	raw, ok := fields["message"]
	if !ok {
		return fields
	}
	var inner map[string]json.RawMessage
	if err := json.Unmarshal(raw, &inner); err != nil || inner == nil {
		return fields
	}
	return inner
}

func parseAssistant(fields map[string]json.RawMessage) (*AssistantMessage, error) {
	body := turnBody(fields)
	blocks, err := ParseBlocks(body["content"])
	if err != nil {
		return nil, fmt.Errorf("decoding assistant content: %w", err)
	}
	return &AssistantMessage{
		Type:            TypeAssistant,
		Content:         blocks,
		Model:           stringField(body, "model"),
		ParentToolUseID: stringField(fields, "parent_tool_use_id"),
		SessionID:       stringField(fields, "session_id"),
	}, nil
}

func parseUser(fields map[string]json.RawMessage) (*UserMessage, error) {
	body := turnBody(fields)
	blocks, err := ParseBlocks(body["content"])
	if err != nil {
		return nil, fmt.Errorf("decoding user content: %w", err)
	}
	return &UserMessage{
		Type:            TypeUser,
		Content:         blocks,
		ParentToolUseID: stringField(fields, "parent_tool_use_id"),
		SessionID:       stringField(fields, "session_id"),
	}, nil
}

func parseSystem(fields map[string]json.RawMessage) *SystemMessage {
	msg := &SystemMessage{Type: TypeSystem, Subtype: stringField(fields, "subtype")}
	if raw, ok := fields["data"]; ok {
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err == nil && data != nil {
			msg.Data = data
			return msg
		}
	}
	data := toMap(fields)
	delete(data, "type")
	delete(data, "subtype")
	msg.Data = data
	return msg
}

func parseResult(fields map[string]json.RawMessage) (*ResultMessage, error) {
	msg := &ResultMessage{}
	if err := json.Unmarshal(mustMarshal(fields), msg); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	msg.Type = TypeResult
	return msg, nil
}

func parseStreamEvent(fields map[string]json.RawMessage) (*StreamEvent, error) {
	msg := &StreamEvent{}
	if err := json.Unmarshal(mustMarshal(fields), msg); err != nil {
		return nil, fmt.Errorf("decoding stream event: %w", err)
	}
	msg.Type = TypeStreamEvent
	return msg, nil
}

// ParseBlocks decodes a content value: a plain string becomes one text block,
// an array is decoded block by block.
func ParseBlocks(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []ContentBlock{TextBlock(text)}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	blocks := make([]ContentBlock, 0, len(items))
	for _, item := range items {
		b, err := parseBlock(item)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func parseBlock(raw json.RawMessage) (ContentBlock, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ContentBlock{}, err
	}

	typ := stringField(fields, "type")
	if typ == "" {
		switch {
		case has(fields, "thinking"):
			typ = "thinking"
		case has(fields, "tool_use_id"):
			typ = "tool_result"
		case has(fields, "name") && has(fields, "input"):
			typ = "tool_use"
		case has(fields, "text"):
			typ = "text"
		}
	}

	var b ContentBlock
	if err := json.Unmarshal(raw, (*contentBlockJSON)(&b)); err != nil {
		return ContentBlock{}, err
	}
	b.Type = typ
	if !b.Known() {
		b.Raw = append(json.RawMessage(nil), raw...)
	}
	return b, nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func has(fields map[string]json.RawMessage, key string) bool {
	raw, ok := fields[key]
	return ok && string(raw) != "null"
}

func toMap(fields map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(fields))
	for k, raw := range fields {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			out[k] = v
		}
	}
	return out
}

func mustMarshal(fields map[string]json.RawMessage) []byte {
	data, err := json.Marshal(fields)
	if err != nil {
		return []byte("{}")
	}
	return data
}
