package protocol

import (
	"bytes"
	"encoding/json"
)

// Classified is the result of decoding one line from the wire.
type Classified struct {
	Kind   Kind
	Fields map[string]json.RawMessage // nil when Kind is KindUnparseable.
	Line   []byte                     // Trimmed copy of the input line.
}

// Classify decodes a single line and tags it by its "_type" discriminator.
//
// Lines that are not JSON objects are KindUnparseable. Objects without a
// discriminator are ordinary agent messages. Unrecognized discriminators are
// KindUnknown. Classify has no side effects.
func Classify(line []byte) Classified {
	trimmed := bytes.TrimSpace(line)
	out := Classified{Kind: KindUnparseable, Line: bytes.Clone(trimmed)}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return out
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		return out
	}
	out.Fields = fields

	raw, ok := fields[TypeField]
	if !ok {
		out.Kind = KindMessage
		return out
	}
	var typ string
	if err := json.Unmarshal(raw, &typ); err != nil {
		out.Kind = KindUnknown
		return out
	}

	switch k := Kind(typ); k {
	case KindMessage, KindHookRequest, KindHookResponse, KindHostToolRequest, KindHostToolResponse:
		out.Kind = k
	default:
		out.Kind = KindUnknown
	}
	return out
}

// RequestID returns the request_id field, or "" when absent.
func (c Classified) RequestID() string {
	raw, ok := c.Fields["request_id"]
	if !ok {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return ""
	}
	return id
}

// String returns the string value of a top-level field, or "".
func (c Classified) String(key string) string {
	raw, ok := c.Fields[key]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

// Decode unmarshals the whole line into v.
func (c Classified) Decode(v any) error {
	return json.Unmarshal(c.Line, v)
}

// Payload returns the fields without the discriminator.
func (c Classified) Payload() map[string]json.RawMessage {
	if c.Fields == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(c.Fields))
	for k, v := range c.Fields {
		if k == TypeField {
			continue
		}
		out[k] = v
	}
	return out
}
