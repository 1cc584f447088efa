package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

const replySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["action", "outcome", "size", "reason"],
  "properties": {
    "action":  {"type": "string", "enum": ["BUY", "SELL", "HOLD"]},
    "outcome": {"type": "string"},
    "size":    {"type": "number", "minimum": 0},
    "reason":  {"type": "string", "minLength": 1, "maxLength": 500}
  }
}`

// reply is a validated insight answer.
type reply struct {
	Action  Action  `json:"action"`
	Outcome string  `json:"outcome"`
	Size    float64 `json:"size"`
	Reason  string  `json:"reason"`
}

func compileReplySchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("reply.json", strings.NewReader(replySchema)); err != nil {
		return nil, fmt.Errorf("adding reply schema: %w", err)
	}
	schema, err := compiler.Compile("reply.json")
	if err != nil {
		return nil, fmt.Errorf("compiling reply schema: %w", err)
	}
	return schema, nil
}

// parseReply extracts the first JSON object from raw, which may be wrapped in
// prose or a code fence, and validates it against the reply schema.
func parseReply(schema *jsonschema.Schema, raw string) (reply, error) {
	body, ok := extractObject(raw)
	if !ok || !gjson.Valid(body) {
		return reply{}, fmt.Errorf("%w: no json object in reply", ErrMalformedResponse)
	}
	if !gjson.Parse(body).IsObject() {
		return reply{}, fmt.Errorf("%w: reply is not an object", ErrMalformedResponse)
	}

	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return reply{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if err := schema.Validate(doc); err != nil {
		return reply{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	var r reply
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return reply{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return r, nil
}

func extractObject(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "```"); i >= 0 {
		rest := raw[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			raw = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}
	depth, inString, escaped := 0, false, false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}
