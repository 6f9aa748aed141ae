package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Decision is the manager model's choice of what to do next. It is a
// closed set: Execute, Delegate or Reply.
type Decision interface {
	isDecision()
}

// Execute runs a tool directly. Kind is the tool name.
type Execute struct {
	Kind    string
	Content map[string]any
}

// Delegate hands an instruction to a worker; Target may be "auto".
type Delegate struct {
	Target      string
	Instruction string
}

// Reply answers the user in plain text and ends the turn.
type Reply struct {
	Content string
}

func (Execute) isDecision()  {}
func (Delegate) isDecision() {}
func (Reply) isDecision()    {}

// ErrNoDecision is returned when a model reply carries no JSON object.
var ErrNoDecision = errors.New("no decision JSON in model reply")

const decisionSchema = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"type": "string", "enum": ["execute", "delegate", "reply"]},
    "kind": {"type": "string", "minLength": 1},
    "content": {},
    "target": {"type": "string", "minLength": 1},
    "instruction": {"type": "string", "minLength": 1}
  },
  "allOf": [
    {"if": {"properties": {"action": {"const": "execute"}}}, "then": {"required": ["kind"]}},
    {"if": {"properties": {"action": {"const": "delegate"}}}, "then": {"required": ["instruction"]}},
    {"if": {"properties": {"action": {"const": "reply"}}}, "then": {"required": ["content"]}}
  ]
}`

var compiledDecisionSchema = mustCompileSchema("decision.json", decisionSchema)

func mustCompileSchema(url, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("decision schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("decision schema: %v", err))
	}
	schema, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("decision schema: %v", err))
	}
	return schema
}

type rawDecision struct {
	Action      string          `json:"action"`
	Kind        string          `json:"kind"`
	Content     json.RawMessage `json:"content"`
	Target      string          `json:"target"`
	Instruction string          `json:"instruction"`
}

// ParseDecision extracts the JSON decision from a model reply, validates
// it and returns the matching variant.
func ParseDecision(text string) (Decision, error) {
	js := extractJSON(text)
	if js == "" {
		return nil, ErrNoDecision
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(js))
	if err != nil {
		return nil, fmt.Errorf("invalid decision JSON: %w", err)
	}
	if err := compiledDecisionSchema.Validate(parsed); err != nil {
		return nil, fmt.Errorf("decision failed schema validation: %s", err)
	}
	var raw rawDecision
	if err := json.Unmarshal([]byte(js), &raw); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}

	switch raw.Action {
	case "execute":
		args := map[string]any{}
		if len(raw.Content) > 0 && string(raw.Content) != "null" {
			if err := json.Unmarshal(raw.Content, &args); err != nil {
				return nil, fmt.Errorf("execute content must be an object: %w", err)
			}
		}
		return Execute{Kind: raw.Kind, Content: args}, nil
	case "delegate":
		target := raw.Target
		if target == "" {
			target = "auto"
		}
		return Delegate{Target: target, Instruction: raw.Instruction}, nil
	case "reply":
		var content string
		if err := json.Unmarshal(raw.Content, &content); err != nil {
			content = string(raw.Content)
		}
		return Reply{Content: content}, nil
	default:
		return nil, fmt.Errorf("unknown decision action %q", raw.Action)
	}
}

// turnFromDecision converts a decision into a model turn for the loop.
func turnFromDecision(d Decision) (ModelTurn, error) {
	switch v := d.(type) {
	case Execute:
		return ModelTurn{Calls: []ToolCall{{Name: v.Kind, Args: v.Content}}}, nil
	case Delegate:
		return ModelTurn{Calls: []ToolCall{{
			Name: "dispatch_worker",
			Args: map[string]any{"worker_id": v.Target, "instruction": v.Instruction},
		}}}, nil
	case Reply:
		return ModelTurn{Text: v.Content}, nil
	default:
		return ModelTurn{}, fmt.Errorf("unsupported decision %T", d)
	}
}

// extractJSON finds a JSON object in the reply: a ```json fence, then a
// bare fence, then the first balanced object.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if c := strings.TrimSpace(text[start : start+end]); c != "" {
				return c
			}
		}
	}
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if c := strings.TrimSpace(text[start : start+end]); isJSON(c) {
				return c
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if c := extractBalanced(text[i:]); c != "" && isJSON(c) {
			return c
		}
	}
	return ""
}

func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the object starting at s[0], honoring strings.
func extractBalanced(s string) string {
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
