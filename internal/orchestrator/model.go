package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

// Transcript roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
	RoleTool  = "tool"
)

// Message is one transcript entry fed back to the model.
type Message struct {
	Role    string
	Content string
}

// ModelRequest is everything the model sees for one turn of the loop.
type ModelRequest struct {
	Identity   string
	Goal       string
	Tools      []ToolSpec
	Transcript []Message
	// Inject is a corrective instruction from the Event Handler.
	Inject string
	Turn   int
}

// ModelTurn is the model's reply: plain text, tool calls, or both.
type ModelTurn struct {
	Text  string
	Calls []ToolCall
}

// Model is the narrow language-model contract the loop drives.
type Model interface {
	Next(ctx context.Context, req ModelRequest) (ModelTurn, error)
}

// DecisionError reports a model reply that did not parse into a valid
// Decision. The loop treats it as a recoverable failure.
type DecisionError struct {
	Raw string
	Err error
}

func (e *DecisionError) Error() string { return fmt.Sprintf("invalid decision: %v", e.Err) }
func (e *DecisionError) Unwrap() error { return e.Err }

func isDecisionError(err error) (*DecisionError, bool) {
	var de *DecisionError
	ok := errors.As(err, &de)
	return de, ok
}

// ScriptedModel replays fixed turns in order, then replies with Final. It
// is not safe for concurrent use.
type ScriptedModel struct {
	Turns []ModelTurn
	Final string

	next int
}

func (s *ScriptedModel) Next(_ context.Context, _ ModelRequest) (ModelTurn, error) {
	if s.next < len(s.Turns) {
		t := s.Turns[s.next]
		s.next++
		return t, nil
	}
	return ModelTurn{Text: s.Final}, nil
}
