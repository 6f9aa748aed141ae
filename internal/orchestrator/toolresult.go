package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/basket/clawforge/internal/shared"
	"github.com/basket/clawforge/internal/workqueue"
)

// Task outcomes a terminal tool may report.
const (
	OutcomeDone    = "done"
	OutcomePartial = "partial"
)

// Failure modes a failing tool may report.
const (
	FailureRecoverable = "recoverable"
	FailureFatal       = "fatal"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult is the structured outcome every tool returns.
type ToolResult struct {
	OK          bool              `json:"ok"`
	ErrorCode   shared.ErrorCode  `json:"error_code,omitempty"`
	Message     string            `json:"message,omitempty"`
	Summary     string            `json:"summary,omitempty"`
	Terminal    bool              `json:"terminal,omitempty"`
	TaskOutcome string            `json:"task_outcome,omitempty"`
	FailureMode string            `json:"failure_mode,omitempty"`
	Text        string            `json:"text,omitempty"`
	UI          map[string]any    `json:"ui,omitempty"`
	Payload     workqueue.Payload `json:"payload,omitempty"`
}

func okResult(text string) ToolResult {
	return ToolResult{OK: true, Text: text}
}

// failResult builds a failed result. Policy, unknown-tool and argument
// errors are recoverable so the model can correct itself.
func failResult(code shared.ErrorCode, format string, args ...any) ToolResult {
	mode := FailureRecoverable
	switch code {
	case shared.CodeInternal, shared.CodeCancelled:
		mode = FailureFatal
	}
	return ToolResult{
		OK:          false,
		ErrorCode:   code,
		Message:     fmt.Sprintf(format, args...),
		FailureMode: mode,
	}
}

// Recoverable reports whether a failed result may be retried in-loop. An
// unset failure mode counts as recoverable.
func (r ToolResult) Recoverable() bool {
	return !r.OK && r.FailureMode != FailureFatal
}

// DisplayText is the best human-readable line for the result.
func (r ToolResult) DisplayText() string {
	switch {
	case r.Text != "":
		return r.Text
	case r.Summary != "":
		return r.Summary
	case r.Message != "":
		return r.Message
	case !r.OK && r.ErrorCode != "":
		return string(r.ErrorCode)
	}
	return ""
}

// transcript renders the result as the JSON line fed back to the model.
func (r ToolResult) transcript() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"ok":%t,"message":%q}`, r.OK, r.DisplayText())
	}
	return string(b)
}
