package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/clawforge/internal/persistence"
	"github.com/basket/clawforge/internal/shared"
)

// EventType names a tool-loop event.
type EventType string

const (
	EventTurnStart         EventType = "turn_start"
	EventToolCallStarted   EventType = "tool_call_started"
	EventToolCallFinished  EventType = "tool_call_finished"
	EventRetryAfterFailure EventType = "retry_after_failure"
	EventFinalResponse     EventType = "final_response"
	EventMaxTurnLimit      EventType = "max_turn_limit"
	EventLoopGuard         EventType = "loop_guard"
)

// Event is one notification from the loop driver.
type Event struct {
	Type   EventType
	Turn   int
	Call   ToolCall
	Result *ToolResult
	Text   string
}

// Directive tells the loop driver what to do next. The zero value means
// "continue".
type Directive struct {
	Stop      bool
	FinalText string
	// Inject is an instruction to add to the next model turn.
	Inject string
	UI     map[string]any
}

// TurnState is the handler's view of the current turn.
type TurnState struct {
	Blocked          bool
	Completed        bool
	BlockedReason    string
	RecoveryAttempts int
	// Outcome is "done", "partial", "failed" or "reply" once decided.
	Outcome   string
	ErrorCode shared.ErrorCode
	Preview   string
	FinalText string
	Result    *ToolResult
	// ActiveTool is the tool currently executing, if any.
	ActiveTool string
}

// HandlerConfig bounds the handler's behavior.
type HandlerConfig struct {
	RecoveryBudget int
	ConfirmTimeout time.Duration
	PreviewChars   int
}

// TurnScope identifies the records a turn updates. Empty ids skip the
// corresponding bookkeeping.
type TurnScope struct {
	SessionID string
	TaskID    string
}

// LivenessFunc pulses an external liveness marker, e.g. a heartbeat lock.
type LivenessFunc func(ctx context.Context) error

// EventHandler is a per-turn state machine. It reacts to loop events,
// updates session and Task Inbox state, and returns directives. It never
// talks to the model.
type EventHandler struct {
	scope    TurnScope
	cfg      HandlerConfig
	sessions *persistence.Sessions
	inbox    *persistence.Inbox
	liveness LivenessFunc
	logger   *slog.Logger
	now      func() time.Time

	state TurnState
}

type HandlerOption func(*EventHandler)

func WithSessions(s *persistence.Sessions) HandlerOption {
	return func(h *EventHandler) { h.sessions = s }
}

func WithTaskInbox(in *persistence.Inbox) HandlerOption {
	return func(h *EventHandler) { h.inbox = in }
}

func WithLiveness(fn LivenessFunc) HandlerOption {
	return func(h *EventHandler) { h.liveness = fn }
}

func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *EventHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *EventHandler) {
		if now != nil {
			h.now = now
		}
	}
}

func NewEventHandler(scope TurnScope, cfg HandlerConfig, opts ...HandlerOption) *EventHandler {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Minute
	}
	if cfg.PreviewChars <= 0 {
		cfg.PreviewChars = 280
	}
	if cfg.RecoveryBudget < 0 {
		cfg.RecoveryBudget = 0
	}
	h := &EventHandler{
		scope:  scope,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *EventHandler) State() TurnState { return h.state }

// Handle applies ev and returns the resulting directive. Bookkeeping
// failures are logged; they never change the directive.
func (h *EventHandler) Handle(ctx context.Context, ev Event) Directive {
	switch ev.Type {
	case EventTurnStart:
		return h.onTurnStart(ctx)
	case EventToolCallStarted:
		h.state.ActiveTool = ev.Call.Name
		if h.inbox != nil && h.scope.TaskID != "" {
			h.warn(h.inbox.Note(ctx, h.scope.TaskID, "act", "tool "+ev.Call.Name+" started"), "inbox note")
		}
		return Directive{}
	case EventToolCallFinished:
		h.state.ActiveTool = ""
		return h.onToolFinished(ctx, ev)
	case EventRetryAfterFailure:
		return h.onRetry(ctx)
	case EventFinalResponse:
		return h.onFinalResponse(ctx, ev.Text)
	case EventMaxTurnLimit:
		return h.onMaxTurns(ctx)
	case EventLoopGuard:
		msg := fmt.Sprintf("Stopped: the tool %s was repeated too many times without progress.", ev.Call.Name)
		return h.fail(ctx, shared.CodeLoopGuard, msg, nil)
	default:
		h.logger.Warn("unknown orchestrator event", "type", ev.Type)
		return Directive{}
	}
}

func (h *EventHandler) onTurnStart(ctx context.Context) Directive {
	if h.liveness != nil {
		h.warn(h.liveness(ctx), "liveness pulse")
	}
	if h.sessions != nil && h.scope.SessionID != "" {
		h.warn(h.sessions.Touch(ctx, h.scope.SessionID), "session touch")
	}
	return Directive{}
}

func (h *EventHandler) onToolFinished(ctx context.Context, ev Event) Directive {
	if h.state.Completed {
		return Directive{Stop: true, FinalText: h.state.FinalText}
	}
	res := ev.Result
	if res == nil {
		res = &ToolResult{OK: false, ErrorCode: shared.CodeInternal, Message: "tool returned no result", FailureMode: FailureFatal}
	}

	if !res.OK {
		if res.Recoverable() && h.state.RecoveryAttempts < h.cfg.RecoveryBudget {
			h.state.RecoveryAttempts++
			h.logger.Info("recoverable tool failure",
				"tool", ev.Call.Name, "error_code", res.ErrorCode, "attempt", h.state.RecoveryAttempts)
			return Directive{}
		}
		return h.fail(ctx, failureCode(res), friendlyFailure(ev.Call.Name, res), res)
	}

	if !res.Terminal {
		return Directive{}
	}

	text := res.DisplayText()
	h.state.Result = res
	h.state.Preview = h.preview(text)

	if res.TaskOutcome == OutcomePartial {
		return h.waitForUser(ctx, text)
	}

	h.state.Completed = true
	h.state.Outcome = OutcomeDone
	h.state.FinalText = text
	if h.sessions != nil && h.scope.SessionID != "" {
		_, err := h.sessions.SetDone(ctx, h.scope.SessionID, h.state.Preview)
		h.warn(err, "session done")
	}
	if h.inbox != nil && h.scope.TaskID != "" {
		out := &persistence.Output{Text: text, UI: res.UI, Files: res.Payload.Files}
		_, err := h.inbox.Complete(ctx, h.scope.TaskID, res, text, out)
		h.warn(err, "inbox complete")
	}
	return Directive{Stop: true, FinalText: text, UI: res.UI}
}

// waitForUser parks the session until the user confirms or stops.
func (h *EventHandler) waitForUser(ctx context.Context, text string) Directive {
	h.state.Blocked = true
	h.state.BlockedReason = string(persistence.SessionWaitingUser)
	h.state.Outcome = OutcomePartial
	h.state.FinalText = text
	deadline := h.now().Add(h.cfg.ConfirmTimeout)
	if h.sessions != nil && h.scope.SessionID != "" {
		_, err := h.sessions.SetWaiting(ctx, h.scope.SessionID, deadline, h.state.Preview)
		h.warn(err, "session waiting")
	}
	if h.inbox != nil && h.scope.TaskID != "" {
		h.warn(h.inbox.Note(ctx, h.scope.TaskID, "waiting_user", h.state.Preview), "inbox note")
	}
	return Directive{FinalText: text, UI: ConfirmUI(h.scope.SessionID, deadline)}
}

func (h *EventHandler) onRetry(ctx context.Context) Directive {
	if h.state.Completed {
		return Directive{Stop: true, FinalText: h.state.FinalText}
	}
	if h.state.RecoveryAttempts > h.cfg.RecoveryBudget {
		return h.fail(ctx, shared.CodeInternal, "Stopped after repeated tool failures.", nil)
	}
	return Directive{Inject: fmt.Sprintf(
		"The previous tool call failed (attempt %d of %d). Read the error, correct the arguments or choose a different tool, and continue. Do not repeat the same call unchanged.",
		h.state.RecoveryAttempts, h.cfg.RecoveryBudget)}
}

// onFinalResponse ends the turn on plain text. The reply is the task's
// answer, so the session and inbox entry are settled too.
func (h *EventHandler) onFinalResponse(ctx context.Context, text string) Directive {
	if h.state.Completed {
		return Directive{Stop: true, FinalText: h.state.FinalText}
	}
	h.state.Completed = true
	if h.state.Outcome == "" {
		h.state.Outcome = "reply"
	}
	h.state.FinalText = strings.TrimSpace(text)
	h.state.Preview = h.preview(text)
	if h.sessions != nil && h.scope.SessionID != "" {
		h.warn(h.sessions.RecordPreview(ctx, h.scope.SessionID, h.state.Preview), "session preview")
		_, err := h.sessions.SetDone(ctx, h.scope.SessionID, h.state.Preview)
		h.warn(err, "session done")
	}
	if h.inbox != nil && h.scope.TaskID != "" {
		h.warn(h.inbox.Note(ctx, h.scope.TaskID, "final_response", h.state.Preview), "inbox note")
		_, err := h.inbox.Complete(ctx, h.scope.TaskID, nil, h.state.FinalText, nil)
		h.warn(err, "inbox complete")
	}
	return Directive{Stop: true, FinalText: h.state.FinalText}
}

func (h *EventHandler) onMaxTurns(ctx context.Context) Directive {
	if h.state.Completed {
		return Directive{Stop: true, FinalText: h.state.FinalText}
	}
	if h.state.Preview == "" {
		return h.fail(ctx, shared.CodeMaxTurnLimit, "Stopped: the turn limit was reached before the task finished.", nil)
	}
	h.state.Completed = true
	h.state.Outcome = OutcomeDone
	if h.state.FinalText == "" {
		h.state.FinalText = h.state.Preview
	}
	if h.sessions != nil && h.scope.SessionID != "" {
		_, err := h.sessions.SetDone(ctx, h.scope.SessionID, h.state.Preview)
		h.warn(err, "session done")
	}
	if h.inbox != nil && h.scope.TaskID != "" {
		var result any
		if h.state.Result != nil {
			result = h.state.Result
		}
		_, err := h.inbox.Complete(ctx, h.scope.TaskID, result, h.state.FinalText, nil)
		h.warn(err, "inbox complete")
	}
	return Directive{Stop: true, FinalText: h.state.FinalText}
}

// Abort fails the turn for a reason outside the tool loop, such as a model
// error or cancellation.
func (h *EventHandler) Abort(ctx context.Context, code shared.ErrorCode, msg string) Directive {
	if h.state.Completed {
		return Directive{Stop: true, FinalText: h.state.FinalText}
	}
	return h.fail(ctx, code, msg, nil)
}

// fail marks the session and inbox entry failed and stops the loop.
func (h *EventHandler) fail(ctx context.Context, code shared.ErrorCode, msg string, res *ToolResult) Directive {
	h.state.Completed = true
	h.state.Blocked = true
	h.state.BlockedReason = string(code)
	h.state.Outcome = "failed"
	h.state.ErrorCode = code
	h.state.FinalText = msg
	if h.sessions != nil && h.scope.SessionID != "" {
		_, err := h.sessions.SetFailed(ctx, h.scope.SessionID, string(code))
		h.warn(err, "session failed")
	}
	if h.inbox != nil && h.scope.TaskID != "" {
		var result any
		if res != nil {
			result = res
		}
		_, err := h.inbox.Fail(ctx, h.scope.TaskID, msg, result, nil)
		h.warn(err, "inbox fail")
	}
	return Directive{Stop: true, FinalText: msg}
}

func (h *EventHandler) preview(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= h.cfg.PreviewChars {
		return s
	}
	return string(r[:h.cfg.PreviewChars]) + "…"
}

func (h *EventHandler) warn(err error, what string) {
	if err == nil || errors.Is(err, persistence.ErrInvalidTransition) {
		return
	}
	h.logger.Warn("orchestrator bookkeeping failed", "step", what, "error", err,
		"session_id", h.scope.SessionID, "task_id", h.scope.TaskID)
}

func failureCode(res *ToolResult) shared.ErrorCode {
	if res.ErrorCode != "" {
		return res.ErrorCode
	}
	return shared.CodeCommandFailed
}

func friendlyFailure(tool string, res *ToolResult) string {
	detail := res.Message
	if detail == "" {
		detail = res.DisplayText()
	}
	if detail == "" {
		return fmt.Sprintf("Sorry, %s failed and I could not finish the task.", tool)
	}
	return fmt.Sprintf("Sorry, %s failed and I could not finish the task: %s", tool, detail)
}

// ConfirmUI is the confirm/stop quick-reply block attached to partial results.
func ConfirmUI(sessionID string, deadline time.Time) map[string]any {
	return map[string]any{
		"type":             "confirm",
		"session_id":       sessionID,
		"confirm_deadline": deadline.UTC().Format(time.RFC3339),
		"buttons": []map[string]string{
			{"label": "Continue", "action": "confirm"},
			{"label": "Stop", "action": "stop"},
		},
	}
}
