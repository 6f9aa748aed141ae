package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/clawforge/internal/orchestrator"
	"github.com/basket/clawforge/internal/persistence"
	"github.com/basket/clawforge/internal/shared"
)

type handlerFixture struct {
	store   *persistence.Store
	taskID  string
	handler *orchestrator.EventHandler
	now     time.Time
}

func newHandlerFixture(t *testing.T, cfg orchestrator.HandlerConfig) *handlerFixture {
	t.Helper()
	store := openStore(t)
	ctx := context.Background()
	env, err := store.Inbox().Submit(ctx, persistence.SubmitRequest{
		Source: persistence.SourceChat, Goal: "ship the release", UserID: "u1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := store.Inbox().Start(ctx, env.TaskID, "test"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := store.Sessions().Begin(ctx, "s1", env.TaskID, "u1", "ship the release"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	f := &handlerFixture{store: store, taskID: env.TaskID, now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	f.handler = orchestrator.NewEventHandler(
		orchestrator.TurnScope{SessionID: "s1", TaskID: env.TaskID},
		cfg,
		orchestrator.WithSessions(store.Sessions()),
		orchestrator.WithTaskInbox(store.Inbox()),
		orchestrator.WithHandlerClock(func() time.Time { return f.now }),
	)
	return f
}

func (f *handlerFixture) inboxStatus(t *testing.T) persistence.InboxStatus {
	t.Helper()
	env, err := f.store.Inbox().Get(context.Background(), f.taskID)
	if err != nil {
		t.Fatalf("inbox get: %v", err)
	}
	return env.Status
}

func (f *handlerFixture) session(t *testing.T) *persistence.SessionTask {
	t.Helper()
	st, err := f.store.Sessions().Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("session get: %v", err)
	}
	return st
}

func finished(call string, res orchestrator.ToolResult) orchestrator.Event {
	return orchestrator.Event{
		Type:   orchestrator.EventToolCallFinished,
		Turn:   1,
		Call:   orchestrator.ToolCall{Name: call},
		Result: &res,
	}
}

func TestEventHandler_TerminalDoneStopsAndCompletes(t *testing.T) {
	f := newHandlerFixture(t, orchestrator.HandlerConfig{RecoveryBudget: 1})
	ctx := context.Background()

	dir := f.handler.Handle(ctx, finished("finish_task", orchestrator.ToolResult{
		OK: true, Terminal: true, TaskOutcome: orchestrator.OutcomeDone, Text: "released v1.2",
	}))
	if !dir.Stop || dir.FinalText != "released v1.2" {
		t.Fatalf("unexpected directive: %+v", dir)
	}
	if got := f.inboxStatus(t); got != persistence.InboxCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if st := f.session(t); st.Status != persistence.SessionDone || st.Preview != "released v1.2" {
		t.Fatalf("unexpected session: %+v", st)
	}

	// A later final response must not override the terminal result.
	dir = f.handler.Handle(ctx, orchestrator.Event{Type: orchestrator.EventFinalResponse, Text: "something else"})
	if !dir.Stop || dir.FinalText != "released v1.2" {
		t.Fatalf("final response overrode terminal result: %+v", dir)
	}
}

func TestEventHandler_PartialWaitsForUser(t *testing.T) {
	f := newHandlerFixture(t, orchestrator.HandlerConfig{ConfirmTimeout: 10 * time.Minute})

	dir := f.handler.Handle(context.Background(), finished("ask_user", orchestrator.ToolResult{
		OK: true, Terminal: true, TaskOutcome: orchestrator.OutcomePartial, Text: "Deploy to prod?",
	}))
	if dir.Stop {
		t.Fatalf("partial result must not stop the loop: %+v", dir)
	}
	if dir.UI["type"] != "confirm" || dir.UI["confirm_deadline"] != "2026-05-04T09:10:00Z" {
		t.Fatalf("unexpected UI: %+v", dir.UI)
	}
	st := f.handler.State()
	if !st.Blocked || st.Outcome != orchestrator.OutcomePartial {
		t.Fatalf("unexpected state: %+v", st)
	}
	sess := f.session(t)
	if sess.Status != persistence.SessionWaitingUser || sess.ConfirmDeadline == nil ||
		!sess.ConfirmDeadline.Equal(f.now.Add(10*time.Minute)) {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if got := f.inboxStatus(t); got != persistence.InboxRunning {
		t.Fatalf("expected running, got %s", got)
	}
}

func TestEventHandler_NonTerminalSuccessContinues(t *testing.T) {
	f := newHandlerFixture(t, orchestrator.HandlerConfig{})
	dir := f.handler.Handle(context.Background(), finished("read_file", orchestrator.ToolResult{OK: true, Text: "contents"}))
	if dir.Stop || dir.Inject != "" {
		t.Fatalf("expected continue, got %+v", dir)
	}
	if f.handler.State().Completed {
		t.Fatal("turn must not be completed")
	}
}

func TestEventHandler_RecoverableFailureWithinBudget(t *testing.T) {
	f := newHandlerFixture(t, orchestrator.HandlerConfig{RecoveryBudget: 1})
	ctx := context.Background()
	bad := orchestrator.ToolResult{OK: false, ErrorCode: shared.CodeInvalidArgs, FailureMode: orchestrator.FailureRecoverable, Message: "path missing"}

	if dir := f.handler.Handle(ctx, finished("read_file", bad)); dir.Stop {
		t.Fatalf("first failure should be retried: %+v", dir)
	}
	retry := f.handler.Handle(ctx, orchestrator.Event{Type: orchestrator.EventRetryAfterFailure})
	if retry.Stop || retry.Inject == "" {
		t.Fatalf("expected an inject directive, got %+v", retry)
	}
	if got := f.handler.State().RecoveryAttempts; got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}

	dir := f.handler.Handle(ctx, finished("read_file", bad))
	if !dir.Stop {
		t.Fatalf("budget exhausted, expected stop: %+v", dir)
	}
	if st := f.handler.State(); st.Outcome != "failed" || st.ErrorCode != shared.CodeInvalidArgs {
		t.Fatalf("unexpected state: %+v", st)
	}
	if got := f.inboxStatus(t); got != persistence.InboxFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if st := f.session(t); st.Status != persistence.SessionFailed {
		t.Fatalf("expected failed session, got %s", st.Status)
	}
}

func TestEventHandler_FatalFailureStopsImmediately(t *testing.T) {
	f := newHandlerFixture(t, orchestrator.HandlerConfig{RecoveryBudget: 5})
	dir := f.handler.Handle(context.Background(), finished("run_shell", orchestrator.ToolResult{
		OK: false, ErrorCode: shared.CodeCancelled, FailureMode: orchestrator.FailureFatal,
	}))
	if !dir.Stop || f.handler.State().ErrorCode != shared.CodeCancelled {
		t.Fatalf("expected fatal stop, got %+v state=%+v", dir, f.handler.State())
	}
}

func TestEventHandler_MaxTurnsUsesPreview(t *testing.T) {
	f := newHandlerFixture(t, orchestrator.HandlerConfig{PreviewChars: 5})
	ctx := context.Background()

	f.handler.Handle(ctx, finished("dispatch_worker", orchestrator.ToolResult{
		OK: true, Terminal: true, TaskOutcome: orchestrator.OutcomePartial, Text: "halfway there",
	}))
	dir := f.handler.Handle(ctx, orchestrator.Event{Type: orchestrator.EventMaxTurnLimit})
	if !dir.Stop || dir.FinalText != "halfway there" {
		t.Fatalf("unexpected directive: %+v", dir)
	}
	if st := f.handler.State(); st.Outcome != orchestrator.OutcomeDone || st.Preview != "halfw…" {
		t.Fatalf("unexpected state: %+v", st)
	}
	if got := f.inboxStatus(t); got != persistence.InboxCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

func TestEventHandler_MaxTurnsWithoutPreviewFails(t *testing.T) {
	f := newHandlerFixture(t, orchestrator.HandlerConfig{})
	dir := f.handler.Handle(context.Background(), orchestrator.Event{Type: orchestrator.EventMaxTurnLimit})
	if !dir.Stop || f.handler.State().ErrorCode != shared.CodeMaxTurnLimit {
		t.Fatalf("expected max_turn_limit failure, got %+v", dir)
	}
	if got := f.inboxStatus(t); got != persistence.InboxFailed {
		t.Fatalf("expected failed, got %s", got)
	}
}

func TestEventHandler_LoopGuardFails(t *testing.T) {
	f := newHandlerFixture(t, orchestrator.HandlerConfig{})
	dir := f.handler.Handle(context.Background(), orchestrator.Event{
		Type: orchestrator.EventLoopGuard,
		Call: orchestrator.ToolCall{Name: "list_files"},
	})
	if !dir.Stop || f.handler.State().ErrorCode != shared.CodeLoopGuard {
		t.Fatalf("expected loop guard failure, got %+v", dir)
	}
}

func TestEventHandler_TurnStartPulsesLiveness(t *testing.T) {
	store := openStore(t)
	pulses := 0
	h := orchestrator.NewEventHandler(orchestrator.TurnScope{}, orchestrator.HandlerConfig{},
		orchestrator.WithSessions(store.Sessions()),
		orchestrator.WithLiveness(func(context.Context) error {
			pulses++
			return nil
		}),
	)
	for i := 1; i <= 3; i++ {
		h.Handle(context.Background(), orchestrator.Event{Type: orchestrator.EventTurnStart, Turn: i})
	}
	if pulses != 3 {
		t.Fatalf("expected 3 pulses, got %d", pulses)
	}
}

func TestEventHandler_WithoutScopeSkipsBookkeeping(t *testing.T) {
	h := orchestrator.NewEventHandler(orchestrator.TurnScope{}, orchestrator.HandlerConfig{})
	dir := h.Handle(context.Background(), orchestrator.Event{Type: orchestrator.EventFinalResponse, Text: " done "})
	if !dir.Stop || dir.FinalText != "done" || h.State().Outcome != "reply" {
		t.Fatalf("unexpected directive: %+v state=%+v", dir, h.State())
	}
}
