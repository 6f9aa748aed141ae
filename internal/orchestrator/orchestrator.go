package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/clawforge/internal/channels"
	"github.com/basket/clawforge/internal/config"
	"github.com/basket/clawforge/internal/otel"
	"github.com/basket/clawforge/internal/persistence"
	"github.com/basket/clawforge/internal/policy"
	"github.com/basket/clawforge/internal/shared"
	"github.com/basket/clawforge/internal/worker"
	"github.com/basket/clawforge/internal/workqueue"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Orchestrator runs the bounded tool-calling loop for the manager and for
// in-process workers.
type Orchestrator struct {
	model      Model
	dispatcher *Dispatcher
	cfg        config.OrchestratorConfig
	sessions   *persistence.Sessions
	inbox      *persistence.Inbox
	channels   *channels.Registry
	logger     *slog.Logger
	metrics    *otel.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

type Option func(*Orchestrator)

// WithStore tracks turns in the store's Task Inbox and session tables.
func WithStore(s *persistence.Store) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.sessions = s.Sessions()
			o.inbox = s.Inbox()
		}
	}
}

func WithChannels(r *channels.Registry) Option {
	return func(o *Orchestrator) { o.channels = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *otel.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func New(model Model, dispatcher *Dispatcher, cfg config.OrchestratorConfig, opts ...Option) *Orchestrator {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 12
	}
	if cfg.LoopGuardRepeat <= 0 {
		cfg.LoopGuardRepeat = 3
	}
	o := &Orchestrator{
		model:      model,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TurnRequest is one unit of work for the loop.
type TurnRequest struct {
	Identity  string
	UserID    string
	SessionID string
	// TaskID adopts an existing Task Inbox entry. When empty a new entry
	// is submitted unless Untracked is set.
	TaskID    string
	Untracked bool
	Source    string
	Goal      string
	Channel   channels.Adapter
	ChatID    string
	Liveness  LivenessFunc
	Progress  worker.ProgressFunc
}

// TurnResult is the outcome of a finished turn.
type TurnResult struct {
	OK        bool
	Text      string
	UI        map[string]any
	Outcome   string
	ErrorCode shared.ErrorCode
	TaskID    string
	Turns     int
	Payload   workqueue.Payload
}

// Run drives the model until a terminal tool, a plain-text answer, the
// turn limit or the loop guard ends the turn. Failures are reported in the
// result; the error is non-nil only for invalid requests.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest) (TurnResult, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return TurnResult{}, errors.New("goal is required")
	}
	identity := req.Identity
	if identity == "" {
		identity = shared.ManagerIdentity
	}
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	ctx = shared.WithIdentity(ctx, identity)

	taskID := o.openTask(ctx, req, goal)
	if taskID != "" {
		ctx = shared.WithTaskID(ctx, taskID)
	}
	if req.SessionID != "" {
		ctx = shared.WithSessionID(ctx, req.SessionID)
		if o.sessions != nil && !req.Untracked {
			if _, err := o.sessions.Begin(ctx, req.SessionID, taskID, req.UserID, goal); err != nil {
				o.logger.Warn("session begin failed", "session_id", req.SessionID, "error", err)
			}
		}
	}
	if req.UserID != "" {
		ctx = shared.WithUserID(ctx, req.UserID)
	}

	ctx, span := otel.StartSpan(ctx, o.tracer, "orchestrator.run",
		otel.AttrIdentity.String(identity),
		otel.AttrTaskID.String(taskID),
		otel.AttrUserID.String(req.UserID),
	)
	defer span.End()

	scope := TurnScope{TaskID: taskID}
	hopts := []HandlerOption{
		WithHandlerLogger(o.logger),
		WithHandlerClock(o.now),
		WithLiveness(req.Liveness),
	}
	if !req.Untracked {
		scope.SessionID = req.SessionID
		hopts = append(hopts, WithSessions(o.sessions), WithTaskInbox(o.inbox))
	}
	handler := NewEventHandler(scope, HandlerConfig{
		RecoveryBudget: o.cfg.RecoveryBudget,
		ConfirmTimeout: time.Duration(o.cfg.ConfirmTimeoutMinutes) * time.Minute,
		PreviewChars:   o.cfg.PreviewChars,
	}, hopts...)

	env := CallEnv{
		Identity:  identity,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		TaskID:    taskID,
		Source:    req.Source,
		Channel:   req.Channel,
		ChatID:    req.ChatID,
	}
	l := &loop{
		o:        o,
		handler:  handler,
		guard:    NewLoopGuard(o.cfg.LoopGuardRepeat),
		env:      env,
		progress: req.Progress,
	}
	dir, turns := l.run(ctx, identity, goal)

	st := handler.State()
	res := TurnResult{
		OK:        st.Outcome != "failed",
		Text:      dir.FinalText,
		UI:        dir.UI,
		Outcome:   st.Outcome,
		ErrorCode: st.ErrorCode,
		TaskID:    taskID,
		Turns:     turns,
	}
	if st.Result != nil {
		res.Payload = st.Result.Payload
	}
	if !res.OK {
		span.SetStatus(codes.Error, string(res.ErrorCode))
	}
	o.logger.Info("turn finished",
		"identity", identity, "task_id", taskID, "outcome", res.Outcome,
		"error_code", res.ErrorCode, "turns", turns, "trace_id", shared.TraceID(ctx))
	return res, nil
}

// openTask adopts or submits the Task Inbox entry and marks it running.
func (o *Orchestrator) openTask(ctx context.Context, req TurnRequest, goal string) string {
	if o.inbox == nil || req.Untracked {
		return req.TaskID
	}
	taskID := req.TaskID
	if taskID == "" {
		env, err := o.inbox.Submit(ctx, persistence.SubmitRequest{
			Source:        sourceOf(req.Source),
			Goal:          goal,
			UserID:        req.UserID,
			RequiresReply: req.Channel != nil,
			Metadata:      map[string]any{"session_id": req.SessionID},
		})
		if err != nil {
			o.logger.Warn("inbox submit failed", "error", err)
			return ""
		}
		taskID = env.TaskID
	}
	if _, err := o.inbox.Start(ctx, taskID, "manager turn started"); err != nil && !errors.Is(err, persistence.ErrInvalidTransition) {
		o.logger.Warn("inbox start failed", "task_id", taskID, "error", err)
	}
	return taskID
}

type loop struct {
	o          *Orchestrator
	handler    *EventHandler
	guard      *LoopGuard
	env        CallEnv
	progress   worker.ProgressFunc
	transcript []Message
	completed  []string
}

func (l *loop) run(ctx context.Context, identity, goal string) (Directive, int) {
	tools := l.o.dispatcher.Tools(identity)
	inject := ""
	for turn := 1; turn <= l.o.cfg.MaxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return l.handler.Abort(ctx, shared.ClassifyError(err), "Stopped: the task was cancelled."), turn - 1
		}
		l.handler.Handle(ctx, Event{Type: EventTurnStart, Turn: turn})
		l.o.metrics.RecordTurn(ctx, identity)

		mt, err := l.o.model.Next(ctx, ModelRequest{
			Identity:   identity,
			Goal:       goal,
			Tools:      tools,
			Transcript: l.transcript,
			Inject:     inject,
			Turn:       turn,
		})
		inject = ""
		if err != nil {
			de, ok := isDecisionError(err)
			if !ok {
				l.o.logger.Error("model turn failed", "identity", identity, "turn", turn, "error", err)
				return l.handler.Abort(ctx, shared.ClassifyError(err), "Sorry, I could not reach the model to finish this task."), turn
			}
			res := failResult(shared.CodeInvalidArgs, "%v", de.Err)
			l.transcript = append(l.transcript,
				Message{Role: RoleModel, Content: de.Raw},
				Message{Role: RoleTool, Content: "decision: " + res.transcript()})
			if dir := l.handler.Handle(ctx, Event{Type: EventToolCallFinished, Turn: turn, Call: ToolCall{Name: "decision"}, Result: &res}); dir.Stop {
				return dir, turn
			}
			dir := l.handler.Handle(ctx, Event{Type: EventRetryAfterFailure, Turn: turn})
			if dir.Stop {
				return dir, turn
			}
			inject = dir.Inject
			continue
		}

		if len(mt.Calls) == 0 {
			return l.handler.Handle(ctx, Event{Type: EventFinalResponse, Turn: turn, Text: mt.Text}), turn
		}
		l.transcript = append(l.transcript, Message{Role: RoleModel, Content: modelContent(mt)})

		for _, call := range mt.Calls {
			if l.guard.Observe(call) {
				return l.handler.Handle(ctx, Event{Type: EventLoopGuard, Turn: turn, Call: call}), turn
			}
			l.handler.Handle(ctx, Event{Type: EventToolCallStarted, Turn: turn, Call: call})
			l.report(call.Name)

			res := l.o.dispatcher.Dispatch(ctx, l.env, call)
			l.completed = append(l.completed, call.Name)
			l.transcript = append(l.transcript, Message{Role: RoleTool, Content: call.Name + ": " + res.transcript()})

			dir := l.handler.Handle(ctx, Event{Type: EventToolCallFinished, Turn: turn, Call: call, Result: &res})
			if dir.Stop {
				return dir, turn
			}
			if l.handler.State().Blocked {
				return dir, turn
			}
			if !res.OK {
				retry := l.handler.Handle(ctx, Event{Type: EventRetryAfterFailure, Turn: turn, Call: call})
				if retry.Stop {
					return retry, turn
				}
				inject = retry.Inject
				break
			}
		}
	}
	return l.handler.Handle(ctx, Event{Type: EventMaxTurnLimit}), l.o.cfg.MaxTurns
}

func (l *loop) report(current string) {
	if l.progress == nil {
		return
	}
	l.progress(workqueue.Progress{
		Completed: append([]string(nil), l.completed...),
		Current:   current,
		UpdatedAt: time.Now(),
	})
}

func modelContent(mt ModelTurn) string {
	b, err := json.Marshal(struct {
		Text  string     `json:"text,omitempty"`
		Calls []ToolCall `json:"calls"`
	}{mt.Text, mt.Calls})
	if err != nil {
		return fmt.Sprintf("%d tool calls", len(mt.Calls))
	}
	return string(b)
}

// RunAgent runs the loop headlessly for a worker identity. The Worker
// Runtime owns the Task Inbox record, so the turn is untracked here.
func (o *Orchestrator) RunAgent(ctx context.Context, req worker.AgentRequest) (workqueue.Result, error) {
	if strings.TrimSpace(req.Identity) == "" || !policy.IsWorkerIdentity(req.Identity) {
		err := fmt.Errorf("agent run needs a worker identity, got %q", req.Identity)
		return workqueue.Result{OK: false, Error: err.Error(), ErrorCode: string(shared.CodePolicyBlocked)}, err
	}
	userID, _ := req.Metadata[workqueue.MetaUserID].(string)
	tr, err := o.Run(ctx, TurnRequest{
		Identity:  req.Identity,
		UserID:    userID,
		Untracked: true,
		Source:    persistence.SourceSystem,
		Goal:      req.Goal,
		Progress:  req.Progress,
	})
	if err != nil {
		return workqueue.Result{OK: false, Error: err.Error(), ErrorCode: string(shared.CodeInvalidArgs)}, err
	}
	res := workqueue.Result{
		OK:          tr.OK,
		Text:        tr.Text,
		UI:          tr.UI,
		Payload:     tr.Payload,
		RuntimeMode: worker.ModeInProcess,
	}
	if !tr.OK {
		res.Error = tr.Text
		res.ErrorCode = string(tr.ErrorCode)
	}
	if cerr := ctx.Err(); cerr != nil {
		return res, cerr
	}
	return res, nil
}

var _ worker.AgentRunner = (*Orchestrator)(nil)
