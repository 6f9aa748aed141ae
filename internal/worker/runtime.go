package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/clawforge/internal/otel"
	"github.com/basket/clawforge/internal/persistence"
	"github.com/basket/clawforge/internal/policy"
	"github.com/basket/clawforge/internal/shared"
	"github.com/basket/clawforge/internal/workqueue"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrPolicyBlocked is returned when no backend the worker may use is allowed.
	ErrPolicyBlocked = errors.New("policy_blocked")
	// ErrPrepareFailed is returned when the backend environment is unreachable
	// and no fallback applies.
	ErrPrepareFailed = errors.New("exec_prepare_failed")
	// ErrJobCancelled is the cancel cause set on a job's context when its
	// user asked to stop it.
	ErrJobCancelled = errors.New("job cancelled")
)

// Runtime executes one instruction for a worker against a policy-resolved
// backend and keeps the Task Inbox record in step.
type Runtime struct {
	registry *Registry
	policy   policy.Checker
	backends map[string]Backend
	inbox    *persistence.Inbox
	fallback bool
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
}

type RuntimeOption func(*Runtime)

func WithBackend(b Backend) RuntimeOption {
	return func(r *Runtime) {
		if b != nil {
			r.backends[b.Name()] = b
		}
	}
}

func WithInbox(in *persistence.Inbox) RuntimeOption {
	return func(r *Runtime) { r.inbox = in }
}

// WithFallbackInProcess lets container and shell prepare failures fall back
// to the in-process agent backend.
func WithFallbackInProcess(enabled bool) RuntimeOption {
	return func(r *Runtime) { r.fallback = enabled }
}

func WithRuntimeLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithRuntimeMetrics(m *otel.Metrics) RuntimeOption {
	return func(r *Runtime) { r.metrics = m }
}

func WithTracer(t trace.Tracer) RuntimeOption {
	return func(r *Runtime) { r.tracer = t }
}

func NewRuntime(registry *Registry, checker policy.Checker, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		registry: registry,
		policy:   checker,
		backends: map[string]Backend{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) Registry() *Registry { return r.registry }

// ResolveBackend picks the requested backend when policy allows it, else
// the worker's default when allowed, else fails closed.
func (r *Runtime) ResolveBackend(w Worker, requested string) (string, policy.Detail, error) {
	var candidates []string
	if requested != "" {
		candidates = append(candidates, requested)
	}
	if w.DefaultBackend != "" && w.DefaultBackend != requested {
		candidates = append(candidates, w.DefaultBackend)
	}
	var last policy.Detail
	for _, b := range candidates {
		ok, detail := r.policy.IsBackendAllowed(w.ID, b)
		if ok {
			return b, detail, nil
		}
		last = detail
		r.logger.Info("backend denied by policy", "worker_id", w.ID, "backend", b, "reason", detail.Reason)
	}
	return "", last, fmt.Errorf("%w: worker %s has no allowed backend (%s)", ErrPolicyBlocked, w.ID, last.Reason)
}

// ExecuteTask runs instruction for workerID. The returned Result is always
// populated; the error is non-nil for unknown workers, policy blocks and
// prepare failures without fallback.
func (r *Runtime) ExecuteTask(ctx context.Context, workerID, source, instruction, backend string, metadata map[string]any) (workqueue.Result, error) {
	w, ok := r.registry.Get(workerID)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
		return failure(backend, shared.CodeInvalidArgs, err.Error()), err
	}
	jobID, _ := metadata["job_id"].(string)

	ctx, span := otel.StartSpan(ctx, r.tracer, "worker.execute",
		otel.AttrWorkerID.String(w.ID),
		otel.AttrJobID.String(jobID),
		otel.AttrBackend.String(backend),
	)
	defer span.End()

	taskID := r.beginRecord(ctx, w, source, instruction, metadata)

	name, _, err := r.ResolveBackend(w, backend)
	if err != nil {
		res := failure(backend, shared.CodePolicyBlocked, err.Error())
		r.finishRecord(ctx, taskID, res)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	b, mode, err := r.prepare(ctx, w, name)
	if err != nil {
		res := failure(name, shared.CodeExecPrepareFailed, err.Error())
		r.finishRecord(ctx, taskID, res)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}

	start := time.Now()
	res, runErr := b.Run(ctx, Request{
		Worker:      w,
		JobID:       jobID,
		Source:      source,
		Instruction: instruction,
		Metadata:    metadata,
	})
	if res.Backend == "" {
		res.Backend = b.Name()
	}
	if mode != "" {
		res.RuntimeMode = mode
	}
	if runErr != nil {
		r.logger.Warn("worker run interrupted", "worker_id", w.ID, "backend", res.Backend, "error", runErr)
	}
	r.metrics.RecordJob(ctx, w.ID, res.Backend, res.OK, time.Since(start))
	if !res.OK {
		span.SetStatus(codes.Error, res.Error)
	}
	r.finishRecord(ctx, taskID, res)
	return res, nil
}

// prepare returns the backend to run. A failed prepare falls back to the
// in-process agent backend when enabled and policy-allowed.
func (r *Runtime) prepare(ctx context.Context, w Worker, name string) (Backend, string, error) {
	b, ok := r.backends[name]
	var prepErr error
	if !ok {
		prepErr = fmt.Errorf("backend %q not configured", name)
	} else if prepErr = b.Prepare(ctx); prepErr == nil {
		return b, "", nil
	}

	if r.fallback && name != BackendAgent {
		agent, hasAgent := r.backends[BackendAgent]
		allowed, _ := r.policy.IsBackendAllowed(w.ID, BackendAgent)
		if hasAgent && allowed && agent.Prepare(ctx) == nil {
			r.logger.Warn("backend prepare failed; falling back to in-process",
				"worker_id", w.ID, "backend", name, "error", prepErr)
			return agent, ModeInProcessFallback, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s: %v", ErrPrepareFailed, name, prepErr)
}

func failure(backend string, code shared.ErrorCode, msg string) workqueue.Result {
	return workqueue.Result{
		OK:        false,
		Error:     msg,
		ErrorCode: string(code),
		Backend:   backend,
	}
}

// OpenRecord creates the pending Task Inbox entry for a claimed job that
// carries none, so a cancel or restart can still settle it. It returns ""
// without an inbox or for an unknown worker.
func (r *Runtime) OpenRecord(ctx context.Context, job workqueue.Job) string {
	if r.inbox == nil {
		return ""
	}
	if taskID := job.TaskID(); taskID != "" {
		return taskID
	}
	w, ok := r.registry.Get(job.WorkerID)
	if !ok {
		return ""
	}
	return r.submitRecord(ctx, w, job.Source, job.Instruction, job.UserID())
}

func (r *Runtime) submitRecord(ctx context.Context, w Worker, source, instruction, userID string) string {
	switch source {
	case persistence.SourceChat, persistence.SourceHeartbeat, persistence.SourceSystem:
	default:
		source = persistence.SourceSystem
	}
	env, err := r.inbox.Submit(ctx, persistence.SubmitRequest{
		Source:   source,
		Goal:     instruction,
		UserID:   userID,
		Metadata: map[string]any{"worker_id": w.ID},
	})
	if err != nil {
		r.logger.Warn("inbox record failed", "worker_id", w.ID, "error", err)
		return ""
	}
	return env.TaskID
}

// RecordCancelled settles a task's inbox entry as cancelled. Entries that
// already finished are left as they are.
func (r *Runtime) RecordCancelled(ctx context.Context, taskID, reason string) {
	if r.inbox == nil || taskID == "" {
		return
	}
	if reason == "" {
		reason = "cancelled"
	}
	if _, err := r.inbox.CancelAll(context.WithoutCancel(ctx), []string{taskID}, reason); err != nil {
		r.logger.Warn("inbox cancel failed", "task_id", taskID, "error", err)
	}
}

// beginRecord creates or adopts the Task Inbox entry for this execution and
// marks it running. Bookkeeping failures are logged, never fatal.
func (r *Runtime) beginRecord(ctx context.Context, w Worker, source, instruction string, metadata map[string]any) string {
	if r.inbox == nil {
		return ""
	}
	taskID, _ := metadata[workqueue.MetaTaskID].(string)
	if taskID == "" {
		userID, _ := metadata[workqueue.MetaUserID].(string)
		if taskID = r.submitRecord(ctx, w, source, instruction, userID); taskID == "" {
			return ""
		}
	}
	if _, err := r.inbox.AssignWorker(ctx, taskID, w.ID, "worker runtime", shared.Identity(ctx)); err != nil {
		r.logger.Warn("inbox assign failed", "task_id", taskID, "worker_id", w.ID, "error", err)
	}
	return taskID
}

func (r *Runtime) finishRecord(ctx context.Context, taskID string, res workqueue.Result) {
	if r.inbox == nil || taskID == "" {
		return
	}
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, ErrJobCancelled):
		r.RecordCancelled(ctx, taskID, "cancel requested")
		return
	case errors.Is(cause, workqueue.ErrLeaseLost):
		// The new claimer owns the record now.
		return
	}
	ctx = context.WithoutCancel(ctx)
	var err error
	if res.OK {
		_, err = r.inbox.Complete(ctx, taskID, res, "", nil)
	} else {
		_, err = r.inbox.Fail(ctx, taskID, res.Error, res, nil)
	}
	if err != nil && !errors.Is(err, persistence.ErrInvalidTransition) {
		r.logger.Warn("inbox finish failed", "task_id", taskID, "error", err)
	}
}
