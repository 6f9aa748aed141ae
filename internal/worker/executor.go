package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/clawforge/internal/shared"
	"github.com/basket/clawforge/internal/workqueue"
)

// ExecutorConfig configures a worker execution daemon.
type ExecutorConfig struct {
	// WorkerID restricts claims to one worker's queue; empty claims across all.
	WorkerID           string
	ClaimerID          string
	Concurrency        int
	PollInterval       time.Duration
	CancelPollInterval time.Duration
	TaskTimeout        time.Duration
	// RecoverInterval is how often jobs with a lapsed lease are requeued.
	RecoverInterval time.Duration
}

type ExecutorStatus struct {
	WorkerID    string `json:"worker_id,omitempty"`
	ClaimerID   string `json:"claimer_id"`
	Concurrency int    `json:"concurrency"`
	ActiveJobs  int32  `json:"active_jobs"`
	LastError   string `json:"last_error,omitempty"`
}

// Executor claims jobs from the queue and runs them through the Runtime.
type Executor struct {
	queue   *workqueue.Queue
	runtime *Runtime
	config  ExecutorConfig
	logger  *slog.Logger

	once sync.Once
	wg   sync.WaitGroup

	activeJobs atomic.Int32
	lastError  atomic.Pointer[string]
}

func NewExecutor(q *workqueue.Queue, rt *Runtime, cfg ExecutorConfig, logger *slog.Logger) *Executor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = 2 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.RecoverInterval <= 0 {
		cfg.RecoverInterval = 30 * time.Second
	}
	if cfg.ClaimerID == "" {
		cfg.ClaimerID = "executor-" + shared.NewTraceID()[:8]
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		queue:   q,
		runtime: rt,
		config:  cfg,
		logger:  logger.With("component", "executor", "claimer_id", cfg.ClaimerID),
	}
}

// Start requeues jobs this claimer or a dead one left running, then
// launches the claim loops and a periodic sweep for lapsed leases. It is
// safe to call more than once.
func (e *Executor) Start(ctx context.Context) {
	e.once.Do(func() {
		e.recover(ctx, e.config.ClaimerID)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ticker := time.NewTicker(e.config.RecoverInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					// Our own claims are live now; only lapsed leases qualify.
					e.recover(ctx, "")
				}
			}
		}()
		for i := 0; i < e.config.Concurrency; i++ {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.loop(ctx)
			}()
		}
	})
}

func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) Status() ExecutorStatus {
	st := ExecutorStatus{
		WorkerID:    e.config.WorkerID,
		ClaimerID:   e.config.ClaimerID,
		Concurrency: e.config.Concurrency,
		ActiveJobs:  e.activeJobs.Load(),
	}
	if p := e.lastError.Load(); p != nil {
		st.LastError = *p
	}
	return st
}

func (e *Executor) recover(ctx context.Context, claimerID string) {
	workers := []string{e.config.WorkerID}
	if e.config.WorkerID == "" {
		var err error
		if workers, err = e.queue.Workers(); err != nil {
			e.setLastError(err)
			return
		}
	}
	for _, w := range workers {
		n, err := e.queue.RecoverRunningTasks(ctx, w, claimerID)
		if err != nil {
			e.setLastError(fmt.Errorf("recover %s: %w", w, err))
			e.logger.Error("job recovery failed", "worker_id", w, "error", err)
			continue
		}
		if n > 0 {
			e.logger.Info("requeued abandoned jobs", "worker_id", w, "count", n)
		}
	}
}

func (e *Executor) loop(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		claimed, err := e.RunOnce(ctx)
		if err != nil {
			e.setLastError(err)
			if errors.Is(err, workqueue.ErrLockTimeout) {
				e.logger.Warn("claim skipped: queue lock busy", "error", err)
			} else if ctx.Err() == nil {
				e.logger.Error("claim failed", "error", err)
			}
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims at most one job and executes it to completion. It reports
// whether a job was claimed.
func (e *Executor) RunOnce(ctx context.Context) (bool, error) {
	job, err := e.queue.ClaimNext(ctx, e.config.ClaimerID, e.config.WorkerID)
	if err != nil || job == nil {
		return false, err
	}
	e.handle(ctx, *job)
	return true, nil
}

func (e *Executor) handle(ctx context.Context, job workqueue.Job) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithJobID(ctx, job.JobID)
	ctx = shared.WithUserID(ctx, job.UserID())
	if job.SessionID != "" {
		ctx = shared.WithSessionID(ctx, job.SessionID)
	}
	log := e.logger.With("job_id", job.JobID, "worker_id", job.WorkerID, "trace_id", traceID)
	log.Info("job started", "backend", job.Backend, "source", job.Source)

	e.activeJobs.Add(1)
	defer e.activeJobs.Add(-1)

	taskID := e.runtime.OpenRecord(ctx, job)
	if taskID != "" && job.TaskID() == "" {
		if _, err := e.queue.UpdateMetadata(ctx, job.JobID, workqueue.MetaTaskID, taskID); err != nil {
			log.Warn("task id not recorded on job", "task_id", taskID, "error", err)
		}
	}

	if job.CancelRequested() {
		res := cancelledResult(job)
		e.runtime.RecordCancelled(ctx, taskID, res.Error)
		e.finish(ctx, log, job, res)
		return
	}

	causeCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	jobCtx, cancel := context.WithTimeout(causeCtx, e.config.TaskTimeout)
	defer cancel()

	// Cancellation checkpoint: the flag is polled while the job runs and the
	// execution context is cancelled once it is seen. The same tick keeps
	// the claim's lease alive.
	var cancelSeen atomic.Bool
	go func() {
		ticker := time.NewTicker(e.config.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if _, err := e.queue.HeartbeatLease(context.Background(), job.JobID, e.config.ClaimerID); errors.Is(err, workqueue.ErrLeaseLost) {
					log.Warn("lease lost; stopping job", "error", err)
					stop(err)
					return
				}
				if cancelled, _ := e.queue.IsCancelRequested(context.Background(), job.JobID); cancelled {
					cancelSeen.Store(true)
					log.Info("cancel requested; stopping job")
					stop(ErrJobCancelled)
					return
				}
			}
		}
	}()

	jobCtx = WithProgress(jobCtx, func(p workqueue.Progress) {
		if _, err := e.queue.UpdateRunningProgress(context.Background(), job.JobID, e.config.ClaimerID, p); err != nil {
			log.Debug("progress update failed", "error", err)
		}
	})

	meta := map[string]any{"job_id": job.JobID}
	for k, v := range job.Metadata {
		meta[k] = v
	}
	if taskID != "" {
		meta[workqueue.MetaTaskID] = taskID
	}
	res, err := e.runtime.ExecuteTask(jobCtx, job.WorkerID, job.Source, job.Instruction, job.Backend, meta)
	if err != nil {
		log.Warn("job execution error", "error", err, "error_code", res.ErrorCode)
	}

	// A flag raised after the run returned keeps the real result; delivery
	// is still suppressed by the flag.
	if cancelSeen.Load() {
		res = cancelledResult(job)
	}
	e.finish(ctx, log, job, res)
}

func cancelledResult(job workqueue.Job) workqueue.Result {
	reason, _ := job.Metadata[workqueue.MetaCancelReason].(string)
	msg := "cancelled"
	if reason != "" {
		msg = "cancelled: " + reason
	}
	return workqueue.Result{OK: false, Error: msg, ErrorCode: string(shared.CodeCancelled), Backend: job.Backend}
}

// finish records the outcome. Lock timeouts are retried a few times with
// the poll interval as backoff; the job stays running (and is recovered on
// restart) if every attempt fails.
func (e *Executor) finish(ctx context.Context, log *slog.Logger, job workqueue.Job, res workqueue.Result) {
	ctx = context.WithoutCancel(ctx)
	for attempt := 0; attempt < 3; attempt++ {
		_, err := e.queue.Finish(ctx, job.JobID, e.config.ClaimerID, res.OK, &res, res.Error)
		if err == nil {
			log.Info("job finished", "ok", res.OK, "error_code", res.ErrorCode, "runtime_mode", res.RuntimeMode)
			return
		}
		e.setLastError(err)
		if errors.Is(err, workqueue.ErrLeaseLost) {
			log.Warn("result dropped: job now held by another claimer", "error", err)
			return
		}
		if !errors.Is(err, workqueue.ErrLockTimeout) {
			log.Error("finish failed", "error", err)
			return
		}
		time.Sleep(e.config.PollInterval)
	}
	log.Error("finish abandoned after lock timeouts; job will be recovered on restart")
}

func (e *Executor) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	e.lastError.Store(&msg)
}
