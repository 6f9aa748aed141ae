package workqueue

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/clawforge/internal/bus"
	"github.com/basket/clawforge/internal/otel"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	schemaVersion = 1
	fileType      = "worker_queue"

	defaultLockTimeout = 5 * time.Second
	defaultLeaseTTL    = 30 * time.Second
	lockRetryDelay     = 10 * time.Millisecond
	historyTailBytes   = 64 * 1024
)

var (
	// ErrLockTimeout is returned when a queue file lock could not be acquired
	// within the configured bound. Callers decide their own backoff.
	ErrLockTimeout = errors.New("lock_busy: queue lock timeout")
	// ErrNotFound is returned when a job id is not in any live queue.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidWorkerID rejects ids that cannot be used as a file name.
	ErrInvalidWorkerID = errors.New("invalid worker id")
	// ErrLeaseLost is returned when a claimer touches a running job that is
	// now claimed by someone else.
	ErrLeaseLost = errors.New("job lease held by another claimer")
)

var workerIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

type queueFile struct {
	SchemaVersion int       `json:"schema_version"`
	FileType      string    `json:"file_type"`
	WorkerID      string    `json:"worker_id"`
	UpdatedAt     time.Time `json:"updated_at"`
	Tasks         []Job     `json:"tasks"`
}

// CancelReport summarizes a CancelForUser call.
type CancelReport struct {
	PendingCancelled int      `json:"pending_cancelled"`
	RunningSignaled  int      `json:"running_signaled"`
	JobIDs           []string `json:"job_ids"`
	// TaskIDs are the Task Inbox entries of the archived pending jobs.
	TaskIDs []string `json:"task_ids,omitempty"`
}

// Queue is the per-worker file-backed job queue. Each worker owns
// <dir>/<worker>.json guarded by <dir>/<worker>.lock, plus an append-only
// <dir>/history/<worker>.jsonl.
type Queue struct {
	dir         string
	lockTimeout time.Duration
	leaseTTL    time.Duration
	bus         *bus.Bus
	metrics     *otel.Metrics
	logger      *slog.Logger
	now         func() time.Time

	// index caches job id -> worker id. It is only a hint; every read is
	// verified under the worker's lock.
	index sync.Map
}

// Option configures a Queue.
type Option func(*Queue)

func WithLockTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.lockTimeout = d
		}
	}
}

// WithLeaseTTL sets how long a claim stays valid without HeartbeatLease.
func WithLeaseTTL(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.leaseTTL = d
		}
	}
}

func WithBus(b *bus.Bus) Option {
	return func(q *Queue) { q.bus = b }
}

func WithMetrics(m *otel.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Open prepares dir for queue files.
func Open(dir string, opts ...Option) (*Queue, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("queue dir is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, "history"), 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	q := &Queue{
		dir:         dir,
		lockTimeout: defaultLockTimeout,
		leaseTTL:    defaultLeaseTTL,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *Queue) Dir() string { return q.dir }

func (q *Queue) queuePath(workerID string) string {
	return filepath.Join(q.dir, workerID+".json")
}

func (q *Queue) lockPath(workerID string) string {
	return filepath.Join(q.dir, workerID+".lock")
}

func (q *Queue) historyPath(workerID string) string {
	return filepath.Join(q.dir, "history", workerID+".jsonl")
}

func validWorkerID(workerID string) error {
	if !workerIDPattern.MatchString(workerID) {
		return fmt.Errorf("%w: %q", ErrInvalidWorkerID, workerID)
	}
	return nil
}

// withLock runs fn against the worker's queue file while holding its
// exclusive lock. The file is rewritten only when fn reports a change.
func (q *Queue) withLock(ctx context.Context, workerID string, fn func(qf *queueFile) (bool, error)) error {
	if err := validWorkerID(workerID); err != nil {
		return err
	}
	lock := flock.New(q.lockPath(workerID))
	lockCtx, cancel := context.WithTimeout(ctx, q.lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, lockRetryDelay)
	if !locked {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("lock queue %s: %w", workerID, err)
		}
		q.metrics.RecordLockTimeout(ctx, "queue")
		return fmt.Errorf("%w (worker %s)", ErrLockTimeout, workerID)
	}
	defer func() { _ = lock.Unlock() }()

	qf, err := q.load(workerID)
	if err != nil {
		return err
	}
	dirty, err := fn(qf)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	qf.UpdatedAt = q.now()
	return q.save(workerID, qf)
}

func (q *Queue) load(workerID string) (*queueFile, error) {
	data, err := os.ReadFile(q.queuePath(workerID))
	if err != nil {
		if os.IsNotExist(err) {
			return &queueFile{SchemaVersion: schemaVersion, FileType: fileType, WorkerID: workerID}, nil
		}
		return nil, fmt.Errorf("read queue %s: %w", workerID, err)
	}
	qf := &queueFile{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, qf); err != nil {
			return nil, fmt.Errorf("parse queue %s: %w", workerID, err)
		}
	}
	if qf.SchemaVersion == 0 {
		qf.SchemaVersion = schemaVersion
	}
	if qf.SchemaVersion > schemaVersion {
		return nil, fmt.Errorf("queue %s: unsupported schema_version %d", workerID, qf.SchemaVersion)
	}
	qf.FileType = fileType
	qf.WorkerID = workerID
	return qf, nil
}

// save writes the queue atomically: temp file, fsync, rename.
func (q *Queue) save(workerID string, qf *queueFile) error {
	if qf.Tasks == nil {
		qf.Tasks = []Job{}
	}
	data, err := json.MarshalIndent(qf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue %s: %w", workerID, err)
	}
	tmp, err := os.CreateTemp(q.dir, workerID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create queue temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write queue temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync queue temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close queue temp: %w", err)
	}
	if err := os.Rename(tmpName, q.queuePath(workerID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace queue %s: %w", workerID, err)
	}
	return nil
}

func (q *Queue) appendHistory(workerID string, rec HistoryRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}
	f, err := os.OpenFile(q.historyPath(workerID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history %s: %w", workerID, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append history %s: %w", workerID, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync history %s: %w", workerID, err)
	}
	return f.Close()
}

// historyHasJob checks the tail of the history file for jobID. It closes the
// window where a crash lands between the history append and the live rewrite.
func (q *Queue) historyHasJob(workerID, jobID string) bool {
	f, err := os.Open(q.historyPath(workerID))
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return false
	}
	offset := info.Size() - historyTailBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return false
	}
	tail, err := io.ReadAll(f)
	if err != nil {
		return false
	}
	return bytes.Contains(tail, []byte(`"job_id":"`+jobID+`"`))
}

// Workers lists worker ids that have a live queue file, sorted.
func (q *Queue) Workers() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("list queue dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if validWorkerID(id) == nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (q *Queue) publish(topic string, j Job, detail string) {
	q.bus.Publish(topic, bus.JobEvent{
		JobID:    j.JobID,
		WorkerID: j.WorkerID,
		UserID:   j.UserID(),
		Status:   string(j.Status),
		Detail:   detail,
	})
}

// Submit appends a new pending job to the worker's queue.
func (q *Queue) Submit(ctx context.Context, workerID, instruction, source, backend string, metadata map[string]any) (Job, error) {
	if strings.TrimSpace(instruction) == "" {
		return Job{}, fmt.Errorf("instruction is required")
	}
	meta := cloneMeta(metadata)
	sessionID, _ := meta["session_id"].(string)
	job := Job{
		JobID:       uuid.NewString(),
		WorkerID:    workerID,
		SessionID:   sessionID,
		Instruction: instruction,
		Source:      source,
		Backend:     backend,
		Metadata:    meta,
		Status:      StatusPending,
		CreatedAt:   q.now(),
	}
	err := q.withLock(ctx, workerID, func(qf *queueFile) (bool, error) {
		qf.Tasks = append(qf.Tasks, job)
		return true, nil
	})
	if err != nil {
		return Job{}, err
	}
	q.index.Store(job.JobID, workerID)
	q.publish(bus.TopicJobSubmitted, job, "")
	return job, nil
}

// ClaimNext atomically moves the oldest pending job to running. With an
// empty workerID every worker's queue is scanned in name order. It returns
// nil when nothing is pending.
func (q *Queue) ClaimNext(ctx context.Context, claimerID, workerID string) (*Job, error) {
	workers := []string{workerID}
	if workerID == "" {
		var err error
		if workers, err = q.Workers(); err != nil {
			return nil, err
		}
	}
	var firstErr error
	for _, w := range workers {
		job, err := q.claimFrom(ctx, claimerID, w)
		if err != nil {
			if workerID != "" || ctx.Err() != nil {
				return nil, err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, firstErr
}

func (q *Queue) claimFrom(ctx context.Context, claimerID, workerID string) (*Job, error) {
	var claimed *Job
	err := q.withLock(ctx, workerID, func(qf *queueFile) (bool, error) {
		for i := range qf.Tasks {
			j := &qf.Tasks[i]
			if j.Status != StatusPending {
				continue
			}
			now := q.now()
			expires := now.Add(q.leaseTTL)
			j.Status = StatusRunning
			j.ClaimedBy = claimerID
			j.StartedAt = &now
			j.LeaseExpiresAt = &expires
			cp := *j
			cp.Metadata = cloneMeta(j.Metadata)
			claimed = &cp
			return true, nil
		}
		return false, nil
	})
	if err != nil || claimed == nil {
		return nil, err
	}
	q.index.Store(claimed.JobID, workerID)
	q.metrics.RecordClaim(ctx, workerID)
	q.publish(bus.TopicJobClaimed, *claimed, claimerID)
	return claimed, nil
}

// mutateJob locates jobID and applies fn under the owning worker's lock.
func (q *Queue) mutateJob(ctx context.Context, jobID string, fn func(qf *queueFile, idx int) (bool, error)) (bool, error) {
	tryWorker := func(workerID string) (found bool, err error) {
		err = q.withLock(ctx, workerID, func(qf *queueFile) (bool, error) {
			for i := range qf.Tasks {
				if qf.Tasks[i].JobID == jobID {
					found = true
					return fn(qf, i)
				}
			}
			return false, nil
		})
		return found, err
	}

	if hint, ok := q.index.Load(jobID); ok {
		found, err := tryWorker(hint.(string))
		if err != nil || found {
			return found, err
		}
		q.index.Delete(jobID)
	}
	workers, err := q.Workers()
	if err != nil {
		return false, err
	}
	for _, w := range workers {
		found, err := tryWorker(w)
		if err != nil {
			return false, err
		}
		if found {
			q.index.Store(jobID, w)
			return true, nil
		}
	}
	return false, nil
}

// Get returns a copy of a live job.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	var out *Job
	found, err := q.mutateJob(ctx, jobID, func(qf *queueFile, idx int) (bool, error) {
		cp := qf.Tasks[idx]
		cp.Metadata = cloneMeta(cp.Metadata)
		out = &cp
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return out, nil
}

// checkClaimer rejects a claimer that no longer holds the job. An empty
// claimerID skips the check.
func checkClaimer(j *Job, claimerID string) error {
	if claimerID != "" && j.ClaimedBy != claimerID {
		return fmt.Errorf("%w: job %s claimed by %q", ErrLeaseLost, j.JobID, j.ClaimedBy)
	}
	return nil
}

// HeartbeatLease pushes a running job's lease forward. It returns false when
// the job is no longer running; ErrLeaseLost when another claimer holds it.
func (q *Queue) HeartbeatLease(ctx context.Context, jobID, claimerID string) (bool, error) {
	extended := false
	_, err := q.mutateJob(ctx, jobID, func(qf *queueFile, idx int) (bool, error) {
		j := &qf.Tasks[idx]
		if j.Status != StatusRunning {
			return false, nil
		}
		if err := checkClaimer(j, claimerID); err != nil {
			return false, err
		}
		expires := q.now().Add(q.leaseTTL)
		j.LeaseExpiresAt = &expires
		extended = true
		return true, nil
	})
	return extended, err
}

// UpdateRunningProgress merges a progress summary into a running job's
// metadata. It returns false when the job is not running.
func (q *Queue) UpdateRunningProgress(ctx context.Context, jobID, claimerID string, progress Progress) (bool, error) {
	updated := false
	_, err := q.mutateJob(ctx, jobID, func(qf *queueFile, idx int) (bool, error) {
		j := &qf.Tasks[idx]
		if j.Status != StatusRunning {
			return false, nil
		}
		if err := checkClaimer(j, claimerID); err != nil {
			return false, err
		}
		merged, _ := j.Progress()
		if len(progress.Completed) > 0 {
			merged.Completed = progress.Completed
		}
		if progress.Current != "" || len(progress.Completed) > 0 {
			merged.Current = progress.Current
		}
		merged.UpdatedAt = q.now()
		if j.Metadata == nil {
			j.Metadata = map[string]any{}
		}
		j.Metadata[MetaProgress] = toMeta(merged)
		updated = true
		return true, nil
	})
	return updated, err
}

// UpdateMetadata sets key on a live job regardless of status.
func (q *Queue) UpdateMetadata(ctx context.Context, jobID, key string, value any) (bool, error) {
	return q.mutateJob(ctx, jobID, func(qf *queueFile, idx int) (bool, error) {
		j := &qf.Tasks[idx]
		if j.Metadata == nil {
			j.Metadata = map[string]any{}
		}
		j.Metadata[key] = toMeta(value)
		return true, nil
	})
}

// IsCancelRequested reports whether a cooperative cancel was signaled.
// A job that is no longer live counts as cancelled.
func (q *Queue) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	job, err := q.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return job.CancelRequested(), nil
}

// Finish moves a running job to done or failed. It returns nil when the job
// is not running, so repeated calls are harmless, and ErrLeaseLost when
// claimerID no longer holds the job.
func (q *Queue) Finish(ctx context.Context, jobID, claimerID string, ok bool, result *Result, errMsg string) (*Job, error) {
	var finished *Job
	_, err := q.mutateJob(ctx, jobID, func(qf *queueFile, idx int) (bool, error) {
		j := &qf.Tasks[idx]
		if j.Status != StatusRunning {
			return false, nil
		}
		if err := checkClaimer(j, claimerID); err != nil {
			return false, err
		}
		now := q.now()
		j.LeaseExpiresAt = nil
		if ok {
			j.Status = StatusDone
		} else {
			j.Status = StatusFailed
		}
		j.EndedAt = &now
		j.Result = result
		j.Error = errMsg
		cp := *j
		cp.Metadata = cloneMeta(j.Metadata)
		finished = &cp
		return true, nil
	})
	if err != nil || finished == nil {
		return nil, err
	}
	q.publish(bus.TopicJobFinished, *finished, finished.Error)
	return finished, nil
}

func (q *Queue) scan(ctx context.Context, keep func(Job) bool) ([]Job, error) {
	workers, err := q.Workers()
	if err != nil {
		return nil, err
	}
	var out []Job
	for _, w := range workers {
		err := q.withLock(ctx, w, func(qf *queueFile) (bool, error) {
			for _, j := range qf.Tasks {
				if keep(j) {
					j.Metadata = cloneMeta(j.Metadata)
					out = append(out, j)
				}
			}
			return false, nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListUndelivered returns terminal jobs without delivered_at, oldest first.
func (q *Queue) ListUndelivered(ctx context.Context, limit int) ([]Job, error) {
	jobs, err := q.scan(ctx, func(j Job) bool {
		return j.Status.Terminal() && j.DeliveredAt == nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		return endedAt(jobs[a]).Before(endedAt(jobs[b]))
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func endedAt(j Job) time.Time {
	if j.EndedAt != nil {
		return *j.EndedAt
	}
	return j.CreatedAt
}

// ListRunning returns running jobs across all workers.
func (q *Queue) ListRunning(ctx context.Context) ([]Job, error) {
	return q.scan(ctx, func(j Job) bool { return j.Status == StatusRunning })
}

// Depth counts pending and running jobs for one worker.
func (q *Queue) Depth(ctx context.Context, workerID string) (pending, running int, err error) {
	err = q.withLock(ctx, workerID, func(qf *queueFile) (bool, error) {
		for _, j := range qf.Tasks {
			switch j.Status {
			case StatusPending:
				pending++
			case StatusRunning:
				running++
			}
		}
		return false, nil
	})
	return pending, running, err
}

// MarkDelivered stamps delivered_at, appends the job to history and removes
// it from the live queue. Only terminal jobs can be delivered.
func (q *Queue) MarkDelivered(ctx context.Context, jobID, detail string) (bool, error) {
	var delivered *Job
	_, err := q.mutateJob(ctx, jobID, func(qf *queueFile, idx int) (bool, error) {
		j := qf.Tasks[idx]
		if !j.Status.Terminal() {
			return false, nil
		}
		now := q.now()
		j.DeliveredAt = &now
		if !q.historyHasJob(qf.WorkerID, j.JobID) {
			if err := q.appendHistory(qf.WorkerID, HistoryRecord{Job: j, ArchivedAt: now, DeliveryDetail: detail}); err != nil {
				return false, err
			}
		}
		qf.Tasks = append(qf.Tasks[:idx], qf.Tasks[idx+1:]...)
		delivered = &j
		return true, nil
	})
	if err != nil || delivered == nil {
		return false, err
	}
	q.index.Delete(jobID)
	q.publish(bus.TopicJobDelivered, *delivered, detail)
	return true, nil
}

// CancelForUser removes and archives the user's pending jobs. With
// includeRunning, running jobs are flagged cancel_requested and
// suppress_delivery but keep running until their executor stops.
func (q *Queue) CancelForUser(ctx context.Context, userID, reason string, includeRunning bool) (CancelReport, error) {
	report := CancelReport{JobIDs: []string{}}
	if strings.TrimSpace(userID) == "" {
		return report, fmt.Errorf("user id is required")
	}
	workers, err := q.Workers()
	if err != nil {
		return report, err
	}
	var cancelled []Job
	for _, w := range workers {
		err := q.withLock(ctx, w, func(qf *queueFile) (bool, error) {
			dirty := false
			kept := qf.Tasks[:0]
			for _, j := range qf.Tasks {
				if j.UserID() != userID {
					kept = append(kept, j)
					continue
				}
				switch {
				case j.Status == StatusPending:
					now := q.now()
					j.Status = StatusCancelled
					j.EndedAt = &now
					j.DeliveredAt = &now
					j.Error = reason
					if j.Metadata == nil {
						j.Metadata = map[string]any{}
					}
					j.Metadata[MetaCancelReason] = reason
					if !q.historyHasJob(w, j.JobID) {
						if err := q.appendHistory(w, HistoryRecord{Job: j, ArchivedAt: now, DeliveryDetail: DetailCancelled}); err != nil {
							return false, err
						}
					}
					report.PendingCancelled++
					report.JobIDs = append(report.JobIDs, j.JobID)
					if taskID := j.TaskID(); taskID != "" {
						report.TaskIDs = append(report.TaskIDs, taskID)
					}
					cancelled = append(cancelled, j)
					dirty = true
				case j.Status == StatusRunning && includeRunning:
					if j.Metadata == nil {
						j.Metadata = map[string]any{}
					}
					j.Metadata[MetaCancelRequested] = true
					j.Metadata[MetaSuppressDelivery] = true
					j.Metadata[MetaCancelReason] = reason
					report.RunningSignaled++
					report.JobIDs = append(report.JobIDs, j.JobID)
					kept = append(kept, j)
					dirty = true
				default:
					kept = append(kept, j)
				}
			}
			qf.Tasks = kept
			return dirty, nil
		})
		if err != nil {
			return report, err
		}
	}
	for _, j := range cancelled {
		q.index.Delete(j.JobID)
		q.publish(bus.TopicJobCancelled, j, reason)
	}
	return report, nil
}

// RecoverRunningTasks resets abandoned running jobs back to pending: those
// whose lease lapsed, and those still claimed by claimerID from a previous
// life of the same daemon. Jobs another live claimer holds are left alone.
// A requeued job keeps its cancel flag, so its next claim finishes it as
// cancelled. It returns the number requeued.
func (q *Queue) RecoverRunningTasks(ctx context.Context, workerID, claimerID string) (int, error) {
	recovered := 0
	err := q.withLock(ctx, workerID, func(qf *queueFile) (bool, error) {
		now := q.now()
		for i := range qf.Tasks {
			j := &qf.Tasks[i]
			if j.Status != StatusRunning {
				continue
			}
			mine := claimerID != "" && j.ClaimedBy == claimerID
			if !mine && !j.LeaseExpired(now) {
				continue
			}
			q.logger.Info("requeueing abandoned job", "job_id", j.JobID, "worker_id", workerID, "claimed_by", j.ClaimedBy)
			j.Status = StatusPending
			j.ClaimedBy = ""
			j.StartedAt = nil
			j.LeaseExpiresAt = nil
			delete(j.Metadata, MetaProgress)
			delete(j.Metadata, MetaLastProgressNotice)
			recovered++
		}
		return recovered > 0, nil
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		q.logger.Info("recovered running jobs", "worker_id", workerID, "count", recovered)
	}
	return recovered, nil
}

// History returns the archived record for jobID from workerID's history.
func (q *Queue) History(workerID, jobID string) (*HistoryRecord, error) {
	if err := validWorkerID(workerID); err != nil {
		return nil, err
	}
	f, err := os.Open(q.historyPath(workerID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open history: %w", err)
	}
	defer f.Close()

	var found *HistoryRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.Contains(line, []byte(jobID)) {
			continue
		}
		var rec HistoryRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.JobID == jobID {
			r := rec
			found = &r
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}
