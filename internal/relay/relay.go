// Package relay delivers finished worker jobs, and progress on long-running
// ones, back to the chat that asked for them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/basket/clawforge/internal/bus"
	"github.com/basket/clawforge/internal/channels"
	"github.com/basket/clawforge/internal/config"
	"github.com/basket/clawforge/internal/cron"
	"github.com/basket/clawforge/internal/otel"
	"github.com/basket/clawforge/internal/persistence"
	"github.com/basket/clawforge/internal/workqueue"
)

const instructionPreview = 80

// Report counts what one tick did.
type Report struct {
	Expired    int
	Pings      int
	Delivered  int
	NoTarget   int
	Suppressed int
	Retry      int
}

type Relay struct {
	queue      *workqueue.Queue
	store      *persistence.Store
	heartbeats *persistence.Heartbeats
	inbox      *persistence.Inbox
	channels   *channels.Registry
	bus        *bus.Bus
	metrics    *otel.Metrics
	logger     *slog.Logger
	now        func() time.Time

	interval time.Duration
	notice   time.Duration
	repeat   time.Duration
	stale    time.Duration
	batch    int

	sched  *cron.Scheduler
	sub    *bus.Subscription
	subWG  sync.WaitGroup
	cancel context.CancelFunc
}

type Option func(*Relay)

func WithChannels(r *channels.Registry) Option {
	return func(rl *Relay) { rl.channels = r }
}

// WithBus makes the relay wake early whenever a job finishes.
func WithBus(b *bus.Bus) Option {
	return func(rl *Relay) { rl.bus = b }
}

func WithMetrics(m *otel.Metrics) Option {
	return func(rl *Relay) { rl.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(rl *Relay) {
		if l != nil {
			rl.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(rl *Relay) {
		if now != nil {
			rl.now = now
		}
	}
}

func seconds(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}

func New(q *workqueue.Queue, store *persistence.Store, cfg config.RelayConfig, opts ...Option) *Relay {
	r := &Relay{
		queue:      q,
		store:      store,
		heartbeats: store.Heartbeats(),
		inbox:      store.Inbox(),
		logger:     slog.Default(),
		now:        time.Now,
		interval:   seconds(cfg.TickSeconds, 5),
		notice:     seconds(cfg.ProgressNoticeSeconds, 60),
		repeat:     seconds(cfg.ProgressRepeatSeconds, 300),
		stale:      seconds(cfg.ProgressStaleSeconds, 900),
		batch:      cfg.BatchLimit,
	}
	if r.batch <= 0 {
		r.batch = 50
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "relay")
	return r
}

// Start runs Tick on the configured interval until Stop.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.sched = cron.NewScheduler(cron.Config{
		Name:     "relay",
		Logger:   r.logger,
		Interval: r.interval,
		Tick:     func(ctx context.Context) { _, _ = r.Tick(ctx) },
	})
	if r.bus != nil {
		r.sub = r.bus.Subscribe(bus.TopicJobFinished, bus.TopicJobCancelled)
		r.subWG.Add(1)
		go r.wake(ctx, r.sub)
	}
	r.sched.Start(ctx)
}

func (r *Relay) wake(ctx context.Context, sub *bus.Subscription) {
	defer r.subWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Ch():
			if !ok {
				return
			}
			r.sched.Kick()
		}
	}
}

func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.sched != nil {
		r.sched.Stop()
	}
	r.bus.Unsubscribe(r.sub)
	r.subWG.Wait()
}

// Tick expires overdue confirmations, pings long-running jobs and delivers
// finished ones. Individual failures are logged and retried next tick.
func (r *Relay) Tick(ctx context.Context) (Report, error) {
	var rep Report
	rep.Expired = r.expireSessions(ctx)

	running, err := r.queue.ListRunning(ctx)
	if err != nil {
		r.logger.Error("list running jobs failed", "error", err)
	} else {
		for _, job := range running {
			if r.ping(ctx, job) {
				rep.Pings++
			}
		}
	}

	done, err := r.queue.ListUndelivered(ctx, r.batch)
	if err != nil {
		r.logger.Error("list undelivered jobs failed", "error", err)
		return rep, err
	}
	for _, job := range done {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		detail, err := r.Deliver(ctx, job)
		if err != nil {
			rep.Retry++
			r.logger.Warn("job delivery failed", "job_id", job.JobID, "worker_id", job.WorkerID, "error", err)
			continue
		}
		switch detail {
		case workqueue.DetailDelivered:
			rep.Delivered++
		case workqueue.DetailNoDeliveryTarget:
			rep.NoTarget++
		case workqueue.DetailSuppressed:
			rep.Suppressed++
		}
	}
	return rep, nil
}

// expireSessions fails overdue waiting_user sessions and their inbox tasks.
func (r *Relay) expireSessions(ctx context.Context) int {
	expired, err := r.store.ExpireWaitingSessions(ctx)
	if err != nil {
		r.logger.Error("expire waiting sessions failed", "error", err)
		return 0
	}
	for _, st := range expired {
		r.logger.Info("confirmation expired", "session_id", st.SessionID, "task_id", st.TaskID, "user_id", st.UserID)
		if st.TaskID == "" {
			continue
		}
		_, err := r.inbox.Fail(ctx, st.TaskID, persistence.ReasonConfirmationTimeout, nil, nil)
		if err != nil && !errors.Is(err, persistence.ErrInvalidTransition) && !errors.Is(err, persistence.ErrNotFound) {
			r.logger.Warn("fail expired task", "task_id", st.TaskID, "error", err)
		}
	}
	return len(expired)
}

// target resolves the job's delivery target: explicit metadata when its
// platform has a live adapter, else the user's default.
func (r *Relay) target(ctx context.Context, job workqueue.Job) (workqueue.DeliveryTarget, channels.Adapter, bool) {
	if t, ok := job.DeliveryTarget(); ok {
		if a, found := r.channels.Get(t.Platform); found && !channels.IsHeadless(a) {
			return t, a, true
		}
		r.logger.Info("explicit delivery target unroutable; trying user default", "job_id", job.JobID, "platform", t.Platform)
	}
	if job.UserID() == "" {
		return workqueue.DeliveryTarget{}, nil, false
	}
	st, err := r.heartbeats.Get(ctx, job.UserID())
	if err != nil {
		r.logger.Warn("default delivery target lookup failed", "user_id", job.UserID(), "error", err)
		return workqueue.DeliveryTarget{}, nil, false
	}
	if !st.DeliveryTarget.Valid() {
		return workqueue.DeliveryTarget{}, nil, false
	}
	a, found := r.channels.Get(st.DeliveryTarget.Platform)
	if !found {
		return st.DeliveryTarget, nil, false
	}
	return st.DeliveryTarget, a, true
}

// ping sends a "still working" notice for a long-running job. It reports
// whether a notice went out.
func (r *Relay) ping(ctx context.Context, job workqueue.Job) bool {
	if job.SuppressDelivery() || job.CancelRequested() {
		return false
	}
	now := r.now()
	started := job.CreatedAt
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	if now.Sub(started) < r.notice {
		return false
	}
	if last, ok := job.LastProgressNotice(); ok && now.Sub(last) < r.repeat {
		return false
	}
	progress, hasProgress := job.Progress()
	if hasProgress && !progress.UpdatedAt.IsZero() && now.Sub(progress.UpdatedAt) > r.stale {
		return false
	}
	t, a, ok := r.target(ctx, job)
	if !ok {
		return false
	}
	text := ProgressText(job, progress, now.Sub(started))
	if _, err := channels.SendChunked(ctx, a, t.ChatID, text); err != nil {
		r.logger.Warn("progress notice failed", "job_id", job.JobID, "error", err)
		return false
	}
	if _, err := r.queue.UpdateMetadata(ctx, job.JobID, workqueue.MetaLastProgressNotice, now.UTC().Format(time.RFC3339Nano)); err != nil {
		r.logger.Warn("stamp progress notice failed", "job_id", job.JobID, "error", err)
	}
	return true
}

// Deliver sends one terminal job to its target and marks it delivered. The
// returned detail is what was recorded in history. A send error leaves the
// job undelivered for the next tick; files sent before the error are
// remembered on the job and not sent again.
func (r *Relay) Deliver(ctx context.Context, job workqueue.Job) (string, error) {
	if job.SuppressDelivery() || job.CancelRequested() {
		return r.mark(ctx, job, workqueue.DetailSuppressed)
	}
	t, a, ok := r.target(ctx, job)
	if !ok {
		r.logger.Warn("job has no delivery target", "job_id", job.JobID, "user_id", job.UserID(), "platform", t.Platform)
		return r.mark(ctx, job, workqueue.DetailNoDeliveryTarget)
	}

	var files []workqueue.File
	if job.Result != nil {
		files = DedupeFiles(job.Result.Payload.Files)
	}
	sent := job.DeliveredFiles()
	for _, f := range files {
		key := fileKey(f)
		if slices.Contains(sent, key) {
			continue
		}
		if _, err := os.Stat(f.Path); err != nil {
			r.logger.Warn("skipping missing job file", "job_id", job.JobID, "path", f.Path, "error", err)
			continue
		}
		kind, name := ConvertForPlatform(a.Name(), f)
		if _, err := channels.SendFile(ctx, a, t.ChatID, kind, f.Path, name, f.Caption); err != nil {
			return "", fmt.Errorf("send file %s: %w", name, err)
		}
		sent = append(sent, key)
		if _, err := r.queue.UpdateMetadata(ctx, job.JobID, workqueue.MetaDeliveredFiles, sent); err != nil {
			r.logger.Warn("record sent file failed", "job_id", job.JobID, "file", name, "error", err)
		}
	}
	if text := ResultText(job); text != "" {
		if _, err := channels.SendChunked(ctx, a, t.ChatID, text); err != nil {
			return "", fmt.Errorf("send result text: %w", err)
		}
	}
	return r.mark(ctx, job, workqueue.DetailDelivered)
}

func (r *Relay) mark(ctx context.Context, job workqueue.Job, detail string) (string, error) {
	if _, err := r.queue.MarkDelivered(ctx, job.JobID, detail); err != nil {
		return "", err
	}
	r.metrics.RecordDelivery(ctx, detail)
	r.logger.Info("job delivered", "job_id", job.JobID, "worker_id", job.WorkerID, "detail", detail)
	return detail, nil
}

func fileKey(f workqueue.File) string {
	return f.Kind + "\x00" + fileName(f)
}

func fileName(f workqueue.File) string {
	if f.Filename != "" {
		return f.Filename
	}
	return filepath.Base(f.Path)
}

// DedupeFiles keeps the first file for each (kind, filename) pair.
func DedupeFiles(files []workqueue.File) []workqueue.File {
	seen := make(map[string]struct{}, len(files))
	var out []workqueue.File
	for _, f := range files {
		if strings.TrimSpace(f.Path) == "" {
			continue
		}
		kind := strings.ToLower(f.Kind)
		if kind == "" {
			kind = "document"
		}
		key := kind + "\x00" + fileName(f)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		f.Kind = kind
		out = append(out, f)
	}
	return out
}

// markdownExt is the extension markdown documents are renamed to on
// platforms that do not preview markdown attachments.
var markdownExt = map[string]string{
	"telegram": ".txt",
}

var textDocExts = map[string]bool{
	".md": true, ".markdown": true, ".txt": true, ".log": true,
	".csv": true, ".json": true, ".yaml": true, ".yml": true,
}

// ConvertForPlatform returns the kind and filename to send f with on
// platform. Text documents always go out as documents.
func ConvertForPlatform(platform string, f workqueue.File) (kind, filename string) {
	kind, filename = f.Kind, fileName(f)
	ext := strings.ToLower(filepath.Ext(filename))
	if !textDocExts[ext] {
		return kind, filename
	}
	kind = "document"
	if ext == ".md" || ext == ".markdown" {
		if repl, ok := markdownExt[strings.ToLower(platform)]; ok {
			filename = strings.TrimSuffix(filename, filepath.Ext(filename)) + repl
		}
	}
	return kind, filename
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > instructionPreview {
		return string(r[:instructionPreview-1]) + "…"
	}
	return s
}

// ResultText renders a terminal job as the message sent to the user.
func ResultText(job workqueue.Job) string {
	if job.Status == workqueue.StatusDone {
		if job.Result != nil && strings.TrimSpace(job.Result.Text) != "" {
			return job.Result.Text
		}
		return fmt.Sprintf("Worker %s finished: %s", job.WorkerID, preview(job.Instruction))
	}
	msg := job.Error
	code := ""
	if job.Result != nil {
		if msg == "" {
			msg = job.Result.Error
		}
		code = job.Result.ErrorCode
	}
	if msg == "" {
		msg = "no error detail"
	}
	if code != "" {
		return fmt.Sprintf("Worker %s failed (%s): %s", job.WorkerID, code, msg)
	}
	return fmt.Sprintf("Worker %s failed: %s", job.WorkerID, msg)
}

// ProgressText renders a "still working" notice.
func ProgressText(job workqueue.Job, p workqueue.Progress, elapsed time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Still working on %q (worker %s, %s elapsed).", preview(job.Instruction), job.WorkerID, elapsed.Round(time.Second))
	if len(p.Completed) > 0 {
		fmt.Fprintf(&b, "\nDone: %s", strings.Join(p.Completed, "; "))
	}
	if p.Current != "" {
		fmt.Fprintf(&b, "\nNow: %s", p.Current)
	}
	return b.String()
}
