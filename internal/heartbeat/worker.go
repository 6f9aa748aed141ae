// Package heartbeat runs the per-user periodic cycle that originates work
// without a user prompt.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/clawforge/internal/bus"
	"github.com/basket/clawforge/internal/channels"
	"github.com/basket/clawforge/internal/config"
	"github.com/basket/clawforge/internal/cron"
	"github.com/basket/clawforge/internal/orchestrator"
	"github.com/basket/clawforge/internal/otel"
	"github.com/basket/clawforge/internal/persistence"
	"github.com/basket/clawforge/internal/shared"
)

// NoopSentinel is the reply a heartbeat task gives when nothing needs the
// user's attention. Such results are never delivered.
const NoopSentinel = "HEARTBEAT_OK"

const goalSuffix = "\n\nThis is a scheduled background check. If nothing needs the user's attention, reply exactly " + NoopSentinel + "."

// Reasons a cycle is skipped.
const (
	SkipNotDue = "not_due"
	SkipLocked = "locked"
)

// ErrLockLost is reported when the heartbeat lock was taken over mid-batch.
var ErrLockLost = errors.New("heartbeat lock lost")

// TurnRunner runs one orchestrator turn.
type TurnRunner interface {
	Run(ctx context.Context, req orchestrator.TurnRequest) (orchestrator.TurnResult, error)
}

// Report summarizes one per-user cycle.
type Report struct {
	UserID    string
	Skipped   string
	TaskIDs   []string
	Parts     int
	Delivered bool
	Error     string
}

type Worker struct {
	heartbeats *persistence.Heartbeats
	inbox      *persistence.Inbox
	runner     TurnRunner
	channels   *channels.Registry
	detectors  []Detector
	schedule   string
	lockTTL    time.Duration
	refresh    time.Duration
	interval   time.Duration
	bus        *bus.Bus
	metrics    *otel.Metrics
	logger     *slog.Logger
	now        func() time.Time

	sched *cron.Scheduler
}

type Option func(*Worker)

func WithChannels(r *channels.Registry) Option {
	return func(w *Worker) { w.channels = r }
}

func WithDetectors(ds ...Detector) Option {
	return func(w *Worker) { w.detectors = append(w.detectors, ds...) }
}

func WithBus(b *bus.Bus) Option {
	return func(w *Worker) { w.bus = b }
}

func WithMetrics(m *otel.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

func New(store *persistence.Store, runner TurnRunner, cfg config.HeartbeatConfig, opts ...Option) *Worker {
	w := &Worker{
		heartbeats: store.Heartbeats(),
		inbox:      store.Inbox(),
		runner:     runner,
		schedule:   cfg.Schedule,
		lockTTL:    time.Duration(cfg.LockTTLSeconds) * time.Second,
		refresh:    time.Duration(cfg.LockRefreshSeconds) * time.Second,
		interval:   time.Duration(cfg.TickSeconds) * time.Second,
		logger:     slog.Default(),
		now:        time.Now,
	}
	if w.schedule == "" {
		w.schedule = "*/30 * * * *"
	}
	if w.lockTTL <= 0 {
		w.lockTTL = 5 * time.Minute
	}
	if w.refresh <= 0 || w.refresh >= w.lockTTL {
		w.refresh = w.lockTTL / 3
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "heartbeat")
	return w
}

// Start runs Tick on the configured interval until Stop.
func (w *Worker) Start(ctx context.Context) {
	w.sched = cron.NewScheduler(cron.Config{
		Name:     "heartbeat",
		Logger:   w.logger,
		Interval: w.interval,
		Tick:     func(ctx context.Context) { _ = w.Tick(ctx) },
	})
	w.sched.Start(ctx)
}

func (w *Worker) Stop() {
	if w.sched != nil {
		w.sched.Stop()
	}
}

// Tick runs one cycle for every known user. A failing user never stops the
// others; the error returned is only for listing users.
func (w *Worker) Tick(ctx context.Context) error {
	users, err := w.heartbeats.ListUsers(ctx)
	if err != nil {
		w.logger.Error("list heartbeat users failed", "error", err)
		return err
	}
	for _, u := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rep, err := w.RunUser(ctx, u)
		if err != nil {
			w.logger.Error("heartbeat cycle failed", "user_id", u, "error", err)
			continue
		}
		if rep.Skipped == "" {
			w.logger.Info("heartbeat cycle finished",
				"user_id", u, "tasks", len(rep.TaskIDs), "delivered", rep.Delivered, "last_error", rep.Error)
		}
	}
	return nil
}

// ShouldRun applies the rate limit: the schedule must be due and no live
// lock may be held.
func (w *Worker) ShouldRun(st *persistence.HeartbeatState, now time.Time) bool {
	if st.Locked(now) {
		return false
	}
	due, err := cron.Due(w.schedule, st.LastRunAt, now)
	if err != nil {
		w.logger.Error("invalid heartbeat schedule", "schedule", w.schedule, "error", err)
		return false
	}
	return due
}

// RunUser runs one cycle for userID under the heartbeat lock. The returned
// error covers storage failures only; task failures land in Report.Error
// and the user's last_error.
func (w *Worker) RunUser(ctx context.Context, userID string) (Report, error) {
	rep := Report{UserID: userID}
	start := w.now()
	st, err := w.heartbeats.Get(ctx, userID)
	if err != nil {
		return rep, err
	}
	if st.Locked(start) {
		rep.Skipped = SkipLocked
		w.metrics.RecordHeartbeat(ctx, SkipLocked)
		return rep, nil
	}
	if !w.ShouldRun(st, start) {
		rep.Skipped = SkipNotDue
		w.metrics.RecordHeartbeat(ctx, "skipped")
		return rep, nil
	}

	token, ok, err := w.heartbeats.Acquire(ctx, userID, w.lockTTL)
	if err != nil {
		return rep, fmt.Errorf("%s: %w", shared.CodeLockBusy, err)
	}
	if !ok {
		rep.Skipped = SkipLocked
		w.metrics.RecordHeartbeat(ctx, SkipLocked)
		return rep, nil
	}
	l := &lease{w: w, userID: userID, token: token, refreshed: start}
	defer func() {
		if err := w.heartbeats.Release(context.WithoutCancel(ctx), userID, token); err != nil {
			w.logger.Warn("heartbeat lock release failed", "user_id", userID, "error", err)
		}
	}()

	ctx = shared.WithUserID(shared.WithTraceID(ctx, shared.NewTraceID()), userID)
	specs, detectErrs := w.buildSpecs(ctx, st, start)
	parts, failures := w.runBatch(ctx, l, st, specs, &rep)
	failures = append(detectErrs, failures...)

	if len(parts) > 0 {
		rep.Parts = len(parts)
		rep.Delivered = w.deliver(ctx, st, parts)
	}
	rep.Error = strings.Join(failures, "; ")
	if err := w.heartbeats.RecordRun(ctx, userID, start, rep.Error); err != nil {
		w.logger.Warn("record heartbeat run failed", "user_id", userID, "error", err)
	}

	outcome := "quiet"
	switch {
	case rep.Error != "":
		outcome = "failed"
	case rep.Delivered:
		outcome = "delivered"
	}
	w.metrics.RecordHeartbeat(ctx, outcome)
	w.bus.Publish(bus.TopicHeartbeatRun, bus.HeartbeatRunEvent{
		UserID:    userID,
		Tasks:     len(rep.TaskIDs),
		Delivered: rep.Delivered,
		Error:     rep.Error,
	})
	return rep, nil
}

func (w *Worker) buildSpecs(ctx context.Context, st *persistence.HeartbeatState, now time.Time) ([]TaskSpec, []string) {
	specs := checklistSpecs(st.Checklist)
	var failures []string
	for _, d := range w.detectors {
		found, err := d.Detect(ctx, st, now)
		if err != nil {
			w.logger.Warn("heartbeat detector failed", "detector", d.Name(), "user_id", st.UserID, "error", err)
			failures = append(failures, d.Name()+": "+err.Error())
			continue
		}
		specs = append(specs, found...)
	}
	return specs, failures
}

// runBatch runs every spec headlessly and returns the non-trivial outputs.
func (w *Worker) runBatch(ctx context.Context, l *lease, st *persistence.HeartbeatState, specs []TaskSpec, rep *Report) ([]string, []string) {
	var parts, failures []string
	for _, spec := range specs {
		if err := l.keepAlive(ctx, false); err != nil {
			failures = append(failures, err.Error())
			break
		}
		meta := map[string]any{"heartbeat_kind": spec.Kind}
		for k, v := range spec.Metadata {
			meta[k] = v
		}
		env, err := w.inbox.Submit(ctx, persistence.SubmitRequest{
			Source:   persistence.SourceHeartbeat,
			Goal:     spec.Goal,
			UserID:   st.UserID,
			Priority: spec.Priority,
			Metadata: meta,
		})
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: submit: %v", spec.Kind, err))
			continue
		}
		rep.TaskIDs = append(rep.TaskIDs, env.TaskID)

		text, err := w.runSpec(ctx, l, st, spec, env.TaskID)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", spec.Kind, err))
			continue
		}
		if !Trivial(text) {
			parts = append(parts, text)
		}
	}
	return parts, failures
}

func (w *Worker) runSpec(ctx context.Context, l *lease, st *persistence.HeartbeatState, spec TaskSpec, taskID string) (string, error) {
	limit := channels.TelegramMaxMessageLen
	if a, ok := w.target(st); ok {
		limit = a.MaxMessageLen()
	}
	rec := channels.NewHeadlessRecorder("heartbeat", limit)
	res, err := w.runner.Run(ctx, orchestrator.TurnRequest{
		Identity: shared.ManagerIdentity,
		UserID:   st.UserID,
		TaskID:   taskID,
		Source:   persistence.SourceHeartbeat,
		Goal:     spec.Goal + goalSuffix,
		Channel:  rec,
		ChatID:   "heartbeat:" + st.UserID,
		Liveness: func(ctx context.Context) error { return l.keepAlive(ctx, false) },
	})
	if err != nil {
		w.settle(ctx, taskID, false, "", err.Error())
		return "", err
	}

	var out []string
	if t := strings.TrimSpace(rec.Text()); t != "" {
		out = append(out, t)
	}
	if t := strings.TrimSpace(res.Text); t != "" && (len(out) == 0 || t != out[0]) {
		out = append(out, t)
	}
	text := stripSentinel(strings.Join(out, "\n\n"))
	if !res.OK {
		w.settle(ctx, taskID, false, "", res.Text)
		return "", fmt.Errorf("%s: %s", res.ErrorCode, res.Text)
	}
	w.settle(ctx, taskID, true, text, "")
	return text, nil
}

// settle finishes the inbox entry if the turn left it open, which happens
// when a headless turn ends waiting on a user who is not there.
func (w *Worker) settle(ctx context.Context, taskID string, ok bool, text, errMsg string) {
	env, err := w.inbox.Get(ctx, taskID)
	if err != nil {
		w.logger.Warn("heartbeat task lookup failed", "task_id", taskID, "error", err)
		return
	}
	if env.Status.Terminal() {
		return
	}
	if env.Status == persistence.InboxPending {
		if _, err := w.inbox.Start(ctx, taskID, "heartbeat run"); err != nil {
			w.logger.Warn("heartbeat task start failed", "task_id", taskID, "error", err)
		}
	}
	if ok {
		if text == "" {
			text = NoopSentinel
		}
		_, err = w.inbox.Complete(ctx, taskID, nil, text, nil)
	} else {
		_, err = w.inbox.Fail(ctx, taskID, errMsg, nil, nil)
	}
	if err != nil && !errors.Is(err, persistence.ErrInvalidTransition) {
		w.logger.Warn("heartbeat task settle failed", "task_id", taskID, "error", err)
	}
}

func (w *Worker) target(st *persistence.HeartbeatState) (channels.Adapter, bool) {
	if !st.DeliveryTarget.Valid() {
		return nil, false
	}
	return w.channels.Get(st.DeliveryTarget.Platform)
}

// deliver pushes the concatenated parts to the user's delivery target.
func (w *Worker) deliver(ctx context.Context, st *persistence.HeartbeatState, parts []string) bool {
	a, ok := w.target(st)
	if !ok {
		w.logger.Warn("heartbeat output has no delivery target",
			"user_id", st.UserID, "platform", st.DeliveryTarget.Platform)
		return false
	}
	n, err := channels.SendChunked(ctx, a, st.DeliveryTarget.ChatID, strings.Join(parts, "\n\n"))
	if err != nil {
		w.logger.Error("heartbeat delivery failed", "user_id", st.UserID, "sent", n, "error", err)
		return false
	}
	return true
}

// Trivial reports whether text carries nothing worth delivering.
func Trivial(text string) bool {
	return strings.TrimSpace(stripSentinel(text)) == ""
}

func stripSentinel(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		if strings.EqualFold(strings.Trim(strings.TrimSpace(line), "`*.\"'"), NoopSentinel) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// lease keeps the heartbeat lock alive during a batch.
type lease struct {
	w         *Worker
	userID    string
	token     string
	refreshed time.Time
	lost      bool
}

// keepAlive refreshes the lock once the refresh interval has passed, or
// always when force is set.
func (l *lease) keepAlive(ctx context.Context, force bool) error {
	if l.lost {
		return ErrLockLost
	}
	now := l.w.now()
	if !force && now.Sub(l.refreshed) < l.w.refresh {
		return nil
	}
	ok, err := l.w.heartbeats.Refresh(ctx, l.userID, l.token, l.w.lockTTL)
	if err != nil {
		return fmt.Errorf("refresh heartbeat lock: %w", err)
	}
	if !ok {
		l.lost = true
		return ErrLockLost
	}
	l.refreshed = now
	return nil
}
