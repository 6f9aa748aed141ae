package relay_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawforge/internal/bus"
	"github.com/basket/clawforge/internal/channels"
	"github.com/basket/clawforge/internal/config"
	"github.com/basket/clawforge/internal/persistence"
	"github.com/basket/clawforge/internal/relay"
	"github.com/basket/clawforge/internal/workqueue"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var chat42 = workqueue.DeliveryTarget{Platform: "telegram", ChatID: "42"}

type fixture struct {
	clock *clock
	store *persistence.Store
	queue *workqueue.Queue
	out   *channels.Recorder
	bus   *bus.Bus
	relay *relay.Relay
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	root := t.TempDir()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(root, "clawforge.db"), b, persistence.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	q, err := workqueue.Open(filepath.Join(root, "queues"), workqueue.WithClock(clk.Now), workqueue.WithBus(b))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	out := channels.NewRecorder("telegram", 4096)
	r := relay.New(q, store, config.RelayConfig{
		TickSeconds:           3600,
		ProgressNoticeSeconds: 60,
		ProgressRepeatSeconds: 300,
		ProgressStaleSeconds:  900,
	}, relay.WithChannels(channels.NewRegistry(out)), relay.WithClock(clk.Now), relay.WithBus(b))
	return &fixture{clock: clk, store: store, queue: q, out: out, bus: b, relay: r}
}

func withTarget(meta map[string]any, t workqueue.DeliveryTarget) map[string]any {
	if meta == nil {
		meta = map[string]any{}
	}
	meta[workqueue.MetaDeliveryTarget] = t
	return meta
}

// runJob submits and claims a job for worker coder.
func (f *fixture) runJob(t *testing.T, instruction string, meta map[string]any) workqueue.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.queue.Submit(ctx, "coder", instruction, persistence.SourceChat, "shell", meta)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	claimed, err := f.queue.ClaimNext(ctx, "test", "coder")
	if err != nil || claimed == nil || claimed.JobID != job.JobID {
		t.Fatalf("claim: job=%v err=%v", claimed, err)
	}
	return *claimed
}

func (f *fixture) finishJob(t *testing.T, instruction string, meta map[string]any, ok bool, res *workqueue.Result, errMsg string) workqueue.Job {
	t.Helper()
	job := f.runJob(t, instruction, meta)
	done, err := f.queue.Finish(context.Background(), job.JobID, "", ok, res, errMsg)
	if err != nil || done == nil {
		t.Fatalf("finish: job=%v err=%v", done, err)
	}
	return *done
}

func (f *fixture) tick(t *testing.T) relay.Report {
	t.Helper()
	rep, err := f.relay.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return rep
}

func historyDetail(t *testing.T, q *workqueue.Queue, jobID string) string {
	t.Helper()
	rec, err := q.History("coder", jobID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return rec.DeliveryDetail
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestDeliver_DuplicateFilesSentOnce(t *testing.T) {
	f := newFixture(t)
	chart := writeFile(t, "chart.png", "png")
	job := f.finishJob(t, "plot sales", withTarget(nil, chat42), true, &workqueue.Result{
		OK:   true,
		Text: "Here is the chart.",
		Payload: workqueue.Payload{Files: []workqueue.File{
			{Kind: "photo", Path: chart, Filename: "chart.png"},
			{Kind: "photo", Path: chart, Filename: "chart.png"},
		}},
	}, "")

	rep := f.tick(t)
	if rep.Delivered != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	recs := f.out.Records()
	if len(recs) != 2 {
		t.Fatalf("expected one file and one message, got %+v", recs)
	}
	if recs[0].Kind != "photo" || recs[0].Filename != "chart.png" || recs[0].ChatID != "42" {
		t.Fatalf("unexpected file record: %+v", recs[0])
	}
	if recs[1].Text != "Here is the chart." {
		t.Fatalf("text must follow files: %+v", recs[1])
	}
	if got := historyDetail(t, f.queue, job.JobID); got != workqueue.DetailDelivered {
		t.Fatalf("history detail %q", got)
	}
	if _, err := f.queue.Get(context.Background(), job.JobID); err == nil {
		t.Fatal("delivered job must leave the live queue")
	}

	if rep := f.tick(t); rep.Delivered != 0 || len(f.out.Records()) != 2 {
		t.Fatalf("job delivered twice: %+v", rep)
	}
}

func TestDeliver_NoTargetMarksDelivered(t *testing.T) {
	f := newFixture(t)
	job := f.finishJob(t, "lint", map[string]any{workqueue.MetaUserID: "u1"}, true, &workqueue.Result{OK: true, Text: "clean"}, "")

	rep := f.tick(t)
	if rep.NoTarget != 1 || len(f.out.Records()) != 0 {
		t.Fatalf("unexpected report: %+v records=%v", rep, f.out.Records())
	}
	if got := historyDetail(t, f.queue, job.JobID); got != workqueue.DetailNoDeliveryTarget {
		t.Fatalf("history detail %q", got)
	}
}

func TestDeliver_MissingAdapterIsSoft(t *testing.T) {
	f := newFixture(t)
	job := f.finishJob(t, "lint", withTarget(nil, workqueue.DeliveryTarget{Platform: "discord", ChatID: "c1"}), true, &workqueue.Result{OK: true, Text: "clean"}, "")

	if rep := f.tick(t); rep.NoTarget != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if got := historyDetail(t, f.queue, job.JobID); got != workqueue.DetailNoDeliveryTarget {
		t.Fatalf("history detail %q", got)
	}
}

func TestDeliver_UsesUserDefaultTarget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.Heartbeats().SetDeliveryTarget(ctx, "u1", chat42); err != nil {
		t.Fatalf("set target: %v", err)
	}
	f.finishJob(t, "build", map[string]any{workqueue.MetaUserID: "u1"}, false, &workqueue.Result{ErrorCode: "command_failed"}, "exit status 2")

	if rep := f.tick(t); rep.Delivered != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	got := f.out.Text()
	if !strings.Contains(got, "failed (command_failed): exit status 2") {
		t.Fatalf("unexpected failure text: %q", got)
	}
}

func TestDeliver_HeadlessTargetFallsBackToUserDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.Heartbeats().SetDeliveryTarget(ctx, "u1", chat42); err != nil {
		t.Fatalf("set target: %v", err)
	}
	// Stamped by a heartbeat turn: the platform is not a live adapter.
	meta := withTarget(map[string]any{workqueue.MetaUserID: "u1"}, workqueue.DeliveryTarget{Platform: "heartbeat", ChatID: "heartbeat:u1"})
	job := f.finishJob(t, "check disk usage", meta, true, &workqueue.Result{OK: true, Text: "disk at 91%"}, "")

	if rep := f.tick(t); rep.Delivered != 1 || rep.NoTarget != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	recs := f.out.Records()
	if len(recs) != 1 || recs[0].ChatID != "42" || !strings.Contains(recs[0].Text, "disk at 91%") {
		t.Fatalf("expected delivery to the default chat, got %+v", recs)
	}
	if got := historyDetail(t, f.queue, job.JobID); got != workqueue.DetailDelivered {
		t.Fatalf("history detail %q", got)
	}
}

// flakyOut fails the first photo send for one filename.
type flakyOut struct {
	*channels.Recorder
	failName string

	mu     sync.Mutex
	failed bool
}

func (o *flakyOut) SendPhoto(ctx context.Context, chatID, path, filename, caption string) (channels.Ack, error) {
	o.mu.Lock()
	fail := filename == o.failName && !o.failed
	if fail {
		o.failed = true
	}
	o.mu.Unlock()
	if fail {
		return channels.Ack{}, errors.New("upload timed out")
	}
	return o.Recorder.SendPhoto(ctx, chatID, path, filename, caption)
}

func TestDeliver_RetryDoesNotResendFiles(t *testing.T) {
	f := newFixture(t)
	out := &flakyOut{Recorder: channels.NewRecorder("telegram", 4096), failName: "b.png"}
	r := relay.New(f.queue, f.store, config.RelayConfig{TickSeconds: 3600},
		relay.WithChannels(channels.NewRegistry(out)), relay.WithClock(f.clock.Now))
	ctx := context.Background()
	a := writeFile(t, "a.png", "a")
	b := writeFile(t, "b.png", "b")
	job := f.finishJob(t, "render", withTarget(nil, chat42), true, &workqueue.Result{
		OK:   true,
		Text: "two charts",
		Payload: workqueue.Payload{Files: []workqueue.File{
			{Kind: "photo", Path: a, Filename: "a.png"},
			{Kind: "photo", Path: b, Filename: "b.png"},
		}},
	}, "")

	if rep, _ := r.Tick(ctx); rep.Delivered != 0 || rep.Retry != 1 {
		t.Fatalf("first tick should fail on b.png: %+v", rep)
	}
	if rep, err := r.Tick(ctx); err != nil || rep.Delivered != 1 {
		t.Fatalf("second tick should deliver: %+v err=%v", rep, err)
	}

	counts := map[string]int{}
	for _, rec := range out.Records() {
		if rec.Kind == "photo" {
			counts[rec.Filename]++
		}
	}
	if counts["a.png"] != 1 || counts["b.png"] != 1 {
		t.Fatalf("each file must be sent exactly once, got %v", counts)
	}
	if got := historyDetail(t, f.queue, job.JobID); got != workqueue.DetailDelivered {
		t.Fatalf("history detail %q", got)
	}
}

func TestDeliver_SuppressedJobSendsNothing(t *testing.T) {
	f := newFixture(t)
	meta := withTarget(map[string]any{workqueue.MetaUserID: "u1"}, chat42)
	job := f.runJob(t, "long scrape", meta)
	ctx := context.Background()

	report, err := f.queue.CancelForUser(ctx, "u1", "stopped by user", true)
	if err != nil || report.RunningSignaled != 1 {
		t.Fatalf("cancel: report=%+v err=%v", report, err)
	}
	if _, err := f.queue.Finish(ctx, job.JobID, "", false, nil, "cancelled"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	if rep := f.tick(t); rep.Suppressed != 1 || len(f.out.Records()) != 0 {
		t.Fatalf("unexpected report: %+v records=%v", rep, f.out.Records())
	}
	if got := historyDetail(t, f.queue, job.JobID); got != workqueue.DetailSuppressed {
		t.Fatalf("history detail %q", got)
	}
}

func TestDeliver_MarkdownConvertedForTelegram(t *testing.T) {
	f := newFixture(t)
	report := writeFile(t, "report.md", "# Report")
	f.finishJob(t, "write report", withTarget(nil, chat42), true, &workqueue.Result{
		OK:      true,
		Payload: workqueue.Payload{Files: []workqueue.File{{Kind: "photo", Path: report}}},
	}, "")

	f.tick(t)
	recs := f.out.Records()
	if len(recs) != 2 {
		t.Fatalf("expected file and summary, got %+v", recs)
	}
	if recs[0].Kind != "document" || recs[0].Filename != "report.txt" {
		t.Fatalf("unexpected conversion: %+v", recs[0])
	}
	if !strings.Contains(recs[1].Text, "Worker coder finished: write report") {
		t.Fatalf("unexpected summary: %q", recs[1].Text)
	}
}

func TestProgressPings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.runJob(t, "crawl the docs site", withTarget(nil, chat42))

	if rep := f.tick(t); rep.Pings != 0 {
		t.Fatalf("no ping before the notice threshold: %+v", rep)
	}

	f.clock.Advance(2 * time.Minute)
	if _, err := f.queue.UpdateRunningProgress(ctx, job.JobID, "", workqueue.Progress{Completed: []string{"index"}, Current: "fetch pages"}); err != nil {
		t.Fatalf("progress: %v", err)
	}
	if rep := f.tick(t); rep.Pings != 1 {
		t.Fatalf("expected a ping: %+v", rep)
	}
	got := f.out.Text()
	if !strings.Contains(got, "Still working") || !strings.Contains(got, "Done: index") || !strings.Contains(got, "Now: fetch pages") {
		t.Fatalf("unexpected notice: %q", got)
	}

	f.clock.Advance(time.Minute)
	if rep := f.tick(t); rep.Pings != 0 {
		t.Fatalf("pings must be rate limited: %+v", rep)
	}

	f.clock.Advance(5 * time.Minute)
	if rep := f.tick(t); rep.Pings != 1 {
		t.Fatalf("expected a repeat ping: %+v", rep)
	}

	f.clock.Advance(20 * time.Minute)
	if rep := f.tick(t); rep.Pings != 0 {
		t.Fatalf("stale progress must not ping: %+v", rep)
	}
}

func TestTick_ExpiresWaitingSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inbox := f.store.Inbox()
	env, err := inbox.Submit(ctx, persistence.SubmitRequest{Source: persistence.SourceChat, Goal: "book a flight", UserID: "u1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := inbox.Start(ctx, env.TaskID, "turn"); err != nil {
		t.Fatalf("start: %v", err)
	}
	sessions := f.store.Sessions()
	if _, err := sessions.Begin(ctx, "telegram-42", env.TaskID, "u1", "book a flight"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := sessions.SetWaiting(ctx, "telegram-42", f.clock.Now().Add(10*time.Minute), "Book it?"); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if rep := f.tick(t); rep.Expired != 0 {
		t.Fatalf("session expired early: %+v", rep)
	}
	f.clock.Advance(11 * time.Minute)
	if rep := f.tick(t); rep.Expired != 1 {
		t.Fatalf("expected expiry: %+v", rep)
	}

	st, err := sessions.Get(ctx, "telegram-42")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if st.Status != persistence.SessionFailed || st.Reason != persistence.ReasonConfirmationTimeout {
		t.Fatalf("unexpected session: %+v", st)
	}
	got, err := inbox.Get(ctx, env.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != persistence.InboxFailed {
		t.Fatalf("expected failed task, got %s", got.Status)
	}
}

func TestStart_WakesOnJobFinished(t *testing.T) {
	f := newFixture(t)
	f.relay.Start(context.Background())
	defer f.relay.Stop()

	f.finishJob(t, "quick task", withTarget(nil, chat42), true, &workqueue.Result{OK: true, Text: "all done"}, "")

	end := time.Now().Add(3 * time.Second)
	for time.Now().Before(end) {
		if strings.Contains(f.out.Text(), "all done") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("relay did not deliver after job.finished")
}

func TestDedupeFiles(t *testing.T) {
	files := relay.DedupeFiles([]workqueue.File{
		{Kind: "Document", Path: "/a/out.csv"},
		{Kind: "document", Path: "/b/out.csv"},
		{Kind: "photo", Path: "/a/out.csv"},
		{Kind: "document", Path: ""},
	})
	if len(files) != 2 || files[0].Kind != "document" || files[1].Kind != "photo" {
		t.Fatalf("unexpected files: %+v", files)
	}
}
