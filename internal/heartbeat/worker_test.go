package heartbeat_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawforge/internal/channels"
	"github.com/basket/clawforge/internal/config"
	"github.com/basket/clawforge/internal/heartbeat"
	"github.com/basket/clawforge/internal/orchestrator"
	"github.com/basket/clawforge/internal/persistence"
	"github.com/basket/clawforge/internal/shared"
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

// fakeRunner answers each turn through reply and records the requests.
type fakeRunner struct {
	mu    sync.Mutex
	reqs  []orchestrator.TurnRequest
	reply func(ctx context.Context, req orchestrator.TurnRequest) orchestrator.TurnResult
}

func (f *fakeRunner) Run(ctx context.Context, req orchestrator.TurnRequest) (orchestrator.TurnResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.reply(ctx, req), nil
}

func (f *fakeRunner) requests() []orchestrator.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.TurnRequest(nil), f.reqs...)
}

func sentinel(context.Context, orchestrator.TurnRequest) orchestrator.TurnResult {
	return orchestrator.TurnResult{OK: true, Text: heartbeat.NoopSentinel}
}

type fixture struct {
	store  *persistence.Store
	clock  *clock
	runner *fakeRunner
	out    *channels.Recorder
	worker *heartbeat.Worker
}

func newFixture(t *testing.T, reply func(context.Context, orchestrator.TurnRequest) orchestrator.TurnResult, opts ...heartbeat.Option) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawforge.db"), nil, persistence.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:  store,
		clock:  clk,
		runner: &fakeRunner{reply: reply},
		out:    channels.NewRecorder("telegram", 4096),
	}
	cfg := config.HeartbeatConfig{
		Schedule:           "*/30 * * * *",
		LockTTLSeconds:     300,
		LockRefreshSeconds: 60,
	}
	opts = append([]heartbeat.Option{
		heartbeat.WithChannels(channels.NewRegistry(f.out)),
		heartbeat.WithClock(clk.Now),
	}, opts...)
	f.worker = heartbeat.New(store, f.runner, cfg, opts...)
	return f
}

func (f *fixture) setup(t *testing.T, userID string, checklist []string, target bool) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.Heartbeats().SetChecklist(ctx, userID, checklist); err != nil {
		t.Fatalf("set checklist: %v", err)
	}
	if target {
		if err := f.store.Heartbeats().SetDeliveryTarget(ctx, userID, workqueue.DeliveryTarget{Platform: "telegram", ChatID: "42"}); err != nil {
			t.Fatalf("set target: %v", err)
		}
	}
}

func TestRunUser_SentinelReplyDeliversNothing(t *testing.T) {
	f := newFixture(t, sentinel)
	f.setup(t, "u1", []string{"check X"}, true)
	ctx := context.Background()

	rep, err := f.worker.RunUser(ctx, "u1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Skipped != "" || len(rep.TaskIDs) != 1 {
		t.Fatalf("expected one task, got %+v", rep)
	}
	if rep.Delivered || len(f.out.Records()) != 0 {
		t.Fatalf("sentinel reply must not be delivered: %+v %+v", rep, f.out.Records())
	}

	reqs := f.runner.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one turn, got %d", len(reqs))
	}
	req := reqs[0]
	if req.TaskID != rep.TaskIDs[0] || req.Source != persistence.SourceHeartbeat || req.UserID != "u1" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if !strings.HasPrefix(req.Goal, "check X") || !strings.Contains(req.Goal, heartbeat.NoopSentinel) {
		t.Fatalf("unexpected goal: %q", req.Goal)
	}
	if req.Liveness == nil || req.Channel == nil {
		t.Fatal("heartbeat turns need liveness and a capture channel")
	}

	env, err := f.store.Inbox().Get(ctx, rep.TaskIDs[0])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if env.Source != persistence.SourceHeartbeat || env.Status != persistence.InboxCompleted {
		t.Fatalf("unexpected envelope: source=%s status=%s", env.Source, env.Status)
	}

	st, err := f.store.Heartbeats().Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.LastRunAt == nil || !st.LastRunAt.Equal(f.clock.Now()) || st.LastError != "" {
		t.Fatalf("run not recorded: %+v", st)
	}
	if st.LockToken != "" {
		t.Fatal("lock must be released after the cycle")
	}
}

func TestRunUser_DeliversCapturedOutput(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req orchestrator.TurnRequest) orchestrator.TurnResult {
		if strings.HasPrefix(req.Goal, "check mail") {
			_, _ = req.Channel.SendMessage(ctx, req.ChatID, "You have 3 unread invoices.")
			return orchestrator.TurnResult{OK: true, Text: "Done."}
		}
		return orchestrator.TurnResult{OK: true, Text: heartbeat.NoopSentinel}
	})
	f.setup(t, "u1", []string{"check mail", "check calendar"}, true)

	rep, err := f.worker.RunUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.TaskIDs) != 2 || rep.Parts != 1 || !rep.Delivered {
		t.Fatalf("unexpected report: %+v", rep)
	}
	recs := f.out.Records()
	if len(recs) != 1 || recs[0].ChatID != "42" {
		t.Fatalf("expected one message to chat 42, got %+v", recs)
	}
	if !strings.Contains(recs[0].Text, "3 unread invoices") || strings.Contains(recs[0].Text, heartbeat.NoopSentinel) {
		t.Fatalf("unexpected delivery: %q", recs[0].Text)
	}
}

func TestRunUser_NotDueAfterRun(t *testing.T) {
	f := newFixture(t, sentinel)
	f.setup(t, "u1", []string{"check X"}, false)
	ctx := context.Background()

	if _, err := f.worker.RunUser(ctx, "u1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	rep, err := f.worker.RunUser(ctx, "u1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if rep.Skipped != heartbeat.SkipNotDue || len(f.runner.requests()) != 1 {
		t.Fatalf("second run must be rate limited: %+v", rep)
	}

	f.clock.Advance(30 * time.Minute)
	rep, err = f.worker.RunUser(ctx, "u1")
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if rep.Skipped != "" || len(f.runner.requests()) != 2 {
		t.Fatalf("run must be due after the schedule elapses: %+v", rep)
	}
}

func TestRunUser_SkipsWhileLocked(t *testing.T) {
	f := newFixture(t, sentinel)
	f.setup(t, "u1", []string{"check X"}, false)
	ctx := context.Background()

	if _, ok, err := f.store.Heartbeats().Acquire(ctx, "u1", time.Minute); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	rep, err := f.worker.RunUser(ctx, "u1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Skipped != heartbeat.SkipLocked || len(f.runner.requests()) != 0 {
		t.Fatalf("expected locked skip, got %+v", rep)
	}

	// An expired lock is reclaimed.
	f.clock.Advance(2 * time.Minute)
	rep, err = f.worker.RunUser(ctx, "u1")
	if err != nil {
		t.Fatalf("run after expiry: %v", err)
	}
	if rep.Skipped != "" || len(rep.TaskIDs) != 1 {
		t.Fatalf("expected run after expiry, got %+v", rep)
	}
}

func TestRunUser_FailureRecordsLastError(t *testing.T) {
	f := newFixture(t, func(context.Context, orchestrator.TurnRequest) orchestrator.TurnResult {
		return orchestrator.TurnResult{OK: false, ErrorCode: shared.CodeMaxTurnLimit, Text: "gave up"}
	})
	f.setup(t, "u1", []string{"check X"}, true)
	ctx := context.Background()

	rep, err := f.worker.RunUser(ctx, "u1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(rep.Error, string(shared.CodeMaxTurnLimit)) || rep.Delivered {
		t.Fatalf("unexpected report: %+v", rep)
	}
	st, err := f.store.Heartbeats().Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.LastError != rep.Error {
		t.Fatalf("last_error %q, want %q", st.LastError, rep.Error)
	}
	env, err := f.store.Inbox().Get(ctx, rep.TaskIDs[0])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if env.Status != persistence.InboxFailed {
		t.Fatalf("expected failed task, got %s", env.Status)
	}
}

func TestRunUser_NoDeliveryTargetIsSoft(t *testing.T) {
	f := newFixture(t, func(context.Context, orchestrator.TurnRequest) orchestrator.TurnResult {
		return orchestrator.TurnResult{OK: true, Text: "Your passport expires next month."}
	})
	f.setup(t, "u1", []string{"check documents"}, false)

	rep, err := f.worker.RunUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Parts != 1 || rep.Delivered || rep.Error != "" {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(f.out.Records()) != 0 {
		t.Fatal("nothing may be sent without a delivery target")
	}
}

func TestRunUser_LostLockStopsBatch(t *testing.T) {
	var f *fixture
	f = newFixture(t, func(ctx context.Context, req orchestrator.TurnRequest) orchestrator.TurnResult {
		hb := f.store.Heartbeats()
		st, _ := hb.Get(ctx, req.UserID)
		_ = hb.Release(ctx, req.UserID, st.LockToken)
		if _, ok, _ := hb.Acquire(ctx, req.UserID, time.Hour); !ok {
			return orchestrator.TurnResult{OK: false, Text: "steal failed"}
		}
		f.clock.Advance(2 * time.Minute)
		if err := req.Liveness(ctx); err != nil {
			return orchestrator.TurnResult{OK: false, Text: err.Error()}
		}
		return orchestrator.TurnResult{OK: true, Text: heartbeat.NoopSentinel}
	})
	f.setup(t, "u1", []string{"first", "second"}, false)

	rep, err := f.worker.RunUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.TaskIDs) != 1 || !strings.Contains(rep.Error, heartbeat.ErrLockLost.Error()) {
		t.Fatalf("expected batch to stop after losing the lock: %+v", rep)
	}
}

func TestTick_RunsEveryUser(t *testing.T) {
	f := newFixture(t, sentinel)
	f.setup(t, "alice", []string{"a"}, false)
	f.setup(t, "bob", []string{"b1", "b2"}, false)

	if err := f.worker.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	users := map[string]int{}
	for _, req := range f.runner.requests() {
		users[req.UserID]++
	}
	if users["alice"] != 1 || users["bob"] != 2 {
		t.Fatalf("unexpected turns per user: %v", users)
	}
}

func TestTrivial(t *testing.T) {
	cases := map[string]bool{
		"":                        true,
		"HEARTBEAT_OK":            true,
		"  `HEARTBEAT_OK`.\n":     true,
		"HEARTBEAT_OK\nNew mail.": false,
		"All quiet today.":        false,
	}
	for in, want := range cases {
		if got := heartbeat.Trivial(in); got != want {
			t.Fatalf("Trivial(%q) = %v, want %v", in, got, want)
		}
	}
}
