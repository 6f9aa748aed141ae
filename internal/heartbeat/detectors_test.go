package heartbeat_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/basket/clawforge/internal/heartbeat"
	"github.com/basket/clawforge/internal/orchestrator"
	"github.com/basket/clawforge/internal/persistence"
)

func writeUserFile(t *testing.T, root, userID, name, content string) {
	t.Helper()
	dir := filepath.Join(root, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestPendingSubscriptionsDetector(t *testing.T) {
	root := t.TempDir()
	d := heartbeat.PendingSubscriptionsDetector{Dir: root}
	st := &persistence.HeartbeatState{UserID: "u1"}
	ctx := context.Background()

	specs, err := d.Detect(ctx, st, time.Now())
	if err != nil || len(specs) != 0 {
		t.Fatalf("missing file must not trigger: specs=%v err=%v", specs, err)
	}

	writeUserFile(t, root, "u1", "subscriptions.json", `[]`)
	if specs, _ := d.Detect(ctx, st, time.Now()); len(specs) != 0 {
		t.Fatalf("empty list must not trigger: %v", specs)
	}

	writeUserFile(t, root, "u1", "subscriptions.json", `[{"feed":"a"},{"feed":"b"}]`)
	specs, err = d.Detect(ctx, st, time.Now())
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(specs) != 1 || specs[0].Kind != "pending_subscriptions" || !strings.Contains(specs[0].Goal, "2 pending") {
		t.Fatalf("unexpected specs: %+v", specs)
	}

	writeUserFile(t, root, "u1", "subscriptions.json", `{not json`)
	if _, err := d.Detect(ctx, st, time.Now()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestMarketOpenDetector_Hours(t *testing.T) {
	d, err := heartbeat.NewMarketOpenDetector(t.TempDir(), "America/New_York", "09:30", "16:00")
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	ny, _ := time.LoadLocation("America/New_York")
	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"monday morning", time.Date(2026, 5, 4, 10, 0, 0, 0, ny), true},
		{"before open", time.Date(2026, 5, 4, 9, 29, 0, 0, ny), false},
		{"at close", time.Date(2026, 5, 4, 16, 0, 0, 0, ny), false},
		{"saturday", time.Date(2026, 5, 9, 11, 0, 0, 0, ny), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := d.IsOpen(tc.at); got != tc.want {
				t.Fatalf("IsOpen(%v) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}

	if _, err := heartbeat.NewMarketOpenDetector("", "UTC", "16:00", "09:30"); err == nil {
		t.Fatal("close before open must be rejected")
	}
	if _, err := heartbeat.NewMarketOpenDetector("", "Mars/Olympus", "09:30", "16:00"); err == nil {
		t.Fatal("unknown timezone must be rejected")
	}
}

func TestMarketOpenDetector_Watchlist(t *testing.T) {
	root := t.TempDir()
	d, err := heartbeat.NewMarketOpenDetector(root, "UTC", "09:30", "16:00")
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	st := &persistence.HeartbeatState{UserID: "u1"}
	open := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	if specs, err := d.Detect(ctx, st, open); err != nil || len(specs) != 0 {
		t.Fatalf("no watchlist must not trigger: specs=%v err=%v", specs, err)
	}

	writeUserFile(t, root, "u1", "watchlist.yaml", "symbols:\n  - aapl\n  - ' msft '\n")
	specs, err := d.Detect(ctx, st, open)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(specs) != 1 || specs[0].Priority != persistence.PriorityHigh || !strings.HasSuffix(specs[0].Goal, "AAPL, MSFT") {
		t.Fatalf("unexpected specs: %+v", specs)
	}

	if specs, _ := d.Detect(ctx, st, open.Add(8*time.Hour)); len(specs) != 0 {
		t.Fatalf("closed market must not trigger: %+v", specs)
	}
}

func TestRunUser_DetectorTasksJoinChecklist(t *testing.T) {
	root := t.TempDir()
	writeUserFile(t, root, "u1", "subscriptions.json", `[{"feed":"a"}]`)
	f := newFixture(t, sentinel, heartbeat.WithDetectors(heartbeat.PendingSubscriptionsDetector{Dir: root}))
	f.setup(t, "u1", []string{"check X"}, false)
	ctx := context.Background()

	rep, err := f.worker.RunUser(ctx, "u1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.TaskIDs) != 2 {
		t.Fatalf("expected checklist and detector tasks, got %+v", rep)
	}
	env, err := f.store.Inbox().Get(ctx, rep.TaskIDs[1])
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if env.Metadata["heartbeat_kind"] != "pending_subscriptions" {
		t.Fatalf("unexpected metadata: %v", env.Metadata)
	}
	var goals []string
	for _, req := range f.runner.requests() {
		goals = append(goals, req.Goal)
	}
	if !strings.HasPrefix(goals[0], "check X") || !strings.Contains(goals[1], "1 pending subscription") {
		t.Fatalf("unexpected goals: %q", goals)
	}
}

var _ heartbeat.TurnRunner = (*orchestrator.Orchestrator)(nil)
