package persistence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawforge/internal/bus"
	"github.com/basket/clawforge/internal/persistence"
	"github.com/basket/clawforge/internal/workqueue"
)

func submitTask(t *testing.T, inbox *persistence.Inbox, goal, priority string) *persistence.Envelope {
	t.Helper()
	env, err := inbox.Submit(context.Background(), persistence.SubmitRequest{
		Source:   persistence.SourceChat,
		Goal:     goal,
		UserID:   "u1",
		Priority: priority,
		Payload:  map[string]any{"origin": "test"},
	})
	if err != nil {
		t.Fatalf("submit %q: %v", goal, err)
	}
	return env
}

func TestInbox_SubmitAndGet(t *testing.T) {
	store, _ := openTestStore(t)
	inbox := store.Inbox()

	env := submitTask(t, inbox, "summarize the report", "")
	if env.TaskID == "" || env.Status != persistence.InboxPending || env.Priority != persistence.PriorityNormal {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Payload["origin"] != "test" {
		t.Fatalf("payload not persisted: %+v", env.Payload)
	}
	if len(env.Events) != 1 || env.Events[0].Type != "submitted" {
		t.Fatalf("expected one submitted event, got %+v", env.Events)
	}

	if _, err := inbox.Get(context.Background(), "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInbox_SubmitValidates(t *testing.T) {
	store, _ := openTestStore(t)
	inbox := store.Inbox()
	ctx := context.Background()

	if _, err := inbox.Submit(ctx, persistence.SubmitRequest{Goal: "  "}); err == nil {
		t.Fatal("expected error for empty goal")
	}
	if _, err := inbox.Submit(ctx, persistence.SubmitRequest{Goal: "x", Source: "email"}); err == nil {
		t.Fatal("expected error for unknown source")
	}
	if _, err := inbox.Submit(ctx, persistence.SubmitRequest{Goal: "x", Priority: "urgent"}); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}

func TestInbox_ListPendingOrdersByPriorityThenCreation(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStore(t, persistence.WithClock(clock.Now))
	inbox := store.Inbox()

	low := submitTask(t, inbox, "low", persistence.PriorityLow)
	clock.Advance(time.Second)
	normalOld := submitTask(t, inbox, "normal-old", persistence.PriorityNormal)
	clock.Advance(time.Second)
	high := submitTask(t, inbox, "high", persistence.PriorityHigh)
	clock.Advance(time.Second)
	normalNew := submitTask(t, inbox, "normal-new", persistence.PriorityNormal)

	got, err := inbox.ListPending(context.Background(), "", "", 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	want := []string{high.TaskID, normalOld.TaskID, normalNew.TaskID, low.TaskID}
	if len(got) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].TaskID != id {
			t.Fatalf("position %d: expected %s, got %s (%s)", i, id, got[i].TaskID, got[i].Goal)
		}
	}

	filtered, err := inbox.ListPending(context.Background(), "someone-else", "", 10)
	if err != nil || len(filtered) != 0 {
		t.Fatalf("expected no tasks for other user, got %d err=%v", len(filtered), err)
	}
}

func TestInbox_AssignCompleteAppendsEvents(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStore(t, persistence.WithClock(clock.Now))
	inbox := store.Inbox()
	ctx := context.Background()
	env := submitTask(t, inbox, "build it", "")

	clock.Advance(time.Minute)
	assigned, err := inbox.AssignWorker(ctx, env.TaskID, "coder", "best capability match", "core-manager")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.Status != persistence.InboxRunning || assigned.AssignedWorkerID != "coder" || assigned.DispatchReason != "best capability match" {
		t.Fatalf("unexpected assigned envelope: %+v", assigned)
	}
	if !assigned.UpdatedAt.After(env.UpdatedAt) {
		t.Fatalf("updated_at not bumped: %v -> %v", env.UpdatedAt, assigned.UpdatedAt)
	}

	clock.Advance(time.Minute)
	done, err := inbox.Complete(ctx, env.TaskID, map[string]any{"payload": map[string]any{"text": "built"}}, "", nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != persistence.InboxCompleted || done.Output == nil || done.Output.Text != "built" {
		t.Fatalf("unexpected completed envelope: %+v output=%+v", done, done.Output)
	}
	if len(done.Events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(done.Events), done.Events)
	}
	if done.Events[2].From != persistence.InboxRunning || done.Events[2].To != persistence.InboxCompleted {
		t.Fatalf("unexpected final event: %+v", done.Events[2])
	}
}

func TestInbox_StatusNeverMovesBackwards(t *testing.T) {
	store, _ := openTestStore(t)
	inbox := store.Inbox()
	ctx := context.Background()
	env := submitTask(t, inbox, "x", "")

	if _, err := inbox.Fail(ctx, env.TaskID, "boom", nil, nil); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := inbox.Complete(ctx, env.TaskID, "late", "", nil); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := inbox.AssignWorker(ctx, env.TaskID, "coder", "retry", "core-manager"); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, err := inbox.Get(ctx, env.TaskID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.InboxFailed || got.Error != "boom" {
		t.Fatalf("unexpected final state: %+v", got)
	}
	if got.Output == nil || got.Output.Text != "Task failed: boom" {
		t.Fatalf("unexpected failure output: %+v", got.Output)
	}
}

func TestInbox_ReassignWhileRunning(t *testing.T) {
	store, _ := openTestStore(t)
	inbox := store.Inbox()
	ctx := context.Background()
	env := submitTask(t, inbox, "x", "")

	if _, err := inbox.AssignWorker(ctx, env.TaskID, "a", "first", "core-manager"); err != nil {
		t.Fatalf("assign a: %v", err)
	}
	got, err := inbox.AssignWorker(ctx, env.TaskID, "b", "a was busy", "core-manager")
	if err != nil {
		t.Fatalf("assign b: %v", err)
	}
	if got.AssignedWorkerID != "b" || got.Status != persistence.InboxRunning {
		t.Fatalf("unexpected reassignment: %+v", got)
	}
}

func TestInbox_CancelAllSkipsSettledTasks(t *testing.T) {
	store, _ := openTestStore(t)
	inbox := store.Inbox()
	ctx := context.Background()
	queued := submitTask(t, inbox, "queued", "")
	running := submitTask(t, inbox, "running", "")
	done := submitTask(t, inbox, "done", "")
	if _, err := inbox.AssignWorker(ctx, running.TaskID, "coder", "dispatch", "core-manager"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := inbox.Complete(ctx, done.TaskID, map[string]any{"text": "ok"}, "", nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	n, err := inbox.CancelAll(ctx, []string{queued.TaskID, running.TaskID, done.TaskID, "no-such-task", ""}, "stopped by user")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 cancelled, got %d err=%v", n, err)
	}
	for _, id := range []string{queued.TaskID, running.TaskID} {
		got, err := inbox.Get(ctx, id)
		if err != nil || got.Status != persistence.InboxCancelled {
			t.Fatalf("task %s: expected cancelled, got %+v err=%v", id, got, err)
		}
	}
	kept, _ := inbox.Get(ctx, done.TaskID)
	if kept.Status != persistence.InboxCompleted {
		t.Fatalf("completed task must stay completed: %s", kept.Status)
	}
}

func TestInbox_CompleteWithWorkerResultKeepsFiles(t *testing.T) {
	store, _ := openTestStore(t)
	inbox := store.Inbox()
	ctx := context.Background()
	env := submitTask(t, inbox, "render", "")

	res := workqueue.Result{
		OK:   true,
		Text: "rendered",
		Payload: workqueue.Payload{Files: []workqueue.File{
			{Kind: "photo", Path: "/tmp/a.png", Filename: "a.png"},
		}},
	}
	done, err := inbox.Complete(ctx, env.TaskID, res, "", nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Output == nil || done.Output.Text != "rendered" || len(done.Output.Files) != 1 || done.Output.Files[0].Filename != "a.png" {
		t.Fatalf("unexpected output: %+v", done.Output)
	}
}

func TestInbox_PublishesStateChanges(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicInboxStateChanged)
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(t.TempDir()+"/clawforge.db", b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	env, err := store.Inbox().Submit(context.Background(), persistence.SubmitRequest{Goal: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := store.Inbox().Start(context.Background(), env.TaskID, "headless"); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, want := range []string{"pending", "running"} {
		select {
		case ev := <-sub.Ch():
			got := ev.Payload.(bus.InboxStateChangedEvent)
			if got.NewStatus != want || got.TaskID != env.TaskID {
				t.Fatalf("expected %s for %s, got %+v", want, env.TaskID, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s event", want)
		}
	}
}

func TestInbox_ConcurrentSubmit(t *testing.T) {
	store, _ := openTestStore(t)
	inbox := store.Inbox()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := inbox.Submit(context.Background(), persistence.SubmitRequest{Goal: "parallel"}); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()

	counts, err := inbox.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[persistence.InboxPending] != 10 {
		t.Fatalf("expected 10 pending, got %+v", counts)
	}
}
