package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/clawforge/internal/config"
)

func startWatcher(t *testing.T, home string, debounce time.Duration) *config.Watcher {
	t.Helper()
	w := config.NewWatcher(home, nil, config.WithDebounce(debounce))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return w
}

func TestWatcher_DetectsPolicyFileChange(t *testing.T) {
	home := t.TempDir()
	policyPath := filepath.Join(home, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte("workers: {}\n"), 0o644); err != nil {
		t.Fatalf("write initial policy: %v", err)
	}
	w := startWatcher(t, home, 20*time.Millisecond)

	if err := os.WriteFile(policyPath, []byte("workers: {a: {}}\n"), 0o644); err != nil {
		t.Fatalf("write updated policy: %v", err)
	}
	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "policy.yaml" {
			t.Fatalf("expected policy.yaml event, got %s", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for policy.yaml change event")
	}
}

func TestWatcher_CoalescesBurst(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "workers.yaml")
	w := startWatcher(t, home, 300*time.Millisecond)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("workers: []\n"), 0o644); err != nil {
			t.Fatalf("write workers: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case ev := <-w.Events():
		if filepath.Base(ev.Path) != "workers.yaml" {
			t.Fatalf("event path = %s", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for workers.yaml event")
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("burst produced a second event: %+v", ev)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	home := t.TempDir()
	w := startWatcher(t, home, 20*time.Millisecond)

	_ = os.WriteFile(filepath.Join(home, "notes.txt"), []byte("x"), 0o644)
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_ClosesEventsOnCancel(t *testing.T) {
	home := t.TempDir()
	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events not closed after cancel")
	}
}
