package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/basket/clawforge/internal/persistence"
)

// run executes the root command against home and returns its stdout.
func run(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd("test")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--home", home, "-q"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, home string, args ...string) string {
	t.Helper()
	out, err := run(t, home, args...)
	if err != nil {
		t.Fatalf("%s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestPolicySetAndCheck(t *testing.T) {
	home := t.TempDir()

	out := mustRun(t, home, "policy", "set", "coder", "--deny", "runtime")
	if !strings.Contains(out, "policy for coder updated") {
		t.Fatalf("set output = %q", out)
	}

	out = mustRun(t, home, "policy", "check", "coder", "--backend", "shell")
	if !strings.Contains(out, "backend shell: denied (matched_deny_list)") {
		t.Fatalf("check shell = %q", out)
	}
	out = mustRun(t, home, "policy", "check", "coder", "--backend", "agent")
	if !strings.Contains(out, "backend agent: allowed") {
		t.Fatalf("check agent = %q", out)
	}

	out = mustRun(t, home, "policy", "show")
	if !strings.Contains(out, "coder") || !strings.Contains(out, "runtime") {
		t.Fatalf("show output missing rule: %q", out)
	}

	mustRun(t, home, "policy", "reset", "coder")
	out = mustRun(t, home, "policy", "check", "coder", "--backend", "shell")
	if !strings.Contains(out, "backend shell: allowed") {
		t.Fatalf("check after reset = %q", out)
	}
}

func TestPolicySet_RequiresWorker(t *testing.T) {
	if _, err := run(t, t.TempDir(), "policy", "set"); err == nil {
		t.Fatal("expected error without a worker argument")
	}
}

func TestHeartbeatChecklistAndTarget(t *testing.T) {
	home := t.TempDir()
	mustRun(t, home, "heartbeat", "set-checklist", "telegram:42", "check invoices", "water plants")
	mustRun(t, home, "heartbeat", "set-target", "telegram:42", "--platform", "telegram", "--chat", "42")

	out := mustRun(t, home, "heartbeat", "show", "telegram:42")
	var st persistence.HeartbeatState
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode show output: %v\n%s", err, out)
	}
	if len(st.Checklist) != 2 || st.Checklist[0] != "check invoices" {
		t.Fatalf("checklist = %v", st.Checklist)
	}
	if st.DeliveryTarget.Platform != "telegram" || st.DeliveryTarget.ChatID != "42" {
		t.Fatalf("delivery target = %+v", st.DeliveryTarget)
	}
}

func TestHeartbeatSetTarget_NeedsBothFlags(t *testing.T) {
	_, err := run(t, t.TempDir(), "heartbeat", "set-target", "telegram:42", "--platform", "telegram")
	if err == nil {
		t.Fatal("expected error when --chat is missing")
	}
}

func TestSubmitJobsAndCancel(t *testing.T) {
	home := t.TempDir()

	out := mustRun(t, home, "submit", "--user", "telegram:42", "tidy", "the", "notes")
	fields := strings.Fields(out)
	if len(fields) != 2 || fields[1] != "generalist" {
		t.Fatalf("submit output = %q", out)
	}
	jobID := fields[0]

	out = mustRun(t, home, "jobs")
	if !strings.Contains(out, "pending=1 running=0") {
		t.Fatalf("jobs output = %q", out)
	}

	out = mustRun(t, home, "jobs", "--id", jobID)
	if !strings.Contains(out, `"instruction": "tidy the notes"`) {
		t.Fatalf("live job output = %q", out)
	}

	out = mustRun(t, home, "cancel", "--user", "telegram:42")
	if !strings.Contains(out, "cancelled 1 pending, signaled 0 running") || !strings.Contains(out, jobID) {
		t.Fatalf("cancel output = %q", out)
	}

	out = mustRun(t, home, "jobs", "--id", jobID)
	if !strings.Contains(out, `"status": "cancelled"`) || !strings.Contains(out, `"archived_at"`) {
		t.Fatalf("archived job output = %q", out)
	}
}

func TestSubmit_UnknownWorker(t *testing.T) {
	_, err := run(t, t.TempDir(), "submit", "--worker", "nobody", "do it")
	if err == nil || !strings.Contains(err.Error(), "nobody") {
		t.Fatalf("err = %v", err)
	}
}

func TestSubmit_PartialTarget(t *testing.T) {
	_, err := run(t, t.TempDir(), "submit", "--platform", "telegram", "do it")
	if err == nil {
		t.Fatal("expected error for --platform without --chat")
	}
}
