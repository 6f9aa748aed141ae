package worker_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/clawforge/internal/worker"
)

func TestShellBackend_Success(t *testing.T) {
	b := worker.NewShellBackend(nil, 5*time.Second, 0)
	res, err := b.Run(context.Background(), worker.Request{Instruction: "echo hello"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.OK || strings.TrimSpace(res.Text) != "hello" || res.RuntimeMode != worker.ModeSubprocess {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestShellBackend_NonZeroExit(t *testing.T) {
	b := worker.NewShellBackend(nil, 5*time.Second, 0)
	res, err := b.Run(context.Background(), worker.Request{Instruction: "echo oops >&2; exit 3"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.OK || res.ErrorCode != "command_failed" || !strings.Contains(res.Error, "exit status 3") || !strings.Contains(res.Error, "oops") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestShellBackend_Timeout(t *testing.T) {
	b := worker.NewShellBackend(nil, 100*time.Millisecond, 0)
	start := time.Now()
	res, err := b.Run(context.Background(), worker.Request{Instruction: "sleep 5"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if res.ErrorCode != "timeout" {
		t.Fatalf("expected timeout code, got %+v", res)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatal("subprocess was not terminated on timeout")
	}
}

func TestShellBackend_DenyList(t *testing.T) {
	b := worker.NewShellBackend(nil, time.Second, 0)
	res, err := b.Run(context.Background(), worker.Request{Instruction: "ls && sudo reboot"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.OK || res.ErrorCode != "policy_blocked" {
		t.Fatalf("expected deny-list block, got %+v", res)
	}
}

func TestShellBackend_TruncatesOutput(t *testing.T) {
	b := worker.NewShellBackend(nil, 5*time.Second, 16)
	res, err := b.Run(context.Background(), worker.Request{Instruction: "printf 'xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx'"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasSuffix(res.Text, "(truncated)") || strings.Count(res.Text, "x") != 16 {
		t.Fatalf("unexpected truncation: %q", res.Text)
	}
}

type stubRunner struct {
	gotCmd, gotDir string
}

func (s *stubRunner) Exec(ctx context.Context, cmd, workDir string) (string, string, int, error) {
	s.gotCmd, s.gotDir = cmd, workDir
	return "ok", "", 0, nil
}

func TestShellBackend_UsesWorkerWorkDir(t *testing.T) {
	exec := &stubRunner{}
	b := worker.NewShellBackend(exec, time.Second, 0)
	_, err := b.Run(context.Background(), worker.Request{
		Worker:      worker.Worker{ID: "coder", WorkDir: "/srv/repo"},
		Instruction: "make test",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.gotCmd != "make test" || exec.gotDir != "/srv/repo" {
		t.Fatalf("unexpected exec call: cmd=%q dir=%q", exec.gotCmd, exec.gotDir)
	}
}
