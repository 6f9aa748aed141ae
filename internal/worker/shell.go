package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/clawforge/internal/safety"
	"github.com/basket/clawforge/internal/shared"
	"github.com/basket/clawforge/internal/workqueue"
)

const (
	defaultShellTimeout = 30 * time.Second
	defaultMaxOutput    = 8 * 1024 // 8KB
)

// CommandRunner runs one shell command.
type CommandRunner interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostRunner runs commands locally.
type HostRunner struct{}

func (h *HostRunner) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	execCmd := exec.CommandContext(ctx, "sh", "-c", cmd)
	execCmd.WaitDelay = time.Second
	if workDir != "" {
		execCmd.Dir = workDir
	}

	var outBuf, errBuf bytes.Buffer
	execCmd.Stdout = &outBuf
	execCmd.Stderr = &errBuf

	runErr := execCmd.Run()
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && ctx.Err() == nil {
			exitCode = exitErr.ExitCode()
		} else {
			// Not found, killed on timeout or cancel.
			exitCode = -1
			err = runErr
			if ctx.Err() != nil {
				err = ctx.Err()
			}
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// denyList contains commands a worker shell backend never runs.
var denyList = map[string]struct{}{
	"mkfs":     {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"sudo":     {},
	"su":       {},
}

// ShellBackend runs the instruction directly as a shell command line.
type ShellBackend struct {
	runner    CommandRunner
	timeout   time.Duration
	maxOutput int
}

func NewShellBackend(runner CommandRunner, timeout time.Duration, maxOutput int) *ShellBackend {
	if runner == nil {
		runner = &HostRunner{}
	}
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	return &ShellBackend{runner: runner, timeout: timeout, maxOutput: maxOutput}
}

func (s *ShellBackend) Name() string { return BackendShell }

func (s *ShellBackend) Prepare(ctx context.Context) error {
	if _, ok := s.runner.(*HostRunner); ok {
		if _, err := exec.LookPath("sh"); err != nil {
			return fmt.Errorf("shell unavailable: %w", err)
		}
	}
	return nil
}

func (s *ShellBackend) Run(ctx context.Context, req Request) (workqueue.Result, error) {
	res := workqueue.Result{Backend: BackendShell, RuntimeMode: ModeSubprocess}
	cmd := strings.TrimSpace(req.Instruction)
	if cmd == "" {
		res.Error = "empty command"
		res.ErrorCode = string(shared.CodeInvalidArgs)
		return res, nil
	}
	for _, seg := range splitCommandSegments(cmd) {
		fields := strings.Fields(seg)
		if len(fields) == 0 {
			continue
		}
		if _, blocked := denyList[fields[0]]; blocked {
			res.Error = fmt.Sprintf("command %q is on the deny list", fields[0])
			res.ErrorCode = string(shared.CodePolicyBlocked)
			return res, nil
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ReportProgress(ctx, workqueue.Progress{Current: "running: " + truncateOutput(cmd, 80)})

	stdout, stderr, exitCode, err := s.runner.Exec(execCtx, cmd, req.Worker.WorkDir)
	outStr := safety.Redact(truncateOutput(stdout, s.maxOutput))
	errStr := safety.Redact(truncateOutput(stderr, s.maxOutput))
	if err != nil {
		res.Text = outStr
		res.ErrorCode = string(shared.ClassifyError(err))
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			res.ErrorCode = string(shared.CodeTimeout)
			res.Error = fmt.Sprintf("command timed out after %s", s.timeout)
			return res, fmt.Errorf("shell: %w", context.DeadlineExceeded)
		}
		res.Error = err.Error()
		return res, fmt.Errorf("shell: %w", err)
	}

	res.Text = outStr
	if exitCode != 0 {
		res.ErrorCode = string(shared.CodeCommandFailed)
		res.Error = fmt.Sprintf("exit status %d", exitCode)
		if strings.TrimSpace(errStr) != "" {
			res.Error += ": " + strings.TrimSpace(errStr)
		}
		return res, nil
	}
	res.OK = true
	if res.Text == "" {
		res.Text = strings.TrimSpace(errStr)
	}
	return res, nil
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

// splitCommandSegments splits a command at pipe, logical and sequence
// operators, returning the individual command segments for deny-list
// checking.
func splitCommandSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", "|", ";"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		if matchLen == 0 {
			if seg := strings.TrimSpace(current); seg != "" {
				segments = append(segments, seg)
			}
			break
		}
		if seg := strings.TrimSpace(current[:minIdx]); seg != "" {
			segments = append(segments, seg)
		}
		current = current[minIdx+matchLen:]
	}
	return segments
}
