package shared

import (
	"context"
	"errors"
	"strings"
)

// ErrorCode is the user-visible failure taxonomy carried on results.
type ErrorCode string

const (
	// CodePolicyBlocked: the tool or backend was denied by policy.
	CodePolicyBlocked ErrorCode = "policy_blocked"

	// CodeUnknownTool: the dispatcher could not resolve the tool name.
	CodeUnknownTool ErrorCode = "unknown_tool"

	// CodeInvalidArgs: tool arguments failed validation.
	CodeInvalidArgs ErrorCode = "invalid_args"

	// CodeLockBusy: a queue or heartbeat lock could not be acquired in time.
	CodeLockBusy ErrorCode = "lock_busy"

	// CodeExecPrepareFailed: the execution environment was unreachable.
	CodeExecPrepareFailed ErrorCode = "exec_prepare_failed"

	// CodeCommandFailed: the command exited non-zero.
	CodeCommandFailed ErrorCode = "command_failed"

	// CodeTimeout: execution exceeded its time bound.
	CodeTimeout ErrorCode = "timeout"

	// CodeCancelled: the job was cancelled cooperatively.
	CodeCancelled ErrorCode = "cancelled"

	CodeMaxTurnLimit ErrorCode = "max_turn_limit"
	CodeLoopGuard    ErrorCode = "loop_guard"

	// CodeInternal is the default for unrecognized errors.
	CodeInternal ErrorCode = "internal_error"
)

// ClassifyError maps an execution error to an ErrorCode. It inspects the
// context sentinels first and then well-known message fragments.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "lock_busy") || strings.Contains(msg, "lock timeout"):
		return CodeLockBusy
	case strings.Contains(msg, "policy_blocked") || strings.Contains(msg, "policy denied"):
		return CodePolicyBlocked
	case strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout"):
		return CodeTimeout
	case strings.Contains(msg, "exit status") || strings.Contains(msg, "non-zero exit"):
		return CodeCommandFailed
	}
	return CodeInternal
}
