package worker

import (
	"context"

	"github.com/basket/clawforge/internal/workqueue"
)

// Backend names.
const (
	BackendAgent  = "agent"
	BackendShell  = "shell"
	BackendDocker = "docker"
)

// Runtime modes reported on results.
const (
	ModeInProcess         = "in_process"
	ModeInProcessFallback = "in_process_fallback"
	ModeSubprocess        = "subprocess"
	ModeContainer         = "container"
)

// Request is one instruction handed to a backend.
type Request struct {
	Worker      Worker
	JobID       string
	Source      string
	Instruction string
	Metadata    map[string]any
}

// Backend is one concrete execution strategy. Prepare checks that the
// target environment is reachable; Run executes the instruction and always
// returns a populated Result. The error is non-nil only when execution was
// cut short (timeout, cancellation) or never started.
type Backend interface {
	Name() string
	Prepare(ctx context.Context) error
	Run(ctx context.Context, req Request) (workqueue.Result, error)
}

// ProgressFunc receives mid-flight progress for the running job.
type ProgressFunc func(workqueue.Progress)

type progressKey struct{}

// WithProgress attaches a progress callback that backends report through.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress forwards p to the callback attached with WithProgress, if any.
func ReportProgress(ctx context.Context, p workqueue.Progress) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(p)
	}
}
