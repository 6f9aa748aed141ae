package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/clawforge/internal/shared"
	"github.com/basket/clawforge/internal/workqueue"
)

// AgentRequest is a headless agent-loop run on behalf of a worker.
type AgentRequest struct {
	Identity string
	Goal     string
	Metadata map[string]any
	Progress ProgressFunc
}

// AgentRunner re-enters the agent loop headlessly. The orchestrator
// implements it.
type AgentRunner interface {
	RunAgent(ctx context.Context, req AgentRequest) (workqueue.Result, error)
}

// AgentBackend executes instructions with the in-process agent loop under
// the worker's namespaced identity, so tool policy applies to the worker.
type AgentBackend struct {
	runner AgentRunner
}

func NewAgentBackend(runner AgentRunner) *AgentBackend {
	return &AgentBackend{runner: runner}
}

func (a *AgentBackend) Name() string { return BackendAgent }

func (a *AgentBackend) Prepare(ctx context.Context) error {
	if a.runner == nil {
		return errors.New("agent runner not configured")
	}
	return nil
}

func (a *AgentBackend) Run(ctx context.Context, req Request) (workqueue.Result, error) {
	identity := shared.WorkerIdentity(req.Worker.ID)
	ctx = shared.WithIdentity(ctx, identity)
	var progress ProgressFunc
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok {
		progress = fn
	}
	res, err := a.runner.RunAgent(ctx, AgentRequest{
		Identity: identity,
		Goal:     req.Instruction,
		Metadata: req.Metadata,
		Progress: progress,
	})
	res.Backend = BackendAgent
	if res.RuntimeMode == "" {
		res.RuntimeMode = ModeInProcess
	}
	if err != nil {
		if res.Error == "" {
			res.Error = err.Error()
		}
		if res.ErrorCode == "" {
			res.ErrorCode = string(shared.ClassifyError(err))
		}
		res.OK = false
		return res, fmt.Errorf("agent: %w", err)
	}
	return res, nil
}
