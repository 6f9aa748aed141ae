package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/basket/clawforge/internal/audit"
	"github.com/basket/clawforge/internal/bus"
	"github.com/basket/clawforge/internal/channels"
	"github.com/basket/clawforge/internal/config"
	"github.com/basket/clawforge/internal/orchestrator"
	otelPkg "github.com/basket/clawforge/internal/otel"
	"github.com/basket/clawforge/internal/persistence"
	"github.com/basket/clawforge/internal/policy"
	"github.com/basket/clawforge/internal/telemetry"
	"github.com/basket/clawforge/internal/worker"
	"github.com/basket/clawforge/internal/workqueue"
	"github.com/mattn/go-isatty"
)

// app holds the components every command shares.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	audit    *audit.Log
	otel     *otelPkg.Provider
	metrics  *otelPkg.Metrics
	bus      *bus.Bus
	store    *persistence.Store
	queue    *workqueue.Queue
	policy   *policy.Store
	registry *worker.Registry

	closers []func() error
}

func interactive() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// openApp loads configuration and opens storage. Long-running commands log
// to stdout; one-shot commands run from a terminal log to the file only.
func openApp(ctx context.Context, opts *rootOptions, longRunning bool) (*app, error) {
	var (
		cfg config.Config
		err error
	)
	if opts.home != "" {
		cfg, err = config.LoadFrom(opts.home)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	a := &app{cfg: cfg, bus: bus.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	quiet := opts.quiet || (!longRunning && interactive())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a.closers = append(a.closers, closer.Close)
	a.logger = logger
	slog.SetDefault(logger)

	if a.audit, err = audit.Open(cfg.HomeDir); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.audit.Close)

	if a.otel, err = otelPkg.Init(ctx, cfg.OTel); err != nil {
		logger.Warn("otel init failed; continuing without telemetry", "error", err)
		a.otel = otelPkg.Noop()
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.otel.Shutdown(sctx)
	})
	if a.metrics, err = otelPkg.NewMetrics(a.otel.Meter); err != nil {
		logger.Warn("metrics init failed", "error", err)
		a.metrics = nil
	}

	if a.store, err = persistence.Open(cfg.DBPath(), a.bus); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	a.queue, err = workqueue.Open(cfg.QueueDir(),
		workqueue.WithLockTimeout(cfg.LockTimeout()),
		workqueue.WithBus(a.bus),
		workqueue.WithMetrics(a.metrics),
		workqueue.WithLogger(telemetry.Component(logger, "workqueue")),
	)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}

	if a.policy, err = policy.Open(cfg.PolicyPath(), policy.WithAudit(a.audit), policy.WithMetrics(a.metrics)); err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	if a.registry, err = worker.LoadRegistry(cfg.WorkersPath(), cfg.Executor.DefaultBackend); err != nil {
		return nil, fmt.Errorf("load workers: %w", err)
	}

	logger.Info("startup phase", "phase", "app_opened", "home", cfg.HomeDir, "config", cfg.Fingerprint())
	ok = true
	return a, nil
}

// Close releases resources in reverse open order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// agentRunner breaks the construction cycle between the runtime (which
// needs an agent backend) and the orchestrator (which needs the runtime).
type agentRunner struct {
	orch *orchestrator.Orchestrator
}

func (r *agentRunner) RunAgent(ctx context.Context, req worker.AgentRequest) (workqueue.Result, error) {
	if r.orch == nil {
		return workqueue.Result{}, fmt.Errorf("agent loop not ready")
	}
	return r.orch.RunAgent(ctx, req)
}

// stack is the manager loop plus the worker runtime it dispatches into.
type stack struct {
	orch     *orchestrator.Orchestrator
	runtime  *worker.Runtime
	channels *channels.Registry
}

func (a *app) buildStack(ctx context.Context, chans *channels.Registry) (*stack, error) {
	cfg := a.cfg
	tracer := a.otel.Tracer
	shell := worker.NewShellBackend(&worker.HostRunner{},
		time.Duration(cfg.Executor.ShellTimeoutSeconds)*time.Second, cfg.Executor.MaxOutputBytes)
	runner := &agentRunner{}

	rtOpts := []worker.RuntimeOption{
		worker.WithBackend(shell),
		worker.WithBackend(worker.NewAgentBackend(runner)),
		worker.WithInbox(a.store.Inbox()),
		worker.WithFallbackInProcess(cfg.Executor.FallbackInProcess),
		worker.WithRuntimeLogger(telemetry.Component(a.logger, "runtime")),
		worker.WithRuntimeMetrics(a.metrics),
		worker.WithTracer(tracer),
	}
	docker, err := worker.NewDockerBackend(worker.DockerOptions{
		Image:     cfg.Executor.DockerImage,
		MemoryMB:  cfg.Executor.DockerMemoryMB,
		Network:   cfg.Executor.DockerNetwork,
		Timeout:   time.Duration(cfg.Executor.ShellTimeoutSeconds) * time.Second,
		MaxOutput: cfg.Executor.MaxOutputBytes,
	})
	if err != nil {
		a.logger.Warn("docker backend unavailable", "error", err)
	} else {
		rtOpts = append(rtOpts, worker.WithBackend(docker))
		a.closers = append(a.closers, docker.Close)
	}
	rt := worker.NewRuntime(a.registry, a.policy, rtOpts...)

	dispatcher, err := orchestrator.NewDispatcher(a.policy,
		orchestrator.WithWorkerRuntime(rt),
		orchestrator.WithQueue(a.queue),
		orchestrator.WithDispatchInbox(a.store.Inbox()),
		orchestrator.WithWorkspace(cfg.WorkspaceDir()),
		orchestrator.WithShell(shell),
		orchestrator.WithDispatcherLogger(telemetry.Component(a.logger, "dispatcher")),
		orchestrator.WithDispatcherMetrics(a.metrics),
		orchestrator.WithDispatcherTracer(tracer),
	)
	if err != nil {
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}

	model := orchestrator.NewGenkitModel(ctx, cfg.LLM, cfg.ProviderAPIKey(), a.logger)
	orch := orchestrator.New(model, dispatcher, cfg.Orchestrator,
		orchestrator.WithStore(a.store),
		orchestrator.WithChannels(chans),
		orchestrator.WithLogger(telemetry.Component(a.logger, "orchestrator")),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithTracer(tracer),
	)
	runner.orch = orch
	return &stack{orch: orch, runtime: rt, channels: chans}, nil
}

// executorFor builds the execution daemon for one worker.
func (a *app) executorFor(rt *worker.Runtime, w worker.Worker) *worker.Executor {
	ec := a.cfg.Executor
	return worker.NewExecutor(a.queue, rt, worker.ExecutorConfig{
		WorkerID:           w.ID,
		Concurrency:        w.MaxConcurrency,
		PollInterval:       time.Duration(ec.PollIntervalMs) * time.Millisecond,
		CancelPollInterval: time.Duration(ec.CancelPollIntervalMs) * time.Millisecond,
		TaskTimeout:        time.Duration(ec.TaskTimeoutSeconds) * time.Second,
	}, a.logger)
}
