package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/basket/clawforge/internal/channels"
	"github.com/basket/clawforge/internal/config"
	"github.com/basket/clawforge/internal/heartbeat"
	"github.com/basket/clawforge/internal/relay"
	"github.com/basket/clawforge/internal/telemetry"
	"github.com/basket/clawforge/internal/worker"
	"github.com/basket/clawforge/internal/workqueue"
	"github.com/spf13/cobra"
)

func newDaemonCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the enabled daemons: chat listeners, worker executors, heartbeat and relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()
			return runDaemon(ctx, a)
		},
	}
}

// buildChannels registers an adapter per enabled platform with a token. A
// failed connect is retried by the adapter's listener.
func (a *app) buildChannels() (*channels.Registry, []channels.Listener) {
	reg := channels.NewRegistry()
	var listeners []channels.Listener
	cc := a.cfg.Channels
	if cc.Telegram.Enabled && cc.Telegram.Token != "" {
		tg := channels.NewTelegram(cc.Telegram.Token, nil, a.logger)
		if err := tg.Connect(); err != nil {
			a.logger.Warn("telegram connect failed", "error", err)
		}
		reg.Register(tg)
		listeners = append(listeners, tg)
	}
	if cc.Discord.Enabled && cc.Discord.Token != "" {
		dc := channels.NewDiscord(cc.Discord.Token, a.logger)
		if err := dc.Connect(); err != nil {
			a.logger.Warn("discord connect failed", "error", err)
		}
		reg.Register(dc)
		listeners = append(listeners, dc)
		a.closers = append(a.closers, dc.Close)
	}
	return reg, listeners
}

// chatHandler remembers where each user first talked to us, so heartbeat
// output and worker results have a default destination.
func (a *app) chatHandler(next channels.IncomingHandler) channels.IncomingHandler {
	hb := a.store.Heartbeats()
	return func(ctx context.Context, msg channels.Incoming) channels.Reply {
		if msg.UserID != "" && msg.ChatID != "" {
			st, err := hb.Get(ctx, msg.UserID)
			if err == nil && !st.DeliveryTarget.Valid() {
				target := workqueue.DeliveryTarget{Platform: msg.Platform, ChatID: msg.ChatID}
				if err := hb.SetDeliveryTarget(ctx, msg.UserID, target); err != nil {
					a.logger.Warn("store default delivery target failed", "user_id", msg.UserID, "error", err)
				}
			}
		}
		return next(ctx, msg)
	}
}

func (a *app) detectors() []heartbeat.Detector {
	cfg := a.cfg
	usersDir := filepath.Join(cfg.HomeDir, "users")
	ds := []heartbeat.Detector{heartbeat.PendingSubscriptionsDetector{Dir: usersDir}}
	market, err := heartbeat.NewMarketOpenDetector(usersDir, cfg.Heartbeat.Timezone, cfg.Heartbeat.MarketOpen, cfg.Heartbeat.MarketClose)
	if err != nil {
		a.logger.Warn("market detector disabled", "error", err)
	} else {
		ds = append(ds, market)
	}
	return ds
}

func runDaemon(ctx context.Context, a *app) error {
	logger := a.logger
	cfg := a.cfg
	chans, listeners := a.buildChannels()
	st, err := a.buildStack(ctx, chans)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	var executors []*worker.Executor
	if cfg.Executor.Enabled {
		for _, w := range a.registry.List() {
			ex := a.executorFor(st.runtime, w)
			ex.Start(ctx)
			executors = append(executors, ex)
		}
		logger.Info("worker executors started", "count", len(executors))
	}

	if cfg.Heartbeat.Enabled {
		hb := heartbeat.New(a.store, st.orch, cfg.Heartbeat,
			heartbeat.WithChannels(chans),
			heartbeat.WithDetectors(a.detectors()...),
			heartbeat.WithBus(a.bus),
			heartbeat.WithMetrics(a.metrics),
			heartbeat.WithLogger(logger),
		)
		hb.Start(ctx)
		defer hb.Stop()
	}

	if cfg.Relay.Enabled {
		rl := relay.New(a.queue, a.store, cfg.Relay,
			relay.WithChannels(chans),
			relay.WithBus(a.bus),
			relay.WithMetrics(a.metrics),
			relay.WithLogger(logger),
		)
		rl.Start(ctx)
		defer rl.Stop()
	}

	handler := a.chatHandler(st.orch.HandleIncoming)
	for _, l := range listeners {
		wg.Add(1)
		go func(l channels.Listener) {
			defer wg.Done()
			if err := l.Listen(ctx, handler); err != nil && ctx.Err() == nil {
				logger.Error("channel listener stopped", "channel", l.Name(), "error", err)
			}
		}(l)
	}

	watcher := config.NewWatcher(cfg.HomeDir, telemetry.Component(logger, "watcher"))
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; live reload disabled", "error", err)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.watchReloads(watcher.Events())
		}()
	}

	logger.Info("daemon ready", "channels", chans.Names(), "workers", len(a.registry.List()))
	<-ctx.Done()
	logger.Info("daemon shutting down")
	for _, ex := range executors {
		ex.Wait()
	}
	wg.Wait()
	return nil
}

func (a *app) watchReloads(events <-chan config.ReloadEvent) {
	for ev := range events {
		switch filepath.Base(ev.Path) {
		case "policy.yaml":
			if err := a.policy.ReloadFromFile(); err != nil {
				a.logger.Error("policy reload failed; keeping previous policy", "error", err)
				continue
			}
			a.logger.Info("policy reloaded", "policy_version", a.policy.Version())
		case "workers.yaml":
			if err := a.registry.Reload(); err != nil {
				a.logger.Error("worker registry reload failed", "error", err)
				continue
			}
			a.logger.Info("worker registry reloaded", "workers", len(a.registry.List()))
		case "config.yaml":
			next, err := config.LoadFrom(a.cfg.HomeDir)
			if err != nil {
				a.logger.Error("config reload failed", "error", err)
				continue
			}
			if next.Fingerprint() != a.cfg.Fingerprint() {
				a.logger.Warn("config.yaml changed; restart the daemon to apply", "config", next.Fingerprint())
			}
		}
	}
}

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Worker execution commands",
	}
	var id string
	run := &cobra.Command{
		Use:   "run",
		Short: "Run the execution daemon for one worker's queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, true)
			if err != nil {
				return err
			}
			defer a.Close()
			w, ok := a.registry.Get(id)
			if !ok {
				return fmt.Errorf("%w: %s", worker.ErrUnknownWorker, id)
			}
			chans, _ := a.buildChannels()
			st, err := a.buildStack(ctx, chans)
			if err != nil {
				return err
			}
			ex := a.executorFor(st.runtime, w)
			ex.Start(ctx)
			a.logger.Info("worker executor running", "worker_id", w.ID)
			ex.Wait()
			return nil
		},
	}
	run.Flags().StringVar(&id, "id", "", "worker id from workers.yaml")
	_ = run.MarkFlagRequired("id")
	cmd.AddCommand(run)
	return cmd
}
