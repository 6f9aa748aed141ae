// Package cron provides cron-expression helpers and the periodic tick loop
// shared by the heartbeat and relay daemons.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// TickFunc is one pass of a daemon.
type TickFunc func(ctx context.Context)

// Config holds the dependencies for a Scheduler.
type Config struct {
	Name     string
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Tick     TickFunc
}

// Scheduler runs Tick immediately on Start and then on every interval until
// stopped. Kick requests an extra tick without waiting for the interval.
type Scheduler struct {
	name     string
	logger   *slog.Logger
	interval time.Duration
	tick     TickFunc
	kick     chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "scheduler"
	}
	return &Scheduler{
		name:     name,
		logger:   logger,
		interval: interval,
		tick:     cfg.Tick,
		kick:     make(chan struct{}, 1),
	}
}

// Start begins the loop in a background goroutine. It respects ctx for
// shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "name", s.name, "interval", s.interval)
}

// Stop cancels the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped", "name", s.name)
}

// Kick schedules an early tick. Kicks received while one is already pending
// are coalesced.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(ctx)
		case <-s.kick:
			s.run(ctx)
		}
	}
}

// run invokes tick, keeping a panicking tick from killing the daemon.
func (s *Scheduler) run(ctx context.Context) {
	if s.tick == nil || ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked", "name", s.name, "panic", r)
		}
	}()
	s.tick(ctx)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Validate reports whether cronExpr parses.
func Validate(cronExpr string) error {
	_, err := cronParser.Parse(cronExpr)
	return err
}

// Due reports whether a schedule that last ran at last is due at now. A
// schedule that never ran is always due.
func Due(cronExpr string, last *time.Time, now time.Time) (bool, error) {
	if last == nil || last.IsZero() {
		return true, nil
	}
	next, err := NextRunTime(cronExpr, *last)
	if err != nil {
		return false, err
	}
	return !next.After(now), nil
}
