// Package cron runs the janitor: a periodic sweep that recovers stale
// channel locks, reschedules missed work, and removes orphaned credential
// files. The sweep schedule is a standard 5-field cron expression.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskforge/internal/credentials"
	"github.com/basket/taskforge/internal/queue"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime returns the next time the expression fires after now.
func NextRunTime(expr string, now time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule.Next(now), nil
}

// Config holds the janitor's dependencies.
type Config struct {
	Queue            *queue.Queue
	Credentials      *credentials.Materializer
	Logger           *slog.Logger
	Schedule         string        // cron expression; defaults to every 5 minutes
	CredentialMaxAge time.Duration // 0 disables the credential sweep
}

// Janitor periodically re-runs the crash-recovery sweeps so a missed wakeup
// or a crash in another process never wedges a queue for longer than one
// sweep interval.
type Janitor struct {
	queue    *queue.Queue
	creds    *credentials.Materializer
	logger   *slog.Logger
	schedule cronlib.Schedule
	maxAge   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewJanitor(cfg Config) (*Janitor, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "*/5 * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		queue:    cfg.Queue,
		creds:    cfg.Credentials,
		logger:   logger,
		schedule: schedule,
		maxAge:   cfg.CredentialMaxAge,
	}, nil
}

// Start begins the sweep loop in a background goroutine.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	j.logger.Info("janitor started", "next_run", j.schedule.Next(time.Now()))
}

// Stop cancels the loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one janitor pass. Exported so startup and tests can invoke it
// directly.
func (j *Janitor) Sweep(ctx context.Context) {
	recovered, err := j.queue.RecoverStale(ctx)
	if err != nil {
		j.logger.Error("janitor: stale lock recovery failed", "error", err)
	} else if recovered > 0 {
		j.logger.Warn("janitor: recovered stale channels", "count", recovered)
	}

	scheduled, err := j.queue.DrivePending(ctx)
	if err != nil {
		j.logger.Error("janitor: pending drive sweep failed", "error", err)
	} else if scheduled > 0 {
		j.logger.Info("janitor: scheduled drives for pending channels", "count", scheduled)
	}

	// maxAge <= 0 disables the credential sweep.
	if j.creds != nil && j.maxAge > 0 {
		removed, err := j.creds.SweepOlderThan(ctx, j.maxAge)
		if err != nil {
			j.logger.Error("janitor: credential sweep failed", "error", err)
		} else if removed > 0 {
			j.logger.Warn("janitor: removed orphaned credentials", "count", removed)
		}
	}
}
