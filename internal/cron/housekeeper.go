// Package cron runs the periodic housekeeping jobs: approval-token sweeps,
// guard-state eviction, and KPI snapshot logging.
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

// Job is one named housekeeping task with its schedule.
type Job struct {
	Name     string
	CronExpr string
	Run      func(ctx context.Context)
}

// Config holds the dependencies for the housekeeper.
type Config struct {
	Jobs     []Job
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 30 seconds if zero
}

// Housekeeper ticks at a fixed interval and fires each job whose next run
// time has passed.
type Housekeeper struct {
	jobs     []Job
	nextRun  []time.Time
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHousekeeper creates a Housekeeper. Jobs with unparseable schedules are
// rejected up front rather than silently skipped forever.
func NewHousekeeper(cfg Config) (*Housekeeper, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Housekeeper{
		jobs:     cfg.Jobs,
		nextRun:  make([]time.Time, len(cfg.Jobs)),
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
	start := h.now()
	for i, job := range cfg.Jobs {
		next, err := NextRunTime(job.CronExpr, start)
		if err != nil {
			return nil, err
		}
		h.nextRun[i] = next
	}
	return h, nil
}

// Start begins the housekeeping loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (h *Housekeeper) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.loop(ctx)
	h.logger.Info("housekeeper started", "jobs", len(h.jobs), "interval", h.interval)
}

// Stop cancels the loop and waits for it to exit.
func (h *Housekeeper) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.logger.Info("housekeeper stopped")
}

func (h *Housekeeper) loop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

// tick fires every job that is due and advances its next run time.
func (h *Housekeeper) tick(ctx context.Context) {
	now := h.now()
	for i, job := range h.jobs {
		if now.Before(h.nextRun[i]) {
			continue
		}
		job.Run(ctx)

		next, err := NextRunTime(job.CronExpr, now)
		if err != nil {
			h.logger.Error("housekeeper: failed to compute next run",
				"job", job.Name,
				"cron_expr", job.CronExpr,
				"error", err,
			)
			continue
		}
		h.nextRun[i] = next
		h.logger.Debug("housekeeper: job fired", "job", job.Name, "next_run_at", next)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
