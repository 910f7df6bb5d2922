// Package scheduler runs named tasks on cron schedules in UTC.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a scheduled unit of work.
type Task func(ctx context.Context) error

// Scheduler wraps a cron runner. Overlapping runs of the same entry are
// skipped and panics are recovered.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	logger *slog.Logger
}

// New creates a Scheduler. ctx is passed to every task run.
func New(ctx context.Context, logger *slog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{cron: c, ctx: ctx, logger: logger}
}

// Add registers task under name with a standard five-field cron spec.
func (s *Scheduler) Add(spec, name string, task Task) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		s.logger.Info("Scheduled task starting", "task", name)
		if err := task(s.ctx); err != nil {
			s.logger.Error("Scheduled task failed", "task", name, "error", err, "duration", time.Since(start))
			return
		}
		s.logger.Info("Scheduled task finished", "task", name, "duration", time.Since(start))
	})
	if err != nil {
		return 0, fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.logger.Debug("Scheduled task registered", "task", name, "schedule", spec, "next", s.cron.Entry(id).Next)
	return id, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling. The returned context is done once running tasks finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Next reports the next run time of an entry.
func (s *Scheduler) Next(id cron.EntryID) time.Time {
	return s.cron.Entry(id).Next
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
