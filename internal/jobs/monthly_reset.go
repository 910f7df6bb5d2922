package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/DukeRupert/geepity/internal/domain"
	"github.com/DukeRupert/geepity/internal/metrics"
	"github.com/DukeRupert/geepity/internal/tracing"
)

// ProUsageResetter is the account store method the reset job needs.
type ProUsageResetter interface {
	ResetProUsage(ctx context.Context) ([]string, error)
}

// RefreshNotifier queues a notification, waiting for room in the queue.
// notify.QueueNotifier implements it.
type RefreshNotifier interface {
	NotifyWait(ctx context.Context, accountID, title, body string) error
}

// MonthlyResetJob zeroes every pro account's monthly usage and tells each
// affected account. The bulk write is atomic; notifications are queued one
// by one afterwards and never undo it. Run is called by the scheduler, not
// the worker, so the fan-out can wait on the worker's queue.
type MonthlyResetJob struct {
	store    ProUsageResetter
	notifier RefreshNotifier
	logger   *slog.Logger
}

// NewMonthlyResetJob creates the reset job.
func NewMonthlyResetJob(store ProUsageResetter, notifier RefreshNotifier, logger *slog.Logger) *MonthlyResetJob {
	return &MonthlyResetJob{
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// Run performs the reset.
func (j *MonthlyResetJob) Run(ctx context.Context) error {
	ctx, span := tracing.Start(ctx, "reset.run")
	defer span.End()

	ids, err := j.store.ResetProUsage(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		metrics.ResetRun("error", 0)
		j.logger.Error("monthly reset failed", "error", err)
		return fmt.Errorf("reset pro usage: %w", err)
	}

	span.SetAttributes(attribute.Int("reset.accounts", len(ids)))
	metrics.ResetRun("success", len(ids))
	j.logger.Info("monthly reset complete", "accounts", len(ids))

	for i, id := range ids {
		if err := j.notifier.NotifyWait(ctx, id, domain.NotificationTitle, domain.MsgProUsageRefresh); err != nil {
			j.logger.Warn("refresh notifications interrupted", "queued", i, "remaining", len(ids)-i, "error", err)
			return fmt.Errorf("queue refresh notifications: %w", err)
		}
	}
	return nil
}
