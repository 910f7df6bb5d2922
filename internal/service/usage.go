// Package service contains the business logic layer.
//
// Services orchestrate interactions between the account store, the
// notifier, and domain logic. They are responsible for:
// - Business rule enforcement
// - Error translation (store errors -> domain errors)
// - Metrics and tracing around each operation
package service

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/DukeRupert/geepity/internal/domain"
	"github.com/DukeRupert/geepity/internal/metrics"
	"github.com/DukeRupert/geepity/internal/notify"
	"github.com/DukeRupert/geepity/internal/store"
	"github.com/DukeRupert/geepity/internal/tracing"
)

// =============================================================================
// Interface Definition
// =============================================================================

// UsageService gates proxy requests on quota and records completed usage.
type UsageService interface {
	// Authorize loads the account and applies the tier's quota rule.
	// A missing account is evaluated as absent rather than failing.
	// Returns domain.EFORBIDDEN with the denial reason when refused.
	Authorize(ctx context.Context, policy domain.TierPolicy, accountID string) (*domain.Account, error)

	// Settle charges one completed request against the tier's counter and
	// notifies the account when a threshold is crossed exactly.
	Settle(ctx context.Context, policy domain.TierPolicy, accountID string) error
}

// =============================================================================
// Implementation
// =============================================================================

type usageService struct {
	store    store.AccountStore
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewUsageService creates a new UsageService.
func NewUsageService(accounts store.AccountStore, notifier notify.Notifier, logger *slog.Logger) UsageService {
	return &usageService{
		store:    accounts,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *usageService) Authorize(ctx context.Context, policy domain.TierPolicy, accountID string) (*domain.Account, error) {
	const op = "usage.authorize"

	ctx, span := tracing.Start(ctx, "proxy.authorize", trace.WithAttributes(
		attribute.String("tier", policy.Tier.String()),
	))
	defer span.End()

	acct, err := s.store.Get(ctx, accountID)
	if err != nil {
		if !domain.IsNotFound(err) {
			tracing.RecordError(span, err)
			return nil, domain.Internal(err, op, "failed to load account")
		}
		acct = nil
	}

	if err := policy.Authorize(acct, s.now()); err != nil {
		span.SetAttributes(attribute.String("denied", domain.ErrorMessage(err)))
		s.logger.InfoContext(ctx, "request denied",
			"account_id", accountID,
			"tier", policy.Tier,
			"reason", domain.ErrorMessage(err),
		)
		return nil, err
	}

	return acct, nil
}

func (s *usageService) Settle(ctx context.Context, policy domain.TierPolicy, accountID string) error {
	const op = "usage.settle"
	tier := policy.Tier.String()

	ctx, span := tracing.Start(ctx, "proxy.settle", trace.WithAttributes(
		attribute.String("tier", tier),
	))
	defer span.End()

	acct, err := s.store.Get(ctx, accountID)
	if err != nil {
		tracing.RecordError(span, err)
		metrics.Settlement(tier, "error")
		if domain.IsNotFound(err) {
			s.logger.WarnContext(ctx, "settlement skipped: account not found", "account_id", accountID, "tier", tier)
			return nil
		}
		return domain.Internal(err, op, "failed to load account")
	}

	res, err := s.store.ApplyCounter(ctx, accountID, policy.Settle(acct))
	if err != nil {
		tracing.RecordError(span, err)
		metrics.Settlement(tier, "error")
		return domain.Internal(err, op, "failed to apply usage")
	}

	if !res.Applied {
		metrics.Settlement(tier, "skipped")
		s.logger.WarnContext(ctx, "settlement skipped: quota exhausted concurrently",
			"account_id", accountID,
			"tier", tier,
			"value", res.Value,
		)
		return nil
	}

	metrics.Settlement(tier, "applied")
	span.SetAttributes(attribute.Int("counter.value", res.Value))
	s.logger.DebugContext(ctx, "usage settled",
		"account_id", accountID,
		"tier", tier,
		"field", policy.CounterField(),
		"value", res.Value,
	)

	if body, ok := policy.Threshold(res.Value); ok {
		s.notifier.Notify(ctx, accountID, domain.NotificationTitle, body)
	}
	return nil
}
