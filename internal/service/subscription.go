package service

import (
	"context"
	"encoding/json"
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

// SubscriptionService applies normalized billing events to account records.
type SubscriptionService interface {
	// Apply archives and records the event, then performs its transition.
	// Redelivered events are recognized and skipped.
	// Returns domain.ENOTFOUND when the account does not exist.
	Apply(ctx context.Context, event domain.BillingEvent, raw json.RawMessage) error
}

// Archiver stores raw webhook payloads.
type Archiver interface {
	Archive(ctx context.Context, source, eventID string, payload []byte) (string, error)
}

// =============================================================================
// Implementation
// =============================================================================

type subscriptionService struct {
	store    store.AccountStore
	events   store.EventLog
	archive  Archiver
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewSubscriptionService creates a new SubscriptionService. archive may be nil.
func NewSubscriptionService(
	accounts store.AccountStore,
	events store.EventLog,
	archive Archiver,
	notifier notify.Notifier,
	logger *slog.Logger,
) SubscriptionService {
	return &subscriptionService{
		store:    accounts,
		events:   events,
		archive:  archive,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *subscriptionService) Apply(ctx context.Context, event domain.BillingEvent, raw json.RawMessage) error {
	const op = "subscription.apply"

	ctx, span := tracing.Start(ctx, "webhook.apply", trace.WithAttributes(
		attribute.String("billing.source", event.Source),
		attribute.String("billing.type", event.Type.String()),
	))
	defer span.End()

	logger := s.logger.With(
		"source", event.Source,
		"event_id", event.ID,
		"event_type", event.RawType,
		"account_id", event.AccountID,
	)

	// 1. Archive the raw payload (best effort)
	if s.archive != nil && len(raw) > 0 {
		key, err := s.archive.Archive(ctx, event.Source, event.ID, raw)
		if err != nil {
			logger.WarnContext(ctx, "Failed to archive webhook payload", "error", err)
		} else {
			logger.DebugContext(ctx, "Archived webhook payload", "key", key)
		}
	}

	// 2. Record in the ledger, skipping redeliveries
	duplicate, recordErr := s.events.Record(ctx, domain.BillingEventRecord{
		Event:      event,
		Payload:    raw,
		ReceivedAt: s.now(),
	})
	if recordErr != nil {
		// A ledger failure does not block the transition.
		logger.ErrorContext(ctx, "Failed to record billing event", "error", recordErr)
	}
	if duplicate {
		logger.InfoContext(ctx, "Duplicate billing event skipped")
		metrics.WebhookEvent(event.Source, event.Type.String(), "duplicate")
		return nil
	}

	// 3. Apply the transition
	err := s.transition(ctx, event, logger)
	result := "applied"
	switch {
	case err != nil:
		result = "error"
		tracing.RecordError(span, err)
	case event.Type == domain.EventUnknown:
		result = "ignored"
	}
	metrics.WebhookEvent(event.Source, event.Type.String(), result)

	if err != nil {
		// Let the provider's retry reach the transition again.
		if recordErr == nil {
			if ferr := s.events.Forget(ctx, event.Source, event.ID); ferr != nil {
				logger.ErrorContext(ctx, "Failed to forget billing event", "error", ferr)
			}
		}
		if domain.IsNotFound(err) {
			return err
		}
		return domain.Internal(err, op, "failed to apply billing event")
	}
	return nil
}

func (s *subscriptionService) transition(ctx context.Context, event domain.BillingEvent, logger *slog.Logger) error {
	switch {
	case event.Type.GrantsPro():
		if err := s.store.SetSubscription(ctx, event.AccountID, domain.TierPro, event.ExpiresAt); err != nil {
			return err
		}
		logger.InfoContext(ctx, "Subscription activated", "expires_at", event.ExpiresAt)

	case event.Type.RevokesPro():
		if err := s.store.SetSubscription(ctx, event.AccountID, domain.TierFree, nil); err != nil {
			return err
		}
		logger.InfoContext(ctx, "Subscription ended")

	case event.Type == domain.EventBillingIssue:
		s.notifier.Notify(ctx, event.AccountID, domain.NotificationTitle, domain.MsgBillingIssue)
		logger.InfoContext(ctx, "Billing issue notification requested")

	default:
		logger.InfoContext(ctx, "Unhandled billing event type")
	}
	return nil
}
