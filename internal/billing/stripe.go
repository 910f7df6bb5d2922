// Package billing provides the Stripe integration for subscription webhooks.
//
// Stripe is an optional second billing provider. Its webhook deliveries are
// verified here and normalized into the same domain.BillingEvent values the
// RevenueCat handler produces, so both flow through SubscriptionService.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/DukeRupert/geepity/internal/domain"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/subscription"
	"github.com/stripe/stripe-go/v79/webhook"
)

// AccountMetadataKey is the metadata key carrying the app account id on
// Stripe subscriptions.
const AccountMetadataKey = "app_user_id"

// ErrNoAccount is returned by Normalize when the event carries no account id.
var ErrNoAccount = errors.New("billing: event has no app_user_id")

// Stripe event types handled by Normalize.
const (
	EventSubscriptionCreated  = "customer.subscription.created"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// Service defines the interface for Stripe webhook operations.
type Service interface {
	// VerifyWebhookSignature verifies the Stripe-Signature header and returns the event.
	VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error)

	// Normalize maps a verified event to a BillingEvent. Unhandled event
	// types normalize to domain.EventUnknown. Returns ErrNoAccount when a
	// handled event cannot be attributed to an account.
	Normalize(ctx context.Context, event stripe.Event) (domain.BillingEvent, error)
}

// Config holds Stripe credentials.
type Config struct {
	// SecretKey enables API lookups of subscription metadata for invoices
	// that do not carry it inline. Optional.
	SecretKey string

	// WebhookSecret verifies incoming webhook signatures.
	WebhookSecret string
}

// stripeService is the concrete implementation of Service.
type stripeService struct {
	webhookSecret string

	// getSubscription fetches a subscription by id; nil when no API key is set.
	getSubscription func(id string) (*stripe.Subscription, error)
}

// NewStripeService creates a new Stripe webhook service.
func NewStripeService(cfg Config) Service {
	s := &stripeService{webhookSecret: cfg.WebhookSecret}
	if cfg.SecretKey != "" {
		stripe.Key = cfg.SecretKey
		s.getSubscription = func(id string) (*stripe.Subscription, error) {
			return subscription.Get(id, nil)
		}
	}
	return s
}

func (s *stripeService) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	const op = "billing.verify_webhook"

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                webhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, domain.Wrap(err, domain.EINVALID, op, "Invalid signature")
	}
	return event, nil
}

func (s *stripeService) Normalize(ctx context.Context, event stripe.Event) (domain.BillingEvent, error) {
	const op = "billing.normalize"

	out := domain.BillingEvent{
		Source:  domain.SourceStripe,
		ID:      event.ID,
		Type:    domain.EventUnknown,
		RawType: string(event.Type),
	}

	switch string(event.Type) {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return out, domain.Wrap(err, domain.EINVALID, op, "Invalid subscription payload")
		}
		out.Type = subscriptionEventType(sub.Status)
		if out.Type == domain.EventPurchase && sub.CurrentPeriodEnd > 0 {
			end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
			out.ExpiresAt = &end
		}
		out.AccountID = sub.Metadata[AccountMetadataKey]

	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return out, domain.Wrap(err, domain.EINVALID, op, "Invalid subscription payload")
		}
		out.Type = domain.EventExpiration
		out.AccountID = sub.Metadata[AccountMetadataKey]

	case EventInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return out, domain.Wrap(err, domain.EINVALID, op, "Invalid invoice payload")
		}
		out.Type = domain.EventBillingIssue
		accountID, err := s.invoiceAccountID(&inv)
		if err != nil {
			return out, domain.Internal(err, op, "failed to look up invoice subscription")
		}
		out.AccountID = accountID

	default:
		return out, nil
	}

	if out.AccountID == "" {
		return out, ErrNoAccount
	}
	return out, nil
}

// invoiceAccountID reads the account id from the invoice's subscription
// details, then from an expanded subscription, then from the API.
func (s *stripeService) invoiceAccountID(inv *stripe.Invoice) (string, error) {
	if inv.SubscriptionDetails != nil {
		if id := inv.SubscriptionDetails.Metadata[AccountMetadataKey]; id != "" {
			return id, nil
		}
	}
	if inv.Subscription == nil {
		return "", nil
	}
	if id := inv.Subscription.Metadata[AccountMetadataKey]; id != "" {
		return id, nil
	}
	if s.getSubscription == nil || inv.Subscription.ID == "" {
		return "", nil
	}

	sub, err := s.getSubscription(inv.Subscription.ID)
	if err != nil {
		return "", err
	}
	return sub.Metadata[AccountMetadataKey], nil
}

// subscriptionEventType maps a subscription status to the event it implies.
func subscriptionEventType(status stripe.SubscriptionStatus) domain.BillingEventType {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return domain.EventPurchase
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		return domain.EventExpiration
	default:
		return domain.EventUnknown
	}
}
