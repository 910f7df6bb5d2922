// Package handler contains HTTP handlers for the Geepity proxy.
//
// This file implements the billing webhook handlers.
//
// Routes:
//   - POST /webhooks/revenuecat -> HandleRevenueCatWebhook
//   - POST /webhooks/stripe     -> HandleStripeWebhook (when Stripe is configured)
//
// These routes are PUBLIC (no token auth) because the billing providers
// call them directly. RevenueCat authenticates with a shared bearer secret;
// Stripe with its webhook signature.
package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/DukeRupert/geepity/internal/billing"
	"github.com/DukeRupert/geepity/internal/domain"
	"github.com/DukeRupert/geepity/internal/middleware"
	"github.com/DukeRupert/geepity/internal/service"
)

// MaxWebhookBody caps webhook payloads.
const MaxWebhookBody = 64 << 10

// placeholderRevenueCatSecret is shipped in sample configs and never
// treated as a real secret.
const placeholderRevenueCatSecret = "placeholder_revenuecat_webhook_secret"

// WebhookHandler handles billing provider webhooks.
type WebhookHandler struct {
	subscriptions    service.SubscriptionService
	billing          billing.Service
	revenueCatSecret string
	logger           *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
// billingService may be nil when Stripe is not configured. An empty
// revenueCatSecret disables RevenueCat authentication.
func NewWebhookHandler(
	subscriptions service.SubscriptionService,
	billingService billing.Service,
	revenueCatSecret string,
	logger *slog.Logger,
) *WebhookHandler {
	if revenueCatSecret == placeholderRevenueCatSecret {
		revenueCatSecret = ""
	}
	if revenueCatSecret == "" {
		logger.Warn("REVENUECAT_WEBHOOK_SECRET is not set; RevenueCat webhooks are accepted without authentication")
	}

	return &WebhookHandler{
		subscriptions:    subscriptions,
		billing:          billingService,
		revenueCatSecret: revenueCatSecret,
		logger:           logger,
	}
}

// RegisterRoutes registers webhook routes on the provided mux, each wrapped
// in mw. The Stripe route is only registered when billing is configured.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux, mw ...func(http.Handler) http.Handler) {
	stack := middleware.Stack(mw...)

	mux.Handle("POST /webhooks/revenuecat", stack(http.HandlerFunc(h.HandleRevenueCatWebhook)))
	if h.billing != nil {
		mux.Handle("POST /webhooks/stripe", stack(http.HandlerFunc(h.HandleStripeWebhook)))
	}
}

// =============================================================================
// RevenueCat
// =============================================================================

type revenueCatPayload struct {
	Event *revenueCatEvent `json:"event"`
}

type revenueCatEvent struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	AppUserID      string   `json:"app_user_id"`
	ExpirationAtMs *float64 `json:"expiration_at_ms"`
}

// revenueCatEventTypes maps RevenueCat event types onto domain events.
var revenueCatEventTypes = map[string]domain.BillingEventType{
	"INITIAL_PURCHASE": domain.EventPurchase,
	"RENEWAL":          domain.EventRenewal,
	"PRODUCT_CHANGE":   domain.EventProductChange,
	"CANCELLATION":     domain.EventCancellation,
	"EXPIRATION":       domain.EventExpiration,
	"BILLING_ISSUE":    domain.EventBillingIssue,
}

// HandleRevenueCatWebhook processes RevenueCat subscription events.
func (h *WebhookHandler) HandleRevenueCatWebhook(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With("source", domain.SourceRevenueCat, "request_id", middleware.GetRequestID(r.Context()))

	if !h.revenueCatAuthorized(r) {
		logger.Warn("revenuecat webhook rejected: bad authorization")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBody))
	if err != nil {
		logger.Error("failed to read webhook body", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No event data"})
		return
	}

	var payload revenueCatPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Event == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No event data"})
		return
	}
	if payload.Event.AppUserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No app_user_id"})
		return
	}

	event := normalizeRevenueCat(payload.Event)
	logger.Info("revenuecat webhook received",
		"type", event.RawType,
		"id", event.ID,
		"account_id", event.AccountID,
	)

	if err := h.subscriptions.Apply(r.Context(), event, body); err != nil {
		logger.Error("failed to apply billing event",
			"error", err,
			"code", domain.ErrorCode(err),
			"type", event.RawType,
			"account_id", event.AccountID,
		)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *WebhookHandler) revenueCatAuthorized(r *http.Request) bool {
	if h.revenueCatSecret == "" {
		return true
	}
	expected := "Bearer " + h.revenueCatSecret
	got := r.Header.Get("Authorization")
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

func normalizeRevenueCat(e *revenueCatEvent) domain.BillingEvent {
	eventType, ok := revenueCatEventTypes[e.Type]
	if !ok {
		eventType = domain.EventUnknown
	}

	event := domain.BillingEvent{
		Source:    domain.SourceRevenueCat,
		ID:        e.ID,
		Type:      eventType,
		RawType:   e.Type,
		AccountID: e.AppUserID,
	}
	if e.ExpirationAtMs != nil {
		expires := time.UnixMilli(int64(*e.ExpirationAtMs)).UTC()
		event.ExpiresAt = &expires
	}
	return event
}

// =============================================================================
// Stripe
// =============================================================================

// HandleStripeWebhook processes Stripe subscription and invoice events.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.billing == nil {
		h.logger.Warn("stripe webhook received but billing is not configured")
		w.WriteHeader(http.StatusOK)
		return
	}

	logger := h.logger.With("source", domain.SourceStripe, "request_id", middleware.GetRequestID(r.Context()))

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBody))
	if err != nil {
		logger.Error("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	stripeEvent, err := h.billing.VerifyWebhookSignature(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		logger.Warn("webhook signature verification failed", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	logger.Info("stripe webhook received", "type", stripeEvent.Type, "id", stripeEvent.ID)

	event, err := h.billing.Normalize(r.Context(), stripeEvent)
	switch {
	case errors.Is(err, billing.ErrNoAccount):
		logger.Warn("stripe event has no account id; ignoring", "type", stripeEvent.Type, "id", stripeEvent.ID)
		w.WriteHeader(http.StatusOK)
		return
	case err != nil:
		// Stripe redelivers on 5xx; malformed payloads get 400.
		status := http.StatusInternalServerError
		if domain.ErrorCode(err) == domain.EINVALID {
			status = http.StatusBadRequest
		}
		logger.Error("failed to normalize stripe event", "error", err, "type", stripeEvent.Type)
		w.WriteHeader(status)
		return
	}

	if event.Type == domain.EventUnknown {
		logger.Debug("unhandled webhook event type", "type", stripeEvent.Type)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.subscriptions.Apply(r.Context(), event, body); err != nil {
		logger.Error("failed to apply billing event",
			"error", err,
			"code", domain.ErrorCode(err),
			"type", event.RawType,
			"account_id", event.AccountID,
		)
	}

	w.WriteHeader(http.StatusOK)
}
