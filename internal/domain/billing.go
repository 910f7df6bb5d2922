package domain

import (
	"encoding/json"
	"time"
)

// BillingEventType is the normalized kind of a billing-provider event.
type BillingEventType string

const (
	EventPurchase      BillingEventType = "purchase"
	EventRenewal       BillingEventType = "renewal"
	EventProductChange BillingEventType = "product_change"
	EventCancellation  BillingEventType = "cancellation"
	EventExpiration    BillingEventType = "expiration"
	EventBillingIssue  BillingEventType = "billing_issue"
	EventUnknown       BillingEventType = "unknown"
)

func (t BillingEventType) String() string {
	return string(t)
}

// GrantsPro returns true for events that move an account to the pro tier.
func (t BillingEventType) GrantsPro() bool {
	return t == EventPurchase || t == EventRenewal || t == EventProductChange
}

// RevokesPro returns true for events that move an account back to free.
func (t BillingEventType) RevokesPro() bool {
	return t == EventCancellation || t == EventExpiration
}

// Billing event sources.
const (
	SourceRevenueCat = "revenuecat"
	SourceStripe     = "stripe"
)

// BillingEvent is a provider event normalized for the subscription service.
type BillingEvent struct {
	Source    string
	ID        string // Provider event id; empty when the provider sent none
	Type      BillingEventType
	RawType   string // Provider's own type tag, kept for logging
	AccountID string
	ExpiresAt *time.Time
}

// BillingEventRecord is what the event ledger persists.
type BillingEventRecord struct {
	Event      BillingEvent
	Payload    json.RawMessage
	ReceivedAt time.Time
}
