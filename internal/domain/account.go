// Package domain contains core business types and interfaces.
//
// This file defines the Account record shared by the proxy, the webhook
// handlers and the monthly reset job. Field names mirror the persisted
// schema (freeMessagesRemaining, subscriptionTier, ...).
package domain

import "time"

// Tier represents the service level an account is entitled to.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

func (t Tier) String() string {
	return string(t)
}

// IsValid returns true if the tier is a recognized value.
func (t Tier) IsValid() bool {
	return t == TierFree || t == TierPro
}

// ParseTier maps a stored value to a Tier. Unknown values read as free.
func ParseTier(s string) Tier {
	if Tier(s) == TierPro {
		return TierPro
	}
	return TierFree
}

// Account is one record per authenticated identity.
//
// Account records are created outside this service. The proxy only reads
// them and mutates the usage counters; tier and expiry change only through
// billing webhooks.
type Account struct {
	ID string

	// FreeMessagesRemaining is nil when the stored value is absent or not a
	// number. Settlement normalizes it to FreeResetValue.
	FreeMessagesRemaining *int

	SubscriptionTier         Tier
	SubscriptionExpiry       *time.Time
	ProMessagesUsedThisMonth int
	PushToken                string
}

// IsExpired returns true if a subscription expiry is set and strictly before now.
func (a *Account) IsExpired(now time.Time) bool {
	return a.SubscriptionExpiry != nil && a.SubscriptionExpiry.Before(now)
}

// IntPtr is a small helper for building Account values.
func IntPtr(v int) *int {
	return &v
}
