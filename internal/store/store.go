// Package store provides the account record store for the Geepity proxy.
//
// This package defines an AccountStore interface with implementations for:
// - MemoryStore: in-process map, for development and tests
// - PostgresStore: database/sql with the pgx driver
// - RedisStore: one hash per account with Lua-scripted counter updates
//
// Counter updates are atomic per field. Multi-field transitions (tier and
// expiry) are written together but are not coordinated with counter updates.
package store

import (
	"context"
	"time"

	"github.com/DukeRupert/geepity/internal/domain"
)

// =============================================================================
// Interface Definition
// =============================================================================

// AccountStore reads and mutates account records.
type AccountStore interface {
	// Get returns the account record. Returns an ENOTFOUND domain error if
	// the account does not exist.
	Get(ctx context.Context, accountID string) (*domain.Account, error)

	// ApplyCounter executes op atomically against one counter field and
	// returns the post-operation value. Guards on op are evaluated in the
	// same atomic step as the write.
	ApplyCounter(ctx context.Context, accountID string, op domain.CounterOp) (domain.CounterResult, error)

	// SetSubscription writes tier and expiry together. A nil expiry clears it.
	SetSubscription(ctx context.Context, accountID string, tier domain.Tier, expiry *time.Time) error

	// ResetProUsage zeroes the monthly counter of every pro account in a
	// single atomic write and returns the affected account ids.
	ResetProUsage(ctx context.Context) ([]string, error)

	// PushToken returns the device token for an account, or "" when the
	// account or token is absent.
	PushToken(ctx context.Context, accountID string) (string, error)

	// Close releases the underlying connection.
	Close() error
}

// EventLog records billing events so redeliveries can be recognized.
type EventLog interface {
	// Record persists the event. duplicate is true when an event with the
	// same source and id was already recorded. Events without an id are
	// never duplicates.
	Record(ctx context.Context, rec domain.BillingEventRecord) (duplicate bool, err error)

	// Forget removes a recorded event so a redelivery is processed again.
	// Used when the event could not be applied.
	Forget(ctx context.Context, source, eventID string) error
}

// =============================================================================
// Provider Constants
// =============================================================================

const (
	ProviderMemory   = "memory"
	ProviderPostgres = "postgres"
	ProviderRedis    = "redis"
)
