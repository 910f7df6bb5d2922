// Package archive stores raw billing webhook payloads for later audit.
//
// This package defines a Store interface with implementations for:
// - LocalStore: File system storage for development
// - R2Store: Cloudflare R2 (S3-compatible) storage for production
//
// Archiver sits on top of a Store and files each payload under a dated key
// so a provider's delivery history can be replayed or inspected.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Store defines the object storage operations the archive needs.
type Store interface {
	// Put stores data at the specified key. Returns ErrKeyExists if the key
	// already exists and opts.Overwrite is false.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Exists checks if an object exists at the specified key.
	Exists(ctx context.Context, key string) (bool, error)
}

// =============================================================================
// Data Types
// =============================================================================

// PutOptions configures how an object is stored.
type PutOptions struct {
	ContentType string

	// MaxSize is the maximum allowed size in bytes. 0 means no limit.
	MaxSize int64

	Overwrite bool
}

// =============================================================================
// Configuration Types
// =============================================================================

// LocalConfig holds configuration for local filesystem storage.
type LocalConfig struct {
	// BasePath is the root directory where payloads are written.
	BasePath string
}

// R2Config holds configuration for Cloudflare R2 storage.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string

	// Region is required by the AWS SDK. R2 accepts "auto".
	Region string

	// Endpoint overrides the account endpoint. Used by tests.
	Endpoint string
}

// =============================================================================
// Provider Constants
// =============================================================================

const (
	ProviderNone  = "none"
	ProviderLocal = "local"
	ProviderR2    = "r2"
)

// MaxPayloadSize bounds a single archived payload.
const MaxPayloadSize = 1 << 20

// =============================================================================
// Archiver
// =============================================================================

// Archiver files raw webhook payloads in a Store.
type Archiver struct {
	store Store
	now   func() time.Time
}

// New creates an Archiver backed by store.
func New(store Store) *Archiver {
	return &Archiver{
		store: store,
		now:   time.Now,
	}
}

// Archive writes payload under Key and returns the key. A redelivered event
// whose payload is already archived is not rewritten.
func (a *Archiver) Archive(ctx context.Context, source, eventID string, payload []byte) (string, error) {
	key := Key(source, eventID, a.now())

	err := a.store.Put(ctx, key, bytes.NewReader(payload), PutOptions{
		ContentType: "application/json",
		MaxSize:     MaxPayloadSize,
	})
	if err != nil {
		if IsKeyExists(err) {
			return key, nil
		}
		return "", err
	}
	return key, nil
}

// Key generates the storage key for a webhook payload.
// Format: webhooks/{source}/{yyyy}/{mm}/{dd}/{eventID}.json
//
// Events without a provider id get a random uuid so every delivery is kept.
func Key(source, eventID string, at time.Time) string {
	if eventID == "" {
		eventID = uuid.NewString()
	}
	at = at.UTC()
	return fmt.Sprintf("webhooks/%s/%04d/%02d/%02d/%s.json", source, at.Year(), at.Month(), at.Day(), eventID)
}
