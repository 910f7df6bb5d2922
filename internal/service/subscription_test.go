package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/geepity/internal/domain"
	"github.com/DukeRupert/geepity/internal/store"
)

type mockArchiver struct {
	ArchiveFunc func(ctx context.Context, source, eventID string, payload []byte) (string, error)
}

func (m *mockArchiver) Archive(ctx context.Context, source, eventID string, payload []byte) (string, error) {
	return m.ArchiveFunc(ctx, source, eventID, payload)
}

func newSubscription(s store.AccountStore, events store.EventLog, archive Archiver, n *recordingNotifier) SubscriptionService {
	return NewSubscriptionService(s, events, archive, n, discardLogger())
}

func TestSubscriptionService_Apply_Transitions(t *testing.T) {
	expiry := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		start      domain.Tier
		event      domain.BillingEvent
		wantTier   domain.Tier
		wantExpiry *time.Time
		wantNotify []string
	}{
		{
			name:       "purchase grants pro",
			start:      domain.TierFree,
			event:      domain.BillingEvent{Type: domain.EventPurchase, ExpiresAt: &expiry},
			wantTier:   domain.TierPro,
			wantExpiry: &expiry,
		},
		{
			name:     "renewal without expiry clears it",
			start:    domain.TierPro,
			event:    domain.BillingEvent{Type: domain.EventRenewal},
			wantTier: domain.TierPro,
		},
		{
			name:       "product change grants pro",
			start:      domain.TierFree,
			event:      domain.BillingEvent{Type: domain.EventProductChange, ExpiresAt: &expiry},
			wantTier:   domain.TierPro,
			wantExpiry: &expiry,
		},
		{
			name:     "cancellation revokes pro",
			start:    domain.TierPro,
			event:    domain.BillingEvent{Type: domain.EventCancellation},
			wantTier: domain.TierFree,
		},
		{
			name:     "expiration revokes pro",
			start:    domain.TierPro,
			event:    domain.BillingEvent{Type: domain.EventExpiration},
			wantTier: domain.TierFree,
		},
		{
			name:       "billing issue notifies only",
			start:      domain.TierPro,
			event:      domain.BillingEvent{Type: domain.EventBillingIssue},
			wantTier:   domain.TierPro,
			wantNotify: []string{"u1|Geepity|" + domain.MsgBillingIssue},
		},
		{
			name:     "unknown is ignored",
			start:    domain.TierPro,
			event:    domain.BillingEvent{Type: domain.EventUnknown, RawType: "TRANSFER"},
			wantTier: domain.TierPro,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := store.NewMemoryStore()
			s.Put(&domain.Account{ID: "u1", SubscriptionTier: tt.start})
			n := &recordingNotifier{}

			event := tt.event
			event.Source = domain.SourceRevenueCat
			event.AccountID = "u1"

			err := newSubscription(s, store.NewMemoryEventLog(), nil, n).Apply(context.Background(), event, nil)
			require.NoError(t, err)

			acct, _ := s.Get(context.Background(), "u1")
			assert.Equal(t, tt.wantTier, acct.SubscriptionTier)
			if tt.wantExpiry == nil {
				assert.Nil(t, acct.SubscriptionExpiry)
			} else {
				require.NotNil(t, acct.SubscriptionExpiry)
				assert.True(t, tt.wantExpiry.Equal(*acct.SubscriptionExpiry))
			}
			if tt.wantNotify == nil {
				assert.Empty(t, n.Calls())
			} else {
				assert.Equal(t, tt.wantNotify, n.Calls())
			}
		})
	}
}

func TestSubscriptionService_Apply_SkipsDuplicates(t *testing.T) {
	s := store.NewMemoryStore()
	s.Put(&domain.Account{ID: "u1"})
	events := store.NewMemoryEventLog()
	svc := newSubscription(s, events, nil, &recordingNotifier{})

	purchase := domain.BillingEvent{Source: domain.SourceRevenueCat, ID: "evt-1", Type: domain.EventPurchase, AccountID: "u1"}
	require.NoError(t, svc.Apply(context.Background(), purchase, json.RawMessage(`{}`)))

	// Downgrade out of band, then redeliver the purchase.
	require.NoError(t, s.SetSubscription(context.Background(), "u1", domain.TierFree, nil))
	require.NoError(t, svc.Apply(context.Background(), purchase, json.RawMessage(`{}`)))

	acct, _ := s.Get(context.Background(), "u1")
	assert.Equal(t, domain.TierFree, acct.SubscriptionTier, "redelivered event must not be applied again")
}

func TestSubscriptionService_Apply_RetriesAfterFailedTransition(t *testing.T) {
	mem := store.NewMemoryStore()
	mem.Put(&domain.Account{ID: "u1"})

	failures := 1
	s := &failingStore{
		MemoryStore: mem,
		SetSubscriptionFunc: func(ctx context.Context, accountID string, tier domain.Tier, expiresAt *time.Time) error {
			if failures > 0 {
				failures--
				return errors.New("connection reset")
			}
			return mem.SetSubscription(ctx, accountID, tier, expiresAt)
		},
	}
	svc := newSubscription(s, store.NewMemoryEventLog(), nil, &recordingNotifier{})

	purchase := domain.BillingEvent{Source: domain.SourceRevenueCat, ID: "evt-1", Type: domain.EventPurchase, AccountID: "u1"}
	err := svc.Apply(context.Background(), purchase, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(err))

	// A resend of the same event from the provider dashboard.
	require.NoError(t, svc.Apply(context.Background(), purchase, json.RawMessage(`{}`)))

	acct, _ := mem.Get(context.Background(), "u1")
	assert.Equal(t, domain.TierPro, acct.SubscriptionTier)
}

func TestSubscriptionService_Apply_MissingAccount(t *testing.T) {
	svc := newSubscription(store.NewMemoryStore(), store.NewMemoryEventLog(), nil, &recordingNotifier{})

	err := svc.Apply(context.Background(), domain.BillingEvent{
		Source:    domain.SourceRevenueCat,
		Type:      domain.EventPurchase,
		AccountID: "ghost",
	}, nil)
	assert.True(t, domain.IsNotFound(err))
}

func TestSubscriptionService_Apply_ArchiveIsBestEffort(t *testing.T) {
	s := store.NewMemoryStore()
	s.Put(&domain.Account{ID: "u1"})

	var archived []string
	archive := &mockArchiver{
		ArchiveFunc: func(ctx context.Context, source, eventID string, payload []byte) (string, error) {
			archived = append(archived, source+"/"+eventID)
			return "", errors.New("bucket unavailable")
		},
	}
	svc := newSubscription(s, store.NewMemoryEventLog(), archive, &recordingNotifier{})

	err := svc.Apply(context.Background(), domain.BillingEvent{
		Source:    domain.SourceRevenueCat,
		ID:        "evt-9",
		Type:      domain.EventPurchase,
		AccountID: "u1",
	}, json.RawMessage(`{"event":{}}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"revenuecat/evt-9"}, archived)
	acct, _ := s.Get(context.Background(), "u1")
	assert.Equal(t, domain.TierPro, acct.SubscriptionTier)
}
