package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DukeRupert/geepity/internal/domain"
)

// MemoryStore implements AccountStore with a mutex-guarded map.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]domain.Account
}

var _ AccountStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]domain.Account),
	}
}

// Put creates or replaces an account record.
func (s *MemoryStore) Put(acct *domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.ID] = copyAccount(*acct)
}

func (s *MemoryStore) Get(ctx context.Context, accountID string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, domain.NotFound("store.get", "account", accountID)
	}
	out := copyAccount(acct)
	return &out, nil
}

func (s *MemoryStore) ApplyCounter(ctx context.Context, accountID string, op domain.CounterOp) (domain.CounterResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return domain.CounterResult{}, domain.NotFound("store.apply_counter", "account", accountID)
	}

	switch op.Field {
	case domain.FieldFreeMessagesRemaining:
		res := op.Apply(acct.FreeMessagesRemaining)
		if res.Applied {
			acct.FreeMessagesRemaining = domain.IntPtr(res.Value)
		}
		s.accounts[accountID] = acct
		return res, nil
	case domain.FieldProMessagesUsedThisMonth:
		res := op.Apply(domain.IntPtr(acct.ProMessagesUsedThisMonth))
		if res.Applied {
			acct.ProMessagesUsedThisMonth = res.Value
		}
		s.accounts[accountID] = acct
		return res, nil
	default:
		return domain.CounterResult{}, domain.Invalid("store.apply_counter", "unknown counter field "+op.Field.String())
	}
}

func (s *MemoryStore) SetSubscription(ctx context.Context, accountID string, tier domain.Tier, expiry *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return domain.NotFound("store.set_subscription", "account", accountID)
	}
	acct.SubscriptionTier = tier
	acct.SubscriptionExpiry = nil
	if expiry != nil {
		e := *expiry
		acct.SubscriptionExpiry = &e
	}
	s.accounts[accountID] = acct
	return nil
}

func (s *MemoryStore) ResetProUsage(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, acct := range s.accounts {
		if acct.SubscriptionTier != domain.TierPro {
			continue
		}
		acct.ProMessagesUsedThisMonth = 0
		s.accounts[id] = acct
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) PushToken(ctx context.Context, accountID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[accountID]; ok {
		return a.PushToken, nil
	}
	return "", nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func copyAccount(a domain.Account) domain.Account {
	if a.FreeMessagesRemaining != nil {
		a.FreeMessagesRemaining = domain.IntPtr(*a.FreeMessagesRemaining)
	}
	if a.SubscriptionExpiry != nil {
		e := *a.SubscriptionExpiry
		a.SubscriptionExpiry = &e
	}
	return a
}

// MemoryEventLog implements EventLog in process memory. Redeliveries are
// recognized only for the lifetime of the process.
type MemoryEventLog struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

var _ EventLog = (*MemoryEventLog)(nil)

// NewMemoryEventLog creates an empty MemoryEventLog.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{seen: make(map[string]struct{})}
}

func (l *MemoryEventLog) Record(ctx context.Context, rec domain.BillingEventRecord) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Event.ID != "" {
		key := rec.Event.Source + ":" + rec.Event.ID
		if _, ok := l.seen[key]; ok {
			return true, nil
		}
		l.seen[key] = struct{}{}
	}
	return false, nil
}

func (l *MemoryEventLog) Forget(ctx context.Context, source, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.seen, source+":"+eventID)
	return nil
}
