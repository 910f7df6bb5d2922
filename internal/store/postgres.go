package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/DukeRupert/geepity/internal/domain"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"
)

// PostgresStore implements AccountStore on the accounts table.
//
// Counter updates run as a transactional read-modify-write: the row is
// locked with SELECT ... FOR UPDATE, the CounterOp is evaluated, and the
// new value is written before commit.
type PostgresStore struct {
	db *sql.DB
}

var _ AccountStore = (*PostgresStore)(nil)

// NewPostgresStore wraps an open database handle. Migrations must already
// have been applied.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// counterColumns maps counter fields to their columns. Only these names
// are ever interpolated into SQL.
var counterColumns = map[domain.CounterField]string{
	domain.FieldFreeMessagesRemaining:    "free_messages_remaining",
	domain.FieldProMessagesUsedThisMonth: "pro_messages_used_this_month",
}

const getAccount = `
SELECT account_id, free_messages_remaining, subscription_tier, subscription_expiry,
       pro_messages_used_this_month, push_token
FROM accounts
WHERE account_id = $1`

func (s *PostgresStore) Get(ctx context.Context, accountID string) (*domain.Account, error) {
	const op = "store.get"

	var (
		acct   domain.Account
		free   sql.NullString
		tier   string
		expiry sql.NullTime
		token  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, getAccount, accountID).Scan(
		&acct.ID, &free, &tier, &expiry, &acct.ProMessagesUsedThisMonth, &token,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(op, "account", accountID)
		}
		return nil, domain.Internal(err, op, "failed to load account")
	}

	acct.FreeMessagesRemaining = parseCounter(free)
	acct.SubscriptionTier = domain.ParseTier(tier)
	if expiry.Valid {
		t := expiry.Time
		acct.SubscriptionExpiry = &t
	}
	acct.PushToken = token.String
	return &acct, nil
}

func (s *PostgresStore) ApplyCounter(ctx context.Context, accountID string, op domain.CounterOp) (domain.CounterResult, error) {
	const opName = "store.apply_counter"

	column, ok := counterColumns[op.Field]
	if !ok {
		return domain.CounterResult{}, domain.Invalid(opName, "unknown counter field "+op.Field.String())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CounterResult{}, domain.Internal(err, opName, "begin transaction")
	}
	defer tx.Rollback()

	var raw sql.NullString
	query := fmt.Sprintf(`SELECT %s::text FROM accounts WHERE account_id = $1 FOR UPDATE`, column)
	if err := tx.QueryRowContext(ctx, query, accountID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CounterResult{}, domain.NotFound(opName, "account", accountID)
		}
		return domain.CounterResult{}, domain.Internal(err, opName, "lock counter")
	}

	res := op.Apply(parseCounter(raw))
	if !res.Applied {
		return res, nil
	}

	var value any = res.Value
	if op.Field == domain.FieldFreeMessagesRemaining {
		value = strconv.Itoa(res.Value)
	}
	update := fmt.Sprintf(`UPDATE accounts SET %s = $2, updated_at = now() WHERE account_id = $1`, column)
	if _, err := tx.ExecContext(ctx, update, accountID, value); err != nil {
		return domain.CounterResult{}, domain.Internal(err, opName, "write counter")
	}

	if err := tx.Commit(); err != nil {
		return domain.CounterResult{}, domain.Internal(err, opName, "commit counter")
	}
	return res, nil
}

const setSubscription = `
UPDATE accounts
SET subscription_tier = $2, subscription_expiry = $3, updated_at = now()
WHERE account_id = $1`

func (s *PostgresStore) SetSubscription(ctx context.Context, accountID string, tier domain.Tier, expiry *time.Time) error {
	const op = "store.set_subscription"

	var exp sql.NullTime
	if expiry != nil {
		exp = sql.NullTime{Time: *expiry, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, setSubscription, accountID, tier.String(), exp)
	if err != nil {
		return domain.Internal(err, op, "failed to update subscription")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return domain.Internal(err, op, "failed to read affected rows")
	}
	if n == 0 {
		return domain.NotFound(op, "account", accountID)
	}
	return nil
}

// resetProUsage runs as one statement; the CTE's UPDATE is atomic.
const resetProUsage = `
WITH reset AS (
    UPDATE accounts
    SET pro_messages_used_this_month = 0, updated_at = now()
    WHERE subscription_tier = 'pro'
    RETURNING account_id
)
SELECT COALESCE(array_agg(account_id ORDER BY account_id), '{}') FROM reset`

func (s *PostgresStore) ResetProUsage(ctx context.Context) ([]string, error) {
	const op = "store.reset_pro_usage"

	var ids []string
	if err := s.db.QueryRowContext(ctx, resetProUsage).Scan(pq.Array(&ids)); err != nil {
		return nil, domain.Internal(err, op, "failed to reset pro usage")
	}
	return ids, nil
}

func (s *PostgresStore) PushToken(ctx context.Context, accountID string) (string, error) {
	const op = "store.push_token"

	var token sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT push_token FROM accounts WHERE account_id = $1`, accountID).Scan(&token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", domain.Internal(err, op, "failed to load push token")
	}
	return token.String, nil
}

const upsertAccount = `
INSERT INTO accounts (account_id, free_messages_remaining, subscription_tier, subscription_expiry,
                      pro_messages_used_this_month, push_token)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (account_id) DO UPDATE SET
    free_messages_remaining = EXCLUDED.free_messages_remaining,
    subscription_tier = EXCLUDED.subscription_tier,
    subscription_expiry = EXCLUDED.subscription_expiry,
    pro_messages_used_this_month = EXCLUDED.pro_messages_used_this_month,
    push_token = EXCLUDED.push_token,
    updated_at = now()`

// Put creates or replaces an account record. Account provisioning lives
// outside this service; Put exists for seeding and integration tests.
func (s *PostgresStore) Put(ctx context.Context, acct *domain.Account) error {
	var free, token sql.NullString
	if acct.FreeMessagesRemaining != nil {
		free = sql.NullString{String: strconv.Itoa(*acct.FreeMessagesRemaining), Valid: true}
	}
	if acct.PushToken != "" {
		token = sql.NullString{String: acct.PushToken, Valid: true}
	}
	var exp sql.NullTime
	if acct.SubscriptionExpiry != nil {
		exp = sql.NullTime{Time: *acct.SubscriptionExpiry, Valid: true}
	}
	tier := acct.SubscriptionTier
	if !tier.IsValid() {
		tier = domain.TierFree
	}

	_, err := s.db.ExecContext(ctx, upsertAccount,
		acct.ID, free, tier.String(), exp, acct.ProMessagesUsedThisMonth, token)
	if err != nil {
		return domain.Internal(err, "store.put", "failed to upsert account")
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// parseCounter returns nil for absent or non-numeric values.
func parseCounter(raw sql.NullString) *int {
	if !raw.Valid {
		return nil
	}
	v, err := strconv.Atoi(raw.String)
	if err != nil {
		return nil
	}
	return &v
}

// =============================================================================
// Billing event ledger
// =============================================================================

// PostgresEventLog implements EventLog on the billing_events table.
type PostgresEventLog struct {
	db *sql.DB
}

var _ EventLog = (*PostgresEventLog)(nil)

// NewPostgresEventLog wraps an open database handle.
func NewPostgresEventLog(db *sql.DB) *PostgresEventLog {
	return &PostgresEventLog{db: db}
}

const insertBillingEvent = `
INSERT INTO billing_events (source, event_id, event_type, account_id, payload, received_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (source, event_id) DO NOTHING`

func (l *PostgresEventLog) Record(ctx context.Context, rec domain.BillingEventRecord) (bool, error) {
	const op = "store.record_billing_event"

	// Without a provider id there is nothing to deduplicate on.
	if rec.Event.ID == "" {
		return false, nil
	}

	payload := pqtype.NullRawMessage{RawMessage: rec.Payload, Valid: len(rec.Payload) > 0}
	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	eventType := rec.Event.RawType
	if eventType == "" {
		eventType = rec.Event.Type.String()
	}

	result, err := l.db.ExecContext(ctx, insertBillingEvent,
		rec.Event.Source, rec.Event.ID, eventType, rec.Event.AccountID, payload, receivedAt)
	if err != nil {
		return false, domain.Internal(err, op, "failed to record billing event")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, domain.Internal(err, op, "failed to read affected rows")
	}
	return n == 0, nil
}

const deleteBillingEvent = `DELETE FROM billing_events WHERE source = $1 AND event_id = $2`

func (l *PostgresEventLog) Forget(ctx context.Context, source, eventID string) error {
	const op = "store.forget_billing_event"

	if eventID == "" {
		return nil
	}
	if _, err := l.db.ExecContext(ctx, deleteBillingEvent, source, eventID); err != nil {
		return domain.Internal(err, op, "failed to forget billing event")
	}
	return nil
}
