package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/DukeRupert/geepity/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// RedisStore implements AccountStore with one Redis hash per account.
//
// Hash fields use the persisted camelCase names. Pro accounts are also
// members of a set so the monthly reset can find them without scanning.
// All multi-step updates run as Lua scripts, which Redis executes
// atomically. The scripts touch keys derived from ARGV, so the store
// targets a single Redis node rather than a cluster.
type RedisStore struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ AccountStore = (*RedisStore)(nil)

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default "geepity:account:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// RedisConfig holds connection settings for NewRedisClient.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient opens a client and verifies the connection with PING.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

// NewRedisStore creates a RedisStore on a connected client.
func NewRedisStore(client goredis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: "geepity:account:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hash field names.
const (
	hFree   = "freeMessagesRemaining"
	hTier   = "subscriptionTier"
	hExpiry = "subscriptionExpiry" // unix milliseconds
	hPro    = "proMessagesUsedThisMonth"
	hToken  = "pushToken"
)

func (s *RedisStore) accountKey(accountID string) string {
	return s.keyPrefix + accountID
}

func (s *RedisStore) proSetKey() string {
	return s.keyPrefix + "tier:pro"
}

// applyCounterScript executes one CounterOp.
// KEYS[1] = account hash
// ARGV[1] = field, ARGV[2] = kind ("set"|"add"), ARGV[3] = value
// ARGV[4] = min ("" for none), ARGV[5] = below ("" for none), ARGV[6] = heal ("" for none)
//
// Returns {applied, value}; applied is -1 when the account does not exist.
var applyCounterScript = goredis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
    return {-1, 0}
end
local field = ARGV[1]
if ARGV[2] == "set" then
    redis.call("HSET", key, field, ARGV[3])
    return {1, tonumber(ARGV[3])}
end

local raw = redis.call("HGET", key, field)
local cur = nil
if raw and string.match(raw, "^-?%d+$") then
    cur = tonumber(raw)
end
if cur == nil then
    if ARGV[6] ~= "" then
        redis.call("HSET", key, field, ARGV[6])
        return {1, tonumber(ARGV[6])}
    end
    cur = 0
end

if ARGV[4] ~= "" and cur < tonumber(ARGV[4]) then
    return {0, cur}
end
if ARGV[5] ~= "" and cur >= tonumber(ARGV[5]) then
    return {0, cur}
end

local nextValue = cur + tonumber(ARGV[3])
redis.call("HSET", key, field, tostring(nextValue))
return {1, nextValue}
`)

// setSubscriptionScript writes tier and expiry and maintains the pro set.
// KEYS[1] = account hash, KEYS[2] = pro set
// ARGV[1] = tier, ARGV[2] = expiry ms ("" clears), ARGV[3] = account id
var setSubscriptionScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[1], "subscriptionTier", ARGV[1])
if ARGV[2] == "" then
    redis.call("HDEL", KEYS[1], "subscriptionExpiry")
else
    redis.call("HSET", KEYS[1], "subscriptionExpiry", ARGV[2])
end
if ARGV[1] == "pro" then
    redis.call("SADD", KEYS[2], ARGV[3])
else
    redis.call("SREM", KEYS[2], ARGV[3])
end
return 1
`)

// resetProUsageScript zeroes every pro member's monthly counter.
// KEYS[1] = pro set
// ARGV[1] = account key prefix
var resetProUsageScript = goredis.NewScript(`
local ids = redis.call("SMEMBERS", KEYS[1])
local out = {}
for _, id in ipairs(ids) do
    local key = ARGV[1] .. id
    if redis.call("HGET", key, "subscriptionTier") == "pro" then
        redis.call("HSET", key, "proMessagesUsedThisMonth", "0")
        table.insert(out, id)
    else
        redis.call("SREM", KEYS[1], id)
    end
end
return out
`)

func (s *RedisStore) Get(ctx context.Context, accountID string) (*domain.Account, error) {
	const op = "store.get"

	vals, err := s.client.HGetAll(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load account")
	}
	if len(vals) == 0 {
		return nil, domain.NotFound(op, "account", accountID)
	}

	acct := &domain.Account{
		ID:               accountID,
		SubscriptionTier: domain.ParseTier(vals[hTier]),
		PushToken:        vals[hToken],
	}
	if raw, ok := vals[hFree]; ok {
		if v, err := strconv.Atoi(raw); err == nil {
			acct.FreeMessagesRemaining = &v
		}
	}
	if raw, ok := vals[hPro]; ok {
		acct.ProMessagesUsedThisMonth, _ = strconv.Atoi(raw)
	}
	if raw, ok := vals[hExpiry]; ok && raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			t := time.UnixMilli(ms).UTC()
			acct.SubscriptionExpiry = &t
		}
	}
	return acct, nil
}

func (s *RedisStore) ApplyCounter(ctx context.Context, accountID string, op domain.CounterOp) (domain.CounterResult, error) {
	const opName = "store.apply_counter"

	if op.Field != domain.FieldFreeMessagesRemaining && op.Field != domain.FieldProMessagesUsedThisMonth {
		return domain.CounterResult{}, domain.Invalid(opName, "unknown counter field "+op.Field.String())
	}

	result, err := applyCounterScript.Run(ctx, s.client,
		[]string{s.accountKey(accountID)},
		op.Field.String(), string(op.Kind), op.Value,
		optionalInt(op.Min), optionalInt(op.Below), optionalInt(op.Heal),
	).Int64Slice()
	if err != nil {
		return domain.CounterResult{}, domain.Internal(err, opName, "counter script failed")
	}
	if len(result) != 2 {
		return domain.CounterResult{}, domain.Internal(fmt.Errorf("unexpected script result %v", result), opName, "counter script failed")
	}

	switch result[0] {
	case -1:
		return domain.CounterResult{}, domain.NotFound(opName, "account", accountID)
	case 0:
		return domain.CounterResult{Value: int(result[1]), Applied: false}, nil
	default:
		return domain.CounterResult{Value: int(result[1]), Applied: true}, nil
	}
}

func (s *RedisStore) SetSubscription(ctx context.Context, accountID string, tier domain.Tier, expiry *time.Time) error {
	const op = "store.set_subscription"

	exp := ""
	if expiry != nil {
		exp = strconv.FormatInt(expiry.UnixMilli(), 10)
	}

	n, err := setSubscriptionScript.Run(ctx, s.client,
		[]string{s.accountKey(accountID), s.proSetKey()},
		tier.String(), exp, accountID,
	).Int64()
	if err != nil {
		return domain.Internal(err, op, "failed to update subscription")
	}
	if n == 0 {
		return domain.NotFound(op, "account", accountID)
	}
	return nil
}

func (s *RedisStore) ResetProUsage(ctx context.Context) ([]string, error) {
	const op = "store.reset_pro_usage"

	ids, err := resetProUsageScript.Run(ctx, s.client,
		[]string{s.proSetKey()},
		s.keyPrefix,
	).StringSlice()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, domain.Internal(err, op, "failed to reset pro usage")
	}
	return ids, nil
}

func (s *RedisStore) PushToken(ctx context.Context, accountID string) (string, error) {
	token, err := s.client.HGet(ctx, s.accountKey(accountID), hToken).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return "", nil
		}
		return "", domain.Internal(err, "store.push_token", "failed to load push token")
	}
	return token, nil
}

// Put creates or replaces an account record. Account provisioning lives
// outside this service; Put exists for seeding and integration tests.
func (s *RedisStore) Put(ctx context.Context, acct *domain.Account) error {
	key := s.accountKey(acct.ID)
	tier := acct.SubscriptionTier
	if !tier.IsValid() {
		tier = domain.TierFree
	}

	fields := map[string]any{
		hTier: tier.String(),
		hPro:  strconv.Itoa(acct.ProMessagesUsedThisMonth),
	}
	if acct.FreeMessagesRemaining != nil {
		fields[hFree] = strconv.Itoa(*acct.FreeMessagesRemaining)
	}
	if acct.SubscriptionExpiry != nil {
		fields[hExpiry] = strconv.FormatInt(acct.SubscriptionExpiry.UnixMilli(), 10)
	}
	if acct.PushToken != "" {
		fields[hToken] = acct.PushToken
	}

	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		if tier == domain.TierPro {
			pipe.SAdd(ctx, s.proSetKey(), acct.ID)
		} else {
			pipe.SRem(ctx, s.proSetKey(), acct.ID)
		}
		return nil
	})
	if err != nil {
		return domain.Internal(err, "store.put", "failed to write account")
	}
	return nil
}

// Close closes the client when it owns a connection pool.
func (s *RedisStore) Close() error {
	if c, ok := s.client.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func optionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

// RedisEventLog implements EventLog with one SETNX marker per event id.
// Markers expire after ttl; redeliveries arrive within days, not months.
type RedisEventLog struct {
	client    goredis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

var _ EventLog = (*RedisEventLog)(nil)

// DefaultEventTTL is how long a billing event id is remembered.
const DefaultEventTTL = 30 * 24 * time.Hour

// NewRedisEventLog creates a RedisEventLog. Keys are prefix+source+":"+id.
func NewRedisEventLog(client goredis.Cmdable, keyPrefix string, ttl time.Duration) *RedisEventLog {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	return &RedisEventLog{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (l *RedisEventLog) Record(ctx context.Context, rec domain.BillingEventRecord) (bool, error) {
	const op = "store.record_billing_event"

	if rec.Event.ID == "" {
		return false, nil
	}

	created, err := l.client.SetNX(ctx, l.key(rec.Event.Source, rec.Event.ID), rec.ReceivedAt.UTC().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		return false, domain.Internal(err, op, "failed to record billing event")
	}
	return !created, nil
}

func (l *RedisEventLog) Forget(ctx context.Context, source, eventID string) error {
	const op = "store.forget_billing_event"

	if eventID == "" {
		return nil
	}
	if err := l.client.Del(ctx, l.key(source, eventID)).Err(); err != nil {
		return domain.Internal(err, op, "failed to forget billing event")
	}
	return nil
}

func (l *RedisEventLog) key(source, eventID string) string {
	return l.keyPrefix + source + ":" + eventID
}
