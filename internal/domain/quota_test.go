package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAuthorizeFree(t *testing.T) {
	tests := []struct {
		name    string
		acct    *Account
		wantErr bool
	}{
		{name: "missing account", acct: nil, wantErr: true},
		{name: "zero remaining", acct: &Account{FreeMessagesRemaining: IntPtr(0)}, wantErr: true},
		{name: "negative remaining", acct: &Account{FreeMessagesRemaining: IntPtr(-3)}, wantErr: true},
		{name: "one remaining", acct: &Account{FreeMessagesRemaining: IntPtr(1)}, wantErr: false},
		{name: "absent counter", acct: &Account{}, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AuthorizeFree(tt.acct)
			if tt.wantErr {
				assert.Equal(t, EFORBIDDEN, ErrorCode(err))
				assert.Equal(t, MsgFreeExhausted, ErrorMessage(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAuthorizePro(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name    string
		acct    *Account
		wantMsg string
	}{
		{name: "missing account", acct: nil, wantMsg: MsgProRequired},
		{name: "free tier", acct: &Account{SubscriptionTier: TierFree}, wantMsg: MsgProRequired},
		{name: "expired", acct: &Account{SubscriptionTier: TierPro, SubscriptionExpiry: &past}, wantMsg: MsgProExpired},
		{name: "expiry equal to now is still valid", acct: &Account{SubscriptionTier: TierPro, SubscriptionExpiry: &now}},
		{name: "at limit", acct: &Account{SubscriptionTier: TierPro, ProMessagesUsedThisMonth: 500}, wantMsg: MsgProLimitReached},
		{name: "over limit", acct: &Account{SubscriptionTier: TierPro, ProMessagesUsedThisMonth: 612}, wantMsg: MsgProLimitReached},
		{name: "just under limit", acct: &Account{SubscriptionTier: TierPro, SubscriptionExpiry: &future, ProMessagesUsedThisMonth: 499}},
		{name: "no expiry", acct: &Account{SubscriptionTier: TierPro}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AuthorizePro(tt.acct, now)
			if tt.wantMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, EFORBIDDEN, ErrorCode(err))
			assert.Equal(t, tt.wantMsg, ErrorMessage(err))
		})
	}
}

func TestSettleFree(t *testing.T) {
	t.Run("absent counter resets to 99", func(t *testing.T) {
		op := SettleFree(&Account{})
		assert.Equal(t, CounterSet, op.Kind)
		assert.Equal(t, FreeResetValue, op.Apply(nil).Value)
	})

	t.Run("numeric counter decrements", func(t *testing.T) {
		op := SettleFree(&Account{FreeMessagesRemaining: IntPtr(11)})
		res := op.Apply(IntPtr(11))
		assert.True(t, res.Applied)
		assert.Equal(t, 10, res.Value)
	})

	t.Run("never goes below zero", func(t *testing.T) {
		op := SettleFree(&Account{FreeMessagesRemaining: IntPtr(1)})
		res := op.Apply(IntPtr(0))
		assert.False(t, res.Applied)
		assert.Equal(t, 0, res.Value)
	})

	t.Run("corrupted between authorize and settle heals", func(t *testing.T) {
		op := SettleFree(&Account{FreeMessagesRemaining: IntPtr(5)})
		res := op.Apply(nil)
		assert.True(t, res.Applied)
		assert.Equal(t, FreeResetValue, res.Value)
	})
}

func TestSettlePro(t *testing.T) {
	op := SettlePro(&Account{SubscriptionTier: TierPro})
	assert.Equal(t, FieldProMessagesUsedThisMonth, op.Field)

	res := op.Apply(IntPtr(449))
	assert.True(t, res.Applied)
	assert.Equal(t, 450, res.Value)

	res = op.Apply(IntPtr(500))
	assert.False(t, res.Applied)
	assert.Equal(t, 500, res.Value)
}

func TestThresholds(t *testing.T) {
	for v := -2; v <= 120; v++ {
		body, ok := FreeThreshold(v)
		switch v {
		case 10:
			assert.True(t, ok)
			assert.Equal(t, MsgFreeTenLeft, body)
		case 0:
			assert.True(t, ok)
			assert.Equal(t, MsgFreeUsedUp, body)
		default:
			assert.False(t, ok, "free threshold fired at %d", v)
		}
	}

	for v := 400; v <= 520; v++ {
		body, ok := ProThreshold(v)
		switch v {
		case 450:
			assert.True(t, ok)
			assert.Equal(t, MsgProNearLimit, body)
		case 500:
			assert.True(t, ok)
			assert.Equal(t, MsgProUsedUp, body)
		default:
			assert.False(t, ok, "pro threshold fired at %d", v)
		}
	}
}
