// Package domain contains core business types and interfaces.
//
// This file defines the quota policy: pure decision functions that authorize
// a request for a tier and describe the counter transition applied once the
// upstream stream completes.
package domain

import "time"

const (
	// FreeResetValue replaces an absent or corrupt free counter at settlement.
	FreeResetValue = 99

	// ProMonthlyLimit is the number of pro messages allowed per calendar month.
	ProMonthlyLimit = 500
)

// Denial reasons surfaced to the caller with a 403.
const (
	MsgFreeExhausted   = "Free messages exhausted. Add your own API key or subscribe to Pro."
	MsgProRequired     = "Pro subscription required."
	MsgProExpired      = "Pro subscription expired."
	MsgProLimitReached = "Pro messages used up for this month — resets on the 1st."
)

// CounterField names a persisted usage counter.
type CounterField string

const (
	FieldFreeMessagesRemaining    CounterField = "freeMessagesRemaining"
	FieldProMessagesUsedThisMonth CounterField = "proMessagesUsedThisMonth"
)

func (f CounterField) String() string {
	return string(f)
}

// CounterOpKind distinguishes absolute writes from atomic increments.
type CounterOpKind string

const (
	CounterSet CounterOpKind = "set"
	CounterAdd CounterOpKind = "add"
)

// CounterOp is a single atomic mutation of one counter field.
//
// Stores must evaluate Heal, Min and Below against the stored value in the
// same atomic step as the write.
type CounterOp struct {
	Field CounterField
	Kind  CounterOpKind

	// Value is the new value for CounterSet and the delta for CounterAdd.
	Value int

	// Min, when set, admits an add only if the current value is >= Min.
	Min *int

	// Below, when set, admits an add only if the current value is < Below.
	Below *int

	// Heal, when set, replaces an absent or non-numeric current value
	// instead of applying the add.
	Heal *int
}

// CounterResult is the outcome of applying a CounterOp.
type CounterResult struct {
	// Value is the counter after the operation (unchanged when not applied).
	Value int

	// Applied is false when a guard refused the operation.
	Applied bool
}

// Apply evaluates the operation against a current value. A nil current
// means the stored value is absent or not a number. This is the reference
// semantics every AccountStore implementation follows.
func (op CounterOp) Apply(current *int) CounterResult {
	if op.Kind == CounterSet {
		return CounterResult{Value: op.Value, Applied: true}
	}

	if current == nil {
		if op.Heal != nil {
			return CounterResult{Value: *op.Heal, Applied: true}
		}
		current = IntPtr(0)
	}

	cur := *current
	if op.Min != nil && cur < *op.Min {
		return CounterResult{Value: cur, Applied: false}
	}
	if op.Below != nil && cur >= *op.Below {
		return CounterResult{Value: cur, Applied: false}
	}
	return CounterResult{Value: cur + op.Value, Applied: true}
}

// AuthorizeFree denies when the record is missing or the remaining balance
// is zero or less. An absent or corrupt balance is allowed; it is
// normalized when the request settles.
func AuthorizeFree(acct *Account) error {
	const op = "quota.authorize_free"

	if acct == nil {
		return Forbidden(op, MsgFreeExhausted)
	}
	if acct.FreeMessagesRemaining != nil && *acct.FreeMessagesRemaining <= 0 {
		return Forbidden(op, MsgFreeExhausted)
	}
	return nil
}

// AuthorizePro denies when the account is not pro, the subscription expired
// strictly before now, or the monthly allowance is used up.
func AuthorizePro(acct *Account, now time.Time) error {
	const op = "quota.authorize_pro"

	if acct == nil || acct.SubscriptionTier != TierPro {
		return Forbidden(op, MsgProRequired)
	}
	if acct.IsExpired(now) {
		return Forbidden(op, MsgProExpired)
	}
	if acct.ProMessagesUsedThisMonth >= ProMonthlyLimit {
		return Forbidden(op, MsgProLimitReached)
	}
	return nil
}

// SettleFree returns the counter transition for a completed free request.
func SettleFree(acct *Account) CounterOp {
	if acct == nil || acct.FreeMessagesRemaining == nil {
		return CounterOp{
			Field: FieldFreeMessagesRemaining,
			Kind:  CounterSet,
			Value: FreeResetValue,
		}
	}
	return CounterOp{
		Field: FieldFreeMessagesRemaining,
		Kind:  CounterAdd,
		Value: -1,
		Min:   IntPtr(1),
		Heal:  IntPtr(FreeResetValue),
	}
}

// SettlePro returns the counter transition for a completed pro request.
func SettlePro(acct *Account) CounterOp {
	return CounterOp{
		Field: FieldProMessagesUsedThisMonth,
		Kind:  CounterAdd,
		Value: 1,
		Below: IntPtr(ProMonthlyLimit),
	}
}
