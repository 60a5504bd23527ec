package ledger

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	return Limits{
		AllowOverdraft:    false,
		MaxPerOperation:   MustQuantity("50"),
		MaxBalance:        MustQuantity("100"),
		MaxPendingPerUser: 5,
		MaxNoteLength:     280,
	}
}

func TestPolicy_Evaluate(t *testing.T) {
	tests := []struct {
		name     string
		limits   func(*Limits)
		current  string
		delta    string
		override OverdraftOverride
		want     string
		rule     Rule
	}{
		{name: "debit within balance", current: "10", delta: "-5", want: "5"},
		{name: "debit to exactly zero", current: "5", delta: "-5", want: "0"},
		{name: "overdraft denied by default", current: "0", delta: "-5", rule: RuleOverdraft},
		{name: "overdraft allowed by override", current: "0", delta: "-5", override: OverdraftAllow, want: "-5"},
		{name: "override deny beats global allow", limits: func(l *Limits) { l.AllowOverdraft = true }, current: "0", delta: "-5", override: OverdraftDeny, rule: RuleOverdraft},
		{name: "inherit uses global allow", limits: func(l *Limits) { l.AllowOverdraft = true }, current: "0", delta: "-5", override: OverdraftInherit, want: "-5"},
		{name: "per operation cap on credit", current: "0", delta: "50.0001", rule: RulePerOperationCap},
		{name: "per operation cap on debit", current: "100", delta: "-50.0001", override: OverdraftAllow, rule: RulePerOperationCap},
		{name: "per operation cap inclusive", current: "0", delta: "50", want: "50"},
		{name: "cap checked before overdraft", current: "0", delta: "-60", rule: RulePerOperationCap},
		{name: "account cap on credit", current: "60", delta: "41", rule: RuleAccountCap},
		{name: "account cap inclusive", current: "60", delta: "40", want: "100"},
		{name: "account cap ignores debits", limits: func(l *Limits) { l.MaxBalance = MustQuantity("10") }, current: "60", delta: "-5", want: "55"},
		{name: "zero caps disable limits", limits: func(l *Limits) { l.MaxPerOperation = Zero; l.MaxBalance = Zero }, current: "0", delta: "1000000", want: "1000000"},
		{name: "uncapped credit up to the range edge", limits: func(l *Limits) { l.MaxPerOperation = Zero; l.MaxBalance = Zero }, current: "600000000000", delta: "400000000000", want: "1000000000000"},
		{name: "uncapped credit past the range edge", limits: func(l *Limits) { l.MaxPerOperation = Zero; l.MaxBalance = Zero }, current: "600000000000", delta: "600000000000", rule: RuleRange},
		{name: "range refusal even with overdraft allowed", limits: func(l *Limits) { l.MaxPerOperation = Zero; l.MaxBalance = Zero; l.AllowOverdraft = true }, current: "-600000000000", delta: "-600000000000", rule: RuleRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limits := testLimits()
			if tt.limits != nil {
				tt.limits(&limits)
			}
			override := tt.override
			if override == "" {
				override = OverdraftInherit
			}
			cur := MustQuantity(tt.current)

			next, err := Policy{Limits: limits}.Evaluate(Proposal{
				Current:  cur,
				Delta:    MustQuantity(tt.delta),
				Override: override,
			})

			if tt.rule != "" {
				var v *PolicyViolation
				require.ErrorAs(t, err, &v)
				assert.Equal(t, tt.rule, v.Rule)
				assert.Equal(t, cur, next, "refusal must report the unchanged balance")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, next.String())
		})
	}
}

func TestPolicyViolation_UnwrapsToSentinel(t *testing.T) {
	over := &PolicyViolation{Rule: RuleOverdraft, Balance: Zero, Delta: MustQuantity("-5"), Resulting: MustQuantity("-5")}
	assert.True(t, errors.Is(over, ErrOverdraftDenied))
	assert.False(t, errors.Is(over, ErrLimitExceeded))
	assert.Contains(t, over.Error(), "-5")

	capped := &PolicyViolation{Rule: RuleAccountCap, Limit: MustQuantity("100"), Resulting: MustQuantity("101")}
	assert.True(t, errors.Is(capped, ErrLimitExceeded))
	assert.Contains(t, capped.Error(), "100")

	assert.True(t, IsClientError(over))
	assert.False(t, IsStorageFailure(over))
}

func TestPolicy_EvaluateNeverWraps(t *testing.T) {
	// GIVEN: caps disabled, overdraft allowed, and a balance read back from storage near int64 max
	p := Policy{Limits: Limits{AllowOverdraft: true}}
	cur := QuantityFromUnits(math.MaxInt64 - 5)

	// WHEN: a credit would overflow the integer representation
	next, err := p.Evaluate(Proposal{Current: cur, Delta: MustQuantity("1"), Override: OverdraftInherit})

	// THEN: it is a limit refusal, not a negative balance
	var v *PolicyViolation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, RuleRange, v.Rule)
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Equal(t, cur, next)
	assert.Equal(t, cur, v.Resulting)
	assert.Contains(t, err.Error(), "supported range")
}

func TestStorageFailure(t *testing.T) {
	driver := errors.New("disk I/O error")
	err := StorageFailure("append entry", driver)

	assert.True(t, IsStorageFailure(err))
	assert.False(t, IsClientError(err))
	assert.ErrorIs(t, err, driver)

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "append entry", se.Op)

	// client errors and already wrapped failures pass through untouched
	assert.Same(t, ErrAlreadyDecided, StorageFailure("decide", ErrAlreadyDecided))
	assert.Equal(t, err, StorageFailure("outer", err))
	assert.NoError(t, StorageFailure("noop", nil))
}

func TestParseOverdraftOverride(t *testing.T) {
	for in, want := range map[string]OverdraftOverride{
		"on": OverdraftAllow, "allow": OverdraftAllow, "OFF": OverdraftDeny, "deny": OverdraftDeny,
		"default": OverdraftInherit, "inherit": OverdraftInherit,
	} {
		got, err := ParseOverdraftOverride(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseOverdraftOverride("maybe")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
