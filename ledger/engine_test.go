package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kwh-ledger/ledger"
	"github.com/warp/kwh-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func kwh(s string) ledger.Quantity { return ledger.MustQuantity(s) }

func limits() ledger.Limits {
	return ledger.Limits{
		AllowOverdraft:    false,
		MaxPerOperation:   kwh("50"),
		MaxBalance:        kwh("1000"),
		MaxPendingPerUser: 5,
		MaxNoteLength:     20,
	}
}

func newTestEngine(t *testing.T, l ledger.Limits) (*ledger.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := ledger.NewEngine(mem, l, kwh("0.5"), logger)
	return eng, mem
}

func credit(t *testing.T, eng *ledger.Engine, user ledger.UserID, bucket ledger.Bucket, amount string) {
	t.Helper()
	_, err := eng.Adjust(context.Background(), ledger.AdjustCmd{
		User: user, Bucket: bucket, Amount: kwh(amount), Direction: ledger.Credit, Actor: "admin",
	})
	require.NoError(t, err)
}

// assertInvariant checks balance == sum of unbounded history for every account.
func assertInvariant(t *testing.T, mem *store.Memory) {
	t.Helper()
	ctx := context.Background()
	accounts, err := mem.ListAccounts(ctx)
	require.NoError(t, err)
	for _, a := range accounts {
		history, err := mem.History(ctx, a.Key, ledger.Page{})
		require.NoError(t, err)
		sum := ledger.Zero
		for _, e := range history {
			sum = sum.Add(e.Delta)
		}
		assert.Equal(t, a.Balance, sum, "account %s", a.Key)
	}
	found, err := mem.Discrepancies(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)
}

type snapshot struct {
	balance ledger.Quantity
	entries int
}

func snap(t *testing.T, mem *store.Memory, key ledger.AccountKey) snapshot {
	t.Helper()
	ctx := context.Background()
	bal, err := mem.Balance(ctx, key)
	require.NoError(t, err)
	history, err := mem.History(ctx, key, ledger.Page{})
	require.NoError(t, err)
	return snapshot{balance: bal, entries: len(history)}
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestApply_OverdraftDeniedOnEmptyWallet(t *testing.T) {
	// GIVEN: balance 0, global overdraft false, no override
	// WHEN: applying -5
	// THEN: refused with OverdraftDenied, balance stays 0

	eng, mem := newTestEngine(t, limits())
	key := ledger.Wallet("alice")

	out, err := eng.Applier.Apply(context.Background(), ledger.Adjustment{
		Account: key, Delta: kwh("-5.0"), Reason: ledger.ReasonAdminDebit,
	})

	assert.ErrorIs(t, err, ledger.ErrOverdraftDenied)
	assert.True(t, out.Old.IsZero())
	assert.True(t, out.New.IsZero())
	assert.Nil(t, out.Entry)
	assert.Equal(t, snapshot{balance: ledger.Zero, entries: 0}, snap(t, mem, key))
}

func TestApply_DebitWithinBalance(t *testing.T) {
	// GIVEN: balance 10, per-operation cap 50
	// WHEN: applying -5
	// THEN: admitted, balance 5, exactly one new entry of -5

	eng, mem := newTestEngine(t, limits())
	ctx := context.Background()
	key := ledger.Wallet("alice")
	credit(t, eng, "alice", "", "10")
	before := snap(t, mem, key)

	out, err := eng.Applier.Apply(ctx, ledger.Adjustment{
		Account: key, Delta: kwh("-5.0"), Reason: ledger.ReasonAdminDebit,
	})
	require.NoError(t, err)

	assert.Equal(t, "10", out.Old.String())
	assert.Equal(t, "5", out.New.String())
	require.NotNil(t, out.Entry)
	assert.Equal(t, "-5", out.Entry.Delta.String())

	after := snap(t, mem, key)
	assert.Equal(t, before.entries+1, after.entries)
	assert.Equal(t, kwh("5.0000"), after.balance)
	assertInvariant(t, mem)
}

func TestDecide_ApproveThenRejectIsAlreadyDecided(t *testing.T) {
	// GIVEN: a pending request on slot8 for 12.3456
	// WHEN: admin A approves, then admin B rejects
	// THEN: A succeeds and debits 12.3456, B fails with AlreadyDecided

	eng, mem := newTestEngine(t, limits())
	ctx := context.Background()
	key := ledger.AccountKey{User: "bob", Bucket: "slot8"}
	credit(t, eng, "bob", "slot8", "20")

	req, err := eng.CreateRequest(ctx, ledger.CreateRequestCmd{
		Requester: "bob", Bucket: "slot8", Amount: kwh("12.3456"), EvidenceRef: "photo-1",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestPending, req.Status)

	out, err := eng.Decide(ctx, ledger.DecideCmd{RequestID: req.ID, Decision: ledger.DecisionApprove, Reviewer: "admin-a"})
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestApproved, out.Request.Status)
	require.NotNil(t, out.Outcome)
	assert.Equal(t, "7.6544", out.Outcome.New.String())
	require.NotNil(t, out.Request.BalanceBefore)
	assert.Equal(t, "20", out.Request.BalanceBefore.String())

	afterApprove := snap(t, mem, key)
	assert.Equal(t, kwh("7.6544"), afterApprove.balance)

	_, err = eng.Decide(ctx, ledger.DecideCmd{RequestID: req.ID, Decision: ledger.DecisionReject, Reviewer: "admin-b"})
	assert.ErrorIs(t, err, ledger.ErrAlreadyDecided)
	assert.Equal(t, afterApprove, snap(t, mem, key))

	stored, err := eng.Request(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestApproved, stored.Status)
	require.NotNil(t, stored.ReviewedBy)
	assert.Equal(t, ledger.UserID("admin-a"), *stored.ReviewedBy)

	history, err := eng.History(ctx, key, ledger.Page{Limit: 1})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ledger.ReasonDeclaredRecharge, history[0].Reason)
	require.NotNil(t, history[0].RequestID)
	assert.Equal(t, req.ID, *history[0].RequestID)
	assertInvariant(t, mem)
}

func TestCreateRequest_TooManyPending(t *testing.T) {
	// GIVEN: a requester with 5 pending requests (the maximum)
	// WHEN: creating a sixth
	// THEN: TooManyPending and no new request exists

	eng, mem := newTestEngine(t, limits())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := eng.CreateRequest(ctx, ledger.CreateRequestCmd{
			Requester: "carol", Amount: kwh("1"), EvidenceRef: fmt.Sprintf("photo-%d", i),
		})
		require.NoError(t, err)
	}

	_, err := eng.CreateRequest(ctx, ledger.CreateRequestCmd{
		Requester: "carol", Amount: kwh("1"), EvidenceRef: "photo-6",
	})
	assert.ErrorIs(t, err, ledger.ErrTooManyPending)

	n, err := mem.CountPending(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// another user is not affected
	_, err = eng.CreateRequest(ctx, ledger.CreateRequestCmd{
		Requester: "dave", Amount: kwh("1"), EvidenceRef: "photo-x",
	})
	assert.NoError(t, err)
}

func TestOverdraftOverride_AllowsOnlyThatUser(t *testing.T) {
	// GIVEN: global overdraft deny, override allow for erin
	// WHEN: the same negative delta is applied to erin and frank
	// THEN: erin is admitted, frank is refused

	eng, mem := newTestEngine(t, limits())
	ctx := context.Background()

	status, err := eng.SetOverride(ctx, ledger.SetOverrideCmd{User: "erin", Value: ledger.OverdraftAllow})
	require.NoError(t, err)
	assert.True(t, status.Effective)
	assert.Equal(t, ledger.SourceUser, status.Source)

	out, err := eng.Adjust(ctx, ledger.AdjustCmd{User: "erin", Amount: kwh("3"), Direction: ledger.Debit, Actor: "admin"})
	require.NoError(t, err)
	assert.Equal(t, "-3", out.New.String())

	_, err = eng.Adjust(ctx, ledger.AdjustCmd{User: "frank", Amount: kwh("3"), Direction: ledger.Debit, Actor: "admin"})
	assert.ErrorIs(t, err, ledger.ErrOverdraftDenied)

	frank, err := eng.OverdraftStatus(ctx, "frank")
	require.NoError(t, err)
	assert.False(t, frank.Effective)
	assert.Equal(t, ledger.SourceGlobal, frank.Source)
	assertInvariant(t, mem)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestDecide_SecondDecisionAlwaysAlreadyDecided(t *testing.T) {
	for _, first := range []ledger.Decision{ledger.DecisionApprove, ledger.DecisionReject} {
		for _, second := range []ledger.Decision{ledger.DecisionApprove, ledger.DecisionReject} {
			t.Run(fmt.Sprintf("%s_then_%s", first, second), func(t *testing.T) {
				eng, mem := newTestEngine(t, limits())
				ctx := context.Background()
				key := ledger.Wallet("gina")
				credit(t, eng, "gina", "", "10")

				req, err := eng.CreateRequest(ctx, ledger.CreateRequestCmd{Requester: "gina", Amount: kwh("2"), EvidenceRef: "p"})
				require.NoError(t, err)

				_, err = eng.Decide(ctx, ledger.DecideCmd{RequestID: req.ID, Decision: first, Reviewer: "admin"})
				require.NoError(t, err)
				before := snap(t, mem, key)

				_, err = eng.Decide(ctx, ledger.DecideCmd{RequestID: req.ID, Decision: second, Reviewer: "admin"})
				assert.ErrorIs(t, err, ledger.ErrAlreadyDecided)
				assert.Equal(t, before, snap(t, mem, key))
			})
		}
	}
}

func TestDecide_RefusedApprovalKeepsRequestPending(t *testing.T) {
	// GIVEN: a request for more than the balance, overdraft denied
	// WHEN: approving it
	// THEN: OverdraftDenied, request still pending, nothing written

	eng, mem := newTestEngine(t, limits())
	ctx := context.Background()
	key := ledger.Wallet("hank")
	credit(t, eng, "hank", "", "1")

	req, err := eng.CreateRequest(ctx, ledger.CreateRequestCmd{Requester: "hank", Amount: kwh("4"), EvidenceRef: "p"})
	require.NoError(t, err)
	before := snap(t, mem, key)
	eventsBefore := len(mem.Events())

	out, err := eng.Decide(ctx, ledger.DecideCmd{RequestID: req.ID, Decision: ledger.DecisionApprove, Reviewer: "admin"})
	assert.ErrorIs(t, err, ledger.ErrOverdraftDenied)
	assert.Equal(t, ledger.RequestPending, out.Request.Status)
	require.NotNil(t, out.Outcome)
	assert.Equal(t, "1", out.Outcome.Old.String())

	stored, err := eng.Request(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestPending, stored.Status)
	assert.Nil(t, stored.ReviewedAt)
	assert.Equal(t, before, snap(t, mem, key))
	assert.Len(t, mem.Events(), eventsBefore)

	// the reviewer can still reject it
	_, err = eng.Decide(ctx, ledger.DecideCmd{RequestID: req.ID, Decision: ledger.DecisionReject, Reviewer: "admin"})
	assert.NoError(t, err)
}

func TestApply_StorageFailureRollsBack(t *testing.T) {
	// GIVEN: a store whose balance write fails after the entry is appended
	// WHEN: applying a credit
	// THEN: StorageFailure, and neither the entry nor the event survive

	for _, op := range []string{"append", "write_balance", "enqueue_event"} {
		t.Run(op, func(t *testing.T) {
			eng, mem := newTestEngine(t, limits())
			ctx := context.Background()
			key := ledger.Wallet("ivy")
			credit(t, eng, "ivy", "", "10")
			before := snap(t, mem, key)
			events := len(mem.Events())

			mem.Fail = func(got string) error {
				if got == op {
					return errors.New("disk full")
				}
				return nil
			}
			_, err := eng.Adjust(ctx, ledger.AdjustCmd{User: "ivy", Amount: kwh("5"), Direction: ledger.Credit, Actor: "admin"})
			mem.Fail = nil

			assert.True(t, ledger.IsStorageFailure(err))
			assert.False(t, ledger.IsClientError(err))
			assert.Equal(t, before, snap(t, mem, key))
			assert.Len(t, mem.Events(), events)
			assertInvariant(t, mem)
		})
	}
}

func TestDecide_StorageFailureOnStatusWriteRollsBackDebit(t *testing.T) {
	eng, mem := newTestEngine(t, limits())
	ctx := context.Background()
	key := ledger.Wallet("jack")
	credit(t, eng, "jack", "", "10")
	req, err := eng.CreateRequest(ctx, ledger.CreateRequestCmd{Requester: "jack", Amount: kwh("2"), EvidenceRef: "p"})
	require.NoError(t, err)
	before := snap(t, mem, key)

	mem.Fail = func(op string) error {
		if op == "update_request" {
			return errors.New("locked")
		}
		return nil
	}
	_, err = eng.Decide(ctx, ledger.DecideCmd{RequestID: req.ID, Decision: ledger.DecisionApprove, Reviewer: "admin"})
	mem.Fail = nil

	assert.True(t, ledger.IsStorageFailure(err))
	assert.Equal(t, before, snap(t, mem, key))

	// safe to retry once storage recovers
	out, err := eng.Decide(ctx, ledger.DecideCmd{RequestID: req.ID, Decision: ledger.DecisionApprove, Reviewer: "admin"})
	require.NoError(t, err)
	assert.Equal(t, "8", out.Outcome.New.String())
}

func TestApply_ZeroDeltaIsInvalid(t *testing.T) {
	eng, mem := newTestEngine(t, limits())
	mem.Fail = func(string) error { return errors.New("storage must not be touched") }

	_, err := eng.Applier.Apply(context.Background(), ledger.Adjustment{
		Account: ledger.Wallet("kim"), Delta: ledger.Zero, Reason: ledger.ReasonAdminCredit,
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidDelta)
}

func TestInvariant_ConcurrentOperations(t *testing.T) {
	// GIVEN: many goroutines crediting, debiting and deciding on shared accounts
	// THEN: every balance equals the sum of its entries afterwards

	l := limits()
	l.MaxPendingPerUser = 0
	eng, mem := newTestEngine(t, l)
	ctx := context.Background()
	users := []ledger.UserID{"u1", "u2", "u3"}
	for _, u := range users {
		credit(t, eng, u, "", "40")
	}

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := users[i%len(users)]
			switch i % 3 {
			case 0:
				_, _ = eng.Adjust(ctx, ledger.AdjustCmd{User: u, Amount: kwh("1.5"), Direction: ledger.Credit, Actor: "admin"})
			case 1:
				_, _ = eng.Adjust(ctx, ledger.AdjustCmd{User: u, Amount: kwh("2.25"), Direction: ledger.Debit, Actor: "admin"})
			default:
				req, err := eng.CreateRequest(ctx, ledger.CreateRequestCmd{Requester: u, Amount: kwh("0.7"), EvidenceRef: "p"})
				if err == nil {
					_, _ = eng.Decide(ctx, ledger.DecideCmd{RequestID: req.ID, Decision: ledger.DecisionApprove, Reviewer: "admin"})
				}
			}
		}(i)
	}
	wg.Wait()

	assertInvariant(t, mem)
	for _, u := range users {
		bal, err := mem.Balance(ctx, ledger.Wallet(u))
		require.NoError(t, err)
		assert.False(t, bal.IsNegative(), "overdraft denied must keep %s non-negative", u)
	}
}

func TestDecide_ConcurrentReviewersOnlyOneWins(t *testing.T) {
	eng, mem := newTestEngine(t, limits())
	ctx := context.Background()
	key := ledger.Wallet("lea")
	credit(t, eng, "lea", "", "30")
	req, err := eng.CreateRequest(ctx, ledger.CreateRequestCmd{Requester: "lea", Amount: kwh("10"), EvidenceRef: "p"})
	require.NoError(t, err)

	const reviewers = 8
	errs := make(chan error, reviewers)
	var wg sync.WaitGroup
	for i := 0; i < reviewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := eng.Decide(ctx, ledger.DecideCmd{
				RequestID: req.ID, Decision: ledger.DecisionApprove, Reviewer: ledger.UserID(fmt.Sprintf("admin-%d", i)),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ledger.ErrAlreadyDecided)
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, snapshot{balance: kwh("20"), entries: 2}, snap(t, mem, key))
}

// =============================================================================
// WORKFLOW
// =============================================================================

func TestCreateRequest_Validation(t *testing.T) {
	eng, _ := newTestEngine(t, limits())
	ctx := context.Background()

	tests := []struct {
		name string
		cmd  ledger.CreateRequestCmd
		want error
	}{
		{"zero amount", ledger.CreateRequestCmd{Requester: "m", Amount: ledger.Zero, EvidenceRef: "p"}, ledger.ErrInvalidQuantity},
		{"negative amount", ledger.CreateRequestCmd{Requester: "m", Amount: kwh("-1"), EvidenceRef: "p"}, ledger.ErrInvalidQuantity},
		{"missing evidence", ledger.CreateRequestCmd{Requester: "m", Amount: kwh("1")}, ledger.ErrInvalidRequest},
		{"missing requester", ledger.CreateRequestCmd{Amount: kwh("1"), EvidenceRef: "p"}, ledger.ErrInvalidRequest},
		{"note too long", ledger.CreateRequestCmd{Requester: "m", Amount: kwh("1"), EvidenceRef: "p", Note: "this note is far longer than allowed"}, ledger.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.CreateRequest(ctx, tt.cmd)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, ledger.IsClientError(err))
		})
	}

	var verr *ledger.ValidationError
	_, err := eng.CreateRequest(ctx, ledger.CreateRequestCmd{Amount: kwh("1")})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "Requester")
	assert.Contains(t, verr.Fields, "EvidenceRef")
}

func TestCreateRequest_DefaultsToWalletAndEmitsEvent(t *testing.T) {
	eng, mem := newTestEngine(t, limits())
	ctx := context.Background()

	req, err := eng.CreateRequest(ctx, ledger.CreateRequestCmd{Requester: "nia", Amount: kwh("3.5"), EvidenceRef: "photo", Note: "garage"})
	require.NoError(t, err)
	assert.Equal(t, ledger.BucketWallet, req.Bucket)

	events := mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventRequestCreated, events[0].Kind)
	assert.NotEmpty(t, events[0].ID)

	var payload ledger.RequestEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, req.ID, payload.RequestID)
	assert.Equal(t, "3.5", payload.Amount.String())
	assert.Equal(t, "garage", payload.Note)
}

func TestWithdraw(t *testing.T) {
	eng, mem := newTestEngine(t, limits())
	ctx := context.Background()
	req, err := eng.CreateRequest(ctx, ledger.CreateRequestCmd{Requester: "olga", Amount: kwh("1"), EvidenceRef: "p"})
	require.NoError(t, err)

	_, err = eng.Withdraw(ctx, ledger.WithdrawCmd{RequestID: req.ID, Requester: "pete"})
	assert.ErrorIs(t, err, ledger.ErrNotRequester)

	withdrawn, err := eng.Withdraw(ctx, ledger.WithdrawCmd{RequestID: req.ID, Requester: "olga"})
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestRejected, withdrawn.Status)
	require.NotNil(t, withdrawn.ReviewedBy)
	assert.Equal(t, ledger.UserID("olga"), *withdrawn.ReviewedBy)

	_, err = eng.Withdraw(ctx, ledger.WithdrawCmd{RequestID: req.ID, Requester: "olga"})
	assert.ErrorIs(t, err, ledger.ErrAlreadyDecided)

	_, err = eng.Withdraw(ctx, ledger.WithdrawCmd{RequestID: 999, Requester: "olga"})
	assert.ErrorIs(t, err, ledger.ErrRequestNotFound)

	n, err := mem.CountPending(ctx, "olga")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDecide_UnknownRequest(t *testing.T) {
	eng, _ := newTestEngine(t, limits())
	_, err := eng.Decide(context.Background(), ledger.DecideCmd{RequestID: 42, Decision: ledger.DecisionApprove, Reviewer: "admin"})
	assert.ErrorIs(t, err, ledger.ErrRequestNotFound)

	_, err = eng.Decide(context.Background(), ledger.DecideCmd{RequestID: 42, Decision: "maybe", Reviewer: "admin"})
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
}

func TestAdjust_UncappedCreditsStayInRange(t *testing.T) {
	// GIVEN: no per-operation or account cap
	l := limits()
	l.MaxPerOperation = ledger.Zero
	l.MaxBalance = ledger.Zero
	eng, mem := newTestEngine(t, l)
	ctx := context.Background()
	credit(t, eng, "rita", "", "900000000000")

	// WHEN: a second huge credit would push the balance past the supported range
	_, err := eng.Adjust(ctx, ledger.AdjustCmd{
		User: "rita", Amount: kwh("900000000000"), Direction: ledger.Credit, Actor: "admin",
	})

	// THEN: it is refused as a limit, and the balance keeps its old positive value
	require.ErrorIs(t, err, ledger.ErrLimitExceeded)
	var v *ledger.PolicyViolation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, ledger.RuleRange, v.Rule)
	bal, _ := mem.Balance(ctx, ledger.Wallet("rita"))
	assert.Equal(t, "900000000000", bal.String())
	assertInvariant(t, mem)
}

func TestPreview(t *testing.T) {
	eng, _ := newTestEngine(t, limits())
	ctx := context.Background()
	credit(t, eng, "quin", "", "10")
	_, err := eng.CreateRequest(ctx, ledger.CreateRequestCmd{Requester: "quin", Amount: kwh("4"), EvidenceRef: "p"})
	require.NoError(t, err)

	p, err := eng.Preview(ctx, ledger.AccountKey{User: "quin"}, kwh("5"))
	require.NoError(t, err)
	assert.Equal(t, "10", p.Balance.String())
	assert.Equal(t, "4", p.Pending.String())
	assert.Equal(t, "1", p.Projected.String())
	assert.Nil(t, p.Violation)

	p, err = eng.Preview(ctx, ledger.AccountKey{User: "quin"}, kwh("7"))
	require.NoError(t, err)
	assert.Equal(t, "-1", p.Projected.String())
	require.NotNil(t, p.Violation)
	assert.Equal(t, ledger.RuleOverdraft, p.Violation.Rule)
}

// =============================================================================
// ADMINISTRATIVE OPERATIONS
// =============================================================================

func TestAdjust_ReasonsAndSign(t *testing.T) {
	eng, _ := newTestEngine(t, limits())
	ctx := context.Background()

	out, err := eng.Adjust(ctx, ledger.AdjustCmd{User: "rita", Bucket: "slot3", Amount: kwh("8"), Actor: "admin", Memo: "meter fix"})
	require.NoError(t, err)
	assert.Equal(t, ledger.ReasonAdminCredit, out.Entry.Reason)
	assert.Equal(t, ledger.Bucket("slot3"), out.Entry.Account.Bucket)
	assert.Equal(t, "meter fix", out.Entry.Memo)

	out, err = eng.Adjust(ctx, ledger.AdjustCmd{User: "rita", Bucket: "slot3", Amount: kwh("-3"), Actor: "admin"})
	require.NoError(t, err)
	assert.Equal(t, ledger.ReasonAdminDebit, out.Entry.Reason)
	assert.Equal(t, "5", out.New.String())

	_, err = eng.Adjust(ctx, ledger.AdjustCmd{User: "rita", Amount: kwh("-3"), Direction: ledger.Debit, Actor: "admin"})
	assert.ErrorIs(t, err, ledger.ErrInvalidQuantity)

	_, err = eng.Adjust(ctx, ledger.AdjustCmd{User: "rita", Amount: kwh("3"), Direction: "sideways", Actor: "admin"})
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)

	_, err = eng.Adjust(ctx, ledger.AdjustCmd{User: "rita", Amount: ledger.Zero, Actor: "admin"})
	assert.ErrorIs(t, err, ledger.ErrInvalidDelta)

	_, err = eng.Adjust(ctx, ledger.AdjustCmd{User: "rita", Amount: kwh("51"), Direction: ledger.Credit, Actor: "admin"})
	assert.ErrorIs(t, err, ledger.ErrLimitExceeded)

	balances, err := eng.Balances(ctx, "rita")
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, ledger.BucketWallet, balances[0].Key.Bucket)
	assert.True(t, balances[0].Balance.IsZero())
	assert.Equal(t, "5", balances[1].Balance.String())
}

func TestTopUp_ConvertsCurrencyWithTruncation(t *testing.T) {
	eng, mem := newTestEngine(t, limits())
	ctx := context.Background()

	out, err := eng.TopUp(ctx, ledger.TopUpCmd{User: "sam", Currency: kwh("10.00015"), Actor: "admin"})
	require.NoError(t, err)
	// 10.0001 EUR * 0.5 = 5.00005 -> 5
	assert.Equal(t, "5", out.New.String())
	assert.Equal(t, ledger.ReasonCurrencyTopUp, out.Entry.Reason)
	assert.Equal(t, ledger.BucketWallet, out.Entry.Account.Bucket)
	assert.Contains(t, out.Entry.Memo, "EUR")

	_, err = eng.TopUp(ctx, ledger.TopUpCmd{User: "sam", Currency: kwh("0.0001"), Actor: "admin"})
	assert.ErrorIs(t, err, ledger.ErrInvalidQuantity)

	eng.KWhPerCurrency = ledger.Zero
	_, err = eng.TopUp(ctx, ledger.TopUpCmd{User: "sam", Currency: kwh("1"), Actor: "admin"})
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
	assertInvariant(t, mem)
}

func TestRemoveUser_Cascades(t *testing.T) {
	eng, mem := newTestEngine(t, limits())
	ctx := context.Background()
	credit(t, eng, "tom", "", "5")
	credit(t, eng, "uma", "", "5")
	_, err := eng.CreateRequest(ctx, ledger.CreateRequestCmd{Requester: "tom", Amount: kwh("1"), EvidenceRef: "p"})
	require.NoError(t, err)
	_, err = eng.SetOverride(ctx, ledger.SetOverrideCmd{User: "tom", Value: ledger.OverdraftAllow})
	require.NoError(t, err)

	require.NoError(t, eng.RemoveUser(ctx, ledger.RemoveUserCmd{User: "tom"}))

	accounts, err := eng.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, ledger.UserID("uma"), accounts[0].Key.User)

	history, err := eng.History(ctx, ledger.Wallet("tom"), ledger.Page{})
	require.NoError(t, err)
	assert.Empty(t, history)

	reqs, err := eng.RequestsByUser(ctx, "tom", ledger.Page{})
	require.NoError(t, err)
	assert.Empty(t, reqs)

	status, err := eng.OverdraftStatus(ctx, "tom")
	require.NoError(t, err)
	assert.Equal(t, ledger.OverdraftInherit, status.Override)

	for _, ev := range mem.Events() {
		assert.NotEqual(t, ledger.UserID("tom"), ev.User)
	}
	assertInvariant(t, mem)
}

func TestHistoryAndExport(t *testing.T) {
	eng, _ := newTestEngine(t, limits())
	ctx := context.Background()
	for _, amt := range []string{"1", "2", "3", "4"} {
		credit(t, eng, "vic", "", amt)
	}
	credit(t, eng, "wes", "", "9")

	page, err := eng.History(ctx, ledger.Wallet("vic"), ledger.Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "3", page[0].Delta.String())
	assert.Equal(t, "2", page[1].Delta.String())

	user := ledger.UserID("vic")
	entries, err := eng.Export(ctx, ledger.EntryFilter{User: &user})
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.Equal(t, "1", entries[0].Delta.String())

	all, err := eng.Export(ctx, ledger.EntryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	future := time.Now().Add(time.Hour)
	none, err := eng.Export(ctx, ledger.EntryFilter{From: &future})
	require.NoError(t, err)
	assert.Empty(t, none)

	past := future.Add(-2 * time.Hour)
	_, err = eng.Export(ctx, ledger.EntryFilter{From: &future, To: &past})
	assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
}

func TestEvents_BalanceChangedCarriesOldAndNew(t *testing.T) {
	eng, mem := newTestEngine(t, limits())
	credit(t, eng, "xia", "slot1", "2.5")

	events := mem.Events()
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventBalanceChanged, events[0].Kind)

	var payload ledger.BalanceEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "0", payload.Old.String())
	assert.Equal(t, "2.5", payload.New.String())
	assert.Equal(t, ledger.Bucket("slot1"), payload.Bucket)
	assert.Equal(t, ledger.ReasonAdminCredit, payload.Reason)
}
