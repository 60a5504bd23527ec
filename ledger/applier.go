/*
applier.go - The single code path that changes a balance

PURPOSE:
  Every credit, debit, currency top-up and approved declaration ends up in
  Applier.Apply (or applyIn, when the caller already holds a transaction).
  The Applier reads the balance fresh, asks the Policy, and then writes the
  ledger entry, the new balance and a balance.changed event together.

ATOMICITY:
  Entry append, balance write and event enqueue share one WithTx. A policy
  refusal returns before any write; a storage failure rolls everything back.
  In both cases the stored balance is exactly what it was before the call.

  ┌────────┐   ┌────────┐   ┌────────┐   ┌─────────┐   ┌─────────┐
  │  read  │──▶│ policy │──▶│ append │──▶│  write  │──▶│ enqueue │
  │balance │   │evaluate│   │ entry  │   │ balance │   │  event  │
  └────────┘   └────────┘   └────────┘   └─────────┘   └─────────┘
                   │ refuse
                   ▼
            Outcome{Old: cur, New: cur}, *PolicyViolation
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// Adjustment is a request to change one balance by Delta.
type Adjustment struct {
	Account   AccountKey
	Delta     Quantity
	Reason    Reason
	Actor     *UserID
	RequestID *RequestID
	Memo      string
}

// Outcome reports the balance around an applied (or refused) adjustment.
// Entry is nil when nothing was written.
type Outcome struct {
	Old   Quantity
	New   Quantity
	Entry *Entry
}

// Applier owns balance mutation.
type Applier struct {
	Store  TxStore
	Policy Policy
	Now    func() time.Time
}

// NewApplier creates an Applier using the wall clock in UTC.
func NewApplier(store TxStore, limits Limits) *Applier {
	return &Applier{Store: store, Policy: Policy{Limits: limits}}
}

// now is microsecond-precise, the finest resolution the stores keep.
func (a *Applier) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC().Truncate(time.Microsecond)
	}
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Apply validates adj and applies it in its own transaction.
func (a *Applier) Apply(ctx context.Context, adj Adjustment) (Outcome, error) {
	if err := adj.validate(); err != nil {
		return Outcome{}, err
	}

	var out Outcome
	err := a.Store.WithTx(ctx, func(tx Store) error {
		var err error
		out, err = a.applyIn(ctx, tx, adj)
		return err
	})
	if err != nil {
		return out, StorageFailure("apply adjustment", err)
	}
	return out, nil
}

// applyIn does the work of Apply inside an existing transaction.
func (a *Applier) applyIn(ctx context.Context, tx Store, adj Adjustment) (Outcome, error) {
	if err := adj.validate(); err != nil {
		return Outcome{}, err
	}

	cur, err := tx.Balance(ctx, adj.Account)
	if err != nil {
		return Outcome{}, StorageFailure("read balance", err)
	}
	override, err := tx.OverdraftOverride(ctx, adj.Account.User)
	if err != nil {
		return Outcome{}, StorageFailure("read overdraft override", err)
	}

	refused := Outcome{Old: cur, New: cur}
	next, err := a.Policy.Evaluate(Proposal{Current: cur, Delta: adj.Delta, Override: override})
	if err != nil {
		return refused, err
	}

	entry, err := tx.Append(ctx, Entry{
		Account:   adj.Account,
		Delta:     adj.Delta,
		Reason:    adj.Reason,
		RequestID: adj.RequestID,
		Actor:     adj.Actor,
		Memo:      adj.Memo,
		CreatedAt: a.now(),
	})
	if err != nil {
		return refused, StorageFailure("append entry", err)
	}
	if err := tx.WriteBalance(ctx, adj.Account, next); err != nil {
		return refused, StorageFailure("write balance", err)
	}

	ev, err := balanceEvent(entry, cur, next)
	if err != nil {
		return refused, err
	}
	if err := tx.EnqueueEvent(ctx, ev); err != nil {
		return refused, StorageFailure("enqueue event", err)
	}

	return Outcome{Old: cur, New: next, Entry: &entry}, nil
}

func (adj Adjustment) validate() error {
	if err := adj.Account.Validate(); err != nil {
		return err
	}
	if adj.Delta.IsZero() {
		return ErrInvalidDelta
	}
	if adj.Reason == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalidRequest)
	}
	return nil
}
