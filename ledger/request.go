/*
request.go - Declaration lifecycle (pending -> approved | rejected)

PURPOSE:
  A member declares energy drawn from a bucket, attaching an evidence
  reference (the photo of the meter). The declaration waits as a pending
  Request until an administrator approves or rejects it. Approval debits the
  declared amount through the Applier; rejection only closes the request.

STATE MACHINE:
                    ┌──────────┐
       Create ─────▶│ pending  │
                    └──────────┘
                     │        │
            approve  │        │  reject / withdraw
                     ▼        ▼
              ┌──────────┐ ┌──────────┐
              │ approved │ │ rejected │
              └──────────┘ └──────────┘

  Both terminal states are final. A withdrawal is a rejection whose
  reviewer is the requester.

ATOMICITY:
  Decide reads the status, runs the Applier (on approve) and writes the new
  status in one WithTx. Two reviewers racing on the same request are
  serialized by the store; the second one sees a terminal status and gets
  ErrAlreadyDecided.

  If the Applier refuses an approval the transaction is rolled back and the
  request stays pending, so the reviewer can reject it or wait.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// NewRequest is the input of Workflow.Create.
type NewRequest struct {
	Requester   UserID
	Bucket      Bucket
	Amount      Quantity
	EvidenceRef string
	Note        string
}

// Decision is an administrator verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// DecisionOutcome is the result of Decide. Outcome is set for approvals,
// including refused ones, so the reviewer can see the balance involved.
type DecisionOutcome struct {
	Request Request
	Outcome *Outcome
}

// Preview shows what a declaration would do before it is submitted.
type Preview struct {
	Account   AccountKey
	Balance   Quantity
	Pending   Quantity // declared but not yet decided
	Amount    Quantity
	Projected Quantity // Balance - Pending - Amount

	// Violation is set when approving everything pending plus this amount
	// would be refused under the current limits.
	Violation *PolicyViolation
}

// Workflow drives requests through their lifecycle.
type Workflow struct {
	Applier *Applier
}

// NewWorkflow creates a Workflow sharing the Applier's store and limits.
func NewWorkflow(applier *Applier) *Workflow {
	return &Workflow{Applier: applier}
}

func (w *Workflow) limits() Limits { return w.Applier.Policy.Limits }

// Create records a pending request.
func (w *Workflow) Create(ctx context.Context, in NewRequest) (Request, error) {
	if err := w.validateNew(in); err != nil {
		return Request{}, err
	}

	var created Request
	err := w.Applier.Store.WithTx(ctx, func(tx Store) error {
		if limit := w.limits().MaxPendingPerUser; limit > 0 {
			n, err := tx.CountPending(ctx, in.Requester)
			if err != nil {
				return StorageFailure("count pending", err)
			}
			if n >= limit {
				return fmt.Errorf("%w: %d of %d allowed", ErrTooManyPending, n, limit)
			}
		}

		req, err := tx.CreateRequest(ctx, Request{
			Requester:   in.Requester,
			Bucket:      in.Bucket,
			Amount:      in.Amount,
			EvidenceRef: in.EvidenceRef,
			Note:        in.Note,
			Status:      RequestPending,
			CreatedAt:   w.Applier.now(),
		})
		if err != nil {
			return StorageFailure("create request", err)
		}

		if err := w.enqueue(ctx, tx, EventRequestCreated, req); err != nil {
			return err
		}
		created = req
		return nil
	})
	if err != nil {
		return Request{}, StorageFailure("create request", err)
	}
	return created, nil
}

func (w *Workflow) validateNew(in NewRequest) error {
	key := AccountKey{User: in.Requester, Bucket: in.Bucket}
	if err := key.Validate(); err != nil {
		return err
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: declared amount %s must be greater than zero", ErrInvalidQuantity, in.Amount)
	}
	if strings.TrimSpace(in.EvidenceRef) == "" {
		return fmt.Errorf("%w: evidence reference is required", ErrInvalidRequest)
	}
	if limit := w.limits().MaxNoteLength; limit > 0 && utf8.RuneCountInString(in.Note) > limit {
		return fmt.Errorf("%w: note longer than %d characters", ErrInvalidRequest, limit)
	}
	return nil
}

// Decide approves or rejects a pending request.
func (w *Workflow) Decide(ctx context.Context, id RequestID, decision Decision, reviewer UserID) (DecisionOutcome, error) {
	return w.decide(ctx, id, decision, reviewer, nil)
}

// Withdraw lets the requester abandon a pending request. It is recorded as a
// rejection reviewed by the requester.
func (w *Workflow) Withdraw(ctx context.Context, id RequestID, requester UserID) (Request, error) {
	out, err := w.decide(ctx, id, DecisionReject, requester, func(req Request) error {
		if req.Requester != requester {
			return fmt.Errorf("%w: request %d belongs to %s", ErrNotRequester, id, req.Requester)
		}
		return nil
	})
	return out.Request, err
}

func (w *Workflow) decide(ctx context.Context, id RequestID, decision Decision, reviewer UserID, guard func(Request) error) (DecisionOutcome, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return DecisionOutcome{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidRequest, decision)
	}
	if strings.TrimSpace(string(reviewer)) == "" {
		return DecisionOutcome{}, fmt.Errorf("%w: reviewer is required", ErrInvalidRequest)
	}

	var result DecisionOutcome
	err := w.Applier.Store.WithTx(ctx, func(tx Store) error {
		req, err := tx.Request(ctx, id)
		if err != nil {
			return StorageFailure("load request", err)
		}
		result.Request = req

		if guard != nil {
			if err := guard(req); err != nil {
				return err
			}
		}
		if req.Status != RequestPending {
			return fmt.Errorf("%w: request %d is %s", ErrAlreadyDecided, id, req.Status)
		}

		kind := EventRequestRejected
		next := req
		if decision == DecisionApprove {
			out, err := w.Applier.applyIn(ctx, tx, Adjustment{
				Account:   req.Account(),
				Delta:     req.Amount.Neg(),
				Reason:    ReasonDeclaredRecharge,
				Actor:     &reviewer,
				RequestID: &req.ID,
			})
			result.Outcome = &out
			if err != nil {
				return err
			}
			next.Status = RequestApproved
			next.BalanceBefore = &out.Old
			next.BalanceAfter = &out.New
			kind = EventRequestApproved
		} else {
			next.Status = RequestRejected
		}

		reviewedAt := w.Applier.now()
		next.ReviewedAt = &reviewedAt
		next.ReviewedBy = &reviewer
		if err := tx.UpdateRequest(ctx, next); err != nil {
			return StorageFailure("update request", err)
		}
		if err := w.enqueue(ctx, tx, kind, next); err != nil {
			return err
		}
		result.Request = next
		return nil
	})
	if err != nil {
		// The transaction was rolled back: whatever was read is still the
		// stored state, so a refused approval reports a pending request.
		return result, StorageFailure("decide request", err)
	}
	return result, nil
}

func (w *Workflow) enqueue(ctx context.Context, tx Store, kind EventKind, req Request) error {
	ev, err := requestEvent(kind, req, w.Applier.now())
	if err != nil {
		return err
	}
	if err := tx.EnqueueEvent(ctx, ev); err != nil {
		return StorageFailure("enqueue event", err)
	}
	return nil
}

// Preview reports the balance, the pending exposure and the balance that
// would result if every pending request plus amount were approved.
func (w *Workflow) Preview(ctx context.Context, key AccountKey, amount Quantity) (Preview, error) {
	if err := key.Validate(); err != nil {
		return Preview{}, err
	}
	if !amount.IsPositive() {
		return Preview{}, fmt.Errorf("%w: amount %s must be greater than zero", ErrInvalidQuantity, amount)
	}

	store := w.Applier.Store
	bal, err := store.Balance(ctx, key)
	if err != nil {
		return Preview{}, StorageFailure("read balance", err)
	}
	pending, err := store.SumPending(ctx, key)
	if err != nil {
		return Preview{}, StorageFailure("sum pending", err)
	}
	override, err := store.OverdraftOverride(ctx, key.User)
	if err != nil {
		return Preview{}, StorageFailure("read overdraft override", err)
	}

	p := Preview{
		Account: key,
		Balance: bal,
		Pending: pending,
		Amount:  amount,
	}
	committed, ok := bal.CheckedSub(pending)
	if !ok {
		p.Projected = bal
		p.Violation = &PolicyViolation{Rule: RuleRange, Balance: bal, Delta: pending.Neg(), Resulting: bal, Limit: MaxQuantity}
		return p, nil
	}
	p.Projected, err = w.Applier.Policy.Evaluate(Proposal{Current: committed, Delta: amount.Neg(), Override: override})
	var v *PolicyViolation
	if errors.As(err, &v) {
		p.Violation = v
		p.Projected = committed
		if proj, ok := committed.CheckedSub(amount); ok {
			p.Projected = proj
		}
	}
	return p, nil
}
