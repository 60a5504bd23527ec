/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Validation errors - malformed amounts, zero deltas, bad commands
  2. Policy errors - caps and overdraft refusals (expected outcomes)
  3. Workflow errors - backpressure, double decisions, unknown requests
  4. Storage errors - the durable store failed; nothing was committed

Policy and validation failures are user-facing answers. StorageFailure means
the system itself is unhealthy and must be reported without internal detail.
Callers distinguish them with errors.Is or the helpers at the bottom.
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidQuantity is returned for malformed or non-positive amounts.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrInvalidDelta is returned when a transaction would change nothing.
	ErrInvalidDelta = errors.New("invalid delta: zero is not a transaction")

	// ErrInvalidRequest is returned when a command is missing or has bad fields.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrLimitExceeded is returned when a delta or resulting balance breaks a cap.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrOverdraftDenied is returned when the balance would go negative and
	// the account may not overdraw.
	ErrOverdraftDenied = errors.New("overdraft denied")

	// ErrTooManyPending is returned when the requester has too many open requests.
	ErrTooManyPending = errors.New("too many pending requests")

	// ErrAlreadyDecided is returned when a request is no longer pending.
	ErrAlreadyDecided = errors.New("request already decided")

	// ErrRequestNotFound is returned for unknown request ids.
	ErrRequestNotFound = errors.New("request not found")

	// ErrNotRequester is returned when someone other than the requester
	// tries to withdraw a request.
	ErrNotRequester = errors.New("only the requester can withdraw a request")

	// ErrStorageFailure is matched by every *StorageError.
	ErrStorageFailure = errors.New("storage failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Rule names the policy rule behind a refusal.
type Rule string

const (
	RulePerOperationCap Rule = "per_operation_cap"
	RuleOverdraft       Rule = "overdraft"
	RuleAccountCap      Rule = "account_cap"
	RuleRange           Rule = "quantity_range"
)

// PolicyViolation explains why the policy refused a delta.
type PolicyViolation struct {
	Rule      Rule
	Balance   Quantity // balance before the refused change
	Delta     Quantity
	Resulting Quantity
	Limit     Quantity // the cap that was hit; zero for overdraft
}

func (e *PolicyViolation) Error() string {
	switch e.Rule {
	case RulePerOperationCap:
		return fmt.Sprintf("limit exceeded: %s kWh in one operation, maximum is %s", e.Delta.Abs(), e.Limit)
	case RuleAccountCap:
		return fmt.Sprintf("limit exceeded: balance would be %s kWh, maximum is %s", e.Resulting, e.Limit)
	case RuleRange:
		return fmt.Sprintf("limit exceeded: %s kWh on a balance of %s leaves the supported range of ±%s", e.Delta, e.Balance, e.Limit)
	default:
		return fmt.Sprintf("overdraft denied: balance %s kWh would become %s", e.Balance, e.Resulting)
	}
}

func (e *PolicyViolation) Unwrap() error {
	if e.Rule == RuleOverdraft {
		return ErrOverdraftDenied
	}
	return ErrLimitExceeded
}

// StorageError wraps a failure of the durable store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorageFailure) true for every StorageError.
func (e *StorageError) Is(target error) bool { return target == ErrStorageFailure }

// StorageFailure wraps err as a *StorageError unless it already carries a
// ledger error, which is passed through untouched.
func StorageFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || errors.Is(err, ErrStorageFailure) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is an expected, user-facing outcome.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidDelta) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrLimitExceeded) ||
		errors.Is(err, ErrOverdraftDenied) ||
		errors.Is(err, ErrTooManyPending) ||
		errors.Is(err, ErrAlreadyDecided) ||
		errors.Is(err, ErrRequestNotFound) ||
		errors.Is(err, ErrNotRequester)
}

// IsStorageFailure returns true if the store could not complete an operation.
func IsStorageFailure(err error) bool {
	return errors.Is(err, ErrStorageFailure)
}
