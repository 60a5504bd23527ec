/*
dto.go - JSON shapes of the HTTP API

PURPOSE:
  Keeps the wire contract separate from ledger types. Quantities travel as
  decimal strings ("12.5"), never as JSON numbers, so clients cannot lose
  precision.

NAMING CONVENTION:
  - *DTO:      response bodies
  - *Request:  request bodies
  - *Response: wrappers around lists or compound results
*/
package api

import (
	"time"

	"github.com/warp/kwh-ledger/ledger"
)

// =============================================================================
// REQUEST BODIES
// =============================================================================

// CreateRequestRequest is a member declaration.
type CreateRequestRequest struct {
	Bucket      string `json:"bucket"`
	Amount      string `json:"amount"`
	EvidenceRef string `json:"evidence_ref"`
	Note        string `json:"note"`
}

// AdjustmentRequest is an admin credit or debit. Direction is optional; when
// it is empty the sign of Amount decides.
type AdjustmentRequest struct {
	User      string `json:"user"`
	Bucket    string `json:"bucket"`
	Amount    string `json:"amount"`
	Direction string `json:"direction"`
	Memo      string `json:"memo"`
}

// TopUpRequest converts a currency payment into kWh.
type TopUpRequest struct {
	User     string `json:"user"`
	Currency string `json:"currency"`
}

// OverdraftRequest accepts allow/deny/inherit or on/off/default.
type OverdraftRequest struct {
	Value string `json:"value"`
}

// =============================================================================
// RESPONSE BODIES
// =============================================================================

type AccountDTO struct {
	User    ledger.UserID   `json:"user"`
	Bucket  ledger.Bucket   `json:"bucket"`
	Balance ledger.Quantity `json:"balance"`
}

type EntryDTO struct {
	ID        int64             `json:"id"`
	User      ledger.UserID     `json:"user"`
	Bucket    ledger.Bucket     `json:"bucket"`
	Delta     ledger.Quantity   `json:"delta"`
	Reason    ledger.Reason     `json:"reason"`
	RequestID *ledger.RequestID `json:"request_id,omitempty"`
	Actor     *ledger.UserID    `json:"actor,omitempty"`
	Memo      string            `json:"memo,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type RequestDTO struct {
	ID            ledger.RequestID     `json:"id"`
	Requester     ledger.UserID        `json:"requester"`
	Bucket        ledger.Bucket        `json:"bucket"`
	Amount        ledger.Quantity      `json:"amount"`
	EvidenceRef   string               `json:"evidence_ref"`
	Note          string               `json:"note,omitempty"`
	Status        ledger.RequestStatus `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
	ReviewedAt    *time.Time           `json:"reviewed_at,omitempty"`
	ReviewedBy    *ledger.UserID       `json:"reviewed_by,omitempty"`
	BalanceBefore *ledger.Quantity     `json:"balance_before,omitempty"`
	BalanceAfter  *ledger.Quantity     `json:"balance_after,omitempty"`
}

// OutcomeDTO is the old and new balance of one applied change.
type OutcomeDTO struct {
	Old   ledger.Quantity `json:"old"`
	New   ledger.Quantity `json:"new"`
	Entry *EntryDTO       `json:"entry,omitempty"`
}

// DecisionResponse is returned by approve and reject.
type DecisionResponse struct {
	Request RequestDTO  `json:"request"`
	Outcome *OutcomeDTO `json:"outcome,omitempty"`
}

type PreviewDTO struct {
	User      ledger.UserID   `json:"user"`
	Bucket    ledger.Bucket   `json:"bucket"`
	Balance   ledger.Quantity `json:"balance"`
	Pending   ledger.Quantity `json:"pending"`
	Amount    ledger.Quantity `json:"amount"`
	Projected ledger.Quantity `json:"projected"`
	Violation *ViolationDTO   `json:"violation,omitempty"`
}

type ViolationDTO struct {
	Rule      ledger.Rule     `json:"rule"`
	Balance   ledger.Quantity `json:"balance"`
	Delta     ledger.Quantity `json:"delta"`
	Resulting ledger.Quantity `json:"resulting"`
	Limit     ledger.Quantity `json:"limit"`
}

type OverdraftDTO struct {
	User      ledger.UserID            `json:"user"`
	Override  ledger.OverdraftOverride `json:"override"`
	Effective bool                     `json:"effective"`
	Source    ledger.OverdraftSource   `json:"source"`
}

type AuditRunDTO struct {
	ID              int64     `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	AccountsChecked int       `json:"accounts_checked"`
	Discrepancies   int       `json:"discrepancies"`
	Error           string    `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	Fields    map[string]string `json:"fields,omitempty"`
	Violation *ViolationDTO     `json:"violation,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAccountDTOs(accounts []ledger.Account) []AccountDTO {
	out := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		out[i] = AccountDTO{User: a.Key.User, Bucket: a.Key.Bucket, Balance: a.Balance}
	}
	return out
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:        e.ID,
		User:      e.Account.User,
		Bucket:    e.Account.Bucket,
		Delta:     e.Delta,
		Reason:    e.Reason,
		RequestID: e.RequestID,
		Actor:     e.Actor,
		Memo:      e.Memo,
		CreatedAt: e.CreatedAt,
	}
}

func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	out := make([]EntryDTO, len(entries))
	for i, e := range entries {
		out[i] = toEntryDTO(e)
	}
	return out
}

func toRequestDTO(r ledger.Request) RequestDTO {
	return RequestDTO{
		ID:            r.ID,
		Requester:     r.Requester,
		Bucket:        r.Bucket,
		Amount:        r.Amount,
		EvidenceRef:   r.EvidenceRef,
		Note:          r.Note,
		Status:        r.Status,
		CreatedAt:     r.CreatedAt,
		ReviewedAt:    r.ReviewedAt,
		ReviewedBy:    r.ReviewedBy,
		BalanceBefore: r.BalanceBefore,
		BalanceAfter:  r.BalanceAfter,
	}
}

func toRequestDTOs(reqs []ledger.Request) []RequestDTO {
	out := make([]RequestDTO, len(reqs))
	for i, r := range reqs {
		out[i] = toRequestDTO(r)
	}
	return out
}

func toOutcomeDTO(o ledger.Outcome) *OutcomeDTO {
	dto := &OutcomeDTO{Old: o.Old, New: o.New}
	if o.Entry != nil {
		e := toEntryDTO(*o.Entry)
		dto.Entry = &e
	}
	return dto
}

func toViolationDTO(v *ledger.PolicyViolation) *ViolationDTO {
	if v == nil {
		return nil
	}
	return &ViolationDTO{
		Rule:      v.Rule,
		Balance:   v.Balance,
		Delta:     v.Delta,
		Resulting: v.Resulting,
		Limit:     v.Limit,
	}
}

func toAuditRunDTOs(runs []ledger.AuditRun) []AuditRunDTO {
	out := make([]AuditRunDTO, len(runs))
	for i, r := range runs {
		out[i] = AuditRunDTO{
			ID:              r.ID,
			StartedAt:       r.StartedAt,
			CompletedAt:     r.CompletedAt,
			AccountsChecked: r.AccountsChecked,
			Discrepancies:   r.Discrepancies,
			Error:           r.Error,
		}
	}
	return out
}
