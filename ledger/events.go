package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind names a notification emitted by the engine.
type EventKind string

const (
	EventRequestCreated  EventKind = "request.created"
	EventRequestApproved EventKind = "request.approved"
	EventRequestRejected EventKind = "request.rejected"
	EventBalanceChanged  EventKind = "balance.changed"
)

// Event is an outbox record. Payload is the JSON of a RequestEvent or a
// BalanceEvent depending on Kind.
type Event struct {
	ID        string
	Kind      EventKind
	User      UserID // the user the event is about, used as routing hint
	Payload   json.RawMessage
	CreatedAt time.Time
	Attempts  int
	LastError string
	SentAt    *time.Time
}

// RequestEvent is the payload of the request.* events.
type RequestEvent struct {
	RequestID     RequestID     `json:"request_id"`
	Requester     UserID        `json:"requester"`
	Bucket        Bucket        `json:"bucket"`
	Amount        Quantity      `json:"amount"`
	Status        RequestStatus `json:"status"`
	EvidenceRef   string        `json:"evidence_ref,omitempty"`
	Note          string        `json:"note,omitempty"`
	ReviewedBy    *UserID       `json:"reviewed_by,omitempty"`
	BalanceBefore *Quantity     `json:"balance_before,omitempty"`
	BalanceAfter  *Quantity     `json:"balance_after,omitempty"`
}

// BalanceEvent is the payload of balance.changed.
type BalanceEvent struct {
	EntryID   int64      `json:"entry_id"`
	User      UserID     `json:"user"`
	Bucket    Bucket     `json:"bucket"`
	Delta     Quantity   `json:"delta"`
	Old       Quantity   `json:"old"`
	New       Quantity   `json:"new"`
	Reason    Reason     `json:"reason"`
	RequestID *RequestID `json:"request_id,omitempty"`
	Actor     *UserID    `json:"actor,omitempty"`
}

// NewEvent builds an outbox event with a fresh id.
func NewEvent(kind EventKind, user UserID, payload any, at time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		User:      user,
		Payload:   raw,
		CreatedAt: at,
	}, nil
}

func requestEvent(kind EventKind, r Request, at time.Time) (Event, error) {
	return NewEvent(kind, r.Requester, RequestEvent{
		RequestID:     r.ID,
		Requester:     r.Requester,
		Bucket:        r.Bucket,
		Amount:        r.Amount,
		Status:        r.Status,
		EvidenceRef:   r.EvidenceRef,
		Note:          r.Note,
		ReviewedBy:    r.ReviewedBy,
		BalanceBefore: r.BalanceBefore,
		BalanceAfter:  r.BalanceAfter,
	}, at)
}

func balanceEvent(e Entry, old, next Quantity) (Event, error) {
	return NewEvent(EventBalanceChanged, e.Account.User, BalanceEvent{
		EntryID:   e.ID,
		User:      e.Account.User,
		Bucket:    e.Account.Bucket,
		Delta:     e.Delta,
		Old:       old,
		New:       next,
		Reason:    e.Reason,
		RequestID: e.RequestID,
		Actor:     e.Actor,
	}, e.CreatedAt)
}
