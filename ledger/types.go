package ledger

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// UserID identifies a community member (for the chat bot, the chat user id).
type UserID string

// Bucket names an independent sub-balance of a user.
type Bucket string

// BucketWallet is the general-purpose bucket every user has.
const BucketWallet Bucket = "wallet"

// AccountKey addresses one balance.
type AccountKey struct {
	User   UserID
	Bucket Bucket
}

// Wallet returns the wallet key for a user.
func Wallet(user UserID) AccountKey { return AccountKey{User: user, Bucket: BucketWallet} }

func (k AccountKey) String() string { return fmt.Sprintf("%s/%s", k.User, k.Bucket) }

// Validate rejects keys with an empty user or bucket.
func (k AccountKey) Validate() error {
	if strings.TrimSpace(string(k.User)) == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(string(k.Bucket)) == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidRequest)
	}
	return nil
}

// RequestID is the sequence id of a Request.
type RequestID int64

// =============================================================================
// ACCOUNT
// =============================================================================

// OverdraftOverride is the per-user overdraft setting.
type OverdraftOverride string

const (
	OverdraftInherit OverdraftOverride = "inherit" // use Limits.AllowOverdraft
	OverdraftAllow   OverdraftOverride = "allow"
	OverdraftDeny    OverdraftOverride = "deny"
)

// ParseOverdraftOverride accepts allow/deny/inherit and the bot's on/off/default.
func ParseOverdraftOverride(s string) (OverdraftOverride, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "on":
		return OverdraftAllow, nil
	case "deny", "off":
		return OverdraftDeny, nil
	case "inherit", "default", "":
		return OverdraftInherit, nil
	}
	return "", fmt.Errorf("%w: overdraft mode %q (want allow, deny or inherit)", ErrInvalidRequest, s)
}

// Resolve returns the effective overdraft permission given the global default.
func (o OverdraftOverride) Resolve(globalDefault bool) bool {
	switch o {
	case OverdraftAllow:
		return true
	case OverdraftDeny:
		return false
	}
	return globalDefault
}

// Account is a materialized balance. It always equals the sum of its entries.
type Account struct {
	Key     AccountKey
	Balance Quantity
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// Reason classifies a ledger entry.
type Reason string

const (
	ReasonDeclaredRecharge Reason = "declared_recharge" // approved member declaration
	ReasonAdminCredit      Reason = "admin_credit"
	ReasonAdminDebit       Reason = "admin_debit"
	ReasonCurrencyTopUp    Reason = "currency_topup" // currency converted to kWh
)

// Entry is one immutable balance change.
type Entry struct {
	ID        int64
	Account   AccountKey
	Delta     Quantity
	Reason    Reason
	RequestID *RequestID
	Actor     *UserID // nil for system-issued entries
	Memo      string
	CreatedAt time.Time
}

// Page bounds a history query. Limit <= 0 means no limit.
type Page struct {
	Limit  int
	Offset int
}

// EntryFilter selects entries for export. Zero fields match everything.
type EntryFilter struct {
	User  *UserID
	From  *time.Time // inclusive
	To    *time.Time // exclusive
	Limit int
}

// Matches reports whether e passes the filter (used by the memory store).
func (f EntryFilter) Matches(e Entry) bool {
	if f.User != nil && e.Account.User != *f.User {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !e.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

// Discrepancy reports an account whose balance disagrees with its entries.
type Discrepancy struct {
	Account    AccountKey
	Balance    Quantity
	EntriesSum Quantity
}

// AuditRun records one execution of the ledger consistency audit.
type AuditRun struct {
	ID              int64
	StartedAt       time.Time
	CompletedAt     time.Time
	AccountsChecked int
	Discrepancies   int
	Error           string
}

// =============================================================================
// REQUEST
// =============================================================================

// RequestStatus is the workflow state of a Request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// IsTerminal reports whether no further transition is possible.
func (s RequestStatus) IsTerminal() bool { return s == RequestApproved || s == RequestRejected }

// Request is a member's declaration of energy drawn from a bucket, waiting
// for an administrator decision.
type Request struct {
	ID          RequestID
	Requester   UserID
	Bucket      Bucket
	Amount      Quantity
	EvidenceRef string
	Note        string
	Status      RequestStatus
	CreatedAt   time.Time
	ReviewedAt  *time.Time
	ReviewedBy  *UserID

	// Set on approval only.
	BalanceBefore *Quantity
	BalanceAfter  *Quantity
}

// Account returns the key the request is declared against.
func (r Request) Account() AccountKey { return AccountKey{User: r.Requester, Bucket: r.Bucket} }
