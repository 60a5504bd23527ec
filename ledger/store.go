/*
store.go - Persistence interfaces for balances, entries, requests and events

PURPOSE:
  Defines the boundary between the engine and durable storage. The engine
  never caches balances; every read happens inside the unit of work that
  will also write.

KEY INTERFACES:
  AccountStore:  materialized balances and per-user overdraft overrides
  LedgerLog:     append-only entries plus the pending-exposure query
  RequestStore:  declarations waiting for (or past) a decision
  Outbox:        events committed with the state change they describe
  TxStore:       Store plus WithTx, the single atomicity unit

APPEND-ONLY CONTRACT:
  LedgerLog has no Update or Delete. Corrections are new entries. The only
  destructive operation is RemoveUser, which erases a user completely.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: durable SQLite store
  - ledger/store/memory.go: in-memory store for tests and development
*/
package ledger

import "context"

// =============================================================================
// ACCOUNTS
// =============================================================================

// AccountStore holds one balance per (user, bucket) and the per-user override.
type AccountStore interface {
	// Balance returns zero for an account that was never written.
	Balance(ctx context.Context, key AccountKey) (Quantity, error)

	// WriteBalance sets the balance. Only the Applier calls this, inside WithTx.
	WriteBalance(ctx context.Context, key AccountKey, balance Quantity) error

	// OverdraftOverride returns OverdraftInherit for unknown users.
	OverdraftOverride(ctx context.Context, user UserID) (OverdraftOverride, error)
	SetOverdraftOverride(ctx context.Context, user UserID, value OverdraftOverride) error

	// Accounts returns every bucket of one user, ordered by bucket name.
	Accounts(ctx context.Context, user UserID) ([]Account, error)

	// ListAccounts returns every account, ordered by user then bucket.
	ListAccounts(ctx context.Context) ([]Account, error)

	// RemoveUser deletes the user's accounts, entries, requests and queued events.
	RemoveUser(ctx context.Context, user UserID) error
}

// =============================================================================
// LEDGER LOG
// =============================================================================

// LedgerLog is the append-only history of balance changes.
type LedgerLog interface {
	// Append assigns the sequence id and returns the stored entry.
	Append(ctx context.Context, entry Entry) (Entry, error)

	// History returns entries for one account, newest first.
	History(ctx context.Context, key AccountKey, page Page) ([]Entry, error)

	// SumPending totals the amounts of pending requests for the account.
	SumPending(ctx context.Context, key AccountKey) (Quantity, error)

	// Entries returns entries matching the filter, oldest first.
	Entries(ctx context.Context, filter EntryFilter) ([]Entry, error)

	// Discrepancies returns accounts whose balance differs from the sum of
	// their entries. Empty on a healthy store.
	Discrepancies(ctx context.Context) ([]Discrepancy, error)
}

// =============================================================================
// REQUESTS
// =============================================================================

// RequestStore persists declarations.
type RequestStore interface {
	// CreateRequest assigns the id and returns the stored request.
	CreateRequest(ctx context.Context, req Request) (Request, error)

	// Request returns ErrRequestNotFound for unknown ids.
	Request(ctx context.Context, id RequestID) (Request, error)

	UpdateRequest(ctx context.Context, req Request) error
	CountPending(ctx context.Context, user UserID) (int, error)

	// PendingRequests returns pending requests of all users, oldest first.
	PendingRequests(ctx context.Context, page Page) ([]Request, error)

	// RequestsByUser returns one user's requests, newest first.
	RequestsByUser(ctx context.Context, user UserID, page Page) ([]Request, error)
}

// =============================================================================
// OUTBOX
// =============================================================================

// Outbox queues events in the same transaction as the change they report.
type Outbox interface {
	EnqueueEvent(ctx context.Context, event Event) error

	// PendingEvents returns unsent events with fewer than maxAttempts
	// failed deliveries, oldest first.
	PendingEvents(ctx context.Context, limit, maxAttempts int) ([]Event, error)

	MarkEventSent(ctx context.Context, id string) error
	MarkEventFailed(ctx context.Context, id string, reason string) error
}

// =============================================================================
// STORE
// =============================================================================

// Store is everything the engine persists.
type Store interface {
	AccountStore
	LedgerLog
	RequestStore
	Outbox
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store passed to fn
	// is discarded. If fn returns nil, all of them are committed.
	// Calls are serialized: no two units of work interleave.
	WithTx(ctx context.Context, fn func(Store) error) error
}
