/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Durable storage for balances, the append-only ledger, requests and the
  notification outbox. Amounts are stored as INTEGER ten-thousandths
  (ledger.Quantity.Units), so SUM() in SQL is exact.

INTERFACES IMPLEMENTED:
  ledger.AccountStore, ledger.LedgerLog, ledger.RequestStore, ledger.Outbox
  ledger.TxStore: WithTx runs a callback inside one SQL transaction

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_entries
  - DELETE on ledger_entries only through RemoveUser
  - Corrections are new entries with their own reason

KEY TABLES:
  users:          per-user overdraft override
  accounts:       materialized balance per (user, bucket)
  ledger_entries: immutable history of balance changes
  requests:       declarations and their decision
  outbox:         events waiting for the relay
  audit_runs:     results of the scheduled consistency audit

SCHEMA VERSION:
  One schema, tracked with PRAGMA user_version. migrate() applies the
  numbered steps in order and never edits a step that already shipped.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for the
  whole unit of work, which gives every account a total order of writes.
  The mutex is per process: run one server per database file.

USAGE:
  store, err := sqlite.New("./kwh_ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, limits, rate, logger)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/kwh-ledger/ledger"
)

// timeLayout has a fixed width so that timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	q  *queries
}

var _ ledger.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := NewFromDB(db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewFromDB wraps an open database without migrating it.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db, q: &queries{q: db}}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// SCHEMA
// =============================================================================

var migrations = []string{
	// 1: initial schema
	`
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		overdraft TEXT NOT NULL DEFAULT 'inherit' CHECK (overdraft IN ('inherit', 'allow', 'deny')),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT NOT NULL,
		bucket TEXT NOT NULL,
		balance_units INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, bucket)
	);

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		bucket TEXT NOT NULL,
		delta_units INTEGER NOT NULL CHECK (delta_units != 0),
		reason TEXT NOT NULL,
		request_id INTEGER,
		actor TEXT,
		memo TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_account
		ON ledger_entries(user_id, bucket, id DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_created_at
		ON ledger_entries(created_at);
	CREATE INDEX IF NOT EXISTS idx_entries_request
		ON ledger_entries(request_id) WHERE request_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		requester TEXT NOT NULL,
		bucket TEXT NOT NULL,
		amount_units INTEGER NOT NULL CHECK (amount_units > 0),
		evidence_ref TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'approved', 'rejected')),
		created_at TEXT NOT NULL,
		reviewed_at TEXT,
		reviewed_by TEXT,
		balance_before_units INTEGER,
		balance_after_units INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_requests_requester_status
		ON requests(requester, status);
	CREATE INDEX IF NOT EXISTS idx_requests_status
		ON requests(status, id);

	-- Transactional outbox, drained by notify.Relay
	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		user_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		sent_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_unsent
		ON outbox(sent_at, attempts);

	CREATE TABLE IF NOT EXISTS audit_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		accounts_checked INTEGER NOT NULL,
		discrepancies INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);
	`,
}

// Migrate brings the schema to the latest version.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: set version: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", i+1, err)
		}
	}
	return nil
}

// SchemaVersion returns PRAGMA user_version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var version int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version)
	return version, err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (s *Store) Balance(ctx context.Context, key ledger.AccountKey) (ledger.Quantity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.Balance(ctx, key)
}

func (s *Store) WriteBalance(ctx context.Context, key ledger.AccountKey, balance ledger.Quantity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.WriteBalance(ctx, key, balance)
}

func (s *Store) OverdraftOverride(ctx context.Context, user ledger.UserID) (ledger.OverdraftOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.OverdraftOverride(ctx, user)
}

func (s *Store) SetOverdraftOverride(ctx context.Context, user ledger.UserID, value ledger.OverdraftOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.SetOverdraftOverride(ctx, user, value)
}

func (s *Store) Accounts(ctx context.Context, user ledger.UserID) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.Accounts(ctx, user)
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.ListAccounts(ctx)
}

// RemoveUser deletes everything about a user in one transaction.
func (s *Store) RemoveUser(ctx context.Context, user ledger.UserID) error {
	return s.WithTx(ctx, func(tx ledger.Store) error {
		return tx.RemoveUser(ctx, user)
	})
}

func (s *Store) Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Append(ctx, e)
}

func (s *Store) History(ctx context.Context, key ledger.AccountKey, page ledger.Page) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.History(ctx, key, page)
}

func (s *Store) SumPending(ctx context.Context, key ledger.AccountKey) (ledger.Quantity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.SumPending(ctx, key)
}

func (s *Store) Entries(ctx context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.Entries(ctx, filter)
}

func (s *Store) Discrepancies(ctx context.Context) ([]ledger.Discrepancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.Discrepancies(ctx)
}

func (s *Store) CreateRequest(ctx context.Context, r ledger.Request) (ledger.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.CreateRequest(ctx, r)
}

func (s *Store) Request(ctx context.Context, id ledger.RequestID) (ledger.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.Request(ctx, id)
}

func (s *Store) UpdateRequest(ctx context.Context, r ledger.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.UpdateRequest(ctx, r)
}

func (s *Store) CountPending(ctx context.Context, user ledger.UserID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.CountPending(ctx, user)
}

func (s *Store) PendingRequests(ctx context.Context, page ledger.Page) ([]ledger.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.PendingRequests(ctx, page)
}

func (s *Store) RequestsByUser(ctx context.Context, user ledger.UserID, page ledger.Page) ([]ledger.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.RequestsByUser(ctx, user, page)
}

func (s *Store) EnqueueEvent(ctx context.Context, ev ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.EnqueueEvent(ctx, ev)
}

func (s *Store) PendingEvents(ctx context.Context, limit, maxAttempts int) ([]ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q.PendingEvents(ctx, limit, maxAttempts)
}

func (s *Store) MarkEventSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.MarkEventSent(ctx, id)
}

func (s *Store) MarkEventFailed(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.MarkEventFailed(ctx, id, reason)
}

// =============================================================================
// QUERIES - shared by the Store and its transactions
// =============================================================================

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries runs statements against *sql.DB or *sql.Tx. It takes no locks.
type queries struct {
	q queryer
}

var _ ledger.Store = (*queries)(nil)

func (x *queries) Balance(ctx context.Context, key ledger.AccountKey) (ledger.Quantity, error) {
	var units int64
	err := x.q.QueryRowContext(ctx,
		`SELECT balance_units FROM accounts WHERE user_id = ? AND bucket = ?`,
		key.User, key.Bucket,
	).Scan(&units)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Zero, nil
	}
	if err != nil {
		return ledger.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	return ledger.QuantityFromUnits(units), nil
}

func (x *queries) WriteBalance(ctx context.Context, key ledger.AccountKey, balance ledger.Quantity) error {
	now := formatTime(time.Now())
	if err := x.ensureUser(ctx, key.User, now); err != nil {
		return err
	}
	_, err := x.q.ExecContext(ctx, `
		INSERT INTO accounts (user_id, bucket, balance_units, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, bucket) DO UPDATE SET
			balance_units = excluded.balance_units,
			updated_at = excluded.updated_at
	`, key.User, key.Bucket, balance.Units(), now)
	if err != nil {
		return fmt.Errorf("failed to write balance: %w", err)
	}
	return nil
}

func (x *queries) ensureUser(ctx context.Context, user ledger.UserID, now string) error {
	_, err := x.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, overdraft, created_at) VALUES (?, 'inherit', ?)`,
		user, now)
	if err != nil {
		return fmt.Errorf("failed to register user: %w", err)
	}
	return nil
}

func (x *queries) OverdraftOverride(ctx context.Context, user ledger.UserID) (ledger.OverdraftOverride, error) {
	var value string
	err := x.q.QueryRowContext(ctx, `SELECT overdraft FROM users WHERE id = ?`, user).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.OverdraftInherit, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read overdraft override: %w", err)
	}
	return ledger.OverdraftOverride(value), nil
}

func (x *queries) SetOverdraftOverride(ctx context.Context, user ledger.UserID, value ledger.OverdraftOverride) error {
	_, err := x.q.ExecContext(ctx, `
		INSERT INTO users (id, overdraft, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET overdraft = excluded.overdraft
	`, user, string(value), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set overdraft override: %w", err)
	}
	return nil
}

func (x *queries) Accounts(ctx context.Context, user ledger.UserID) ([]ledger.Account, error) {
	return x.queryAccounts(ctx,
		`SELECT user_id, bucket, balance_units FROM accounts WHERE user_id = ? ORDER BY bucket`, user)
}

func (x *queries) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	return x.queryAccounts(ctx,
		`SELECT user_id, bucket, balance_units FROM accounts ORDER BY user_id, bucket`)
}

func (x *queries) queryAccounts(ctx context.Context, query string, args ...any) ([]ledger.Account, error) {
	rows, err := x.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		var (
			a     ledger.Account
			units int64
		)
		if err := rows.Scan(&a.Key.User, &a.Key.Bucket, &units); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.Balance = ledger.QuantityFromUnits(units)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (x *queries) RemoveUser(ctx context.Context, user ledger.UserID) error {
	statements := []string{
		`DELETE FROM ledger_entries WHERE user_id = ?`,
		`DELETE FROM accounts WHERE user_id = ?`,
		`DELETE FROM requests WHERE requester = ?`,
		`DELETE FROM outbox WHERE user_id = ?`,
		`DELETE FROM users WHERE id = ?`,
	}
	for _, stmt := range statements {
		if _, err := x.q.ExecContext(ctx, stmt, user); err != nil {
			return fmt.Errorf("failed to remove user: %w", err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Ledger log
// -----------------------------------------------------------------------------

const entryColumns = `id, user_id, bucket, delta_units, reason, request_id, actor, memo, created_at`

func (x *queries) Append(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	var requestID sql.NullInt64
	if e.RequestID != nil {
		requestID = sql.NullInt64{Int64: int64(*e.RequestID), Valid: true}
	}
	var actor sql.NullString
	if e.Actor != nil {
		actor = nullString(string(*e.Actor))
	}

	res, err := x.q.ExecContext(ctx,
		`INSERT INTO ledger_entries (user_id, bucket, delta_units, reason, request_id, actor, memo, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Account.User, e.Account.Bucket, e.Delta.Units(), string(e.Reason),
		requestID, actor, e.Memo, formatTime(e.CreatedAt),
	)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to append entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to read entry id: %w", err)
	}
	e.ID = id
	e.CreatedAt = storedTime(e.CreatedAt)
	return e, nil
}

func (x *queries) History(ctx context.Context, key ledger.AccountKey, page ledger.Page) ([]ledger.Entry, error) {
	limit, offset := pageArgs(page)
	return x.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		WHERE user_id = ? AND bucket = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?`,
		key.User, key.Bucket, limit, offset)
}

func (x *queries) SumPending(ctx context.Context, key ledger.AccountKey) (ledger.Quantity, error) {
	var units int64
	err := x.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_units), 0) FROM requests WHERE requester = ? AND bucket = ? AND status = 'pending'`,
		key.User, key.Bucket,
	).Scan(&units)
	if err != nil {
		return ledger.Zero, fmt.Errorf("failed to sum pending requests: %w", err)
	}
	return ledger.QuantityFromUnits(units), nil
}

func (x *queries) Entries(ctx context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	var (
		where []string
		args  []any
	)
	if filter.User != nil {
		where = append(where, "user_id = ?")
		args = append(args, *filter.User)
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(*filter.To))
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ?"
	limit, _ := pageArgs(ledger.Page{Limit: filter.Limit})
	args = append(args, limit)

	return x.queryEntries(ctx, query, args...)
}

func (x *queries) Discrepancies(ctx context.Context) ([]ledger.Discrepancy, error) {
	rows, err := x.q.QueryContext(ctx, `
		SELECT k.user_id, k.bucket, COALESCE(a.balance_units, 0), COALESCE(e.total, 0)
		FROM (
			SELECT user_id, bucket FROM accounts
			UNION
			SELECT user_id, bucket FROM ledger_entries
		) k
		LEFT JOIN accounts a ON a.user_id = k.user_id AND a.bucket = k.bucket
		LEFT JOIN (
			SELECT user_id, bucket, SUM(delta_units) AS total
			FROM ledger_entries GROUP BY user_id, bucket
		) e ON e.user_id = k.user_id AND e.bucket = k.bucket
		WHERE COALESCE(a.balance_units, 0) != COALESCE(e.total, 0)
		ORDER BY k.user_id, k.bucket
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to audit balances: %w", err)
	}
	defer rows.Close()

	var out []ledger.Discrepancy
	for rows.Next() {
		var (
			d          ledger.Discrepancy
			bal, total int64
		)
		if err := rows.Scan(&d.Account.User, &d.Account.Bucket, &bal, &total); err != nil {
			return nil, fmt.Errorf("failed to scan discrepancy: %w", err)
		}
		d.Balance = ledger.QuantityFromUnits(bal)
		d.EntriesSum = ledger.QuantityFromUnits(total)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (x *queries) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := x.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e         ledger.Entry
		units     int64
		reason    string
		requestID sql.NullInt64
		actor     sql.NullString
		createdAt string
	)
	err := rows.Scan(&e.ID, &e.Account.User, &e.Account.Bucket, &units, &reason,
		&requestID, &actor, &e.Memo, &createdAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.Delta = ledger.QuantityFromUnits(units)
	e.Reason = ledger.Reason(reason)
	if requestID.Valid {
		id := ledger.RequestID(requestID.Int64)
		e.RequestID = &id
	}
	if actor.Valid {
		a := ledger.UserID(actor.String)
		e.Actor = &a
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, fmt.Errorf("failed to scan entry %d: %w", e.ID, err)
	}
	return e, nil
}

// -----------------------------------------------------------------------------
// Requests
// -----------------------------------------------------------------------------

const requestColumns = `id, requester, bucket, amount_units, evidence_ref, note, status,
	created_at, reviewed_at, reviewed_by, balance_before_units, balance_after_units`

func (x *queries) CreateRequest(ctx context.Context, r ledger.Request) (ledger.Request, error) {
	res, err := x.q.ExecContext(ctx,
		`INSERT INTO requests (requester, bucket, amount_units, evidence_ref, note, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Requester, r.Bucket, r.Amount.Units(), r.EvidenceRef, r.Note, string(r.Status), formatTime(r.CreatedAt),
	)
	if err != nil {
		return ledger.Request{}, fmt.Errorf("failed to create request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Request{}, fmt.Errorf("failed to read request id: %w", err)
	}
	r.ID = ledger.RequestID(id)
	r.CreatedAt = storedTime(r.CreatedAt)
	return r, nil
}

func (x *queries) Request(ctx context.Context, id ledger.RequestID) (ledger.Request, error) {
	rows, err := x.q.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	if err != nil {
		return ledger.Request{}, fmt.Errorf("failed to load request: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ledger.Request{}, fmt.Errorf("failed to load request: %w", err)
		}
		return ledger.Request{}, fmt.Errorf("%w: %d", ledger.ErrRequestNotFound, id)
	}
	return scanRequest(rows)
}

func (x *queries) UpdateRequest(ctx context.Context, r ledger.Request) error {
	var reviewedAt, reviewedBy sql.NullString
	if r.ReviewedAt != nil {
		reviewedAt = nullString(formatTime(*r.ReviewedAt))
	}
	if r.ReviewedBy != nil {
		reviewedBy = nullString(string(*r.ReviewedBy))
	}

	res, err := x.q.ExecContext(ctx, `
		UPDATE requests
		SET status = ?, reviewed_at = ?, reviewed_by = ?, balance_before_units = ?, balance_after_units = ?
		WHERE id = ?
	`, string(r.Status), reviewedAt, reviewedBy, nullUnits(r.BalanceBefore), nullUnits(r.BalanceAfter), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ledger.ErrRequestNotFound, r.ID)
	}
	return nil
}

func (x *queries) CountPending(ctx context.Context, user ledger.UserID) (int, error) {
	var n int
	err := x.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM requests WHERE requester = ? AND status = 'pending'`, user,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending requests: %w", err)
	}
	return n, nil
}

func (x *queries) PendingRequests(ctx context.Context, page ledger.Page) ([]ledger.Request, error) {
	limit, offset := pageArgs(page)
	return x.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE status = 'pending' ORDER BY id ASC LIMIT ? OFFSET ?`,
		limit, offset)
}

func (x *queries) RequestsByUser(ctx context.Context, user ledger.UserID, page ledger.Page) ([]ledger.Request, error) {
	limit, offset := pageArgs(page)
	return x.queryRequests(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE requester = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		user, limit, offset)
}

func (x *queries) queryRequests(ctx context.Context, query string, args ...any) ([]ledger.Request, error) {
	rows, err := x.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var out []ledger.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRequest(rows *sql.Rows) (ledger.Request, error) {
	var (
		r                   ledger.Request
		units               int64
		status, createdAt   string
		reviewedAt          sql.NullString
		reviewedBy          sql.NullString
		balBefore, balAfter sql.NullInt64
	)
	err := rows.Scan(&r.ID, &r.Requester, &r.Bucket, &units, &r.EvidenceRef, &r.Note, &status,
		&createdAt, &reviewedAt, &reviewedBy, &balBefore, &balAfter)
	if err != nil {
		return r, fmt.Errorf("failed to scan request: %w", err)
	}

	r.Amount = ledger.QuantityFromUnits(units)
	r.Status = ledger.RequestStatus(status)
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, fmt.Errorf("failed to scan request %d: %w", r.ID, err)
	}
	if reviewedAt.Valid {
		t, err := parseTime(reviewedAt.String)
		if err != nil {
			return r, fmt.Errorf("failed to scan request %d: %w", r.ID, err)
		}
		r.ReviewedAt = &t
	}
	if reviewedBy.Valid {
		u := ledger.UserID(reviewedBy.String)
		r.ReviewedBy = &u
	}
	r.BalanceBefore = quantityPtr(balBefore)
	r.BalanceAfter = quantityPtr(balAfter)
	return r, nil
}

// -----------------------------------------------------------------------------
// Outbox
// -----------------------------------------------------------------------------

func (x *queries) EnqueueEvent(ctx context.Context, ev ledger.Event) error {
	_, err := x.q.ExecContext(ctx,
		`INSERT INTO outbox (id, kind, user_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Kind), ev.User, string(ev.Payload), formatTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}

func (x *queries) PendingEvents(ctx context.Context, limit, maxAttempts int) ([]ledger.Event, error) {
	lim, _ := pageArgs(ledger.Page{Limit: limit})
	rows, err := x.q.QueryContext(ctx, `
		SELECT id, kind, user_id, payload, created_at, attempts, last_error
		FROM outbox
		WHERE sent_at IS NULL AND (? <= 0 OR attempts < ?)
		ORDER BY rowid ASC
		LIMIT ?
	`, maxAttempts, maxAttempts, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		var (
			ev        ledger.Event
			kind      string
			payload   string
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.User, &payload, &createdAt, &ev.Attempts, &ev.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Kind = ledger.EventKind(kind)
		ev.Payload = []byte(payload)
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event %s: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (x *queries) MarkEventSent(ctx context.Context, id string) error {
	_, err := x.q.ExecContext(ctx, `UPDATE outbox SET sent_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark event sent: %w", err)
	}
	return nil
}

func (x *queries) MarkEventFailed(ctx context.Context, id string, reason string) error {
	_, err := x.q.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`, reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	return nil
}

// =============================================================================
// AUDIT RUNS
// =============================================================================

// RecordAuditRun stores the result of an audit.
func (s *Store) RecordAuditRun(ctx context.Context, run ledger.AuditRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_runs (started_at, completed_at, accounts_checked, discrepancies, error)
		VALUES (?, ?, ?, ?, ?)
	`, formatTime(run.StartedAt), formatTime(run.CompletedAt), run.AccountsChecked, run.Discrepancies, run.Error)
	if err != nil {
		return fmt.Errorf("failed to record audit run: %w", err)
	}
	return nil
}

// AuditRuns returns the most recent audits, newest first.
func (s *Store) AuditRuns(ctx context.Context, limit int) ([]ledger.AuditRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lim, _ := pageArgs(ledger.Page{Limit: limit})
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, completed_at, accounts_checked, discrepancies, error
		FROM audit_runs ORDER BY id DESC LIMIT ?
	`, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit runs: %w", err)
	}
	defer rows.Close()

	var runs []ledger.AuditRun
	for rows.Next() {
		var (
			run                ledger.AuditRun
			started, completed string
		)
		if err := rows.Scan(&run.ID, &started, &completed, &run.AccountsChecked, &run.Discrepancies, &run.Error); err != nil {
			return nil, fmt.Errorf("failed to scan audit run: %w", err)
		}
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("failed to scan audit run %d: %w", run.ID, err)
		}
		if run.CompletedAt, err = parseTime(completed); err != nil {
			return nil, fmt.Errorf("failed to scan audit run %d: %w", run.ID, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// storedTime is t as it reads back from a timestamp column.
func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func formatTime(t time.Time) string {
	return storedTime(t).Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", s, err)
	}
	return t, nil
}

// pageArgs maps a Page to LIMIT/OFFSET; SQLite treats LIMIT -1 as unbounded.
func pageArgs(p ledger.Page) (limit, offset int) {
	limit = p.Limit
	if limit <= 0 {
		limit = -1
	}
	offset = p.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullUnits(q *ledger.Quantity) sql.NullInt64 {
	if q == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: q.Units(), Valid: true}
}

func quantityPtr(n sql.NullInt64) *ledger.Quantity {
	if !n.Valid {
		return nil
	}
	q := ledger.QuantityFromUnits(n.Int64)
	return &q
}
