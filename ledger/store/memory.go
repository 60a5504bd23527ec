// Package store provides an in-memory ledger.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/kwh-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps guarded by one mutex. WithTx holds the
// write lock for the whole unit of work and restores a snapshot on error.
type Memory struct {
	mu sync.RWMutex
	s  *state

	// Fail, when set, is consulted before every write with the operation
	// name ("append", "write_balance", ...). A non-nil result is returned
	// as the storage error. Used to exercise rollback paths.
	Fail func(op string) error
}

type state struct {
	balances    map[ledger.AccountKey]ledger.Quantity
	overrides   map[ledger.UserID]ledger.OverdraftOverride
	entries     []ledger.Entry
	requests    map[ledger.RequestID]ledger.Request
	events      []ledger.Event
	nextEntry   int64
	nextRequest ledger.RequestID
}

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

func newState() *state {
	return &state{
		balances:  make(map[ledger.AccountKey]ledger.Quantity),
		overrides: make(map[ledger.UserID]ledger.OverdraftOverride),
		requests:  make(map[ledger.RequestID]ledger.Request),
	}
}

var _ ledger.TxStore = (*Memory)(nil)

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	if err := fn(&txView{m: m}); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	c := &state{
		balances:    make(map[ledger.AccountKey]ledger.Quantity, len(s.balances)),
		overrides:   make(map[ledger.UserID]ledger.OverdraftOverride, len(s.overrides)),
		entries:     append([]ledger.Entry(nil), s.entries...),
		requests:    make(map[ledger.RequestID]ledger.Request, len(s.requests)),
		events:      append([]ledger.Event(nil), s.events...),
		nextEntry:   s.nextEntry,
		nextRequest: s.nextRequest,
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.overrides {
		c.overrides[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	return c
}

func (m *Memory) fail(op string) error {
	if m.Fail == nil {
		return nil
	}
	if err := m.Fail(op); err != nil {
		return fmt.Errorf("memory %s: %w", op, err)
	}
	return nil
}

// read runs fn under the read lock.
func (m *Memory) read(fn func(s *state)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.s)
}

// write runs fn under the write lock.
func (m *Memory) write(op string, fn func(s *state)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(op); err != nil {
		return err
	}
	fn(m.s)
	return nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) Balance(_ context.Context, key ledger.AccountKey) (q ledger.Quantity, _ error) {
	m.read(func(s *state) { q = s.balances[key] })
	return q, nil
}

func (m *Memory) WriteBalance(_ context.Context, key ledger.AccountKey, balance ledger.Quantity) error {
	return m.write("write_balance", func(s *state) { s.balances[key] = balance })
}

func (m *Memory) OverdraftOverride(_ context.Context, user ledger.UserID) (o ledger.OverdraftOverride, _ error) {
	m.read(func(s *state) { o = s.override(user) })
	return o, nil
}

func (m *Memory) SetOverdraftOverride(_ context.Context, user ledger.UserID, value ledger.OverdraftOverride) error {
	return m.write("set_override", func(s *state) { s.overrides[user] = value })
}

func (m *Memory) Accounts(_ context.Context, user ledger.UserID) (out []ledger.Account, _ error) {
	m.read(func(s *state) { out = s.accounts(&user) })
	return out, nil
}

func (m *Memory) ListAccounts(_ context.Context) (out []ledger.Account, _ error) {
	m.read(func(s *state) { out = s.accounts(nil) })
	return out, nil
}

func (m *Memory) RemoveUser(_ context.Context, user ledger.UserID) error {
	return m.write("remove_user", func(s *state) { s.removeUser(user) })
}

func (s *state) override(user ledger.UserID) ledger.OverdraftOverride {
	if o, ok := s.overrides[user]; ok {
		return o
	}
	return ledger.OverdraftInherit
}

func (s *state) accounts(user *ledger.UserID) []ledger.Account {
	var out []ledger.Account
	for k, v := range s.balances {
		if user == nil || k.User == *user {
			out = append(out, ledger.Account{Key: k, Balance: v})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.User != out[j].Key.User {
			return out[i].Key.User < out[j].Key.User
		}
		return out[i].Key.Bucket < out[j].Key.Bucket
	})
	return out
}

func (s *state) removeUser(user ledger.UserID) {
	for k := range s.balances {
		if k.User == user {
			delete(s.balances, k)
		}
	}
	delete(s.overrides, user)

	entries := s.entries[:0:0]
	for _, e := range s.entries {
		if e.Account.User != user {
			entries = append(entries, e)
		}
	}
	s.entries = entries

	for id, r := range s.requests {
		if r.Requester == user {
			delete(s.requests, id)
		}
	}

	events := s.events[:0:0]
	for _, ev := range s.events {
		if ev.User != user {
			events = append(events, ev)
		}
	}
	s.events = events
}

// =============================================================================
// LEDGER LOG
// =============================================================================

func (m *Memory) Append(_ context.Context, e ledger.Entry) (out ledger.Entry, err error) {
	err = m.write("append", func(s *state) { out = s.append(e) })
	return out, err
}

func (m *Memory) History(_ context.Context, key ledger.AccountKey, page ledger.Page) (out []ledger.Entry, _ error) {
	m.read(func(s *state) { out = s.history(key, page) })
	return out, nil
}

func (m *Memory) SumPending(_ context.Context, key ledger.AccountKey) (q ledger.Quantity, _ error) {
	m.read(func(s *state) { q = s.sumPending(key) })
	return q, nil
}

func (m *Memory) Entries(_ context.Context, filter ledger.EntryFilter) (out []ledger.Entry, _ error) {
	m.read(func(s *state) { out = s.filterEntries(filter) })
	return out, nil
}

func (m *Memory) Discrepancies(_ context.Context) (out []ledger.Discrepancy, _ error) {
	m.read(func(s *state) { out = s.discrepancies() })
	return out, nil
}

func (s *state) append(e ledger.Entry) ledger.Entry {
	s.nextEntry++
	e.ID = s.nextEntry
	s.entries = append(s.entries, e)
	return e
}

func (s *state) history(key ledger.AccountKey, page ledger.Page) []ledger.Entry {
	var out []ledger.Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Account == key {
			out = append(out, s.entries[i])
		}
	}
	return paginate(out, page)
}

func (s *state) sumPending(key ledger.AccountKey) ledger.Quantity {
	total := ledger.Zero
	for _, r := range s.requests {
		if r.Status == ledger.RequestPending && r.Account() == key {
			total = total.Add(r.Amount)
		}
	}
	return total
}

func (s *state) filterEntries(filter ledger.EntryFilter) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range s.entries {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return paginate(out, ledger.Page{Limit: filter.Limit})
}

func (s *state) discrepancies() []ledger.Discrepancy {
	sums := make(map[ledger.AccountKey]ledger.Quantity)
	for _, e := range s.entries {
		sums[e.Account] = sums[e.Account].Add(e.Delta)
	}
	keys := make(map[ledger.AccountKey]struct{}, len(sums)+len(s.balances))
	for k := range sums {
		keys[k] = struct{}{}
	}
	for k := range s.balances {
		keys[k] = struct{}{}
	}

	var out []ledger.Discrepancy
	for k := range keys {
		if bal, sum := s.balances[k], sums[k]; !bal.Equal(sum) {
			out = append(out, ledger.Discrepancy{Account: k, Balance: bal, EntriesSum: sum})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account.String() < out[j].Account.String() })
	return out
}

// =============================================================================
// REQUESTS
// =============================================================================

func (m *Memory) CreateRequest(_ context.Context, r ledger.Request) (out ledger.Request, err error) {
	err = m.write("create_request", func(s *state) { out = s.createRequest(r) })
	return out, err
}

func (m *Memory) Request(_ context.Context, id ledger.RequestID) (out ledger.Request, err error) {
	m.read(func(s *state) { out, err = s.request(id) })
	return out, err
}

func (m *Memory) UpdateRequest(_ context.Context, r ledger.Request) (err error) {
	werr := m.write("update_request", func(s *state) { err = s.updateRequest(r) })
	if werr != nil {
		return werr
	}
	return err
}

func (m *Memory) CountPending(_ context.Context, user ledger.UserID) (n int, _ error) {
	m.read(func(s *state) { n = s.countPending(user) })
	return n, nil
}

func (m *Memory) PendingRequests(_ context.Context, page ledger.Page) (out []ledger.Request, _ error) {
	m.read(func(s *state) { out = s.pendingRequests(page) })
	return out, nil
}

func (m *Memory) RequestsByUser(_ context.Context, user ledger.UserID, page ledger.Page) (out []ledger.Request, _ error) {
	m.read(func(s *state) { out = s.requestsByUser(user, page) })
	return out, nil
}

func (s *state) createRequest(r ledger.Request) ledger.Request {
	s.nextRequest++
	r.ID = s.nextRequest
	s.requests[r.ID] = r
	return r
}

func (s *state) request(id ledger.RequestID) (ledger.Request, error) {
	r, ok := s.requests[id]
	if !ok {
		return ledger.Request{}, fmt.Errorf("%w: %d", ledger.ErrRequestNotFound, id)
	}
	return r, nil
}

func (s *state) updateRequest(r ledger.Request) error {
	if _, ok := s.requests[r.ID]; !ok {
		return fmt.Errorf("%w: %d", ledger.ErrRequestNotFound, r.ID)
	}
	s.requests[r.ID] = r
	return nil
}

func (s *state) countPending(user ledger.UserID) int {
	n := 0
	for _, r := range s.requests {
		if r.Requester == user && r.Status == ledger.RequestPending {
			n++
		}
	}
	return n
}

func (s *state) sortedRequests(keep func(ledger.Request) bool, newestFirst bool) []ledger.Request {
	var out []ledger.Request
	for _, r := range s.requests {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *state) pendingRequests(page ledger.Page) []ledger.Request {
	out := s.sortedRequests(func(r ledger.Request) bool { return r.Status == ledger.RequestPending }, false)
	return paginate(out, page)
}

func (s *state) requestsByUser(user ledger.UserID, page ledger.Page) []ledger.Request {
	out := s.sortedRequests(func(r ledger.Request) bool { return r.Requester == user }, true)
	return paginate(out, page)
}

// =============================================================================
// OUTBOX
// =============================================================================

func (m *Memory) EnqueueEvent(_ context.Context, ev ledger.Event) error {
	return m.write("enqueue_event", func(s *state) { s.events = append(s.events, ev) })
}

func (m *Memory) PendingEvents(_ context.Context, limit, maxAttempts int) (out []ledger.Event, _ error) {
	m.read(func(s *state) { out = s.pendingEvents(limit, maxAttempts) })
	return out, nil
}

func (m *Memory) MarkEventSent(_ context.Context, id string) error {
	now := time.Now().UTC()
	return m.write("mark_sent", func(s *state) {
		s.updateEvent(id, func(ev *ledger.Event) { ev.SentAt = &now })
	})
}

func (m *Memory) MarkEventFailed(_ context.Context, id string, reason string) error {
	return m.write("mark_failed", func(s *state) {
		s.updateEvent(id, func(ev *ledger.Event) {
			ev.Attempts++
			ev.LastError = reason
		})
	})
}

// Events returns every queued event, sent or not, in enqueue order.
func (m *Memory) Events() []ledger.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.Event(nil), m.s.events...)
}

func (s *state) pendingEvents(limit, maxAttempts int) []ledger.Event {
	var out []ledger.Event
	for _, ev := range s.events {
		if ev.SentAt != nil || (maxAttempts > 0 && ev.Attempts >= maxAttempts) {
			continue
		}
		out = append(out, ev)
	}
	return paginate(out, ledger.Page{Limit: limit})
}

func (s *state) updateEvent(id string, fn func(*ledger.Event)) {
	for i := range s.events {
		if s.events[i].ID == id {
			fn(&s.events[i])
			return
		}
	}
}

func paginate[T any](items []T, page ledger.Page) []T {
	if page.Offset > 0 {
		if page.Offset >= len(items) {
			return nil
		}
		items = items[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(items) {
		items = items[:page.Limit]
	}
	return items
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// txView is the Store handed to WithTx callbacks. The write lock is already
// held, so it works on the state directly.
type txView struct {
	m *Memory
}

func (tv *txView) Balance(_ context.Context, key ledger.AccountKey) (ledger.Quantity, error) {
	return tv.m.s.balances[key], nil
}

func (tv *txView) WriteBalance(_ context.Context, key ledger.AccountKey, balance ledger.Quantity) error {
	if err := tv.m.fail("write_balance"); err != nil {
		return err
	}
	tv.m.s.balances[key] = balance
	return nil
}

func (tv *txView) OverdraftOverride(_ context.Context, user ledger.UserID) (ledger.OverdraftOverride, error) {
	return tv.m.s.override(user), nil
}

func (tv *txView) SetOverdraftOverride(_ context.Context, user ledger.UserID, value ledger.OverdraftOverride) error {
	if err := tv.m.fail("set_override"); err != nil {
		return err
	}
	tv.m.s.overrides[user] = value
	return nil
}

func (tv *txView) Accounts(_ context.Context, user ledger.UserID) ([]ledger.Account, error) {
	return tv.m.s.accounts(&user), nil
}

func (tv *txView) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	return tv.m.s.accounts(nil), nil
}

func (tv *txView) RemoveUser(_ context.Context, user ledger.UserID) error {
	if err := tv.m.fail("remove_user"); err != nil {
		return err
	}
	tv.m.s.removeUser(user)
	return nil
}

func (tv *txView) Append(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	if err := tv.m.fail("append"); err != nil {
		return ledger.Entry{}, err
	}
	return tv.m.s.append(e), nil
}

func (tv *txView) History(_ context.Context, key ledger.AccountKey, page ledger.Page) ([]ledger.Entry, error) {
	return tv.m.s.history(key, page), nil
}

func (tv *txView) SumPending(_ context.Context, key ledger.AccountKey) (ledger.Quantity, error) {
	return tv.m.s.sumPending(key), nil
}

func (tv *txView) Entries(_ context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	return tv.m.s.filterEntries(filter), nil
}

func (tv *txView) Discrepancies(_ context.Context) ([]ledger.Discrepancy, error) {
	return tv.m.s.discrepancies(), nil
}

func (tv *txView) CreateRequest(_ context.Context, r ledger.Request) (ledger.Request, error) {
	if err := tv.m.fail("create_request"); err != nil {
		return ledger.Request{}, err
	}
	return tv.m.s.createRequest(r), nil
}

func (tv *txView) Request(_ context.Context, id ledger.RequestID) (ledger.Request, error) {
	return tv.m.s.request(id)
}

func (tv *txView) UpdateRequest(_ context.Context, r ledger.Request) error {
	if err := tv.m.fail("update_request"); err != nil {
		return err
	}
	return tv.m.s.updateRequest(r)
}

func (tv *txView) CountPending(_ context.Context, user ledger.UserID) (int, error) {
	return tv.m.s.countPending(user), nil
}

func (tv *txView) PendingRequests(_ context.Context, page ledger.Page) ([]ledger.Request, error) {
	return tv.m.s.pendingRequests(page), nil
}

func (tv *txView) RequestsByUser(_ context.Context, user ledger.UserID, page ledger.Page) ([]ledger.Request, error) {
	return tv.m.s.requestsByUser(user, page), nil
}

func (tv *txView) EnqueueEvent(_ context.Context, ev ledger.Event) error {
	if err := tv.m.fail("enqueue_event"); err != nil {
		return err
	}
	tv.m.s.events = append(tv.m.s.events, ev)
	return nil
}

func (tv *txView) PendingEvents(_ context.Context, limit, maxAttempts int) ([]ledger.Event, error) {
	return tv.m.s.pendingEvents(limit, maxAttempts), nil
}

func (tv *txView) MarkEventSent(_ context.Context, id string) error {
	now := time.Now().UTC()
	tv.m.s.updateEvent(id, func(ev *ledger.Event) { ev.SentAt = &now })
	return nil
}

func (tv *txView) MarkEventFailed(_ context.Context, id string, reason string) error {
	tv.m.s.updateEvent(id, func(ev *ledger.Event) {
		ev.Attempts++
		ev.LastError = reason
	})
	return nil
}
