/*
commands.go - Typed commands and the Engine facade

PURPOSE:
  The outer layers (HTTP handlers, the CLI) talk to the ledger only through
  Engine and the closed set of commands below. Each command is validated
  with struct tags before anything touches storage; the Engine then turns it
  into an Adjustment or a Workflow call.

COMMANDS:
  CreateRequestCmd  member declares energy drawn from a bucket
  DecideCmd         administrator approves or rejects a request
  WithdrawCmd       requester abandons a pending request
  AdjustCmd         administrator credit or debit, optional slot bucket
  TopUpCmd          administrator converts a currency payment into kWh
  SetOverrideCmd    per-user overdraft allow / deny / inherit
  RemoveUserCmd     erase a user and everything attached to them
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// COMMANDS
// =============================================================================

type CreateRequestCmd struct {
	Requester   UserID   `validate:"required,max=64"`
	Bucket      Bucket   `validate:"omitempty,max=32"` // empty means wallet
	Amount      Quantity `validate:"-"`
	EvidenceRef string   `validate:"required,max=512"`
	Note        string
}

type DecideCmd struct {
	RequestID RequestID `validate:"gt=0"`
	Decision  Decision  `validate:"required,oneof=approve reject"`
	Reviewer  UserID    `validate:"required,max=64"`
}

type WithdrawCmd struct {
	RequestID RequestID `validate:"gt=0"`
	Requester UserID    `validate:"required,max=64"`
}

// Direction is the sign of an AdjustCmd amount.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// AdjustCmd changes a balance directly. With a Direction the Amount must be
// positive; without one the sign of Amount decides.
type AdjustCmd struct {
	User      UserID    `validate:"required,max=64"`
	Bucket    Bucket    `validate:"omitempty,max=32"`
	Amount    Quantity  `validate:"-"`
	Direction Direction `validate:"omitempty,oneof=credit debit"`
	Actor     UserID    `validate:"required,max=64"`
	Memo      string    `validate:"max=280"`
}

// TopUpCmd credits a wallet with Currency converted at the configured rate.
type TopUpCmd struct {
	User     UserID   `validate:"required,max=64"`
	Currency Quantity `validate:"-"`
	Actor    UserID   `validate:"required,max=64"`
}

type SetOverrideCmd struct {
	User  UserID            `validate:"required,max=64"`
	Value OverdraftOverride `validate:"required,oneof=allow deny inherit"`
}

type RemoveUserCmd struct {
	User UserID `validate:"required,max=64"`
}

// ValidationError lists the fields that failed command validation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" "+e.Fields[name])
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the entry point of the ledger.
type Engine struct {
	Store    TxStore
	Applier  *Applier
	Workflow *Workflow

	// KWhPerCurrency converts top-ups. Zero disables TopUp.
	KWhPerCurrency Quantity

	log      *slog.Logger
	validate *validator.Validate
}

// NewEngine wires an Applier and a Workflow over store.
func NewEngine(store TxStore, limits Limits, kwhPerCurrency Quantity, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	applier := NewApplier(store, limits)
	return &Engine{
		Store:          store,
		Applier:        applier,
		Workflow:       NewWorkflow(applier),
		KWhPerCurrency: kwhPerCurrency,
		log:            logger,
		validate:       validator.New(),
	}
}

// Limits returns the limits in force.
func (e *Engine) Limits() Limits { return e.Applier.Policy.Limits }

func (e *Engine) check(cmd any) error {
	err := e.validate.Struct(cmd)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			fields[fe.Field()] = fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param())
		} else {
			fields[fe.Field()] = "failed " + fe.Tag()
		}
	}
	return &ValidationError{Fields: fields}
}

func bucketOrWallet(b Bucket) Bucket {
	b = Bucket(strings.TrimSpace(string(b)))
	if b == "" {
		return BucketWallet
	}
	return b
}

// CreateRequest records a member declaration.
func (e *Engine) CreateRequest(ctx context.Context, cmd CreateRequestCmd) (Request, error) {
	if err := e.check(cmd); err != nil {
		return Request{}, err
	}
	req, err := e.Workflow.Create(ctx, NewRequest{
		Requester:   cmd.Requester,
		Bucket:      bucketOrWallet(cmd.Bucket),
		Amount:      cmd.Amount,
		EvidenceRef: cmd.EvidenceRef,
		Note:        cmd.Note,
	})
	if err != nil {
		return Request{}, err
	}
	e.log.Info("request created",
		"request_id", req.ID, "user", req.Requester, "bucket", req.Bucket, "amount", req.Amount.String())
	return req, nil
}

// Decide applies an administrator verdict.
func (e *Engine) Decide(ctx context.Context, cmd DecideCmd) (DecisionOutcome, error) {
	if err := e.check(cmd); err != nil {
		return DecisionOutcome{}, err
	}
	out, err := e.Workflow.Decide(ctx, cmd.RequestID, cmd.Decision, cmd.Reviewer)
	if err != nil {
		e.logRefusal("decision refused", err, "request_id", cmd.RequestID, "decision", cmd.Decision, "reviewer", cmd.Reviewer)
		return out, err
	}
	e.log.Info("request decided",
		"request_id", out.Request.ID, "status", out.Request.Status, "reviewer", cmd.Reviewer)
	return out, nil
}

// Withdraw abandons a pending request on behalf of its requester.
func (e *Engine) Withdraw(ctx context.Context, cmd WithdrawCmd) (Request, error) {
	if err := e.check(cmd); err != nil {
		return Request{}, err
	}
	req, err := e.Workflow.Withdraw(ctx, cmd.RequestID, cmd.Requester)
	if err != nil {
		e.logRefusal("withdrawal refused", err, "request_id", cmd.RequestID, "user", cmd.Requester)
		return req, err
	}
	e.log.Info("request withdrawn", "request_id", req.ID, "user", req.Requester)
	return req, nil
}

// Adjust credits or debits a balance directly.
func (e *Engine) Adjust(ctx context.Context, cmd AdjustCmd) (Outcome, error) {
	if err := e.check(cmd); err != nil {
		return Outcome{}, err
	}

	delta := cmd.Amount
	switch cmd.Direction {
	case Credit, Debit:
		if !delta.IsPositive() {
			return Outcome{}, fmt.Errorf("%w: %s amount %s must be greater than zero", ErrInvalidQuantity, cmd.Direction, delta)
		}
		if cmd.Direction == Debit {
			delta = delta.Neg()
		}
	}
	reason := ReasonAdminCredit
	if delta.IsNegative() {
		reason = ReasonAdminDebit
	}

	actor := cmd.Actor
	out, err := e.Applier.Apply(ctx, Adjustment{
		Account: AccountKey{User: cmd.User, Bucket: bucketOrWallet(cmd.Bucket)},
		Delta:   delta,
		Reason:  reason,
		Actor:   &actor,
		Memo:    cmd.Memo,
	})
	if err != nil {
		e.logRefusal("adjustment refused", err, "user", cmd.User, "delta", delta.String())
		return out, err
	}
	e.log.Info("balance adjusted",
		"user", cmd.User, "bucket", out.Entry.Account.Bucket, "delta", delta.String(),
		"old", out.Old.String(), "new", out.New.String(), "actor", cmd.Actor)
	return out, nil
}

// TopUp converts a currency payment into a wallet credit.
func (e *Engine) TopUp(ctx context.Context, cmd TopUpCmd) (Outcome, error) {
	if err := e.check(cmd); err != nil {
		return Outcome{}, err
	}
	if !cmd.Currency.IsPositive() {
		return Outcome{}, fmt.Errorf("%w: top-up %s must be greater than zero", ErrInvalidQuantity, cmd.Currency)
	}
	if !e.KWhPerCurrency.IsPositive() {
		return Outcome{}, fmt.Errorf("%w: currency top-ups are not configured", ErrInvalidRequest)
	}

	kwh, err := cmd.Currency.MulTruncate(e.KWhPerCurrency)
	if err != nil {
		return Outcome{}, err
	}
	if kwh.IsZero() {
		return Outcome{}, fmt.Errorf("%w: %s converts to 0 kWh", ErrInvalidQuantity, cmd.Currency)
	}

	actor := cmd.Actor
	out, err := e.Applier.Apply(ctx, Adjustment{
		Account: Wallet(cmd.User),
		Delta:   kwh,
		Reason:  ReasonCurrencyTopUp,
		Actor:   &actor,
		Memo:    fmt.Sprintf("%s EUR at %s kWh/EUR", cmd.Currency, e.KWhPerCurrency),
	})
	if err != nil {
		e.logRefusal("top-up refused", err, "user", cmd.User, "currency", cmd.Currency.String())
		return out, err
	}
	e.log.Info("wallet topped up",
		"user", cmd.User, "currency", cmd.Currency.String(), "kwh", kwh.String(), "new", out.New.String())
	return out, nil
}

// SetOverride stores a per-user overdraft override.
func (e *Engine) SetOverride(ctx context.Context, cmd SetOverrideCmd) (OverdraftStatus, error) {
	if err := e.check(cmd); err != nil {
		return OverdraftStatus{}, err
	}
	if err := e.Store.SetOverdraftOverride(ctx, cmd.User, cmd.Value); err != nil {
		return OverdraftStatus{}, StorageFailure("set overdraft override", err)
	}
	e.log.Info("overdraft override set", "user", cmd.User, "value", cmd.Value)
	return e.OverdraftStatus(ctx, cmd.User)
}

// OverdraftSource tells where an effective overdraft setting comes from.
type OverdraftSource string

const (
	SourceUser   OverdraftSource = "user"
	SourceGlobal OverdraftSource = "global"
)

// OverdraftStatus is the effective overdraft policy of one user.
type OverdraftStatus struct {
	User      UserID
	Override  OverdraftOverride
	Effective bool
	Source    OverdraftSource
}

// OverdraftStatus resolves a user's override against the global default.
func (e *Engine) OverdraftStatus(ctx context.Context, user UserID) (OverdraftStatus, error) {
	override, err := e.Store.OverdraftOverride(ctx, user)
	if err != nil {
		return OverdraftStatus{}, StorageFailure("read overdraft override", err)
	}
	source := SourceUser
	if override == OverdraftInherit {
		source = SourceGlobal
	}
	return OverdraftStatus{
		User:      user,
		Override:  override,
		Effective: e.Applier.Policy.OverdraftAllowed(override),
		Source:    source,
	}, nil
}

// RemoveUser erases a user.
func (e *Engine) RemoveUser(ctx context.Context, cmd RemoveUserCmd) error {
	if err := e.check(cmd); err != nil {
		return err
	}
	err := e.Store.WithTx(ctx, func(tx Store) error {
		return tx.RemoveUser(ctx, cmd.User)
	})
	if err != nil {
		return StorageFailure("remove user", err)
	}
	e.log.Warn("user removed", "user", cmd.User)
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Balances returns every bucket of a user. The wallet is always included.
func (e *Engine) Balances(ctx context.Context, user UserID) ([]Account, error) {
	accounts, err := e.Store.Accounts(ctx, user)
	if err != nil {
		return nil, StorageFailure("list accounts", err)
	}
	for _, a := range accounts {
		if a.Key.Bucket == BucketWallet {
			return accounts, nil
		}
	}
	return append([]Account{{Key: Wallet(user)}}, accounts...), nil
}

// History returns one account's entries, newest first.
func (e *Engine) History(ctx context.Context, key AccountKey, page Page) ([]Entry, error) {
	key.Bucket = bucketOrWallet(key.Bucket)
	if err := key.Validate(); err != nil {
		return nil, err
	}
	entries, err := e.Store.History(ctx, key, page)
	return entries, StorageFailure("history", err)
}

// Export returns entries matching filter, oldest first.
func (e *Engine) Export(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return nil, fmt.Errorf("%w: export range is empty", ErrInvalidRequest)
	}
	entries, err := e.Store.Entries(ctx, filter)
	return entries, StorageFailure("export entries", err)
}

// Accounts lists every account of every user.
func (e *Engine) Accounts(ctx context.Context) ([]Account, error) {
	accounts, err := e.Store.ListAccounts(ctx)
	return accounts, StorageFailure("list accounts", err)
}

// Request returns one request.
func (e *Engine) Request(ctx context.Context, id RequestID) (Request, error) {
	req, err := e.Store.Request(ctx, id)
	return req, StorageFailure("load request", err)
}

// PendingRequests lists requests waiting for a decision, oldest first.
func (e *Engine) PendingRequests(ctx context.Context, page Page) ([]Request, error) {
	reqs, err := e.Store.PendingRequests(ctx, page)
	return reqs, StorageFailure("pending requests", err)
}

// RequestsByUser lists a user's requests, newest first.
func (e *Engine) RequestsByUser(ctx context.Context, user UserID, page Page) ([]Request, error) {
	reqs, err := e.Store.RequestsByUser(ctx, user, page)
	return reqs, StorageFailure("user requests", err)
}

// Preview shows the effect of a declaration before it is made.
func (e *Engine) Preview(ctx context.Context, key AccountKey, amount Quantity) (Preview, error) {
	key.Bucket = bucketOrWallet(key.Bucket)
	return e.Workflow.Preview(ctx, key, amount)
}

// Audit checks that every balance equals the sum of its entries.
func (e *Engine) Audit(ctx context.Context) ([]Discrepancy, error) {
	found, err := e.Store.Discrepancies(ctx)
	if err != nil {
		return nil, StorageFailure("audit", err)
	}
	for _, d := range found {
		e.log.Error("balance does not match ledger",
			"user", d.Account.User, "bucket", d.Account.Bucket,
			"balance", d.Balance.String(), "entries_sum", d.EntriesSum.String())
	}
	return found, nil
}

func (e *Engine) logRefusal(msg string, err error, args ...any) {
	args = append(args, "error", err)
	if IsStorageFailure(err) {
		e.log.Error(msg, args...)
		return
	}
	e.log.Info(msg, args...)
}
