/*
handlers.go - HTTP handlers for the kWh ledger

PURPOSE:
  Exposes ledger.Engine over REST. Handlers parse the request, build a typed
  command, call the engine and serialize the result. They hold no state of
  their own and never touch storage directly.

ENDPOINTS:
  Members:
    POST   /api/requests                    Declare energy drawn
    GET    /api/requests/preview            Balance now and after a declaration
    GET    /api/requests/{id}               One request (own, or any for admins)
    POST   /api/requests/{id}/withdraw      Abandon own pending request
    GET    /api/me/balances                 Own balances
    GET    /api/me/requests                 Own requests, newest first
    GET    /api/me/history                  Own entries, newest first

  Admin:
    GET    /api/admin/requests/pending      Review queue, oldest first
    POST   /api/admin/requests/{id}/approve
    POST   /api/admin/requests/{id}/reject
    POST   /api/admin/adjustments           Credit or debit
    POST   /api/admin/topups                Currency to kWh
    GET    /api/admin/users/{id}/overdraft  Effective overdraft setting
    PUT    /api/admin/users/{id}/overdraft  Set per-user override
    DELETE /api/admin/users/{id}            Erase a user
    GET    /api/admin/users/{id}/history    A user's entries
    GET    /api/admin/accounts              Every account with its balance
    GET    /api/admin/export.csv            Entries as CSV
    GET    /api/admin/audits                Recent audit runs

ERROR HANDLING:
  statusFor maps ledger errors to HTTP status:
  - 400: invalid input (quantity, delta, request, validation)
  - 403: not the requester
  - 404: unknown request
  - 409: request already decided
  - 422: refused by policy (body carries the violation)
  - 429: too many pending requests, or intake rate limited
  - 500: storage failure; the cause is logged, never returned

SEE ALSO:
  - dto.go: wire shapes
  - auth.go: bearer tokens and roles
  - server.go: routing
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/kwh-ledger/ledger"
	"github.com/warp/kwh-ledger/ratelimit"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// AuditLog lists past audit runs.
type AuditLog interface {
	AuditRuns(ctx context.Context, limit int) ([]ledger.AuditRun, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the dependencies of the HTTP handlers.
type Handler struct {
	Engine  *ledger.Engine
	Limiter *ratelimit.Limiter // nil disables intake limiting
	Audits  AuditLog           // nil hides audit history
	Health  Pinger             // nil reports healthy
	Log     *slog.Logger
}

// NewHandler creates a handler around engine.
func NewHandler(engine *ledger.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Engine: engine, Log: logger}
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// CreateRequest records a declaration for the caller.
// POST /api/requests
func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)

	var body CreateRequestRequest
	if !h.decode(w, r, &body) {
		return
	}
	amount, err := ledger.ParsePositiveQuantity(body.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	counted, ok := h.allowIntake(w, r, p.User)
	if !ok {
		return
	}

	req, err := h.Engine.CreateRequest(r.Context(), ledger.CreateRequestCmd{
		Requester:   p.User,
		Bucket:      ledger.Bucket(strings.TrimSpace(body.Bucket)),
		Amount:      amount,
		EvidenceRef: body.EvidenceRef,
		Note:        body.Note,
	})
	if err != nil {
		// only declarations that were recorded count against the window
		if counted {
			h.releaseIntake(r, p.User)
		}
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(req))
}

// PreviewRequest shows the balance before and after a declaration.
// GET /api/requests/preview?bucket=&amount=
func (h *Handler) PreviewRequest(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	q := r.URL.Query()

	amount, err := ledger.ParsePositiveQuantity(q.Get("amount"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	key := ledger.AccountKey{User: p.User, Bucket: ledger.Bucket(q.Get("bucket"))}
	pv, err := h.Engine.Preview(r.Context(), key, amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PreviewDTO{
		User:      pv.Account.User,
		Bucket:    pv.Account.Bucket,
		Balance:   pv.Balance,
		Pending:   pv.Pending,
		Amount:    pv.Amount,
		Projected: pv.Projected,
		Violation: toViolationDTO(pv.Violation),
	})
}

// GetRequest returns one request. Members only see their own.
// GET /api/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	req, err := h.Engine.Request(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !p.IsAdmin() && req.Requester != p.User {
		// Same answer as an unknown id: members cannot probe other users' ids.
		h.fail(w, r, fmt.Errorf("%w: %d", ledger.ErrRequestNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// WithdrawRequest abandons the caller's pending request.
// POST /api/requests/{id}/withdraw
func (h *Handler) WithdrawRequest(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	req, err := h.Engine.Withdraw(r.Context(), ledger.WithdrawCmd{RequestID: id, Requester: p.User})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// MyBalances returns the caller's accounts.
// GET /api/me/balances
func (h *Handler) MyBalances(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	accounts, err := h.Engine.Balances(r.Context(), p.User)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTOs(accounts))
}

// MyRequests returns the caller's requests.
// GET /api/me/requests?limit=&offset=
func (h *Handler) MyRequests(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	page, ok := h.page(w, r)
	if !ok {
		return
	}
	reqs, err := h.Engine.RequestsByUser(r.Context(), p.User, page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(reqs))
}

// MyHistory returns the caller's entries for one bucket.
// GET /api/me/history?bucket=&limit=&offset=
func (h *Handler) MyHistory(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)
	h.history(w, r, p.User)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request, user ledger.UserID) {
	page, ok := h.page(w, r)
	if !ok {
		return
	}
	key := ledger.AccountKey{User: user, Bucket: ledger.Bucket(r.URL.Query().Get("bucket"))}
	entries, err := h.Engine.History(r.Context(), key, page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// ListPendingRequests returns the review queue.
// GET /api/admin/requests/pending?limit=&offset=
func (h *Handler) ListPendingRequests(w http.ResponseWriter, r *http.Request) {
	page, ok := h.page(w, r)
	if !ok {
		return
	}
	reqs, err := h.Engine.PendingRequests(r.Context(), page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(reqs))
}

// ApproveRequest approves a pending request.
// POST /api/admin/requests/{id}/approve
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, ledger.DecisionApprove)
}

// RejectRequest rejects a pending request.
// POST /api/admin/requests/{id}/reject
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, ledger.DecisionReject)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, decision ledger.Decision) {
	p := mustPrincipal(r)
	id, ok := h.requestID(w, r)
	if !ok {
		return
	}
	out, err := h.Engine.Decide(r.Context(), ledger.DecideCmd{RequestID: id, Decision: decision, Reviewer: p.User})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := DecisionResponse{Request: toRequestDTO(out.Request)}
	if out.Outcome != nil {
		resp.Outcome = toOutcomeDTO(*out.Outcome)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateAdjustment credits or debits a balance.
// POST /api/admin/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)

	var body AdjustmentRequest
	if !h.decode(w, r, &body) {
		return
	}
	amount, err := ledger.ParseQuantity(body.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.Engine.Adjust(r.Context(), ledger.AdjustCmd{
		User:      ledger.UserID(body.User),
		Bucket:    ledger.Bucket(strings.TrimSpace(body.Bucket)),
		Amount:    amount,
		Direction: ledger.Direction(strings.ToLower(body.Direction)),
		Actor:     p.User,
		Memo:      body.Memo,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOutcomeDTO(out))
}

// CreateTopUp converts a currency payment into a wallet credit.
// POST /api/admin/topups
func (h *Handler) CreateTopUp(w http.ResponseWriter, r *http.Request) {
	p := mustPrincipal(r)

	var body TopUpRequest
	if !h.decode(w, r, &body) {
		return
	}
	currency, err := ledger.ParsePositiveQuantity(body.Currency)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.Engine.TopUp(r.Context(), ledger.TopUpCmd{
		User:     ledger.UserID(body.User),
		Currency: currency,
		Actor:    p.User,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOutcomeDTO(out))
}

// GetOverdraft returns a user's effective overdraft setting.
// GET /api/admin/users/{id}/overdraft
func (h *Handler) GetOverdraft(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.OverdraftStatus(r.Context(), ledger.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOverdraftDTO(st))
}

// SetOverdraft stores a per-user override.
// PUT /api/admin/users/{id}/overdraft
func (h *Handler) SetOverdraft(w http.ResponseWriter, r *http.Request) {
	var body OverdraftRequest
	if !h.decode(w, r, &body) {
		return
	}
	value, err := ledger.ParseOverdraftOverride(body.Value)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	st, err := h.Engine.SetOverride(r.Context(), ledger.SetOverrideCmd{
		User:  ledger.UserID(chi.URLParam(r, "id")),
		Value: value,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOverdraftDTO(st))
}

func toOverdraftDTO(st ledger.OverdraftStatus) OverdraftDTO {
	return OverdraftDTO{User: st.User, Override: st.Override, Effective: st.Effective, Source: st.Source}
}

// RemoveUser erases a user and everything attached to them.
// DELETE /api/admin/users/{id}
func (h *Handler) RemoveUser(w http.ResponseWriter, r *http.Request) {
	err := h.Engine.RemoveUser(r.Context(), ledger.RemoveUserCmd{User: ledger.UserID(chi.URLParam(r, "id"))})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UserHistory returns another user's entries.
// GET /api/admin/users/{id}/history?bucket=&limit=&offset=
func (h *Handler) UserHistory(w http.ResponseWriter, r *http.Request) {
	h.history(w, r, ledger.UserID(chi.URLParam(r, "id")))
}

// ListAccounts returns every account.
// GET /api/admin/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Engine.Accounts(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTOs(accounts))
}

// ExportCSV streams entries as CSV.
// GET /api/admin/export.csv?user=&from=&to=
func (h *Handler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter ledger.EntryFilter
	if u := q.Get("user"); u != "" {
		user := ledger.UserID(u)
		filter.User = &user
	}
	var err error
	if filter.From, err = ParseTimeBound(q.Get("from")); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.To, err = ParseTimeBound(q.Get("to")); err != nil {
		h.fail(w, r, err)
		return
	}

	entries, err := h.Engine.Export(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="kwh_ledger.csv"`)
	if err := WriteEntriesCSV(w, entries); err != nil {
		h.Log.Error("csv export interrupted", "error", err, "request_id", middleware.GetReqID(r.Context()))
	}
}

// ListAuditRuns returns recent audit runs.
// GET /api/admin/audits?limit=
func (h *Handler) ListAuditRuns(w http.ResponseWriter, r *http.Request) {
	if h.Audits == nil {
		writeJSON(w, http.StatusOK, []AuditRunDTO{})
		return
	}
	page, ok := h.page(w, r)
	if !ok {
		return
	}
	if page.Limit == 0 {
		page.Limit = 20
	}
	runs, err := h.Audits.AuditRuns(r.Context(), page.Limit)
	if err != nil {
		h.fail(w, r, ledger.StorageFailure("list audit runs", err))
		return
	}
	writeJSON(w, http.StatusOK, toAuditRunDTOs(runs))
}

// Healthz reports whether storage answers.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			h.Log.Error("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func mustPrincipal(r *http.Request) Principal {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		// Routes using this are always mounted behind Authenticator.Middleware.
		panic("api: handler reached without authentication")
	}
	return p
}

// allowIntake reports whether a hit was counted and whether the caller may
// proceed. On refusal it has already written the 429.
func (h *Handler) allowIntake(w http.ResponseWriter, r *http.Request, user ledger.UserID) (counted, ok bool) {
	d, err := h.Limiter.Allow(r.Context(), string(user))
	if err != nil {
		h.Log.Warn("intake rate limiter unavailable", "error", err, "user", user)
	}
	if d.Allowed {
		return d.Count > 0, true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Round(time.Second).Seconds())))
	writeError(w, http.StatusTooManyRequests, "rate_limited",
		fmt.Sprintf("at most %d declarations per window", d.Limit))
	return true, false
}

func (h *Handler) releaseIntake(r *http.Request, user ledger.UserID) {
	if err := h.Limiter.Release(r.Context(), string(user)); err != nil {
		h.Log.Warn("release intake slot", "error", err, "user", user)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) requestID(w http.ResponseWriter, r *http.Request) (ledger.RequestID, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "request id must be a positive integer")
		return 0, false
	}
	return ledger.RequestID(id), true
}

func (h *Handler) page(w http.ResponseWriter, r *http.Request) (ledger.Page, bool) {
	var page ledger.Page
	q := r.URL.Query()
	for name, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", name+" must be a non-negative integer")
			return ledger.Page{}, false
		}
		*dst = n
	}
	return page, true
}

// fail writes the response for an engine error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed", "error", err, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, status, code, "internal error")
		return
	}

	resp := ErrorResponse{Error: err.Error(), Code: code}
	var verr *ledger.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	var pv *ledger.PolicyViolation
	if errors.As(err, &pv) {
		resp.Violation = toViolationDTO(pv)
	}
	writeJSON(w, status, resp)
}

// statusFor maps an engine error to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrStorageFailure):
		return http.StatusInternalServerError, "storage_failure"
	case errors.Is(err, ledger.ErrRequestNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrNotRequester):
		return http.StatusForbidden, "not_requester"
	case errors.Is(err, ledger.ErrAlreadyDecided):
		return http.StatusConflict, "already_decided"
	case errors.Is(err, ledger.ErrOverdraftDenied):
		return http.StatusUnprocessableEntity, "overdraft_denied"
	case errors.Is(err, ledger.ErrLimitExceeded):
		return http.StatusUnprocessableEntity, "limit_exceeded"
	case errors.Is(err, ledger.ErrTooManyPending):
		return http.StatusTooManyRequests, "too_many_pending"
	case errors.Is(err, ledger.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid_quantity"
	case errors.Is(err, ledger.ErrInvalidDelta):
		return http.StatusBadRequest, "invalid_delta"
	case errors.Is(err, ledger.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
