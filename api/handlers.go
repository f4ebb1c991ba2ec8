/*
handlers.go - HTTP API handlers for the balance ledger

PURPOSE:
  Exposes the ledger service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to ledger.Service.

ENDPOINTS:
  Accounts:
    GET    /api/accounts/{type}                 All balances of a type
    POST   /api/accounts/{type}                 Create account
    GET    /api/accounts/{type}/{id}            Account details
    GET    /api/accounts/{type}/{id}/balance    Cached balance (?fresh=true bypasses the cache)
    GET    /api/accounts/{type}/{id}/validate   Compare cache against a fresh computation

  Balances:
    GET    /api/balances/stale                  Accounts whose cache is stale
    POST   /api/balances/recalculate            Recompute every balance (?type= to restrict)

  Trips / Transactions:
    POST   /api/trips, PUT/DELETE /api/trips/{id}
    POST   /api/transactions, PUT/DELETE /api/transactions/{id}

  Health:
    GET    /api/health                          Store reachability

  Fusions:
    POST   /api/fusions                         Fuse two accounts
    GET    /api/fusions?user_id=                Fusion history, newest first
    POST   /api/fusions/{id}/revert             Revert a fusion

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call the ledger service
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Account, trip, transaction or backup not found
  - 409: Fusion already reverted, account locked by another fusion
  - 503: Database unavailable
  - 500: Internal errors

  A write that committed but whose balance refresh failed still answers
  2xx with a "warnings" list naming the accounts left stale. The
  scheduler reports them until they are recomputed.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rodmar/ledger-engine/config"
	"github.com/rodmar/ledger-engine/ledger"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter drops every row of a store. Implemented by both store backends.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *ledger.Service
	Store   Resetter
	Logger  logrus.FieldLogger

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a new handler over the service. store may be nil, in
// which case the scenario endpoints cannot reset data.
func NewHandler(svc *ledger.Service, store Resetter, logger logrus.FieldLogger) *Handler {
	return &Handler{
		Service: svc,
		Store:   store,
		Logger:  logger,
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// ListAccounts returns every account of a type with its balance and trip
// counts, computed in grouped queries.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	t, ok := h.accountType(w, r)
	if !ok {
		return
	}

	balances, err := h.Service.AllBalances(r.Context(), t)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list balances", err)
		return
	}

	dtos := make([]AccountBalanceDTO, 0, len(balances))
	for _, b := range balances {
		dtos = append(dtos, AccountBalanceDTO{
			ID:                 b.Account.ID,
			Name:               b.Account.Name,
			Balance:            b.Balance,
			TripCount:          b.TripCount,
			TripCountLastMonth: b.TripCountLastMonth,
			FromCache:          b.FromCache,
		})
	}
	sort.Slice(dtos, func(i, j int) bool { return dtos[i].ID < dtos[j].ID })

	writeJSON(w, http.StatusOK, dtos)
}

// CreateAccount creates a new account of the given type.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	t, ok := h.accountType(w, r)
	if !ok {
		return
	}

	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OwnerUserID == "" {
		req.OwnerUserID = userIDFrom(r, "")
	}

	created, err := h.Service.CreateAccount(r.Context(), ledger.Account{
		Type:        t,
		Name:        req.Name,
		OwnerUserID: req.OwnerUserID,
	})
	if created.ID == 0 {
		h.writeServiceError(w, r, "Failed to create account", err)
		return
	}
	dto := toAccountDTO(created)
	dto.Warnings = h.committedWarnings(r, "CreateAccount", err)

	writeJSON(w, http.StatusCreated, dto)
}

// GetAccount returns a single account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.accountRef(w, r)
	if !ok {
		return
	}

	acc, err := h.Service.GetAccount(r.Context(), ref)
	if err != nil {
		h.writeServiceError(w, r, "Failed to get account", err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountDTO(*acc))
}

// GetBalance returns the balance of one account.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.accountRef(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("fresh") == "true" {
		balance, err := h.Service.ComputeBalance(r.Context(), ref)
		if err != nil {
			h.writeServiceError(w, r, "Failed to compute balance", err)
			return
		}
		writeJSON(w, http.StatusOK, BalanceDTO{Type: ref.Type, ID: ref.ID, Balance: balance})
		return
	}

	entry, err := h.Service.GetBalance(r.Context(), ref)
	if err != nil {
		h.writeServiceError(w, r, "Failed to get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, toBalanceDTO(entry))
}

// ValidateBalance reports whether the cached balance matches a fresh
// computation. A mismatch is a verdict, not an error: it answers 200 with
// valid=false.
func (h *Handler) ValidateBalance(w http.ResponseWriter, r *http.Request) {
	ref, ok := h.accountRef(w, r)
	if !ok {
		return
	}

	v, err := h.Service.ValidateBalance(r.Context(), ref)
	if err != nil {
		h.writeServiceError(w, r, "Failed to validate balance", err)
		return
	}

	writeJSON(w, http.StatusOK, ValidationDTO{
		Type:       v.Ref.Type,
		ID:         v.Ref.ID,
		Cached:     v.Cached,
		Computed:   v.Computed,
		Difference: v.Difference,
		Stale:      v.Stale,
		Valid:      v.Valid,
	})
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetStaleAccounts lists every account whose cached balance is stale.
func (h *Handler) GetStaleAccounts(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Service.StaleAccounts(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "Failed to list stale balances", err)
		return
	}

	dtos := make([]BalanceDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toBalanceDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RecalculateAll recomputes balances for every account, or every account of
// the type given in ?type=.
func (h *Handler) RecalculateAll(w http.ResponseWriter, r *http.Request) {
	var types []ledger.AccountType
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, err := ledger.ParseAccountType(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid account type", err)
			return
		}
		types = append(types, t)
	}

	summary, err := h.Service.RecalculateAll(r.Context(), types...)
	if err != nil && summary.Accounts == 0 {
		h.writeServiceError(w, r, "Failed to recalculate balances", err)
		return
	}
	writeJSON(w, http.StatusOK, RecalcSummaryDTO{
		Accounts: summary.Accounts,
		Changed:  summary.Changed,
		Failed:   summary.Failed,
		Warnings: h.committedWarnings(r, "RecalculateAll", err),
	})
}

// =============================================================================
// TRIP HANDLERS
// =============================================================================

// CreateTrip stores a trip, creating named accounts on first sight.
func (h *Handler) CreateTrip(w http.ResponseWriter, r *http.Request) {
	draft, ok := h.decodeTrip(w, r)
	if !ok {
		return
	}

	trip, err := h.Service.CreateTrip(r.Context(), draft, userIDFrom(r, ""))
	if trip.ID == "" {
		h.writeServiceError(w, r, "Failed to create trip", err)
		return
	}
	dto := toTripDTO(trip)
	dto.Warnings = h.committedWarnings(r, "CreateTrip", err)

	writeJSON(w, http.StatusCreated, dto)
}

// UpdateTrip replaces a trip.
func (h *Handler) UpdateTrip(w http.ResponseWriter, r *http.Request) {
	draft, ok := h.decodeTrip(w, r)
	if !ok {
		return
	}
	draft.ID = chi.URLParam(r, "id")

	trip, err := h.Service.UpdateTrip(r.Context(), draft, userIDFrom(r, ""))
	if trip.ID == "" {
		h.writeServiceError(w, r, "Failed to update trip", err)
		return
	}
	dto := toTripDTO(trip)
	dto.Warnings = h.committedWarnings(r, "UpdateTrip", err)

	writeJSON(w, http.StatusOK, dto)
}

// DeleteTrip removes a trip.
func (h *Handler) DeleteTrip(w http.ResponseWriter, r *http.Request) {
	err := h.Service.DeleteTrip(r.Context(), chi.URLParam(r, "id"))
	if err != nil && !errors.Is(err, ledger.ErrRefreshFailed) {
		h.writeServiceError(w, r, "Failed to delete trip", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{
		Status:   "deleted",
		Warnings: h.committedWarnings(r, "DeleteTrip", err),
	})
}

func (h *Handler) decodeTrip(w http.ResponseWriter, r *http.Request) (ledger.TripDraft, bool) {
	var req TripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return ledger.TripDraft{}, false
	}

	var date time.Time
	if req.Date != "" {
		var err error
		date, err = time.Parse(ledger.DateLayout, req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return ledger.TripDraft{}, false
		}
	}

	return ledger.TripDraft{
		Trip: ledger.Trip{
			ID:                req.ID,
			MineID:            req.MineID,
			BuyerID:           req.BuyerID,
			TruckerID:         req.TruckerID,
			DriverName:        req.DriverName,
			Plate:             req.Plate,
			Date:              date,
			Weight:            req.Weight,
			PurchaseUnitPrice: req.PurchaseUnitPrice,
			SaleUnitPrice:     req.SaleUnitPrice,
			FreightUnitPrice:  req.FreightUnitPrice,
			OtherFreightCost:  req.OtherFreightCost,
			TotalSale:         req.TotalSale,
			TotalPurchase:     req.TotalPurchase,
			TotalFreight:      req.TotalFreight,
			AmountToRemit:     req.AmountToRemit,
			Status:            req.Status,
			Hidden:            req.Hidden,
			FreightPayer:      req.FreightPayer,
		},
		MineName:  req.MineName,
		BuyerName: req.BuyerName,
	}, true
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// CreateTransaction stores a manual transaction.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	tx, ok := h.decodeTransaction(w, r)
	if !ok {
		return
	}

	created, err := h.Service.CreateTransaction(r.Context(), tx)
	if created.ID == 0 {
		h.writeServiceError(w, r, "Failed to create transaction", err)
		return
	}
	dto := toTransactionDTO(created)
	dto.Warnings = h.committedWarnings(r, "CreateTransaction", err)

	writeJSON(w, http.StatusCreated, dto)
}

// UpdateTransaction replaces a transaction.
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction id", err)
		return
	}
	tx, ok := h.decodeTransaction(w, r)
	if !ok {
		return
	}
	tx.ID = id

	updated, err := h.Service.UpdateTransaction(r.Context(), tx)
	if updated.ID == 0 {
		h.writeServiceError(w, r, "Failed to update transaction", err)
		return
	}
	dto := toTransactionDTO(updated)
	dto.Warnings = h.committedWarnings(r, "UpdateTransaction", err)

	writeJSON(w, http.StatusOK, dto)
}

// DeleteTransaction removes a transaction.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction id", err)
		return
	}
	err = h.Service.DeleteTransaction(r.Context(), id)
	if err != nil && !errors.Is(err, ledger.ErrRefreshFailed) {
		h.writeServiceError(w, r, "Failed to delete transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{
		Status:   "deleted",
		Warnings: h.committedWarnings(r, "DeleteTransaction", err),
	})
}

func (h *Handler) decodeTransaction(w http.ResponseWriter, r *http.Request) (ledger.Transaction, bool) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return ledger.Transaction{}, false
	}

	var date time.Time
	if req.Date != "" {
		var err error
		date, err = time.Parse(ledger.DateLayout, req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
			return ledger.Transaction{}, false
		}
	}

	return ledger.Transaction{
		From:    ledger.Party{Type: req.FromType, ID: strings.TrimSpace(req.FromID)},
		To:      ledger.Party{Type: req.ToType, ID: strings.TrimSpace(req.ToID)},
		Concept: req.Concept,
		Amount:  req.Amount,
		Date:    date,
		Visibility: ledger.Visibility{
			GlobalHidden:        req.HiddenGlobal,
			HiddenInBuyerView:   req.HiddenInBuyerView,
			HiddenInMineView:    req.HiddenInMineView,
			HiddenInTruckerView: req.HiddenInTruckerView,
		},
		IsSystemGenerated: req.SystemGenerated,
	}, true
}

// =============================================================================
// FUSION HANDLERS
// =============================================================================

// Fuse merges the source account into the destination.
func (h *Handler) Fuse(w http.ResponseWriter, r *http.Request) {
	var req FuseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	t, err := ledger.ParseAccountType(req.AccountType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account type", err)
		return
	}

	result, err := h.Service.Fuse(r.Context(), t, req.SourceID, req.DestinationID, userIDFrom(r, req.UserID))
	if result.Outcome != ledger.FusionCommitted {
		h.writeServiceError(w, r, "Fusion failed", err)
		return
	}
	writeJSON(w, http.StatusOK, FusionResultDTO{
		BackupID:          result.BackupID,
		TransactionsMoved: result.TransactionsMoved,
		TripsMoved:        result.TripsMoved,
		Outcome:           result.Outcome,
		Warnings:          h.committedWarnings(r, "Fuse", err),
	})
}

// RevertFusion restores the source account of a fusion.
func (h *Handler) RevertFusion(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid fusion id", err)
		return
	}
	var req RevertRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	result, err := h.Service.RevertFusion(r.Context(), id, userIDFrom(r, req.UserID))
	if result.RestoredAccountName == "" {
		h.writeServiceError(w, r, "Fusion reversal failed", err)
		return
	}
	writeJSON(w, http.StatusOK, RevertResultDTO{
		BackupID:             result.BackupID,
		RestoredAccountName:  result.RestoredAccountName,
		TransactionsRestored: result.TransactionsRestored,
		TripsRestored:        result.TripsRestored,
		TransactionsSkipped:  result.TransactionsSkipped,
		TripsSkipped:         result.TripsSkipped,
		RowsFailed:           result.RowsFailed,
		Partial:              result.Partial() != nil,
		Warnings:             h.committedWarnings(r, "RevertFusion", err),
	})
}

// GetFusionHistory lists fusions, newest first.
func (h *Handler) GetFusionHistory(w http.ResponseWriter, r *http.Request) {
	backups, err := h.Service.FusionHistory(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		h.writeServiceError(w, r, "Failed to list fusions", err)
		return
	}

	dtos := make([]FusionBackupDTO, len(backups))
	for i, b := range backups {
		dtos[i] = toFusionBackupDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HEALTH
// =============================================================================

// Pinger is implemented by stores that sit on a database connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health answers 200 while the store is reachable and 503 otherwise. Stores
// without a connection are always healthy.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			config.LogError(h.Logger, "api", "Health", "database ping failed", nil, err)
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) accountType(w http.ResponseWriter, r *http.Request) (ledger.AccountType, bool) {
	t, err := ledger.ParseAccountType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account type", err)
		return "", false
	}
	return t, true
}

func (h *Handler) accountRef(w http.ResponseWriter, r *http.Request) (ledger.AccountRef, bool) {
	t, ok := h.accountType(w, r)
	if !ok {
		return ledger.AccountRef{}, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid account id", err)
		return ledger.AccountRef{}, false
	}
	return ledger.AccountRef{Type: t, ID: id}, true
}

// userIDFrom returns the acting user: the X-User-ID header, then the
// fallback (usually a body field).
func userIDFrom(r *http.Request, fallback string) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	return fallback
}

// statusFor maps ledger errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrAlreadyReverted), errors.Is(err, ledger.ErrLockNotObtained):
		return http.StatusConflict
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrDataLayerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	if err == nil {
		err = fmt.Errorf("%s", strings.ToLower(message))
	}
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		config.LogError(h.Logger, "api", r.URL.Path, message, nil, err)
	}
	writeError(w, status, message, err)
}

// committedWarnings logs a failure that came after the write committed and
// turns it into response warnings. A refresh failure names each account it
// left stale.
func (h *Handler) committedWarnings(r *http.Request, funcName string, err error) []string {
	if err == nil {
		return nil
	}
	h.Logger.WithFields(logrus.Fields{
		"module":   "api",
		"funcName": funcName,
		"path":     r.URL.Path,
	}).WithError(err).Warn("write committed with errors")

	var refreshErr *ledger.RefreshError
	if !errors.As(err, &refreshErr) {
		return []string{err.Error()}
	}
	warnings := make([]string, len(refreshErr.Refs))
	for i, ref := range refreshErr.Refs {
		warnings[i] = fmt.Sprintf("balance of %s left stale", ref)
	}
	return warnings
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
