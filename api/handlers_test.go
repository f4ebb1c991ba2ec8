/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Account creation and balance endpoints
- Error status mapping
- Warnings on writes whose balance refresh failed
- Health endpoint
- Fuse / revert round trip over HTTP
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rodmar/ledger-engine/ledger"
	"github.com/rodmar/ledger-engine/ledger/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mem := store.NewMemory()
	svc := ledger.NewService(mem, nil, nil, logger)
	h := NewHandler(svc, mem, logger)
	return h, NewRouter(h)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func createAccount(t *testing.T, router http.Handler, typ, name string) AccountDTO {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/accounts/"+typ, CreateAccountRequest{Name: name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[AccountDTO](t, rec)
}

// =============================================================================
// ACCOUNTS & BALANCES
// =============================================================================

func TestCreateAccount_SetsOwnerFromHeader(t *testing.T) {
	// GIVEN: An empty ledger
	_, router := newTestServer(t)

	// WHEN: Creating a mine without an owner in the body
	acc := createAccount(t, router, "mine", "Mina Uno")

	// THEN: The header user owns it
	assert.Equal(t, ledger.AccountMine, acc.Type)
	assert.Equal(t, int64(1), acc.ID)
	assert.Equal(t, "user-1", acc.OwnerUserID)
}

func TestCreateAccount_RejectsBlankName(t *testing.T) {
	_, router := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/api/accounts/buyer", CreateAccountRequest{Name: "   "})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccountRoutes_AcceptLegacyTypeNames(t *testing.T) {
	_, router := newTestServer(t)
	createAccount(t, router, "minas", "Mina Legacy")

	rec := doJSON(t, router, http.MethodGet, "/api/accounts/mine/1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Mina Legacy", decode[AccountDTO](t, rec).Name)
}

func TestGetBalance_MinePartialPayment(t *testing.T) {
	// GIVEN: A mine with a completed trip of 2,100,000
	_, router := newTestServer(t)
	mine := createAccount(t, router, "mine", "Mina M")

	rec := doJSON(t, router, http.MethodPost, "/api/trips", TripRequest{
		MineID:        &mine.ID,
		Date:          "2025-03-10",
		TotalPurchase: decimal.NewFromInt(2_100_000),
		Status:        ledger.TripCompleted,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// AND: A 500,000 transfer from the mine to the bank
	rec = doJSON(t, router, http.MethodPost, "/api/transactions", TransactionRequest{
		FromType: ledger.PartyMine,
		FromID:   fmt.Sprint(mine.ID),
		ToType:   ledger.PartyBank,
		ToID:     "principal",
		Concept:  "Pago parcial",
		Amount:   decimal.NewFromInt(500_000),
		Date:     "2025-03-11",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: Reading the balance, cached and fresh
	cached := decode[BalanceDTO](t, doJSON(t, router, http.MethodGet, "/api/accounts/mine/1/balance", nil))
	fresh := decode[BalanceDTO](t, doJSON(t, router, http.MethodGet, "/api/accounts/mine/1/balance?fresh=true", nil))

	// THEN: Both are 2,600,000 and the cache is not stale
	assert.True(t, cached.Balance.Equal(decimal.NewFromInt(2_600_000)), cached.Balance.String())
	assert.False(t, cached.Stale)
	assert.True(t, fresh.Balance.Equal(cached.Balance))
}

func TestListAccounts_SortedWithTripCounts(t *testing.T) {
	_, router := newTestServer(t)
	buyerA := createAccount(t, router, "buyer", "Comprador A")
	createAccount(t, router, "buyer", "Comprador B")

	rec := doJSON(t, router, http.MethodPost, "/api/trips", TripRequest{
		BuyerID:       &buyerA.ID,
		AmountToRemit: decimal.NewFromInt(3_360_000),
		Status:        ledger.TripCompleted,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, router, http.MethodGet, "/api/accounts/buyer", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]AccountBalanceDTO](t, rec)

	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].ID)
	assert.Equal(t, 1, rows[0].TripCount)
	assert.True(t, rows[0].Balance.Equal(decimal.NewFromInt(-3_360_000)), rows[0].Balance.String())
	assert.Equal(t, 0, rows[1].TripCount)
	assert.True(t, rows[1].Balance.IsZero())
}

func TestValidateBalance_Valid(t *testing.T) {
	_, router := newTestServer(t)
	createAccount(t, router, "third_party", "Tercero")

	rec := doJSON(t, router, http.MethodGet, "/api/accounts/third_party/1/validate", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[ValidationDTO](t, rec)
	assert.True(t, v.Valid)
	assert.True(t, v.Difference.IsZero())
}

func TestRecalculateAll_ReportsAccounts(t *testing.T) {
	_, router := newTestServer(t)
	createAccount(t, router, "mine", "Mina 1")
	createAccount(t, router, "trucker", "Volquetero 1")

	rec := doJSON(t, router, http.MethodPost, "/api/balances/recalculate?type=mine", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[RecalcSummaryDTO](t, rec).Accounts)

	rec = doJSON(t, router, http.MethodPost, "/api/balances/recalculate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[RecalcSummaryDTO](t, rec).Accounts)
}

func TestGetStaleAccounts_EmptyAfterWrites(t *testing.T) {
	_, router := newTestServer(t)
	createAccount(t, router, "mine", "Mina 1")

	rec := doJSON(t, router, http.MethodGet, "/api/balances/stale", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]BalanceDTO](t, rec))
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrors_StatusMapping(t *testing.T) {
	_, router := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown account type", http.MethodGet, "/api/accounts/planet", nil, http.StatusBadRequest},
		{"bad account id", http.MethodGet, "/api/accounts/mine/abc", nil, http.StatusBadRequest},
		{"missing account", http.MethodGet, "/api/accounts/mine/42/balance", nil, http.StatusNotFound},
		{"missing trip", http.MethodDelete, "/api/trips/TR-NOPE", nil, http.StatusNotFound},
		{"missing transaction", http.MethodDelete, "/api/transactions/9", nil, http.StatusNotFound},
		{"missing fusion", http.MethodPost, "/api/fusions/7/revert", nil, http.StatusNotFound},
		{"bad date", http.MethodPost, "/api/trips", map[string]string{"date": "10/03/2025"}, http.StatusBadRequest},
		{"unknown party", http.MethodPost, "/api/transactions", TransactionRequest{FromType: "moon", ToType: ledger.PartyBank}, http.StatusBadRequest},
		{"self fusion", http.MethodPost, "/api/fusions", FuseRequest{AccountType: "mine", SourceID: 1, DestinationID: 1}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(&ledger.NotFoundError{Kind: "trip", Key: "x"}))
	assert.Equal(t, http.StatusConflict, statusFor(ledger.ErrAlreadyReverted))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("wrap: %w", ledger.ErrLockNotObtained)))
	assert.Equal(t, http.StatusBadRequest, statusFor(ledger.ErrInvalidOperation))
	assert.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidOperation)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(ledger.ErrDataLayerUnavailable))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

// =============================================================================
// REFRESH WARNINGS
// =============================================================================

// flakyReads fails balance reads once broken is set. Writes still commit.
type flakyReads struct {
	*store.Memory
	broken bool
}

func (f *flakyReads) TransactionsByParty(ctx context.Context, p ledger.Party) ([]ledger.Transaction, error) {
	if f.broken {
		return nil, errors.New("read replica gone")
	}
	return f.Memory.TransactionsByParty(ctx, p)
}

func TestWrites_ReportAccountsLeftStale(t *testing.T) {
	// GIVEN: A mine, then a store whose balance reads start failing
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	st := &flakyReads{Memory: store.NewMemory()}
	h := NewHandler(ledger.NewService(st, nil, nil, logger), st, logger)
	router := NewRouter(h)
	mine := createAccount(t, router, "mine", "Mina Uno")
	assert.Empty(t, mine.Warnings)
	st.broken = true

	// WHEN: Recording a payment from the mine
	rec := doJSON(t, router, http.MethodPost, "/api/transactions", TransactionRequest{
		FromType: ledger.PartyMine, FromID: fmt.Sprint(mine.ID),
		ToType: ledger.PartyBank, ToID: "principal",
		Concept: "Pago", Amount: decimal.NewFromInt(100),
	})

	// THEN: The write answers 201 and names the stale account
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[TransactionDTO](t, rec)
	assert.NotZero(t, created.ID)
	assert.Equal(t, []string{"balance of mine:1 left stale"}, created.Warnings)

	stale := decode[[]BalanceDTO](t, doJSON(t, router, http.MethodGet, "/api/balances/stale", nil))
	require.Len(t, stale, 1)
	assert.Equal(t, mine.ID, stale[0].ID)

	// WHEN: Deleting it while reads still fail
	rec = doJSON(t, router, http.MethodDelete, fmt.Sprintf("/api/transactions/%d", created.ID), nil)

	// THEN: The delete committed and says so, with the same warning
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	deleted := decode[DeleteResponse](t, rec)
	assert.Equal(t, "deleted", deleted.Status)
	assert.Equal(t, []string{"balance of mine:1 left stale"}, deleted.Warnings)
	assert.Equal(t, http.StatusNotFound, doJSON(t, router, http.MethodDelete, fmt.Sprintf("/api/transactions/%d", created.ID), nil).Code)

	// AND: Once reads recover, a recalculation clears the warning
	st.broken = false
	rec = doJSON(t, router, http.MethodPost, "/api/balances/recalculate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[RecalcSummaryDTO](t, rec).Warnings)
	assert.Empty(t, decode[[]BalanceDTO](t, doJSON(t, router, http.MethodGet, "/api/balances/stale", nil)))
}

func TestDeleteTrip_ReportsAccountsLeftStale(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	st := &flakyReads{Memory: store.NewMemory()}
	router := NewRouter(NewHandler(ledger.NewService(st, nil, nil, logger), st, logger))
	buyer := createAccount(t, router, "buyer", "Comprador")
	rec := doJSON(t, router, http.MethodPost, "/api/trips", TripRequest{
		ID: "TR-1", BuyerID: &buyer.ID, AmountToRemit: decimal.NewFromInt(50), Status: ledger.TripCompleted,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Empty(t, decode[TripDTO](t, rec).Warnings)
	st.broken = true

	rec = doJSON(t, router, http.MethodDelete, "/api/trips/TR-1", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"balance of buyer:1 left stale"}, decode[DeleteResponse](t, rec).Warnings)
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealth_MemoryStore(t *testing.T) {
	_, router := newTestServer(t)

	rec := doJSON(t, router, http.MethodGet, "/api/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

// =============================================================================
// FUSION
// =============================================================================

func TestFuseAndRevert_RoundTrip(t *testing.T) {
	// GIVEN: Two mines, the first with a trip and a payment
	_, router := newTestServer(t)
	src := createAccount(t, router, "mine", "Mina A")
	dst := createAccount(t, router, "mine", "Mina B")

	rec := doJSON(t, router, http.MethodPost, "/api/trips", TripRequest{
		MineID:        &src.ID,
		TotalPurchase: decimal.NewFromInt(1_000),
		Status:        ledger.TripCompleted,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = doJSON(t, router, http.MethodPost, "/api/transactions", TransactionRequest{
		FromType: ledger.PartyTreasury, FromID: "caja",
		ToType: ledger.PartyMine, ToID: fmt.Sprint(src.ID),
		Concept: "Pago Mina A", Amount: decimal.NewFromInt(400),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: Fusing A into B
	rec = doJSON(t, router, http.MethodPost, "/api/fusions", FuseRequest{
		AccountType: "mine", SourceID: src.ID, DestinationID: dst.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	fused := decode[FusionResultDTO](t, rec)

	// THEN: Everything moved and A is gone
	assert.Equal(t, ledger.FusionCommitted, fused.Outcome)
	assert.Equal(t, 1, fused.TransactionsMoved)
	assert.Equal(t, 1, fused.TripsMoved)
	assert.Equal(t, http.StatusNotFound, doJSON(t, router, http.MethodGet, "/api/accounts/mine/1", nil).Code)

	balance := decode[BalanceDTO](t, doJSON(t, router, http.MethodGet, "/api/accounts/mine/2/balance", nil))
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(600)), balance.Balance.String())

	history := decode[[]FusionBackupDTO](t, doJSON(t, router, http.MethodGet, "/api/fusions?user_id=user-1", nil))
	require.Len(t, history, 1)
	assert.Equal(t, "Mina A", history[0].SourceName)
	assert.False(t, history[0].Reverted)

	// WHEN: Reverting
	revertPath := fmt.Sprintf("/api/fusions/%d/revert", fused.BackupID)
	rec = doJSON(t, router, http.MethodPost, revertPath, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	reverted := decode[RevertResultDTO](t, rec)

	// THEN: A is back with its balance
	assert.Equal(t, "Mina A", reverted.RestoredAccountName)
	assert.False(t, reverted.Partial)
	balance = decode[BalanceDTO](t, doJSON(t, router, http.MethodGet, "/api/accounts/mine/1/balance", nil))
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(600)), balance.Balance.String())

	// AND: A second revert conflicts
	assert.Equal(t, http.StatusConflict, doJSON(t, router, http.MethodPost, revertPath, nil).Code)
}
