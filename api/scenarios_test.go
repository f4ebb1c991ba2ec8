/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario sets up the expected state on a real SQLite
	database and that the balances match the worked examples.

These tests double as integration tests of the SQL store.
*/
package api

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/rodmar/ledger-engine/ledger"
	"github.com/rodmar/ledger-engine/store/sqlite"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewHandler(ledger.NewService(store, nil, nil, logger), store, logger)
}

func balanceOf(t *testing.T, h *Handler, typ ledger.AccountType, id int64) decimal.Decimal {
	t.Helper()
	entry, err := h.Service.GetBalance(context.Background(), ledger.AccountRef{Type: typ, ID: id})
	require.NoError(t, err)
	return entry.Balance
}

func TestScenario_MineBalance(t *testing.T) {
	// GIVEN: The mine balance scenario
	h := setupTestHandler(t)

	// WHEN: Loading it
	require.NoError(t, h.loadMineBalanceScenario(context.Background()))

	// THEN: Trip purchase plus the payment to the bank
	got := balanceOf(t, h, ledger.AccountMine, 1)
	assert.True(t, got.Equal(decimal.NewFromInt(2_600_000)), got.String())
}

func TestScenario_BuyerBalance(t *testing.T) {
	h := setupTestHandler(t)

	require.NoError(t, h.loadBuyerBalanceScenario(context.Background()))

	got := balanceOf(t, h, ledger.AccountBuyer, 1)
	assert.True(t, got.Equal(decimal.NewFromInt(-3_360_000)), got.String())
}

func TestScenario_DuplicateMine_FuseAndRevert(t *testing.T) {
	// GIVEN: Two spellings of the same mine
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadDuplicateMineScenario(ctx))

	assert.True(t, balanceOf(t, h, ledger.AccountMine, 1).Equal(decimal.NewFromInt(1_550_000)))
	assert.True(t, balanceOf(t, h, ledger.AccountMine, 2).Equal(decimal.NewFromInt(700_000)))

	// WHEN: Fusing the duplicate into the canonical mine
	result, err := h.Service.Fuse(ctx, ledger.AccountMine, 1, 2, scenarioUser)
	require.NoError(t, err)

	// THEN: Three transactions and two trips moved
	assert.Equal(t, 3, result.TransactionsMoved)
	assert.Equal(t, 2, result.TripsMoved)
	assert.True(t, balanceOf(t, h, ledger.AccountMine, 2).Equal(decimal.NewFromInt(2_250_000)))

	_, err = h.Service.GetAccount(ctx, ledger.AccountRef{Type: ledger.AccountMine, ID: 1})
	assert.True(t, ledger.IsNotFound(err))

	// WHEN: Reverting
	reverted, err := h.Service.RevertFusion(ctx, result.BackupID, scenarioUser)
	require.NoError(t, err)

	// THEN: Both balances are back
	assert.Equal(t, "Mina El Porvenir", reverted.RestoredAccountName)
	assert.Equal(t, 2, reverted.TripsRestored)
	assert.True(t, balanceOf(t, h, ledger.AccountMine, 1).Equal(decimal.NewFromInt(1_550_000)))
	assert.True(t, balanceOf(t, h, ledger.AccountMine, 2).Equal(decimal.NewFromInt(700_000)))
}

func TestScenario_TruckerAliases(t *testing.T) {
	// GIVEN: Three trips whose driver was typed three ways
	h := setupTestHandler(t)
	ctx := context.Background()
	require.NoError(t, h.loadTruckerAliasesScenario(ctx))

	// THEN: A single trucker was created
	truckers, err := h.Service.ListAccounts(ctx, ledger.AccountTrucker)
	require.NoError(t, err)
	require.Len(t, truckers, 1)
	assert.Equal(t, "Juan Perez", truckers[0].Name)

	// AND: Buyer-paid freight is left out of the trucker balance
	got := balanceOf(t, h, ledger.AccountTrucker, truckers[0].ID)
	assert.True(t, got.Equal(decimal.NewFromInt(600_000)), got.String())

	// AND: The aggregate view agrees with the calculator
	all, err := h.Service.AllBalances(ctx, ledger.AccountTrucker)
	require.NoError(t, err)
	assert.Equal(t, 3, all[truckers[0].ID].TripCount)
	assert.True(t, all[truckers[0].ID].Balance.Equal(got))

	buyers, err := h.Service.AllBalances(ctx, ledger.AccountBuyer)
	require.NoError(t, err)
	require.Len(t, buyers, 1)
	assert.True(t, buyers[1].Balance.Equal(decimal.NewFromInt(-6_900_000)), buyers[1].Balance.String())
}

func TestLoadScenario_ResetsBetweenLoads(t *testing.T) {
	// GIVEN: A scenario already loaded
	h := setupTestHandler(t)
	router := NewRouter(h)
	rec := doJSON(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "duplicate-mine"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: Loading another one
	rec = doJSON(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "buyer-balance"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: Only the new scenario's data remains
	mines, err := h.Service.ListAccounts(context.Background(), ledger.AccountMine)
	require.NoError(t, err)
	assert.Empty(t, mines)

	current := decode[ScenarioDTO](t, doJSON(t, router, http.MethodGet, "/api/scenarios/current", nil))
	assert.Equal(t, "buyer-balance", current.ID)
}

func TestLoadScenario_Unknown(t *testing.T) {
	h := setupTestHandler(t)
	router := NewRouter(h)

	rec := doJSON(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListScenarios(t *testing.T) {
	h := setupTestHandler(t)

	rec := doJSON(t, NewRouter(h), http.MethodGet, "/api/scenarios", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))
}

func TestHealth_PingsDatabase(t *testing.T) {
	// GIVEN: A handler over an open SQLite store
	h := setupTestHandler(t)
	router := NewRouter(h)

	// THEN: Health is ok while the database answers
	assert.Equal(t, http.StatusOK, doJSON(t, router, http.MethodGet, "/api/health", nil).Code)

	// WHEN: The database goes away
	require.NoError(t, h.Store.(*sqlite.Store).Close())

	// THEN: Health reports it
	rec := doJSON(t, router, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Database unavailable", decode[ErrorResponse](t, rec).Error)
}
