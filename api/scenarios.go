/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for demos. Each scenario goes through ledger.Service, so balances,
	aliases and events behave exactly as for real traffic.

AVAILABLE SCENARIOS:

	mine-balance:   One mine with a completed trip and a partial payment
	buyer-balance:  One buyer owing the remittance of a completed trip
	duplicate-mine: Two spellings of the same mine, ready to fuse
	trucker-aliases: Drivers typed three ways, resolved to one trucker

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create accounts
 3. Create trips and transactions through the service

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "duplicate-mine"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rodmar/ledger-engine/ledger"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const scenarioUser = "demo"

var scenarios = []ScenarioDTO{
	{
		ID:          "mine-balance",
		Name:        "Mine Balance",
		Description: "Completed trip of 2,100,000 plus a 500,000 payment to the bank: balance 2,600,000",
	},
	{
		ID:          "buyer-balance",
		Name:        "Buyer Balance",
		Description: "Completed trip with 3,360,000 to remit: balance -3,360,000",
	},
	{
		ID:          "duplicate-mine",
		Name:        "Duplicate Mine",
		Description: "Mine entered twice under two spellings with 3 transactions and 2 trips to fuse",
	},
	{
		ID:          "trucker-aliases",
		Name:        "Trucker Aliases",
		Description: "Same driver typed with different spacing and case resolves to one trucker",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	loaders := map[string]func(context.Context) error{
		"mine-balance":    h.loadMineBalanceScenario,
		"buyer-balance":   h.loadBuyerBalanceScenario,
		"duplicate-mine":  h.loadDuplicateMineScenario,
		"trucker-aliases": h.loadTruckerAliasesScenario,
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	if err := h.reset(r.Context()); err != nil {
		h.writeServiceError(w, r, "Failed to reset database", err)
		return
	}
	if err := load(r.Context()); err != nil {
		h.writeServiceError(w, r, "Failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		h.writeServiceError(w, r, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(ctx context.Context) error {
	if h.Store == nil {
		return fmt.Errorf("%w: store does not support reset", ledger.ErrInvalidOperation)
	}
	h.currentScenario = ""
	return h.Store.Reset(ctx)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadMineBalanceScenario(ctx context.Context) error {
	svc := h.Service
	mine, err := svc.CreateAccount(ctx, ledger.Account{Type: ledger.AccountMine, Name: "Mina La Esperanza", OwnerUserID: scenarioUser})
	if err != nil {
		return err
	}
	if _, err := svc.CreateTrip(ctx, ledger.TripDraft{Trip: ledger.Trip{
		MineID:        &mine.ID,
		Date:          daysAgo(3),
		TotalPurchase: decimal.NewFromInt(2_100_000),
		Status:        ledger.TripCompleted,
	}}, scenarioUser); err != nil {
		return err
	}
	_, err = svc.CreateTransaction(ctx, ledger.Transaction{
		From:    mine.Ref().Party(),
		To:      ledger.Party{Type: ledger.PartyBank, ID: "principal"},
		Concept: "Pago parcial",
		Amount:  decimal.NewFromInt(500_000),
		Date:    daysAgo(1),
	})
	return err
}

func (h *Handler) loadBuyerBalanceScenario(ctx context.Context) error {
	svc := h.Service
	buyer, err := svc.CreateAccount(ctx, ledger.Account{Type: ledger.AccountBuyer, Name: "Comercializadora Andina", OwnerUserID: scenarioUser})
	if err != nil {
		return err
	}
	_, err = svc.CreateTrip(ctx, ledger.TripDraft{Trip: ledger.Trip{
		BuyerID:       &buyer.ID,
		Date:          daysAgo(2),
		TotalSale:     decimal.NewFromInt(3_360_000),
		AmountToRemit: decimal.NewFromInt(3_360_000),
		Status:        ledger.TripCompleted,
	}}, scenarioUser)
	return err
}

func (h *Handler) loadDuplicateMineScenario(ctx context.Context) error {
	svc := h.Service
	dup, err := svc.CreateAccount(ctx, ledger.Account{Type: ledger.AccountMine, Name: "Mina El Porvenir", OwnerUserID: scenarioUser})
	if err != nil {
		return err
	}
	canonical, err := svc.CreateAccount(ctx, ledger.Account{Type: ledger.AccountMine, Name: "Mina Porvenir", OwnerUserID: scenarioUser})
	if err != nil {
		return err
	}

	for i, purchase := range []int64{1_200_000, 900_000} {
		if _, err := svc.CreateTrip(ctx, ledger.TripDraft{Trip: ledger.Trip{
			MineID:        &dup.ID,
			Date:          daysAgo(10 - i),
			TotalPurchase: decimal.NewFromInt(purchase),
			Status:        ledger.TripCompleted,
		}}, scenarioUser); err != nil {
			return err
		}
	}

	txs := []ledger.Transaction{
		{From: ledger.Party{Type: ledger.PartyTreasury, ID: "caja"}, To: dup.Ref().Party(), Concept: "Anticipo Mina El Porvenir", Amount: decimal.NewFromInt(300_000)},
		{From: dup.Ref().Party(), To: ledger.Party{Type: ledger.PartyBank, ID: "principal"}, Concept: "Consignacion", Amount: decimal.NewFromInt(150_000)},
		{From: ledger.Party{Type: ledger.PartyTreasury, ID: "caja"}, To: dup.Ref().Party(), Concept: "Pago Mina El Porvenir", Amount: decimal.NewFromInt(400_000)},
	}
	for _, tx := range txs {
		tx.Date = daysAgo(5)
		if _, err := svc.CreateTransaction(ctx, tx); err != nil {
			return err
		}
	}

	_, err = svc.CreateTrip(ctx, ledger.TripDraft{Trip: ledger.Trip{
		MineID:        &canonical.ID,
		Date:          daysAgo(4),
		TotalPurchase: decimal.NewFromInt(700_000),
		Status:        ledger.TripCompleted,
	}}, scenarioUser)
	return err
}

func (h *Handler) loadTruckerAliasesScenario(ctx context.Context) error {
	svc := h.Service
	mine, err := svc.CreateAccount(ctx, ledger.Account{Type: ledger.AccountMine, Name: "Mina Santa Rosa", OwnerUserID: scenarioUser})
	if err != nil {
		return err
	}

	for i, driver := range []string{"Juan Perez", "  juan   PEREZ ", "JUAN PEREZ"} {
		payer := ledger.FreightPaidByUs
		if i == 2 {
			payer = ledger.FreightPaidByBuyer
		}
		if _, err := svc.CreateTrip(ctx, ledger.TripDraft{
			Trip: ledger.Trip{
				MineID:            &mine.ID,
				DriverName:        driver,
				Plate:             "TKR-482",
				Date:              daysAgo(6 - i),
				Weight:            decimal.NewFromInt(20),
				PurchaseUnitPrice: decimal.NewFromInt(80_000),
				SaleUnitPrice:     decimal.NewFromInt(120_000),
				FreightUnitPrice:  decimal.NewFromInt(15_000),
				Status:            ledger.TripCompleted,
				FreightPayer:      payer,
			},
			BuyerName: "Comercializadora Andina",
		}, scenarioUser); err != nil {
			return err
		}
	}
	return nil
}

func daysAgo(n int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -n)
}
