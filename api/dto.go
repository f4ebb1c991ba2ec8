/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal on both sides. They are encoded as JSON
  strings and accepted as strings or numbers.

VALIDATION:
  Validation is done in handlers and the ledger service, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/rodmar/ledger-engine/ledger"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	Type        ledger.AccountType `json:"type"`
	ID          int64              `json:"id"`
	Name        string             `json:"name"`
	OwnerUserID string             `json:"owner_user_id,omitempty"`
	CreatedAt   string             `json:"created_at,omitempty"`
	Warnings    []string           `json:"warnings,omitempty"`
}

type CreateAccountRequest struct {
	Name        string `json:"name"`
	OwnerUserID string `json:"owner_user_id"`
}

// BalanceDTO is the balance of one account as served from the cache.
type BalanceDTO struct {
	Type         ledger.AccountType `json:"type"`
	ID           int64              `json:"id"`
	Balance      decimal.Decimal    `json:"balance"`
	Stale        bool               `json:"stale"`
	RecomputedAt string             `json:"recomputed_at,omitempty"`
}

// AccountBalanceDTO is one row of the aggregate balance listing.
type AccountBalanceDTO struct {
	ID                 int64           `json:"id"`
	Name               string          `json:"name"`
	Balance            decimal.Decimal `json:"balance"`
	TripCount          int             `json:"trip_count"`
	TripCountLastMonth int             `json:"trip_count_last_month"`
	FromCache          bool            `json:"from_cache"`
}

type ValidationDTO struct {
	Type       ledger.AccountType `json:"type"`
	ID         int64              `json:"id"`
	Cached     decimal.Decimal    `json:"cached"`
	Computed   decimal.Decimal    `json:"computed"`
	Difference decimal.Decimal    `json:"difference"`
	Stale      bool               `json:"stale"`
	Valid      bool               `json:"valid"`
}

type RecalcSummaryDTO struct {
	Accounts int      `json:"accounts"`
	Changed  int      `json:"changed"`
	Failed   int      `json:"failed"`
	Warnings []string `json:"warnings,omitempty"`
}

// =============================================================================
// TRIPS
// =============================================================================

// TripRequest creates or replaces a trip. Accounts may be given by id or by
// name; a trucker is resolved from driver_name when trucker_id is absent.
type TripRequest struct {
	ID         string `json:"id"`
	MineID     *int64 `json:"mine_id"`
	BuyerID    *int64 `json:"buyer_id"`
	TruckerID  *int64 `json:"trucker_id"`
	MineName   string `json:"mine_name"`
	BuyerName  string `json:"buyer_name"`
	DriverName string `json:"driver_name"`
	Plate      string `json:"plate"`
	Date       string `json:"date"`

	Weight            decimal.Decimal `json:"weight"`
	PurchaseUnitPrice decimal.Decimal `json:"purchase_unit_price"`
	SaleUnitPrice     decimal.Decimal `json:"sale_unit_price"`
	FreightUnitPrice  decimal.Decimal `json:"freight_unit_price"`
	OtherFreightCost  decimal.Decimal `json:"other_freight_cost"`

	TotalSale     decimal.Decimal `json:"total_sale"`
	TotalPurchase decimal.Decimal `json:"total_purchase"`
	TotalFreight  decimal.Decimal `json:"total_freight"`
	AmountToRemit decimal.Decimal `json:"amount_to_remit"`

	Status       ledger.TripStatus   `json:"status"`
	Hidden       bool                `json:"hidden"`
	FreightPayer ledger.FreightPayer `json:"freight_payer"`
}

type TripDTO struct {
	ID            string              `json:"id"`
	MineID        *int64              `json:"mine_id"`
	BuyerID       *int64              `json:"buyer_id"`
	TruckerID     *int64              `json:"trucker_id"`
	DriverName    string              `json:"driver_name"`
	Plate         string              `json:"plate"`
	Date          string              `json:"date"`
	Weight        decimal.Decimal     `json:"weight"`
	TotalSale     decimal.Decimal     `json:"total_sale"`
	TotalPurchase decimal.Decimal     `json:"total_purchase"`
	TotalFreight  decimal.Decimal     `json:"total_freight"`
	AmountToRemit decimal.Decimal     `json:"amount_to_remit"`
	Profit        decimal.Decimal     `json:"profit"`
	Status        ledger.TripStatus   `json:"status"`
	Hidden        bool                `json:"hidden"`
	FreightPayer  ledger.FreightPayer `json:"freight_payer"`
	Warnings      []string            `json:"warnings,omitempty"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionRequest struct {
	FromType ledger.PartyType `json:"from_type"`
	FromID   string           `json:"from_id"`
	ToType   ledger.PartyType `json:"to_type"`
	ToID     string           `json:"to_id"`
	Concept  string           `json:"concept"`
	Amount   decimal.Decimal  `json:"amount"`
	Date     string           `json:"date"`

	HiddenGlobal        bool `json:"hidden_global"`
	HiddenInBuyerView   bool `json:"hidden_in_buyer_view"`
	HiddenInMineView    bool `json:"hidden_in_mine_view"`
	HiddenInTruckerView bool `json:"hidden_in_trucker_view"`

	// SystemGenerated marks a trip shadow entry. Only read on create.
	SystemGenerated bool `json:"system_generated"`
}

type TransactionDTO struct {
	ID                  int64            `json:"id"`
	FromType            ledger.PartyType `json:"from_type"`
	FromID              string           `json:"from_id"`
	ToType              ledger.PartyType `json:"to_type"`
	ToID                string           `json:"to_id"`
	Concept             string           `json:"concept"`
	Amount              decimal.Decimal  `json:"amount"`
	Date                string           `json:"date"`
	HiddenGlobal        bool             `json:"hidden_global"`
	HiddenInBuyerView   bool             `json:"hidden_in_buyer_view"`
	HiddenInMineView    bool             `json:"hidden_in_mine_view"`
	HiddenInTruckerView bool             `json:"hidden_in_trucker_view"`
	SystemGenerated     bool             `json:"system_generated"`
	CreatedAt           string           `json:"created_at,omitempty"`
	Warnings            []string         `json:"warnings,omitempty"`
}

// =============================================================================
// FUSIONS
// =============================================================================

type FuseRequest struct {
	AccountType   string `json:"account_type"`
	SourceID      int64  `json:"source_id"`
	DestinationID int64  `json:"destination_id"`
	UserID        string `json:"user_id"`
}

type FusionResultDTO struct {
	BackupID          int64                `json:"backup_id"`
	TransactionsMoved int                  `json:"transactions_moved"`
	TripsMoved        int                  `json:"trips_moved"`
	Outcome           ledger.FusionOutcome `json:"outcome"`
	Warnings          []string             `json:"warnings,omitempty"`
}

type RevertRequest struct {
	UserID string `json:"user_id"`
}

type RevertResultDTO struct {
	BackupID             int64    `json:"backup_id"`
	RestoredAccountName  string   `json:"restored_account_name"`
	TransactionsRestored int      `json:"transactions_restored"`
	TripsRestored        int      `json:"trips_restored"`
	TransactionsSkipped  int      `json:"transactions_skipped"`
	TripsSkipped         int      `json:"trips_skipped"`
	RowsFailed           int      `json:"rows_failed"`
	Partial              bool     `json:"partial"`
	Warnings             []string `json:"warnings,omitempty"`
}

type FusionBackupDTO struct {
	ID              int64              `json:"id"`
	AccountType     ledger.AccountType `json:"account_type"`
	SourceID        int64              `json:"source_id"`
	DestinationID   int64              `json:"destination_id"`
	SourceName      string             `json:"source_name"`
	DestinationName string             `json:"destination_name"`
	Transactions    int                `json:"transactions"`
	Trips           int                `json:"trips"`
	UserID          string             `json:"user_id"`
	FusedAt         string             `json:"fused_at"`
	Reverted        bool               `json:"reverted"`
	RevertedAt      string             `json:"reverted_at,omitempty"`
	RevertedBy      string             `json:"reverted_by,omitempty"`
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// DeleteResponse acknowledges a committed delete.
type DeleteResponse struct {
	Status   string   `json:"status"`
	Warnings []string `json:"warnings,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		Type:        a.Type,
		ID:          a.ID,
		Name:        a.Name,
		OwnerUserID: a.OwnerUserID,
		CreatedAt:   formatTimestamp(a.CreatedAt),
	}
}

func toBalanceDTO(e ledger.CacheEntry) BalanceDTO {
	return BalanceDTO{
		Type:         e.Ref.Type,
		ID:           e.Ref.ID,
		Balance:      e.Balance,
		Stale:        e.Stale,
		RecomputedAt: formatTimestamp(e.RecomputedAt),
	}
}

func toTripDTO(t ledger.Trip) TripDTO {
	return TripDTO{
		ID:            t.ID,
		MineID:        t.MineID,
		BuyerID:       t.BuyerID,
		TruckerID:     t.TruckerID,
		DriverName:    t.DriverName,
		Plate:         t.Plate,
		Date:          t.Date.Format(ledger.DateLayout),
		Weight:        t.Weight,
		TotalSale:     t.TotalSale,
		TotalPurchase: t.TotalPurchase,
		TotalFreight:  t.TotalFreight,
		AmountToRemit: t.AmountToRemit,
		Profit:        t.Profit,
		Status:        t.Status,
		Hidden:        t.Hidden,
		FreightPayer:  t.FreightPayer,
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:                  tx.ID,
		FromType:            tx.From.Type,
		FromID:              tx.From.ID,
		ToType:              tx.To.Type,
		ToID:                tx.To.ID,
		Concept:             tx.Concept,
		Amount:              tx.Amount,
		Date:                tx.Date.Format(ledger.DateLayout),
		HiddenGlobal:        tx.Visibility.GlobalHidden,
		HiddenInBuyerView:   tx.Visibility.HiddenInBuyerView,
		HiddenInMineView:    tx.Visibility.HiddenInMineView,
		HiddenInTruckerView: tx.Visibility.HiddenInTruckerView,
		SystemGenerated:     tx.IsSystemGenerated,
		CreatedAt:           formatTimestamp(tx.CreatedAt),
	}
}

func toFusionBackupDTO(b ledger.FusionBackup) FusionBackupDTO {
	dto := FusionBackupDTO{
		ID:              b.ID,
		AccountType:     b.EntityType,
		SourceID:        b.SourceID,
		DestinationID:   b.DestinationID,
		SourceName:      b.SourceName,
		DestinationName: b.DestinationName,
		Transactions:    len(b.Transactions),
		Trips:           len(b.TripIDs),
		UserID:          b.UserID,
		FusedAt:         formatTimestamp(b.FusedAt),
		Reverted:        b.Reverted,
		RevertedBy:      b.RevertedBy,
	}
	if b.RevertedAt != nil {
		dto.RevertedAt = formatTimestamp(*b.RevertedAt)
	}
	return dto
}
