/*
Package ledger provides the balance ledger and entity fusion engine.

PURPOSE:
  Tracks what each counterparty (mine, buyer, trucker, third party) is owed or
  owes, derived from two kinds of money-moving records:
  - Trips: a load of material sold and trucked. Generates purchase, sale and
    freight legs implicitly.
  - Transactions: explicit transfers between any two parties, including the
    virtual treasury/bank/internal parties.

KEY CONCEPTS IN THIS FILE (types.go):
  - AccountType / AccountRef: which counterparty a balance belongs to
  - Account: identity fields only (name, owner)
  - CacheEntry: the cached balance of an account, kept apart from identity
  - Party: one side of a transaction (account or virtual party)
  - Trip, Transaction: the two record kinds balances are derived from

DESIGN PRINCIPLES:
  1. Derived balances: a balance is always recomputable from trips and
     transactions. The cached value is a convenience, never the truth.
  2. Precision: money uses decimal.Decimal.
  3. Explicit flags over text: whether a transaction is system generated is a
     stored flag, decided once at creation.

SEE ALSO:
  - balance.go: Balance Calculator
  - cache.go: Staleness Cache
  - report.go: Aggregate Balance Reporter
  - fusion.go, reversal.go: Fusion Engine and Fusion Reversal
*/
package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNT TYPES
// =============================================================================

// AccountType identifies one of the account variants. Ids are unique only
// within a variant.
type AccountType string

const (
	AccountMine       AccountType = "mine"
	AccountBuyer      AccountType = "buyer"
	AccountTrucker    AccountType = "trucker"
	AccountThirdParty AccountType = "third_party"
)

// AccountTypes lists every account variant in a stable order.
var AccountTypes = []AccountType{AccountMine, AccountBuyer, AccountTrucker, AccountThirdParty}

// Valid reports whether t is a known account variant.
func (t AccountType) Valid() bool {
	switch t {
	case AccountMine, AccountBuyer, AccountTrucker, AccountThirdParty:
		return true
	}
	return false
}

// ParseAccountType accepts the canonical names plus the legacy Spanish ones.
func ParseAccountType(s string) (AccountType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mine", "mines", "mina", "minas":
		return AccountMine, nil
	case "buyer", "buyers", "comprador", "compradores":
		return AccountBuyer, nil
	case "trucker", "truckers", "volquetero", "volqueteros":
		return AccountTrucker, nil
	case "third_party", "third_parties", "tercero", "terceros":
		return AccountThirdParty, nil
	}
	return "", fmt.Errorf("%w: unknown account type %q", ErrInvalidOperation, s)
}

// AccountRef addresses a single account.
type AccountRef struct {
	Type AccountType
	ID   int64
}

func (r AccountRef) String() string { return fmt.Sprintf("%s:%d", r.Type, r.ID) }

// Party returns the transaction party that points at this account.
func (r AccountRef) Party() Party {
	return Party{Type: PartyType(r.Type), ID: strconv.FormatInt(r.ID, 10)}
}

// Account holds the identity fields of a counterparty.
type Account struct {
	Type        AccountType
	ID          int64
	Name        string
	OwnerUserID string
	CreatedAt   time.Time
}

func (a Account) Ref() AccountRef { return AccountRef{Type: a.Type, ID: a.ID} }

// =============================================================================
// CACHE ENTRY - Cached balance, separate from identity
// =============================================================================

// CacheEntry is the cached balance of one account.
//
// Stale is true whenever a write may have changed the true balance and no
// recompute has run since. RecomputedAt is zero if the balance was never
// computed.
type CacheEntry struct {
	Ref          AccountRef
	Balance      decimal.Decimal
	Stale        bool
	RecomputedAt time.Time
}

// Fresh reports whether the cached balance can be served without recomputing.
func (e CacheEntry) Fresh() bool { return !e.Stale && !e.RecomputedAt.IsZero() }

// AccountSnapshot is the full persisted row of an account: identity plus cache.
// Fusion backups store these so reversal can re-create the row exactly.
type AccountSnapshot struct {
	Account Account    `json:"account"`
	Cache   CacheEntry `json:"cache"`
}

// =============================================================================
// PARTIES - Either side of a transaction
// =============================================================================

// PartyType is an account variant or one of the fixed virtual parties.
type PartyType string

const (
	PartyMine       = PartyType(AccountMine)
	PartyBuyer      = PartyType(AccountBuyer)
	PartyTrucker    = PartyType(AccountTrucker)
	PartyThirdParty = PartyType(AccountThirdParty)

	// Virtual parties never get a cached balance.
	PartyTreasury PartyType = "rodmar"
	PartyBank     PartyType = "bank"
	PartyInternal PartyType = "internal"
)

// IsAccount reports whether the party type is one of the account variants.
func (p PartyType) IsAccount() bool { return AccountType(p).Valid() }

// Valid reports whether p is an account variant or a known virtual party.
func (p PartyType) Valid() bool {
	switch p {
	case PartyTreasury, PartyBank, PartyInternal:
		return true
	}
	return p.IsAccount()
}

// IsTreasury reports whether the party is a treasury or bank account.
func (p PartyType) IsTreasury() bool { return p == PartyTreasury || p == PartyBank }

// Party is one side of a transaction. ID is the decimal account id for account
// parties and a free key (e.g. "principal") for virtual ones.
type Party struct {
	Type PartyType
	ID   string
}

// AccountRef converts an account party back into a reference.
func (p Party) AccountRef() (AccountRef, bool) {
	if !p.Type.IsAccount() {
		return AccountRef{}, false
	}
	id, err := strconv.ParseInt(p.ID, 10, 64)
	if err != nil {
		return AccountRef{}, false
	}
	return AccountRef{Type: AccountType(p.Type), ID: id}, true
}

// Is reports whether the party points at the given account.
func (p Party) Is(ref AccountRef) bool {
	r, ok := p.AccountRef()
	return ok && r == ref
}

// =============================================================================
// TRIP - Derived, double-sided ledger entry
// =============================================================================

type TripStatus string

const (
	TripPending   TripStatus = "pending"
	TripCompleted TripStatus = "completed"
)

// FreightPayer says who settles the freight with the trucker.
type FreightPayer string

const (
	FreightPaidByUs    FreightPayer = "rodmar"
	FreightPaidByBuyer FreightPayer = "buyer"
)

// Trip is a single haul. Its totals feed the mine (TotalPurchase), the buyer
// (AmountToRemit) and the trucker (TotalFreight) balances, but only while the
// trip is completed and not hidden.
type Trip struct {
	ID         string
	MineID     *int64
	BuyerID    *int64
	TruckerID  *int64
	DriverName string
	Plate      string
	Date       time.Time

	Weight            decimal.Decimal
	PurchaseUnitPrice decimal.Decimal
	SaleUnitPrice     decimal.Decimal
	FreightUnitPrice  decimal.Decimal
	OtherFreightCost  decimal.Decimal

	TotalSale     decimal.Decimal
	TotalPurchase decimal.Decimal
	TotalFreight  decimal.Decimal
	AmountToRemit decimal.Decimal
	Profit        decimal.Decimal

	Status       TripStatus
	Hidden       bool
	FreightPayer FreightPayer
	CreatedAt    time.Time
}

// Counts reports whether the trip contributes to any balance.
func (t Trip) Counts() bool { return t.Status == TripCompleted && !t.Hidden }

// References returns every account the trip points at.
func (t Trip) References() []AccountRef {
	var refs []AccountRef
	if t.MineID != nil {
		refs = append(refs, AccountRef{Type: AccountMine, ID: *t.MineID})
	}
	if t.BuyerID != nil {
		refs = append(refs, AccountRef{Type: AccountBuyer, ID: *t.BuyerID})
	}
	if t.TruckerID != nil {
		refs = append(refs, AccountRef{Type: AccountTrucker, ID: *t.TruckerID})
	}
	return refs
}

// FillTotals derives the totals from weight and unit prices when none were
// supplied. Trips entered with explicit totals are left untouched.
func (t *Trip) FillTotals() {
	if !(t.TotalSale.IsZero() && t.TotalPurchase.IsZero() && t.TotalFreight.IsZero() && t.AmountToRemit.IsZero()) {
		return
	}
	t.TotalPurchase = t.Weight.Mul(t.PurchaseUnitPrice)
	t.TotalSale = t.Weight.Mul(t.SaleUnitPrice)
	t.TotalFreight = t.Weight.Mul(t.FreightUnitPrice).Add(t.OtherFreightCost)
	t.AmountToRemit = t.TotalSale
	if t.FreightPayer == FreightPaidByBuyer {
		t.AmountToRemit = t.TotalSale.Sub(t.TotalFreight)
	}
	t.Profit = t.TotalSale.Sub(t.TotalPurchase).Sub(t.TotalFreight)
}

// =============================================================================
// TRANSACTION - Manual money movement between two parties
// =============================================================================

// Visibility holds the per-view hide flags. They never affect balances.
type Visibility struct {
	GlobalHidden        bool
	HiddenInBuyerView   bool
	HiddenInMineView    bool
	HiddenInTruckerView bool
}

// Transaction moves Amount from From to To.
//
// IsSystemGenerated marks shadow entries that mirror a trip; they are
// excluded from manual balance arithmetic so a trip is never counted twice.
type Transaction struct {
	ID                int64
	From              Party
	To                Party
	Concept           string
	Amount            decimal.Decimal
	Date              time.Time
	Visibility        Visibility
	IsSystemGenerated bool
	CreatedAt         time.Time
}

// References returns every account party of the transaction.
func (tx Transaction) References() []AccountRef {
	var refs []AccountRef
	if r, ok := tx.From.AccountRef(); ok {
		refs = append(refs, r)
	}
	if r, ok := tx.To.AccountRef(); ok {
		refs = append(refs, r)
	}
	return refs
}

// Touches reports whether either side of the transaction is ref.
func (tx Transaction) Touches(ref AccountRef) bool {
	return tx.From.Is(ref) || tx.To.Is(ref)
}

// legacyTripMarker is the concept keyword older clients used for shadow entries.
const legacyTripMarker = "trip"

// ClassifySystemGenerated decides the stored flag for a new transaction.
// Called once at creation; balance code only ever reads the flag.
func ClassifySystemGenerated(explicit bool, concept string) bool {
	return explicit || strings.Contains(strings.ToLower(concept), legacyTripMarker)
}

// =============================================================================
// MONEY HELPERS
// =============================================================================

// BalanceTolerance is the rounding slack allowed when comparing a cached
// balance with a fresh computation.
var BalanceTolerance = decimal.NewFromFloat(0.01)

// ParseMoney parses a decimal, treating empty or invalid input as zero.
func ParseMoney(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// PERIODS
// =============================================================================

// DateRange is an inclusive range of calendar dates.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether the calendar date of t lies within the range,
// boundaries included.
func (r DateRange) Contains(t time.Time) bool {
	d := truncateDay(t)
	return !d.Before(truncateDay(r.From)) && !d.After(truncateDay(r.To))
}

// PreviousMonth returns the calendar month before now's month.
func PreviousMonth(now time.Time) DateRange {
	firstOfThis := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return DateRange{
		From: firstOfThis.AddDate(0, -1, 0),
		To:   firstOfThis.AddDate(0, 0, -1),
	}
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DateLayout is the storage format of calendar dates.
const DateLayout = "2006-01-02"
