package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func idp(n int64) *int64 { return &n }

var (
	mineRef    = AccountRef{Type: AccountMine, ID: 1}
	buyerRef   = AccountRef{Type: AccountBuyer, ID: 1}
	truckerRef = AccountRef{Type: AccountTrucker, ID: 1}
	bank       = Party{Type: PartyBank, ID: "principal"}
	treasury   = Party{Type: PartyTreasury, ID: "caja"}
)

// =============================================================================
// TRIP CONTRIBUTION
// =============================================================================

func TestTripIncome_PerAccountType(t *testing.T) {
	trip := Trip{
		TotalPurchase: d(2_100_000),
		AmountToRemit: d(3_360_000),
		TotalFreight:  d(300_000),
		Status:        TripCompleted,
		FreightPayer:  FreightPaidByUs,
	}

	assert.True(t, TripIncome(AccountMine, trip).Equal(d(2_100_000)))
	assert.True(t, TripIncome(AccountBuyer, trip).Equal(d(-3_360_000)))
	assert.True(t, TripIncome(AccountTrucker, trip).Equal(d(300_000)))
	assert.True(t, TripIncome(AccountThirdParty, trip).IsZero())
}

func TestTripIncome_BuyerPaidFreightSkipsTrucker(t *testing.T) {
	// GIVEN: A completed trip whose freight the buyer settles
	trip := Trip{TotalFreight: d(300_000), Status: TripCompleted, FreightPayer: FreightPaidByBuyer}

	// THEN: The trucker gets nothing from it
	assert.True(t, TripIncome(AccountTrucker, trip).IsZero())
}

func TestTripIncome_PendingAndHiddenExcluded(t *testing.T) {
	pending := Trip{TotalPurchase: d(100), Status: TripPending}
	hidden := Trip{TotalPurchase: d(100), Status: TripCompleted, Hidden: true}

	assert.True(t, TripIncome(AccountMine, pending).IsZero())
	assert.True(t, TripIncome(AccountMine, hidden).IsZero())
	assert.False(t, pending.Counts())
	assert.False(t, hidden.Counts())
}

func TestTripNet_OnlyMatchingAccount(t *testing.T) {
	trips := []Trip{
		{MineID: idp(1), TotalPurchase: d(100), Status: TripCompleted},
		{MineID: idp(2), TotalPurchase: d(999), Status: TripCompleted},
		{TotalPurchase: d(50), Status: TripCompleted},
	}

	assert.True(t, TripNet(mineRef, trips).Equal(d(100)))
}

func TestFillTotals(t *testing.T) {
	trip := Trip{
		Weight:            d(20),
		PurchaseUnitPrice: d(80_000),
		SaleUnitPrice:     d(120_000),
		FreightUnitPrice:  d(15_000),
		OtherFreightCost:  d(10_000),
		FreightPayer:      FreightPaidByBuyer,
	}

	trip.FillTotals()

	assert.True(t, trip.TotalPurchase.Equal(d(1_600_000)))
	assert.True(t, trip.TotalSale.Equal(d(2_400_000)))
	assert.True(t, trip.TotalFreight.Equal(d(310_000)))
	assert.True(t, trip.AmountToRemit.Equal(d(2_090_000)))
	assert.True(t, trip.Profit.Equal(d(490_000)))
}

func TestFillTotals_KeepsExplicitTotals(t *testing.T) {
	trip := Trip{Weight: d(20), PurchaseUnitPrice: d(1), TotalPurchase: d(2_100_000)}

	trip.FillTotals()

	assert.True(t, trip.TotalPurchase.Equal(d(2_100_000)))
}

// =============================================================================
// MANUAL FLOWS
// =============================================================================

func TestManualNet_SignRules(t *testing.T) {
	mine := mineRef.Party()
	txs := []Transaction{
		{From: mine, To: bank, Amount: d(500_000)},
		{From: treasury, To: mine, Amount: d(200_000)},
		{From: mine, To: buyerRef.Party(), Amount: d(1_000)},
	}

	assert.True(t, ManualNet(mineRef, txs).Equal(d(301_000)))
}

func TestManualNet_SkipsSystemGenerated(t *testing.T) {
	txs := []Transaction{
		{From: treasury, To: truckerRef.Party(), Amount: d(300_000), IsSystemGenerated: true},
		{From: treasury, To: truckerRef.Party(), Amount: d(50_000)},
	}

	assert.True(t, ManualNet(truckerRef, txs).Equal(d(-50_000)))
}

func TestManualNet_VisibilityFlagsIgnored(t *testing.T) {
	visible := Transaction{From: treasury, To: buyerRef.Party(), Amount: d(70)}
	hidden := visible
	hidden.Visibility = Visibility{GlobalHidden: true, HiddenInBuyerView: true}

	assert.True(t, ManualNet(buyerRef, []Transaction{visible}).Equal(ManualNet(buyerRef, []Transaction{hidden})))
}

func TestFlowOf_SelfTransferBothSides(t *testing.T) {
	tx := Transaction{From: mineRef.Party(), To: mineRef.Party(), Amount: d(10)}

	f := FlowOf(tx, mineRef)

	assert.True(t, f.Outgoing.Equal(d(10)))
	assert.True(t, f.Incoming.Equal(d(10)))
	assert.True(t, ManualNet(mineRef, []Transaction{tx}).IsZero())
}

func TestComputeBalance_WorkedExamples(t *testing.T) {
	// Mine: completed trip of 2,100,000 plus a partial payment to the bank.
	mineTrips := []Trip{{MineID: idp(1), TotalPurchase: d(2_100_000), Status: TripCompleted}}
	mineTxs := []Transaction{{From: mineRef.Party(), To: bank, Concept: "Pago parcial", Amount: d(500_000)}}
	assert.True(t, ComputeBalance(mineRef, mineTrips, mineTxs).Equal(d(2_600_000)))

	// Buyer: remittance owed on a completed trip.
	buyerTrips := []Trip{{BuyerID: idp(1), AmountToRemit: d(3_360_000), Status: TripCompleted}}
	assert.True(t, ComputeBalance(buyerRef, buyerTrips, nil).Equal(d(-3_360_000)))
}

// =============================================================================
// CLASSIFICATION & PERIODS
// =============================================================================

func TestClassifySystemGenerated(t *testing.T) {
	assert.True(t, ClassifySystemGenerated(true, "Anticipo"))
	assert.True(t, ClassifySystemGenerated(false, "Flete TRIP TR-1"))
	assert.False(t, ClassifySystemGenerated(false, "Pago parcial"))
}

func TestPreviousMonth_Boundaries(t *testing.T) {
	r := PreviousMonth(time.Date(2025, time.March, 15, 10, 0, 0, 0, time.UTC))

	assert.True(t, r.Contains(time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, r.Contains(time.Date(2025, time.February, 28, 23, 59, 0, 0, time.UTC)))
	assert.False(t, r.Contains(time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)))
	assert.False(t, r.Contains(time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)))

	jan := PreviousMonth(time.Date(2025, time.January, 3, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.December, jan.From.Month())
	assert.Equal(t, 2024, jan.From.Year())
	assert.Equal(t, 31, jan.To.Day())
}

func TestParseAccountType(t *testing.T) {
	for in, want := range map[string]AccountType{
		"mine": AccountMine, "Minas": AccountMine, "compradores": AccountBuyer,
		"volquetero": AccountTrucker, "terceros": AccountThirdParty,
	} {
		got, err := ParseAccountType(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseAccountType("bank")
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestNormalizeDriverName(t *testing.T) {
	assert.Equal(t, "juan perez", NormalizeDriverName("  Juan   PEREZ "))
	assert.Equal(t, "", NormalizeDriverName("   "))
}

func TestNewEvent_SortsAndDedupes(t *testing.T) {
	ev := NewEvent(EventFused, "fusion", AccountRef{Type: AccountMine, ID: 2}, AccountRef{Type: AccountMine, ID: 1}, AccountRef{Type: AccountMine, ID: 2})

	assert.Equal(t, []AccountType{AccountMine}, ev.AffectedAccountTypes)
	assert.Equal(t, []int64{1, 2}, ev.AffectedAccountIDs)
	assert.NotEmpty(t, ev.ID)
}

func TestLockKeys_Sorted(t *testing.T) {
	keys := lockKeys(AccountRef{Type: AccountMine, ID: 9}, AccountRef{Type: AccountMine, ID: 10})

	assert.Equal(t, []string{"fusion:mine:10", "fusion:mine:9"}, keys)
}
