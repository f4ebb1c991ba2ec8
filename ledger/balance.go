/*
balance.go - Balance Calculator

PURPOSE:
  Derives an account's signed balance from the trips and manual transactions
  that reference it. This is the single source of truth the cache and the
  aggregate reporter must agree with.

FORMULAS:
  mine        = Σ TotalPurchase(counted trips)             + manual net
  buyer       = −Σ AmountToRemit(counted trips)             + manual net
  trucker     = Σ TotalFreight(counted trips, not buyer-paid) + manual net
  third party =                                               manual net

  A trip is counted when completed and not hidden. Manual net skips
  system-generated transactions; see SignRule for the per-type signs.

SIGN CONVENTIONS:
  Positive means the business owes the account; negative means the account
  owes the business. Buyers therefore start negative (they owe remittance).
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SIGN RULES
// =============================================================================

// SignRule gives the multiplier for each manual flow shape. The three-way
// split (origin, origin-to-treasury, destination) is a business convention;
// keep it per type even where the numbers coincide.
type SignRule struct {
	Origin           decimal.Decimal
	OriginToTreasury decimal.Decimal
	Destination      decimal.Decimal
}

var (
	plusOne  = decimal.NewFromInt(1)
	minusOne = decimal.NewFromInt(-1)
)

// SignRules is indexed by account type.
var SignRules = map[AccountType]SignRule{
	// Money leaving the mine (loan, advance, deposit to our bank) raises what
	// we owe it; money paid to the mine lowers it.
	AccountMine: {Origin: plusOne, OriginToTreasury: plusOne, Destination: minusOne},
	// A buyer paying reduces its debt; a loan to the buyer increases it.
	AccountBuyer:      {Origin: plusOne, OriginToTreasury: plusOne, Destination: minusOne},
	AccountTrucker:    {Origin: plusOne, OriginToTreasury: plusOne, Destination: minusOne},
	AccountThirdParty: {Origin: plusOne, OriginToTreasury: plusOne, Destination: minusOne},
}

// Net applies the rule to an aggregated flow.
func (r SignRule) Net(f ManualFlow) decimal.Decimal {
	return f.Outgoing.Mul(r.Origin).
		Add(f.OutgoingToTreasury.Mul(r.OriginToTreasury)).
		Add(f.Incoming.Mul(r.Destination))
}

// =============================================================================
// PURE FUNCTIONS
// =============================================================================

// FlowOf classifies a single transaction from ref's point of view.
// System-generated transactions and transactions not touching ref yield a
// zero flow. A transfer from ref to itself shows up on both sides.
func FlowOf(tx Transaction, ref AccountRef) ManualFlow {
	f := ManualFlow{Outgoing: decimal.Zero, OutgoingToTreasury: decimal.Zero, Incoming: decimal.Zero}
	if tx.IsSystemGenerated {
		return f
	}
	if tx.From.Is(ref) {
		if tx.To.Type.IsTreasury() {
			f.OutgoingToTreasury = tx.Amount
		} else {
			f.Outgoing = tx.Amount
		}
	}
	if tx.To.Is(ref) {
		f.Incoming = tx.Amount
	}
	return f
}

// ManualNet sums the signed manual contribution of txs to ref.
func ManualNet(ref AccountRef, txs []Transaction) decimal.Decimal {
	total := ManualFlow{Outgoing: decimal.Zero, OutgoingToTreasury: decimal.Zero, Incoming: decimal.Zero}
	for _, tx := range txs {
		total = total.Add(FlowOf(tx, ref))
	}
	return SignRules[ref.Type].Net(total)
}

// TripIncome is the trip contribution of a single trip to an account of
// type t, before the account is matched. Uncounted trips contribute zero.
func TripIncome(t AccountType, trip Trip) decimal.Decimal {
	if !trip.Counts() {
		return decimal.Zero
	}
	switch t {
	case AccountMine:
		return trip.TotalPurchase
	case AccountBuyer:
		return trip.AmountToRemit.Neg()
	case AccountTrucker:
		if trip.FreightPayer == FreightPaidByBuyer {
			return decimal.Zero
		}
		return trip.TotalFreight
	}
	return decimal.Zero
}

// tripMatches reports whether the trip references ref.
func tripMatches(trip Trip, ref AccountRef) bool {
	r, ok := tripReference(trip, ref.Type)
	return ok && r == ref
}

// TripNet sums the trip contribution to ref.
func TripNet(ref AccountRef, trips []Trip) decimal.Decimal {
	total := decimal.Zero
	for _, trip := range trips {
		if tripMatches(trip, ref) {
			total = total.Add(TripIncome(ref.Type, trip))
		}
	}
	return total
}

// ComputeBalance is the pure balance formula over already-loaded rows.
func ComputeBalance(ref AccountRef, trips []Trip, txs []Transaction) decimal.Decimal {
	return TripNet(ref, trips).Add(ManualNet(ref, txs))
}

// =============================================================================
// CALCULATOR - Loads rows and applies the formula
// =============================================================================

// Calculator computes balances straight from the store. It has no cache and
// no retry; store errors go back to the caller.
type Calculator struct {
	Store Store
}

func NewCalculator(store Store) *Calculator {
	return &Calculator{Store: store}
}

// Compute returns the balance of ref, or ErrNotFound if the account does not
// exist.
func (c *Calculator) Compute(ctx context.Context, ref AccountRef) (decimal.Decimal, error) {
	if !ref.Type.Valid() {
		return decimal.Zero, accountNotFound(ref)
	}
	if _, err := c.Store.GetAccount(ctx, ref); err != nil {
		return decimal.Zero, unavailable("load account", err)
	}

	var trips []Trip
	if ref.Type != AccountThirdParty {
		var err error
		trips, err = c.Store.TripsByAccount(ctx, ref)
		if err != nil {
			return decimal.Zero, unavailable("load trips", err)
		}
	}

	txs, err := c.Store.TransactionsByParty(ctx, ref.Party())
	if err != nil {
		return decimal.Zero, unavailable("load transactions", err)
	}

	return ComputeBalance(ref, trips, txs), nil
}
