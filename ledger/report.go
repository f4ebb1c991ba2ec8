/*
report.go - Aggregate Balance Reporter

PURPOSE:
  Computes balances, trip counts and last-month trip counts for every account
  of a type in a fixed number of queries, for list views. Calling the
  Calculator per account would cost O(accounts) queries.

ALGORITHM:
  1. One grouped trip query for the type (counts + income per account).
  2. One cache listing. Fresh entries are used as-is.
  3. For stale or never-computed entries only, one grouped manual-flow query,
     combined with the trip income from step 1 using the same SignRule as
     the Calculator.

"Last month" is the previous calendar month of Now, both ends inclusive.
*/
package ledger

import (
	"context"
	"time"

	"github.com/rodmar/ledger-engine/metrics"
	"github.com/shopspring/decimal"
)

// AccountBalance is one row of a list view.
type AccountBalance struct {
	Account            Account
	Balance            decimal.Decimal
	TripCount          int
	TripCountLastMonth int
	FromCache          bool
}

// Reporter is the batch counterpart of the Calculator.
type Reporter struct {
	Store Store
	Now   func() time.Time
}

func NewReporter(store Store) *Reporter {
	return &Reporter{Store: store, Now: func() time.Time { return time.Now().UTC() }}
}

// AllBalances returns every account of type t keyed by id.
func (r *Reporter) AllBalances(ctx context.Context, t AccountType) (map[int64]AccountBalance, error) {
	if !t.Valid() {
		return nil, ErrInvalidOperation
	}
	timer := time.Now()
	defer func() {
		metrics.AggregateDuration.WithLabelValues(string(t)).Observe(time.Since(timer).Seconds())
	}()

	accounts, err := r.Store.ListAccounts(ctx, t)
	if err != nil {
		return nil, err
	}

	var trips map[int64]TripAggregate
	if t != AccountThirdParty {
		trips, err = r.Store.TripAggregates(ctx, t, PreviousMonth(r.Now()))
		if err != nil {
			return nil, err
		}
	}

	entries, err := r.Store.ListCacheEntries(ctx, t)
	if err != nil {
		return nil, err
	}
	cached := make(map[int64]CacheEntry, len(entries))
	var staleIDs []int64
	for _, e := range entries {
		cached[e.Ref.ID] = e
		if !e.Fresh() {
			staleIDs = append(staleIDs, e.Ref.ID)
		}
	}

	var flows map[int64]ManualFlow
	if len(staleIDs) > 0 {
		flows, err = r.Store.ManualFlows(ctx, t, staleIDs)
		if err != nil {
			return nil, err
		}
	}

	rule := SignRules[t]
	out := make(map[int64]AccountBalance, len(accounts))
	for _, a := range accounts {
		agg := trips[a.ID]
		row := AccountBalance{
			Account:            a,
			TripCount:          agg.TripCount,
			TripCountLastMonth: agg.TripCountLastMonth,
		}
		if e, ok := cached[a.ID]; ok && e.Fresh() {
			row.Balance = e.Balance
			row.FromCache = true
		} else {
			row.Balance = agg.Income.Add(rule.Net(flows[a.ID]))
		}
		out[a.ID] = row
	}
	return out, nil
}
