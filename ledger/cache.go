/*
cache.go - Staleness Cache

PURPOSE:
  Keeps a cached balance per account so list and detail views do not rerun
  the Balance Calculator on every read.

PROTOCOL:
  1. Any write touching account A calls Refresh(A): MarkStale then Recompute,
     inline with the write. The cache is refreshed eagerly, not on read.
  2. A stale flag that survives a write means the recompute failed. It is
     surfaced through StaleAccounts and the stale-balance scheduler.
  3. Validate recomputes from scratch and compares with the cached value.
     Mismatches beyond BalanceTolerance are reported, never auto-corrected,
     so an operator can audit before trusting a silent fix.

SEE ALSO:
  - balance.go: the formula being cached
  - service.go: the write paths that call Refresh
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rodmar/ledger-engine/metrics"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// BalanceCache wraps the Calculator with the cached-balance columns.
type BalanceCache struct {
	Store      Store
	Calculator *Calculator
	Logger     logrus.FieldLogger
	Now        func() time.Time
}

func NewBalanceCache(store Store, logger logrus.FieldLogger) *BalanceCache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &BalanceCache{
		Store:      store,
		Calculator: NewCalculator(store),
		Logger:     logger,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// MarkStale flags the cached balance as outdated. Idempotent.
func (c *BalanceCache) MarkStale(ctx context.Context, ref AccountRef) error {
	return c.Store.MarkStale(ctx, ref)
}

// Recompute runs the calculator and stores the result as a fresh entry.
func (c *BalanceCache) Recompute(ctx context.Context, ref AccountRef) (decimal.Decimal, error) {
	balance, err := c.Calculator.Compute(ctx, ref)
	if err != nil {
		metrics.Recomputes.WithLabelValues(string(ref.Type), metrics.ResultError).Inc()
		return decimal.Zero, err
	}

	entry := CacheEntry{Ref: ref, Balance: balance, Stale: false, RecomputedAt: c.Now()}
	if err := c.Store.SaveCacheEntry(ctx, entry); err != nil {
		metrics.Recomputes.WithLabelValues(string(ref.Type), metrics.ResultError).Inc()
		return decimal.Zero, fmt.Errorf("save cached balance of %s: %w", ref, err)
	}
	metrics.Recomputes.WithLabelValues(string(ref.Type), metrics.ResultOK).Inc()
	return balance, nil
}

// Read returns the cached entry as stored, stale or not.
func (c *BalanceCache) Read(ctx context.Context, ref AccountRef) (CacheEntry, error) {
	return c.Store.GetCacheEntry(ctx, ref)
}

// Get returns a usable balance: the cached one when fresh, otherwise a
// recomputed one.
func (c *BalanceCache) Get(ctx context.Context, ref AccountRef) (CacheEntry, error) {
	entry, err := c.Read(ctx, ref)
	if err != nil {
		return CacheEntry{}, err
	}
	if entry.Fresh() {
		return entry, nil
	}
	if _, err := c.Recompute(ctx, ref); err != nil {
		return CacheEntry{}, err
	}
	return c.Read(ctx, ref)
}

// Refresh marks every ref stale and recomputes it. All refs are attempted;
// failures are logged at error level and returned as a *RefreshError, because
// a stale balance left behind by a write is the main thing this cache must
// prevent.
func (c *BalanceCache) Refresh(ctx context.Context, refs ...AccountRef) error {
	var (
		errs   []error
		failed []AccountRef
	)
	for _, ref := range dedupeRefs(refs) {
		if err := c.MarkStale(ctx, ref); err != nil {
			if IsNotFound(err) {
				continue
			}
			failed = append(failed, ref)
			errs = append(errs, fmt.Errorf("mark %s stale: %w", ref, err))
			continue
		}
		if _, err := c.Recompute(ctx, ref); err != nil {
			c.Logger.WithFields(logrus.Fields{
				"module":  "ledger",
				"func":    "Refresh",
				"account": ref.String(),
			}).WithError(err).Error("balance recompute failed after write; account left stale")
			failed = append(failed, ref)
			errs = append(errs, fmt.Errorf("recompute %s: %w", ref, err))
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &RefreshError{Refs: failed, Err: errors.Join(errs...)}
}

// StaleAccounts lists entries whose stale flag survived, and records the
// count as a gauge for alerting.
func (c *BalanceCache) StaleAccounts(ctx context.Context) ([]CacheEntry, error) {
	entries, err := c.Store.ListStale(ctx)
	if err != nil {
		return nil, err
	}
	metrics.StaleAccounts.Set(float64(len(entries)))
	return entries, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validation is the verdict of comparing a cached balance with a fresh one.
type Validation struct {
	Ref        AccountRef
	Cached     decimal.Decimal
	Computed   decimal.Decimal
	Difference decimal.Decimal
	Stale      bool
	Valid      bool
}

// Err returns a *StaleBalanceError for an invalid verdict, nil otherwise.
func (v Validation) Err() error {
	if v.Valid {
		return nil
	}
	return &StaleBalanceError{Ref: v.Ref, Cached: v.Cached, Computed: v.Computed}
}

// Validate recomputes ref from scratch without writing and compares it with
// the cached value.
func (c *BalanceCache) Validate(ctx context.Context, ref AccountRef) (Validation, error) {
	entry, err := c.Read(ctx, ref)
	if err != nil {
		return Validation{}, err
	}
	computed, err := c.Calculator.Compute(ctx, ref)
	if err != nil {
		return Validation{}, err
	}

	diff := computed.Sub(entry.Balance)
	v := Validation{
		Ref:        ref,
		Cached:     entry.Balance,
		Computed:   computed,
		Difference: diff,
		Stale:      entry.Stale,
		Valid:      diff.Abs().LessThanOrEqual(BalanceTolerance),
	}
	if v.Valid {
		metrics.Validations.WithLabelValues("valid").Inc()
		return v, nil
	}

	metrics.Validations.WithLabelValues("mismatch").Inc()
	c.Logger.WithFields(logrus.Fields{
		"module":   "ledger",
		"func":     "Validate",
		"account":  ref.String(),
		"cached":   entry.Balance.StringFixed(2),
		"computed": computed.StringFixed(2),
	}).Warn("cached balance disagrees with computation; missed invalidation")
	return v, nil
}

// =============================================================================
// RECALCULATE ALL
// =============================================================================

// RecalcSummary reports a bulk recompute.
type RecalcSummary struct {
	Accounts int
	Changed  int
	Failed   int
}

// RecalculateAll recomputes every account of the given types (all types when
// none are given). It keeps going past individual failures.
func (c *BalanceCache) RecalculateAll(ctx context.Context, types ...AccountType) (RecalcSummary, error) {
	if len(types) == 0 {
		types = AccountTypes
	}

	var summary RecalcSummary
	var errs []error
	for _, t := range types {
		entries, err := c.Store.ListCacheEntries(ctx, t)
		if err != nil {
			return summary, err
		}
		for _, entry := range entries {
			summary.Accounts++
			balance, err := c.Recompute(ctx, entry.Ref)
			if err != nil {
				summary.Failed++
				errs = append(errs, err)
				continue
			}
			if !balance.Equal(entry.Balance) {
				summary.Changed++
			}
		}
	}

	c.Logger.WithFields(logrus.Fields{
		"module":   "ledger",
		"func":     "RecalculateAll",
		"accounts": summary.Accounts,
		"changed":  summary.Changed,
		"failed":   summary.Failed,
	}).Info("balances recalculated")
	return summary, errors.Join(errs...)
}

func dedupeRefs(refs []AccountRef) []AccountRef {
	seen := make(map[AccountRef]bool, len(refs))
	out := make([]AccountRef, 0, len(refs))
	for _, r := range refs {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}
