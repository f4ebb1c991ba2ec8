/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Lookup errors      - NotFound
  2. Operation errors   - InvalidOperation, AlreadyReverted
  3. Reported outcomes  - PartialReversal, StaleBalanceDetected, RefreshFailed
                          (the write or reversal stands)
  4. Infrastructure     - DataLayerUnavailable (no retry at this layer)

USAGE:
  if errors.Is(err, ledger.ErrAlreadyReverted) {
      // 409
  }

  var stale *ledger.StaleBalanceError
  if errors.As(err, &stale) {
      // show stale.Cached vs stale.Computed to an operator
  }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when an account, trip, transaction or backup
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyReverted is returned when reverting a backup twice.
	ErrAlreadyReverted = errors.New("fusion already reverted")

	// ErrInvalidOperation is returned for requests that can never succeed,
	// such as fusing an account into itself.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrPartialReversal marks a reversal that skipped rows deleted since the
	// fusion. The reversal itself committed.
	ErrPartialReversal = errors.New("partial reversal")

	// ErrStaleBalanceDetected marks a cached balance that disagrees with a
	// fresh computation beyond BalanceTolerance.
	ErrStaleBalanceDetected = errors.New("stale balance detected")

	// ErrDataLayerUnavailable wraps connectivity faults from the store.
	ErrDataLayerUnavailable = errors.New("data layer unavailable")

	// ErrLockNotObtained is returned when another fusion holds an account.
	ErrLockNotObtained = errors.New("account is locked by another fusion")

	// ErrRefreshFailed marks a write that committed but whose balance refresh
	// did not finish. The affected accounts stay stale.
	ErrRefreshFailed = errors.New("balance refresh failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names what was missing.
type NotFoundError struct {
	Kind string // "account", "trip", "transaction", "fusion backup"
	Key  string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.Key) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func accountNotFound(ref AccountRef) error {
	return &NotFoundError{Kind: "account", Key: ref.String()}
}

// PartialReversalError reports rows a reversal could not restore.
type PartialReversalError struct {
	BackupID            int64
	TransactionsSkipped int
	TripsSkipped        int
	RowsFailed          int
}

func (e *PartialReversalError) Error() string {
	return fmt.Sprintf("fusion %d partially reverted: %d transactions skipped, %d trips skipped, %d rows failed",
		e.BackupID, e.TransactionsSkipped, e.TripsSkipped, e.RowsFailed)
}

func (e *PartialReversalError) Unwrap() error { return ErrPartialReversal }

// RefreshError lists the accounts a post-commit refresh left stale.
type RefreshError struct {
	Refs []AccountRef
	Err  error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("balance refresh failed for %d account(s): %v", len(e.Refs), e.Err)
}

func (e *RefreshError) Unwrap() []error { return []error{ErrRefreshFailed, e.Err} }

// StaleBalanceError reports a cache/computation mismatch for operator review.
type StaleBalanceError struct {
	Ref      AccountRef
	Cached   decimal.Decimal
	Computed decimal.Decimal
}

func (e *StaleBalanceError) Error() string {
	return fmt.Sprintf("stale balance for %s: cached %s, computed %s",
		e.Ref, e.Cached.StringFixed(2), e.Computed.StringFixed(2))
}

func (e *StaleBalanceError) Unwrap() error { return ErrStaleBalanceDetected }

// unavailable wraps a store error so callers can test for it with errors.Is
// while keeping the original error in the chain.
func unavailable(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, ErrDataLayerUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrDataLayerUnavailable, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidOperation) || errors.Is(err, ErrAlreadyReverted)
}

// IsRetryable returns true if the same request may succeed later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockNotObtained) || errors.Is(err, ErrDataLayerUnavailable)
}
