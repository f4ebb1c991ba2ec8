/*
reversal.go - Fusion Reversal

PURPOSE:
  Undoes a fusion from its FusionBackup: re-creates the source account with
  its original id and re-points the recorded transactions and trips back.

GUARANTEE:
  Reversal is best-effort over the CURRENT state, not a rollback to a
  historical snapshot:
  - Rows deleted since the fusion are skipped and counted.
  - A transaction side is only moved back if it still points at the
    destination; sides edited to point elsewhere are left alone.
  - A transaction row whose restore fails is rolled back to a savepoint,
    logged and counted; the rest of the batch continues.
  Everything else (account insert, backup flag) is all-or-nothing.

A backup can be reverted at most once.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/rodmar/ledger-engine/metrics"
	"github.com/sirupsen/logrus"
)

// RevertResult is returned by Revert.
type RevertResult struct {
	BackupID             int64
	RestoredAccountName  string
	TransactionsRestored int
	TripsRestored        int
	TransactionsSkipped  int
	TripsSkipped         int
	RowsFailed           int
}

// Partial returns a *PartialReversalError when some rows could not be
// restored, nil otherwise. The reversal has committed either way.
func (r RevertResult) Partial() error {
	if r.TransactionsSkipped == 0 && r.TripsSkipped == 0 && r.RowsFailed == 0 {
		return nil
	}
	return &PartialReversalError{
		BackupID:            r.BackupID,
		TransactionsSkipped: r.TransactionsSkipped,
		TripsSkipped:        r.TripsSkipped,
		RowsFailed:          r.RowsFailed,
	}
}

// Revert restores the source account of a fusion.
func (e *FusionEngine) Revert(ctx context.Context, backupID int64, userID string) (RevertResult, error) {
	result := RevertResult{BackupID: backupID}

	// Read once outside the transaction to know which accounts to lock; the
	// reverted flag is checked again under the lock.
	pre, err := e.Store.GetBackup(ctx, backupID)
	if err != nil {
		return result, err
	}
	if pre.Reverted {
		return result, ErrAlreadyReverted
	}
	src, dst := pre.SourceRef(), pre.DestinationRef()

	unlock, err := e.lock(ctx, src, dst)
	if err != nil {
		return result, err
	}
	defer unlock()

	log := e.Logger.WithFields(logrus.Fields{
		"module":    "ledger",
		"func":      "Revert",
		"backup_id": backupID,
		"user":      userID,
	})

	// Accounts other than source/destination whose trips get pulled back.
	var touched []AccountRef

	err = e.Store.WithTx(ctx, func(s Store) error {
		b, err := s.GetBackup(ctx, backupID)
		if err != nil {
			return err
		}
		if b.Reverted {
			return ErrAlreadyReverted
		}
		if err := s.LockAccounts(ctx, dst); err != nil {
			return err
		}

		_, err = s.GetAccount(ctx, src)
		switch {
		case err == nil:
			return fmt.Errorf("%w: account %s already exists", ErrInvalidOperation, src)
		case !IsNotFound(err):
			return err
		}

		// Restored stale: the snapshot's cached balance predates the fusion.
		snap := b.Snapshot.Source
		snap.Cache.Ref = src
		snap.Cache.Stale = true
		if err := s.RestoreAccount(ctx, snap); err != nil {
			return fmt.Errorf("restore account %s: %w", src, err)
		}
		result.RestoredAccountName = snap.Account.Name

		for _, affected := range b.Transactions {
			tx, err := s.GetTransaction(ctx, affected.ID)
			if IsNotFound(err) {
				result.TransactionsSkipped++
				continue
			}
			if err != nil {
				return err
			}

			err = s.WithSavepoint(ctx, "revert_tx", func(sp Store) error {
				tx.Concept = affected.OriginalConcept
				if affected.FromSource && tx.From.Is(dst) {
					tx.From = src.Party()
				}
				if affected.ToSource && tx.To.Is(dst) {
					tx.To = src.Party()
				}
				return sp.UpdateTransaction(ctx, *tx)
			})
			if err != nil {
				result.RowsFailed++
				log.WithField("transaction_id", affected.ID).WithError(err).Error("transaction not restored")
				continue
			}
			result.TransactionsRestored++
		}

		for _, tripID := range b.TripIDs {
			trip, err := s.GetTrip(ctx, tripID)
			if IsNotFound(err) {
				result.TripsSkipped++
				continue
			}
			if err != nil {
				return err
			}
			if cur, ok := tripReference(*trip, b.EntityType); ok && cur != dst {
				touched = append(touched, cur)
			}
			name := b.SourceName
			if original, ok := b.DriverNames[tripID]; ok {
				name = original
			}
			pointTripAt(trip, src, name)
			if err := s.UpdateTrip(ctx, *trip); err != nil {
				return fmt.Errorf("restore trip %s: %w", tripID, err)
			}
			result.TripsRestored++
		}

		for _, alias := range b.Aliases {
			if err := s.SaveAlias(ctx, alias, src.ID); err != nil {
				return fmt.Errorf("restore alias %q: %w", alias, err)
			}
		}

		return s.MarkReverted(ctx, backupID, userID, e.Now())
	})
	if err != nil {
		metrics.Fusions.WithLabelValues("revert", string(src.Type), string(FusionRolledBack)).Inc()
		if !errors.Is(err, ErrAlreadyReverted) {
			log.WithError(err).Warn("fusion reversal rolled back")
		}
		return RevertResult{BackupID: backupID}, err
	}

	metrics.Fusions.WithLabelValues("revert", string(src.Type), string(FusionCommitted)).Inc()
	entry := log.WithFields(logrus.Fields{
		"restored_transactions": result.TransactionsRestored,
		"restored_trips":        result.TripsRestored,
	})
	if partial := result.Partial(); partial != nil {
		entry.WithError(partial).Warn("fusion partially reverted")
	} else {
		entry.Info("fusion reverted")
	}

	refs := append([]AccountRef{src, dst}, touched...)
	refreshErr := e.Cache.Refresh(ctx, refs...)
	e.notify(ctx, NewEvent(EventReverted, "fusion", refs...))
	return result, refreshErr
}

// History lists the fusions created by userID, newest first.
func (e *FusionEngine) History(ctx context.Context, userID string) ([]FusionBackup, error) {
	return e.Store.ListBackups(ctx, userID)
}
