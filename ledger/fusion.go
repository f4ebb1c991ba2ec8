/*
fusion.go - Fusion Engine

PURPOSE:
  Merges two accounts of the same type: every transaction and trip that
  points at the source is re-pointed at the destination, the source row is
  deleted, and a FusionBackup records enough to revert later.

ALGORITHM (one database transaction):
  1. Lock and load both accounts (identity + cache columns).
  2. Collect the source's transactions, trips and (truckers) driver aliases.
  3. Persist the FusionBackup.
  4. Re-point each transaction side that matched the source, and replace the
     source's display name with the destination's in the concept text
     (case-insensitive, every occurrence).
  5. Re-point each trip (mine id / buyer id / trucker id + driver name).
  6. Delete the source account.
  After commit the destination balance is refreshed and a "fused" event is
  emitted.

CONCURRENCY:
  A Locker serializes fusions touching the same accounts across goroutines
  or processes; inside the transaction LockAccounts takes row locks where
  the database supports them. Two fusions over overlapping accounts
  therefore run one after the other.

SEE ALSO:
  - reversal.go: undoing a fusion from its backup
*/
package ledger

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/rodmar/ledger-engine/metrics"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// BACKUP RECORD
// =============================================================================

// FusionSnapshot holds both accounts' full rows as they were before fusing.
type FusionSnapshot struct {
	Source      AccountSnapshot `json:"source"`
	Destination AccountSnapshot `json:"destination"`
}

// AffectedTransaction records a moved transaction and which of its sides
// pointed at the source.
type AffectedTransaction struct {
	ID              int64  `json:"id"`
	OriginalConcept string `json:"originalConcept"`
	FromSource      bool   `json:"fromSource"`
	ToSource        bool   `json:"toSource"`
}

// FusionBackup is the durable record that makes a fusion reversible.
// Immutable except for the reverted fields.
type FusionBackup struct {
	ID              int64
	EntityType      AccountType
	SourceID        int64
	DestinationID   int64
	SourceName      string
	DestinationName string
	Snapshot        FusionSnapshot
	Transactions    []AffectedTransaction
	TripIDs         []string
	Aliases         []string
	UserID          string
	FusedAt         time.Time
	Reverted        bool
	RevertedAt      *time.Time
	RevertedBy      string

	// DriverNames maps trip id to the driver name the trip carried before a
	// trucker fusion renamed it.
	DriverNames map[string]string
}

func (b FusionBackup) SourceRef() AccountRef {
	return AccountRef{Type: b.EntityType, ID: b.SourceID}
}

func (b FusionBackup) DestinationRef() AccountRef {
	return AccountRef{Type: b.EntityType, ID: b.DestinationID}
}

// =============================================================================
// ENGINE
// =============================================================================

// FusionOutcome tells whether the fusion's database transaction committed.
type FusionOutcome string

const (
	FusionCommitted  FusionOutcome = "committed"
	FusionRolledBack FusionOutcome = "rolled_back"
)

// FusionResult is returned by Fuse.
type FusionResult struct {
	BackupID          int64
	TransactionsMoved int
	TripsMoved        int
	Outcome           FusionOutcome
}

// FusionEngine runs fusions and reversals.
type FusionEngine struct {
	Store    TxStore
	Cache    *BalanceCache
	Locker   Locker
	Notifier Notifier
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

func NewFusionEngine(store TxStore, cache *BalanceCache, locker Locker, notifier Notifier, logger logrus.FieldLogger) *FusionEngine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FusionEngine{
		Store:    store,
		Cache:    cache,
		Locker:   locker,
		Notifier: notifier,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Fuse merges source into destination. On success the source no longer
// exists and every reference to it points at destination.
//
// A non-nil error with Outcome == FusionCommitted means the fusion is in
// place but the destination balance could not be refreshed.
func (e *FusionEngine) Fuse(ctx context.Context, t AccountType, sourceID, destinationID int64, userID string) (FusionResult, error) {
	result := FusionResult{Outcome: FusionRolledBack}
	if !t.Valid() {
		return result, fmt.Errorf("%w: unknown entity type %q", ErrInvalidOperation, t)
	}
	if sourceID == destinationID {
		return result, fmt.Errorf("%w: cannot fuse %s:%d into itself", ErrInvalidOperation, t, sourceID)
	}
	src := AccountRef{Type: t, ID: sourceID}
	dst := AccountRef{Type: t, ID: destinationID}

	unlock, err := e.lock(ctx, src, dst)
	if err != nil {
		return result, err
	}
	defer unlock()

	log := e.Logger.WithFields(logrus.Fields{
		"module":      "ledger",
		"func":        "Fuse",
		"source":      src.String(),
		"destination": dst.String(),
		"user":        userID,
	})

	err = e.Store.WithTx(ctx, func(s Store) error {
		if err := s.LockAccounts(ctx, src, dst); err != nil {
			return err
		}
		srcSnap, err := loadSnapshot(ctx, s, src)
		if err != nil {
			return err
		}
		dstSnap, err := loadSnapshot(ctx, s, dst)
		if err != nil {
			return err
		}

		txs, err := s.TransactionsByParty(ctx, src.Party())
		if err != nil {
			return err
		}
		var trips []Trip
		if t != AccountThirdParty {
			if trips, err = s.TripsByAccount(ctx, src); err != nil {
				return err
			}
		}
		var aliases []string
		if t == AccountTrucker {
			if aliases, err = s.AliasesFor(ctx, sourceID); err != nil {
				return err
			}
		}

		backup := FusionBackup{
			EntityType:      t,
			SourceID:        sourceID,
			DestinationID:   destinationID,
			SourceName:      srcSnap.Account.Name,
			DestinationName: dstSnap.Account.Name,
			Snapshot:        FusionSnapshot{Source: srcSnap, Destination: dstSnap},
			Aliases:         aliases,
			UserID:          userID,
			FusedAt:         e.Now(),
		}
		for _, tx := range txs {
			backup.Transactions = append(backup.Transactions, AffectedTransaction{
				ID:              tx.ID,
				OriginalConcept: tx.Concept,
				FromSource:      tx.From.Is(src),
				ToSource:        tx.To.Is(src),
			})
		}
		for _, trip := range trips {
			backup.TripIDs = append(backup.TripIDs, trip.ID)
			if t == AccountTrucker {
				if backup.DriverNames == nil {
					backup.DriverNames = make(map[string]string, len(trips))
				}
				backup.DriverNames[trip.ID] = trip.DriverName
			}
		}

		backupID, err := s.SaveBackup(ctx, backup)
		if err != nil {
			return fmt.Errorf("save fusion backup: %w", err)
		}

		rename := nameReplacer(srcSnap.Account.Name)
		for _, tx := range txs {
			if tx.From.Is(src) {
				tx.From = dst.Party()
			}
			if tx.To.Is(src) {
				tx.To = dst.Party()
			}
			if rename != nil {
				tx.Concept = rename.ReplaceAllLiteralString(tx.Concept, dstSnap.Account.Name)
			}
			if err := s.UpdateTransaction(ctx, tx); err != nil {
				return fmt.Errorf("repoint transaction %d: %w", tx.ID, err)
			}
		}

		for _, trip := range trips {
			pointTripAt(&trip, dst, dstSnap.Account.Name)
			if err := s.UpdateTrip(ctx, trip); err != nil {
				return fmt.Errorf("repoint trip %s: %w", trip.ID, err)
			}
		}

		for _, alias := range aliases {
			if err := s.SaveAlias(ctx, alias, destinationID); err != nil {
				return fmt.Errorf("repoint alias %q: %w", alias, err)
			}
		}

		if err := s.DeleteAccount(ctx, src); err != nil {
			return fmt.Errorf("delete source account: %w", err)
		}

		result.BackupID = backupID
		result.TransactionsMoved = len(txs)
		result.TripsMoved = len(trips)
		return nil
	})
	if err != nil {
		metrics.Fusions.WithLabelValues("fuse", string(t), string(FusionRolledBack)).Inc()
		log.WithError(err).Warn("fusion rolled back")
		return FusionResult{Outcome: FusionRolledBack}, err
	}

	result.Outcome = FusionCommitted
	metrics.Fusions.WithLabelValues("fuse", string(t), string(FusionCommitted)).Inc()
	log.WithFields(logrus.Fields{
		"backup_id":    result.BackupID,
		"transactions": result.TransactionsMoved,
		"trips":        result.TripsMoved,
	}).Info("accounts fused")

	refreshErr := e.Cache.Refresh(ctx, dst)
	e.notify(ctx, NewEvent(EventFused, "fusion", src, dst))
	return result, refreshErr
}

func (e *FusionEngine) lock(ctx context.Context, refs ...AccountRef) (func(), error) {
	if e.Locker == nil {
		return func() {}, nil
	}
	return e.Locker.Lock(ctx, lockKeys(refs...)...)
}

func (e *FusionEngine) notify(ctx context.Context, ev Event) {
	if err := e.Notifier.Notify(ctx, ev); err != nil {
		e.Logger.WithFields(logrus.Fields{
			"module": "ledger",
			"event":  ev.Type,
		}).WithError(err).Warn("change notification not delivered")
	}
}

// loadSnapshot reads identity and cache columns of an account.
func loadSnapshot(ctx context.Context, s Store, ref AccountRef) (AccountSnapshot, error) {
	acc, err := s.GetAccount(ctx, ref)
	if err != nil {
		return AccountSnapshot{}, err
	}
	cache, err := s.GetCacheEntry(ctx, ref)
	if err != nil {
		return AccountSnapshot{}, err
	}
	return AccountSnapshot{Account: *acc, Cache: cache}, nil
}

// pointTripAt re-points the trip's reference of ref.Type at ref.
func pointTripAt(trip *Trip, ref AccountRef, name string) {
	id := ref.ID
	switch ref.Type {
	case AccountMine:
		trip.MineID = &id
	case AccountBuyer:
		trip.BuyerID = &id
	case AccountTrucker:
		trip.TruckerID = &id
		trip.DriverName = name
	}
}

// tripReference returns the trip's account of type t, if any.
func tripReference(trip Trip, t AccountType) (AccountRef, bool) {
	var id *int64
	switch t {
	case AccountMine:
		id = trip.MineID
	case AccountBuyer:
		id = trip.BuyerID
	case AccountTrucker:
		id = trip.TruckerID
	}
	if id == nil {
		return AccountRef{}, false
	}
	return AccountRef{Type: t, ID: *id}, true
}

// nameReplacer matches name case-insensitively. Nil for an empty name.
func nameReplacer(name string) *regexp.Regexp {
	if name == "" {
		return nil
	}
	return regexp.MustCompile("(?i)" + regexp.QuoteMeta(name))
}
