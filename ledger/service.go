/*
service.go - Entry point of the engine for external collaborators

PURPOSE:
  Ties the components together and implements the write triggers: every
  trip or transaction create/update/delete refreshes the cached balance of
  every account it touches (before AND after the change), then emits one
  change event.

WRITE PATH:
  1. Persist the write (auto-vivified accounts + trip in one transaction).
  2. Refresh: MarkStale + Recompute for each touched account, inline.
  3. Notify (fire-and-forget).
  A refresh failure is returned to the caller; the write itself stays
  committed and the account stays flagged stale for the scheduler to report.

READ PATH:
  GetBalance, AllBalances, StaleAccounts, ValidateBalance, RecalculateAll.

FUSION:
  Fuse, Revert, FusionHistory delegate to FusionEngine.
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Service is the facade used by handlers and schedulers.
type Service struct {
	Store    TxStore
	Cache    *BalanceCache
	Reporter *Reporter
	Fusion   *FusionEngine
	Notifier Notifier
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

// NewService wires a service over store. locker and notifier may be nil.
func NewService(store TxStore, locker Locker, notifier Notifier, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	cache := NewBalanceCache(store, logger)
	return &Service{
		Store:    store,
		Cache:    cache,
		Reporter: NewReporter(store),
		Fusion:   NewFusionEngine(store, cache, locker, notifier, logger),
		Notifier: notifier,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// CreateAccount inserts an account and computes its (zero) balance.
func (s *Service) CreateAccount(ctx context.Context, a Account) (Account, error) {
	if !a.Type.Valid() {
		return Account{}, fmt.Errorf("%w: unknown account type %q", ErrInvalidOperation, a.Type)
	}
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return Account{}, fmt.Errorf("%w: account name is required", ErrInvalidOperation)
	}
	created, err := s.Store.CreateAccount(ctx, a)
	if err != nil {
		return Account{}, err
	}
	if created.Type == AccountTrucker {
		res, err := ResolveDriver(ctx, s.Store, created.Name)
		if err != nil {
			return created, err
		}
		if !res.Resolved {
			if err := s.Store.SaveAlias(ctx, NormalizeDriverName(created.Name), created.ID); err != nil {
				return created, err
			}
		}
	}
	err = s.Cache.Refresh(ctx, created.Ref())
	s.notify(ctx, NewEvent(EventCreated, "account", created.Ref()))
	return created, err
}

func (s *Service) GetAccount(ctx context.Context, ref AccountRef) (*Account, error) {
	return s.Store.GetAccount(ctx, ref)
}

func (s *Service) ListAccounts(ctx context.Context, t AccountType) ([]Account, error) {
	return s.Store.ListAccounts(ctx, t)
}

// =============================================================================
// TRIPS
// =============================================================================

// TripDraft is a trip as submitted by a caller. Accounts may be named
// instead of referenced by id; unknown names are created.
type TripDraft struct {
	Trip
	MineName  string
	BuyerName string
}

// CreateTrip stores a new trip and refreshes the accounts it touches.
func (s *Service) CreateTrip(ctx context.Context, d TripDraft, userID string) (Trip, error) {
	trip := d.Trip
	if trip.ID == "" {
		trip.ID = NewTripID()
	}
	s.applyTripDefaults(&trip)

	err := s.Store.WithTx(ctx, func(st Store) error {
		if err := s.resolveTripAccounts(ctx, st, &trip, d, userID); err != nil {
			return err
		}
		return st.CreateTrip(ctx, trip)
	})
	if err != nil {
		return Trip{}, err
	}

	refs := trip.References()
	err = s.Cache.Refresh(ctx, refs...)
	s.notify(ctx, NewEvent(EventCreated, "trip", refs...))
	return trip, err
}

// UpdateTrip replaces a trip. Both the old and new references are refreshed.
func (s *Service) UpdateTrip(ctx context.Context, d TripDraft, userID string) (Trip, error) {
	old, err := s.Store.GetTrip(ctx, d.ID)
	if err != nil {
		return Trip{}, err
	}
	trip := d.Trip
	trip.CreatedAt = old.CreatedAt
	s.applyTripDefaults(&trip)

	err = s.Store.WithTx(ctx, func(st Store) error {
		if err := s.resolveTripAccounts(ctx, st, &trip, d, userID); err != nil {
			return err
		}
		return st.UpdateTrip(ctx, trip)
	})
	if err != nil {
		return Trip{}, err
	}

	refs := append(old.References(), trip.References()...)
	err = s.Cache.Refresh(ctx, refs...)
	s.notify(ctx, NewEvent(EventUpdated, "trip", refs...))
	return trip, err
}

// DeleteTrip removes a trip and refreshes the accounts it referenced.
func (s *Service) DeleteTrip(ctx context.Context, id string) error {
	old, err := s.Store.GetTrip(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Store.DeleteTrip(ctx, id); err != nil {
		return err
	}
	refs := old.References()
	err = s.Cache.Refresh(ctx, refs...)
	s.notify(ctx, NewEvent(EventDeleted, "trip", refs...))
	return err
}

func (s *Service) GetTrip(ctx context.Context, id string) (*Trip, error) {
	return s.Store.GetTrip(ctx, id)
}

func (s *Service) applyTripDefaults(trip *Trip) {
	if trip.Status == "" {
		trip.Status = TripPending
	}
	if trip.FreightPayer == "" {
		trip.FreightPayer = FreightPaidByUs
	}
	if trip.Date.IsZero() {
		trip.Date = s.Now()
	}
	if trip.CreatedAt.IsZero() {
		trip.CreatedAt = s.Now()
	}
	trip.FillTotals()
}

// resolveTripAccounts fills missing ids from names, creating accounts on
// first sight, and checks that explicit ids exist.
func (s *Service) resolveTripAccounts(ctx context.Context, st Store, trip *Trip, d TripDraft, userID string) error {
	if trip.MineID == nil && strings.TrimSpace(d.MineName) != "" {
		id, err := resolveOrCreateNamed(ctx, st, AccountMine, d.MineName, userID)
		if err != nil {
			return err
		}
		trip.MineID = &id
	}
	if trip.BuyerID == nil && strings.TrimSpace(d.BuyerName) != "" {
		id, err := resolveOrCreateNamed(ctx, st, AccountBuyer, d.BuyerName, userID)
		if err != nil {
			return err
		}
		trip.BuyerID = &id
	}
	if trip.TruckerID == nil && strings.TrimSpace(trip.DriverName) != "" {
		id, err := resolveOrCreateTrucker(ctx, st, trip.DriverName, userID)
		if err != nil {
			return err
		}
		trip.TruckerID = &id
	}
	for _, ref := range trip.References() {
		if _, err := st.GetAccount(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

// NewTripID issues a trip id for trips entered without one.
func NewTripID() string {
	return "TR-" + strings.ToUpper(uuid.NewString()[:8])
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// CreateTransaction stores a manual transaction. The system-generated flag
// is decided here, once.
func (s *Service) CreateTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	if err := s.validateTransaction(ctx, tx); err != nil {
		return Transaction{}, err
	}
	tx.IsSystemGenerated = ClassifySystemGenerated(tx.IsSystemGenerated, tx.Concept)
	if tx.Date.IsZero() {
		tx.Date = s.Now()
	}
	tx.CreatedAt = s.Now()

	created, err := s.Store.CreateTransaction(ctx, tx)
	if err != nil {
		return Transaction{}, err
	}
	refs := created.References()
	err = s.Cache.Refresh(ctx, refs...)
	s.notify(ctx, NewEvent(EventCreated, "transaction", refs...))
	return created, err
}

// UpdateTransaction replaces a transaction. The system-generated flag keeps
// the value decided at creation.
func (s *Service) UpdateTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	old, err := s.Store.GetTransaction(ctx, tx.ID)
	if err != nil {
		return Transaction{}, err
	}
	if err := s.validateTransaction(ctx, tx); err != nil {
		return Transaction{}, err
	}
	tx.IsSystemGenerated = old.IsSystemGenerated
	tx.CreatedAt = old.CreatedAt
	if tx.Date.IsZero() {
		tx.Date = old.Date
	}
	if err := s.Store.UpdateTransaction(ctx, tx); err != nil {
		return Transaction{}, err
	}
	refs := append(old.References(), tx.References()...)
	err = s.Cache.Refresh(ctx, refs...)
	s.notify(ctx, NewEvent(EventUpdated, "transaction", refs...))
	return tx, err
}

// DeleteTransaction removes a transaction and refreshes both parties.
func (s *Service) DeleteTransaction(ctx context.Context, id int64) error {
	old, err := s.Store.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Store.DeleteTransaction(ctx, id); err != nil {
		return err
	}
	refs := old.References()
	err = s.Cache.Refresh(ctx, refs...)
	s.notify(ctx, NewEvent(EventDeleted, "transaction", refs...))
	return err
}

func (s *Service) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	return s.Store.GetTransaction(ctx, id)
}

func (s *Service) validateTransaction(ctx context.Context, tx Transaction) error {
	for _, p := range []Party{tx.From, tx.To} {
		if !p.Type.Valid() {
			return fmt.Errorf("%w: unknown party type %q", ErrInvalidOperation, p.Type)
		}
		if !p.Type.IsAccount() {
			continue
		}
		ref, ok := p.AccountRef()
		if !ok {
			return fmt.Errorf("%w: invalid account id %q", ErrInvalidOperation, p.ID)
		}
		if _, err := s.Store.GetAccount(ctx, ref); err != nil {
			return err
		}
	}
	if tx.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidOperation)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// GetBalance returns the cached balance, recomputing it when stale.
func (s *Service) GetBalance(ctx context.Context, ref AccountRef) (CacheEntry, error) {
	if _, err := s.Store.GetAccount(ctx, ref); err != nil {
		return CacheEntry{}, err
	}
	return s.Cache.Get(ctx, ref)
}

// ComputeBalance bypasses the cache.
func (s *Service) ComputeBalance(ctx context.Context, ref AccountRef) (decimal.Decimal, error) {
	return s.Cache.Calculator.Compute(ctx, ref)
}

func (s *Service) AllBalances(ctx context.Context, t AccountType) (map[int64]AccountBalance, error) {
	return s.Reporter.AllBalances(ctx, t)
}

func (s *Service) StaleAccounts(ctx context.Context) ([]CacheEntry, error) {
	return s.Cache.StaleAccounts(ctx)
}

func (s *Service) ValidateBalance(ctx context.Context, ref AccountRef) (Validation, error) {
	return s.Cache.Validate(ctx, ref)
}

func (s *Service) RecalculateAll(ctx context.Context, types ...AccountType) (RecalcSummary, error) {
	return s.Cache.RecalculateAll(ctx, types...)
}

// =============================================================================
// FUSION
// =============================================================================

func (s *Service) Fuse(ctx context.Context, t AccountType, sourceID, destinationID int64, userID string) (FusionResult, error) {
	return s.Fusion.Fuse(ctx, t, sourceID, destinationID, userID)
}

func (s *Service) RevertFusion(ctx context.Context, backupID int64, userID string) (RevertResult, error) {
	return s.Fusion.Revert(ctx, backupID, userID)
}

func (s *Service) FusionHistory(ctx context.Context, userID string) ([]FusionBackup, error) {
	return s.Fusion.History(ctx, userID)
}

func (s *Service) notify(ctx context.Context, ev Event) {
	if err := s.Notifier.Notify(ctx, ev); err != nil {
		s.Logger.WithFields(logrus.Fields{
			"module":  "ledger",
			"event":   ev.Type,
			"subject": ev.Subject,
		}).WithError(err).Warn("change notification not delivered")
	}
}
