/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the boundary between the engine and the database. The engine never
  writes SQL; it talks to these interfaces.

KEY INTERFACES:
  AccountStore:     Account identity rows (one table per variant)
  CacheStore:       Cached balance columns of the account rows
  TripStore:        Trips + the per-type trip aggregate
  TransactionStore: Manual transactions + the per-type manual-flow aggregate
  AliasStore:       Driver name -> trucker id resolution table
  FusionStore:      Fusion backup records
  TxStore:          All of the above plus atomic multi-row units

ATOMICITY:
  Fusion and reversal mutate many rows and MUST run inside WithTx. If fn
  returns an error nothing is persisted. WithSavepoint nests a best-effort
  unit inside a transaction: a failure rolls back only that unit.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite and PostgreSQL
  - ledger/store/memory.go: In-memory for tests
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

type AccountStore interface {
	// CreateAccount inserts a new account and returns it with its id.
	// The cache entry starts stale with a zero balance.
	CreateAccount(ctx context.Context, a Account) (Account, error)

	// RestoreAccount inserts an account row with an explicit id and cache
	// columns, as captured by a fusion backup.
	RestoreAccount(ctx context.Context, snap AccountSnapshot) error

	// GetAccount returns ErrNotFound if the account does not exist.
	GetAccount(ctx context.Context, ref AccountRef) (*Account, error)

	// FindAccountByName returns ErrNotFound if no account has exactly this name.
	FindAccountByName(ctx context.Context, t AccountType, name string) (*Account, error)

	ListAccounts(ctx context.Context, t AccountType) ([]Account, error)

	DeleteAccount(ctx context.Context, ref AccountRef) error

	// LockAccounts takes row locks on the given accounts for the rest of the
	// enclosing transaction. A no-op where the database already serializes
	// writers.
	LockAccounts(ctx context.Context, refs ...AccountRef) error
}

type CacheStore interface {
	GetCacheEntry(ctx context.Context, ref AccountRef) (CacheEntry, error)
	ListCacheEntries(ctx context.Context, t AccountType) ([]CacheEntry, error)

	// MarkStale sets the stale flag without touching the cached balance.
	MarkStale(ctx context.Context, ref AccountRef) error

	// SaveCacheEntry writes balance, stale flag and recompute time.
	SaveCacheEntry(ctx context.Context, e CacheEntry) error

	// ListStale returns stale entries across every account type.
	ListStale(ctx context.Context) ([]CacheEntry, error)
}

type TripStore interface {
	CreateTrip(ctx context.Context, t Trip) error
	UpdateTrip(ctx context.Context, t Trip) error
	GetTrip(ctx context.Context, id string) (*Trip, error)
	DeleteTrip(ctx context.Context, id string) error

	// TripsByAccount returns every trip referencing the account, whatever
	// its status.
	TripsByAccount(ctx context.Context, ref AccountRef) ([]Trip, error)

	// TripAggregates groups trips by the account of type t.
	TripAggregates(ctx context.Context, t AccountType, lastMonth DateRange) (map[int64]TripAggregate, error)
}

type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	UpdateTransaction(ctx context.Context, tx Transaction) error
	GetTransaction(ctx context.Context, id int64) (*Transaction, error)
	DeleteTransaction(ctx context.Context, id int64) error

	// TransactionsByParty returns every transaction with p on either side.
	TransactionsByParty(ctx context.Context, p Party) ([]Transaction, error)

	// ManualFlows sums non-system-generated transactions per account of type
	// t, for the given ids only.
	ManualFlows(ctx context.Context, t AccountType, ids []int64) (map[int64]ManualFlow, error)
}

type AliasStore interface {
	// ResolveAlias returns (id, true) for a known normalized driver name.
	ResolveAlias(ctx context.Context, normalized string) (int64, bool, error)

	// SaveAlias points normalized at truckerID, replacing any previous target.
	SaveAlias(ctx context.Context, normalized string, truckerID int64) error

	AliasesFor(ctx context.Context, truckerID int64) ([]string, error)
}

type FusionStore interface {
	SaveBackup(ctx context.Context, b FusionBackup) (int64, error)
	GetBackup(ctx context.Context, id int64) (*FusionBackup, error)
	MarkReverted(ctx context.Context, id int64, by string, at time.Time) error

	// ListBackups returns backups created by userID, newest first. An empty
	// userID lists every backup.
	ListBackups(ctx context.Context, userID string) ([]FusionBackup, error)
}

// Store is the full set of persistence operations.
type Store interface {
	AccountStore
	CacheStore
	TripStore
	TransactionStore
	AliasStore
	FusionStore

	// WithSavepoint runs fn as a nested unit. Outside a transaction it just
	// runs fn.
	WithSavepoint(ctx context.Context, name string, fn func(Store) error) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AGGREGATE ROWS
// =============================================================================

// TripAggregate is one account's row of the grouped trip query.
// Income is already restricted to the trips that feed the balance of the
// account type (completed, not hidden, and for truckers not buyer-paid
// freight); counts cover every completed, non-hidden trip.
type TripAggregate struct {
	TripCount          int
	TripCountLastMonth int
	Income             decimal.Decimal
}

// ManualFlow is one account's row of the grouped manual-transaction query.
// Outgoing excludes flows to treasury/bank parties, which are reported in
// OutgoingToTreasury so sign rules can treat them separately.
type ManualFlow struct {
	Outgoing           decimal.Decimal
	OutgoingToTreasury decimal.Decimal
	Incoming           decimal.Decimal
}

// Add sums two flows field by field.
func (f ManualFlow) Add(o ManualFlow) ManualFlow {
	return ManualFlow{
		Outgoing:           f.Outgoing.Add(o.Outgoing),
		OutgoingToTreasury: f.OutgoingToTreasury.Add(o.OutgoingToTreasury),
		Incoming:           f.Incoming.Add(o.Incoming),
	}
}
