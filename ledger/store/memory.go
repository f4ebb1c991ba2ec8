// Package store provides in-memory ledger.Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rodmar/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a ledger.TxStore kept in maps. WithTx runs against the live
// state and restores a snapshot when fn fails, so the store is all-or-nothing
// like the SQL implementation.
type Memory struct {
	mu sync.Mutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

type accountRow struct {
	account ledger.Account
	cache   ledger.CacheEntry
}

type state struct {
	accounts     map[ledger.AccountRef]accountRow
	nextID       map[ledger.AccountType]int64
	trips        map[string]ledger.Trip
	txs          map[int64]ledger.Transaction
	nextTxID     int64
	aliases      map[string]int64
	backups      map[int64]ledger.FusionBackup
	nextBackupID int64
}

func newState() *state {
	return &state{
		accounts: make(map[ledger.AccountRef]accountRow),
		nextID:   make(map[ledger.AccountType]int64),
		trips:    make(map[string]ledger.Trip),
		txs:      make(map[int64]ledger.Transaction),
		aliases:  make(map[string]int64),
		backups:  make(map[int64]ledger.FusionBackup),
	}
}

// Reset drops every row.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
	return nil
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.nextID {
		c.nextID[k] = v
	}
	for k, v := range s.trips {
		c.trips[k] = v
	}
	for k, v := range s.txs {
		c.txs[k] = v
	}
	for k, v := range s.aliases {
		c.aliases[k] = v
	}
	for k, v := range s.backups {
		c.backups[k] = v
	}
	c.nextTxID = s.nextTxID
	c.nextBackupID = s.nextBackupID
	return c
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		*m.st = *snapshot
		return err
	}
	return nil
}

func (m *Memory) WithSavepoint(ctx context.Context, name string, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.WithSavepoint(ctx, name, fn)
}

func (s *state) WithSavepoint(_ context.Context, _ string, fn func(ledger.Store) error) error {
	snapshot := s.clone()
	if err := fn(s); err != nil {
		*s = *snapshot
		return err
	}
	return nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) CreateAccount(ctx context.Context, a ledger.Account) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateAccount(ctx, a)
}

func (s *state) CreateAccount(_ context.Context, a ledger.Account) (ledger.Account, error) {
	s.nextID[a.Type]++
	a.ID = s.nextID[a.Type]
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.accounts[a.Ref()] = accountRow{
		account: a,
		cache:   ledger.CacheEntry{Ref: a.Ref(), Stale: true},
	}
	return a, nil
}

func (m *Memory) RestoreAccount(ctx context.Context, snap ledger.AccountSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.RestoreAccount(ctx, snap)
}

func (s *state) RestoreAccount(_ context.Context, snap ledger.AccountSnapshot) error {
	ref := snap.Account.Ref()
	if _, ok := s.accounts[ref]; ok {
		return fmt.Errorf("%w: account %s exists", ledger.ErrInvalidOperation, ref)
	}
	snap.Cache.Ref = ref
	s.accounts[ref] = accountRow{account: snap.Account, cache: snap.Cache}
	if s.nextID[ref.Type] < ref.ID {
		s.nextID[ref.Type] = ref.ID
	}
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, ref ledger.AccountRef) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetAccount(ctx, ref)
}

func (s *state) GetAccount(_ context.Context, ref ledger.AccountRef) (*ledger.Account, error) {
	row, ok := s.accounts[ref]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "account", Key: ref.String()}
	}
	a := row.account
	return &a, nil
}

func (m *Memory) FindAccountByName(ctx context.Context, t ledger.AccountType, name string) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.FindAccountByName(ctx, t, name)
}

func (s *state) FindAccountByName(_ context.Context, t ledger.AccountType, name string) (*ledger.Account, error) {
	for _, a := range s.listAccounts(t) {
		if a.Name == name {
			found := a
			return &found, nil
		}
	}
	return nil, &ledger.NotFoundError{Kind: "account", Key: fmt.Sprintf("%s %q", t, name)}
}

func (m *Memory) ListAccounts(ctx context.Context, t ledger.AccountType) ([]ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListAccounts(ctx, t)
}

func (s *state) ListAccounts(_ context.Context, t ledger.AccountType) ([]ledger.Account, error) {
	return s.listAccounts(t), nil
}

func (s *state) listAccounts(t ledger.AccountType) []ledger.Account {
	var out []ledger.Account
	for ref, row := range s.accounts {
		if ref.Type == t {
			out = append(out, row.account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) DeleteAccount(ctx context.Context, ref ledger.AccountRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteAccount(ctx, ref)
}

func (s *state) DeleteAccount(_ context.Context, ref ledger.AccountRef) error {
	if _, ok := s.accounts[ref]; !ok {
		return &ledger.NotFoundError{Kind: "account", Key: ref.String()}
	}
	delete(s.accounts, ref)
	return nil
}

// LockAccounts is a no-op: WithTx already holds the store mutex.
func (m *Memory) LockAccounts(context.Context, ...ledger.AccountRef) error { return nil }

func (s *state) LockAccounts(context.Context, ...ledger.AccountRef) error { return nil }

// =============================================================================
// CACHE ENTRIES
// =============================================================================

func (m *Memory) GetCacheEntry(ctx context.Context, ref ledger.AccountRef) (ledger.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetCacheEntry(ctx, ref)
}

func (s *state) GetCacheEntry(_ context.Context, ref ledger.AccountRef) (ledger.CacheEntry, error) {
	row, ok := s.accounts[ref]
	if !ok {
		return ledger.CacheEntry{}, &ledger.NotFoundError{Kind: "account", Key: ref.String()}
	}
	return row.cache, nil
}

func (m *Memory) ListCacheEntries(ctx context.Context, t ledger.AccountType) ([]ledger.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListCacheEntries(ctx, t)
}

func (s *state) ListCacheEntries(_ context.Context, t ledger.AccountType) ([]ledger.CacheEntry, error) {
	var out []ledger.CacheEntry
	for _, a := range s.listAccounts(t) {
		out = append(out, s.accounts[a.Ref()].cache)
	}
	return out, nil
}

func (m *Memory) MarkStale(ctx context.Context, ref ledger.AccountRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.MarkStale(ctx, ref)
}

func (s *state) MarkStale(_ context.Context, ref ledger.AccountRef) error {
	row, ok := s.accounts[ref]
	if !ok {
		return &ledger.NotFoundError{Kind: "account", Key: ref.String()}
	}
	row.cache.Stale = true
	s.accounts[ref] = row
	return nil
}

func (m *Memory) SaveCacheEntry(ctx context.Context, e ledger.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveCacheEntry(ctx, e)
}

func (s *state) SaveCacheEntry(_ context.Context, e ledger.CacheEntry) error {
	row, ok := s.accounts[e.Ref]
	if !ok {
		return &ledger.NotFoundError{Kind: "account", Key: e.Ref.String()}
	}
	row.cache = e
	s.accounts[e.Ref] = row
	return nil
}

func (m *Memory) ListStale(ctx context.Context) ([]ledger.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListStale(ctx)
}

func (s *state) ListStale(_ context.Context) ([]ledger.CacheEntry, error) {
	var out []ledger.CacheEntry
	for _, t := range ledger.AccountTypes {
		for _, a := range s.listAccounts(t) {
			if c := s.accounts[a.Ref()].cache; c.Stale {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// =============================================================================
// TRIPS
// =============================================================================

func (m *Memory) CreateTrip(ctx context.Context, t ledger.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateTrip(ctx, t)
}

func (s *state) CreateTrip(_ context.Context, t ledger.Trip) error {
	if _, ok := s.trips[t.ID]; ok {
		return fmt.Errorf("%w: trip %s exists", ledger.ErrInvalidOperation, t.ID)
	}
	s.trips[t.ID] = t
	return nil
}

func (m *Memory) UpdateTrip(ctx context.Context, t ledger.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateTrip(ctx, t)
}

func (s *state) UpdateTrip(_ context.Context, t ledger.Trip) error {
	if _, ok := s.trips[t.ID]; !ok {
		return &ledger.NotFoundError{Kind: "trip", Key: t.ID}
	}
	s.trips[t.ID] = t
	return nil
}

func (m *Memory) GetTrip(ctx context.Context, id string) (*ledger.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetTrip(ctx, id)
}

func (s *state) GetTrip(_ context.Context, id string) (*ledger.Trip, error) {
	t, ok := s.trips[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "trip", Key: id}
	}
	return &t, nil
}

func (m *Memory) DeleteTrip(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteTrip(ctx, id)
}

func (s *state) DeleteTrip(_ context.Context, id string) error {
	if _, ok := s.trips[id]; !ok {
		return &ledger.NotFoundError{Kind: "trip", Key: id}
	}
	delete(s.trips, id)
	return nil
}

func (m *Memory) TripsByAccount(ctx context.Context, ref ledger.AccountRef) ([]ledger.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.TripsByAccount(ctx, ref)
}

func (s *state) TripsByAccount(_ context.Context, ref ledger.AccountRef) ([]ledger.Trip, error) {
	var out []ledger.Trip
	for _, t := range s.trips {
		if tripRef(t, ref.Type) == ref.ID && ref.ID != 0 {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) TripAggregates(ctx context.Context, t ledger.AccountType, lastMonth ledger.DateRange) (map[int64]ledger.TripAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.TripAggregates(ctx, t, lastMonth)
}

func (s *state) TripAggregates(_ context.Context, t ledger.AccountType, lastMonth ledger.DateRange) (map[int64]ledger.TripAggregate, error) {
	out := make(map[int64]ledger.TripAggregate)
	for _, trip := range s.trips {
		id := tripRef(trip, t)
		if id == 0 || !trip.Counts() {
			continue
		}
		agg := out[id]
		agg.TripCount++
		if lastMonth.Contains(trip.Date) {
			agg.TripCountLastMonth++
		}
		agg.Income = agg.Income.Add(ledger.TripIncome(t, trip))
		out[id] = agg
	}
	return out, nil
}

func tripRef(t ledger.Trip, typ ledger.AccountType) int64 {
	var id *int64
	switch typ {
	case ledger.AccountMine:
		id = t.MineID
	case ledger.AccountBuyer:
		id = t.BuyerID
	case ledger.AccountTrucker:
		id = t.TruckerID
	}
	if id == nil {
		return 0
	}
	return *id
}

// =============================================================================
// MANUAL TRANSACTIONS
// =============================================================================

func (m *Memory) CreateTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.CreateTransaction(ctx, tx)
}

func (s *state) CreateTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	s.nextTxID++
	tx.ID = s.nextTxID
	s.txs[tx.ID] = tx
	return tx, nil
}

func (m *Memory) UpdateTransaction(ctx context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpdateTransaction(ctx, tx)
}

func (s *state) UpdateTransaction(_ context.Context, tx ledger.Transaction) error {
	if _, ok := s.txs[tx.ID]; !ok {
		return &ledger.NotFoundError{Kind: "transaction", Key: fmt.Sprint(tx.ID)}
	}
	s.txs[tx.ID] = tx
	return nil
}

func (m *Memory) GetTransaction(ctx context.Context, id int64) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetTransaction(ctx, id)
}

func (s *state) GetTransaction(_ context.Context, id int64) (*ledger.Transaction, error) {
	tx, ok := s.txs[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "transaction", Key: fmt.Sprint(id)}
	}
	return &tx, nil
}

func (m *Memory) DeleteTransaction(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteTransaction(ctx, id)
}

func (s *state) DeleteTransaction(_ context.Context, id int64) error {
	if _, ok := s.txs[id]; !ok {
		return &ledger.NotFoundError{Kind: "transaction", Key: fmt.Sprint(id)}
	}
	delete(s.txs, id)
	return nil
}

func (m *Memory) TransactionsByParty(ctx context.Context, p ledger.Party) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.TransactionsByParty(ctx, p)
}

func (s *state) TransactionsByParty(_ context.Context, p ledger.Party) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, tx := range s.txs {
		if tx.From == p || tx.To == p {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ManualFlows(ctx context.Context, t ledger.AccountType, ids []int64) (map[int64]ledger.ManualFlow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ManualFlows(ctx, t, ids)
}

func (s *state) ManualFlows(_ context.Context, t ledger.AccountType, ids []int64) (map[int64]ledger.ManualFlow, error) {
	out := make(map[int64]ledger.ManualFlow, len(ids))
	for _, id := range ids {
		ref := ledger.AccountRef{Type: t, ID: id}
		var total ledger.ManualFlow
		for _, tx := range s.txs {
			if !tx.Touches(ref) {
				continue
			}
			total = total.Add(ledger.FlowOf(tx, ref))
		}
		out[id] = total
	}
	return out, nil
}

// =============================================================================
// ALIASES
// =============================================================================

func (m *Memory) ResolveAlias(ctx context.Context, normalized string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ResolveAlias(ctx, normalized)
}

func (s *state) ResolveAlias(_ context.Context, normalized string) (int64, bool, error) {
	id, ok := s.aliases[normalized]
	return id, ok, nil
}

func (m *Memory) SaveAlias(ctx context.Context, normalized string, truckerID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveAlias(ctx, normalized, truckerID)
}

func (s *state) SaveAlias(_ context.Context, normalized string, truckerID int64) error {
	s.aliases[normalized] = truckerID
	return nil
}

func (m *Memory) AliasesFor(ctx context.Context, truckerID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AliasesFor(ctx, truckerID)
}

func (s *state) AliasesFor(_ context.Context, truckerID int64) ([]string, error) {
	var out []string
	for name, id := range s.aliases {
		if id == truckerID {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// =============================================================================
// FUSION BACKUPS
// =============================================================================

func (m *Memory) SaveBackup(ctx context.Context, b ledger.FusionBackup) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveBackup(ctx, b)
}

func (s *state) SaveBackup(_ context.Context, b ledger.FusionBackup) (int64, error) {
	s.nextBackupID++
	b.ID = s.nextBackupID
	s.backups[b.ID] = b
	return b.ID, nil
}

func (m *Memory) GetBackup(ctx context.Context, id int64) (*ledger.FusionBackup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetBackup(ctx, id)
}

func (s *state) GetBackup(_ context.Context, id int64) (*ledger.FusionBackup, error) {
	b, ok := s.backups[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: "fusion backup", Key: fmt.Sprint(id)}
	}
	return &b, nil
}

func (m *Memory) MarkReverted(ctx context.Context, id int64, by string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.MarkReverted(ctx, id, by, at)
}

func (s *state) MarkReverted(_ context.Context, id int64, by string, at time.Time) error {
	b, ok := s.backups[id]
	if !ok {
		return &ledger.NotFoundError{Kind: "fusion backup", Key: fmt.Sprint(id)}
	}
	if b.Reverted {
		return ledger.ErrAlreadyReverted
	}
	b.Reverted = true
	b.RevertedAt = &at
	b.RevertedBy = by
	s.backups[id] = b
	return nil
}

func (m *Memory) ListBackups(ctx context.Context, userID string) ([]ledger.FusionBackup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListBackups(ctx, userID)
}

func (s *state) ListBackups(_ context.Context, userID string) ([]ledger.FusionBackup, error) {
	var out []ledger.FusionBackup
	for _, b := range s.backups {
		if userID == "" || b.UserID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

var (
	_ ledger.TxStore = (*Memory)(nil)
	_ ledger.Store   = (*state)(nil)
)
