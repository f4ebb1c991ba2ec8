package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rodmar/ledger-engine/ledger"
)

// =============================================================================
// ACCOUNT STORE
// =============================================================================

const accountColumns = `id, name, owner_user_id, cached_balance, is_stale, last_recomputed_at, created_at`

func tableFor(t ledger.AccountType) (string, error) {
	table, ok := accountTables[t]
	if !ok {
		return "", fmt.Errorf("%w: unknown account type %q", ledger.ErrInvalidOperation, t)
	}
	return table, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(t ledger.AccountType, row rowScanner) (ledger.Account, ledger.CacheEntry, error) {
	var (
		a           ledger.Account
		balance     sql.NullString
		stale       bool
		recomputed  sql.NullString
		createdAt   sql.NullString
		ownerUserID sql.NullString
	)
	a.Type = t
	if err := row.Scan(&a.ID, &a.Name, &ownerUserID, &balance, &stale, &recomputed, &createdAt); err != nil {
		return a, ledger.CacheEntry{}, err
	}
	a.OwnerUserID = ownerUserID.String
	a.CreatedAt = parseTime(createdAt)

	entry := ledger.CacheEntry{
		Ref:          a.Ref(),
		Balance:      ledger.ParseMoney(balance.String),
		Stale:        stale,
		RecomputedAt: parseTime(recomputed),
	}
	return a, entry, nil
}

func (c *conn) CreateAccount(ctx context.Context, a ledger.Account) (ledger.Account, error) {
	table, err := tableFor(a.Type)
	if err != nil {
		return a, err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (name, owner_user_id, cached_balance, is_stale, last_recomputed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, table)

	id, err := c.insertID(ctx, query, a.Name, a.OwnerUserID, "0", true, nil, formatTime(a.CreatedAt))
	if err != nil {
		return a, fmt.Errorf("failed to create %s: %w", a.Type, err)
	}
	a.ID = id
	return a, nil
}

func (c *conn) RestoreAccount(ctx context.Context, snap ledger.AccountSnapshot) error {
	a := snap.Account
	table, err := tableFor(a.Type)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, owner_user_id, cached_balance, is_stale, last_recomputed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, table)

	_, err = c.exec(ctx, query,
		a.ID,
		a.Name,
		a.OwnerUserID,
		snap.Cache.Balance.String(),
		snap.Cache.Stale,
		nullTime(snap.Cache.RecomputedAt),
		formatTime(a.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: account %s exists", ledger.ErrInvalidOperation, a.Ref())
		}
		return fmt.Errorf("failed to restore %s: %w", a.Ref(), err)
	}
	return nil
}

func (c *conn) GetAccount(ctx context.Context, ref ledger.AccountRef) (*ledger.Account, error) {
	a, _, err := c.getRow(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *conn) getRow(ctx context.Context, ref ledger.AccountRef) (ledger.Account, ledger.CacheEntry, error) {
	table, ok := accountTables[ref.Type]
	if !ok {
		return ledger.Account{}, ledger.CacheEntry{}, &ledger.NotFoundError{Kind: "account", Key: ref.String()}
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, accountColumns, table)
	a, entry, err := scanAccount(ref.Type, c.queryRow(ctx, query, ref.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return a, entry, &ledger.NotFoundError{Kind: "account", Key: ref.String()}
	}
	if err != nil {
		return a, entry, fmt.Errorf("failed to get %s: %w", ref, err)
	}
	return a, entry, nil
}

func (c *conn) FindAccountByName(ctx context.Context, t ledger.AccountType, name string) (*ledger.Account, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE name = ? ORDER BY id LIMIT 1`, accountColumns, table)
	a, _, err := scanAccount(t, c.queryRow(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "account", Key: fmt.Sprintf("%s %q", t, name)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s by name: %w", t, err)
	}
	return &a, nil
}

func (c *conn) ListAccounts(ctx context.Context, t ledger.AccountType) ([]ledger.Account, error) {
	accounts, _, err := c.listRows(ctx, t, "")
	return accounts, err
}

// listRows loads every account of type t, optionally filtered by a WHERE
// clause without arguments.
func (c *conn) listRows(ctx context.Context, t ledger.AccountType, where string) ([]ledger.Account, []ledger.CacheEntry, error) {
	table, err := tableFor(t)
	if err != nil {
		return nil, nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY id`, accountColumns, table, where)
	rows, err := c.query(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	var (
		accounts []ledger.Account
		entries  []ledger.CacheEntry
	)
	for rows.Next() {
		a, entry, err := scanAccount(t, rows)
		if err != nil {
			return nil, nil, err
		}
		accounts = append(accounts, a)
		entries = append(entries, entry)
	}
	return accounts, entries, rows.Err()
}

func (c *conn) DeleteAccount(ctx context.Context, ref ledger.AccountRef) error {
	table, err := tableFor(ref.Type)
	if err != nil {
		return err
	}
	return c.execOne(ctx, "account", ref.String(),
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), ref.ID)
}

// LockAccounts takes row locks in a stable order. SQLite transactions are
// already exclusive (_txlock=immediate), so there is nothing to do there.
func (c *conn) LockAccounts(ctx context.Context, refs ...ledger.AccountRef) error {
	if c.dialect != DialectPostgres || !c.inTx {
		return nil
	}

	sorted := append([]ledger.AccountRef(nil), refs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	for _, ref := range sorted {
		table, err := tableFor(ref.Type)
		if err != nil {
			return err
		}
		var id int64
		err = c.queryRow(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE id = ? FOR UPDATE`, table), ref.ID).Scan(&id)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to lock %s: %w", ref, err)
		}
	}
	return nil
}

// =============================================================================
// CACHE STORE
// =============================================================================

func (c *conn) GetCacheEntry(ctx context.Context, ref ledger.AccountRef) (ledger.CacheEntry, error) {
	_, entry, err := c.getRow(ctx, ref)
	return entry, err
}

func (c *conn) ListCacheEntries(ctx context.Context, t ledger.AccountType) ([]ledger.CacheEntry, error) {
	_, entries, err := c.listRows(ctx, t, "")
	return entries, err
}

func (c *conn) MarkStale(ctx context.Context, ref ledger.AccountRef) error {
	table, ok := accountTables[ref.Type]
	if !ok {
		return &ledger.NotFoundError{Kind: "account", Key: ref.String()}
	}
	return c.execOne(ctx, "account", ref.String(),
		fmt.Sprintf(`UPDATE %s SET is_stale = ? WHERE id = ?`, table), true, ref.ID)
}

func (c *conn) SaveCacheEntry(ctx context.Context, e ledger.CacheEntry) error {
	table, ok := accountTables[e.Ref.Type]
	if !ok {
		return &ledger.NotFoundError{Kind: "account", Key: e.Ref.String()}
	}
	query := fmt.Sprintf(`
		UPDATE %s SET cached_balance = ?, is_stale = ?, last_recomputed_at = ?
		WHERE id = ?`, table)
	return c.execOne(ctx, "account", e.Ref.String(), query,
		e.Balance.String(), e.Stale, nullTime(e.RecomputedAt), e.Ref.ID)
}

func (c *conn) ListStale(ctx context.Context) ([]ledger.CacheEntry, error) {
	var out []ledger.CacheEntry
	for _, t := range ledger.AccountTypes {
		_, entries, err := c.listRows(ctx, t, "WHERE is_stale = TRUE")
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}
