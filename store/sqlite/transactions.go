package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/rodmar/ledger-engine/ledger"
)

// =============================================================================
// TRANSACTION STORE
// =============================================================================

const transactionSelect = `
	SELECT id, from_party_type, from_party_id, to_party_type, to_party_id, concept, amount, tx_date,
	       hidden_global, hidden_buyer_view, hidden_mine_view, hidden_trucker_view,
	       is_system_generated, created_at
	FROM transactions`

func transactionArgs(tx ledger.Transaction) []any {
	return []any{
		string(tx.From.Type),
		tx.From.ID,
		string(tx.To.Type),
		tx.To.ID,
		tx.Concept,
		tx.Amount.String(),
		tx.Date.Format(ledger.DateLayout),
		tx.Visibility.GlobalHidden,
		tx.Visibility.HiddenInBuyerView,
		tx.Visibility.HiddenInMineView,
		tx.Visibility.HiddenInTruckerView,
		tx.IsSystemGenerated,
	}
}

func (c *conn) CreateTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	query := `
		INSERT INTO transactions
		(from_party_type, from_party_id, to_party_type, to_party_id, concept, amount, tx_date,
		 hidden_global, hidden_buyer_view, hidden_mine_view, hidden_trucker_view,
		 is_system_generated, created_at)
		VALUES (` + placeholders(13) + `)`

	id, err := c.insertID(ctx, query, append(transactionArgs(tx), formatTime(tx.CreatedAt))...)
	if err != nil {
		return tx, fmt.Errorf("failed to create transaction: %w", err)
	}
	tx.ID = id
	return tx, nil
}

// UpdateTransaction rewrites every column except created_at.
func (c *conn) UpdateTransaction(ctx context.Context, tx ledger.Transaction) error {
	query := `
		UPDATE transactions SET
		from_party_type = ?, from_party_id = ?, to_party_type = ?, to_party_id = ?,
		concept = ?, amount = ?, tx_date = ?,
		hidden_global = ?, hidden_buyer_view = ?, hidden_mine_view = ?, hidden_trucker_view = ?,
		is_system_generated = ?
		WHERE id = ?`

	return c.execOne(ctx, "transaction", strconv.FormatInt(tx.ID, 10), query,
		append(transactionArgs(tx), tx.ID)...)
}

func (c *conn) GetTransaction(ctx context.Context, id int64) (*ledger.Transaction, error) {
	tx, err := scanTransaction(c.queryRow(ctx, transactionSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "transaction", Key: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &tx, nil
}

func (c *conn) DeleteTransaction(ctx context.Context, id int64) error {
	return c.execOne(ctx, "transaction", strconv.FormatInt(id, 10),
		`DELETE FROM transactions WHERE id = ?`, id)
}

func (c *conn) TransactionsByParty(ctx context.Context, p ledger.Party) ([]ledger.Transaction, error) {
	query := transactionSelect + `
		WHERE (from_party_type = ? AND from_party_id = ?)
		   OR (to_party_type = ? AND to_party_id = ?)
		ORDER BY id`

	rows, err := c.query(ctx, query, string(p.Type), p.ID, string(p.Type), p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// ManualFlows reads every non-system transaction touching one of the
// accounts in a single query and folds them with ledger.FlowOf, so the
// signs, treasury split and self transfers match the Calculator exactly.
// Amounts are added as decimals in Go rather than with SQL SUM.
func (c *conn) ManualFlows(ctx context.Context, t ledger.AccountType, ids []int64) (map[int64]ledger.ManualFlow, error) {
	out := make(map[int64]ledger.ManualFlow, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	wanted := make(map[int64]bool, len(ids))
	partyIDs := make([]any, len(ids))
	for i, id := range ids {
		wanted[id] = true
		partyIDs[i] = strconv.FormatInt(id, 10)
	}
	in := placeholders(len(ids))

	query := fmt.Sprintf(`
		SELECT from_party_type, from_party_id, to_party_type, to_party_id, amount
		FROM transactions
		WHERE is_system_generated = ?
		  AND ((from_party_type = ? AND from_party_id IN (%[1]s))
		    OR (to_party_type = ? AND to_party_id IN (%[1]s)))`, in)

	args := []any{false, string(t)}
	args = append(args, partyIDs...)
	args = append(args, string(t))
	args = append(args, partyIDs...)

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate transactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tx               ledger.Transaction
			fromType, toType string
			amount           string
		)
		if err := rows.Scan(&fromType, &tx.From.ID, &toType, &tx.To.ID, &amount); err != nil {
			return nil, err
		}
		tx.From.Type = ledger.PartyType(fromType)
		tx.To.Type = ledger.PartyType(toType)
		tx.Amount = ledger.ParseMoney(amount)

		// A self transfer lists the account twice; FlowOf already covers both sides.
		seen := make(map[int64]bool, 2)
		for _, ref := range tx.References() {
			if ref.Type != t || !wanted[ref.ID] || seen[ref.ID] {
				continue
			}
			seen[ref.ID] = true
			out[ref.ID] = out[ref.ID].Add(ledger.FlowOf(tx, ref))
		}
	}
	return out, rows.Err()
}

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var (
		tx               ledger.Transaction
		fromType, toType string
		amount, date     string
		createdAt        sql.NullString
	)
	err := row.Scan(&tx.ID, &fromType, &tx.From.ID, &toType, &tx.To.ID, &tx.Concept, &amount, &date,
		&tx.Visibility.GlobalHidden, &tx.Visibility.HiddenInBuyerView,
		&tx.Visibility.HiddenInMineView, &tx.Visibility.HiddenInTruckerView,
		&tx.IsSystemGenerated, &createdAt)
	if err != nil {
		return tx, err
	}
	tx.From.Type = ledger.PartyType(fromType)
	tx.To.Type = ledger.PartyType(toType)
	tx.Amount = ledger.ParseMoney(amount)
	tx.Date = parseDate(date)
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}

// =============================================================================
// ALIAS STORE
// =============================================================================

func (c *conn) ResolveAlias(ctx context.Context, normalized string) (int64, bool, error) {
	var id int64
	err := c.queryRow(ctx, `SELECT trucker_id FROM trucker_aliases WHERE normalized_name = ?`, normalized).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve alias: %w", err)
	}
	return id, true, nil
}

func (c *conn) SaveAlias(ctx context.Context, normalized string, truckerID int64) error {
	_, err := c.exec(ctx, `
		INSERT INTO trucker_aliases (normalized_name, trucker_id) VALUES (?, ?)
		ON CONFLICT (normalized_name) DO UPDATE SET trucker_id = excluded.trucker_id`,
		normalized, truckerID)
	if err != nil {
		return fmt.Errorf("failed to save alias: %w", err)
	}
	return nil
}

func (c *conn) AliasesFor(ctx context.Context, truckerID int64) ([]string, error) {
	rows, err := c.query(ctx, `SELECT normalized_name FROM trucker_aliases WHERE trucker_id = ? ORDER BY normalized_name`, truckerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list aliases: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
