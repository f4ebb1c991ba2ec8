package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rodmar/ledger-engine/ledger"
)

// =============================================================================
// FUSION STORE
// =============================================================================

const backupSelect = `
	SELECT id, entity_type, source_id, destination_id, source_name, destination_name,
	       snapshot_json, transactions_json, trip_ids_json, aliases_json, driver_names_json,
	       user_id, fused_at, reverted, reverted_at, reverted_by
	FROM fusion_backups`

func (c *conn) SaveBackup(ctx context.Context, b ledger.FusionBackup) (int64, error) {
	payload := []struct {
		name  string
		value any
	}{
		{"snapshot", b.Snapshot},
		{"transactions", emptyIfNil(b.Transactions)},
		{"trip ids", emptyIfNil(b.TripIDs)},
		{"aliases", emptyIfNil(b.Aliases)},
		{"driver names", emptyMapIfNil(b.DriverNames)},
	}
	encoded := make([]string, len(payload))
	for i, p := range payload {
		raw, err := json.Marshal(p.value)
		if err != nil {
			return 0, fmt.Errorf("failed to encode %s: %w", p.name, err)
		}
		encoded[i] = string(raw)
	}

	query := `
		INSERT INTO fusion_backups
		(entity_type, source_id, destination_id, source_name, destination_name,
		 snapshot_json, transactions_json, trip_ids_json, aliases_json, driver_names_json,
		 user_id, fused_at, reverted, reverted_at, reverted_by)
		VALUES (` + placeholders(15) + `)`

	id, err := c.insertID(ctx, query,
		string(b.EntityType),
		b.SourceID,
		b.DestinationID,
		b.SourceName,
		b.DestinationName,
		encoded[0],
		encoded[1],
		encoded[2],
		encoded[3],
		encoded[4],
		b.UserID,
		formatTime(b.FusedAt),
		false,
		nil,
		nil,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save fusion backup: %w", err)
	}
	return id, nil
}

func (c *conn) GetBackup(ctx context.Context, id int64) (*ledger.FusionBackup, error) {
	b, err := scanBackup(c.queryRow(ctx, backupSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "fusion backup", Key: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fusion backup: %w", err)
	}
	return &b, nil
}

// MarkReverted flips the reverted flag once. A second call reports
// ErrAlreadyReverted.
func (c *conn) MarkReverted(ctx context.Context, id int64, by string, at time.Time) error {
	res, err := c.exec(ctx, `
		UPDATE fusion_backups SET reverted = ?, reverted_at = ?, reverted_by = ?
		WHERE id = ? AND reverted = ?`,
		true, formatTime(at), nullString(by), id, false)
	if err != nil {
		return fmt.Errorf("failed to mark fusion reverted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := c.GetBackup(ctx, id); err != nil {
		return err
	}
	return ledger.ErrAlreadyReverted
}

func (c *conn) ListBackups(ctx context.Context, userID string) ([]ledger.FusionBackup, error) {
	query := backupSelect
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY id DESC`

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list fusion backups: %w", err)
	}
	defer rows.Close()

	var backups []ledger.FusionBackup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

func scanBackup(row rowScanner) (ledger.FusionBackup, error) {
	var (
		b                                        ledger.FusionBackup
		entityType                               string
		snapshotJSON, txJSON, tripsJSON, aliases string
		driverNames                              string
		fusedAt, revertedAt, revertedBy          sql.NullString
	)
	err := row.Scan(&b.ID, &entityType, &b.SourceID, &b.DestinationID, &b.SourceName, &b.DestinationName,
		&snapshotJSON, &txJSON, &tripsJSON, &aliases, &driverNames,
		&b.UserID, &fusedAt, &b.Reverted, &revertedAt, &revertedBy)
	if err != nil {
		return b, err
	}

	b.EntityType = ledger.AccountType(entityType)
	b.FusedAt = parseTime(fusedAt)
	b.RevertedBy = revertedBy.String
	if t := parseTime(revertedAt); !t.IsZero() {
		b.RevertedAt = &t
	}

	if err := json.Unmarshal([]byte(snapshotJSON), &b.Snapshot); err != nil {
		return b, fmt.Errorf("failed to decode snapshot of backup %d: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(txJSON), &b.Transactions); err != nil {
		return b, fmt.Errorf("failed to decode transactions of backup %d: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(tripsJSON), &b.TripIDs); err != nil {
		return b, fmt.Errorf("failed to decode trips of backup %d: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(aliases), &b.Aliases); err != nil {
		return b, fmt.Errorf("failed to decode aliases of backup %d: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(driverNames), &b.DriverNames); err != nil {
		return b, fmt.Errorf("failed to decode driver names of backup %d: %w", b.ID, err)
	}
	if len(b.DriverNames) == 0 {
		b.DriverNames = nil
	}
	return b, nil
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func emptyMapIfNil[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
	}
	return m
}
