/*
Package sqlite provides a SQL-backed implementation of ledger.TxStore.

PURPOSE:
  Implements every persistence interface of the ledger (accounts, cache
  columns, trips, transactions, aliases, fusion backups) on database/sql.
  SQLite is the default; the same queries run on PostgreSQL with only the
  placeholder style and a few column types changing.

KEY TABLES:
  mines, buyers, truckers, third_parties: one table per account variant,
                                          identity + cached balance columns
  trips:            Hauls, referencing up to one account of each variant
  transactions:     Manual transfers between two parties
  trucker_aliases:  Normalized driver name -> trucker id
  fusion_backups:   Reversible fusion records (JSON payload columns)

MONEY:
  Amounts are written as decimal strings. SQLite keeps them as TEXT so the
  stored value is exact; PostgreSQL uses NUMERIC. Reads go through
  ledger.ParseMoney. Aggregates never SUM money in SQL (SQLite would coerce
  TEXT to REAL): they select the rows and add decimals in Go.

CONCURRENCY:
  SQLite is opened with WAL, immediate transactions and a single connection:
  writers are serialized by the database and ":memory:" databases stay
  shared. Every query inside WithTx goes through the *sql.Tx.
  On PostgreSQL LockAccounts issues SELECT ... FOR UPDATE.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, lock.NewLocal(), notifier, logger)

MIGRATION:
  Schema is auto-migrated on Open(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rodmar/ledger-engine/ledger"
)

// Dialect names a supported database/sql driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", s)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements ledger.Store over a querier. The same methods serve the
// top-level store and the store handed to WithTx callbacks.
type conn struct {
	q       querier
	dialect Dialect
	inTx    bool
}

// Store implements ledger.TxStore.
type Store struct {
	*conn
	db *sql.DB
}

// New opens a SQLite database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return Open(DialectSQLite, dbPath)
}

// Open connects to the database and migrates the schema.
func Open(dialect Dialect, dsn string) (*Store, error) {
	source := dsn
	if dialect == DialectSQLite {
		source = dsn + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	}

	db, err := sql.Open(string(dialect), source)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}

	store := &Store{conn: &conn{q: db, dialect: dialect}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dialect returns the SQL dialect the store speaks.
func (s *Store) Dialect() Dialect { return s.dialect }

// =============================================================================
// SCHEMA
// =============================================================================

var accountTables = map[ledger.AccountType]string{
	ledger.AccountMine:       "mines",
	ledger.AccountBuyer:      "buyers",
	ledger.AccountTrucker:    "truckers",
	ledger.AccountThirdParty: "third_parties",
}

var tripColumns = map[ledger.AccountType]string{
	ledger.AccountMine:    "mine_id",
	ledger.AccountBuyer:   "buyer_id",
	ledger.AccountTrucker: "trucker_id",
}

func (s *Store) migrate() error {
	idType, moneyType := "INTEGER PRIMARY KEY AUTOINCREMENT", "TEXT"
	if s.dialect == DialectPostgres {
		idType, moneyType = "BIGSERIAL PRIMARY KEY", "NUMERIC"
	}

	var stmts []string
	for _, t := range ledger.AccountTypes {
		table := accountTables[t]
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id %s,
				name TEXT NOT NULL,
				owner_user_id TEXT NOT NULL,
				cached_balance %s NOT NULL,
				is_stale BOOLEAN NOT NULL,
				last_recomputed_at TEXT,
				created_at TEXT NOT NULL
			)`, table, idType, moneyType),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_name ON %s(name)`, table, table),
		)
	}

	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS trips (
			id TEXT PRIMARY KEY,
			mine_id BIGINT,
			buyer_id BIGINT,
			trucker_id BIGINT,
			driver_name TEXT NOT NULL,
			plate TEXT NOT NULL,
			trip_date TEXT NOT NULL,
			weight %[1]s NOT NULL,
			purchase_unit_price %[1]s NOT NULL,
			sale_unit_price %[1]s NOT NULL,
			freight_unit_price %[1]s NOT NULL,
			other_freight_cost %[1]s NOT NULL,
			total_sale %[1]s NOT NULL,
			total_purchase %[1]s NOT NULL,
			total_freight %[1]s NOT NULL,
			amount_to_remit %[1]s NOT NULL,
			profit %[1]s NOT NULL,
			status TEXT NOT NULL,
			hidden BOOLEAN NOT NULL,
			freight_payer TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`, moneyType),
		`CREATE INDEX IF NOT EXISTS idx_trips_mine ON trips(mine_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trips_buyer ON trips(buyer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trips_trucker ON trips(trucker_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS transactions (
			id %s,
			from_party_type TEXT NOT NULL,
			from_party_id TEXT NOT NULL,
			to_party_type TEXT NOT NULL,
			to_party_id TEXT NOT NULL,
			concept TEXT NOT NULL,
			amount %s NOT NULL,
			tx_date TEXT NOT NULL,
			hidden_global BOOLEAN NOT NULL,
			hidden_buyer_view BOOLEAN NOT NULL,
			hidden_mine_view BOOLEAN NOT NULL,
			hidden_trucker_view BOOLEAN NOT NULL,
			is_system_generated BOOLEAN NOT NULL,
			created_at TEXT NOT NULL
		)`, idType, moneyType),
		`CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions(from_party_type, from_party_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_to ON transactions(to_party_type, to_party_id)`,

		`CREATE TABLE IF NOT EXISTS trucker_aliases (
			normalized_name TEXT PRIMARY KEY,
			trucker_id BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trucker_aliases_trucker ON trucker_aliases(trucker_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS fusion_backups (
			id %s,
			entity_type TEXT NOT NULL,
			source_id BIGINT NOT NULL,
			destination_id BIGINT NOT NULL,
			source_name TEXT NOT NULL,
			destination_name TEXT NOT NULL,
			snapshot_json TEXT NOT NULL,
			transactions_json TEXT NOT NULL,
			trip_ids_json TEXT NOT NULL,
			aliases_json TEXT NOT NULL,
			driver_names_json TEXT NOT NULL DEFAULT '{}',
			user_id TEXT NOT NULL,
			fused_at TEXT NOT NULL,
			reverted BOOLEAN NOT NULL,
			reverted_at TEXT,
			reverted_by TEXT
		)`, idType),
		`CREATE INDEX IF NOT EXISTS idx_fusion_backups_user ON fusion_backups(user_id)`,
	)

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Reset deletes every row and restarts id sequences. Used to reload demo data.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"trips", "transactions", "trucker_aliases", "fusion_backups"}
	for _, t := range ledger.AccountTypes {
		tables = append(tables, accountTables[t])
	}

	return s.WithTx(ctx, func(tx ledger.Store) error {
		c := tx.(*conn)
		if s.dialect == DialectPostgres {
			if _, err := c.exec(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" RESTART IDENTITY"); err != nil {
				return fmt.Errorf("failed to reset database: %w", err)
			}
			return nil
		}
		for _, table := range tables {
			if _, err := c.exec(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to reset %s: %w", table, err)
			}
		}
		if _, err := c.exec(ctx, "DELETE FROM sqlite_sequence"); err != nil {
			return fmt.Errorf("failed to reset id sequences: %w", err)
		}
		return nil
	})
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	tc := &conn{q: sqlTx, dialect: s.dialect, inTx: true}
	if err := fn(tc); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// WithSavepoint runs fn inside a SAVEPOINT when called within a transaction.
func (c *conn) WithSavepoint(ctx context.Context, name string, fn func(ledger.Store) error) error {
	if !c.inTx {
		return fn(c)
	}
	if _, err := c.exec(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := fn(c); err != nil {
		if _, rbErr := c.exec(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		if _, relErr := c.exec(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			return errors.Join(err, relErr)
		}
		return err
	}
	_, err := c.exec(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (c *conn) rebind(query string) string {
	if c.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// insertID runs an INSERT ... RETURNING id.
func (c *conn) insertID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	err := c.queryRow(ctx, query+" RETURNING id", args...).Scan(&id)
	return id, err
}

// execOne runs a statement that must touch exactly one row.
func (c *conn) execOne(ctx context.Context, kind, key, query string, args ...any) error {
	res, err := c.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.NotFoundError{Kind: kind, Key: key}
	}
	return nil
}

// placeholders returns "?, ?, ?" with n marks.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return nullString(formatTime(t))
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseDate(s string) time.Time {
	t, err := time.Parse(ledger.DateLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

var (
	_ ledger.TxStore = (*Store)(nil)
	_ ledger.Store   = (*conn)(nil)
)
