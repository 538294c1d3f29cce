package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gridback/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ TickStore = (*SQLiteStore)(nil)

// SQLiteStore implements TickStore backed by a single SQLite database. One
// row per tick, indexed by (symbol, timestamp) so the day-range query used
// by the batch loader is a single index scan.
type SQLiteStore struct {
	db *sql.DB
}

const tickSchema = `
CREATE TABLE IF NOT EXISTS ticks (
	symbol TEXT    NOT NULL,
	ts_ms  INTEGER NOT NULL,
	bid    REAL    NOT NULL,
	ask    REAL    NOT NULL,
	spread REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ticks_symbol_ts ON ticks(symbol, ts_ms);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tick schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	if _, err := db.Exec(tickSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tick schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WriteTicks inserts a batch of ticks inside one transaction.
func (s *SQLiteStore) WriteTicks(ctx context.Context, symbol string, ticks []domain.Tick) error {
	if len(ticks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tick insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO ticks(symbol, ts_ms, bid, ask, spread) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("preparing tick insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx, symbol, t.Timestamp.UnixMilli(), t.Bid, t.Ask, t.Spread); err != nil {
			return fmt.Errorf("inserting tick at %s: %w", t.Timestamp, err)
		}
	}

	return tx.Commit()
}

// ReadTicks returns ticks for the symbol within [start, end] sorted
// ascending. This is the single range query the day cache issues per batch
// of missing days.
func (s *SQLiteStore) ReadTicks(ctx context.Context, symbol string, start, end time.Time) ([]domain.Tick, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT ts_ms, bid, ask, spread FROM ticks WHERE symbol = ? AND ts_ms BETWEEN ? AND ? ORDER BY ts_ms ASC",
		symbol, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("querying ticks: %w", err)
	}
	defer rows.Close()

	var ticks []domain.Tick
	for rows.Next() {
		var tsMs int64
		var tick domain.Tick
		if err := rows.Scan(&tsMs, &tick.Bid, &tick.Ask, &tick.Spread); err != nil {
			return nil, fmt.Errorf("scanning tick row: %w", err)
		}
		tick.Timestamp = time.UnixMilli(tsMs).UTC()
		ticks = append(ticks, tick)
	}
	return ticks, rows.Err()
}

// ListSymbols returns all distinct symbols with tick data, sorted.
func (s *SQLiteStore) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT symbol FROM ticks ORDER BY symbol")
	if err != nil {
		return nil, fmt.Errorf("listing symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("scanning symbol row: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}
