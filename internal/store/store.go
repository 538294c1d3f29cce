// Package store defines the tick storage interface and its SQLite and
// Parquet implementations. Backtests see ticks only through TickStore's
// range query; everything above treats storage as an external collaborator.
package store

import (
	"context"
	"fmt"
	"time"

	"gridback/internal/domain"
)

// TickStore persists and retrieves bid/ask tick data scoped by symbol.
type TickStore interface {
	// WriteTicks persists a batch of ticks for a symbol.
	WriteTicks(ctx context.Context, symbol string, ticks []domain.Tick) error

	// ReadTicks returns ticks for the symbol within [start, end], sorted
	// ascending by timestamp. An empty result is not an error.
	ReadTicks(ctx context.Context, symbol string, start, end time.Time) ([]domain.Tick, error)

	// ListSymbols returns all distinct symbols with tick data.
	ListSymbols(ctx context.Context) ([]string, error)
}

// Open creates the TickStore selected by backend: "sqlite" (the default) or
// "parquet".
func Open(backend, dataDir, sqlitePath string) (TickStore, error) {
	switch backend {
	case "", "sqlite":
		return NewSQLiteStore(sqlitePath)
	case "parquet":
		return NewParquetStore(dataDir), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
