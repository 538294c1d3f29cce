// Package ingest loads historical tick data into a tick store, from
// delimited export files or from the Alpaca market-data API.
package ingest

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gridback/internal/domain"
	"gridback/internal/store"
)

// writeBatchSize bounds memory while importing multi-gigabyte exports.
const writeBatchSize = 5000

var tickTimestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006.01.02 15:04:05",
}

// Importer reads delimited tick export files into a tick store. Files are
// imported whole; a marker file makes re-runs skip completed inputs.
type Importer struct {
	store   store.TickStore
	symbol  string
	tracker *progressTracker
	log     *slog.Logger
}

// NewImporter creates an Importer writing ticks for one symbol. markerDir
// holds the resume marker; callers must Close the importer.
func NewImporter(ts store.TickStore, symbol, markerDir string, log *slog.Logger) (*Importer, error) {
	tracker, err := newProgressTracker(markerDir)
	if err != nil {
		return nil, err
	}
	return &Importer{
		store:   ts,
		symbol:  symbol,
		tracker: tracker,
		log:     log.With("component", "ingest", "symbol", symbol),
	}, nil
}

// Close releases the resume marker.
func (im *Importer) Close() error { return im.tracker.Close() }

// ImportFile reads one export file and writes its ticks to the store in
// batches. Malformed lines are dropped. Returns the number of ticks written.
func (im *Importer) ImportFile(ctx context.Context, path string) (int, error) {
	name := filepath.Base(path)
	if im.tracker.IsDone(name) {
		im.log.Info("file already imported, skipping", "file", name)
		return 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	began := time.Now()
	written := 0
	dropped := 0
	batch := make([]domain.Tick, 0, writeBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := im.store.WriteTicks(ctx, im.symbol, batch); err != nil {
			return fmt.Errorf("writing batch: %w", err)
		}
		written += len(batch)
		batch = batch[:0]
		return nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		tick, ok := parseTickLine(scanner.Text())
		if !ok {
			dropped++
			continue
		}
		batch = append(batch, tick)
		if len(batch) >= writeBatchSize {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return written, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := flush(); err != nil {
		return written, err
	}

	if err := im.tracker.MarkDone(name); err != nil {
		return written, err
	}
	im.log.Info("file imported",
		"file", name,
		"ticks", written,
		"dropped", dropped,
		"elapsed", time.Since(began).Round(time.Millisecond),
	)
	return written, nil
}

// ImportDir imports every .csv file under dir in name order, skipping files
// already marked done.
func (im *Importer) ImportDir(ctx context.Context, dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return 0, fmt.Errorf("listing %s: %w", dir, err)
	}
	sort.Strings(matches)

	total := 0
	for _, path := range matches {
		n, err := im.ImportFile(ctx, path)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// parseTickLine parses one `timestamp;bid;ask[;spread]` record. Comma
// delimiters are accepted too; header and malformed lines report false.
func parseTickLine(line string) (domain.Tick, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return domain.Tick{}, false
	}

	delim := ";"
	if !strings.Contains(line, ";") {
		delim = ","
	}
	fields := strings.Split(line, delim)
	if len(fields) < 3 {
		return domain.Tick{}, false
	}

	ts, ok := parseTickTimestamp(strings.TrimSpace(fields[0]))
	if !ok {
		return domain.Tick{}, false
	}
	bid, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return domain.Tick{}, false
	}
	ask, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return domain.Tick{}, false
	}

	spread := ask - bid
	if len(fields) > 3 {
		if s, err := strconv.ParseFloat(strings.TrimSpace(fields[3]), 64); err == nil {
			spread = s
		}
	}

	return domain.Tick{Timestamp: ts, Bid: bid, Ask: ask, Spread: spread}, true
}

func parseTickTimestamp(s string) (time.Time, bool) {
	for _, layout := range tickTimestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	// Epoch milliseconds, as some export tools emit.
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 1_000_000_000_000 {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}
