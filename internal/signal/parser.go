// Package signal parses delimited signal exports into ordered, paired
// entry/close trading signals.
//
// Input format (one record per line, semicolon separated):
//
//	ts_utc;kind;side;price_hint;range_id;message_id;confidence
//
// kind is range_open or range_close. Records sharing a range_id form one
// signal. The parser is deliberately forgiving: malformed lines are dropped,
// never surfaced as errors, because signal exports routinely contain partial
// or hand-edited rows.
package signal

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gridback/internal/domain"
)

const (
	kindOpen  = "range_open"
	kindClose = "range_close"
)

// rawRecord is one parsed CSV line before open/close pairing.
type rawRecord struct {
	timestamp  time.Time
	kind       string
	side       domain.Side
	priceHint  float64
	rangeID    string
	messageID  int64
	confidence float64
}

// timestampLayouts are accepted in order. Exports mix RFC3339 and a
// space-separated variant.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseLine parses a single record. The bool result is false for malformed
// lines (wrong field count, unparsable timestamp, unknown kind).
func parseLine(line string) (rawRecord, bool) {
	parts := strings.Split(line, ";")
	if len(parts) < 7 {
		return rawRecord{}, false
	}

	ts, ok := parseTimestamp(strings.TrimSpace(parts[0]))
	if !ok {
		return rawRecord{}, false
	}

	kind := strings.TrimSpace(parts[1])
	if kind != kindOpen && kind != kindClose {
		return rawRecord{}, false
	}

	rec := rawRecord{timestamp: ts, kind: kind, rangeID: strings.TrimSpace(parts[4])}

	switch strings.TrimSpace(parts[2]) {
	case string(domain.SideBuy):
		rec.side = domain.SideBuy
	case string(domain.SideSell):
		rec.side = domain.SideSell
	}

	if v, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64); err == nil {
		rec.priceHint = v
	}
	if v, err := strconv.ParseInt(strings.TrimSpace(parts[5]), 10, 64); err == nil {
		rec.messageID = v
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(parts[6]), 64); err == nil {
		rec.confidence = v
	}

	return rec, true
}

// Parse converts raw signal text into paired trading signals sorted by
// timestamp. A header line is skipped when present. Opens without a side are
// dropped (side is mandatory; price is not, it may be enriched later from
// real tick data). Closes without a matching open are ignored.
func Parse(content []byte) []domain.TradingSignal {
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")

	type pair struct {
		open  rawRecord
		close *rawRecord
	}
	ranges := make(map[string]*pair)
	var order []string

	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if i == 0 && strings.HasPrefix(line, "ts_utc") {
			continue // header
		}

		rec, ok := parseLine(line)
		if !ok {
			continue
		}

		switch rec.kind {
		case kindOpen:
			if _, exists := ranges[rec.rangeID]; !exists {
				order = append(order, rec.rangeID)
			}
			ranges[rec.rangeID] = &pair{open: rec}
		case kindClose:
			if p, exists := ranges[rec.rangeID]; exists {
				c := rec
				p.close = &c
			}
		}
	}

	signals := make([]domain.TradingSignal, 0, len(ranges))
	for _, id := range order {
		p := ranges[id]
		if p.open.side == "" {
			continue
		}

		sig := domain.TradingSignal{
			ID:         id,
			Timestamp:  p.open.timestamp,
			Side:       p.open.side,
			EntryPrice: p.open.priceHint, // 0 means "enrich from ticks"
			RangeID:    id,
			MessageID:  p.open.messageID,
			Confidence: p.open.confidence,
		}
		if sig.Confidence == 0 {
			sig.Confidence = 0.95
		}
		if p.close != nil {
			sig.CloseTimestamp = p.close.timestamp
			sig.ClosePrice = p.close.priceHint
		}
		signals = append(signals, sig)
	}

	sort.SliceStable(signals, func(i, j int) bool {
		return signals[i].Timestamp.Before(signals[j].Timestamp)
	})
	return signals
}

// LoadFile reads and parses a signal export from disk.
func LoadFile(path string) ([]domain.TradingSignal, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(content), nil
}
