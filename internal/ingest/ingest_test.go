package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"gridback/internal/domain"
	"gridback/internal/util"
)

type memStore struct {
	ticks  []domain.Tick
	writes int
	err    error
}

func (m *memStore) WriteTicks(_ context.Context, _ string, ticks []domain.Tick) error {
	if m.err != nil {
		return m.err
	}
	m.writes++
	m.ticks = append(m.ticks, ticks...)
	return nil
}

func (m *memStore) ReadTicks(_ context.Context, _ string, _, _ time.Time) ([]domain.Tick, error) {
	return m.ticks, nil
}

func (m *memStore) ListSymbols(_ context.Context) ([]string, error) {
	return []string{"XAUUSD"}, nil
}

func newTestImporter(t *testing.T, ms *memStore) *Importer {
	t.Helper()
	im, err := NewImporter(ms, "XAUUSD", t.TempDir(), util.NewLogger("error"))
	if err != nil {
		t.Fatalf("NewImporter: %v", err)
	}
	t.Cleanup(func() { im.Close() })
	return im
}

func TestParseTickLine(t *testing.T) {
	cases := []struct {
		line string
		ok   bool
		bid  float64
	}{
		{"2025-01-10T09:00:00Z;1900.5;1900.7", true, 1900.5},
		{"2025-01-10T09:00:00Z;1900.5;1900.7;0.3", true, 1900.5},
		{"2025-01-10 09:00:00;1900.5;1900.7", true, 1900.5},
		{"2025-01-10T09:00:00Z,1900.5,1900.7", true, 1900.5},
		{"1736499600000;1900.5;1900.7", true, 1900.5}, // epoch millis
		{"timestamp;bid;ask", false, 0},               // header
		{"2025-01-10T09:00:00Z;not-a-price;1900.7", false, 0},
		{"2025-01-10T09:00:00Z;1900.5", false, 0},
		{"", false, 0},
	}
	for _, c := range cases {
		tick, ok := parseTickLine(c.line)
		if ok != c.ok {
			t.Errorf("parseTickLine(%q) ok = %v, want %v", c.line, ok, c.ok)
			continue
		}
		if ok && tick.Bid != c.bid {
			t.Errorf("parseTickLine(%q) bid = %v, want %v", c.line, tick.Bid, c.bid)
		}
	}
}

func TestParseTickLineDerivesSpread(t *testing.T) {
	tick, ok := parseTickLine("2025-01-10T09:00:00Z;1900.5;1900.7")
	if !ok {
		t.Fatal("line did not parse")
	}
	if diff := tick.Spread - 0.2; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("derived spread = %v, want 0.2", tick.Spread)
	}
}

func TestImportFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ticks.csv")
	content := "timestamp;bid;ask\n" +
		"2025-01-10T09:00:00Z;1900.5;1900.7\n" +
		"garbage line\n" +
		"2025-01-10T09:00:01Z;1900.6;1900.8\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing input: %v", err)
	}

	ms := &memStore{}
	im := newTestImporter(t, ms)

	n, err := im.ImportFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	if n != 2 {
		t.Errorf("imported = %d ticks, want 2 (header and garbage dropped)", n)
	}
	if len(ms.ticks) != 2 {
		t.Errorf("store holds %d ticks, want 2", len(ms.ticks))
	}
}

func TestImportFileSkipsCompleted(t *testing.T) {
	markerDir := t.TempDir()
	dataDir := t.TempDir()
	path := filepath.Join(dataDir, "ticks.csv")
	if err := os.WriteFile(path, []byte("2025-01-10T09:00:00Z;1900.5;1900.7\n"), 0o644); err != nil {
		t.Fatalf("writing input: %v", err)
	}

	ms := &memStore{}
	im, err := NewImporter(ms, "XAUUSD", markerDir, util.NewLogger("error"))
	if err != nil {
		t.Fatalf("NewImporter: %v", err)
	}

	if _, err := im.ImportFile(context.Background(), path); err != nil {
		t.Fatalf("ImportFile (first): %v", err)
	}
	im.Close()

	// A fresh importer over the same marker dir resumes past the file.
	im2, err := NewImporter(ms, "XAUUSD", markerDir, util.NewLogger("error"))
	if err != nil {
		t.Fatalf("NewImporter (second): %v", err)
	}
	defer im2.Close()

	n, err := im2.ImportFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ImportFile (second): %v", err)
	}
	if n != 0 {
		t.Errorf("re-import wrote %d ticks, want 0 (marker honoured)", n)
	}
	if len(ms.ticks) != 1 {
		t.Errorf("store holds %d ticks, want 1", len(ms.ticks))
	}
}

func TestImportDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"b.csv":    "2025-01-11T09:00:00Z;1901.0;1901.2\n",
		"a.csv":    "2025-01-10T09:00:00Z;1900.0;1900.2\n",
		"skip.txt": "2025-01-12T09:00:00Z;1902.0;1902.2\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}

	ms := &memStore{}
	im := newTestImporter(t, ms)

	n, err := im.ImportDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("ImportDir: %v", err)
	}
	if n != 2 {
		t.Errorf("imported = %d ticks, want 2 (.txt ignored)", n)
	}
	// Name order: a.csv first.
	if ms.ticks[0].Bid != 1900.0 {
		t.Errorf("first tick bid = %v, want 1900.0 from a.csv", ms.ticks[0].Bid)
	}
}

func TestImportFilePropagatesStoreError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ticks.csv")
	lines := ""
	for i := 0; i < writeBatchSize+1; i++ {
		lines += "2025-01-10T09:00:00Z;1900.5;1900.7\n"
	}
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("writing input: %v", err)
	}

	ms := &memStore{err: errors.New("disk full")}
	im := newTestImporter(t, ms)

	if _, err := im.ImportFile(context.Background(), path); err == nil {
		t.Error("store failure should propagate")
	}
	if im.tracker.IsDone("ticks.csv") {
		t.Error("failed file must not be marked done")
	}
}

// ---------------------------------------------------------------------------
// Alpaca quote gatherer
// ---------------------------------------------------------------------------

type fakeQuoteClient struct {
	quotes map[string][]marketdata.Quote // keyed by day
	calls  int
	err    error
}

func (f *fakeQuoteClient) GetQuotes(_ string, req marketdata.GetQuotesRequest) ([]marketdata.Quote, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.quotes[req.Start.UTC().Format(domain.DayKey)], nil
}

func TestGatherWritesQuotesAsTicks(t *testing.T) {
	day1 := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	fc := &fakeQuoteClient{quotes: map[string][]marketdata.Quote{
		"2025-01-10": {{Timestamp: day1, BidPrice: 1900.5, AskPrice: 1900.7}},
		"2025-01-11": {{Timestamp: day1.AddDate(0, 0, 1), BidPrice: 1901.0, AskPrice: 1901.3}},
	}}

	ms := &memStore{}
	g := &QuoteGatherer{
		client:  fc,
		store:   ms,
		symbol:  "XAUUSD",
		limiter: util.NewRateLimiter(60000),
		log:     util.NewLogger("error"),
	}

	n, err := g.Gather(context.Background(), day1, day1.AddDate(0, 0, 2))
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if n != 2 {
		t.Errorf("gathered = %d ticks, want 2", n)
	}
	if fc.calls != 3 { // one request per day, empty day included
		t.Errorf("API calls = %d, want 3", fc.calls)
	}
	if len(ms.ticks) != 2 {
		t.Fatalf("store holds %d ticks, want 2", len(ms.ticks))
	}
	if diff := ms.ticks[0].Spread - 0.2; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("spread = %v, want derived 0.2", ms.ticks[0].Spread)
	}
}

func TestGatherRetriesThenFails(t *testing.T) {
	fc := &fakeQuoteClient{err: errors.New("429 too many requests")}
	g := &QuoteGatherer{
		client:  fc,
		store:   &memStore{},
		symbol:  "XAUUSD",
		limiter: util.NewRateLimiter(60000),
		log:     util.NewLogger("error"),
	}

	day := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	if _, err := g.Gather(context.Background(), day, day); err == nil {
		t.Fatal("persistent API failure should abort the run")
	}
	if fc.calls != 3 {
		t.Errorf("API calls = %d, want 3 (retries with backoff)", fc.calls)
	}
}
