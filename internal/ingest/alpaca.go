package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"gridback/internal/config"
	"gridback/internal/domain"
	"gridback/internal/store"
	"gridback/internal/util"
)

// quoteClient is the slice of the Alpaca market-data API the gatherer uses.
type quoteClient interface {
	GetQuotes(symbol string, req marketdata.GetQuotesRequest) ([]marketdata.Quote, error)
}

// QuoteGatherer backfills bid/ask ticks for one symbol from the Alpaca
// historical quotes API, one calendar day per request.
type QuoteGatherer struct {
	client  quoteClient
	store   store.TickStore
	symbol  string
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewQuoteGatherer creates a QuoteGatherer with the given credentials and
// per-minute request budget.
func NewQuoteGatherer(cfg config.Alpaca, ts store.TickStore, symbol string, perMinute int, log *slog.Logger) *QuoteGatherer {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	if perMinute <= 0 {
		perMinute = 200
	}

	return &QuoteGatherer{
		client:  marketdata.NewClient(opts),
		store:   ts,
		symbol:  symbol,
		limiter: util.NewRateLimiter(perMinute),
		log:     log.With("component", "ingest", "gatherer", "alpaca-quotes", "symbol", symbol),
	}
}

// Gather fetches quotes for every day in [start, end] and writes them as
// ticks. Transient API failures are retried with backoff; a day that still
// fails aborts the run so a re-run can resume cleanly.
func (g *QuoteGatherer) Gather(ctx context.Context, start, end time.Time) (int, error) {
	days := util.DaysBetween(start, end)
	began := time.Now()
	total := 0

	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return total, err
		}

		dayStart, err := util.ParseDay(day)
		if err != nil {
			return total, err
		}
		dayEnd := dayStart.Add(24*time.Hour - time.Millisecond)

		var quotes []marketdata.Quote
		err = util.Retry(ctx, 3, time.Second, func() error {
			var qerr error
			quotes, qerr = g.client.GetQuotes(g.symbol, marketdata.GetQuotesRequest{
				Start: dayStart,
				End:   dayEnd,
			})
			return qerr
		})
		if err != nil {
			return total, fmt.Errorf("fetching quotes for %s: %w", day, err)
		}
		if len(quotes) == 0 {
			continue
		}

		ticks := make([]domain.Tick, 0, len(quotes))
		for _, q := range quotes {
			ticks = append(ticks, domain.Tick{
				Timestamp: q.Timestamp,
				Bid:       q.BidPrice,
				Ask:       q.AskPrice,
				Spread:    q.AskPrice - q.BidPrice,
			})
		}
		if err := g.store.WriteTicks(ctx, g.symbol, ticks); err != nil {
			return total, fmt.Errorf("writing ticks for %s: %w", day, err)
		}
		total += len(ticks)

		g.log.Info("day backfilled", "day", day, "ticks", len(ticks))
	}

	g.log.Info("backfill complete",
		"days", len(days),
		"ticks", total,
		"elapsed", time.Since(began).Round(time.Second),
	)
	return total, nil
}
