package scanner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marcusholm/polyscan/internal/domain"
)

// QuoteFetcher pulls the top of book for one outcome token.
type QuoteFetcher interface {
	GetQuote(ctx context.Context, tokenID string) (domain.Quote, error)
}

// EnricherConfig controls the quote fan-out.
type EnricherConfig struct {
	BatchSize    int
	QuoteTimeout time.Duration
}

// QuoteEnricher fetches quotes for every outcome token across the
// listed markets, one fixed-size concurrent batch at a time. Fetched
// mid prices are written through the price cache when one is
// configured, so API readers see scan-pass observations alongside the
// monitor's.
type QuoteEnricher struct {
	books  QuoteFetcher
	prices domain.PriceCache // optional
	cfg    EnricherConfig
	logger *slog.Logger
}

func NewQuoteEnricher(books QuoteFetcher, prices domain.PriceCache, cfg EnricherConfig, logger *slog.Logger) *QuoteEnricher {
	return &QuoteEnricher{
		books:  books,
		prices: prices,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "quotes")),
	}
}

// Enrich returns a quote per unique token across the markets. A token
// whose fetch fails lands in the map as the failure placeholder instead
// of aborting the pass, so one bad book never costs the whole scan. The
// second return value counts those failures.
func (e *QuoteEnricher) Enrich(ctx context.Context, markets []domain.Market) (map[string]domain.Quote, int) {
	seen := make(map[string]struct{})
	tokens := make([]string, 0, len(markets)*2)
	for _, m := range markets {
		for _, tid := range m.TokenIDs() {
			if tid == "" {
				continue
			}
			if _, dup := seen[tid]; dup {
				continue
			}
			seen[tid] = struct{}{}
			tokens = append(tokens, tid)
		}
	}

	batch := e.cfg.BatchSize
	if batch <= 0 {
		batch = 1
	}

	quotes := make(map[string]domain.Quote, len(tokens))
	failures := 0
	var mu sync.Mutex

	for start := 0; start < len(tokens); start += batch {
		if ctx.Err() != nil {
			break
		}
		end := min(start+batch, len(tokens))

		var wg sync.WaitGroup
		for _, tid := range tokens[start:end] {
			wg.Add(1)
			go func(tokenID string) {
				defer wg.Done()
				q, err := e.fetchOne(ctx, tokenID)
				if err == nil {
					e.cachePrice(ctx, q)
				}
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					quotes[tokenID] = domain.SentinelQuote(tokenID)
					failures++
					return
				}
				quotes[tokenID] = q
			}(tid)
		}
		wg.Wait()
	}

	e.logger.Info("quote pass complete",
		slog.Int("tokens", len(tokens)),
		slog.Int("failures", failures),
	)
	return quotes, failures
}

// cachePrice records a fetched quote's mid price. One-sided books have
// no mid and are skipped; a cache failure never fails the pass.
func (e *QuoteEnricher) cachePrice(ctx context.Context, q domain.Quote) {
	if e.prices == nil {
		return
	}
	mid := q.Mid()
	if mid <= 0 {
		return
	}
	ts := q.FetchedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if err := e.prices.SetPrice(ctx, q.TokenID, mid, ts); err != nil {
		e.logger.Debug("price cache write failed",
			slog.String("token_id", q.TokenID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *QuoteEnricher) fetchOne(ctx context.Context, tokenID string) (domain.Quote, error) {
	if e.cfg.QuoteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.QuoteTimeout)
		defer cancel()
	}

	q, err := e.books.GetQuote(ctx, tokenID)
	if err != nil {
		e.logger.Debug("quote fetch failed",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
		return domain.Quote{}, err
	}
	return q, nil
}
