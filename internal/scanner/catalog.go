// Package scanner drives the scan pass: page through the market
// catalog, pull a quote for every outcome token, and run the matcher
// over the result. The Scanner type owns the periodic loop and the
// control surface around it.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/marcusholm/polyscan/internal/domain"
)

// MarketLister is the slice of the markets API the catalog fetcher
// pages through.
type MarketLister interface {
	ListActiveMarkets(ctx context.Context, limit, offset int) ([]domain.Market, error)
}

// CatalogConfig controls paging and retry behavior for one catalog
// pass.
type CatalogConfig struct {
	PageSize       int
	PageDelay      time.Duration
	MaxPageRetries int
	RetryBackoff   time.Duration
	MaxMarkets     int // 0 means no cap
}

// CatalogFetcher walks the market listing page by page and returns the
// deduplicated set of open markets, newest first.
type CatalogFetcher struct {
	lister MarketLister
	cfg    CatalogConfig
	logger *slog.Logger
}

func NewCatalogFetcher(lister MarketLister, cfg CatalogConfig, logger *slog.Logger) *CatalogFetcher {
	return &CatalogFetcher{
		lister: lister,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "catalog")),
	}
}

// Fetch pages until it sees a short or empty page. A page that still
// fails after its retries ends the pass early: with nothing collected
// the failure is returned, otherwise the markets gathered so far come
// back with partial set so the pass can still act on them. Markets
// without outcome tokens are dropped, duplicates keep their first
// occurrence, and the result is sorted newest first.
func (f *CatalogFetcher) Fetch(ctx context.Context) ([]domain.Market, bool, error) {
	var markets []domain.Market
	seen := make(map[string]struct{})
	partial := false
	offset := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		page, err := f.fetchPage(ctx, offset)
		if err != nil {
			if len(markets) == 0 {
				return nil, false, fmt.Errorf("scanner: catalog page at offset %d: %w", offset, err)
			}
			f.logger.Warn("catalog pass degraded, keeping partial result",
				slog.Int("offset", offset),
				slog.Int("collected", len(markets)),
				slog.String("error", err.Error()),
			)
			partial = true
			break
		}

		for _, m := range page {
			if len(m.Outcomes) == 0 {
				continue
			}
			if _, dup := seen[m.ConditionID]; dup {
				continue
			}
			seen[m.ConditionID] = struct{}{}
			markets = append(markets, m)
		}

		if f.cfg.MaxMarkets > 0 && len(markets) >= f.cfg.MaxMarkets {
			markets = markets[:f.cfg.MaxMarkets]
			break
		}
		if len(page) < f.cfg.PageSize {
			break
		}

		offset += f.cfg.PageSize
		if f.cfg.PageDelay > 0 {
			if err := sleepCtx(ctx, f.cfg.PageDelay); err != nil {
				return nil, false, err
			}
		}
	}

	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})

	f.logger.Info("catalog pass complete",
		slog.Int("markets", len(markets)),
		slog.Bool("partial", partial),
	)
	return markets, partial, nil
}

// fetchPage tries one page, retrying transient failures a bounded
// number of times. Anything non-retryable fails the page immediately.
func (f *CatalogFetcher) fetchPage(ctx context.Context, offset int) ([]domain.Market, error) {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxPageRetries; attempt++ {
		if attempt > 0 {
			f.logger.Warn("retrying catalog page",
				slog.Int("offset", offset),
				slog.Int("attempt", attempt),
				slog.String("error", lastErr.Error()),
			)
			if err := sleepCtx(ctx, f.cfg.RetryBackoff); err != nil {
				return nil, err
			}
		}

		page, err := f.lister.ListActiveMarkets(ctx, f.cfg.PageSize, offset)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !domain.IsRetryable(err) {
			break
		}
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
