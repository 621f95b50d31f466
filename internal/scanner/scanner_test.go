package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marcusholm/polyscan/internal/domain"
	"github.com/marcusholm/polyscan/internal/strategy"
)

type stubCatalog struct {
	mu      sync.Mutex
	markets []domain.Market
	partial bool
	err     error
	block   chan struct{} // when set, Fetch waits here
	entered chan struct{} // closed on first Fetch
	once    sync.Once
}

func (s *stubCatalog) Fetch(ctx context.Context) ([]domain.Market, bool, error) {
	if s.entered != nil {
		s.once.Do(func() { close(s.entered) })
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markets, s.partial, s.err
}

type stubQuotes struct {
	quotes   map[string]domain.Quote
	failures int
}

func (s *stubQuotes) Enrich(ctx context.Context, markets []domain.Market) (map[string]domain.Quote, int) {
	return s.quotes, s.failures
}

type fakeQueue struct {
	mu      sync.Mutex
	matches []domain.StrategyMatch
}

func (q *fakeQueue) Enqueue(m domain.StrategyMatch) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.matches = append(q.matches, m)
	return true
}

func (q *fakeQueue) Stats() domain.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return domain.QueueStats{Queued: len(q.matches)}
}

type fakeWatcher struct {
	mu      sync.Mutex
	markets []domain.Market
}

func (w *fakeWatcher) AddMarkets(ms ...domain.Market) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.markets = append(w.markets, ms...)
	return len(ms)
}

type fakeMatchStore struct {
	mu      sync.Mutex
	batches [][]domain.StrategyMatch
}

func (s *fakeMatchStore) Insert(ctx context.Context, m domain.StrategyMatch) error { return nil }

func (s *fakeMatchStore) InsertBatch(ctx context.Context, ms []domain.StrategyMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, ms)
	return nil
}

func (s *fakeMatchStore) GetByID(ctx context.Context, id string) (domain.StrategyMatch, error) {
	return domain.StrategyMatch{}, domain.ErrNotFound
}

func (s *fakeMatchStore) MarkExecuted(ctx context.Context, id string) error { return nil }

func (s *fakeMatchStore) ListRecent(ctx context.Context, limit int) ([]domain.StrategyMatch, error) {
	return nil, nil
}

func (s *fakeMatchStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.StrategyMatch, error) {
	return nil, nil
}

func (s *fakeMatchStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeScanStore struct {
	mu      sync.Mutex
	reports []domain.ScanReport
}

func (s *fakeScanStore) Insert(ctx context.Context, r domain.ScanReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (s *fakeScanStore) ListRecent(ctx context.Context, limit int) ([]domain.ScanReport, error) {
	return nil, nil
}

type fakeBus struct {
	mu     sync.Mutex
	events map[string][][]byte
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.events == nil {
		b.events = make(map[string][][]byte)
	}
	b.events[channel] = append(b.events[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, nil
}

func (b *fakeBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	return nil
}

func (b *fakeBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	calls    [][]domain.StrategyMatch
	scanErrs []string
}

func (n *fakeNotifier) MatchesFound(ctx context.Context, matches []domain.StrategyMatch) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, matches)
}

func (n *fakeNotifier) ScanError(ctx context.Context, scanID, cause string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scanErrs = append(n.scanErrs, cause)
}

type fakeArchiver struct {
	mu      sync.Mutex
	reports []domain.ScanReport
}

func (a *fakeArchiver) ArchiveScan(ctx context.Context, r domain.ScanReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, r)
	return nil
}

type scannerFixture struct {
	scanner  *Scanner
	queue    *fakeQueue
	watcher  *fakeWatcher
	matches  *fakeMatchStore
	scans    *fakeScanStore
	bus      *fakeBus
	notifier *fakeNotifier
	archiver *fakeArchiver
}

func newScannerFixture(cfg Config, catalog CatalogSource, quotes QuoteSource) *scannerFixture {
	fx := &scannerFixture{
		queue:    &fakeQueue{},
		watcher:  &fakeWatcher{},
		matches:  &fakeMatchStore{},
		scans:    &fakeScanStore{},
		bus:      &fakeBus{},
		notifier: &fakeNotifier{},
		archiver: &fakeArchiver{},
	}
	fx.scanner = New(cfg, Deps{
		Catalog:  catalog,
		Quotes:   quotes,
		Queue:    fx.queue,
		Watcher:  fx.watcher,
		Matches:  fx.matches,
		Scans:    fx.scans,
		Bus:      fx.bus,
		Notifier: fx.notifier,
		Archiver: fx.archiver,
	}, discardLogger())
	return fx
}

func testStrategyConfig() strategy.Config {
	return strategy.Config{
		EnableMintSplit:     true,
		EnableArbitrage:     true,
		EnableMarketMaking:  true,
		MinOutcomesForMint:  3,
		MinPriceSumMargin:   0.02,
		SpreadThreshold:     0.02,
		TargetSpreadPct:     4.0,
		MintAmount:          100,
		TradeAmount:         50,
		TakerFeeRate:        0.01,
		GasFeeUSD:           0.5,
		MinNetProfit:        1.0,
		MinLiquidity:        1000,
		MinVolume24h:        500,
		HighConfidenceDepth: 2.0,
	}
}

func testScanConfig() Config {
	return Config{
		Interval:    time.Hour,
		AutoExecute: true,
		Strategy:    testStrategyConfig(),
	}
}

func scanQuote(token string, bid, ask, depth float64) domain.Quote {
	return domain.Quote{
		TokenID:   token,
		BestBid:   bid,
		BidSize:   depth,
		BestAsk:   ask,
		AskSize:   depth,
		FetchedAt: time.Now(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRunScanPipeline(t *testing.T) {
	hot := listedMarket("hot", time.Hour, 2)
	quiet := listedMarket("quiet", 2*time.Hour, 2)
	catalog := &stubCatalog{markets: []domain.Market{hot, quiet}}
	quotes := &stubQuotes{quotes: map[string]domain.Quote{
		"hot-tok-0":   scanQuote("hot-tok-0", 0.47, 0.49, 100),
		"hot-tok-1":   scanQuote("hot-tok-1", 0.57, 0.59, 100),
		"quiet-tok-0": scanQuote("quiet-tok-0", 0.49, 0.50, 100),
		"quiet-tok-1": scanQuote("quiet-tok-1", 0.49, 0.51, 100),
	}}
	fx := newScannerFixture(testScanConfig(), catalog, quotes)

	report, err := fx.scanner.RunScan(context.Background())
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}

	if report.MarketsListed != 2 || report.MarketsEvaluated != 2 {
		t.Errorf("listed/evaluated = %d/%d, want 2/2", report.MarketsListed, report.MarketsEvaluated)
	}
	if report.QuotesFetched != 4 || report.QuoteFailures != 0 {
		t.Errorf("quotes fetched/failures = %d/%d, want 4/0", report.QuotesFetched, report.QuoteFailures)
	}
	if report.MatchCount() != 1 {
		t.Fatalf("matches = %d, want the one short arbitrage", report.MatchCount())
	}
	match := report.Matches[0]
	if match.Strategy != domain.StrategyArbitrageShort {
		t.Errorf("strategy = %v, want ARBITRAGE_SHORT", match.Strategy)
	}
	if match.Source != domain.MatchSourceScan {
		t.Errorf("source = %q, want %q", match.Source, domain.MatchSourceScan)
	}

	if len(fx.matches.batches) != 1 || len(fx.matches.batches[0]) != 1 {
		t.Error("match batch should be persisted once")
	}
	if len(fx.bus.events["matches"]) != 1 {
		t.Errorf("bus events = %d, want 1 on the matches channel", len(fx.bus.events["matches"]))
	}
	if len(fx.notifier.calls) != 1 {
		t.Errorf("notifier calls = %d, want 1", len(fx.notifier.calls))
	}
	if len(fx.queue.matches) != 1 {
		t.Errorf("queued = %d, want the high confidence match auto-queued", len(fx.queue.matches))
	}
	if len(fx.watcher.markets) != 2 {
		t.Errorf("watched markets = %d, want both binary markets", len(fx.watcher.markets))
	}
	if len(fx.scans.reports) != 1 {
		t.Errorf("scan reports stored = %d, want 1", len(fx.scans.reports))
	}
	if len(fx.archiver.reports) != 1 {
		t.Errorf("archived reports = %d, want 1", len(fx.archiver.reports))
	}

	status := fx.scanner.Status()
	if status.ScansRun != 1 || status.MatchesFound != 1 || status.MarketsScanned != 2 {
		t.Errorf("status = %+v, want 1 scan, 1 match, 2 markets", status)
	}
	if status.LastScanID != report.ID {
		t.Errorf("last scan id = %q, want %q", status.LastScanID, report.ID)
	}
	if status.Queue.Queued != 1 {
		t.Errorf("queue stats = %+v, want 1 queued", status.Queue)
	}
}

func TestRunScanSortsMatchesByProfit(t *testing.T) {
	small := listedMarket("small", time.Hour, 2)
	big := listedMarket("big", 2*time.Hour, 2)
	catalog := &stubCatalog{markets: []domain.Market{small, big}}
	quotes := &stubQuotes{quotes: map[string]domain.Quote{
		"small-tok-0": scanQuote("small-tok-0", 0.47, 0.49, 100),
		"small-tok-1": scanQuote("small-tok-1", 0.57, 0.59, 100),
		"big-tok-0":   scanQuote("big-tok-0", 0.50, 0.52, 100),
		"big-tok-1":   scanQuote("big-tok-1", 0.60, 0.62, 100),
	}}
	fx := newScannerFixture(testScanConfig(), catalog, quotes)

	report, err := fx.scanner.RunScan(context.Background())
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if report.MatchCount() != 2 {
		t.Fatalf("matches = %d, want 2", report.MatchCount())
	}
	if report.Matches[0].ConditionID != "big" {
		t.Errorf("first match = %s, want the bigger edge first", report.Matches[0].ConditionID)
	}
	if report.Matches[0].EstimatedProfit <= report.Matches[1].EstimatedProfit {
		t.Errorf("profits not descending: %v then %v",
			report.Matches[0].EstimatedProfit, report.Matches[1].EstimatedProfit)
	}
}

func TestRunScanSingleFlight(t *testing.T) {
	catalog := &stubCatalog{
		block:   make(chan struct{}),
		entered: make(chan struct{}),
	}
	fx := newScannerFixture(testScanConfig(), catalog, &stubQuotes{})

	firstDone := make(chan error, 1)
	go func() {
		_, err := fx.scanner.RunScan(context.Background())
		firstDone <- err
	}()

	<-catalog.entered
	if _, err := fx.scanner.RunScan(context.Background()); !errors.Is(err, domain.ErrScanInFlight) {
		t.Errorf("second scan err = %v, want ErrScanInFlight", err)
	}

	close(catalog.block)
	if err := <-firstDone; err != nil {
		t.Errorf("first scan err = %v", err)
	}

	// The guard clears once the pass finishes.
	if _, err := fx.scanner.RunScan(context.Background()); err != nil {
		t.Errorf("scan after completion err = %v", err)
	}
}

func TestRunScanRecordsCatalogFailure(t *testing.T) {
	catalog := &stubCatalog{err: domain.Transient("list markets", errors.New("upstream down"))}
	fx := newScannerFixture(testScanConfig(), catalog, &stubQuotes{})

	report, err := fx.scanner.RunScan(context.Background())
	if err == nil {
		t.Fatal("RunScan should surface the catalog failure")
	}
	if report.Error == "" {
		t.Error("report.Error should carry the failure")
	}
	if len(fx.scans.reports) != 1 {
		t.Errorf("failed pass should still be recorded, got %d reports", len(fx.scans.reports))
	}
	if len(fx.archiver.reports) != 0 {
		t.Errorf("failed pass must not be archived, got %d", len(fx.archiver.reports))
	}
	if st := fx.scanner.Status(); st.ScanErrors != 1 {
		t.Errorf("scan errors = %d, want 1", st.ScanErrors)
	}
}

func TestAutoExecuteQueuesOnlyHighConfidence(t *testing.T) {
	tests := []struct {
		name       string
		autoExec   bool
		depth      float64
		wantQueued int
	}{
		{"high confidence and enabled", true, 100, 1},
		{"medium confidence and enabled", true, 10, 0},
		{"high confidence but disabled", false, 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hot := listedMarket("hot", time.Hour, 2)
			catalog := &stubCatalog{markets: []domain.Market{hot}}
			quotes := &stubQuotes{quotes: map[string]domain.Quote{
				"hot-tok-0": scanQuote("hot-tok-0", 0.47, 0.49, tt.depth),
				"hot-tok-1": scanQuote("hot-tok-1", 0.57, 0.59, tt.depth),
			}}
			cfg := testScanConfig()
			cfg.AutoExecute = tt.autoExec
			fx := newScannerFixture(cfg, catalog, quotes)

			if _, err := fx.scanner.RunScan(context.Background()); err != nil {
				t.Fatalf("RunScan: %v", err)
			}
			if len(fx.queue.matches) != tt.wantQueued {
				t.Errorf("queued = %d, want %d", len(fx.queue.matches), tt.wantQueued)
			}
		})
	}
}

func TestUpdateConfigChangesNextPass(t *testing.T) {
	hot := listedMarket("hot", time.Hour, 2)
	catalog := &stubCatalog{markets: []domain.Market{hot}}
	quotes := &stubQuotes{quotes: map[string]domain.Quote{
		"hot-tok-0": scanQuote("hot-tok-0", 0.47, 0.49, 100),
		"hot-tok-1": scanQuote("hot-tok-1", 0.57, 0.59, 100),
	}}
	fx := newScannerFixture(testScanConfig(), catalog, quotes)

	report, err := fx.scanner.RunScan(context.Background())
	if err != nil {
		t.Fatalf("RunScan: %v", err)
	}
	if report.MatchCount() != 1 {
		t.Fatalf("matches before patch = %d, want 1", report.MatchCount())
	}

	// Widening the threshold past the observed edge silences the match.
	threshold := 0.05
	autoExec := false
	got := fx.scanner.UpdateConfig(ConfigPatch{
		SpreadThreshold: &threshold,
		AutoExecute:     &autoExec,
	})
	if got.Strategy.SpreadThreshold != 0.05 || got.AutoExecute {
		t.Errorf("patched config = %+v, want threshold 0.05 and auto-execute off", got)
	}
	if cfg := fx.scanner.Config(); cfg.Strategy.SpreadThreshold != 0.05 {
		t.Errorf("Config() threshold = %v, want 0.05", cfg.Strategy.SpreadThreshold)
	}

	report, err = fx.scanner.RunScan(context.Background())
	if err != nil {
		t.Fatalf("RunScan after patch: %v", err)
	}
	if report.MatchCount() != 0 {
		t.Errorf("matches after patch = %d, want 0", report.MatchCount())
	}
}

func TestStartStopLifecycle(t *testing.T) {
	catalog := &stubCatalog{}
	fx := newScannerFixture(Config{
		Interval: 5 * time.Millisecond,
		Strategy: testStrategyConfig(),
	}, catalog, &stubQuotes{})

	if err := fx.scanner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := fx.scanner.Start(context.Background()); err != nil {
		t.Fatalf("second Start should be a no-op: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return fx.scanner.Status().ScansRun >= 2
	})

	fx.scanner.Pause()
	if st := fx.scanner.Status(); !st.Paused || !st.Running {
		t.Errorf("status after pause = %+v, want paused and still running", st)
	}

	fx.scanner.Resume()
	if st := fx.scanner.Status(); st.Paused {
		t.Error("status still paused after resume")
	}

	fx.scanner.Stop()
	if st := fx.scanner.Status(); st.Running {
		t.Error("status still running after stop")
	}
	fx.scanner.Stop() // second stop is a no-op
}
