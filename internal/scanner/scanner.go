package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcusholm/polyscan/internal/domain"
	"github.com/marcusholm/polyscan/internal/strategy"
)

// CatalogSource lists the markets a pass should evaluate.
type CatalogSource interface {
	Fetch(ctx context.Context) ([]domain.Market, bool, error)
}

// QuoteSource fills in a quote per outcome token.
type QuoteSource interface {
	Enrich(ctx context.Context, markets []domain.Market) (map[string]domain.Quote, int)
}

// MatchSink receives matches picked for automatic execution.
type MatchSink interface {
	Enqueue(match domain.StrategyMatch) bool
	Stats() domain.QueueStats
}

// MarketWatcher receives markets worth tracking in realtime.
type MarketWatcher interface {
	AddMarkets(markets ...domain.Market) int
}

// MatchNotifier pushes human-facing alerts about found matches and
// failed passes.
type MatchNotifier interface {
	MatchesFound(ctx context.Context, matches []domain.StrategyMatch)
	ScanError(ctx context.Context, scanID, cause string)
}

// ReportArchiver writes finished scan reports to cold storage.
type ReportArchiver interface {
	ArchiveScan(ctx context.Context, report domain.ScanReport) error
}

// Config holds the scan loop settings. The strategy block carries the
// matcher tunables so a config update can rebuild the matcher in
// place.
type Config struct {
	Interval    time.Duration
	AutoExecute bool
	Strategy    strategy.Config
}

// Deps are the scanner's collaborators. Catalog and Quotes are
// required; everything else is optional and skipped when nil.
type Deps struct {
	Catalog  CatalogSource
	Quotes   QuoteSource
	Queue    MatchSink
	Watcher  MarketWatcher
	Matches  domain.MatchStore
	Scans    domain.ScanStore
	Bus      domain.SignalBus
	Notifier MatchNotifier
	Archiver ReportArchiver
}

// Scanner runs scan passes on an interval and fans the results out to
// the configured sinks. All control-surface methods are safe for
// concurrent use.
type Scanner struct {
	deps   Deps
	base   *slog.Logger
	logger *slog.Logger

	mu       sync.Mutex
	cfg      Config
	matcher  *strategy.Matcher
	running  bool
	paused   bool
	scanning bool
	cancel   context.CancelFunc
	done     chan struct{}
	reload   chan struct{}

	scansRun       int64
	marketsScanned int64
	matchesFound   int64
	scanErrors     int64
	lastScanID     string
	lastScanAt     time.Time
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Scanner {
	return &Scanner{
		deps:    deps,
		base:    logger,
		logger:  logger.With(slog.String("component", "scanner")),
		cfg:     cfg,
		matcher: strategy.NewMatcher(cfg.Strategy, logger),
	}
}

// SetWatcher attaches the realtime watcher that scan passes feed.
// The watcher evaluates matches through the scanner, so the two are
// built in sequence and linked here. Must be called before Start.
func (s *Scanner) SetWatcher(w MarketWatcher) {
	s.deps.Watcher = w
}

// Start launches the scan loop. The first pass runs immediately and
// later passes follow the configured interval. Starting an already
// running scanner is a no-op.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("start ignored, already running")
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.paused = false
	s.cancel = cancel
	s.done = make(chan struct{})
	s.reload = make(chan struct{}, 1)
	interval := s.cfg.Interval
	s.mu.Unlock()

	go s.loop(runCtx)
	s.logger.InfoContext(ctx, "scan loop started", slog.Duration("interval", interval))
	return nil
}

// Stop cancels the loop and waits for the in-flight pass to wind down.
// Stopping an idle scanner is a no-op.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scanner stopped")
}

// Pause keeps the loop alive but skips scheduled passes until Resume.
// A manual RunScan still works while paused.
func (s *Scanner) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.logger.Info("scanner paused")
}

// Resume lifts a pause.
func (s *Scanner) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.logger.Info("scanner resumed")
}

func (s *Scanner) loop(ctx context.Context) {
	defer close(s.done)

	s.scanPass(ctx)

	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scan loop stopped")
			return
		case <-s.reload:
			ticker.Reset(s.interval())
		case <-ticker.C:
			if s.isPaused() {
				continue
			}
			s.scanPass(ctx)
		}
	}
}

func (s *Scanner) scanPass(ctx context.Context) {
	if _, err := s.RunScan(ctx); err != nil {
		if errors.Is(err, domain.ErrScanInFlight) || ctx.Err() != nil {
			return
		}
		s.logger.Error("scan pass failed", slog.String("error", err.Error()))
	}
}

// RunScan executes one full pass: list the catalog, quote every token,
// match, then fan the results out. Only one pass runs at a time; a
// second call while one is active reports ErrScanInFlight.
func (s *Scanner) RunScan(ctx context.Context) (domain.ScanReport, error) {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return domain.ScanReport{}, domain.ErrScanInFlight
	}
	s.scanning = true
	matcher := s.matcher
	autoExecute := s.cfg.AutoExecute
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
	}()

	report := domain.ScanReport{
		ID:        uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
	s.logger.InfoContext(ctx, "scan pass starting", slog.String("scan_id", report.ID))

	markets, partial, err := s.deps.Catalog.Fetch(ctx)
	if err != nil {
		report.Error = err.Error()
		report.FinishedAt = time.Now().UTC()
		if s.deps.Notifier != nil && ctx.Err() == nil {
			s.deps.Notifier.ScanError(ctx, report.ID, err.Error())
		}
		s.finishScan(ctx, report)
		return report, fmt.Errorf("scanner: run scan: %w", err)
	}
	report.Partial = partial
	report.MarketsListed = len(markets)

	quotes, failures := s.deps.Quotes.Enrich(ctx, markets)
	report.QuotesFetched = len(quotes) - failures
	report.QuoteFailures = failures

	var matches []domain.StrategyMatch
	for _, market := range markets {
		hits := matcher.Match(market, quotes)
		for i := range hits {
			hits[i].Source = domain.MatchSourceScan
		}
		matches = append(matches, hits...)
	}
	report.MarketsEvaluated = len(markets)

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].EstimatedProfit > matches[j].EstimatedProfit
	})
	report.Matches = matches
	report.FinishedAt = time.Now().UTC()

	s.logger.InfoContext(ctx, "scan pass complete",
		slog.String("scan_id", report.ID),
		slog.Int("markets", report.MarketsEvaluated),
		slog.Int("matches", len(matches)),
		slog.Int("quote_failures", failures),
		slog.Bool("partial", partial),
		slog.Duration("took", report.Duration()),
	)

	s.fanOutMatches(ctx, matches, autoExecute)
	s.watchMarkets(markets)
	s.finishScan(ctx, report)

	return report, nil
}

// fanOutMatches persists, publishes, notifies and, when auto-execution
// is on, queues the high confidence matches. Sink failures are logged
// and never abort the pass.
func (s *Scanner) fanOutMatches(ctx context.Context, matches []domain.StrategyMatch, autoExecute bool) {
	if len(matches) == 0 {
		return
	}

	if s.deps.Matches != nil {
		if err := s.deps.Matches.InsertBatch(ctx, matches); err != nil {
			s.logger.WarnContext(ctx, "persist matches failed", slog.String("error", err.Error()))
		}
	}

	if s.deps.Bus != nil {
		for _, m := range matches {
			evt, _ := json.Marshal(map[string]any{
				"event":        "match_found",
				"match_id":     m.ID,
				"strategy":     m.Strategy,
				"confidence":   m.Confidence,
				"condition_id": m.ConditionID,
				"question":     m.Question,
				"profit":       m.EstimatedProfit,
				"source":       m.Source,
			})
			if err := s.deps.Bus.Publish(ctx, "matches", evt); err != nil {
				s.logger.WarnContext(ctx, "publish match failed",
					slog.String("match_id", m.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if s.deps.Notifier != nil {
		s.deps.Notifier.MatchesFound(ctx, matches)
	}

	if autoExecute && s.deps.Queue != nil {
		queued := 0
		for _, m := range matches {
			if m.Confidence != domain.ConfidenceHigh {
				continue
			}
			if s.deps.Queue.Enqueue(m) {
				queued++
			}
		}
		if queued > 0 {
			s.logger.InfoContext(ctx, "queued matches for execution", slog.Int("count", queued))
		}
	}
}

// watchMarkets registers binary markets with the realtime monitor so
// price pushes between passes get re-checked.
func (s *Scanner) watchMarkets(markets []domain.Market) {
	if s.deps.Watcher == nil {
		return
	}
	binary := make([]domain.Market, 0, len(markets))
	for _, m := range markets {
		if m.Binary() {
			binary = append(binary, m)
		}
	}
	if len(binary) == 0 {
		return
	}
	if added := s.deps.Watcher.AddMarkets(binary...); added > 0 {
		s.logger.Info("registered markets with monitor", slog.Int("count", added))
	}
}

func (s *Scanner) finishScan(ctx context.Context, report domain.ScanReport) {
	s.mu.Lock()
	s.scansRun++
	s.marketsScanned += int64(report.MarketsEvaluated)
	s.matchesFound += int64(report.MatchCount())
	if report.Error != "" {
		s.scanErrors++
	}
	s.lastScanID = report.ID
	s.lastScanAt = report.FinishedAt
	s.mu.Unlock()

	if s.deps.Scans != nil {
		if err := s.deps.Scans.Insert(ctx, report); err != nil {
			s.logger.WarnContext(ctx, "persist scan report failed", slog.String("error", err.Error()))
		}
	}
	if s.deps.Archiver != nil && report.Error == "" {
		if err := s.deps.Archiver.ArchiveScan(ctx, report); err != nil {
			s.logger.WarnContext(ctx, "archive scan report failed", slog.String("error", err.Error()))
		}
	}
}

// ConfigPatch is a partial settings update. Nil fields keep their
// current values.
type ConfigPatch struct {
	ScanInterval      *time.Duration
	AutoExecute       *bool
	MinNetProfit      *float64
	MinPriceSumMargin *float64
	SpreadThreshold   *float64
	TargetSpreadPct   *float64
	MintAmount        *float64
	TradeAmount       *float64
}

// UpdateConfig applies a partial settings change and returns the
// resulting config. Strategy changes take effect on the next pass; an
// interval change reschedules the running loop.
func (s *Scanner) UpdateConfig(patch ConfigPatch) Config {
	s.mu.Lock()
	intervalChanged := false
	if patch.ScanInterval != nil && *patch.ScanInterval > 0 && *patch.ScanInterval != s.cfg.Interval {
		s.cfg.Interval = *patch.ScanInterval
		intervalChanged = true
	}
	if patch.AutoExecute != nil {
		s.cfg.AutoExecute = *patch.AutoExecute
	}

	st := &s.cfg.Strategy
	if patch.MinNetProfit != nil {
		st.MinNetProfit = *patch.MinNetProfit
	}
	if patch.MinPriceSumMargin != nil {
		st.MinPriceSumMargin = *patch.MinPriceSumMargin
	}
	if patch.SpreadThreshold != nil {
		st.SpreadThreshold = *patch.SpreadThreshold
	}
	if patch.TargetSpreadPct != nil {
		st.TargetSpreadPct = *patch.TargetSpreadPct
	}
	if patch.MintAmount != nil && *patch.MintAmount > 0 {
		st.MintAmount = *patch.MintAmount
	}
	if patch.TradeAmount != nil && *patch.TradeAmount > 0 {
		st.TradeAmount = *patch.TradeAmount
	}
	s.matcher = strategy.NewMatcher(s.cfg.Strategy, s.base)

	cfg := s.cfg
	running := s.running
	reload := s.reload
	s.mu.Unlock()

	if intervalChanged && running {
		select {
		case reload <- struct{}{}:
		default:
		}
	}

	s.logger.Info("config updated",
		slog.Duration("interval", cfg.Interval),
		slog.Bool("auto_execute", cfg.AutoExecute),
		slog.Float64("min_net_profit", cfg.Strategy.MinNetProfit),
	)
	return cfg
}

// MatchPair evaluates one binary market against a pair of live prices
// using the current matcher. This is the entry point for the realtime
// monitor, so config updates apply to pushed prices too.
func (s *Scanner) MatchPair(market domain.Market, prices map[string]float64) []domain.StrategyMatch {
	s.mu.Lock()
	matcher := s.matcher
	s.mu.Unlock()
	return matcher.MatchPair(market, prices)
}

// Config returns a snapshot of the current settings.
func (s *Scanner) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Status reports the control-surface snapshot. Monitor fields are left
// for the caller that owns the monitor.
func (s *Scanner) Status() domain.ServiceStatus {
	s.mu.Lock()
	st := domain.ServiceStatus{
		Running:        s.running,
		Paused:         s.paused,
		Scanning:       s.scanning,
		AutoExecute:    s.cfg.AutoExecute,
		ScansRun:       s.scansRun,
		MarketsScanned: s.marketsScanned,
		MatchesFound:   s.matchesFound,
		ScanErrors:     s.scanErrors,
		LastScanID:     s.lastScanID,
	}
	if !s.lastScanAt.IsZero() {
		t := s.lastScanAt
		st.LastScanAt = &t
	}
	s.mu.Unlock()

	if s.deps.Queue != nil {
		st.Queue = s.deps.Queue.Stats()
	}
	return st
}

func (s *Scanner) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scanner) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Interval
}
