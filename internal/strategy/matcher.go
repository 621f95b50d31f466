// Package strategy evaluates market quotes against the configured
// detection strategies and emits a match for every setup whose edge
// survives fees. The matcher is pure: it never touches the network and
// never mutates its inputs, so the scanner and the realtime monitor can
// share one instance.
package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marcusholm/polyscan/internal/domain"
)

// Config holds the tunables for all detection strategies. Amounts are
// USD notionals. Thresholds and rates are fractions of 1.0 except
// TargetSpreadPct, which is a percentage.
type Config struct {
	EnableMintSplit    bool
	EnableArbitrage    bool
	EnableMarketMaking bool

	MinOutcomesForMint int
	MinPriceSumMargin  float64
	SpreadThreshold    float64
	TargetSpreadPct    float64

	MintAmount   float64
	TradeAmount  float64
	TakerFeeRate float64
	GasFeeUSD    float64
	MinNetProfit float64

	MinLiquidity        float64
	MinVolume24h        float64
	HighConfidenceDepth float64
}

// Matcher runs every enabled strategy against a market's quotes.
type Matcher struct {
	cfg    Config
	logger *slog.Logger
}

func NewMatcher(cfg Config, logger *slog.Logger) *Matcher {
	return &Matcher{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "matcher")),
	}
}

// Match evaluates one market. It can return several matches for the
// same market; callers sort the combined result by estimated profit.
// A market with a missing or failed quote on any outcome yields no
// matches at all, so placeholder quotes never turn into trades.
func (m *Matcher) Match(market domain.Market, quotes map[string]domain.Quote) []domain.StrategyMatch {
	qs := make([]domain.Quote, 0, len(market.Outcomes))
	for _, o := range market.Outcomes {
		q, ok := quotes[o.TokenID]
		if !ok {
			m.logger.Debug("missing quote, skipping market",
				slog.String("condition_id", market.ConditionID),
				slog.String("token_id", o.TokenID))
			return nil
		}
		if q.Sentinel() {
			m.logger.Debug("sentinel quote, skipping market",
				slog.String("condition_id", market.ConditionID),
				slog.String("token_id", o.TokenID))
			return nil
		}
		qs = append(qs, q)
	}
	if len(qs) == 0 {
		return nil
	}

	var matches []domain.StrategyMatch
	if m.cfg.EnableMintSplit {
		if hit := m.matchMintSplit(market, qs); hit != nil {
			matches = append(matches, *hit)
		}
	}
	if m.cfg.EnableArbitrage {
		if hit := m.matchArbitrageLong(market, qs); hit != nil {
			matches = append(matches, *hit)
		}
		if hit := m.matchArbitrageShort(market, qs); hit != nil {
			matches = append(matches, *hit)
		}
	}
	if m.cfg.EnableMarketMaking {
		if hit := m.matchMarketMaking(market, qs); hit != nil {
			matches = append(matches, *hit)
		}
	}
	return matches
}

// MatchPair re-checks a binary market from streamed last-trade prices.
// The monitor has no depth information, so both sides are treated as
// quotes of zero size and arbitrage matches come out at most MEDIUM.
// Markets with an unknown or zero price on either side are skipped.
func (m *Matcher) MatchPair(market domain.Market, prices map[string]float64) []domain.StrategyMatch {
	if !market.Binary() || !m.cfg.EnableArbitrage {
		return nil
	}

	qs := make([]domain.Quote, 0, 2)
	for _, o := range market.Outcomes {
		p, ok := prices[o.TokenID]
		if !ok || p <= 0 {
			return nil
		}
		qs = append(qs, domain.Quote{
			TokenID:   o.TokenID,
			BestAsk:   p,
			BestBid:   p,
			FetchedAt: time.Now().UTC(),
		})
	}

	var matches []domain.StrategyMatch
	if hit := m.matchArbitrageLong(market, qs); hit != nil {
		matches = append(matches, *hit)
	}
	if hit := m.matchArbitrageShort(market, qs); hit != nil {
		matches = append(matches, *hit)
	}
	return matches
}

// matchMintSplit looks for multi-outcome markets where selling every
// outcome brings in more than the one dollar a minted set costs.
func (m *Matcher) matchMintSplit(market domain.Market, qs []domain.Quote) *domain.StrategyMatch {
	if len(qs) < m.cfg.MinOutcomesForMint {
		return nil
	}

	bidSum := sumBids(qs)
	if bidSum <= 1.0+m.cfg.MinPriceSumMargin {
		return nil
	}

	gross := (bidSum - 1.0) * m.cfg.MintAmount
	fees := m.cfg.TakerFeeRate * bidSum * m.cfg.MintAmount
	net := gross - fees - m.cfg.GasFeeUSD
	if net < m.cfg.MinNetProfit {
		return nil
	}

	depth := minBidSize(qs)
	conf := domain.ConfidenceLow
	switch {
	case depth >= m.cfg.HighConfidenceDepth*m.cfg.MintAmount:
		conf = domain.ConfidenceHigh
	case depth >= m.cfg.MintAmount:
		conf = domain.ConfidenceMedium
	}

	legs := make([]domain.MatchLeg, 0, len(qs))
	for i, q := range qs {
		legs = append(legs, domain.MatchLeg{
			TokenID: q.TokenID,
			Label:   market.Outcomes[i].Label,
			Side:    domain.OrderSideSell,
			Price:   q.BestBid,
			Size:    m.cfg.MintAmount,
		})
	}

	m.logger.Debug("mint split match",
		slog.String("condition_id", market.ConditionID),
		slog.Float64("bid_sum", bidSum),
		slog.Float64("net_profit", net))

	reason := fmt.Sprintf("bids sum to %.4f across %d outcomes; mint %.0f sets and sell every leg",
		bidSum, len(qs), m.cfg.MintAmount)
	return m.newMatch(market, domain.StrategyMintSplit, conf, legs, bidSum, net, reason)
}

// matchArbitrageLong buys both sides of a binary market when the asks
// together cost less than the guaranteed one dollar payout.
func (m *Matcher) matchArbitrageLong(market domain.Market, qs []domain.Quote) *domain.StrategyMatch {
	if len(qs) != 2 {
		return nil
	}

	askSum := sumAsks(qs)
	if askSum >= 1.0-m.cfg.SpreadThreshold {
		return nil
	}

	net := (1.0-askSum)*m.cfg.TradeAmount - m.cfg.TakerFeeRate*askSum*m.cfg.TradeAmount
	if net <= 0 {
		return nil
	}

	conf := domain.ConfidenceMedium
	if minAskSize(qs) >= m.cfg.TradeAmount {
		conf = domain.ConfidenceHigh
	}

	legs := make([]domain.MatchLeg, 0, 2)
	for i, q := range qs {
		legs = append(legs, domain.MatchLeg{
			TokenID: q.TokenID,
			Label:   market.Outcomes[i].Label,
			Side:    domain.OrderSideBuy,
			Price:   q.BestAsk,
			Size:    m.cfg.TradeAmount,
		})
	}

	m.logger.Debug("long arbitrage match",
		slog.String("condition_id", market.ConditionID),
		slog.Float64("ask_sum", askSum),
		slog.Float64("net_profit", net))

	reason := fmt.Sprintf("asks sum to %.4f, %.2f%% under fair; buy both sides",
		askSum, (1.0-askSum)*100)
	return m.newMatch(market, domain.StrategyArbitrageLong, conf, legs, askSum, net, reason)
}

// matchArbitrageShort mirrors the long side: when the bids together pay
// more than a dollar, sell both sides and keep the difference.
func (m *Matcher) matchArbitrageShort(market domain.Market, qs []domain.Quote) *domain.StrategyMatch {
	if len(qs) != 2 {
		return nil
	}

	bidSum := sumBids(qs)
	if bidSum <= 1.0+m.cfg.SpreadThreshold {
		return nil
	}

	net := (bidSum-1.0)*m.cfg.TradeAmount - m.cfg.TakerFeeRate*bidSum*m.cfg.TradeAmount
	if net <= 0 {
		return nil
	}

	conf := domain.ConfidenceMedium
	if minBidSize(qs) >= m.cfg.TradeAmount {
		conf = domain.ConfidenceHigh
	}

	legs := make([]domain.MatchLeg, 0, 2)
	for i, q := range qs {
		legs = append(legs, domain.MatchLeg{
			TokenID: q.TokenID,
			Label:   market.Outcomes[i].Label,
			Side:    domain.OrderSideSell,
			Price:   q.BestBid,
			Size:    m.cfg.TradeAmount,
		})
	}

	m.logger.Debug("short arbitrage match",
		slog.String("condition_id", market.ConditionID),
		slog.Float64("bid_sum", bidSum),
		slog.Float64("net_profit", net))

	reason := fmt.Sprintf("bids sum to %.4f, %.2f%% over fair; sell both sides",
		bidSum, (bidSum-1.0)*100)
	return m.newMatch(market, domain.StrategyArbitrageShort, conf, legs, bidSum, net, reason)
}

// matchMarketMaking flags liquid binary markets whose primary outcome
// trades with a wide two-sided spread. The match carries zero estimated
// profit: it is a quoting opportunity, not a taker trade.
func (m *Matcher) matchMarketMaking(market domain.Market, qs []domain.Quote) *domain.StrategyMatch {
	if len(qs) != 2 {
		return nil
	}
	if market.Liquidity < m.cfg.MinLiquidity || market.Volume24h < m.cfg.MinVolume24h {
		return nil
	}

	primary := qs[0]
	if !primary.TwoSided() {
		return nil
	}
	spread := primary.SpreadPct()
	if spread < m.cfg.TargetSpreadPct {
		return nil
	}

	legs := []domain.MatchLeg{
		{
			TokenID: primary.TokenID,
			Label:   market.Outcomes[0].Label,
			Side:    domain.OrderSideBuy,
			Price:   primary.BestBid,
			Size:    m.cfg.TradeAmount,
		},
		{
			TokenID: primary.TokenID,
			Label:   market.Outcomes[0].Label,
			Side:    domain.OrderSideSell,
			Price:   primary.BestAsk,
			Size:    m.cfg.TradeAmount,
		},
	}

	m.logger.Debug("market making match",
		slog.String("condition_id", market.ConditionID),
		slog.Float64("spread_pct", spread))

	reason := fmt.Sprintf("top-of-book spread %.2f%% on %q with liquidity %.0f",
		spread, market.Outcomes[0].Label, market.Liquidity)
	return m.newMatch(market, domain.StrategyMarketMaking, domain.ConfidenceLow, legs,
		primary.BestBid+primary.BestAsk, 0, reason)
}

func (m *Matcher) newMatch(market domain.Market, kind domain.StrategyKind, conf domain.Confidence,
	legs []domain.MatchLeg, priceSum, profit float64, reason string) *domain.StrategyMatch {
	return &domain.StrategyMatch{
		ID:              uuid.New().String(),
		Strategy:        kind,
		Confidence:      conf,
		ConditionID:     market.ConditionID,
		Question:        market.Question,
		Legs:            legs,
		PriceSum:        priceSum,
		EstimatedProfit: profit,
		Reason:          reason,
		CreatedAt:       time.Now().UTC(),
	}
}

func sumBids(qs []domain.Quote) float64 {
	sum := 0.0
	for _, q := range qs {
		sum += q.BestBid
	}
	return sum
}

func sumAsks(qs []domain.Quote) float64 {
	sum := 0.0
	for _, q := range qs {
		sum += q.BestAsk
	}
	return sum
}

func minBidSize(qs []domain.Quote) float64 {
	m := qs[0].BidSize
	for _, q := range qs[1:] {
		if q.BidSize < m {
			m = q.BidSize
		}
	}
	return m
}

func minAskSize(qs []domain.Quote) float64 {
	m := qs[0].AskSize
	for _, q := range qs[1:] {
		if q.AskSize < m {
			m = q.AskSize
		}
	}
	return m
}
