package domain

import "time"

// StrategyKind identifies which trading strategy a match belongs to.
type StrategyKind string

const (
	StrategyMintSplit      StrategyKind = "MINT_SPLIT"
	StrategyArbitrageLong  StrategyKind = "ARBITRAGE_LONG"
	StrategyArbitrageShort StrategyKind = "ARBITRAGE_SHORT"
	StrategyMarketMaking   StrategyKind = "MARKET_MAKING"
)

// Confidence grades how well top-of-book depth supports the intended
// trade size.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Match sources, recorded so downstream consumers can tell a full scan
// pass from a realtime re-check.
const (
	MatchSourceScan    = "scan"
	MatchSourceMonitor = "monitor"
)

// MatchLeg is one order the strategy wants placed: a side, a token,
// and the price and size observed when the match was made.
type MatchLeg struct {
	TokenID string
	Label   string
	Side    OrderSide
	Price   float64
	Size    float64
}

// StrategyMatch is a detected opportunity: a market whose current
// quotes satisfy one strategy's entry condition.
type StrategyMatch struct {
	ID              string
	Strategy        StrategyKind
	Confidence      Confidence
	ConditionID     string
	Question        string
	Legs            []MatchLeg
	PriceSum        float64 // sum of leg prices that triggered the match
	EstimatedProfit float64 // net of fees and gas, in USD
	Reason          string
	Source          string // "scan" or "monitor"
	Executed        bool   // set once the dispatch queue ran it
	CreatedAt       time.Time
}
