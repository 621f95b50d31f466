package domain

import "time"

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive MarketStatus = "active"
	MarketStatusClosed MarketStatus = "closed"
)

// Outcome is one tradable outcome of a market.
type Outcome struct {
	TokenID string // ERC-1155 token ID (76-digit string)
	Label   string // e.g. "Yes", "No", "Candidate A"
}

// Market represents a Polymarket prediction market with its full
// outcome set. Binary markets have exactly two outcomes; neg-risk
// multi-outcome markets may have many.
type Market struct {
	ConditionID string
	Question    string
	Slug        string
	Category    string
	Outcomes    []Outcome
	NegRisk     bool
	Liquidity   float64
	Volume24h   float64
	Status      MarketStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Binary reports whether the market has exactly two outcomes.
func (m Market) Binary() bool {
	return len(m.Outcomes) == 2
}

// TokenIDs returns the token IDs of all outcomes in order.
func (m Market) TokenIDs() []string {
	ids := make([]string, len(m.Outcomes))
	for i, o := range m.Outcomes {
		ids[i] = o.TokenID
	}
	return ids
}

// OppositeToken returns the token ID of the other outcome in a binary
// market. Returns "" when the market is not binary or the token is
// unknown.
func (m Market) OppositeToken(tokenID string) string {
	if !m.Binary() {
		return ""
	}
	switch tokenID {
	case m.Outcomes[0].TokenID:
		return m.Outcomes[1].TokenID
	case m.Outcomes[1].TokenID:
		return m.Outcomes[0].TokenID
	}
	return ""
}
