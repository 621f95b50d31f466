package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// BookSnapshot is a full snapshot of bids and asks for one token.
type BookSnapshot struct {
	TokenID   string
	Bids      []PriceLevel // best (highest) first
	Asks      []PriceLevel // best (lowest) first
	Timestamp time.Time
}

// Quote is the top of book for one outcome token: the best ask with
// its available size and the best bid with its available size.
type Quote struct {
	TokenID   string
	BestAsk   float64
	AskSize   float64
	BestBid   float64
	BidSize   float64
	FetchedAt time.Time
}

// SentinelQuote is the worst-possible quote used when an orderbook
// could not be fetched: buying costs the full dollar and selling pays
// nothing, so no strategy can ever profit from it.
func SentinelQuote(tokenID string) Quote {
	return Quote{TokenID: tokenID, BestAsk: 1, BestBid: 0}
}

// Sentinel reports whether the quote is the no-data marker.
func (q Quote) Sentinel() bool {
	return q.BestAsk >= 1 && q.BestBid <= 0 && q.AskSize == 0 && q.BidSize == 0
}

// TwoSided reports whether both sides of the book carry a real price.
func (q Quote) TwoSided() bool {
	return q.BestBid > 0 && q.BestAsk > 0 && q.BestAsk < 1
}

// Mid returns the midpoint price, or 0 for a one-sided book.
func (q Quote) Mid() float64 {
	if !q.TwoSided() {
		return 0
	}
	return (q.BestBid + q.BestAsk) / 2
}

// SpreadPct returns the top-of-book spread as a percentage of the mid
// price, or 0 for a one-sided book.
func (q Quote) SpreadPct() float64 {
	mid := q.Mid()
	if mid <= 0 {
		return 0
	}
	return (q.BestAsk - q.BestBid) / mid * 100
}
