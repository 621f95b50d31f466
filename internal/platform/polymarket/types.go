package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/marcusholm/polyscan/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// stringArray decodes Gamma fields that arrive as a JSON-encoded array
// inside a string, e.g. "[\"Yes\",\"No\"]". A plain JSON array is also
// accepted.
func stringArray(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket represents a market as returned by the Polymarket Gamma API.
type APIMarket struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	ConditionID   string   `json:"condition_id"`
	Slug          string   `json:"slug"`
	Category      string   `json:"category"`
	ActiveFromAPI flexBool `json:"active"` // API may send bool or "true"/"false" string
	Closed        bool     `json:"closed"`
	Outcomes      string   `json:"outcomes"`       // JSON-encoded: e.g. "[\"Yes\",\"No\"]"
	ClobTokenIDs  string   `json:"clob_token_ids"` // JSON-encoded: e.g. "[\"123\",\"456\"]"
	Tokens        []Token  `json:"tokens"`         // CLOB-style responses carry tokens directly
	Liquidity     string   `json:"liquidity"`
	Volume24hr    string   `json:"volume24hr"`
	NegRisk       bool     `json:"neg_risk"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

// Token represents a token entry inside a CLOB-style market response.
type Token struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
	Winner  bool   `json:"winner"`
}

// ToDomainMarket converts a Gamma APIMarket to a domain.Market. Outcomes
// come from the JSON-encoded outcomes/clob_token_ids pair when present,
// falling back to the tokens array. Markets whose labels and token IDs
// disagree in count keep only the paired prefix.
func (m *APIMarket) ToDomainMarket() domain.Market {
	dm := domain.Market{
		ConditionID: m.ConditionID,
		Question:    m.Question,
		Slug:        m.Slug,
		Category:    m.Category,
		NegRisk:     m.NegRisk,
	}
	if dm.ConditionID == "" {
		dm.ConditionID = m.ID
	}
	if dm.Question == "" {
		dm.Question = "Unknown"
	}

	labels := stringArray(m.Outcomes)
	tokenIDs := stringArray(m.ClobTokenIDs)
	if n := min(len(labels), len(tokenIDs)); n > 0 {
		dm.Outcomes = make([]domain.Outcome, 0, n)
		for i := 0; i < n; i++ {
			dm.Outcomes = append(dm.Outcomes, domain.Outcome{TokenID: tokenIDs[i], Label: labels[i]})
		}
	} else {
		for _, tok := range m.Tokens {
			dm.Outcomes = append(dm.Outcomes, domain.Outcome{TokenID: tok.TokenID, Label: tok.Outcome})
		}
	}

	if v, err := strconv.ParseFloat(m.Liquidity, 64); err == nil {
		dm.Liquidity = v
	}
	if v, err := strconv.ParseFloat(m.Volume24hr, 64); err == nil {
		dm.Volume24h = v
	}

	if m.Closed {
		dm.Status = domain.MarketStatusClosed
	} else if bool(m.ActiveFromAPI) {
		dm.Status = domain.MarketStatusActive
	} else {
		dm.Status = domain.MarketStatusClosed
	}

	if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
		dm.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m.UpdatedAt); err == nil {
		dm.UpdatedAt = t
	}

	return dm
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIBook is the orderbook response from GET /book.
type APIBook struct {
	Market    string         `json:"market"`
	AssetID   string         `json:"asset_id"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// ToSnapshot converts an APIBook to a domain.BookSnapshot with bids
// ordered best (highest) first and asks best (lowest) first.
func (b *APIBook) ToSnapshot() domain.BookSnapshot {
	snap := domain.BookSnapshot{
		TokenID:   b.AssetID,
		Timestamp: parseWSTimestamp(b.Timestamp),
	}
	for _, lvl := range b.Bids {
		p, _ := strconv.ParseFloat(lvl.Price, 64)
		s, _ := strconv.ParseFloat(lvl.Size, 64)
		snap.Bids = append(snap.Bids, domain.PriceLevel{Price: p, Size: s})
	}
	for _, lvl := range b.Asks {
		p, _ := strconv.ParseFloat(lvl.Price, 64)
		s, _ := strconv.ParseFloat(lvl.Size, 64)
		snap.Asks = append(snap.Asks, domain.PriceLevel{Price: p, Size: s})
	}
	sortLevels(snap.Bids, true)
	sortLevels(snap.Asks, false)
	return snap
}

// ToQuote reduces an APIBook to its top of book. An empty side leaves
// the sentinel value for that side (ask=1, bid=0).
func (b *APIBook) ToQuote() domain.Quote {
	q := domain.SentinelQuote(b.AssetID)
	q.FetchedAt = parseWSTimestamp(b.Timestamp)

	for _, lvl := range b.Bids {
		p, _ := strconv.ParseFloat(lvl.Price, 64)
		s, _ := strconv.ParseFloat(lvl.Size, 64)
		if p > q.BestBid {
			q.BestBid = p
			q.BidSize = s
		}
	}
	best := false
	for _, lvl := range b.Asks {
		p, _ := strconv.ParseFloat(lvl.Price, 64)
		s, _ := strconv.ParseFloat(lvl.Size, 64)
		if p > 0 && (!best || p < q.BestAsk) {
			q.BestAsk = p
			q.AskSize = s
			best = true
		}
	}
	return q
}

// sortLevels orders price levels best-first: descending for bids,
// ascending for asks. Books are small (tens of levels), insertion sort
// is fine.
func sortLevels(levels []domain.PriceLevel, desc bool) {
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0; j-- {
			if (desc && levels[j].Price > levels[j-1].Price) ||
				(!desc && levels[j].Price < levels[j-1].Price) {
				levels[j], levels[j-1] = levels[j-1], levels[j]
			} else {
				break
			}
		}
	}
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success     bool   `json:"success"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
	OrderID     string `json:"orderID,omitempty"`
	Status      string `json:"status,omitempty"`
	TransactID  string `json:"transactID,omitempty"`
	ShouldRetry bool   `json:"shouldRetry,omitempty"`
}

// ToDomainOrderResult converts an APIOrderResult to a domain.OrderResult.
func (r *APIOrderResult) ToDomainOrderResult() domain.OrderResult {
	result := domain.OrderResult{
		Success:     r.Success,
		OrderID:     r.OrderID,
		Message:     r.ErrorMsg,
		ShouldRetry: r.ShouldRetry,
	}

	switch r.Status {
	case "live", "open":
		result.Status = domain.OrderStatusOpen
	case "matched":
		result.Status = domain.OrderStatusMatched
	case "delayed":
		result.Status = domain.OrderStatusPending
	default:
		if r.Success {
			result.Status = domain.OrderStatusPending
		} else {
			result.Status = domain.OrderStatusFailed
		}
	}

	return result
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSCommand is the JSON payload sent to the market channel to
// subscribe. initial_dump requests a full book snapshot for every
// subscribed asset immediately after subscribing.
type WSCommand struct {
	Type        string   `json:"type"`
	Assets      []string `json:"assets_ids"`
	InitialDump bool     `json:"initial_dump"`
}

// BookMessage represents a full orderbook snapshot delivered over WebSocket.
type BookMessage struct {
	EventType string         `json:"event_type"`
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// WSPriceLevel is a single bid/ask level in orderbook data. Prices and
// sizes arrive as decimal strings.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PriceChangeMessage represents an incremental orderbook price-level update.
type PriceChangeMessage struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Side      string `json:"side"` // "BUY" or "SELL"
	Price     string `json:"price"`
	Size      string `json:"size"` // "0" means level removed
	Timestamp string `json:"timestamp"`
}

// PriceMessage represents the most recent trade price for an asset.
type PriceMessage struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

// BookBestQuote reduces a WebSocket book snapshot to its top of book.
func BookBestQuote(b *BookMessage) domain.Quote {
	book := APIBook{AssetID: b.AssetID, Bids: b.Bids, Asks: b.Asks, Timestamp: b.Timestamp}
	return book.ToQuote()
}

// parseWSTimestamp handles both unix-milliseconds strings and RFC3339.
func parseWSTimestamp(raw string) time.Time {
	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ts > 1e12 {
			return time.UnixMilli(ts)
		}
		return time.Unix(ts, 0)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return time.Now()
}
