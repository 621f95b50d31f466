package handler

import (
	"context"
	"net/http"

	"github.com/marcusholm/polyscan/internal/domain"
)

// MarketSource looks a market up on the exchange catalog. The concrete
// implementation is *polymarket.GammaClient.
type MarketSource interface {
	GetMarket(ctx context.Context, id string) (domain.Market, error)
}

// MarketHandler proxies market detail lookups to the catalog API, so a
// dashboard can show the market's current state next to a stored match.
type MarketHandler struct {
	source MarketSource // optional
}

func NewMarketHandler(source MarketSource) *MarketHandler {
	return &MarketHandler{source: source}
}

// GetMarket returns one market by its catalog ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "market lookups require a configured catalog client")
		return
	}

	market, err := h.source.GetMarket(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}
