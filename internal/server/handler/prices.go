package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/marcusholm/polyscan/internal/domain"
)

// maxPriceTokens caps how many tokens one batch price query may name.
const maxPriceTokens = 200

// PriceHandler serves the latest observed prices the scan pass and the
// realtime monitor wrote through the cache.
type PriceHandler struct {
	prices domain.PriceCache // optional
}

func NewPriceHandler(prices domain.PriceCache) *PriceHandler {
	return &PriceHandler{prices: prices}
}

// GetPrice returns one token's latest price and when it was observed.
// GET /api/prices/{token}
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	if h.prices == nil {
		writeError(w, http.StatusServiceUnavailable, "price reads require a configured cache")
		return
	}

	token := r.PathValue("token")
	price, ts, err := h.prices.GetPrice(r.Context(), token)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token_id":    token,
		"price":       price,
		"observed_at": ts.UTC().Format(time.RFC3339Nano),
	})
}

// ListPrices returns the latest prices for a comma-separated token
// list. Tokens with no recorded price are omitted from the result.
// GET /api/prices?tokens=tok1,tok2
func (h *PriceHandler) ListPrices(w http.ResponseWriter, r *http.Request) {
	if h.prices == nil {
		writeError(w, http.StatusServiceUnavailable, "price reads require a configured cache")
		return
	}

	var tokens []string
	for _, t := range strings.Split(r.URL.Query().Get("tokens"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) == 0 {
		writeError(w, http.StatusBadRequest, "tokens query parameter is required")
		return
	}
	if len(tokens) > maxPriceTokens {
		tokens = tokens[:maxPriceTokens]
	}

	prices, err := h.prices.GetPrices(r.Context(), tokens)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(prices),
		"prices": prices,
	})
}
