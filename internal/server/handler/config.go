package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/marcusholm/polyscan/internal/scanner"
)

// ConfigHandler serves reads and partial updates of the runtime
// scanner settings. Only the tunables safe to change while running are
// exposed; everything else needs a restart.
type ConfigHandler struct {
	svc    ScannerService
	logger *slog.Logger
}

func NewConfigHandler(svc ScannerService, logger *slog.Logger) *ConfigHandler {
	return &ConfigHandler{
		svc:    svc,
		logger: logger.With(slog.String("handler", "config")),
	}
}

// configDTO is the wire shape of the runtime settings. Durations travel
// as strings ("5m", "30s").
type configDTO struct {
	ScanInterval      string  `json:"scan_interval"`
	AutoExecute       bool    `json:"auto_execute"`
	MinNetProfit      float64 `json:"min_net_profit"`
	MinPriceSumMargin float64 `json:"min_price_sum_margin"`
	SpreadThreshold   float64 `json:"spread_threshold"`
	TargetSpreadPct   float64 `json:"target_spread_pct"`
	MintAmount        float64 `json:"mint_amount"`
	TradeAmount       float64 `json:"trade_amount"`
}

func toDTO(cfg scanner.Config) configDTO {
	return configDTO{
		ScanInterval:      cfg.Interval.String(),
		AutoExecute:       cfg.AutoExecute,
		MinNetProfit:      cfg.Strategy.MinNetProfit,
		MinPriceSumMargin: cfg.Strategy.MinPriceSumMargin,
		SpreadThreshold:   cfg.Strategy.SpreadThreshold,
		TargetSpreadPct:   cfg.Strategy.TargetSpreadPct,
		MintAmount:        cfg.Strategy.MintAmount,
		TradeAmount:       cfg.Strategy.TradeAmount,
	}
}

// GetConfig returns the current runtime settings.
// GET /api/config
func (h *ConfigHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toDTO(h.svc.Config()))
}

// configPatchDTO mirrors configDTO with every field optional.
type configPatchDTO struct {
	ScanInterval      *string  `json:"scan_interval"`
	AutoExecute       *bool    `json:"auto_execute"`
	MinNetProfit      *float64 `json:"min_net_profit"`
	MinPriceSumMargin *float64 `json:"min_price_sum_margin"`
	SpreadThreshold   *float64 `json:"spread_threshold"`
	TargetSpreadPct   *float64 `json:"target_spread_pct"`
	MintAmount        *float64 `json:"mint_amount"`
	TradeAmount       *float64 `json:"trade_amount"`
}

// UpdateConfig applies a partial settings change and returns the
// resulting config. Unknown fields are rejected so typos surface
// instead of silently doing nothing.
// PATCH /api/config
func (h *ConfigHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var dto configPatchDTO
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, "invalid config patch: "+err.Error())
		return
	}

	patch := scanner.ConfigPatch{
		AutoExecute:       dto.AutoExecute,
		MinNetProfit:      dto.MinNetProfit,
		MinPriceSumMargin: dto.MinPriceSumMargin,
		SpreadThreshold:   dto.SpreadThreshold,
		TargetSpreadPct:   dto.TargetSpreadPct,
		MintAmount:        dto.MintAmount,
		TradeAmount:       dto.TradeAmount,
	}
	if dto.ScanInterval != nil {
		d, err := time.ParseDuration(*dto.ScanInterval)
		if err != nil || d < time.Second {
			writeError(w, http.StatusBadRequest, "scan_interval must be a duration of at least 1s")
			return
		}
		patch.ScanInterval = &d
	}

	updated := h.svc.UpdateConfig(patch)
	h.logger.InfoContext(r.Context(), "config updated via api")
	writeJSON(w, http.StatusOK, toDTO(updated))
}
