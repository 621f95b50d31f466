package handler

import (
	"net/http"
	"time"

	"github.com/marcusholm/polyscan/internal/domain"
	"github.com/marcusholm/polyscan/internal/monitor"
)

// MonitorSource exposes the realtime monitor counters the status
// endpoint folds in. Nil-able: without a monitor the fields stay empty.
type MonitorSource interface {
	Stats() monitor.Stats
}

// StatusHandler composes the scanner, queue and monitor snapshots into
// one status document for the dashboard.
type StatusHandler struct {
	svc   ScannerService
	mon   MonitorSource         // optional
	execs domain.ExecutionStore // optional
}

func NewStatusHandler(svc ScannerService, mon MonitorSource, execs domain.ExecutionStore) *StatusHandler {
	return &StatusHandler{svc: svc, mon: mon, execs: execs}
}

// GetStatus returns the full service snapshot.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := h.svc.Status()

	if h.mon != nil {
		ms := h.mon.Stats()
		st.MonitorState = string(ms.State)
		st.MonitorAssets = ms.Assets
	} else {
		st.MonitorState = "disabled"
	}

	resp := map[string]any{"status": st}
	if h.execs != nil {
		since := time.Now().UTC().Add(-24 * time.Hour)
		if profit, err := h.execs.SumProfit(r.Context(), since); err == nil {
			resp["profit_24h"] = profit
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
