package handler

import (
	"net/http"

	"github.com/marcusholm/polyscan/internal/domain"
)

// HistoryHandler serves execution and scan-pass history.
type HistoryHandler struct {
	execs domain.ExecutionStore // optional
	scans domain.ScanStore      // optional
}

func NewHistoryHandler(execs domain.ExecutionStore, scans domain.ScanStore) *HistoryHandler {
	return &HistoryHandler{execs: execs, scans: scans}
}

// ListExecutions returns the most recent execution attempts.
// GET /api/executions?limit=50
func (h *HistoryHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.execs == nil {
		writeError(w, http.StatusServiceUnavailable, "execution history requires a configured database")
		return
	}
	execs, err := h.execs.ListRecent(r.Context(), queryLimit(r, 50))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(execs),
		"executions": execs,
	})
}

// ListScans returns the most recent scan-pass reports.
// GET /api/scans?limit=20
func (h *HistoryHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	if h.scans == nil {
		writeError(w, http.StatusServiceUnavailable, "scan history requires a configured database")
		return
	}
	reports, err := h.scans.ListRecent(r.Context(), queryLimit(r, 20))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(reports),
		"scans": reports,
	})
}
