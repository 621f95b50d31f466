package handler

import (
	"log/slog"
	"net/http"

	"github.com/marcusholm/polyscan/internal/domain"
)

// ManualExecutor queues a match for execution outside the auto-execute
// path. The concrete implementation is *dispatch.Queue.
type ManualExecutor interface {
	TriggerExecution(match domain.StrategyMatch) (string, error)
}

// OpportunityHandler serves detected matches and the manual execution
// trigger.
type OpportunityHandler struct {
	matches domain.MatchStore // optional
	queue   ManualExecutor    // optional
	logger  *slog.Logger
}

func NewOpportunityHandler(matches domain.MatchStore, queue ManualExecutor, logger *slog.Logger) *OpportunityHandler {
	return &OpportunityHandler{
		matches: matches,
		queue:   queue,
		logger:  logger.With(slog.String("handler", "opportunity")),
	}
}

// ListRecent returns the most recent matches, newest first.
// GET /api/opportunities?limit=50
func (h *OpportunityHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	if h.matches == nil {
		writeError(w, http.StatusServiceUnavailable, "match history requires a configured database")
		return
	}
	matches, err := h.matches.ListRecent(r.Context(), queryLimit(r, 50))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":         len(matches),
		"opportunities": matches,
	})
}

// GetByID returns a single match.
// GET /api/opportunities/{id}
func (h *OpportunityHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	if h.matches == nil {
		writeError(w, http.StatusServiceUnavailable, "match history requires a configured database")
		return
	}
	match, err := h.matches.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, match)
}

// Execute queues a stored match for execution regardless of its
// confidence tier. This is the operator's manual override for matches
// the auto-execute gate skipped.
// POST /api/opportunities/{id}/execute
func (h *OpportunityHandler) Execute(w http.ResponseWriter, r *http.Request) {
	if h.matches == nil || h.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "manual execution requires a configured database and executor")
		return
	}

	id := r.PathValue("id")
	match, err := h.matches.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if match.Executed {
		writeError(w, http.StatusConflict, "match already executed")
		return
	}

	taskID, err := h.queue.TriggerExecution(match)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.logger.InfoContext(r.Context(), "manual execution queued",
		slog.String("match_id", id),
		slog.String("task_id", taskID),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"match_id": id,
		"task_id":  taskID,
		"status":   "queued",
	})
}
