// Package handler holds the HTTP handlers for the scanner's control
// surface. Handlers are thin: they parse the request, call into the
// scanner/queue/stores, and shape the JSON response.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/marcusholm/polyscan/internal/domain"
)

// writeJSON writes v as a JSON response with the given status. A
// marshal failure degrades to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps well-known domain sentinels onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var transient *domain.TransientError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrScanInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrQueueStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &transient):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// queryLimit reads ?limit=, defaulting to def and capping at 500.
func queryLimit(r *http.Request, def int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}
