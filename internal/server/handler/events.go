package handler

import (
	"encoding/json"
	"net/http"

	"github.com/marcusholm/polyscan/internal/domain"
)

// eventChannels are the bus channels whose replay streams the API
// exposes.
var eventChannels = map[string]bool{
	"matches":    true,
	"executions": true,
	"monitor":    true,
}

// EventsHandler pages through the replay streams mirroring the signal
// bus's Pub/Sub channels, so a dashboard that reconnects can catch up
// on events it missed.
type EventsHandler struct {
	bus domain.SignalBus // optional
}

func NewEventsHandler(bus domain.SignalBus) *EventsHandler {
	return &EventsHandler{bus: bus}
}

// ListEvents returns events appended to a channel's replay stream after
// the given stream ID, oldest first. Pass the last event's id as
// ?after= to page forward; omit it to read from the beginning.
// GET /api/events?channel=matches&after=0&limit=100
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event history requires a configured signal bus")
		return
	}

	channel := r.URL.Query().Get("channel")
	if !eventChannels[channel] {
		writeError(w, http.StatusBadRequest, "channel must be one of matches, executions, monitor")
		return
	}
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}

	msgs, err := h.bus.StreamRead(r.Context(), domain.EventStream(channel), after, queryLimit(r, 100))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	events := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		events = append(events, map[string]any{
			"id":      m.ID,
			"payload": json.RawMessage(m.Payload),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel": channel,
		"count":   len(events),
		"events":  events,
	})
}
