package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"qms/dispatch-service/internal/events"
)

const (
	streamBuffer    = 64
	streamHeartbeat = 15 * time.Second
)

// handleEvents streams a branch's events as server-sent events. Optional
// query filters: ticket_id and types (comma separated).
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	branchID := strings.TrimSpace(r.PathValue("id"))
	if branchID == "" {
		writeError(w, requestID(r), http.StatusBadRequest, "invalid_request", "branch id is required")
		return
	}
	sub := events.Subscription{
		BranchID: branchID,
		TicketID: strings.TrimSpace(r.URL.Query().Get("ticket_id")),
	}
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			sub.Types = append(sub.Types, t)
		}
	}

	rc := http.NewResponseController(w)
	// The server write timeout would cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	client := &events.Client{
		ID:           uuid.NewString(),
		Send:         make(chan []byte, streamBuffer),
		Subscription: sub,
	}
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case payload, ok := <-client.Send:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
