package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hive/pkg/eventlog"
)

// heartbeatInterval keeps idle SSE connections from being reaped by
// intermediaries.
const heartbeatInterval = 15 * time.Second

// streamEvents serves the event fabric as server-sent events. One
// subscription serves many topics: ?topics=worker:*,message:* (default
// everything).
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}

	var patterns []string
	if topics := r.URL.Query().Get("topics"); topics != "" {
		patterns = strings.Split(topics, ",")
	}
	sub := h.bus.Subscribe(patterns...)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + ev.Topic + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// eventHistory queries the SQLite archive.
func (h *Handler) eventHistory(w http.ResponseWriter, r *http.Request) {
	if h.log == nil {
		writeError(w, http.StatusNotFound, codeNotFound, "event archive disabled")
		return
	}
	opts := eventlog.QueryOpts{
		WorkerID: r.URL.Query().Get("worker"),
		Topic:    r.URL.Query().Get("topic"),
		Limit:    100,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, codeBadRequest, "limit must be a positive integer")
			return
		}
		opts.Limit = limit
	}

	events, err := h.log.Query(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
