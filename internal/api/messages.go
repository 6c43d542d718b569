package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"hive/pkg/msgbus"
)

type messageRequest struct {
	Kind      string         `json:"kind"`
	Source    string         `json:"source"`
	Target    string         `json:"target"`
	Worktree  string         `json:"worktree"`
	Payload   any            `json:"payload"`
	Priority  *int           `json:"priority"`
	TimeoutMS int            `json:"timeout_ms"`
	Metadata  map[string]any `json:"metadata"`
}

func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Kind == "" || req.Target == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "kind and target required")
		return
	}
	source := req.Source
	if source == "" {
		source = msgbus.SourceOrchestrator
	}

	opts := []msgbus.Option{}
	if req.Priority != nil {
		p := msgbus.Priority(*req.Priority)
		if !p.Valid() {
			writeError(w, http.StatusBadRequest, codeBadRequest, "priority must be 0-3")
			return
		}
		opts = append(opts, msgbus.WithPriority(p))
	}
	if req.Worktree != "" {
		opts = append(opts, msgbus.WithWorktree(req.Worktree))
	}
	if req.TimeoutMS > 0 {
		opts = append(opts, msgbus.WithTimeout(time.Duration(req.TimeoutMS)*time.Millisecond))
	}
	if req.Metadata != nil {
		opts = append(opts, msgbus.WithMetadata(req.Metadata))
	}

	msg, err := msgbus.NewMessage(req.Kind, source, req.Target, req.Payload, opts...)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	queued, err := h.msgs.Send(r.Context(), msg)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, queued)
}

type broadcastRequest struct {
	Kind     string   `json:"kind"`
	Source   string   `json:"source"`
	Payload  any      `json:"payload"`
	Priority *int     `json:"priority"`
	Worktree string   `json:"worktree"`
	Exclude  []string `json:"exclude"`
}

func (h *Handler) postBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "kind required")
		return
	}
	source := req.Source
	if source == "" {
		source = msgbus.SourceOrchestrator
	}
	priority := msgbus.PriorityNormal
	if req.Priority != nil {
		priority = msgbus.Priority(*req.Priority)
		if !priority.Valid() {
			writeError(w, http.StatusBadRequest, codeBadRequest, "priority must be 0-3")
			return
		}
	}

	queued := h.msgs.Broadcast(r.Context(), req.Kind, source, req.Payload, priority, msgbus.BroadcastOpts{
		Worktree: req.Worktree,
		Exclude:  req.Exclude,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"queued": queued, "count": len(queued)})
}

func (h *Handler) markDelivered(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.msgs.MarkDelivered(id) {
		writeError(w, http.StatusNotFound, codeNotFound, "message "+id+" not queued")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "delivered"})
}

func (h *Handler) markFailed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id := chi.URLParam(r, "id")
	if !h.msgs.MarkFailed(id, body.Reason) {
		writeError(w, http.StatusNotFound, codeNotFound, "message "+id+" not queued")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "failed"})
}
