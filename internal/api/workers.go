package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"hive/pkg/registry"
	"hive/pkg/supervisor"
)

const maxSpawnCount = 10

func (h *Handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	filter := registry.Filter{
		Status:  registry.Status(r.URL.Query().Get("status")),
		Project: r.URL.Query().Get("project"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, codeBadRequest, "unknown status "+string(filter.Status))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": h.reg.List(filter)})
}

func (h *Handler) getWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := h.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

type spawnRequest struct {
	Project      string            `json:"project"`
	Name         string            `json:"name"`
	Type         string            `json:"type"`
	Task         string            `json:"task"`
	BaseRevision string            `json:"base_revision"`
	Branch       string            `json:"branch"`
	Count        int               `json:"count"`
	Command      []string          `json:"command"`
	Env          map[string]string `json:"env"`
	Persona      string            `json:"persona"`
	Metadata     map[string]any    `json:"metadata"`
}

func (h *Handler) spawnWorkers(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count < 1 || req.Count > maxSpawnCount {
		writeError(w, http.StatusBadRequest, codeBadRequest,
			"count must be between 1 and "+strconv.Itoa(maxSpawnCount))
		return
	}
	if req.Count > 1 && req.Branch != "" {
		writeError(w, http.StatusBadRequest, codeBadRequest,
			"custom branch only valid for a single worker")
		return
	}

	metadata := req.Metadata
	if req.Persona != "" {
		persona, ok := h.personas[req.Persona]
		if !ok {
			writeError(w, http.StatusBadRequest, codeBadRequest, "unknown persona "+req.Persona)
			return
		}
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["persona"] = req.Persona
		for k, v := range persona {
			metadata[k] = v
		}
	}

	created := make([]registry.Worker, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		worker, err := h.sup.Spawn(r.Context(), supervisor.SpawnRequest{
			Project:      req.Project,
			Name:         req.Name,
			Type:         req.Type,
			BaseRevision: req.BaseRevision,
			Branch:       req.Branch,
			Task:         req.Task,
			Command:      req.Command,
			Env:          req.Env,
			Metadata:     metadata,
		})
		if err != nil {
			if len(created) == 0 {
				writeDomainError(w, err)
				return
			}
			// Partial success: report what was created with the stopper.
			writeJSON(w, http.StatusCreated, map[string]any{
				"workers": created,
				"error":   err.Error(),
			})
			return
		}
		created = append(created, worker)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"workers": created})
}

func (h *Handler) terminateWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	worker, err := h.reg.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if h.sup.Running(id) {
		if err := h.sup.Terminate(r.Context(), id, supervisor.ReasonUserInitiated); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "terminated": true})
		return
	}
	// Already terminal: idempotent no-op.
	writeJSON(w, http.StatusOK, map[string]any{
		"id": id, "terminated": false, "status": worker.Status,
	})
}

func (h *Handler) workerLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	count, _ := strconv.Atoi(r.URL.Query().Get("count"))

	lines, total, err := h.sup.Logs(id, offset, count)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lines": lines, "total": total, "offset": offset,
	})
}

func (h *Handler) workerStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.reg.Get(id); err != nil {
		writeDomainError(w, err)
		return
	}
	stats, tracked := h.mon.Stats(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"id": id, "tracked": tracked, "stats": stats,
	})
}

func (h *Handler) workerDiff(w http.ResponseWriter, r *http.Request) {
	worker, err := h.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	diff, err := h.git.Diff(r.Context(), worker.WorktreePath, worker.BaseRevision)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id": worker.ID, "base_revision": worker.BaseRevision, "diff": diff,
	})
}

func (h *Handler) sendToWorker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Payload any `json:"payload"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.sup.Send(chi.URLParam(r, "id"), body.Payload); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": true})
}

func (h *Handler) workerQueue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"stats":   h.msgs.Stats(id),
		"pending": h.msgs.Pending(id),
	})
}

func (h *Handler) listWorktrees(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "project query parameter required")
		return
	}
	trees, err := h.git.ListWorktrees(r.Context(), project)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Keep only worker-owned worktrees, matched through the registry.
	owned := make([]map[string]any, 0, len(trees))
	for _, wt := range trees {
		workers := h.reg.ByWorktreePath(wt.Path)
		if len(workers) == 0 {
			continue
		}
		owned = append(owned, map[string]any{
			"worktree": wt,
			"worker":   workers[0].ID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"worktrees": owned})
}
