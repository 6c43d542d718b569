package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"hive/pkg/consolidate"
)

type consolidationRequest struct {
	ID           string   `json:"id"`
	Project      string   `json:"project"`
	BaseRevision string   `json:"base_revision"`
	Workers      []string `json:"workers"`
	Strategy     string   `json:"strategy"`
}

func (h *Handler) createConsolidation(w http.ResponseWriter, r *http.Request) {
	var req consolidationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := h.cons.Create(req.ID, req.Project, req.BaseRevision, req.Workers, req.Strategy)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) listConsolidations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"consolidations": h.cons.List()})
}

func (h *Handler) getConsolidation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.cons.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) deleteConsolidation(w http.ResponseWriter, r *http.Request) {
	if err := h.cons.Delete(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) analyzeConsolidation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.cons.Analyze(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) resolveConsolidation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Resolutions []consolidate.Resolution `json:"resolutions"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	rec, err := h.cons.Resolve(chi.URLParam(r, "id"), body.Resolutions)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) exportConsolidation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetBranch string `json:"target_branch"`
		Message      string `json:"message"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	result, err := h.cons.Export(r.Context(), chi.URLParam(r, "id"), body.TargetBranch, body.Message)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
