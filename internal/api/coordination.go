package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"hive/pkg/coord"
)

type barrierRequest struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	TimeoutMS    int      `json:"timeout_ms"`
}

func (h *Handler) createBarrier(w http.ResponseWriter, r *http.Request) {
	var req barrierRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" || len(req.Participants) == 0 || req.TimeoutMS <= 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest,
			"id, participants, and timeout_ms required")
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	future, err := h.coord.CreateBarrier(req.ID, req.Participants, timeout)
	if err != nil {
		writeError(w, http.StatusConflict, codeConflict, err.Error())
		return
	}
	// The outcome is observable on the event stream; drain the future so
	// resolved barriers are pruned.
	go func() {
		<-future
		h.coord.DropBarrier(req.ID)
	}()

	writeJSON(w, http.StatusCreated, map[string]any{
		"barrier_id": req.ID,
		"expected":   req.Participants,
		"deadline":   time.Now().Add(timeout).UTC(),
	})
}

func (h *Handler) signalBarrier(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkerID string `json:"worker_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.WorkerID == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "worker_id required")
		return
	}
	if err := h.coord.SignalBarrier(body.WorkerID, chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signalled": true})
}

type electionRequest struct {
	ID         string   `json:"id"`
	Candidates []string `json:"candidates"`
	TimeoutMS  int      `json:"timeout_ms"`
}

func (h *Handler) startElection(w http.ResponseWriter, r *http.Request) {
	var req electionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" || len(req.Candidates) == 0 || req.TimeoutMS <= 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest,
			"id, candidates, and timeout_ms required")
		return
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	future, err := h.coord.ConductElection(req.ID, req.Candidates, timeout)
	if err != nil {
		writeError(w, http.StatusConflict, codeConflict, err.Error())
		return
	}
	go func() {
		<-future
		h.coord.DropElection(req.ID)
	}()

	writeJSON(w, http.StatusCreated, map[string]any{
		"election_id": req.ID,
		"candidates":  req.Candidates,
		"deadline":    time.Now().Add(timeout).UTC(),
	})
}

func (h *Handler) castVote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Voter     string `json:"voter"`
		Candidate string `json:"candidate"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Voter == "" || body.Candidate == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "voter and candidate required")
		return
	}
	if err := h.coord.CastVote(chi.URLParam(r, "id"), body.Voter, body.Candidate); err != nil {
		var nf *coord.NotFoundError
		if errors.As(err, &nf) {
			writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusConflict, codeConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"voted": true})
}

type partitionRequest struct {
	Task     map[string]any `json:"task"`
	Count    int            `json:"count"`
	Strategy string         `json:"strategy"`
}

func (h *Handler) partitionTask(w http.ResponseWriter, r *http.Request) {
	var req partitionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	partitions, err := coord.PartitionTask(req.Task, req.Count, req.Strategy)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"partitions": partitions})
}
