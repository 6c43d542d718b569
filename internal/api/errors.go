package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"hive/pkg/consolidate"
	"hive/pkg/coord"
	"hive/pkg/msgbus"
	"hive/pkg/registry"
	"hive/pkg/supervisor"
	"hive/pkg/vcs"
)

// Wire error codes.
const (
	codeBadRequest     = "bad_request"
	codeNotFound       = "not_found"
	codeConflict       = "conflict"
	codeCapacity       = "capacity_exceeded"
	codeInternal       = "internal"
	codeVCSUnavailable = "vcs_unavailable"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeDomainError maps engine errors to wire codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		regNotFound  *registry.NotFoundError
		conNotFound  *consolidate.NotFoundError
		coordMissing *coord.NotFoundError
		capacity     *supervisor.CapacityError
		queueFull    *msgbus.QueueFullError
		validation   *supervisor.ValidationError
		vcsErr       *supervisor.VCSError
		cmdErr       *vcs.CommandError
		noStdin      *supervisor.NoStdinError
	)
	switch {
	case errors.As(err, &regNotFound), errors.As(err, &conNotFound), errors.As(err, &coordMissing):
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.As(err, &capacity), errors.As(err, &queueFull):
		writeError(w, http.StatusTooManyRequests, codeCapacity, err.Error())
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
	case errors.As(err, &vcsErr), errors.As(err, &cmdErr):
		writeError(w, http.StatusBadGateway, codeVCSUnavailable, err.Error())
	case errors.As(err, &noStdin):
		writeError(w, http.StatusConflict, codeConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}
