package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/wagerarena/stakelobby/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
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

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps a service error onto the HTTP surface:
//
//	lock busy            -> 423, so clients retry with backoff
//	reused signature     -> 409, so clients do not resubmit the same proof
//	concurrent conflict  -> 409, retryable
//	not found            -> 404
//	forbidden            -> 403
//	validation class     -> 500 with the descriptive message
//	anything else        -> 500 without internal detail
//
// Validation-class errors (including verification failures and insufficient
// funds) carry their message to the caller; genuine infrastructure failures
// do not.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusLocked, "another operation for this player is in flight")
	case errors.Is(err, domain.ErrAlreadyProcessed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "conflicting concurrent write, retry")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrVerificationFailed),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrLobbyNotOpen):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// pathParam returns the named path wildcard from the route pattern.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// parseListOpts extracts standard pagination parameters from the query
// string. Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}
