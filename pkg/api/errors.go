package api

import (
	"encoding/json"
	"net/http"
	"strings"
)

// errorResponse is the JSON error shape returned by every handler in
// this package: a required message and an optional hint.
type errorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg, hint string) {
	writeJSON(w, status, errorResponse{Error: msg, Hint: hint})
}

// statusForDomainError maps an error surfaced by the domain packages to
// an HTTP status code by sniffing the conventional prefixes those
// packages use ("conflict: ...", "... not found", "unknown ..."). The
// domain packages return plain fmt.Errorf values rather than a typed
// error hierarchy, so this is a deliberate, narrow translation layer
// rather than a type switch.
func statusForDomainError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "conflict:"):
		return http.StatusConflict
	case strings.Contains(msg, "not found"), strings.HasPrefix(msg, "unknown"):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusForDomainError(err), err.Error(), "")
}
