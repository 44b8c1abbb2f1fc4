// Package shared holds response helpers common to all HTTP handlers.
package shared

import (
	"encoding/json"
	"net/http"

	pkgerrors "trustedge/pkg/domain-errors"
)

// WriteError translates a domain error into the JSON error envelope.
func WriteError(w http.ResponseWriter, err error) {
	code := pkgerrors.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(pkgerrors.ToHTTPStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": string(code)})
}

// WriteJSON writes a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
