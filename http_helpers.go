package crest

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// writeJSON encodes data as JSON and writes it to the response.
// Logs any encoding errors instead of silently ignoring them.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "err", err)
	}
}

// jsonError writes a JSON-formatted error response.
func jsonError(w http.ResponseWriter, status int, errorType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":    "error",
		"errorType": errorType,
		"error":     message,
	}); err != nil {
		slog.Error("failed to encode error response", "err", err)
	}
}
