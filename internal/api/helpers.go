package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// the status line and headers are already written at this point;
		// nothing left to do but note the encode failure.
		return
	}
}

func writeErrorAndLogIt(w http.ResponseWriter, statusCode int, message string, logger *slog.Logger) {
	logger.Error("request failed", "status", statusCode, "message", message)
	writeJSON(w, statusCode, map[string]string{"error": message})
}
