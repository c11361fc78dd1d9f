package main

import (
	"encoding/json"
	"net/http"
)

// --- Response helpers ---
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeValidationError carries the per-rule reasons alongside the machine
// code so clients can show one message per violated rule.
func writeValidationError(w http.ResponseWriter, reasons []string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "validation_error",
		"reasons": reasons,
	})
}
