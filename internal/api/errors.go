package api

import (
	"encoding/json"
	"net/http"
)

// Stable machine-readable error codes on the JSON error envelope.
const (
	codeMonitorRunning  = "MONITOR_RUNNING"
	codeInvalidStreamer = "INVALID_STREAMER"
	codeSearchBlocked   = "SEARCH_BLOCKED"
	codeInvalidUpload   = "INVALID_UPLOAD"
	codeProcessingError = "PROCESSING_ERROR"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}
