package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/mkrz/vodhound/internal/log"
	"github.com/mkrz/vodhound/internal/monitor"
	"github.com/mkrz/vodhound/internal/search"
	"github.com/mkrz/vodhound/internal/store"
)

// maxUploadBytes caps search clip uploads at 100 MiB.
const maxUploadBytes = 100 << 20

// streamerPattern matches valid Twitch login names.
var streamerPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,25}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLiveStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Monitor.Status())
}

func (s *Server) handleLiveStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Streamer string `json:"streamer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !streamerPattern.MatchString(body.Streamer) {
		writeError(w, http.StatusBadRequest, codeInvalidStreamer, "streamer must be a valid Twitch login name")
		return
	}

	status, err := s.deps.Monitor.Start(body.Streamer)
	if errors.Is(err, monitor.ErrConflict) {
		writeError(w, http.StatusConflict, codeMonitorRunning, "monitor is already running for "+status.Streamer)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeProcessingError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

func (s *Server) handleLiveStop(w http.ResponseWriter, r *http.Request) {
	status, stopped := s.deps.Monitor.Stop(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"stopped": stopped,
		"status":  status,
	})
}

func (s *Server) handleLiveSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			offset = n
		}
	}

	sessions, err := s.deps.Store.ListLiveSessions(r.Context(), limit, offset)
	if err != nil {
		rlog := log.FromContext(r.Context())
		rlog.Error().Err(err).Msg("list sessions failed")
		writeError(w, http.StatusInternalServerError, codeProcessingError, "could not list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.SessionItem{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSearchClip(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidUpload, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	resp, err := s.deps.Search.SearchUpload(r.Context(), header.Filename, file)
	switch {
	case errors.Is(err, search.ErrBusy):
		writeError(w, http.StatusConflict, codeSearchBlocked, err.Error())
	case search.IsInputError(err):
		writeError(w, http.StatusBadRequest, codeInvalidUpload, err.Error())
	case err != nil:
		rlog := log.FromContext(r.Context())
		rlog.Error().Err(err).Msg("clip search failed")
		writeError(w, http.StatusBadRequest, codeProcessingError, err.Error())
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}
