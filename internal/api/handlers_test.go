package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mkrz/vodhound/internal/config"
	"github.com/mkrz/vodhound/internal/media"
	"github.com/mkrz/vodhound/internal/monitor"
	"github.com/mkrz/vodhound/internal/search"
	"github.com/mkrz/vodhound/internal/store"
	"github.com/mkrz/vodhound/internal/twitch"
	"github.com/mkrz/vodhound/internal/vector"
)

type testEnv struct {
	router  http.Handler
	store   *store.Store
	monitor *monitor.Manager
}

// newTestEnv wires the full router against a temp store and a fake Twitch
// API that reports every streamer offline.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok"})
	}))
	t.Cleanup(auth.Close)
	fakeAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	t.Cleanup(fakeAPI.Close)

	client, err := twitch.New("id", "secret")
	require.NoError(t, err)
	client = client.WithEndpoints(auth.URL, fakeAPI.URL)

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Config{
		DataDir:             dir,
		ChunkSeconds:        60,
		MonitorPollSeconds:  10 * time.Millisecond,
		MonitorRetrySeconds: 10 * time.Millisecond,
	}
	vecs := vector.NewStore(filepath.Join(dir, "vectors.bin"), filepath.Join(dir, "ids.bin"))
	mon := monitor.New(cfg, st, vecs, nil, client, nil)
	t.Cleanup(func() { mon.Stop(context.Background()) })

	router := NewRouter(Deps{
		Store:   st,
		Monitor: mon,
		Search: &search.Manager{
			Service:   nil,
			Gate:      mon,
			UploadDir: filepath.Join(dir, "uploads"),
		},
	})
	return &testEnv{router: router, store: st, monitor: mon}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"ok":true}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestLiveStatusIdle(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/live/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status monitor.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, monitor.StateIdle, status.State)
}

func TestLiveStartValidation(t *testing.T) {
	env := newTestEnv(t)
	for _, body := range []string{``, `{}`, `{"streamer":"x"}`, `{"streamer":"has spaces"}`} {
		rec := env.do(t, http.MethodPost, "/api/live/start", []byte(body), "application/json")
		require.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		require.Equal(t, codeInvalidStreamer, decodeError(t, rec).Code)
	}
}

func TestLiveStartConflictAndStop(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/live/start", []byte(`{"streamer":"somestreamer"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	var start struct {
		Status monitor.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &start))
	require.Equal(t, monitor.StatePolling, start.Status.State)
	require.Equal(t, "somestreamer", start.Status.Streamer)

	// Same streamer again is fine, a different one conflicts.
	rec = env.do(t, http.MethodPost, "/api/live/start", []byte(`{"streamer":"somestreamer"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/live/start", []byte(`{"streamer":"otherstreamer"}`), "application/json")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, codeMonitorRunning, decodeError(t, rec).Code)

	rec = env.do(t, http.MethodPost, "/api/live/stop", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stop struct {
		Stopped bool           `json:"stopped"`
		Status  monitor.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stop))
	require.True(t, stop.Stopped)
	require.Equal(t, monitor.StateIdle, stop.Status.State)
}

func TestSearchClipRequiresFile(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/search/clip", []byte("junk"), "multipart/form-data; boundary=x")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, codeInvalidUpload, decodeError(t, rec).Code)
}

func TestSearchClipBlockedWhileMonitorRuns(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.monitor.Start("somestreamer")
	require.NoError(t, err)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "clip.mp4")
	require.NoError(t, err)
	_, err = part.Write([]byte("clip data"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := env.do(t, http.MethodPost, "/api/search/clip", buf.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, codeSearchBlocked, decodeError(t, rec).Code)
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, wavPath string, offsetSeconds float64) ([][]float32, []float64, error) {
	return [][]float32{{0.1, 0.2}}, []float64{0}, nil
}

func TestSearchClipProcessingErrorMapsToBadRequest(t *testing.T) {
	dir := t.TempDir()

	// Stand-in ffmpeg: writes a non-empty file to its last argument so the
	// upload converts cleanly and the pipeline reaches the empty index.
	fakeFFmpeg := filepath.Join(dir, "fake-ffmpeg")
	require.NoError(t, os.WriteFile(fakeFFmpeg,
		[]byte("#!/bin/sh\nfor a; do out=$a; done\necho data > \"$out\"\n"), 0o755))

	svc := &search.Service{
		Vectors:  vector.NewStore(filepath.Join(dir, "vectors.bin"), filepath.Join(dir, "ids.bin")),
		Embedder: stubEmbedder{},
		Conv:     media.NewExtractor(fakeFFmpeg, ""),
		TempDir:  filepath.Join(dir, "temp"),
	}
	router := NewRouter(Deps{
		Search: &search.Manager{Service: svc, UploadDir: filepath.Join(dir, "uploads")},
	})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "clip.mp4")
	require.NoError(t, err)
	_, err = part.Write([]byte("clip data"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/search/clip", bytes.NewReader(buf.Bytes()))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	require.Equal(t, codeProcessingError, body.Code)
	require.Contains(t, body.Message, "Vector index is empty")
}

func TestLiveSessionsEmpty(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/live/sessions", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestLiveSessionsListsAndPaginates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	creatorID, err := env.store.CreateOrGetCreator(ctx, "somestreamer", "https://twitch.tv/somestreamer")
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := env.store.CreateVideo(ctx, creatorID,
			"https://www.twitch.tv/videos/"+string(rune('0'+i)), "stream", true)
		require.NoError(t, err)
	}

	rec := env.do(t, http.MethodGet, "/api/live/sessions?limit=2&offset=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []store.SessionItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	require.Len(t, sessions, 2)

	// An out-of-range limit clamps instead of failing.
	rec = env.do(t, http.MethodGet, "/api/live/sessions?limit=9999", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
}
