// Package search answers "which broadcast is this clip from". It converts an
// uploaded clip to the analysis format, embeds it, retrieves nearest stored
// fingerprints and runs alignment voting over them.
package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mkrz/vodhound/internal/align"
	"github.com/mkrz/vodhound/internal/embed"
	"github.com/mkrz/vodhound/internal/log"
	"github.com/mkrz/vodhound/internal/media"
	"github.com/mkrz/vodhound/internal/store"
	"github.com/mkrz/vodhound/internal/vector"
)

var (
	searchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vodhound_search_total",
		Help: "Total number of clip searches by outcome",
	}, []string{"outcome"})

	searchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vodhound_search_duration_seconds",
		Help:    "Wall time of full clip searches",
		Buckets: prometheus.DefBuckets,
	})
)

// InputError marks failures caused by the submitted clip rather than the
// engine; HTTP handlers map it to a 400.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

// IsInputError reports whether err is caused by bad input.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

// SearchResponse is the outcome of one clip search.
type SearchResponse struct {
	Found            bool    `json:"found"`
	Streamer         string  `json:"streamer,omitempty"`
	VideoID          int64   `json:"video_id,omitempty"`
	VideoURL         string  `json:"video_url,omitempty"`
	Title            string  `json:"title,omitempty"`
	TimestampSeconds int     `json:"timestamp_seconds"`
	TimestampURL     string  `json:"timestamp_url,omitempty"`
	Score            float64 `json:"score"`
	Reason           string  `json:"reason,omitempty"`
}

// Service runs the full search pipeline over one prepared audio file.
type Service struct {
	Store    *store.Store
	Vectors  *vector.Store
	Embedder embed.Embedder
	Matcher  *vector.Matcher
	Engine   *align.Engine
	Conv     *media.Extractor
	TempDir  string
}

// SearchFile matches a media clip on disk against the index. The input may be
// any format ffmpeg can decode; it is converted to the analysis WAV first.
func (s *Service) SearchFile(ctx context.Context, path string) (*SearchResponse, error) {
	start := time.Now()
	resp, err := s.searchFile(ctx, path)
	switch {
	case err != nil:
		searchTotal.WithLabelValues("error").Inc()
	case resp.Found:
		searchTotal.WithLabelValues("found").Inc()
	default:
		searchTotal.WithLabelValues("not_found").Inc()
	}
	searchSeconds.Observe(time.Since(start).Seconds())
	return resp, err
}

func (s *Service) searchFile(ctx context.Context, path string) (*SearchResponse, error) {
	prepared, err := s.prepare(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(prepared) }()

	vectors, timestamps, err := s.Embedder.Embed(ctx, prepared, 0)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, &InputError{Msg: "No embeddings generated for query clip"}
	}

	db, dbIDs, err := s.Vectors.Load()
	if err != nil {
		return nil, fmt.Errorf("search: load vector index: %w", err)
	}
	if db.N == 0 {
		return nil, fmt.Errorf("search: %s", "Vector index is empty")
	}

	query, err := vector.FromRows(vectors)
	if err != nil {
		return nil, fmt.Errorf("search: pack query embeddings: %w", err)
	}
	_, neighborIDs, err := s.Matcher.Match(query, db, dbIDs)
	if err != nil {
		return nil, fmt.Errorf("search: nearest neighbors: %w", err)
	}

	result, err := s.Engine.Align(ctx, neighborIDs, timestamps)
	if err != nil {
		return nil, err
	}
	slog := log.WithComponent("search")
	slog.Info().Bool("found", result.Found).
		Int("votes", result.VoteCount).Str("reason", result.Reason).
		Msg("alignment verdict")

	resp := &SearchResponse{
		Found:            result.Found,
		TimestampSeconds: result.TimestampSeconds,
		Score:            result.Score,
		Reason:           result.Reason,
	}
	if !result.Found {
		return resp, nil
	}

	meta, err := s.Store.VideoWithCreator(ctx, result.VideoID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("search: %s", "Aligned video metadata not found")
	}
	resp.VideoID = meta.VideoID
	resp.VideoURL = meta.URL
	resp.Title = meta.Title
	resp.Streamer = meta.CreatorName
	resp.TimestampURL = TimestampURL(meta.URL, result.TimestampSeconds)
	return resp, nil
}

// prepare converts the clip to a 16 kHz mono WAV in the temp dir.
func (s *Service) prepare(ctx context.Context, path string) (string, error) {
	if err := os.MkdirAll(s.TempDir, 0o755); err != nil {
		return "", fmt.Errorf("search: create temp dir: %w", err)
	}
	out := filepath.Join(s.TempDir, "query_"+randomHex()+".wav")
	if err := s.Conv.ConvertToWAV(ctx, path, out); err != nil {
		_ = os.Remove(out)
		return "", &InputError{Msg: fmt.Sprintf("Could not decode query clip: %v", err)}
	}
	return out, nil
}

// TimestampURL appends a Twitch-style time anchor to a VOD watch URL. A
// negative offset clamps to the start.
func TimestampURL(url string, offsetSeconds int) string {
	if offsetSeconds < 0 {
		offsetSeconds = 0
	}
	h := offsetSeconds / 3600
	m := (offsetSeconds % 3600) / 60
	sec := offsetSeconds % 60
	return fmt.Sprintf("%s?t=%dh%dm%ds", url, h, m, sec)
}

func randomHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
