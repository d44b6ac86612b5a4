// Package ingest drives one indexing session: it pulls audio chunks from a
// source, embeds them, and commits fingerprints to the metadata store and the
// vector index in that order. Fingerprint rows commit before vectors, so a
// crash leaves at most one chunk of unindexed overhang and never a vector
// without its row.
package ingest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mkrz/vodhound/internal/embed"
	"github.com/mkrz/vodhound/internal/log"
	"github.com/mkrz/vodhound/internal/source"
	"github.com/mkrz/vodhound/internal/store"
	"github.com/mkrz/vodhound/internal/vector"
)

var (
	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vodhound_ingest_chunks_total",
		Help: "Total number of audio chunks handled by ingest sessions",
	}, []string{"result"})

	fingerprintsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vodhound_ingest_fingerprints_total",
		Help: "Total number of fingerprints committed to the index",
	})

	chunkSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vodhound_ingest_chunk_duration_seconds",
		Help:    "Wall time of one chunk's embed and commit cycle",
		Buckets: prometheus.DefBuckets,
	})
)

// Session processes one source until it finishes or the context is canceled.
type Session struct {
	Source   source.AudioSource
	Embedder embed.Embedder
	Store    *store.Store
	Vectors  *vector.Store

	// PollInterval is how long to wait when the source has nothing ready.
	PollInterval time.Duration
}

// Run consumes the source to completion. The source is started and stopped
// inside Run; a canceled context stops cleanly with the cursor persisted.
func (s *Session) Run(ctx context.Context) error {
	if s.PollInterval <= 0 {
		s.PollInterval = 500 * time.Millisecond
	}
	logger := log.WithComponent("ingest")

	if err := s.Source.Start(ctx); err != nil {
		return fmt.Errorf("ingest: start source: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Source.Stop(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("source stop failed")
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := s.Source.NextChunk(ctx)
		if err != nil {
			chunksTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("ingest: next chunk: %w", err)
		}
		if chunk == nil {
			if s.Source.IsFinished() {
				logger.Info().Int64("video_id", s.Source.VideoID()).Msg("source finished")
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.PollInterval):
			}
			continue
		}

		if err := s.processChunk(ctx, chunk); err != nil {
			chunksTotal.WithLabelValues("error").Inc()
			return err
		}
	}
}

func (s *Session) processChunk(ctx context.Context, chunk *source.AudioChunk) error {
	defer func() { _ = os.Remove(chunk.Path) }()
	start := time.Now()
	logger := log.WithComponent("ingest")

	vectors, timestamps, err := s.Embedder.Embed(ctx, chunk.Path, float64(chunk.StartSeconds))
	if err != nil {
		return fmt.Errorf("ingest: embed chunk at %ds: %w", chunk.StartSeconds, err)
	}
	if len(vectors) != len(timestamps) {
		return fmt.Errorf("ingest: embedder returned %d vectors but %d timestamps", len(vectors), len(timestamps))
	}
	if len(vectors) == 0 {
		logger.Debug().Int("start", chunk.StartSeconds).Msg("chunk produced no embeddings")
		chunksTotal.WithLabelValues("empty").Inc()
		return nil
	}

	ids, err := s.Store.StoreFingerprints(ctx, chunk.VideoID, timestamps)
	if err != nil {
		return fmt.Errorf("ingest: store fingerprints: %w", err)
	}

	matrix, err := vector.FromRows(vectors)
	if err != nil {
		return fmt.Errorf("ingest: pack embeddings: %w", err)
	}
	if err := s.Vectors.Append(matrix, ids); err != nil {
		return fmt.Errorf("ingest: append vectors: %w", err)
	}

	fingerprintsTotal.Add(float64(len(ids)))
	chunksTotal.WithLabelValues("ok").Inc()
	chunkSeconds.Observe(time.Since(start).Seconds())
	logger.Info().Int64("video_id", chunk.VideoID).Int("start", chunk.StartSeconds).
		Int("duration", chunk.DurationSeconds).Int("fingerprints", len(ids)).
		Msg("chunk indexed")
	return nil
}
