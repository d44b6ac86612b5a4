// Package align turns raw nearest-neighbor hits into a single (video, offset)
// verdict. Every neighbor votes for the offset between its stored timestamp
// and the query timestamp that found it; a candidate wins only with both an
// absolute vote floor and a share of the total vote mass.
package align

import (
	"context"
	"fmt"
	"math"

	"github.com/mkrz/vodhound/internal/store"
)

// RowResolver resolves fingerprint ids to their (video, timestamp) rows.
type RowResolver interface {
	FingerprintRows(ctx context.Context, ids []int64) ([]store.FingerprintRow, error)
}

// Config holds the acceptance thresholds.
type Config struct {
	MinVoteCount int
	MinVoteRatio float64
}

// DefaultConfig returns the thresholds tuned for ten neighbors per second.
func DefaultConfig() Config {
	return Config{MinVoteCount: 3, MinVoteRatio: 0.08}
}

// Result is the alignment verdict for one query clip. Score is the winning
// vote count divided by the number of query seconds.
type Result struct {
	Found            bool
	VideoID          int64
	TimestampSeconds int
	VoteCount        int
	Score            float64
	Reason           string
}

// Engine scores alignment candidates.
type Engine struct {
	cfg Config
	res RowResolver
}

// NewEngine builds an engine; zero thresholds fall back to defaults.
func NewEngine(cfg Config, res RowResolver) *Engine {
	def := DefaultConfig()
	if cfg.MinVoteCount <= 0 {
		cfg.MinVoteCount = def.MinVoteCount
	}
	if cfg.MinVoteRatio <= 0 {
		cfg.MinVoteRatio = def.MinVoteRatio
	}
	return &Engine{cfg: cfg, res: res}
}

type candidate struct {
	videoID int64
	offset  int
}

// Align tallies offset votes over the neighbor lists of each query second.
// neighborIDs[i] are the fingerprint ids retrieved for queryTimestamps[i].
// Ties on vote count go to the candidate seen first.
func (e *Engine) Align(ctx context.Context, neighborIDs [][]int64, queryTimestamps []float64) (Result, error) {
	if len(neighborIDs) == 0 {
		return reject("No nearest neighbors found"), nil
	}
	if len(queryTimestamps) == 0 {
		return reject("Query had no timestamps"), nil
	}
	if len(neighborIDs) != len(queryTimestamps) {
		return reject("Neighbor/timestamp length mismatch"), nil
	}

	flat := make([]int64, 0, len(neighborIDs)*len(neighborIDs[0]))
	for _, ids := range neighborIDs {
		flat = append(flat, ids...)
	}
	rows, err := e.res.FingerprintRows(ctx, flat)
	if err != nil {
		return Result{}, fmt.Errorf("align: resolve fingerprint rows: %w", err)
	}
	if len(rows) == 0 {
		return reject("No fingerprint rows resolved"), nil
	}
	byID := make(map[int64]store.FingerprintRow, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}

	votes := make(map[candidate]int)
	var order []candidate
	total := 0
	for i, ids := range neighborIDs {
		qts := queryTimestamps[i]
		for _, id := range ids {
			row, ok := byID[id]
			if !ok {
				continue
			}
			c := candidate{
				videoID: row.VideoID,
				offset:  int(math.Round(row.TimestampSeconds - qts)),
			}
			if _, seen := votes[c]; !seen {
				order = append(order, c)
			}
			votes[c]++
			total++
		}
	}
	if total == 0 {
		return reject("No alignment candidates"), nil
	}

	// Map iteration order is random; scan candidates in first-seen order so a
	// vote-count tie resolves deterministically.
	best := order[0]
	for _, c := range order[1:] {
		if votes[c] > votes[best] {
			best = c
		}
	}

	// The ratio denominator is the query length, not the resolved vote mass.
	count := votes[best]
	ratio := float64(count) / float64(len(queryTimestamps))
	if count < e.cfg.MinVoteCount {
		return Result{
			TimestampSeconds: best.offset,
			VoteCount:        count,
			Score:            ratio,
			Reason:           fmt.Sprintf("Best candidate vote count %d is below min_vote_count %d", count, e.cfg.MinVoteCount),
		}, nil
	}
	if ratio < e.cfg.MinVoteRatio {
		return Result{
			TimestampSeconds: best.offset,
			VoteCount:        count,
			Score:            ratio,
			Reason:           fmt.Sprintf("Best candidate vote ratio %.3f is below min_vote_ratio %.3f", ratio, e.cfg.MinVoteRatio),
		}, nil
	}
	return Result{
		Found:            true,
		VideoID:          best.videoID,
		TimestampSeconds: best.offset,
		VoteCount:        count,
		Score:            ratio,
		Reason:           fmt.Sprintf("Accepted with %d votes (%.3f ratio)", count, ratio),
	}, nil
}

func reject(reason string) Result {
	return Result{Reason: reason}
}
