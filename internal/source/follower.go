package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mkrz/vodhound/internal/log"
	"github.com/mkrz/vodhound/internal/store"
	"github.com/mkrz/vodhound/internal/twitch"
)

// BroadcastAPI is the slice of the Twitch client the follower needs.
type BroadcastAPI interface {
	IsLive(ctx context.Context, streamer string) (bool, error)
	UserID(ctx context.Context, streamer string) (string, error)
	LatestArchive(ctx context.Context, userID string) (*twitch.Archive, error)
}

// WindowExtractor extracts one audio window from a VOD watch URL.
type WindowExtractor interface {
	ExtractWindow(ctx context.Context, vodURL string, startSeconds, duration int, outPath string) error
	InvalidateMediaURL(vodURL string)
}

// FollowerConfig tunes the archive follower.
type FollowerConfig struct {
	Streamer       string
	ChunkSeconds   int
	LagSeconds     int
	PollInterval   time.Duration
	FinalizeChecks int
	TempDir        string
}

// ArchiveFollower tails the streamer's newest archive while it grows. It
// keeps a durable cursor in the metadata store, never reads into the trailing
// lag window while the broadcast is live, and finalizes the video once the
// archive stops growing after the stream ends.
type ArchiveFollower struct {
	cfg   FollowerConfig
	store *store.Store
	api   BroadcastAPI
	ext   WindowExtractor

	creatorID int64
	userID    string

	// mu makes the status accessors safe to call from the monitor goroutine
	// while NextChunk runs on the ingest goroutine.
	mu               sync.Mutex
	platformID       string
	vodURL           string
	videoID          int64
	cursorSeconds    int
	pendingSeconds   int
	pendingChunkPath string
	lastSeenDuration int
	lastIsLive       bool
	noGrowthChecks   int
	lastRefresh      time.Time
	finished         bool

	now func() time.Time
}

// NewArchiveFollower wires a follower; Start must be called before NextChunk.
func NewArchiveFollower(cfg FollowerConfig, st *store.Store, api BroadcastAPI, ext WindowExtractor) (*ArchiveFollower, error) {
	if cfg.Streamer == "" {
		return nil, fmt.Errorf("archive follower: streamer is required")
	}
	if cfg.ChunkSeconds <= 0 {
		cfg.ChunkSeconds = 60
	}
	if cfg.LagSeconds < 0 {
		cfg.LagSeconds = 0
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.FinalizeChecks <= 0 {
		cfg.FinalizeChecks = 3
	}
	return &ArchiveFollower{
		cfg:   cfg,
		store: st,
		api:   api,
		ext:   ext,
		now:   time.Now,
	}, nil
}

// Start registers the creator and performs the first archive discovery.
func (f *ArchiveFollower) Start(ctx context.Context) error {
	if f.cfg.TempDir != "" {
		if err := os.MkdirAll(f.cfg.TempDir, 0o755); err != nil {
			return fmt.Errorf("archive follower: create temp dir: %w", err)
		}
	}
	creatorURL := "https://twitch.tv/" + f.cfg.Streamer
	creatorID, err := f.store.CreateOrGetCreator(ctx, f.cfg.Streamer, creatorURL)
	if err != nil {
		return err
	}
	f.creatorID = creatorID
	return f.refresh(ctx)
}

// Stop persists the cursor and removes the follower's temp chunks. Pending
// progress that was handed out but not yet committed stays uncommitted so the
// next run re-extracts that window.
func (f *ArchiveFollower) Stop(ctx context.Context) error {
	var err error
	if f.platformID != "" {
		err = f.persistState(ctx)
	}

	f.mu.Lock()
	pending := f.pendingChunkPath
	f.pendingChunkPath = ""
	f.pendingSeconds = 0
	f.finished = true
	f.mu.Unlock()

	if pending != "" {
		_ = os.Remove(pending)
	}
	if f.cfg.TempDir != "" {
		_ = os.RemoveAll(f.cfg.TempDir)
	}
	return err
}

// IsFinished reports whether the archive has been fully ingested.
func (f *ArchiveFollower) IsFinished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

// VideoID returns the metadata row id of the followed archive, 0 before one
// is discovered.
func (f *ArchiveFollower) VideoID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.videoID
}

// CursorSeconds returns the committed ingest position.
func (f *ArchiveFollower) CursorSeconds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursorSeconds
}

// LagSeconds returns how far the cursor trails the last observed duration.
func (f *ArchiveFollower) LagSeconds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	lag := f.lastSeenDuration - f.cursorSeconds
	if lag < 0 {
		return 0
	}
	return lag
}

// VODURL returns the watch URL of the followed archive, empty before one is
// discovered.
func (f *ArchiveFollower) VODURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vodURL
}

// NextChunk advances the follower by one step: it first commits the chunk
// handed out on the previous call, refreshes archive metadata when the poll
// interval has elapsed, then either extracts the next safe window or counts
// down toward finalization.
func (f *ArchiveFollower) NextChunk(ctx context.Context) (*AudioChunk, error) {
	// The previous chunk was fully processed once the caller asks again.
	if f.pendingSeconds > 0 {
		f.mu.Lock()
		f.cursorSeconds += f.pendingSeconds
		f.pendingSeconds = 0
		f.pendingChunkPath = ""
		f.mu.Unlock()
		if err := f.persistState(ctx); err != nil {
			return nil, err
		}
	}
	if f.finished {
		return nil, nil
	}

	if f.now().Sub(f.lastRefresh) >= f.cfg.PollInterval {
		if err := f.refresh(ctx); err != nil {
			return nil, err
		}
	}

	if f.platformID == "" {
		// No archive yet. An offline streamer with no archive means there is
		// nothing to follow.
		if !f.lastIsLive {
			f.mu.Lock()
			f.finished = true
			f.mu.Unlock()
		}
		return nil, nil
	}

	safeEnd := f.lastSeenDuration
	if f.lastIsLive {
		safeEnd -= f.cfg.LagSeconds
	}

	if safeEnd > f.cursorSeconds {
		duration := safeEnd - f.cursorSeconds
		if duration > f.cfg.ChunkSeconds {
			duration = f.cfg.ChunkSeconds
		}
		outPath := filepath.Join(f.cfg.TempDir,
			fmt.Sprintf("vod_%s_%08d_%04d.wav", f.platformID, f.cursorSeconds, duration))
		if err := f.ext.ExtractWindow(ctx, f.vodURL, f.cursorSeconds, duration, outPath); err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.pendingSeconds = duration
		f.pendingChunkPath = outPath
		f.mu.Unlock()
		return &AudioChunk{
			Path:            outPath,
			VideoID:         f.videoID,
			StartSeconds:    f.cursorSeconds,
			DurationSeconds: duration,
		}, nil
	}

	if !f.lastIsLive && f.noGrowthChecks >= f.cfg.FinalizeChecks {
		return nil, f.finalize(ctx)
	}
	return nil, nil
}

// refresh re-reads liveness and archive metadata from the platform.
func (f *ArchiveFollower) refresh(ctx context.Context) error {
	logger := log.WithComponent("follower")

	live, err := f.api.IsLive(ctx, f.cfg.Streamer)
	if err != nil {
		return fmt.Errorf("archive follower: liveness check: %w", err)
	}

	if f.userID == "" {
		userID, err := f.api.UserID(ctx, f.cfg.Streamer)
		if err != nil {
			return fmt.Errorf("archive follower: resolve user id: %w", err)
		}
		f.userID = userID
	}

	arch, err := f.api.LatestArchive(ctx, f.userID)
	if err != nil {
		return fmt.Errorf("archive follower: latest archive: %w", err)
	}

	f.lastIsLive = live
	f.lastRefresh = f.now()

	if arch == nil {
		return nil
	}

	if arch.ID != f.platformID {
		if err := f.switchArchive(ctx, arch); err != nil {
			return err
		}
		logger.Info().Str("streamer", f.cfg.Streamer).Str("vod_id", arch.ID).
			Int("cursor", f.cursorSeconds).Int("duration", f.lastSeenDuration).
			Bool("live", live).Msg("following archive")
		return f.persistState(ctx)
	}

	if arch.DurationSeconds > f.lastSeenDuration {
		f.mu.Lock()
		f.lastSeenDuration = arch.DurationSeconds
		f.mu.Unlock()
		f.noGrowthChecks = 0
	} else if !live {
		f.noGrowthChecks++
		logger.Debug().Str("vod_id", f.platformID).Int("checks", f.noGrowthChecks).
			Msg("archive duration stable after stream end")
	}
	return f.persistState(ctx)
}

// switchArchive points the follower at a newly discovered archive, resuming
// from a persisted cursor when one exists for it.
func (f *ArchiveFollower) switchArchive(ctx context.Context, arch *twitch.Archive) error {
	if f.vodURL != "" {
		f.ext.InvalidateMediaURL(f.vodURL)
	}
	f.noGrowthChecks = 0

	var videoID int64
	existing, err := f.store.VideoByURL(ctx, arch.URL)
	if err != nil {
		return err
	}
	if existing != nil {
		videoID = existing.ID
		// A resumed archive is not done until finalize runs again.
		if err := f.store.MarkVideoProcessed(ctx, existing.ID, false); err != nil {
			return err
		}
	} else {
		videoID, err = f.store.CreateVideo(ctx, f.creatorID, arch.URL, arch.Title, false)
		if err != nil {
			return err
		}
	}

	state, err := f.store.LiveIngestStateFor(ctx, arch.ID)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.pendingSeconds = 0
	stale := f.pendingChunkPath
	f.pendingChunkPath = ""
	f.videoID = videoID
	f.platformID = arch.ID
	f.vodURL = arch.URL
	f.cursorSeconds = 0
	f.lastSeenDuration = arch.DurationSeconds
	if state != nil {
		f.cursorSeconds = state.LastIngestedSeconds
		if state.LastSeenDurationSeconds > f.lastSeenDuration {
			f.lastSeenDuration = state.LastSeenDurationSeconds
		}
	}
	f.mu.Unlock()
	if stale != "" {
		_ = os.Remove(stale)
	}
	return nil
}

// finalize marks the archive fully ingested.
func (f *ArchiveFollower) finalize(ctx context.Context) error {
	if err := f.store.MarkVideoProcessed(ctx, f.videoID, true); err != nil {
		return err
	}
	if err := f.persistState(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	f.finished = true
	f.mu.Unlock()
	flog := log.WithComponent("follower")
	flog.Info().Str("vod_id", f.platformID).
		Int("seconds", f.cursorSeconds).Msg("archive fully ingested")
	return nil
}

func (f *ArchiveFollower) persistState(ctx context.Context) error {
	if f.platformID == "" {
		return nil
	}
	return f.store.UpsertLiveIngestState(ctx, store.LiveIngestState{
		VODPlatformID:           f.platformID,
		VideoID:                 f.videoID,
		Streamer:                f.cfg.Streamer,
		LastIngestedSeconds:     f.cursorSeconds,
		LastSeenDurationSeconds: f.lastSeenDuration,
	})
}
