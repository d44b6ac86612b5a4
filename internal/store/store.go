// Package store persists creators, videos, fingerprints and live-ingest
// cursors in SQLite. It is the single owner of all relational rows; the
// alignment engine and search service only read through it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mkrz/vodhound/internal/persistence/sqlite"
)

const schemaVersion = 1

// Video is one archived broadcast.
type Video struct {
	ID        int64
	CreatorID int64
	URL       string
	Title     string
	Processed bool
}

// FingerprintRow resolves a fingerprint id to its (video, timestamp) pair.
type FingerprintRow struct {
	ID               int64
	VideoID          int64
	TimestampSeconds float64
}

// LiveIngestState is the durable cursor for one followed archive.
type LiveIngestState struct {
	VODPlatformID           string
	VideoID                 int64
	Streamer                string
	LastIngestedSeconds     int
	LastSeenDurationSeconds int
	UpdatedAt               string
}

// SessionItem is one row of the live-sessions listing.
type SessionItem struct {
	VideoID     int64  `json:"video_id"`
	CreatorName string `json:"creator_name"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Processed   bool   `json:"processed"`
}

// VideoWithCreator joins a video with its creator's display name.
type VideoWithCreator struct {
	VideoID     int64
	URL         string
	Title       string
	CreatorName string
}

// Store wraps the metadata database.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the metadata database and runs migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metadata store: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS creators (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT,
		url TEXT UNIQUE
	);
	CREATE TABLE IF NOT EXISTS videos (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		creator_id INTEGER,
		url TEXT,
		title TEXT,
		processed BOOLEAN DEFAULT FALSE,
		FOREIGN KEY(creator_id) REFERENCES creators(id)
	);
	CREATE TABLE IF NOT EXISTS fingerprints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		video_id INTEGER,
		timestamp_seconds REAL,
		FOREIGN KEY(video_id) REFERENCES videos(id)
	);
	CREATE TABLE IF NOT EXISTS live_ingest_state (
		vod_platform_id TEXT PRIMARY KEY,
		video_id INTEGER NOT NULL,
		streamer TEXT NOT NULL,
		last_ingested_seconds INTEGER NOT NULL,
		last_seen_duration_seconds INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY(video_id) REFERENCES videos(id)
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}

	// Older databases may contain duplicate (video_id, timestamp_seconds)
	// rows. Keep the minimum id of each group so the unique index below can
	// be created.
	if _, err := tx.Exec(`
		DELETE FROM fingerprints
		WHERE id NOT IN (
			SELECT MIN(id) FROM fingerprints GROUP BY video_id, timestamp_seconds
		)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_fingerprints_video_timestamp
		ON fingerprints(video_id, timestamp_seconds)`); err != nil {
		return err
	}

	// Same treatment for videos: the follower looks a video up by URL before
	// creating one, so a URL is expected to resolve to a single row.
	if _, err := tx.Exec(`
		DELETE FROM videos
		WHERE id NOT IN (SELECT MIN(id) FROM videos GROUP BY url)`); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_videos_url ON videos(url)`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.DB.Close() }

// CreateOrGetCreator inserts a creator if the url is unseen and returns the
// row id either way.
func (s *Store) CreateOrGetCreator(ctx context.Context, name, url string) (int64, error) {
	if _, err := s.DB.ExecContext(ctx,
		"INSERT OR IGNORE INTO creators (name, url) VALUES (?, ?)", name, url); err != nil {
		return 0, fmt.Errorf("insert creator: %w", err)
	}
	var id int64
	err := s.DB.QueryRowContext(ctx, "SELECT id FROM creators WHERE url = ?", url).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolve creator id: %w", err)
	}
	return id, nil
}

// CreateVideo inserts a video row and returns its id.
func (s *Store) CreateVideo(ctx context.Context, creatorID int64, url, title string, processed bool) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		"INSERT INTO videos (creator_id, url, title, processed) VALUES (?, ?, ?, ?)",
		creatorID, url, title, processed)
	if err != nil {
		return 0, fmt.Errorf("insert video: %w", err)
	}
	return res.LastInsertId()
}

// VideoByURL returns the video with the given url, or nil if absent.
func (s *Store) VideoByURL(ctx context.Context, url string) (*Video, error) {
	var v Video
	err := s.DB.QueryRowContext(ctx,
		"SELECT id, creator_id, url, title, processed FROM videos WHERE url = ? LIMIT 1",
		url).Scan(&v.ID, &v.CreatorID, &v.URL, &v.Title, &v.Processed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select video by url: %w", err)
	}
	return &v, nil
}

// MarkVideoProcessed flips the processed flag.
func (s *Store) MarkVideoProcessed(ctx context.Context, videoID int64, processed bool) error {
	_, err := s.DB.ExecContext(ctx,
		"UPDATE videos SET processed = ? WHERE id = ?", processed, videoID)
	if err != nil {
		return fmt.Errorf("mark video processed: %w", err)
	}
	return nil
}

// StoreFingerprints inserts one fingerprint row per timestamp, idempotently,
// and returns the row ids in input order. A reinserted (video, timestamp)
// pair yields its existing id.
func (s *Store) StoreFingerprints(ctx context.Context, videoID int64, timestamps []float64) ([]int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]int64, 0, len(timestamps))
	for _, ts := range timestamps {
		res, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO fingerprints (video_id, timestamp_seconds) VALUES (?, ?)",
			videoID, ts)
		if err != nil {
			return nil, fmt.Errorf("insert fingerprint: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			id, err := res.LastInsertId()
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
			continue
		}
		var id int64
		err = tx.QueryRowContext(ctx,
			"SELECT id FROM fingerprints WHERE video_id = ? AND timestamp_seconds = ?",
			videoID, ts).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("resolve fingerprint id after idempotent insert: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// FingerprintRows resolves fingerprint ids to (video, timestamp) pairs in a
// single batch. Input ids are deduplicated; result order is unspecified.
func (s *Store) FingerprintRows(ctx context.Context, ids []int64) ([]FingerprintRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	seen := make(map[int64]struct{}, len(ids))
	unique := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(unique)), ",")
	args := make([]any, len(unique))
	for i, id := range unique {
		args[i] = id
	}
	rows, err := s.DB.QueryContext(ctx,
		"SELECT id, video_id, timestamp_seconds FROM fingerprints WHERE id IN ("+placeholders+")",
		args...)
	if err != nil {
		return nil, fmt.Errorf("select fingerprint rows: %w", err)
	}
	defer rows.Close()

	var out []FingerprintRow
	for rows.Next() {
		var r FingerprintRow
		if err := rows.Scan(&r.ID, &r.VideoID, &r.TimestampSeconds); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MaxFingerprintID returns the highest fingerprint id, or 0 on an empty table.
// The vector store uses it to detect unindexed overhang after a torn write.
func (s *Store) MaxFingerprintID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.DB.QueryRowContext(ctx, "SELECT MAX(id) FROM fingerprints").Scan(&max); err != nil {
		return 0, fmt.Errorf("select max fingerprint id: %w", err)
	}
	return max.Int64, nil
}

// VideoWithCreator returns playback metadata for a video, or nil if absent.
func (s *Store) VideoWithCreator(ctx context.Context, videoID int64) (*VideoWithCreator, error) {
	var v VideoWithCreator
	err := s.DB.QueryRowContext(ctx, `
		SELECT videos.id, videos.url, videos.title, creators.name
		FROM videos
		JOIN creators ON creators.id = videos.creator_id
		WHERE videos.id = ?`, videoID).
		Scan(&v.VideoID, &v.URL, &v.Title, &v.CreatorName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select video with creator: %w", err)
	}
	return &v, nil
}

// LiveIngestStateFor returns the persisted cursor for an archive, or nil.
func (s *Store) LiveIngestStateFor(ctx context.Context, vodPlatformID string) (*LiveIngestState, error) {
	var st LiveIngestState
	err := s.DB.QueryRowContext(ctx, `
		SELECT vod_platform_id, video_id, streamer, last_ingested_seconds,
		       last_seen_duration_seconds, updated_at
		FROM live_ingest_state WHERE vod_platform_id = ? LIMIT 1`, vodPlatformID).
		Scan(&st.VODPlatformID, &st.VideoID, &st.Streamer,
			&st.LastIngestedSeconds, &st.LastSeenDurationSeconds, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select live ingest state: %w", err)
	}
	return &st, nil
}

// UpsertLiveIngestState atomically writes the cursor row for an archive.
func (s *Store) UpsertLiveIngestState(ctx context.Context, st LiveIngestState) error {
	updatedAt := time.Now().UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO live_ingest_state (
			vod_platform_id, video_id, streamer,
			last_ingested_seconds, last_seen_duration_seconds, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(vod_platform_id) DO UPDATE SET
			video_id = excluded.video_id,
			streamer = excluded.streamer,
			last_ingested_seconds = excluded.last_ingested_seconds,
			last_seen_duration_seconds = excluded.last_seen_duration_seconds,
			updated_at = excluded.updated_at`,
		st.VODPlatformID, st.VideoID, st.Streamer,
		st.LastIngestedSeconds, st.LastSeenDurationSeconds, updatedAt)
	if err != nil {
		return fmt.Errorf("upsert live ingest state: %w", err)
	}
	return nil
}

// ListLiveSessions lists Twitch-archive videos in reverse chronological order.
func (s *Store) ListLiveSessions(ctx context.Context, limit, offset int) ([]SessionItem, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT videos.id, creators.name, videos.url, videos.title, videos.processed
		FROM videos
		JOIN creators ON creators.id = videos.creator_id
		WHERE videos.url LIKE 'https://twitch.tv/%' OR videos.url LIKE 'https://www.twitch.tv/%'
		ORDER BY videos.id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	defer rows.Close()

	out := []SessionItem{}
	for rows.Next() {
		var it SessionItem
		if err := rows.Scan(&it.VideoID, &it.CreatorName, &it.URL, &it.Title, &it.Processed); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
