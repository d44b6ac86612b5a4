// Package config loads the daemon configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable for the ingest pipeline, the monitor and the
// search surface. All values come from VODHOUND_* environment variables and
// fall back to defaults that match the documented pipeline behaviour.
type Config struct {
	// Paths
	DataDir        string // root for the database, vector files and temp dirs
	ListenAddr     string // HTTP listen address, e.g. ":8080"
	EmbedderCmd    string // external embedder command; receives <wav> <offset>
	FFmpegPath     string
	MediaURLerPath string // yt-dlp compatible resolver printing a direct media URL

	// Twitch credentials (required for the live monitor)
	TwitchClientID     string
	TwitchClientSecret string

	// Archive follower
	ChunkSeconds   int
	LagSeconds     int
	PollSeconds    time.Duration // min interval between platform refreshes
	FinalizeChecks int

	// Monitor supervisor
	MonitorPollSeconds  time.Duration
	MonitorRetrySeconds time.Duration
	SessionPollInterval time.Duration

	// Search
	TopK         int
	MinVoteCount int
	MinVoteRatio float64
}

// Load reads configuration from the environment.
func Load() *Config {
	c := &Config{
		DataDir:             getEnv("VODHOUND_DATA_DIR", "data"),
		ListenAddr:          getEnv("VODHOUND_LISTEN_ADDR", ":8080"),
		EmbedderCmd:         getEnv("VODHOUND_EMBEDDER_CMD", "vodhound-embed"),
		FFmpegPath:          getEnv("VODHOUND_FFMPEG", "ffmpeg"),
		MediaURLerPath:      getEnv("VODHOUND_MEDIA_RESOLVER", "yt-dlp"),
		TwitchClientID:      strings.TrimSpace(os.Getenv("TWITCH_CLIENT_ID")),
		TwitchClientSecret:  strings.TrimSpace(os.Getenv("TWITCH_CLIENT_SECRET")),
		ChunkSeconds:        getEnvInt("VODHOUND_CHUNK_SECONDS", 60),
		LagSeconds:          getEnvInt("VODHOUND_LAG_SECONDS", 120),
		PollSeconds:         getEnvDuration("VODHOUND_ARCHIVE_POLL", 15*time.Second),
		FinalizeChecks:      getEnvInt("VODHOUND_FINALIZE_CHECKS", 3),
		MonitorPollSeconds:  getEnvDuration("VODHOUND_MONITOR_POLL", 30*time.Second),
		MonitorRetrySeconds: getEnvDuration("VODHOUND_MONITOR_RETRY", 5*time.Second),
		SessionPollInterval: getEnvDuration("VODHOUND_SESSION_POLL", 500*time.Millisecond),
		TopK:                getEnvInt("VODHOUND_TOP_K", 10),
		MinVoteCount:        getEnvInt("VODHOUND_MIN_VOTE_COUNT", 3),
		MinVoteRatio:        getEnvFloat("VODHOUND_MIN_VOTE_RATIO", 0.08),
	}
	if c.ChunkSeconds <= 0 {
		c.ChunkSeconds = 60
	}
	if c.LagSeconds < 0 {
		c.LagSeconds = 120
	}
	if c.FinalizeChecks <= 0 {
		c.FinalizeChecks = 3
	}
	if c.TopK <= 0 {
		c.TopK = 10
	}
	return c
}

// ValidateForMonitor reports the fatal configuration errors that prevent the
// live monitor from starting at all.
func (c *Config) ValidateForMonitor() error {
	if c.TwitchClientID == "" {
		return fmt.Errorf("TWITCH_CLIENT_ID is required")
	}
	if c.TwitchClientSecret == "" {
		return fmt.Errorf("TWITCH_CLIENT_SECRET is required")
	}
	return nil
}

// DBPath returns the metadata database location under the data dir.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "metadata.db") }

// VectorPath returns the dense vector matrix file location.
func (c *Config) VectorPath() string { return filepath.Join(c.DataDir, "vectors.bin") }

// IDPath returns the fingerprint id vector file location.
func (c *Config) IDPath() string { return filepath.Join(c.DataDir, "ids.bin") }

// TempLiveDir is the work dir for extracted live archive chunks.
func (c *Config) TempLiveDir() string { return filepath.Join(c.DataDir, "temp_live_chunks") }

// TempSearchDir is the work dir for preprocessed query clips.
func (c *Config) TempSearchDir() string { return filepath.Join(c.DataDir, "temp_search") }

// TempUploadDir is the work dir for raw search uploads.
func (c *Config) TempUploadDir() string { return filepath.Join(c.DataDir, "temp_search_uploads") }

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvDuration accepts either a Go duration string ("15s") or a bare number
// of seconds ("15"), matching how the knobs were historically configured.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return defaultVal
}
