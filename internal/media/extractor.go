// Package media shells out to ffmpeg and yt-dlp: it resolves playable stream
// URLs for archives and extracts fixed audio windows as 16 kHz mono WAV files.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mkrz/vodhound/internal/log"
)

// sampleRateHz is the analysis sample rate shared by ingest and search.
const sampleRateHz = 16000

// mediaURLTTL bounds how long a resolved stream URL is trusted. Twitch CDN
// URLs carry signed tokens that expire, so the cache is deliberately short.
const mediaURLTTL = 60 * time.Second

var (
	extractTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vodhound_media_extract_total",
		Help: "Total number of ffmpeg audio window extractions",
	}, []string{"result"})

	resolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vodhound_media_resolve_total",
		Help: "Total number of media URL resolutions",
	}, []string{"result"})

	extractSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vodhound_media_extract_duration_seconds",
		Help:    "Wall time of single ffmpeg window extractions",
		Buckets: prometheus.DefBuckets,
	})
)

// ExtractionError wraps an ffmpeg failure with the stderr tail so callers can
// log something actionable.
type ExtractionError struct {
	Stage  string
	Stderr string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %v: %s", e.Stage, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Extractor runs ffmpeg and yt-dlp subprocesses. It caches the last resolved
// media URL per VOD for a short window.
type Extractor struct {
	FFmpegPath  string
	ResolverBin string

	mu          sync.Mutex
	cachedURL   string
	cachedVOD   string
	resolvedAt  time.Time
	now         func() time.Time
	commandCtx  func(ctx context.Context, name string, args ...string) *exec.Cmd
	killTimeout time.Duration
}

// NewExtractor returns an extractor with binary paths defaulting to PATH
// lookups of "ffmpeg" and "yt-dlp".
func NewExtractor(ffmpegPath, resolverBin string) *Extractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if resolverBin == "" {
		resolverBin = "yt-dlp"
	}
	return &Extractor{
		FFmpegPath:  ffmpegPath,
		ResolverBin: resolverBin,
		now:         time.Now,
		commandCtx:  exec.CommandContext,
		killTimeout: 5 * time.Second,
	}
}

// ResolveMediaURL returns a playable stream URL for the VOD watch URL,
// reusing a cached answer while it is fresh.
func (e *Extractor) ResolveMediaURL(ctx context.Context, vodURL string) (string, error) {
	if vodURL == "" {
		return "", fmt.Errorf("resolve media url: empty vod url")
	}

	e.mu.Lock()
	if e.cachedVOD == vodURL && e.cachedURL != "" && e.now().Sub(e.resolvedAt) < mediaURLTTL {
		url := e.cachedURL
		e.mu.Unlock()
		return url, nil
	}
	e.mu.Unlock()

	cmd := e.commandCtx(ctx, e.ResolverBin, "-g", vodURL)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		resolveTotal.WithLabelValues("error").Inc()
		return "", &ExtractionError{Stage: "resolve media url", Stderr: tail(stderr.String()), Err: err}
	}

	var url string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			url = line
			break
		}
	}
	if url == "" {
		resolveTotal.WithLabelValues("empty").Inc()
		return "", fmt.Errorf("resolve media url: %s produced no stream url for %s", e.ResolverBin, vodURL)
	}

	e.mu.Lock()
	e.cachedVOD = vodURL
	e.cachedURL = url
	e.resolvedAt = e.now()
	e.mu.Unlock()

	resolveTotal.WithLabelValues("ok").Inc()
	return url, nil
}

// InvalidateMediaURL drops the cached stream URL for the VOD, forcing the
// next resolve to go back to the resolver binary.
func (e *Extractor) InvalidateMediaURL(vodURL string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cachedVOD == vodURL {
		e.cachedURL = ""
		e.resolvedAt = time.Time{}
	}
}

// ExtractWindow pulls one audio window from the VOD into outPath. On an
// ffmpeg failure it invalidates the cached media URL, re-resolves, and
// retries exactly once; a second failure is returned to the caller.
func (e *Extractor) ExtractWindow(ctx context.Context, vodURL string, startSeconds, duration int, outPath string) error {
	mediaURL, err := e.ResolveMediaURL(ctx, vodURL)
	if err != nil {
		return err
	}

	err = e.runExtract(ctx, mediaURL, startSeconds, duration, outPath)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	logger := log.WithComponent("media")
	logger.Warn().Err(err).Str("vod_url", vodURL).Int("start", startSeconds).
		Msg("window extraction failed, refreshing media url and retrying once")

	e.InvalidateMediaURL(vodURL)
	mediaURL, rerr := e.ResolveMediaURL(ctx, vodURL)
	if rerr != nil {
		return rerr
	}
	return e.runExtract(ctx, mediaURL, startSeconds, duration, outPath)
}

func (e *Extractor) runExtract(ctx context.Context, mediaURL string, startSeconds, duration int, outPath string) error {
	args, err := BuildExtractArgs(ExtractSpec{
		MediaURL:     mediaURL,
		StartSeconds: startSeconds,
		Duration:     duration,
		OutPath:      outPath,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	if err := e.runFFmpeg(ctx, args); err != nil {
		extractTotal.WithLabelValues("error").Inc()
		return err
	}
	extractSeconds.Observe(time.Since(start).Seconds())

	if err := requireNonEmpty(outPath); err != nil {
		extractTotal.WithLabelValues("empty_output").Inc()
		return err
	}
	extractTotal.WithLabelValues("ok").Inc()
	return nil
}

// ExtractFileWindow pulls one audio window out of a local media file. No URL
// resolution or retry is involved.
func (e *Extractor) ExtractFileWindow(ctx context.Context, inPath string, startSeconds, duration int, outPath string) error {
	return e.runExtract(ctx, inPath, startSeconds, duration, outPath)
}

// ConvertToWAV decodes inPath into a full-length analysis WAV at outPath.
func (e *Extractor) ConvertToWAV(ctx context.Context, inPath, outPath string) error {
	args, err := BuildConvertArgs(inPath, outPath)
	if err != nil {
		return err
	}
	if err := e.runFFmpeg(ctx, args); err != nil {
		return err
	}
	return requireNonEmpty(outPath)
}

func (e *Extractor) runFFmpeg(ctx context.Context, args []string) error {
	cmd := e.commandCtx(ctx, e.FFmpegPath, args...) // #nosec G204
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		// SIGTERM first; WaitDelay escalates to SIGKILL.
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.killTimeout

	if err := cmd.Run(); err != nil {
		return &ExtractionError{Stage: "ffmpeg", Stderr: tail(stderr.String()), Err: err}
	}
	return nil
}

// requireNonEmpty treats a missing or zero-byte output file as a failed
// extraction even when ffmpeg exited zero.
func requireNonEmpty(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("extraction produced no output at %s: %w", path, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("extraction produced empty output at %s", path)
	}
	return nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	const max = 512
	if len(s) > max {
		return s[len(s)-max:]
	}
	return s
}
