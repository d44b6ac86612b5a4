package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mkrz/vodhound/internal/store"
)

// FileWindowExtractor extracts one audio window from a local media file.
type FileWindowExtractor interface {
	ExtractFileWindow(ctx context.Context, inPath string, startSeconds, duration int, outPath string) error
}

// WAVFileConfig tunes the local file source.
type WAVFileConfig struct {
	Path         string
	Title        string
	ChunkSeconds int
	TempDir      string
}

// WAVFile replays a local 16 kHz mono WAV as a sequence of chunks. It is the
// offline counterpart of the archive follower, used for backfilling the index
// from downloaded recordings.
type WAVFile struct {
	cfg   WAVFileConfig
	store *store.Store
	ext   FileWindowExtractor

	videoID       int64
	totalSeconds  int
	cursorSeconds int
	finished      bool
}

// NewWAVFile wires a local file source; Start must be called before NextChunk.
func NewWAVFile(cfg WAVFileConfig, st *store.Store, ext FileWindowExtractor) (*WAVFile, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("wav source: path is required")
	}
	if cfg.ChunkSeconds <= 0 {
		cfg.ChunkSeconds = 60
	}
	return &WAVFile{cfg: cfg, store: st, ext: ext}, nil
}

// Start reads the WAV header and registers the file as a processed video.
func (w *WAVFile) Start(ctx context.Context) error {
	if w.cfg.TempDir != "" {
		if err := os.MkdirAll(w.cfg.TempDir, 0o755); err != nil {
			return fmt.Errorf("wav source: create temp dir: %w", err)
		}
	}

	seconds, err := wavDurationSeconds(w.cfg.Path)
	if err != nil {
		return err
	}
	w.totalSeconds = seconds

	abs, err := filepath.Abs(w.cfg.Path)
	if err != nil {
		return err
	}
	title := w.cfg.Title
	if title == "" {
		title = filepath.Base(abs)
	}

	creatorID, err := w.store.CreateOrGetCreator(ctx, "local", "file://local")
	if err != nil {
		return err
	}
	url := "file://" + abs
	if existing, err := w.store.VideoByURL(ctx, url); err != nil {
		return err
	} else if existing != nil {
		w.videoID = existing.ID
		return nil
	}
	videoID, err := w.store.CreateVideo(ctx, creatorID, url, title, true)
	if err != nil {
		return err
	}
	w.videoID = videoID
	return nil
}

// NextChunk extracts the next sequential window; the final chunk may be
// shorter than the configured chunk length.
func (w *WAVFile) NextChunk(ctx context.Context) (*AudioChunk, error) {
	if w.finished {
		return nil, nil
	}
	remaining := w.totalSeconds - w.cursorSeconds
	if remaining <= 0 {
		w.finished = true
		return nil, nil
	}
	duration := w.cfg.ChunkSeconds
	if duration > remaining {
		duration = remaining
	}

	outPath := filepath.Join(w.cfg.TempDir,
		fmt.Sprintf("wav_%08d_%04d.wav", w.cursorSeconds, duration))
	if err := w.ext.ExtractFileWindow(ctx, w.cfg.Path, w.cursorSeconds, duration, outPath); err != nil {
		return nil, err
	}

	chunk := &AudioChunk{
		Path:            outPath,
		VideoID:         w.videoID,
		StartSeconds:    w.cursorSeconds,
		DurationSeconds: duration,
	}
	w.cursorSeconds += duration
	if w.cursorSeconds >= w.totalSeconds {
		w.finished = true
	}
	return chunk, nil
}

// Stop is a no-op for the file source.
func (w *WAVFile) Stop(ctx context.Context) error { return nil }

// IsFinished reports whether the whole file was handed out.
func (w *WAVFile) IsFinished() bool { return w.finished }

// VideoID returns the metadata row id of the file's video.
func (w *WAVFile) VideoID() int64 { return w.videoID }

// wavDurationSeconds reads a RIFF/WAVE header and computes the audio length
// in whole seconds, rounding any trailing partial second up.
func wavDurationSeconds(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("wav source: %w", err)
	}
	defer f.Close()

	var riff [12]byte
	if _, err := f.Read(riff[:]); err != nil {
		return 0, fmt.Errorf("wav source: read header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return 0, fmt.Errorf("wav source: %s is not a RIFF/WAVE file", path)
	}

	var byteRate uint32
	for {
		var chunkHeader [8]byte
		if _, err := f.Read(chunkHeader[:]); err != nil {
			return 0, fmt.Errorf("wav source: truncated chunk header: %w", err)
		}
		chunkID := string(chunkHeader[0:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		switch chunkID {
		case "fmt ":
			var fmtChunk [16]byte
			if _, err := f.Read(fmtChunk[:]); err != nil {
				return 0, fmt.Errorf("wav source: truncated fmt chunk: %w", err)
			}
			byteRate = binary.LittleEndian.Uint32(fmtChunk[8:12])
			if skip := int64(chunkSize) - 16; skip > 0 {
				if _, err := f.Seek(skip, 1); err != nil {
					return 0, err
				}
			}
		case "data":
			if byteRate == 0 {
				return 0, fmt.Errorf("wav source: data chunk before fmt chunk in %s", path)
			}
			seconds := (int64(chunkSize) + int64(byteRate) - 1) / int64(byteRate)
			return int(seconds), nil
		default:
			if _, err := f.Seek(int64(chunkSize), 1); err != nil {
				return 0, err
			}
		}
	}
}
