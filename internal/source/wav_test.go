package source

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mkrz/vodhound/internal/store"
)

// writeTestWAV writes a minimal PCM WAV header plus a silent payload of the
// given length in seconds at 16 kHz mono s16le.
func writeTestWAV(t *testing.T, path string, seconds int) {
	t.Helper()
	const byteRate = 16000 * 2
	dataLen := seconds * byteRate

	var buf []byte
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+dataLen))
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1) // PCM
	buf = binary.LittleEndian.AppendUint16(buf, 1) // mono
	buf = binary.LittleEndian.AppendUint32(buf, 16000)
	buf = binary.LittleEndian.AppendUint32(buf, byteRate)
	buf = binary.LittleEndian.AppendUint16(buf, 2)
	buf = binary.LittleEndian.AppendUint16(buf, 16)
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dataLen))
	buf = append(buf, make([]byte, dataLen)...)

	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

type fakeFileExtractor struct {
	calls []extractCall
}

func (f *fakeFileExtractor) ExtractFileWindow(ctx context.Context, inPath string, start, duration int, outPath string) error {
	f.calls = append(f.calls, extractCall{vodURL: inPath, start: start, duration: duration})
	return os.WriteFile(outPath, []byte("wav"), 0o644)
}

func TestWAVDurationSeconds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.wav")
	writeTestWAV(t, path, 90)
	seconds, err := wavDurationSeconds(path)
	require.NoError(t, err)
	require.Equal(t, 90, seconds)
}

func TestWAVDurationRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.wav")
	require.NoError(t, os.WriteFile(path, []byte("this is not a wav file at all"), 0o644))
	_, err := wavDurationSeconds(path)
	require.Error(t, err)
}

func TestWAVFileChunksSequentially(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.wav")
	writeTestWAV(t, path, 150)

	st, err := store.Open(filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	defer st.Close()

	ext := &fakeFileExtractor{}
	w, err := NewWAVFile(WAVFileConfig{
		Path:         path,
		Title:        "test recording",
		ChunkSeconds: 60,
		TempDir:      filepath.Join(dir, "tmp"),
	}, st, ext)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	require.NotZero(t, w.VideoID())

	// The file source registers its video as already processed.
	video, err := st.VideoWithCreator(ctx, w.VideoID())
	require.NoError(t, err)
	require.Equal(t, "test recording", video.Title)

	var chunks []*AudioChunk
	for !w.IsFinished() {
		chunk, err := w.NextChunk(ctx)
		require.NoError(t, err)
		if chunk == nil {
			break
		}
		chunks = append(chunks, chunk)
	}
	require.Len(t, chunks, 3)
	require.Equal(t, 0, chunks[0].StartSeconds)
	require.Equal(t, 60, chunks[1].StartSeconds)
	require.Equal(t, 120, chunks[2].StartSeconds)
	require.Equal(t, 30, chunks[2].DurationSeconds)

	chunk, err := w.NextChunk(ctx)
	require.NoError(t, err)
	require.Nil(t, chunk)
	require.True(t, w.IsFinished())
}

func TestWAVFileReusesExistingVideo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.wav")
	writeTestWAV(t, path, 10)

	st, err := store.Open(filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	defer st.Close()

	mk := func() *WAVFile {
		w, err := NewWAVFile(WAVFileConfig{Path: path, ChunkSeconds: 60, TempDir: dir}, st, &fakeFileExtractor{})
		require.NoError(t, err)
		require.NoError(t, w.Start(context.Background()))
		return w
	}
	first := mk()
	second := mk()
	require.Equal(t, first.VideoID(), second.VideoID())
}
