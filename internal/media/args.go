package media

import (
	"fmt"
	"strconv"
)

// ExtractSpec defines one audio window to pull out of a stream URL.
type ExtractSpec struct {
	MediaURL     string
	StartSeconds int
	Duration     int
	OutPath      string
}

// BuildExtractArgs constructs the ffmpeg arguments for a seek-and-trim audio
// window: 16 kHz mono WAV, overwrite allowed. Arguments go straight to exec,
// never through a shell.
func BuildExtractArgs(spec ExtractSpec) ([]string, error) {
	if spec.MediaURL == "" {
		return nil, fmt.Errorf("missing media URL")
	}
	if spec.OutPath == "" {
		return nil, fmt.Errorf("missing output path")
	}
	if spec.Duration <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %d", spec.Duration)
	}
	if spec.StartSeconds < 0 {
		return nil, fmt.Errorf("start offset must be non-negative, got %d", spec.StartSeconds)
	}
	return []string{
		"-loglevel", "error",
		"-ss", strconv.Itoa(spec.StartSeconds),
		"-i", spec.MediaURL,
		"-t", strconv.Itoa(spec.Duration),
		"-ar", strconv.Itoa(sampleRateHz),
		"-ac", "1",
		"-y",
		spec.OutPath,
	}, nil
}

// BuildConvertArgs constructs the ffmpeg arguments to decode an arbitrary
// media file into a full-length 16 kHz mono WAV.
func BuildConvertArgs(inPath, outPath string) ([]string, error) {
	if inPath == "" {
		return nil, fmt.Errorf("missing input path")
	}
	if outPath == "" {
		return nil, fmt.Errorf("missing output path")
	}
	return []string{
		"-loglevel", "error",
		"-i", inPath,
		"-ar", strconv.Itoa(sampleRateHz),
		"-ac", "1",
		"-y",
		outPath,
	}, nil
}
