// Package embed defines the audio fingerprint model boundary. The engine only
// needs per-second embedding vectors with clip-relative timestamps; where
// those come from is behind the Embedder interface.
package embed

import "context"

// Embedder turns a 16 kHz mono WAV file into fingerprint vectors.
//
// offsetSeconds is the position of the clip inside its parent recording; it is
// added to every returned timestamp so timestamps are recording-absolute for
// ingest and clip-relative (offset 0) for search queries. Implementations must
// return vectors and timestamps of equal length, both possibly empty for
// silent or too-short clips.
type Embedder interface {
	Embed(ctx context.Context, wavPath string, offsetSeconds float64) (vectors [][]float32, timestamps []float64, err error)
}
