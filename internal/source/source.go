// Package source produces bounded audio chunks for the ingest pipeline. The
// archive follower tracks a growing Twitch recording; the WAV source replays a
// local file. Both hand out 16 kHz mono WAV chunk files that the caller owns
// and deletes after processing.
package source

import "context"

// AudioChunk is one extracted window of a recording.
type AudioChunk struct {
	// Path is a temporary WAV file owned by the receiver.
	Path string
	// VideoID is the metadata row the chunk belongs to.
	VideoID int64
	// StartSeconds is the chunk's offset inside the recording.
	StartSeconds int
	// DurationSeconds is the chunk length actually extracted.
	DurationSeconds int
}

// AudioSource is a sequential chunk producer.
//
// NextChunk returns (nil, nil) when no chunk is ready yet; the caller should
// wait and retry. Once IsFinished reports true, NextChunk keeps returning
// (nil, nil).
type AudioSource interface {
	Start(ctx context.Context) error
	NextChunk(ctx context.Context) (*AudioChunk, error)
	Stop(ctx context.Context) error
	IsFinished() bool
	VideoID() int64
}
