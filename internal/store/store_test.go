package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateOrGetCreatorIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.CreateOrGetCreator(ctx, "somestreamer", "https://twitch.tv/somestreamer")
	require.NoError(t, err)
	id2, err := s.CreateOrGetCreator(ctx, "somestreamer", "https://twitch.tv/somestreamer")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestVideoByURLAbsent(t *testing.T) {
	s := newTestStore(t)
	v, err := s.VideoByURL(context.Background(), "https://www.twitch.tv/videos/404")
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestVideoLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creatorID, err := s.CreateOrGetCreator(ctx, "somestreamer", "https://twitch.tv/somestreamer")
	require.NoError(t, err)
	videoID, err := s.CreateVideo(ctx, creatorID, "https://www.twitch.tv/videos/1", "first stream", false)
	require.NoError(t, err)

	v, err := s.VideoByURL(ctx, "https://www.twitch.tv/videos/1")
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Equal(t, videoID, v.ID)
	require.False(t, v.Processed)

	require.NoError(t, s.MarkVideoProcessed(ctx, videoID, true))
	v, err = s.VideoByURL(ctx, "https://www.twitch.tv/videos/1")
	require.NoError(t, err)
	require.True(t, v.Processed)

	meta, err := s.VideoWithCreator(ctx, videoID)
	require.NoError(t, err)
	require.Equal(t, "somestreamer", meta.CreatorName)
	require.Equal(t, "first stream", meta.Title)

	meta, err = s.VideoWithCreator(ctx, videoID+1)
	require.NoError(t, err)
	require.Nil(t, meta)
}

func TestStoreFingerprintsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creatorID, err := s.CreateOrGetCreator(ctx, "somestreamer", "https://twitch.tv/somestreamer")
	require.NoError(t, err)
	videoID, err := s.CreateVideo(ctx, creatorID, "https://www.twitch.tv/videos/1", "t", false)
	require.NoError(t, err)

	ts := []float64{0.5, 1.5, 2.5}
	first, err := s.StoreFingerprints(ctx, videoID, ts)
	require.NoError(t, err)
	require.Len(t, first, 3)

	// Re-ingesting the same window must not create new rows.
	second, err := s.StoreFingerprints(ctx, videoID, ts)
	require.NoError(t, err)
	require.Equal(t, first, second)

	maxID, err := s.MaxFingerprintID(ctx)
	require.NoError(t, err)
	require.Equal(t, first[2], maxID)

	rows, err := s.FingerprintRows(ctx, []int64{first[0], first[0], first[2]})
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestMaxFingerprintIDEmpty(t *testing.T) {
	s := newTestStore(t)
	maxID, err := s.MaxFingerprintID(context.Background())
	require.NoError(t, err)
	require.Zero(t, maxID)
}

func TestLiveIngestStateUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creatorID, err := s.CreateOrGetCreator(ctx, "somestreamer", "https://twitch.tv/somestreamer")
	require.NoError(t, err)
	videoID, err := s.CreateVideo(ctx, creatorID, "https://www.twitch.tv/videos/1", "t", false)
	require.NoError(t, err)

	st, err := s.LiveIngestStateFor(ctx, "1")
	require.NoError(t, err)
	require.Nil(t, st)

	require.NoError(t, s.UpsertLiveIngestState(ctx, LiveIngestState{
		VODPlatformID:           "1",
		VideoID:                 videoID,
		Streamer:                "somestreamer",
		LastIngestedSeconds:     60,
		LastSeenDurationSeconds: 300,
	}))
	require.NoError(t, s.UpsertLiveIngestState(ctx, LiveIngestState{
		VODPlatformID:           "1",
		VideoID:                 videoID,
		Streamer:                "somestreamer",
		LastIngestedSeconds:     120,
		LastSeenDurationSeconds: 360,
	}))

	st, err = s.LiveIngestStateFor(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Equal(t, 120, st.LastIngestedSeconds)
	require.Equal(t, 360, st.LastSeenDurationSeconds)
	require.NotEmpty(t, st.UpdatedAt)
}

func TestListLiveSessionsFiltersTwitchURLs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creatorID, err := s.CreateOrGetCreator(ctx, "somestreamer", "https://twitch.tv/somestreamer")
	require.NoError(t, err)
	_, err = s.CreateVideo(ctx, creatorID, "file:///tmp/local.wav", "local", true)
	require.NoError(t, err)
	v1, err := s.CreateVideo(ctx, creatorID, "https://www.twitch.tv/videos/1", "one", true)
	require.NoError(t, err)
	v2, err := s.CreateVideo(ctx, creatorID, "https://www.twitch.tv/videos/2", "two", false)
	require.NoError(t, err)

	items, err := s.ListLiveSessions(ctx, 50, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, v2, items[0].VideoID)
	require.Equal(t, v1, items[1].VideoID)

	items, err = s.ListLiveSessions(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, v1, items[0].VideoID)
}

func TestDuplicateVideoURLRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	creatorID, err := s.CreateOrGetCreator(ctx, "somestreamer", "https://twitch.tv/somestreamer")
	require.NoError(t, err)
	_, err = s.CreateVideo(ctx, creatorID, "https://www.twitch.tv/videos/1", "one", false)
	require.NoError(t, err)
	_, err = s.CreateVideo(ctx, creatorID, "https://www.twitch.tv/videos/1", "dup", false)
	require.Error(t, err)
}
