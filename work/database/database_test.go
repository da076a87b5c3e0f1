package database

import (
	"path/filepath"
	"testing"

	"cryonix-panel/work/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), logger.New("error"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestChannelCRUD(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateChannel("News One", "http://example.com/news.ts", "News", "http://example.com/logo.png", "720p", true)
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	t.Run("get by id", func(t *testing.T) {
		ch, err := db.GetChannelByID(id)
		require.NoError(t, err)
		require.NotNil(t, ch)
		assert.Equal(t, "News One", ch.Name)
		assert.Equal(t, "720p", ch.Quality)
		assert.True(t, ch.Active)
	})

	t.Run("get missing returns nil", func(t *testing.T) {
		ch, err := db.GetChannelByID(99999)
		require.NoError(t, err)
		assert.Nil(t, ch)
	})

	t.Run("update", func(t *testing.T) {
		err := db.UpdateChannel(id, "News One HD", "http://example.com/news-hd.ts", "News", "", "1080p")
		require.NoError(t, err)

		ch, err := db.GetChannelByID(id)
		require.NoError(t, err)
		assert.Equal(t, "News One HD", ch.Name)
		assert.Equal(t, "1080p", ch.Quality)
	})

	t.Run("update missing reports no rows", func(t *testing.T) {
		err := db.UpdateChannel(99999, "x", "http://x", "", "", "")
		assert.Error(t, err)
	})

	t.Run("list", func(t *testing.T) {
		channels, err := db.ListChannels()
		require.NoError(t, err)
		assert.Len(t, channels, 1)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, db.DeleteChannel(id))
		ch, err := db.GetChannelByID(id)
		require.NoError(t, err)
		assert.Nil(t, ch)
	})
}

func TestUpsertChannelByName(t *testing.T) {
	db := openTestDB(t)

	id, created, err := db.UpsertChannelByName("Sports", "http://example.com/a.ts", "Sports", "", true)
	require.NoError(t, err)
	assert.True(t, created)

	t.Run("same name updates source fields only", func(t *testing.T) {
		// Flip desired status off first; the upsert must not touch it
		require.NoError(t, db.SetChannelDesiredStatus(id, false))

		id2, created2, err := db.UpsertChannelByName("Sports", "http://example.com/b.ts", "Sport", "http://logo", true)
		require.NoError(t, err)
		assert.False(t, created2)
		assert.Equal(t, id, id2)

		ch, err := db.GetChannelByID(id)
		require.NoError(t, err)
		assert.Equal(t, "http://example.com/b.ts", ch.StreamURL)
		assert.Equal(t, "Sport", ch.Category)
		assert.False(t, ch.Active, "upsert must not overwrite desired status")
	})

	t.Run("new name creates", func(t *testing.T) {
		_, created, err := db.UpsertChannelByName("Movies", "http://example.com/c.ts", "", "", false)
		require.NoError(t, err)
		assert.True(t, created)

		ch, err := db.GetChannelByName("Movies")
		require.NoError(t, err)
		require.NotNil(t, ch)
		assert.False(t, ch.Active)
	})
}

func TestStreamLifecycle(t *testing.T) {
	db := openTestDB(t)

	chID, err := db.CreateChannel("Live", "http://example.com/live.ts", "", "", "", true)
	require.NoError(t, err)

	streamID, err := db.CreateStream(chID, 7, "key-abc", "720p", "http://out/key-abc/index.m3u8")
	require.NoError(t, err)

	t.Run("created in starting", func(t *testing.T) {
		s, err := db.GetStreamByID(streamID)
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, StreamStarting, s.State)
		assert.Equal(t, int64(7), s.UserID)
		assert.Nil(t, s.StartedAt)
	})

	t.Run("second active row per channel rejected", func(t *testing.T) {
		_, err := db.CreateStream(chID, 7, "key-dup", "720p", "http://out/key-dup/index.m3u8")
		assert.Error(t, err)
	})

	t.Run("running", func(t *testing.T) {
		require.NoError(t, db.MarkStreamRunning(streamID, "job-1", "http://out/published.m3u8"))
		s, err := db.GetStreamByID(streamID)
		require.NoError(t, err)
		assert.Equal(t, StreamRunning, s.State)
		assert.Equal(t, "job-1", s.JobRef)
		assert.NotNil(t, s.StartedAt)
	})

	t.Run("active lookup and count", func(t *testing.T) {
		active, err := db.GetActiveStream(chID)
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, streamID, active.ID)

		count, err := db.CountActiveStreams()
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("stopping still counts as active lookup but not in count", func(t *testing.T) {
		require.NoError(t, db.MarkStreamStopping(streamID))

		active, err := db.GetActiveStream(chID)
		require.NoError(t, err)
		require.NotNil(t, active)

		count, err := db.CountActiveStreams()
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("stop attempts counter", func(t *testing.T) {
		n, err := db.IncrementStopAttempts(streamID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = db.IncrementStopAttempts(streamID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("stopped", func(t *testing.T) {
		require.NoError(t, db.MarkStreamStopped(streamID))
		s, err := db.GetStreamByID(streamID)
		require.NoError(t, err)
		assert.Equal(t, StreamStopped, s.State)
		assert.NotNil(t, s.StoppedAt)

		active, err := db.GetActiveStream(chID)
		require.NoError(t, err)
		assert.Nil(t, active)
	})

	t.Run("terminal row frees the channel for a new stream", func(t *testing.T) {
		_, err := db.CreateStream(chID, 7, "key-next", "720p", "http://out/key-next/index.m3u8")
		assert.NoError(t, err)
	})

	t.Run("viewers by key", func(t *testing.T) {
		require.NoError(t, db.UpdateStreamViewers("key-abc", 42))
		s, err := db.GetStreamByKey("key-abc")
		require.NoError(t, err)
		assert.Equal(t, 42, s.Viewers)
	})
}

func TestStreamErrorState(t *testing.T) {
	db := openTestDB(t)

	chID, err := db.CreateChannel("Flaky", "http://example.com/flaky.ts", "", "", "", true)
	require.NoError(t, err)
	streamID, err := db.CreateStream(chID, 0, "key-err", "720p", "http://out/key-err/index.m3u8")
	require.NoError(t, err)

	require.NoError(t, db.MarkStreamError(streamID, "transcoder refused the stream"))

	s, err := db.GetStreamByID(streamID)
	require.NoError(t, err)
	assert.Equal(t, StreamError, s.State)
	assert.Equal(t, "transcoder refused the stream", s.FailureReason)

	// Error rows are terminal for conflict purposes
	active, err := db.GetActiveStream(chID)
	require.NoError(t, err)
	assert.Nil(t, active)

	latest, err := db.GetLatestStream(chID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, streamID, latest.ID)
}

func TestCascadeDelete(t *testing.T) {
	db := openTestDB(t)

	chID, err := db.CreateChannel("Doomed", "http://example.com/doomed.ts", "", "", "", true)
	require.NoError(t, err)
	streamID, err := db.CreateStream(chID, 0, "key-doom", "720p", "http://out/key-doom/index.m3u8")
	require.NoError(t, err)

	require.NoError(t, db.DeleteChannel(chID))

	s, err := db.GetStreamByID(streamID)
	require.NoError(t, err)
	assert.Nil(t, s, "stream rows must cascade with their channel")
}

func TestListStreamsInState(t *testing.T) {
	db := openTestDB(t)

	for i, key := range []string{"s1", "s2", "s3"} {
		chID, err := db.CreateChannel(key, "http://example.com/"+key, "", "", "", true)
		require.NoError(t, err)
		streamID, err := db.CreateStream(chID, 0, "key-"+key, "720p", "http://out/"+key)
		require.NoError(t, err)
		if i < 2 {
			require.NoError(t, db.MarkStreamStopping(streamID))
		}
	}

	stopping, err := db.ListStreamsInState(StreamStopping)
	require.NoError(t, err)
	assert.Len(t, stopping, 2)

	stale, err := db.ListStaleStarting(0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(stale), 1)
}

func TestCountChannels(t *testing.T) {
	db := openTestDB(t)

	_, err := db.CreateChannel("A", "http://example.com/a", "", "", "", true)
	require.NoError(t, err)
	_, err = db.CreateChannel("B", "http://example.com/b", "", "", "", false)
	require.NoError(t, err)

	total, active, err := db.CountChannels()
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, active)
}
