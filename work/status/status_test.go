package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"cryonix-panel/work/config"
	"cryonix-panel/work/database"
	"cryonix-panel/work/logger"
	"cryonix-panel/work/transcoder"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(t *testing.T, transcoderURL string, ttl time.Duration) (*Aggregator, *database.DB) {
	t.Helper()

	cfg := &config.Config{
		TranscoderURL:       transcoderURL,
		TranscoderTimeout:   500 * time.Millisecond,
		TranscoderRateLimit: 100,
		SnapshotCacheTTL:    ttl,
	}

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), logger.New("error"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	client := transcoder.New(cfg, logger.New("error"))
	return New(cfg, db, client, logger.New("error")), db
}

func healthyTranscoder(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(transcoder.Health{Status: "healthy", ActiveStreams: 1})
	}))
	t.Cleanup(server.Close)
	return server.URL
}

func TestSnapshot(t *testing.T) {
	agg, db := newTestAggregator(t, healthyTranscoder(t), time.Hour)

	chA, err := db.CreateChannel("Alpha", "http://provider/a.ts", "News", "", "720p", true)
	require.NoError(t, err)
	_, err = db.CreateChannel("Beta", "http://provider/b.ts", "Sports", "", "", false)
	require.NoError(t, err)

	streamID, err := db.CreateStream(chA, 0, "key-a", "720p", "http://out/key-a/index.m3u8")
	require.NoError(t, err)
	require.NoError(t, db.MarkStreamRunning(streamID, "job-a", "http://out/key-a/index.m3u8"))
	require.NoError(t, db.UpdateStreamViewers("key-a", 17))

	snap, err := agg.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, snap.TotalChannels)
	assert.Equal(t, 1, snap.ActiveStreams)
	assert.Equal(t, 17, snap.TotalViewers)
	assert.False(t, snap.Degraded)
	require.NotNil(t, snap.Transcoder)
	assert.Equal(t, "healthy", snap.Transcoder.Status)

	require.Len(t, snap.Channels, 2)
	// Channels come out name-ordered
	alpha, beta := snap.Channels[0], snap.Channels[1]
	assert.Equal(t, "Alpha", alpha.Name)
	assert.Equal(t, database.StreamRunning, alpha.StreamState)
	assert.Equal(t, "key-a", alpha.StreamKey)
	assert.Equal(t, 17, alpha.Viewers)
	assert.Equal(t, "Beta", beta.Name)
	assert.Equal(t, database.StreamStopped, beta.StreamState)
	assert.False(t, beta.DesiredActive)
}

func TestSnapshotDegradedOnHealthFailure(t *testing.T) {
	agg, db := newTestAggregator(t, "http://127.0.0.1:1", time.Hour)

	_, err := db.CreateChannel("Lonely", "http://provider/l.ts", "", "", "", true)
	require.NoError(t, err)

	snap, err := agg.Snapshot(context.Background())
	require.NoError(t, err, "a dead transcoder must not fail the dashboard")

	assert.True(t, snap.Degraded)
	assert.Nil(t, snap.Transcoder)
	assert.Equal(t, 1, snap.TotalChannels)
	require.Len(t, snap.Channels, 1)
}

func TestSnapshotCaching(t *testing.T) {
	agg, db := newTestAggregator(t, healthyTranscoder(t), time.Hour)

	snap1, err := agg.Snapshot(context.Background())
	require.NoError(t, err)

	_, err = db.CreateChannel("Late", "http://provider/late.ts", "", "", "", true)
	require.NoError(t, err)

	t.Run("served from cache within ttl", func(t *testing.T) {
		snap2, err := agg.Snapshot(context.Background())
		require.NoError(t, err)
		assert.Equal(t, snap1.GeneratedAt, snap2.GeneratedAt)
		assert.Equal(t, 0, snap2.TotalChannels)
	})

	t.Run("invalidate forces a rebuild", func(t *testing.T) {
		agg.Invalidate()
		snap3, err := agg.Snapshot(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, snap3.TotalChannels)
	})
}

func TestSnapshotErrorStateVisible(t *testing.T) {
	agg, db := newTestAggregator(t, healthyTranscoder(t), time.Hour)

	chID, err := db.CreateChannel("Broken", "http://provider/broken.ts", "", "", "", true)
	require.NoError(t, err)
	streamID, err := db.CreateStream(chID, 0, "key-b", "720p", "http://out/key-b")
	require.NoError(t, err)
	require.NoError(t, db.MarkStreamError(streamID, "transcoder refused the stream"))

	snap, err := agg.Snapshot(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Channels, 1)
	assert.Equal(t, database.StreamError, snap.Channels[0].StreamState)
	assert.Equal(t, "transcoder refused the stream", snap.Channels[0].FailureReason)
	assert.Equal(t, 0, snap.ActiveStreams)
}
