package orchestrator

import (
	"context"
	"net/http"
	"testing"
	"time"

	"cryonix-panel/work/database"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T, orch *Orchestrator) *Reconciler {
	t.Helper()
	pool, err := ants.NewPool(4)
	require.NoError(t, err)
	t.Cleanup(pool.Release)
	return NewReconciler(orch, pool)
}

// backdate pushes a stream row's updated_at into the past so grace periods and
// backoff gates open up without sleeping in tests.
func backdate(t *testing.T, db *database.DB, streamID int64, age string) {
	t.Helper()
	_, err := db.Exec(`UPDATE streams SET updated_at = datetime('now', ?) WHERE id = ?`, "-"+age, streamID)
	require.NoError(t, err)
}

func TestReconcileResolvesStuckStop(t *testing.T) {
	fake := newFakeTranscoder()
	orch, db := newTestOrchestrator(t, fake)
	rec := newTestReconciler(t, orch)
	chID := createChannel(t, db, "stuck-stop")
	ctx := context.Background()

	_, err := orch.Start(ctx, chID, 0)
	require.NoError(t, err)

	// Remote goes dark; the stop is deferred
	fake.mu.Lock()
	fake.stopStatus = http.StatusBadGateway
	fake.mu.Unlock()
	result, err := orch.Stop(ctx, chID)
	require.NoError(t, err)
	require.True(t, result.Deferred)

	// Remote comes back; the next pass settles the row
	fake.mu.Lock()
	fake.stopStatus = http.StatusOK
	fake.mu.Unlock()
	backdate(t, db, result.StreamID, "1 minute")

	rec.Pass(ctx)

	stream, err := db.GetStreamByID(result.StreamID)
	require.NoError(t, err)
	assert.Equal(t, database.StreamStopped, stream.State)
	assert.Equal(t, 1, stream.StopAttempts)
}

func TestReconcileRemoteNotFoundSettlesStop(t *testing.T) {
	fake := newFakeTranscoder()
	orch, db := newTestOrchestrator(t, fake)
	rec := newTestReconciler(t, orch)
	chID := createChannel(t, db, "gone-remote")
	ctx := context.Background()

	_, err := orch.Start(ctx, chID, 0)
	require.NoError(t, err)

	fake.mu.Lock()
	fake.stopStatus = http.StatusBadGateway
	fake.mu.Unlock()
	result, err := orch.Stop(ctx, chID)
	require.NoError(t, err)

	fake.mu.Lock()
	fake.stopStatus = http.StatusNotFound
	fake.mu.Unlock()
	backdate(t, db, result.StreamID, "1 minute")

	rec.Pass(ctx)

	stream, err := db.GetStreamByID(result.StreamID)
	require.NoError(t, err)
	assert.Equal(t, database.StreamStopped, stream.State)
}

func TestReconcileExhaustsStopRetries(t *testing.T) {
	fake := newFakeTranscoder()
	orch, db := newTestOrchestrator(t, fake)
	orch.cfg.ReconcileMaxAttempts = 2
	rec := newTestReconciler(t, orch)
	chID := createChannel(t, db, "hopeless")
	ctx := context.Background()

	_, err := orch.Start(ctx, chID, 0)
	require.NoError(t, err)

	fake.mu.Lock()
	fake.stopStatus = http.StatusBadGateway
	fake.mu.Unlock()
	result, err := orch.Stop(ctx, chID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		backdate(t, db, result.StreamID, "1 hour")
		rec.Pass(ctx)
	}

	stream, err := db.GetStreamByID(result.StreamID)
	require.NoError(t, err)
	assert.Equal(t, database.StreamError, stream.State)
	assert.Contains(t, stream.FailureReason, "manual intervention")
	assert.Equal(t, 2, stream.StopAttempts)
}

func TestReconcileBackoffGate(t *testing.T) {
	fake := newFakeTranscoder()
	orch, db := newTestOrchestrator(t, fake)
	orch.cfg.ReconcileBaseDelay = time.Hour
	rec := newTestReconciler(t, orch)
	chID := createChannel(t, db, "patient")
	ctx := context.Background()

	_, err := orch.Start(ctx, chID, 0)
	require.NoError(t, err)

	fake.mu.Lock()
	fake.stopStatus = http.StatusBadGateway
	fake.mu.Unlock()
	result, err := orch.Stop(ctx, chID)
	require.NoError(t, err)
	stopCallsBefore := fake.stopCalls

	// Row is fresh; the hour-long base delay has not elapsed
	rec.Pass(ctx)

	assert.Equal(t, stopCallsBefore, fake.stopCalls)
	stream, err := db.GetStreamByID(result.StreamID)
	require.NoError(t, err)
	assert.Equal(t, database.StreamStopping, stream.State)
	assert.Equal(t, 0, stream.StopAttempts)
}

func TestReconcileOrphanedStart(t *testing.T) {
	orch, db := newTestOrchestrator(t, newFakeTranscoder())
	rec := newTestReconciler(t, orch)
	chID := createChannel(t, db, "orphan")

	// Simulate a crash between the store write and the remote call
	streamID, err := db.CreateStream(chID, 0, "key-orphan", "720p", "http://out/key-orphan")
	require.NoError(t, err)

	// Fresh starting rows are inside the grace period and left alone
	rec.Pass(context.Background())
	stream, err := db.GetStreamByID(streamID)
	require.NoError(t, err)
	assert.Equal(t, database.StreamStarting, stream.State)

	backdate(t, db, streamID, "1 hour")
	rec.Pass(context.Background())

	stream, err = db.GetStreamByID(streamID)
	require.NoError(t, err)
	assert.Equal(t, database.StreamError, stream.State)
	assert.Contains(t, stream.FailureReason, "never confirmed")
}

func TestReconcileSkipsLockedChannel(t *testing.T) {
	fake := newFakeTranscoder()
	orch, db := newTestOrchestrator(t, fake)
	rec := newTestReconciler(t, orch)
	chID := createChannel(t, db, "busy")
	ctx := context.Background()

	_, err := orch.Start(ctx, chID, 0)
	require.NoError(t, err)

	fake.mu.Lock()
	fake.stopStatus = http.StatusBadGateway
	fake.mu.Unlock()
	result, err := orch.Stop(ctx, chID)
	require.NoError(t, err)
	backdate(t, db, result.StreamID, "1 hour")

	// A user transition holds the channel token during the pass
	require.True(t, orch.acquire(chID))
	rec.Pass(ctx)
	orch.release(chID)

	stream, err := db.GetStreamByID(result.StreamID)
	require.NoError(t, err)
	assert.Equal(t, database.StreamStopping, stream.State)
	assert.Equal(t, 0, stream.StopAttempts)
}

func TestBackoffDelay(t *testing.T) {
	base := 5 * time.Second

	assert.Equal(t, 5*time.Second, backoffDelay(base, 0))
	assert.Equal(t, 10*time.Second, backoffDelay(base, 1))
	assert.Equal(t, 40*time.Second, backoffDelay(base, 3))
	assert.Equal(t, maxBackoffDelay, backoffDelay(base, 20))
}

func TestReconcilerRunStop(t *testing.T) {
	orch, _ := newTestOrchestrator(t, newFakeTranscoder())
	rec := newTestReconciler(t, orch)

	done := make(chan struct{})
	go func() {
		rec.Run()
		close(done)
	}()

	rec.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciler did not stop")
	}

	// Stop is idempotent
	rec.Stop()
}
