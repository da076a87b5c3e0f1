package orchestrator

import (
	"context"
	"sync"
	"time"

	"cryonix-panel/work/database"
	"cryonix-panel/work/metrics"
	"cryonix-panel/work/transcoder"

	"github.com/panjf2000/ants/v2"
)

// maxBackoffDelay caps the exponential stop-retry backoff.
const maxBackoffDelay = 10 * time.Minute

// Reconciler is the periodic sweep that resolves streams the orchestrator
// could not settle synchronously: stopping rows whose remote stop never got
// through, and starting rows orphaned by a crash before the remote call
// completed. It acts only on rows already in those states, takes the same
// per-channel token as user-triggered toggles, and skips anything it cannot
// lock, so it is safe to run concurrently with them.
type Reconciler struct {
	orch     *Orchestrator
	pool     *ants.Pool
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a Reconciler running its per-row work on the shared
// worker pool.
func NewReconciler(orch *Orchestrator, pool *ants.Pool) *Reconciler {
	return &Reconciler{
		orch:     orch,
		pool:     pool,
		stopChan: make(chan struct{}),
	}
}

// Run executes reconciliation passes on the configured interval until Stop is
// called. Intended to run in its own goroutine.
func (r *Reconciler) Run() {
	ticker := time.NewTicker(r.orch.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Pass(context.Background())
		case <-r.stopChan:
			return
		}
	}
}

// Stop terminates the Run loop.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}

// Pass runs one full reconciliation sweep and blocks until all submitted row
// work has finished.
func (r *Reconciler) Pass(ctx context.Context) {
	var wg sync.WaitGroup

	stopping, err := r.orch.db.ListStreamsInState(database.StreamStopping)
	if err != nil {
		r.orch.logger.Error("reconcile: failed to list stopping streams: %v", err)
	}
	for _, row := range stopping {
		row := row
		wg.Add(1)
		if err := r.pool.Submit(func() {
			defer wg.Done()
			r.resolveStopping(ctx, row)
		}); err != nil {
			wg.Done()
			r.orch.logger.Error("reconcile: worker pool rejected task: %v", err)
		}
	}

	stale, err := r.orch.db.ListStaleStarting(r.orch.cfg.StartingGracePeriod)
	if err != nil {
		r.orch.logger.Error("reconcile: failed to list stale starting streams: %v", err)
	}
	for _, row := range stale {
		row := row
		wg.Add(1)
		if err := r.pool.Submit(func() {
			defer wg.Done()
			r.resolveOrphanedStart(row)
		}); err != nil {
			wg.Done()
			r.orch.logger.Error("reconcile: worker pool rejected task: %v", err)
		}
	}

	wg.Wait()
}

// resolveStopping re-issues the stop request for one stuck row once its
// backoff delay has elapsed, force-marking it error after the bounded attempt
// count.
func (r *Reconciler) resolveStopping(ctx context.Context, row *database.StreamRow) {
	if time.Since(row.UpdatedAt) < backoffDelay(r.orch.cfg.ReconcileBaseDelay, row.StopAttempts) {
		return
	}

	if !r.orch.acquire(row.ChannelID) {
		// A user transition owns this channel right now; next pass gets it.
		metrics.ReconcileRuns.WithLabelValues("skipped").Inc()
		return
	}
	defer r.orch.release(row.ChannelID)

	// Re-read under the token; the user transition may have settled the row.
	current, err := r.orch.db.GetStreamByID(row.ID)
	if err != nil || current == nil || current.State != database.StreamStopping {
		return
	}

	attempts, err := r.orch.db.IncrementStopAttempts(current.ID)
	if err != nil {
		r.orch.logger.Error("reconcile: %v", err)
		return
	}

	result := r.orch.client.RequestStop(ctx, current.JobRef)
	switch result.Outcome {
	case transcoder.StopAcknowledged, transcoder.StopNotFound:
		if err := r.orch.db.MarkStreamStopped(current.ID); err != nil {
			r.orch.logger.Error("reconcile: %v", err)
			return
		}
		r.orch.updateActiveGauge()
		metrics.ReconcileRuns.WithLabelValues("stopped").Inc()
		r.orch.logger.Info("reconcile: stream %d stopped after %d attempts", current.ID, attempts)

	default: // StopUnreachable
		if attempts >= r.orch.cfg.ReconcileMaxAttempts {
			reason := "stop retries exhausted, manual intervention required"
			if err := r.orch.db.MarkStreamError(current.ID, reason); err != nil {
				r.orch.logger.Error("reconcile: %v", err)
				return
			}
			r.orch.updateActiveGauge()
			metrics.ReconcileRuns.WithLabelValues("exhausted").Inc()
			r.orch.logger.Error("reconcile: stream %d gave up after %d stop attempts", current.ID, attempts)
			return
		}
		metrics.ReconcileRuns.WithLabelValues("retried").Inc()
		r.orch.logger.Warn("reconcile: stream %d stop attempt %d failed: %s",
			current.ID, attempts, result.Reason)
	}
}

// resolveOrphanedStart settles a starting row old enough that its transition
// can no longer be in flight: the process crashed between the store write and
// the transcoder's answer. The row goes to error so the operator sees it and
// can retry the start.
func (r *Reconciler) resolveOrphanedStart(row *database.StreamRow) {
	if !r.orch.acquire(row.ChannelID) {
		metrics.ReconcileRuns.WithLabelValues("skipped").Inc()
		return
	}
	defer r.orch.release(row.ChannelID)

	current, err := r.orch.db.GetStreamByID(row.ID)
	if err != nil || current == nil || current.State != database.StreamStarting {
		return
	}

	reason := "start never confirmed by transcoder (interrupted transition)"
	if err := r.orch.db.MarkStreamError(current.ID, reason); err != nil {
		r.orch.logger.Error("reconcile: %v", err)
		return
	}
	r.orch.updateActiveGauge()
	metrics.ReconcileRuns.WithLabelValues("orphaned").Inc()
	r.orch.logger.Warn("reconcile: stream %d orphaned in starting, marked error", current.ID)
}

// backoffDelay returns the exponential delay before the next stop retry.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= maxBackoffDelay {
			return maxBackoffDelay
		}
	}
	return delay
}
