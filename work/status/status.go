package status

import (
	"context"
	"time"

	"cryonix-panel/work/config"
	"cryonix-panel/work/database"
	"cryonix-panel/work/logger"
	"cryonix-panel/work/transcoder"

	"github.com/maypok86/otter/v2"
)

const snapshotKey = "dashboard"

// ChannelStatus merges a channel's configuration with the lifecycle state of
// its most recent stream.
type ChannelStatus struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	Category      string     `json:"category"`
	LogoURL       string     `json:"logoURL,omitempty"`
	DesiredActive bool       `json:"desiredActive"`
	StreamState   string     `json:"streamState"`
	StreamKey     string     `json:"streamKey,omitempty"`
	OutputURL     string     `json:"outputURL,omitempty"`
	Quality       string     `json:"quality,omitempty"`
	Viewers       int        `json:"viewers"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
}

// Snapshot is one consistent dashboard read-model. When the transcoder health
// probe fails the snapshot is still complete from store-derived data and
// Degraded is set instead of returning an error.
type Snapshot struct {
	Channels      []ChannelStatus    `json:"channels"`
	TotalChannels int                `json:"totalChannels"`
	ActiveStreams int                `json:"activeStreams"`
	TotalViewers  int                `json:"totalViewers"`
	Transcoder    *transcoder.Health `json:"transcoder,omitempty"`
	Degraded      bool               `json:"degraded"`
	GeneratedAt   time.Time          `json:"generatedAt"`
}

// Aggregator produces dashboard snapshots. It performs no writes and is safe
// for concurrent, high-frequency polling; snapshots are cached for a short
// TTL so pollers don't hammer the store.
type Aggregator struct {
	db     *database.DB
	client *transcoder.Client
	cfg    *config.Config
	logger *logger.Logger
	cache  *otter.Cache[string, *Snapshot]
}

// New creates an Aggregator with its snapshot cache.
func New(cfg *config.Config, db *database.DB, client *transcoder.Client, log *logger.Logger) *Aggregator {
	cache := otter.Must(&otter.Options[string, *Snapshot]{
		MaximumSize:      4,
		ExpiryCalculator: otter.ExpiryWriting[string, *Snapshot](cfg.SnapshotCacheTTL),
	})

	return &Aggregator{
		db:     db,
		client: client,
		cfg:    cfg,
		logger: log,
		cache:  cache,
	}
}

// Snapshot returns the current dashboard snapshot, served from cache within
// the configured TTL.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	if snap, ok := a.cache.GetIfPresent(snapshotKey); ok {
		return snap, nil
	}

	snap, err := a.build(ctx)
	if err != nil {
		return nil, err
	}

	a.cache.Set(snapshotKey, snap)
	return snap, nil
}

// build assembles a fresh snapshot from the store and the transcoder health
// probe. Store failures are fatal; a failed health probe only degrades.
func (a *Aggregator) build(ctx context.Context) (*Snapshot, error) {
	channels, err := a.db.ListChannels()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Channels:      make([]ChannelStatus, 0, len(channels)),
		TotalChannels: len(channels),
		GeneratedAt:   time.Now().UTC(),
	}

	for _, ch := range channels {
		cs := ChannelStatus{
			ID:            ch.ID,
			Name:          ch.Name,
			Category:      ch.Category,
			LogoURL:       ch.LogoURL,
			DesiredActive: ch.Active,
			StreamState:   database.StreamStopped,
		}

		stream, err := a.db.GetLatestStream(ch.ID)
		if err != nil {
			return nil, err
		}
		if stream != nil {
			cs.StreamState = stream.State
			cs.StreamKey = stream.StreamKey
			cs.OutputURL = stream.OutputURL
			cs.Quality = stream.Quality
			cs.Viewers = stream.Viewers
			cs.StartedAt = stream.StartedAt
			cs.FailureReason = stream.FailureReason
			if stream.State == database.StreamStarting || stream.State == database.StreamRunning {
				snap.TotalViewers += stream.Viewers
			}
		}

		snap.Channels = append(snap.Channels, cs)
	}

	if snap.ActiveStreams, err = a.db.CountActiveStreams(); err != nil {
		return nil, err
	}

	health, err := a.client.Health(ctx)
	if err != nil {
		// Store-derived data still stands on its own
		snap.Degraded = true
		a.logger.Warn("dashboard degraded, transcoder health probe failed: %v", err)
	} else {
		snap.Transcoder = health
	}

	return snap, nil
}

// Invalidate drops the cached snapshot so the next read rebuilds it. Called
// after mutations that should be visible immediately.
func (a *Aggregator) Invalidate() {
	a.cache.Invalidate(snapshotKey)
}
