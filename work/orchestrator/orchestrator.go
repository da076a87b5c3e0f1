package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cryonix-panel/work/config"
	"cryonix-panel/work/database"
	"cryonix-panel/work/logger"
	"cryonix-panel/work/metrics"
	"cryonix-panel/work/transcoder"
	"cryonix-panel/work/utils"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// Failure taxonomy surfaced to callers. Remote failures carry the transcoder's
// reason via error wrapping.
var (
	ErrChannelNotFound       = errors.New("channel not found")
	ErrConflict              = errors.New("transition already in progress")
	ErrTranscoderRejected    = errors.New("transcoder rejected the request")
	ErrTranscoderUnreachable = errors.New("transcoder unreachable")
)

// Action names a lifecycle intent.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// Result is the definite outcome of a toggle/start/stop call. State is the
// stream's lifecycle state as committed to the store when the call returned;
// Deferred marks a stop whose remote call could not be confirmed and was
// handed to the reconciliation pass.
type Result struct {
	Action    Action `json:"action"`
	StreamID  int64  `json:"streamId,omitempty"`
	StreamKey string `json:"streamKey,omitempty"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
	Deferred  bool   `json:"deferred,omitempty"`
}

// Orchestrator serializes lifecycle transitions per channel and keeps the
// store and the external transcoder in agreement. All durable state lives in
// the store; the in-flight lock table is process-local coordination only and
// is rebuilt empty on restart, so crash recovery leans entirely on the
// lifecycle column and the reconciliation pass.
type Orchestrator struct {
	db       *database.DB
	client   *transcoder.Client
	cfg      *config.Config
	logger   *logger.Logger
	inflight *xsync.MapOf[int64, struct{}]
}

// New creates an Orchestrator.
func New(cfg *config.Config, db *database.DB, client *transcoder.Client, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		db:       db,
		client:   client,
		cfg:      cfg,
		logger:   log,
		inflight: xsync.NewMapOf[int64, struct{}](),
	}
}

// acquire takes the per-channel transition token. A second caller on the same
// channel gets false immediately; callers must not queue.
func (o *Orchestrator) acquire(channelID int64) bool {
	_, loaded := o.inflight.LoadOrStore(channelID, struct{}{})
	return !loaded
}

func (o *Orchestrator) release(channelID int64) {
	o.inflight.Delete(channelID)
}

// Toggle flips the channel between running and stopped: with no active stream
// the action is start, otherwise stop. The explicit Start/Stop entry points
// exist for bulk and automated callers.
func (o *Orchestrator) Toggle(ctx context.Context, channelID, userID int64) (*Result, error) {
	channel, err := o.db.GetChannelByID(channelID)
	if err != nil {
		return nil, err
	}
	if channel == nil {
		return nil, ErrChannelNotFound
	}

	if !o.acquire(channelID) {
		return nil, ErrConflict
	}
	defer o.release(channelID)

	active, err := o.db.GetActiveStream(channelID)
	if err != nil {
		return nil, err
	}

	if active == nil {
		return o.doStart(ctx, channel, userID)
	}
	return o.doStop(ctx, channel, active)
}

// Start begins a stream for the channel. A channel that is already starting
// or running is left alone and reported as-is; that keeps bulk start calls
// idempotent and never double-starts against the transcoder.
func (o *Orchestrator) Start(ctx context.Context, channelID, userID int64) (*Result, error) {
	channel, err := o.db.GetChannelByID(channelID)
	if err != nil {
		return nil, err
	}
	if channel == nil {
		return nil, ErrChannelNotFound
	}

	if !o.acquire(channelID) {
		return nil, ErrConflict
	}
	defer o.release(channelID)

	active, err := o.db.GetActiveStream(channelID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return &Result{
			Action:    ActionStart,
			StreamID:  active.ID,
			StreamKey: active.StreamKey,
			State:     active.State,
		}, nil
	}

	return o.doStart(ctx, channel, userID)
}

// Stop terminates the channel's stream. Stopping an already-stopped channel
// succeeds as a no-op; an error-state stream is force-cleared to stopped.
func (o *Orchestrator) Stop(ctx context.Context, channelID int64) (*Result, error) {
	channel, err := o.db.GetChannelByID(channelID)
	if err != nil {
		return nil, err
	}
	if channel == nil {
		return nil, ErrChannelNotFound
	}

	if !o.acquire(channelID) {
		return nil, ErrConflict
	}
	defer o.release(channelID)

	active, err := o.db.GetActiveStream(channelID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return o.doStop(ctx, channel, active)
	}

	// Nothing in flight. Force-clear a lingering error row so the channel
	// reads as cleanly stopped.
	latest, err := o.db.GetLatestStream(channel.ID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.State == database.StreamError {
		if err := o.db.MarkStreamStopped(latest.ID); err != nil {
			return nil, err
		}
	}
	if err := o.db.SetChannelDesiredStatus(channel.ID, false); err != nil {
		return nil, err
	}

	metrics.StreamTransitions.WithLabelValues(string(ActionStop), database.StreamStopped).Inc()
	return &Result{Action: ActionStop, State: database.StreamStopped}, nil
}

// doStart runs the start transition. The starting row is committed before the
// remote call so a crash in between leaves evidence the reconciliation pass
// can act on.
func (o *Orchestrator) doStart(ctx context.Context, channel *database.ChannelRow, userID int64) (*Result, error) {
	quality := channel.Quality
	if quality == "" {
		quality = o.cfg.DefaultQuality
	}

	streamKey := uuid.NewString()
	outputURL := fmt.Sprintf("%s/%s/index.m3u8", strings.TrimRight(o.cfg.OutputBaseURL, "/"), streamKey)

	streamID, err := o.db.CreateStream(channel.ID, userID, streamKey, quality, outputURL)
	if err != nil {
		// The partial unique index rejects a second active row per channel;
		// racing callers land here instead of double-starting.
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "constraint") {
			return nil, ErrConflict
		}
		return nil, err
	}

	if err := o.db.SetChannelDesiredStatus(channel.ID, true); err != nil {
		return nil, err
	}

	o.logger.Info("starting channel %d (%s) stream %s from %s",
		channel.ID, channel.Name, streamKey, o.logChannelURL(channel.StreamURL))

	result := o.client.RequestStart(ctx, transcoder.StartRequest{
		ChannelID:    channel.ID,
		InputURL:     channel.StreamURL,
		OutputFormat: "hls",
		Resolution:   quality,
		Bitrate:      o.cfg.DefaultBitrate,
	})

	switch result.Outcome {
	case transcoder.StartAccepted:
		published := result.OutputURL
		if published == "" {
			published = outputURL
		}
		if err := o.db.MarkStreamRunning(streamID, result.JobRef, published); err != nil {
			return nil, err
		}
		o.updateActiveGauge()
		metrics.StreamTransitions.WithLabelValues(string(ActionStart), database.StreamRunning).Inc()
		return &Result{
			Action:    ActionStart,
			StreamID:  streamID,
			StreamKey: streamKey,
			State:     database.StreamRunning,
		}, nil

	case transcoder.StartRejected:
		if err := o.db.MarkStreamError(streamID, result.Reason); err != nil {
			return nil, err
		}
		o.updateActiveGauge()
		metrics.StreamTransitions.WithLabelValues(string(ActionStart), database.StreamError).Inc()
		o.logger.Warn("transcoder rejected channel %d: %s", channel.ID, result.Reason)
		return &Result{
			Action:   ActionStart,
			StreamID: streamID,
			State:    database.StreamError,
			Reason:   result.Reason,
		}, fmt.Errorf("%w: %s", ErrTranscoderRejected, result.Reason)

	default: // StartUnreachable
		if err := o.db.MarkStreamError(streamID, result.Reason); err != nil {
			return nil, err
		}
		o.updateActiveGauge()
		metrics.StreamTransitions.WithLabelValues(string(ActionStart), database.StreamError).Inc()
		o.logger.Error("transcoder unreachable starting channel %d: %s", channel.ID, result.Reason)
		return &Result{
			Action:   ActionStart,
			StreamID: streamID,
			State:    database.StreamError,
			Reason:   result.Reason,
		}, fmt.Errorf("%w: %s", ErrTranscoderUnreachable, result.Reason)
	}
}

// doStop runs the stop transition. Unlike start, the remote call goes out
// before the terminal store write: stopped must mean the transcoder agreed
// (or provably has no such job).
func (o *Orchestrator) doStop(ctx context.Context, channel *database.ChannelRow, stream *database.StreamRow) (*Result, error) {
	if stream.State != database.StreamStopping {
		if err := o.db.MarkStreamStopping(stream.ID); err != nil {
			return nil, err
		}
	}
	if err := o.db.SetChannelDesiredStatus(channel.ID, false); err != nil {
		return nil, err
	}

	// A stream that never got a job reference has nothing to stop remotely.
	if stream.JobRef == "" {
		if err := o.db.MarkStreamStopped(stream.ID); err != nil {
			return nil, err
		}
		o.updateActiveGauge()
		metrics.StreamTransitions.WithLabelValues(string(ActionStop), database.StreamStopped).Inc()
		return &Result{
			Action:    ActionStop,
			StreamID:  stream.ID,
			StreamKey: stream.StreamKey,
			State:     database.StreamStopped,
		}, nil
	}

	o.logger.Info("stopping channel %d (%s) job %s", channel.ID, channel.Name, stream.JobRef)

	result := o.client.RequestStop(ctx, stream.JobRef)

	switch result.Outcome {
	case transcoder.StopAcknowledged, transcoder.StopNotFound:
		// "not found" reaches the desired end state just the same
		if err := o.db.MarkStreamStopped(stream.ID); err != nil {
			return nil, err
		}
		o.updateActiveGauge()
		metrics.StreamTransitions.WithLabelValues(string(ActionStop), database.StreamStopped).Inc()
		return &Result{
			Action:    ActionStop,
			StreamID:  stream.ID,
			StreamKey: stream.StreamKey,
			State:     database.StreamStopped,
		}, nil

	default: // StopUnreachable
		// The row stays in stopping; reconciliation retries with backoff.
		// The caller's intent is recorded, so this is not a hard failure.
		o.updateActiveGauge()
		metrics.StreamTransitions.WithLabelValues(string(ActionStop), "deferred").Inc()
		o.logger.Warn("transcoder unreachable stopping channel %d, deferred to reconciliation: %s",
			channel.ID, result.Reason)
		return &Result{
			Action:    ActionStop,
			StreamID:  stream.ID,
			StreamKey: stream.StreamKey,
			State:     database.StreamStopping,
			Reason:    result.Reason,
			Deferred:  true,
		}, nil
	}
}

// DeleteStream removes a stream record after stopping it if needed. Explicit
// administrative action; lifecycle transitions never delete rows.
func (o *Orchestrator) DeleteStream(ctx context.Context, streamID int64) error {
	stream, err := o.db.GetStreamByID(streamID)
	if err != nil {
		return err
	}
	if stream == nil {
		return ErrChannelNotFound
	}

	if stream.State == database.StreamRunning || stream.State == database.StreamStarting {
		if _, err := o.Stop(ctx, stream.ChannelID); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
	}

	return o.db.DeleteStream(streamID)
}

func (o *Orchestrator) updateActiveGauge() {
	if count, err := o.db.CountActiveStreams(); err == nil {
		metrics.ActiveStreams.Set(float64(count))
	}
}

// logChannelURL is a small helper for debug logging of source URLs.
func (o *Orchestrator) logChannelURL(url string) string {
	return utils.LogURL(o.cfg.ObfuscateUrls, url)
}
