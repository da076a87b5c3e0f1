package transcoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"cryonix-panel/work/config"
	"cryonix-panel/work/logger"
	"cryonix-panel/work/metrics"
	"cryonix-panel/work/utils"

	"go.uber.org/ratelimit"
)

// StartOutcome is the normalized result of a start request.
type StartOutcome int

const (
	StartAccepted StartOutcome = iota // Remote accepted and returned a job reference
	StartRejected                     // Remote explicitly refused the request
	StartUnreachable                  // Network-level failure, nothing was confirmed
)

// StopOutcome is the normalized result of a stop request.
type StopOutcome int

const (
	StopAcknowledged StopOutcome = iota // Remote stopped the job
	StopNotFound                        // Remote has no such job; the desired end state holds
	StopUnreachable                     // Network-level failure, job state unknown
)

// StartRequest carries everything the transcoder needs to begin producing
// output for a channel source.
type StartRequest struct {
	ChannelID    int64  `json:"channel_id"`
	InputURL     string `json:"stream_url"`
	OutputFormat string `json:"output_format"`
	Resolution   string `json:"resolution"`
	Bitrate      string `json:"bitrate"`
}

// StartResult is the closed result set of RequestStart.
type StartResult struct {
	Outcome   StartOutcome
	JobRef    string // Remote job identifier, set on accept
	OutputURL string // Where the transcoder publishes the output, set on accept
	Reason    string // Failure detail on reject/unreachable
}

// StopResult is the closed result set of RequestStop.
type StopResult struct {
	Outcome StopOutcome
	Reason  string
}

// Health is the transcoder service's self-reported health figure set.
type Health struct {
	Status        string  `json:"status"`
	ActiveStreams int     `json:"active_streams"`
	SystemLoad    float64 `json:"system_load"`
	MemoryUsage   float64 `json:"memory_usage"`
}

// startResponse mirrors the transcoder service's start reply.
type startResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	StreamID  string `json:"stream_id"`
	OutputURL string `json:"output_url"`
}

// Client talks to the external transcoder service. It performs exactly one
// bounded-timeout HTTP call per operation and never touches the store; retry
// policy belongs to the orchestrator and its reconciliation pass.
type Client struct {
	baseURL   string
	http      *http.Client
	limiter   ratelimit.Limiter
	timeout   time.Duration
	logger    *logger.Logger
	obfuscate bool
}

// New creates a transcoder client from the panel configuration.
func New(cfg *config.Config, log *logger.Logger) *Client {
	return &Client{
		baseURL: cfg.TranscoderURL,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:   ratelimit.New(cfg.TranscoderRateLimit),
		timeout:   cfg.TranscoderTimeout,
		logger:    log,
		obfuscate: cfg.ObfuscateUrls,
	}
}

// RequestStart asks the transcoder to begin producing output for the given
// input. The result is always definite: accepted with a job reference,
// rejected with a reason, or unreachable.
func (c *Client) RequestStart(ctx context.Context, req StartRequest) StartResult {
	c.limiter.Take()

	body, err := json.Marshal(req)
	if err != nil {
		return StartResult{Outcome: StartRejected, Reason: fmt.Sprintf("encode request: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stream/start", bytes.NewReader(body))
	if err != nil {
		return StartResult{Outcome: StartRejected, Reason: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("transcoder start request for channel %d: %s",
		req.ChannelID, utils.LogURL(c.obfuscate, req.InputURL))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.TranscoderRequests.WithLabelValues("start", "unreachable").Inc()
		return StartResult{Outcome: StartUnreachable, Reason: fmt.Sprintf("transcoder unreachable: %v", err)}
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode != http.StatusOK {
		metrics.TranscoderRequests.WithLabelValues("start", "rejected").Inc()
		return StartResult{
			Outcome: StartRejected,
			Reason:  fmt.Sprintf("transcoder returned HTTP %d: %s", resp.StatusCode, firstLine(payload)),
		}
	}

	var decoded startResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		metrics.TranscoderRequests.WithLabelValues("start", "rejected").Inc()
		return StartResult{Outcome: StartRejected, Reason: fmt.Sprintf("malformed transcoder reply: %v", err)}
	}

	if !decoded.Success || decoded.StreamID == "" {
		metrics.TranscoderRequests.WithLabelValues("start", "rejected").Inc()
		reason := decoded.Message
		if reason == "" {
			reason = "transcoder refused the stream"
		}
		return StartResult{Outcome: StartRejected, Reason: reason}
	}

	metrics.TranscoderRequests.WithLabelValues("start", "accepted").Inc()
	return StartResult{
		Outcome:   StartAccepted,
		JobRef:    decoded.StreamID,
		OutputURL: decoded.OutputURL,
	}
}

// RequestStop asks the transcoder to terminate a job. A remote "not found" is
// reported as its own outcome; callers treat it as success because the desired
// end state is already reached.
func (c *Client) RequestStop(ctx context.Context, jobRef string) StopResult {
	c.limiter.Take()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stopURL := fmt.Sprintf("%s/stream/stop?stream_id=%s", c.baseURL, url.QueryEscape(jobRef))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, stopURL, nil)
	if err != nil {
		return StopResult{Outcome: StopUnreachable, Reason: fmt.Sprintf("build request: %v", err)}
	}

	c.logger.Debug("transcoder stop request for job %s", jobRef)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.TranscoderRequests.WithLabelValues("stop", "unreachable").Inc()
		return StopResult{Outcome: StopUnreachable, Reason: fmt.Sprintf("transcoder unreachable: %v", err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode == http.StatusOK:
		metrics.TranscoderRequests.WithLabelValues("stop", "acknowledged").Inc()
		return StopResult{Outcome: StopAcknowledged}
	case resp.StatusCode == http.StatusNotFound:
		metrics.TranscoderRequests.WithLabelValues("stop", "notfound").Inc()
		return StopResult{Outcome: StopNotFound}
	default:
		// 5xx and friends: nothing was confirmed, leave it to reconciliation
		metrics.TranscoderRequests.WithLabelValues("stop", "unreachable").Inc()
		return StopResult{
			Outcome: StopUnreachable,
			Reason:  fmt.Sprintf("transcoder returned HTTP %d", resp.StatusCode),
		}
	}
}

// Health probes the transcoder's health endpoint. Returns an error when the
// service cannot be reached; the status aggregator degrades instead of failing.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	c.limiter.Take()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.TranscoderRequests.WithLabelValues("health", "unreachable").Inc()
		return nil, fmt.Errorf("transcoder unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.TranscoderRequests.WithLabelValues("health", "unreachable").Inc()
		return nil, fmt.Errorf("transcoder health returned HTTP %d", resp.StatusCode)
	}

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("malformed health reply: %w", err)
	}

	metrics.TranscoderRequests.WithLabelValues("health", "acknowledged").Inc()
	return &health, nil
}

// firstLine trims a response body down to something loggable.
func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' || i >= 200 {
			return string(b[:i])
		}
	}
	return string(b)
}
