package database

import (
	"database/sql"
	"fmt"
	"time"
)

// Stream lifecycle states. A stream row is the durable record of one
// transcoder-backed run of a channel; the state column alone must be enough to
// recover the lifecycle after a restart.
const (
	StreamStopped  = "stopped"
	StreamStarting = "starting"
	StreamRunning  = "running"
	StreamStopping = "stopping"
	StreamError    = "error"
)

// StreamRow represents a stream record from the database.
type StreamRow struct {
	ID            int64
	ChannelID     int64
	UserID        int64
	StreamKey     string
	State         string
	JobRef        string
	OutputURL     string
	Quality       string
	Viewers       int
	FailureReason string
	StopAttempts  int
	StartedAt     *time.Time
	StoppedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const streamColumns = `id, channel_id, user_id, stream_key, state, job_ref, output_url,
	quality, viewers, failure_reason, stop_attempts, started_at, stopped_at,
	created_at, updated_at`

func scanStream(row interface{ Scan(...any) error }) (*StreamRow, error) {
	var s StreamRow
	var startedAt, stoppedAt sql.NullTime

	err := row.Scan(
		&s.ID, &s.ChannelID, &s.UserID, &s.StreamKey, &s.State, &s.JobRef,
		&s.OutputURL, &s.Quality, &s.Viewers, &s.FailureReason, &s.StopAttempts,
		&startedAt, &stoppedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if stoppedAt.Valid {
		s.StoppedAt = &stoppedAt.Time
	}

	return &s, nil
}

// CreateStream inserts a new stream row in the starting state and returns its id.
func (db *DB) CreateStream(channelID, userID int64, streamKey, quality, outputURL string) (int64, error) {
	result, err := db.Exec(`
		INSERT INTO streams (channel_id, user_id, stream_key, state, quality, output_url)
		VALUES (?, ?, ?, ?, ?, ?)
	`, channelID, userID, streamKey, StreamStarting, quality, outputURL)
	if err != nil {
		return 0, fmt.Errorf("failed to create stream: %w", err)
	}
	return result.LastInsertId()
}

// GetStreamByID retrieves a stream by id. Returns nil when absent.
func (db *DB) GetStreamByID(id int64) (*StreamRow, error) {
	s, err := scanStream(db.QueryRow(`SELECT `+streamColumns+` FROM streams WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	return s, nil
}

// GetStreamByKey retrieves a stream by its generated key. Returns nil when absent.
func (db *DB) GetStreamByKey(key string) (*StreamRow, error) {
	s, err := scanStream(db.QueryRow(`SELECT `+streamColumns+` FROM streams WHERE stream_key = ?`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}
	return s, nil
}

// GetActiveStream returns the channel's stream currently in a non-terminal
// state (starting, running or stopping), or nil when the channel is idle.
func (db *DB) GetActiveStream(channelID int64) (*StreamRow, error) {
	s, err := scanStream(db.QueryRow(`
		SELECT `+streamColumns+` FROM streams
		WHERE channel_id = ? AND state IN (?, ?, ?)
		ORDER BY id DESC LIMIT 1
	`, channelID, StreamStarting, StreamRunning, StreamStopping))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active stream: %w", err)
	}
	return s, nil
}

// GetLatestStream returns the most recent stream row for a channel regardless
// of state, or nil when the channel never ran.
func (db *DB) GetLatestStream(channelID int64) (*StreamRow, error) {
	s, err := scanStream(db.QueryRow(`
		SELECT `+streamColumns+` FROM streams
		WHERE channel_id = ?
		ORDER BY id DESC LIMIT 1
	`, channelID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest stream: %w", err)
	}
	return s, nil
}

// MarkStreamRunning moves a stream to running, recording the transcoder job
// reference, the published output URL and the start time.
func (db *DB) MarkStreamRunning(id int64, jobRef, outputURL string) error {
	_, err := db.Exec(`
		UPDATE streams
		SET state = ?, job_ref = ?, output_url = ?, failure_reason = '',
		    started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, StreamRunning, jobRef, outputURL, id)
	if err != nil {
		return fmt.Errorf("failed to mark stream running: %w", err)
	}
	return nil
}

// MarkStreamStopping moves a stream to stopping ahead of the remote stop call.
func (db *DB) MarkStreamStopping(id int64) error {
	_, err := db.Exec(`
		UPDATE streams
		SET state = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, StreamStopping, id)
	if err != nil {
		return fmt.Errorf("failed to mark stream stopping: %w", err)
	}
	return nil
}

// MarkStreamStopped moves a stream to its stopped terminal state.
func (db *DB) MarkStreamStopped(id int64) error {
	_, err := db.Exec(`
		UPDATE streams
		SET state = ?, stopped_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, StreamStopped, id)
	if err != nil {
		return fmt.Errorf("failed to mark stream stopped: %w", err)
	}
	return nil
}

// MarkStreamError moves a stream to the error state, retaining the row and the
// failure reason for operator diagnosis.
func (db *DB) MarkStreamError(id int64, reason string) error {
	_, err := db.Exec(`
		UPDATE streams
		SET state = ?, failure_reason = ?, stopped_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, StreamError, reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark stream error: %w", err)
	}
	return nil
}

// IncrementStopAttempts bumps the retry counter for a stream stuck in
// stopping, returning the new attempt count.
func (db *DB) IncrementStopAttempts(id int64) (int, error) {
	_, err := db.Exec(`
		UPDATE streams
		SET stop_attempts = stop_attempts + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment stop attempts: %w", err)
	}

	var attempts int
	if err := db.QueryRow(`SELECT stop_attempts FROM streams WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to read stop attempts: %w", err)
	}
	return attempts, nil
}

// ListStreamsInState returns all streams in the given state, oldest first.
// Used by the reconciliation pass for stopping and error rows.
func (db *DB) ListStreamsInState(state string) ([]*StreamRow, error) {
	rows, err := db.Query(`
		SELECT `+streamColumns+` FROM streams
		WHERE state = ?
		ORDER BY updated_at
	`, state)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams in state %s: %w", state, err)
	}
	defer rows.Close()

	var streams []*StreamRow
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			continue
		}
		streams = append(streams, s)
	}

	return streams, rows.Err()
}

// ListStaleStarting returns streams that have sat in starting longer than the
// cutoff. These are the residue of a crash between the store write and the
// remote start call.
func (db *DB) ListStaleStarting(olderThan time.Duration) ([]*StreamRow, error) {
	// Cutoff is computed in SQL so it compares in the same format
	// CURRENT_TIMESTAMP writes.
	modifier := fmt.Sprintf("-%d seconds", int(olderThan.Seconds()))
	rows, err := db.Query(`
		SELECT `+streamColumns+` FROM streams
		WHERE state = ? AND updated_at < datetime('now', ?)
		ORDER BY updated_at
	`, StreamStarting, modifier)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale starting streams: %w", err)
	}
	defer rows.Close()

	var streams []*StreamRow
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			continue
		}
		streams = append(streams, s)
	}

	return streams, rows.Err()
}

// CountActiveStreams returns the number of streams in starting or running.
func (db *DB) CountActiveStreams() (int, error) {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM streams WHERE state IN (?, ?)
	`, StreamStarting, StreamRunning).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active streams: %w", err)
	}
	return count, nil
}

// UpdateStreamViewers records an externally supplied viewer count for a
// stream key. The count is advisory; the core never computes it.
func (db *DB) UpdateStreamViewers(streamKey string, viewers int) error {
	_, err := db.Exec(`
		UPDATE streams SET viewers = ?, updated_at = CURRENT_TIMESTAMP
		WHERE stream_key = ?
	`, viewers, streamKey)
	if err != nil {
		return fmt.Errorf("failed to update viewers: %w", err)
	}
	return nil
}

// DeleteStream removes a stream row. Explicit administrative action only;
// lifecycle transitions never delete rows.
func (db *DB) DeleteStream(id int64) error {
	result, err := db.Exec(`DELETE FROM streams WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete stream: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
