package database

import (
	"database/sql"
	"fmt"
	"time"
)

// ChannelRow represents a channel record from the database. Active is the
// desired status set by operators or the importer; the actual runtime state
// lives on the channel's stream rows.
type ChannelRow struct {
	ID        int64
	Name      string
	StreamURL string
	Category  string
	LogoURL   string
	Quality   string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

const channelColumns = `id, name, stream_url, category, logo_url, quality, status, created_at, updated_at`

func scanChannel(row interface{ Scan(...any) error }) (*ChannelRow, error) {
	var ch ChannelRow
	err := row.Scan(
		&ch.ID, &ch.Name, &ch.StreamURL, &ch.Category, &ch.LogoURL,
		&ch.Quality, &ch.Active, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// ListChannels loads all channels ordered by name.
func (db *DB) ListChannels() ([]*ChannelRow, error) {
	rows, err := db.Query(`SELECT ` + channelColumns + ` FROM channels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}
	defer rows.Close()

	var channels []*ChannelRow
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			continue
		}
		channels = append(channels, ch)
	}

	return channels, rows.Err()
}

// GetChannelByID retrieves a channel by id. Returns nil when absent.
func (db *DB) GetChannelByID(id int64) (*ChannelRow, error) {
	ch, err := scanChannel(db.QueryRow(`SELECT `+channelColumns+` FROM channels WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return ch, nil
}

// GetChannelByName retrieves a channel by its unique name. Returns nil when absent.
func (db *DB) GetChannelByName(name string) (*ChannelRow, error) {
	ch, err := scanChannel(db.QueryRow(`SELECT `+channelColumns+` FROM channels WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return ch, nil
}

// CreateChannel inserts a new channel and returns its id.
func (db *DB) CreateChannel(name, streamURL, category, logoURL, quality string, active bool) (int64, error) {
	result, err := db.Exec(`
		INSERT INTO channels (name, stream_url, category, logo_url, quality, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, name, streamURL, category, logoURL, quality, active)
	if err != nil {
		return 0, fmt.Errorf("failed to create channel: %w", err)
	}
	return result.LastInsertId()
}

// UpdateChannel updates a channel's editable attributes.
func (db *DB) UpdateChannel(id int64, name, streamURL, category, logoURL, quality string) error {
	result, err := db.Exec(`
		UPDATE channels
		SET name = ?, stream_url = ?, category = ?, logo_url = ?, quality = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, name, streamURL, category, logoURL, quality, id)
	if err != nil {
		return fmt.Errorf("failed to update channel: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpsertChannelByName inserts a channel or, when one with the same name exists,
// updates its source URL, category and logo while leaving the desired status
// untouched. Returns the channel id and whether a new row was created.
// Used by the playlist importer.
func (db *DB) UpsertChannelByName(name, streamURL, category, logoURL string, active bool) (int64, bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow(`SELECT id FROM channels WHERE name = ?`, name).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		result, err := tx.Exec(`
			INSERT INTO channels (name, stream_url, category, logo_url, status)
			VALUES (?, ?, ?, ?, ?)
		`, name, streamURL, category, logoURL, active)
		if err != nil {
			return 0, false, fmt.Errorf("failed to insert channel %q: %w", name, err)
		}
		if id, err = result.LastInsertId(); err != nil {
			return 0, false, fmt.Errorf("failed to get channel id: %w", err)
		}
		return id, true, tx.Commit()

	case err != nil:
		return 0, false, fmt.Errorf("failed to look up channel %q: %w", name, err)

	default:
		_, err := tx.Exec(`
			UPDATE channels
			SET stream_url = ?, category = ?, logo_url = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, streamURL, category, logoURL, id)
		if err != nil {
			return 0, false, fmt.Errorf("failed to update channel %q: %w", name, err)
		}
		return id, false, tx.Commit()
	}
}

// SetChannelDesiredStatus flips the desired status flag. This is the only
// channel field the orchestrator writes.
func (db *DB) SetChannelDesiredStatus(id int64, active bool) error {
	result, err := db.Exec(`
		UPDATE channels SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, active, id)
	if err != nil {
		return fmt.Errorf("failed to update channel status: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteChannel removes a channel; its streams go with it via the foreign key
// cascade.
func (db *DB) DeleteChannel(id int64) error {
	result, err := db.Exec(`DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountChannels returns total and desired-active channel counts.
func (db *DB) CountChannels() (total int, active int, err error) {
	err = db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 1 THEN 1 ELSE 0 END), 0)
		FROM channels
	`).Scan(&total, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count channels: %w", err)
	}
	return total, active, nil
}
