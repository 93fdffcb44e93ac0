package cache

import (
	"database/sql"
	"errors"
	"strconv"
)

// GetState returns a sync_state value, or "" when unset.
func (db *DB) GetState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetState stores a sync_state value.
func (db *DB) SetState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetCheckpoint returns the newest persisted message timestamp for a
// conversation, or 0 when none is recorded.
func (db *DB) GetCheckpoint(conversationID string) (int64, error) {
	v, err := db.GetState("checkpoint:" + conversationID)
	if err != nil || v == "" {
		return 0, err
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return ts, nil
}

// SetCheckpoint records the newest persisted message timestamp for a
// conversation.
func (db *DB) SetCheckpoint(conversationID string, ts int64) error {
	return db.SetState("checkpoint:"+conversationID, strconv.FormatInt(ts, 10))
}
