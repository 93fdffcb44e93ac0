package cache

import (
	"database/sql"
	"errors"
	"time"
)

// Conversation is a cached conversation list row.
type Conversation struct {
	ID                 string
	TaskID             string
	LastMessageAt      int64
	LastMessagePreview string
	UnreadCount        int
}

// UpsertConversation inserts or refreshes a conversation preview row.
// The preview only moves forward: an older last_message_at never
// overwrites a newer one.
func (db *DB) UpsertConversation(c Conversation) error {
	_, err := db.Exec(`
		INSERT INTO conversations (id, task_id, last_message_at, last_message_preview, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_id = CASE WHEN excluded.task_id != '' THEN excluded.task_id ELSE conversations.task_id END,
			last_message_at = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_at ELSE conversations.last_message_at END,
			last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, c.TaskID, c.LastMessageAt, c.LastMessagePreview, c.UnreadCount,
		time.Now().UnixMilli())
	return err
}

// GetConversation returns a cached conversation row, if present.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, task_id, last_message_at, last_message_preview, unread_count
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.TaskID, &c.LastMessageAt, &c.LastMessagePreview, &c.UnreadCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns cached conversations newest-activity first.
func (db *DB) ListConversations(limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	rows, err := db.Query(`
		SELECT id, task_id, last_message_at, last_message_preview, unread_count
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.TaskID, &c.LastMessageAt, &c.LastMessagePreview, &c.UnreadCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
