package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JaJangMeow/chhehchhawl-sub001/internal/chat"
)

const defaultPageSize = 50

// UpsertMessage inserts or updates a message row (idempotent on id).
func (db *DB) UpsertMessage(m chat.Message) error {
	return upsertMessage(db.DB, m)
}

func upsertMessage(ex execer, m chat.Message) error {
	data, err := encodeNotificationData(m.NotificationData)
	if err != nil {
		return fmt.Errorf("encode notification data: %w", err)
	}
	_, err = ex.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at, is_read, is_system, is_notification, notification_type, notification_data, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			is_read = excluded.is_read,
			notification_type = excluded.notification_type,
			notification_data = excluded.notification_data`,
		m.ID, m.ConversationID, m.SenderID, m.Content, m.CreatedAt,
		m.IsRead, m.IsSystem, m.IsNotification, m.NotificationType, data,
		time.Now().UnixMilli())
	return err
}

// ReplaceMessageID swaps an optimistic row for its persisted server row
// in one transaction. Idempotent: a missing temp row just upserts the
// server row.
func (db *DB) ReplaceMessageID(tempID string, server chat.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, tempID); err != nil {
		return fmt.Errorf("delete temp row: %w", err)
	}
	if err := upsertMessage(tx, server); err != nil {
		return fmt.Errorf("upsert server row: %w", err)
	}
	return tx.Commit()
}

// SaveMessages persists a batch of messages in one transaction.
func (db *DB) SaveMessages(msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range msgs {
		if err := upsertMessage(tx, m); err != nil {
			return fmt.Errorf("upsert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// ListMessages returns messages for a conversation in ascending
// creation order, using keyset pagination by created_at.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, content, created_at, is_read, is_system, is_notification, notification_type, notification_data
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		var data string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt,
			&m.IsRead, &m.IsSystem, &m.IsNotification, &m.NotificationType, &data); err != nil {
			return nil, err
		}
		m.NotificationData = decodeNotificationData(data)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The query pages newest-first; callers want chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func encodeNotificationData(d *chat.NotificationData) (string, error) {
	if d == nil {
		return "", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeNotificationData(s string) *chat.NotificationData {
	if s == "" {
		return nil
	}
	var d chat.NotificationData
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		// Malformed cached payload; the message still renders plain.
		return nil
	}
	return &d
}
