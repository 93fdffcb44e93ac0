package chat

import "strings"

// Notification types carried by in-conversation notification messages.
const (
	NotificationTaskAcceptance = "task_acceptance"
	NotificationTaskStatus     = "task_status"
)

// tempIDPrefix marks client-assigned ids for optimistic messages. The
// backend never returns these; they exist only until the server echo
// (or the send response) replaces them.
const tempIDPrefix = "local-"

// Message is a single conversation message. CreatedAt is unix
// milliseconds and is the authoritative ordering key.
type Message struct {
	ID               string
	ConversationID   string
	SenderID         string
	Content          string
	CreatedAt        int64
	IsRead           bool
	IsSystem         bool
	IsNotification   bool
	NotificationType string
	NotificationData *NotificationData
}

// NotificationData is the structured payload of a notification message.
// Fields may be missing on malformed rows; the message is still stored
// and rendered as a plain message in that case.
type NotificationData struct {
	TaskID       string
	TaskTitle    string
	ActorID      string
	AcceptanceID string
	Status       string
}

// TempID reports whether id is a client-assigned optimistic id.
func TempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// NewTempID builds an optimistic message id from a generated suffix.
func NewTempID(suffix string) string {
	return tempIDPrefix + suffix
}

// MessageGroup is a derived run of consecutive messages from one sender,
// or the message-less unread indicator pseudo-group.
type MessageGroup struct {
	SenderID          string
	Messages          []Message
	ShowAvatar        bool
	IsUnreadIndicator bool
	UnreadCount       int
}

// TypingSignal is the ephemeral payload of a typing broadcast.
type TypingSignal struct {
	ConversationID string
	UserID         string
}
