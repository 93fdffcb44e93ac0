package bus

import "time"

// Event kinds published on the bus. Subscribers filter by namespace
// prefix, e.g. "chat." receives every chat event.
const (
	KindMessageInserted   = "chat.message_inserted"
	KindMessageUpdated    = "chat.message_updated"
	KindMessageReplaced   = "chat.message_replaced"
	KindTyping            = "chat.typing"
	KindTaskUpdated       = "task.updated"
	KindAcceptanceChanged = "task.acceptance_changed"
	KindConvUpdated       = "conv.updated"
	KindSendFailed        = "conv.send_failed"
	KindConnStatusChanged = "conn.status_changed"
	KindCacheMirrored     = "cache.mirrored"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
