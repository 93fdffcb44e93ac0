package realtime

import "encoding/json"

// Wire event names of the channel protocol.
const (
	evtJoin      = "phx_join"
	evtLeave     = "phx_leave"
	evtReply     = "phx_reply"
	evtHeartbeat = "heartbeat"
	evtChanges   = "postgres_changes"
	evtBroadcast = "broadcast"
)

// frame is a single protocol message on the socket.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     string          `json:"ref,omitempty"`
}

// changesPayload is the payload of a postgres_changes frame.
type changesPayload struct {
	Type      string          `json:"type"`
	Table     string          `json:"table"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

// broadcastPayload is the payload of a broadcast frame.
type broadcastPayload struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type replyPayload struct {
	Status string `json:"status"`
}

// Row change kinds carried by Event.Change.
const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

// Event is a normalized event delivered to a joined topic. Row changes
// carry Change and Record/Old; broadcasts carry Name and Payload.
type Event struct {
	Topic   string
	Change  string
	Name    string
	Record  json.RawMessage
	Old     json.RawMessage
	Payload json.RawMessage
}
