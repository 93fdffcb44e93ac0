package backend

import (
	"encoding/json"
	"time"

	"github.com/JaJangMeow/chhehchhawl-sub001/internal/chat"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/task"
)

// MessageRow is the JSON shape of a messages table row, as delivered by
// both the REST fetch and realtime change events.
type MessageRow struct {
	ID               string          `json:"id"`
	ConversationID   string          `json:"conversation_id"`
	SenderID         string          `json:"sender_id"`
	Content          string          `json:"content"`
	CreatedAt        string          `json:"created_at"`
	IsRead           bool            `json:"is_read"`
	IsSystemMessage  bool            `json:"is_system_message"`
	IsNotification   bool            `json:"is_notification"`
	NotificationType string          `json:"notification_type"`
	NotificationData json.RawMessage `json:"notification_data"`
}

type notificationDataRow struct {
	TaskID       string `json:"task_id"`
	TaskTitle    string `json:"task_title"`
	ActorID      string `json:"actor_id"`
	AcceptanceID string `json:"acceptance_id"`
	Status       string `json:"status"`
}

// ToMessage converts a wire row to the domain message. A malformed
// notification payload yields a message without structured data; the
// message itself is kept.
func (r MessageRow) ToMessage() chat.Message {
	m := chat.Message{
		ID:               r.ID,
		ConversationID:   r.ConversationID,
		SenderID:         r.SenderID,
		Content:          r.Content,
		CreatedAt:        parseTime(r.CreatedAt),
		IsRead:           r.IsRead,
		IsSystem:         r.IsSystemMessage,
		IsNotification:   r.IsNotification,
		NotificationType: r.NotificationType,
	}
	if len(r.NotificationData) > 0 {
		var nd notificationDataRow
		if err := json.Unmarshal(r.NotificationData, &nd); err == nil && nd.TaskID != "" {
			m.NotificationData = &chat.NotificationData{
				TaskID:       nd.TaskID,
				TaskTitle:    nd.TaskTitle,
				ActorID:      nd.ActorID,
				AcceptanceID: nd.AcceptanceID,
				Status:       nd.Status,
			}
		}
	}
	return m
}

// TaskRow is the JSON shape of a tasks table row.
type TaskRow struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	CreatedBy   string  `json:"created_by"`
	AssignedTo  string  `json:"assigned_to"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Budget      float64 `json:"budget"`
	Location    string  `json:"location"`
	Deadline    string  `json:"deadline"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// ToSnapshot converts a wire row to the domain snapshot.
func (r TaskRow) ToSnapshot() task.Snapshot {
	return task.Snapshot{
		ID:          r.ID,
		Status:      task.Status(r.Status),
		CreatedBy:   r.CreatedBy,
		AssignedTo:  r.AssignedTo,
		Title:       r.Title,
		Description: r.Description,
		Budget:      r.Budget,
		Location:    r.Location,
		Deadline:    parseTime(r.Deadline),
		CreatedAt:   parseTime(r.CreatedAt),
		UpdatedAt:   parseTime(r.UpdatedAt),
	}
}

// AcceptanceRow is the JSON shape of a task_acceptances table row.
type AcceptanceRow struct {
	ID              string `json:"id"`
	TaskID          string `json:"task_id"`
	AcceptorID      string `json:"acceptor_id"`
	TaskOwnerID     string `json:"task_owner_id"`
	Status          string `json:"status"`
	Message         string `json:"message"`
	ResponseMessage string `json:"response_message"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// ToAcceptance converts a wire row to the domain acceptance record.
func (r AcceptanceRow) ToAcceptance() task.Acceptance {
	return task.Acceptance{
		ID:              r.ID,
		TaskID:          r.TaskID,
		AcceptorID:      r.AcceptorID,
		TaskOwnerID:     r.TaskOwnerID,
		Status:          task.AcceptanceStatus(r.Status),
		Message:         r.Message,
		ResponseMessage: r.ResponseMessage,
		CreatedAt:       parseTime(r.CreatedAt),
		UpdatedAt:       parseTime(r.UpdatedAt),
	}
}

// ActionResult is the row returned by the task-action stored
// procedures.
type ActionResult struct {
	Success        bool   `json:"success"`
	Error          string `json:"error"`
	ConversationID string `json:"conversation_id"`
}

func parseTime(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
