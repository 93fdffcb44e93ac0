package conv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JaJangMeow/chhehchhawl-sub001/internal/bus"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/chat"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrEmptyMessage rejects a send whose trimmed content is empty.
	ErrEmptyMessage = errors.New("message content is empty")
	// ErrNoUser rejects actions before the current user is known.
	ErrNoUser = errors.New("no current user")
)

func defaultNewID() string {
	return uuid.NewString()
}

// Send applies an optimistic message immediately, issues the remote
// send, and reconciles: the returned server row replaces the temp entry
// directly, with the channel echo absorbed idempotently if it arrives
// first. On failure the temp entry is removed and the error surfaced.
// Overlapping sends are independent; each owns its temp id.
func (e *Engine) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	if e.userID == "" {
		return ErrNoUser
	}

	temp := chat.Message{
		ID:             chat.NewTempID(e.newID()),
		ConversationID: e.conversationID,
		SenderID:       e.userID,
		Content:        content,
		CreatedAt:      e.now().UnixMilli(),
		IsRead:         true,
	}
	e.store.Upsert(temp)
	e.notifyUpdated()

	server, err := e.backend.SendMessage(ctx, e.conversationID, content)
	if err != nil {
		e.store.Remove(temp.ID)
		e.notifyUpdated()
		e.bus.Publish(bus.Event{
			Kind:      bus.KindSendFailed,
			Timestamp: e.now(),
			Payload: SendFailure{
				ConversationID: e.conversationID,
				TempID:         temp.ID,
				Content:        content,
				Err:            err,
			},
		})
		return fmt.Errorf("send message: %w", err)
	}

	if server.ID != "" {
		e.store.ReplaceOptimistic(temp.ID, server)
		e.bus.Publish(bus.Event{
			Kind:      bus.KindMessageReplaced,
			Timestamp: e.now(),
			Payload:   ReplacedMessage{TempID: temp.ID, Message: server},
		})
	}
	e.notifyUpdated()
	return nil
}

// Typing broadcasts a typing signal unless one was sent within the
// sender idle window. Redundant keystrokes while flagged are
// suppressed locally.
func (e *Engine) Typing(ctx context.Context) error {
	if e.channel == nil {
		return nil
	}
	e.mu.Lock()
	now := e.now()
	if now.Before(e.localTypingUntil) {
		e.mu.Unlock()
		return nil
	}
	e.localTypingUntil = now.Add(typingIdle)
	e.mu.Unlock()

	if err := e.channel.SendTyping(ctx); err != nil {
		// Ephemeral signal; losing one is harmless.
		e.logger.Debug("typing broadcast failed", zap.Error(err))
	}
	return nil
}

// MarkVisibleRead marks every unread message from other participants
// read locally and tells the backend. The remote call is
// fire-and-forget: read state is soft, so failures are logged, never
// surfaced.
func (e *Engine) MarkVisibleRead(ctx context.Context) {
	var ids []string
	for _, m := range e.store.Snapshot() {
		if !m.IsRead && m.SenderID != e.userID && !chat.TempID(m.ID) {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return
	}

	e.store.MarkReadBatch(ids)
	e.notifyUpdated()

	if err := e.backend.MarkRead(ctx, ids); err != nil {
		e.logger.Warn("remote mark-read failed", zap.Int("count", len(ids)), zap.Error(err))
	}
}
