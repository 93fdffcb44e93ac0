package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/JaJangMeow/chhehchhawl-sub001/internal/bus"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/chat"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/conv"
	"go.uber.org/zap"
)

const previewLimit = 100

// Mirror persists chat events into the history cache so the engine has
// a fallback when the backend is unreachable. It subscribes to "chat."
// events on the bus and processes them.
type Mirror struct {
	db     *DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewMirror creates a new cache mirror.
func NewMirror(db *DB, b *bus.Bus, logger *zap.Logger) *Mirror {
	return &Mirror{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to chat events on the bus.
func (m *Mirror) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	ch, unsub := m.bus.Subscribe("chat.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				m.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the mirror.
func (m *Mirror) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Mirror) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageInserted, bus.KindMessageUpdated:
		msg, ok := evt.Payload.(chat.Message)
		if !ok {
			return
		}
		if err := m.IngestMessage(msg); err != nil {
			m.logger.Error("failed to mirror message", zap.Error(err), zap.String("msg_id", msg.ID))
		}
	case bus.KindMessageReplaced:
		rep, ok := evt.Payload.(conv.ReplacedMessage)
		if !ok {
			return
		}
		if err := m.db.ReplaceMessageID(rep.TempID, rep.Message); err != nil {
			m.logger.Error("failed to mirror replacement", zap.Error(err), zap.String("msg_id", rep.Message.ID))
			return
		}
		m.notifyMirrored(rep.Message.ConversationID, rep.Message.ID)
	}
}

// IngestMessage persists a single message and refreshes its
// conversation preview (idempotent).
func (m *Mirror) IngestMessage(msg chat.Message) error {
	// Optimistic entries never hit the cache; their server rows arrive
	// through the replacement event.
	if chat.TempID(msg.ID) {
		return nil
	}
	if err := m.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if err := m.db.UpsertConversation(Conversation{
		ID:                 msg.ConversationID,
		LastMessageAt:      msg.CreatedAt,
		LastMessagePreview: truncate(msg.Content, previewLimit),
	}); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if cp, err := m.db.GetCheckpoint(msg.ConversationID); err == nil && msg.CreatedAt > cp {
		if err := m.db.SetCheckpoint(msg.ConversationID, msg.CreatedAt); err != nil {
			return fmt.Errorf("set checkpoint: %w", err)
		}
	}
	m.notifyMirrored(msg.ConversationID, msg.ID)
	return nil
}

func (m *Mirror) notifyMirrored(conversationID, msgID string) {
	m.bus.Publish(bus.Event{
		Kind:      bus.KindCacheMirrored,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": conversationID,
			"msg_id":          msgID,
		},
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
