package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/JaJangMeow/chhehchhawl-sub001/internal/backend"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/bus"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/chat"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/realtime"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/task"
	"go.uber.org/zap"
)

// Topic names for the four subscription kinds of one conversation.
func MessagesTopic(conversationID string) string { return "conversation:" + conversationID }
func TaskTopic(taskID string) string             { return "task:" + taskID }
func AcceptanceTopic(userID string) string       { return "acceptance:" + userID }
func TypingTopic(conversationID string) string   { return "typing:" + conversationID }

// Subscriber is the realtime transport surface the adapter needs. The
// production implementation is *realtime.Client; tests inject synthetic
// events through a fake.
type Subscriber interface {
	Join(ctx context.Context, topic string) (<-chan realtime.Event, error)
	Leave(topic string) error
	Broadcast(ctx context.Context, topic, event string, payload any) error
}

// AcceptanceChange is the bus payload for acceptance row events.
type AcceptanceChange struct {
	Acceptance task.Acceptance
	EventType  string // "insert" or "update"
}

// Adapter turns raw realtime frames for one conversation/task pair into
// typed domain events on the bus. It owns the subscribe/unsubscribe
// lifecycle of its four topics; per-topic arrival order is preserved.
// Decoding errors are logged and skipped, never fatal to the pump.
type Adapter struct {
	sub    Subscriber
	bus    *bus.Bus
	logger *zap.Logger

	conversationID string
	taskID         string
	userID         string

	mu     sync.Mutex
	topics []string
	opened bool
	closed bool
}

// NewAdapter creates an adapter for one conversation/task pair.
func NewAdapter(sub Subscriber, b *bus.Bus, conversationID, taskID, userID string, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		sub:            sub,
		bus:            b,
		logger:         logger,
		conversationID: conversationID,
		taskID:         taskID,
		userID:         userID,
	}
}

// Open joins the conversation, task, acceptance and typing topics and
// starts one pump per topic.
func (a *Adapter) Open(ctx context.Context) error {
	a.mu.Lock()
	if a.opened || a.closed {
		a.mu.Unlock()
		return fmt.Errorf("adapter already opened")
	}
	a.opened = true
	a.mu.Unlock()

	pumps := []struct {
		topic  string
		handle func(realtime.Event)
	}{
		{MessagesTopic(a.conversationID), a.handleMessage},
		{TaskTopic(a.taskID), a.handleTask},
		{AcceptanceTopic(a.userID), a.handleAcceptance},
		{TypingTopic(a.conversationID), a.handleTyping},
	}

	for _, p := range pumps {
		ch, err := a.sub.Join(ctx, p.topic)
		if err != nil {
			a.Close()
			return fmt.Errorf("open adapter: %w", err)
		}
		a.mu.Lock()
		a.topics = append(a.topics, p.topic)
		a.mu.Unlock()

		go func(ch <-chan realtime.Event, handle func(realtime.Event)) {
			for evt := range ch {
				handle(evt)
			}
		}(ch, p.handle)
	}
	return nil
}

// SendTyping broadcasts an ephemeral typing signal for the adapter's
// user.
func (a *Adapter) SendTyping(ctx context.Context) error {
	return a.sub.Broadcast(ctx, TypingTopic(a.conversationID), "typing", map[string]string{
		"user_id":         a.userID,
		"conversation_id": a.conversationID,
	})
}

// Close leaves every joined topic. Idempotent; no events are published
// after it returns (the pumps drain their closed channels).
func (a *Adapter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	topics := a.topics
	a.topics = nil
	a.mu.Unlock()

	for _, t := range topics {
		if err := a.sub.Leave(t); err != nil {
			a.logger.Debug("leave failed", zap.String("topic", t), zap.Error(err))
		}
	}
}

func (a *Adapter) handleMessage(evt realtime.Event) {
	var row backend.MessageRow
	if err := json.Unmarshal(evt.Record, &row); err != nil || row.ID == "" {
		a.logger.Warn("malformed message row", zap.String("topic", evt.Topic), zap.Error(err))
		return
	}
	kind := bus.KindMessageInserted
	if evt.Change == realtime.ChangeUpdate {
		kind = bus.KindMessageUpdated
	}
	a.publish(kind, row.ToMessage())
}

func (a *Adapter) handleTask(evt realtime.Event) {
	var row backend.TaskRow
	if err := json.Unmarshal(evt.Record, &row); err != nil || row.ID == "" {
		a.logger.Warn("malformed task row", zap.String("topic", evt.Topic), zap.Error(err))
		return
	}
	a.publish(bus.KindTaskUpdated, row.ToSnapshot())
}

func (a *Adapter) handleAcceptance(evt realtime.Event) {
	var row backend.AcceptanceRow
	if err := json.Unmarshal(evt.Record, &row); err != nil || row.ID == "" {
		a.logger.Warn("malformed acceptance row", zap.String("topic", evt.Topic), zap.Error(err))
		return
	}
	eventType := "insert"
	if evt.Change == realtime.ChangeUpdate {
		eventType = "update"
	}
	a.publish(bus.KindAcceptanceChanged, AcceptanceChange{
		Acceptance: row.ToAcceptance(),
		EventType:  eventType,
	})
}

func (a *Adapter) handleTyping(evt realtime.Event) {
	if evt.Name != "typing" {
		return
	}
	var sig struct {
		UserID         string `json:"user_id"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(evt.Payload, &sig); err != nil || sig.UserID == "" {
		a.logger.Warn("malformed typing payload", zap.Error(err))
		return
	}
	a.publish(bus.KindTyping, chat.TypingSignal{
		ConversationID: sig.ConversationID,
		UserID:         sig.UserID,
	})
}

func (a *Adapter) publish(kind string, payload any) {
	a.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
