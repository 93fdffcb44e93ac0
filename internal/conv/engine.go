package conv

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JaJangMeow/chhehchhawl-sub001/internal/backend"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/bus"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/channel"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/chat"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/status"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/task"
	"go.uber.org/zap"
)

const (
	// reloadWindow throttles full refetches: at most one per rolling
	// window unless explicitly forced (pull-to-refresh).
	reloadWindow = time.Second
	// typingIdle is the sender-side window during which repeated
	// keystrokes do not rebroadcast.
	typingIdle = 2 * time.Second
	// typingExpiry is how long a received typing signal stays visible
	// without renewal.
	typingExpiry = 3 * time.Second
	// historyFallbackLimit caps how many cached messages a failed
	// fetch falls back to.
	historyFallbackLimit = 200
)

// Backend is the narrow surface of the hosted platform the engine
// consumes. The production implementation is *backend.Client.
type Backend interface {
	FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	SendMessage(ctx context.Context, conversationID, content string) (chat.Message, error)
	MarkRead(ctx context.Context, ids []string) error
	FetchTask(ctx context.Context, taskID string) (task.Snapshot, error)
	FetchAcceptances(ctx context.Context, taskID string) ([]task.Acceptance, error)
	AcceptTask(ctx context.Context, taskID, message string) (backend.ActionResult, error)
	RespondToAcceptance(ctx context.Context, acceptanceID string, st task.AcceptanceStatus, responseMessage string) (backend.ActionResult, error)
	MarkTaskFinished(ctx context.Context, taskID string) (backend.ActionResult, error)
	ConfirmTaskComplete(ctx context.Context, taskID string) (backend.ActionResult, error)
	CancelTask(ctx context.Context, taskID string) (backend.ActionResult, error)
	CancelTaskAssignment(ctx context.Context, taskID string) (backend.ActionResult, error)
}

// Channel is the adapter surface the engine owns: typing broadcasts
// out, subscription teardown on close.
type Channel interface {
	SendTyping(ctx context.Context) error
	Close()
}

// History is an optional local message cache used as an
// eventual-consistency backstop when the backend fetch fails.
type History interface {
	ListMessages(conversationID string, beforeTs int64, limit int) ([]chat.Message, error)
	SaveMessages(msgs []chat.Message) error
}

// ReplacedMessage is the bus payload published when an optimistic entry
// was swapped for its persisted row.
type ReplacedMessage struct {
	TempID  string
	Message chat.Message
}

// SendFailure is the bus payload published when a send was rolled back.
type SendFailure struct {
	ConversationID string
	TempID         string
	Content        string
	Err            error
}

// View is the UI-ready projection of one conversation.
type View struct {
	ConversationID string
	Groups         []chat.MessageGroup
	Task           *task.Snapshot
	Acceptances    []task.Acceptance
	Actions        task.Actions
	TypingUserIDs  []string
	ConnState      status.State
}

// Options configures an Engine. Backend and Bus are required; Channel,
// History, Now and NewID are injectable for tests.
type Options struct {
	ConversationID string
	TaskID         string
	UserID         string
	Backend        Backend
	Bus            *bus.Bus
	Channel        Channel
	History        History
	Logger         *zap.Logger
	Now            func() time.Time
	NewID          func() string
}

// Engine is the reconciliation engine of one open conversation. It
// owns the message store and task reconciler for that conversation,
// applies incoming bus events FIFO per source, and serves UI-ready
// snapshots. One engine per open conversation; Close tears down its
// subscriptions so a dead store is never mutated.
type Engine struct {
	conversationID string
	taskID         string
	userID         string

	backend Backend
	bus     *bus.Bus
	channel Channel
	history History
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string

	store *chat.Store

	// mu guards everything below.
	mu               sync.Mutex
	rec              *task.Reconciler
	typing           map[string]time.Time
	localTypingUntil time.Time
	lastLoad         time.Time
	inflight         map[string]bool
	connState        status.State

	cancel context.CancelFunc
	unsubs []func()
	closed bool
}

// New creates an engine for one conversation/task pair.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = defaultNewID
	}
	return &Engine{
		conversationID: opts.ConversationID,
		taskID:         opts.TaskID,
		userID:         opts.UserID,
		backend:        opts.Backend,
		bus:            opts.Bus,
		channel:        opts.Channel,
		history:        opts.History,
		logger:         logger,
		now:            now,
		newID:          newID,
		store:          chat.NewStore(),
		rec:            task.NewReconciler(opts.UserID, logger),
		typing:         make(map[string]time.Time),
		inflight:       make(map[string]bool),
		connState:      status.Booting,
	}
}

// Start subscribes to chat, task and connection events on the bus and
// begins the ingest loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	chatCh, unsubChat := e.bus.Subscribe("chat.", 256)
	taskCh, unsubTask := e.bus.Subscribe("task.", 256)
	connCh, unsubConn := e.bus.Subscribe("conn.", 16)
	e.unsubs = []func(){unsubChat, unsubTask, unsubConn}

	go func() {
		for {
			select {
			case evt := <-chatCh:
				e.handleEvent(ctx, evt)
			case evt := <-taskCh:
				e.handleEvent(ctx, evt)
			case evt := <-connCh:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the ingest loop and tears down the channel adapter's
// subscriptions. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	for _, unsub := range e.unsubs {
		unsub()
	}
	if e.channel != nil {
		e.channel.Close()
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageInserted:
		msg, ok := evt.Payload.(chat.Message)
		if !ok || msg.ConversationID != e.conversationID {
			return
		}
		if msg.SenderID == e.userID {
			// Server echo of an optimistic send: replace, never duplicate.
			e.store.AbsorbEcho(msg)
		} else {
			e.store.Upsert(msg)
		}
		e.notifyUpdated()

	case bus.KindMessageUpdated:
		msg, ok := evt.Payload.(chat.Message)
		if !ok || (msg.ConversationID != "" && msg.ConversationID != e.conversationID) {
			return
		}
		e.store.Upsert(msg)
		e.notifyUpdated()

	case bus.KindTyping:
		sig, ok := evt.Payload.(chat.TypingSignal)
		if !ok || sig.ConversationID != e.conversationID || sig.UserID == e.userID {
			return
		}
		e.mu.Lock()
		e.typing[sig.UserID] = e.now().Add(typingExpiry)
		e.mu.Unlock()
		e.notifyUpdated()

	case bus.KindTaskUpdated:
		snap, ok := evt.Payload.(task.Snapshot)
		if !ok || snap.ID != e.taskID {
			return
		}
		e.mu.Lock()
		applied := e.rec.ApplyTask(snap)
		e.mu.Unlock()
		if applied {
			e.notifyUpdated()
		}

	case bus.KindAcceptanceChanged:
		change, ok := evt.Payload.(channel.AcceptanceChange)
		if !ok || change.Acceptance.TaskID != e.taskID {
			return
		}
		e.mu.Lock()
		e.rec.ApplyAcceptance(change.Acceptance)
		e.mu.Unlock()
		e.notifyUpdated()

	case bus.KindConnStatusChanged:
		change, ok := evt.Payload.(status.Change)
		if !ok {
			return
		}
		e.mu.Lock()
		e.connState = change.To
		// A return to Live after the initial load means events may have
		// been missed while the channel was down.
		reconnected := change.To == status.Live && !e.lastLoad.IsZero()
		e.mu.Unlock()
		if reconnected {
			// Missed events are unrecoverable on the channel; compensate
			// with a forced reload.
			go func() {
				if err := e.Load(ctx, true); err != nil {
					e.logger.Warn("reload after reconnect failed", zap.Error(err))
				}
			}()
		}
		e.notifyUpdated()
	}
}

// Load fetches the conversation's messages, task and acceptances.
// Unforced loads are debounced to one per rolling second; a forced load
// always runs. When the message fetch fails the local history cache, if
// any, backfills the store and the error is still returned.
func (e *Engine) Load(ctx context.Context, force bool) error {
	e.mu.Lock()
	now := e.now()
	if !force && !e.lastLoad.IsZero() && now.Sub(e.lastLoad) < reloadWindow {
		e.mu.Unlock()
		return nil
	}
	e.lastLoad = now
	e.mu.Unlock()

	msgs, err := e.backend.FetchMessages(ctx, e.conversationID)
	if err != nil {
		e.logger.Warn("message fetch failed", zap.String("conversation_id", e.conversationID), zap.Error(err))
		if e.history != nil {
			cached, cacheErr := e.history.ListMessages(e.conversationID, 0, historyFallbackLimit)
			if cacheErr != nil {
				e.logger.Warn("history fallback failed", zap.Error(cacheErr))
			} else if len(cached) > 0 {
				e.store.Replace(cached)
				e.notifyUpdated()
			}
		}
		return fmt.Errorf("load conversation %s: %w", e.conversationID, err)
	}

	e.store.Replace(msgs)
	if e.history != nil {
		if saveErr := e.history.SaveMessages(msgs); saveErr != nil {
			e.logger.Warn("history save failed", zap.Error(saveErr))
		}
	}

	if e.taskID != "" {
		if snap, taskErr := e.backend.FetchTask(ctx, e.taskID); taskErr != nil {
			e.logger.Warn("task fetch failed", zap.String("task_id", e.taskID), zap.Error(taskErr))
		} else {
			e.mu.Lock()
			e.rec.ApplyTask(snap)
			e.mu.Unlock()
		}
		if accs, accErr := e.backend.FetchAcceptances(ctx, e.taskID); accErr != nil {
			e.logger.Warn("acceptance fetch failed", zap.String("task_id", e.taskID), zap.Error(accErr))
		} else {
			e.mu.Lock()
			e.rec.ReplaceAcceptances(accs)
			e.mu.Unlock()
		}
	}

	e.notifyUpdated()
	return nil
}

// Snapshot derives the current UI-ready view: grouped, unread-annotated
// messages, the task snapshot with action flags, and live typing users.
func (e *Engine) Snapshot() View {
	groups := chat.AnnotateUnread(chat.Group(e.store.Snapshot()), e.userID)

	e.mu.Lock()
	defer e.mu.Unlock()

	v := View{
		ConversationID: e.conversationID,
		Groups:         groups,
		Acceptances:    e.rec.Acceptances(),
		Actions:        e.rec.Actions(),
		ConnState:      e.connState,
	}
	if snap, ok := e.rec.Task(); ok {
		v.Task = &snap
	}

	now := e.now()
	for user, until := range e.typing {
		if now.After(until) {
			delete(e.typing, user)
			continue
		}
		v.TypingUserIDs = append(v.TypingUserIDs, user)
	}
	sort.Strings(v.TypingUserIDs)
	return v
}

func (e *Engine) notifyUpdated() {
	e.bus.Publish(bus.Event{
		Kind:      bus.KindConvUpdated,
		Timestamp: e.now(),
		Payload:   e.conversationID,
	})
}
