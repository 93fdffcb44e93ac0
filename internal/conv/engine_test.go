package conv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JaJangMeow/chhehchhawl-sub001/internal/backend"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/bus"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/channel"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/chat"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/status"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/task"
)

type fakeBackend struct {
	mu sync.Mutex

	messages    []chat.Message
	fetchErr    error
	fetchCount  int
	sendFn      func(conversationID, content string) (chat.Message, error)
	task        task.Snapshot
	taskErr     error
	acceptances []task.Acceptance
	markedRead  []string
	markReadErr error

	actionRes backend.ActionResult
	actionErr error
	actionFn  func() (backend.ActionResult, error)
	calls     []string
}

func (f *fakeBackend) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeBackend) FetchMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCount++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]chat.Message, len(f.messages))
	copy(out, f.messages)
	return out, nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, conversationID, content string) (chat.Message, error) {
	f.record("send")
	if f.sendFn != nil {
		return f.sendFn(conversationID, content)
	}
	return chat.Message{}, nil
}

func (f *fakeBackend) MarkRead(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, ids...)
	return f.markReadErr
}

func (f *fakeBackend) FetchTask(ctx context.Context, taskID string) (task.Snapshot, error) {
	f.record("fetch_task")
	if f.taskErr != nil {
		return task.Snapshot{}, f.taskErr
	}
	return f.task, nil
}

func (f *fakeBackend) FetchAcceptances(ctx context.Context, taskID string) ([]task.Acceptance, error) {
	f.record("fetch_acceptances")
	out := make([]task.Acceptance, len(f.acceptances))
	copy(out, f.acceptances)
	return out, nil
}

func (f *fakeBackend) action(name string) (backend.ActionResult, error) {
	f.record(name)
	if f.actionFn != nil {
		return f.actionFn()
	}
	return f.actionRes, f.actionErr
}

func (f *fakeBackend) AcceptTask(ctx context.Context, taskID, message string) (backend.ActionResult, error) {
	return f.action("accept")
}

func (f *fakeBackend) RespondToAcceptance(ctx context.Context, acceptanceID string, st task.AcceptanceStatus, responseMessage string) (backend.ActionResult, error) {
	return f.action("respond")
}

func (f *fakeBackend) MarkTaskFinished(ctx context.Context, taskID string) (backend.ActionResult, error) {
	return f.action("finish")
}

func (f *fakeBackend) ConfirmTaskComplete(ctx context.Context, taskID string) (backend.ActionResult, error) {
	return f.action("confirm")
}

func (f *fakeBackend) CancelTask(ctx context.Context, taskID string) (backend.ActionResult, error) {
	return f.action("cancel")
}

func (f *fakeBackend) CancelTaskAssignment(ctx context.Context, taskID string) (backend.ActionResult, error) {
	return f.action("unassign")
}

type fakeChannel struct {
	mu      sync.Mutex
	typing  int
	closed  int
	typeErr error
}

func (f *fakeChannel) SendTyping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return f.typeErr
}

func (f *fakeChannel) Close() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
}

type fakeHistory struct {
	mu     sync.Mutex
	cached []chat.Message
	saved  []chat.Message
}

func (f *fakeHistory) ListMessages(conversationID string, beforeTs int64, limit int) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chat.Message, len(f.cached))
	copy(out, f.cached)
	return out, nil
}

func (f *fakeHistory) SaveMessages(msgs []chat.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, msgs...)
	return nil
}

// fakeClock is a settable clock injected through Options.Now.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine  *Engine
	backend *fakeBackend
	channel *fakeChannel
	history *fakeHistory
	bus     *bus.Bus
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fb := &fakeBackend{}
	fc := &fakeChannel{}
	fh := &fakeHistory{}
	b := bus.New()
	clock := newFakeClock()

	n := 0
	e := New(Options{
		ConversationID: "conv-1",
		TaskID:         "task-1",
		UserID:         "me",
		Backend:        fb,
		Bus:            b,
		Channel:        fc,
		History:        fh,
		Now:            clock.Now,
		NewID: func() string {
			n++
			return "id-" + string(rune('a'+n-1))
		},
	})
	t.Cleanup(e.Close)
	return &fixture{engine: e, backend: fb, channel: fc, history: fh, bus: b, clock: clock}
}

func waitKind(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestLoadPopulatesView(t *testing.T) {
	f := newFixture(t)
	f.backend.messages = []chat.Message{
		{ID: "m1", ConversationID: "conv-1", SenderID: "other", Content: "hello", CreatedAt: 1000},
		{ID: "m2", ConversationID: "conv-1", SenderID: "other", Content: "there", CreatedAt: 2000},
	}
	f.backend.task = task.Snapshot{ID: "task-1", Status: task.StatusPending, CreatedBy: "other", UpdatedAt: 1}
	f.backend.acceptances = []task.Acceptance{
		{ID: "a1", TaskID: "task-1", AcceptorID: "me", Status: task.AcceptancePending},
	}

	if err := f.engine.Load(context.Background(), false); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	v := f.engine.Snapshot()
	if len(v.Groups) != 1 || len(v.Groups[0].Messages) != 2 {
		t.Fatalf("groups = %+v, want one group of two", v.Groups)
	}
	if v.Task == nil || v.Task.Status != task.StatusPending {
		t.Errorf("task = %+v, want pending task-1", v.Task)
	}
	if len(v.Acceptances) != 1 || v.Acceptances[0].ID != "a1" {
		t.Errorf("acceptances = %+v", v.Acceptances)
	}
	if len(f.history.saved) != 2 {
		t.Errorf("history saved %d messages, want 2", len(f.history.saved))
	}
}

func TestLoadDebounce(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		if err := f.engine.Load(context.Background(), false); err != nil {
			t.Fatalf("Load() error = %v", err)
		}
	}
	if f.backend.fetchCount != 1 {
		t.Errorf("fetch count = %d, want 1 (debounced)", f.backend.fetchCount)
	}

	if err := f.engine.Load(context.Background(), true); err != nil {
		t.Fatalf("forced Load() error = %v", err)
	}
	if f.backend.fetchCount != 2 {
		t.Errorf("fetch count after force = %d, want 2", f.backend.fetchCount)
	}

	f.clock.Advance(2 * time.Second)
	if err := f.engine.Load(context.Background(), false); err != nil {
		t.Fatalf("Load() after window error = %v", err)
	}
	if f.backend.fetchCount != 3 {
		t.Errorf("fetch count after window = %d, want 3", f.backend.fetchCount)
	}
}

func TestLoadFallsBackToHistory(t *testing.T) {
	f := newFixture(t)
	f.backend.fetchErr = errors.New("network down")
	f.history.cached = []chat.Message{
		{ID: "m1", ConversationID: "conv-1", SenderID: "other", Content: "cached", CreatedAt: 1000},
	}

	err := f.engine.Load(context.Background(), false)
	if err == nil {
		t.Fatal("Load() should surface the fetch error")
	}
	v := f.engine.Snapshot()
	if len(v.Groups) != 1 || v.Groups[0].Messages[0].Content != "cached" {
		t.Errorf("groups = %+v, want cached message", v.Groups)
	}
}

func TestIncomingMessageEvent(t *testing.T) {
	f := newFixture(t)
	f.engine.Start(context.Background())

	ch, unsub := f.bus.Subscribe("conv.", 16)
	defer unsub()

	f.bus.Publish(bus.Event{
		Kind: bus.KindMessageInserted,
		Payload: chat.Message{
			ID: "m1", ConversationID: "conv-1", SenderID: "other",
			Content: "incoming", CreatedAt: 1000,
		},
	})
	waitKind(t, ch, bus.KindConvUpdated)

	v := f.engine.Snapshot()
	if len(v.Groups) != 1 || v.Groups[0].Messages[0].ID != "m1" {
		t.Fatalf("groups = %+v, want m1", v.Groups)
	}
}

func TestIncomingMessageOtherConversationIgnored(t *testing.T) {
	f := newFixture(t)
	f.engine.Start(context.Background())

	f.bus.Publish(bus.Event{
		Kind: bus.KindMessageInserted,
		Payload: chat.Message{
			ID: "m1", ConversationID: "conv-other", SenderID: "other",
			Content: "stray", CreatedAt: 1000,
		},
	})
	// Publish one matching message to fence the stray one.
	ch, unsub := f.bus.Subscribe("conv.", 16)
	defer unsub()
	f.bus.Publish(bus.Event{
		Kind: bus.KindMessageInserted,
		Payload: chat.Message{
			ID: "m2", ConversationID: "conv-1", SenderID: "other",
			Content: "mine", CreatedAt: 2000,
		},
	})
	waitKind(t, ch, bus.KindConvUpdated)

	v := f.engine.Snapshot()
	if len(v.Groups) != 1 || v.Groups[0].Messages[0].ID != "m2" {
		t.Fatalf("groups = %+v, want only m2", v.Groups)
	}
}

func TestChannelEchoAbsorbsOptimistic(t *testing.T) {
	f := newFixture(t)
	f.engine.Start(context.Background())

	// Backend replies without a row, so reconciliation is left to the
	// channel echo.
	f.backend.sendFn = func(conversationID, content string) (chat.Message, error) {
		return chat.Message{}, nil
	}
	if err := f.engine.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	ch, unsub := f.bus.Subscribe("conv.", 16)
	defer unsub()
	f.bus.Publish(bus.Event{
		Kind: bus.KindMessageInserted,
		Payload: chat.Message{
			ID: "srv-1", ConversationID: "conv-1", SenderID: "me",
			Content: "hello", CreatedAt: f.clock.Now().UnixMilli() + 500,
		},
	})
	waitKind(t, ch, bus.KindConvUpdated)

	msgs := allMessages(f.engine.Snapshot())
	if len(msgs) != 1 {
		t.Fatalf("message count = %d, want 1 (echo absorbed)", len(msgs))
	}
	if msgs[0].ID != "srv-1" {
		t.Errorf("message id = %s, want srv-1", msgs[0].ID)
	}
}

func TestTypingSignalExpires(t *testing.T) {
	f := newFixture(t)
	f.engine.Start(context.Background())

	ch, unsub := f.bus.Subscribe("conv.", 16)
	defer unsub()
	f.bus.Publish(bus.Event{
		Kind:    bus.KindTyping,
		Payload: chat.TypingSignal{ConversationID: "conv-1", UserID: "other"},
	})
	waitKind(t, ch, bus.KindConvUpdated)

	if v := f.engine.Snapshot(); len(v.TypingUserIDs) != 1 || v.TypingUserIDs[0] != "other" {
		t.Fatalf("typing = %v, want [other]", v.TypingUserIDs)
	}

	f.clock.Advance(4 * time.Second)
	if v := f.engine.Snapshot(); len(v.TypingUserIDs) != 0 {
		t.Errorf("typing after expiry = %v, want none", v.TypingUserIDs)
	}
}

func TestOwnTypingSignalIgnored(t *testing.T) {
	f := newFixture(t)
	f.engine.Start(context.Background())

	ch, unsub := f.bus.Subscribe("conv.", 16)
	defer unsub()
	f.bus.Publish(bus.Event{
		Kind:    bus.KindTyping,
		Payload: chat.TypingSignal{ConversationID: "conv-1", UserID: "me"},
	})
	// Fence with an unrelated event.
	f.bus.Publish(bus.Event{
		Kind: bus.KindMessageInserted,
		Payload: chat.Message{
			ID: "m1", ConversationID: "conv-1", SenderID: "other",
			Content: "fence", CreatedAt: 1000,
		},
	})
	waitKind(t, ch, bus.KindConvUpdated)

	if v := f.engine.Snapshot(); len(v.TypingUserIDs) != 0 {
		t.Errorf("typing = %v, want none for own signal", v.TypingUserIDs)
	}
}

func TestStaleTaskEventDiscarded(t *testing.T) {
	f := newFixture(t)
	f.backend.task = task.Snapshot{ID: "task-1", Status: task.StatusAssigned, AssignedTo: "me", UpdatedAt: 2000}
	if err := f.engine.Load(context.Background(), false); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	f.engine.Start(context.Background())

	ch, unsub := f.bus.Subscribe("conv.", 16)
	defer unsub()
	f.bus.Publish(bus.Event{
		Kind:    bus.KindTaskUpdated,
		Payload: task.Snapshot{ID: "task-1", Status: task.StatusPending, UpdatedAt: 1000},
	})
	f.bus.Publish(bus.Event{
		Kind:    bus.KindAcceptanceChanged,
		Payload: channel.AcceptanceChange{Acceptance: task.Acceptance{ID: "a1", TaskID: "task-1", Status: task.AcceptancePending}},
	})
	waitKind(t, ch, bus.KindConvUpdated)

	v := f.engine.Snapshot()
	if v.Task == nil || v.Task.Status != task.StatusAssigned {
		t.Errorf("task = %+v, want assigned preserved over stale pending", v.Task)
	}
}

func TestReconnectTriggersReload(t *testing.T) {
	f := newFixture(t)
	if err := f.engine.Load(context.Background(), false); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	f.engine.Start(context.Background())

	f.bus.Publish(bus.Event{
		Kind:    bus.KindConnStatusChanged,
		Payload: status.Change{From: status.Joining, To: status.Live},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.backend.mu.Lock()
		count := f.backend.fetchCount
		f.backend.mu.Unlock()
		if count >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("fetch count = %d, want reload after reconnect", count)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if v := f.engine.Snapshot(); v.ConnState != status.Live {
		t.Errorf("conn state = %s, want LIVE", v.ConnState)
	}
}

func TestReconnectBeforeFirstLoadDoesNotReload(t *testing.T) {
	f := newFixture(t)
	f.engine.Start(context.Background())

	ch, unsub := f.bus.Subscribe("conv.", 16)
	defer unsub()
	f.bus.Publish(bus.Event{
		Kind:    bus.KindConnStatusChanged,
		Payload: status.Change{From: status.Joining, To: status.Live},
	})
	waitKind(t, ch, bus.KindConvUpdated)

	if f.backend.fetchCount != 0 {
		t.Errorf("fetch count = %d, want 0 before first load", f.backend.fetchCount)
	}
}

func TestCloseIdempotent(t *testing.T) {
	f := newFixture(t)
	f.engine.Start(context.Background())
	f.engine.Close()
	f.engine.Close()

	if f.channel.closed != 1 {
		t.Errorf("channel closed %d times, want 1", f.channel.closed)
	}
}

func allMessages(v View) []chat.Message {
	var out []chat.Message
	for _, g := range v.Groups {
		if g.IsUnreadIndicator {
			continue
		}
		out = append(out, g.Messages...)
	}
	return out
}
