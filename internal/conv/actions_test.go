package conv

import (
	"context"
	"errors"
	"testing"

	"github.com/JaJangMeow/chhehchhawl-sub001/internal/backend"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/bus"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/channel"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/chat"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/task"
)

func loadTask(t *testing.T, f *fixture, snap task.Snapshot, accs ...task.Acceptance) {
	t.Helper()
	f.backend.task = snap
	f.backend.acceptances = accs
	if err := f.engine.Load(context.Background(), true); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestAcceptAppliesOptimistically(t *testing.T) {
	f := newFixture(t)
	loadTask(t, f, task.Snapshot{ID: "task-1", Status: task.StatusPending, CreatedBy: "owner", UpdatedAt: 1})
	f.backend.actionRes = backend.ActionResult{Success: true}

	res, err := f.engine.Accept(context.Background(), "I can do this")
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}

	v := f.engine.Snapshot()
	if len(v.Acceptances) != 1 {
		t.Fatalf("acceptances = %+v, want one", v.Acceptances)
	}
	a := v.Acceptances[0]
	if a.AcceptorID != "me" || a.Status != task.AcceptancePending || !chat.TempID(a.ID) {
		t.Errorf("acceptance = %+v, want own pending offer with temp id", a)
	}
	if v.Actions.CanAccept {
		t.Error("CanAccept should clear once an own offer exists")
	}
}

// The server's own row for the accepted offer arrives over realtime a
// moment after Accept succeeds. It must take over the optimistic record
// rather than list the offer twice.
func TestAcceptServerEchoTakesOverOptimisticRecord(t *testing.T) {
	f := newFixture(t)
	loadTask(t, f, task.Snapshot{ID: "task-1", Status: task.StatusPending, CreatedBy: "owner", UpdatedAt: 1})
	f.backend.actionRes = backend.ActionResult{Success: true}
	f.engine.Start(context.Background())

	if _, err := f.engine.Accept(context.Background(), "I can do this"); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	ch, unsub := f.bus.Subscribe("conv.", 16)
	defer unsub()
	f.bus.Publish(bus.Event{
		Kind: bus.KindAcceptanceChanged,
		Payload: channel.AcceptanceChange{Acceptance: task.Acceptance{
			ID: "acc-1", TaskID: "task-1", AcceptorID: "me", TaskOwnerID: "owner",
			Status: task.AcceptancePending, Message: "I can do this", UpdatedAt: 2000,
		}},
	})
	waitKind(t, ch, bus.KindConvUpdated)

	v := f.engine.Snapshot()
	if len(v.Acceptances) != 1 {
		t.Fatalf("acceptances = %+v, want the single server record", v.Acceptances)
	}
	if a := v.Acceptances[0]; a.ID != "acc-1" || chat.TempID(a.ID) {
		t.Errorf("acceptance = %+v, want server id", a)
	}
	if v.Actions.CanAccept {
		t.Error("CanAccept must stay cleared after the echo merges")
	}
}

func TestAcceptRollsBackOnTransportError(t *testing.T) {
	f := newFixture(t)
	loadTask(t, f, task.Snapshot{ID: "task-1", Status: task.StatusPending, CreatedBy: "owner", UpdatedAt: 1})
	f.backend.actionErr = errors.New("rpc failed")

	if _, err := f.engine.Accept(context.Background(), "hi"); err == nil {
		t.Fatal("Accept() should surface the transport error")
	}
	if v := f.engine.Snapshot(); len(v.Acceptances) != 0 {
		t.Errorf("acceptances after rollback = %+v, want none", v.Acceptances)
	}
}

func TestAcceptRollsBackOnReportedFailure(t *testing.T) {
	f := newFixture(t)
	loadTask(t, f, task.Snapshot{ID: "task-1", Status: task.StatusPending, CreatedBy: "owner", UpdatedAt: 1})
	f.backend.actionRes = backend.ActionResult{Success: false, Error: "task already assigned"}

	res, err := f.engine.Accept(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Accept() error = %v, reported failures are not transport errors", err)
	}
	if res.Success || res.Error == "" {
		t.Errorf("result = %+v, want reported failure", res)
	}
	if v := f.engine.Snapshot(); len(v.Acceptances) != 0 {
		t.Errorf("acceptances after rollback = %+v, want none", v.Acceptances)
	}
}

func TestRespondConfirmCascades(t *testing.T) {
	f := newFixture(t)
	loadTask(t, f,
		task.Snapshot{ID: "task-1", Status: task.StatusPending, CreatedBy: "me", UpdatedAt: 1},
		task.Acceptance{ID: "a1", TaskID: "task-1", AcceptorID: "u1", Status: task.AcceptancePending},
		task.Acceptance{ID: "a2", TaskID: "task-1", AcceptorID: "u2", Status: task.AcceptancePending},
	)
	f.backend.actionRes = backend.ActionResult{Success: true}

	if _, err := f.engine.Respond(context.Background(), "a1", task.AcceptanceConfirmed, "welcome"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	v := f.engine.Snapshot()
	if v.Task == nil || v.Task.Status != task.StatusAssigned || v.Task.AssignedTo != "u1" {
		t.Fatalf("task = %+v, want assigned to u1", v.Task)
	}
	byID := map[string]task.Acceptance{}
	for _, a := range v.Acceptances {
		byID[a.ID] = a
	}
	if byID["a1"].Status != task.AcceptanceConfirmed {
		t.Errorf("a1 status = %s, want confirmed", byID["a1"].Status)
	}
	if byID["a2"].Status != task.AcceptanceRejected {
		t.Errorf("a2 status = %s, want cascade-rejected", byID["a2"].Status)
	}
}

func TestRespondRejectsUnknownAcceptance(t *testing.T) {
	f := newFixture(t)
	loadTask(t, f, task.Snapshot{ID: "task-1", Status: task.StatusPending, CreatedBy: "me", UpdatedAt: 1})

	if _, err := f.engine.Respond(context.Background(), "missing", task.AcceptanceConfirmed, ""); err == nil {
		t.Fatal("Respond() should fail for an unknown acceptance")
	}
	if f.backend.calls != nil {
		for _, c := range f.backend.calls {
			if c == "respond" {
				t.Error("backend respond called for unknown acceptance")
			}
		}
	}
}

func TestRespondRejectsInvalidStatus(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Respond(context.Background(), "a1", task.AcceptancePending, ""); err == nil {
		t.Fatal("Respond(pending) should fail")
	}
}

func TestMarkFinishedRollsBackOnError(t *testing.T) {
	f := newFixture(t)
	loadTask(t, f, task.Snapshot{ID: "task-1", Status: task.StatusAssigned, CreatedBy: "owner", AssignedTo: "me", UpdatedAt: 1})
	f.backend.actionErr = errors.New("rpc failed")

	if _, err := f.engine.MarkFinished(context.Background()); err == nil {
		t.Fatal("MarkFinished() should surface the error")
	}
	if v := f.engine.Snapshot(); v.Task.Status != task.StatusAssigned {
		t.Errorf("task status = %s, want rollback to assigned", v.Task.Status)
	}
}

func TestMarkFinishedRequiresAssigned(t *testing.T) {
	f := newFixture(t)
	loadTask(t, f, task.Snapshot{ID: "task-1", Status: task.StatusPending, CreatedBy: "owner", UpdatedAt: 1})

	if _, err := f.engine.MarkFinished(context.Background()); err == nil {
		t.Fatal("MarkFinished() should fail for a pending task")
	}
	if f.engine.Snapshot().Task.Status != task.StatusPending {
		t.Error("task status changed despite rejected action")
	}
}

func TestConfirmCompleteAdvances(t *testing.T) {
	f := newFixture(t)
	loadTask(t, f, task.Snapshot{ID: "task-1", Status: task.StatusFinished, CreatedBy: "me", AssignedTo: "u1", UpdatedAt: 1})
	f.backend.actionRes = backend.ActionResult{Success: true}

	if _, err := f.engine.ConfirmComplete(context.Background()); err != nil {
		t.Fatalf("ConfirmComplete() error = %v", err)
	}
	if v := f.engine.Snapshot(); v.Task.Status != task.StatusCompleted {
		t.Errorf("task status = %s, want completed", v.Task.Status)
	}
}

func TestCancelFromTerminalRejected(t *testing.T) {
	f := newFixture(t)
	loadTask(t, f, task.Snapshot{ID: "task-1", Status: task.StatusCompleted, CreatedBy: "me", UpdatedAt: 1})

	if _, err := f.engine.Cancel(context.Background()); err == nil {
		t.Fatal("Cancel() should fail for a completed task")
	}
}

func TestActionInFlightGuard(t *testing.T) {
	f := newFixture(t)
	loadTask(t, f, task.Snapshot{ID: "task-1", Status: task.StatusPending, CreatedBy: "owner", UpdatedAt: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	f.backend.actionFn = func() (backend.ActionResult, error) {
		close(started)
		<-release
		return backend.ActionResult{Success: true}, nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := f.engine.Accept(context.Background(), "first")
		errCh <- err
	}()
	<-started

	if _, err := f.engine.Accept(context.Background(), "second"); !errors.Is(err, ErrActionInFlight) {
		t.Errorf("second Accept() error = %v, want ErrActionInFlight", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first Accept() error = %v", err)
	}

	// The guard clears once the first action settles.
	f.backend.actionFn = nil
	f.backend.actionRes = backend.ActionResult{Success: true}
	if _, err := f.engine.Accept(context.Background(), "third"); err != nil {
		t.Errorf("Accept() after settle error = %v", err)
	}
}

func TestCancelAssignmentRefreshesFromServer(t *testing.T) {
	f := newFixture(t)
	loadTask(t, f, task.Snapshot{ID: "task-1", Status: task.StatusAssigned, CreatedBy: "owner", AssignedTo: "me", UpdatedAt: 2000})
	f.backend.actionRes = backend.ActionResult{Success: true}
	// The server has already moved the task back to pending.
	f.backend.task = task.Snapshot{ID: "task-1", Status: task.StatusPending, CreatedBy: "owner", UpdatedAt: 3000}

	res, err := f.engine.CancelAssignment(context.Background())
	if err != nil {
		t.Fatalf("CancelAssignment() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if v := f.engine.Snapshot(); v.Task.Status != task.StatusPending {
		t.Errorf("task status = %s, want pending from refetch", v.Task.Status)
	}
}

func TestCancelAssignmentFailureLeavesState(t *testing.T) {
	f := newFixture(t)
	loadTask(t, f, task.Snapshot{ID: "task-1", Status: task.StatusAssigned, CreatedBy: "owner", AssignedTo: "me", UpdatedAt: 2000})
	f.backend.actionErr = errors.New("rpc failed")

	if _, err := f.engine.CancelAssignment(context.Background()); err == nil {
		t.Fatal("CancelAssignment() should surface the error")
	}
	if v := f.engine.Snapshot(); v.Task.Status != task.StatusAssigned {
		t.Errorf("task status = %s, want assigned unchanged", v.Task.Status)
	}
}
