package conv

import (
	"context"
	"errors"
	"fmt"

	"github.com/JaJangMeow/chhehchhawl-sub001/internal/backend"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/chat"
	"github.com/JaJangMeow/chhehchhawl-sub001/internal/task"
)

// ErrActionInFlight rejects a duplicate submission of an action kind
// that is still awaiting its remote result.
var ErrActionInFlight = errors.New("action already in flight")

// Action kinds used for the at-most-one-in-flight discipline.
const (
	actionAccept   = "accept"
	actionRespond  = "respond"
	actionFinish   = "finish"
	actionConfirm  = "confirm"
	actionCancel   = "cancel"
	actionUnassign = "unassign"
)

// Accept offers to take the task: an optimistic pending acceptance
// appears immediately, the stored procedure arbitrates remotely, and a
// failure rolls the local record back.
func (e *Engine) Accept(ctx context.Context, message string) (backend.ActionResult, error) {
	if e.userID == "" {
		return backend.ActionResult{}, ErrNoUser
	}
	if err := e.begin(actionAccept); err != nil {
		return backend.ActionResult{}, err
	}
	defer e.end(actionAccept)

	e.mu.Lock()
	saved := e.rec.Save()
	ownerID := ""
	if snap, ok := e.rec.Task(); ok {
		ownerID = snap.CreatedBy
	}
	e.rec.ApplyAcceptance(task.Acceptance{
		ID:          chat.NewTempID(e.newID()),
		TaskID:      e.taskID,
		AcceptorID:  e.userID,
		TaskOwnerID: ownerID,
		Status:      task.AcceptancePending,
		Message:     message,
		CreatedAt:   e.now().UnixMilli(),
		UpdatedAt:   e.now().UnixMilli(),
	})
	e.mu.Unlock()
	e.notifyUpdated()

	return e.finish(ctx, saved, "accept task", func() (backend.ActionResult, error) {
		return e.backend.AcceptTask(ctx, e.taskID, message)
	})
}

// Respond confirms or rejects a pending acceptance as the task owner.
// Confirming cascades locally: sibling pending acceptances flip to
// rejected and the task advances to assigned before the backend's own
// events arrive.
func (e *Engine) Respond(ctx context.Context, acceptanceID string, st task.AcceptanceStatus, responseMessage string) (backend.ActionResult, error) {
	if st != task.AcceptanceConfirmed && st != task.AcceptanceRejected {
		return backend.ActionResult{}, fmt.Errorf("invalid response status %q", st)
	}
	if err := e.begin(actionRespond); err != nil {
		return backend.ActionResult{}, err
	}
	defer e.end(actionRespond)

	e.mu.Lock()
	saved := e.rec.Save()
	target, ok := e.findAcceptanceLocked(acceptanceID)
	if !ok {
		e.mu.Unlock()
		return backend.ActionResult{}, fmt.Errorf("unknown acceptance %s", acceptanceID)
	}
	target.Status = st
	target.ResponseMessage = responseMessage
	target.UpdatedAt = e.now().UnixMilli()
	e.rec.ApplyAcceptance(target)
	e.mu.Unlock()
	e.notifyUpdated()

	return e.finish(ctx, saved, "respond to acceptance", func() (backend.ActionResult, error) {
		return e.backend.RespondToAcceptance(ctx, acceptanceID, st, responseMessage)
	})
}

// MarkFinished marks the assigned task finished by its assignee.
func (e *Engine) MarkFinished(ctx context.Context) (backend.ActionResult, error) {
	if err := e.begin(actionFinish); err != nil {
		return backend.ActionResult{}, err
	}
	defer e.end(actionFinish)

	saved, err := e.advanceTaskOptimistic(task.StatusFinished)
	if err != nil {
		return backend.ActionResult{}, err
	}
	return e.finish(ctx, saved, "mark task finished", func() (backend.ActionResult, error) {
		return e.backend.MarkTaskFinished(ctx, e.taskID)
	})
}

// ConfirmComplete confirms a finished task complete by its owner.
func (e *Engine) ConfirmComplete(ctx context.Context) (backend.ActionResult, error) {
	if err := e.begin(actionConfirm); err != nil {
		return backend.ActionResult{}, err
	}
	defer e.end(actionConfirm)

	saved, err := e.advanceTaskOptimistic(task.StatusCompleted)
	if err != nil {
		return backend.ActionResult{}, err
	}
	return e.finish(ctx, saved, "confirm task complete", func() (backend.ActionResult, error) {
		return e.backend.ConfirmTaskComplete(ctx, e.taskID)
	})
}

// Cancel cancels the task outright.
func (e *Engine) Cancel(ctx context.Context) (backend.ActionResult, error) {
	if err := e.begin(actionCancel); err != nil {
		return backend.ActionResult{}, err
	}
	defer e.end(actionCancel)

	saved, err := e.advanceTaskOptimistic(task.StatusCancelled)
	if err != nil {
		return backend.ActionResult{}, err
	}
	return e.finish(ctx, saved, "cancel task", func() (backend.ActionResult, error) {
		return e.backend.CancelTask(ctx, e.taskID)
	})
}

// CancelAssignment releases the assignment, returning the task to
// pending. That is a backward lifecycle move, so there is no optimistic
// apply; the authoritative state is re-fetched on success.
func (e *Engine) CancelAssignment(ctx context.Context) (backend.ActionResult, error) {
	if err := e.begin(actionUnassign); err != nil {
		return backend.ActionResult{}, err
	}
	defer e.end(actionUnassign)

	res, err := e.backend.CancelTaskAssignment(ctx, e.taskID)
	if err != nil {
		return backend.ActionResult{}, fmt.Errorf("cancel task assignment: %w", err)
	}
	if res.Success {
		if snap, taskErr := e.backend.FetchTask(ctx, e.taskID); taskErr == nil {
			e.mu.Lock()
			// The forward-only guard would reject the pending status,
			// so the fetched row is forced in.
			e.rec.ForceTask(snap)
			e.mu.Unlock()
			e.notifyUpdated()
		}
	}
	return res, nil
}

// advanceTaskOptimistic applies a forward status move locally and
// returns the pre-action state for rollback.
func (e *Engine) advanceTaskOptimistic(to task.Status) (task.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	saved := e.rec.Save()
	snap, ok := e.rec.Task()
	if !ok {
		return task.State{}, fmt.Errorf("task %s not loaded", e.taskID)
	}
	if !task.CanAdvance(snap.Status, to) {
		return task.State{}, fmt.Errorf("task %s cannot move from %s to %s", e.taskID, snap.Status, to)
	}
	snap.Status = to
	snap.UpdatedAt = e.now().UnixMilli()
	e.rec.ApplyTask(snap)
	e.notifyUpdated()
	return saved, nil
}

// finish runs the remote call and rolls back the optimistic state when
// the transport fails or the stored procedure reports failure. The
// failure message is surfaced to the caller for display, never retried.
func (e *Engine) finish(ctx context.Context, saved task.State, op string, call func() (backend.ActionResult, error)) (backend.ActionResult, error) {
	res, err := call()
	if err != nil {
		e.rollback(saved)
		return backend.ActionResult{}, fmt.Errorf("%s: %w", op, err)
	}
	if !res.Success {
		e.rollback(saved)
	}
	return res, nil
}

func (e *Engine) rollback(saved task.State) {
	e.mu.Lock()
	e.rec.Restore(saved)
	e.mu.Unlock()
	e.notifyUpdated()
}

func (e *Engine) begin(kind string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[kind] {
		return ErrActionInFlight
	}
	e.inflight[kind] = true
	return nil
}

func (e *Engine) end(kind string) {
	e.mu.Lock()
	delete(e.inflight, kind)
	e.mu.Unlock()
}

func (e *Engine) findAcceptanceLocked(id string) (task.Acceptance, bool) {
	for _, a := range e.rec.Acceptances() {
		if a.ID == id {
			return a, true
		}
	}
	return task.Acceptance{}, false
}
