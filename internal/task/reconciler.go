package task

import (
	"go.uber.org/zap"

	"github.com/JaJangMeow/chhehchhawl-sub001/internal/chat"
)

// Reconciler maintains the latest known task snapshot and acceptance
// records for one conversation/task pair. Incoming change events are
// applied last-write-wins by timestamp, guarded so the task never moves
// backward through its lifecycle from a stale event.
//
// Not safe for concurrent use; the conversation engine serializes
// access.
type Reconciler struct {
	userID string
	logger *zap.Logger

	task        *Snapshot
	acceptances []*Acceptance
	byID        map[string]*Acceptance
}

// NewReconciler creates a reconciler deriving action flags for userID.
func NewReconciler(userID string, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		userID: userID,
		logger: logger,
		byID:   make(map[string]*Acceptance),
	}
}

// ApplyTask applies an incoming task row. Stale events — a lifecycle
// regression, or an older UpdatedAt when both sides carry one — are
// discarded silently and logged for diagnostics. Reports whether the
// snapshot changed.
func (r *Reconciler) ApplyTask(s Snapshot) bool {
	if r.task == nil {
		snap := s
		r.task = &snap
		return true
	}
	if s.UpdatedAt != 0 && r.task.UpdatedAt != 0 && s.UpdatedAt < r.task.UpdatedAt {
		r.logger.Debug("discarding stale task event",
			zap.String("task_id", s.ID),
			zap.Int64("incoming_updated_at", s.UpdatedAt),
			zap.Int64("current_updated_at", r.task.UpdatedAt))
		return false
	}
	if !CanAdvance(r.task.Status, s.Status) {
		r.logger.Debug("discarding out-of-order task event",
			zap.String("task_id", s.ID),
			zap.String("current", string(r.task.Status)),
			zap.String("incoming", string(s.Status)))
		return false
	}
	snap := s
	r.task = &snap
	return true
}

// ApplyAcceptance applies an incoming acceptance row (insert or update).
// Confirming one acceptance implicitly supersedes every sibling still
// pending: they are marked rejected locally before their own events
// arrive, so the owner never sees a stale Confirm/Reject prompt for an
// already-assigned task. The local cascade is provisional — a later
// authoritative event for a sibling overwrites it.
//
// A server row also absorbs the optimistic placeholder for the same
// (task, acceptor) pair, if one exists: the placeholder carries a local
// id the server never echoes back, so without the merge a successful
// accept would show the offer twice.
func (r *Reconciler) ApplyAcceptance(a Acceptance) {
	if !chat.TempID(a.ID) {
		r.dropPlaceholder(a.TaskID, a.AcceptorID)
	}

	existing, ok := r.byID[a.ID]
	if ok {
		*existing = a
	} else {
		rec := a
		r.acceptances = append(r.acceptances, &rec)
		r.byID[a.ID] = &rec
	}

	if a.Status != AcceptanceConfirmed {
		return
	}

	for _, sibling := range r.acceptances {
		if sibling.ID != a.ID && sibling.TaskID == a.TaskID && sibling.Status == AcceptancePending {
			sibling.Status = AcceptanceRejected
		}
	}

	if r.task != nil && r.task.ID == a.TaskID && !terminal(r.task.Status) &&
		statusRank[r.task.Status] < statusRank[StatusAssigned] {
		r.task.Status = StatusAssigned
		r.task.AssignedTo = a.AcceptorID
		if a.UpdatedAt > r.task.UpdatedAt {
			r.task.UpdatedAt = a.UpdatedAt
		}
	}
}

func (r *Reconciler) dropPlaceholder(taskID, acceptorID string) {
	for i, rec := range r.acceptances {
		if chat.TempID(rec.ID) && rec.TaskID == taskID && rec.AcceptorID == acceptorID {
			delete(r.byID, rec.ID)
			r.acceptances = append(r.acceptances[:i], r.acceptances[i+1:]...)
			return
		}
	}
}

// ReplaceAcceptances swaps in an authoritative acceptance list from a
// fetch.
func (r *Reconciler) ReplaceAcceptances(list []Acceptance) {
	r.acceptances = r.acceptances[:0]
	r.byID = make(map[string]*Acceptance, len(list))
	for _, a := range list {
		rec := a
		r.acceptances = append(r.acceptances, &rec)
		r.byID[rec.ID] = &rec
	}
}

// Task returns a copy of the current snapshot, if any.
func (r *Reconciler) Task() (Snapshot, bool) {
	if r.task == nil {
		return Snapshot{}, false
	}
	return *r.task, true
}

// Acceptances returns copies of the known acceptance records in arrival
// order.
func (r *Reconciler) Acceptances() []Acceptance {
	out := make([]Acceptance, len(r.acceptances))
	for i, a := range r.acceptances {
		out[i] = *a
	}
	return out
}

// Actions derives the action-visibility flags for the reconciler's user
// from the current snapshot and acceptance records.
func (r *Reconciler) Actions() Actions {
	if r.task == nil {
		return Actions{}
	}
	t := r.task
	owner := t.CreatedBy == r.userID
	assignee := t.AssignedTo == r.userID

	var ownOffer, pendingOffer bool
	for _, a := range r.acceptances {
		if a.AcceptorID == r.userID && a.Status != AcceptanceRejected {
			ownOffer = true
		}
		if a.Status == AcceptancePending {
			pendingOffer = true
		}
	}

	return Actions{
		CanAccept:          !owner && t.Status == StatusPending && !ownOffer,
		CanRespond:         owner && t.Status == StatusPending && pendingOffer,
		CanMarkFinished:    assignee && t.Status == StatusAssigned,
		CanConfirmComplete: owner && t.Status == StatusFinished,
		CanCancel:          (owner || assignee) && (t.Status == StatusPending || t.Status == StatusAssigned),
	}
}

// ForceTask replaces the snapshot unconditionally, bypassing the
// lifecycle guard. Used when an authoritative fetch legitimately moves
// the task backward, e.g. after an assignment is released.
func (r *Reconciler) ForceTask(s Snapshot) {
	snap := s
	r.task = &snap
}

// State is a restorable deep copy of the reconciler's mutable state,
// taken before an optimistic action so a failed remote call can roll
// back.
type State struct {
	task        *Snapshot
	acceptances []Acceptance
}

// Save captures the current state.
func (r *Reconciler) Save() State {
	st := State{acceptances: r.Acceptances()}
	if r.task != nil {
		snap := *r.task
		st.task = &snap
	}
	return st
}

// Restore rolls the reconciler back to a previously saved state.
func (r *Reconciler) Restore(st State) {
	r.task = nil
	if st.task != nil {
		snap := *st.task
		r.task = &snap
	}
	r.ReplaceAcceptances(st.acceptances)
}
