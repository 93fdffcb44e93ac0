package task

// Status is a task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusFinished  Status = "finished"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// AcceptanceStatus is a task acceptance state. Acceptances transition
// pending -> confirmed|rejected exactly once.
type AcceptanceStatus string

const (
	AcceptancePending   AcceptanceStatus = "pending"
	AcceptanceConfirmed AcceptanceStatus = "confirmed"
	AcceptanceRejected  AcceptanceStatus = "rejected"
)

// Snapshot is the latest known task record. Exactly one snapshot is
// authoritative per task id on the client. Timestamps are unix
// milliseconds.
type Snapshot struct {
	ID          string
	Status      Status
	CreatedBy   string
	AssignedTo  string
	Title       string
	Description string
	Budget      float64
	Location    string
	Deadline    int64
	CreatedAt   int64
	UpdatedAt   int64
}

// Acceptance is one user's offer to take a task.
type Acceptance struct {
	ID              string
	TaskID          string
	AcceptorID      string
	TaskOwnerID     string
	Status          AcceptanceStatus
	Message         string
	ResponseMessage string
	CreatedAt       int64
	UpdatedAt       int64
}

// Actions are the derived action-visibility flags for the current user.
type Actions struct {
	CanAccept          bool
	CanRespond         bool
	CanMarkFinished    bool
	CanConfirmComplete bool
	CanCancel          bool
}
