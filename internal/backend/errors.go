package backend

import "fmt"

// Error is a failed backend call. Status 0 means the request never
// reached the backend (connectivity); those and 5xx responses are
// retryable by the caller, 4xx responses are terminal.
type Error struct {
	Op      string
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
}

// Temporary reports whether the call may be retried.
func (e *Error) Temporary() bool {
	return e.Status == 0 || e.Status >= 500
}

// IsTemporary reports whether err is a retryable backend error.
func IsTemporary(err error) bool {
	be, ok := err.(*Error)
	return ok && be.Temporary()
}
