package task

// statusRank orders the forward lifecycle. Cancelled is terminal and
// sits outside the linear order.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusAssigned:  1,
	StatusFinished:  2,
	StatusCompleted: 3,
}

// terminal states accept no further transitions.
func terminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanAdvance reports whether a task may move from one status to
// another. Equal statuses are allowed so refreshed rows can update
// descriptive fields. A task never moves backward through the
// lifecycle; cancel is reachable from any non-terminal state.
func CanAdvance(from, to Status) bool {
	if from == to {
		return true
	}
	if terminal(from) {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	fromRank, ok1 := statusRank[from]
	toRank, ok2 := statusRank[to]
	if !ok1 || !ok2 {
		return false
	}
	return toRank > fromRank
}
