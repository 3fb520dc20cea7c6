package core

// Delivery-progress rank. Higher rank means further along the pipeline; a
// transition may never decrease rank. Side branches and the follow-up marker
// are handled separately in CanTransition.
var progressRank = map[Status]int{
	StatusQueued:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusClicked:   3,
	StatusCompleted: 4,
}

// IsTerminal reports whether no further webhook-driven transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusOptedOut, StatusBounced:
		return true
	}
	return false
}

// CanTransition reports whether a request may move from one status to another.
//
// Rules:
//   - terminal states reject everything,
//   - OPTED_OUT wins from any non-terminal state,
//   - FAILED and BOUNCED are reachable from the early stages only,
//   - FOLLOWUP_SENT marks any non-terminal original,
//   - forward progression must strictly increase rank.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	switch to {
	case StatusOptedOut:
		return true
	case StatusFailed:
		return from == StatusQueued || from == StatusSent
	case StatusBounced:
		return from == StatusQueued || from == StatusSent || from == StatusDelivered
	case StatusFollowupSent:
		return !from.IsTerminal()
	case StatusQueued:
		// Only a manual retry resets FAILED back to QUEUED.
		return from == StatusFailed
	}
	fromRank, ok := progressRank[from]
	if !ok {
		// FAILED/FOLLOWUP_SENT do not advance through delivery stages.
		return false
	}
	toRank, ok := progressRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}
