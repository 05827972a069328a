package toil

// =============================================================================
// APPROVAL STATE MACHINE
// =============================================================================
//
//	PENDING --approve--> APPROVED (terminal)
//	   |
//	   +-----reject----> REJECTED (terminal)
//
// Approval is a one-shot stamp. Stores apply it as a compare-and-swap on the
// prior status, so of two concurrent managers exactly one wins and the other
// observes ErrInvalidTransition.

// CanTransition reports whether an event may move from one status to another.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.Terminal()
}

// CheckTransition returns a *TransitionError when the move is illegal.
func CheckTransition(eventID string, from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{EventID: eventID, From: from, To: to}
	}
	return nil
}

// requirePending guards owner mutations, which are only allowed before a
// manager has resolved the event. To is reported as the current status since
// the owner is not asking for a status change.
func requirePending(e Event) error {
	if e.Status != StatusPending {
		return &TransitionError{EventID: e.ID, From: e.Status, To: e.Status}
	}
	return nil
}
