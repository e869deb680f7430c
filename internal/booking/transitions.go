package booking

// The lifecycle graph is fixed and small:
//
//	pending -> contacted -> negotiating -> confirmed -> session_held
//	        -> feedback_requested -> completed
//
// with cancelled reachable from any non-terminal state. Forward skips along
// the chain are normal (a first email can already nail down a time). Admin
// corrections out of confirmed or cancelled are permitted but flagged with a
// warning; completed is the only status with no way out.

var normalTransitions = map[Status][]Status{
	StatusPending:           {StatusContacted, StatusNegotiating, StatusConfirmed, StatusCancelled},
	StatusContacted:         {StatusNegotiating, StatusConfirmed, StatusCancelled},
	StatusNegotiating:       {StatusConfirmed, StatusCancelled},
	StatusConfirmed:         {StatusSessionHeld, StatusCancelled},
	StatusSessionHeld:       {StatusFeedbackRequested, StatusCompleted, StatusCancelled},
	StatusFeedbackRequested: {StatusCompleted, StatusCancelled},
	StatusCompleted:         {},
	StatusCancelled:         {},
}

// Out of confirmed, every target that is not part of the normal pair is
// permitted with a warning; out of cancelled, every reopen target is. These
// are never blocked, only flagged.
var unusualTransitions = map[Status][]Status{
	StatusConfirmed: {
		StatusPending, StatusContacted, StatusNegotiating,
		StatusFeedbackRequested, StatusCompleted,
	},
	StatusCancelled: {
		StatusPending, StatusContacted, StatusNegotiating,
		StatusConfirmed, StatusSessionHeld, StatusFeedbackRequested,
		StatusCompleted,
	},
}

func contains(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ValidateTransition checks the from/to pair against the transition table.
// A non-empty warning means the pair is permitted but unusual and should be
// surfaced to the caller. Same-status pairs are handled by the service as an
// idempotent skip before this is consulted.
func ValidateTransition(from, to Status) (warning string, err error) {
	if !ValidStatus(to) {
		return "", &ValidationError{Field: "status", Reason: "unknown status " + string(to)}
	}

	if contains(normalTransitions[from], to) {
		return "", nil
	}
	if contains(unusualTransitions[from], to) {
		return "unusual transition " + string(from) + " -> " + string(to) +
			"; allowed for manual correction, verify this is intended", nil
	}

	return "", &InvalidTransitionError{From: from, To: to}
}
