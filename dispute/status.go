package dispute

import "fmt"

// Event is an input to the state machine.
type Event string

const (
	EventForwardToBank Event = "forward_to_bank"
	EventRequestInfo   Event = "request_info"
	EventInfoSatisfied Event = "info_satisfied"
	EventApprove       Event = "approve"
	EventReject        Event = "reject"
)

// AllEvents lists every state machine input.
var AllEvents = []Event{EventForwardToBank, EventRequestInfo, EventInfoSatisfied, EventApprove, EventReject}

// Evidence describes the outstanding document request, if any.
type Evidence struct {
	Requested []DocumentType
	Missing   []DocumentType
	// ReturnTo is the pending state to go back to once Missing is empty.
	ReturnTo Status
}

// Complete reports whether every requested document type has been supplied.
func (e Evidence) Complete() bool { return len(e.Missing) == 0 }

// Transition is the outcome of a validated event.
type Transition struct {
	From Status
	To   Status
	// NoOp is set when the event is accepted but changes nothing (a retried
	// info request). Callers must not append a timeline event for it.
	NoOp bool
}

// ValidateTransition decides the next status for an event. It has no side
// effects.
func ValidateTransition(current Status, event Event, evidence Evidence) (Transition, error) {
	t := Transition{From: current, To: current}
	if !current.Valid() {
		return t, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, current)
	}
	if current.Terminal() {
		return t, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, current)
	}

	switch event {
	case EventForwardToBank:
		if current != StatusPendingAtOperator {
			return t, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, current)
		}
		t.To = StatusPendingAtBank
		return t, nil

	case EventRequestInfo:
		if current == StatusPendingAdditionalInfo {
			t.NoOp = true
			return t, nil
		}
		t.To = StatusPendingAdditionalInfo
		return t, nil

	case EventInfoSatisfied:
		if current != StatusPendingAdditionalInfo {
			return t, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, current)
		}
		if !evidence.Complete() {
			return t, fmt.Errorf("%w: %v", ErrMissingRequiredEvidence, evidence.Missing)
		}
		switch evidence.ReturnTo {
		case StatusPendingAtOperator, StatusPendingAtBank:
			t.To = evidence.ReturnTo
		default:
			return t, fmt.Errorf("%w: cannot return to %q", ErrInvalidTransition, evidence.ReturnTo)
		}
		return t, nil

	case EventApprove, EventReject:
		if current == StatusPendingAdditionalInfo && !evidence.Complete() {
			return t, fmt.Errorf("%w: %v", ErrMissingRequiredEvidence, evidence.Missing)
		}
		if event == EventApprove {
			t.To = StatusApproved
		} else {
			t.To = StatusRejected
		}
		return t, nil
	}

	return t, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, event)
}
