package dispute

import (
	"context"
	"errors"
)

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: bad input, rejected before any state change.
	KindValidation
	// KindStateConflict: the case is not in a state that allows the request.
	KindStateConflict
	// KindConcurrencyConflict: lost an optimistic update; retry with a fresh read.
	KindConcurrencyConflict
	// KindCollaboratorUnavailable: storage, lock or persistence timed out or failed.
	KindCollaboratorUnavailable
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStateConflict:
		return "state_conflict"
	case KindConcurrencyConflict:
		return "concurrency_conflict"
	case KindCollaboratorUnavailable:
		return "collaborator_unavailable"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

type codedError struct {
	kind   Kind
	msg    string
	parent error
}

func (e *codedError) Error() string { return "dispute: " + e.msg }

func (e *codedError) Is(target error) bool {
	return e.parent != nil && (target == e.parent || errors.Is(e.parent, target))
}

func newError(kind Kind, msg string) error {
	return &codedError{kind: kind, msg: msg}
}

var (
	ErrInvalidInput       = newError(KindValidation, "invalid input")
	ErrInvalidReason      = newError(KindValidation, "invalid reason code")
	ErrMissingAuditFields = newError(KindValidation, "notes and actor are required")
	// ErrIdempotencyKeyReused signals the key was already spent on another case or operation.
	ErrIdempotencyKeyReused = newError(KindValidation, "idempotency key reused for a different request")

	ErrInvalidTransition       = newError(KindStateConflict, "invalid status transition")
	ErrAlreadyFinalized        = newError(KindStateConflict, "case already finalized")
	ErrMissingRequiredEvidence = newError(KindStateConflict, "requested documents missing")
	ErrCaseTerminal            = newError(KindStateConflict, "case is in a terminal status")
	ErrDuplicateTransaction    = newError(KindStateConflict, "open case already exists for transaction")

	ErrVersionConflict         = newError(KindConcurrencyConflict, "case version conflict")
	ErrCollaboratorUnavailable = newError(KindCollaboratorUnavailable, "collaborator unavailable")
	ErrNotFound                = newError(KindNotFound, "not found")

	// ErrUnknownStage is returned by DeriveStage for status/channel pairs
	// outside the closed sets.
	ErrUnknownStage = newError(KindValidation, "unknown stage")
)

// ErrReasonChannelMismatch also matches ErrInvalidReason.
var ErrReasonChannelMismatch error = &codedError{kind: KindValidation, msg: "reason code not valid for channel", parent: ErrInvalidReason}

// KindOf classifies err. Context deadline and cancellation count as
// collaborator unavailability.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindCollaboratorUnavailable
	}
	return KindUnknown
}

// Retryable reports whether the caller may retry the same request as is
// (after re-reading the case for concurrency conflicts).
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConcurrencyConflict, KindCollaboratorUnavailable:
		return true
	default:
		return false
	}
}
