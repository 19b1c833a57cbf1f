package dispute

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ErrDuplicateIdempotencyKey is returned by a store when the idempotency
// record of a commit collides with an existing one; the commit is not applied.
var ErrDuplicateIdempotencyKey = newError(KindConcurrencyConflict, "duplicate idempotency key")

// Operation names a mutating service operation; idempotency records are
// scoped to it.
type Operation string

const (
	OpCreateCase     Operation = "create_case"
	OpAttachDocument Operation = "attach_document"
	OpRequestInfo    Operation = "request_info"
	OpForwardToBank  Operation = "forward_to_bank"
	OpChangeStatus   Operation = "change_status"
)

// IdempotencyRecord is the stored result of a keyed mutation.
type IdempotencyRecord struct {
	Key       string
	CaseID    string
	Operation Operation
	Case      Case
	Document  *Document
	CreatedAt time.Time
}

// Commit is everything a single mutation writes. Stores apply it atomically.
type Commit struct {
	// Case is the full aggregate after the mutation, Version already bumped.
	Case Case
	// ExpectedVersion is the version the mutation was computed from; zero on insert.
	ExpectedVersion int64
	// Events are the timeline entries appended by this mutation.
	Events      []TimelineEvent
	Document    *Document
	Idempotency *IdempotencyRecord
}

// CaseStore persists case aggregates.
type CaseStore interface {
	Get(ctx context.Context, id string) (Case, error)
	List(ctx context.Context, filter Filter) ([]Case, error)
	// FindOpenByTransaction returns the non-terminal case for a transaction, if any.
	FindOpenByTransaction(ctx context.Context, transactionRef string) (Case, bool, error)
	Idempotency(ctx context.Context, key string) (IdempotencyRecord, bool, error)
	// Insert stores a new case. Fails with ErrDuplicateTransaction when an
	// open case exists for the same transaction.
	Insert(ctx context.Context, commit Commit) error
	// Update replaces the case if its stored version equals
	// commit.ExpectedVersion, otherwise fails with ErrVersionConflict.
	Update(ctx context.Context, commit Commit) error
}

// View is one of the console's predefined case lists.
type View string

const (
	ViewAll               View = "all"
	ViewPendingAtOperator View = "pending-at-operator"
	ViewPendingAtBank     View = "pending-at-bank"
	ViewPendingInfo       View = "pending-info"
	ViewCompleted         View = "completed"
)

// Statuses returns the statuses a view selects; nil means any.
func (v View) Statuses() ([]Status, error) {
	switch v {
	case "", ViewAll:
		return nil, nil
	case ViewPendingAtOperator:
		return []Status{StatusPendingAtOperator}, nil
	case ViewPendingAtBank:
		return []Status{StatusPendingAtBank}, nil
	case ViewPendingInfo:
		return []Status{StatusPendingAdditionalInfo}, nil
	case ViewCompleted:
		return []Status{StatusApproved, StatusRejected}, nil
	default:
		return nil, fmt.Errorf("%w: view %q", ErrInvalidInput, v)
	}
}

// Filter selects cases. All set fields must match.
type Filter struct {
	View        View
	Status      Status
	Channel     Channel
	CustomerRef string
	// CreatedFrom is inclusive, CreatedTo exclusive.
	CreatedFrom time.Time
	CreatedTo   time.Time
	Limit       int
	Offset      int
}

func (f Filter) Validate() error {
	if _, err := f.View.Statuses(); err != nil {
		return err
	}
	if f.Status != "" && !f.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidInput, f.Status)
	}
	if f.Channel != "" && !f.Channel.Valid() {
		return fmt.Errorf("%w: channel %q", ErrInvalidInput, f.Channel)
	}
	if f.Limit < 0 || f.Offset < 0 {
		return fmt.Errorf("%w: negative limit or offset", ErrInvalidInput)
	}
	if !f.CreatedFrom.IsZero() && !f.CreatedTo.IsZero() && !f.CreatedFrom.Before(f.CreatedTo) {
		return fmt.Errorf("%w: empty date range", ErrInvalidInput)
	}
	return nil
}

// Match reports whether c satisfies every predicate of the filter.
func (f Filter) Match(c Case) bool {
	if statuses, _ := f.View.Statuses(); statuses != nil {
		found := false
		for _, s := range statuses {
			if c.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.Channel != "" && c.Channel != f.Channel {
		return false
	}
	if f.CustomerRef != "" && c.CustomerRef != f.CustomerRef {
		return false
	}
	if !f.CreatedFrom.IsZero() && c.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && !c.CreatedAt.Before(f.CreatedTo) {
		return false
	}
	return true
}

// sortNewestFirst orders by creation time descending, id descending on ties.
func sortNewestFirst(cases []Case) {
	sort.SliceStable(cases, func(i, j int) bool {
		if !cases[i].CreatedAt.Equal(cases[j].CreatedAt) {
			return cases[i].CreatedAt.After(cases[j].CreatedAt)
		}
		return cases[i].ID > cases[j].ID
	})
}

func paginate(cases []Case, limit, offset int) []Case {
	if offset >= len(cases) {
		return []Case{}
	}
	cases = cases[offset:]
	if limit > 0 && limit < len(cases) {
		cases = cases[:limit]
	}
	return cases
}
