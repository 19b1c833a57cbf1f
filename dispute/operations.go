package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

type CreateCaseParams struct {
	CustomerRef    string
	TransactionRef string
	Channel        Channel
	Amount         Money
	Reason         ReasonCode
	AdditionalInfo map[string]string
	IdempotencyKey string
}

type AttachDocumentParams struct {
	CaseID      string
	Type        DocumentType
	Name        string
	UploaderRef string
	// Party is who supplied the document; defaults to the customer.
	Party          Party
	Locator        string
	IdempotencyKey string
}

// UploadDocumentParams is AttachDocumentParams with the content instead of
// a locator; the blob is stored before anything is recorded.
type UploadDocumentParams struct {
	CaseID         string
	Type           DocumentType
	Name           string
	UploaderRef    string
	Party          Party
	Content        []byte
	IdempotencyKey string
}

type RequestInfoParams struct {
	CaseID         string
	ActorRef       string
	Message        string
	RequiredTypes  []DocumentType
	IdempotencyKey string
}

type ForwardParams struct {
	CaseID         string
	ActorRef       string
	Notes          string
	IdempotencyKey string
}

type ChangeStatusParams struct {
	CaseID string
	// Target must be StatusApproved or StatusRejected.
	Target   Status
	Notes    string
	ActorRef string
	// Party is who made the decision; defaults to the operator.
	Party          Party
	IdempotencyKey string
}

// CreateCase opens a dispute in PendingAtOperator.
func (s *Service) CreateCase(ctx context.Context, p CreateCaseParams) (c Case, err error) {
	ctx, end := s.begin(ctx, string(OpCreateCase), "")
	defer func() { end(err) }()

	if err := validateCreate(p); err != nil {
		return Case{}, err
	}
	if rec, ok, err := s.lookupIdempotency(ctx, p.IdempotencyKey); err != nil {
		return Case{}, err
	} else if ok {
		c, _, err := s.replay(rec, OpCreateCase, "")
		return c, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.operationTimeout)
	defer cancel()

	// Creation has no case id yet, so two requests for the same
	// transaction are serialized on the transaction reference instead.
	unlock, err := s.locker.Lock(ctx, "txn:"+p.TransactionRef)
	if err != nil {
		return Case{}, fmt.Errorf("%w: lock transaction %s: %v", ErrCollaboratorUnavailable, p.TransactionRef, err)
	}
	defer unlock()

	if rec, ok, err := s.lookupIdempotency(ctx, p.IdempotencyKey); err != nil {
		return Case{}, err
	} else if ok {
		c, _, err := s.replay(rec, OpCreateCase, "")
		return c, err
	}
	if open, ok, err := s.store.FindOpenByTransaction(ctx, p.TransactionRef); err != nil {
		return Case{}, err
	} else if ok {
		return Case{}, fmt.Errorf("%w: %s has open case %s", ErrDuplicateTransaction, p.TransactionRef, open.ID)
	}

	now := s.now().UTC()
	c = Case{
		ID:             s.idGenerator(),
		CustomerRef:    p.CustomerRef,
		TransactionRef: p.TransactionRef,
		Channel:        p.Channel,
		Amount:         p.Amount,
		Reason:         p.Reason,
		Status:         StatusPendingAtOperator,
		AdditionalInfo: copyInfo(p.AdditionalInfo),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.appendEvent(&c, TimelineEvent{
		Kind:        EventCreated,
		Title:       "Dispute opened",
		Description: fmt.Sprintf("%s dispute of %s: %s", c.Channel, c.Amount, c.Reason),
		Party:       PartyCustomer,
		ActorRef:    c.CustomerRef,
		ToStatus:    StatusPendingAtOperator,
	}, now)

	commit := Commit{
		Case:        c,
		Events:      c.Timeline,
		Idempotency: s.idempotencyRecord(p.IdempotencyKey, OpCreateCase, c, nil),
	}
	if err := ctx.Err(); err != nil {
		return Case{}, fmt.Errorf("dispute: abandoned before commit: %w", err)
	}
	if err := s.store.Insert(ctx, commit); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			c, _, err := s.replayStored(ctx, p.IdempotencyKey, OpCreateCase, "")
			return c, err
		}
		return Case{}, err
	}

	s.committed(ctx, OpCreateCase, c, commit.Events)
	return c.Clone(), nil
}

func validateCreate(p CreateCaseParams) error {
	if strings.TrimSpace(p.CustomerRef) == "" {
		return fmt.Errorf("%w: missing customer reference", ErrInvalidInput)
	}
	if strings.TrimSpace(p.TransactionRef) == "" {
		return fmt.Errorf("%w: missing transaction reference", ErrInvalidInput)
	}
	if err := ValidateReason(p.Channel, p.Reason); err != nil {
		return err
	}
	return p.Amount.Validate()
}

func copyInfo(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// AttachDocument records evidence already held by the storage collaborator.
// When the case is waiting for documents and this one completes the
// request, the case returns to the state it was in before the request.
func (s *Service) AttachDocument(ctx context.Context, p AttachDocumentParams) (doc Document, err error) {
	ctx, end := s.begin(ctx, string(OpAttachDocument), p.CaseID)
	defer func() { end(err) }()

	if err := validateAttach(p); err != nil {
		return Document{}, err
	}
	party := p.Party
	if party == "" {
		party = PartyCustomer
	}

	_, stored, err := s.mutate(ctx, mutation{
		op:     OpAttachDocument,
		caseID: p.CaseID,
		key:    p.IdempotencyKey,
		apply: func(c *Case, now time.Time) (bool, *Document, error) {
			if c.Status.Terminal() {
				return false, nil, fmt.Errorf("%w: case %s is %s", ErrCaseTerminal, c.ID, c.Status)
			}
			d := Document{
				ID:          s.idGenerator(),
				CaseID:      c.ID,
				Type:        p.Type,
				Name:        p.Name,
				UploaderRef: p.UploaderRef,
				Locator:     p.Locator,
				UploadedAt:  now.UTC(),
			}
			c.Documents = append(c.Documents, d)

			ev := TimelineEvent{
				Kind:        EventDocumentAdded,
				Title:       "Document added",
				Description: fmt.Sprintf("%s: %s", d.Type, d.Name),
				Party:       party,
				ActorRef:    p.UploaderRef,
				FromStatus:  c.Status,
				ToStatus:    c.Status,
				DocumentID:  d.ID,
			}
			if c.Status == StatusPendingAdditionalInfo {
				if evidence := c.Evidence(); evidence.Complete() {
					t, err := ValidateTransition(c.Status, EventInfoSatisfied, evidence)
					if err != nil {
						return false, nil, err
					}
					c.Status = t.To
					c.PendingInfo = nil
					ev.ToStatus = t.To
					ev.Description += "; requested information complete"
				}
			}
			stamped := s.appendEvent(c, ev, now)
			d.UploadedAt = stamped.At
			c.Documents[len(c.Documents)-1] = d
			return true, &d, nil
		},
	})
	if err != nil {
		return Document{}, err
	}
	if stored == nil {
		return Document{}, fmt.Errorf("%w: key %s holds no document", ErrIdempotencyKeyReused, p.IdempotencyKey)
	}
	return *stored, nil
}

func validateAttach(p AttachDocumentParams) error {
	if strings.TrimSpace(p.CaseID) == "" {
		return fmt.Errorf("%w: missing case id", ErrInvalidInput)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: document type %q", ErrInvalidInput, p.Type)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: missing document name", ErrInvalidInput)
	}
	if strings.TrimSpace(p.UploaderRef) == "" {
		return fmt.Errorf("%w: missing uploader", ErrInvalidInput)
	}
	if strings.TrimSpace(p.Locator) == "" {
		return fmt.Errorf("%w: missing storage locator", ErrInvalidInput)
	}
	switch p.Party {
	case "", PartyCustomer, PartyOperator, PartyBank:
		return nil
	default:
		return fmt.Errorf("%w: party %q", ErrInvalidInput, p.Party)
	}
}

// UploadDocument stores the content with the storage collaborator and then
// attaches it. If storage fails nothing is recorded on the case.
func (s *Service) UploadDocument(ctx context.Context, p UploadDocumentParams) (doc Document, err error) {
	if s.blobs == nil {
		return Document{}, fmt.Errorf("%w: no storage configured", ErrCollaboratorUnavailable)
	}
	if len(p.Content) == 0 {
		return Document{}, fmt.Errorf("%w: empty document", ErrInvalidInput)
	}
	attach := AttachDocumentParams{
		CaseID:         p.CaseID,
		Type:           p.Type,
		Name:           p.Name,
		UploaderRef:    p.UploaderRef,
		Party:          p.Party,
		Locator:        "pending",
		IdempotencyKey: p.IdempotencyKey,
	}
	if err := validateAttach(attach); err != nil {
		return Document{}, err
	}

	// A replayed upload must not store the content twice.
	if rec, ok, err := s.lookupIdempotency(ctx, p.IdempotencyKey); err != nil {
		return Document{}, err
	} else if ok {
		_, d, err := s.replay(rec, OpAttachDocument, p.CaseID)
		if err != nil {
			return Document{}, err
		}
		if d == nil {
			return Document{}, fmt.Errorf("%w: key %s holds no document", ErrIdempotencyKeyReused, p.IdempotencyKey)
		}
		return *d, nil
	}

	c, err := s.GetCase(ctx, p.CaseID)
	if err != nil {
		return Document{}, err
	}
	if c.Status.Terminal() {
		return Document{}, fmt.Errorf("%w: case %s is %s", ErrCaseTerminal, c.ID, c.Status)
	}

	putCtx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	locator, err := s.blobs.Put(putCtx, p.Content)
	cancel()
	if err != nil {
		return Document{}, fmt.Errorf("%w: store evidence for case %s: %v", ErrCollaboratorUnavailable, p.CaseID, err)
	}

	attach.Locator = locator
	doc, err = s.AttachDocument(ctx, attach)
	if err != nil {
		s.log.Warn("dispute: stored evidence not attached",
			zap.String("case_id", p.CaseID),
			zap.String("locator", locator),
			zap.Error(err))
		return Document{}, err
	}
	return doc, nil
}

// RequestAdditionalInfo asks the customer for documents. Repeating it while
// the case already waits for information changes nothing.
func (s *Service) RequestAdditionalInfo(ctx context.Context, p RequestInfoParams) (c Case, err error) {
	ctx, end := s.begin(ctx, string(OpRequestInfo), p.CaseID)
	defer func() { end(err) }()

	if strings.TrimSpace(p.CaseID) == "" {
		return Case{}, fmt.Errorf("%w: missing case id", ErrInvalidInput)
	}
	if strings.TrimSpace(p.ActorRef) == "" {
		return Case{}, fmt.Errorf("%w: request info", ErrMissingAuditFields)
	}
	required, err := normalizeTypes(p.RequiredTypes)
	if err != nil {
		return Case{}, err
	}

	c, _, err = s.mutate(ctx, mutation{
		op:     OpRequestInfo,
		caseID: p.CaseID,
		key:    p.IdempotencyKey,
		apply: func(c *Case, now time.Time) (bool, *Document, error) {
			t, err := ValidateTransition(c.Status, EventRequestInfo, c.Evidence())
			if err != nil {
				return false, nil, err
			}
			if t.NoOp {
				return false, nil, nil
			}
			ev := s.appendEvent(c, TimelineEvent{
				Kind:              EventInfoRequested,
				Title:             "Additional information requested",
				Description:       p.Message,
				Party:             PartyOperator,
				ActorRef:          p.ActorRef,
				FromStatus:        t.From,
				ToStatus:          t.To,
				RequiredDocuments: required,
			}, now)
			c.PendingInfo = &InfoRequest{
				RequiredTypes:   append([]DocumentType(nil), required...),
				ReturnTo:        t.From,
				Message:         p.Message,
				RequestedBy:     p.ActorRef,
				RequestedAt:     ev.At,
				DocumentsBefore: len(c.Documents),
			}
			c.Status = t.To
			return true, nil, nil
		},
	})
	return c, err
}

// normalizeTypes validates and de-duplicates requested document types,
// keeping their order.
func normalizeTypes(types []DocumentType) ([]DocumentType, error) {
	seen := make(map[DocumentType]bool, len(types))
	out := make([]DocumentType, 0, len(types))
	for _, t := range types {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: document type %q", ErrInvalidInput, t)
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// ForwardToBank hands an operator-stage case to the issuing bank.
func (s *Service) ForwardToBank(ctx context.Context, p ForwardParams) (c Case, err error) {
	ctx, end := s.begin(ctx, string(OpForwardToBank), p.CaseID)
	defer func() { end(err) }()

	if strings.TrimSpace(p.CaseID) == "" {
		return Case{}, fmt.Errorf("%w: missing case id", ErrInvalidInput)
	}
	if strings.TrimSpace(p.ActorRef) == "" {
		return Case{}, fmt.Errorf("%w: forward to bank", ErrMissingAuditFields)
	}

	c, _, err = s.mutate(ctx, mutation{
		op:     OpForwardToBank,
		caseID: p.CaseID,
		key:    p.IdempotencyKey,
		apply: func(c *Case, now time.Time) (bool, *Document, error) {
			t, err := ValidateTransition(c.Status, EventForwardToBank, c.Evidence())
			if err != nil {
				return false, nil, err
			}
			stage, err := StageFor(t.To, c.Channel)
			if err != nil {
				return false, nil, err
			}
			desc := stage.Label
			if p.Notes != "" {
				desc += ": " + p.Notes
			}
			s.appendEvent(c, TimelineEvent{
				Kind:        EventStatusChanged,
				Title:       "Forwarded to bank",
				Description: desc,
				Party:       PartyOperator,
				ActorRef:    p.ActorRef,
				FromStatus:  t.From,
				ToStatus:    t.To,
			}, now)
			c.Status = t.To
			return true, nil, nil
		},
	})
	return c, err
}

// ChangeStatus approves or rejects a case. Approval triggers the refund
// after commit. A second decision on a finalized case fails with
// ErrAlreadyFinalized unless it replays the first one's idempotency key.
func (s *Service) ChangeStatus(ctx context.Context, p ChangeStatusParams) (c Case, err error) {
	ctx, end := s.begin(ctx, string(OpChangeStatus), p.CaseID)
	defer func() { end(err) }()

	if strings.TrimSpace(p.CaseID) == "" {
		return Case{}, fmt.Errorf("%w: missing case id", ErrInvalidInput)
	}
	if strings.TrimSpace(p.Notes) == "" || strings.TrimSpace(p.ActorRef) == "" {
		return Case{}, ErrMissingAuditFields
	}
	var event Event
	var kind EventKind
	var title string
	switch p.Target {
	case StatusApproved:
		event, kind, title = EventApprove, EventApproved, "Refund approved"
	case StatusRejected:
		event, kind, title = EventReject, EventRejected, "Dispute rejected"
	default:
		return Case{}, fmt.Errorf("%w: target status %q", ErrInvalidInput, p.Target)
	}
	party := p.Party
	switch party {
	case "":
		party = PartyOperator
	case PartyOperator, PartyBank:
	default:
		return Case{}, fmt.Errorf("%w: party %q cannot decide a case", ErrInvalidInput, party)
	}

	c, _, err = s.mutate(ctx, mutation{
		op:     OpChangeStatus,
		caseID: p.CaseID,
		key:    p.IdempotencyKey,
		apply: func(c *Case, now time.Time) (bool, *Document, error) {
			if c.Status.Terminal() {
				return false, nil, fmt.Errorf("%w: case %s is %s", ErrAlreadyFinalized, c.ID, c.Status)
			}
			t, err := ValidateTransition(c.Status, event, c.Evidence())
			if err != nil {
				return false, nil, err
			}
			ev := s.appendEvent(c, TimelineEvent{
				Kind:        kind,
				Title:       title,
				Description: p.Notes,
				Party:       party,
				ActorRef:    p.ActorRef,
				FromStatus:  t.From,
				ToStatus:    t.To,
			}, now)
			c.Status = t.To
			c.PendingInfo = nil
			c.Resolution = &Resolution{
				Outcome:    t.To,
				Notes:      p.Notes,
				ResolvedBy: p.ActorRef,
				ResolvedAt: ev.At,
			}
			return true, nil, nil
		},
	})
	return c, err
}
