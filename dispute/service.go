package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chargeflow/caselock"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultOperationTimeout = 10 * time.Second
	defaultStorageTimeout   = 5 * time.Second
)

// Service is the public facade over the case store, the state machine and
// the post-commit hooks. Mutations on one case are serialized; reads never
// take the lock.
type Service struct {
	store   CaseStore
	locker  Locker
	blobs   BlobStore
	hooks   *Dispatcher
	metrics *Metrics
	log     *zap.Logger
	tracer  trace.Tracer

	idGenerator func() string
	now         func() time.Time

	operationTimeout time.Duration
	storageTimeout   time.Duration
}

func NewService(store CaseStore, locker Locker, log *zap.Logger) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	if locker == nil {
		locker = caselock.NewKeyed()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:            store,
		locker:           locker,
		log:              log,
		tracer:           otel.Tracer("chargeflow/dispute"),
		idGenerator:      func() string { return uuid.NewString() },
		now:              time.Now,
		operationTimeout: defaultOperationTimeout,
		storageTimeout:   defaultStorageTimeout,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithBlobStore(blobs BlobStore) *Service {
	s.blobs = blobs
	return s
}

func (s *Service) WithDispatcher(d *Dispatcher) *Service {
	s.hooks = d
	return s
}

func (s *Service) WithMetrics(m *Metrics) *Service {
	s.metrics = m
	return s
}

// WithTimeouts bounds whole operations and individual storage calls.
// Zero keeps the current value.
func (s *Service) WithTimeouts(operation, storage time.Duration) *Service {
	if operation > 0 {
		s.operationTimeout = operation
	}
	if storage > 0 {
		s.storageTimeout = storage
	}
	return s
}

func (s *Service) GetCase(ctx context.Context, id string) (c Case, err error) {
	ctx, end := s.begin(ctx, "get_case", id)
	defer func() { end(err) }()

	if strings.TrimSpace(id) == "" {
		return Case{}, fmt.Errorf("%w: missing case id", ErrInvalidInput)
	}
	return s.store.Get(ctx, id)
}

func (s *Service) ListCases(ctx context.Context, filter Filter) (cases []Case, err error) {
	ctx, end := s.begin(ctx, "list_cases", "")
	defer func() { end(err) }()

	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return s.store.List(ctx, filter)
}

func (s *Service) ListDocuments(ctx context.Context, caseID string) (docs []Document, err error) {
	c, err := s.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return c.Documents, nil
}

// Stage derives the display stage of a stored case.
func (s *Service) Stage(ctx context.Context, caseID string) (Stage, error) {
	c, err := s.GetCase(ctx, caseID)
	if err != nil {
		return StageUnknown, err
	}
	return DeriveStage(c)
}

// Close waits for outstanding post-commit hooks.
func (s *Service) Close() {
	s.hooks.Close()
}

func (s *Service) begin(ctx context.Context, op string, caseID string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "dispute."+op, trace.WithAttributes(
		attribute.String("dispute.operation", op),
		attribute.String("dispute.case_id", caseID),
	))
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.metrics.observe(op, outcome, time.Since(start))
	}
}

// mutation describes one change to an existing case. apply edits the clone
// in place and reports whether anything changed.
type mutation struct {
	op     Operation
	caseID string
	key    string
	apply  func(c *Case, now time.Time) (changed bool, doc *Document, err error)
}

func (s *Service) mutate(ctx context.Context, m mutation) (Case, *Document, error) {
	if rec, ok, err := s.lookupIdempotency(ctx, m.key); err != nil {
		return Case{}, nil, err
	} else if ok {
		return s.replay(rec, m.op, m.caseID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.operationTimeout)
	defer cancel()

	unlock, err := s.locker.Lock(ctx, "case:"+m.caseID)
	if err != nil {
		return Case{}, nil, fmt.Errorf("%w: lock case %s: %v", ErrCollaboratorUnavailable, m.caseID, err)
	}
	defer unlock()

	// A concurrent retry may have committed while we waited for the lock.
	if rec, ok, err := s.lookupIdempotency(ctx, m.key); err != nil {
		return Case{}, nil, err
	} else if ok {
		return s.replay(rec, m.op, m.caseID)
	}

	current, err := s.store.Get(ctx, m.caseID)
	if err != nil {
		return Case{}, nil, err
	}
	next := current.Clone()
	changed, doc, err := m.apply(&next, s.now())
	if err != nil {
		return Case{}, nil, err
	}
	if !changed {
		return current, nil, nil
	}
	next.Version = current.Version + 1

	commit := Commit{
		Case:            next,
		ExpectedVersion: current.Version,
		Events:          next.Timeline[len(current.Timeline):],
		Document:        doc,
		Idempotency:     s.idempotencyRecord(m.key, m.op, next, doc),
	}
	if err := ctx.Err(); err != nil {
		return Case{}, nil, fmt.Errorf("dispute: abandoned before commit: %w", err)
	}
	if err := s.store.Update(ctx, commit); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return s.replayStored(ctx, m.key, m.op, m.caseID)
		}
		return Case{}, nil, err
	}

	s.committed(ctx, m.op, next, commit.Events)
	return next, doc, nil
}

func (s *Service) committed(ctx context.Context, op Operation, c Case, events []TimelineEvent) {
	s.log.Info("dispute: case committed",
		zap.String("case_id", c.ID),
		zap.String("operation", string(op)),
		zap.String("status", string(c.Status)),
		zap.Int64("version", c.Version),
		zap.Int("events", len(events)))
	s.hooks.Dispatch(ctx, c.Clone(), append([]TimelineEvent(nil), events...))
}

func (s *Service) lookupIdempotency(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	if key == "" {
		return IdempotencyRecord{}, false, nil
	}
	return s.store.Idempotency(ctx, key)
}

// replay returns the stored result of a keyed mutation. caseID is empty for
// creations, which have no case before the first attempt.
func (s *Service) replay(rec IdempotencyRecord, op Operation, caseID string) (Case, *Document, error) {
	if rec.Operation != op || (caseID != "" && rec.CaseID != caseID) {
		return Case{}, nil, fmt.Errorf("%w: key %s", ErrIdempotencyKeyReused, rec.Key)
	}
	s.log.Debug("dispute: idempotent replay",
		zap.String("case_id", rec.CaseID),
		zap.String("operation", string(op)))
	return rec.Case, rec.Document, nil
}

func (s *Service) replayStored(ctx context.Context, key string, op Operation, caseID string) (Case, *Document, error) {
	rec, ok, err := s.store.Idempotency(ctx, key)
	if err != nil {
		return Case{}, nil, err
	}
	if !ok {
		return Case{}, nil, fmt.Errorf("%w: idempotency key %s vanished", ErrVersionConflict, key)
	}
	return s.replay(rec, op, caseID)
}

func (s *Service) idempotencyRecord(key string, op Operation, c Case, doc *Document) *IdempotencyRecord {
	if key == "" {
		return nil
	}
	rec := &IdempotencyRecord{
		Key:       key,
		CaseID:    c.ID,
		Operation: op,
		Case:      c.Clone(),
		CreatedAt: c.UpdatedAt,
	}
	if doc != nil {
		d := *doc
		rec.Document = &d
	}
	return rec
}

// appendEvent stamps ev and appends it to the case timeline. Timestamps
// never go backwards even if the clock does.
func (s *Service) appendEvent(c *Case, ev TimelineEvent, now time.Time) TimelineEvent {
	at := now.UTC()
	if last, ok := c.LastEvent(); ok && at.Before(last.At) {
		at = last.At
	}
	ev.ID = s.idGenerator()
	ev.Seq = len(c.Timeline) + 1
	ev.At = at
	c.Timeline = append(c.Timeline, ev)
	c.UpdatedAt = at
	return ev
}
