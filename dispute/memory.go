package dispute

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process CaseStore. Reads load immutable snapshots
// from sync.Maps and never wait on writers; writes are serialized by a
// single mutex and applied with a version check.
type MemoryStore struct {
	cases     sync.Map // id -> *Case
	idem      sync.Map // key -> *IdempotencyRecord
	openByTxn sync.Map // transaction ref -> case id

	writeMu sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Case, error) {
	if err := ctx.Err(); err != nil {
		return Case{}, err
	}
	v, ok := m.cases.Load(id)
	if !ok {
		return Case{}, fmt.Errorf("%w: case %s", ErrNotFound, id)
	}
	return v.(*Case).Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]Case, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Case, 0, 16)
	m.cases.Range(func(_, v any) bool {
		c := v.(*Case)
		if filter.Match(*c) {
			out = append(out, c.Clone())
		}
		return true
	})
	sortNewestFirst(out)
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) FindOpenByTransaction(ctx context.Context, transactionRef string) (Case, bool, error) {
	if err := ctx.Err(); err != nil {
		return Case{}, false, err
	}
	id, ok := m.openByTxn.Load(transactionRef)
	if !ok {
		return Case{}, false, nil
	}
	c, err := m.Get(ctx, id.(string))
	if err != nil {
		return Case{}, false, err
	}
	return c, true, nil
}

func (m *MemoryStore) Idempotency(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return IdempotencyRecord{}, false, err
	}
	v, ok := m.idem.Load(key)
	if !ok {
		return IdempotencyRecord{}, false, nil
	}
	rec := *v.(*IdempotencyRecord)
	rec.Case = rec.Case.Clone()
	if rec.Document != nil {
		doc := *rec.Document
		rec.Document = &doc
	}
	return rec, true, nil
}

func (m *MemoryStore) Insert(ctx context.Context, commit Commit) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	c := commit.Case
	if _, exists := m.cases.Load(c.ID); exists {
		return fmt.Errorf("%w: case %s already stored", ErrVersionConflict, c.ID)
	}
	if _, open := m.openByTxn.Load(c.TransactionRef); open && !c.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, c.TransactionRef)
	}
	if err := m.checkIdempotency(commit.Idempotency); err != nil {
		return err
	}

	m.apply(commit)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, commit Commit) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	c := commit.Case
	v, ok := m.cases.Load(c.ID)
	if !ok {
		return fmt.Errorf("%w: case %s", ErrNotFound, c.ID)
	}
	if stored := v.(*Case); stored.Version != commit.ExpectedVersion {
		return fmt.Errorf("%w: case %s at version %d, expected %d", ErrVersionConflict, c.ID, stored.Version, commit.ExpectedVersion)
	}
	if err := m.checkIdempotency(commit.Idempotency); err != nil {
		return err
	}

	m.apply(commit)
	return nil
}

func (m *MemoryStore) checkIdempotency(rec *IdempotencyRecord) error {
	if rec == nil {
		return nil
	}
	if _, exists := m.idem.Load(rec.Key); exists {
		return ErrDuplicateIdempotencyKey
	}
	return nil
}

// apply must be called with writeMu held.
func (m *MemoryStore) apply(commit Commit) {
	snapshot := commit.Case.Clone()
	m.cases.Store(snapshot.ID, &snapshot)
	if snapshot.Status.Terminal() {
		m.openByTxn.CompareAndDelete(snapshot.TransactionRef, snapshot.ID)
	} else {
		m.openByTxn.Store(snapshot.TransactionRef, snapshot.ID)
	}
	if commit.Idempotency != nil {
		rec := *commit.Idempotency
		rec.Case = rec.Case.Clone()
		m.idem.Store(rec.Key, &rec)
	}
}
