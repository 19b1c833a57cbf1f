package dispute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// TestPGStore_Integration runs the service against a real PostgreSQL via
// DATABASE_URL with migrations/001_disputes.sql applied.
func TestPGStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('public.dispute_cases') IS NOT NULL`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; apply migrations/001_disputes.sql")
	}

	store := NewPGStore(pool)
	svc := NewService(store, nil, nil)
	suffix := time.Now().UnixNano()

	p := atmCase()
	p.TransactionRef = fmt.Sprintf("T-%d", suffix)
	p.IdempotencyKey = fmt.Sprintf("create-%d", suffix)
	p.AdditionalInfo = map[string]string{"atm_id": "IST-0042"}
	c, err := svc.CreateCase(ctx, p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	replayed, err := svc.CreateCase(ctx, p)
	if err != nil || replayed.ID != c.ID {
		t.Fatalf("expected replay of %s, got %s %v", c.ID, replayed.ID, err)
	}
	dup := p
	dup.IdempotencyKey = ""
	if _, err := svc.CreateCase(ctx, dup); !errors.Is(err, ErrDuplicateTransaction) {
		t.Fatalf("expected ErrDuplicateTransaction, got %v", err)
	}

	if _, err := svc.RequestAdditionalInfo(ctx, RequestInfoParams{
		CaseID: c.ID, ActorRef: "OP1", RequiredTypes: []DocumentType{DocumentReceipt},
	}); err != nil {
		t.Fatalf("request info: %v", err)
	}
	if _, err := svc.AttachDocument(ctx, AttachDocumentParams{
		CaseID: c.ID, Type: DocumentReceipt, Name: "receipt.pdf", UploaderRef: "C1", Locator: "evidence://it",
	}); err != nil {
		t.Fatalf("attach: %v", err)
	}

	var g errgroup.Group
	results := make([]error, 2)
	for i, target := range []Status{StatusApproved, StatusRejected} {
		i, target := i, target
		g.Go(func() error {
			_, results[i] = svc.ChangeStatus(ctx, ChangeStatusParams{CaseID: c.ID, Target: target, Notes: "decided", ActorRef: "OP1"})
			return nil
		})
	}
	_ = g.Wait()
	finalized := 0
	for _, err := range results {
		if errors.Is(err, ErrAlreadyFinalized) {
			finalized++
		} else if err != nil {
			t.Fatalf("unexpected decision error: %v", err)
		}
	}
	if finalized != 1 {
		t.Fatalf("expected one ErrAlreadyFinalized, got %d", finalized)
	}

	got, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Timeline) != 4 || got.Version != 4 || len(got.Documents) != 1 {
		t.Fatalf("unexpected stored case: %d events v%d %d docs", len(got.Timeline), got.Version, len(got.Documents))
	}
	if got.AdditionalInfo["atm_id"] != "IST-0042" || got.Resolution == nil {
		t.Fatalf("json columns lost: %+v", got)
	}
	last, _ := got.LastEvent()
	if last.ToStatus != got.Status {
		t.Fatalf("status %s disagrees with last event %s", got.Status, last.ToStatus)
	}

	stale := got.Clone()
	stale.Version = got.Version + 1
	if err := store.Update(ctx, Commit{Case: stale, ExpectedVersion: got.Version - 1}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	listed, err := store.List(ctx, Filter{View: ViewCompleted, CustomerRef: "C1", Limit: 5})
	if err != nil || len(listed) == 0 {
		t.Fatalf("list completed: %d %v", len(listed), err)
	}
	for _, lc := range listed {
		if !lc.Status.Terminal() {
			t.Fatalf("completed view returned %s", lc.Status)
		}
	}

	if _, err := pool.Exec(ctx, `UPDATE dispute_timeline_events SET title = 'x' WHERE case_id = $1`, c.ID); err == nil {
		t.Fatalf("timeline rows must be append-only")
	}
}
