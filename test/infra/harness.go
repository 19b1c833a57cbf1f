package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the database behind a stress run: a reused DSN, a
// testcontainers Postgres or a local server, in that order of preference.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
}

// NewHarness provisions the database and applies migrations. A non-empty
// dsn (or STRESS_TEST_PG_DSN) is reused inside an isolated schema.
func NewHarness(ctx context.Context, dsn string) (*Harness, error) {
	if dsn == "" {
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
	}
	shared := dsn != ""

	h := &Harness{}
	if !shared {
		var err error
		if DockerAvailable(ctx) {
			h.container, dsn, err = StartPostgres(ctx)
		} else {
			dsn, err = InitLocalDatabase(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("infra: provision postgres: %w", err)
		}
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = h.container.Terminate(ctx)
		return nil, err
	}
	h.pool = pool
	h.teardown = teardown
	return h, nil
}

func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// Reset empties the dispute tables between epochs. TRUNCATE bypasses the
// timeline's row-level append-only trigger.
func (h *Harness) Reset(ctx context.Context) error {
	_, err := h.pool.Exec(ctx, `TRUNCATE TABLE dispute_idempotency, dispute_timeline_events, dispute_documents, dispute_cases`)
	if err != nil {
		return fmt.Errorf("infra: reset: %w", err)
	}
	return nil
}

// Close releases the pool, drops an isolated schema and stops the container.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if cerr := h.container.Terminate(ctx); err == nil {
		err = cerr
	}
	return err
}
