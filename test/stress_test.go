package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chargeflow/caselock"
	"chargeflow/dispute"
	"chargeflow/test/actors"
	"chargeflow/test/chaos"
	"chargeflow/test/infra"
	"chargeflow/test/oracles"
)

var (
	flStress      = flag.Bool("stress", false, "run the dispute stress test")
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "actors of each kind per replica")
	flReplicas    = flag.Int("replicas", 3, "service instances sharing the database")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

// TestDisputeConcurrency runs several service replicas against one
// database. Each replica has its own in-process lock, so cross-replica
// races are settled only by the version check and the unique indexes.
func TestDisputeConcurrency(t *testing.T) {
	if !*flStress {
		t.Skip("pass -stress to run")
	}
	seed := *flSeed
	rand.Seed(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	h, err := infra.NewHarness(ctx, *flDSN)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	defer func() {
		if err := h.Close(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	pool := h.Pool()
	if err := h.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	store := dispute.NewPGStore(pool)
	shared := actors.Pool{
		Transactions: transactions(seed, 8),
		Cases: func(ctx context.Context) ([]dispute.Case, error) {
			return store.List(ctx, dispute.Filter{Limit: 50})
		},
	}

	g, actx := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	log := zap.NewNop()

	for r := 0; r < *flReplicas; r++ {
		svc := dispute.NewService(store, caselock.NewKeyed(), log)
		for i := 0; i < *flConcurrency; i++ {
			g.Go(func() error { return actors.Opener(actx, svc, shared, stop) })
			g.Go(func() error { return actors.Operator(actx, svc, shared, stop) })
			g.Go(func() error { return actors.Customer(actx, svc, shared, stop) })
			g.Go(func() error { return actors.Decider(actx, svc, shared, stop) })
		}
		g.Go(func() error { return actors.Reader(actx, svc, stop) })
	}
	go chaos.TerminateRandomBackend(actx, pool, infra.ApplicationName, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-actx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(actx, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Logf("oracle error (retrying next tick): %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, actx, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}

	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		t.Fatalf("final oracle run: %v", err)
	}
	if name != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("Oracle %s failed after run. First row: %s (seed=%d)", name, row, seed)
	}
}

func transactions(seed int64, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("TXN-%d-%d", seed, i)
	}
	return out
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"dispute_cases", `SELECT id, transaction_ref, status, version, updated_at FROM dispute_cases ORDER BY updated_at DESC LIMIT 50`},
		{"dispute_timeline_events", `SELECT case_id, seq, kind, from_status, to_status, occurred_at FROM dispute_timeline_events ORDER BY occurred_at DESC LIMIT 50`},
		{"dispute_idempotency", `SELECT key, case_id, operation, created_at FROM dispute_idempotency ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
