package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns queries that must come back empty on a healthy database.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_open_case_per_transaction",
			SQL: `SELECT transaction_ref, COUNT(*) FROM dispute_cases
                  WHERE status NOT IN ('approved','rejected')
                  GROUP BY transaction_ref HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_timeline_seq_contiguous",
			SQL: `SELECT case_id, MIN(seq), MAX(seq), COUNT(*) FROM dispute_timeline_events
                  GROUP BY case_id HAVING MIN(seq) <> 1 OR MAX(seq) <> COUNT(*)`,
		},
		{
			Name: "O3_timeline_time_monotonic",
			SQL: `WITH ordered AS (
                      SELECT case_id, seq, occurred_at,
                             LAG(occurred_at) OVER (PARTITION BY case_id ORDER BY seq) AS prev
                      FROM dispute_timeline_events)
                  SELECT * FROM ordered WHERE prev IS NOT NULL AND occurred_at < prev`,
		},
		{
			Name: "O4_single_terminal_event",
			SQL: `SELECT case_id, COUNT(*) FROM dispute_timeline_events
                  WHERE kind IN ('approved','rejected')
                  GROUP BY case_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_status_matches_last_event",
			SQL: `SELECT c.id, c.status, e.to_status FROM dispute_cases c
                  JOIN LATERAL (
                      SELECT to_status FROM dispute_timeline_events
                      WHERE case_id = c.id ORDER BY seq DESC LIMIT 1) e ON true
                  WHERE e.to_status <> c.status`,
		},
		{
			Name: "O6_version_counts_commits",
			SQL: `SELECT c.id, c.version, COUNT(e.id) FROM dispute_cases c
                  LEFT JOIN dispute_timeline_events e ON e.case_id = c.id
                  GROUP BY c.id, c.version HAVING c.version <> COUNT(e.id)`,
		},
		{
			Name: "O7_terminal_has_resolution",
			SQL: `SELECT id FROM dispute_cases
                  WHERE (status IN ('approved','rejected')) <> (resolution IS NOT NULL)`,
		},
		{
			Name: "O8_timeline_append_only_guard",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'dispute_timeline_append_only')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
