// Package oracles holds the settlement invariants checked against the
// database while the stress actors run. Each query returns offending rows.
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

func All() []Oracle {
	return []Oracle{
		{
			Name: "single_open_dispute_per_milestone",
			SQL: `SELECT milestone_id, COUNT(*) FROM disputes
                  WHERE status IN ('PENDING','MEDIATION')
                  GROUP BY milestone_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "terminal_dispute_has_settlement",
			SQL: `SELECT id, status FROM disputes
                  WHERE status IN ('RESOLVED','APPROVED','REJECTED')
                    AND (resolution_tx_hash IS NULL OR resolved_by IS NULL OR resolved_at IS NULL
                         OR resolution IS DISTINCT FROM status OR resolving_token IS NOT NULL)`,
		},
		{
			Name: "resolved_by_assigned_mediator",
			SQL: `SELECT d.id, d.resolved_by, a.mediator_id FROM disputes d
                  LEFT JOIN mediator_assignments a ON a.dispute_id = d.id
                  WHERE d.status IN ('RESOLVED','APPROVED','REJECTED')
                    AND d.resolved_by IS DISTINCT FROM a.mediator_id`,
		},
		{
			Name: "split_within_milestone_amount",
			SQL: `SELECT d.id, d.approver_amount, d.receiver_amount, m.amount FROM disputes d
                  JOIN milestones m ON m.id = d.milestone_id
                  WHERE d.status IN ('RESOLVED','APPROVED','REJECTED')
                    AND (d.approver_amount + d.receiver_amount > m.amount
                         OR d.approver_amount + d.receiver_amount <= 0)`,
		},
		{
			Name: "mediation_has_assignment",
			SQL: `SELECT d.id FROM disputes d
                  WHERE d.status = 'MEDIATION'
                    AND NOT EXISTS (SELECT 1 FROM mediator_assignments a WHERE a.dispute_id = d.id)`,
		},
		{
			Name: "disputed_milestone_matches_open_dispute",
			SQL: `SELECT m.id, m.status FROM milestones m
                  WHERE (m.status = 'disputed') <> EXISTS (
                      SELECT 1 FROM disputes d
                      WHERE d.milestone_id = m.id AND d.status IN ('PENDING','MEDIATION'))`,
		},
		{
			Name: "milestone_outcome_matches_latest_resolution",
			SQL: `WITH latest AS (
                      SELECT DISTINCT ON (milestone_id) milestone_id, status
                      FROM disputes
                      ORDER BY milestone_id, created_at DESC, id)
                  SELECT m.id, m.status, l.status FROM milestones m
                  JOIN latest l ON l.milestone_id = m.id
                  WHERE (l.status = 'REJECTED' AND m.status <> 'rejected')
                     OR (l.status IN ('APPROVED','RESOLVED') AND m.status NOT IN ('completed','disputed'))`,
		},
		{
			Name: "stale_outbox",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "terminal_guard_installed",
			SQL: `SELECT 'missing_terminal_guard' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'disputes_guard_terminal')`,
		},
	}
}

// Run executes every oracle and returns the first failing name with a
// sample row, or an empty name when all hold.
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
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
