// Package oracles holds SQL checks that must return no rows at any point of
// a stress run.
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
			Name: "O1_one_accepted_bid",
			SQL: `SELECT job_id, COUNT(*) FROM bids WHERE status = 'accepted'
                  GROUP BY job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_mechanic_is_accepted_bidder",
			SQL: `SELECT j.id, j.mechanic_id, b.mechanic_id FROM jobs j
                  JOIN bids b ON b.job_id = j.id AND b.status = 'accepted'
                  WHERE j.mechanic_id IS NOT NULL AND j.mechanic_id <> b.mechanic_id`,
		},
		{
			Name: "O3_assigned_job_has_escrow",
			SQL: `SELECT j.id, j.status FROM jobs j
                  LEFT JOIN payments p ON p.job_id = j.id
                  WHERE j.status IN ('accepted','scheduled','in_progress','completed','paid')
                    AND p.id IS NULL`,
		},
		{
			Name: "O4_paid_job_settled",
			SQL: `SELECT j.id, p.status FROM jobs j JOIN payments p ON p.job_id = j.id
                  WHERE (j.status = 'paid' AND p.status <> 'completed')
                     OR (p.status = 'completed' AND j.status NOT IN ('paid','disputed'))`,
		},
		{
			Name: "O5_cancelled_job_refunded",
			SQL: `SELECT j.id, p.status FROM jobs j JOIN payments p ON p.job_id = j.id
                  WHERE j.status = 'cancelled' AND p.status <> 'refunded'`,
		},
		{
			Name: "O6_settlement_has_transfer",
			SQL: `SELECT p.id, p.status FROM payments p
                  WHERE (p.status = 'completed' AND NOT EXISTS (
                          SELECT 1 FROM payment_transfers t WHERE t.payment_id = p.id AND t.kind = 'release'))
                     OR (p.status = 'refunded' AND NOT EXISTS (
                          SELECT 1 FROM payment_transfers t WHERE t.payment_id = p.id AND t.kind = 'refund'))`,
		},
		{
			Name: "O7_never_paid_twice",
			SQL: `SELECT payment_id, COUNT(DISTINCT kind) FROM payment_transfers
                  GROUP BY payment_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_one_live_proposal",
			SQL: `SELECT job_id, status, COUNT(*) FROM schedule_proposals
                  WHERE status IN ('proposed','confirmed')
                  GROUP BY job_id, status HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_stale_outbox",
			SQL: `SELECT id, type FROM notification_events
                  WHERE delivered_at IS NULL AND dead_at IS NULL
                    AND now() - created_at > interval '5 minutes'`,
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
		has := rows.Next()
		if has {
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
