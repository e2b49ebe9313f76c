package lifecycle

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// ExpireStaleProposals expires schedule proposals left unanswered for longer
// than the proposal TTL. The job status is not touched.
func (o *Orchestrator) ExpireStaleProposals(ctx context.Context) (int, error) {
	var n int
	err := o.inTx(ctx, "expire_proposals", func(tx pgx.Tx) error {
		now := o.now().UTC()
		expired, err := o.stores.Schedules.ExpireStale(ctx, tx, now.Add(-o.cfg.ProposalTTL), now)
		if err != nil {
			return err
		}
		for _, p := range expired {
			o.logger("expire_proposals", p.JobID).WithField("proposal_id", p.ID).Info("schedule proposal expired")
		}
		n = len(expired)
		return nil
	})
	return n, err
}

// ExpireChangeOrders expires pending change orders past their deadline and
// tells both parties.
func (o *Orchestrator) ExpireChangeOrders(ctx context.Context) (int, error) {
	var n int
	err := o.inTx(ctx, "expire_change_orders", func(tx pgx.Tx) error {
		expired, err := o.stores.ChangeOrders.ExpireStale(ctx, tx, o.now().UTC())
		if err != nil {
			return err
		}
		for _, co := range expired {
			j, err := o.stores.Jobs.Get(ctx, tx, co.JobID)
			if err != nil {
				return err
			}
			if err := o.notifyChangeOrderExpired(ctx, tx, j, co); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	return n, err
}

// RunSweeper runs both expiry sweeps every interval until ctx is done.
// Sweep failures are logged and retried on the next tick.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := o.ExpireStaleProposals(ctx); err != nil && ctx.Err() == nil {
			o.log.WithError(err).Warn("proposal expiry sweep failed")
		}
		if _, err := o.ExpireChangeOrders(ctx); err != nil && ctx.Err() == nil {
			o.log.WithError(err).Warn("change order expiry sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
