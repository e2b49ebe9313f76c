package lifecycle

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"garageflow/auth"
	"garageflow/bid"
	"garageflow/job"
	"garageflow/notification"
	"garageflow/payment"
)

type PlaceBidParams struct {
	JobID             string
	Price             int64
	EstimatedDuration int
	Message           string
}

func (o *Orchestrator) PlaceBid(ctx context.Context, actor auth.Principal, params PlaceBidParams) (bid.Bid, error) {
	if err := requireRole(actor, auth.RoleMechanic); err != nil {
		return bid.Bid{}, err
	}
	if params.Price <= 0 {
		return bid.Bid{}, invalid("price", "must be positive")
	}
	if params.EstimatedDuration < 0 {
		return bid.Bid{}, invalid("estimated_duration", "must not be negative")
	}

	var placed bid.Bid
	err := o.inTx(ctx, "place_bid", func(tx pgx.Tx) error {
		j, err := o.lockJob(ctx, tx, params.JobID)
		if err != nil {
			return err
		}
		if !j.Status.Biddable() {
			return refuse("place_bid", j)
		}

		placed, err = o.stores.Bids.Place(ctx, tx, bid.Bid{
			ID:                o.idGenerator(),
			JobID:             j.ID,
			MechanicID:        actor.UserID,
			Price:             params.Price,
			EstimatedDuration: params.EstimatedDuration,
			Message:           strings.TrimSpace(params.Message),
			CreatedAt:         o.now().UTC(),
		})
		if err != nil {
			return err
		}

		if j.Status == job.StatusPosted {
			if _, err := o.move(ctx, tx, "place_bid", j, job.StatusUpdate{To: job.StatusBidding}); err != nil {
				return err
			}
		}

		return o.notify(ctx, tx, j.ID, j.CustomerID, notification.NewBidPlaced, map[string]any{
			"bid_id":      placed.ID,
			"mechanic_id": placed.MechanicID,
			"price":       placed.Price,
		})
	})
	if err != nil {
		return bid.Bid{}, err
	}
	return placed, nil
}

func (o *Orchestrator) WithdrawBid(ctx context.Context, actor auth.Principal, bidID string) (bid.Bid, error) {
	var withdrawn bid.Bid
	err := o.inTx(ctx, "withdraw_bid", func(tx pgx.Tx) error {
		b, err := o.stores.Bids.Get(ctx, tx, bidID)
		if err != nil {
			return err
		}
		if b.MechanicID != actor.UserID {
			return ErrForbidden
		}
		// Lock the job before touching the bid so withdraw serialises with
		// AcceptBid.
		if _, err := o.lockJob(ctx, tx, b.JobID); err != nil {
			return err
		}
		b, err = o.stores.Bids.GetForUpdate(ctx, tx, b.ID)
		if err != nil {
			return err
		}
		if b.Status != bid.StatusPending {
			return bid.ErrInvalidState
		}
		withdrawn, err = o.stores.Bids.Withdraw(ctx, tx, b.ID, o.now().UTC())
		return err
	})
	if err != nil {
		return bid.Bid{}, err
	}
	return withdrawn, nil
}

type AcceptResult struct {
	Job     job.Job
	Bid     bid.Bid
	Payment payment.Payment
}

// AcceptBid assigns the mechanic, rejects the other bids and funds escrow.
// Of two concurrent acceptances for the same job exactly one succeeds; the
// other gets a TransitionError wrapping ErrConflict.
func (o *Orchestrator) AcceptBid(ctx context.Context, actor auth.Principal, jobID, bidID string) (AcceptResult, error) {
	var res AcceptResult
	err := o.inTx(ctx, "accept_bid", func(tx pgx.Tx) error {
		j, err := o.lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if j.CustomerID != actor.UserID {
			return ErrForbidden
		}
		if j.Status == job.StatusAccepted {
			return &TransitionError{Command: "accept_bid", Job: j, Err: ErrConflict}
		}
		if j.Status != job.StatusBidding {
			return refuse("accept_bid", j)
		}

		now := o.now().UTC()
		accepted, err := o.stores.Bids.Accept(ctx, tx, j.ID, bidID, now)
		if err != nil {
			if errors.Is(err, bid.ErrConflict) {
				return &TransitionError{Command: "accept_bid", Job: j, Err: ErrConflict}
			}
			return err
		}

		updated, err := o.move(ctx, tx, "accept_bid", j, job.StatusUpdate{
			To:         job.StatusAccepted,
			MechanicID: &accepted.MechanicID,
		})
		if err != nil {
			return err
		}

		p, err := o.fundEscrow(ctx, tx, updated, accepted)
		if err != nil {
			return err
		}

		if err := o.notify(ctx, tx, j.ID, accepted.MechanicID, notification.BidAccepted, map[string]any{
			"bid_id": accepted.ID,
			"price":  accepted.Price,
		}); err != nil {
			return err
		}
		if err := o.notify(ctx, tx, j.ID, j.CustomerID, notification.BidAcceptedConfirmation, map[string]any{
			"bid_id":      accepted.ID,
			"mechanic_id": accepted.MechanicID,
			"payment_id":  p.ID,
			"amount":      p.Amount,
		}); err != nil {
			return err
		}

		res = AcceptResult{Job: updated, Bid: accepted, Payment: p}
		return nil
	})
	if err != nil {
		return AcceptResult{}, err
	}
	o.logger("accept_bid", res.Job.ID).WithField("bid_id", res.Bid.ID).Info("bid accepted")
	return res, nil
}

// fundEscrow creates the escrow for the accepted price, or reprices the
// escrow captured at posting time.
func (o *Orchestrator) fundEscrow(ctx context.Context, tx pgx.Tx, j job.Job, accepted bid.Bid) (payment.Payment, error) {
	if o.cfg.EscrowPolicy == payment.PolicyJobCreation {
		p, err := o.payments.Reprice(ctx, tx, j.ID, accepted.Price, accepted.MechanicID)
		if !errors.Is(err, payment.ErrNotFound) {
			return p, err
		}
	}
	return o.payments.CreateEscrow(ctx, tx, payment.EscrowParams{
		JobID:      j.ID,
		CustomerID: j.CustomerID,
		MechanicID: &accepted.MechanicID,
		Amount:     accepted.Price,
	})
}

// ListBids returns every bid to the customer and support, and only their
// own bids to a mechanic.
func (o *Orchestrator) ListBids(ctx context.Context, actor auth.Principal, jobID string) ([]bid.Bid, error) {
	var out []bid.Bid
	err := o.read(ctx, func(tx pgx.Tx) error {
		j, err := o.stores.Jobs.Get(ctx, tx, jobID)
		if err != nil {
			return err
		}
		all, err := o.stores.Bids.ListForJob(ctx, tx, j.ID)
		if err != nil {
			return err
		}
		switch {
		case actor.Role == auth.RoleSupport || j.CustomerID == actor.UserID:
			out = all
		case actor.Role == auth.RoleMechanic:
			for _, b := range all {
				if b.MechanicID == actor.UserID {
					out = append(out, b)
				}
			}
		default:
			return ErrForbidden
		}
		return nil
	})
	return out, err
}
