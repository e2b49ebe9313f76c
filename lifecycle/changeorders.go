package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"garageflow/auth"
	"garageflow/changeorder"
	"garageflow/job"
	"garageflow/notification"
	"garageflow/payment"
)

type RequestChangeOrderParams struct {
	JobID       string
	Amount      int64
	Description string
}

// RequestChangeOrder asks the customer to approve extra work on an
// in-progress job whose payment is still in escrow.
func (o *Orchestrator) RequestChangeOrder(ctx context.Context, actor auth.Principal, params RequestChangeOrderParams) (changeorder.ChangeOrder, error) {
	if params.Amount <= 0 {
		return changeorder.ChangeOrder{}, invalid("amount", "must be positive")
	}
	params.Description = strings.TrimSpace(params.Description)
	if params.Description == "" {
		return changeorder.ChangeOrder{}, invalid("description", "required")
	}

	var created changeorder.ChangeOrder
	err := o.inTx(ctx, "request_change_order", func(tx pgx.Tx) error {
		j, err := o.lockJob(ctx, tx, params.JobID)
		if err != nil {
			return err
		}
		if !j.HasMechanic(actor.UserID) {
			return ErrForbidden
		}
		if j.Status != job.StatusInProgress {
			return refuse("request_change_order", j)
		}
		p, err := o.payments.GetByJob(ctx, tx, j.ID)
		if err != nil {
			return err
		}
		if p.Status != payment.StatusEscrow {
			return fmt.Errorf("%w: change order needs escrow, payment is %s", payment.ErrInvalidState, p.Status)
		}

		now := o.now().UTC()
		created, err = o.stores.ChangeOrders.Create(ctx, tx, changeorder.ChangeOrder{
			ID:          o.idGenerator(),
			JobID:       j.ID,
			RequestedBy: actor.UserID,
			Amount:      params.Amount,
			Description: params.Description,
			CreatedAt:   now,
			ExpiresAt:   now.Add(o.cfg.ChangeOrderTTL),
		})
		if err != nil {
			return err
		}
		return o.notify(ctx, tx, j.ID, j.CustomerID, notification.ChangeOrderCreated, map[string]any{
			"change_order_id": created.ID,
			"amount":          created.Amount,
			"expires_at":      created.ExpiresAt,
		})
	})
	if err != nil {
		return changeorder.ChangeOrder{}, err
	}
	return created, nil
}

// ApproveChangeOrder adds the amount to the job and tops up escrow.
func (o *Orchestrator) ApproveChangeOrder(ctx context.Context, actor auth.Principal, changeOrderID string) (changeorder.ChangeOrder, error) {
	return o.respondChangeOrder(ctx, actor, "approve_change_order", changeOrderID, changeorder.StatusApproved)
}

func (o *Orchestrator) RejectChangeOrder(ctx context.Context, actor auth.Principal, changeOrderID string) (changeorder.ChangeOrder, error) {
	return o.respondChangeOrder(ctx, actor, "reject_change_order", changeOrderID, changeorder.StatusRejected)
}

func (o *Orchestrator) CancelChangeOrder(ctx context.Context, actor auth.Principal, changeOrderID string) (changeorder.ChangeOrder, error) {
	return o.respondChangeOrder(ctx, actor, "cancel_change_order", changeOrderID, changeorder.StatusCancelled)
}

func (o *Orchestrator) respondChangeOrder(ctx context.Context, actor auth.Principal, command, id string, to changeorder.Status) (changeorder.ChangeOrder, error) {
	var out changeorder.ChangeOrder
	err := o.inTx(ctx, command, func(tx pgx.Tx) error {
		co, err := o.stores.ChangeOrders.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		j, err := o.lockJob(ctx, tx, co.JobID)
		if err != nil {
			return err
		}
		co, err = o.stores.ChangeOrders.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		if to == changeorder.StatusCancelled {
			if co.RequestedBy != actor.UserID {
				return ErrForbidden
			}
		} else if j.CustomerID != actor.UserID {
			return ErrForbidden
		}
		if j.Status != job.StatusInProgress {
			return refuse(command, j)
		}
		now := o.now().UTC()
		if co.Status != changeorder.StatusPending || !now.Before(co.ExpiresAt) {
			return changeorder.ErrNotPending
		}

		out, err = o.stores.ChangeOrders.Respond(ctx, tx, co.ID, to, now)
		if err != nil {
			return err
		}
		payload := func() map[string]any {
			return map[string]any{"change_order_id": out.ID, "amount": out.Amount}
		}

		switch to {
		case changeorder.StatusApproved:
			if _, err := o.stores.Jobs.AddAdditionalWork(ctx, tx, j.ID, out.Amount); err != nil {
				return err
			}
			p, err := o.payments.TopUp(ctx, tx, j.ID, out.Amount)
			if err != nil {
				return err
			}
			if err := o.notify(ctx, tx, j.ID, out.RequestedBy, notification.ChangeOrderApproved, payload()); err != nil {
				return err
			}
			received := payload()
			received["payment_id"] = p.ID
			received["escrow_total"] = p.Amount
			return o.notify(ctx, tx, j.ID, out.RequestedBy, notification.ChangeOrderPaymentReceived, received)
		case changeorder.StatusRejected:
			return o.notify(ctx, tx, j.ID, out.RequestedBy, notification.ChangeOrderRejected, payload())
		default:
			return o.notify(ctx, tx, j.ID, j.CustomerID, notification.ChangeOrderCancelled, payload())
		}
	})
	if err != nil {
		return changeorder.ChangeOrder{}, err
	}
	return out, nil
}

// expireChangeOrders closes pending change orders when the job leaves
// in_progress.
func (o *Orchestrator) expireChangeOrders(ctx context.Context, tx pgx.Tx, j job.Job) error {
	if j.Status != job.StatusInProgress {
		return nil
	}
	expired, err := o.stores.ChangeOrders.ExpirePendingForJob(ctx, tx, j.ID, o.now().UTC())
	if err != nil {
		return err
	}
	for _, co := range expired {
		if err := o.notifyChangeOrderExpired(ctx, tx, j, co); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) notifyChangeOrderExpired(ctx context.Context, tx pgx.Tx, j job.Job, co changeorder.ChangeOrder) error {
	for _, recipient := range []string{j.CustomerID, co.RequestedBy} {
		if err := o.notify(ctx, tx, j.ID, recipient, notification.ChangeOrderExpired, map[string]any{
			"change_order_id": co.ID,
			"amount":          co.Amount,
		}); err != nil {
			return err
		}
	}
	return nil
}
