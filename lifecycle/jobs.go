package lifecycle

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"garageflow/auth"
	"garageflow/job"
	"garageflow/notification"
	"garageflow/payment"
	"garageflow/schedule"
)

type PostJobParams struct {
	Category      string
	Description   string
	VehicleRef    string
	Location      string
	Urgency       job.Urgency
	EstimatedCost int64
}

func (o *Orchestrator) PostJob(ctx context.Context, actor auth.Principal, params PostJobParams) (job.Job, error) {
	if err := requireRole(actor, auth.RoleCustomer); err != nil {
		return job.Job{}, err
	}
	params.Category = strings.TrimSpace(params.Category)
	params.Description = strings.TrimSpace(params.Description)
	if params.Category == "" {
		return job.Job{}, invalid("category", "required")
	}
	if params.Description == "" {
		return job.Job{}, invalid("description", "required")
	}
	if params.Urgency == "" {
		params.Urgency = job.UrgencyMedium
	}
	if !params.Urgency.Valid() {
		return job.Job{}, invalid("urgency", "must be low, medium or high")
	}
	if params.EstimatedCost < 0 {
		return job.Job{}, invalid("estimated_cost", "must not be negative")
	}
	if o.cfg.EscrowPolicy == payment.PolicyJobCreation && params.EstimatedCost == 0 {
		return job.Job{}, invalid("estimated_cost", "required to fund escrow")
	}

	var created job.Job
	err := o.inTx(ctx, "post_job", func(tx pgx.Tx) error {
		var err error
		created, err = o.stores.Jobs.Create(ctx, tx, job.Job{
			ID:            o.idGenerator(),
			CustomerID:    actor.UserID,
			Category:      params.Category,
			Description:   params.Description,
			VehicleRef:    params.VehicleRef,
			Location:      params.Location,
			Urgency:       params.Urgency,
			EstimatedCost: params.EstimatedCost,
			Status:        job.StatusPosted,
			CreatedAt:     o.now().UTC(),
		})
		if err != nil {
			return err
		}

		if o.cfg.EscrowPolicy == payment.PolicyJobCreation {
			if _, err := o.payments.CreateEscrow(ctx, tx, payment.EscrowParams{
				JobID:      created.ID,
				CustomerID: created.CustomerID,
				Amount:     created.EstimatedCost,
			}); err != nil {
				return err
			}
		}

		return o.notify(ctx, tx, created.ID, created.CustomerID, notification.NewJobPosted, map[string]any{
			"category": created.Category,
			"urgency":  created.Urgency,
		})
	})
	if err != nil {
		return job.Job{}, err
	}
	o.logger("post_job", created.ID).Info("job posted")
	return created, nil
}

func (o *Orchestrator) StartJob(ctx context.Context, actor auth.Principal, jobID string) (job.Job, error) {
	var started job.Job
	err := o.inTx(ctx, "start_job", func(tx pgx.Tx) error {
		j, err := o.lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !j.HasMechanic(actor.UserID) {
			return ErrForbidden
		}
		if !job.CanTransition(j.Status, job.StatusInProgress) {
			return refuse("start_job", j)
		}
		appointment, err := o.stores.Schedules.GetConfirmed(ctx, tx, j.ID)
		if err != nil {
			if errors.Is(err, schedule.ErrNotFound) {
				return refuse("start_job", j)
			}
			return err
		}
		started, err = o.move(ctx, tx, "start_job", j, job.StatusUpdate{To: job.StatusInProgress})
		if err != nil {
			return err
		}
		return o.notify(ctx, tx, j.ID, j.CustomerID, notification.JobStarted, map[string]any{
			"mechanic_id": actor.UserID,
			"proposal_id": appointment.ID,
		})
	})
	if err != nil {
		return job.Job{}, err
	}
	return started, nil
}

type CompleteJobParams struct {
	JobID string
	// FinalCost defaults to the escrowed amount.
	FinalCost *int64
}

func (o *Orchestrator) CompleteJob(ctx context.Context, actor auth.Principal, params CompleteJobParams) (job.Job, error) {
	if params.FinalCost != nil && *params.FinalCost < 0 {
		return job.Job{}, invalid("final_cost", "must not be negative")
	}

	var completed job.Job
	err := o.inTx(ctx, "complete_job", func(tx pgx.Tx) error {
		j, err := o.lockJob(ctx, tx, params.JobID)
		if err != nil {
			return err
		}
		if !j.HasMechanic(actor.UserID) {
			return ErrForbidden
		}
		if !job.CanTransition(j.Status, job.StatusCompleted) {
			return refuse("complete_job", j)
		}

		finalCost := params.FinalCost
		if finalCost == nil {
			p, err := o.payments.GetByJob(ctx, tx, j.ID)
			switch {
			case err == nil:
				finalCost = &p.Amount
			case errors.Is(err, payment.ErrNotFound):
				total := j.EstimatedCost + j.AdditionalWorkAmount
				finalCost = &total
			default:
				return err
			}
		}

		if err := o.expireChangeOrders(ctx, tx, j); err != nil {
			return err
		}

		completed, err = o.move(ctx, tx, "complete_job", j, job.StatusUpdate{To: job.StatusCompleted, FinalCost: finalCost})
		if err != nil {
			return err
		}
		return o.notify(ctx, tx, j.ID, j.CustomerID, notification.JobCompleted, map[string]any{
			"final_cost": *finalCost,
		})
	})
	if err != nil {
		return job.Job{}, err
	}
	o.logger("complete_job", completed.ID).Info("job completed")
	return completed, nil
}

type CancelJobParams struct {
	JobID  string
	Reason string
}

// CancelJob cancels a job that has not started. Escrowed funds are
// refunded, open bids rejected and the assigned mechanic released.
func (o *Orchestrator) CancelJob(ctx context.Context, actor auth.Principal, params CancelJobParams) (job.Job, error) {
	var cancelled job.Job
	err := o.inTx(ctx, "cancel_job", func(tx pgx.Tx) error {
		j, err := o.lockJob(ctx, tx, params.JobID)
		if err != nil {
			return err
		}
		if actor.Role != auth.RoleSupport && !isParty(j, actor.UserID) {
			return ErrForbidden
		}
		if !j.Status.Cancellable() {
			return refuse("cancel_job", j)
		}
		now := o.now().UTC()
		if j.Status == job.StatusScheduled && j.ScheduledAt != nil && actor.Role != auth.RoleSupport &&
			now.After(j.ScheduledAt.Add(-o.cfg.CancelCutoff)) {
			return &TransitionError{Command: "cancel_job", Job: j, Err: ErrCancelCutoff}
		}

		reason := strings.TrimSpace(params.Reason)
		if reason == "" {
			reason = "cancelled by " + string(actor.Role)
		}

		refunded, err := o.payments.Refund(ctx, tx, j.ID, reason)
		hasRefund := err == nil
		if err != nil && !errors.Is(err, payment.ErrNotFound) {
			return err
		}
		if _, err := o.stores.Bids.RejectPending(ctx, tx, j.ID, now); err != nil {
			return err
		}
		if _, err := o.stores.Schedules.ExpirePendingForJob(ctx, tx, j.ID, now); err != nil {
			return err
		}

		cancelled, err = o.move(ctx, tx, "cancel_job", j, job.StatusUpdate{
			To:            job.StatusCancelled,
			ClearMechanic: true,
			CancelReason:  &reason,
		})
		if err != nil {
			return err
		}

		payload := map[string]any{"reason": reason, "cancelled_by": actor.UserID}
		if err := o.notify(ctx, tx, j.ID, j.CustomerID, notification.JobCancelled, payload); err != nil {
			return err
		}
		if err := o.notify(ctx, tx, j.ID, mechanicOf(j), notification.JobCancelled, map[string]any{"reason": reason, "cancelled_by": actor.UserID}); err != nil {
			return err
		}
		if hasRefund {
			return o.notify(ctx, tx, j.ID, j.CustomerID, notification.PaymentRefunded, map[string]any{
				"payment_id": refunded.ID,
				"amount":     refunded.Amount,
			})
		}
		return nil
	})
	if err != nil {
		return job.Job{}, err
	}
	o.logger("cancel_job", cancelled.ID).Info("job cancelled")
	return cancelled, nil
}

// GetJob returns a job visible to actor. Open jobs are visible to every
// mechanic.
func (o *Orchestrator) GetJob(ctx context.Context, actor auth.Principal, jobID string) (job.Job, error) {
	var j job.Job
	err := o.read(ctx, func(tx pgx.Tx) error {
		var err error
		j, err = o.stores.Jobs.Get(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return job.Job{}, err
	}
	if !canView(actor, j) {
		return job.Job{}, ErrForbidden
	}
	return j, nil
}

type ListJobsParams struct {
	// Open lists posted and bidding jobs instead of the actor's own.
	Open     bool
	Page     int
	PageSize int
}

func (o *Orchestrator) ListJobs(ctx context.Context, actor auth.Principal, params ListJobsParams) ([]job.Job, error) {
	filters := job.Filters{Page: params.Page, PageSize: params.PageSize}
	switch {
	case params.Open:
		if actor.Role == auth.RoleCustomer {
			return nil, ErrForbidden
		}
		filters.OpenOnly = true
	case actor.Role == auth.RoleCustomer:
		filters.CustomerID = actor.UserID
	case actor.Role == auth.RoleMechanic:
		filters.MechanicID = actor.UserID
	case actor.Role != auth.RoleSupport:
		return nil, ErrForbidden
	}

	var out []job.Job
	err := o.read(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = o.stores.Jobs.List(ctx, tx, filters)
		return err
	})
	return out, err
}

func (o *Orchestrator) GetPayment(ctx context.Context, actor auth.Principal, jobID string) (payment.Payment, error) {
	var p payment.Payment
	err := o.read(ctx, func(tx pgx.Tx) error {
		j, err := o.stores.Jobs.Get(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if actor.Role != auth.RoleSupport && !isParty(j, actor.UserID) {
			return ErrForbidden
		}
		p, err = o.payments.GetByJob(ctx, tx, jobID)
		return err
	})
	return p, err
}

func canView(actor auth.Principal, j job.Job) bool {
	switch {
	case actor.Role == auth.RoleSupport:
		return true
	case isParty(j, actor.UserID):
		return true
	case actor.Role == auth.RoleMechanic && j.Status.Biddable():
		return true
	}
	return false
}
