package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"garageflow/auth"
	"garageflow/dispute"
	"garageflow/evidence"
	"garageflow/job"
	"garageflow/notification"
	"garageflow/payment"
)

type OpenDisputeParams struct {
	JobID        string
	Type         dispute.Type
	Description  string
	EvidenceRefs []string
}

func disputable(s job.Status) bool {
	return s == job.StatusInProgress || s == job.StatusCompleted || s == job.StatusPaid
}

// OpenDispute freezes escrow and moves the job to disputed in the same
// transaction that records the dispute.
func (o *Orchestrator) OpenDispute(ctx context.Context, actor auth.Principal, params OpenDisputeParams) (dispute.Record, error) {
	if !params.Type.Valid() {
		return dispute.Record{}, invalid("type", "unknown dispute type")
	}
	params.Description = strings.TrimSpace(params.Description)
	if params.Description == "" {
		return dispute.Record{}, invalid("description", "required")
	}

	var opened dispute.Record
	err := o.inTx(ctx, "open_dispute", func(tx pgx.Tx) error {
		j, err := o.lockJob(ctx, tx, params.JobID)
		if err != nil {
			return err
		}
		if !isParty(j, actor.UserID) {
			return ErrForbidden
		}
		if !disputable(j.Status) {
			return refuse("open_dispute", j)
		}
		if err := checkEvidence(j.ID, params.EvidenceRefs); err != nil {
			return err
		}

		var paymentID *string
		p, err := o.payments.Freeze(ctx, tx, j.ID)
		switch {
		case err == nil:
			paymentID = &p.ID
		case errors.Is(err, payment.ErrNotFound):
		default:
			return err
		}

		opened, err = o.stores.Disputes.Create(ctx, tx, dispute.Record{
			ID:              o.idGenerator(),
			JobID:           j.ID,
			PaymentID:       paymentID,
			OpenedBy:        actor.UserID,
			Type:            params.Type,
			Description:     params.Description,
			EvidenceRefs:    params.EvidenceRefs,
			JobStatusAtOpen: string(j.Status),
			CreatedAt:       o.now().UTC(),
		})
		if err != nil {
			return err
		}
		if err := o.expireChangeOrders(ctx, tx, j); err != nil {
			return err
		}
		if _, err := o.move(ctx, tx, "open_dispute", j, job.StatusUpdate{To: job.StatusDisputed}); err != nil {
			return err
		}

		payload := func() map[string]any {
			return map[string]any{"dispute_id": opened.ID, "type": opened.Type, "opened_by": actor.UserID}
		}
		if err := o.notify(ctx, tx, j.ID, j.Counterparty(actor.UserID), notification.DisputeCreated, payload()); err != nil {
			return err
		}
		return o.notify(ctx, tx, j.ID, o.cfg.SupportRecipientID, notification.DisputeCreated, payload())
	})
	if err != nil {
		return dispute.Record{}, err
	}
	o.logger("open_dispute", opened.JobID).WithField("dispute_id", opened.ID).Info("dispute opened")
	return opened, nil
}

func (o *Orchestrator) MarkDisputeUnderReview(ctx context.Context, actor auth.Principal, disputeID string) (dispute.Record, error) {
	if err := requireRole(actor, auth.RoleSupport); err != nil {
		return dispute.Record{}, err
	}
	var rec dispute.Record
	err := o.inTx(ctx, "mark_dispute_under_review", func(tx pgx.Tx) error {
		d, err := o.stores.Disputes.Get(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if _, err := o.lockJob(ctx, tx, d.JobID); err != nil {
			return err
		}
		rec, err = o.stores.Disputes.MarkUnderReview(ctx, tx, d.ID, o.now().UTC())
		return err
	})
	return rec, err
}

func (o *Orchestrator) AddDisputeEvidence(ctx context.Context, actor auth.Principal, disputeID string, refs []string) (dispute.Record, error) {
	if len(refs) == 0 {
		return dispute.Record{}, invalid("evidence_refs", "required")
	}
	var rec dispute.Record
	err := o.inTx(ctx, "add_dispute_evidence", func(tx pgx.Tx) error {
		d, err := o.stores.Disputes.Get(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		j, err := o.lockJob(ctx, tx, d.JobID)
		if err != nil {
			return err
		}
		if actor.Role != auth.RoleSupport && !isParty(j, actor.UserID) {
			return ErrForbidden
		}
		if err := checkEvidence(j.ID, refs); err != nil {
			return err
		}
		rec, err = o.stores.Disputes.AddEvidence(ctx, tx, d.ID, refs, o.now().UTC())
		return err
	})
	return rec, err
}

type ResolveDisputeParams struct {
	DisputeID string
	Outcome   dispute.Outcome
	Note      string
}

type ResolveResult struct {
	Job     job.Job
	Dispute dispute.Record
	Payment *payment.Payment
}

// ResolveDispute settles a disputed job. Releasing (or rejecting the
// dispute) pays the mechanic and ends in paid; refunding returns the funds
// and ends in cancelled.
func (o *Orchestrator) ResolveDispute(ctx context.Context, actor auth.Principal, params ResolveDisputeParams) (ResolveResult, error) {
	if err := requireRole(actor, auth.RoleSupport); err != nil {
		return ResolveResult{}, err
	}
	if !params.Outcome.Valid() {
		return ResolveResult{}, invalid("outcome", "must be release_to_mechanic, refund_customer or reject")
	}

	var res ResolveResult
	err := o.inTx(ctx, "resolve_dispute", func(tx pgx.Tx) error {
		d, err := o.stores.Disputes.Get(ctx, tx, params.DisputeID)
		if err != nil {
			return err
		}
		j, err := o.lockJob(ctx, tx, d.JobID)
		if err != nil {
			return err
		}
		d, err = o.stores.Disputes.GetForUpdate(ctx, tx, d.ID)
		if err != nil {
			return err
		}
		if !d.Status.Active() {
			return dispute.ErrBadStatus
		}
		if j.Status != job.StatusDisputed {
			return refuse("resolve_dispute", j)
		}

		p, err := o.payments.GetByJob(ctx, tx, j.ID)
		hasPayment := err == nil
		if err != nil && !errors.Is(err, payment.ErrNotFound) {
			return err
		}
		// a job disputed after payout keeps its completed payment
		prior := p.Status

		var (
			upd    job.StatusUpdate
			evType notification.Type
			payTo  string
			note   = strings.TrimSpace(params.Note)
		)
		switch params.Outcome {
		case dispute.OutcomeRefundCustomer:
			reason := "dispute " + d.ID + " refunded"
			if hasPayment {
				p, err = o.payments.Refund(ctx, tx, j.ID, reason)
			}
			upd = job.StatusUpdate{To: job.StatusCancelled, ClearMechanic: true, CancelReason: &reason}
			evType, payTo = notification.PaymentRefunded, j.CustomerID
		default:
			if hasPayment {
				p, err = o.payments.ReleaseDisputed(ctx, tx, j.ID)
			}
			upd = job.StatusUpdate{To: job.StatusPaid}
			evType, payTo = notification.PaymentReleased, mechanicOf(j)
		}
		if err != nil {
			return err
		}

		resolved, err := o.stores.Disputes.Resolve(ctx, tx, dispute.Resolution{
			ID:         d.ID,
			From:       d.Status,
			Outcome:    params.Outcome,
			Note:       note,
			ResolvedBy: actor.UserID,
			At:         o.now().UTC(),
		})
		if err != nil {
			return err
		}
		updated, err := o.move(ctx, tx, "resolve_dispute", j, upd)
		if err != nil {
			return err
		}

		for _, recipient := range []string{j.CustomerID, mechanicOf(j)} {
			if err := o.notify(ctx, tx, j.ID, recipient, notification.DisputeResolved, map[string]any{
				"dispute_id": resolved.ID,
				"outcome":    params.Outcome,
			}); err != nil {
				return err
			}
		}
		res = ResolveResult{Job: updated, Dispute: resolved}
		if hasPayment {
			res.Payment = &p
		}
		if hasPayment && p.Status != prior {
			amount := p.Amount
			if evType == notification.PaymentReleased {
				amount = p.MechanicAmount
			}
			if err := o.notify(ctx, tx, j.ID, payTo, evType, map[string]any{"payment_id": p.ID, "amount": amount}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ResolveResult{}, err
	}
	o.logger("resolve_dispute", res.Job.ID).WithField("outcome", params.Outcome).Info("dispute resolved")
	return res, nil
}

func (o *Orchestrator) GetDispute(ctx context.Context, actor auth.Principal, disputeID string) (dispute.Record, error) {
	var rec dispute.Record
	err := o.read(ctx, func(tx pgx.Tx) error {
		var err error
		rec, err = o.stores.Disputes.Get(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if actor.Role == auth.RoleSupport {
			return nil
		}
		j, err := o.stores.Jobs.Get(ctx, tx, rec.JobID)
		if err != nil {
			return err
		}
		// A refund clears the mechanic from the job, so the opener is
		// matched on the dispute itself.
		if !isParty(j, actor.UserID) && rec.OpenedBy != actor.UserID {
			return ErrForbidden
		}
		return nil
	})
	return rec, err
}

// checkEvidence rejects blank references and uploaded objects that belong
// to another job.
func checkEvidence(jobID string, refs []string) error {
	for i, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return invalid("evidence_refs", fmt.Sprintf("entry %d is empty", i))
		}
		if strings.HasPrefix(ref, "evidence/") && !evidence.OwnsKey(jobID, ref) {
			return invalid("evidence_refs", fmt.Sprintf("entry %d belongs to another job", i))
		}
	}
	return nil
}
