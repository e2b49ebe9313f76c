package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"garageflow/auth"
	"garageflow/job"
	"garageflow/notification"
	"garageflow/schedule"
)

type ProposeScheduleParams struct {
	JobID               string
	StartsAt            time.Time
	EstimatedDuration   int
	SpecialInstructions string
}

func negotiable(s job.Status) bool {
	return s == job.StatusAccepted || s == job.StatusScheduled
}

// ProposeSchedule opens the appointment handshake. Either party may
// propose; only one proposal can be pending per job.
func (o *Orchestrator) ProposeSchedule(ctx context.Context, actor auth.Principal, params ProposeScheduleParams) (schedule.Proposal, error) {
	if params.StartsAt.IsZero() {
		return schedule.Proposal{}, invalid("starts_at", "required")
	}
	if params.EstimatedDuration < 0 {
		return schedule.Proposal{}, invalid("estimated_duration", "must not be negative")
	}
	if !params.StartsAt.After(o.now()) {
		return schedule.Proposal{}, invalid("starts_at", "must be in the future")
	}

	var proposed schedule.Proposal
	err := o.inTx(ctx, "propose_schedule", func(tx pgx.Tx) error {
		j, err := o.lockJob(ctx, tx, params.JobID)
		if err != nil {
			return err
		}
		party, ok := partyOf(j, actor.UserID)
		if !ok {
			return ErrForbidden
		}
		if !negotiable(j.Status) {
			return refuse("propose_schedule", j)
		}

		proposed, err = o.stores.Schedules.Insert(ctx, tx, schedule.Proposal{
			ID:                  o.idGenerator(),
			JobID:               j.ID,
			ProposedBy:          party,
			ProposerID:          actor.UserID,
			StartsAt:            params.StartsAt.UTC(),
			EstimatedDuration:   params.EstimatedDuration,
			SpecialInstructions: strings.TrimSpace(params.SpecialInstructions),
			CreatedAt:           o.now().UTC(),
		})
		if err != nil {
			return err
		}
		return o.notify(ctx, tx, j.ID, j.Counterparty(actor.UserID), notification.ScheduleProposed, map[string]any{
			"proposal_id": proposed.ID,
			"starts_at":   proposed.StartsAt,
			"proposed_by": proposed.ProposedBy,
		})
	})
	if err != nil {
		return schedule.Proposal{}, err
	}
	return proposed, nil
}

type ScheduleResult struct {
	Job      job.Job
	Proposal schedule.Proposal
}

// ConfirmSchedule accepts the pending proposal. Only the counterparty of the
// proposer may confirm.
func (o *Orchestrator) ConfirmSchedule(ctx context.Context, actor auth.Principal, jobID string) (ScheduleResult, error) {
	var res ScheduleResult
	err := o.inTx(ctx, "confirm_schedule", func(tx pgx.Tx) error {
		j, pending, err := o.pendingProposal(ctx, tx, "confirm_schedule", actor, jobID)
		if err != nil {
			return err
		}

		confirmed, err := o.stores.Schedules.Confirm(ctx, tx, pending.ID, o.now().UTC())
		if err != nil {
			return err
		}
		startsAt := confirmed.StartsAt
		updated, err := o.move(ctx, tx, "confirm_schedule", j, job.StatusUpdate{To: job.StatusScheduled, ScheduledAt: &startsAt})
		if err != nil {
			return err
		}
		if err := o.notify(ctx, tx, j.ID, confirmed.ProposerID, notification.ScheduleConfirmed, map[string]any{
			"proposal_id": confirmed.ID,
			"starts_at":   confirmed.StartsAt,
		}); err != nil {
			return err
		}
		res = ScheduleResult{Job: updated, Proposal: confirmed}
		return nil
	})
	if err != nil {
		return ScheduleResult{}, err
	}

	if o.calendar != nil {
		if err := o.calendar.ScheduleConfirmed(ctx, res.Job, res.Proposal); err != nil {
			o.logger("confirm_schedule", res.Job.ID).WithError(err).Warn("calendar sync failed")
		}
	}
	return res, nil
}

func (o *Orchestrator) DeclineSchedule(ctx context.Context, actor auth.Principal, jobID, reason string) (schedule.Proposal, error) {
	var declined schedule.Proposal
	err := o.inTx(ctx, "decline_schedule", func(tx pgx.Tx) error {
		j, pending, err := o.pendingProposal(ctx, tx, "decline_schedule", actor, jobID)
		if err != nil {
			return err
		}

		var r *string
		if trimmed := strings.TrimSpace(reason); trimmed != "" {
			r = &trimmed
		}
		declined, err = o.stores.Schedules.Decline(ctx, tx, pending.ID, r, o.now().UTC())
		if err != nil {
			return err
		}
		payload := map[string]any{"proposal_id": declined.ID}
		if r != nil {
			payload["reason"] = *r
		}
		return o.notify(ctx, tx, j.ID, declined.ProposerID, notification.ScheduleDeclined, payload)
	})
	if err != nil {
		return schedule.Proposal{}, err
	}
	return declined, nil
}

// pendingProposal locks the job and returns its pending proposal if actor
// may answer it.
func (o *Orchestrator) pendingProposal(ctx context.Context, tx pgx.Tx, command string, actor auth.Principal, jobID string) (job.Job, schedule.Proposal, error) {
	j, err := o.lockJob(ctx, tx, jobID)
	if err != nil {
		return job.Job{}, schedule.Proposal{}, err
	}
	if !isParty(j, actor.UserID) {
		return job.Job{}, schedule.Proposal{}, ErrForbidden
	}
	if !negotiable(j.Status) {
		return job.Job{}, schedule.Proposal{}, refuse(command, j)
	}
	p, err := o.stores.Schedules.GetPending(ctx, tx, j.ID)
	if err != nil {
		return job.Job{}, schedule.Proposal{}, err
	}
	if j.Counterparty(p.ProposerID) != actor.UserID {
		return job.Job{}, schedule.Proposal{}, ErrForbidden
	}
	return j, p, nil
}

func partyOf(j job.Job, userID string) (schedule.Party, bool) {
	switch {
	case j.CustomerID == userID:
		return schedule.PartyCustomer, true
	case j.HasMechanic(userID):
		return schedule.PartyMechanic, true
	}
	return "", false
}
