package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"garageflow/auth"
	"garageflow/job"
	"garageflow/notification"
	"garageflow/payment"
	"garageflow/review"
)

type ReleaseResult struct {
	Job     job.Job
	Payment payment.Payment
}

// ReleasePayment pays the mechanic for a completed job. Calling it again on
// a paid job returns the stored records without a second transfer.
func (o *Orchestrator) ReleasePayment(ctx context.Context, actor auth.Principal, jobID string) (ReleaseResult, error) {
	var res ReleaseResult
	err := o.inTx(ctx, "release_payment", func(tx pgx.Tx) error {
		j, err := o.lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if actor.Role != auth.RoleSupport && j.CustomerID != actor.UserID {
			return ErrForbidden
		}
		if j.Status == job.StatusPaid {
			p, err := o.payments.GetByJob(ctx, tx, j.ID)
			if err != nil {
				return err
			}
			res = ReleaseResult{Job: j, Payment: p}
			return nil
		}
		if j.Status == job.StatusDisputed {
			return &TransitionError{Command: "release_payment", Job: j, Err: fmt.Errorf("%w: escrow frozen by dispute: %w", ErrInvalidTransition, payment.ErrInvalidState)}
		}
		if j.Status != job.StatusCompleted {
			return refuse("release_payment", j)
		}

		p, err := o.payments.Release(ctx, tx, j.ID)
		if err != nil {
			return err
		}
		paid, err := o.move(ctx, tx, "release_payment", j, job.StatusUpdate{To: job.StatusPaid})
		if err != nil {
			return err
		}
		if err := o.notify(ctx, tx, j.ID, mechanicOf(j), notification.PaymentReleased, map[string]any{
			"payment_id": p.ID,
			"amount":     p.MechanicAmount,
		}); err != nil {
			return err
		}
		res = ReleaseResult{Job: paid, Payment: p}
		return nil
	})
	if err != nil {
		o.logger("release_payment", jobID).WithError(err).Warn("release refused")
		return ReleaseResult{}, err
	}
	return res, nil
}

type SubmitReviewParams struct {
	JobID         string
	Direction     review.Direction
	OverallRating int
	AspectRatings map[string]int
	Comment       string
}

// SubmitReview records one review per rater and direction. The job row is
// locked so a dispute cannot open between the status check and the insert.
func (o *Orchestrator) SubmitReview(ctx context.Context, actor auth.Principal, params SubmitReviewParams) (review.Review, error) {
	if !params.Direction.Valid() {
		return review.Review{}, invalid("direction", "must be customer_to_mechanic or mechanic_to_customer")
	}
	candidate := review.Review{
		OverallRating: params.OverallRating,
		AspectRatings: params.AspectRatings,
		Comment:       strings.TrimSpace(params.Comment),
	}
	if err := candidate.Validate(); err != nil {
		return review.Review{}, invalid("rating", err.Error())
	}

	var created review.Review
	err := o.inTx(ctx, "submit_review", func(tx pgx.Tx) error {
		j, err := o.lockJob(ctx, tx, params.JobID)
		if err != nil {
			return err
		}

		var ratee string
		switch params.Direction {
		case review.CustomerToMechanic:
			if j.CustomerID != actor.UserID {
				return ErrForbidden
			}
			ratee = mechanicOf(j)
		case review.MechanicToCustomer:
			if !j.HasMechanic(actor.UserID) {
				return ErrForbidden
			}
			ratee = j.CustomerID
		}
		if j.Status != job.StatusCompleted && j.Status != job.StatusPaid {
			return refuse("submit_review", j)
		}

		done, err := o.stores.Reviews.HasReviewed(ctx, tx, j.ID, actor.UserID, params.Direction)
		if err != nil {
			return err
		}
		if done {
			return review.ErrAlreadyReviewed
		}

		candidate.ID = o.idGenerator()
		candidate.JobID = j.ID
		candidate.RaterID = actor.UserID
		candidate.RateeID = ratee
		candidate.Direction = params.Direction
		candidate.CreatedAt = o.now().UTC()
		created, err = o.stores.Reviews.Insert(ctx, tx, candidate)
		if err != nil {
			return err
		}
		return o.notify(ctx, tx, j.ID, ratee, notification.RatingReceived, map[string]any{
			"review_id":      created.ID,
			"overall_rating": created.OverallRating,
		})
	})
	if err != nil {
		return review.Review{}, err
	}
	return created, nil
}

// HasReviewed reports whether actor already reviewed the job in direction.
func (o *Orchestrator) HasReviewed(ctx context.Context, actor auth.Principal, jobID string, direction review.Direction) (bool, error) {
	if !direction.Valid() {
		return false, invalid("direction", "must be customer_to_mechanic or mechanic_to_customer")
	}
	var done bool
	err := o.read(ctx, func(tx pgx.Tx) error {
		j, err := o.stores.Jobs.Get(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !isParty(j, actor.UserID) {
			return ErrForbidden
		}
		done, err = o.stores.Reviews.HasReviewed(ctx, tx, j.ID, actor.UserID, direction)
		return err
	})
	return done, err
}

func (o *Orchestrator) ListReviews(ctx context.Context, jobID string) ([]review.Review, error) {
	var out []review.Review
	err := o.read(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = o.stores.Reviews.ListForJob(ctx, tx, jobID)
		return err
	})
	return out, err
}

func (o *Orchestrator) RatingSummary(ctx context.Context, userID string) (review.Summary, error) {
	var s review.Summary
	err := o.read(ctx, func(tx pgx.Tx) error {
		var err error
		s, err = o.stores.Reviews.Summary(ctx, tx, userID)
		return err
	})
	return s, err
}
