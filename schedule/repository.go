package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"garageflow/db"
)

var (
	ErrNotFound        = errors.New("schedule: no pending proposal")
	ErrProposalPending = errors.New("schedule: a proposal is already pending")
	ErrConflict        = errors.New("schedule: proposal changed concurrently")
)

const pendingPerJob = "schedule_one_pending_per_job"

type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, p Proposal) (Proposal, error)
	GetPending(ctx context.Context, tx pgx.Tx, jobID string) (Proposal, error)
	GetConfirmed(ctx context.Context, tx pgx.Tx, jobID string) (Proposal, error)
	Confirm(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Proposal, error)
	Decline(ctx context.Context, tx pgx.Tx, id string, reason *string, at time.Time) (Proposal, error)
	ExpirePendingForJob(ctx context.Context, tx pgx.Tx, jobID string, at time.Time) (int64, error)
	ExpireStale(ctx context.Context, tx pgx.Tx, createdBefore, at time.Time) ([]Proposal, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const proposalColumns = `id::text, job_id::text, proposed_by::text, proposer_id::text, starts_at, estimated_duration_minutes,
       special_instructions, status::text, decline_reason, created_at, responded_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, p Proposal) (Proposal, error) {
	const query = `
		INSERT INTO schedule_proposals (id, job_id, proposed_by, proposer_id, starts_at, estimated_duration_minutes,
		    special_instructions, status, created_at)
		VALUES ($1, $2, $3::schedule_party, $4, $5, $6, $7, 'proposed', $8)
		RETURNING ` + proposalColumns

	created, err := scanProposal(tx.QueryRow(ctx, query,
		p.ID, p.JobID, p.ProposedBy, p.ProposerID, p.StartsAt, p.EstimatedDuration, p.SpecialInstructions, p.CreatedAt,
	))
	if err != nil {
		if db.IsUniqueViolation(err, pendingPerJob) {
			return Proposal{}, ErrProposalPending
		}
		return Proposal{}, fmt.Errorf("schedule: insert: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetPending(ctx context.Context, tx pgx.Tx, jobID string) (Proposal, error) {
	return r.getByStatus(ctx, tx, jobID, StatusProposed)
}

func (r *PGRepository) GetConfirmed(ctx context.Context, tx pgx.Tx, jobID string) (Proposal, error) {
	return r.getByStatus(ctx, tx, jobID, StatusConfirmed)
}

func (r *PGRepository) getByStatus(ctx context.Context, tx pgx.Tx, jobID string, status Status) (Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM schedule_proposals WHERE job_id = $1 AND status = $2::proposal_status FOR UPDATE`
	p, err := scanProposal(tx.QueryRow(ctx, query, jobID, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, fmt.Errorf("schedule: get %s: %w", status, err)
	}
	return p, nil
}

// Confirm supersedes any previously confirmed proposal for the job, then
// moves the pending one to confirmed.
func (r *PGRepository) Confirm(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Proposal, error) {
	const supersede = `
		UPDATE schedule_proposals SET status = 'superseded', responded_at = COALESCE(responded_at, $2)
		WHERE status = 'confirmed'
		  AND job_id = (SELECT job_id FROM schedule_proposals WHERE id = $1)`
	if _, err := tx.Exec(ctx, supersede, id, at); err != nil {
		return Proposal{}, fmt.Errorf("schedule: supersede: %w", err)
	}

	const confirm = `
		UPDATE schedule_proposals SET status = 'confirmed', responded_at = $2
		WHERE id = $1 AND status = 'proposed'
		RETURNING ` + proposalColumns
	p, err := scanProposal(tx.QueryRow(ctx, confirm, id, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrConflict
		}
		return Proposal{}, fmt.Errorf("schedule: confirm: %w", err)
	}
	return p, nil
}

func (r *PGRepository) Decline(ctx context.Context, tx pgx.Tx, id string, reason *string, at time.Time) (Proposal, error) {
	const query = `
		UPDATE schedule_proposals SET status = 'declined', decline_reason = $2, responded_at = $3
		WHERE id = $1 AND status = 'proposed'
		RETURNING ` + proposalColumns
	p, err := scanProposal(tx.QueryRow(ctx, query, id, reason, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrConflict
		}
		return Proposal{}, fmt.Errorf("schedule: decline: %w", err)
	}
	return p, nil
}

func (r *PGRepository) ExpirePendingForJob(ctx context.Context, tx pgx.Tx, jobID string, at time.Time) (int64, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE schedule_proposals SET status = 'expired', responded_at = $2
		WHERE job_id = $1 AND status = 'proposed'`, jobID, at)
	if err != nil {
		return 0, fmt.Errorf("schedule: expire for job: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ExpireStale expires every pending proposal created before the cutoff.
// Rows locked by an in-flight command are skipped until the next sweep.
func (r *PGRepository) ExpireStale(ctx context.Context, tx pgx.Tx, createdBefore, at time.Time) ([]Proposal, error) {
	const query = `
		WITH stale AS (
			SELECT id FROM schedule_proposals
			WHERE status = 'proposed' AND created_at < $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE schedule_proposals sp SET status = 'expired', responded_at = $2
		FROM stale
		WHERE sp.id = stale.id
		RETURNING sp.id::text, sp.job_id::text, sp.proposed_by::text, sp.proposer_id::text, sp.starts_at,
		          sp.estimated_duration_minutes, sp.special_instructions, sp.status::text, sp.decline_reason,
		          sp.created_at, sp.responded_at`

	rows, err := tx.Query(ctx, query, createdBefore, at)
	if err != nil {
		return nil, fmt.Errorf("schedule: expire stale: %w", err)
	}
	defer rows.Close()

	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("schedule: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule: iterate: %w", err)
	}
	return out, nil
}

func scanProposal(row pgx.Row) (Proposal, error) {
	var p Proposal
	err := row.Scan(
		&p.ID,
		&p.JobID,
		&p.ProposedBy,
		&p.ProposerID,
		&p.StartsAt,
		&p.EstimatedDuration,
		&p.SpecialInstructions,
		&p.Status,
		&p.DeclineReason,
		&p.CreatedAt,
		&p.RespondedAt,
	)
	return p, err
}
