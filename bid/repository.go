package bid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"garageflow/db"
)

var (
	ErrNotFound = errors.New("bid: not found")
	// ErrConflict means another bid was accepted for the job first.
	ErrConflict      = errors.New("bid: job already has an accepted bid")
	ErrAlreadyExists = errors.New("bid: mechanic already has an active bid on this job")
	ErrInvalidState  = errors.New("bid: bid is not pending")
)

const (
	acceptedPerJobConstraint = "bids_one_accepted_per_job"
	activePerMechanic        = "bids_one_active_per_mechanic"
)

type Repository interface {
	Place(ctx context.Context, tx pgx.Tx, b Bid) (Bid, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (Bid, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Bid, error)
	ListForJob(ctx context.Context, tx pgx.Tx, jobID string) ([]Bid, error)
	Withdraw(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Bid, error)
	Accept(ctx context.Context, tx pgx.Tx, jobID, bidID string, at time.Time) (Bid, error)
	RejectPending(ctx context.Context, tx pgx.Tx, jobID string, at time.Time) (int64, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const bidColumns = `id::text, job_id::text, mechanic_id::text, price, estimated_duration_minutes, message, status::text, created_at, updated_at`

func (r *PGRepository) Place(ctx context.Context, tx pgx.Tx, b Bid) (Bid, error) {
	const query = `
		INSERT INTO bids (id, job_id, mechanic_id, price, estimated_duration_minutes, message, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $7)
		RETURNING ` + bidColumns

	placed, err := scanBid(tx.QueryRow(ctx, query,
		b.ID, b.JobID, b.MechanicID, b.Price, b.EstimatedDuration, b.Message, b.CreatedAt,
	))
	if err != nil {
		if db.IsUniqueViolation(err, activePerMechanic) {
			return Bid{}, ErrAlreadyExists
		}
		return Bid{}, fmt.Errorf("bid: place: %w", err)
	}
	return placed, nil
}

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, id string) (Bid, error) {
	if !db.IsUUID(id) {
		return Bid{}, ErrNotFound
	}
	b, err := scanBid(tx.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrNotFound
		}
		return Bid{}, fmt.Errorf("bid: get: %w", err)
	}
	return b, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Bid, error) {
	if !db.IsUUID(id) {
		return Bid{}, ErrNotFound
	}
	b, err := scanBid(tx.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, ErrNotFound
		}
		return Bid{}, fmt.Errorf("bid: get for update: %w", err)
	}
	return b, nil
}

func (r *PGRepository) ListForJob(ctx context.Context, tx pgx.Tx, jobID string) ([]Bid, error) {
	rows, err := tx.Query(ctx, `SELECT `+bidColumns+` FROM bids WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("bid: list: %w", err)
	}
	defer rows.Close()

	out := make([]Bid, 0, 8)
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("bid: scan: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bid: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Withdraw(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Bid, error) {
	const query = `
		UPDATE bids SET status = 'withdrawn', updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + bidColumns

	b, err := scanBid(tx.QueryRow(ctx, query, id, at))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Bid{}, fmt.Errorf("bid: withdraw: %w", err)
	}
	if _, err := r.Get(ctx, tx, id); err != nil {
		return Bid{}, err
	}
	return Bid{}, ErrInvalidState
}

// Accept marks the bid accepted and rejects every other pending bid on the
// same job. A second acceptance on the job trips the partial unique index.
func (r *PGRepository) Accept(ctx context.Context, tx pgx.Tx, jobID, bidID string, at time.Time) (Bid, error) {
	if !db.IsUUID(bidID) {
		return Bid{}, ErrNotFound
	}
	const acceptSQL = `
		UPDATE bids SET status = 'accepted', updated_at = $3
		WHERE id = $1 AND job_id = $2 AND status = 'pending'
		RETURNING ` + bidColumns

	accepted, err := scanBid(tx.QueryRow(ctx, acceptSQL, bidID, jobID, at))
	if err != nil {
		if db.IsUniqueViolation(err, acceptedPerJobConstraint) {
			return Bid{}, ErrConflict
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Bid{}, fmt.Errorf("bid: accept: %w", err)
		}
		current, getErr := r.Get(ctx, tx, bidID)
		if getErr != nil {
			return Bid{}, getErr
		}
		if current.JobID != jobID {
			return Bid{}, ErrNotFound
		}
		if current.Status == StatusAccepted {
			return Bid{}, ErrConflict
		}
		return Bid{}, ErrInvalidState
	}

	const rejectSiblings = `
		UPDATE bids SET status = 'rejected', updated_at = $3
		WHERE job_id = $1 AND id <> $2 AND status = 'pending'`
	if _, err := tx.Exec(ctx, rejectSiblings, jobID, bidID, at); err != nil {
		return Bid{}, fmt.Errorf("bid: reject siblings: %w", err)
	}
	return accepted, nil
}

func (r *PGRepository) RejectPending(ctx context.Context, tx pgx.Tx, jobID string, at time.Time) (int64, error) {
	tag, err := tx.Exec(ctx, `UPDATE bids SET status = 'rejected', updated_at = $2 WHERE job_id = $1 AND status = 'pending'`, jobID, at)
	if err != nil {
		return 0, fmt.Errorf("bid: reject pending: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanBid(row pgx.Row) (Bid, error) {
	var b Bid
	err := row.Scan(
		&b.ID,
		&b.JobID,
		&b.MechanicID,
		&b.Price,
		&b.EstimatedDuration,
		&b.Message,
		&b.Status,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	return b, err
}
