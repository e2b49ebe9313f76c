package changeorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"garageflow/db"
)

var (
	ErrNotFound      = errors.New("changeorder: not found")
	ErrAlreadyExists = errors.New("changeorder: job already has a pending change order")
	ErrNotPending    = errors.New("changeorder: change order is no longer pending")
)

const pendingPerJob = "change_orders_one_pending_per_job"

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, co ChangeOrder) (ChangeOrder, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (ChangeOrder, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (ChangeOrder, error)
	Respond(ctx context.Context, tx pgx.Tx, id string, to Status, at time.Time) (ChangeOrder, error)
	ExpirePendingForJob(ctx context.Context, tx pgx.Tx, jobID string, at time.Time) ([]ChangeOrder, error)
	ExpireStale(ctx context.Context, tx pgx.Tx, at time.Time) ([]ChangeOrder, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const columns = `id::text, job_id::text, requested_by::text, amount, description, status::text, created_at, responded_at, expires_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, co ChangeOrder) (ChangeOrder, error) {
	const query = `
		INSERT INTO change_orders (id, job_id, requested_by, amount, description, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
		RETURNING ` + columns

	created, err := scan(tx.QueryRow(ctx, query, co.ID, co.JobID, co.RequestedBy, co.Amount, co.Description, co.CreatedAt, co.ExpiresAt))
	if err != nil {
		if db.IsUniqueViolation(err, pendingPerJob) {
			return ChangeOrder{}, ErrAlreadyExists
		}
		return ChangeOrder{}, fmt.Errorf("changeorder: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, id string) (ChangeOrder, error) {
	if !db.IsUUID(id) {
		return ChangeOrder{}, ErrNotFound
	}
	co, err := scan(tx.QueryRow(ctx, `SELECT `+columns+` FROM change_orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChangeOrder{}, ErrNotFound
		}
		return ChangeOrder{}, fmt.Errorf("changeorder: get: %w", err)
	}
	return co, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (ChangeOrder, error) {
	if !db.IsUUID(id) {
		return ChangeOrder{}, ErrNotFound
	}
	co, err := scan(tx.QueryRow(ctx, `SELECT `+columns+` FROM change_orders WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChangeOrder{}, ErrNotFound
		}
		return ChangeOrder{}, fmt.Errorf("changeorder: get for update: %w", err)
	}
	return co, nil
}

// Respond moves a pending change order to a final status.
func (r *PGRepository) Respond(ctx context.Context, tx pgx.Tx, id string, to Status, at time.Time) (ChangeOrder, error) {
	const query = `
		UPDATE change_orders SET status = $2::change_order_status, responded_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + columns

	co, err := scan(tx.QueryRow(ctx, query, id, to, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChangeOrder{}, ErrNotPending
		}
		return ChangeOrder{}, fmt.Errorf("changeorder: respond: %w", err)
	}
	return co, nil
}

func (r *PGRepository) ExpirePendingForJob(ctx context.Context, tx pgx.Tx, jobID string, at time.Time) ([]ChangeOrder, error) {
	const query = `
		UPDATE change_orders SET status = 'expired', responded_at = $2
		WHERE job_id = $1 AND status = 'pending'
		RETURNING ` + columns
	return r.collect(ctx, tx, query, jobID, at)
}

func (r *PGRepository) ExpireStale(ctx context.Context, tx pgx.Tx, at time.Time) ([]ChangeOrder, error) {
	const query = `
		WITH stale AS (
			SELECT id FROM change_orders
			WHERE status = 'pending' AND expires_at <= $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE change_orders co SET status = 'expired', responded_at = $1
		FROM stale
		WHERE co.id = stale.id
		RETURNING co.id::text, co.job_id::text, co.requested_by::text, co.amount, co.description, co.status::text,
		          co.created_at, co.responded_at, co.expires_at`
	return r.collect(ctx, tx, query, at)
}

func (r *PGRepository) collect(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]ChangeOrder, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("changeorder: expire: %w", err)
	}
	defer rows.Close()

	var out []ChangeOrder
	for rows.Next() {
		co, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("changeorder: scan: %w", err)
		}
		out = append(out, co)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("changeorder: iterate: %w", err)
	}
	return out, nil
}

func scan(row pgx.Row) (ChangeOrder, error) {
	var co ChangeOrder
	err := row.Scan(
		&co.ID,
		&co.JobID,
		&co.RequestedBy,
		&co.Amount,
		&co.Description,
		&co.Status,
		&co.CreatedAt,
		&co.RespondedAt,
		&co.ExpiresAt,
	)
	return co, err
}
