package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"garageflow/db"
)

var (
	ErrNotFound = errors.New("job: not found")
	// ErrConflict signals the stored status no longer matches the expected
	// one; the caller should refetch and retry.
	ErrConflict = errors.New("job: status changed concurrently")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, j Job) (Job, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (Job, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Job, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, upd StatusUpdate) (Job, error)
	AddAdditionalWork(ctx context.Context, tx pgx.Tx, id string, amount int64) (Job, error)
	List(ctx context.Context, tx pgx.Tx, filters Filters) ([]Job, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const jobColumns = `id::text, customer_id::text, mechanic_id::text, category, description, vehicle_ref, location,
       urgency::text, estimated_cost, final_cost, additional_work_amount, status::text, cancel_reason,
       created_at, updated_at, scheduled_at, started_at, completed_at, cancelled_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, j Job) (Job, error) {
	const query = `
        INSERT INTO jobs (id, customer_id, category, description, vehicle_ref, location, urgency,
            estimated_cost, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7::job_urgency, $8, $9::job_status, $10, $10)
        RETURNING ` + jobColumns

	created, err := scanJob(tx.QueryRow(ctx, query,
		j.ID,
		j.CustomerID,
		j.Category,
		j.Description,
		j.VehicleRef,
		j.Location,
		j.Urgency,
		j.EstimatedCost,
		j.Status,
		j.CreatedAt,
	))
	if err != nil {
		return Job{}, fmt.Errorf("job: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, id string) (Job, error) {
	if !db.IsUUID(id) {
		return Job{}, ErrNotFound
	}
	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("job: get: %w", err)
	}
	return j, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Job, error) {
	if !db.IsUUID(id) {
		return Job{}, ErrNotFound
	}
	j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("job: get for update: %w", err)
	}
	return j, nil
}

// UpdateStatus is a compare-and-swap on the status column. A miss on an
// existing row reports ErrConflict instead of overwriting.
func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, upd StatusUpdate) (Job, error) {
	const query = `
		UPDATE jobs
		SET status = $3::job_status,
		    updated_at = $4::timestamptz,
		    mechanic_id = CASE WHEN $5::boolean THEN NULL ELSE COALESCE($6::uuid, mechanic_id) END,
		    scheduled_at = COALESCE($7::timestamptz, scheduled_at),
		    final_cost = COALESCE($8::bigint, final_cost),
		    cancel_reason = COALESCE($9::text, cancel_reason),
		    started_at = CASE WHEN $3::job_status = 'in_progress' THEN $4::timestamptz ELSE started_at END,
		    completed_at = CASE WHEN $3::job_status = 'completed' THEN $4::timestamptz ELSE completed_at END,
		    cancelled_at = CASE WHEN $3::job_status = 'cancelled' THEN $4::timestamptz ELSE cancelled_at END
		WHERE id = $1 AND status = $2::job_status
		RETURNING ` + jobColumns

	j, err := scanJob(tx.QueryRow(ctx, query,
		upd.ID,
		upd.From,
		upd.To,
		upd.At,
		upd.ClearMechanic,
		upd.MechanicID,
		upd.ScheduledAt,
		upd.FinalCost,
		upd.CancelReason,
	))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Job{}, fmt.Errorf("job: update status: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, upd.ID).Scan(&exists); err != nil {
		return Job{}, fmt.Errorf("job: verify status update: %w", err)
	}
	if !exists {
		return Job{}, ErrNotFound
	}
	return Job{}, ErrConflict
}

func (r *PGRepository) AddAdditionalWork(ctx context.Context, tx pgx.Tx, id string, amount int64) (Job, error) {
	const query = `
		UPDATE jobs
		SET additional_work_amount = additional_work_amount + $2,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + jobColumns

	j, err := scanJob(tx.QueryRow(ctx, query, id, amount))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("job: add additional work: %w", err)
	}
	return j, nil
}

func (r *PGRepository) List(ctx context.Context, tx pgx.Tx, filters Filters) ([]Job, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	if filters.CustomerID != "" {
		args = append(args, filters.CustomerID)
		query += fmt.Sprintf(" AND customer_id = $%d", len(args))
	}
	if filters.MechanicID != "" {
		args = append(args, filters.MechanicID)
		query += fmt.Sprintf(" AND mechanic_id = $%d", len(args))
	}
	if filters.OpenOnly {
		query += " AND status IN ('posted','bidding')"
	}
	args = append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("job: list: %w", err)
	}
	defer rows.Close()

	out := make([]Job, 0, filters.PageSize)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("job: scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job: iterate: %w", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID,
		&j.CustomerID,
		&j.MechanicID,
		&j.Category,
		&j.Description,
		&j.VehicleRef,
		&j.Location,
		&j.Urgency,
		&j.EstimatedCost,
		&j.FinalCost,
		&j.AdditionalWorkAmount,
		&j.Status,
		&j.CancelReason,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.ScheduledAt,
		&j.StartedAt,
		&j.CompletedAt,
		&j.CancelledAt,
	)
	return j, err
}
