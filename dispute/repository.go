package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"garageflow/db"
)

var (
	ErrNotFound      = errors.New("dispute: not found")
	ErrAlreadyExists = errors.New("dispute: job already has an active dispute")
	ErrBadStatus     = errors.New("dispute: invalid status transition")
)

const activePerJob = "disputes_one_active_per_job"

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	Get(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	ListForJob(ctx context.Context, tx pgx.Tx, jobID string) ([]Record, error)
	MarkUnderReview(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Record, error)
	AddEvidence(ctx context.Context, tx pgx.Tx, id string, refs []string, at time.Time) (Record, error)
	Resolve(ctx context.Context, tx pgx.Tx, res Resolution) (Record, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const disputeColumns = `id::text, job_id::text, payment_id::text, opened_by::text, type::text, description, evidence_refs,
       status::text, outcome, resolution_note, resolved_by::text, job_status_at_open::text, created_at, updated_at, resolved_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	refs := rec.EvidenceRefs
	if refs == nil {
		refs = []string{}
	}
	const query = `
		INSERT INTO disputes (id, job_id, payment_id, opened_by, type, description, evidence_refs, status,
		    job_status_at_open, created_at, updated_at)
		VALUES ($1, $2, $3::uuid, $4, $5::dispute_type, $6, $7, 'open', $8::job_status, $9, $9)
		RETURNING ` + disputeColumns

	created, err := scanRecord(tx.QueryRow(ctx, query,
		rec.ID, rec.JobID, rec.PaymentID, rec.OpenedBy, rec.Type, rec.Description, refs, rec.JobStatusAtOpen, rec.CreatedAt,
	))
	if err != nil {
		if db.IsUniqueViolation(err, activePerJob) {
			return Record{}, ErrAlreadyExists
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	if !db.IsUUID(id) {
		return Record{}, ErrNotFound
	}
	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	if !db.IsUUID(id) {
		return Record{}, ErrNotFound
	}
	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) ListForJob(ctx context.Context, tx pgx.Tx, jobID string) ([]Record, error) {
	rows, err := tx.Query(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE job_id = $1 ORDER BY created_at DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 2)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) MarkUnderReview(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Record, error) {
	const query = `
		UPDATE disputes SET status = 'under_review', updated_at = $2
		WHERE id = $1 AND status = 'open'
		RETURNING ` + disputeColumns
	return r.updateActive(ctx, tx, query, "mark under review", id, at)
}

func (r *PGRepository) AddEvidence(ctx context.Context, tx pgx.Tx, id string, refs []string, at time.Time) (Record, error) {
	const query = `
		UPDATE disputes SET evidence_refs = evidence_refs || $3::text[], updated_at = $2
		WHERE id = $1 AND status IN ('open', 'under_review')
		RETURNING ` + disputeColumns
	return r.updateActive(ctx, tx, query, "add evidence", id, at, refs)
}

func (r *PGRepository) Resolve(ctx context.Context, tx pgx.Tx, res Resolution) (Record, error) {
	const query = `
		UPDATE disputes
		SET status = $3::dispute_status, outcome = $4, resolution_note = $5, resolved_by = $6::uuid,
		    resolved_at = $7, updated_at = $7
		WHERE id = $1 AND status = $2::dispute_status
		RETURNING ` + disputeColumns
	return r.updateActive(ctx, tx, query, "resolve", res.ID, res.From, res.Outcome.ClosingStatus(), res.Outcome, res.Note, res.ResolvedBy, res.At)
}

// updateActive runs a guarded UPDATE and distinguishes a missing dispute
// from one whose status no longer allows the change.
func (r *PGRepository) updateActive(ctx context.Context, tx pgx.Tx, query, verb string, id string, args ...any) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, query, append([]any{id}, args...)...))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: %s: %w", verb, err)
	}
	if _, err := r.Get(ctx, tx, id); err != nil {
		return Record{}, err
	}
	return Record{}, ErrBadStatus
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec     Record
		outcome *string
	)
	err := row.Scan(
		&rec.ID,
		&rec.JobID,
		&rec.PaymentID,
		&rec.OpenedBy,
		&rec.Type,
		&rec.Description,
		&rec.EvidenceRefs,
		&rec.Status,
		&outcome,
		&rec.ResolutionNote,
		&rec.ResolvedBy,
		&rec.JobStatusAtOpen,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ResolvedAt,
	)
	if err != nil {
		return Record{}, err
	}
	if outcome != nil {
		o := Outcome(*outcome)
		rec.Outcome = &o
	}
	return rec, nil
}
