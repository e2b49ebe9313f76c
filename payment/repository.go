package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"garageflow/db"
)

var (
	ErrNotFound = errors.New("payment: not found")
	ErrConflict = errors.New("payment: status changed concurrently")
)

// StatusUpdate is applied as a compare-and-swap on From.
type StatusUpdate struct {
	ID           string
	From         Status
	To           Status
	At           time.Time
	RefundReason *string
}

// Amounts replaces the escrowed totals, used when repricing or topping up.
type Amounts struct {
	Amount         int64
	MechanicAmount int64
	PlatformFee    int64
}

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, p Payment) (Payment, error)
	GetByJob(ctx context.Context, tx pgx.Tx, jobID string) (Payment, error)
	GetByJobForUpdate(ctx context.Context, tx pgx.Tx, jobID string) (Payment, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, upd StatusUpdate) (Payment, error)
	UpdateAmounts(ctx context.Context, tx pgx.Tx, id string, amounts Amounts, mechanicID *string, at time.Time) (Payment, error)
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

const paymentColumns = `id::text, job_id::text, customer_id::text, mechanic_id::text, amount, mechanic_amount, platform_fee,
       payment_method, status::text, refund_reason, created_at, updated_at, completed_at, refunded_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, p Payment) (Payment, error) {
	const query = `
		INSERT INTO payments (id, job_id, customer_id, mechanic_id, amount, mechanic_amount, platform_fee,
		    payment_method, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4::uuid, $5, $6, $7, $8, 'escrow', $9, $9)
		RETURNING ` + paymentColumns

	created, err := scanPayment(tx.QueryRow(ctx, query,
		p.ID, p.JobID, p.CustomerID, p.MechanicID, p.Amount, p.MechanicAmount, p.PlatformFee, p.PaymentMethod, p.CreatedAt,
	))
	if err != nil {
		if db.IsCheckViolation(err) {
			return Payment{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		return Payment{}, fmt.Errorf("payment: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByJob(ctx context.Context, tx pgx.Tx, jobID string) (Payment, error) {
	p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE job_id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: get by job: %w", err)
	}
	return p, nil
}

func (r *PGRepository) GetByJobForUpdate(ctx context.Context, tx pgx.Tx, jobID string) (Payment, error) {
	p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE job_id = $1 FOR UPDATE`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: get by job for update: %w", err)
	}
	return p, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, upd StatusUpdate) (Payment, error) {
	const query = `
		UPDATE payments
		SET status = $3::payment_status,
		    updated_at = $4::timestamptz,
		    refund_reason = COALESCE($5::text, refund_reason),
		    completed_at = CASE WHEN $3::payment_status = 'completed' THEN $4::timestamptz ELSE completed_at END,
		    refunded_at = CASE WHEN $3::payment_status = 'refunded' THEN $4::timestamptz ELSE refunded_at END
		WHERE id = $1 AND status = $2::payment_status
		RETURNING ` + paymentColumns

	p, err := scanPayment(tx.QueryRow(ctx, query, upd.ID, upd.From, upd.To, upd.At, upd.RefundReason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrConflict
		}
		return Payment{}, fmt.Errorf("payment: update status: %w", err)
	}
	return p, nil
}

func (r *PGRepository) UpdateAmounts(ctx context.Context, tx pgx.Tx, id string, amounts Amounts, mechanicID *string, at time.Time) (Payment, error) {
	const query = `
		UPDATE payments
		SET amount = $2, mechanic_amount = $3, platform_fee = $4,
		    mechanic_id = COALESCE($5::uuid, mechanic_id),
		    updated_at = $6
		WHERE id = $1 AND status = 'escrow'
		RETURNING ` + paymentColumns

	p, err := scanPayment(tx.QueryRow(ctx, query, id, amounts.Amount, amounts.MechanicAmount, amounts.PlatformFee, mechanicID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrConflict
		}
		if db.IsCheckViolation(err) {
			return Payment{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		return Payment{}, fmt.Errorf("payment: update amounts: %w", err)
	}
	return p, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID,
		&p.JobID,
		&p.CustomerID,
		&p.MechanicID,
		&p.Amount,
		&p.MechanicAmount,
		&p.PlatformFee,
		&p.PaymentMethod,
		&p.Status,
		&p.RefundReason,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.CompletedAt,
		&p.RefundedAt,
	)
	return p, err
}
