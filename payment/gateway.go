package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"garageflow/db"
)

type TransferKind string

const (
	TransferRelease TransferKind = "release"
	TransferRefund  TransferKind = "refund"
)

// Transfer moves escrowed funds to a beneficiary. Gateways must treat
// IdempotencyKey as the identity of the transfer: replaying a key is a no-op.
type Transfer struct {
	IdempotencyKey string
	PaymentID      string
	Kind           TransferKind
	Amount         int64
	BeneficiaryID  string
}

// ErrTransferRejected is a permanent gateway refusal; it is not retried.
var ErrTransferRejected = errors.New("payment: transfer rejected by gateway")

// Gateway records a transfer as part of tx. A transfer must disappear with
// the transaction if the caller rolls back, and a payment can only ever be
// settled by one kind of transfer.
type Gateway interface {
	Transfer(ctx context.Context, tx pgx.Tx, t Transfer) error
}

// LedgerGateway records transfers in payment_transfers inside the caller's
// transaction. Each attempt runs under a savepoint so a failed insert can be
// retried without aborting the outer transaction.
type LedgerGateway struct{}

func NewLedgerGateway() *LedgerGateway {
	return &LedgerGateway{}
}

func (g *LedgerGateway) Transfer(ctx context.Context, tx pgx.Tx, t Transfer) error {
	if t.Amount <= 0 {
		return fmt.Errorf("%w: non-positive amount %d", ErrTransferRejected, t.Amount)
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payment: open savepoint: %w", err)
	}
	defer sp.Rollback(ctx)

	var settled TransferKind
	err = sp.QueryRow(ctx, `
		SELECT kind FROM payment_transfers
		WHERE payment_id = $1 AND kind <> $2
		LIMIT 1`, t.PaymentID, t.Kind).Scan(&settled)
	switch {
	case err == nil:
		return fmt.Errorf("%w: payment %s already has a %s transfer", ErrTransferRejected, t.PaymentID, settled)
	case !errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("payment: check transfers: %w", err)
	}

	const query = `
		INSERT INTO payment_transfers (idempotency_key, payment_id, kind, amount, beneficiary_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING`
	if _, err := sp.Exec(ctx, query, t.IdempotencyKey, t.PaymentID, t.Kind, t.Amount, t.BeneficiaryID); err != nil {
		if db.IsUniqueViolation(err, "payment_transfers_payment_id_key") {
			return fmt.Errorf("%w: payment %s already settled", ErrTransferRejected, t.PaymentID)
		}
		return fmt.Errorf("payment: record transfer: %w", err)
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("payment: release savepoint: %w", err)
	}
	return nil
}
