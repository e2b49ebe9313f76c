package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidState = errors.New("payment: operation not allowed in current payment status")
	// ErrReleaseFailed is returned once gateway retries are exhausted. The
	// payment is left in escrow.
	ErrReleaseFailed = errors.New("payment: release failed")
	ErrRefundFailed  = errors.New("payment: refund failed")
	ErrInvalidAmount = errors.New("payment: amount must be positive")
)

const (
	DefaultFeeBps        = 1000
	DefaultPaymentMethod = "card_on_file"
	DefaultMaxAttempts   = 3
	DefaultRetryBase     = 200 * time.Millisecond
)

type EngineConfig struct {
	FeeBps        int64
	PaymentMethod string
	MaxAttempts   int
	RetryBase     time.Duration
}

// Engine owns every payment mutation. All methods run inside the caller's
// transaction and lock the payment row before changing it.
type Engine struct {
	repo        Repository
	gateway     Gateway
	log         logrus.FieldLogger
	cfg         EngineConfig
	idGenerator func() string
	now         func() time.Time
}

func NewEngine(repo Repository, gateway Gateway, cfg EngineConfig, log logrus.FieldLogger) *Engine {
	if repo == nil {
		repo = NewRepository()
	}
	if cfg.PaymentMethod == "" {
		cfg.PaymentMethod = DefaultPaymentMethod
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		repo:        repo,
		gateway:     gateway,
		log:         log,
		cfg:         cfg,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGenerator = gen
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

type EscrowParams struct {
	JobID      string
	CustomerID string
	MechanicID *string
	Amount     int64
}

func (e *Engine) CreateEscrow(ctx context.Context, tx pgx.Tx, params EscrowParams) (Payment, error) {
	if params.Amount <= 0 {
		return Payment{}, ErrInvalidAmount
	}
	fee, mechanicAmount := Split(params.Amount, e.cfg.FeeBps)
	return e.repo.Create(ctx, tx, Payment{
		ID:             e.idGenerator(),
		JobID:          params.JobID,
		CustomerID:     params.CustomerID,
		MechanicID:     params.MechanicID,
		Amount:         params.Amount,
		MechanicAmount: mechanicAmount,
		PlatformFee:    fee,
		PaymentMethod:  e.cfg.PaymentMethod,
		Status:         StatusEscrow,
		CreatedAt:      e.now().UTC(),
	})
}

// Reprice replaces the escrowed amount and assigns the beneficiary. Only
// escrow payments can be repriced.
func (e *Engine) Reprice(ctx context.Context, tx pgx.Tx, jobID string, amount int64, mechanicID string) (Payment, error) {
	if amount <= 0 {
		return Payment{}, ErrInvalidAmount
	}
	p, err := e.repo.GetByJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status != StatusEscrow {
		return Payment{}, fmt.Errorf("%w: reprice from %s", ErrInvalidState, p.Status)
	}
	fee, mech := Split(amount, e.cfg.FeeBps)
	return e.repo.UpdateAmounts(ctx, tx, p.ID, Amounts{Amount: amount, MechanicAmount: mech, PlatformFee: fee}, &mechanicID, e.now().UTC())
}

// TopUp adds amount to an escrow payment and re-splits the total.
func (e *Engine) TopUp(ctx context.Context, tx pgx.Tx, jobID string, amount int64) (Payment, error) {
	if amount <= 0 {
		return Payment{}, ErrInvalidAmount
	}
	p, err := e.repo.GetByJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status != StatusEscrow {
		return Payment{}, fmt.Errorf("%w: top up from %s", ErrInvalidState, p.Status)
	}
	total := p.Amount + amount
	fee, mech := Split(total, e.cfg.FeeBps)
	return e.repo.UpdateAmounts(ctx, tx, p.ID, Amounts{Amount: total, MechanicAmount: mech, PlatformFee: fee}, nil, e.now().UTC())
}

// Release pays the mechanic out of escrow. Releasing a completed payment
// returns it unchanged.
func (e *Engine) Release(ctx context.Context, tx pgx.Tx, jobID string) (Payment, error) {
	return e.release(ctx, tx, jobID, StatusEscrow)
}

// ReleaseDisputed settles a payment in the mechanic's favour at the end of a
// dispute; frozen payments are accepted.
func (e *Engine) ReleaseDisputed(ctx context.Context, tx pgx.Tx, jobID string) (Payment, error) {
	return e.release(ctx, tx, jobID, StatusEscrow, StatusDisputed)
}

func (e *Engine) release(ctx context.Context, tx pgx.Tx, jobID string, allowed ...Status) (Payment, error) {
	p, err := e.repo.GetByJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status == StatusCompleted {
		return p, nil
	}
	if !statusIn(p.Status, allowed) || !CanTransition(p.Status, StatusCompleted) {
		return Payment{}, fmt.Errorf("%w: release from %s", ErrInvalidState, p.Status)
	}
	if p.MechanicID == nil {
		return Payment{}, fmt.Errorf("%w: no beneficiary", ErrInvalidState)
	}

	err = e.transfer(ctx, tx, Transfer{
		IdempotencyKey: "release:" + p.ID,
		PaymentID:      p.ID,
		Kind:           TransferRelease,
		Amount:         p.MechanicAmount,
		BeneficiaryID:  *p.MechanicID,
	})
	if err != nil {
		return Payment{}, fmt.Errorf("%w: %w", ErrReleaseFailed, err)
	}

	return e.repo.UpdateStatus(ctx, tx, StatusUpdate{ID: p.ID, From: p.Status, To: StatusCompleted, At: e.now().UTC()})
}

// Refund returns escrowed or frozen funds to the customer. Refunding an
// already refunded payment returns it unchanged.
func (e *Engine) Refund(ctx context.Context, tx pgx.Tx, jobID string, reason string) (Payment, error) {
	p, err := e.repo.GetByJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status == StatusRefunded {
		return p, nil
	}
	if !CanTransition(p.Status, StatusRefunded) {
		return Payment{}, fmt.Errorf("%w: refund from %s", ErrInvalidState, p.Status)
	}

	err = e.transfer(ctx, tx, Transfer{
		IdempotencyKey: "refund:" + p.ID,
		PaymentID:      p.ID,
		Kind:           TransferRefund,
		Amount:         p.Amount,
		BeneficiaryID:  p.CustomerID,
	})
	if err != nil {
		return Payment{}, fmt.Errorf("%w: %w", ErrRefundFailed, err)
	}

	var r *string
	if reason != "" {
		r = &reason
	}
	return e.repo.UpdateStatus(ctx, tx, StatusUpdate{ID: p.ID, From: p.Status, To: StatusRefunded, At: e.now().UTC(), RefundReason: r})
}

// Freeze moves an escrow payment to disputed. Payments in any other status
// are returned as they are.
func (e *Engine) Freeze(ctx context.Context, tx pgx.Tx, jobID string) (Payment, error) {
	p, err := e.repo.GetByJobForUpdate(ctx, tx, jobID)
	if err != nil {
		return Payment{}, err
	}
	if !CanTransition(p.Status, StatusDisputed) {
		return p, nil
	}
	return e.repo.UpdateStatus(ctx, tx, StatusUpdate{ID: p.ID, From: p.Status, To: StatusDisputed, At: e.now().UTC()})
}

func (e *Engine) GetByJob(ctx context.Context, tx pgx.Tx, jobID string) (Payment, error) {
	return e.repo.GetByJob(ctx, tx, jobID)
}

// transfer records t in tx, retrying transient gateway failures. Nothing is
// recorded if the caller later rolls back.
func (e *Engine) transfer(ctx context.Context, tx pgx.Tx, t Transfer) error {
	if e.gateway == nil {
		return errors.New("payment: no gateway configured")
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.cfg.RetryBase
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(e.cfg.MaxAttempts-1)), ctx)

	log := e.log.WithFields(logrus.Fields{
		"payment_id": t.PaymentID,
		"kind":       t.Kind,
	})
	attempt := 0
	op := func() error {
		attempt++
		err := e.gateway.Transfer(ctx, tx, t)
		if errors.Is(err, ErrTransferRejected) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).Warn("gateway transfer failed, retrying")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		log.WithError(err).WithField("attempt", attempt).Error("gateway transfer gave up")
		return err
	}
	return nil
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
