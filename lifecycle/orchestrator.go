// Package lifecycle drives a job from posting to settlement. Every command
// runs in a single transaction that locks the job row first, so job, bid,
// payment and outbox rows always change together.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"garageflow/auth"
	"garageflow/bid"
	"garageflow/changeorder"
	"garageflow/db"
	"garageflow/dispute"
	"garageflow/job"
	"garageflow/notification"
	"garageflow/payment"
	"garageflow/review"
	"garageflow/schedule"
)

// Notifier appends lifecycle events to the outbox inside the command's
// transaction.
type Notifier interface {
	Enqueue(ctx context.Context, tx pgx.Tx, ev notification.Event) error
}

// Calendar is told about confirmed appointments after the confirming
// transaction commits. Failures are logged and otherwise ignored.
type Calendar interface {
	ScheduleConfirmed(ctx context.Context, j job.Job, p schedule.Proposal) error
}

// Stores bundles the repositories the orchestrator writes through. Every
// method takes the command's transaction.
type Stores struct {
	Jobs         job.Repository
	Bids         bid.Repository
	Schedules    schedule.Repository
	Reviews      review.Repository
	Disputes     dispute.Repository
	ChangeOrders changeorder.Repository
}

// PGStores returns the PostgreSQL implementation of every store.
func PGStores() Stores {
	return Stores{
		Jobs:         job.NewRepository(),
		Bids:         bid.NewRepository(),
		Schedules:    schedule.NewRepository(),
		Reviews:      review.NewRepository(),
		Disputes:     dispute.NewRepository(),
		ChangeOrders: changeorder.NewRepository(),
	}
}

// Config tunes escrow timing and expiry windows. Zero TTLs fall back to the
// package defaults. With a zero CancelCutoff a scheduled job can be cancelled
// until its appointment starts.
type Config struct {
	EscrowPolicy       payment.Policy
	ProposalTTL        time.Duration
	ChangeOrderTTL     time.Duration
	CancelCutoff       time.Duration
	SupportRecipientID string
}

// Orchestrator executes lifecycle commands. It is safe for concurrent use;
// all coordination happens through row locks in the database.
type Orchestrator struct {
	pool        db.TxBeginner
	stores      Stores
	payments    *payment.Engine
	notifier    Notifier
	calendar    Calendar
	log         logrus.FieldLogger
	cfg         Config
	idGenerator func() string
	now         func() time.Time
}

// New creates an orchestrator. notifier receives every event inside the
// command transaction and payments performs all escrow mutations.
func New(pool db.TxBeginner, stores Stores, payments *payment.Engine, notifier Notifier, cfg Config, log logrus.FieldLogger) *Orchestrator {
	if cfg.EscrowPolicy == "" {
		cfg.EscrowPolicy = payment.PolicyBidAcceptance
	}
	if cfg.ProposalTTL <= 0 {
		cfg.ProposalTTL = schedule.DefaultProposalTTL
	}
	if cfg.ChangeOrderTTL <= 0 {
		cfg.ChangeOrderTTL = changeorder.DefaultTTL
	}
	if cfg.SupportRecipientID == "" {
		cfg.SupportRecipientID = "support"
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		pool:        pool,
		stores:      stores,
		payments:    payments,
		notifier:    notifier,
		log:         log,
		cfg:         cfg,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (o *Orchestrator) WithCalendar(c Calendar) *Orchestrator {
	o.calendar = c
	return o
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

func (o *Orchestrator) WithIDGenerator(gen func() string) *Orchestrator {
	o.idGenerator = gen
	return o
}

// inTx runs fn in one transaction and commits only if fn succeeds.
func (o *Orchestrator) inTx(ctx context.Context, command string, fn func(tx pgx.Tx) error) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return classify(fmt.Errorf("lifecycle: %s: begin tx: %w", command, err))
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("lifecycle: %s: commit: %w", command, err))
	}
	return nil
}

// read runs fn in a transaction that is always rolled back.
func (o *Orchestrator) read(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return classify(fmt.Errorf("lifecycle: begin read tx: %w", err))
	}
	defer tx.Rollback(ctx)
	return classify(fn(tx))
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if db.IsTransient(err) {
		return fmt.Errorf("%w: %v", db.ErrRetryable, err)
	}
	return err
}

func (o *Orchestrator) lockJob(ctx context.Context, tx pgx.Tx, jobID string) (job.Job, error) {
	if jobID == "" {
		return job.Job{}, invalid("job_id", "required")
	}
	return o.stores.Jobs.GetForUpdate(ctx, tx, jobID)
}

// move applies a table-checked status change to a job that is locked by tx.
func (o *Orchestrator) move(ctx context.Context, tx pgx.Tx, command string, j job.Job, upd job.StatusUpdate) (job.Job, error) {
	if !job.CanTransition(j.Status, upd.To) {
		return job.Job{}, refuse(command, j)
	}
	upd.ID = j.ID
	upd.From = j.Status
	upd.At = o.now().UTC()

	updated, err := o.stores.Jobs.UpdateStatus(ctx, tx, upd)
	if err != nil {
		if errors.Is(err, job.ErrConflict) {
			return job.Job{}, &TransitionError{Command: command, Job: j, Err: ErrConflict}
		}
		return job.Job{}, err
	}
	return updated, nil
}

func (o *Orchestrator) notify(ctx context.Context, tx pgx.Tx, jobID, recipient string, typ notification.Type, payload map[string]any) error {
	if recipient == "" {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["job_id"] = jobID
	return o.notifier.Enqueue(ctx, tx, notification.Event{
		JobID:       jobID,
		RecipientID: recipient,
		Type:        typ,
		Payload:     payload,
		CreatedAt:   o.now().UTC(),
	})
}

func (o *Orchestrator) logger(command, jobID string) logrus.FieldLogger {
	return o.log.WithFields(logrus.Fields{"command": command, "job_id": jobID})
}

func isParty(j job.Job, userID string) bool {
	return j.CustomerID == userID || j.HasMechanic(userID)
}

func requireRole(actor auth.Principal, roles ...auth.Role) error {
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return ErrForbidden
}

func mechanicOf(j job.Job) string {
	if j.MechanicID == nil {
		return ""
	}
	return *j.MechanicID
}
