package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"garageflow/auth"
	"garageflow/bid"
	"garageflow/db"
	"garageflow/dispute"
	"garageflow/job"
	"garageflow/logging"
	"garageflow/migrations"
	"garageflow/notification"
	"garageflow/payment"
)

// pgHarness connects to DATABASE_URL, applies the migrations and seeds one
// principal per role.
type pgHarness struct {
	pool      *pgxpool.Pool
	orch      *Orchestrator
	customer  auth.Principal
	mechanic  auth.Principal
	rival     auth.Principal
	support   auth.Principal
	ctx       context.Context
	startsAt  time.Time
	seedToken int64
}

func newPGHarness(t *testing.T) *pgHarness {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	pool, err := db.NewPool(ctx, dsn, db.PoolOptions{MaxConns: 8})
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	h := &pgHarness{pool: pool, ctx: ctx, seedToken: time.Now().UnixNano()}
	h.customer = h.seedUser(t, auth.RoleCustomer)
	h.mechanic = h.seedUser(t, auth.RoleMechanic)
	h.rival = h.seedUser(t, auth.RoleMechanic)
	h.support = h.seedUser(t, auth.RoleSupport)

	log := logging.Discard()
	engine := payment.NewEngine(payment.NewRepository(), payment.NewLedgerGateway(), payment.EngineConfig{
		FeeBps:      1000,
		MaxAttempts: 2,
		RetryBase:   time.Millisecond,
	}, log)
	h.orch = New(pool, PGStores(), engine, notification.NewOutbox(), Config{
		EscrowPolicy:       payment.PolicyBidAcceptance,
		CancelCutoff:       24 * time.Hour,
		SupportRecipientID: h.support.UserID,
	}, log)
	h.startsAt = time.Now().Add(72 * time.Hour).Truncate(time.Second)
	return h
}

func (h *pgHarness) seedUser(t *testing.T, role auth.Role) auth.Principal {
	t.Helper()
	var id string
	err := h.pool.QueryRow(h.ctx,
		`INSERT INTO users (email, full_name, role) VALUES ($1, $2, $3::user_role) RETURNING id::text`,
		fmt.Sprintf("%s+%d@example.com", role, h.seedToken), "Integration "+string(role), string(role),
	).Scan(&id)
	if err != nil {
		t.Fatalf("seed %s: %v", role, err)
	}
	return auth.Principal{UserID: id, Role: role}
}

// inProgress posts a job, lets two mechanics bid, accepts the first bid and
// walks the job through scheduling to in_progress.
func (h *pgHarness) inProgress(t *testing.T) (job.Job, bid.Bid) {
	t.Helper()
	j, err := h.orch.PostJob(h.ctx, h.customer, PostJobParams{Category: "brakes", Description: "grinding noise", Urgency: job.UrgencyHigh, EstimatedCost: 20000})
	if err != nil {
		t.Fatalf("post job: %v", err)
	}
	winner, err := h.orch.PlaceBid(h.ctx, h.mechanic, PlaceBidParams{JobID: j.ID, Price: 18000, EstimatedDuration: 120})
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}
	if _, err := h.orch.PlaceBid(h.ctx, h.rival, PlaceBidParams{JobID: j.ID, Price: 21000}); err != nil {
		t.Fatalf("place rival bid: %v", err)
	}
	if _, err := h.orch.AcceptBid(h.ctx, h.customer, j.ID, winner.ID); err != nil {
		t.Fatalf("accept bid: %v", err)
	}
	if _, err := h.orch.ProposeSchedule(h.ctx, h.mechanic, ProposeScheduleParams{JobID: j.ID, StartsAt: h.startsAt, EstimatedDuration: 120}); err != nil {
		t.Fatalf("propose schedule: %v", err)
	}
	if _, err := h.orch.ConfirmSchedule(h.ctx, h.customer, j.ID); err != nil {
		t.Fatalf("confirm schedule: %v", err)
	}
	started, err := h.orch.StartJob(h.ctx, h.mechanic, j.ID)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	return started, winner
}

func (h *pgHarness) transferCount(t *testing.T, paymentID string) int {
	t.Helper()
	var n int
	if err := h.pool.QueryRow(h.ctx, `SELECT COUNT(*) FROM payment_transfers WHERE payment_id = $1`, paymentID).Scan(&n); err != nil {
		t.Fatalf("count transfers: %v", err)
	}
	return n
}

func TestLifecycleSettlement_Integration(t *testing.T) {
	h := newPGHarness(t)

	j, winner := h.inProgress(t)
	if j.Status != job.StatusInProgress || j.MechanicID == nil || *j.MechanicID != h.mechanic.UserID {
		t.Fatalf("unexpected started job: %+v", j)
	}

	bids, err := h.orch.ListBids(h.ctx, h.customer, j.ID)
	if err != nil {
		t.Fatalf("list bids: %v", err)
	}
	for _, b := range bids {
		want := bid.StatusRejected
		if b.ID == winner.ID {
			want = bid.StatusAccepted
		}
		if b.Status != want {
			t.Fatalf("bid %s: expected %s, got %s", b.ID, want, b.Status)
		}
	}

	if _, err := h.orch.CompleteJob(h.ctx, h.mechanic, CompleteJobParams{JobID: j.ID}); err != nil {
		t.Fatalf("complete job: %v", err)
	}
	first, err := h.orch.ReleasePayment(h.ctx, h.customer, j.ID)
	if err != nil {
		t.Fatalf("release payment: %v", err)
	}
	if first.Job.Status != job.StatusPaid || first.Payment.Status != payment.StatusCompleted {
		t.Fatalf("expected paid job and completed payment, got %s/%s", first.Job.Status, first.Payment.Status)
	}
	if first.Payment.Amount != 18000 || first.Payment.PlatformFee != 1800 || first.Payment.MechanicAmount != 16200 {
		t.Fatalf("unexpected split: %+v", first.Payment)
	}

	second, err := h.orch.ReleasePayment(h.ctx, h.customer, j.ID)
	if err != nil {
		t.Fatalf("repeat release: %v", err)
	}
	if second.Payment.ID != first.Payment.ID {
		t.Fatalf("repeat release returned a different payment")
	}
	if n := h.transferCount(t, first.Payment.ID); n != 1 {
		t.Fatalf("expected exactly one transfer, got %d", n)
	}

	var events int
	if err := h.pool.QueryRow(h.ctx, `SELECT COUNT(*) FROM notification_events WHERE job_id = $1`, j.ID).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events == 0 {
		t.Fatal("expected lifecycle notifications in the outbox")
	}
}

func TestConcurrentAccept_Integration(t *testing.T) {
	h := newPGHarness(t)

	j, err := h.orch.PostJob(h.ctx, h.customer, PostJobParams{Category: "tyres", Description: "two new tyres", EstimatedCost: 30000})
	if err != nil {
		t.Fatalf("post job: %v", err)
	}
	a, err := h.orch.PlaceBid(h.ctx, h.mechanic, PlaceBidParams{JobID: j.ID, Price: 25000})
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}
	b, err := h.orch.PlaceBid(h.ctx, h.rival, PlaceBidParams{JobID: j.ID, Price: 26000})
	if err != nil {
		t.Fatalf("place bid: %v", err)
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, bidID := range []string{a.ID, b.ID} {
		i, bidID := i, bidID
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.orch.AcceptBid(h.ctx, h.customer, j.ID, bidID)
		}()
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
		default:
			t.Fatalf("unexpected accept error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one accepted bid, got %d (errs=%v)", wins, errs)
	}

	var accepted, payments int
	if err := h.pool.QueryRow(h.ctx, `SELECT COUNT(*) FROM bids WHERE job_id = $1 AND status = 'accepted'`, j.ID).Scan(&accepted); err != nil {
		t.Fatalf("count accepted: %v", err)
	}
	if err := h.pool.QueryRow(h.ctx, `SELECT COUNT(*) FROM payments WHERE job_id = $1`, j.ID).Scan(&payments); err != nil {
		t.Fatalf("count payments: %v", err)
	}
	if accepted != 1 || payments != 1 {
		t.Fatalf("expected one accepted bid and one payment, got %d/%d", accepted, payments)
	}
}

func TestDisputeRefund_Integration(t *testing.T) {
	h := newPGHarness(t)
	j, _ := h.inProgress(t)

	d, err := h.orch.OpenDispute(h.ctx, h.customer, OpenDisputeParams{JobID: j.ID, Type: dispute.TypeNoShow, Description: "mechanic left early"})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	res, err := h.orch.ResolveDispute(h.ctx, h.support, ResolveDisputeParams{DisputeID: d.ID, Outcome: dispute.OutcomeRefundCustomer, Note: "refunded"})
	if err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}
	if res.Job.Status != job.StatusCancelled || res.Payment == nil || res.Payment.Status != payment.StatusRefunded {
		t.Fatalf("expected cancelled job and refunded payment, got %+v", res)
	}

	var kind string
	var amount int64
	if err := h.pool.QueryRow(h.ctx, `SELECT kind, amount FROM payment_transfers WHERE payment_id = $1`, res.Payment.ID).Scan(&kind, &amount); err != nil {
		t.Fatalf("load transfer: %v", err)
	}
	if kind != "refund" || amount != res.Payment.Amount {
		t.Fatalf("expected full refund transfer, got %s %d", kind, amount)
	}
}
