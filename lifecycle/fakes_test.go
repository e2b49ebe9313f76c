package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"garageflow/bid"
	"garageflow/changeorder"
	"garageflow/dispute"
	"garageflow/job"
	"garageflow/notification"
	"garageflow/payment"
	"garageflow/review"
	"garageflow/schedule"
)

// memState is the whole database. Transactions copy it on Begin and put the
// copy back on Rollback.
type memState struct {
	jobs         map[string]job.Job
	bids         map[string]bid.Bid
	proposals    map[string]schedule.Proposal
	payments     map[string]payment.Payment
	reviews      []review.Review
	disputes     map[string]dispute.Record
	changeOrders map[string]changeorder.ChangeOrder
	transfers    map[string]payment.Transfer
	events       []notification.Event
}

func newMemState() *memState {
	return &memState{
		jobs:         map[string]job.Job{},
		bids:         map[string]bid.Bid{},
		proposals:    map[string]schedule.Proposal{},
		payments:     map[string]payment.Payment{},
		disputes:     map[string]dispute.Record{},
		changeOrders: map[string]changeorder.ChangeOrder{},
		transfers:    map[string]payment.Transfer{},
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.bids {
		c.bids[k] = v
	}
	for k, v := range s.proposals {
		c.proposals[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.disputes {
		c.disputes[k] = v
	}
	for k, v := range s.changeOrders {
		c.changeOrders[k] = v
	}
	for k, v := range s.transfers {
		c.transfers[k] = v
	}
	c.reviews = append([]review.Review(nil), s.reviews...)
	c.events = append([]notification.Event(nil), s.events...)
	return c
}

// memDB serialises transactions with a single lock, which is stricter than
// row locking but keeps the same outcome for job-first commands.
type memDB struct {
	mu    sync.Mutex
	state *memState
}

func newMemDB() *memDB {
	return &memDB{state: newMemState()}
}

func (d *memDB) Begin(ctx context.Context) (pgx.Tx, error) {
	d.mu.Lock()
	return &memTx{db: d, snapshot: d.state.clone()}, nil
}

// snapshot returns a copy of the committed state for assertions.
func (d *memDB) snapshot() *memState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.clone()
}

type memTx struct {
	db       *memDB
	snapshot *memState
	done     bool
}

func (t *memTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("memTx does not support nested transactions")
}

func (t *memTx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.db.mu.Unlock()
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	t.db.state = t.snapshot
	t.db.mu.Unlock()
	return nil
}

func (t *memTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (t *memTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (t *memTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (t *memTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (t *memTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (t *memTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (t *memTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (t *memTx) Conn() *pgx.Conn {
	return nil
}

type memJobs struct{ db *memDB }

func (r memJobs) Create(_ context.Context, _ pgx.Tx, j job.Job) (job.Job, error) {
	j.UpdatedAt = j.CreatedAt
	r.db.state.jobs[j.ID] = j
	return j, nil
}

func (r memJobs) Get(_ context.Context, _ pgx.Tx, id string) (job.Job, error) {
	j, ok := r.db.state.jobs[id]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	return j, nil
}

func (r memJobs) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (job.Job, error) {
	return r.Get(ctx, tx, id)
}

func (r memJobs) UpdateStatus(_ context.Context, _ pgx.Tx, upd job.StatusUpdate) (job.Job, error) {
	j, ok := r.db.state.jobs[upd.ID]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	if j.Status != upd.From {
		return job.Job{}, job.ErrConflict
	}
	j.Status = upd.To
	j.UpdatedAt = upd.At
	if upd.MechanicID != nil {
		j.MechanicID = upd.MechanicID
	}
	if upd.ClearMechanic {
		j.MechanicID = nil
	}
	if upd.ScheduledAt != nil {
		j.ScheduledAt = upd.ScheduledAt
	}
	if upd.FinalCost != nil {
		j.FinalCost = upd.FinalCost
	}
	if upd.CancelReason != nil {
		j.CancelReason = upd.CancelReason
	}
	at := upd.At
	switch upd.To {
	case job.StatusInProgress:
		j.StartedAt = &at
	case job.StatusCompleted:
		j.CompletedAt = &at
	case job.StatusCancelled:
		j.CancelledAt = &at
	}
	if upd.To.RequiresMechanic() != (j.MechanicID != nil) {
		return job.Job{}, fmt.Errorf("check violation: jobs_mechanic_matches_status (%s)", upd.To)
	}
	r.db.state.jobs[j.ID] = j
	return j, nil
}

func (r memJobs) AddAdditionalWork(_ context.Context, _ pgx.Tx, id string, amount int64) (job.Job, error) {
	j, ok := r.db.state.jobs[id]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	j.AdditionalWorkAmount += amount
	r.db.state.jobs[id] = j
	return j, nil
}

func (r memJobs) List(_ context.Context, _ pgx.Tx, f job.Filters) ([]job.Job, error) {
	var out []job.Job
	for _, j := range r.db.state.jobs {
		if f.CustomerID != "" && j.CustomerID != f.CustomerID {
			continue
		}
		if f.MechanicID != "" && !j.HasMechanic(f.MechanicID) {
			continue
		}
		if f.OpenOnly && !j.Status.Biddable() {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

type memBids struct{ db *memDB }

func (r memBids) Place(_ context.Context, _ pgx.Tx, b bid.Bid) (bid.Bid, error) {
	for _, existing := range r.db.state.bids {
		if existing.JobID == b.JobID && existing.MechanicID == b.MechanicID &&
			(existing.Status == bid.StatusPending || existing.Status == bid.StatusAccepted) {
			return bid.Bid{}, bid.ErrAlreadyExists
		}
	}
	b.Status = bid.StatusPending
	b.UpdatedAt = b.CreatedAt
	r.db.state.bids[b.ID] = b
	return b, nil
}

func (r memBids) Get(_ context.Context, _ pgx.Tx, id string) (bid.Bid, error) {
	b, ok := r.db.state.bids[id]
	if !ok {
		return bid.Bid{}, bid.ErrNotFound
	}
	return b, nil
}

func (r memBids) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (bid.Bid, error) {
	return r.Get(ctx, tx, id)
}

func (r memBids) ListForJob(_ context.Context, _ pgx.Tx, jobID string) ([]bid.Bid, error) {
	var out []bid.Bid
	for _, b := range r.db.state.bids {
		if b.JobID == jobID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (r memBids) Withdraw(_ context.Context, _ pgx.Tx, id string, at time.Time) (bid.Bid, error) {
	b, ok := r.db.state.bids[id]
	if !ok {
		return bid.Bid{}, bid.ErrNotFound
	}
	if b.Status != bid.StatusPending {
		return bid.Bid{}, bid.ErrInvalidState
	}
	b.Status = bid.StatusWithdrawn
	b.UpdatedAt = at
	r.db.state.bids[id] = b
	return b, nil
}

func (r memBids) Accept(_ context.Context, _ pgx.Tx, jobID, bidID string, at time.Time) (bid.Bid, error) {
	b, ok := r.db.state.bids[bidID]
	if !ok || b.JobID != jobID {
		return bid.Bid{}, bid.ErrNotFound
	}
	for _, other := range r.db.state.bids {
		if other.JobID == jobID && other.Status == bid.StatusAccepted {
			return bid.Bid{}, bid.ErrConflict
		}
	}
	if b.Status != bid.StatusPending {
		return bid.Bid{}, bid.ErrInvalidState
	}
	b.Status = bid.StatusAccepted
	b.UpdatedAt = at
	r.db.state.bids[bidID] = b
	if _, err := r.RejectPending(context.Background(), nil, jobID, at); err != nil {
		return bid.Bid{}, err
	}
	return b, nil
}

func (r memBids) RejectPending(_ context.Context, _ pgx.Tx, jobID string, at time.Time) (int64, error) {
	var n int64
	for id, b := range r.db.state.bids {
		if b.JobID == jobID && b.Status == bid.StatusPending {
			b.Status = bid.StatusRejected
			b.UpdatedAt = at
			r.db.state.bids[id] = b
			n++
		}
	}
	return n, nil
}

type memSchedules struct{ db *memDB }

func (r memSchedules) find(jobID string, status schedule.Status) (schedule.Proposal, bool) {
	for _, p := range r.db.state.proposals {
		if p.JobID == jobID && p.Status == status {
			return p, true
		}
	}
	return schedule.Proposal{}, false
}

func (r memSchedules) Insert(_ context.Context, _ pgx.Tx, p schedule.Proposal) (schedule.Proposal, error) {
	if _, ok := r.find(p.JobID, schedule.StatusProposed); ok {
		return schedule.Proposal{}, schedule.ErrProposalPending
	}
	p.Status = schedule.StatusProposed
	r.db.state.proposals[p.ID] = p
	return p, nil
}

func (r memSchedules) GetPending(_ context.Context, _ pgx.Tx, jobID string) (schedule.Proposal, error) {
	p, ok := r.find(jobID, schedule.StatusProposed)
	if !ok {
		return schedule.Proposal{}, schedule.ErrNotFound
	}
	return p, nil
}

func (r memSchedules) GetConfirmed(_ context.Context, _ pgx.Tx, jobID string) (schedule.Proposal, error) {
	p, ok := r.find(jobID, schedule.StatusConfirmed)
	if !ok {
		return schedule.Proposal{}, schedule.ErrNotFound
	}
	return p, nil
}

func (r memSchedules) Confirm(_ context.Context, _ pgx.Tx, id string, at time.Time) (schedule.Proposal, error) {
	p, ok := r.db.state.proposals[id]
	if !ok || p.Status != schedule.StatusProposed {
		return schedule.Proposal{}, schedule.ErrConflict
	}
	if prev, ok := r.find(p.JobID, schedule.StatusConfirmed); ok {
		prev.Status = schedule.StatusSuperseded
		r.db.state.proposals[prev.ID] = prev
	}
	p.Status = schedule.StatusConfirmed
	p.RespondedAt = &at
	r.db.state.proposals[id] = p
	return p, nil
}

func (r memSchedules) Decline(_ context.Context, _ pgx.Tx, id string, reason *string, at time.Time) (schedule.Proposal, error) {
	p, ok := r.db.state.proposals[id]
	if !ok || p.Status != schedule.StatusProposed {
		return schedule.Proposal{}, schedule.ErrConflict
	}
	p.Status = schedule.StatusDeclined
	p.DeclineReason = reason
	p.RespondedAt = &at
	r.db.state.proposals[id] = p
	return p, nil
}

func (r memSchedules) ExpirePendingForJob(_ context.Context, _ pgx.Tx, jobID string, at time.Time) (int64, error) {
	var n int64
	for id, p := range r.db.state.proposals {
		if p.JobID == jobID && p.Status == schedule.StatusProposed {
			p.Status = schedule.StatusExpired
			p.RespondedAt = &at
			r.db.state.proposals[id] = p
			n++
		}
	}
	return n, nil
}

func (r memSchedules) ExpireStale(_ context.Context, _ pgx.Tx, createdBefore, at time.Time) ([]schedule.Proposal, error) {
	var out []schedule.Proposal
	for id, p := range r.db.state.proposals {
		if p.Status == schedule.StatusProposed && p.CreatedAt.Before(createdBefore) {
			p.Status = schedule.StatusExpired
			p.RespondedAt = &at
			r.db.state.proposals[id] = p
			out = append(out, p)
		}
	}
	return out, nil
}

type memPayments struct{ db *memDB }

func (r memPayments) Create(_ context.Context, _ pgx.Tx, p payment.Payment) (payment.Payment, error) {
	if _, ok := r.db.state.payments[p.JobID]; ok {
		return payment.Payment{}, errors.New("unique violation: payments_job_id_key")
	}
	p.UpdatedAt = p.CreatedAt
	r.db.state.payments[p.JobID] = p
	return p, nil
}

func (r memPayments) GetByJob(_ context.Context, _ pgx.Tx, jobID string) (payment.Payment, error) {
	p, ok := r.db.state.payments[jobID]
	if !ok {
		return payment.Payment{}, payment.ErrNotFound
	}
	return p, nil
}

func (r memPayments) GetByJobForUpdate(ctx context.Context, tx pgx.Tx, jobID string) (payment.Payment, error) {
	return r.GetByJob(ctx, tx, jobID)
}

func (r memPayments) byID(id string) (payment.Payment, bool) {
	for _, p := range r.db.state.payments {
		if p.ID == id {
			return p, true
		}
	}
	return payment.Payment{}, false
}

func (r memPayments) UpdateStatus(_ context.Context, _ pgx.Tx, upd payment.StatusUpdate) (payment.Payment, error) {
	p, ok := r.byID(upd.ID)
	if !ok {
		return payment.Payment{}, payment.ErrNotFound
	}
	if p.Status != upd.From {
		return payment.Payment{}, payment.ErrConflict
	}
	p.Status = upd.To
	p.UpdatedAt = upd.At
	at := upd.At
	switch upd.To {
	case payment.StatusCompleted:
		p.CompletedAt = &at
	case payment.StatusRefunded:
		p.RefundedAt = &at
		p.RefundReason = upd.RefundReason
	}
	r.db.state.payments[p.JobID] = p
	return p, nil
}

func (r memPayments) UpdateAmounts(_ context.Context, _ pgx.Tx, id string, amounts payment.Amounts, mechanicID *string, at time.Time) (payment.Payment, error) {
	p, ok := r.byID(id)
	if !ok {
		return payment.Payment{}, payment.ErrNotFound
	}
	if p.Status != payment.StatusEscrow {
		return payment.Payment{}, payment.ErrConflict
	}
	p.Amount = amounts.Amount
	p.MechanicAmount = amounts.MechanicAmount
	p.PlatformFee = amounts.PlatformFee
	if mechanicID != nil {
		p.MechanicID = mechanicID
	}
	p.UpdatedAt = at
	r.db.state.payments[p.JobID] = p
	return p, nil
}

type memReviews struct{ db *memDB }

func (r memReviews) Insert(_ context.Context, _ pgx.Tx, rv review.Review) (review.Review, error) {
	for _, existing := range r.db.state.reviews {
		if existing.JobID == rv.JobID && existing.RaterID == rv.RaterID && existing.Direction == rv.Direction {
			return review.Review{}, review.ErrAlreadyReviewed
		}
	}
	r.db.state.reviews = append(r.db.state.reviews, rv)
	return rv, nil
}

func (r memReviews) HasReviewed(_ context.Context, _ pgx.Tx, jobID, raterID string, direction review.Direction) (bool, error) {
	for _, existing := range r.db.state.reviews {
		if existing.JobID == jobID && existing.RaterID == raterID && existing.Direction == direction {
			return true, nil
		}
	}
	return false, nil
}

func (r memReviews) ListForJob(_ context.Context, _ pgx.Tx, jobID string) ([]review.Review, error) {
	var out []review.Review
	for _, rv := range r.db.state.reviews {
		if rv.JobID == jobID {
			out = append(out, rv)
		}
	}
	return out, nil
}

func (r memReviews) Summary(_ context.Context, _ pgx.Tx, userID string) (review.Summary, error) {
	s := review.Summary{UserID: userID}
	var total int
	for _, rv := range r.db.state.reviews {
		if rv.RateeID == userID {
			s.Count++
			total += rv.OverallRating
		}
	}
	if s.Count > 0 {
		s.Average = float64(total) / float64(s.Count)
	}
	return s, nil
}

type memDisputes struct{ db *memDB }

func (r memDisputes) Create(_ context.Context, _ pgx.Tx, rec dispute.Record) (dispute.Record, error) {
	for _, existing := range r.db.state.disputes {
		if existing.JobID == rec.JobID && existing.Status.Active() {
			return dispute.Record{}, dispute.ErrAlreadyExists
		}
	}
	rec.Status = dispute.StatusOpen
	rec.EvidenceRefs = append([]string{}, rec.EvidenceRefs...)
	rec.UpdatedAt = rec.CreatedAt
	r.db.state.disputes[rec.ID] = rec
	return rec, nil
}

func (r memDisputes) Get(_ context.Context, _ pgx.Tx, id string) (dispute.Record, error) {
	rec, ok := r.db.state.disputes[id]
	if !ok {
		return dispute.Record{}, dispute.ErrNotFound
	}
	return rec, nil
}

func (r memDisputes) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (dispute.Record, error) {
	return r.Get(ctx, tx, id)
}

func (r memDisputes) ListForJob(_ context.Context, _ pgx.Tx, jobID string) ([]dispute.Record, error) {
	var out []dispute.Record
	for _, rec := range r.db.state.disputes {
		if rec.JobID == jobID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r memDisputes) MarkUnderReview(_ context.Context, _ pgx.Tx, id string, at time.Time) (dispute.Record, error) {
	rec, ok := r.db.state.disputes[id]
	if !ok {
		return dispute.Record{}, dispute.ErrNotFound
	}
	if rec.Status != dispute.StatusOpen {
		return dispute.Record{}, dispute.ErrBadStatus
	}
	rec.Status = dispute.StatusUnderReview
	rec.UpdatedAt = at
	r.db.state.disputes[id] = rec
	return rec, nil
}

func (r memDisputes) AddEvidence(_ context.Context, _ pgx.Tx, id string, refs []string, at time.Time) (dispute.Record, error) {
	rec, ok := r.db.state.disputes[id]
	if !ok {
		return dispute.Record{}, dispute.ErrNotFound
	}
	if !rec.Status.Active() {
		return dispute.Record{}, dispute.ErrBadStatus
	}
	rec.EvidenceRefs = append(append([]string{}, rec.EvidenceRefs...), refs...)
	rec.UpdatedAt = at
	r.db.state.disputes[id] = rec
	return rec, nil
}

func (r memDisputes) Resolve(_ context.Context, _ pgx.Tx, res dispute.Resolution) (dispute.Record, error) {
	rec, ok := r.db.state.disputes[res.ID]
	if !ok {
		return dispute.Record{}, dispute.ErrNotFound
	}
	if rec.Status != res.From {
		return dispute.Record{}, dispute.ErrBadStatus
	}
	outcome := res.Outcome
	note := res.Note
	by := res.ResolvedBy
	at := res.At
	rec.Status = res.Outcome.ClosingStatus()
	rec.Outcome = &outcome
	rec.ResolutionNote = &note
	rec.ResolvedBy = &by
	rec.ResolvedAt = &at
	rec.UpdatedAt = at
	r.db.state.disputes[res.ID] = rec
	return rec, nil
}

type memChangeOrders struct{ db *memDB }

func (r memChangeOrders) Create(_ context.Context, _ pgx.Tx, co changeorder.ChangeOrder) (changeorder.ChangeOrder, error) {
	for _, existing := range r.db.state.changeOrders {
		if existing.JobID == co.JobID && existing.Status == changeorder.StatusPending {
			return changeorder.ChangeOrder{}, changeorder.ErrAlreadyExists
		}
	}
	co.Status = changeorder.StatusPending
	r.db.state.changeOrders[co.ID] = co
	return co, nil
}

func (r memChangeOrders) Get(_ context.Context, _ pgx.Tx, id string) (changeorder.ChangeOrder, error) {
	co, ok := r.db.state.changeOrders[id]
	if !ok {
		return changeorder.ChangeOrder{}, changeorder.ErrNotFound
	}
	return co, nil
}

func (r memChangeOrders) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (changeorder.ChangeOrder, error) {
	return r.Get(ctx, tx, id)
}

func (r memChangeOrders) Respond(_ context.Context, _ pgx.Tx, id string, to changeorder.Status, at time.Time) (changeorder.ChangeOrder, error) {
	co, ok := r.db.state.changeOrders[id]
	if !ok {
		return changeorder.ChangeOrder{}, changeorder.ErrNotFound
	}
	if co.Status != changeorder.StatusPending {
		return changeorder.ChangeOrder{}, changeorder.ErrNotPending
	}
	co.Status = to
	co.RespondedAt = &at
	r.db.state.changeOrders[id] = co
	return co, nil
}

func (r memChangeOrders) expire(match func(changeorder.ChangeOrder) bool, at time.Time) []changeorder.ChangeOrder {
	var out []changeorder.ChangeOrder
	for id, co := range r.db.state.changeOrders {
		if co.Status == changeorder.StatusPending && match(co) {
			co.Status = changeorder.StatusExpired
			co.RespondedAt = &at
			r.db.state.changeOrders[id] = co
			out = append(out, co)
		}
	}
	return out
}

func (r memChangeOrders) ExpirePendingForJob(_ context.Context, _ pgx.Tx, jobID string, at time.Time) ([]changeorder.ChangeOrder, error) {
	return r.expire(func(co changeorder.ChangeOrder) bool { return co.JobID == jobID }, at), nil
}

func (r memChangeOrders) ExpireStale(_ context.Context, _ pgx.Tx, at time.Time) ([]changeorder.ChangeOrder, error) {
	return r.expire(func(co changeorder.ChangeOrder) bool { return !co.ExpiresAt.After(at) }, at), nil
}

// memOutbox fails the next Enqueue of any type listed in failOnce.
type memOutbox struct {
	db       *memDB
	mu       sync.Mutex
	failOnce map[notification.Type]bool
}

func (o *memOutbox) Enqueue(_ context.Context, _ pgx.Tx, ev notification.Event) error {
	if ev.RecipientID == "" {
		return errors.New("outbox: recipient required")
	}
	o.mu.Lock()
	fail := o.failOnce[ev.Type]
	delete(o.failOnce, ev.Type)
	o.mu.Unlock()
	if fail {
		return fmt.Errorf("outbox: insert %s: connection reset", ev.Type)
	}
	ev.ID = fmt.Sprintf("ev-%d", len(o.db.state.events)+1)
	o.db.state.events = append(o.db.state.events, ev)
	return nil
}

func (o *memOutbox) failNext(typ notification.Type) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failOnce == nil {
		o.failOnce = map[notification.Type]bool{}
	}
	o.failOnce[typ] = true
}

// memGateway writes transfers into the transaction's state, so they vanish
// on rollback the same way payment_transfers rows do.
type memGateway struct {
	db       *memDB
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (g *memGateway) Transfer(_ context.Context, _ pgx.Tx, t payment.Transfer) error {
	g.mu.Lock()
	g.calls++
	err := g.err
	if err == nil && g.failures > 0 {
		g.failures--
		err = errors.New("gateway unavailable")
	}
	g.mu.Unlock()
	if err != nil {
		return err
	}
	for _, existing := range g.db.state.transfers {
		if existing.PaymentID == t.PaymentID && existing.Kind != t.Kind {
			return fmt.Errorf("%w: payment %s already has a %s transfer", payment.ErrTransferRejected, t.PaymentID, existing.Kind)
		}
	}
	if _, ok := g.db.state.transfers[t.IdempotencyKey]; !ok {
		g.db.state.transfers[t.IdempotencyKey] = t
	}
	return nil
}

// count returns the committed transfers of kind.
func (g *memGateway) count(kind payment.TransferKind) int {
	n := 0
	for _, t := range g.db.snapshot().transfers {
		if t.Kind == kind {
			n++
		}
	}
	return n
}

type fakeCalendar struct {
	mu        sync.Mutex
	confirmed []string
	err       error
}

func (c *fakeCalendar) ScheduleConfirmed(_ context.Context, j job.Job, p schedule.Proposal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed = append(c.confirmed, j.ID+"/"+p.ID)
	return c.err
}

type fixture struct {
	db       *memDB
	gateway  *memGateway
	outbox   *memOutbox
	calendar *fakeCalendar
	orch     *Orchestrator
	now      time.Time
	clockMu  sync.Mutex
	seq      int
}

func newFixture(policy payment.Policy) *fixture {
	f := &fixture{
		db:       newMemDB(),
		calendar: &fakeCalendar{},
		now:      time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	f.gateway = &memGateway{db: f.db}
	f.outbox = &memOutbox{db: f.db}
	log := logrus.New()
	log.SetOutput(io.Discard)

	stores := Stores{
		Jobs:         memJobs{f.db},
		Bids:         memBids{f.db},
		Schedules:    memSchedules{f.db},
		Reviews:      memReviews{f.db},
		Disputes:     memDisputes{f.db},
		ChangeOrders: memChangeOrders{f.db},
	}
	engine := payment.NewEngine(memPayments{f.db}, f.gateway, payment.EngineConfig{
		FeeBps:      1000,
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
	}, log).WithIDGenerator(f.nextID("pay")).WithClock(f.clock)

	f.orch = New(f.db, stores, engine, f.outbox, Config{
		EscrowPolicy:       policy,
		CancelCutoff:       24 * time.Hour,
		SupportRecipientID: "support",
	}, log).
		WithCalendar(f.calendar).
		WithClock(f.clock).
		WithIDGenerator(f.nextID("id"))
	return f
}

func (f *fixture) clock() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) nextID(prefix string) func() string {
	return func() string {
		f.clockMu.Lock()
		defer f.clockMu.Unlock()
		f.seq++
		return fmt.Sprintf("%s-%03d", prefix, f.seq)
	}
}

// events returns the committed notification types sent to recipient.
func (f *fixture) events(recipient string) []notification.Type {
	var out []notification.Type
	for _, ev := range f.db.snapshot().events {
		if ev.RecipientID == recipient {
			out = append(out, ev.Type)
		}
	}
	return out
}

func hasEvent(events []notification.Type, typ notification.Type) bool {
	for _, e := range events {
		if e == typ {
			return true
		}
	}
	return false
}
