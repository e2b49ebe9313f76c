// Package actors runs marketplace participants against a live orchestrator.
// Commands are expected to be refused under contention; actors ignore those
// errors and keep going until stop is closed.
package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"garageflow/auth"
	"garageflow/bid"
	"garageflow/job"
	"garageflow/lifecycle"
	"garageflow/notification"
)

// Stats counts commands that succeeded, for the end-of-run log line.
type Stats struct {
	Posted    atomic.Int64
	Bids      atomic.Int64
	Accepted  atomic.Int64
	Scheduled atomic.Int64
	Started   atomic.Int64
	Completed atomic.Int64
	Released  atomic.Int64
	Cancelled atomic.Int64
	Delivered atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("posted=%d bids=%d accepted=%d scheduled=%d started=%d completed=%d released=%d cancelled=%d delivered=%d",
		s.Posted.Load(), s.Bids.Load(), s.Accepted.Load(), s.Scheduled.Load(), s.Started.Load(),
		s.Completed.Load(), s.Released.Load(), s.Cancelled.Load(), s.Delivered.Load())
}

// pause sleeps base plus up to jitter and reports whether the actor should
// keep running.
func pause(ctx context.Context, stop <-chan struct{}, base, jitter time.Duration) bool {
	d := base
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter)))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// Poster keeps a customer posting jobs.
func Poster(ctx context.Context, orch *lifecycle.Orchestrator, customer auth.Principal, stats *Stats, stop <-chan struct{}) error {
	categories := []string{"brakes", "oil_change", "diagnostics", "tyres", "battery"}
	for pause(ctx, stop, 150*time.Millisecond, 100*time.Millisecond) {
		_, err := orch.PostJob(ctx, customer, lifecycle.PostJobParams{
			Category:      categories[rand.Intn(len(categories))],
			Description:   "stress job",
			Urgency:       job.UrgencyMedium,
			EstimatedCost: int64(5000 + rand.Intn(20000)),
		})
		if err == nil {
			stats.Posted.Add(1)
		}
	}
	return nil
}

// Bidder bids on a random open job.
func Bidder(ctx context.Context, orch *lifecycle.Orchestrator, mechanic auth.Principal, stats *Stats, stop <-chan struct{}) error {
	for pause(ctx, stop, 20*time.Millisecond, 40*time.Millisecond) {
		open, err := orch.ListJobs(ctx, mechanic, lifecycle.ListJobsParams{Open: true, PageSize: 50})
		if err != nil || len(open) == 0 {
			continue
		}
		j := open[rand.Intn(len(open))]
		_, err = orch.PlaceBid(ctx, mechanic, lifecycle.PlaceBidParams{
			JobID:             j.ID,
			Price:             int64(4000 + rand.Intn(25000)),
			EstimatedDuration: 60 + rand.Intn(180),
		})
		if err == nil {
			stats.Bids.Add(1)
		}
	}
	return nil
}

// Acceptor accepts a random pending bid on one of the customer's bidding
// jobs. Several acceptors race on the same jobs.
func Acceptor(ctx context.Context, orch *lifecycle.Orchestrator, customer auth.Principal, stats *Stats, stop <-chan struct{}) error {
	for pause(ctx, stop, 10*time.Millisecond, 30*time.Millisecond) {
		j, ok := pick(ctx, orch, customer, job.StatusBidding)
		if !ok {
			continue
		}
		bids, err := orch.ListBids(ctx, customer, j.ID)
		if err != nil {
			continue
		}
		pending := make([]bid.Bid, 0, len(bids))
		for _, b := range bids {
			if b.Status == bid.StatusPending {
				pending = append(pending, b)
			}
		}
		if len(pending) == 0 {
			continue
		}
		if _, err := orch.AcceptBid(ctx, customer, j.ID, pending[rand.Intn(len(pending))].ID); err == nil {
			stats.Accepted.Add(1)
		}
	}
	return nil
}

// Driver pushes a random assigned job one step further: schedule, start,
// complete, release.
func Driver(ctx context.Context, orch *lifecycle.Orchestrator, customer auth.Principal, stats *Stats, stop <-chan struct{}) error {
	advanceable := []job.Status{job.StatusAccepted, job.StatusScheduled, job.StatusInProgress, job.StatusCompleted}
	for pause(ctx, stop, 15*time.Millisecond, 30*time.Millisecond) {
		j, ok := pick(ctx, orch, customer, advanceable...)
		if !ok || j.MechanicID == nil {
			continue
		}
		mechanic := auth.Principal{UserID: *j.MechanicID, Role: auth.RoleMechanic}

		switch j.Status {
		case job.StatusAccepted:
			_, err := orch.ProposeSchedule(ctx, mechanic, lifecycle.ProposeScheduleParams{
				JobID:             j.ID,
				StartsAt:          time.Now().Add(72 * time.Hour),
				EstimatedDuration: 90,
			})
			if err != nil {
				continue
			}
			if _, err := orch.ConfirmSchedule(ctx, customer, j.ID); err == nil {
				stats.Scheduled.Add(1)
			}
		case job.StatusScheduled:
			if _, err := orch.StartJob(ctx, mechanic, j.ID); err == nil {
				stats.Started.Add(1)
			}
		case job.StatusInProgress:
			if _, err := orch.CompleteJob(ctx, mechanic, lifecycle.CompleteJobParams{JobID: j.ID}); err == nil {
				stats.Completed.Add(1)
			}
		case job.StatusCompleted:
			if _, err := orch.ReleasePayment(ctx, customer, j.ID); err == nil {
				stats.Released.Add(1)
			}
		}
	}
	return nil
}

// Canceller cancels a job that has not started yet.
func Canceller(ctx context.Context, orch *lifecycle.Orchestrator, customer auth.Principal, stats *Stats, stop <-chan struct{}) error {
	for pause(ctx, stop, 200*time.Millisecond, 300*time.Millisecond) {
		j, ok := pick(ctx, orch, customer, job.StatusPosted, job.StatusBidding, job.StatusAccepted, job.StatusScheduled)
		if !ok {
			continue
		}
		if _, err := orch.CancelJob(ctx, customer, lifecycle.CancelJobParams{JobID: j.ID, Reason: "changed plans"}); err == nil {
			stats.Cancelled.Add(1)
		}
	}
	return nil
}

// Relay drains the notification outbox.
func Relay(ctx context.Context, relay *notification.Relay, stats *Stats, stop <-chan struct{}) error {
	for pause(ctx, stop, 50*time.Millisecond, 0) {
		n, err := relay.DrainOnce(ctx)
		if err == nil {
			stats.Delivered.Add(int64(n))
		}
	}
	return nil
}

func pick(ctx context.Context, orch *lifecycle.Orchestrator, customer auth.Principal, statuses ...job.Status) (job.Job, bool) {
	jobs, err := orch.ListJobs(ctx, customer, lifecycle.ListJobsParams{PageSize: 100})
	if err != nil {
		return job.Job{}, false
	}
	matching := jobs[:0]
	for _, j := range jobs {
		for _, s := range statuses {
			if j.Status == s {
				matching = append(matching, j)
				break
			}
		}
	}
	if len(matching) == 0 {
		return job.Job{}, false
	}
	return matching[rand.Intn(len(matching))], true
}
