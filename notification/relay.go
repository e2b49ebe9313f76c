package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"garageflow/db"
)

const (
	DefaultRelayBatch       = 50
	DefaultRelayMaxAttempts = 8
	DefaultRelayInterval    = 2 * time.Second
)

type RelayConfig struct {
	Batch       int
	MaxAttempts int
	Interval    time.Duration
}

// Relay drains the outbox into a Publisher. Delivery is at-least-once:
// an event is marked delivered only after Publish returns, and an event
// that keeps failing is dead-lettered after MaxAttempts.
type Relay struct {
	pool      db.TxBeginner
	publisher Publisher
	log       logrus.FieldLogger
	cfg       RelayConfig
	now       func() time.Time
}

func NewRelay(pool db.TxBeginner, publisher Publisher, cfg RelayConfig, log logrus.FieldLogger) *Relay {
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultRelayBatch
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRelayMaxAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRelayInterval
	}
	return &Relay{pool: pool, publisher: publisher, log: log, cfg: cfg, now: time.Now}
}

// Run drains the outbox every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		for {
			n, err := r.DrainOnce(ctx)
			if err != nil {
				r.log.WithError(err).Warn("outbox relay pass failed")
				break
			}
			if n < r.cfg.Batch {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DrainOnce publishes one batch and reports how many events it claimed.
// Concurrent relays claim disjoint batches.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notification: begin relay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claim = `
		SELECT id::text, job_id::text, recipient_id, type, payload, created_at, attempts
		FROM notification_events
		WHERE delivered_at IS NULL AND dead_at IS NULL AND next_attempt_at <= now()
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, claim, r.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("notification: claim batch: %w", err)
	}
	var batch []Event
	for rows.Next() {
		var (
			ev   Event
			body []byte
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.RecipientID, &ev.Type, &body, &ev.CreatedAt, &ev.Attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("notification: scan event: %w", err)
		}
		if err := json.Unmarshal(body, &ev.Payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("notification: decode payload %s: %w", ev.ID, err)
		}
		batch = append(batch, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("notification: iterate batch: %w", err)
	}

	for _, ev := range batch {
		log := r.log.WithFields(logrus.Fields{"event_id": ev.ID, "job_id": ev.JobID, "type": ev.Type})
		pubErr := r.publisher.Publish(ctx, ev.Message())
		if pubErr == nil {
			if _, err := tx.Exec(ctx, `UPDATE notification_events SET delivered_at = now(), attempts = attempts + 1 WHERE id = $1`, ev.ID); err != nil {
				return 0, fmt.Errorf("notification: mark delivered: %w", err)
			}
			continue
		}

		attempts := ev.Attempts + 1
		if attempts >= r.cfg.MaxAttempts {
			log.WithError(pubErr).WithField("attempt", attempts).Error("notification dead-lettered")
			if _, err := tx.Exec(ctx, `
				UPDATE notification_events SET attempts = $2, last_error = $3, dead_at = now() WHERE id = $1`,
				ev.ID, attempts, pubErr.Error()); err != nil {
				return 0, fmt.Errorf("notification: dead-letter: %w", err)
			}
			continue
		}

		delay := retryDelay(attempts)
		log.WithError(pubErr).WithFields(logrus.Fields{"attempt": attempts, "retry_in": delay}).Warn("notification publish failed")
		if _, err := tx.Exec(ctx, `
			UPDATE notification_events SET attempts = $2, last_error = $3, next_attempt_at = $4 WHERE id = $1`,
			ev.ID, attempts, pubErr.Error(), r.now().UTC().Add(delay)); err != nil {
			return 0, fmt.Errorf("notification: schedule retry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("notification: commit relay tx: %w", err)
	}
	return len(batch), nil
}

// retryDelay doubles from one second and caps at five minutes.
func retryDelay(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt && d < 5*time.Minute; i++ {
		d *= 2
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}
