package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Outbox appends events inside the caller's transaction, so an event exists
// if and only if the state change that produced it committed.
type Outbox struct {
	idGenerator func() string
	now         func() time.Time
}

func NewOutbox() *Outbox {
	return &Outbox{
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (o *Outbox) WithClock(now func() time.Time) *Outbox {
	o.now = now
	return o
}

func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, ev Event) error {
	if ev.RecipientID == "" {
		return fmt.Errorf("notification: %s event for job %s has no recipient", ev.Type, ev.JobID)
	}
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notification: marshal payload: %w", err)
	}
	if ev.ID == "" {
		ev.ID = o.idGenerator()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = o.now().UTC()
	}

	const q = `
		INSERT INTO notification_events (id, job_id, recipient_id, type, payload, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $6)`
	if _, err := tx.Exec(ctx, q, ev.ID, ev.JobID, ev.RecipientID, ev.Type, string(body), ev.CreatedAt); err != nil {
		return fmt.Errorf("notification: enqueue: %w", err)
	}
	return nil
}
