package notification

import "time"

// Type names a lifecycle event delivered to a user.
type Type string

const (
	NewJobPosted               Type = "new_job_posted"
	NewBidPlaced               Type = "new_bid_placed"
	BidAccepted                Type = "bid_accepted"
	BidAcceptedConfirmation    Type = "bid_accepted_confirmation"
	ScheduleProposed           Type = "schedule_proposed"
	ScheduleConfirmed          Type = "schedule_confirmed"
	ScheduleDeclined           Type = "schedule_declined"
	JobStarted                 Type = "job_started"
	JobCompleted               Type = "job_completed"
	PaymentReleased            Type = "payment_released"
	RatingReceived             Type = "rating_received"
	DisputeCreated             Type = "dispute_created"
	ChangeOrderCreated         Type = "change_order_created"
	ChangeOrderApproved        Type = "change_order_approved"
	ChangeOrderRejected        Type = "change_order_rejected"
	ChangeOrderCancelled       Type = "change_order_cancelled"
	ChangeOrderExpired         Type = "change_order_expired"
	ChangeOrderPaymentReceived Type = "change_order_payment_received"
	JobCancelled               Type = "job_cancelled"
	PaymentRefunded            Type = "payment_refunded"
	DisputeResolved            Type = "dispute_resolved"
)

// Event is one outbox row.
type Event struct {
	ID          string
	JobID       string
	RecipientID string
	Type        Type
	Payload     map[string]any
	CreatedAt   time.Time
	Attempts    int
}

// Message is the wire form handed to publishers.
type Message struct {
	EventID     string         `json:"event_id"`
	JobID       string         `json:"job_id"`
	RecipientID string         `json:"recipient_id"`
	Type        Type           `json:"type"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (e Event) Message() Message {
	return Message{
		EventID:     e.ID,
		JobID:       e.JobID,
		RecipientID: e.RecipientID,
		Type:        e.Type,
		Payload:     e.Payload,
		CreatedAt:   e.CreatedAt,
	}
}
