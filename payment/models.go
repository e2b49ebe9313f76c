package payment

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusEscrow    Status = "escrow"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
	StatusDisputed  Status = "disputed"
)

// Policy decides when funds are captured into escrow.
type Policy string

const (
	// PolicyBidAcceptance escrows the accepted bid price at AcceptBid.
	PolicyBidAcceptance Policy = "bid_acceptance"
	// PolicyJobCreation escrows the estimated cost at PostJob and reprices
	// it to the accepted bid.
	PolicyJobCreation Policy = "job_creation"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyBidAcceptance:
		return PolicyBidAcceptance, nil
	case PolicyJobCreation:
		return PolicyJobCreation, nil
	default:
		return "", fmt.Errorf("payment: unknown escrow policy %q", s)
	}
}

// Payment is the escrow record for one job. Amounts are in cents and
// Amount always equals MechanicAmount + PlatformFee.
type Payment struct {
	ID             string
	JobID          string
	CustomerID     string
	MechanicID     *string
	Amount         int64
	MechanicAmount int64
	PlatformFee    int64
	PaymentMethod  string
	Status         Status
	RefundReason   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
	RefundedAt     *time.Time
}

var transitions = map[Status][]Status{
	StatusEscrow:   {StatusCompleted, StatusRefunded, StatusDisputed},
	StatusDisputed: {StatusCompleted, StatusRefunded},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Split divides amount into the platform fee and the mechanic's share. The
// fee is amount*bps/10000 rounded half up.
func Split(amount, feeBps int64) (fee, mechanicAmount int64) {
	fee = (amount*feeBps + 5000) / 10000
	return fee, amount - fee
}
