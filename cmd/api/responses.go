package main

import (
	"time"

	"garageflow/bid"
	"garageflow/changeorder"
	"garageflow/dispute"
	"garageflow/job"
	"garageflow/payment"
	"garageflow/review"
	"garageflow/schedule"
)

type jobResponse struct {
	ID                   string  `json:"id"`
	CustomerID           string  `json:"customerId"`
	MechanicID           *string `json:"mechanicId,omitempty"`
	Category             string  `json:"category"`
	Description          string  `json:"description"`
	VehicleRef           string  `json:"vehicleRef,omitempty"`
	Location             string  `json:"location,omitempty"`
	Urgency              string  `json:"urgency"`
	EstimatedCost        int64   `json:"estimatedCost"`
	FinalCost            *int64  `json:"finalCost,omitempty"`
	AdditionalWorkAmount int64   `json:"additionalWorkAmount"`
	Status               string  `json:"status"`
	CancelReason         *string `json:"cancelReason,omitempty"`
	ScheduledAt          *string `json:"scheduledAt,omitempty"`
	CreatedAt            string  `json:"createdAt"`
	UpdatedAt            string  `json:"updatedAt"`
}

func newJobResponse(j job.Job) jobResponse {
	return jobResponse{
		ID:                   j.ID,
		CustomerID:           j.CustomerID,
		MechanicID:           j.MechanicID,
		Category:             j.Category,
		Description:          j.Description,
		VehicleRef:           j.VehicleRef,
		Location:             j.Location,
		Urgency:              string(j.Urgency),
		EstimatedCost:        j.EstimatedCost,
		FinalCost:            j.FinalCost,
		AdditionalWorkAmount: j.AdditionalWorkAmount,
		Status:               string(j.Status),
		CancelReason:         j.CancelReason,
		ScheduledAt:          formatTimePtr(j.ScheduledAt),
		CreatedAt:            formatTime(j.CreatedAt),
		UpdatedAt:            formatTime(j.UpdatedAt),
	}
}

type bidResponse struct {
	ID                string `json:"id"`
	JobID             string `json:"jobId"`
	MechanicID        string `json:"mechanicId"`
	Price             int64  `json:"price"`
	EstimatedDuration int    `json:"estimatedDuration"`
	Message           string `json:"message,omitempty"`
	Status            string `json:"status"`
	CreatedAt         string `json:"createdAt"`
}

func newBidResponse(b bid.Bid) bidResponse {
	return bidResponse{
		ID:                b.ID,
		JobID:             b.JobID,
		MechanicID:        b.MechanicID,
		Price:             b.Price,
		EstimatedDuration: b.EstimatedDuration,
		Message:           b.Message,
		Status:            string(b.Status),
		CreatedAt:         formatTime(b.CreatedAt),
	}
}

type paymentResponse struct {
	ID             string  `json:"id"`
	JobID          string  `json:"jobId"`
	CustomerID     string  `json:"customerId"`
	MechanicID     *string `json:"mechanicId,omitempty"`
	Amount         int64   `json:"amount"`
	MechanicAmount int64   `json:"mechanicAmount"`
	PlatformFee    int64   `json:"platformFee"`
	PaymentMethod  string  `json:"paymentMethod"`
	Status         string  `json:"status"`
	RefundReason   *string `json:"refundReason,omitempty"`
	CompletedAt    *string `json:"completedAt,omitempty"`
	RefundedAt     *string `json:"refundedAt,omitempty"`
}

func newPaymentResponse(p payment.Payment) paymentResponse {
	return paymentResponse{
		ID:             p.ID,
		JobID:          p.JobID,
		CustomerID:     p.CustomerID,
		MechanicID:     p.MechanicID,
		Amount:         p.Amount,
		MechanicAmount: p.MechanicAmount,
		PlatformFee:    p.PlatformFee,
		PaymentMethod:  p.PaymentMethod,
		Status:         string(p.Status),
		RefundReason:   p.RefundReason,
		CompletedAt:    formatTimePtr(p.CompletedAt),
		RefundedAt:     formatTimePtr(p.RefundedAt),
	}
}

type proposalResponse struct {
	ID                  string  `json:"id"`
	JobID               string  `json:"jobId"`
	ProposedBy          string  `json:"proposedBy"`
	ProposerID          string  `json:"proposerId"`
	StartsAt            string  `json:"startsAt"`
	EstimatedDuration   int     `json:"estimatedDuration"`
	SpecialInstructions string  `json:"specialInstructions,omitempty"`
	Status              string  `json:"status"`
	DeclineReason       *string `json:"declineReason,omitempty"`
}

func newProposalResponse(p schedule.Proposal) proposalResponse {
	return proposalResponse{
		ID:                  p.ID,
		JobID:               p.JobID,
		ProposedBy:          string(p.ProposedBy),
		ProposerID:          p.ProposerID,
		StartsAt:            formatTime(p.StartsAt),
		EstimatedDuration:   p.EstimatedDuration,
		SpecialInstructions: p.SpecialInstructions,
		Status:              string(p.Status),
		DeclineReason:       p.DeclineReason,
	}
}

type reviewResponse struct {
	ID            string         `json:"id"`
	JobID         string         `json:"jobId"`
	RaterID       string         `json:"raterId"`
	RateeID       string         `json:"rateeId"`
	Direction     string         `json:"direction"`
	OverallRating int            `json:"overallRating"`
	AspectRatings map[string]int `json:"aspectRatings,omitempty"`
	Comment       string         `json:"comment,omitempty"`
	CreatedAt     string         `json:"createdAt"`
}

func newReviewResponse(r review.Review) reviewResponse {
	return reviewResponse{
		ID:            r.ID,
		JobID:         r.JobID,
		RaterID:       r.RaterID,
		RateeID:       r.RateeID,
		Direction:     string(r.Direction),
		OverallRating: r.OverallRating,
		AspectRatings: r.AspectRatings,
		Comment:       r.Comment,
		CreatedAt:     formatTime(r.CreatedAt),
	}
}

type disputeResponse struct {
	ID             string   `json:"id"`
	JobID          string   `json:"jobId"`
	PaymentID      *string  `json:"paymentId,omitempty"`
	OpenedBy       string   `json:"openedBy"`
	Type           string   `json:"type"`
	Description    string   `json:"description"`
	EvidenceRefs   []string `json:"evidenceRefs"`
	Status         string   `json:"status"`
	Outcome        *string  `json:"outcome,omitempty"`
	ResolutionNote *string  `json:"resolutionNote,omitempty"`
	CreatedAt      string   `json:"createdAt"`
	UpdatedAt      string   `json:"updatedAt"`
	ResolvedAt     *string  `json:"resolvedAt,omitempty"`
}

func newDisputeResponse(d dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:             d.ID,
		JobID:          d.JobID,
		PaymentID:      d.PaymentID,
		OpenedBy:       d.OpenedBy,
		Type:           string(d.Type),
		Description:    d.Description,
		EvidenceRefs:   d.EvidenceRefs,
		Status:         string(d.Status),
		ResolutionNote: d.ResolutionNote,
		CreatedAt:      formatTime(d.CreatedAt),
		UpdatedAt:      formatTime(d.UpdatedAt),
		ResolvedAt:     formatTimePtr(d.ResolvedAt),
	}
	if resp.EvidenceRefs == nil {
		resp.EvidenceRefs = []string{}
	}
	if d.Outcome != nil {
		o := string(*d.Outcome)
		resp.Outcome = &o
	}
	return resp
}

type changeOrderResponse struct {
	ID          string `json:"id"`
	JobID       string `json:"jobId"`
	RequestedBy string `json:"requestedBy"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
	ExpiresAt   string `json:"expiresAt"`
}

func newChangeOrderResponse(co changeorder.ChangeOrder) changeOrderResponse {
	return changeOrderResponse{
		ID:          co.ID,
		JobID:       co.JobID,
		RequestedBy: co.RequestedBy,
		Amount:      co.Amount,
		Description: co.Description,
		Status:      string(co.Status),
		CreatedAt:   formatTime(co.CreatedAt),
		ExpiresAt:   formatTime(co.ExpiresAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
