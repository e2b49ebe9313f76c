package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"garageflow/auth"
	"garageflow/job"
	"garageflow/lifecycle"
	"garageflow/review"
)

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"fullName"`
	Role     string `json:"role"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{ID: user.ID, Email: user.Email, FullName: user.FullName, Role: string(user.Role)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": res.Token,
		"user":  userResponse{ID: res.User.ID, Email: res.User.Email, FullName: res.User.FullName, Role: string(res.User.Role)},
	})
}

type createJobRequest struct {
	Category      string `json:"category"`
	Description   string `json:"description"`
	VehicleRef    string `json:"vehicleRef"`
	Location      string `json:"location"`
	Urgency       string `json:"urgency"`
	EstimatedCost int64  `json:"estimatedCost"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	j, err := s.lifecycle.PostJob(r.Context(), actor, lifecycle.PostJobParams{
		Category:      req.Category,
		Description:   req.Description,
		VehicleRef:    req.VehicleRef,
		Location:      req.Location,
		Urgency:       job.Urgency(req.Urgency),
		EstimatedCost: req.EstimatedCost,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newJobResponse(j))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	q := r.URL.Query()
	params := lifecycle.ListJobsParams{Open: q.Get("open") == "true"}
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid page")
			return
		}
		params.Page = n
	}
	if v := q.Get("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid pageSize")
			return
		}
		params.PageSize = n
	}

	jobs, err := s.lifecycle.ListJobs(r.Context(), actor, params)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, newJobResponse(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	j, err := s.lifecycle.GetJob(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(j))
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	p, err := s.lifecycle.GetPayment(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPaymentResponse(p))
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	j, err := s.lifecycle.StartJob(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(j))
}

func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		FinalCost *int64 `json:"finalCost"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	j, err := s.lifecycle.CompleteJob(r.Context(), actor, lifecycle.CompleteJobParams{JobID: mux.Vars(r)["id"], FinalCost: req.FinalCost})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(j))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	j, err := s.lifecycle.CancelJob(r.Context(), actor, lifecycle.CancelJobParams{JobID: mux.Vars(r)["id"], Reason: req.Reason})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(j))
}

func (s *Server) handleReleasePayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	res, err := s.lifecycle.ReleasePayment(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":     newJobResponse(res.Job),
		"payment": newPaymentResponse(res.Payment),
	})
}

type placeBidRequest struct {
	Price             int64  `json:"price"`
	EstimatedDuration int    `json:"estimatedDuration"`
	Message           string `json:"message"`
}

func (s *Server) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req placeBidRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	b, err := s.lifecycle.PlaceBid(r.Context(), actor, lifecycle.PlaceBidParams{
		JobID:             mux.Vars(r)["id"],
		Price:             req.Price,
		EstimatedDuration: req.EstimatedDuration,
		Message:           req.Message,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newBidResponse(b))
}

func (s *Server) handleListBids(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	bids, err := s.lifecycle.ListBids(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items := make([]bidResponse, 0, len(bids))
	for _, b := range bids {
		items = append(items, newBidResponse(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	vars := mux.Vars(r)
	res, err := s.lifecycle.AcceptBid(r.Context(), actor, vars["id"], vars["bidId"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":     newJobResponse(res.Job),
		"bid":     newBidResponse(res.Bid),
		"payment": newPaymentResponse(res.Payment),
	})
}

func (s *Server) handleWithdrawBid(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	b, err := s.lifecycle.WithdrawBid(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBidResponse(b))
}

type proposeScheduleRequest struct {
	StartsAt            time.Time `json:"startsAt"`
	EstimatedDuration   int       `json:"estimatedDuration"`
	SpecialInstructions string    `json:"specialInstructions"`
}

func (s *Server) handleProposeSchedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req proposeScheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	p, err := s.lifecycle.ProposeSchedule(r.Context(), actor, lifecycle.ProposeScheduleParams{
		JobID:               mux.Vars(r)["id"],
		StartsAt:            req.StartsAt,
		EstimatedDuration:   req.EstimatedDuration,
		SpecialInstructions: req.SpecialInstructions,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newProposalResponse(p))
}

func (s *Server) handleConfirmSchedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	res, err := s.lifecycle.ConfirmSchedule(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":      newJobResponse(res.Job),
		"proposal": newProposalResponse(res.Proposal),
	})
}

func (s *Server) handleDeclineSchedule(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	p, err := s.lifecycle.DeclineSchedule(r.Context(), actor, mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newProposalResponse(p))
}

type submitReviewRequest struct {
	Direction     string         `json:"direction"`
	OverallRating int            `json:"overallRating"`
	AspectRatings map[string]int `json:"aspectRatings"`
	Comment       string         `json:"comment"`
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req submitReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	rv, err := s.lifecycle.SubmitReview(r.Context(), actor, lifecycle.SubmitReviewParams{
		JobID:         mux.Vars(r)["id"],
		Direction:     reviewDirection(req.Direction, actor),
		OverallRating: req.OverallRating,
		AspectRatings: req.AspectRatings,
		Comment:       req.Comment,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReviewResponse(rv))
}

// handleHasReviewed answers whether the caller already reviewed the job.
// The direction query parameter defaults to the caller's side of the job.
func (s *Server) handleHasReviewed(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	jobID := mux.Vars(r)["id"]
	direction := reviewDirection(r.URL.Query().Get("direction"), actor)
	done, err := s.lifecycle.HasReviewed(r.Context(), actor, jobID, direction)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":     jobID,
		"direction": direction,
		"reviewed":  done,
	})
}

func reviewDirection(raw string, actor auth.Principal) review.Direction {
	if raw != "" {
		return review.Direction(raw)
	}
	if actor.Role == auth.RoleMechanic {
		return review.MechanicToCustomer
	}
	return review.CustomerToMechanic
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := s.lifecycle.ListReviews(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	items := make([]reviewResponse, 0, len(reviews))
	for _, rv := range reviews {
		items = append(items, newReviewResponse(rv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRatingSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.lifecycle.RatingSummary(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":  summary.UserID,
		"count":   summary.Count,
		"average": summary.Average,
	})
}
