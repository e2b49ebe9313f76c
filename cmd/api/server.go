package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"garageflow/auth"
	"garageflow/bid"
	"garageflow/changeorder"
	"garageflow/db"
	"garageflow/dispute"
	"garageflow/evidence"
	"garageflow/job"
	"garageflow/lifecycle"
	"garageflow/payment"
	"garageflow/review"
	"garageflow/schedule"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Principal, error)
}

type evidenceService interface {
	PresignUpload(ctx context.Context, jobID, uploaderID, filename, contentType string) (evidence.Upload, error)
}

// lifecycleService is the command surface of *lifecycle.Orchestrator.
type lifecycleService interface {
	PostJob(ctx context.Context, actor auth.Principal, params lifecycle.PostJobParams) (job.Job, error)
	GetJob(ctx context.Context, actor auth.Principal, jobID string) (job.Job, error)
	ListJobs(ctx context.Context, actor auth.Principal, params lifecycle.ListJobsParams) ([]job.Job, error)
	StartJob(ctx context.Context, actor auth.Principal, jobID string) (job.Job, error)
	CompleteJob(ctx context.Context, actor auth.Principal, params lifecycle.CompleteJobParams) (job.Job, error)
	CancelJob(ctx context.Context, actor auth.Principal, params lifecycle.CancelJobParams) (job.Job, error)
	GetPayment(ctx context.Context, actor auth.Principal, jobID string) (payment.Payment, error)

	PlaceBid(ctx context.Context, actor auth.Principal, params lifecycle.PlaceBidParams) (bid.Bid, error)
	ListBids(ctx context.Context, actor auth.Principal, jobID string) ([]bid.Bid, error)
	WithdrawBid(ctx context.Context, actor auth.Principal, bidID string) (bid.Bid, error)
	AcceptBid(ctx context.Context, actor auth.Principal, jobID, bidID string) (lifecycle.AcceptResult, error)

	ProposeSchedule(ctx context.Context, actor auth.Principal, params lifecycle.ProposeScheduleParams) (schedule.Proposal, error)
	ConfirmSchedule(ctx context.Context, actor auth.Principal, jobID string) (lifecycle.ScheduleResult, error)
	DeclineSchedule(ctx context.Context, actor auth.Principal, jobID, reason string) (schedule.Proposal, error)

	ReleasePayment(ctx context.Context, actor auth.Principal, jobID string) (lifecycle.ReleaseResult, error)
	SubmitReview(ctx context.Context, actor auth.Principal, params lifecycle.SubmitReviewParams) (review.Review, error)
	HasReviewed(ctx context.Context, actor auth.Principal, jobID string, direction review.Direction) (bool, error)
	ListReviews(ctx context.Context, jobID string) ([]review.Review, error)
	RatingSummary(ctx context.Context, userID string) (review.Summary, error)

	OpenDispute(ctx context.Context, actor auth.Principal, params lifecycle.OpenDisputeParams) (dispute.Record, error)
	GetDispute(ctx context.Context, actor auth.Principal, disputeID string) (dispute.Record, error)
	MarkDisputeUnderReview(ctx context.Context, actor auth.Principal, disputeID string) (dispute.Record, error)
	AddDisputeEvidence(ctx context.Context, actor auth.Principal, disputeID string, refs []string) (dispute.Record, error)
	ResolveDispute(ctx context.Context, actor auth.Principal, params lifecycle.ResolveDisputeParams) (lifecycle.ResolveResult, error)

	RequestChangeOrder(ctx context.Context, actor auth.Principal, params lifecycle.RequestChangeOrderParams) (changeorder.ChangeOrder, error)
	ApproveChangeOrder(ctx context.Context, actor auth.Principal, changeOrderID string) (changeorder.ChangeOrder, error)
	RejectChangeOrder(ctx context.Context, actor auth.Principal, changeOrderID string) (changeorder.ChangeOrder, error)
	CancelChangeOrder(ctx context.Context, actor auth.Principal, changeOrderID string) (changeorder.ChangeOrder, error)
}

// Server wires the HTTP surface to the lifecycle orchestrator.
type Server struct {
	authService     authService
	lifecycle       lifecycleService
	evidenceService evidenceService
	log             logrus.FieldLogger
}

func NewServer(authSvc authService, lc lifecycleService, ev evidenceService, log logrus.FieldLogger) *Server {
	return &Server{authService: authSvc, lifecycle: lc, evidenceService: ev, log: log}
}

// Routes builds the router with recovery, CORS and access logging.
func (s *Server) Routes(accessLog *logrus.Logger) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.withAuth)

	authed.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	authed.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	authed.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	authed.HandleFunc("/jobs/{id}/payment", s.handleGetPayment).Methods(http.MethodGet)
	authed.HandleFunc("/jobs/{id}/start", s.handleStartJob).Methods(http.MethodPost)
	authed.HandleFunc("/jobs/{id}/complete", s.handleCompleteJob).Methods(http.MethodPost)
	authed.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods(http.MethodPost)
	authed.HandleFunc("/jobs/{id}/payment/release", s.handleReleasePayment).Methods(http.MethodPost)

	authed.HandleFunc("/jobs/{id}/bids", s.handlePlaceBid).Methods(http.MethodPost)
	authed.HandleFunc("/jobs/{id}/bids", s.handleListBids).Methods(http.MethodGet)
	authed.HandleFunc("/jobs/{id}/bids/{bidId}/accept", s.handleAcceptBid).Methods(http.MethodPost)
	authed.HandleFunc("/bids/{id}/withdraw", s.handleWithdrawBid).Methods(http.MethodPost)

	authed.HandleFunc("/jobs/{id}/schedule", s.handleProposeSchedule).Methods(http.MethodPost)
	authed.HandleFunc("/jobs/{id}/schedule/confirm", s.handleConfirmSchedule).Methods(http.MethodPost)
	authed.HandleFunc("/jobs/{id}/schedule/decline", s.handleDeclineSchedule).Methods(http.MethodPost)

	authed.HandleFunc("/jobs/{id}/reviews", s.handleSubmitReview).Methods(http.MethodPost)
	authed.HandleFunc("/jobs/{id}/reviews", s.handleListReviews).Methods(http.MethodGet)
	authed.HandleFunc("/jobs/{id}/reviews/mine", s.handleHasReviewed).Methods(http.MethodGet)
	authed.HandleFunc("/users/{id}/rating", s.handleRatingSummary).Methods(http.MethodGet)

	authed.HandleFunc("/jobs/{id}/disputes", s.handleOpenDispute).Methods(http.MethodPost)
	authed.HandleFunc("/jobs/{id}/evidence-uploads", s.handleEvidenceUpload).Methods(http.MethodPost)
	authed.HandleFunc("/disputes/{id}", s.handleGetDispute).Methods(http.MethodGet)
	authed.HandleFunc("/disputes/{id}/review", s.handleMarkUnderReview).Methods(http.MethodPost)
	authed.HandleFunc("/disputes/{id}/evidence", s.handleAddEvidence).Methods(http.MethodPost)
	authed.HandleFunc("/disputes/{id}/resolve", s.handleResolveDispute).Methods(http.MethodPost)

	authed.HandleFunc("/jobs/{id}/change-orders", s.handleRequestChangeOrder).Methods(http.MethodPost)
	authed.HandleFunc("/change-orders/{id}/{action:approve|reject|cancel}", s.handleRespondChangeOrder).Methods(http.MethodPost)

	var h http.Handler = r
	h = handlers.CORS(
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)(h)
	if accessLog != nil {
		h = handlers.CombinedLoggingHandler(accessLog.Writer(), h)
	}
	return handlers.RecoveryHandler(handlers.RecoveryLogger(s.logger()), handlers.PrintRecoveryStack(false))(h)
}

func (s *Server) logger() logrus.FieldLogger {
	if s.log == nil {
		return logrus.StandardLogger()
	}
	return s.log
}

// withAuth verifies the bearer token and stores the caller in the context.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		p, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, p.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, p.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principal returns the caller stored by withAuth.
func principal(r *http.Request) (auth.Principal, bool) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	if userID == "" {
		return auth.Principal{}, false
	}
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return auth.Principal{UserID: userID, Role: role}, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeDomainError maps lifecycle and store errors to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		terr *lifecycle.TransitionError
		verr *lifecycle.ValidationError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &terr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": terr.Error(),
			"job":   newJobResponse(terr.Job),
		})
	case errors.Is(err, lifecycle.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, job.ErrNotFound),
		errors.Is(err, bid.ErrNotFound),
		errors.Is(err, schedule.ErrNotFound),
		errors.Is(err, payment.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, changeorder.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case db.IsInvalidText(err):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, job.ErrConflict),
		errors.Is(err, bid.ErrConflict),
		errors.Is(err, bid.ErrAlreadyExists),
		errors.Is(err, bid.ErrInvalidState),
		errors.Is(err, schedule.ErrProposalPending),
		errors.Is(err, schedule.ErrConflict),
		errors.Is(err, review.ErrAlreadyReviewed),
		errors.Is(err, dispute.ErrAlreadyExists),
		errors.Is(err, dispute.ErrBadStatus),
		errors.Is(err, changeorder.ErrAlreadyExists),
		errors.Is(err, changeorder.ErrNotPending),
		errors.Is(err, payment.ErrInvalidState),
		errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, payment.ErrInvalidAmount),
		errors.Is(err, review.ErrInvalidRating),
		errors.Is(err, evidence.ErrInvalidFilename),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrRoleNotAllowed),
		errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, payment.ErrReleaseFailed), errors.Is(err, payment.ErrRefundFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, db.ErrRetryable), errors.Is(err, evidence.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger().WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
