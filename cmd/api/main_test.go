package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgconn"

	"garageflow/auth"
	"garageflow/bid"
	"garageflow/changeorder"
	"garageflow/evidence"
	"garageflow/job"
	"garageflow/lifecycle"
	"garageflow/logging"
	"garageflow/payment"
	"garageflow/review"
)

// stubLifecycle implements only what a test sets; other methods panic via
// the nil embedded interface.
type stubLifecycle struct {
	lifecycleService

	job        job.Job
	jobs       []job.Job
	jobErr     error
	postParams lifecycle.PostJobParams
	listParams lifecycle.ListJobsParams
	accept     lifecycle.AcceptResult
	acceptErr  error
	release    lifecycle.ReleaseResult
	releaseErr error
	co         changeorder.ChangeOrder
	coErr      error
	coAction   string
	reviewed   bool
	reviewDir  review.Direction
}

func (s *stubLifecycle) PostJob(_ context.Context, _ auth.Principal, params lifecycle.PostJobParams) (job.Job, error) {
	s.postParams = params
	return s.job, s.jobErr
}

func (s *stubLifecycle) GetJob(_ context.Context, _ auth.Principal, _ string) (job.Job, error) {
	return s.job, s.jobErr
}

func (s *stubLifecycle) ListJobs(_ context.Context, _ auth.Principal, params lifecycle.ListJobsParams) ([]job.Job, error) {
	s.listParams = params
	return s.jobs, s.jobErr
}

func (s *stubLifecycle) AcceptBid(_ context.Context, _ auth.Principal, _, _ string) (lifecycle.AcceptResult, error) {
	return s.accept, s.acceptErr
}

func (s *stubLifecycle) ReleasePayment(_ context.Context, _ auth.Principal, _ string) (lifecycle.ReleaseResult, error) {
	return s.release, s.releaseErr
}

func (s *stubLifecycle) ApproveChangeOrder(_ context.Context, _ auth.Principal, _ string) (changeorder.ChangeOrder, error) {
	s.coAction = "approve"
	return s.co, s.coErr
}

func (s *stubLifecycle) RejectChangeOrder(_ context.Context, _ auth.Principal, _ string) (changeorder.ChangeOrder, error) {
	s.coAction = "reject"
	return s.co, s.coErr
}

func (s *stubLifecycle) HasReviewed(_ context.Context, _ auth.Principal, _ string, direction review.Direction) (bool, error) {
	s.reviewDir = direction
	return s.reviewed, s.jobErr
}

type stubEvidence struct {
	upload evidence.Upload
	err    error
}

func (s *stubEvidence) PresignUpload(_ context.Context, _, _, _, _ string) (evidence.Upload, error) {
	return s.upload, s.err
}

type stubUserRepo struct{}

func (stubUserRepo) CreateUser(_ context.Context, _ auth.CreateUserParams) (auth.User, error) {
	return auth.User{}, errors.New("not implemented")
}

func (stubUserRepo) GetUserByEmail(_ context.Context, _ string) (auth.User, error) {
	return auth.User{}, auth.ErrUserNotFound
}

func (stubUserRepo) GetUserByID(_ context.Context, _ string) (auth.User, error) {
	return auth.User{}, auth.ErrUserNotFound
}

func withPrincipal(req *http.Request, userID string, role auth.Role) *http.Request {
	ctx := context.WithValue(req.Context(), ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return req.WithContext(ctx)
}

func sampleJob(status job.Status) job.Job {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	return job.Job{
		ID:            "job-1",
		CustomerID:    "cust-1",
		Category:      "brakes",
		Description:   "front pads squeal",
		Urgency:       job.UrgencyMedium,
		EstimatedCost: 15000,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestHandleCreateJob_Success(t *testing.T) {
	lc := &stubLifecycle{job: sampleJob(job.StatusPosted)}
	server := &Server{lifecycle: lc, log: logging.Discard()}

	body := strings.NewReader(`{"category":"brakes","description":"front pads squeal","urgency":"medium","estimatedCost":15000}`)
	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/jobs", body), "cust-1", auth.RoleCustomer)
	rec := httptest.NewRecorder()

	server.handleCreateJob(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "job-1" || resp.Status != "posted" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.CreatedAt != "2025-03-10T09:00:00Z" {
		t.Fatalf("expected RFC3339 createdAt, got %s", resp.CreatedAt)
	}
	if lc.postParams.Urgency != job.UrgencyMedium || lc.postParams.EstimatedCost != 15000 {
		t.Fatalf("params not forwarded: %+v", lc.postParams)
	}
}

func TestHandleCreateJob_Unauthenticated(t *testing.T) {
	server := &Server{lifecycle: &stubLifecycle{}}

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	server.handleCreateJob(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleCreateJob_ValidationError(t *testing.T) {
	lc := &stubLifecycle{jobErr: &lifecycle.ValidationError{Field: "category", Reason: "required"}}
	server := &Server{lifecycle: lc}

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"description":"x"}`)), "cust-1", auth.RoleCustomer)
	rec := httptest.NewRecorder()

	server.handleCreateJob(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCreateJob_UnknownField(t *testing.T) {
	server := &Server{lifecycle: &stubLifecycle{}}

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"price":1}`)), "cust-1", auth.RoleCustomer)
	rec := httptest.NewRecorder()

	server.handleCreateJob(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleListJobs_Query(t *testing.T) {
	lc := &stubLifecycle{jobs: []job.Job{sampleJob(job.StatusBidding)}}
	server := &Server{lifecycle: lc}

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/jobs?open=true&page=2&pageSize=5", nil), "mech-1", auth.RoleMechanic)
	rec := httptest.NewRecorder()

	server.handleListJobs(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []jobResponse `json:"items"`
		Total int           `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if payload.Total != 1 || payload.Items[0].Status != "bidding" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if !lc.listParams.Open {
		t.Fatalf("expected open listing, got %+v", lc.listParams)
	}
}

func TestHandleGetJob_NotFound(t *testing.T) {
	server := &Server{lifecycle: &stubLifecycle{jobErr: job.ErrNotFound}}

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil), "cust-1", auth.RoleCustomer)
	req = mux.SetURLVars(req, map[string]string{"id": "missing"})
	rec := httptest.NewRecorder()

	server.handleGetJob(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleGetJob_Forbidden(t *testing.T) {
	server := &Server{lifecycle: &stubLifecycle{jobErr: lifecycle.ErrForbidden}}

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil), "cust-2", auth.RoleCustomer)
	req = mux.SetURLVars(req, map[string]string{"id": "job-1"})
	rec := httptest.NewRecorder()

	server.handleGetJob(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleGetJob_UnexpectedError(t *testing.T) {
	server := &Server{lifecycle: &stubLifecycle{jobErr: errors.New("boom")}, log: logging.Discard()}

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil), "cust-1", auth.RoleCustomer)
	req = mux.SetURLVars(req, map[string]string{"id": "job-1"})
	rec := httptest.NewRecorder()

	server.handleGetJob(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHandleGetJob_MalformedIDIsNotFound(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "22P02", Message: `invalid input syntax for type uuid: "abc"`}
	server := &Server{lifecycle: &stubLifecycle{jobErr: fmt.Errorf("job: get: %w", pgErr)}, log: logging.Discard()}

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/jobs/abc", nil), "cust-1", auth.RoleCustomer)
	req = mux.SetURLVars(req, map[string]string{"id": "abc"})
	rec := httptest.NewRecorder()

	server.handleGetJob(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleHasReviewed_DefaultsToCallerSide(t *testing.T) {
	lc := &stubLifecycle{reviewed: true}
	server := &Server{lifecycle: lc}

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/jobs/job-1/reviews/mine", nil), "mech-1", auth.RoleMechanic)
	req = mux.SetURLVars(req, map[string]string{"id": "job-1"})
	rec := httptest.NewRecorder()

	server.handleHasReviewed(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if lc.reviewDir != review.MechanicToCustomer {
		t.Fatalf("expected mechanic_to_customer, got %q", lc.reviewDir)
	}
	var payload struct {
		JobID    string `json:"jobId"`
		Reviewed bool   `json:"reviewed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.JobID != "job-1" || !payload.Reviewed {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleHasReviewed_ExplicitDirection(t *testing.T) {
	lc := &stubLifecycle{jobErr: &lifecycle.ValidationError{Field: "direction", Reason: "unknown"}}
	server := &Server{lifecycle: lc}

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/jobs/job-1/reviews/mine?direction=sideways", nil), "cust-1", auth.RoleCustomer)
	req = mux.SetURLVars(req, map[string]string{"id": "job-1"})
	rec := httptest.NewRecorder()

	server.handleHasReviewed(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if lc.reviewDir != "sideways" {
		t.Fatalf("direction not forwarded, got %q", lc.reviewDir)
	}
}

func TestHandleAcceptBid_Success(t *testing.T) {
	mech := "mech-1"
	accepted := sampleJob(job.StatusAccepted)
	accepted.MechanicID = &mech
	lc := &stubLifecycle{accept: lifecycle.AcceptResult{
		Job:     accepted,
		Bid:     bid.Bid{ID: "bid-1", JobID: "job-1", MechanicID: mech, Price: 10000, Status: bid.StatusAccepted},
		Payment: payment.Payment{ID: "pay-1", JobID: "job-1", CustomerID: "cust-1", MechanicID: &mech, Amount: 10000, MechanicAmount: 9000, PlatformFee: 1000, Status: payment.StatusEscrow},
	}}
	server := &Server{lifecycle: lc}

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/jobs/job-1/bids/bid-1/accept", nil), "cust-1", auth.RoleCustomer)
	req = mux.SetURLVars(req, map[string]string{"id": "job-1", "bidId": "bid-1"})
	rec := httptest.NewRecorder()

	server.handleAcceptBid(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Job     jobResponse     `json:"job"`
		Bid     bidResponse     `json:"bid"`
		Payment paymentResponse `json:"payment"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Job.Status != "accepted" || payload.Bid.Status != "accepted" || payload.Payment.Status != "escrow" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Payment.PlatformFee+payload.Payment.MechanicAmount != payload.Payment.Amount {
		t.Fatalf("fee split does not add up: %+v", payload.Payment)
	}
}

func TestHandleAcceptBid_TransitionConflict(t *testing.T) {
	current := sampleJob(job.StatusAccepted)
	lc := &stubLifecycle{acceptErr: &lifecycle.TransitionError{Command: "accept_bid", Job: current, Err: lifecycle.ErrConflict}}
	server := &Server{lifecycle: lc}

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/jobs/job-1/bids/bid-2/accept", nil), "cust-1", auth.RoleCustomer)
	req = mux.SetURLVars(req, map[string]string{"id": "job-1", "bidId": "bid-2"})
	rec := httptest.NewRecorder()

	server.handleAcceptBid(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var payload struct {
		Error string      `json:"error"`
		Job   jobResponse `json:"job"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Job.Status != "accepted" || payload.Error == "" {
		t.Fatalf("expected current job state in conflict body, got %+v", payload)
	}
}

func TestHandleReleasePayment_GatewayFailure(t *testing.T) {
	lc := &stubLifecycle{releaseErr: payment.ErrReleaseFailed}
	server := &Server{lifecycle: lc}

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/jobs/job-1/payment/release", nil), "cust-1", auth.RoleCustomer)
	req = mux.SetURLVars(req, map[string]string{"id": "job-1"})
	rec := httptest.NewRecorder()

	server.handleReleasePayment(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestHandleRespondChangeOrder_Action(t *testing.T) {
	lc := &stubLifecycle{co: changeorder.ChangeOrder{ID: "co-1", JobID: "job-1", Amount: 2500, Status: changeorder.StatusRejected}}
	server := &Server{lifecycle: lc}

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/change-orders/co-1/reject", nil), "cust-1", auth.RoleCustomer)
	req = mux.SetURLVars(req, map[string]string{"id": "co-1", "action": "reject"})
	rec := httptest.NewRecorder()

	server.handleRespondChangeOrder(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if lc.coAction != "reject" {
		t.Fatalf("expected reject to be dispatched, got %q", lc.coAction)
	}
}

func TestHandleRespondChangeOrder_Expired(t *testing.T) {
	server := &Server{lifecycle: &stubLifecycle{coErr: changeorder.ErrNotPending}}

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/change-orders/co-1/approve", nil), "cust-1", auth.RoleCustomer)
	req = mux.SetURLVars(req, map[string]string{"id": "co-1", "action": "approve"})
	rec := httptest.NewRecorder()

	server.handleRespondChangeOrder(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleEvidenceUpload_NotConfigured(t *testing.T) {
	server := &Server{
		lifecycle:       &stubLifecycle{job: sampleJob(job.StatusDisputed)},
		evidenceService: &stubEvidence{err: evidence.ErrNotConfigured},
	}

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/jobs/job-1/evidence-uploads", strings.NewReader(`{"filename":"photo.jpg"}`)), "cust-1", auth.RoleCustomer)
	req = mux.SetURLVars(req, map[string]string{"id": "job-1"})
	rec := httptest.NewRecorder()

	server.handleEvidenceUpload(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleEvidenceUpload_Success(t *testing.T) {
	server := &Server{
		lifecycle: &stubLifecycle{job: sampleJob(job.StatusDisputed)},
		evidenceService: &stubEvidence{upload: evidence.Upload{
			Key:         "evidence/job-1/abc-photo.jpg",
			URL:         "https://bucket.example/evidence/job-1/abc-photo.jpg",
			ContentType: "image/jpeg",
			ExpiresIn:   15 * time.Minute,
		}},
	}

	req := withPrincipal(httptest.NewRequest(http.MethodPost, "/api/jobs/job-1/evidence-uploads", strings.NewReader(`{"filename":"photo.jpg","contentType":"image/jpeg"}`)), "cust-1", auth.RoleCustomer)
	req = mux.SetURLVars(req, map[string]string{"id": "job-1"})
	rec := httptest.NewRecorder()

	server.handleEvidenceUpload(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var payload struct {
		Key              string `json:"key"`
		ExpiresInSeconds int    `json:"expiresInSeconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Key != "evidence/job-1/abc-photo.jpg" || payload.ExpiresInSeconds != 900 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestRoutes_RequireBearerToken(t *testing.T) {
	authSvc := auth.NewService(stubUserRepo{}, "test-secret")
	lc := &stubLifecycle{job: sampleJob(job.StatusPosted)}
	handler := NewServer(authSvc, lc, &stubEvidence{}, logging.Discard()).Routes(nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token, err := authSvc.IssueToken(auth.Principal{UserID: "cust-1", Role: auth.RoleCustomer})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}
}

func TestRoutes_Healthz(t *testing.T) {
	handler := NewServer(auth.NewService(stubUserRepo{}, "test-secret"), &stubLifecycle{}, nil, logging.Discard()).Routes(nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
