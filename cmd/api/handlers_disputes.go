package main

import (
	"net/http"

	"github.com/gorilla/mux"

	"garageflow/changeorder"
	"garageflow/dispute"
	"garageflow/lifecycle"
)

type openDisputeRequest struct {
	Type         string   `json:"type"`
	Description  string   `json:"description"`
	EvidenceRefs []string `json:"evidenceRefs"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req openDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	d, err := s.lifecycle.OpenDispute(r.Context(), actor, lifecycle.OpenDisputeParams{
		JobID:        mux.Vars(r)["id"],
		Type:         dispute.Type(req.Type),
		Description:  req.Description,
		EvidenceRefs: req.EvidenceRefs,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDisputeResponse(d))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	d, err := s.lifecycle.GetDispute(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeResponse(d))
}

func (s *Server) handleMarkUnderReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	d, err := s.lifecycle.MarkDisputeUnderReview(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeResponse(d))
}

func (s *Server) handleAddEvidence(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		EvidenceRefs []string `json:"evidenceRefs"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	d, err := s.lifecycle.AddDisputeEvidence(r.Context(), actor, mux.Vars(r)["id"], req.EvidenceRefs)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeResponse(d))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Outcome string `json:"outcome"`
		Note    string `json:"note"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	res, err := s.lifecycle.ResolveDispute(r.Context(), actor, lifecycle.ResolveDisputeParams{
		DisputeID: mux.Vars(r)["id"],
		Outcome:   dispute.Outcome(req.Outcome),
		Note:      req.Note,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	payload := map[string]any{
		"job":     newJobResponse(res.Job),
		"dispute": newDisputeResponse(res.Dispute),
	}
	if res.Payment != nil {
		payload["payment"] = newPaymentResponse(*res.Payment)
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleEvidenceUpload issues a presigned PUT URL. The job is loaded first
// so only its participants and support can upload.
func (s *Server) handleEvidenceUpload(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Filename    string `json:"filename"`
		ContentType string `json:"contentType"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	j, err := s.lifecycle.GetJob(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	up, err := s.evidenceService.PresignUpload(r.Context(), j.ID, actor.UserID, req.Filename, req.ContentType)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":              up.Key,
		"url":              up.URL,
		"contentType":      up.ContentType,
		"expiresInSeconds": int(up.ExpiresIn.Seconds()),
	})
}

func (s *Server) handleRequestChangeOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		Amount      int64  `json:"amount"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	co, err := s.lifecycle.RequestChangeOrder(r.Context(), actor, lifecycle.RequestChangeOrderParams{
		JobID:       mux.Vars(r)["id"],
		Amount:      req.Amount,
		Description: req.Description,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newChangeOrderResponse(co))
}

func (s *Server) handleRespondChangeOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := principal(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	vars := mux.Vars(r)
	var (
		co  changeorder.ChangeOrder
		err error
	)
	switch vars["action"] {
	case "approve":
		co, err = s.lifecycle.ApproveChangeOrder(r.Context(), actor, vars["id"])
	case "reject":
		co, err = s.lifecycle.RejectChangeOrder(r.Context(), actor, vars["id"])
	case "cancel":
		co, err = s.lifecycle.CancelChangeOrder(r.Context(), actor, vars["id"])
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newChangeOrderResponse(co))
}
