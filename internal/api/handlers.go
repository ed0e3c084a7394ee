package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketplace-escrow/internal/audit"
	apperrors "marketplace-escrow/internal/common/errors"
	"marketplace-escrow/internal/common/logger"
	"marketplace-escrow/internal/common/validation"
	"marketplace-escrow/internal/escrow"
	"marketplace-escrow/internal/jobs"

	"github.com/go-chi/chi/v5"
)

// AuditReader serves the admin audit endpoints.
type AuditReader interface {
	Search(ctx context.Context, holdID string, limit int) ([]*audit.Entry, error)
	SearchText(ctx context.Context, query string, limit int) ([]*audit.Entry, error)
}

// Handlers carries the domain services behind the HTTP surface.
type Handlers struct {
	escrow *escrow.Service
	jobs   *jobs.Service
	audit  AuditReader
	logger logger.Logger
}

func NewHandlers(escrowSvc *escrow.Service, jobsSvc *jobs.Service, auditReader AuditReader, log logger.Logger) *Handlers {
	return &Handlers{
		escrow: escrowSvc,
		jobs:   jobsSvc,
		audit:  auditReader,
		logger: log.WithFields(map[string]interface{}{"component": "api"}),
	}
}

func unauthorizedAdmin(actorID string) error {
	return apperrors.NewUnauthorizedError(
		fmt.Sprintf("actor %q is not an admin", actorID))
}

// decodeBody reads, schema-validates and unmarshals the request payload.
func decodeBody(r *http.Request, schema *validation.Schema, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return apperrors.NewValidationError("unreadable request body")
	}
	if len(body) == 0 {
		return apperrors.NewValidationError("request body is required")
	}

	result, err := schema.ValidateBytes(body)
	if err != nil {
		return apperrors.NewValidationError("request body is not valid JSON")
	}
	if !result.Valid {
		return apperrors.NewValidationError(result.Describe())
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return apperrors.NewValidationError("request body is not valid JSON")
	}
	return nil
}

// --- wire shapes ---

type jobResponse struct {
	ID            string  `json:"id"`
	HomeownerID   string  `json:"homeowner_id"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	Category      string  `json:"category,omitempty"`
	Status        string  `json:"status"`
	AcceptedBidID *string `json:"accepted_bid_id,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type bidResponse struct {
	ID           string `json:"id"`
	JobID        string `json:"job_id"`
	ContractorID string `json:"contractor_id"`
	AmountCents  int64  `json:"amount_cents"`
	Message      string `json:"message,omitempty"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

type holdResponse struct {
	ID                  string `json:"id"`
	JobID               string `json:"job_id"`
	BidID               string `json:"bid_id"`
	HomeownerID         string `json:"homeowner_id"`
	ContractorID        string `json:"contractor_id"`
	GrossCents          int64  `json:"gross_cents"`
	FeeCents            int64  `json:"fee_cents"`
	PayoutCents         int64  `json:"payout_cents"`
	Status              string `json:"status"`
	HomeownerConfirmed  bool   `json:"homeowner_confirmed"`
	ContractorConfirmed bool   `json:"contractor_confirmed"`
	CreatedAt           string `json:"created_at"`
	ReleasedAt          string `json:"released_at,omitempty"`
	RefundedAt          string `json:"refunded_at,omitempty"`
}

func toJobResponse(j *jobs.Job) jobResponse {
	return jobResponse{
		ID:            j.ID,
		HomeownerID:   j.HomeownerID,
		Title:         j.Title,
		Description:   j.Description,
		Category:      j.Category,
		Status:        j.Status,
		AcceptedBidID: j.AcceptedBidID,
		CreatedAt:     j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     j.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func toBidResponse(b *jobs.Bid) bidResponse {
	return bidResponse{
		ID:           b.ID,
		JobID:        b.JobID,
		ContractorID: b.ContractorID,
		AmountCents:  b.AmountCents,
		Message:      b.Message,
		Status:       b.Status,
		CreatedAt:    b.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toHoldResponse(h *escrow.EscrowHold) holdResponse {
	resp := holdResponse{
		ID:                  h.ID,
		JobID:               h.JobID,
		BidID:               h.BidID,
		HomeownerID:         h.HomeownerID,
		ContractorID:        h.ContractorID,
		GrossCents:          h.GrossCents,
		FeeCents:            h.FeeCents,
		PayoutCents:         h.PayoutCents,
		Status:              h.Status,
		HomeownerConfirmed:  h.HomeownerConfirmed,
		ContractorConfirmed: h.ContractorConfirmed,
		CreatedAt:           h.CreatedAt.UTC().Format(time.RFC3339),
	}
	if h.ReleasedAt != nil {
		resp.ReleasedAt = h.ReleasedAt.UTC().Format(time.RFC3339)
	}
	if h.RefundedAt != nil {
		resp.RefundedAt = h.RefundedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// --- job handlers ---

func (h *Handlers) createJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Category    string `json:"category"`
	}
	if err := decodeBody(r, createJobSchema, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	job, err := h.jobs.CreateJob(r.Context(), jobs.CreateJobParams{
		HomeownerID: ActorFrom(r.Context()).ID,
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(job))
}

func (h *Handlers) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (h *Handlers) placeBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountCents int64  `json:"amount_cents"`
		Message     string `json:"message"`
	}
	if err := decodeBody(r, placeBidSchema, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	bid, err := h.jobs.PlaceBid(r.Context(), jobs.PlaceBidParams{
		JobID:        chi.URLParam(r, "jobID"),
		ContractorID: ActorFrom(r.Context()).ID,
		AmountCents:  req.AmountCents,
		Message:      req.Message,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBidResponse(bid))
}

func (h *Handlers) listBids(w http.ResponseWriter, r *http.Request) {
	bids, err := h.jobs.ListBids(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]bidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, toBidResponse(b))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) acceptBid(w http.ResponseWriter, r *http.Request) {
	result, err := h.jobs.AcceptBid(r.Context(),
		chi.URLParam(r, "jobID"), chi.URLParam(r, "bidID"), ActorFrom(r.Context()).ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":  toJobResponse(result.Job),
		"bid":  toBidResponse(result.Bid),
		"hold": toHoldResponse(result.Hold),
	})
}

func (h *Handlers) startWork(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.StartWork(r.Context(), chi.URLParam(r, "jobID"), ActorFrom(r.Context()).ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (h *Handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	job, err := h.jobs.Cancel(r.Context(), chi.URLParam(r, "jobID"), actor.ID, actor.Admin)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// --- hold handlers ---

func (h *Handlers) getHold(w http.ResponseWriter, r *http.Request) {
	hold, err := h.escrow.GetHold(r.Context(), chi.URLParam(r, "holdID"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toHoldResponse(hold))
}

func (h *Handlers) confirmHold(w http.ResponseWriter, r *http.Request) {
	hold, err := h.escrow.ConfirmCompletion(r.Context(),
		chi.URLParam(r, "holdID"), ActorFrom(r.Context()).ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toHoldResponse(hold))
}

func (h *Handlers) disputeHold(w http.ResponseWriter, r *http.Request) {
	hold, err := h.escrow.MarkDisputed(r.Context(),
		chi.URLParam(r, "holdID"), ActorFrom(r.Context()).ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toHoldResponse(hold))
}

// --- admin handlers ---

func (h *Handlers) adminRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, adminActionSchema, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	hold, err := h.escrow.ForceRelease(r.Context(),
		chi.URLParam(r, "holdID"), ActorFrom(r.Context()).ID, req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toHoldResponse(hold))
}

func (h *Handlers) adminRefund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, adminActionSchema, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	hold, err := h.escrow.Refund(r.Context(),
		chi.URLParam(r, "holdID"), ActorFrom(r.Context()).ID, req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toHoldResponse(hold))
}

func (h *Handlers) adminAudit(w http.ResponseWriter, r *http.Request) {
	holdID := r.URL.Query().Get("hold_id")
	query := r.URL.Query().Get("q")

	if holdID == "" && query == "" {
		writeError(w, h.logger,
			apperrors.NewValidationError("one of hold_id or q is required"))
		return
	}

	var entries []*audit.Entry
	var err error
	if holdID != "" {
		entries, err = h.audit.Search(r.Context(), holdID, 50)
	} else {
		entries, err = h.audit.SearchText(r.Context(), query, 50)
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
