package jobs

import (
	"context"
	"fmt"
	"time"

	apperrors "marketplace-escrow/internal/common/errors"
	"marketplace-escrow/internal/common/logger"
	"marketplace-escrow/internal/escrow"

	"github.com/google/uuid"
)

// HoldCreator opens an escrow hold when a bid is accepted. Implemented by the
// escrow service; split out so job logic is testable without the gateway.
type HoldCreator interface {
	CreateHold(ctx context.Context, p escrow.CreateHoldParams) (*escrow.EscrowHold, error)
}

// Service drives the job/bid lifecycle and hands escrow the trigger points.
type Service struct {
	store  Store
	holds  HoldCreator
	logger logger.Logger
	now    func() time.Time
}

func NewService(store Store, holds HoldCreator, log logger.Logger) *Service {
	return &Service{
		store:  store,
		holds:  holds,
		logger: log.WithFields(map[string]interface{}{"component": "jobs_service"}),
		now:    time.Now,
	}
}

// CreateJobParams carries a new job posting.
type CreateJobParams struct {
	HomeownerID string
	Title       string
	Description string
	Category    string
}

func (s *Service) CreateJob(ctx context.Context, p CreateJobParams) (*Job, error) {
	if p.HomeownerID == "" {
		return nil, apperrors.NewValidationError("homeowner id is required")
	}
	if p.Title == "" {
		return nil, apperrors.NewValidationError("title is required")
	}

	now := s.now()
	job := &Job{
		ID:          uuid.New().String(),
		HomeownerID: p.HomeownerID,
		Title:       p.Title,
		Description: p.Description,
		Category:    p.Category,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.Info("job created", map[string]interface{}{
		"job_id": job.ID, "homeowner_id": job.HomeownerID,
	})
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.store.GetJob(ctx, jobID)
}

func (s *Service) ListBids(ctx context.Context, jobID string) ([]*Bid, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListBids(ctx, jobID)
}

// PlaceBidParams carries a contractor's offer.
type PlaceBidParams struct {
	JobID        string
	ContractorID string
	AmountCents  int64
	Message      string
}

// PlaceBid records a bid. The first bid moves the job pending -> bidding.
func (s *Service) PlaceBid(ctx context.Context, p PlaceBidParams) (*Bid, error) {
	if p.ContractorID == "" {
		return nil, apperrors.NewValidationError("contractor id is required")
	}
	if p.AmountCents <= 0 {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("bid amount must be positive, got %d", p.AmountCents))
	}

	job, err := s.store.GetJob(ctx, p.JobID)
	if err != nil {
		return nil, err
	}
	if job.HomeownerID == p.ContractorID {
		return nil, apperrors.NewValidationError("homeowner cannot bid on their own job")
	}
	if !BiddingOpen(job.Status) {
		return nil, apperrors.NewInvalidStateError(job.Status, "place_bid")
	}

	bid := &Bid{
		ID:           uuid.New().String(),
		JobID:        p.JobID,
		ContractorID: p.ContractorID,
		AmountCents:  p.AmountCents,
		Message:      p.Message,
		Status:       BidStatusPending,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateBid(ctx, bid); err != nil {
		return nil, err
	}

	if job.Status == StatusPending {
		// Lost races are fine here: another first bid already opened bidding.
		if _, err := s.store.SetStatus(ctx, p.JobID, StatusPending, StatusBidding, s.now()); err != nil {
			if apperrors.CodeOf(err) != apperrors.ErrCodeInvalidState {
				return nil, err
			}
		}
	}

	s.logger.Info("bid placed", map[string]interface{}{
		"bid_id": bid.ID, "job_id": p.JobID, "amount_cents": p.AmountCents,
	})
	return bid, nil
}

// AcceptBidResult pairs the accepted bid with the hold that funds it.
type AcceptBidResult struct {
	Job  *Job
	Bid  *Bid
	Hold *escrow.EscrowHold
}

// AcceptBid accepts exactly one bid for the job, captures funds and opens the
// escrow hold. Acceptance is exclusive; a second accept surfaces Conflict. If
// the capture fails the bid stays accepted and the job stays bid_accepted, so
// a retry only repeats the payment step.
func (s *Service) AcceptBid(ctx context.Context, jobID, bidID, actorID string) (*AcceptBidResult, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.HomeownerID != actorID {
		return nil, apperrors.NewUnauthorizedError(
			fmt.Sprintf("actor %s is not the homeowner of job %s", actorID, jobID))
	}

	var bid *Bid
	if job.Status == StatusBidAccepted && job.AcceptedBidID != nil && *job.AcceptedBidID == bidID {
		// Retry after a failed capture. Skip straight to the payment step.
		bid, err = s.store.GetBid(ctx, bidID)
		if err != nil {
			return nil, err
		}
	} else {
		job, bid, err = s.store.AcceptBid(ctx, jobID, bidID, s.now())
		if err != nil {
			return nil, err
		}
	}

	hold, err := s.holds.CreateHold(ctx, escrow.CreateHoldParams{
		JobID:        jobID,
		BidID:        bid.ID,
		HomeownerID:  job.HomeownerID,
		ContractorID: bid.ContractorID,
		GrossCents:   bid.AmountCents,
		PayerRef:     job.HomeownerID,
		Description:  fmt.Sprintf("escrow for job %s", jobID),
	})
	if err != nil {
		s.logger.Warn("fund capture failed after bid acceptance", map[string]interface{}{
			"job_id": jobID, "bid_id": bid.ID, "error": err.Error(),
		})
		return nil, err
	}

	job, err = s.store.SetStatus(ctx, jobID, StatusBidAccepted, StatusConfirmed, s.now())
	if err != nil {
		s.logger.Error("job stuck in bid_accepted with live hold", map[string]interface{}{
			"job_id": jobID, "hold_id": hold.ID, "error": err.Error(),
		})
		return nil, err
	}

	s.logger.Info("bid accepted and funded", map[string]interface{}{
		"job_id": jobID, "bid_id": bid.ID, "hold_id": hold.ID,
	})
	return &AcceptBidResult{Job: job, Bid: bid, Hold: hold}, nil
}

// StartWork records the contractor's arrival, confirmed -> in_progress.
func (s *Service) StartWork(ctx context.Context, jobID, actorID string) (*Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.AcceptedBidID == nil {
		return nil, apperrors.NewInvalidStateError(job.Status, "start_work")
	}
	bid, err := s.store.GetBid(ctx, *job.AcceptedBidID)
	if err != nil {
		return nil, err
	}
	if bid.ContractorID != actorID {
		return nil, apperrors.NewUnauthorizedError(
			fmt.Sprintf("actor %s is not the accepted contractor for job %s", actorID, jobID))
	}
	return s.store.SetStatus(ctx, jobID, StatusConfirmed, StatusInProgress, s.now())
}

// Cancel closes a job before completion. Homeowner or admin only. Any funds
// already captured stay on the hold; returning them is a separate refund
// decision, not a side effect of cancellation.
func (s *Service) Cancel(ctx context.Context, jobID, actorID string, isAdmin bool) (*Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && job.HomeownerID != actorID {
		return nil, apperrors.NewUnauthorizedError(
			fmt.Sprintf("actor %s may not cancel job %s", actorID, jobID))
	}
	if !Cancellable(job.Status) {
		return nil, apperrors.NewInvalidStateError(job.Status, "cancel")
	}

	cancelled, err := s.store.Cancel(ctx, jobID, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("job cancelled", map[string]interface{}{
		"job_id": jobID, "cancelled_by": actorID,
	})
	return cancelled, nil
}
