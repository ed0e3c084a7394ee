package escrow

import (
	"context"
	"fmt"
	"time"

	apperrors "marketplace-escrow/internal/common/errors"
	"marketplace-escrow/internal/common/logger"
	"marketplace-escrow/internal/common/metrics"
	"marketplace-escrow/internal/gateway"

	"github.com/google/uuid"
)

// Audit actions written by the service.
const (
	ActionCreateHold   = "create_hold"
	ActionConfirm      = "confirm_completion"
	ActionForceRelease = "force_release"
	ActionRefund       = "refund"
	ActionDispute      = "mark_disputed"
)

// Auditor records hold actions for the back-office trail. Admin overrides
// must be recorded; the implementation decides where entries land.
type Auditor interface {
	Record(ctx context.Context, holdID, actorID, action, priorStatus, reason string) error
}

// Notifier tells both parties about a hold outcome. Best effort; a delivery
// failure never rolls back a settled hold.
type Notifier interface {
	NotifyOutcome(ctx context.Context, hold *EscrowHold, outcome string)
}

// JobCompleter advances the owning job when a hold settles through release.
type JobCompleter interface {
	MarkCompleted(ctx context.Context, jobID string) error
}

// CreateHoldParams carries everything needed to capture funds and open a hold.
type CreateHoldParams struct {
	JobID        string
	BidID        string
	HomeownerID  string
	ContractorID string
	GrossCents   int64
	PayerRef     string
	Description  string
}

// Service is the single authority for hold transitions. Handlers and the job
// lifecycle call through it; nothing else touches the store or the gateway.
type Service struct {
	store    Store
	gateway  gateway.Client
	executor *Executor
	fees     FeePolicy
	auditor  Auditor
	notifier Notifier
	jobs     JobCompleter
	logger   logger.Logger
	now      func() time.Time
}

func NewService(store Store, gw gateway.Client, executor *Executor, fees FeePolicy,
	auditor Auditor, notifier Notifier, jobs JobCompleter, log logger.Logger) *Service {
	return &Service{
		store:    store,
		gateway:  gw,
		executor: executor,
		fees:     fees,
		auditor:  auditor,
		notifier: notifier,
		jobs:     jobs,
		logger:   log.WithFields(map[string]interface{}{"component": "escrow_service"}),
		now:      time.Now,
	}
}

// CreateHold captures the gross amount at the gateway and opens a captured
// hold. On gateway failure no hold is created and the gateway error is
// surfaced unchanged for the caller's retry-vs-abort decision.
func (s *Service) CreateHold(ctx context.Context, p CreateHoldParams) (*EscrowHold, error) {
	if p.GrossCents <= 0 {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("gross amount must be positive, got %d", p.GrossCents))
	}
	if p.HomeownerID == "" || p.ContractorID == "" {
		return nil, apperrors.NewValidationError("both parties are required")
	}

	feeCents, payoutCents := s.fees.Split(p.GrossCents)

	intent, err := s.gateway.Capture(ctx, gateway.CaptureRequest{
		AmountCents: p.GrossCents,
		PayerRef:    p.PayerRef,
		Description: p.Description,
	})
	if err != nil {
		metrics.EscrowOperations.WithLabelValues(ActionCreateHold, "capture_failed").Inc()
		return nil, err
	}

	hold := &EscrowHold{
		ID:           uuid.New().String(),
		JobID:        p.JobID,
		BidID:        p.BidID,
		HomeownerID:  p.HomeownerID,
		ContractorID: p.ContractorID,
		GrossCents:   p.GrossCents,
		FeeCents:     feeCents,
		PayoutCents:  payoutCents,
		IntentID:     intent.ID,
		Status:       StatusCaptured,
		CreatedAt:    s.now(),
	}

	if err := s.store.CreateHold(ctx, hold); err != nil {
		// Funds are captured but the hold did not open. Refund so the payer
		// is not left charged against a record that does not exist.
		s.logger.Error("hold insert failed after capture, refunding intent", map[string]interface{}{
			"intent_id": intent.ID,
			"bid_id":    p.BidID,
			"error":     err.Error(),
		})
		if _, rerr := s.gateway.Refund(ctx, intent.ID); rerr != nil {
			s.logger.Error("refund of orphaned intent failed, manual intervention required", map[string]interface{}{
				"intent_id": intent.ID,
				"error":     rerr.Error(),
			})
		}
		metrics.EscrowOperations.WithLabelValues(ActionCreateHold, "store_failed").Inc()
		return nil, err
	}

	metrics.EscrowOperations.WithLabelValues(ActionCreateHold, "ok").Inc()
	if err := s.auditor.Record(ctx, hold.ID, p.HomeownerID, ActionCreateHold, "", ""); err != nil {
		s.logger.Warn("audit write failed", map[string]interface{}{
			"hold_id": hold.ID, "error": err.Error(),
		})
	}
	s.logger.Info("hold created", map[string]interface{}{
		"hold_id":      hold.ID,
		"job_id":       hold.JobID,
		"gross_cents":  hold.GrossCents,
		"fee_cents":    hold.FeeCents,
		"payout_cents": hold.PayoutCents,
	})
	return hold, nil
}

// GetHold fetches one hold.
func (s *Service) GetHold(ctx context.Context, holdID string) (*EscrowHold, error) {
	return s.store.GetHold(ctx, holdID)
}

// ConfirmCompletion records one party's completion signal. Idempotent per
// party. When the confirmation completes the pair and the hold is still
// captured, release fires exactly once; confirmations on a disputed hold are
// recorded but never auto-fire.
func (s *Service) ConfirmCompletion(ctx context.Context, holdID, actorID string) (*EscrowHold, error) {
	hold, err := s.store.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}

	party, ok := hold.PartyOf(actorID)
	if !ok {
		return nil, apperrors.NewUnauthorizedError(
			fmt.Sprintf("actor %s is not a party to hold %s", actorID, holdID))
	}

	updated, err := s.store.ApplyConfirmation(ctx, holdID, party, s.now())
	if err != nil {
		metrics.EscrowOperations.WithLabelValues(ActionConfirm, "failed").Inc()
		return nil, err
	}
	metrics.EscrowOperations.WithLabelValues(ActionConfirm, "ok").Inc()

	if !updated.BothConfirmed() || updated.Status != StatusCaptured {
		return updated, nil
	}

	released, err := s.executor.Release(ctx, updated)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrCodeReleaseInProgress {
			// A concurrent confirmation won the claim. This caller's
			// confirmation is recorded; the money is moving exactly once.
			return updated, nil
		}
		// Confirmation stands; the release failed and the hold is unchanged.
		// A later confirm or admin release retries it.
		return nil, err
	}

	s.afterRelease(ctx, released, actorID, ActionConfirm, "dual confirmation")
	return released, nil
}

// ForceRelease settles a captured or disputed hold to the contractor by admin
// decision, bypassing dual confirmation. Reason is mandatory and audited.
func (s *Service) ForceRelease(ctx context.Context, holdID, adminID, reason string) (*EscrowHold, error) {
	hold, err := s.adminPrecheck(ctx, holdID, adminID, reason, "force-release")
	if err != nil {
		return nil, err
	}

	priorStatus := hold.Status
	released, err := s.executor.Release(ctx, hold)
	if err != nil {
		metrics.EscrowOperations.WithLabelValues(ActionForceRelease, "failed").Inc()
		return nil, err
	}
	metrics.EscrowOperations.WithLabelValues(ActionForceRelease, "ok").Inc()

	if err := s.auditor.Record(ctx, holdID, adminID, ActionForceRelease, priorStatus, reason); err != nil {
		s.logger.Error("audit write failed for admin override", map[string]interface{}{
			"hold_id": holdID, "actor_id": adminID, "error": err.Error(),
		})
	}
	s.afterRelease(ctx, released, adminID, ActionForceRelease, reason)
	return released, nil
}

// Refund returns the full gross amount to the homeowner by admin decision.
func (s *Service) Refund(ctx context.Context, holdID, adminID, reason string) (*EscrowHold, error) {
	hold, err := s.adminPrecheck(ctx, holdID, adminID, reason, "refund")
	if err != nil {
		return nil, err
	}

	priorStatus := hold.Status
	refunded, err := s.executor.Refund(ctx, hold)
	if err != nil {
		metrics.EscrowOperations.WithLabelValues(ActionRefund, "failed").Inc()
		return nil, err
	}
	metrics.EscrowOperations.WithLabelValues(ActionRefund, "ok").Inc()

	if err := s.auditor.Record(ctx, holdID, adminID, ActionRefund, priorStatus, reason); err != nil {
		s.logger.Error("audit write failed for admin override", map[string]interface{}{
			"hold_id": holdID, "actor_id": adminID, "error": err.Error(),
		})
	}
	s.notifier.NotifyOutcome(ctx, refunded, OutcomeRefunded)
	return refunded, nil
}

// MarkDisputed freezes a captured hold. Either party may raise a dispute;
// confirmations keep recording but auto-release is off until an admin
// resolves via ForceRelease or Refund.
func (s *Service) MarkDisputed(ctx context.Context, holdID, actorID string) (*EscrowHold, error) {
	hold, err := s.store.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if _, ok := hold.PartyOf(actorID); !ok {
		return nil, apperrors.NewUnauthorizedError(
			fmt.Sprintf("actor %s is not a party to hold %s", actorID, holdID))
	}

	disputed, err := s.store.MarkDisputed(ctx, holdID)
	if err != nil {
		metrics.EscrowOperations.WithLabelValues(ActionDispute, "failed").Inc()
		return nil, err
	}
	metrics.EscrowOperations.WithLabelValues(ActionDispute, "ok").Inc()

	if err := s.auditor.Record(ctx, holdID, actorID, ActionDispute, StatusCaptured, ""); err != nil {
		s.logger.Warn("audit write failed", map[string]interface{}{
			"hold_id": holdID, "error": err.Error(),
		})
	}
	s.logger.Info("hold disputed", map[string]interface{}{
		"hold_id": holdID, "raised_by": actorID,
	})
	return disputed, nil
}

func (s *Service) adminPrecheck(ctx context.Context, holdID, adminID, reason, attempted string) (*EscrowHold, error) {
	if adminID == "" {
		return nil, apperrors.NewUnauthorizedError("admin actor id is required")
	}
	if reason == "" {
		return nil, apperrors.NewValidationError("a reason is required for admin overrides")
	}
	hold, err := s.store.GetHold(ctx, holdID)
	if err != nil {
		return nil, err
	}
	if hold.Terminal() {
		return nil, apperrors.NewInvalidStateError(hold.Status, attempted)
	}
	return hold, nil
}

func (s *Service) afterRelease(ctx context.Context, hold *EscrowHold, actorID, action, reason string) {
	if err := s.jobs.MarkCompleted(ctx, hold.JobID); err != nil {
		s.logger.Error("failed to advance job after release", map[string]interface{}{
			"job_id": hold.JobID, "hold_id": hold.ID, "error": err.Error(),
		})
	}
	s.notifier.NotifyOutcome(ctx, hold, OutcomeReleased)
	if action == ActionConfirm {
		if err := s.auditor.Record(ctx, hold.ID, actorID, ActionConfirm, StatusCaptured, reason); err != nil {
			s.logger.Warn("audit write failed", map[string]interface{}{
				"hold_id": hold.ID, "error": err.Error(),
			})
		}
	}
}
