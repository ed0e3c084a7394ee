package escrow

import (
	"context"
	"time"

	apperrors "marketplace-escrow/internal/common/errors"
	"marketplace-escrow/internal/common/logger"
	"marketplace-escrow/internal/common/metrics"
	"marketplace-escrow/internal/gateway"
)

// Outcome names the direction money moved when an executor run finishes.
const (
	OutcomeReleased = "released"
	OutcomeRefunded = "refunded"
)

// ExecutorConfig bounds the gateway retry loop and the claim takeover window.
type ExecutorConfig struct {
	MaxRetries int
	Backoff    time.Duration
	// ClaimTTL is how long a release claim is honored before another caller
	// may take it over. Must exceed the worst-case gateway call including
	// retries, otherwise two executors can run the same hold.
	ClaimTTL time.Duration
}

// Executor moves money for a single hold exactly once. The protocol is:
// reconcile with the gateway, claim the hold, call the gateway with bounded
// retries, finalize the row. Any failure after claiming clears the claim so
// the hold stays retryable.
type Executor struct {
	store   Store
	gateway gateway.Client
	cfg     ExecutorConfig
	logger  logger.Logger
	now     func() time.Time
}

func NewExecutor(store Store, gw gateway.Client, cfg ExecutorConfig, log logger.Logger) *Executor {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}
	return &Executor{
		store:   store,
		gateway: gw,
		cfg:     cfg,
		logger:  log.WithFields(map[string]interface{}{"component": "escrow_executor"}),
		now:     time.Now,
	}
}

// Release pays the contractor their payout share. Callable from captured
// (dual confirmation) and disputed (admin resolution).
func (e *Executor) Release(ctx context.Context, hold *EscrowHold) (*EscrowHold, error) {
	return e.execute(ctx, hold, OutcomeReleased)
}

// Refund returns the full gross amount to the homeowner.
func (e *Executor) Refund(ctx context.Context, hold *EscrowHold) (*EscrowHold, error) {
	return e.execute(ctx, hold, OutcomeRefunded)
}

func (e *Executor) execute(ctx context.Context, hold *EscrowHold, outcome string) (*EscrowHold, error) {
	log := e.logger.WithFields(map[string]interface{}{
		"hold_id":   hold.ID,
		"intent_id": hold.IntentID,
		"outcome":   outcome,
	})

	if hold.Terminal() {
		return nil, apperrors.NewInvalidStateError(hold.Status, outcome)
	}

	// Reconcile before claiming. If a previous run crashed after the
	// gateway call but before the status write, the intent is already
	// settled and only the row needs finalizing.
	intent, err := e.gateway.GetIntent(ctx, hold.IntentID)
	if err != nil {
		metrics.EscrowOperations.WithLabelValues(outcome, "reconcile_failed").Inc()
		return nil, err
	}
	if finalized, ferr := e.finalizeSettled(ctx, hold, intent, outcome, log); finalized != nil || ferr != nil {
		return finalized, ferr
	}

	now := e.now()
	claimed, err := e.store.ClaimRelease(ctx, hold.ID, now, now.Add(-e.cfg.ClaimTTL))
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Either another executor holds a live claim, or the hold went
		// terminal between our read and the claim attempt.
		current, gerr := e.store.GetHold(ctx, hold.ID)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status == outcome {
			return current, nil
		}
		if current.Terminal() {
			return nil, apperrors.NewInvalidStateError(current.Status, outcome)
		}
		metrics.EscrowOperations.WithLabelValues(outcome, "claim_contended").Inc()
		return nil, apperrors.NewReleaseInProgressError(hold.ID)
	}

	if err := e.callGateway(ctx, hold, outcome, log); err != nil {
		if cerr := e.store.ClearReleaseClaim(ctx, hold.ID); cerr != nil {
			log.Error("failed to clear release claim after gateway failure", map[string]interface{}{
				"error": cerr.Error(),
			})
		}
		metrics.EscrowOperations.WithLabelValues(outcome, "gateway_failed").Inc()
		return nil, err
	}

	final, err := e.finalize(ctx, hold.ID, outcome)
	if err != nil {
		// Money moved but the row write failed. The claim stays set so no
		// concurrent caller re-executes; the next attempt reconciles via
		// GetIntent and only finalizes.
		log.Error("funds settled but status write failed", map[string]interface{}{
			"error": err.Error(),
		})
		metrics.EscrowOperations.WithLabelValues(outcome, "finalize_failed").Inc()
		return nil, err
	}

	metrics.EscrowOperations.WithLabelValues(outcome, "ok").Inc()
	log.Info("hold settled", map[string]interface{}{
		"gross_cents":  final.GrossCents,
		"fee_cents":    final.FeeCents,
		"payout_cents": final.PayoutCents,
	})
	return final, nil
}

// finalizeSettled handles intents the gateway already settled. Returns a
// non-nil hold when the row was finalized without a new gateway call, and an
// error when the gateway outcome contradicts the requested one.
func (e *Executor) finalizeSettled(ctx context.Context, hold *EscrowHold, intent *gateway.Intent, outcome string, log logger.Logger) (*EscrowHold, error) {
	switch intent.Status {
	case gateway.IntentStatusCaptured:
		return nil, nil
	case gateway.IntentStatusTransferred:
		if outcome != OutcomeReleased {
			return nil, apperrors.NewConflictError(
				"intent already transferred to contractor, refund is no longer possible")
		}
	case gateway.IntentStatusRefunded:
		if outcome != OutcomeRefunded {
			return nil, apperrors.NewConflictError(
				"intent already refunded to homeowner, release is no longer possible")
		}
	default:
		return nil, apperrors.NewGatewayError(apperrors.ErrCodeGatewayUnknown,
			"unrecognized intent status "+intent.Status)
	}

	log.Info("intent already settled at gateway, finalizing record", nil)
	final, err := e.finalize(ctx, hold.ID, outcome)
	if err != nil {
		return nil, err
	}
	metrics.EscrowOperations.WithLabelValues(outcome, "reconciled").Inc()
	return final, nil
}

// callGateway performs the transfer or refund with bounded retries. Only
// errors the taxonomy marks retryable are retried; a decline is final on the
// first response.
func (e *Executor) callGateway(ctx context.Context, hold *EscrowHold, outcome string, log logger.Logger) error {
	backoff := e.cfg.Backoff
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		var err error
		if outcome == OutcomeReleased {
			_, err = e.gateway.Transfer(ctx, gateway.TransferRequest{
				IntentID:         hold.IntentID,
				PayoutAccountRef: hold.ContractorID,
				AmountCents:      hold.PayoutCents,
			})
		} else {
			_, err = e.gateway.Refund(ctx, hold.IntentID)
		}
		if err == nil {
			return nil
		}
		lastErr = err

		if !apperrors.IsRetryable(err) || attempt == e.cfg.MaxRetries {
			break
		}

		// A timed-out call may have succeeded at the gateway. Re-read the
		// intent before retrying so a retry never double-settles.
		intent, gerr := e.gateway.GetIntent(ctx, hold.IntentID)
		if gerr == nil && intent.Status != gateway.IntentStatusCaptured {
			log.Info("intent settled during retry window", map[string]interface{}{
				"intent_status": intent.Status,
			})
			return nil
		}

		metrics.ReleaseRetries.Inc()
		log.Warn("gateway call failed, retrying", map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
		})

		select {
		case <-ctx.Done():
			return apperrors.NewGatewayError(apperrors.ErrCodeGatewayNetwork, ctx.Err().Error())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// finalize writes the terminal status. Idempotent: when a concurrent caller
// or an earlier crashed run already wrote the same outcome, the settled hold
// is returned as success.
func (e *Executor) finalize(ctx context.Context, holdID, outcome string) (*EscrowHold, error) {
	var final *EscrowHold
	var err error
	if outcome == OutcomeReleased {
		final, err = e.store.MarkReleased(ctx, holdID, e.now())
	} else {
		final, err = e.store.MarkRefunded(ctx, holdID, e.now())
	}
	if err == nil {
		return final, nil
	}
	if apperrors.CodeOf(err) == apperrors.ErrCodeInvalidState {
		current, gerr := e.store.GetHold(ctx, holdID)
		if gerr == nil && current.Status == outcome {
			return current, nil
		}
	}
	return nil, err
}
