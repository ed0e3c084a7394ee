package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "marketplace-escrow/internal/common/errors"
	"marketplace-escrow/internal/common/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	service   *Service
	store     *memStore
	gateway   *fakeGateway
	auditor   *recordingAuditor
	notifier  *nopNotifier
	completer *recordingCompleter
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	store := newMemStore()
	gw := newFakeGateway()
	auditor := &recordingAuditor{}
	notifier := &nopNotifier{}
	completer := &recordingCompleter{}
	log := logger.NewNoOpLogger()

	executor := NewExecutor(store, gw, ExecutorConfig{
		MaxRetries: 3,
		Backoff:    time.Millisecond,
		ClaimTTL:   time.Minute,
	}, log)

	service := NewService(store, gw, executor, FeePolicy{Percent: 0.10},
		auditor, notifier, completer, log)

	return &serviceFixture{
		service:   service,
		store:     store,
		gateway:   gw,
		auditor:   auditor,
		notifier:  notifier,
		completer: completer,
	}
}

func (f *serviceFixture) capturedHold(t *testing.T, grossCents int64) *EscrowHold {
	t.Helper()
	hold, err := f.service.CreateHold(context.Background(), CreateHoldParams{
		JobID:        "job-1",
		BidID:        "bid-1",
		HomeownerID:  "owner-1",
		ContractorID: "pro-1",
		GrossCents:   grossCents,
		PayerRef:     "owner-1",
	})
	require.NoError(t, err)
	return hold
}

func TestCreateHoldComputesFeeSplit(t *testing.T) {
	f := newServiceFixture(t)

	hold := f.capturedHold(t, 50000)

	assert.Equal(t, StatusCaptured, hold.Status)
	assert.Equal(t, int64(5000), hold.FeeCents)
	assert.Equal(t, int64(45000), hold.PayoutCents)
	assert.NotEmpty(t, hold.IntentID)
	assert.False(t, hold.HomeownerConfirmed)
	assert.False(t, hold.ContractorConfirmed)
}

func TestCreateHoldRejectsBadAmount(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.CreateHold(context.Background(), CreateHoldParams{
		JobID: "job-1", BidID: "bid-1",
		HomeownerID: "owner-1", ContractorID: "pro-1",
		GrossCents: 0,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.CodeOf(err))
	assert.Equal(t, 0, f.gateway.captures, "gateway must not be called for invalid input")
}

func TestCreateHoldSurfacesGatewayDecline(t *testing.T) {
	f := newServiceFixture(t)
	f.gateway.captureErr = apperrors.NewGatewayError(apperrors.ErrCodeGatewayDeclined, "card declined")

	_, err := f.service.CreateHold(context.Background(), CreateHoldParams{
		JobID: "job-1", BidID: "bid-1",
		HomeownerID: "owner-1", ContractorID: "pro-1",
		GrossCents: 10000,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeGatewayDeclined, apperrors.CodeOf(err))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestCreateHoldDuplicateBidConflict(t *testing.T) {
	f := newServiceFixture(t)
	f.capturedHold(t, 10000)

	_, err := f.service.CreateHold(context.Background(), CreateHoldParams{
		JobID: "job-1", BidID: "bid-1",
		HomeownerID: "owner-1", ContractorID: "pro-1",
		GrossCents: 10000,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))
	assert.Equal(t, 1, f.gateway.refundCount(), "captured funds for the failed insert must be refunded")
}

func TestDualConfirmationReleasesOnce(t *testing.T) {
	f := newServiceFixture(t)
	hold := f.capturedHold(t, 50000)

	first, err := f.service.ConfirmCompletion(context.Background(), hold.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCaptured, first.Status)
	assert.True(t, first.HomeownerConfirmed)
	assert.False(t, first.ContractorConfirmed)
	assert.Equal(t, 0, f.gateway.transferCount())

	second, err := f.service.ConfirmCompletion(context.Background(), hold.ID, "pro-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, second.Status)
	require.NotNil(t, second.ReleasedAt)
	assert.Equal(t, 1, f.gateway.transferCount())
	assert.Equal(t, []string{"job-1"}, f.completer.completed())
}

func TestConfirmIsIdempotentPerParty(t *testing.T) {
	f := newServiceFixture(t)
	hold := f.capturedHold(t, 50000)

	first, err := f.service.ConfirmCompletion(context.Background(), hold.ID, "owner-1")
	require.NoError(t, err)

	again, err := f.service.ConfirmCompletion(context.Background(), hold.ID, "owner-1")
	require.NoError(t, err)

	assert.Equal(t, first.Status, again.Status)
	assert.Equal(t, first.HomeownerConfirmed, again.HomeownerConfirmed)
	assert.Equal(t, first.HomeownerConfirmedAt.Unix(), again.HomeownerConfirmedAt.Unix())
	assert.Equal(t, 0, f.gateway.transferCount())
}

func TestConfirmUnauthorizedForNonParty(t *testing.T) {
	f := newServiceFixture(t)
	hold := f.capturedHold(t, 50000)

	_, err := f.service.ConfirmCompletion(context.Background(), hold.ID, "stranger")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))
}

func TestConfirmAfterTerminalIsInvalidState(t *testing.T) {
	f := newServiceFixture(t)
	hold := f.capturedHold(t, 50000)

	_, err := f.service.ConfirmCompletion(context.Background(), hold.ID, "owner-1")
	require.NoError(t, err)
	released, err := f.service.ConfirmCompletion(context.Background(), hold.ID, "pro-1")
	require.NoError(t, err)
	require.Equal(t, StatusReleased, released.Status)

	_, err = f.service.ConfirmCompletion(context.Background(), hold.ID, "owner-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.CodeOf(err))
}

func TestTerminalHoldRejectsAllMutations(t *testing.T) {
	f := newServiceFixture(t)
	hold := f.capturedHold(t, 50000)
	_, err := f.service.Refund(context.Background(), hold.ID, "admin-1", "duplicate charge")
	require.NoError(t, err)

	_, err = f.service.ConfirmCompletion(context.Background(), hold.ID, "owner-1")
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.CodeOf(err))

	_, err = f.service.ForceRelease(context.Background(), hold.ID, "admin-1", "resolve")
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.CodeOf(err))

	_, err = f.service.Refund(context.Background(), hold.ID, "admin-1", "again")
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.CodeOf(err))

	_, err = f.service.MarkDisputed(context.Background(), hold.ID, "owner-1")
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.CodeOf(err))
}

func TestConcurrentConfirmationsReleaseExactlyOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newServiceFixture(t)
		hold := f.capturedHold(t, 50000)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = f.service.ConfirmCompletion(context.Background(), hold.ID, "owner-1")
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = f.service.ConfirmCompletion(context.Background(), hold.ID, "pro-1")
		}()
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		final, err := f.store.GetHold(context.Background(), hold.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusReleased, final.Status)
		assert.Equal(t, 1, f.gateway.transferCount(),
			"exactly one transfer, never zero, never two")
	}
}

func TestAdminRefundScenario(t *testing.T) {
	f := newServiceFixture(t)
	hold := f.capturedHold(t, 50000)

	refunded, err := f.service.Refund(context.Background(), hold.ID, "admin-1", "duplicate charge")
	require.NoError(t, err)

	assert.Equal(t, StatusRefunded, refunded.Status)
	require.NotNil(t, refunded.RefundedAt)
	assert.Equal(t, 1, f.gateway.refundCount())

	intent, err := f.gateway.GetIntent(context.Background(), hold.IntentID)
	require.NoError(t, err)
	assert.Equal(t, "refunded", intent.Status, "refund must target the original intent")

	entries := f.auditor.byAction(ActionRefund)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin-1", entries[0].ActorID)
	assert.Equal(t, "duplicate charge", entries[0].Reason)
	assert.Equal(t, StatusCaptured, entries[0].PriorStatus)
}

func TestAdminOverrideRequiresReason(t *testing.T) {
	f := newServiceFixture(t)
	hold := f.capturedHold(t, 50000)

	_, err := f.service.ForceRelease(context.Background(), hold.ID, "admin-1", "")
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.CodeOf(err))

	_, err = f.service.Refund(context.Background(), hold.ID, "admin-1", "")
	assert.Equal(t, apperrors.ErrCodeValidationFailed, apperrors.CodeOf(err))

	_, err = f.service.ForceRelease(context.Background(), hold.ID, "", "reason")
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))
}

func TestForceReleaseBypassesConfirmations(t *testing.T) {
	f := newServiceFixture(t)
	hold := f.capturedHold(t, 50000)

	released, err := f.service.ForceRelease(context.Background(), hold.ID, "admin-1", "homeowner unreachable")
	require.NoError(t, err)

	assert.Equal(t, StatusReleased, released.Status)
	assert.False(t, released.HomeownerConfirmed)
	assert.False(t, released.ContractorConfirmed)
	assert.Equal(t, 1, f.gateway.transferCount())

	entries := f.auditor.byAction(ActionForceRelease)
	require.Len(t, entries, 1)
	assert.Equal(t, "homeowner unreachable", entries[0].Reason)
}

func TestDisputedHoldRecordsConfirmationsWithoutAutoRelease(t *testing.T) {
	f := newServiceFixture(t)
	hold := f.capturedHold(t, 50000)

	disputed, err := f.service.MarkDisputed(context.Background(), hold.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, disputed.Status)

	_, err = f.service.ConfirmCompletion(context.Background(), hold.ID, "owner-1")
	require.NoError(t, err)
	after, err := f.service.ConfirmCompletion(context.Background(), hold.ID, "pro-1")
	require.NoError(t, err)

	assert.Equal(t, StatusDisputed, after.Status)
	assert.True(t, after.BothConfirmed())
	assert.Equal(t, 0, f.gateway.transferCount(), "disputed holds never auto-fire")

	resolved, err := f.service.ForceRelease(context.Background(), hold.ID, "admin-1", "dispute resolved for contractor")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, resolved.Status)
	assert.Equal(t, 1, f.gateway.transferCount())
}

func TestDisputeOnlyFromCaptured(t *testing.T) {
	f := newServiceFixture(t)
	hold := f.capturedHold(t, 50000)

	_, err := f.service.MarkDisputed(context.Background(), hold.ID, "pro-1")
	require.NoError(t, err)

	_, err = f.service.MarkDisputed(context.Background(), hold.ID, "pro-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.CodeOf(err))

	_, err = f.service.MarkDisputed(context.Background(), hold.ID, "stranger")
	assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.CodeOf(err))
}
