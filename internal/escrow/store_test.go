package escrow

import (
	"context"
	"testing"
	"time"

	apperrors "marketplace-escrow/internal/common/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var holdRowColumns = []string{
	"id", "job_id", "bid_id", "homeowner_id", "contractor_id",
	"gross_cents", "fee_cents", "payout_cents", "intent_id", "status",
	"homeowner_confirmed", "homeowner_confirmed_at",
	"contractor_confirmed", "contractor_confirmed_at",
	"release_claim_at", "created_at", "released_at", "refunded_at",
}

func holdRow(status string, homeownerConfirmed, contractorConfirmed bool) *sqlmock.Rows {
	return sqlmock.NewRows(holdRowColumns).AddRow(
		"hold-1", "job-1", "bid-1", "owner-1", "pro-1",
		int64(50000), int64(5000), int64(45000), "intent-1", status,
		homeownerConfirmed, nil,
		contractorConfirmed, nil,
		nil, time.Now(), nil, nil,
	)
}

func TestPostgresStoreApplyConfirmation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectQuery(`UPDATE escrow_holds SET\s+homeowner_confirmed = TRUE`).
		WithArgs("hold-1", sqlmock.AnyArg()).
		WillReturnRows(holdRow(StatusCaptured, true, false))

	hold, err := store.ApplyConfirmation(context.Background(), "hold-1", PartyHomeowner, time.Now())
	require.NoError(t, err)
	assert.True(t, hold.HomeownerConfirmed)
	assert.False(t, hold.ContractorConfirmed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreApplyConfirmationOnTerminalHold(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	// Zero rows from the conditional update, then the follow-up fetch
	// explains why: the hold is already released.
	mock.ExpectQuery(`UPDATE escrow_holds SET\s+contractor_confirmed = TRUE`).
		WithArgs("hold-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(holdRowColumns))

	released := sqlmock.NewRows(holdRowColumns).AddRow(
		"hold-1", "job-1", "bid-1", "owner-1", "pro-1",
		int64(50000), int64(5000), int64(45000), "intent-1", StatusReleased,
		true, time.Now(), true, time.Now(),
		nil, time.Now(), time.Now(), nil,
	)
	mock.ExpectQuery(`(?s)SELECT .+ FROM escrow_holds WHERE id = \$1`).
		WithArgs("hold-1").
		WillReturnRows(released)

	_, err = store.ApplyConfirmation(context.Background(), "hold-1", PartyContractor, time.Now())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreApplyConfirmationMissingHold(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectQuery(`UPDATE escrow_holds SET\s+homeowner_confirmed = TRUE`).
		WithArgs("gone", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(holdRowColumns))
	mock.ExpectQuery(`(?s)SELECT .+ FROM escrow_holds WHERE id = \$1`).
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows(holdRowColumns))

	_, err = store.ApplyConfirmation(context.Background(), "gone", PartyHomeowner, time.Now())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreCreateHoldDuplicateIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	mock.ExpectExec(`INSERT INTO escrow_holds`).
		WillReturnError(&pq.Error{Code: "23505"})

	err = store.CreateHold(context.Background(), validHold())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreClaimRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	now := time.Now()

	mock.ExpectExec(`UPDATE escrow_holds SET release_claim_at = \$2`).
		WithArgs("hold-1", now, now.Add(-time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	claimed, err := store.ClaimRelease(context.Background(), "hold-1", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed)

	mock.ExpectExec(`UPDATE escrow_holds SET release_claim_at = \$2`).
		WithArgs("hold-1", now, now.Add(-time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	claimed, err = store.ClaimRelease(context.Background(), "hold-1", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed, "a live claim or terminal status loses the election")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreMarkReleased(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	released := sqlmock.NewRows(holdRowColumns).AddRow(
		"hold-1", "job-1", "bid-1", "owner-1", "pro-1",
		int64(50000), int64(5000), int64(45000), "intent-1", StatusReleased,
		true, time.Now(), true, time.Now(),
		nil, time.Now(), time.Now(), nil,
	)
	mock.ExpectQuery(`UPDATE escrow_holds SET status = 'released'`).
		WithArgs("hold-1", sqlmock.AnyArg()).
		WillReturnRows(released)

	hold, err := store.MarkReleased(context.Background(), "hold-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, hold.Status)
	require.NotNil(t, hold.ReleasedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetHoldValidatesRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	// fee + payout does not add up to gross; the row must be rejected at the
	// decode boundary rather than trusted.
	corrupt := sqlmock.NewRows(holdRowColumns).AddRow(
		"hold-1", "job-1", "bid-1", "owner-1", "pro-1",
		int64(50000), int64(4000), int64(45000), "intent-1", StatusCaptured,
		false, nil, false, nil,
		nil, time.Now(), nil, nil,
	)
	mock.ExpectQuery(`(?s)SELECT .+ FROM escrow_holds WHERE id = \$1`).
		WithArgs("hold-1").
		WillReturnRows(corrupt)

	_, err = store.GetHold(context.Background(), "hold-1")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInternal, apperrors.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
