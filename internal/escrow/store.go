package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "marketplace-escrow/internal/common/errors"

	"github.com/lib/pq"
)

// Store persists escrow holds. Every mutation is a conditional update
// predicated on the row's current status: the hold row is the unit of
// contention and the database provides the compare-and-swap, not the
// application layer.
type Store interface {
	CreateHold(ctx context.Context, hold *EscrowHold) error
	GetHold(ctx context.Context, id string) (*EscrowHold, error)

	// ApplyConfirmation sets one party's confirmation flag as a single
	// atomic read-modify-write. Allowed while status is captured or
	// disputed; re-applying an already-set flag is a no-op that keeps the
	// original timestamp.
	ApplyConfirmation(ctx context.Context, holdID string, p Party, at time.Time) (*EscrowHold, error)

	// ClaimRelease elects a single release executor for the hold. Stale
	// claims older than staleBefore may be taken over, so a crash between
	// the gateway call and the status write does not wedge the hold.
	ClaimRelease(ctx context.Context, holdID string, at, staleBefore time.Time) (bool, error)
	ClearReleaseClaim(ctx context.Context, holdID string) error

	MarkReleased(ctx context.Context, holdID string, at time.Time) (*EscrowHold, error)
	MarkRefunded(ctx context.Context, holdID string, at time.Time) (*EscrowHold, error)
	MarkDisputed(ctx context.Context, holdID string) (*EscrowHold, error)
}

// PostgresStore implements Store over a relational holds table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const holdColumns = `id, job_id, bid_id, homeowner_id, contractor_id,
	gross_cents, fee_cents, payout_cents, intent_id, status,
	homeowner_confirmed, homeowner_confirmed_at,
	contractor_confirmed, contractor_confirmed_at,
	release_claim_at, created_at, released_at, refunded_at`

func (s *PostgresStore) CreateHold(ctx context.Context, hold *EscrowHold) error {
	if err := hold.Validate(); err != nil {
		return apperrors.NewValidationError(err.Error())
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrow_holds (
			id, job_id, bid_id, homeowner_id, contractor_id,
			gross_cents, fee_cents, payout_cents, intent_id, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		hold.ID, hold.JobID, hold.BidID, hold.HomeownerID, hold.ContractorID,
		hold.GrossCents, hold.FeeCents, hold.PayoutCents, hold.IntentID,
		hold.Status, hold.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return apperrors.NewConflictError(
				fmt.Sprintf("a non-refunded hold already exists for bid %s", hold.BidID))
		}
		return apperrors.NewInternalError(fmt.Errorf("insert hold: %w", err))
	}
	return nil
}

func (s *PostgresStore) GetHold(ctx context.Context, id string) (*EscrowHold, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM escrow_holds WHERE id = $1`, id)
	hold, err := scanHold(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("hold", id)
	}
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("get hold: %w", err))
	}
	return hold, nil
}

func (s *PostgresStore) ApplyConfirmation(ctx context.Context, holdID string, p Party, at time.Time) (*EscrowHold, error) {
	var query string
	switch p {
	case PartyHomeowner:
		query = `
			UPDATE escrow_holds SET
				homeowner_confirmed = TRUE,
				homeowner_confirmed_at = COALESCE(homeowner_confirmed_at, $2)
			WHERE id = $1 AND status IN ('captured', 'disputed')
			RETURNING ` + holdColumns
	case PartyContractor:
		query = `
			UPDATE escrow_holds SET
				contractor_confirmed = TRUE,
				contractor_confirmed_at = COALESCE(contractor_confirmed_at, $2)
			WHERE id = $1 AND status IN ('captured', 'disputed')
			RETURNING ` + holdColumns
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown party %q", p))
	}

	row := s.db.QueryRowContext(ctx, query, holdID, at)
	hold, err := scanHold(row)
	if err == sql.ErrNoRows {
		return nil, s.explainMissedUpdate(ctx, holdID, "confirm")
	}
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("apply confirmation: %w", err))
	}
	return hold, nil
}

func (s *PostgresStore) ClaimRelease(ctx context.Context, holdID string, at, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escrow_holds SET release_claim_at = $2
		WHERE id = $1 AND status IN ('captured', 'disputed')
			AND (release_claim_at IS NULL OR release_claim_at < $3)`,
		holdID, at, staleBefore,
	)
	if err != nil {
		return false, apperrors.NewInternalError(fmt.Errorf("claim release: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.NewInternalError(fmt.Errorf("claim release rows: %w", err))
	}
	return affected == 1, nil
}

func (s *PostgresStore) ClearReleaseClaim(ctx context.Context, holdID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE escrow_holds SET release_claim_at = NULL WHERE id = $1`, holdID)
	if err != nil {
		return apperrors.NewInternalError(fmt.Errorf("clear release claim: %w", err))
	}
	return nil
}

func (s *PostgresStore) MarkReleased(ctx context.Context, holdID string, at time.Time) (*EscrowHold, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE escrow_holds SET status = 'released', released_at = $2, release_claim_at = NULL
		WHERE id = $1 AND status IN ('captured', 'disputed')
		RETURNING `+holdColumns,
		holdID, at,
	)
	hold, err := scanHold(row)
	if err == sql.ErrNoRows {
		return nil, s.explainMissedUpdate(ctx, holdID, "release")
	}
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("mark released: %w", err))
	}
	return hold, nil
}

func (s *PostgresStore) MarkRefunded(ctx context.Context, holdID string, at time.Time) (*EscrowHold, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE escrow_holds SET status = 'refunded', refunded_at = $2, release_claim_at = NULL
		WHERE id = $1 AND status IN ('captured', 'disputed')
		RETURNING `+holdColumns,
		holdID, at,
	)
	hold, err := scanHold(row)
	if err == sql.ErrNoRows {
		return nil, s.explainMissedUpdate(ctx, holdID, "refund")
	}
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("mark refunded: %w", err))
	}
	return hold, nil
}

func (s *PostgresStore) MarkDisputed(ctx context.Context, holdID string) (*EscrowHold, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE escrow_holds SET status = 'disputed'
		WHERE id = $1 AND status = 'captured'
		RETURNING `+holdColumns,
		holdID,
	)
	hold, err := scanHold(row)
	if err == sql.ErrNoRows {
		return nil, s.explainMissedUpdate(ctx, holdID, "dispute")
	}
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("mark disputed: %w", err))
	}
	return hold, nil
}

// explainMissedUpdate distinguishes "row gone" from "status predicate failed"
// after a conditional update touched zero rows.
func (s *PostgresStore) explainMissedUpdate(ctx context.Context, holdID, attempted string) error {
	current, err := s.GetHold(ctx, holdID)
	if err != nil {
		return err // NotFound or internal
	}
	return apperrors.NewInvalidStateError(current.Status, attempted)
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHold(row rowScanner) (*EscrowHold, error) {
	var h EscrowHold
	var homeownerConfirmedAt, contractorConfirmedAt sql.NullTime
	var releaseClaimAt, releasedAt, refundedAt sql.NullTime

	err := row.Scan(
		&h.ID, &h.JobID, &h.BidID, &h.HomeownerID, &h.ContractorID,
		&h.GrossCents, &h.FeeCents, &h.PayoutCents, &h.IntentID, &h.Status,
		&h.HomeownerConfirmed, &homeownerConfirmedAt,
		&h.ContractorConfirmed, &contractorConfirmedAt,
		&releaseClaimAt, &h.CreatedAt, &releasedAt, &refundedAt,
	)
	if err != nil {
		return nil, err
	}

	if homeownerConfirmedAt.Valid {
		h.HomeownerConfirmedAt = &homeownerConfirmedAt.Time
	}
	if contractorConfirmedAt.Valid {
		h.ContractorConfirmedAt = &contractorConfirmedAt.Time
	}
	if releaseClaimAt.Valid {
		h.ReleaseClaimAt = &releaseClaimAt.Time
	}
	if releasedAt.Valid {
		h.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		h.RefundedAt = &refundedAt.Time
	}

	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("corrupt hold row: %w", err)
	}
	return &h, nil
}
