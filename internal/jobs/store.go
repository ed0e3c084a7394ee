package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	apperrors "marketplace-escrow/internal/common/errors"

	"github.com/lib/pq"
)

// Store persists jobs and bids. Status changes are conditional updates
// predicated on the current status, same contract as the holds table.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)

	CreateBid(ctx context.Context, bid *Bid) error
	GetBid(ctx context.Context, id string) (*Bid, error)
	ListBids(ctx context.Context, jobID string) ([]*Bid, error)

	// AcceptBid atomically accepts one bid, rejects its pending siblings and
	// moves the job to bid_accepted. A job that already accepted a bid
	// surfaces Conflict and leaves everything untouched.
	AcceptBid(ctx context.Context, jobID, bidID string, at time.Time) (*Job, *Bid, error)

	// SetStatus moves the job fromStatus -> toStatus as a compare-and-swap.
	SetStatus(ctx context.Context, jobID, fromStatus, toStatus string, at time.Time) (*Job, error)

	// MarkCompleted advances a confirmed or in_progress job to completed.
	// Satisfies the escrow side's job completion hook.
	MarkCompleted(ctx context.Context, jobID string) error

	// Cancel moves any non-terminal job to cancelled.
	Cancel(ctx context.Context, jobID string, at time.Time) (*Job, error)
}

// PostgresStore implements Store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, homeowner_id, title, description, category, status,
	accepted_bid_id, created_at, updated_at`

const bidColumns = `id, job_id, contractor_id, amount_cents, message, status, created_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, homeowner_id, title, description, category, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		job.ID, job.HomeownerID, job.Title, job.Description, job.Category,
		job.Status, job.CreatedAt,
	)
	if err != nil {
		return apperrors.NewInternalError(fmt.Errorf("insert job: %w", err))
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("job", id)
	}
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("get job: %w", err))
	}
	return job, nil
}

func (s *PostgresStore) CreateBid(ctx context.Context, bid *Bid) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bids (id, job_id, contractor_id, amount_cents, message, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		bid.ID, bid.JobID, bid.ContractorID, bid.AmountCents, bid.Message,
		bid.Status, bid.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return apperrors.NewConflictError(
				fmt.Sprintf("contractor %s already bid on job %s", bid.ContractorID, bid.JobID))
		}
		return apperrors.NewInternalError(fmt.Errorf("insert bid: %w", err))
	}
	return nil
}

func (s *PostgresStore) GetBid(ctx context.Context, id string) (*Bid, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)
	bid, err := scanBid(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("bid", id)
	}
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("get bid: %w", err))
	}
	return bid, nil
}

func (s *PostgresStore) ListBids(ctx context.Context, jobID string) ([]*Bid, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("list bids: %w", err))
	}
	defer rows.Close()

	var bids []*Bid
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, apperrors.NewInternalError(fmt.Errorf("scan bid: %w", err))
		}
		bids = append(bids, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("list bids: %w", err))
	}
	return bids, nil
}

func (s *PostgresStore) AcceptBid(ctx context.Context, jobID, bidID string, at time.Time) (*Job, *Bid, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, apperrors.NewInternalError(fmt.Errorf("begin accept bid: %w", err))
	}
	defer tx.Rollback()

	// The partial unique index on (job_id) WHERE status = 'accepted' backs
	// this up at the schema level; the conditional update is the fast path.
	row := tx.QueryRowContext(ctx, `
		UPDATE bids SET status = 'accepted'
		WHERE id = $1 AND job_id = $2 AND status = 'pending'
		RETURNING `+bidColumns,
		bidID, jobID,
	)
	bid, err := scanBid(row)
	if err == sql.ErrNoRows {
		return nil, nil, s.explainBidMiss(ctx, jobID, bidID)
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, nil, apperrors.NewConflictError(
				fmt.Sprintf("job %s already has an accepted bid", jobID))
		}
		return nil, nil, apperrors.NewInternalError(fmt.Errorf("accept bid: %w", err))
	}

	jobRow := tx.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'bid_accepted', accepted_bid_id = $2, updated_at = $3
		WHERE id = $1 AND status = 'bidding' AND accepted_bid_id IS NULL
		RETURNING `+jobColumns,
		jobID, bidID, at,
	)
	job, err := scanJob(jobRow)
	if err == sql.ErrNoRows {
		current, gerr := s.GetJob(ctx, jobID)
		if gerr != nil {
			return nil, nil, gerr
		}
		if current.AcceptedBidID != nil {
			return nil, nil, apperrors.NewConflictError(
				fmt.Sprintf("job %s already has an accepted bid", jobID))
		}
		return nil, nil, apperrors.NewInvalidStateError(current.Status, "accept_bid")
	}
	if err != nil {
		return nil, nil, apperrors.NewInternalError(fmt.Errorf("accept bid job update: %w", err))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bids SET status = 'rejected'
		WHERE job_id = $1 AND id <> $2 AND status = 'pending'`,
		jobID, bidID,
	)
	if err != nil {
		return nil, nil, apperrors.NewInternalError(fmt.Errorf("reject sibling bids: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, apperrors.NewInternalError(fmt.Errorf("commit accept bid: %w", err))
	}
	return job, bid, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, jobID, fromStatus, toStatus string, at time.Time) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+jobColumns,
		jobID, fromStatus, toStatus, at,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, s.explainJobMiss(ctx, jobID, toStatus)
	}
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("set job status: %w", err))
	}
	return job, nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', updated_at = $2
		WHERE id = $1 AND status IN ('confirmed', 'in_progress')`,
		jobID, time.Now().UTC(),
	)
	if err != nil {
		return apperrors.NewInternalError(fmt.Errorf("mark job completed: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.NewInternalError(fmt.Errorf("mark job completed rows: %w", err))
	}
	if affected == 0 {
		return s.explainJobMiss(ctx, jobID, StatusCompleted)
	}
	return nil
}

func (s *PostgresStore) Cancel(ctx context.Context, jobID string, at time.Time) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = 'cancelled', updated_at = $2
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled')
		RETURNING `+jobColumns,
		jobID, at,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, s.explainJobMiss(ctx, jobID, StatusCancelled)
	}
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Errorf("cancel job: %w", err))
	}
	return job, nil
}

func (s *PostgresStore) explainJobMiss(ctx context.Context, jobID, attempted string) error {
	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return apperrors.NewInvalidStateError(current.Status, attempted)
}

func (s *PostgresStore) explainBidMiss(ctx context.Context, jobID, bidID string) error {
	bid, err := s.GetBid(ctx, bidID)
	if err != nil {
		return err
	}
	if bid.JobID != jobID {
		return apperrors.NewNotFoundError("bid", bidID)
	}
	if bid.Status == BidStatusAccepted {
		return apperrors.NewConflictError(fmt.Sprintf("bid %s is already accepted", bidID))
	}
	job, err := s.GetJob(ctx, jobID)
	if err == nil && job.AcceptedBidID != nil {
		return apperrors.NewConflictError(
			fmt.Sprintf("job %s already has an accepted bid", jobID))
	}
	return apperrors.NewInvalidStateError(bid.Status, "accept_bid")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var acceptedBidID sql.NullString
	err := row.Scan(
		&j.ID, &j.HomeownerID, &j.Title, &j.Description, &j.Category,
		&j.Status, &acceptedBidID, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if acceptedBidID.Valid {
		j.AcceptedBidID = &acceptedBidID.String
	}
	return &j, nil
}

func scanBid(row rowScanner) (*Bid, error) {
	var b Bid
	err := row.Scan(
		&b.ID, &b.JobID, &b.ContractorID, &b.AmountCents, &b.Message,
		&b.Status, &b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
