// Package jobs implements the job and bid lifecycle around the escrow hold:
// posting, bidding, exclusive bid acceptance and status transitions.
package jobs

import "time"

// Job statuses.
const (
	StatusPending     = "pending"
	StatusBidding     = "bidding"
	StatusBidAccepted = "bid_accepted"
	StatusConfirmed   = "confirmed"
	StatusInProgress  = "in_progress"
	StatusCompleted   = "completed"
	StatusCancelled   = "cancelled"
)

// Bid statuses.
const (
	BidStatusPending  = "pending"
	BidStatusAccepted = "accepted"
	BidStatusRejected = "rejected"
)

// Job is one posted job. AcceptedBidID is set exactly once, at acceptance.
type Job struct {
	ID            string
	HomeownerID   string
	Title         string
	Description   string
	Category      string
	Status        string
	AcceptedBidID *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Bid is one contractor's offer on a job.
type Bid struct {
	ID           string
	JobID        string
	ContractorID string
	AmountCents  int64
	Message      string
	Status       string
	CreatedAt    time.Time
}

// validTransitions is the job status transition table. cancelled is reachable
// from every non-terminal state and is handled separately in Cancellable.
var validTransitions = map[string][]string{
	StatusPending:     {StatusBidding},
	StatusBidding:     {StatusBidAccepted},
	StatusBidAccepted: {StatusConfirmed},
	StatusConfirmed:   {StatusInProgress, StatusCompleted},
	StatusInProgress:  {StatusCompleted},
}

// CanTransition reports whether from -> to is a legal forward transition.
func CanTransition(from, to string) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a job reached a final state.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// Cancellable reports whether a job in the given status may still be
// cancelled. Completed jobs settled their hold, so cancellation is closed.
func Cancellable(status string) bool {
	return !Terminal(status)
}

// BiddingOpen reports whether a job still accepts new bids.
func BiddingOpen(status string) bool {
	return status == StatusPending || status == StatusBidding
}
