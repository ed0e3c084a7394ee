// Package escrow owns the escrow hold lifecycle: the state machine, the
// dual-confirmation rules and the release/refund execution against the
// payment gateway.
package escrow

import (
	"fmt"
	"time"
)

// Hold statuses. `captured` is the only entry state; `released` and
// `refunded` are terminal.
const (
	StatusCaptured = "captured"
	StatusReleased = "released"
	StatusRefunded = "refunded"
	StatusDisputed = "disputed"
)

// Party identifies which side of the hold is acting.
type Party string

const (
	PartyHomeowner  Party = "homeowner"
	PartyContractor Party = "contractor"
)

// EscrowHold is one escrow hold per accepted bid. Monetary amounts are in
// currency minor units (cents). Rows are never deleted; only status,
// confirmation flags and their timestamps mutate after creation.
type EscrowHold struct {
	ID           string
	JobID        string
	BidID        string
	HomeownerID  string
	ContractorID string

	GrossCents  int64
	FeeCents    int64
	PayoutCents int64

	// IntentID is the gateway's payment-intent reference. Set once at
	// creation, never mutated.
	IntentID string

	Status string

	HomeownerConfirmed    bool
	HomeownerConfirmedAt  *time.Time
	ContractorConfirmed   bool
	ContractorConfirmedAt *time.Time

	// ReleaseClaimAt marks an in-flight release/refund execution so that
	// concurrent confirmations elect exactly one executor.
	ReleaseClaimAt *time.Time

	CreatedAt  time.Time
	ReleasedAt *time.Time
	RefundedAt *time.Time
}

// validTransitions is the full transition table. Backward or skipping
// transitions are absent on purpose.
var validTransitions = map[string][]string{
	StatusCaptured: {StatusReleased, StatusRefunded, StatusDisputed},
	StatusDisputed: {StatusReleased, StatusRefunded},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to string) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the hold reached a final state. Terminal holds
// accept no further mutation of status, confirmations or monetary fields.
func (h *EscrowHold) Terminal() bool {
	return h.Status == StatusReleased || h.Status == StatusRefunded
}

// PartyOf resolves an actor id to its role on this hold.
func (h *EscrowHold) PartyOf(actorID string) (Party, bool) {
	switch actorID {
	case h.HomeownerID:
		return PartyHomeowner, true
	case h.ContractorID:
		return PartyContractor, true
	}
	return "", false
}

// ConfirmedBy reports whether the given party has confirmed completion.
func (h *EscrowHold) ConfirmedBy(p Party) bool {
	switch p {
	case PartyHomeowner:
		return h.HomeownerConfirmed
	case PartyContractor:
		return h.ContractorConfirmed
	}
	return false
}

// BothConfirmed reports whether both parties have confirmed completion.
func (h *EscrowHold) BothConfirmed() bool {
	return h.HomeownerConfirmed && h.ContractorConfirmed
}

// Validate checks the record invariants. It is applied when decoding rows at
// the data-store boundary so the rest of the code can trust the value.
func (h *EscrowHold) Validate() error {
	if h.ID == "" || h.JobID == "" || h.BidID == "" {
		return fmt.Errorf("hold %q: missing identity fields", h.ID)
	}
	if h.HomeownerID == "" || h.ContractorID == "" {
		return fmt.Errorf("hold %s: missing party", h.ID)
	}
	if h.GrossCents <= 0 {
		return fmt.Errorf("hold %s: non-positive gross amount %d", h.ID, h.GrossCents)
	}
	if h.FeeCents+h.PayoutCents != h.GrossCents {
		return fmt.Errorf("hold %s: fee %d + payout %d != gross %d",
			h.ID, h.FeeCents, h.PayoutCents, h.GrossCents)
	}
	if h.IntentID == "" {
		return fmt.Errorf("hold %s: missing payment intent reference", h.ID)
	}
	switch h.Status {
	case StatusCaptured, StatusReleased, StatusRefunded, StatusDisputed:
	default:
		return fmt.Errorf("hold %s: unknown status %q", h.ID, h.Status)
	}
	if (h.ReleasedAt != nil) != (h.Status == StatusReleased) {
		return fmt.Errorf("hold %s: released_at inconsistent with status %s", h.ID, h.Status)
	}
	if (h.RefundedAt != nil) != (h.Status == StatusRefunded) {
		return fmt.Errorf("hold %s: refunded_at inconsistent with status %s", h.ID, h.Status)
	}
	return nil
}
