package escrow

import (
	"context"
	"sync"
	"time"

	apperrors "marketplace-escrow/internal/common/errors"
	"marketplace-escrow/internal/gateway"
)

// memStore is an in-memory Store with the same conditional-update semantics
// as the postgres implementation, safe for concurrent use.
type memStore struct {
	mu    sync.Mutex
	holds map[string]*EscrowHold
}

func newMemStore() *memStore {
	return &memStore{holds: map[string]*EscrowHold{}}
}

func (s *memStore) put(h *EscrowHold) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.holds[h.ID] = &cp
}

func (s *memStore) CreateHold(_ context.Context, hold *EscrowHold) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.holds {
		if existing.BidID == hold.BidID && existing.Status != StatusRefunded {
			return apperrors.NewConflictError("a non-refunded hold already exists for this bid")
		}
	}
	cp := *hold
	s.holds[hold.ID] = &cp
	return nil
}

func (s *memStore) GetHold(_ context.Context, id string) (*EscrowHold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("hold", id)
	}
	cp := *h
	return &cp, nil
}

func (s *memStore) ApplyConfirmation(_ context.Context, holdID string, p Party, at time.Time) (*EscrowHold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdID]
	if !ok {
		return nil, apperrors.NewNotFoundError("hold", holdID)
	}
	if h.Status != StatusCaptured && h.Status != StatusDisputed {
		return nil, apperrors.NewInvalidStateError(h.Status, "confirm")
	}
	switch p {
	case PartyHomeowner:
		h.HomeownerConfirmed = true
		if h.HomeownerConfirmedAt == nil {
			t := at
			h.HomeownerConfirmedAt = &t
		}
	case PartyContractor:
		h.ContractorConfirmed = true
		if h.ContractorConfirmedAt == nil {
			t := at
			h.ContractorConfirmedAt = &t
		}
	}
	cp := *h
	return &cp, nil
}

func (s *memStore) ClaimRelease(_ context.Context, holdID string, at, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdID]
	if !ok {
		return false, nil
	}
	if h.Status != StatusCaptured && h.Status != StatusDisputed {
		return false, nil
	}
	if h.ReleaseClaimAt != nil && !h.ReleaseClaimAt.Before(staleBefore) {
		return false, nil
	}
	t := at
	h.ReleaseClaimAt = &t
	return true, nil
}

func (s *memStore) ClearReleaseClaim(_ context.Context, holdID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.holds[holdID]; ok {
		h.ReleaseClaimAt = nil
	}
	return nil
}

func (s *memStore) MarkReleased(_ context.Context, holdID string, at time.Time) (*EscrowHold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdID]
	if !ok {
		return nil, apperrors.NewNotFoundError("hold", holdID)
	}
	if h.Status != StatusCaptured && h.Status != StatusDisputed {
		return nil, apperrors.NewInvalidStateError(h.Status, "release")
	}
	h.Status = StatusReleased
	t := at
	h.ReleasedAt = &t
	h.ReleaseClaimAt = nil
	cp := *h
	return &cp, nil
}

func (s *memStore) MarkRefunded(_ context.Context, holdID string, at time.Time) (*EscrowHold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdID]
	if !ok {
		return nil, apperrors.NewNotFoundError("hold", holdID)
	}
	if h.Status != StatusCaptured && h.Status != StatusDisputed {
		return nil, apperrors.NewInvalidStateError(h.Status, "refund")
	}
	h.Status = StatusRefunded
	t := at
	h.RefundedAt = &t
	h.ReleaseClaimAt = nil
	cp := *h
	return &cp, nil
}

func (s *memStore) MarkDisputed(_ context.Context, holdID string) (*EscrowHold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[holdID]
	if !ok {
		return nil, apperrors.NewNotFoundError("hold", holdID)
	}
	if h.Status != StatusCaptured {
		return nil, apperrors.NewInvalidStateError(h.Status, "dispute")
	}
	h.Status = StatusDisputed
	cp := *h
	return &cp, nil
}

// fakeGateway tracks intents and counts money-moving calls.
type fakeGateway struct {
	mu sync.Mutex

	intents map[string]*gateway.Intent

	captureErr  error
	transferErr error
	refundErr   error
	// transferErrOnce fails the first transfer only.
	transferErrOnce error

	captures  int
	transfers int
	refunds   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{intents: map[string]*gateway.Intent{}}
}

func (g *fakeGateway) seedIntent(id, status string, amountCents int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents[id] = &gateway.Intent{ID: id, Status: status, AmountCents: amountCents}
}

func (g *fakeGateway) Capture(_ context.Context, req gateway.CaptureRequest) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captures++
	if g.captureErr != nil {
		return nil, g.captureErr
	}
	id := "intent-" + time.Now().Format("150405.000000000")
	intent := &gateway.Intent{ID: id, Status: gateway.IntentStatusCaptured, AmountCents: req.AmountCents}
	g.intents[id] = intent
	cp := *intent
	return &cp, nil
}

func (g *fakeGateway) Transfer(_ context.Context, req gateway.TransferRequest) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transfers++
	if g.transferErrOnce != nil {
		err := g.transferErrOnce
		g.transferErrOnce = nil
		return nil, err
	}
	if g.transferErr != nil {
		return nil, g.transferErr
	}
	intent, ok := g.intents[req.IntentID]
	if !ok {
		return nil, apperrors.NewGatewayError(apperrors.ErrCodeGatewayUnknown, "no such intent")
	}
	intent.Status = gateway.IntentStatusTransferred
	cp := *intent
	return &cp, nil
}

func (g *fakeGateway) Refund(_ context.Context, intentID string) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds++
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	intent, ok := g.intents[intentID]
	if !ok {
		return nil, apperrors.NewGatewayError(apperrors.ErrCodeGatewayUnknown, "no such intent")
	}
	intent.Status = gateway.IntentStatusRefunded
	cp := *intent
	return &cp, nil
}

func (g *fakeGateway) GetIntent(_ context.Context, intentID string) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	intent, ok := g.intents[intentID]
	if !ok {
		return nil, apperrors.NewGatewayError(apperrors.ErrCodeGatewayUnknown, "no such intent")
	}
	cp := *intent
	return &cp, nil
}

func (g *fakeGateway) transferCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transfers
}

func (g *fakeGateway) refundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunds
}

// recordingAuditor captures audit writes in memory.
type recordingAuditor struct {
	mu      sync.Mutex
	entries []auditCall
}

type auditCall struct {
	HoldID, ActorID, Action, PriorStatus, Reason string
}

func (a *recordingAuditor) Record(_ context.Context, holdID, actorID, action, priorStatus, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditCall{holdID, actorID, action, priorStatus, reason})
	return nil
}

func (a *recordingAuditor) byAction(action string) []auditCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []auditCall
	for _, e := range a.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// nopNotifier records outcomes without delivering anything.
type nopNotifier struct {
	mu       sync.Mutex
	outcomes []string
}

func (n *nopNotifier) NotifyOutcome(_ context.Context, _ *EscrowHold, outcome string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, outcome)
}

// recordingCompleter tracks which jobs were advanced to completed.
type recordingCompleter struct {
	mu   sync.Mutex
	jobs []string
}

func (c *recordingCompleter) MarkCompleted(_ context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, jobID)
	return nil
}

func (c *recordingCompleter) completed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.jobs...)
}
