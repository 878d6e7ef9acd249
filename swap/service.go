/*
Package swap implements the swap-request state machine.

PURPOSE:
  Owns the lifecycle of a SwapRequest: creation, staff arbitration,
  responder acceptance, payment and completion (ownership transfer).

STATES (initial pending; terminal completed, cancelled):

  (none)            --create-->            pending | matched
  pending           --offer responder-->   matched
  pending|matched   --staff approve-->     awaiting_payment
  pending|matched   --staff reject-->      cancelled
  matched|awaiting  --responder accept-->  awaiting_payment
  any non-terminal  --responder decline--> cancelled
  any non-terminal  --requester cancel-->  cancelled
  awaiting_payment  --payment confirmed--> completed

  Staff approval and responder acceptance are independent flags. Payment and
  completion need both. Staff may still arbitrate a swap the responder moved
  to awaiting_payment while its approval is pending_review.

CONCURRENCY:
  Every transition locks the swap row, re-reads it and re-validates the
  status inside the transaction (compare-and-set). The loser of a race gets
  InvalidState. Completion also locks both source rows and re-runs the
  conflict check before touching ownership.

ALL-OR-NOTHING:
  Create and completion run in one transaction each. A failing write in
  either leaves no swap row and no ownership change.

SEE ALSO:
  - source.go: SwapSource resolution
  - availability/checker.go
*/
package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/timeshare-engine/availability"
	"github.com/warp/timeshare-engine/payment"
	"github.com/warp/timeshare-engine/timeshare"
)

type Config struct {
	SwapFee        timeshare.Money
	PaymentTimeout time.Duration
}

type Service struct {
	store   timeshare.Store
	peaks   *availability.PeakCalendar
	checker availability.Checker
	gateway payment.Gateway
	cfg     Config
	logger  *zap.Logger

	Now   func() time.Time
	NewID func() string
}

func NewService(store timeshare.Store, peaks *availability.PeakCalendar, gateway payment.Gateway, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 15 * time.Second
	}
	return &Service{
		store:   store,
		peaks:   peaks,
		gateway: gateway,
		cfg:     cfg,
		logger:  logger,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   uuid.NewString,
	}
}

// =============================================================================
// CREATE
// =============================================================================

type CreateInput struct {
	RequesterID string
	Source      timeshare.SwapSource
	Responder   *timeshare.SwapSource // optional; set -> matched
	ResponderID string                // optional; must own Responder when both set
}

// Create validates and persists a new swap request in one transaction.
func (s *Service) Create(ctx context.Context, in CreateInput) (*timeshare.SwapRequest, error) {
	if in.RequesterID == "" {
		return nil, timeshare.InvalidInputf("requester id is required")
	}
	if err := in.Source.Validate(); err != nil {
		return nil, err
	}
	if in.Responder != nil {
		if err := in.Responder.Validate(); err != nil {
			return nil, err
		}
	}

	now := s.Now()
	swap := &timeshare.SwapRequest{
		ID:                  s.NewID(),
		RequesterID:         in.RequesterID,
		Status:              timeshare.SwapPending,
		StaffApproval:       timeshare.StaffPendingReview,
		ResponderAcceptance: timeshare.AcceptancePending,
		PaymentStatus:       timeshare.PaymentPending,
		SwapFee:             s.cfg.SwapFee,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if !s.cfg.SwapFee.IsPositive() {
		swap.PaymentStatus = timeshare.PaymentNotRequired
	}

	err := s.store.WithTx(ctx, func(tx timeshare.Tx) error {
		req, err := resolveSource(ctx, tx, in.Source)
		if err != nil {
			return err
		}
		if req.slot.OwnerID != in.RequesterID {
			return notFound(in.Source)
		}
		if !req.swappable {
			return &timeshare.InvalidStateError{
				Entity: string(in.Source.Kind), ID: in.Source.ID, Current: req.status, Attempted: "swap",
			}
		}

		if err := requireUnclaimed(ctx, tx, req.slot); err != nil {
			return err
		}

		staff, err := tx.ListActiveStaff(ctx, req.slot.PropertyID)
		if err != nil {
			return fmt.Errorf("failed to list staff: %w", err)
		}
		if len(staff) == 0 {
			return fmt.Errorf("%w: %s", timeshare.ErrNoActiveStaff, req.slot.PropertyID)
		}

		swap.Requester = req.slot
		swap.AccommodationType = req.accommodationType

		if in.Responder != nil {
			slot, err := s.validateResponder(ctx, tx, swap, *in.Responder)
			if err != nil {
				return err
			}
			if in.ResponderID != "" && in.ResponderID != slot.OwnerID {
				return timeshare.InvalidInputf("responder %s does not own %s", in.ResponderID, in.Responder)
			}
			swap.Responder = &slot
			swap.ResponderID = slot.OwnerID
			swap.Status = timeshare.SwapMatched
		}

		return tx.InsertSwapRequest(ctx, swap)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("swap request created",
		zap.String("swap_id", swap.ID),
		zap.String("requester_id", swap.RequesterID),
		zap.String("source", swap.Requester.Source.String()),
		zap.String("status", string(swap.Status)))
	return swap, nil
}

// OfferResponder attaches a counter-slot to a swap that has none yet.
func (s *Service) OfferResponder(ctx context.Context, swapID, responderID string, src timeshare.SwapSource) (*timeshare.SwapRequest, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	return s.transition(ctx, swapID, "offer responder", func(tx timeshare.Tx, swap *timeshare.SwapRequest) error {
		if swap.HasResponder() ||
			(swap.Status != timeshare.SwapPending && swap.Status != timeshare.SwapAwaitingPayment) {
			return invalidState(swap, "offer responder")
		}
		slot, err := s.validateResponder(ctx, tx, swap, src)
		if err != nil {
			return err
		}
		if slot.OwnerID != responderID {
			return notFound(src)
		}
		swap.Responder = &slot
		swap.ResponderID = slot.OwnerID
		if swap.Status == timeshare.SwapPending {
			return swap.Transition(timeshare.SwapMatched, "offer responder")
		}
		return nil
	})
}

// requireUnclaimed fails if another in-flight swap already offers the slot.
func requireUnclaimed(ctx context.Context, r timeshare.Reader, slot timeshare.SwapSlot) error {
	inFlight, err := r.ListSwapRequests(ctx, timeshare.SwapFilter{
		Statuses: timeshare.InFlightSwapStatuses, ParticipantID: slot.OwnerID,
	})
	if err != nil {
		return fmt.Errorf("failed to list swaps: %w", err)
	}
	for _, other := range inFlight {
		if other.Uses(slot.Source) {
			return &timeshare.ConflictError{
				PropertyID: slot.PropertyID, Range: slot.Range(),
				Conflicts: timeshare.ConflictCounts{Swaps: 1},
				Reason:    fmt.Sprintf("%s is already part of swap request %s", slot.Source, other.ID),
			}
		}
	}
	return nil
}

// validateResponder checks a proposed counter-slot against the swap.
func (s *Service) validateResponder(ctx context.Context, r timeshare.Reader, swap *timeshare.SwapRequest, src timeshare.SwapSource) (timeshare.SwapSlot, error) {
	res, err := resolveSource(ctx, r, src)
	if err != nil {
		return timeshare.SwapSlot{}, err
	}
	if res.accommodationType != swap.AccommodationType {
		return timeshare.SwapSlot{}, timeshare.InvalidInputf(
			"responder accommodation type %q does not match %q", res.accommodationType, swap.AccommodationType)
	}
	if res.slot.OwnerID == swap.RequesterID {
		return timeshare.SwapSlot{}, timeshare.InvalidInputf("responder slot belongs to the requester")
	}
	if !res.swappable {
		return timeshare.SwapSlot{}, &timeshare.InvalidStateError{
			Entity: string(src.Kind), ID: src.ID, Current: res.status, Attempted: "swap",
		}
	}
	if err := s.peaks.Check(res.slot.Range()); err != nil {
		return timeshare.SwapSlot{}, err
	}
	if err := s.checker.Require(ctx, r, res.slot.PropertyID, res.slot.Range(), s.selfExclusions(swap, src)...); err != nil {
		return timeshare.SwapSlot{}, err
	}
	return res.slot, nil
}

// selfExclusions keeps the swap's own slots from conflicting with themselves.
func (s *Service) selfExclusions(swap *timeshare.SwapRequest, extra ...timeshare.SwapSource) []availability.CheckOption {
	opts := []availability.CheckOption{
		availability.ExcludeSwap(swap.ID),
		availability.ExcludeSource(swap.Requester.Source),
	}
	if swap.Responder != nil {
		opts = append(opts, availability.ExcludeSource(swap.Responder.Source))
	}
	for _, src := range extra {
		opts = append(opts, availability.ExcludeSource(src))
	}
	return opts
}

// =============================================================================
// STAFF ARBITRATION
// =============================================================================

// Approve records staff approval after re-checking the responder slot.
func (s *Service) Approve(ctx context.Context, swapID, staffID string) (*timeshare.SwapRequest, error) {
	return s.transition(ctx, swapID, "approve", func(tx timeshare.Tx, swap *timeshare.SwapRequest) error {
		if err := s.requireStaff(ctx, tx, swap, staffID); err != nil {
			return err
		}
		if swap.StaffApproval != timeshare.StaffPendingReview || swap.Status.IsTerminal() {
			return invalidState(swap, "approve")
		}
		if swap.Responder != nil {
			if err := s.checker.Require(ctx, tx, swap.Responder.PropertyID, swap.Responder.Range(), s.selfExclusions(swap)...); err != nil {
				return err
			}
		}
		if err := swap.Transition(timeshare.SwapAwaitingPayment, "approve"); err != nil {
			return err
		}
		swap.StaffApproval = timeshare.StaffApproved
		swap.ReviewedBy = staffID
		return nil
	})
}

// Reject cancels the swap with a reason.
func (s *Service) Reject(ctx context.Context, swapID, staffID, reason string) (*timeshare.SwapRequest, error) {
	return s.transition(ctx, swapID, "reject", func(tx timeshare.Tx, swap *timeshare.SwapRequest) error {
		if err := s.requireStaff(ctx, tx, swap, staffID); err != nil {
			return err
		}
		if swap.StaffApproval != timeshare.StaffPendingReview {
			return invalidState(swap, "reject")
		}
		if err := swap.Transition(timeshare.SwapCancelled, "reject"); err != nil {
			return err
		}
		swap.StaffApproval = timeshare.StaffRejected
		swap.ReviewedBy = staffID
		swap.RejectionReason = reason
		return nil
	})
}

// =============================================================================
// RESPONDER AND REQUESTER ACTIONS
// =============================================================================

// Accept is allowed only for the owner of the responder slot.
func (s *Service) Accept(ctx context.Context, swapID, responderID string) (*timeshare.SwapRequest, error) {
	return s.transition(ctx, swapID, "accept", func(_ timeshare.Tx, swap *timeshare.SwapRequest) error {
		if !swap.HasResponder() {
			return invalidState(swap, "accept")
		}
		if swap.Responder.OwnerID != responderID {
			return forbidden(swap, responderID, "accept")
		}
		if swap.ResponderAcceptance != timeshare.AcceptancePending ||
			(swap.Status != timeshare.SwapMatched && swap.Status != timeshare.SwapAwaitingPayment) {
			return invalidState(swap, "accept")
		}
		if err := swap.Transition(timeshare.SwapAwaitingPayment, "accept"); err != nil {
			return err
		}
		swap.ResponderAcceptance = timeshare.AcceptanceAccepted
		return nil
	})
}

// Decline lets the responder walk away from any non-terminal swap.
func (s *Service) Decline(ctx context.Context, swapID, responderID string) (*timeshare.SwapRequest, error) {
	return s.transition(ctx, swapID, "decline", func(_ timeshare.Tx, swap *timeshare.SwapRequest) error {
		if !swap.HasResponder() || swap.Responder.OwnerID != responderID {
			return forbidden(swap, responderID, "decline")
		}
		if err := swap.Transition(timeshare.SwapCancelled, "decline"); err != nil {
			return err
		}
		swap.ResponderAcceptance = timeshare.AcceptanceRejected
		return nil
	})
}

// Cancel lets the requester withdraw any non-terminal swap.
func (s *Service) Cancel(ctx context.Context, swapID, requesterID string) (*timeshare.SwapRequest, error) {
	return s.transition(ctx, swapID, "cancel", func(_ timeshare.Tx, swap *timeshare.SwapRequest) error {
		if swap.RequesterID != requesterID {
			return forbidden(swap, requesterID, "cancel")
		}
		return swap.Transition(timeshare.SwapCancelled, "cancel")
	})
}

// =============================================================================
// PAYMENT AND COMPLETION
// =============================================================================

// CreatePaymentIntent opens a gateway intent for the swap fee.
func (s *Service) CreatePaymentIntent(ctx context.Context, swapID, requesterID string) (payment.Intent, error) {
	swap, err := s.store.GetSwapRequest(ctx, swapID)
	if err != nil {
		return payment.Intent{}, err
	}
	if swap.RequesterID != requesterID {
		return payment.Intent{}, forbidden(swap, requesterID, "pay")
	}
	if err := readyForPayment(swap, "create payment intent"); err != nil {
		return payment.Intent{}, err
	}
	if swap.PaymentStatus != timeshare.PaymentPending {
		return payment.Intent{}, &timeshare.InvalidStateError{
			Entity: "swap request", ID: swap.ID, Current: "payment " + string(swap.PaymentStatus), Attempted: "create payment intent",
		}
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.PaymentTimeout)
	intent, err := s.gateway.CreatePaymentIntent(gctx, swap.SwapFee, map[string]string{
		"swap_id":      swap.ID,
		"requester_id": swap.RequesterID,
	})
	cancel()
	if err != nil {
		return payment.Intent{}, &timeshare.ExternalFailureError{System: "payment", Operation: "create payment intent", Err: err}
	}

	_, err = s.transition(ctx, swapID, "create payment intent", func(_ timeshare.Tx, locked *timeshare.SwapRequest) error {
		if err := readyForPayment(locked, "create payment intent"); err != nil {
			return err
		}
		locked.PaymentIntentID = intent.ID
		return nil
	})
	if err != nil {
		return payment.Intent{}, err
	}
	return intent, nil
}

// ConfirmPayment settles the fee and transfers ownership of both slots.
// Everything after the gateway confirmation happens in one transaction.
func (s *Service) ConfirmPayment(ctx context.Context, swapID, requesterID, paymentIntentID string) (*timeshare.SwapRequest, error) {
	charged := false
	swap, err := s.transition(ctx, swapID, "complete", func(tx timeshare.Tx, swap *timeshare.SwapRequest) error {
		if swap.RequesterID != requesterID {
			return forbidden(swap, requesterID, "complete")
		}
		if err := readyForPayment(swap, "complete"); err != nil {
			return err
		}
		if !swap.HasResponder() {
			return invalidState(swap, "complete")
		}

		if swap.PaymentStatus == timeshare.PaymentPending {
			if paymentIntentID == "" {
				return timeshare.InvalidInputf("payment intent id is required")
			}
			if swap.PaymentIntentID == "" {
				return &timeshare.InvalidStateError{
					Entity: "swap request", ID: swap.ID, Current: "no payment intent", Attempted: "complete",
				}
			}
			if swap.PaymentIntentID != paymentIntentID {
				return timeshare.InvalidInputf("payment intent %s does not belong to swap %s", paymentIntentID, swap.ID)
			}
		}

		// Fresh conflict check for both slots inside the committing transaction.
		for _, slot := range []timeshare.SwapSlot{swap.Requester, *swap.Responder} {
			if err := s.checker.Require(ctx, tx, slot.PropertyID, slot.Range(), s.selfExclusions(swap)...); err != nil {
				return err
			}
		}

		if swap.PaymentStatus == timeshare.PaymentPending {
			if err := s.confirmWithGateway(ctx, paymentIntentID, swap.SwapFee); err != nil {
				return err
			}
			charged = true
			now := s.Now()
			swap.PaymentStatus = timeshare.PaymentPaid
			swap.PaymentIntentID = paymentIntentID
			swap.PaidAt = &now
		}

		if err := transferSource(ctx, tx, swap.Requester, swap.Responder.OwnerID, s.Now()); err != nil {
			return err
		}
		if err := transferSource(ctx, tx, *swap.Responder, swap.Requester.OwnerID, s.Now()); err != nil {
			return err
		}
		return swap.Transition(timeshare.SwapCompleted, "complete")
	})
	if err != nil {
		if charged {
			// The gateway settled but nothing local changed; needs a refund.
			s.logger.Error("swap payment captured but completion rolled back",
				zap.String("swap_id", swapID),
				zap.String("payment_intent_id", paymentIntentID),
				zap.Error(err))
		}
		return nil, err
	}

	s.logger.Info("swap completed",
		zap.String("swap_id", swap.ID),
		zap.String("requester_id", swap.RequesterID),
		zap.String("responder_id", swap.ResponderID),
		zap.String("payment_intent_id", swap.PaymentIntentID))
	return swap, nil
}

func (s *Service) confirmWithGateway(ctx context.Context, intentID string, due timeshare.Money) error {
	gctx, cancel := context.WithTimeout(ctx, s.cfg.PaymentTimeout)
	defer cancel()
	conf, err := s.gateway.ConfirmPayment(gctx, intentID)
	if err != nil {
		return &timeshare.ExternalFailureError{System: "payment", Operation: "confirm payment", Err: err}
	}
	if err := conf.Settles(due); err != nil {
		return &timeshare.ExternalFailureError{System: "payment", Operation: "confirm payment", Err: err}
	}
	return nil
}

func readyForPayment(swap *timeshare.SwapRequest, action string) error {
	if swap.Status != timeshare.SwapAwaitingPayment ||
		swap.StaffApproval != timeshare.StaffApproved ||
		swap.ResponderAcceptance != timeshare.AcceptanceAccepted {
		return invalidState(swap, action)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns the swap to its requester, its responder or arbitrating staff.
func (s *Service) Get(ctx context.Context, swapID, actorID string) (*timeshare.SwapRequest, error) {
	swap, err := s.store.GetSwapRequest(ctx, swapID)
	if err != nil {
		return nil, err
	}
	if swap.IsParty(actorID) {
		return swap, nil
	}
	if err := s.requireStaff(ctx, s.store, swap, actorID); err != nil {
		return nil, err
	}
	return swap, nil
}

func (s *Service) ListForUser(ctx context.Context, userID string) ([]timeshare.SwapRequest, error) {
	return s.store.ListSwapRequests(ctx, timeshare.SwapFilter{ParticipantID: userID})
}

// =============================================================================
// HELPERS
// =============================================================================

// transition locks the swap, applies fn and writes the result, all in one
// transaction. fn sees the freshly locked row.
func (s *Service) transition(ctx context.Context, swapID, action string, fn func(tx timeshare.Tx, swap *timeshare.SwapRequest) error) (*timeshare.SwapRequest, error) {
	var out *timeshare.SwapRequest
	err := s.store.WithTx(ctx, func(tx timeshare.Tx) error {
		swap, err := tx.LockSwapRequest(ctx, swapID)
		if err != nil {
			return err
		}
		if err := fn(tx, swap); err != nil {
			return err
		}
		swap.UpdatedAt = s.Now()
		if err := tx.UpdateSwapRequest(ctx, swap); err != nil {
			return err
		}
		out = swap
		return nil
	})
	if err != nil {
		s.logger.Debug("swap transition rejected",
			zap.String("swap_id", swapID), zap.String("action", action), zap.Error(err))
		return nil, err
	}
	s.logger.Debug("swap transition",
		zap.String("swap_id", swapID), zap.String("action", action), zap.String("status", string(out.Status)))
	return out, nil
}

// requireStaff accepts active staff of either slot's property.
func (s *Service) requireStaff(ctx context.Context, r timeshare.Reader, swap *timeshare.SwapRequest, staffID string) error {
	properties := []string{swap.Requester.PropertyID}
	if swap.Responder != nil && swap.Responder.PropertyID != swap.Requester.PropertyID {
		properties = append(properties, swap.Responder.PropertyID)
	}
	for _, p := range properties {
		ok, err := timeshare.IsActiveStaff(ctx, r, p, staffID)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return forbidden(swap, staffID, "arbitrate")
}

func invalidState(swap *timeshare.SwapRequest, action string) error {
	return &timeshare.InvalidStateError{Entity: "swap request", ID: swap.ID, Current: string(swap.Status), Attempted: action}
}

func forbidden(swap *timeshare.SwapRequest, actorID, action string) error {
	return fmt.Errorf("%w: user %s may not %s swap request %s", timeshare.ErrForbidden, actorID, action, swap.ID)
}

func notFound(src timeshare.SwapSource) error {
	return timeshare.NotFound(string(src.Kind), src.ID)
}
