/*
Package credits implements the night-credit ledger and its booking transaction.

PURPOSE:
  An owner converts an ownership week into night credits, then spends them on
  hotel nights booked through the external PMS. Two spending paths exist:
  - Request flow:  CreateRequest -> staff ApproveRequest -> (PayRequest) ->
                   CompleteRequest
  - Direct flow:   UseCredits, idempotent under a caller-supplied key

KEY CONCEPTS:
  NightCredit:        balance with 0 <= Remaining <= Total, used at zero
  CreditEntry:        append-only ledger line; sum(delta) == Remaining
  NightCreditRequest: pending -> approved -> completed, or rejected/expired

THE ATOMIC CORE (CompleteRequest, UseCredits):
  One transaction does all of:
    lock request and credit -> validate -> PMS CreateBooking ->
    insert Booking -> consume nights + ledger entry -> mark request completed
  Any failure rolls back everything. The PMS call happens inside the
  transaction window, bounded by PMSTimeout. On timeout a compensating
  CancelBooking is sent, keyed by the idempotency key.

KNOWN GAP:
  If the PMS confirms and the local commit then fails, the remote booking is
  orphaned. It is logged at error level with its PMS id; there is no
  automatic reconciliation.

IDEMPOTENCY KEYS:
  request completion  night-credit-request:<request id>
  direct redemption   credit:<credit id>:<caller key>

SEE ALSO:
  - idempotency/guard.go
  - pms/pms.go
*/
package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/timeshare-engine/availability"
	"github.com/warp/timeshare-engine/idempotency"
	"github.com/warp/timeshare-engine/payment"
	"github.com/warp/timeshare-engine/pms"
	"github.com/warp/timeshare-engine/timeshare"
)

type Config struct {
	Currency             string
	CreditValidityMonths int
	PeakRestrictsCredits bool
	PMSTimeout           time.Duration
	PaymentTimeout       time.Duration
}

// DefaultConfig mirrors the defaults in config.Load.
func DefaultConfig() Config {
	return Config{
		Currency:             "USD",
		CreditValidityMonths: 24,
		PeakRestrictsCredits: true,
		PMSTimeout:           10 * time.Second,
		PaymentTimeout:       15 * time.Second,
	}
}

type Service struct {
	store   timeshare.Store
	peaks   *availability.PeakCalendar
	checker availability.Checker
	pms     pms.Adapter
	gateway payment.Gateway
	pricer  Pricer
	cfg     Config
	logger  *zap.Logger
	guard   idempotency.Guard[timeshare.Booking]

	Now   func() time.Time
	NewID func() string
}

func NewService(
	store timeshare.Store,
	peaks *availability.PeakCalendar,
	adapter pms.Adapter,
	gateway payment.Gateway,
	pricer Pricer,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.CreditValidityMonths <= 0 {
		cfg.CreditValidityMonths = def.CreditValidityMonths
	}
	if cfg.PMSTimeout <= 0 {
		cfg.PMSTimeout = def.PMSTimeout
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = def.PaymentTimeout
	}
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	s := &Service{
		store:   store,
		peaks:   peaks,
		pms:     adapter,
		gateway: gateway,
		pricer:  pricer,
		cfg:     cfg,
		logger:  logger,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   uuid.NewString,
	}
	s.guard = idempotency.Guard[timeshare.Booking]{Lookup: s.lookupBooking}
	return s
}

// =============================================================================
// WEEK CONVERSION
// =============================================================================

// ConvertWeek turns an available week into a credit worth its nights.
func (s *Service) ConvertWeek(ctx context.Context, ownerID, weekID string) (*timeshare.NightCredit, error) {
	var credit *timeshare.NightCredit
	err := s.store.WithTx(ctx, func(tx timeshare.Tx) error {
		w, err := tx.LockWeek(ctx, weekID)
		if err != nil {
			return err
		}
		if w.OwnerID != ownerID {
			return timeshare.NotFound("week", weekID)
		}

		inFlight, err := tx.ListSwapRequests(ctx, timeshare.SwapFilter{
			Statuses: timeshare.InFlightSwapStatuses, ParticipantID: ownerID,
		})
		if err != nil {
			return err
		}
		for _, sw := range inFlight {
			if sw.Uses(timeshare.WeekSource(weekID)) {
				return &timeshare.ConflictError{
					PropertyID: w.PropertyID, Range: w.Range(),
					Reason: fmt.Sprintf("week is part of swap request %s", sw.ID),
				}
			}
		}

		if err := w.SetStatus(timeshare.WeekConverted, "convert"); err != nil {
			return err
		}
		now := s.Now()
		w.UpdatedAt = now
		if err := tx.UpdateWeek(ctx, w); err != nil {
			return err
		}

		credit = &timeshare.NightCredit{
			ID:              s.NewID(),
			OwnerID:         ownerID,
			OriginalWeekID:  w.ID,
			TotalNights:     w.Nights(),
			RemainingNights: w.Nights(),
			ExpiryDate:      timeshare.DateOf(now).AddDate(0, s.cfg.CreditValidityMonths, 0),
			Status:          timeshare.CreditActive,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertNightCredit(ctx, credit); err != nil {
			return err
		}
		return tx.AppendCreditEntry(ctx, timeshare.CreditEntry{
			ID:          s.NewID(),
			CreditID:    credit.ID,
			OwnerID:     ownerID,
			Delta:       credit.TotalNights,
			Type:        timeshare.EntryGrant,
			ReferenceID: w.ID,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("week converted to night credit",
		zap.String("week_id", weekID),
		zap.String("credit_id", credit.ID),
		zap.Int("nights", credit.TotalNights))
	return credit, nil
}

// =============================================================================
// REQUEST FLOW
// =============================================================================

type CreateRequestInput struct {
	OwnerID          string
	CreditID         string
	PropertyID       string
	RoomType         string
	CheckIn          time.Time
	CheckOut         time.Time
	NightsRequested  int
	AdditionalNights int
}

// CreateRequest records an owner's intent to redeem credits at a property.
func (s *Service) CreateRequest(ctx context.Context, in CreateRequestInput) (*timeshare.NightCreditRequest, error) {
	rng, err := s.validateStay(in.PropertyID, in.RoomType, in.CheckIn, in.CheckOut)
	if err != nil {
		return nil, err
	}
	if in.NightsRequested <= 0 {
		return nil, timeshare.InvalidInputf("nights requested must be positive")
	}
	if in.AdditionalNights < 0 {
		return nil, timeshare.InvalidInputf("additional nights must not be negative")
	}
	if rng.Nights() != in.NightsRequested+in.AdditionalNights {
		return nil, timeshare.InvalidInputf("stay %s is %d nights, requested %d + %d additional",
			rng, rng.Nights(), in.NightsRequested, in.AdditionalNights)
	}

	// Cheap checks first so a doomed request never reaches the PMS.
	credit, err := s.store.GetNightCredit(ctx, in.CreditID)
	if err != nil {
		return nil, err
	}
	if credit.OwnerID != in.OwnerID {
		return nil, timeshare.NotFound("night credit", in.CreditID)
	}
	if err := credit.CheckSpendable(s.Now(), in.NightsRequested); err != nil {
		return nil, err
	}

	if err := s.checkPMSAvailability(ctx, in.PropertyID, in.RoomType, rng); err != nil {
		return nil, err
	}

	price := timeshare.NewMoney(decimal.Zero, s.cfg.Currency)
	paymentStatus := timeshare.PaymentNotRequired
	if in.AdditionalNights > 0 {
		price, err = s.pricer.ExtraNightsPrice(ctx, in.PropertyID, in.RoomType, in.AdditionalNights)
		if err != nil {
			return nil, fmt.Errorf("failed to price extra nights: %w", err)
		}
		if !price.IsPositive() {
			return nil, timeshare.InvalidInputf("extra nights are not sold at %s", in.PropertyID)
		}
		paymentStatus = timeshare.PaymentPending
	}

	now := s.Now()
	req := &timeshare.NightCreditRequest{
		ID:               s.NewID(),
		OwnerID:          in.OwnerID,
		CreditID:         in.CreditID,
		PropertyID:       in.PropertyID,
		RoomType:         in.RoomType,
		CheckIn:          rng.Start,
		CheckOut:         rng.End,
		NightsRequested:  in.NightsRequested,
		AdditionalNights: in.AdditionalNights,
		AdditionalPrice:  price,
		PaymentStatus:    paymentStatus,
		Status:           timeshare.CreditRequestPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.store.WithTx(ctx, func(tx timeshare.Tx) error {
		c, err := tx.LockNightCredit(ctx, in.CreditID)
		if err != nil {
			return err
		}
		if err := c.CheckSpendable(now, in.NightsRequested); err != nil {
			return err
		}
		pending, err := tx.ListNightCreditRequests(ctx, timeshare.CreditRequestFilter{
			CreditID: in.CreditID,
			Statuses: []timeshare.CreditRequestStatus{timeshare.CreditRequestPending},
		})
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return &timeshare.ConflictError{
				PropertyID: in.PropertyID, Range: rng,
				Reason: fmt.Sprintf("credit %s already has pending request %s", in.CreditID, pending[0].ID),
			}
		}
		return tx.InsertNightCreditRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("night credit request created",
		zap.String("request_id", req.ID),
		zap.String("credit_id", req.CreditID),
		zap.Int("nights", req.NightsRequested),
		zap.Int("additional_nights", req.AdditionalNights))
	return req, nil
}

// ApproveRequest is staff-only. When nothing is left to pay the request is
// completed right away.
func (s *Service) ApproveRequest(ctx context.Context, requestID, staffID, notes string) (*timeshare.NightCreditRequest, error) {
	req, err := s.transition(ctx, requestID, "approve", func(tx timeshare.Tx, r *timeshare.NightCreditRequest) error {
		if err := requireStaff(ctx, tx, r, staffID); err != nil {
			return err
		}
		if err := r.Transition(timeshare.CreditRequestApproved, "approve"); err != nil {
			return err
		}
		c, err := tx.LockNightCredit(ctx, r.CreditID)
		if err != nil {
			return err
		}
		if err := c.CheckSpendable(s.Now(), r.NightsRequested); err != nil {
			return err
		}
		if err := s.checker.Require(ctx, tx, r.PropertyID, r.Range()); err != nil {
			return err
		}
		r.ReviewedBy = staffID
		r.StaffNotes = notes
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !req.PaymentStatus.Settled() {
		return req, nil
	}
	completed, err := s.CompleteRequest(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("request %s approved but not completed: %w", req.ID, err)
	}
	return completed, nil
}

func (s *Service) RejectRequest(ctx context.Context, requestID, staffID, notes string) (*timeshare.NightCreditRequest, error) {
	return s.transition(ctx, requestID, "reject", func(tx timeshare.Tx, r *timeshare.NightCreditRequest) error {
		if err := requireStaff(ctx, tx, r, staffID); err != nil {
			return err
		}
		if err := r.Transition(timeshare.CreditRequestRejected, "reject"); err != nil {
			return err
		}
		r.ReviewedBy = staffID
		r.StaffNotes = notes
		return nil
	})
}

// CancelRequest withdraws a pending request on behalf of its owner.
func (s *Service) CancelRequest(ctx context.Context, requestID, ownerID string) (*timeshare.NightCreditRequest, error) {
	return s.transition(ctx, requestID, "cancel", func(_ timeshare.Tx, r *timeshare.NightCreditRequest) error {
		if r.OwnerID != ownerID {
			return timeshare.NotFound("night credit request", requestID)
		}
		return r.Transition(timeshare.CreditRequestExpired, "cancel")
	})
}

// =============================================================================
// PAYMENT FOR EXTRA NIGHTS
// =============================================================================

func (s *Service) CreatePaymentIntent(ctx context.Context, requestID, ownerID string) (payment.Intent, error) {
	r, err := s.store.GetNightCreditRequest(ctx, requestID)
	if err != nil {
		return payment.Intent{}, err
	}
	if r.OwnerID != ownerID {
		return payment.Intent{}, timeshare.NotFound("night credit request", requestID)
	}
	if err := payable(r, "create payment intent"); err != nil {
		return payment.Intent{}, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.cfg.PaymentTimeout)
	intent, err := s.gateway.CreatePaymentIntent(gctx, r.AdditionalPrice, map[string]string{
		"night_credit_request_id": r.ID,
		"owner_id":                r.OwnerID,
	})
	cancel()
	if err != nil {
		return payment.Intent{}, &timeshare.ExternalFailureError{System: "payment", Operation: "create payment intent", Err: err}
	}

	_, err = s.transition(ctx, requestID, "create payment intent", func(_ timeshare.Tx, locked *timeshare.NightCreditRequest) error {
		if err := payable(locked, "create payment intent"); err != nil {
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

// PayRequest confirms the extra-night payment. An already approved request
// is completed immediately afterwards.
func (s *Service) PayRequest(ctx context.Context, requestID, ownerID, paymentIntentID string) (*timeshare.NightCreditRequest, error) {
	if paymentIntentID == "" {
		return nil, timeshare.InvalidInputf("payment intent id is required")
	}
	req, err := s.transition(ctx, requestID, "pay", func(_ timeshare.Tx, r *timeshare.NightCreditRequest) error {
		if r.OwnerID != ownerID {
			return timeshare.NotFound("night credit request", requestID)
		}
		if err := payable(r, "pay"); err != nil {
			return err
		}
		if r.PaymentIntentID == "" {
			return &timeshare.InvalidStateError{Entity: "night credit request", ID: r.ID, Current: "no payment intent", Attempted: "pay"}
		}
		if r.PaymentIntentID != paymentIntentID {
			return timeshare.InvalidInputf("payment intent %s does not belong to request %s", paymentIntentID, r.ID)
		}

		gctx, cancel := context.WithTimeout(ctx, s.cfg.PaymentTimeout)
		defer cancel()
		conf, err := s.gateway.ConfirmPayment(gctx, paymentIntentID)
		if err != nil {
			return &timeshare.ExternalFailureError{System: "payment", Operation: "confirm payment", Err: err}
		}
		if err := conf.Settles(r.AdditionalPrice); err != nil {
			return &timeshare.ExternalFailureError{System: "payment", Operation: "confirm payment", Err: err}
		}
		r.PaymentStatus = timeshare.PaymentPaid
		r.PaymentIntentID = paymentIntentID
		return nil
	})
	if err != nil {
		return nil, err
	}

	if req.Status != timeshare.CreditRequestApproved {
		return req, nil
	}
	completed, err := s.CompleteRequest(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("request %s paid but not completed: %w", req.ID, err)
	}
	return completed, nil
}

func payable(r *timeshare.NightCreditRequest, action string) error {
	if r.Status != timeshare.CreditRequestPending && r.Status != timeshare.CreditRequestApproved {
		return &timeshare.InvalidStateError{Entity: "night credit request", ID: r.ID, Current: string(r.Status), Attempted: action}
	}
	if r.PaymentStatus != timeshare.PaymentPending {
		return &timeshare.InvalidStateError{Entity: "night credit request", ID: r.ID, Current: "payment " + string(r.PaymentStatus), Attempted: action}
	}
	return nil
}

// =============================================================================
// COMPLETION - The atomic core
// =============================================================================

// RequestIdempotencyKey is the booking key used when completing a request.
func RequestIdempotencyKey(requestID string) string {
	return "night-credit-request:" + requestID
}

// CompleteRequest books the stay with the PMS and settles the ledger in one
// transaction. It is safe to retry after an ExternalFailure.
func (s *Service) CompleteRequest(ctx context.Context, requestID string) (*timeshare.NightCreditRequest, error) {
	key := RequestIdempotencyKey(requestID)
	var (
		out    *timeshare.NightCreditRequest
		remote *pms.BookingResult
	)

	err := s.store.WithTx(ctx, func(tx timeshare.Tx) error {
		r, err := tx.LockNightCreditRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if r.Status != timeshare.CreditRequestApproved {
			return &timeshare.InvalidStateError{Entity: "night credit request", ID: r.ID, Current: string(r.Status), Attempted: "complete"}
		}
		if !r.PaymentStatus.Settled() {
			return &timeshare.InvalidStateError{Entity: "night credit request", ID: r.ID, Current: "payment " + string(r.PaymentStatus), Attempted: "complete"}
		}

		c, err := tx.LockNightCredit(ctx, r.CreditID)
		if err != nil {
			return err
		}
		now := s.Now()
		if err := c.CheckSpendable(now, r.NightsRequested); err != nil {
			return err
		}
		if err := s.checker.Require(ctx, tx, r.PropertyID, r.Range()); err != nil {
			return err
		}

		res, err := s.createRemoteBooking(ctx, pms.BookingPayload{
			PropertyID:     r.PropertyID,
			RoomType:       r.RoomType,
			GuestID:        r.OwnerID,
			CheckIn:        r.CheckIn,
			CheckOut:       r.CheckOut,
			Nights:         r.NightsRequested + r.AdditionalNights,
			IdempotencyKey: key,
		})
		if err != nil {
			return err
		}
		remote = &res

		booking := s.newBooking(r.OwnerID, r.PropertyID, r.RoomType, r.Range(), c.ID, key, res, now)
		if booking.PaymentReference == "" {
			booking.PaymentReference = r.PaymentIntentID
		}
		if err := s.spend(ctx, tx, c, booking, r.NightsRequested); err != nil {
			return err
		}

		if err := r.Transition(timeshare.CreditRequestCompleted, "complete"); err != nil {
			return err
		}
		r.BookingID = booking.ID
		r.UpdatedAt = now
		if err := tx.UpdateNightCreditRequest(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		s.reportOrphan(remote, key, err)
		return nil, err
	}

	s.logger.Info("night credit request completed",
		zap.String("request_id", out.ID),
		zap.String("booking_id", out.BookingID),
		zap.String("pms_booking_id", remote.PMSBookingID))
	return out, nil
}

// =============================================================================
// DIRECT REDEMPTION
// =============================================================================

type UseCreditsInput struct {
	OwnerID        string
	CreditID       string
	PropertyID     string
	RoomType       string
	CheckIn        time.Time
	CheckOut       time.Time
	IdempotencyKey string
}

// UseCreditsKey scopes a caller key to one credit.
func UseCreditsKey(creditID, key string) string {
	if key == "" {
		return ""
	}
	return "credit:" + creditID + ":" + key
}

// UseCredits books a stay paid entirely with credits. Repeating the call
// with the same key returns the first booking with replayed = true.
func (s *Service) UseCredits(ctx context.Context, in UseCreditsInput) (*timeshare.Booking, bool, error) {
	rng, err := s.validateStay(in.PropertyID, in.RoomType, in.CheckIn, in.CheckOut)
	if err != nil {
		return nil, false, err
	}
	key := UseCreditsKey(in.CreditID, in.IdempotencyKey)

	booking, replayed, err := s.guard.Do(ctx, key, func(ctx context.Context) (timeshare.Booking, error) {
		return s.redeem(ctx, in, rng, key)
	})
	if err != nil {
		return nil, false, err
	}
	if booking.UserID != in.OwnerID {
		return nil, false, timeshare.NotFound("night credit", in.CreditID)
	}
	if replayed {
		s.logger.Info("night credit redemption replayed",
			zap.String("credit_id", in.CreditID), zap.String("booking_id", booking.ID))
	}
	return &booking, replayed, nil
}

func (s *Service) redeem(ctx context.Context, in UseCreditsInput, rng timeshare.DateRange, key string) (timeshare.Booking, error) {
	var (
		booking timeshare.Booking
		remote  *pms.BookingResult
	)
	err := s.store.WithTx(ctx, func(tx timeshare.Tx) error {
		c, err := tx.LockNightCredit(ctx, in.CreditID)
		if err != nil {
			return err
		}
		if c.OwnerID != in.OwnerID {
			return timeshare.NotFound("night credit", in.CreditID)
		}
		// Re-check under the credit lock: a concurrent retry may have won.
		if key != "" {
			if _, err := tx.GetBookingByIdempotencyKey(ctx, key); err == nil {
				return timeshare.ErrDuplicateIdempotencyKey
			} else if !timeshare.IsNotFound(err) {
				return err
			}
		}

		now := s.Now()
		nights := rng.Nights()
		if err := c.CheckSpendable(now, nights); err != nil {
			return err
		}
		if err := s.checker.Require(ctx, tx, in.PropertyID, rng); err != nil {
			return err
		}

		res, err := s.createRemoteBooking(ctx, pms.BookingPayload{
			PropertyID:     in.PropertyID,
			RoomType:       in.RoomType,
			GuestID:        in.OwnerID,
			CheckIn:        rng.Start,
			CheckOut:       rng.End,
			Nights:         nights,
			IdempotencyKey: key,
		})
		if err != nil {
			return err
		}
		remote = &res

		b := s.newBooking(in.OwnerID, in.PropertyID, in.RoomType, rng, c.ID, key, res, now)
		if err := s.spend(ctx, tx, c, b, nights); err != nil {
			return err
		}
		booking = *b
		return nil
	})
	if err != nil {
		s.reportOrphan(remote, key, err)
		return timeshare.Booking{}, err
	}

	s.logger.Info("night credits redeemed",
		zap.String("credit_id", in.CreditID),
		zap.String("booking_id", booking.ID),
		zap.Int("nights", rng.Nights()))
	return booking, nil
}

func (s *Service) lookupBooking(ctx context.Context, key string) (timeshare.Booking, bool, error) {
	b, err := s.store.GetBookingByIdempotencyKey(ctx, key)
	if timeshare.IsNotFound(err) {
		return timeshare.Booking{}, false, nil
	}
	if err != nil {
		return timeshare.Booking{}, false, err
	}
	return *b, true, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// GetRequest returns a request to its owner or to staff of its property.
func (s *Service) GetRequest(ctx context.Context, requestID, actorID string) (*timeshare.NightCreditRequest, error) {
	r, err := s.store.GetNightCreditRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.OwnerID == actorID {
		return r, nil
	}
	if ok, err := timeshare.IsActiveStaff(ctx, s.store, r.PropertyID, actorID); err != nil {
		return nil, err
	} else if !ok {
		return nil, timeshare.NotFound("night credit request", requestID)
	}
	return r, nil
}

func (s *Service) ListRequests(ctx context.Context, ownerID string) ([]timeshare.NightCreditRequest, error) {
	return s.store.ListNightCreditRequests(ctx, timeshare.CreditRequestFilter{OwnerID: ownerID})
}

func (s *Service) ListCredits(ctx context.Context, ownerID string) ([]timeshare.NightCredit, error) {
	return s.store.ListNightCredits(ctx, ownerID)
}

// History returns the ledger of a credit the owner holds.
func (s *Service) History(ctx context.Context, creditID, ownerID string) ([]timeshare.CreditEntry, error) {
	c, err := s.store.GetNightCredit(ctx, creditID)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != ownerID {
		return nil, timeshare.NotFound("night credit", creditID)
	}
	return s.store.ListCreditEntries(ctx, creditID)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) validateStay(propertyID, roomType string, checkIn, checkOut time.Time) (timeshare.DateRange, error) {
	if propertyID == "" {
		return timeshare.DateRange{}, timeshare.InvalidInputf("property id is required")
	}
	if roomType == "" {
		return timeshare.DateRange{}, timeshare.InvalidInputf("room type is required")
	}
	rng, err := timeshare.NewDateRange(checkIn, checkOut)
	if err != nil {
		return timeshare.DateRange{}, err
	}
	if s.cfg.PeakRestrictsCredits {
		if err := s.peaks.Check(rng); err != nil {
			return timeshare.DateRange{}, err
		}
	}
	return rng, nil
}

func (s *Service) checkPMSAvailability(ctx context.Context, propertyID, roomType string, rng timeshare.DateRange) error {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PMSTimeout)
	defer cancel()
	res, err := s.pms.CheckAvailability(pctx, pms.AvailabilityQuery{
		PropertyID: propertyID, RoomType: roomType, Start: rng.Start, End: rng.End, Nights: rng.Nights(),
	})
	if err != nil {
		return &timeshare.ExternalFailureError{System: "pms", Operation: "check availability", Err: err}
	}
	if !res.Available {
		reason := res.Reason
		if reason == "" {
			reason = "property management system reports no availability"
		}
		return &timeshare.ConflictError{PropertyID: propertyID, Range: rng, Reason: reason}
	}
	return nil
}

// createRemoteBooking calls the PMS with a deadline. On timeout it sends a
// compensating cancel, since the PMS may have booked before the deadline.
func (s *Service) createRemoteBooking(ctx context.Context, p pms.BookingPayload) (pms.BookingResult, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PMSTimeout)
	res, err := s.pms.CreateBooking(pctx, p)
	cancel()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.compensate(ctx, pms.CancelRef{IdempotencyKey: p.IdempotencyKey})
		}
		return pms.BookingResult{}, &timeshare.ExternalFailureError{System: "pms", Operation: "create booking", Err: err}
	}
	if res.Status != pms.StatusConfirmed {
		if res.PMSBookingID != "" {
			s.compensate(ctx, pms.CancelRef{PMSBookingID: res.PMSBookingID, IdempotencyKey: p.IdempotencyKey})
		}
		return pms.BookingResult{}, &timeshare.ExternalFailureError{
			System: "pms", Operation: "create booking", Err: fmt.Errorf("booking status %q", res.Status),
		}
	}
	return res, nil
}

func (s *Service) compensate(ctx context.Context, ref pms.CancelRef) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PMSTimeout)
	defer cancel()
	if err := s.pms.CancelBooking(cctx, ref); err != nil {
		s.logger.Error("pms compensating cancel failed",
			zap.String("pms_booking_id", ref.PMSBookingID),
			zap.String("idempotency_key", ref.IdempotencyKey),
			zap.Error(err))
		return
	}
	s.logger.Warn("pms booking cancelled after failed create",
		zap.String("pms_booking_id", ref.PMSBookingID),
		zap.String("idempotency_key", ref.IdempotencyKey))
}

func (s *Service) reportOrphan(remote *pms.BookingResult, key string, err error) {
	if remote == nil {
		return
	}
	s.logger.Error("pms booking orphaned: local commit failed after pms confirmed",
		zap.String("pms_booking_id", remote.PMSBookingID),
		zap.String("idempotency_key", key),
		zap.Error(err))
}

func (s *Service) newBooking(ownerID, propertyID, roomType string, rng timeshare.DateRange, creditID, key string, res pms.BookingResult, now time.Time) *timeshare.Booking {
	return &timeshare.Booking{
		ID:                s.NewID(),
		UserID:            ownerID,
		PropertyID:        propertyID,
		AccommodationType: roomType,
		CheckIn:           rng.Start,
		CheckOut:          rng.End,
		Status:            timeshare.BookingConfirmed,
		Origin:            timeshare.OriginNightCredit,
		PMSBookingID:      res.PMSBookingID,
		PaymentReference:  res.PaymentReference,
		GuestToken:        uuid.NewString(),
		IdempotencyKey:    key,
		NightCreditID:     creditID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// spend inserts the booking and moves the balance with its ledger entry.
func (s *Service) spend(ctx context.Context, tx timeshare.Tx, c *timeshare.NightCredit, b *timeshare.Booking, nights int) error {
	if err := tx.InsertBooking(ctx, b); err != nil {
		return err
	}
	if err := c.Consume(nights); err != nil {
		return err
	}
	c.UpdatedAt = b.CreatedAt
	if err := tx.UpdateNightCredit(ctx, c); err != nil {
		return err
	}
	return tx.AppendCreditEntry(ctx, timeshare.CreditEntry{
		ID:             s.NewID(),
		CreditID:       c.ID,
		OwnerID:        c.OwnerID,
		Delta:          -nights,
		Type:           timeshare.EntryRedemption,
		ReferenceID:    b.ID,
		IdempotencyKey: b.IdempotencyKey,
		CreatedAt:      b.CreatedAt,
	})
}

func (s *Service) transition(ctx context.Context, requestID, action string, fn func(tx timeshare.Tx, r *timeshare.NightCreditRequest) error) (*timeshare.NightCreditRequest, error) {
	var out *timeshare.NightCreditRequest
	err := s.store.WithTx(ctx, func(tx timeshare.Tx) error {
		r, err := tx.LockNightCreditRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := fn(tx, r); err != nil {
			return err
		}
		r.UpdatedAt = s.Now()
		if err := tx.UpdateNightCreditRequest(ctx, r); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		s.logger.Debug("night credit request transition rejected",
			zap.String("request_id", requestID), zap.String("action", action), zap.Error(err))
		return nil, err
	}
	s.logger.Debug("night credit request transition",
		zap.String("request_id", requestID), zap.String("action", action), zap.String("status", string(out.Status)))
	return out, nil
}

func requireStaff(ctx context.Context, r timeshare.Reader, req *timeshare.NightCreditRequest, staffID string) error {
	ok, err := timeshare.IsActiveStaff(ctx, r, req.PropertyID, staffID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %s is not staff at property %s", timeshare.ErrForbidden, staffID, req.PropertyID)
	}
	return nil
}
