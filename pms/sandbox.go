package pms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SANDBOX - In-process adapter with failure injection
// =============================================================================

// ErrSandboxUnavailable is what the sandbox returns for an injected outage.
var ErrSandboxUnavailable = errors.New("pms sandbox: service unavailable")

// RemoteBooking is the sandbox's record of a created booking.
type RemoteBooking struct {
	BookingResult
	Payload   BookingPayload
	Cancelled bool
}

// Sandbox confirms every booking unless told otherwise. Safe for concurrent use.
type Sandbox struct {
	mu          sync.Mutex
	bookings    []RemoteBooking
	unavailable map[string]string // property -> reason
	failNext    []error
	status      BookingStatus
	delay       time.Duration
	cancels     []CancelRef
}

func NewSandbox() *Sandbox {
	return &Sandbox{unavailable: make(map[string]string), status: StatusConfirmed}
}

// FailNext makes the next CreateBooking call return err.
func (s *Sandbox) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = ErrSandboxUnavailable
	}
	s.failNext = append(s.failNext, err)
}

// SetStatus changes the status returned by CreateBooking.
func (s *Sandbox) SetStatus(status BookingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// SetDelay makes CreateBooking block for d, or until its context ends.
func (s *Sandbox) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// MarkUnavailable makes CheckAvailability refuse the property.
func (s *Sandbox) MarkUnavailable(propertyID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable[propertyID] = reason
}

func (s *Sandbox) CheckAvailability(ctx context.Context, q AvailabilityQuery) (AvailabilityResult, error) {
	if err := ctx.Err(); err != nil {
		return AvailabilityResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason, ok := s.unavailable[q.PropertyID]; ok {
		return AvailabilityResult{Available: false, Reason: reason}, nil
	}
	return AvailabilityResult{Available: true, AvailableNights: q.Nights}, nil
}

func (s *Sandbox) CreateBooking(ctx context.Context, p BookingPayload) (BookingResult, error) {
	s.mu.Lock()
	delay := s.delay
	var injected error
	if len(s.failNext) > 0 {
		injected, s.failNext = s.failNext[0], s.failNext[1:]
	}
	status := s.status
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return BookingResult{}, ctx.Err()
		}
	}
	if injected != nil {
		return BookingResult{}, injected
	}

	res := BookingResult{
		PMSBookingID:     "pms_" + uuid.NewString(),
		Status:           status,
		PaymentReference: fmt.Sprintf("pmsref_%s", uuid.NewString()[:8]),
	}
	s.mu.Lock()
	s.bookings = append(s.bookings, RemoteBooking{BookingResult: res, Payload: p})
	s.mu.Unlock()
	return res, nil
}

func (s *Sandbox) CancelBooking(ctx context.Context, ref CancelRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, ref)
	for i := range s.bookings {
		b := &s.bookings[i]
		if (ref.PMSBookingID != "" && b.PMSBookingID == ref.PMSBookingID) ||
			(ref.IdempotencyKey != "" && b.Payload.IdempotencyKey == ref.IdempotencyKey) {
			b.Cancelled = true
		}
	}
	return nil
}

// Bookings returns every booking the sandbox created, in call order.
func (s *Sandbox) Bookings() []RemoteBooking {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RemoteBooking(nil), s.bookings...)
}

// Cancels returns every CancelBooking call, in call order.
func (s *Sandbox) Cancels() []CancelRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CancelRef(nil), s.cancels...)
}
