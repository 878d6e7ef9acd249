/*
Package pms defines the Property Management System contract.

PURPOSE:
  The PMS is the system of record for real hotel bookings. The engine calls
  it synchronously inside the night-credit transaction window:
    CheckAvailability  before a redemption request is accepted
    CreateBooking      before the local booking row and credit decrement
    CancelBooking      compensation when CreateBooking timed out

  Any CreateBooking result whose status is not "confirmed" is a hard failure
  and the local transaction rolls back.

IDEMPOTENCY:
  BookingPayload carries the local idempotency key. Providers may or may not
  honor it; a retried network failure can still create a duplicate remote
  booking. The engine only guarantees the local ledger is not double-spent.

SEE ALSO:
  - sandbox.go: in-process adapter for tests and local development
  - credits/service.go: the caller
*/
package pms

import (
	"context"
	"time"
)

type AvailabilityQuery struct {
	PropertyID string
	RoomType   string
	Start      time.Time
	End        time.Time
	Nights     int
}

type AvailabilityResult struct {
	Available       bool
	AvailableNights int
	Reason          string
}

type BookingPayload struct {
	PropertyID     string
	RoomType       string
	GuestID        string
	CheckIn        time.Time
	CheckOut       time.Time
	Nights         int
	IdempotencyKey string
}

type BookingStatus string

const (
	StatusConfirmed BookingStatus = "confirmed"
	StatusPending   BookingStatus = "pending"
	StatusRejected  BookingStatus = "rejected"
)

type BookingResult struct {
	PMSBookingID     string
	Status           BookingStatus
	PaymentReference string
}

// CancelRef identifies a remote booking. After a timeout only the
// idempotency key is known.
type CancelRef struct {
	PMSBookingID   string
	IdempotencyKey string
}

type Adapter interface {
	CheckAvailability(ctx context.Context, q AvailabilityQuery) (AvailabilityResult, error)
	CreateBooking(ctx context.Context, p BookingPayload) (BookingResult, error)
	CancelBooking(ctx context.Context, ref CancelRef) error
}
