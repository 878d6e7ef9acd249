/*
status.go - Closed status enums and their transition tables

PURPOSE:
  Every status field is a named string type with a fixed set of values.
  Transitions are looked up in a table; anything not listed is illegal and
  the caller gets an InvalidStateError while the entity stays unchanged.

TRANSITIONS:
  SwapStatus
    pending          -> matched | awaiting_payment | cancelled
    matched          -> awaiting_payment | cancelled
    awaiting_payment -> awaiting_payment | completed | cancelled
    completed, cancelled: terminal

  CreditRequestStatus
    pending  -> approved | rejected | expired
    approved -> completed

  WeekStatus
    available -> confirmed | converted
    confirmed -> confirmed (owner transfer through a swap)
    converted: terminal
*/
package timeshare

// =============================================================================
// WEEK
// =============================================================================

type WeekStatus string

const (
	WeekAvailable WeekStatus = "available"
	WeekConfirmed WeekStatus = "confirmed"
	WeekConverted WeekStatus = "converted"
)

var weekTransitions = map[WeekStatus][]WeekStatus{
	WeekAvailable: {WeekConfirmed, WeekConverted},
	WeekConfirmed: {WeekConfirmed},
}

func (s WeekStatus) Valid() bool {
	switch s {
	case WeekAvailable, WeekConfirmed, WeekConverted:
		return true
	}
	return false
}

func (s WeekStatus) CanTransitionTo(to WeekStatus) bool {
	return allowed(weekTransitions, s, to)
}

// =============================================================================
// BOOKING
// =============================================================================

type BookingStatus string

const (
	BookingPending    BookingStatus = "pending"
	BookingConfirmed  BookingStatus = "confirmed"
	BookingCheckedIn  BookingStatus = "checked_in"
	BookingCheckedOut BookingStatus = "checked_out"
	BookingCancelled  BookingStatus = "cancelled"
)

func (s BookingStatus) Valid() bool {
	switch s {
	case BookingPending, BookingConfirmed, BookingCheckedIn, BookingCheckedOut, BookingCancelled:
		return true
	}
	return false
}

// BookingOrigin records which flow produced a booking.
type BookingOrigin string

const (
	OriginMarketplace BookingOrigin = "marketplace"
	OriginNightCredit BookingOrigin = "night_credit"
	OriginSwap        BookingOrigin = "swap"
)

// =============================================================================
// SWAP REQUEST
// =============================================================================

type SwapStatus string

const (
	SwapPending         SwapStatus = "pending"
	SwapMatched         SwapStatus = "matched"
	SwapAwaitingPayment SwapStatus = "awaiting_payment"
	SwapCompleted       SwapStatus = "completed"
	SwapCancelled       SwapStatus = "cancelled"
)

var swapTransitions = map[SwapStatus][]SwapStatus{
	SwapPending:         {SwapMatched, SwapAwaitingPayment, SwapCancelled},
	SwapMatched:         {SwapAwaitingPayment, SwapCancelled},
	SwapAwaitingPayment: {SwapAwaitingPayment, SwapCompleted, SwapCancelled},
}

func (s SwapStatus) Valid() bool {
	switch s {
	case SwapPending, SwapMatched, SwapAwaitingPayment, SwapCompleted, SwapCancelled:
		return true
	}
	return false
}

func (s SwapStatus) IsTerminal() bool {
	return s == SwapCompleted || s == SwapCancelled
}

func (s SwapStatus) CanTransitionTo(to SwapStatus) bool {
	return allowed(swapTransitions, s, to)
}

// InFlightSwapStatuses are the statuses that still hold a claim on both slots.
var InFlightSwapStatuses = []SwapStatus{SwapPending, SwapMatched, SwapAwaitingPayment}

type StaffApprovalStatus string

const (
	StaffPendingReview StaffApprovalStatus = "pending_review"
	StaffApproved      StaffApprovalStatus = "approved"
	StaffRejected      StaffApprovalStatus = "rejected"
)

type ResponderAcceptance string

const (
	AcceptancePending  ResponderAcceptance = "pending"
	AcceptanceAccepted ResponderAcceptance = "accepted"
	AcceptanceRejected ResponderAcceptance = "rejected"
)

// PaymentStatus is shared by swap fees and paid extra nights.
type PaymentStatus string

const (
	PaymentNotRequired PaymentStatus = "not_required"
	PaymentPending     PaymentStatus = "pending"
	PaymentPaid        PaymentStatus = "paid"
)

// Settled is true when nothing is left to pay.
func (s PaymentStatus) Settled() bool {
	return s == PaymentNotRequired || s == PaymentPaid
}

// =============================================================================
// NIGHT CREDIT
// =============================================================================

type CreditStatus string

const (
	CreditActive CreditStatus = "active"
	CreditUsed   CreditStatus = "used"
)

type CreditRequestStatus string

const (
	CreditRequestPending   CreditRequestStatus = "pending"
	CreditRequestApproved  CreditRequestStatus = "approved"
	CreditRequestRejected  CreditRequestStatus = "rejected"
	CreditRequestCompleted CreditRequestStatus = "completed"
	CreditRequestExpired   CreditRequestStatus = "expired"
)

var creditRequestTransitions = map[CreditRequestStatus][]CreditRequestStatus{
	CreditRequestPending:  {CreditRequestApproved, CreditRequestRejected, CreditRequestExpired},
	CreditRequestApproved: {CreditRequestCompleted},
}

func (s CreditRequestStatus) Valid() bool {
	switch s {
	case CreditRequestPending, CreditRequestApproved, CreditRequestRejected,
		CreditRequestCompleted, CreditRequestExpired:
		return true
	}
	return false
}

func (s CreditRequestStatus) CanTransitionTo(to CreditRequestStatus) bool {
	return allowed(creditRequestTransitions, s, to)
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}
