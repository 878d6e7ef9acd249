/*
Package timeshare provides the data model of the swap and night-credit engine.

PURPOSE:
  Domain types shared by every component: ownership weeks, bookings, swap
  requests, night credits and their redemption requests. Services in swap/,
  credits/ and matching/ mutate these only through the methods defined here,
  so the invariants live next to the data.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: a decimal amount with a currency (swap fees, paid extra nights)
  - SwapSource: tagged union of the two things that can be swapped
  - Week, Booking, SwapRequest, NightCredit, NightCreditRequest
  - CreditEntry: append-only record of every night-credit balance change

INVARIANTS:
  1. 0 <= RemainingNights <= TotalNights for every NightCredit
  2. NightCredit.Status == used  <=>  RemainingNights == 0
  3. At most one Booking per non-empty IdempotencyKey
  4. Status fields only move along the tables in status.go

SEE ALSO:
  - status.go: enums and transition tables
  - store.go: repository interfaces
  - errors.go: error taxonomy
*/
package timeshare

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

type Money struct {
	Amount   decimal.Decimal
	Currency string
}

func NewMoney(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: currency}
}

func (m Money) IsZero() bool     { return m.Amount.IsZero() }
func (m Money) IsPositive() bool { return m.Amount.IsPositive() }
func (m Money) String() string   { return m.Amount.StringFixed(2) + " " + m.Currency }

// Equal compares amount by value and currency exactly.
func (m Money) Equal(o Money) bool {
	return m.Currency == o.Currency && m.Amount.Equal(o.Amount)
}

// Mul scales the amount by a count (e.g. price per night times nights).
func (m Money) Mul(n int64) Money {
	return Money{Amount: m.Amount.Mul(decimal.NewFromInt(n)), Currency: m.Currency}
}

// =============================================================================
// SWAP SOURCE - Week(id) | Booking(id)
// =============================================================================

type SourceKind string

const (
	SourceWeek    SourceKind = "week"
	SourceBooking SourceKind = "booking"
)

// SwapSource identifies the slot being offered in a swap.
type SwapSource struct {
	Kind SourceKind
	ID   string
}

func WeekSource(id string) SwapSource    { return SwapSource{Kind: SourceWeek, ID: id} }
func BookingSource(id string) SwapSource { return SwapSource{Kind: SourceBooking, ID: id} }

func (s SwapSource) IsZero() bool { return s.ID == "" }

func (s SwapSource) Validate() error {
	if s.ID == "" {
		return InvalidInputf("swap source id is required")
	}
	if s.Kind != SourceWeek && s.Kind != SourceBooking {
		return InvalidInputf("unknown swap source kind %q", s.Kind)
	}
	return nil
}

func (s SwapSource) String() string { return string(s.Kind) + ":" + s.ID }

// SwapSlot is a resolved SwapSource, denormalized onto the swap request so the
// conflict checker can count in-flight swaps by property and date range.
type SwapSlot struct {
	Source     SwapSource
	OwnerID    string
	PropertyID string
	Start      time.Time
	End        time.Time
}

func (s SwapSlot) Range() DateRange { return DateRange{Start: s.Start, End: s.End} }

// =============================================================================
// WEEK
// =============================================================================

type Week struct {
	ID                string
	OwnerID           string
	PropertyID        string
	AccommodationType string
	Start             time.Time
	End               time.Time
	Status            WeekStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (w Week) Range() DateRange { return DateRange{Start: w.Start, End: w.End} }
func (w Week) Nights() int      { return w.Range().Nights() }

// SetStatus moves the week along its transition table.
func (w *Week) SetStatus(to WeekStatus, action string) error {
	if !w.Status.CanTransitionTo(to) {
		return &InvalidStateError{Entity: "week", ID: w.ID, Current: string(w.Status), Attempted: action}
	}
	w.Status = to
	return nil
}

// =============================================================================
// BOOKING
// =============================================================================

type Booking struct {
	ID                string
	UserID            string
	PropertyID        string
	AccommodationType string
	CheckIn           time.Time
	CheckOut          time.Time
	Status            BookingStatus
	Origin            BookingOrigin
	PMSBookingID      string
	PaymentReference  string
	GuestToken        string
	IdempotencyKey    string
	NightCreditID     string // back-reference, non-owning
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (b Booking) Range() DateRange { return DateRange{Start: b.CheckIn, End: b.CheckOut} }
func (b Booking) Nights() int      { return b.Range().Nights() }

// =============================================================================
// SWAP REQUEST
// =============================================================================

type SwapRequest struct {
	ID                  string
	RequesterID         string
	Requester           SwapSlot
	ResponderID         string
	Responder           *SwapSlot // nil until matched
	AccommodationType   string
	Status              SwapStatus
	StaffApproval       StaffApprovalStatus
	ResponderAcceptance ResponderAcceptance
	PaymentStatus       PaymentStatus
	SwapFee             Money
	PaymentIntentID     string
	PaidAt              *time.Time
	ReviewedBy          string
	RejectionReason     string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (s SwapRequest) HasResponder() bool { return s.Responder != nil }

// Uses reports whether src is either slot of the swap.
func (s SwapRequest) Uses(src SwapSource) bool {
	return s.Requester.Source == src || (s.Responder != nil && s.Responder.Source == src)
}

// IsParty reports whether the user is the requester or the responder.
func (s SwapRequest) IsParty(userID string) bool {
	return userID != "" && (userID == s.RequesterID || userID == s.ResponderID)
}

// Transition moves the swap along its table or reports InvalidState.
func (s *SwapRequest) Transition(to SwapStatus, action string) error {
	if !s.Status.CanTransitionTo(to) {
		return &InvalidStateError{Entity: "swap request", ID: s.ID, Current: string(s.Status), Attempted: action}
	}
	s.Status = to
	return nil
}

// Clone returns a deep copy so stores never share pointers with callers.
func (s SwapRequest) Clone() SwapRequest {
	c := s
	if s.Responder != nil {
		r := *s.Responder
		c.Responder = &r
	}
	if s.PaidAt != nil {
		t := *s.PaidAt
		c.PaidAt = &t
	}
	return c
}

// =============================================================================
// NIGHT CREDIT
// =============================================================================

type NightCredit struct {
	ID              string
	OwnerID         string
	OriginalWeekID  string
	TotalNights     int
	RemainingNights int
	ExpiryDate      time.Time
	Status          CreditStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsExpired is true once `now` falls on a day after ExpiryDate.
func (c NightCredit) IsExpired(now time.Time) bool {
	return DateOf(now).After(DateOf(c.ExpiryDate))
}

// CheckSpendable verifies the credit can pay for `nights` at `now`.
func (c NightCredit) CheckSpendable(now time.Time, nights int) error {
	if c.Status != CreditActive {
		return &InvalidStateError{Entity: "night credit", ID: c.ID, Current: string(c.Status), Attempted: "redeem"}
	}
	if c.IsExpired(now) {
		return &InvalidStateError{Entity: "night credit", ID: c.ID, Current: "expired", Attempted: "redeem"}
	}
	if c.RemainingNights < nights {
		return &InsufficientBalanceError{CreditID: c.ID, Remaining: c.RemainingNights, Requested: nights}
	}
	return nil
}

// Consume is the only way RemainingNights goes down. It keeps
// 0 <= RemainingNights <= TotalNights and flips Status to used at zero.
func (c *NightCredit) Consume(nights int) error {
	if nights <= 0 {
		return InvalidInputf("nights to consume must be positive, got %d", nights)
	}
	if c.Status != CreditActive {
		return &InvalidStateError{Entity: "night credit", ID: c.ID, Current: string(c.Status), Attempted: "redeem"}
	}
	if c.RemainingNights < nights {
		return &InsufficientBalanceError{CreditID: c.ID, Remaining: c.RemainingNights, Requested: nights}
	}
	c.RemainingNights -= nights
	if c.RemainingNights == 0 {
		c.Status = CreditUsed
	}
	return nil
}

// CheckInvariant verifies the balance invariant. Stores call it before writing.
func (c NightCredit) CheckInvariant() error {
	if c.RemainingNights < 0 || c.RemainingNights > c.TotalNights {
		return fmt.Errorf("night credit %s: remaining %d outside [0, %d]", c.ID, c.RemainingNights, c.TotalNights)
	}
	if (c.Status == CreditUsed) != (c.RemainingNights == 0) {
		return fmt.Errorf("night credit %s: status %s with %d nights remaining", c.ID, c.Status, c.RemainingNights)
	}
	return nil
}

// =============================================================================
// CREDIT ENTRY - Append-only record of balance changes
// =============================================================================

type CreditEntryType string

const (
	EntryGrant      CreditEntryType = "grant"      // week converted into credits
	EntryRedemption CreditEntryType = "redemption" // nights spent on a booking
)

// CreditEntry is never updated or deleted. The sum of Delta over a credit's
// entries always equals its RemainingNights.
type CreditEntry struct {
	ID             string
	CreditID       string
	OwnerID        string
	Delta          int
	Type           CreditEntryType
	ReferenceID    string // week id for grants, booking id for redemptions
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// NIGHT CREDIT REQUEST
// =============================================================================

type NightCreditRequest struct {
	ID               string
	OwnerID          string
	CreditID         string
	PropertyID       string
	RoomType         string
	CheckIn          time.Time
	CheckOut         time.Time
	NightsRequested  int
	AdditionalNights int
	AdditionalPrice  Money
	PaymentStatus    PaymentStatus
	PaymentIntentID  string
	Status           CreditRequestStatus
	BookingID        string // set only on completion
	ReviewedBy       string
	StaffNotes       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (r NightCreditRequest) Range() DateRange { return DateRange{Start: r.CheckIn, End: r.CheckOut} }

// Transition moves the request along its table or reports InvalidState.
func (r *NightCreditRequest) Transition(to CreditRequestStatus, action string) error {
	if !r.Status.CanTransitionTo(to) {
		return &InvalidStateError{Entity: "night credit request", ID: r.ID, Current: string(r.Status), Attempted: action}
	}
	r.Status = to
	return nil
}

// =============================================================================
// STAFF ASSIGNMENT - Who may arbitrate requests at a property
// =============================================================================

type StaffAssignment struct {
	PropertyID string
	UserID     string
	Active     bool
}
