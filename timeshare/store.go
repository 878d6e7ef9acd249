/*
store.go - Repository interfaces for the transaction engine

PURPOSE:
  Defines the boundary between the services and persistence. Two families of
  implementation honor the same contract:
  - store/memory:   arena-with-id-map, for tests and local development
  - store/sqlite,
    store/postgres: relational, for deployments

KEY INTERFACES:
  Reader: point lookups, filtered lists and the conflict counting query
  Tx:     Reader plus row locks and writes, valid only inside WithTx
  Store:  Reader plus WithTx

LOCKING CONTRACT:
  Every mutation of a SwapRequest, NightCredit, NightCreditRequest or Week
  happens inside Store.WithTx after the row was read with the matching Lock*
  method. Lock* holds the row until the transaction ends, so two concurrent
  transactions acting on the same entity are serialized and the second one
  re-reads the state the first one committed.
  Implementations may lock more than the row (memory and sqlite serialize
  every transaction); they may never lock less.

ATOMICITY:
  If fn returns an error, nothing it wrote is visible afterwards.

IDEMPOTENCY:
  InsertBooking returns ErrDuplicateIdempotencyKey when another booking
  already carries the same non-empty IdempotencyKey.

NOT FOUND:
  Get* and Lock* return a *NotFoundError (errors.Is ErrNotFound) for missing
  rows, never (nil, nil).
*/
package timeshare

import "context"

// =============================================================================
// FILTERS
// =============================================================================

type WeekFilter struct {
	OwnerID           string
	ExcludeOwnerID    string
	PropertyID        string
	AccommodationType string
	Statuses          []WeekStatus
	Limit             int // 0 = unlimited
}

type BookingFilter struct {
	UserID   string
	Statuses []BookingStatus
}

type SwapFilter struct {
	Statuses      []SwapStatus
	UnmatchedOnly bool   // no responder assigned yet
	ParticipantID string // requester or responder
}

type CreditRequestFilter struct {
	OwnerID  string
	CreditID string
	Statuses []CreditRequestStatus
}

// ConflictQuery counts what already occupies a property over a range.
// The Exclude* lists remove the slot being evaluated from its own check.
type ConflictQuery struct {
	PropertyID        string
	Range             DateRange
	BookingStatuses   []BookingStatus
	WeekStatuses      []WeekStatus
	SwapStatuses      []SwapStatus
	ExcludeWeekIDs    []string
	ExcludeBookingIDs []string
	ExcludeSwapIDs    []string
}

type ConflictCounts struct {
	Bookings int
	Weeks    int
	Swaps    int
}

func (c ConflictCounts) Total() int { return c.Bookings + c.Weeks + c.Swaps }

// =============================================================================
// READER
// =============================================================================

type Reader interface {
	GetWeek(ctx context.Context, id string) (*Week, error)
	// ListWeeks returns weeks ordered by Start ASC, then ID.
	ListWeeks(ctx context.Context, f WeekFilter) ([]Week, error)

	GetBooking(ctx context.Context, id string) (*Booking, error)
	GetBookingByIdempotencyKey(ctx context.Context, key string) (*Booking, error)
	// ListBookings returns bookings ordered by CheckIn ASC, then ID.
	ListBookings(ctx context.Context, f BookingFilter) ([]Booking, error)

	GetSwapRequest(ctx context.Context, id string) (*SwapRequest, error)
	// ListSwapRequests returns swaps ordered by CreatedAt ASC, then ID.
	ListSwapRequests(ctx context.Context, f SwapFilter) ([]SwapRequest, error)

	GetNightCredit(ctx context.Context, id string) (*NightCredit, error)
	ListNightCredits(ctx context.Context, ownerID string) ([]NightCredit, error)
	// ListCreditEntries returns a credit's ledger in insertion order.
	ListCreditEntries(ctx context.Context, creditID string) ([]CreditEntry, error)

	GetNightCreditRequest(ctx context.Context, id string) (*NightCreditRequest, error)
	ListNightCreditRequests(ctx context.Context, f CreditRequestFilter) ([]NightCreditRequest, error)

	CountConflicts(ctx context.Context, q ConflictQuery) (ConflictCounts, error)

	// ListActiveStaff returns user ids of active staff at the property.
	ListActiveStaff(ctx context.Context, propertyID string) ([]string, error)
}

// =============================================================================
// TRANSACTION
// =============================================================================

type Tx interface {
	Reader

	LockWeek(ctx context.Context, id string) (*Week, error)
	LockBooking(ctx context.Context, id string) (*Booking, error)
	LockSwapRequest(ctx context.Context, id string) (*SwapRequest, error)
	LockNightCredit(ctx context.Context, id string) (*NightCredit, error)
	LockNightCreditRequest(ctx context.Context, id string) (*NightCreditRequest, error)

	InsertWeek(ctx context.Context, w *Week) error
	UpdateWeek(ctx context.Context, w *Week) error
	InsertBooking(ctx context.Context, b *Booking) error
	UpdateBooking(ctx context.Context, b *Booking) error
	InsertSwapRequest(ctx context.Context, s *SwapRequest) error
	UpdateSwapRequest(ctx context.Context, s *SwapRequest) error
	InsertNightCredit(ctx context.Context, c *NightCredit) error
	UpdateNightCredit(ctx context.Context, c *NightCredit) error
	AppendCreditEntry(ctx context.Context, e CreditEntry) error
	InsertNightCreditRequest(ctx context.Context, r *NightCreditRequest) error
	UpdateNightCreditRequest(ctx context.Context, r *NightCreditRequest) error
	SaveStaffAssignment(ctx context.Context, a StaffAssignment) error
}

// Store is the full repository.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// IsActiveStaff reports whether userID is active staff at propertyID.
func IsActiveStaff(ctx context.Context, r Reader, propertyID, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	staff, err := r.ListActiveStaff(ctx, propertyID)
	if err != nil {
		return false, err
	}
	for _, id := range staff {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}
