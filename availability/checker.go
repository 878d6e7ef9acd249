/*
Package availability answers "is this property free for these nights?".

PURPOSE:
  Two pure-ish building blocks shared by matching, swap and credits:
  - Checker:      counts bookings, ownership weeks and in-flight swaps that
                  overlap a date range at a property
  - PeakCalendar: recurring month/day windows during which swaps and
                  night-credit redemptions are restricted

FRESHNESS:
  Check takes the Reader to query. Services pass the timeshare.Tx of the
  transaction that will commit, so the check and the write see the same
  state. Results are never cached.

WHAT COUNTS AS A CONFLICT:
  bookings  status in {confirmed, pending, checked_in}
  weeks     status in {available, confirmed}
  swaps     status in {pending, matched, awaiting_payment}, requester or
            responder slot at the property

SEE ALSO:
  - peak.go
  - timeshare/store.go: ConflictQuery
*/
package availability

import (
	"context"
	"fmt"

	"github.com/warp/timeshare-engine/timeshare"
)

var (
	conflictingBookings = []timeshare.BookingStatus{
		timeshare.BookingConfirmed, timeshare.BookingPending, timeshare.BookingCheckedIn,
	}
	conflictingWeeks = []timeshare.WeekStatus{
		timeshare.WeekAvailable, timeshare.WeekConfirmed,
	}
)

// Availability is the result of a conflict check.
type Availability struct {
	Available bool
	Conflicts timeshare.ConflictCounts
}

// CheckOption removes the slot under evaluation from its own check.
type CheckOption func(*timeshare.ConflictQuery)

func ExcludeWeek(id string) CheckOption {
	return func(q *timeshare.ConflictQuery) { q.ExcludeWeekIDs = append(q.ExcludeWeekIDs, id) }
}

func ExcludeBooking(id string) CheckOption {
	return func(q *timeshare.ConflictQuery) { q.ExcludeBookingIDs = append(q.ExcludeBookingIDs, id) }
}

func ExcludeSwap(id string) CheckOption {
	return func(q *timeshare.ConflictQuery) {
		if id != "" {
			q.ExcludeSwapIDs = append(q.ExcludeSwapIDs, id)
		}
	}
}

// ExcludeSource excludes whichever week or booking the swap source names.
func ExcludeSource(src timeshare.SwapSource) CheckOption {
	switch src.Kind {
	case timeshare.SourceWeek:
		return ExcludeWeek(src.ID)
	case timeshare.SourceBooking:
		return ExcludeBooking(src.ID)
	}
	return func(*timeshare.ConflictQuery) {}
}

// Checker is stateless; the zero value is ready to use.
type Checker struct{}

// Check counts everything occupying the property over rng.
func (Checker) Check(ctx context.Context, r timeshare.Reader, propertyID string, rng timeshare.DateRange, opts ...CheckOption) (Availability, error) {
	q := timeshare.ConflictQuery{
		PropertyID:      propertyID,
		Range:           rng,
		BookingStatuses: conflictingBookings,
		WeekStatuses:    conflictingWeeks,
		SwapStatuses:    timeshare.InFlightSwapStatuses,
	}
	for _, opt := range opts {
		opt(&q)
	}

	counts, err := r.CountConflicts(ctx, q)
	if err != nil {
		return Availability{}, fmt.Errorf("failed to count conflicts at %s: %w", propertyID, err)
	}
	return Availability{Available: counts.Total() == 0, Conflicts: counts}, nil
}

// Require is Check that turns any conflict into a *timeshare.ConflictError.
func (c Checker) Require(ctx context.Context, r timeshare.Reader, propertyID string, rng timeshare.DateRange, opts ...CheckOption) error {
	a, err := c.Check(ctx, r, propertyID, rng, opts...)
	if err != nil {
		return err
	}
	if !a.Available {
		return &timeshare.ConflictError{PropertyID: propertyID, Range: rng, Conflicts: a.Conflicts}
	}
	return nil
}
