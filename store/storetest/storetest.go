/*
Package storetest is the contract suite every timeshare.Store must pass.

USAGE:
  func TestContract(t *testing.T) {
      storetest.Run(t, func(t *testing.T) timeshare.Store { return memory.New() })
  }

The suite covers the locking contract (concurrent WithTx on one row),
rollback, idempotency-key uniqueness and the conflict counting query.
It also exposes seeding helpers used by the service tests.
*/
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/timeshare-engine/timeshare"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) timeshare.Store

// =============================================================================
// SEED HELPERS
// =============================================================================

// Exec runs fn in a transaction and fails the test on error.
func Exec(t testing.TB, s timeshare.Store, fn func(tx timeshare.Tx) error) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), fn))
}

func SeedWeek(t testing.TB, s timeshare.Store, w timeshare.Week) timeshare.Week {
	t.Helper()
	if w.Status == "" {
		w.Status = timeshare.WeekAvailable
	}
	Exec(t, s, func(tx timeshare.Tx) error { return tx.InsertWeek(context.Background(), &w) })
	return w
}

func SeedBooking(t testing.TB, s timeshare.Store, b timeshare.Booking) timeshare.Booking {
	t.Helper()
	if b.Status == "" {
		b.Status = timeshare.BookingConfirmed
	}
	if b.Origin == "" {
		b.Origin = timeshare.OriginMarketplace
	}
	Exec(t, s, func(tx timeshare.Tx) error { return tx.InsertBooking(context.Background(), &b) })
	return b
}

func SeedStaff(t testing.TB, s timeshare.Store, propertyID, userID string) {
	t.Helper()
	Exec(t, s, func(tx timeshare.Tx) error {
		return tx.SaveStaffAssignment(context.Background(), timeshare.StaffAssignment{
			PropertyID: propertyID, UserID: userID, Active: true,
		})
	})
}

// SeedCredit inserts an active credit with a matching grant entry.
func SeedCredit(t testing.TB, s timeshare.Store, c timeshare.NightCredit) timeshare.NightCredit {
	t.Helper()
	if c.RemainingNights == 0 && c.Status == "" {
		c.RemainingNights = c.TotalNights
	}
	if c.Status == "" {
		c.Status = timeshare.CreditActive
	}
	ctx := context.Background()
	Exec(t, s, func(tx timeshare.Tx) error {
		if err := tx.InsertNightCredit(ctx, &c); err != nil {
			return err
		}
		return tx.AppendCreditEntry(ctx, timeshare.CreditEntry{
			ID:          "grant-" + c.ID,
			CreditID:    c.ID,
			OwnerID:     c.OwnerID,
			Delta:       c.RemainingNights,
			Type:        timeshare.EntryGrant,
			ReferenceID: c.OriginalWeekID,
			CreatedAt:   c.CreatedAt,
		})
	})
	return c
}

// LedgerSum totals a credit's entries.
func LedgerSum(t testing.TB, s timeshare.Reader, creditID string) int {
	t.Helper()
	entries, err := s.ListCreditEntries(context.Background(), creditID)
	require.NoError(t, err)
	sum := 0
	for _, e := range entries {
		sum += e.Delta
	}
	return sum
}

func day(m time.Month, d int) time.Time { return timeshare.Date(2026, m, d) }

// =============================================================================
// CONTRACT
// =============================================================================

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetMissing_ReturnsNotFound", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetWeek(ctx, "nope")
		assert.ErrorIs(t, err, timeshare.ErrNotFound)
		_, err = s.GetBooking(ctx, "nope")
		assert.ErrorIs(t, err, timeshare.ErrNotFound)
		_, err = s.GetSwapRequest(ctx, "nope")
		assert.ErrorIs(t, err, timeshare.ErrNotFound)
		_, err = s.GetNightCredit(ctx, "nope")
		assert.ErrorIs(t, err, timeshare.ErrNotFound)
		_, err = s.GetNightCreditRequest(ctx, "nope")
		assert.ErrorIs(t, err, timeshare.ErrNotFound)
		_, err = s.GetBookingByIdempotencyKey(ctx, "nope")
		assert.ErrorIs(t, err, timeshare.ErrNotFound)
	})

	t.Run("Weeks_FilterAndOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		SeedWeek(t, s, timeshare.Week{ID: "w-late", OwnerID: "alice", PropertyID: "p1", AccommodationType: "2br", Start: day(8, 1), End: day(8, 8)})
		SeedWeek(t, s, timeshare.Week{ID: "w-early", OwnerID: "bob", PropertyID: "p1", AccommodationType: "2br", Start: day(3, 1), End: day(3, 8)})
		SeedWeek(t, s, timeshare.Week{ID: "w-other", OwnerID: "bob", PropertyID: "p2", AccommodationType: "studio", Start: day(5, 1), End: day(5, 8)})
		SeedWeek(t, s, timeshare.Week{ID: "w-conv", OwnerID: "carol", PropertyID: "p1", AccommodationType: "2br", Start: day(4, 1), End: day(4, 8), Status: timeshare.WeekConverted})

		got, err := s.ListWeeks(ctx, timeshare.WeekFilter{
			AccommodationType: "2br",
			Statuses:          []timeshare.WeekStatus{timeshare.WeekAvailable},
		})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "w-early", got[0].ID)
		assert.Equal(t, "w-late", got[1].ID)
		assert.True(t, got[0].Start.Equal(day(3, 1)))

		got, err = s.ListWeeks(ctx, timeshare.WeekFilter{ExcludeOwnerID: "bob", Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "w-conv", got[0].ID)

		got, err = s.ListWeeks(ctx, timeshare.WeekFilter{OwnerID: "bob", PropertyID: "p2"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "w-other", got[0].ID)
	})

	t.Run("WithTx_ErrorRollsBackEverything", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		SeedWeek(t, s, timeshare.Week{ID: "w1", OwnerID: "alice", PropertyID: "p1", AccommodationType: "2br", Start: day(3, 1), End: day(3, 8)})

		boom := errors.New("boom")
		err := s.WithTx(ctx, func(tx timeshare.Tx) error {
			w, err := tx.LockWeek(ctx, "w1")
			if err != nil {
				return err
			}
			w.OwnerID = "mallory"
			if err := tx.UpdateWeek(ctx, w); err != nil {
				return err
			}
			if err := tx.InsertBooking(ctx, &timeshare.Booking{
				ID: "b1", UserID: "mallory", PropertyID: "p1", CheckIn: day(3, 1), CheckOut: day(3, 8),
				Status: timeshare.BookingConfirmed, Origin: timeshare.OriginSwap,
			}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		w, err := s.GetWeek(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, "alice", w.OwnerID)
		_, err = s.GetBooking(ctx, "b1")
		assert.ErrorIs(t, err, timeshare.ErrNotFound)
	})

	t.Run("Booking_IdempotencyKeyUnique", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		first := SeedBooking(t, s, timeshare.Booking{
			ID: "b1", UserID: "alice", PropertyID: "p1", AccommodationType: "2br",
			CheckIn: day(6, 1), CheckOut: day(6, 4), IdempotencyKey: "k-1", NightCreditID: "c1",
			Origin: timeshare.OriginNightCredit, PMSBookingID: "pms-1", GuestToken: "tok",
		})

		err := s.WithTx(ctx, func(tx timeshare.Tx) error {
			return tx.InsertBooking(ctx, &timeshare.Booking{
				ID: "b2", UserID: "alice", PropertyID: "p1", CheckIn: day(6, 1), CheckOut: day(6, 4),
				Status: timeshare.BookingConfirmed, Origin: timeshare.OriginNightCredit, IdempotencyKey: "k-1",
			})
		})
		assert.ErrorIs(t, err, timeshare.ErrDuplicateIdempotencyKey)

		got, err := s.GetBookingByIdempotencyKey(ctx, "k-1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
		assert.Equal(t, "c1", got.NightCreditID)
		assert.Equal(t, "pms-1", got.PMSBookingID)
		assert.Equal(t, timeshare.OriginNightCredit, got.Origin)

		// Bookings without a key never collide.
		SeedBooking(t, s, timeshare.Booking{ID: "b3", UserID: "bob", PropertyID: "p1", CheckIn: day(7, 1), CheckOut: day(7, 2)})
		SeedBooking(t, s, timeshare.Booking{ID: "b4", UserID: "bob", PropertyID: "p1", CheckIn: day(7, 2), CheckOut: day(7, 3)})

		list, err := s.ListBookings(ctx, timeshare.BookingFilter{UserID: "bob"})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "b3", list[0].ID)
	})

	t.Run("SwapRequest_RoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		paidAt := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
		swap := timeshare.SwapRequest{
			ID:          "s1",
			RequesterID: "alice",
			Requester: timeshare.SwapSlot{
				Source: timeshare.WeekSource("w1"), OwnerID: "alice", PropertyID: "p1",
				Start: day(3, 1), End: day(3, 8),
			},
			AccommodationType:   "2br",
			Status:              timeshare.SwapPending,
			StaffApproval:       timeshare.StaffPendingReview,
			ResponderAcceptance: timeshare.AcceptancePending,
			PaymentStatus:       timeshare.PaymentPending,
			SwapFee:             timeshare.NewMoney(decimal.RequireFromString("49.99"), "USD"),
			CreatedAt:           time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
		}
		Exec(t, s, func(tx timeshare.Tx) error { return tx.InsertSwapRequest(ctx, &swap) })

		got, err := s.GetSwapRequest(ctx, "s1")
		require.NoError(t, err)
		assert.Nil(t, got.Responder)
		assert.Equal(t, timeshare.WeekSource("w1"), got.Requester.Source)
		assert.True(t, got.SwapFee.Amount.Equal(decimal.RequireFromString("49.99")))
		assert.Equal(t, "USD", got.SwapFee.Currency)

		unmatched, err := s.ListSwapRequests(ctx, timeshare.SwapFilter{UnmatchedOnly: true})
		require.NoError(t, err)
		assert.Len(t, unmatched, 1)

		Exec(t, s, func(tx timeshare.Tx) error {
			locked, err := tx.LockSwapRequest(ctx, "s1")
			if err != nil {
				return err
			}
			locked.ResponderID = "bob"
			locked.Responder = &timeshare.SwapSlot{
				Source: timeshare.BookingSource("b9"), OwnerID: "bob", PropertyID: "p2",
				Start: day(4, 1), End: day(4, 8),
			}
			locked.Status = timeshare.SwapCompleted
			locked.PaymentStatus = timeshare.PaymentPaid
			locked.PaidAt = &paidAt
			locked.PaymentIntentID = "pi_1"
			return tx.UpdateSwapRequest(ctx, locked)
		})

		got, err = s.GetSwapRequest(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, got.Responder)
		assert.Equal(t, timeshare.BookingSource("b9"), got.Responder.Source)
		assert.Equal(t, "p2", got.Responder.PropertyID)
		assert.True(t, got.Responder.Start.Equal(day(4, 1)))
		require.NotNil(t, got.PaidAt)
		assert.True(t, got.PaidAt.Equal(paidAt))
		assert.Equal(t, "pi_1", got.PaymentIntentID)

		unmatched, err = s.ListSwapRequests(ctx, timeshare.SwapFilter{UnmatchedOnly: true})
		require.NoError(t, err)
		assert.Empty(t, unmatched)

		mine, err := s.ListSwapRequests(ctx, timeshare.SwapFilter{ParticipantID: "bob"})
		require.NoError(t, err)
		assert.Len(t, mine, 1)
	})

	t.Run("NightCredit_InvariantEnforcedOnWrite", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		SeedCredit(t, s, timeshare.NightCredit{ID: "c1", OwnerID: "alice", TotalNights: 7, ExpiryDate: day(12, 31)})

		err := s.WithTx(ctx, func(tx timeshare.Tx) error {
			c, err := tx.LockNightCredit(ctx, "c1")
			if err != nil {
				return err
			}
			c.RemainingNights = 9
			return tx.UpdateNightCredit(ctx, c)
		})
		assert.Error(t, err)

		c, err := s.GetNightCredit(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 7, c.RemainingNights)
		assert.Equal(t, 7, LedgerSum(t, s, "c1"))
	})

	t.Run("NightCredit_ConcurrentConsumeIsSerialized", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		SeedCredit(t, s, timeshare.NightCredit{ID: "c1", OwnerID: "alice", TotalNights: 7, ExpiryDate: day(12, 31)})

		const workers = 5
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.WithTx(ctx, func(tx timeshare.Tx) error {
					c, err := tx.LockNightCredit(ctx, "c1")
					if err != nil {
						return err
					}
					if err := c.Consume(1); err != nil {
						return err
					}
					if err := tx.UpdateNightCredit(ctx, c); err != nil {
						return err
					}
					return tx.AppendCreditEntry(ctx, timeshare.CreditEntry{
						ID: fmt.Sprintf("r-%d", i), CreditID: "c1", OwnerID: "alice",
						Delta: -1, Type: timeshare.EntryRedemption, ReferenceID: fmt.Sprintf("b-%d", i),
					})
				})
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		c, err := s.GetNightCredit(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 2, c.RemainingNights)
		assert.Equal(t, 2, LedgerSum(t, s, "c1"))
	})

	t.Run("NightCreditRequest_Filters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		SeedCredit(t, s, timeshare.NightCredit{ID: "c1", OwnerID: "alice", TotalNights: 7, ExpiryDate: day(12, 31)})
		for i, st := range []timeshare.CreditRequestStatus{timeshare.CreditRequestPending, timeshare.CreditRequestRejected} {
			r := timeshare.NightCreditRequest{
				ID: fmt.Sprintf("r%d", i), OwnerID: "alice", CreditID: "c1", PropertyID: "p1", RoomType: "2br",
				CheckIn: day(6, 1), CheckOut: day(6, 4), NightsRequested: 3,
				AdditionalPrice: timeshare.NewMoney(decimal.Zero, "USD"),
				PaymentStatus:   timeshare.PaymentNotRequired, Status: st,
				CreatedAt: time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC),
			}
			Exec(t, s, func(tx timeshare.Tx) error { return tx.InsertNightCreditRequest(ctx, &r) })
		}

		pending, err := s.ListNightCreditRequests(ctx, timeshare.CreditRequestFilter{
			CreditID: "c1", Statuses: []timeshare.CreditRequestStatus{timeshare.CreditRequestPending},
		})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "r0", pending[0].ID)

		all, err := s.ListNightCreditRequests(ctx, timeshare.CreditRequestFilter{OwnerID: "alice"})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("CountConflicts_HalfOpenAndExclusions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		SeedWeek(t, s, timeshare.Week{ID: "w1", OwnerID: "alice", PropertyID: "p1", AccommodationType: "2br", Start: day(3, 1), End: day(3, 8)})
		SeedWeek(t, s, timeshare.Week{ID: "w-conv", OwnerID: "bob", PropertyID: "p1", AccommodationType: "2br", Start: day(3, 1), End: day(3, 8), Status: timeshare.WeekConverted})
		SeedBooking(t, s, timeshare.Booking{ID: "b1", UserID: "carol", PropertyID: "p1", CheckIn: day(3, 5), CheckOut: day(3, 10)})
		SeedBooking(t, s, timeshare.Booking{ID: "b-cx", UserID: "carol", PropertyID: "p1", CheckIn: day(3, 5), CheckOut: day(3, 10), Status: timeshare.BookingCancelled})
		SeedBooking(t, s, timeshare.Booking{ID: "b-far", UserID: "carol", PropertyID: "p9", CheckIn: day(3, 5), CheckOut: day(3, 10)})
		swap := timeshare.SwapRequest{
			ID: "s1", RequesterID: "dave", Status: timeshare.SwapMatched,
			Requester: timeshare.SwapSlot{Source: timeshare.WeekSource("w-x"), OwnerID: "dave", PropertyID: "p9", Start: day(3, 1), End: day(3, 8)},
			ResponderID: "erin",
			Responder:   &timeshare.SwapSlot{Source: timeshare.WeekSource("w-y"), OwnerID: "erin", PropertyID: "p1", Start: day(3, 7), End: day(3, 14)},
			SwapFee:     timeshare.NewMoney(decimal.Zero, "USD"),
		}
		Exec(t, s, func(tx timeshare.Tx) error { return tx.InsertSwapRequest(ctx, &swap) })

		q := timeshare.ConflictQuery{
			PropertyID:      "p1",
			Range:           timeshare.DateRange{Start: day(3, 1), End: day(3, 8)},
			BookingStatuses: []timeshare.BookingStatus{timeshare.BookingConfirmed, timeshare.BookingPending, timeshare.BookingCheckedIn},
			WeekStatuses:    []timeshare.WeekStatus{timeshare.WeekAvailable, timeshare.WeekConfirmed},
			SwapStatuses:    timeshare.InFlightSwapStatuses,
		}
		counts, err := s.CountConflicts(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, timeshare.ConflictCounts{Bookings: 1, Weeks: 1, Swaps: 1}, counts)

		q.ExcludeWeekIDs = []string{"w1"}
		q.ExcludeSwapIDs = []string{"s1"}
		q.ExcludeBookingIDs = []string{"b1"}
		counts, err = s.CountConflicts(ctx, q)
		require.NoError(t, err)
		assert.Zero(t, counts.Total())

		// Range ending the day the booking starts does not overlap.
		q = timeshare.ConflictQuery{
			PropertyID:      "p1",
			Range:           timeshare.DateRange{Start: day(2, 20), End: day(3, 1)},
			BookingStatuses: []timeshare.BookingStatus{timeshare.BookingConfirmed},
			WeekStatuses:    []timeshare.WeekStatus{timeshare.WeekAvailable},
			SwapStatuses:    timeshare.InFlightSwapStatuses,
		}
		counts, err = s.CountConflicts(ctx, q)
		require.NoError(t, err)
		assert.Zero(t, counts.Total())
	})

	t.Run("Staff_ActiveOnly", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		SeedStaff(t, s, "p1", "staff-b")
		SeedStaff(t, s, "p1", "staff-a")
		Exec(t, s, func(tx timeshare.Tx) error {
			return tx.SaveStaffAssignment(ctx, timeshare.StaffAssignment{PropertyID: "p1", UserID: "staff-b", Active: false})
		})

		staff, err := s.ListActiveStaff(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, []string{"staff-a"}, staff)

		ok, err := timeshare.IsActiveStaff(ctx, s, "p1", "staff-b")
		require.NoError(t, err)
		assert.False(t, ok)

		staff, err = s.ListActiveStaff(ctx, "p2")
		require.NoError(t, err)
		assert.Empty(t, staff)
	})
}
