package credits_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/timeshare-engine/availability"
	"github.com/warp/timeshare-engine/credits"
	"github.com/warp/timeshare-engine/payment"
	"github.com/warp/timeshare-engine/pms"
	"github.com/warp/timeshare-engine/store/memory"
	"github.com/warp/timeshare-engine/store/storetest"
	"github.com/warp/timeshare-engine/timeshare"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var clock = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func day(m time.Month, d int) time.Time { return timeshare.Date(2026, m, d) }

type fixture struct {
	store   *memory.Store
	pms     *pms.Sandbox
	gateway *payment.Sandbox
	logs    *observer.ObservedLogs
	svc     *credits.Service
}

// newFixture seeds Alice's 6-night credit c-1 (expires end of 2027) and
// staff-1 working at hotel-1. July is peak.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	storetest.SeedStaff(t, s, "hotel-1", "staff-1")
	storetest.SeedCredit(t, s, timeshare.NightCredit{
		ID: "c-1", OwnerID: "alice", OriginalWeekID: "w-old", TotalNights: 6,
		ExpiryDate: timeshare.Date(2027, 12, 31), CreatedAt: clock,
	})
	return newFixtureOn(t, s, s)
}

func newFixtureOn(t *testing.T, mem *memory.Store, store timeshare.Store) *fixture {
	t.Helper()
	ranges, err := availability.ParsePeakRanges("07-01:07-31")
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	adapter := pms.NewSandbox()
	gw := payment.NewSandbox()
	svc := credits.NewService(store, availability.NewPeakCalendar(ranges...), adapter, gw,
		credits.FlatRatePricer{Rate: timeshare.NewMoney(decimal.NewFromInt(100), "USD")},
		credits.Config{Currency: "USD", PeakRestrictsCredits: true, PMSTimeout: time.Second},
		zap.New(core))
	svc.Now = func() time.Time { return clock }
	return &fixture{store: mem, pms: adapter, gateway: gw, logs: logs, svc: svc}
}

func (f *fixture) credit(t *testing.T, id string) *timeshare.NightCredit {
	t.Helper()
	c, err := f.store.GetNightCredit(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *fixture) request(t *testing.T, checkIn, checkOut time.Time, nights, extra int) *timeshare.NightCreditRequest {
	t.Helper()
	r, err := f.svc.CreateRequest(context.Background(), credits.CreateRequestInput{
		OwnerID: "alice", CreditID: "c-1", PropertyID: "hotel-1", RoomType: "deluxe",
		CheckIn: checkIn, CheckOut: checkOut, NightsRequested: nights, AdditionalNights: extra,
	})
	require.NoError(t, err)
	return r
}

func useInput(key string, checkIn, checkOut time.Time) credits.UseCreditsInput {
	return credits.UseCreditsInput{
		OwnerID: "alice", CreditID: "c-1", PropertyID: "hotel-1", RoomType: "deluxe",
		CheckIn: checkIn, CheckOut: checkOut, IdempotencyKey: key,
	}
}

// failingStore fails InsertBooking inside the transaction.
type failingStore struct{ timeshare.Store }

func (f failingStore) WithTx(ctx context.Context, fn func(timeshare.Tx) error) error {
	return f.Store.WithTx(ctx, func(tx timeshare.Tx) error { return fn(failingTx{tx}) })
}

type failingTx struct{ timeshare.Tx }

func (failingTx) InsertBooking(context.Context, *timeshare.Booking) error {
	return errors.New("disk full")
}

// =============================================================================
// WEEK CONVERSION
// =============================================================================

func TestConvertWeek_GrantsNightsAndLedgerEntry(t *testing.T) {
	f := newFixture(t)
	storetest.SeedWeek(t, f.store, timeshare.Week{
		ID: "w-1", OwnerID: "alice", PropertyID: "p1", AccommodationType: "2br", Start: day(3, 1), End: day(3, 8),
	})

	c, err := f.svc.ConvertWeek(context.Background(), "alice", "w-1")

	require.NoError(t, err)
	assert.Equal(t, 7, c.TotalNights)
	assert.Equal(t, 7, c.RemainingNights)
	assert.Equal(t, timeshare.CreditActive, c.Status)
	assert.Equal(t, timeshare.Date(2028, 1, 15), c.ExpiryDate)
	assert.Equal(t, 7, storetest.LedgerSum(t, f.store, c.ID))

	w, err := f.store.GetWeek(context.Background(), "w-1")
	require.NoError(t, err)
	assert.Equal(t, timeshare.WeekConverted, w.Status)
}

func TestConvertWeek_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storetest.SeedWeek(t, f.store, timeshare.Week{ID: "w-1", OwnerID: "alice", PropertyID: "p1", AccommodationType: "2br", Start: day(3, 1), End: day(3, 8)})
	storetest.SeedWeek(t, f.store, timeshare.Week{ID: "w-2", OwnerID: "alice", PropertyID: "p1", AccommodationType: "2br", Start: day(5, 1), End: day(5, 8), Status: timeshare.WeekConfirmed})
	storetest.SeedWeek(t, f.store, timeshare.Week{ID: "w-3", OwnerID: "alice", PropertyID: "p1", AccommodationType: "2br", Start: day(9, 1), End: day(9, 8)})
	storetest.Exec(t, f.store, func(tx timeshare.Tx) error {
		return tx.InsertSwapRequest(ctx, &timeshare.SwapRequest{
			ID: "s-1", RequesterID: "alice", AccommodationType: "2br",
			Requester:     timeshare.SwapSlot{Source: timeshare.WeekSource("w-3"), OwnerID: "alice", PropertyID: "p1", Start: day(9, 1), End: day(9, 8)},
			Status:        timeshare.SwapPending,
			StaffApproval: timeshare.StaffPendingReview, ResponderAcceptance: timeshare.AcceptancePending,
			PaymentStatus: timeshare.PaymentPending, CreatedAt: clock, UpdatedAt: clock,
		})
	})

	tests := []struct {
		name    string
		ownerID string
		weekID  string
		want    error
	}{
		{"not the owner", "bob", "w-1", timeshare.ErrNotFound},
		{"missing week", "alice", "nope", timeshare.ErrNotFound},
		{"already confirmed", "alice", "w-2", timeshare.ErrInvalidState},
		{"in a pending swap", "alice", "w-3", timeshare.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ConvertWeek(ctx, tt.ownerID, tt.weekID)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	creditsHeld, err := f.svc.ListCredits(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, creditsHeld, 1, "only the seeded credit exists")
}

// =============================================================================
// REQUEST FLOW
// =============================================================================

func TestRequestFlow_ApproveCompletesAndSpendsCredit(t *testing.T) {
	// GIVEN: a 6-night credit and a request for all 6 nights
	f := newFixture(t)
	ctx := context.Background()
	r := f.request(t, day(2, 1), day(2, 7), 6, 0)
	assert.Equal(t, timeshare.CreditRequestPending, r.Status)
	assert.Equal(t, timeshare.PaymentNotRequired, r.PaymentStatus)

	// WHEN: staff approve it
	done, err := f.svc.ApproveRequest(ctx, r.ID, "staff-1", "enjoy")

	// THEN: the request completes with a booking and the credit is used up
	require.NoError(t, err)
	assert.Equal(t, timeshare.CreditRequestCompleted, done.Status)
	assert.Equal(t, "staff-1", done.ReviewedBy)
	assert.Equal(t, "enjoy", done.StaffNotes)
	require.NotEmpty(t, done.BookingID)

	c := f.credit(t, "c-1")
	assert.Equal(t, 0, c.RemainingNights)
	assert.Equal(t, timeshare.CreditUsed, c.Status)
	assert.Equal(t, 0, storetest.LedgerSum(t, f.store, "c-1"))

	b, err := f.store.GetBooking(ctx, done.BookingID)
	require.NoError(t, err)
	assert.Equal(t, timeshare.OriginNightCredit, b.Origin)
	assert.Equal(t, timeshare.BookingConfirmed, b.Status)
	assert.Equal(t, "c-1", b.NightCreditID)
	assert.Equal(t, credits.RequestIdempotencyKey(r.ID), b.IdempotencyKey)
	assert.NotEmpty(t, b.GuestToken)
	assert.NotEqual(t, b.PMSBookingID, b.GuestToken)
	_, err = uuid.Parse(b.GuestToken)
	assert.NoError(t, err, "guest token is generated locally")
	assert.NotEmpty(t, b.PMSBookingID)

	remote := f.pms.Bookings()
	require.Len(t, remote, 1)
	assert.Equal(t, b.PMSBookingID, remote[0].PMSBookingID)
	assert.Equal(t, 6, remote[0].Payload.Nights)

	// AND: completing again is refused and books nothing
	_, err = f.svc.CompleteRequest(ctx, r.ID)
	assert.ErrorIs(t, err, timeshare.ErrInvalidState)
	assert.Len(t, f.pms.Bookings(), 1)
}

func TestCreateRequest_Validation(t *testing.T) {
	f := newFixture(t)
	f.pms.MarkUnavailable("hotel-full", "sold out")
	storetest.SeedCredit(t, f.store, timeshare.NightCredit{
		ID: "c-old", OwnerID: "alice", TotalNights: 6, ExpiryDate: timeshare.Date(2026, 1, 1),
	})

	base := credits.CreateRequestInput{
		OwnerID: "alice", CreditID: "c-1", PropertyID: "hotel-1", RoomType: "deluxe",
		CheckIn: day(2, 1), CheckOut: day(2, 4), NightsRequested: 3,
	}
	tests := []struct {
		name   string
		mutate func(*credits.CreateRequestInput)
		want   error
	}{
		{"checkout before checkin", func(in *credits.CreateRequestInput) { in.CheckOut = day(1, 30) }, timeshare.ErrInvalidInput},
		{"nights do not add up", func(in *credits.CreateRequestInput) { in.NightsRequested = 2 }, timeshare.ErrInvalidInput},
		{"missing room type", func(in *credits.CreateRequestInput) { in.RoomType = "" }, timeshare.ErrInvalidInput},
		{"peak period", func(in *credits.CreateRequestInput) { in.CheckIn, in.CheckOut = day(6, 29), day(7, 2) }, timeshare.ErrPeakRestricted},
		{"not the owner", func(in *credits.CreateRequestInput) { in.OwnerID = "bob" }, timeshare.ErrNotFound},
		{"more than the balance", func(in *credits.CreateRequestInput) {
			in.CheckOut = day(2, 9)
			in.NightsRequested = 8
		}, timeshare.ErrInsufficientBalance},
		{"expired credit", func(in *credits.CreateRequestInput) { in.CreditID = "c-old" }, timeshare.ErrInvalidState},
		{"pms has no room", func(in *credits.CreateRequestInput) { in.PropertyID = "hotel-full" }, timeshare.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.mutate(&in)
			_, err := f.svc.CreateRequest(context.Background(), in)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	reqs, err := f.svc.ListRequests(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestCreateRequest_OnePendingPerCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.request(t, day(2, 1), day(2, 3), 2, 0)

	_, err := f.svc.CreateRequest(ctx, credits.CreateRequestInput{
		OwnerID: "alice", CreditID: "c-1", PropertyID: "hotel-1", RoomType: "deluxe",
		CheckIn: day(3, 1), CheckOut: day(3, 3), NightsRequested: 2,
	})
	assert.ErrorIs(t, err, timeshare.ErrConflict)

	// Cancelling the first frees the credit for a new request.
	cancelled, err := f.svc.CancelRequest(ctx, first.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, timeshare.CreditRequestExpired, cancelled.Status)

	f.request(t, day(3, 1), day(3, 3), 2, 0)
}

func TestApproveRequest_Rules(t *testing.T) {
	t.Run("non-staff is forbidden", func(t *testing.T) {
		f := newFixture(t)
		r := f.request(t, day(2, 1), day(2, 3), 2, 0)

		_, err := f.svc.ApproveRequest(context.Background(), r.ID, "mallory", "")

		assert.ErrorIs(t, err, timeshare.ErrForbidden)
		stored, err := f.store.GetNightCreditRequest(context.Background(), r.ID)
		require.NoError(t, err)
		assert.Equal(t, timeshare.CreditRequestPending, stored.Status)
	})

	t.Run("conflicting booking blocks approval", func(t *testing.T) {
		f := newFixture(t)
		r := f.request(t, day(2, 1), day(2, 3), 2, 0)
		storetest.SeedBooking(t, f.store, timeshare.Booking{
			ID: "b-other", UserID: "carol", PropertyID: "hotel-1", AccommodationType: "deluxe",
			CheckIn: day(2, 2), CheckOut: day(2, 5),
		})

		_, err := f.svc.ApproveRequest(context.Background(), r.ID, "staff-1", "")

		var conflict *timeshare.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, 1, conflict.Conflicts.Bookings)
		assert.Empty(t, f.pms.Bookings())
	})

	t.Run("rejected request cannot be approved", func(t *testing.T) {
		f := newFixture(t)
		r := f.request(t, day(2, 1), day(2, 3), 2, 0)
		rejected, err := f.svc.RejectRequest(context.Background(), r.ID, "staff-1", "no rooms that week")
		require.NoError(t, err)
		assert.Equal(t, timeshare.CreditRequestRejected, rejected.Status)
		assert.Equal(t, "no rooms that week", rejected.StaffNotes)

		_, err = f.svc.ApproveRequest(context.Background(), r.ID, "staff-1", "")
		assert.ErrorIs(t, err, timeshare.ErrInvalidState)
	})
}

func TestApproveRequest_ConcurrentOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	storetest.SeedStaff(t, f.store, "hotel-1", "staff-2")
	r := f.request(t, day(2, 1), day(2, 3), 2, 0)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, staff := range []string{"staff-1", "staff-2"} {
		wg.Add(1)
		go func(i int, staff string) {
			defer wg.Done()
			_, errs[i] = f.svc.ApproveRequest(context.Background(), r.ID, staff, "")
		}(i, staff)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, timeshare.ErrInvalidState)
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, f.pms.Bookings(), 1)
	assert.Equal(t, 4, f.credit(t, "c-1").RemainingNights)
}

func TestRequestFlow_ExtraNightsNeedPayment(t *testing.T) {
	// GIVEN: 6 credit nights plus 2 paid nights
	f := newFixture(t)
	ctx := context.Background()
	r := f.request(t, day(2, 1), day(2, 9), 6, 2)
	assert.Equal(t, timeshare.PaymentPending, r.PaymentStatus)
	assert.True(t, r.AdditionalPrice.Amount.Equal(decimal.NewFromInt(200)))

	// WHEN: staff approve before payment
	approved, err := f.svc.ApproveRequest(ctx, r.ID, "staff-1", "")

	// THEN: the request waits for payment
	require.NoError(t, err)
	assert.Equal(t, timeshare.CreditRequestApproved, approved.Status)
	assert.Empty(t, f.pms.Bookings())

	_, err = f.svc.CompleteRequest(ctx, r.ID)
	assert.ErrorIs(t, err, timeshare.ErrInvalidState)

	// WHEN: the owner pays
	intent, err := f.svc.CreatePaymentIntent(ctx, r.ID, "alice")
	require.NoError(t, err)
	assert.True(t, intent.Amount.Amount.Equal(decimal.NewFromInt(200)))

	done, err := f.svc.PayRequest(ctx, r.ID, "alice", intent.ID)

	// THEN: the booking covers all 8 nights and only 6 credit nights are spent
	require.NoError(t, err)
	assert.Equal(t, timeshare.CreditRequestCompleted, done.Status)
	assert.Equal(t, timeshare.PaymentPaid, done.PaymentStatus)
	remote := f.pms.Bookings()
	require.Len(t, remote, 1)
	assert.Equal(t, 8, remote[0].Payload.Nights)
	assert.Equal(t, 0, f.credit(t, "c-1").RemainingNights)
}

func TestPayRequest_DeclinedLeavesRequestPayable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.request(t, day(2, 1), day(2, 9), 6, 2)
	intent, err := f.svc.CreatePaymentIntent(ctx, r.ID, "alice")
	require.NoError(t, err)
	f.gateway.Decline(intent.ID)

	_, err = f.svc.PayRequest(ctx, r.ID, "alice", intent.ID)

	assert.ErrorIs(t, err, timeshare.ErrExternalFailure)
	stored, err := f.store.GetNightCreditRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, timeshare.PaymentPending, stored.PaymentStatus)

	_, err = f.svc.PayRequest(ctx, r.ID, "alice", "pi_someone_else")
	assert.ErrorIs(t, err, timeshare.ErrInvalidInput)
}

// underpayingGateway reports every settled intent as paying a fixed amount.
type underpayingGateway struct {
	*payment.Sandbox
	paid timeshare.Money
}

func (g underpayingGateway) ConfirmPayment(ctx context.Context, intentID string) (payment.Confirmation, error) {
	conf, err := g.Sandbox.ConfirmPayment(ctx, intentID)
	conf.Amount = g.paid
	return conf, err
}

func TestPayRequest_OnlyItsOwnIntentForTheFullPrice(t *testing.T) {
	// GIVEN: An approved request owing $200 for 2 extra nights
	f := newFixture(t)
	ctx := context.Background()
	r := f.request(t, day(2, 1), day(2, 9), 6, 2)
	_, err := f.svc.ApproveRequest(ctx, r.ID, "staff-1", "")
	require.NoError(t, err)
	cheap, err := f.gateway.CreatePaymentIntent(ctx, timeshare.NewMoney(decimal.NewFromInt(1), "USD"), nil)
	require.NoError(t, err)

	// WHEN: The owner pays with an intent the request never opened
	_, err = f.svc.PayRequest(ctx, r.ID, "alice", cheap.ID)

	// THEN: Refused before the gateway is asked
	assert.ErrorIs(t, err, timeshare.ErrInvalidState)
	assert.Zero(t, f.gateway.Confirmations())

	// WHEN: The request's own intent settles for less than owed
	svc := credits.NewService(f.store, nil, f.pms,
		underpayingGateway{Sandbox: f.gateway, paid: timeshare.NewMoney(decimal.NewFromInt(1), "USD")},
		credits.FlatRatePricer{Rate: timeshare.NewMoney(decimal.NewFromInt(100), "USD")},
		credits.Config{Currency: "USD"}, nil)
	svc.Now = func() time.Time { return clock }
	intent, err := svc.CreatePaymentIntent(ctx, r.ID, "alice")
	require.NoError(t, err)
	_, err = svc.PayRequest(ctx, r.ID, "alice", intent.ID)

	// THEN: ExternalFailure; still unpaid, no booking, no nights spent
	assert.ErrorIs(t, err, timeshare.ErrExternalFailure)
	assert.ErrorIs(t, err, payment.ErrAmountMismatch)
	stored, err := f.store.GetNightCreditRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, timeshare.PaymentPending, stored.PaymentStatus)
	assert.Equal(t, timeshare.CreditRequestApproved, stored.Status)
	assert.Empty(t, f.pms.Bookings())
	assert.Equal(t, 6, f.credit(t, "c-1").RemainingNights)
}

func TestCreateRequest_ExtraNightsWithoutPrice(t *testing.T) {
	f := newFixture(t)
	svc := credits.NewService(f.store, nil, f.pms, f.gateway,
		credits.FlatRatePricer{Rate: timeshare.NewMoney(decimal.Zero, "USD")},
		credits.Config{Currency: "USD"}, nil)
	svc.Now = func() time.Time { return clock }

	_, err := svc.CreateRequest(context.Background(), credits.CreateRequestInput{
		OwnerID: "alice", CreditID: "c-1", PropertyID: "hotel-1", RoomType: "deluxe",
		CheckIn: day(2, 1), CheckOut: day(2, 9), NightsRequested: 6, AdditionalNights: 2,
	})

	assert.ErrorIs(t, err, timeshare.ErrInvalidInput)
	pending, err := f.store.ListNightCreditRequests(context.Background(), timeshare.CreditRequestFilter{CreditID: "c-1"})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRequest_IllegalTransitionsLeaveStateUnchanged(t *testing.T) {
	ctx := context.Background()

	// Each state is reached on a fresh fixture.
	states := map[string]func(t *testing.T, f *fixture) string{
		"pending": func(t *testing.T, f *fixture) string {
			return f.request(t, day(2, 1), day(2, 3), 2, 0).ID
		},
		"approved": func(t *testing.T, f *fixture) string {
			r := f.request(t, day(2, 1), day(2, 9), 6, 2)
			_, err := f.svc.ApproveRequest(ctx, r.ID, "staff-1", "")
			require.NoError(t, err)
			return r.ID
		},
		"completed": func(t *testing.T, f *fixture) string {
			r := f.request(t, day(2, 1), day(2, 3), 2, 0)
			_, err := f.svc.ApproveRequest(ctx, r.ID, "staff-1", "")
			require.NoError(t, err)
			return r.ID
		},
		"rejected": func(t *testing.T, f *fixture) string {
			r := f.request(t, day(2, 1), day(2, 3), 2, 0)
			_, err := f.svc.RejectRequest(ctx, r.ID, "staff-1", "")
			require.NoError(t, err)
			return r.ID
		},
		"expired": func(t *testing.T, f *fixture) string {
			r := f.request(t, day(2, 1), day(2, 3), 2, 0)
			_, err := f.svc.CancelRequest(ctx, r.ID, "alice")
			require.NoError(t, err)
			return r.ID
		},
	}

	actions := map[string]func(f *fixture, id string) error{
		"cancel": func(f *fixture, id string) error {
			_, err := f.svc.CancelRequest(ctx, id, "alice")
			return err
		},
		"reject": func(f *fixture, id string) error {
			_, err := f.svc.RejectRequest(ctx, id, "staff-1", "")
			return err
		},
		"approve": func(f *fixture, id string) error {
			_, err := f.svc.ApproveRequest(ctx, id, "staff-1", "")
			return err
		},
		"complete": func(f *fixture, id string) error {
			_, err := f.svc.CompleteRequest(ctx, id)
			return err
		},
	}

	tests := []struct {
		state  string
		action string
	}{
		{"pending", "complete"},
		{"approved", "cancel"},
		{"approved", "reject"},
		{"approved", "approve"},
		{"completed", "cancel"},
		{"completed", "reject"},
		{"completed", "approve"},
		{"completed", "complete"},
		{"rejected", "cancel"},
		{"rejected", "reject"},
		{"rejected", "approve"},
		{"rejected", "complete"},
		{"expired", "cancel"},
		{"expired", "reject"},
		{"expired", "approve"},
		{"expired", "complete"},
	}

	for _, tt := range tests {
		t.Run(tt.action+" "+tt.state, func(t *testing.T) {
			f := newFixture(t)
			id := states[tt.state](t, f)
			before, err := f.store.GetNightCreditRequest(ctx, id)
			require.NoError(t, err)
			require.Equal(t, tt.state, string(before.Status))
			nights := f.credit(t, "c-1").RemainingNights

			err = actions[tt.action](f, id)

			assert.ErrorIs(t, err, timeshare.ErrInvalidState)
			after, err := f.store.GetNightCreditRequest(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, before, after)
			assert.Equal(t, nights, f.credit(t, "c-1").RemainingNights)
		})
	}
}

func TestCompleteRequest_PMSFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.request(t, day(2, 1), day(2, 9), 6, 2)
	_, err := f.svc.ApproveRequest(ctx, r.ID, "staff-1", "")
	require.NoError(t, err)
	intent, err := f.svc.CreatePaymentIntent(ctx, r.ID, "alice")
	require.NoError(t, err)
	f.pms.FailNext(nil)

	_, err = f.svc.PayRequest(ctx, r.ID, "alice", intent.ID)

	assert.ErrorIs(t, err, timeshare.ErrExternalFailure)
	stored, err := f.store.GetNightCreditRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, timeshare.CreditRequestApproved, stored.Status)
	assert.Equal(t, timeshare.PaymentPaid, stored.PaymentStatus, "payment commits before completion")
	assert.Equal(t, 6, f.credit(t, "c-1").RemainingNights)

	// Retrying completion succeeds once the PMS is back.
	done, err := f.svc.CompleteRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, timeshare.CreditRequestCompleted, done.Status)
}

func TestGetRequest_Visibility(t *testing.T) {
	f := newFixture(t)
	r := f.request(t, day(2, 1), day(2, 3), 2, 0)

	for _, actor := range []string{"alice", "staff-1"} {
		_, err := f.svc.GetRequest(context.Background(), r.ID, actor)
		assert.NoError(t, err, actor)
	}
	_, err := f.svc.GetRequest(context.Background(), r.ID, "bob")
	assert.ErrorIs(t, err, timeshare.ErrNotFound)
}

// =============================================================================
// DIRECT REDEMPTION
// =============================================================================

func TestUseCredits_SpendsAndRecordsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b1, replayed, err := f.svc.UseCredits(ctx, useInput("k1", day(2, 1), day(2, 3)))
	require.NoError(t, err)
	assert.False(t, replayed)
	_, _, err = f.svc.UseCredits(ctx, useInput("k2", day(3, 1), day(3, 4)))
	require.NoError(t, err)

	c := f.credit(t, "c-1")
	assert.Equal(t, 1, c.RemainingNights)
	assert.Equal(t, c.RemainingNights, storetest.LedgerSum(t, f.store, "c-1"))

	history, err := f.svc.History(ctx, "c-1", "alice")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, timeshare.EntryRedemption, history[1].Type)
	assert.Equal(t, -2, history[1].Delta)
	assert.Equal(t, b1.ID, history[1].ReferenceID)

	_, err = f.svc.History(ctx, "c-1", "bob")
	assert.ErrorIs(t, err, timeshare.ErrNotFound)
}

func TestUseCredits_SameKeyReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, replayed, err := f.svc.UseCredits(ctx, useInput("retry-me", day(2, 1), day(2, 3)))
	require.NoError(t, err)
	require.False(t, replayed)

	second, replayed, err := f.svc.UseCredits(ctx, useInput("retry-me", day(2, 1), day(2, 3)))

	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.pms.Bookings(), 1)
	assert.Equal(t, 4, f.credit(t, "c-1").RemainingNights)
}

func TestUseCredits_ConcurrentSameKeyBooksOnce(t *testing.T) {
	f := newFixture(t)
	const workers = 8

	var wg sync.WaitGroup
	ids := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, _, err := f.svc.UseCredits(context.Background(), useInput("same", day(2, 1), day(2, 3)))
			errs[i] = err
			if b != nil {
				ids[i] = b.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Len(t, f.pms.Bookings(), 1)
	assert.Equal(t, 4, f.credit(t, "c-1").RemainingNights)
	assert.Equal(t, 4, storetest.LedgerSum(t, f.store, "c-1"))
}

func TestUseCredits_Refused(t *testing.T) {
	tests := []struct {
		name    string
		in      credits.UseCreditsInput
		want    error
		pmsCall bool
	}{
		{"peak period", useInput("k", day(7, 10), day(7, 12)), timeshare.ErrPeakRestricted, false},
		{"more nights than remain", useInput("k", day(2, 1), day(2, 9)), timeshare.ErrInsufficientBalance, false},
		{"someone else's credit", func() credits.UseCreditsInput {
			in := useInput("k", day(2, 1), day(2, 3))
			in.OwnerID = "bob"
			return in
		}(), timeshare.ErrNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, _, err := f.svc.UseCredits(context.Background(), tt.in)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, f.pms.Bookings())
			assert.Equal(t, 6, f.credit(t, "c-1").RemainingNights)
		})
	}
}

func TestUseCredits_PMSFailuresLeaveNoTrace(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		f := newFixture(t)
		f.pms.FailNext(nil)

		_, _, err := f.svc.UseCredits(context.Background(), useInput("k", day(2, 1), day(2, 3)))

		assert.ErrorIs(t, err, timeshare.ErrExternalFailure)
		assert.ErrorIs(t, err, pms.ErrSandboxUnavailable)
		assert.Equal(t, 6, f.credit(t, "c-1").RemainingNights)
		_, err = f.store.GetBookingByIdempotencyKey(context.Background(), credits.UseCreditsKey("c-1", "k"))
		assert.ErrorIs(t, err, timeshare.ErrNotFound)
	})

	t.Run("not confirmed", func(t *testing.T) {
		f := newFixture(t)
		f.pms.SetStatus(pms.StatusPending)

		_, _, err := f.svc.UseCredits(context.Background(), useInput("k", day(2, 1), day(2, 3)))

		assert.ErrorIs(t, err, timeshare.ErrExternalFailure)
		assert.Equal(t, 6, f.credit(t, "c-1").RemainingNights)
		remote := f.pms.Bookings()
		require.Len(t, remote, 1)
		assert.True(t, remote[0].Cancelled)
	})

	t.Run("timeout sends compensating cancel", func(t *testing.T) {
		s := memory.New()
		storetest.SeedCredit(t, s, timeshare.NightCredit{ID: "c-1", OwnerID: "alice", TotalNights: 6, ExpiryDate: timeshare.Date(2027, 12, 31)})
		f := newFixtureOn(t, s, s)
		f.svc = credits.NewService(s, nil, f.pms, f.gateway, credits.FlatRatePricer{},
			credits.Config{PMSTimeout: 20 * time.Millisecond}, nil)
		f.svc.Now = func() time.Time { return clock }
		f.pms.SetDelay(time.Second)

		_, _, err := f.svc.UseCredits(context.Background(), useInput("slow", day(2, 1), day(2, 3)))

		assert.ErrorIs(t, err, timeshare.ErrExternalFailure)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		cancels := f.pms.Cancels()
		require.Len(t, cancels, 1)
		assert.Equal(t, credits.UseCreditsKey("c-1", "slow"), cancels[0].IdempotencyKey)
		assert.Equal(t, 6, f.credit(t, "c-1").RemainingNights)
	})
}

func TestUseCredits_LocalFailureAfterPMSLogsOrphan(t *testing.T) {
	s := memory.New()
	storetest.SeedCredit(t, s, timeshare.NightCredit{ID: "c-1", OwnerID: "alice", TotalNights: 6, ExpiryDate: timeshare.Date(2027, 12, 31)})
	f := newFixtureOn(t, s, failingStore{s})

	_, _, err := f.svc.UseCredits(context.Background(), useInput("k", day(2, 1), day(2, 3)))

	require.Error(t, err)
	assert.Equal(t, 6, f.credit(t, "c-1").RemainingNights)
	orphans := f.logs.FilterMessageSnippet("orphaned").All()
	require.Len(t, orphans, 1)
	assert.Equal(t, zapcore.ErrorLevel, orphans[0].Level)
	assert.Equal(t, f.pms.Bookings()[0].PMSBookingID, orphans[0].ContextMap()["pms_booking_id"])
}
