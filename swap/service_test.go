package swap_test

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
	"github.com/warp/timeshare-engine/availability"
	"github.com/warp/timeshare-engine/payment"
	"github.com/warp/timeshare-engine/store/memory"
	"github.com/warp/timeshare-engine/store/storetest"
	"github.com/warp/timeshare-engine/swap"
	"github.com/warp/timeshare-engine/timeshare"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var clock = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func day(m time.Month, d int) time.Time { return timeshare.Date(2026, m, d) }

type fixture struct {
	store   *memory.Store
	gateway *payment.Sandbox
	svc     *swap.Service
}

// newFixture seeds Alice's week at p1 (March) and Bob's week at p2 (April),
// both 2br, with staff-1 working at p1.
func newFixture(t *testing.T, fee int64) *fixture {
	t.Helper()
	s := memory.New()
	storetest.SeedStaff(t, s, "p1", "staff-1")
	storetest.SeedWeek(t, s, timeshare.Week{ID: "w-a", OwnerID: "alice", PropertyID: "p1", AccommodationType: "2br", Start: day(3, 1), End: day(3, 8)})
	storetest.SeedWeek(t, s, timeshare.Week{ID: "w-b", OwnerID: "bob", PropertyID: "p2", AccommodationType: "2br", Start: day(4, 1), End: day(4, 8)})
	return newFixtureOn(t, s, s, fee)
}

func newFixtureOn(t *testing.T, mem *memory.Store, store timeshare.Store, fee int64) *fixture {
	t.Helper()
	ranges, err := availability.ParsePeakRanges("07-01:07-31")
	require.NoError(t, err)

	gw := payment.NewSandbox()
	svc := swap.NewService(store, availability.NewPeakCalendar(ranges...), gw, swap.Config{
		SwapFee: timeshare.NewMoney(decimal.NewFromInt(fee), "USD"),
	}, nil)
	svc.Now = func() time.Time { return clock }
	n := 0
	svc.NewID = func() string { n++; return fmt.Sprintf("swap-%d", n) }
	return &fixture{store: mem, gateway: gw, svc: svc}
}

func bobsWeek() *timeshare.SwapSource {
	src := timeshare.WeekSource("w-b")
	return &src
}

// readyToPay drives a matched swap through approval and acceptance.
func (f *fixture) readyToPay(t *testing.T) *timeshare.SwapRequest {
	t.Helper()
	ctx := context.Background()
	sw, err := f.svc.Create(ctx, swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: bobsWeek()})
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, sw.ID, "staff-1")
	require.NoError(t, err)
	sw, err = f.svc.Accept(ctx, sw.ID, "bob")
	require.NoError(t, err)
	return sw
}

func (f *fixture) owner(t *testing.T, weekID string) string {
	t.Helper()
	w, err := f.store.GetWeek(context.Background(), weekID)
	require.NoError(t, err)
	return w.OwnerID
}

// failingStore fails UpdateWeek for one week id, inside the transaction.
type failingStore struct {
	timeshare.Store
	failWeekID string
}

func (f *failingStore) WithTx(ctx context.Context, fn func(timeshare.Tx) error) error {
	return f.Store.WithTx(ctx, func(tx timeshare.Tx) error {
		return fn(&failingTx{Tx: tx, failWeekID: f.failWeekID})
	})
}

type failingTx struct {
	timeshare.Tx
	failWeekID string
}

func (f *failingTx) UpdateWeek(ctx context.Context, w *timeshare.Week) error {
	if w.ID == f.failWeekID {
		return errors.New("disk full")
	}
	return f.Tx.UpdateWeek(ctx, w)
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_WithoutResponder_Pending(t *testing.T) {
	f := newFixture(t, 50)

	sw, err := f.svc.Create(context.Background(), swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a")})

	require.NoError(t, err)
	assert.Equal(t, timeshare.SwapPending, sw.Status)
	assert.Equal(t, timeshare.StaffPendingReview, sw.StaffApproval)
	assert.Equal(t, timeshare.PaymentPending, sw.PaymentStatus)
	assert.Equal(t, "2br", sw.AccommodationType)
	assert.Equal(t, "p1", sw.Requester.PropertyID)
	assert.Nil(t, sw.Responder)
	assert.True(t, sw.SwapFee.Amount.Equal(decimal.NewFromInt(50)))

	stored, err := f.store.GetSwapRequest(context.Background(), sw.ID)
	require.NoError(t, err)
	assert.Equal(t, sw.Requester, stored.Requester)
}

func TestCreate_WithResponder_Matched(t *testing.T) {
	f := newFixture(t, 50)

	sw, err := f.svc.Create(context.Background(), swap.CreateInput{
		RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: bobsWeek(), ResponderID: "bob",
	})

	require.NoError(t, err)
	assert.Equal(t, timeshare.SwapMatched, sw.Status)
	assert.Equal(t, "bob", sw.ResponderID)
	require.NotNil(t, sw.Responder)
	assert.Equal(t, timeshare.WeekSource("w-b"), sw.Responder.Source)
}

func TestCreate_NoActiveStaff_NothingPersisted(t *testing.T) {
	// GIVEN: Carol's week at a property with no staff
	// WHEN: Carol creates a swap
	// THEN: NoActiveStaff and no swap row exists

	f := newFixture(t, 50)
	storetest.SeedWeek(t, f.store, timeshare.Week{ID: "w-c", OwnerID: "carol", PropertyID: "p9", AccommodationType: "2br", Start: day(5, 1), End: day(5, 8)})

	_, err := f.svc.Create(context.Background(), swap.CreateInput{RequesterID: "carol", Source: timeshare.WeekSource("w-c")})

	assert.ErrorIs(t, err, timeshare.ErrNoActiveStaff)
	all, err := f.store.ListSwapRequests(context.Background(), timeshare.SwapFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreate_ValidationFailures(t *testing.T) {
	f := newFixture(t, 50)
	storetest.SeedWeek(t, f.store, timeshare.Week{ID: "w-peak", OwnerID: "dave", PropertyID: "p3", AccommodationType: "2br", Start: day(7, 10), End: day(7, 17)})
	storetest.SeedWeek(t, f.store, timeshare.Week{ID: "w-studio", OwnerID: "dave", PropertyID: "p4", AccommodationType: "studio", Start: day(5, 1), End: day(5, 8)})
	storetest.SeedWeek(t, f.store, timeshare.Week{ID: "w-busy", OwnerID: "erin", PropertyID: "p5", AccommodationType: "2br", Start: day(5, 1), End: day(5, 8)})
	storetest.SeedBooking(t, f.store, timeshare.Booking{ID: "b-busy", UserID: "zed", PropertyID: "p5", CheckIn: day(5, 2), CheckOut: day(5, 4)})
	conv := timeshare.Week{ID: "w-conv", OwnerID: "alice", PropertyID: "p1", AccommodationType: "2br", Start: day(9, 1), End: day(9, 8), Status: timeshare.WeekConverted}
	storetest.SeedWeek(t, f.store, conv)

	src := func(id string) *timeshare.SwapSource { s := timeshare.WeekSource(id); return &s }

	tests := []struct {
		name  string
		input swap.CreateInput
		want  error
	}{
		{"source not owned", swap.CreateInput{RequesterID: "mallory", Source: timeshare.WeekSource("w-a")}, timeshare.ErrNotFound},
		{"source missing", swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("nope")}, timeshare.ErrNotFound},
		{"source converted", swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-conv")}, timeshare.ErrInvalidState},
		{"responder in peak", swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: src("w-peak")}, timeshare.ErrPeakRestricted},
		{"responder type mismatch", swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: src("w-studio")}, timeshare.ErrInvalidInput},
		{"responder is requester", swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: src("w-a")}, timeshare.ErrInvalidInput},
		{"responder conflicted", swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: src("w-busy")}, timeshare.ErrConflict},
		{"responder id mismatch", swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: bobsWeek(), ResponderID: "carol"}, timeshare.ErrInvalidInput},
		{"bad source kind", swap.CreateInput{RequesterID: "alice", Source: timeshare.SwapSource{Kind: "villa", ID: "x"}}, timeshare.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tt.input)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	all, err := f.store.ListSwapRequests(context.Background(), timeshare.SwapFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "failed creates persist nothing")
}

func TestCreate_SourceAlreadyInFlight_Conflict(t *testing.T) {
	// GIVEN: Alice's week is already offered in an open swap
	// WHEN: She opens a second swap on the same week
	// THEN: Conflict, and only the first swap exists; once it is cancelled the week is free again

	f := newFixture(t, 50)
	ctx := context.Background()
	storetest.SeedWeek(t, f.store, timeshare.Week{ID: "w-c", OwnerID: "carol", PropertyID: "p3", AccommodationType: "2br", Start: day(5, 1), End: day(5, 8)})
	first, err := f.svc.Create(ctx, swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: bobsWeek()})
	require.NoError(t, err)
	carols := timeshare.WeekSource("w-c")

	_, err = f.svc.Create(ctx, swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: &carols})

	assert.ErrorIs(t, err, timeshare.ErrConflict)
	all, err := f.store.ListSwapRequests(ctx, timeshare.SwapFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = f.svc.Cancel(ctx, first.ID, "alice")
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: &carols})
	assert.NoError(t, err)
}

func TestOfferResponder_PendingBecomesMatched(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	sw, err := f.svc.Create(ctx, swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a")})
	require.NoError(t, err)

	_, err = f.svc.OfferResponder(ctx, sw.ID, "carol", timeshare.WeekSource("w-b"))
	assert.ErrorIs(t, err, timeshare.ErrNotFound, "carol does not own w-b")

	sw, err = f.svc.OfferResponder(ctx, sw.ID, "bob", timeshare.WeekSource("w-b"))
	require.NoError(t, err)
	assert.Equal(t, timeshare.SwapMatched, sw.Status)
	assert.Equal(t, "bob", sw.ResponderID)

	_, err = f.svc.OfferResponder(ctx, sw.ID, "bob", timeshare.WeekSource("w-b"))
	assert.ErrorIs(t, err, timeshare.ErrInvalidState)
}

// =============================================================================
// ARBITRATION AND ACCEPTANCE
// =============================================================================

func TestApprove_StaffOnly_AndOnce(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	sw, err := f.svc.Create(ctx, swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: bobsWeek()})
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, sw.ID, "alice")
	assert.ErrorIs(t, err, timeshare.ErrForbidden)

	approved, err := f.svc.Approve(ctx, sw.ID, "staff-1")
	require.NoError(t, err)
	assert.Equal(t, timeshare.SwapAwaitingPayment, approved.Status)
	assert.Equal(t, timeshare.StaffApproved, approved.StaffApproval)
	assert.Equal(t, "staff-1", approved.ReviewedBy)

	_, err = f.svc.Approve(ctx, sw.ID, "staff-1")
	assert.ErrorIs(t, err, timeshare.ErrInvalidState)
}

func TestApprove_ResponderSlotNowConflicted(t *testing.T) {
	// GIVEN: A matched swap, then a booking lands on the responder's dates
	// WHEN: Staff approve
	// THEN: Conflict and the swap stays matched

	f := newFixture(t, 50)
	ctx := context.Background()
	sw, err := f.svc.Create(ctx, swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: bobsWeek()})
	require.NoError(t, err)
	storetest.SeedBooking(t, f.store, timeshare.Booking{ID: "b-late", UserID: "zed", PropertyID: "p2", CheckIn: day(4, 3), CheckOut: day(4, 5)})

	_, err = f.svc.Approve(ctx, sw.ID, "staff-1")

	assert.ErrorIs(t, err, timeshare.ErrConflict)
	stored, err := f.store.GetSwapRequest(ctx, sw.ID)
	require.NoError(t, err)
	assert.Equal(t, timeshare.SwapMatched, stored.Status)
}

func TestApprove_ConcurrentStaff_OneWins(t *testing.T) {
	f := newFixture(t, 50)
	storetest.SeedStaff(t, f.store, "p1", "staff-2")
	ctx := context.Background()
	sw, err := f.svc.Create(ctx, swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: bobsWeek()})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, staff := range []string{"staff-1", "staff-2"} {
		wg.Add(1)
		go func(i int, staff string) {
			defer wg.Done()
			_, errs[i] = f.svc.Approve(ctx, sw.ID, staff)
		}(i, staff)
	}
	wg.Wait()

	succeeded, invalid := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, timeshare.ErrInvalidState):
			invalid++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, invalid)
}

func TestReject_CancelsWithReason(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	sw, err := f.svc.Create(ctx, swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a")})
	require.NoError(t, err)

	sw, err = f.svc.Reject(ctx, sw.ID, "staff-1", "dates unavailable")

	require.NoError(t, err)
	assert.Equal(t, timeshare.SwapCancelled, sw.Status)
	assert.Equal(t, timeshare.StaffRejected, sw.StaffApproval)
	assert.Equal(t, "dates unavailable", sw.RejectionReason)
}

func TestAccept_OnlyResponderOwner(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	sw, err := f.svc.Create(ctx, swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: bobsWeek()})
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, sw.ID, "alice")
	assert.ErrorIs(t, err, timeshare.ErrForbidden)

	accepted, err := f.svc.Accept(ctx, sw.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, timeshare.SwapAwaitingPayment, accepted.Status)
	assert.Equal(t, timeshare.AcceptanceAccepted, accepted.ResponderAcceptance)

	_, err = f.svc.Accept(ctx, sw.ID, "bob")
	assert.ErrorIs(t, err, timeshare.ErrInvalidState, "double accept")

	// Staff can still arbitrate after the responder accepted first.
	approved, err := f.svc.Approve(ctx, sw.ID, "staff-1")
	require.NoError(t, err)
	assert.Equal(t, timeshare.StaffApproved, approved.StaffApproval)
}

func TestTerminalSwap_RejectsEveryTransition(t *testing.T) {
	// GIVEN: A swap the responder declined
	// WHEN: Any further transition is attempted
	// THEN: InvalidState, and the stored swap is unchanged

	f := newFixture(t, 50)
	ctx := context.Background()
	sw, err := f.svc.Create(ctx, swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: bobsWeek()})
	require.NoError(t, err)
	_, err = f.svc.Decline(ctx, sw.ID, "bob")
	require.NoError(t, err)
	before, err := f.store.GetSwapRequest(ctx, sw.ID)
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, sw.ID, "bob")
	assert.ErrorIs(t, err, timeshare.ErrInvalidState)
	_, err = f.svc.Approve(ctx, sw.ID, "staff-1")
	assert.ErrorIs(t, err, timeshare.ErrInvalidState)
	_, err = f.svc.Reject(ctx, sw.ID, "staff-1", "late")
	assert.ErrorIs(t, err, timeshare.ErrInvalidState)
	_, err = f.svc.Cancel(ctx, sw.ID, "alice")
	assert.ErrorIs(t, err, timeshare.ErrInvalidState)
	_, err = f.svc.ConfirmPayment(ctx, sw.ID, "alice", "pi_x")
	assert.ErrorIs(t, err, timeshare.ErrInvalidState)

	after, err := f.store.GetSwapRequest(ctx, sw.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCancel_RequesterOnly(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	sw, err := f.svc.Create(ctx, swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a")})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, sw.ID, "bob")
	assert.ErrorIs(t, err, timeshare.ErrForbidden)

	sw, err = f.svc.Cancel(ctx, sw.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, timeshare.SwapCancelled, sw.Status)
}

// =============================================================================
// PAYMENT AND COMPLETION
// =============================================================================

func TestFullFlow_WeeksChangeHands(t *testing.T) {
	// GIVEN: A matched swap approved by staff and accepted by Bob
	// WHEN: Alice pays the fee
	// THEN: The swap completes, owners are exchanged and both weeks are confirmed

	f := newFixture(t, 50)
	ctx := context.Background()
	sw := f.readyToPay(t)

	intent, err := f.svc.CreatePaymentIntent(ctx, sw.ID, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, intent.ClientSecret)

	done, err := f.svc.ConfirmPayment(ctx, sw.ID, "alice", intent.ID)
	require.NoError(t, err)

	assert.Equal(t, timeshare.SwapCompleted, done.Status)
	assert.Equal(t, timeshare.PaymentPaid, done.PaymentStatus)
	assert.Equal(t, intent.ID, done.PaymentIntentID)
	require.NotNil(t, done.PaidAt)
	assert.True(t, done.PaidAt.Equal(clock))

	assert.Equal(t, "bob", f.owner(t, "w-a"))
	assert.Equal(t, "alice", f.owner(t, "w-b"))
	for _, id := range []string{"w-a", "w-b"} {
		w, err := f.store.GetWeek(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, timeshare.WeekConfirmed, w.Status)
	}
}

func TestCreatePaymentIntent_RequiresApprovalAndAcceptance(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	sw, err := f.svc.Create(ctx, swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: bobsWeek()})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, sw.ID, "bob")
	require.NoError(t, err)

	_, err = f.svc.CreatePaymentIntent(ctx, sw.ID, "alice")
	assert.ErrorIs(t, err, timeshare.ErrInvalidState, "staff has not approved")

	_, err = f.svc.CreatePaymentIntent(ctx, sw.ID, "bob")
	assert.ErrorIs(t, err, timeshare.ErrForbidden)
}

func TestConfirmPayment_FailedWrite_NoPartialTransfer(t *testing.T) {
	// GIVEN: A swap ready to pay, and a store that fails writing Bob's week
	// WHEN: Alice confirms payment
	// THEN: The error surfaces, neither week changes owner, the swap is still awaiting payment

	mem := memory.New()
	storetest.SeedStaff(t, mem, "p1", "staff-1")
	storetest.SeedWeek(t, mem, timeshare.Week{ID: "w-a", OwnerID: "alice", PropertyID: "p1", AccommodationType: "2br", Start: day(3, 1), End: day(3, 8)})
	storetest.SeedWeek(t, mem, timeshare.Week{ID: "w-b", OwnerID: "bob", PropertyID: "p2", AccommodationType: "2br", Start: day(4, 1), End: day(4, 8)})
	f := newFixtureOn(t, mem, &failingStore{Store: mem, failWeekID: "w-b"}, 50)
	ctx := context.Background()
	sw := f.readyToPay(t)
	intent, err := f.svc.CreatePaymentIntent(ctx, sw.ID, "alice")
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, sw.ID, "alice", intent.ID)

	require.Error(t, err)
	assert.Equal(t, "alice", f.owner(t, "w-a"))
	assert.Equal(t, "bob", f.owner(t, "w-b"))
	stored, err := mem.GetSwapRequest(ctx, sw.ID)
	require.NoError(t, err)
	assert.Equal(t, timeshare.SwapAwaitingPayment, stored.Status)
	assert.Equal(t, timeshare.PaymentPending, stored.PaymentStatus)
}

func TestConfirmPayment_Declined_ExternalFailure(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	sw := f.readyToPay(t)
	intent, err := f.svc.CreatePaymentIntent(ctx, sw.ID, "alice")
	require.NoError(t, err)
	f.gateway.Decline(intent.ID)

	_, err = f.svc.ConfirmPayment(ctx, sw.ID, "alice", intent.ID)

	assert.ErrorIs(t, err, timeshare.ErrExternalFailure)
	assert.Equal(t, "alice", f.owner(t, "w-a"))
	stored, err := f.store.GetSwapRequest(ctx, sw.ID)
	require.NoError(t, err)
	assert.Equal(t, timeshare.SwapAwaitingPayment, stored.Status)
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

func TestConfirmPayment_IntentMustBeTheSwaps(t *testing.T) {
	// GIVEN: A swap ready to pay, and a $1 intent opened outside the swap
	// WHEN: Alice confirms with the foreign intent, before and after the swap has its own
	// THEN: Refused both times, nothing is charged and w-a stays with Alice

	f := newFixture(t, 50)
	ctx := context.Background()
	sw := f.readyToPay(t)
	cheap, err := f.gateway.CreatePaymentIntent(ctx, timeshare.NewMoney(decimal.NewFromInt(1), "USD"), nil)
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, sw.ID, "alice", cheap.ID)
	assert.ErrorIs(t, err, timeshare.ErrInvalidState, "no intent was opened for this swap")

	_, err = f.svc.CreatePaymentIntent(ctx, sw.ID, "alice")
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, sw.ID, "alice", cheap.ID)
	assert.ErrorIs(t, err, timeshare.ErrInvalidInput)

	assert.Zero(t, f.gateway.Confirmations())
	assert.Equal(t, "alice", f.owner(t, "w-a"))
	stored, err := f.store.GetSwapRequest(ctx, sw.ID)
	require.NoError(t, err)
	assert.Equal(t, timeshare.SwapAwaitingPayment, stored.Status)
	assert.Equal(t, timeshare.PaymentPending, stored.PaymentStatus)
}

func TestConfirmPayment_AmountMismatch_ExternalFailure(t *testing.T) {
	// GIVEN: A gateway that settles the swap's intent for $1 instead of $50
	// WHEN: Alice confirms payment
	// THEN: ExternalFailure, the swap is not paid and no week changes hands

	f := newFixture(t, 50)
	ctx := context.Background()
	sw := f.readyToPay(t)
	gw := underpayingGateway{Sandbox: f.gateway, paid: timeshare.NewMoney(decimal.NewFromInt(1), "USD")}
	svc := swap.NewService(f.store, nil, gw, swap.Config{SwapFee: timeshare.NewMoney(decimal.NewFromInt(50), "USD")}, nil)
	svc.Now = func() time.Time { return clock }
	intent, err := svc.CreatePaymentIntent(ctx, sw.ID, "alice")
	require.NoError(t, err)

	_, err = svc.ConfirmPayment(ctx, sw.ID, "alice", intent.ID)

	assert.ErrorIs(t, err, timeshare.ErrExternalFailure)
	assert.ErrorIs(t, err, payment.ErrAmountMismatch)
	assert.Equal(t, "alice", f.owner(t, "w-a"))
	assert.Equal(t, "bob", f.owner(t, "w-b"))
	stored, err := f.store.GetSwapRequest(ctx, sw.ID)
	require.NoError(t, err)
	assert.Equal(t, timeshare.PaymentPending, stored.PaymentStatus)
	assert.Equal(t, timeshare.SwapAwaitingPayment, stored.Status)
}

func TestConfirmPayment_ConflictAppearedBeforeCompletion(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	sw := f.readyToPay(t)
	intent, err := f.svc.CreatePaymentIntent(ctx, sw.ID, "alice")
	require.NoError(t, err)
	storetest.SeedBooking(t, f.store, timeshare.Booking{ID: "b-late", UserID: "zed", PropertyID: "p1", CheckIn: day(3, 2), CheckOut: day(3, 3)})

	_, err = f.svc.ConfirmPayment(ctx, sw.ID, "alice", intent.ID)

	assert.ErrorIs(t, err, timeshare.ErrConflict)
	assert.Zero(t, f.gateway.Confirmations(), "gateway is not charged when the conflict check fails")
	assert.Equal(t, "alice", f.owner(t, "w-a"))
}

func TestConfirmPayment_ZeroFee_NoGateway(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	sw := f.readyToPay(t)
	assert.Equal(t, timeshare.PaymentNotRequired, sw.PaymentStatus)

	_, err := f.svc.CreatePaymentIntent(ctx, sw.ID, "alice")
	assert.ErrorIs(t, err, timeshare.ErrInvalidState)

	done, err := f.svc.ConfirmPayment(ctx, sw.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, timeshare.SwapCompleted, done.Status)
	assert.Zero(t, f.gateway.Confirmations())
	assert.Equal(t, "bob", f.owner(t, "w-a"))
}

func TestConfirmPayment_BookingSource_TransfersGuest(t *testing.T) {
	// GIVEN: Alice offers her week, Bob answers with a confirmed booking
	// WHEN: The swap completes
	// THEN: The booking's guest becomes Alice and the week goes to Bob

	f := newFixture(t, 0)
	ctx := context.Background()
	storetest.SeedBooking(t, f.store, timeshare.Booking{ID: "b-bob", UserID: "bob", PropertyID: "p3", AccommodationType: "2br", CheckIn: day(5, 1), CheckOut: day(5, 8)})
	src := timeshare.BookingSource("b-bob")

	sw, err := f.svc.Create(ctx, swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: &src})
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, sw.ID, "staff-1")
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, sw.ID, "bob")
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, sw.ID, "alice", "")
	require.NoError(t, err)

	b, err := f.store.GetBooking(ctx, "b-bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", b.UserID)
	assert.Equal(t, "bob", f.owner(t, "w-a"))
}

// =============================================================================
// QUERIES
// =============================================================================

func TestGet_VisibleToPartiesAndStaffOnly(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	sw, err := f.svc.Create(ctx, swap.CreateInput{RequesterID: "alice", Source: timeshare.WeekSource("w-a"), Responder: bobsWeek()})
	require.NoError(t, err)

	for _, actor := range []string{"alice", "bob", "staff-1"} {
		_, err := f.svc.Get(ctx, sw.ID, actor)
		assert.NoError(t, err, actor)
	}
	_, err = f.svc.Get(ctx, sw.ID, "mallory")
	assert.ErrorIs(t, err, timeshare.ErrForbidden)

	mine, err := f.svc.ListForUser(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}
