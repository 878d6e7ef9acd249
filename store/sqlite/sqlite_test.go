package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/timeshare-engine/store/sqlite"
	"github.com/warp/timeshare-engine/store/storetest"
	"github.com/warp/timeshare-engine/timeshare"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "timeshare.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) timeshare.Store { return newStore(t) })
}

func TestSQLite_InMemory(t *testing.T) {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer s.Close()

	storetest.SeedWeek(t, s, timeshare.Week{ID: "w1", OwnerID: "alice", PropertyID: "p1", AccommodationType: "2br",
		Start: timeshare.Date(2026, 3, 1), End: timeshare.Date(2026, 3, 8)})

	w, err := s.GetWeek(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, 7, w.Nights())
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	// GIVEN: A credit written to a database file
	path := filepath.Join(t.TempDir(), "timeshare.db")
	s, err := sqlite.New(path)
	require.NoError(t, err)
	storetest.SeedCredit(t, s, timeshare.NightCredit{ID: "c1", OwnerID: "alice", TotalNights: 7,
		ExpiryDate: timeshare.Date(2027, 12, 31)})
	require.NoError(t, s.Close())

	// WHEN: The file is opened again (migrate runs a second time)
	s, err = sqlite.New(path)
	require.NoError(t, err)
	defer s.Close()

	// THEN: The credit and its ledger are intact
	c, err := s.GetNightCredit(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 7, c.RemainingNights)
	assert.True(t, c.ExpiryDate.Equal(timeshare.Date(2027, 12, 31)))
	assert.Equal(t, 7, storetest.LedgerSum(t, s, "c1"))
}

func TestSQLite_UpdateMissingRowIsNotFound(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx timeshare.Tx) error {
		return tx.UpdateWeek(ctx, &timeshare.Week{ID: "ghost", Status: timeshare.WeekAvailable})
	})

	assert.ErrorIs(t, err, timeshare.ErrNotFound)
}

func TestSQLite_DuplicatePrimaryKeyIsNotAnIdempotencyHit(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	b := storetest.SeedBooking(t, s, timeshare.Booking{ID: "b1", UserID: "alice", PropertyID: "p1",
		CheckIn: timeshare.Date(2026, 3, 1), CheckOut: timeshare.Date(2026, 3, 4)})

	err := s.WithTx(ctx, func(tx timeshare.Tx) error { return tx.InsertBooking(ctx, &b) })

	require.Error(t, err)
	assert.NotErrorIs(t, err, timeshare.ErrDuplicateIdempotencyKey)
}
