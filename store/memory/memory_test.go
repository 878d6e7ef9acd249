package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/timeshare-engine/store/memory"
	"github.com/warp/timeshare-engine/store/storetest"
	"github.com/warp/timeshare-engine/timeshare"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) timeshare.Store { return memory.New() })
}

func TestMemory_PanicInsideTxRollsBack(t *testing.T) {
	// GIVEN: A stored week
	// WHEN: A transaction mutates it and then panics
	// THEN: The mutation is discarded and the store stays usable

	s := memory.New()
	ctx := context.Background()
	storetest.SeedWeek(t, s, timeshare.Week{ID: "w1", OwnerID: "alice", PropertyID: "p1",
		Start: timeshare.Date(2026, 3, 1), End: timeshare.Date(2026, 3, 8)})

	assert.Panics(t, func() {
		_ = s.WithTx(ctx, func(tx timeshare.Tx) error {
			w, _ := tx.LockWeek(ctx, "w1")
			w.OwnerID = "mallory"
			_ = tx.UpdateWeek(ctx, w)
			panic("boom")
		})
	})

	w, err := s.GetWeek(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "alice", w.OwnerID)
}

func TestMemory_ReturnedSwapIsACopy(t *testing.T) {
	// GIVEN: A swap with a responder slot
	// WHEN: The caller mutates the returned responder outside a transaction
	// THEN: The stored swap is unaffected

	s := memory.New()
	ctx := context.Background()
	storetest.Exec(t, s, func(tx timeshare.Tx) error {
		return tx.InsertSwapRequest(ctx, &timeshare.SwapRequest{
			ID: "s1", RequesterID: "alice", Status: timeshare.SwapMatched,
			Responder: &timeshare.SwapSlot{OwnerID: "bob", PropertyID: "p2"},
		})
	})

	got, err := s.GetSwapRequest(ctx, "s1")
	require.NoError(t, err)
	got.Responder.OwnerID = "mallory"

	again, err := s.GetSwapRequest(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "bob", again.Responder.OwnerID)
}

func TestMemory_CancelledContext(t *testing.T) {
	s := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.WithTx(ctx, func(timeshare.Tx) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
