package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/timeshare-engine/timeshare"
)

// resolved is a SwapSource looked up in the store.
type resolved struct {
	slot              timeshare.SwapSlot
	accommodationType string
	status            string
	swappable         bool // week available, or booking confirmed
}

// resolveSource dispatches on the source kind. It never parses ids.
func resolveSource(ctx context.Context, r timeshare.Reader, src timeshare.SwapSource) (resolved, error) {
	switch src.Kind {
	case timeshare.SourceWeek:
		w, err := r.GetWeek(ctx, src.ID)
		if err != nil {
			return resolved{}, err
		}
		return resolved{
			slot: timeshare.SwapSlot{
				Source: src, OwnerID: w.OwnerID, PropertyID: w.PropertyID, Start: w.Start, End: w.End,
			},
			accommodationType: w.AccommodationType,
			status:            string(w.Status),
			swappable:         w.Status == timeshare.WeekAvailable,
		}, nil

	case timeshare.SourceBooking:
		b, err := r.GetBooking(ctx, src.ID)
		if err != nil {
			return resolved{}, err
		}
		return resolved{
			slot: timeshare.SwapSlot{
				Source: src, OwnerID: b.UserID, PropertyID: b.PropertyID, Start: b.CheckIn, End: b.CheckOut,
			},
			accommodationType: b.AccommodationType,
			status:            string(b.Status),
			swappable:         b.Status == timeshare.BookingConfirmed,
		}, nil
	}
	return resolved{}, timeshare.InvalidInputf("unknown swap source kind %q", src.Kind)
}

// transferSource hands the slot to newOwner. The row is locked and must
// still belong to the slot's recorded owner.
func transferSource(ctx context.Context, tx timeshare.Tx, slot timeshare.SwapSlot, newOwner string, now time.Time) error {
	switch slot.Source.Kind {
	case timeshare.SourceWeek:
		w, err := tx.LockWeek(ctx, slot.Source.ID)
		if err != nil {
			return err
		}
		if w.OwnerID != slot.OwnerID {
			return ownershipChanged(slot)
		}
		if err := w.SetStatus(timeshare.WeekConfirmed, "transfer"); err != nil {
			return err
		}
		w.OwnerID = newOwner
		w.UpdatedAt = now
		return tx.UpdateWeek(ctx, w)

	case timeshare.SourceBooking:
		b, err := tx.LockBooking(ctx, slot.Source.ID)
		if err != nil {
			return err
		}
		if b.UserID != slot.OwnerID {
			return ownershipChanged(slot)
		}
		if b.Status != timeshare.BookingConfirmed {
			return &timeshare.InvalidStateError{Entity: "booking", ID: b.ID, Current: string(b.Status), Attempted: "transfer"}
		}
		b.UserID = newOwner
		b.UpdatedAt = now
		return tx.UpdateBooking(ctx, b)
	}
	return timeshare.InvalidInputf("unknown swap source kind %q", slot.Source.Kind)
}

func ownershipChanged(slot timeshare.SwapSlot) error {
	return &timeshare.ConflictError{
		PropertyID: slot.PropertyID,
		Range:      slot.Range(),
		Reason:     fmt.Sprintf("%s changed owner since the swap was created", slot.Source),
	}
}
