package credits

import (
	"context"

	"github.com/warp/timeshare-engine/timeshare"
)

// Pricer quotes paid extra nights added on top of a credit redemption.
type Pricer interface {
	ExtraNightsPrice(ctx context.Context, propertyID, roomType string, nights int) (timeshare.Money, error)
}

// FlatRatePricer charges the same nightly rate everywhere.
type FlatRatePricer struct {
	Rate timeshare.Money
}

func (p FlatRatePricer) ExtraNightsPrice(_ context.Context, _, _ string, nights int) (timeshare.Money, error) {
	if nights < 0 {
		return timeshare.Money{}, timeshare.InvalidInputf("extra nights must not be negative, got %d", nights)
	}
	return p.Rate.Mul(int64(nights)), nil
}
