/*
Package matching finds swap partners.

PURPOSE:
  Two discovery directions:
  - FindCompatibleWeeks:        "which weeks could I trade my week for?"
  - GetAvailableSwapsForUser:   "which open swap requests could I answer?"

ALGORITHM (FindCompatibleWeeks):
  1. Load the requester's week. Missing or owned by someone else: NotFound.
     Status other than available: InvalidState. Peak overlap: PeakRestricted.
     All three fail before any candidate is queried.
  2. Query available weeks of the same accommodation type owned by someone
     else, optionally at one property, earliest start first, capped at limit.
  3. Drop candidates overlapping the peak calendar.
  4. Keep candidates whose conflict check (excluding the candidate itself)
     reports available.

  Ties are broken by start date; the store adds id as a final tie-break so
  results are stable. No candidates is an empty list, never an error.

GetAvailableSwapsForUser is a coarse filter on (accommodation type, nights)
pairs. It ignores property and geography.
*/
package matching

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/timeshare-engine/availability"
	"github.com/warp/timeshare-engine/timeshare"
)

const DefaultLimit = 50

type Options struct {
	PropertyID string
	Limit      int // 0 = DefaultLimit
}

type Matcher struct {
	Store   timeshare.Reader
	Peaks   *availability.PeakCalendar
	Checker availability.Checker
	Limit   int
	Logger  *zap.Logger
}

func NewMatcher(store timeshare.Reader, peaks *availability.PeakCalendar, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{Store: store, Peaks: peaks, Limit: DefaultLimit, Logger: logger}
}

// FindCompatibleWeeks returns weeks the requester's week could be swapped for.
func (m *Matcher) FindCompatibleWeeks(ctx context.Context, requesterWeekID, requesterID string, opts Options) ([]timeshare.Week, error) {
	week, err := m.Store.GetWeek(ctx, requesterWeekID)
	if err != nil {
		return nil, err
	}
	if week.OwnerID != requesterID {
		return nil, timeshare.NotFound("week", requesterWeekID)
	}
	if week.Status != timeshare.WeekAvailable {
		return nil, &timeshare.InvalidStateError{
			Entity: "week", ID: week.ID, Current: string(week.Status), Attempted: "match",
		}
	}
	if err := m.Peaks.Check(week.Range()); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = m.Limit
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	candidates, err := m.Store.ListWeeks(ctx, timeshare.WeekFilter{
		AccommodationType: week.AccommodationType,
		Statuses:          []timeshare.WeekStatus{timeshare.WeekAvailable},
		ExcludeOwnerID:    requesterID,
		PropertyID:        opts.PropertyID,
		Limit:             limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate weeks: %w", err)
	}

	matches := make([]timeshare.Week, 0, len(candidates))
	for _, c := range candidates {
		if m.Peaks.OverlapsPeak(c.Start, c.End) {
			continue
		}
		a, err := m.Checker.Check(ctx, m.Store, c.PropertyID, c.Range(), availability.ExcludeWeek(c.ID))
		if err != nil {
			return nil, err
		}
		if !a.Available {
			continue
		}
		matches = append(matches, c)
	}

	m.logger().Debug("compatible weeks",
		zap.String("week_id", requesterWeekID),
		zap.Int("candidates", len(candidates)),
		zap.Int("matches", len(matches)))
	return matches, nil
}

type stayShape struct {
	accommodationType string
	nights            int
}

// GetAvailableSwapsForUser lists open swap requests (pending, no responder)
// whose requester holds any booking shaped like one of the user's confirmed
// bookings.
func (m *Matcher) GetAvailableSwapsForUser(ctx context.Context, userID string) ([]timeshare.SwapRequest, error) {
	mine, err := m.Store.ListBookings(ctx, timeshare.BookingFilter{
		UserID:   userID,
		Statuses: []timeshare.BookingStatus{timeshare.BookingConfirmed},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings for %s: %w", userID, err)
	}
	shapes := make(map[stayShape]bool, len(mine))
	for _, b := range mine {
		shapes[stayShape{b.AccommodationType, b.Nights()}] = true
	}
	if len(shapes) == 0 {
		return []timeshare.SwapRequest{}, nil
	}

	open, err := m.Store.ListSwapRequests(ctx, timeshare.SwapFilter{
		Statuses:      []timeshare.SwapStatus{timeshare.SwapPending},
		UnmatchedOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list open swaps: %w", err)
	}

	requesterFits := make(map[string]bool)
	out := []timeshare.SwapRequest{}
	for _, s := range open {
		if s.RequesterID == userID {
			continue
		}
		fits, seen := requesterFits[s.RequesterID]
		if !seen {
			theirs, err := m.Store.ListBookings(ctx, timeshare.BookingFilter{UserID: s.RequesterID})
			if err != nil {
				return nil, fmt.Errorf("failed to list bookings for %s: %w", s.RequesterID, err)
			}
			for _, b := range theirs {
				if shapes[stayShape{b.AccommodationType, b.Nights()}] {
					fits = true
					break
				}
			}
			requesterFits[s.RequesterID] = fits
		}
		if fits {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Matcher) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}
