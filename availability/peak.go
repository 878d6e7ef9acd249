package availability

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/warp/timeshare-engine/timeshare"
)

// =============================================================================
// PEAK CALENDAR - Recurring month/day windows
// =============================================================================

// MonthDay is a day of the year without the year.
type MonthDay struct {
	Month time.Month
	Day   int
}

func (md MonthDay) before(o MonthDay) bool {
	if md.Month != o.Month {
		return md.Month < o.Month
	}
	return md.Day < o.Day
}

func (md MonthDay) String() string { return fmt.Sprintf("%02d-%02d", int(md.Month), md.Day) }

// PeakRange is inclusive at both ends. When End is before Start the range
// wraps the new year (Dec 15 - Jan 5).
type PeakRange struct {
	Start MonthDay
	End   MonthDay
}

// Contains reports whether the calendar day falls inside the range.
func (p PeakRange) Contains(t time.Time) bool {
	d := MonthDay{Month: t.Month(), Day: t.Day()}
	if p.End.before(p.Start) {
		return !d.before(p.Start) || !p.End.before(d)
	}
	return !d.before(p.Start) && !p.End.before(d)
}

// PeakCalendar is pure: no I/O, no clock. A nil calendar has no peaks.
type PeakCalendar struct {
	ranges []PeakRange
}

func NewPeakCalendar(ranges ...PeakRange) *PeakCalendar {
	return &PeakCalendar{ranges: ranges}
}

func (c *PeakCalendar) Ranges() []PeakRange {
	if c == nil {
		return nil
	}
	return c.ranges
}

// OverlapsPeak walks every day in [start, end] inclusive and stops at the
// first peak day. Passing a half-open stay's End also tests the checkout day.
func (c *PeakCalendar) OverlapsPeak(start, end time.Time) bool {
	if c == nil || len(c.ranges) == 0 {
		return false
	}
	for d := timeshare.DateOf(start); !d.After(timeshare.DateOf(end)); d = d.AddDate(0, 0, 1) {
		for _, r := range c.ranges {
			if r.Contains(d) {
				return true
			}
		}
	}
	return false
}

// Check returns timeshare.ErrPeakRestricted when the range touches a peak day.
func (c *PeakCalendar) Check(rng timeshare.DateRange) error {
	if c.OverlapsPeak(rng.Start, rng.End) {
		return timeshare.PeakRestricted(rng)
	}
	return nil
}

// ParsePeakRanges parses "MM-DD:MM-DD" pairs separated by commas, e.g.
// "12-15:01-05,07-01:07-31". An empty string yields no ranges.
func ParsePeakRanges(s string) ([]PeakRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []PeakRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bounds := strings.Split(part, ":")
		if len(bounds) != 2 {
			return nil, fmt.Errorf("peak range %q: want MM-DD:MM-DD", part)
		}
		start, err := parseMonthDay(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("peak range %q: %w", part, err)
		}
		end, err := parseMonthDay(bounds[1])
		if err != nil {
			return nil, fmt.Errorf("peak range %q: %w", part, err)
		}
		out = append(out, PeakRange{Start: start, End: end})
	}
	return out, nil
}

var daysInMonth = [...]int{0, 31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

func parseMonthDay(s string) (MonthDay, error) {
	fields := strings.Split(strings.TrimSpace(s), "-")
	if len(fields) != 2 {
		return MonthDay{}, fmt.Errorf("bad month-day %q", s)
	}
	m, err := strconv.Atoi(fields[0])
	if err != nil || m < 1 || m > 12 {
		return MonthDay{}, fmt.Errorf("bad month in %q", s)
	}
	d, err := strconv.Atoi(fields[1])
	if err != nil || d < 1 || d > daysInMonth[m] {
		return MonthDay{}, fmt.Errorf("bad day in %q", s)
	}
	return MonthDay{Month: time.Month(m), Day: d}, nil
}
