package timeshare

import (
	"time"
)

// =============================================================================
// CALENDAR DAYS - Every date in this system is a UTC calendar day
// =============================================================================

const DateLayout = "2006-01-02"

// Date returns midnight UTC of the given calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateOf truncates t to its calendar day in UTC.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return Date(t.Year(), t.Month(), t.Day())
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, InvalidInputf("date %q must use YYYY-MM-DD", s)
	}
	return t, nil
}

// DaysBetween counts whole calendar days from `from` to `to`.
func DaysBetween(from, to time.Time) int {
	return int(DateOf(to).Sub(DateOf(from)).Hours() / 24)
}

// =============================================================================
// DATE RANGE - Half-open [Start, End) stay or ownership slot
// =============================================================================

// DateRange is a half-open range of calendar days. A stay from the 10th to
// the 17th occupies seven nights and does not overlap a stay starting the 17th.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange normalizes both ends to calendar days and rejects empty ranges.
func NewDateRange(start, end time.Time) (DateRange, error) {
	r := DateRange{Start: DateOf(start), End: DateOf(end)}
	if !r.End.After(r.Start) {
		return DateRange{}, InvalidInputf("range end %s must be after start %s",
			r.End.Format(DateLayout), r.Start.Format(DateLayout))
	}
	return r, nil
}

// Nights is the number of nights in the range.
func (r DateRange) Nights() int { return DaysBetween(r.Start, r.End) }

// Overlaps reports whether two half-open ranges share at least one night.
func (r DateRange) Overlaps(o DateRange) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// Contains returns true if the day falls within [Start, End).
func (r DateRange) Contains(day time.Time) bool {
	d := DateOf(day)
	return !d.Before(r.Start) && d.Before(r.End)
}

func (r DateRange) String() string {
	return "[" + r.Start.Format(DateLayout) + ", " + r.End.Format(DateLayout) + ")"
}
