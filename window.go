package casesync

import (
	"time"

	"github.com/pkg/errors"
)

// DateLayout is the wire format for business dates in upstream queries.
var DateLayout = "2006-01-02"

// Window is a half-open [From, To) business date range submitted as one
// upstream query. Both bounds are midnights in the run's location.
type Window struct {
	From time.Time
	To   time.Time
}

// Days returns the window length in days.
func (w Window) Days() int {
	return int(w.To.Sub(w.From) / (24 * time.Hour))
}

// FromDate returns the inclusive start date in upstream wire format.
func (w Window) FromDate() string {
	return w.From.Format(DateLayout)
}

// ToDate returns the inclusive end date in upstream wire format. The
// upstream filter treats toDate as covering the whole day, so the exclusive
// bound maps to the previous calendar day.
func (w Window) ToDate() string {
	return w.To.AddDate(0, 0, -1).Format(DateLayout)
}

// String implements fmt.Stringer for log and audit labels.
func (w Window) String() string {
	return w.FromDate() + ".." + w.ToDate()
}

// Windows splits the inclusive [start, end] date range into windows of
// chunkDays length. Each window after the first starts overlapDays-1 days
// before its predecessor ends, so a record dated near a boundary is
// reachable from both adjacent windows even if the upstream filter's
// inclusivity is off by a day. The final window is truncated at end.
// Both bounds must be midnights in the same location; end is inclusive.
func Windows(start, end time.Time, chunkDays, overlapDays int) ([]Window, error) {
	if chunkDays <= 0 {
		return nil, errors.Errorf("chunkDays must be greater than 0, got %d", chunkDays)
	}
	if overlapDays < 1 {
		return nil, errors.Errorf("overlapDays must be at least 1, got %d", overlapDays)
	}
	if overlapDays > chunkDays {
		return nil, errors.Errorf("overlapDays %d exceeds chunkDays %d, windows cannot advance", overlapDays, chunkDays)
	}
	if start.After(end) {
		return nil, errors.Errorf("start %s is after end %s", start.Format(DateLayout), end.Format(DateLayout))
	}

	bound := end.AddDate(0, 0, 1) // exclusive end of the global range

	var windows []Window
	from := start
	for {
		to := from.AddDate(0, 0, chunkDays)
		if !to.Before(bound) {
			windows = append(windows, Window{From: from, To: bound})
			return windows, nil
		}
		windows = append(windows, Window{From: from, To: to})
		from = to.AddDate(0, 0, -(overlapDays - 1))
	}
}

// TruncateDay returns midnight of t's calendar day in loc.
func TruncateDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
