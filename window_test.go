package casesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestWindowsCoverage(t *testing.T) {
	cases := []struct {
		name        string
		start, end  time.Time
		chunkDays   int
		overlapDays int
	}{
		{"default shape", date(2024, 3, 1), date(2024, 3, 31), 5, 2},
		{"single day", date(2024, 3, 1), date(2024, 3, 1), 5, 2},
		{"range shorter than chunk", date(2024, 3, 1), date(2024, 3, 3), 7, 3},
		{"minimal overlap", date(2024, 3, 1), date(2024, 3, 20), 4, 1},
		{"overlap equals chunk", date(2024, 3, 1), date(2024, 3, 10), 3, 3},
		{"month boundary", date(2024, 1, 28), date(2024, 2, 9), 4, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			windows, err := Windows(tc.start, tc.end, tc.chunkDays, tc.overlapDays)
			require.NoError(t, err)
			require.NotEmpty(t, windows)

			assert.True(t, windows[0].From.Equal(tc.start), "first window must start at start")

			last := windows[len(windows)-1]
			assert.True(t, last.To.Equal(tc.end.AddDate(0, 0, 1)), "last window must cover end inclusively")

			for i := 1; i < len(windows); i++ {
				prev, cur := windows[i-1], windows[i]
				shared := int(prev.To.Sub(cur.From) / (24 * time.Hour))
				assert.Equal(t, tc.overlapDays-1, shared,
					"windows %d and %d must share exactly overlapDays-1 days", i-1, i)
			}

			for i, w := range windows[:len(windows)-1] {
				assert.Equal(t, tc.chunkDays, w.Days(), "window %d must span chunkDays", i)
			}
			assert.Greater(t, last.Days(), 0, "final window must not be empty")
			assert.LessOrEqual(t, last.Days(), tc.chunkDays, "final window must be truncated, never extended")
		})
	}
}

func TestWindowsValidation(t *testing.T) {
	start, end := date(2024, 3, 1), date(2024, 3, 10)

	_, err := Windows(end, start, 5, 2)
	require.Error(t, err, "inverted range must fail fast")

	_, err = Windows(start, end, 0, 1)
	require.Error(t, err, "zero chunkDays must fail fast")

	_, err = Windows(start, end, -3, 1)
	require.Error(t, err, "negative chunkDays must fail fast")

	_, err = Windows(start, end, 5, 0)
	require.Error(t, err, "overlapDays below 1 cannot guarantee boundary coverage")

	_, err = Windows(start, end, 3, 4)
	require.Error(t, err, "overlap beyond chunk size would walk backwards")
}

func TestWindowDates(t *testing.T) {
	w := Window{From: date(2024, 3, 1), To: date(2024, 3, 6)}

	assert.Equal(t, 5, w.Days())
	assert.Equal(t, "2024-03-01", w.FromDate())
	assert.Equal(t, "2024-03-05", w.ToDate(), "upstream toDate is inclusive, so it is the day before To")
	assert.Equal(t, "2024-03-01..2024-03-05", w.String())
}

func TestTruncateDay(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)

	// 22:30 UTC is already the next business day in IST.
	got := TruncateDay(time.Date(2024, 3, 1, 22, 30, 0, 0, time.UTC), ist)
	assert.True(t, got.Equal(time.Date(2024, 3, 2, 0, 0, 0, 0, ist)))

	got = TruncateDay(time.Date(2024, 3, 1, 13, 45, 12, 0, time.UTC), time.UTC)
	assert.True(t, got.Equal(date(2024, 3, 1)))
}
