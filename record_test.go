package casesync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)

	got, ok := ParseTime("2024-03-05", ist)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2024, 3, 5, 0, 0, 0, 0, ist)), "date-only values anchor in the given location")

	got, ok = ParseTime("2024-03-05 14:30:00", ist)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2024, 3, 5, 14, 30, 0, 0, ist)))

	got, ok = ParseTime("2024-03-05T14:30:00", ist)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2024, 3, 5, 14, 30, 0, 0, ist)))

	got, ok = ParseTime("2024-03-05T14:30:00+05:30", time.UTC)
	require.True(t, ok)
	assert.True(t, got.Equal(time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)), "an explicit offset wins over the fallback location")

	_, ok = ParseTime("05/03/2024", ist)
	assert.False(t, ok)
}

func TestConvertValue(t *testing.T) {
	loc := time.UTC

	t.Run("null sentinels", func(t *testing.T) {
		assert.Nil(t, convertValue(nil, KindString, loc))
		assert.Nil(t, convertValue("", KindString, loc))
		assert.Nil(t, convertValue("  ", KindString, loc))
		assert.Nil(t, convertValue("null", KindString, loc))
		assert.Nil(t, convertValue("NULL", KindInt, loc))
		assert.Nil(t, convertValue("Unknown", KindTime, loc))
	})

	t.Run("typed parsing", func(t *testing.T) {
		assert.Equal(t, int64(42), convertValue("42", KindInt, loc))
		assert.Equal(t, 12.5, convertValue("12.5", KindFloat, loc))
		assert.Equal(t, true, convertValue("true", KindBool, loc))

		got := convertValue("2024-03-05", KindTime, loc)
		ts, ok := got.(time.Time)
		require.True(t, ok)
		assert.True(t, ts.Equal(date(2024, 3, 5)))
	})

	t.Run("tolerant fallback", func(t *testing.T) {
		// Values that do not fit the declared kind pass through as text
		// instead of failing the record.
		assert.Equal(t, "not-a-number", convertValue("not-a-number", KindInt, loc))
		assert.Equal(t, "sometime in March", convertValue("sometime in March", KindTime, loc))
		assert.Equal(t, "yes please", convertValue("yes please", KindBool, loc))
	})

	t.Run("json numbers", func(t *testing.T) {
		assert.Equal(t, int64(7), convertValue(float64(7), KindInt, loc), "integral JSON numbers become int64")
		assert.Equal(t, 7.25, convertValue(7.25, KindInt, loc), "fractional values keep their precision")
		assert.Equal(t, "7", convertValue(float64(7), KindString, loc))
		assert.Equal(t, "7.25", convertValue(7.25, KindText, loc))
	})

	t.Run("nested payloads", func(t *testing.T) {
		got := convertValue(map[string]any{"a": 1}, KindString, loc)
		assert.JSONEq(t, `{"a":1}`, got.(string), "nested objects survive as JSON text")

		got = convertValue([]any{"x", "y"}, KindString, loc)
		assert.JSONEq(t, `["x","y"]`, got.(string))
	})
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "", keyString(nil))
	assert.Equal(t, "", keyString("null"))
	assert.Equal(t, "", keyString("  "))
	assert.Equal(t, "CR-2024-001", keyString(" CR-2024-001 "))
	assert.Equal(t, "1234", keyString(float64(1234)), "numeric keys render without a trailing .0")
	assert.Equal(t, "99", keyString(int64(99)))
}

func TestValueEqual(t *testing.T) {
	t.Run("nulls", func(t *testing.T) {
		assert.True(t, valueEqual(nil, nil))
		assert.False(t, valueEqual(nil, "x"))
		assert.False(t, valueEqual("x", nil))
	})

	t.Run("timestamps compare as instants", func(t *testing.T) {
		utc := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
		ist := utc.In(time.FixedZone("IST", 5*3600+1800))
		assert.True(t, valueEqual(utc, ist))
		assert.True(t, valueEqual(utc, "2024-03-05T09:00:00+00:00"))
		assert.False(t, valueEqual(utc, utc.Add(time.Second)))
	})

	t.Run("numerics compare across widths", func(t *testing.T) {
		assert.True(t, valueEqual(int64(50), float64(50)))
		assert.True(t, valueEqual(50.5, float32(50.5)))
		assert.False(t, valueEqual(int64(50), int64(51)))
	})

	t.Run("driver bytes", func(t *testing.T) {
		assert.True(t, valueEqual([]byte("abc"), "abc"))
	})

	t.Run("fallback rendering", func(t *testing.T) {
		assert.True(t, valueEqual("50", int64(50)), "stored text and incoming number match when they render the same")
		assert.False(t, valueEqual("abc", "abd"))
	})
}
