package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/intake-engine/core"
)

func TestDayOf_IndependentOfCallerLocation(t *testing.T) {
	// GIVEN: The same instant expressed in three locations
	instant := time.Date(2025, time.March, 9, 19, 0, 0, 0, time.UTC) // 00:30 IST on March 10
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		ny = time.FixedZone("EST", -5*60*60)
	}

	// WHEN/THEN: Every representation buckets to the same civil day
	want := core.NewDay(2025, time.March, 10)
	assert.True(t, core.DayOf(instant).Equal(want))
	assert.True(t, core.DayOf(instant.In(ny)).Equal(want))
	assert.True(t, core.DayOf(instant.In(time.FixedZone("X", 9*60*60))).Equal(want))
	assert.Equal(t, "2025-03-10", core.DayOf(instant).Key())
}

func TestDayOf_Boundaries(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"last instant before IST midnight", time.Date(2025, 3, 9, 18, 29, 59, 999999999, time.UTC), "2025-03-09"},
		{"IST midnight", time.Date(2025, 3, 9, 18, 30, 0, 0, time.UTC), "2025-03-10"},
		{"UTC midnight is 05:30 IST", time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), "2025-03-10"},
		{"year rollover", time.Date(2025, 12, 31, 18, 30, 0, 0, time.UTC), "2026-01-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, core.DayOf(tt.at).Key())
		})
	}
}

func TestStartOfNextDay(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, core.Location())
	next := core.StartOfNextDay(at)

	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, core.Location()).Unix(), next.Unix())
	assert.Equal(t, time.Date(2025, 3, 10, 18, 30, 0, 0, time.UTC).Unix(), next.Unix())
}

func TestDay_Arithmetic(t *testing.T) {
	d := core.MustParseDay("2025-02-28")

	assert.Equal(t, "2025-03-01", d.Next().Key())
	assert.Equal(t, "2025-02-27", d.Prev().Key())
	assert.Equal(t, "2025-03-07", d.AddDays(7).Key())
	assert.True(t, d.Before(d.Next()))
	assert.True(t, d.Contains(d.Start))
	assert.False(t, d.Contains(d.End()))
}

func TestParseDay_InvalidKeyIsDateFormatFailure(t *testing.T) {
	for _, key := range []string{"", "2025-13-01", "10/03/2025", "2025-02-30"} {
		_, err := core.ParseDay(key)
		require.Error(t, err, key)
		assert.ErrorIs(t, err, core.ErrDateFormat)
		assert.True(t, core.IsFatal(err))
	}
}

func TestDay_TextRoundTrip(t *testing.T) {
	d := core.NewDay(2025, time.July, 4)
	b, err := d.MarshalText()
	require.NoError(t, err)

	var back core.Day
	require.NoError(t, back.UnmarshalText(b))
	assert.True(t, d.Equal(back))
}
