package core

import (
	"fmt"
	"time"
)

// =============================================================================
// DAY - Civil calendar day in the fixed tracking timezone
// =============================================================================

// civilZone is the single civil calendar every day-scoped row is keyed by.
// The offset is fixed (UTC+5:30, no DST), so day arithmetic is plain 24h steps.
var civilZone = time.FixedZone("IST", 5*60*60+30*60)

const dayKeyLayout = "2006-01-02"

// Location returns the civil timezone used for day bucketing and scheduling.
func Location() *time.Location { return civilZone }

// Day is the canonical partition key for limits, intake, red flags and streaks.
// Start is 00:00 of the civil date, expressed in the civil zone.
type Day struct {
	Start time.Time
}

// DayOf buckets an instant into its civil day. The result depends only on the
// instant, never on the Location carried by t.
func DayOf(t time.Time) Day {
	local := t.In(civilZone)
	return Day{Start: time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, civilZone)}
}

// StartOfNextDay returns the first instant of the civil day after t's.
func StartOfNextDay(t time.Time) time.Time {
	return DayOf(t).Next().Start
}

// NewDay builds a day from a civil calendar date.
func NewDay(year int, month time.Month, day int) Day {
	return Day{Start: time.Date(year, month, day, 0, 0, 0, 0, civilZone)}
}

// ParseDay parses a YYYY-MM-DD day key. A key that cannot be resolved to a
// calendar date is an ErrDateFormat failure.
func ParseDay(key string) (Day, error) {
	t, err := time.ParseInLocation(dayKeyLayout, key, civilZone)
	if err != nil {
		return Day{}, fmt.Errorf("%w: %q: %v", ErrDateFormat, key, err)
	}
	return Day{Start: t}, nil
}

// MustParseDay is ParseDay for constants and tests.
func MustParseDay(key string) Day {
	d, err := ParseDay(key)
	if err != nil {
		panic(err)
	}
	return d
}

// Arithmetic
func (d Day) Next() Day          { return Day{Start: d.Start.Add(24 * time.Hour)} }
func (d Day) Prev() Day          { return Day{Start: d.Start.Add(-24 * time.Hour)} }
func (d Day) AddDays(n int) Day  { return Day{Start: d.Start.Add(time.Duration(n) * 24 * time.Hour)} }
func (d Day) End() time.Time     { return d.Next().Start }
func (d Day) Contains(t time.Time) bool {
	return !t.Before(d.Start) && t.Before(d.End())
}

// Comparison
func (d Day) Equal(o Day) bool  { return d.Start.Equal(o.Start) }
func (d Day) Before(o Day) bool { return d.Start.Before(o.Start) }
func (d Day) After(o Day) bool  { return d.Start.After(o.Start) }
func (d Day) IsZero() bool      { return d.Start.IsZero() }

// Key is the storage representation shared by every day-keyed table.
func (d Day) Key() string    { return d.Start.In(civilZone).Format(dayKeyLayout) }
func (d Day) String() string { return d.Key() }

func (d Day) MarshalText() ([]byte, error) { return []byte(d.Key()), nil }

func (d *Day) UnmarshalText(b []byte) error {
	parsed, err := ParseDay(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
