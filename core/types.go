/*
Package core provides the daily intake, grading and streak/points engine.

PURPOSE:
  This package contains the storage-agnostic rules of the tracker: how a
  day is bucketed, which limits a user gets for a day, how a food item is
  graded from trusted nutrition data, how consumption folds into day totals,
  when a day counts toward a streak, and how points drive the leaderboard.

KEY CONCEPTS IN THIS FILE (types.go):
  - Grams: nutrient quantities as decimal.Decimal (never float arithmetic)
  - Preference: closed set of health preferences with a baseline
  - DailyLimits / DailyIntake / RedFlags / StreakRecord: the four day rows
  - IntakeDelta: the increment applied by one consumption event

DESIGN PRINCIPLES:
  1. Trusted data only: absent nutrients are decimal.NullDecimal{Valid: false}
     and are never coerced to zero where a grade depends on them
  2. Create-only limits: a materialized day is never rewritten
  3. Increment-only accumulators: totals only grow within a day
  4. Append-only points: the leaderboard is derived alongside each append

SEE ALSO:
  - day.go: Day bucketing
  - grade.go: Grading engine
  - store.go: Persistence interfaces
*/
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GRAMS
// =============================================================================

// Grams builds a nutrient quantity from a float literal.
func Grams(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// Present builds a trusted nutrient value.
func Present(v float64) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.NewFromFloat(v), Valid: true}
}

// Absent is a nutrient with no trusted value.
var Absent = decimal.NullDecimal{}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string

// =============================================================================
// HEALTH PREFERENCE
// =============================================================================

type Preference string

const (
	PreferenceNormal            Preference = "NORMAL"
	PreferenceDiabetesT1        Preference = "DIABETES_T1"
	PreferenceDiabetesT2        Preference = "DIABETES_T2"
	PreferenceHighBP            Preference = "HIGH_BP"
	PreferenceFatRelatedObesity Preference = "FAT_RELATED_OBESITY"
	PreferenceDiabetesObesity   Preference = "DIABETES_OBESITY"
)

// BaselinePreference applies to users with no history entry on or before a day.
const BaselinePreference = PreferenceNormal

// Preferences lists every supported preference. LimitsFor must handle each one.
func Preferences() []Preference {
	return []Preference{
		PreferenceNormal,
		PreferenceDiabetesT1,
		PreferenceDiabetesT2,
		PreferenceHighBP,
		PreferenceFatRelatedObesity,
		PreferenceDiabetesObesity,
	}
}

func ParsePreference(s string) (Preference, error) {
	p := Preference(s)
	if _, err := LimitsFor(p); err != nil {
		return "", err
	}
	return p, nil
}

// HighRisk reports whether the stricter red-flag tolerance applies.
func (p Preference) HighRisk() bool { return p != BaselinePreference }

// PreferenceChange is one append-only history entry.
type PreferenceChange struct {
	UserID        UserID
	Preference    Preference
	EffectiveFrom Day
	CreatedAt     time.Time
}

// =============================================================================
// LIMITS
// =============================================================================

// Limits are the four daily nutrient ceilings in grams.
type Limits struct {
	Sugar  decimal.Decimal `json:"sugar_g"`
	Fat    decimal.Decimal `json:"fat_g"`
	SatFat decimal.Decimal `json:"sat_fat_g"`
	Salt   decimal.Decimal `json:"salt_g"`
}

func limits(sugar, fat, satFat, salt int64) Limits {
	return Limits{
		Sugar:  decimal.NewFromInt(sugar),
		Fat:    decimal.NewFromInt(fat),
		SatFat: decimal.NewFromInt(satFat),
		Salt:   decimal.NewFromInt(salt),
	}
}

// LimitsFor maps a preference to its fixed ceilings (WHO / UK guidance).
// The default branch turns a preference missing from this table into an error
// rather than a silent baseline.
func LimitsFor(p Preference) (Limits, error) {
	switch p {
	case PreferenceNormal:
		return limits(25, 70, 20, 5), nil
	case PreferenceDiabetesT1, PreferenceDiabetesT2:
		return limits(15, 65, 15, 5), nil
	case PreferenceHighBP:
		return limits(20, 65, 15, 4), nil
	case PreferenceFatRelatedObesity:
		// stricter end of the allowed range
		return limits(20, 55, 12, 5), nil
	case PreferenceDiabetesObesity:
		return limits(10, 55, 10, 4), nil
	default:
		return Limits{}, fmt.Errorf("%w: %q", ErrUnknownPreference, p)
	}
}

// =============================================================================
// DAY ROWS
// =============================================================================

// DailyLimits is the immutable limits row for (user, day) with the preference
// snapshot that produced it.
type DailyLimits struct {
	UserID     UserID
	Day        Day
	Limits     Limits
	Preference Preference
	CreatedAt  time.Time
}

// DailyIntake holds the running sums for a day. NaturalSugar is tracked but
// never compared against limits.
type DailyIntake struct {
	UserID       UserID
	Day          Day
	FreeSugar    decimal.Decimal
	NaturalSugar decimal.Decimal
	Fat          decimal.Decimal
	SatFat       decimal.Decimal
	Salt         decimal.Decimal
}

// RedFlags counts items graded red for fat or salt on a day.
type RedFlags struct {
	UserID       UserID
	Day          Day
	RedFatItems  int
	RedSaltItems int
}

type EndedReason string

const (
	EndedNone              EndedReason = ""
	EndedEvaluationFailed  EndedReason = "EVALUATION_FAILED"
	EndedPreferenceChanged EndedReason = "PREFERENCE_CHANGED"
)

// StreakRecord is the streak row for (user, day). Count depends on the
// previous day's row.
type StreakRecord struct {
	UserID      UserID
	Day         Day
	Earned      bool
	Count       int
	EndedReason EndedReason
}

// =============================================================================
// INTAKE DELTA
// =============================================================================

// IntakeDelta is what a single consumption adds to a day. Absent fields add
// nothing; red flags increment their counter by one when set.
//
// SQL stores keep totals in whole milligrams and round each delta before it
// is added, so many sub-milligram deltas can total less than their exact sum.
type IntakeDelta struct {
	FreeSugar    decimal.NullDecimal
	NaturalSugar decimal.NullDecimal
	Fat          decimal.NullDecimal
	SatFat       decimal.NullDecimal
	Salt         decimal.NullDecimal
	RedFat       bool
	RedSalt      bool
}

// Validate rejects negative quantities; accumulators are increment-only.
func (d IntakeDelta) Validate() error {
	fields := []struct {
		n Nutrient
		v decimal.NullDecimal
	}{
		{NutrientSugar, d.FreeSugar},
		{NutrientNaturalSugar, d.NaturalSugar},
		{NutrientFat, d.Fat},
		{NutrientSatFat, d.SatFat},
		{NutrientSalt, d.Salt},
	}
	for _, f := range fields {
		if f.v.Valid && f.v.Decimal.IsNegative() {
			return &InvalidNutrientError{Nutrient: f.n, Value: f.v.Decimal.String()}
		}
	}
	return nil
}

// IsEmpty is true when the delta changes nothing.
func (d IntakeDelta) IsEmpty() bool {
	return !d.FreeSugar.Valid && !d.NaturalSugar.Valid && !d.Fat.Valid &&
		!d.SatFat.Valid && !d.Salt.Valid && !d.RedFat && !d.RedSalt
}

// OrZero reads an optional quantity for storage-level increments.
func OrZero(v decimal.NullDecimal) decimal.Decimal {
	if !v.Valid {
		return decimal.Zero
	}
	return v.Decimal
}
