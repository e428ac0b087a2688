package core

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCED DAY RULE
// =============================================================================

// Tolerances for red-flag items in a day. High-risk users get none.
const (
	NormalRedTolerance   = 1
	HighRiskRedTolerance = 0
)

// DayInputs are the three rows a streak decision reads.
type DayInputs struct {
	Limits DailyLimits
	Intake DailyIntake
	Flags  RedFlags
}

func (in DayInputs) tolerance() int {
	if in.Limits.Preference.HighRisk() {
		return HighRiskRedTolerance
	}
	return NormalRedTolerance
}

func (in DayInputs) SugarOK() bool {
	return in.Intake.FreeSugar.LessThanOrEqual(in.Limits.Limits.Sugar)
}

func (in DayInputs) FatOK() bool  { return in.Flags.RedFatItems <= in.tolerance() }
func (in DayInputs) SaltOK() bool { return in.Flags.RedSaltItems <= in.tolerance() }

// IsBalancedDay is the pass/fail decision for a day. Natural sugar is never
// part of it.
func IsBalancedDay(in DayInputs) bool {
	return in.SugarOK() && in.FatOK() && in.SaltOK()
}

// SugarExcess is how far free sugar is over the limit, zero when within it.
func (in DayInputs) SugarExcess() decimal.Decimal {
	over := in.Intake.FreeSugar.Sub(in.Limits.Limits.Sugar)
	if over.IsNegative() {
		return decimal.Zero
	}
	return over
}

// NextCount carries the consecutive-day counter forward from yesterday's row.
func NextCount(earned bool, yesterday *StreakRecord) int {
	if !earned {
		return 0
	}
	if yesterday != nil && yesterday.Earned {
		return yesterday.Count + 1
	}
	return 1
}

// =============================================================================
// EVALUATOR
// =============================================================================

type Evaluator struct {
	Days DayStore
}

func NewEvaluator(days DayStore) *Evaluator {
	return &Evaluator{Days: days}
}

// StreakResult is the outcome of one evaluation. Evaluated is false when the
// day was not provisioned and nothing was written.
type StreakResult struct {
	Day         Day
	Evaluated   bool
	Earned      bool
	Count       int
	EndedReason EndedReason
}

// Load reads the day rows. ok is false if any of them is missing.
func (e *Evaluator) Load(ctx context.Context, user UserID, day Day) (DayInputs, bool, error) {
	limits, err := e.Days.Limits(ctx, user, day)
	if err != nil {
		return DayInputs{}, false, fmt.Errorf("load limits: %w", err)
	}
	intake, err := e.Days.Intake(ctx, user, day)
	if err != nil {
		return DayInputs{}, false, fmt.Errorf("load intake: %w", err)
	}
	flags, err := e.Days.RedFlags(ctx, user, day)
	if err != nil {
		return DayInputs{}, false, fmt.Errorf("load red flags: %w", err)
	}
	if limits == nil || intake == nil || flags == nil {
		return DayInputs{}, false, nil
	}
	return DayInputs{Limits: *limits, Intake: *intake, Flags: *flags}, true, nil
}

// EvaluateDay decides the civil day of at and upserts its streak row.
// Re-running with unchanged inputs writes the same row again.
func (e *Evaluator) EvaluateDay(ctx context.Context, user UserID, at time.Time) (StreakResult, error) {
	day := DayOf(at)

	in, ok, err := e.Load(ctx, user, day)
	if err != nil {
		return StreakResult{Day: day}, err
	}
	if !ok {
		return StreakResult{Day: day}, nil
	}

	earned := IsBalancedDay(in)

	yesterday, err := e.Days.Streak(ctx, user, day.Prev())
	if err != nil {
		return StreakResult{Day: day}, fmt.Errorf("load previous streak: %w", err)
	}

	rec := StreakRecord{
		UserID:      user,
		Day:         day,
		Earned:      earned,
		Count:       NextCount(earned, yesterday),
		EndedReason: EndedNone,
	}
	if !earned {
		rec.EndedReason = EndedEvaluationFailed
	}
	if err := e.Days.PutStreak(ctx, rec); err != nil {
		return StreakResult{Day: day}, fmt.Errorf("save streak: %w", err)
	}

	return StreakResult{
		Day:         day,
		Evaluated:   true,
		Earned:      rec.Earned,
		Count:       rec.Count,
		EndedReason: rec.EndedReason,
	}, nil
}

// ResetForPreferenceChange ends the streak on day regardless of intake.
func (e *Evaluator) ResetForPreferenceChange(ctx context.Context, user UserID, day Day) error {
	return e.Days.PutStreak(ctx, StreakRecord{
		UserID:      user,
		Day:         day,
		Earned:      false,
		Count:       0,
		EndedReason: EndedPreferenceChanged,
	})
}
