package core

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONSUMPTION AGGREGATOR
// =============================================================================

type Aggregator struct {
	Days DayStore
}

func NewAggregator(days DayStore) *Aggregator {
	return &Aggregator{Days: days}
}

// Apply folds delta into the civil day of at and returns that day.
// Negative quantities are rejected before anything is written.
func (a *Aggregator) Apply(ctx context.Context, user UserID, at time.Time, delta IntakeDelta) (Day, error) {
	day := DayOf(at)
	if err := delta.Validate(); err != nil {
		return day, err
	}
	if err := a.Days.ApplyIntake(ctx, user, day, delta, at); err != nil {
		return day, fmt.Errorf("apply intake for %s: %w", day, err)
	}
	return day, nil
}

// =============================================================================
// DELTA FROM A GRADED ITEM
// =============================================================================

// DeltaFor scales a graded item's per-100 record to quantity (grams or ml).
// Fruit and vegetable sugar goes to NaturalSugar only. Absent nutrients stay
// absent; red flags come from the solid traffic lights.
func DeltaFor(g GradeResult, quantity decimal.Decimal) (IntakeDelta, error) {
	if !quantity.IsPositive() {
		return IntakeDelta{}, &InvalidNutrientError{Nutrient: "quantity", Value: quantity.String()}
	}
	factor := quantity.Div(decimal.NewFromInt(100))
	scale := func(v decimal.NullDecimal) decimal.NullDecimal {
		if !v.Valid {
			return v
		}
		return decimal.NullDecimal{Decimal: v.Decimal.Mul(factor), Valid: true}
	}

	if g.Kind == KindFruitOrVegetable {
		return IntakeDelta{NaturalSugar: scale(g.Per100.Sugar)}, nil
	}

	return IntakeDelta{
		FreeSugar: scale(g.Per100.Sugar),
		Fat:       scale(g.Per100.Fat),
		SatFat:    scale(g.Per100.SatFat),
		Salt:      scale(g.Per100.Salt),
		RedFat:    g.RedFat(),
		RedSalt:   g.RedSalt(),
	}, nil
}
