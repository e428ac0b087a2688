/*
grade.go - Risk grading from trusted per-100 nutrition data

PURPOSE:
  Grade is a pure function from (food kind, capture confidence, trusted
  per-100 nutrients) to a categorical risk grade. It never estimates,
  interpolates or defaults a nutrient: absence is a hard failure.

GRADING SCHEMES:
  Beverage: Nutri-grade A-D on sugar per 100ml
  Solid:    traffic light (green/amber/red) on sugar, fat, salt per 100g,
            each on its own ladder
  Fruit/vegetable: no limit impact, natural sugars do not count

LADDERS:
  Thresholds are data, not nested conditionals. Each Ladder is an ordered
  list of (inclusive upper bound, label) scanned in ascending order, with a
  label for anything above the last bound.

SEE ALSO:
  - errors.go: ErrLowConfidence, ErrMissingTrustedNutrient, ErrNotFood
  - intake.go: Consumes the red flags of a solid grade
*/
package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MinConfidence is the lowest accepted capture confidence on a 0-100 scale.
const MinConfidence = 70

// =============================================================================
// FOOD KINDS AND NUTRIENTS
// =============================================================================

type FoodKind string

const (
	KindBeverage         FoodKind = "BEVERAGE"
	KindSolid            FoodKind = "SOLID"
	KindFruitOrVegetable FoodKind = "FRUIT_VEG"
	KindNotFood          FoodKind = "NOT_FOOD"
	KindUnknown          FoodKind = "UNKNOWN"
)

type Nutrient string

const (
	NutrientSugar        Nutrient = "sugar"
	NutrientNaturalSugar Nutrient = "natural_sugar"
	NutrientFat          Nutrient = "fat"
	NutrientSatFat       Nutrient = "saturated_fat"
	NutrientSalt         Nutrient = "salt"
)

// Per100 is a trusted nutrient record per 100g (solids) or 100ml (beverages).
type Per100 struct {
	Sugar  decimal.NullDecimal `json:"sugar_g"`
	Fat    decimal.NullDecimal `json:"fat_g"`
	SatFat decimal.NullDecimal `json:"sat_fat_g"`
	Salt   decimal.NullDecimal `json:"salt_g"`
}

// =============================================================================
// LADDERS
// =============================================================================

type NutriGrade string

const (
	GradeA NutriGrade = "A"
	GradeB NutriGrade = "B"
	GradeC NutriGrade = "C"
	GradeD NutriGrade = "D"
)

type TrafficLight string

const (
	Green TrafficLight = "GREEN"
	Amber TrafficLight = "AMBER"
	Red   TrafficLight = "RED"
)

// Band is one rung of a ladder: values <= UpTo get Label.
type Band[L any] struct {
	UpTo  decimal.Decimal
	Label L
}

// Ladder classifies a value by ascending scan over its bands.
type Ladder[L any] struct {
	Bands []Band[L]
	Above L
}

func (l Ladder[L]) Classify(v decimal.Decimal) L {
	for _, b := range l.Bands {
		if v.LessThanOrEqual(b.UpTo) {
			return b.Label
		}
	}
	return l.Above
}

func band[L any](upTo string, label L) Band[L] {
	return Band[L]{UpTo: decimal.RequireFromString(upTo), Label: label}
}

var (
	// Singapore Nutri-grade, sugar g/100ml.
	NutriGradeLadder = Ladder[NutriGrade]{
		Bands: []Band[NutriGrade]{band("1", GradeA), band("5", GradeB), band("10", GradeC)},
		Above: GradeD,
	}

	// UK front-of-pack traffic lights, g/100g.
	SugarLadder = Ladder[TrafficLight]{
		Bands: []Band[TrafficLight]{band("5", Green), band("22.5", Amber)},
		Above: Red,
	}
	FatLadder = Ladder[TrafficLight]{
		Bands: []Band[TrafficLight]{band("3", Green), band("17.5", Amber)},
		Above: Red,
	}
	SaltLadder = Ladder[TrafficLight]{
		Bands: []Band[TrafficLight]{band("0.3", Green), band("1.5", Amber)},
		Above: Red,
	}
)

// =============================================================================
// RISK ASSOCIATIONS
// =============================================================================

type Risk string

const (
	RiskDiabetes       Risk = "DIABETES"
	RiskHighBP         Risk = "HIGH_BP"
	RiskHeartDisease   Risk = "HEART_DISEASE"
	RiskObesity        Risk = "OBESITY"
	RiskFattyLiver     Risk = "FATTY_LIVER"
	RiskDentalProblems Risk = "DENTAL_PROBLEMS"
)

var riskCopy = map[Risk]string{
	RiskDiabetes:       "High intake may increase risk of diabetes.",
	RiskHighBP:         "High intake may increase risk of high blood pressure.",
	RiskHeartDisease:   "High intake may increase risk of heart disease.",
	RiskObesity:        "High intake may increase risk of obesity.",
	RiskFattyLiver:     "High intake may increase risk of fatty liver.",
	RiskDentalProblems: "High intake may increase risk of dental problems.",
}

// Copy returns the user-facing sentence for a risk.
func (r Risk) Copy() string { return riskCopy[r] }

var (
	beverageRisks = []Risk{RiskDiabetes, RiskObesity, RiskDentalProblems, RiskFattyLiver}
	solidRisks    = []Risk{RiskDiabetes, RiskHighBP, RiskHeartDisease, RiskObesity, RiskFattyLiver}
)

const (
	warnSugaryDrink = "High sugar drink: consider a lower sugar option."
	warnRedSugar    = "High sugar food: reduce frequency."
	warnRedFat      = "High fat food: consider a lower fat option."
	warnRedSalt     = "High salt food: may raise blood pressure risk."

	naturalSugarNote = "Natural sugars from fruits and vegetables do not affect your daily limits."
)

// =============================================================================
// GRADE RESULT
// =============================================================================

type TrafficLights struct {
	Sugar TrafficLight `json:"sugar"`
	Fat   TrafficLight `json:"fat"`
	Salt  TrafficLight `json:"salt"`
}

// GradeResult is the outcome of grading one item. NutriGrade is set for
// beverages, Traffic for solids; fruit/vegetable results carry only Note.
type GradeResult struct {
	Kind          FoodKind       `json:"kind"`
	NutriGrade    NutriGrade     `json:"nutri_grade,omitempty"`
	Traffic       *TrafficLights `json:"traffic,omitempty"`
	Per100        Per100         `json:"per100"`
	AffectsLimits bool           `json:"affects_limits"`
	Note          string         `json:"note,omitempty"`
	Warnings      []string       `json:"warnings"`
	Risks         []Risk         `json:"risks"`
}

// RedFat reports a solid graded red on fat.
func (g GradeResult) RedFat() bool { return g.Traffic != nil && g.Traffic.Fat == Red }

// RedSalt reports a solid graded red on salt.
func (g GradeResult) RedSalt() bool { return g.Traffic != nil && g.Traffic.Salt == Red }

// Label is a single metric-friendly label for the grade.
func (g GradeResult) Label() string {
	switch {
	case g.NutriGrade != "":
		return string(g.NutriGrade)
	case g.Traffic != nil:
		return fmt.Sprintf("%s/%s/%s", g.Traffic.Sugar, g.Traffic.Fat, g.Traffic.Salt)
	default:
		return "none"
	}
}

// =============================================================================
// GRADE
// =============================================================================

// Grade classifies an item. The confidence gate is checked before anything
// else, so low-confidence captures fail even with complete nutrients.
func Grade(kind FoodKind, confidence int, per100 Per100) (GradeResult, error) {
	if confidence < MinConfidence {
		return GradeResult{}, fmt.Errorf("%w: %d below %d", ErrLowConfidence, confidence, MinConfidence)
	}

	switch kind {
	case KindNotFood:
		return GradeResult{}, ErrNotFood
	case KindFruitOrVegetable:
		return GradeResult{
			Kind:     KindFruitOrVegetable,
			Per100:   per100,
			Note:     naturalSugarNote,
			Warnings: []string{},
			Risks:    []Risk{},
		}, nil
	case KindBeverage:
		return gradeBeverage(per100)
	case KindSolid:
		return gradeSolid(per100)
	default:
		return GradeResult{}, fmt.Errorf("%w: %q", ErrUnknownFoodKind, kind)
	}
}

func gradeBeverage(per100 Per100) (GradeResult, error) {
	sugar, err := required(KindBeverage, NutrientSugar, per100.Sugar)
	if err != nil {
		return GradeResult{}, err
	}

	grade := NutriGradeLadder.Classify(sugar)
	warnings := []string{}
	if grade == GradeC || grade == GradeD {
		warnings = append(warnings, warnSugaryDrink)
	}

	return GradeResult{
		Kind:          KindBeverage,
		NutriGrade:    grade,
		Per100:        per100,
		AffectsLimits: true,
		Warnings:      warnings,
		Risks:         append([]Risk(nil), beverageRisks...),
	}, nil
}

func gradeSolid(per100 Per100) (GradeResult, error) {
	sugar, err := required(KindSolid, NutrientSugar, per100.Sugar)
	if err != nil {
		return GradeResult{}, err
	}
	fat, err := required(KindSolid, NutrientFat, per100.Fat)
	if err != nil {
		return GradeResult{}, err
	}
	salt, err := required(KindSolid, NutrientSalt, per100.Salt)
	if err != nil {
		return GradeResult{}, err
	}

	traffic := TrafficLights{
		Sugar: SugarLadder.Classify(sugar),
		Fat:   FatLadder.Classify(fat),
		Salt:  SaltLadder.Classify(salt),
	}

	warnings := []string{}
	if traffic.Sugar == Red {
		warnings = append(warnings, warnRedSugar)
	}
	if traffic.Fat == Red {
		warnings = append(warnings, warnRedFat)
	}
	if traffic.Salt == Red {
		warnings = append(warnings, warnRedSalt)
	}

	return GradeResult{
		Kind:          KindSolid,
		Traffic:       &traffic,
		Per100:        per100,
		AffectsLimits: true,
		Warnings:      warnings,
		Risks:         append([]Risk(nil), solidRisks...),
	}, nil
}

func required(kind FoodKind, n Nutrient, v decimal.NullDecimal) (decimal.Decimal, error) {
	if !v.Valid {
		return decimal.Zero, &MissingNutrientError{Kind: kind, Nutrient: n}
	}
	if v.Decimal.IsNegative() {
		return decimal.Zero, &InvalidNutrientError{Nutrient: n, Value: v.Decimal.String()}
	}
	return v.Decimal, nil
}
