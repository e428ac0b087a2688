package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/intake-engine/core"
	"github.com/warp/intake-engine/nutrition"
	"github.com/warp/intake-engine/store/sqldb"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// 11:30 civil time on 2025-03-10
var morning = time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var testCatalog = nutrition.Catalog{
	"10000001": {
		Code: "10000001", Title: "Cream biscuits", Kind: core.KindSolid, Provider: "catalog",
		Per100: core.Per100{Sugar: core.Present(30), Fat: core.Present(3), SatFat: core.Present(1), Salt: core.Present(0.2)},
	},
	"10000002": {
		Code: "10000002", Title: "Lemon soda", Kind: core.KindBeverage, Provider: "catalog",
		Per100: core.Per100{Sugar: core.Present(5)},
	},
	"10000003": {
		Code: "10000003", Title: "Banana", Kind: core.KindFruitOrVegetable, Provider: "catalog",
		Per100: core.Per100{Sugar: core.Present(12)},
	},
	"10000004": {
		Code: "10000004", Title: "Mystery bar", Kind: core.KindSolid, Provider: "catalog",
		Per100: core.Per100{Sugar: core.Present(10)},
	},
	"10000005": {
		Code: "10000005", Title: "Fried snack", Kind: core.KindSolid, Provider: "catalog",
		Per100: core.Per100{Sugar: core.Present(1), Fat: core.Present(25), SatFat: core.Present(8), Salt: core.Present(0.2)},
	},
}

func newTestService(t *testing.T, opts Options) (*Service, *sqldb.Store, *clock) {
	t.Helper()
	store, err := sqldb.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := &clock{t: morning}
	if opts.Lookup == nil {
		opts.Lookup = testCatalog
	}
	opts.Now = c.now
	return New(store, opts), store, c
}

func signup(t *testing.T, svc *Service, name string) core.UserID {
	t.Helper()
	u, err := svc.Signup(context.Background(), name)
	require.NoError(t, err)
	return u.ID
}

func scanBarcode(t *testing.T, svc *Service, user core.UserID, code string) ScanOutcome {
	t.Helper()
	res, err := svc.Analyze(context.Background(), user, AnalyzeInput{
		Source: sqldb.SourceCamera, Confidence: 90, Barcodes: []string{code},
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	return res.Items[0]
}

func eat(grams string) ConsumeInput {
	return ConsumeInput{Consumed: true, Quantity: decimal.RequireFromString(grams), Unit: "g"}
}

func points(t *testing.T, svc *Service, user core.UserID) int {
	t.Helper()
	snap, err := svc.Today(context.Background(), user)
	require.NoError(t, err)
	return snap.Points
}

// =============================================================================
// SIGNUP & PREFERENCE
// =============================================================================

func TestSignup_ProvisionsTodayWithBaseline(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	user := signup(t, svc, "Asha Rao")

	snap, err := svc.Today(context.Background(), user)

	require.NoError(t, err)
	require.NotNil(t, snap.Limits)
	assert.Equal(t, "2025-03-10", snap.Day.Key())
	assert.Equal(t, core.PreferenceNormal, snap.Limits.Preference)
	assert.True(t, snap.Limits.Limits.Sugar.Equal(decimal.NewFromInt(25)))
	require.NotNil(t, snap.Intake)
	assert.True(t, snap.Intake.FreeSugar.IsZero())
	assert.Equal(t, 0, snap.Points)
}

func TestSignup_RejectsBlankName(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	_, err := svc.Signup(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestChangePreference_AppliesFromTomorrowAndEndsStreak(t *testing.T) {
	// GIVEN: A baseline user with today provisioned
	// WHEN: They switch to DIABETES_T2
	// THEN: Today keeps baseline limits, today's streak is ended, tomorrow gets the new limits

	svc, store, c := newTestService(t, Options{})
	ctx := context.Background()
	user := signup(t, svc, "Ravi")

	effective, err := svc.ChangePreference(ctx, user, core.PreferenceDiabetesT2)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-11", effective.Key())

	snap, err := svc.Today(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, core.PreferenceNormal, snap.Limits.Preference)
	require.NotNil(t, snap.Streak)
	assert.Equal(t, core.EndedPreferenceChanged, snap.Streak.EndedReason)
	assert.Equal(t, 0, snap.Streak.Count)

	c.advance(24 * time.Hour)
	report, err := svc.Provision(ctx, svc.CurrentDay())
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 1, report.Created)

	limits, err := store.Limits(ctx, user, core.MustParseDay("2025-03-11"))
	require.NoError(t, err)
	assert.Equal(t, core.PreferenceDiabetesT2, limits.Preference)
	assert.True(t, limits.Limits.Sugar.Equal(decimal.NewFromInt(15)))
}

func TestChangePreference_UnknownPreference(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	user := signup(t, svc, "Ravi")

	_, err := svc.ChangePreference(context.Background(), user, core.Preference("KETO"))

	assert.ErrorIs(t, err, core.ErrUnknownPreference)
}

// =============================================================================
// ANALYZE
// =============================================================================

func TestAnalyze_LowConfidenceWritesNothing(t *testing.T) {
	svc, store, _ := newTestService(t, Options{})
	ctx := context.Background()
	user := signup(t, svc, "Meera")

	_, err := svc.Analyze(ctx, user, AnalyzeInput{Source: sqldb.SourceCamera, Confidence: 69, Barcodes: []string{"10000001"}})

	assert.ErrorIs(t, err, core.ErrLowConfidence)
	entry, err := store.LeaderboardFor(ctx, user)
	require.NoError(t, err)
	assert.Nil(t, entry)
	scans, err := svc.RecentScans(ctx, user, 0)
	require.NoError(t, err)
	assert.Empty(t, scans)
}

func TestAnalyze_GradesAndAwardsScanPoints(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	user := signup(t, svc, "Meera")

	out := scanBarcode(t, svc, user, "10000001")

	require.NoError(t, out.Err)
	assert.Equal(t, core.KindSolid, out.Scan.Kind)
	require.NotNil(t, out.Scan.Grade)
	assert.Equal(t, core.Red, out.Scan.Grade.Traffic.Sugar)
	assert.Equal(t, 2, points(t, svc, user))
}

func TestAnalyze_MissingNutrientStoresUnknownScan(t *testing.T) {
	// GIVEN: A solid item with only sugar known
	// WHEN: It is analyzed
	// THEN: The scan is stored as UNKNOWN and reported as missing trusted data

	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	user := signup(t, svc, "Meera")

	out := scanBarcode(t, svc, user, "10000004")

	assert.ErrorIs(t, out.Err, core.ErrMissingTrustedNutrient)
	var missing *core.MissingNutrientError
	require.True(t, errors.As(out.Err, &missing))
	assert.Equal(t, core.NutrientFat, missing.Nutrient)
	assert.Equal(t, core.KindUnknown, out.Scan.Kind)

	_, err := svc.Consume(ctx, user, out.Scan.ID, eat("50"))
	assert.ErrorIs(t, err, core.ErrMissingTrustedNutrient)
}

func TestAnalyze_NoMatchIsMissingTrustedNutrient(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	user := signup(t, svc, "Meera")

	out := scanBarcode(t, svc, user, "99999999")

	assert.ErrorIs(t, out.Err, core.ErrMissingTrustedNutrient)
	assert.Equal(t, "99999999", out.Scan.Barcode)
}

func TestAnalyze_ClassifierRejectsNonFood(t *testing.T) {
	svc, _, _ := newTestService(t, Options{
		Classifier: nutrition.StaticClassifier{Result: nutrition.Classification{IsFood: false, Confidence: 95, Label: "Car"}},
	})
	user := signup(t, svc, "Meera")

	res, err := svc.Analyze(context.Background(), user, AnalyzeInput{
		Source: sqldb.SourceUpload, Confidence: 90, Image: []byte("jpeg"),
	})

	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.ErrorIs(t, res.Items[0].Err, core.ErrNotFood)
	assert.Equal(t, core.KindNotFood, res.Items[0].Scan.Kind)
}

func TestAnalyze_BarcodeQueueIsCapped(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	user := signup(t, svc, "Meera")
	codes := make([]string, MaxBarcodes+3)
	for i := range codes {
		codes[i] = "10000002"
	}

	res, err := svc.Analyze(context.Background(), user, AnalyzeInput{Source: sqldb.SourceCamera, Confidence: 80, Barcodes: codes})

	require.NoError(t, err)
	assert.Len(t, res.Items, MaxBarcodes)
}

func TestAnalyze_RejectsUnknownSource(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	user := signup(t, svc, "Meera")

	_, err := svc.Analyze(context.Background(), user, AnalyzeInput{Source: "FAX", Confidence: 90})

	assert.ErrorIs(t, err, ErrInvalidInput)
}

// =============================================================================
// CONSUME
// =============================================================================

func TestConsume_BaselineUserOverSugarFailsDay(t *testing.T) {
	// GIVEN: A new baseline user (25g sugar ceiling)
	// WHEN: They eat 100g of a solid with 30g sugar per 100g
	// THEN: The day is not earned, the reason is evaluation-failed and the
	//       sugar penalty is charged once

	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	user := signup(t, svc, "Kiran")
	out := scanBarcode(t, svc, user, "10000001")

	res, err := svc.Consume(ctx, user, out.Scan.ID, eat("100"))

	require.NoError(t, err)
	require.NotNil(t, res.Streak)
	assert.True(t, res.Streak.Evaluated)
	assert.False(t, res.Streak.Earned)
	assert.Equal(t, core.EndedEvaluationFailed, res.Streak.EndedReason)
	assert.Equal(t, []core.EventType{core.EventRepeatedExcessSugar}, res.Penalties)
	assert.Equal(t, 2-5, points(t, svc, user))

	// a second helping does not charge again
	res, err = svc.Consume(ctx, user, out.Scan.ID, eat("10"))
	require.NoError(t, err)
	assert.Empty(t, res.Penalties)
	assert.Equal(t, 2-5, points(t, svc, user))

	snap, err := svc.Today(ctx, user)
	require.NoError(t, err)
	assert.True(t, snap.Intake.FreeSugar.Equal(decimal.NewFromInt(33)))
}

func TestConsume_BalancedDayAwardedOnce(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	user := signup(t, svc, "Kiran")
	out := scanBarcode(t, svc, user, "10000002")

	first, err := svc.Consume(ctx, user, out.Scan.ID, ConsumeInput{Consumed: true, Quantity: decimal.NewFromInt(100), Unit: "ml"})
	require.NoError(t, err)
	second, err := svc.Consume(ctx, user, out.Scan.ID, ConsumeInput{Consumed: true, Quantity: decimal.NewFromInt(100), Unit: "ml"})
	require.NoError(t, err)

	assert.True(t, first.Streak.Earned)
	assert.Equal(t, 1, first.Streak.Count)
	assert.Equal(t, []core.EventType{core.EventBalancedDay}, first.Awarded)
	assert.True(t, second.Streak.Earned)
	assert.Empty(t, second.Awarded)
	assert.Equal(t, 2+10, points(t, svc, user))
}

func TestConsume_RedFatPenaltyForHighRiskOnly(t *testing.T) {
	// GIVEN: One red-fat item eaten by a baseline user and by a HIGH_BP user
	// THEN: Only the high-risk user fails the day and pays the red penalty

	svc, _, c := newTestService(t, Options{})
	ctx := context.Background()
	normal := signup(t, svc, "Normal")
	risky := signup(t, svc, "Risky")
	_, err := svc.ChangePreference(ctx, risky, core.PreferenceHighBP)
	require.NoError(t, err)

	c.advance(24 * time.Hour)
	_, err = svc.Provision(ctx, svc.CurrentDay())
	require.NoError(t, err)

	n := scanBarcode(t, svc, normal, "10000005")
	resNormal, err := svc.Consume(ctx, normal, n.Scan.ID, eat("100"))
	require.NoError(t, err)
	assert.True(t, resNormal.Streak.Earned)
	assert.Empty(t, resNormal.Penalties)

	r := scanBarcode(t, svc, risky, "10000005")
	resRisky, err := svc.Consume(ctx, risky, r.Scan.ID, eat("100"))
	require.NoError(t, err)
	assert.False(t, resRisky.Streak.Earned)
	assert.Equal(t, []core.EventType{core.EventRepeatedRedFatSalt}, resRisky.Penalties)
}

func TestConsume_FruitAddsNaturalSugarOnly(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	user := signup(t, svc, "Kiran")
	out := scanBarcode(t, svc, user, "10000003")

	res, err := svc.Consume(ctx, user, out.Scan.ID, eat("200"))

	require.NoError(t, err)
	assert.Nil(t, res.Streak)
	snap, err := svc.Today(ctx, user)
	require.NoError(t, err)
	assert.True(t, snap.Intake.NaturalSugar.Equal(decimal.NewFromInt(24)))
	assert.True(t, snap.Intake.FreeSugar.IsZero())
}

func TestConsume_DeclineAwardsAvoidRiskyFood(t *testing.T) {
	svc, store, _ := newTestService(t, Options{})
	ctx := context.Background()
	user := signup(t, svc, "Kiran")
	out := scanBarcode(t, svc, user, "10000001")

	res, err := svc.Consume(ctx, user, out.Scan.ID, ConsumeInput{Consumed: false})

	require.NoError(t, err)
	assert.Equal(t, []core.EventType{core.EventAvoidRiskyFood}, res.Awarded)
	assert.Equal(t, 2+3, points(t, svc, user))

	sc, err := store.GetScan(ctx, user, out.Scan.ID)
	require.NoError(t, err)
	require.NotNil(t, sc.Consumed)
	assert.False(t, *sc.Consumed)
	assert.Nil(t, sc.ConsumedAt)
}

func TestConsume_SecondDeclineIsRejected(t *testing.T) {
	// GIVEN: A scan the user already declined, and one they ate
	// WHEN: Each is declined again
	// THEN: Both fail and AVOID_RISKY_FOOD is paid only once

	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	user := signup(t, svc, "Kiran")
	declined := scanBarcode(t, svc, user, "10000001")
	eaten := scanBarcode(t, svc, user, "10000001")
	_, err := svc.Consume(ctx, user, declined.Scan.ID, ConsumeInput{Consumed: false})
	require.NoError(t, err)
	_, err = svc.Consume(ctx, user, eaten.Scan.ID, eat("10"))
	require.NoError(t, err)
	before := points(t, svc, user)

	_, err = svc.Consume(ctx, user, declined.Scan.ID, ConsumeInput{Consumed: false})
	assert.ErrorIs(t, err, ErrAlreadyDecided)
	_, err = svc.Consume(ctx, user, eaten.Scan.ID, ConsumeInput{Consumed: false})
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	assert.Equal(t, before, points(t, svc, user))
	history, err := svc.PointsHistory(ctx, user, 0)
	require.NoError(t, err)
	avoided := 0
	for _, e := range history {
		if e.Type == core.EventAvoidRiskyFood {
			avoided++
		}
	}
	assert.Equal(t, 1, avoided)
}

func TestConsume_OtherUsersScanIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	owner := signup(t, svc, "Owner")
	other := signup(t, svc, "Other")
	out := scanBarcode(t, svc, owner, "10000001")

	_, err := svc.Consume(context.Background(), other, out.Scan.ID, eat("10"))

	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestConsume_RejectsBadQuantityAndUnit(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	ctx := context.Background()
	user := signup(t, svc, "Kiran")
	out := scanBarcode(t, svc, user, "10000001")

	_, err := svc.Consume(ctx, user, out.Scan.ID, ConsumeInput{Consumed: true, Quantity: decimal.NewFromInt(-5), Unit: "g"})
	assert.ErrorIs(t, err, core.ErrInvalidNutrient)

	_, err = svc.Consume(ctx, user, out.Scan.ID, ConsumeInput{Consumed: true, Quantity: decimal.NewFromInt(5), Unit: "cup"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// =============================================================================
// POINTS & LEADERBOARD
// =============================================================================

func TestLeaderboard_MasksNamesAndBreaksTies(t *testing.T) {
	// GIVEN: Two users reaching 5 points, one earlier than the other
	// THEN: The earlier one ranks first and names are masked

	svc, _, c := newTestService(t, Options{})
	ctx := context.Background()
	late := signup(t, svc, "Zubin Mehta")
	early := signup(t, svc, "Anjali")

	_, err := svc.BonusPoints(ctx, early)
	require.NoError(t, err)
	c.advance(time.Minute)
	_, err = svc.BonusPoints(ctx, late)
	require.NoError(t, err)

	rows, err := svc.Leaderboard(ctx, 0)

	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Rank)
	assert.Equal(t, "A****i", rows[0].DisplayName)
	assert.Equal(t, 5, rows[0].Points)
	assert.Equal(t, "Z******a", rows[1].DisplayName)
}

func TestBonusPoints_UnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t, Options{})
	_, err := svc.BonusPoints(context.Background(), "nobody")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestPointsHistory_NewestFirst(t *testing.T) {
	svc, _, c := newTestService(t, Options{})
	ctx := context.Background()
	user := signup(t, svc, "Kiran")
	out := scanBarcode(t, svc, user, "10000001")
	c.advance(time.Second)
	_, err := svc.Consume(ctx, user, out.Scan.ID, ConsumeInput{Consumed: false})
	require.NoError(t, err)

	history, err := svc.PointsHistory(ctx, user, 0)

	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, core.EventAvoidRiskyFood, history[0].Type)
	assert.Equal(t, core.EventScanFood, history[1].Type)
	assert.Equal(t, core.AvoidRiskyFood{ScanID: out.Scan.ID}, history[0].Event)
}
