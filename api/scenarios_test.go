package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/intake-engine/core"
)

func loadScenario(t *testing.T, env *testEnv, id string) LoadScenarioResponse {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[LoadScenarioResponse](t, rec)
}

func TestScenario_BalancedDay(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := loadScenario(t, env, "balanced-day")

	// oats earn the streak; the banana only adds natural sugar
	today := resp.Today
	require.NotNil(t, today.Streak)
	assert.True(t, today.Streak.Earned)
	assert.Equal(t, 1, today.Streak.Count)
	assert.True(t, today.Intake.FreeSugarG.Equal(grams("0.8")))
	assert.True(t, today.Intake.NaturalSugarG.Equal(grams("14.4")))
	assert.Equal(t, 2+10+2, today.Points)
}

func TestScenario_SugarOverload(t *testing.T) {
	env := newTestEnv(t, nil)

	today := loadScenario(t, env, "sugar-overload").Today

	assert.False(t, today.Streak.Earned)
	assert.True(t, today.Intake.FreeSugarG.Equal(grams("69.96")))
	// two scans, one penalty for the day
	assert.Equal(t, 2+2-5, today.Points)
}

func TestScenario_RedFatSalt(t *testing.T) {
	env := newTestEnv(t, nil)

	today := loadScenario(t, env, "red-fat-salt").Today

	assert.Equal(t, 2, today.Flags.RedFatItems)
	assert.Equal(t, 2, today.Flags.RedSaltItems)
	assert.False(t, today.Streak.Earned)
	// the first snack stays within tolerance and earns the day before the second breaks it
	assert.Equal(t, 2+10+2-5, today.Points)
}

func TestScenario_AvoidedRisk(t *testing.T) {
	env := newTestEnv(t, nil)

	today := loadScenario(t, env, "avoided-risk").Today

	assert.Equal(t, 2+3+5, today.Points)
	assert.True(t, today.Intake.FreeSugarG.IsZero())
}

func TestScenario_PreferenceSwitch(t *testing.T) {
	env := newTestEnv(t, nil)

	today := loadScenario(t, env, "preference-switch").Today

	assert.Equal(t, "NORMAL", today.Limits.Preference)
	assert.False(t, today.Streak.Earned)
	assert.Equal(t, string(core.EndedPreferenceChanged), today.Streak.EndedReason)
}

func TestScenario_AllScenariosLoadWithoutError(t *testing.T) {
	env := newTestEnv(t, nil)

	list := decodeAs[[]ScenarioDTO](t, env.do(t, http.MethodGet, "/api/scenarios", nil))
	require.Len(t, list, len(scenarios))

	for _, s := range list {
		t.Run(s.ID, func(t *testing.T) {
			resp := loadScenario(t, env, s.ID)
			assert.Equal(t, s.ID, resp.Scenario.ID)
			assert.NotEmpty(t, resp.UserID)
		})
	}

	// every demo user is on the shared leaderboard
	board := decodeAs[LeaderboardResponse](t, env.do(t, http.MethodGet, "/api/leaderboard", nil))
	assert.Len(t, board.Top, len(scenarios))
}

func TestScenario_Unknown(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDemoCatalog_AllItemsComplete(t *testing.T) {
	for code, item := range DemoCatalog() {
		assert.Equal(t, code, item.Code)
		assert.True(t, item.Complete(), code)
	}
}
