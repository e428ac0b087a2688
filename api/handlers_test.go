/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Signup, dashboard and preference changes
- Scan analysis, consumption and error mapping
- Grading, leaderboard, provisioning and metrics
*/
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/intake-engine/core"
	"github.com/warp/intake-engine/logger"
	"github.com/warp/intake-engine/metrics"
	"github.com/warp/intake-engine/store/sqldb"
	"github.com/warp/intake-engine/tracker"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// 11:30 civil time on 2025-03-10
var morning = time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)

// tickingClock moves one second per read so ledger rows have distinct times.
func tickingClock() func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return morning.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

type testEnv struct {
	router  http.Handler
	store   *sqldb.Store
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, limiter *RateLimiter) *testEnv {
	t.Helper()
	store, err := sqldb.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := tickingClock()
	m := metrics.New()
	svc := tracker.New(store, tracker.Options{Lookup: DemoCatalog(), Metrics: m, Now: now})
	demo := tracker.New(store, tracker.Options{Lookup: DemoCatalog(), Now: now})

	h := NewHandler(svc, demo, store, m, logger.Nop())
	return &testEnv{
		router:  NewRouter(h, RouterOptions{CORSOrigins: []string{"http://localhost:5173"}, Limiter: limiter}),
		store:   store,
		metrics: m,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) signup(t *testing.T, name string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/users", SignupRequest{Name: name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeAs[UserDTO](t, rec).ID
}

func (e *testEnv) scan(t *testing.T, user, barcode string) ScanDTO {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/users/"+user+"/scans", AnalyzeRequest{
		Source: "CAMERA", Confidence: 90, Barcodes: []string{barcode},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeAs[AnalyzeResponse](t, rec)
	require.Len(t, resp.Items, 1)
	return resp.Items[0]
}

func (e *testEnv) consume(t *testing.T, user, scanID string, req ConsumeRequest) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/api/users/"+user+"/scans/"+scanID+"/consume", req)
}

func qty(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func grams(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// USERS
// =============================================================================

func TestSignup_ProvisionsToday(t *testing.T) {
	env := newTestEnv(t, nil)

	// GIVEN a new user
	id := env.signup(t, "Asha")

	// WHEN reading the dashboard
	rec := env.do(t, http.MethodGet, "/api/users/"+id+"/today", nil)

	// THEN today's rows exist with baseline limits
	require.Equal(t, http.StatusOK, rec.Code)
	today := decodeAs[TodayDTO](t, rec)
	assert.Equal(t, "2025-03-10", today.Day)
	require.NotNil(t, today.Limits)
	assert.Equal(t, "NORMAL", today.Limits.Preference)
	assert.True(t, today.Limits.SugarG.Equal(grams("25")))
	assert.True(t, today.Limits.SaltG.Equal(grams("5")))
	require.NotNil(t, today.Intake)
	assert.True(t, today.Intake.FreeSugarG.IsZero())
	assert.Equal(t, 0, today.Points)
}

func TestSignup_BlankNameIsBadRequest(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/users", SignupRequest{Name: "  "})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", decodeAs[ErrorResponse](t, rec).Code)
}

func TestSignup_MalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/users", strings.NewReader("{"))
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToday_UnknownUserIsNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/users/nobody/today", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeAs[ErrorResponse](t, rec).Code)
}

func TestChangePreference(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.signup(t, "Ravi")

	t.Run("valid preference applies from tomorrow and ends today's streak", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/users/"+id+"/preference", ChangePreferenceRequest{Preference: "DIABETES_T2"})

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decodeAs[ChangePreferenceResponse](t, rec)
		assert.Equal(t, "DIABETES_T2", resp.Preference)
		assert.Equal(t, "2025-03-11", resp.EffectiveFrom)

		today := decodeAs[TodayDTO](t, env.do(t, http.MethodGet, "/api/users/"+id+"/today", nil))
		assert.Equal(t, "NORMAL", today.Limits.Preference)
		require.NotNil(t, today.Streak)
		assert.Equal(t, string(core.EndedPreferenceChanged), today.Streak.EndedReason)
	})

	t.Run("unknown preference is rejected", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/users/"+id+"/preference", ChangePreferenceRequest{Preference: "KETO"})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "UNKNOWN_PREFERENCE", decodeAs[ErrorResponse](t, rec).Code)
	})
}

// =============================================================================
// SCANS
// =============================================================================

func TestAnalyze_LowConfidenceWritesNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.signup(t, "Meera")

	// WHEN the capture confidence is below the gate
	rec := env.do(t, http.MethodPost, "/api/users/"+id+"/scans", AnalyzeRequest{
		Source: "CAMERA", Confidence: 69, Barcodes: []string{demoOats},
	})

	// THEN nothing is stored and no points are recorded
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "LOW_CONFIDENCE", decodeAs[ErrorResponse](t, rec).Code)

	scans := decodeAs[[]ScanDTO](t, env.do(t, http.MethodGet, "/api/users/"+id+"/scans", nil))
	assert.Empty(t, scans)
	today := decodeAs[TodayDTO](t, env.do(t, http.MethodGet, "/api/users/"+id+"/today", nil))
	assert.Equal(t, 0, today.Points)
}

func TestAnalyze_GradesBarcode(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.signup(t, "Kiran")

	sc := env.scan(t, id, demoCola)

	assert.Equal(t, "BEVERAGE", sc.Kind)
	assert.Equal(t, "Cola", sc.Title)
	require.NotNil(t, sc.Grade)
	assert.Equal(t, core.GradeD, sc.Grade.NutriGrade)
	assert.Equal(t, "D", sc.Label)
	assert.Empty(t, sc.Code)
}

func TestAnalyze_UnknownBarcodeIsStoredUngradable(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.signup(t, "Dev")

	// GIVEN a barcode no provider knows
	sc := env.scan(t, id, "99999999")

	// THEN the scan exists as UNKNOWN with an error code
	assert.Equal(t, "UNKNOWN", sc.Kind)
	assert.Equal(t, "MISSING_TRUSTED_NUTRIENT", sc.Code)
	assert.Nil(t, sc.Grade)

	// AND consuming it is refused
	rec := env.consume(t, id, sc.ID, ConsumeRequest{Consumed: true, Quantity: qty("50"), Unit: "g"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestListScans_TakeValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.signup(t, "Asha")
	env.scan(t, id, demoOats)
	env.scan(t, id, demoBanana)

	one := decodeAs[[]ScanDTO](t, env.do(t, http.MethodGet, "/api/users/"+id+"/scans?take=1", nil))
	assert.Len(t, one, 1)

	rec := env.do(t, http.MethodGet, "/api/users/"+id+"/scans?take=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// CONSUMPTION
// =============================================================================

func TestConsume_BalancedDayAwardedOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.signup(t, "Asha")

	// GIVEN a low sugar solid
	sc := env.scan(t, id, demoOats)

	// WHEN it is eaten
	rec := env.consume(t, id, sc.ID, ConsumeRequest{Consumed: true, Quantity: qty("80"), Unit: "g"})

	// THEN the day is balanced and the bonus is recorded
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeAs[ConsumeResponse](t, rec)
	require.NotNil(t, resp.Streak)
	assert.True(t, resp.Streak.Earned)
	assert.Equal(t, 1, resp.Streak.Count)
	assert.Equal(t, []core.EventType{core.EventBalancedDay}, resp.Awarded)
	assert.Empty(t, resp.Penalties)

	// AND a second balanced consumption does not pay again
	again := env.scan(t, id, demoOats)
	resp = decodeAs[ConsumeResponse](t, env.consume(t, id, again.ID, ConsumeRequest{Consumed: true, Quantity: qty("20"), Unit: "g"}))
	assert.Empty(t, resp.Awarded)

	today := decodeAs[TodayDTO](t, env.do(t, http.MethodGet, "/api/users/"+id+"/today", nil))
	assert.Equal(t, 2+10+2, today.Points)
	assert.True(t, today.Intake.FreeSugarG.Equal(grams("1")))
}

func TestConsume_SugarPenalty(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.signup(t, "Ravi")
	sc := env.scan(t, id, demoCola)

	rec := env.consume(t, id, sc.ID, ConsumeRequest{Consumed: true, Quantity: qty("330"), Unit: "ml"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeAs[ConsumeResponse](t, rec)
	assert.False(t, resp.Streak.Earned)
	assert.Equal(t, []core.EventType{core.EventRepeatedExcessSugar}, resp.Penalties)
}

func TestConsume_Decline(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.signup(t, "Kiran")
	sc := env.scan(t, id, demoDoughnut)

	rec := env.consume(t, id, sc.ID, ConsumeRequest{Consumed: false})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeAs[ConsumeResponse](t, rec)
	assert.Equal(t, []core.EventType{core.EventAvoidRiskyFood}, resp.Awarded)
	assert.Nil(t, resp.Streak)

	scans := decodeAs[[]ScanDTO](t, env.do(t, http.MethodGet, "/api/users/"+id+"/scans", nil))
	require.Len(t, scans, 1)
	require.NotNil(t, scans[0].Consumed)
	assert.False(t, *scans[0].Consumed)
}

func TestConsume_RepeatDeclineConflicts(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.signup(t, "Kiran")
	sc := env.scan(t, id, demoDoughnut)
	require.Equal(t, http.StatusOK, env.consume(t, id, sc.ID, ConsumeRequest{Consumed: false}).Code)

	rec := env.consume(t, id, sc.ID, ConsumeRequest{Consumed: false})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_DECIDED", decodeAs[ErrorResponse](t, rec).Code)
	entries := decodeAs[[]PointsEntryDTO](t, env.do(t, http.MethodGet, "/api/users/"+id+"/points", nil))
	assert.Len(t, entries, 2)
}

func TestConsume_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.signup(t, "Meera")
	sc := env.scan(t, id, demoOats)

	tests := []struct {
		name   string
		scanID string
		req    ConsumeRequest
		status int
		code   string
	}{
		{"missing quantity", sc.ID, ConsumeRequest{Consumed: true, Unit: "g"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"zero quantity", sc.ID, ConsumeRequest{Consumed: true, Quantity: qty("0"), Unit: "g"}, http.StatusBadRequest, "INVALID_NUTRIENT"},
		{"bad unit", sc.ID, ConsumeRequest{Consumed: true, Quantity: qty("10"), Unit: "cup"}, http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown scan", "missing", ConsumeRequest{Consumed: true, Quantity: qty("10"), Unit: "g"}, http.StatusNotFound, "NOT_FOUND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.consume(t, id, tt.scanID, tt.req)

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeAs[ErrorResponse](t, rec).Code)
		})
	}
}

// =============================================================================
// GRADING
// =============================================================================

func TestGrade(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
		check  func(t *testing.T, rec *httptest.ResponseRecorder)
	}{
		{
			name:   "beverage",
			body:   `{"kind":"BEVERAGE","confidence":90,"per100":{"sugar_g":4.2}}`,
			status: http.StatusOK,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				g := decodeAs[core.GradeResult](t, rec)
				assert.Equal(t, core.GradeB, g.NutriGrade)
			},
		},
		{
			name:   "solid with red fat",
			body:   `{"kind":"SOLID","confidence":90,"per100":{"sugar_g":2,"fat_g":20,"sat_fat_g":4,"salt_g":0.2}}`,
			status: http.StatusOK,
			check: func(t *testing.T, rec *httptest.ResponseRecorder) {
				g := decodeAs[core.GradeResult](t, rec)
				require.NotNil(t, g.Traffic)
				assert.Equal(t, core.Red, g.Traffic.Fat)
				assert.Equal(t, core.Green, g.Traffic.Sugar)
			},
		},
		{
			name:   "low confidence",
			body:   `{"kind":"SOLID","confidence":50,"per100":{"sugar_g":2,"fat_g":2,"salt_g":0.1}}`,
			status: http.StatusBadRequest,
		},
		{
			name:   "missing nutrient",
			body:   `{"kind":"SOLID","confidence":90,"per100":{"sugar_g":2}}`,
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "not food",
			body:   `{"kind":"NOT_FOOD","confidence":90,"per100":{}}`,
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "unknown kind",
			body:   `{"kind":"SOUP","confidence":90,"per100":{}}`,
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/grade", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			env.router.ServeHTTP(rec, req)

			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.check != nil {
				tt.check(t, rec)
			}
		})
	}
}

// =============================================================================
// POINTS
// =============================================================================

func TestLeaderboard_MasksNamesAndRanks(t *testing.T) {
	env := newTestEnv(t, nil)
	asha := env.signup(t, "Ashwini")
	ravi := env.signup(t, "Ravi")

	env.do(t, http.MethodPost, "/api/users/"+asha+"/points/bonus", nil)
	env.do(t, http.MethodPost, "/api/users/"+asha+"/points/bonus", nil)
	rec := env.do(t, http.MethodPost, "/api/users/"+ravi+"/points/bonus", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, decodeAs[PointsDTO](t, rec).Points)

	rec = env.do(t, http.MethodGet, "/api/leaderboard", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	board := decodeAs[LeaderboardResponse](t, rec)
	require.Len(t, board.Top, 2)
	assert.Equal(t, LeaderboardRowDTO{Rank: 1, DisplayName: "A*****i", Points: 10, ReachedAt: board.Top[0].ReachedAt}, board.Top[0])
	assert.Equal(t, "R**i", board.Top[1].DisplayName)
	assert.Equal(t, 2, board.Top[1].Rank)
	assert.NotContains(t, rec.Body.String(), "Ashwini")
}

func TestLeaderboard_TakeOne(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, name := range []string{"Asha", "Ravi"} {
		env.do(t, http.MethodPost, "/api/users/"+env.signup(t, name)+"/points/bonus", nil)
	}

	board := decodeAs[LeaderboardResponse](t, env.do(t, http.MethodGet, "/api/leaderboard?take=1", nil))

	assert.Len(t, board.Top, 1)
}

func TestPointsHistory_NewestFirst(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.signup(t, "Kiran")
	sc := env.scan(t, id, demoDoughnut)
	env.consume(t, id, sc.ID, ConsumeRequest{Consumed: false})

	rec := env.do(t, http.MethodGet, "/api/users/"+id+"/points", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeAs[[]PointsEntryDTO](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, string(core.EventAvoidRiskyFood), entries[0].Type)
	assert.Equal(t, 3, entries[0].Delta)
	assert.Equal(t, string(core.EventScanFood), entries[1].Type)

	// payloads decode back into their typed events
	avoided, err := core.DecodeEvent(core.EventAvoidRiskyFood, entries[0].Event)
	require.NoError(t, err)
	assert.Equal(t, core.AvoidRiskyFood{ScanID: sc.ID}, avoided)
	scanned, err := core.DecodeEvent(core.EventScanFood, entries[1].Event)
	require.NoError(t, err)
	assert.Equal(t, core.ScanFood{Source: "CAMERA", Confidence: 90}, scanned)
}

// =============================================================================
// INTERNAL
// =============================================================================

func TestProvision_DefaultsToToday(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signup(t, "Asha")
	env.signup(t, "Ravi")

	rec := env.do(t, http.MethodPost, "/api/internal/provision", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeAs[ProvisionResponse](t, rec)
	assert.Equal(t, "2025-03-10", resp.Day)
	assert.Equal(t, 2, resp.Users)
	assert.Equal(t, 0, resp.Created)
	assert.Equal(t, 2, resp.Existing)
	assert.Empty(t, resp.Failures)
}

func TestProvision_ExplicitDay(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signup(t, "Asha")

	rec := env.do(t, http.MethodPost, "/api/internal/provision", ProvisionRequest{Day: "2025-03-11"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeAs[ProvisionResponse](t, rec).Created)

	rec = env.do(t, http.MethodPost, "/api/internal/provision", ProvisionRequest{Day: "11/03/2025"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetrics_RecordsRoutePattern(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.signup(t, "Asha")
	env.do(t, http.MethodGet, "/api/users/"+id+"/today", nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "intake_engine_http_requests_total")
	assert.Contains(t, body, `route="/api/users/{id}/today"`)
	assert.NotContains(t, body, id)
}

func TestRouter_CORSOmitsCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/leaderboard", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()

	env.router.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}
