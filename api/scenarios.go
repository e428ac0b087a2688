/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that create a demo user and drive a day of
	scans and consumptions through the real tracker, so the dashboard,
	streak and leaderboard show a specific behavior.

AVAILABLE SCENARIOS:

	balanced-day:      Low sugar breakfast and fruit, BALANCED_DAY earned
	sugar-overload:    Two sodas over the free sugar limit, penalty charged
	red-fat-salt:      Two red-fat, red-salt snacks, penalty charged
	avoided-risk:      A risky item declined, AVOID_RISKY_FOOD earned
	preference-switch: Preference changed, today's streak ended

HOW SCENARIOS WORK:
 1. Sign up a fresh demo user (provisions today)
 2. Scan catalog barcodes at full confidence
 3. Confirm or decline each scan
 4. Return the resulting dashboard

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "sugar-overload"}

ADDING NEW SCENARIOS:
 1. Add an entry to 'scenarios' with ID, name, description and steps
 2. Add any new products to DemoCatalog

NOTE:

	Scenarios never reset data; every load adds a new user to the shared
	leaderboard. Only enable them in development/demo environments.

SEE ALSO:
  - handlers.go: error mapping shared with the scenario handlers
  - nutrition/nutrition.go: Catalog
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/intake-engine/core"
	"github.com/warp/intake-engine/nutrition"
	"github.com/warp/intake-engine/store/sqldb"
	"github.com/warp/intake-engine/tracker"
)

// =============================================================================
// DEMO CATALOG
// =============================================================================

const (
	demoOats     = "20000001"
	demoBanana   = "20000002"
	demoCola     = "20000003"
	demoCrisps   = "20000004"
	demoDoughnut = "20000005"
)

// DemoCatalog is the fixed product set the scenarios scan.
func DemoCatalog() nutrition.Catalog {
	item := func(code, title string, kind core.FoodKind, per100 core.Per100) nutrition.Item {
		return nutrition.Item{Code: code, Title: title, Kind: kind, Per100: per100, Provider: "demo"}
	}
	return nutrition.Catalog{
		demoOats: item(demoOats, "Rolled oats", core.KindSolid, core.Per100{
			Sugar: core.Present(1), Fat: core.Present(7), SatFat: core.Present(1.2), Salt: core.Present(0.01),
		}),
		demoBanana: item(demoBanana, "Banana", core.KindFruitOrVegetable, core.Per100{
			Sugar: core.Present(12),
		}),
		demoCola: item(demoCola, "Cola", core.KindBeverage, core.Per100{
			Sugar: core.Present(10.6),
		}),
		demoCrisps: item(demoCrisps, "Salted crisps", core.KindSolid, core.Per100{
			Sugar: core.Present(0.5), Fat: core.Present(34), SatFat: core.Present(3), Salt: core.Present(1.8),
		}),
		demoDoughnut: item(demoDoughnut, "Glazed doughnut", core.KindSolid, core.Per100{
			Sugar: core.Present(24), Fat: core.Present(22), SatFat: core.Present(10), Salt: core.Present(0.8),
		}),
	}
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioStep func(ctx context.Context, t *tracker.Service, user core.UserID) error

type scenario struct {
	ScenarioDTO
	user  string
	steps []scenarioStep
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "balanced-day",
			Name:        "Balanced Day",
			Description: "Oats and a banana; every limit respected and the streak starts",
		},
		user:  "Asha Balanced",
		steps: []scenarioStep{eat(demoOats, "80", "g"), eat(demoBanana, "120", "g")},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "sugar-overload",
			Name:        "Sugar Overload",
			Description: "Two cans of cola push free sugar past the daily limit",
		},
		user:  "Ravi Sweet",
		steps: []scenarioStep{eat(demoCola, "330", "ml"), eat(demoCola, "330", "ml")},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "red-fat-salt",
			Name:        "Red Fat & Salt",
			Description: "Two red-graded snacks exceed the red item tolerance",
		},
		user:  "Meera Crunch",
		steps: []scenarioStep{eat(demoCrisps, "40", "g"), eat(demoCrisps, "40", "g")},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "avoided-risk",
			Name:        "Avoided Risk",
			Description: "A doughnut is scanned and declined",
		},
		user:  "Kiran Careful",
		steps: []scenarioStep{decline(demoDoughnut), bonus()},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "preference-switch",
			Name:        "Preference Switch",
			Description: "Switch to diabetes type 2 limits from tomorrow; today's streak ends",
		},
		user:  "Dev Switch",
		steps: []scenarioStep{eat(demoOats, "60", "g"), changePreference(core.PreferenceDiabetesT2)},
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// STEPS
// =============================================================================

func scanBarcode(ctx context.Context, t *tracker.Service, user core.UserID, code string) (sqldb.Scan, error) {
	res, err := t.Analyze(ctx, user, tracker.AnalyzeInput{
		Source:     sqldb.SourceCamera,
		Confidence: 95,
		Barcodes:   []string{code},
	})
	if err != nil {
		return sqldb.Scan{}, err
	}
	if len(res.Items) != 1 {
		return sqldb.Scan{}, fmt.Errorf("scan %s: expected one item, got %d", code, len(res.Items))
	}
	if res.Items[0].Err != nil {
		return sqldb.Scan{}, fmt.Errorf("scan %s: %w", code, res.Items[0].Err)
	}
	return res.Items[0].Scan, nil
}

func eat(code, quantity, unit string) scenarioStep {
	qty := decimal.RequireFromString(quantity)
	return func(ctx context.Context, t *tracker.Service, user core.UserID) error {
		sc, err := scanBarcode(ctx, t, user, code)
		if err != nil {
			return err
		}
		_, err = t.Consume(ctx, user, sc.ID, tracker.ConsumeInput{Consumed: true, Quantity: qty, Unit: unit})
		return err
	}
}

func decline(code string) scenarioStep {
	return func(ctx context.Context, t *tracker.Service, user core.UserID) error {
		sc, err := scanBarcode(ctx, t, user, code)
		if err != nil {
			return err
		}
		_, err = t.Consume(ctx, user, sc.ID, tracker.ConsumeInput{Consumed: false})
		return err
	}
}

func bonus() scenarioStep {
	return func(ctx context.Context, t *tracker.Service, user core.UserID) error {
		_, err := t.BonusPoints(ctx, user)
		return err
	}
}

func changePreference(p core.Preference) scenarioStep {
	return func(ctx context.Context, t *tracker.Service, user core.UserID) error {
		_, err := t.ChangePreference(ctx, user, p)
		return err
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario creates a demo user and plays the scenario's steps.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Demo == nil {
		writeError(w, http.StatusNotFound, "Scenarios are disabled", "NOT_FOUND", nil)
		return
	}

	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	sc, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", "INVALID_INPUT", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	u, err := h.Demo.Signup(ctx, sc.user)
	if err != nil {
		h.fail(w, r, "Failed to load scenario", err)
		return
	}
	for i, step := range sc.steps {
		if err := step(ctx, h.Demo, u.ID); err != nil {
			h.fail(w, r, "Failed to load scenario", fmt.Errorf("%s step %d: %w", sc.ID, i+1, err))
			return
		}
	}

	snap, err := h.Demo.Today(ctx, u.ID)
	if err != nil {
		h.fail(w, r, "Failed to load scenario", err)
		return
	}
	h.Log.Info("scenario loaded", "scenario", sc.ID, "user_id", u.ID)
	writeJSON(w, http.StatusCreated, LoadScenarioResponse{
		Scenario: sc.ScenarioDTO,
		UserID:   string(u.ID),
		Today:    toTodayDTO(snap),
	})
}
