/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

UNITS:
  Grams travel as decimal strings ("12.5") so no float rounding leaks into
  the ledger. Days are "YYYY-MM-DD" in the fixed civil timezone.

VALIDATION:
  Validation is done in handlers and the tracker, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/intake-engine/core"
	"github.com/warp/intake-engine/store/sqldb"
	"github.com/warp/intake-engine/tracker"
)

// =============================================================================
// USERS
// =============================================================================

type SignupRequest struct {
	Name string `json:"name"`
}

type UserDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

type ChangePreferenceRequest struct {
	Preference string `json:"preference"`
}

type ChangePreferenceResponse struct {
	Preference    string `json:"preference"`
	EffectiveFrom string `json:"effective_from"`
}

// =============================================================================
// DASHBOARD
// =============================================================================

type LimitsDTO struct {
	Preference string          `json:"preference"`
	SugarG     decimal.Decimal `json:"sugar_g"`
	FatG       decimal.Decimal `json:"fat_g"`
	SatFatG    decimal.Decimal `json:"sat_fat_g"`
	SaltG      decimal.Decimal `json:"salt_g"`
}

type IntakeDTO struct {
	FreeSugarG    decimal.Decimal `json:"free_sugar_g"`
	NaturalSugarG decimal.Decimal `json:"natural_sugar_g"`
	FatG          decimal.Decimal `json:"fat_g"`
	SatFatG       decimal.Decimal `json:"sat_fat_g"`
	SaltG         decimal.Decimal `json:"salt_g"`
}

type FlagsDTO struct {
	RedFatItems  int `json:"red_fat_items"`
	RedSaltItems int `json:"red_salt_items"`
}

type StreakDTO struct {
	Day         string `json:"day"`
	Earned      bool   `json:"earned"`
	Count       int    `json:"count"`
	EndedReason string `json:"ended_reason,omitempty"`
}

type TodayDTO struct {
	Day    string     `json:"day"`
	Limits *LimitsDTO `json:"limits"`
	Intake *IntakeDTO `json:"intake"`
	Flags  *FlagsDTO  `json:"flags"`
	Streak *StreakDTO `json:"streak"`
	Points int        `json:"points"`
}

func toTodayDTO(s tracker.Snapshot) TodayDTO {
	dto := TodayDTO{Day: s.Day.Key(), Points: s.Points}
	if s.Limits != nil {
		dto.Limits = &LimitsDTO{
			Preference: string(s.Limits.Preference),
			SugarG:     s.Limits.Limits.Sugar,
			FatG:       s.Limits.Limits.Fat,
			SatFatG:    s.Limits.Limits.SatFat,
			SaltG:      s.Limits.Limits.Salt,
		}
	}
	if s.Intake != nil {
		dto.Intake = &IntakeDTO{
			FreeSugarG:    s.Intake.FreeSugar,
			NaturalSugarG: s.Intake.NaturalSugar,
			FatG:          s.Intake.Fat,
			SatFatG:       s.Intake.SatFat,
			SaltG:         s.Intake.Salt,
		}
	}
	if s.Flags != nil {
		dto.Flags = &FlagsDTO{RedFatItems: s.Flags.RedFatItems, RedSaltItems: s.Flags.RedSaltItems}
	}
	if s.Streak != nil {
		dto.Streak = &StreakDTO{
			Day:         s.Streak.Day.Key(),
			Earned:      s.Streak.Earned,
			Count:       s.Streak.Count,
			EndedReason: string(s.Streak.EndedReason),
		}
	}
	return dto
}

// =============================================================================
// SCANS
// =============================================================================

// AnalyzeRequest carries the capture. Image is base64 (encoding/json decodes
// it into bytes).
type AnalyzeRequest struct {
	Source     string   `json:"source"`
	Confidence int      `json:"confidence"`
	Image      []byte   `json:"image,omitempty"`
	Barcodes   []string `json:"barcodes,omitempty"`
	HintText   string   `json:"hint_text,omitempty"`
}

type ScanDTO struct {
	ID         string            `json:"id"`
	Source     string            `json:"source"`
	Confidence int               `json:"confidence"`
	Kind       string            `json:"kind"`
	Title      string            `json:"title,omitempty"`
	Barcode    string            `json:"barcode,omitempty"`
	Provider   string            `json:"provider,omitempty"`
	Per100     *core.Per100      `json:"per100,omitempty"`
	Grade      *core.GradeResult `json:"grade,omitempty"`
	Label      string            `json:"label,omitempty"`
	Consumed   *bool             `json:"consumed,omitempty"`
	ConsumedAt string            `json:"consumed_at,omitempty"`
	Quantity   *decimal.Decimal  `json:"quantity,omitempty"`
	Unit       string            `json:"unit,omitempty"`
	CreatedAt  string            `json:"created_at"`
	// Error and Code are set when the item could not be graded.
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

type AnalyzeResponse struct {
	Items []ScanDTO `json:"items"`
}

func toScanDTO(sc sqldb.Scan) ScanDTO {
	dto := ScanDTO{
		ID:         sc.ID,
		Source:     string(sc.Source),
		Confidence: sc.Confidence,
		Kind:       string(sc.Kind),
		Title:      sc.Title,
		Barcode:    sc.Barcode,
		Provider:   sc.Provider,
		Grade:      sc.Grade,
		Consumed:   sc.Consumed,
		Unit:       sc.Unit,
		CreatedAt:  sc.CreatedAt.Format(time.RFC3339),
	}
	if sc.Grade != nil {
		per100 := sc.Per100
		dto.Per100 = &per100
		dto.Label = sc.Grade.Label()
	}
	if sc.ConsumedAt != nil {
		dto.ConsumedAt = sc.ConsumedAt.Format(time.RFC3339)
	}
	if sc.Quantity.Valid {
		q := sc.Quantity.Decimal
		dto.Quantity = &q
	}
	return dto
}

type ConsumeRequest struct {
	Consumed bool             `json:"consumed"`
	Quantity *decimal.Decimal `json:"quantity,omitempty"`
	Unit     string           `json:"unit,omitempty"`
}

type ConsumeResponse struct {
	Day       string           `json:"day"`
	Streak    *StreakDTO       `json:"streak,omitempty"`
	Awarded   []core.EventType `json:"awarded"`
	Penalties []core.EventType `json:"penalties"`
}

func toConsumeResponse(res tracker.ConsumeResult) ConsumeResponse {
	out := ConsumeResponse{
		Day:       res.Day.Key(),
		Awarded:   res.Awarded,
		Penalties: res.Penalties,
	}
	if out.Awarded == nil {
		out.Awarded = []core.EventType{}
	}
	if out.Penalties == nil {
		out.Penalties = []core.EventType{}
	}
	if res.Streak != nil && res.Streak.Evaluated {
		out.Streak = &StreakDTO{
			Day:         res.Streak.Day.Key(),
			Earned:      res.Streak.Earned,
			Count:       res.Streak.Count,
			EndedReason: string(res.Streak.EndedReason),
		}
	}
	return out
}

// =============================================================================
// GRADING
// =============================================================================

type GradeRequest struct {
	Kind       string      `json:"kind"`
	Confidence int         `json:"confidence"`
	Per100     core.Per100 `json:"per100"`
}

// =============================================================================
// POINTS
// =============================================================================

type PointsDTO struct {
	Points    int    `json:"points"`
	ReachedAt string `json:"reached_at"`
}

// PointsEntryDTO carries the event payload as stored; its shape depends on Type.
type PointsEntryDTO struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"`
	Delta int             `json:"delta"`
	Event json.RawMessage `json:"event"`
	At    string          `json:"at"`
}

type LeaderboardRowDTO struct {
	Rank        int    `json:"rank"`
	DisplayName string `json:"display_name"`
	Points      int    `json:"points"`
	ReachedAt   string `json:"reached_at"`
}

type LeaderboardResponse struct {
	Top []LeaderboardRowDTO `json:"top"`
}

// =============================================================================
// PROVISIONING
// =============================================================================

type ProvisionRequest struct {
	// Day defaults to the current civil day.
	Day string `json:"day,omitempty"`
}

type ProvisionFailureDTO struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

type ProvisionResponse struct {
	Day      string                `json:"day"`
	Users    int                   `json:"users"`
	Created  int                   `json:"created"`
	Existing int                   `json:"existing"`
	Failures []ProvisionFailureDTO `json:"failures"`
}

func toProvisionResponse(r core.ProvisionReport) ProvisionResponse {
	out := ProvisionResponse{
		Day:      r.Day.Key(),
		Users:    r.Users,
		Created:  r.Created,
		Existing: r.Existing,
		Failures: make([]ProvisionFailureDTO, len(r.Failures)),
	}
	for i, f := range r.Failures {
		out.Failures[i] = ProvisionFailureDTO{UserID: string(f.UserID), Error: f.Err.Error()}
	}
	return out
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

type LoadScenarioResponse struct {
	Scenario ScenarioDTO `json:"scenario"`
	UserID   string      `json:"user_id"`
	Today    TodayDTO    `json:"today"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
