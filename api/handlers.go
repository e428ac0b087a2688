/*
handlers.go - HTTP API handlers for the intake engine

PURPOSE:
  Exposes the tracker via REST API. Handles HTTP request/response, JSON
  serialization, and delegates every decision to the tracker and core.

ENDPOINTS:
  Users:
    POST   /api/users                              Sign up (provisions today)
    GET    /api/users/{id}/today                   Dashboard for the current day
    POST   /api/users/{id}/preference              Change preference (from tomorrow)

  Scans:
    POST   /api/users/{id}/scans                   Analyze a capture
    GET    /api/users/{id}/scans?take=N            Recent scans (1..50)
    POST   /api/users/{id}/scans/{scanID}/consume  Confirm or decline

  Points:
    POST   /api/users/{id}/points/bonus            Healthier-option bonus
    GET    /api/users/{id}/points                  Ledger history
    GET    /api/leaderboard?take=N                 Masked top N

  Grading:
    POST   /api/grade                              Pure grading, no persistence

  Internal:
    POST   /api/internal/provision                 Manual provisioning run

  Scenarios:
    GET    /api/scenarios                          List demo scenarios
    POST   /api/scenarios/load                     Seed a demo user

ERROR HANDLING:
  Errors are returned as JSON with a stable code and HTTP status:
  - 400: Invalid input, low confidence, unknown preference
  - 404: User or scan not found
  - 409: Scan already decided (repeat decline)
  - 422: Not food, missing trusted nutrient
  - 500: Date resolution failures and storage errors

SECURITY NOTE:
  No authentication. User ids in the path are trusted; a scan is only
  visible to the user id it was stored under.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/intake-engine/core"
	"github.com/warp/intake-engine/logger"
	"github.com/warp/intake-engine/metrics"
	"github.com/warp/intake-engine/store/sqldb"
	"github.com/warp/intake-engine/tracker"
)

// maxBodyBytes bounds request bodies; images arrive inline as base64.
const maxBodyBytes = 8 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Tracker *tracker.Service
	// Demo seeds scenarios. It shares the store with Tracker but resolves
	// nutrition from a fixed catalog.
	Demo    *tracker.Service
	Store   Pinger
	Metrics *metrics.Metrics
	Log     *logger.Logger
}

// NewHandler creates a handler. demo may be nil to disable scenarios.
func NewHandler(t *tracker.Service, demo *tracker.Service, store Pinger, m *metrics.Metrics, log *logger.Logger) *Handler {
	return &Handler{
		Tracker: t,
		Demo:    demo,
		Store:   store,
		Metrics: m,
		Log:     logger.OrNop(log),
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// Signup creates a user.
// POST /api/users
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !h.decode(w, r, &req) {
		return
	}

	u, err := h.Tracker.Signup(r.Context(), req.Name)
	if err != nil {
		h.fail(w, r, "Failed to sign up", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

// Today returns the dashboard for the current civil day.
// GET /api/users/{id}/today
func (h *Handler) Today(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Tracker.Today(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, "Failed to load today", err)
		return
	}
	writeJSON(w, http.StatusOK, toTodayDTO(snap))
}

// ChangePreference records a new health preference from the next day.
// POST /api/users/{id}/preference
func (h *Handler) ChangePreference(w http.ResponseWriter, r *http.Request) {
	var req ChangePreferenceRequest
	if !h.decode(w, r, &req) {
		return
	}

	pref, err := core.ParsePreference(req.Preference)
	if err != nil {
		h.fail(w, r, "Invalid preference", err)
		return
	}
	effective, err := h.Tracker.ChangePreference(r.Context(), userID(r), pref)
	if err != nil {
		h.fail(w, r, "Failed to change preference", err)
		return
	}
	writeJSON(w, http.StatusOK, ChangePreferenceResponse{
		Preference:    string(pref),
		EffectiveFrom: effective.Key(),
	})
}

// =============================================================================
// SCAN HANDLERS
// =============================================================================

// AnalyzeScan grades a capture. Ungradable items are still stored and come
// back with their error code.
// POST /api/users/{id}/scans
func (h *Handler) AnalyzeScan(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Tracker.Analyze(r.Context(), userID(r), tracker.AnalyzeInput{
		Source:     sqldb.ScanSource(req.Source),
		Confidence: req.Confidence,
		Image:      req.Image,
		Barcodes:   req.Barcodes,
		HintText:   req.HintText,
	})
	if err != nil {
		h.fail(w, r, "Failed to analyze scan", err)
		return
	}

	resp := AnalyzeResponse{Items: make([]ScanDTO, len(res.Items))}
	for i, item := range res.Items {
		resp.Items[i] = toScanDTO(item.Scan)
		if item.Err != nil {
			resp.Items[i].Error = item.Err.Error()
			resp.Items[i].Code = errorCode(item.Err)
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListScans returns the user's most recent scans.
// GET /api/users/{id}/scans?take=N
func (h *Handler) ListScans(w http.ResponseWriter, r *http.Request) {
	take, ok := h.take(w, r)
	if !ok {
		return
	}

	scans, err := h.Tracker.RecentScans(r.Context(), userID(r), take)
	if err != nil {
		h.fail(w, r, "Failed to list scans", err)
		return
	}

	dtos := make([]ScanDTO, len(scans))
	for i, sc := range scans {
		dtos[i] = toScanDTO(sc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ConsumeScan records whether the user ate the scanned item.
// POST /api/users/{id}/scans/{scanID}/consume
func (h *Handler) ConsumeScan(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := tracker.ConsumeInput{Consumed: req.Consumed, Unit: req.Unit}
	if req.Consumed {
		if req.Quantity == nil {
			h.fail(w, r, "Quantity is required", fmt.Errorf("%w: quantity is required", tracker.ErrInvalidInput))
			return
		}
		in.Quantity = *req.Quantity
	}

	res, err := h.Tracker.Consume(r.Context(), userID(r), chi.URLParam(r, "scanID"), in)
	if err != nil {
		h.fail(w, r, "Failed to record consumption", err)
		return
	}
	writeJSON(w, http.StatusOK, toConsumeResponse(res))
}

// =============================================================================
// POINTS HANDLERS
// =============================================================================

// BonusPoints awards CHOOSE_HEALTHIER_OPTION.
// POST /api/users/{id}/points/bonus
func (h *Handler) BonusPoints(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Tracker.BonusPoints(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, "Failed to award bonus", err)
		return
	}
	writeJSON(w, http.StatusOK, PointsDTO{
		Points:    entry.Points,
		ReachedAt: entry.ReachedAt.Format(time.RFC3339),
	})
}

// PointsHistory lists ledger entries, newest first.
// GET /api/users/{id}/points?take=N
func (h *Handler) PointsHistory(w http.ResponseWriter, r *http.Request) {
	take, ok := h.take(w, r)
	if !ok {
		return
	}
	if take <= 0 {
		take = tracker.DefaultRecentScans
	}

	entries, err := h.Tracker.PointsHistory(r.Context(), userID(r), take)
	if err != nil {
		h.fail(w, r, "Failed to load points", err)
		return
	}

	dtos := make([]PointsEntryDTO, len(entries))
	for i, e := range entries {
		payload, err := json.Marshal(e.Event)
		if err != nil {
			h.fail(w, r, "Failed to encode points", err)
			return
		}
		dtos[i] = PointsEntryDTO{
			ID:    e.ID,
			Type:  string(e.Type),
			Delta: e.Delta,
			Event: payload,
			At:    e.At.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Leaderboard returns the masked top N.
// GET /api/leaderboard?take=N
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	take, ok := h.take(w, r)
	if !ok {
		return
	}
	if take > tracker.DefaultLeaderboard {
		take = tracker.DefaultLeaderboard
	}

	rows, err := h.Tracker.Leaderboard(r.Context(), take)
	if err != nil {
		h.fail(w, r, "Failed to load leaderboard", err)
		return
	}

	resp := LeaderboardResponse{Top: make([]LeaderboardRowDTO, len(rows))}
	for i, row := range rows {
		resp.Top[i] = LeaderboardRowDTO{
			Rank:        row.Rank,
			DisplayName: row.DisplayName,
			Points:      row.Points,
			ReachedAt:   row.ReachedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// GRADING
// =============================================================================

// Grade runs the grading engine on caller-supplied trusted values.
// POST /api/grade
func (h *Handler) Grade(w http.ResponseWriter, r *http.Request) {
	var req GradeRequest
	if !h.decode(w, r, &req) {
		return
	}

	g, err := core.Grade(core.FoodKind(req.Kind), req.Confidence, req.Per100)
	if err != nil {
		h.fail(w, r, "Failed to grade", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// =============================================================================
// INTERNAL
// =============================================================================

// Provision runs the provisioning batch for a day, today by default.
// POST /api/internal/provision
func (h *Handler) Provision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	day := h.Tracker.CurrentDay()
	if req.Day != "" {
		parsed, err := core.ParseDay(req.Day)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid day", "INVALID_INPUT", err)
			return
		}
		day = parsed
	}

	report, err := h.Tracker.Provision(r.Context(), day)
	if err != nil {
		h.fail(w, r, "Provisioning failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toProvisionResponse(report))
}

// Health pings the store.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", "UNAVAILABLE", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func userID(r *http.Request) core.UserID {
	return core.UserID(chi.URLParam(r, "id"))
}

func toUserDTO(u *sqldb.User) UserDTO {
	return UserDTO{
		ID:        string(u.ID),
		Name:      u.Name,
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

// decode reads a JSON body into v, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", "INVALID_INPUT", err)
		return false
	}
	return true
}

// take parses the optional take query parameter. Zero means "use default".
func (h *Handler) take(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("take")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "take must be a positive integer", "INVALID_INPUT", err)
		return 0, false
	}
	return n, true
}

// fail maps err to a status and logs server-side failures.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error(message, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, message, errorCode(err), err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tracker.ErrInvalidInput), core.IsClientError(err):
		return http.StatusBadRequest
	case core.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, tracker.ErrAlreadyDecided):
		return http.StatusConflict
	case core.IsUngradable(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, tracker.ErrInvalidInput):
		return "INVALID_INPUT"
	case errors.Is(err, tracker.ErrAlreadyDecided):
		return "ALREADY_DECIDED"
	case errors.Is(err, core.ErrLowConfidence):
		return "LOW_CONFIDENCE"
	case errors.Is(err, core.ErrNotFood):
		return "NOT_FOOD"
	case errors.Is(err, core.ErrMissingTrustedNutrient):
		return "MISSING_TRUSTED_NUTRIENT"
	case errors.Is(err, core.ErrInvalidNutrient):
		return "INVALID_NUTRIENT"
	case errors.Is(err, core.ErrUnknownFoodKind):
		return "UNKNOWN_FOOD_KIND"
	case errors.Is(err, core.ErrUnknownPreference):
		return "UNKNOWN_PREFERENCE"
	case errors.Is(err, core.ErrUnknownEventType):
		return "UNKNOWN_EVENT_TYPE"
	case core.IsNotFound(err):
		return "NOT_FOUND"
	case core.IsFatal(err):
		return "DATE_FORMAT"
	default:
		return "INTERNAL"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
