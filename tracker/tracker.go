/*
tracker.go - Per-user orchestration over the intake engine

PURPOSE:
  Strings the engine components together for one user action at a time:
  signing up, changing preference, analyzing a scan, confirming or
  declining consumption and claiming a bonus. Every action is a short
  sequence of independent atomic steps; none of them holds a lock across
  steps.

CONSUMPTION FLOW:
  1. Load the scan (owned by the user) and its stored per-100 snapshot
  2. Declined:    mark the scan, award AVOID_RISKY_FOOD
  3. Fruit/veg:   add natural sugar only, no streak evaluation
  4. Otherwise:   delta -> Aggregator.Apply -> Evaluator.EvaluateDay
                  -> BALANCED_DAY once per day when earned
                  -> penalties once per day each

SEE ALSO:
  - core/intake.go:  DeltaFor, Aggregator
  - core/streak.go:  Evaluator
  - core/points.go:  Ledger
*/
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/intake-engine/core"
	"github.com/warp/intake-engine/logger"
	"github.com/warp/intake-engine/metrics"
	"github.com/warp/intake-engine/nutrition"
	"github.com/warp/intake-engine/store/sqldb"
)

const (
	// MaxBarcodes caps how many barcodes one analysis request may queue.
	MaxBarcodes = 10

	DefaultRecentScans = 20
	MaxRecentScans     = 50
	DefaultLeaderboard = 50
)

// ErrInvalidInput marks a request the caller must fix.
var ErrInvalidInput = errors.New("invalid input")

// ErrAlreadyDecided is returned when a scan that already has a decision is
// declined.
var ErrAlreadyDecided = errors.New("scan already decided")

// Store is everything the tracker persists.
type Store interface {
	core.Store

	CreateUser(ctx context.Context, u sqldb.User, initial core.PreferenceChange) error
	GetUser(ctx context.Context, id core.UserID) (*sqldb.User, error)
	UserNames(ctx context.Context, ids []core.UserID) (map[core.UserID]string, error)

	SaveScan(ctx context.Context, sc sqldb.Scan) error
	GetScan(ctx context.Context, user core.UserID, id string) (*sqldb.Scan, error)
	RecentScans(ctx context.Context, user core.UserID, take int) ([]sqldb.Scan, error)
	MarkConsumed(ctx context.Context, user core.UserID, id string, consumed bool, quantity decimal.NullDecimal, unit string, at time.Time) error
}

type Service struct {
	store       Store
	provisioner *core.Provisioner
	aggregator  *core.Aggregator
	evaluator   *core.Evaluator
	ledger      *core.Ledger
	lookup      nutrition.Lookup
	classifier  nutrition.Classifier
	metrics     *metrics.Metrics
	log         *logger.Logger

	now   func() time.Time
	newID func() string
}

// Options carries the optional collaborators. A nil Classifier skips the
// food gate; a nil Lookup makes every item ungradable.
type Options struct {
	Lookup           nutrition.Lookup
	Classifier       nutrition.Classifier
	Metrics          *metrics.Metrics
	Log              *logger.Logger
	ProvisionWorkers int
	Now              func() time.Time
}

func New(store Store, opts Options) *Service {
	log := logger.OrNop(opts.Log)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	lookup := opts.Lookup
	if lookup == nil {
		lookup = nutrition.Chain{}
	}

	provisioner := core.NewProvisioner(store, opts.ProvisionWorkers, log.With("component", "provisioner"))
	provisioner.Now = now
	ledger := core.NewLedger(store)
	ledger.Now = now

	return &Service{
		store:       store,
		provisioner: provisioner,
		aggregator:  core.NewAggregator(store),
		evaluator:   core.NewEvaluator(store),
		ledger:      ledger,
		lookup:      lookup,
		classifier:  opts.Classifier,
		metrics:     opts.Metrics,
		log:         log,
		now:         now,
		newID:       uuid.NewString,
	}
}

// =============================================================================
// USERS & PREFERENCES
// =============================================================================

// Signup creates the user with the baseline preference effective today and
// provisions today's rows for them.
func (s *Service) Signup(ctx context.Context, name string) (*sqldb.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	now := s.now().UTC()
	today := core.DayOf(now)
	u := sqldb.User{ID: core.UserID(s.newID()), Name: name, CreatedAt: now}
	initial := core.PreferenceChange{
		Preference:    core.BaselinePreference,
		EffectiveFrom: today,
		CreatedAt:     now,
	}
	if err := s.store.CreateUser(ctx, u, initial); err != nil {
		return nil, err
	}

	if _, err := s.provisioner.ProvisionUser(ctx, u.ID, today); err != nil {
		return nil, fmt.Errorf("provision %s: %w", today, err)
	}
	s.log.Info("user signed up", "user_id", u.ID, "name", u.Name)
	return &u, nil
}

// ChangePreference appends a history entry effective from the next civil day
// and ends today's streak. Today's limits are untouched.
func (s *Service) ChangePreference(ctx context.Context, user core.UserID, pref core.Preference) (core.Day, error) {
	if _, err := core.LimitsFor(pref); err != nil {
		return core.Day{}, err
	}
	if _, err := s.store.GetUser(ctx, user); err != nil {
		return core.Day{}, err
	}

	now := s.now().UTC()
	today := core.DayOf(now)
	effective := today.Next()
	err := s.store.AppendPreference(ctx, core.PreferenceChange{
		UserID:        user,
		Preference:    pref,
		EffectiveFrom: effective,
		CreatedAt:     now,
	})
	if err != nil {
		return core.Day{}, err
	}
	if err := s.evaluator.ResetForPreferenceChange(ctx, user, today); err != nil {
		return core.Day{}, fmt.Errorf("reset streak: %w", err)
	}

	s.log.Info("preference changed", "user_id", user, "preference", pref, "effective_from", effective.Key())
	return effective, nil
}

// Provision runs the daily provisioning batch for day.
func (s *Service) Provision(ctx context.Context, day core.Day) (core.ProvisionReport, error) {
	start := time.Now()
	report, err := s.provisioner.Provision(ctx, day)
	if err == nil {
		s.metrics.ProvisionRun(report.Created, report.Existing, len(report.Failures), time.Since(start), report.OK())
	}
	return report, err
}

// CurrentDay returns the civil day of the service clock.
func (s *Service) CurrentDay() core.Day { return core.DayOf(s.now()) }

// =============================================================================
// DASHBOARD
// =============================================================================

// Snapshot is the user's view of one day. Rows are nil until provisioned.
type Snapshot struct {
	Day    core.Day
	Limits *core.DailyLimits
	Intake *core.DailyIntake
	Flags  *core.RedFlags
	Streak *core.StreakRecord
	Points int
}

// Today is the dashboard for the current civil day.
func (s *Service) Today(ctx context.Context, user core.UserID) (Snapshot, error) {
	return s.Snapshot(ctx, user, s.CurrentDay())
}

func (s *Service) Snapshot(ctx context.Context, user core.UserID, day core.Day) (Snapshot, error) {
	if _, err := s.store.GetUser(ctx, user); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Day: day}
	var err error
	if snap.Limits, err = s.store.Limits(ctx, user, day); err != nil {
		return snap, err
	}
	if snap.Intake, err = s.store.Intake(ctx, user, day); err != nil {
		return snap, err
	}
	if snap.Flags, err = s.store.RedFlags(ctx, user, day); err != nil {
		return snap, err
	}
	if snap.Streak, err = s.store.Streak(ctx, user, day); err != nil {
		return snap, err
	}
	entry, err := s.store.LeaderboardFor(ctx, user)
	if err != nil {
		return snap, err
	}
	if entry != nil {
		snap.Points = entry.Points
	}
	return snap, nil
}

func (s *Service) RecentScans(ctx context.Context, user core.UserID, take int) ([]sqldb.Scan, error) {
	if take <= 0 {
		take = DefaultRecentScans
	}
	if take > MaxRecentScans {
		take = MaxRecentScans
	}
	return s.store.RecentScans(ctx, user, take)
}

// PointsHistory returns the user's ledger, newest first.
func (s *Service) PointsHistory(ctx context.Context, user core.UserID, limit int) ([]core.PointsEntry, error) {
	return s.store.PointsHistory(ctx, user, limit)
}

// =============================================================================
// POINTS
// =============================================================================

// BonusPoints records a self-reported healthier choice.
func (s *Service) BonusPoints(ctx context.Context, user core.UserID) (core.LeaderboardEntry, error) {
	if _, err := s.store.GetUser(ctx, user); err != nil {
		return core.LeaderboardEntry{}, err
	}
	return s.award(ctx, user, core.ChooseHealthierOption{})
}

func (s *Service) award(ctx context.Context, user core.UserID, ev core.Event) (core.LeaderboardEntry, error) {
	entry, err := s.ledger.Record(ctx, user, ev)
	if err != nil {
		return entry, fmt.Errorf("record %s: %w", ev.Type(), err)
	}
	delta, _ := core.PointsFor(ev.Type())
	s.metrics.PointsAwarded(string(ev.Type()), delta)
	s.log.Debug("points recorded", "user_id", user, "event", ev.Type(), "total", entry.Points)
	return entry, nil
}

// awardOnce records a day-scoped event unless one of its type already exists
// for that day. Two racing callers may both pass the check; the ledger stays
// valid but the user is credited twice.
func (s *Service) awardOnce(ctx context.Context, user core.UserID, ev core.Event) (bool, error) {
	day, ok := ev.DayScope()
	if !ok {
		return false, fmt.Errorf("%w: %s is not day scoped", core.ErrUnknownEventType, ev.Type())
	}
	done, err := s.ledger.RecordedOn(ctx, user, ev.Type(), day)
	if err != nil || done {
		return false, err
	}
	if _, err := s.award(ctx, user, ev); err != nil {
		return false, err
	}
	return true, nil
}

// LeaderRow is one public leaderboard line.
type LeaderRow struct {
	Rank        int
	DisplayName string
	Points      int
	ReachedAt   time.Time
}

// Leaderboard returns the top n rows with masked names.
func (s *Service) Leaderboard(ctx context.Context, n int) ([]LeaderRow, error) {
	if n <= 0 {
		n = DefaultLeaderboard
	}
	top, err := s.ledger.Top(ctx, n)
	if err != nil {
		return nil, err
	}

	ids := make([]core.UserID, len(top))
	for i, e := range top {
		ids[i] = e.UserID
	}
	names, err := s.store.UserNames(ctx, ids)
	if err != nil {
		return nil, err
	}

	rows := make([]LeaderRow, len(top))
	for i, e := range top {
		rows[i] = LeaderRow{
			Rank:        i + 1,
			DisplayName: logger.MaskName(names[e.UserID]),
			Points:      e.Points,
			ReachedAt:   e.ReachedAt,
		}
	}
	return rows, nil
}
