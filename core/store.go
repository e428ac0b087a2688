/*
store.go - Persistence interfaces for the intake engine

PURPOSE:
  Defines the boundary between the engine and the database. Each component
  depends only on the narrow interface it needs; Store bundles them for
  backends that implement everything.

WRITE CONTRACTS:
  PreferenceStore: append-only, no update or delete
  DayStore:        CreateDay is create-if-absent; ApplyIntake increments at
                   the storage layer inside one atomic unit
  LedgerStore:     AppendPoints writes the ledger row and the leaderboard
                   row in the same atomic unit

MISSING ROWS:
  Single-row reads return (nil, nil) when the row does not exist. Only
  user-facing lookups return ErrNotFound.

IMPLEMENTATIONS:
  - store/sqldb: SQLite / PostgreSQL via sqlx
  - core/store: In-memory for tests and dev
*/
package core

import (
	"context"
	"time"
)

// =============================================================================
// USERS AND PREFERENCES
// =============================================================================

type UserLister interface {
	ListUserIDs(ctx context.Context) ([]UserID, error)
}

type PreferenceStore interface {
	// AppendPreference adds a history entry. History is never rewritten.
	AppendPreference(ctx context.Context, change PreferenceChange) error

	// EffectivePreference returns the entry with the greatest EffectiveFrom
	// on or before day. ok is false when the user has no such entry.
	EffectivePreference(ctx context.Context, user UserID, day Day) (pref Preference, ok bool, err error)
}

// =============================================================================
// DAY ROWS
// =============================================================================

type DayStore interface {
	// CreateDay creates the limits row and zeroed intake, red-flag and streak
	// rows for (user, day) if absent. Existing rows are left untouched.
	// created reports whether the limits row was written by this call.
	CreateDay(ctx context.Context, limits DailyLimits) (created bool, err error)

	Limits(ctx context.Context, user UserID, day Day) (*DailyLimits, error)
	Intake(ctx context.Context, user UserID, day Day) (*DailyIntake, error)
	RedFlags(ctx context.Context, user UserID, day Day) (*RedFlags, error)
	Streak(ctx context.Context, user UserID, day Day) (*StreakRecord, error)

	// PutStreak upserts the streak row for (rec.UserID, rec.Day).
	PutStreak(ctx context.Context, rec StreakRecord) error

	// ApplyIntake creates the intake and red-flag rows if missing, then adds
	// every present field of delta. All of it commits or none of it does.
	ApplyIntake(ctx context.Context, user UserID, day Day, delta IntakeDelta, at time.Time) error
}

// =============================================================================
// POINTS
// =============================================================================

type LedgerStore interface {
	// AppendPoints appends entry and folds it into the leaderboard with
	// Accumulate semantics, returning the updated row.
	AppendPoints(ctx context.Context, entry PointsEntry) (LeaderboardEntry, error)

	// Leaderboard returns up to limit rows ordered by Ranks.
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)
	LeaderboardFor(ctx context.Context, user UserID) (*LeaderboardEntry, error)

	// HasPointsOn reports whether a day-scoped event of type t exists for day.
	HasPointsOn(ctx context.Context, user UserID, t EventType, day Day) (bool, error)

	// PointsHistory returns the newest entries first.
	PointsHistory(ctx context.Context, user UserID, limit int) ([]PointsEntry, error)
}

// Store is everything the engine persists.
type Store interface {
	UserLister
	PreferenceStore
	DayStore
	LedgerStore
}
