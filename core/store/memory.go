// Package store provides an in-memory core.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/intake-engine/core"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	users       []core.UserID
	known       map[core.UserID]bool
	preferences map[core.UserID][]core.PreferenceChange

	limits map[dayKey]core.DailyLimits
	intake map[dayKey]core.DailyIntake
	flags  map[dayKey]core.RedFlags
	streak map[dayKey]core.StreakRecord

	ledger      []core.PointsEntry
	leaderboard map[core.UserID]core.LeaderboardEntry
}

type dayKey struct {
	UserID core.UserID
	Day    string
}

func key(user core.UserID, day core.Day) dayKey {
	return dayKey{UserID: user, Day: day.Key()}
}

var _ core.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		known:       make(map[core.UserID]bool),
		preferences: make(map[core.UserID][]core.PreferenceChange),
		limits:      make(map[dayKey]core.DailyLimits),
		intake:      make(map[dayKey]core.DailyIntake),
		flags:       make(map[dayKey]core.RedFlags),
		streak:      make(map[dayKey]core.StreakRecord),
		leaderboard: make(map[core.UserID]core.LeaderboardEntry),
	}
}

// AddUser registers a user id. Adding the same id twice is a no-op.
func (m *Memory) AddUser(user core.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.known[user] {
		return
	}
	m.known[user] = true
	m.users = append(m.users, user)
}

func (m *Memory) ListUserIDs(_ context.Context) ([]core.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]core.UserID, len(m.users))
	copy(result, m.users)
	return result, nil
}

// =============================================================================
// PREFERENCES
// =============================================================================

func (m *Memory) AppendPreference(_ context.Context, change core.PreferenceChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.preferences[change.UserID]

	// Keep history ordered by (EffectiveFrom, CreatedAt); equal keys keep arrival order.
	i := sort.Search(len(history), func(i int) bool {
		h := history[i]
		if !h.EffectiveFrom.Equal(change.EffectiveFrom) {
			return h.EffectiveFrom.After(change.EffectiveFrom)
		}
		return h.CreatedAt.After(change.CreatedAt)
	})
	history = append(history, core.PreferenceChange{})
	copy(history[i+1:], history[i:])
	history[i] = change
	m.preferences[change.UserID] = history
	return nil
}

func (m *Memory) EffectivePreference(_ context.Context, user core.UserID, day core.Day) (core.Preference, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.preferences[user]
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].EffectiveFrom.After(day) {
			return history[i].Preference, true, nil
		}
	}
	return "", false, nil
}

// Preferences returns the full history for a user, oldest first.
func (m *Memory) Preferences(user core.UserID) []core.PreferenceChange {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]core.PreferenceChange(nil), m.preferences[user]...)
}

// =============================================================================
// DAY ROWS
// =============================================================================

func (m *Memory) CreateDay(_ context.Context, limits core.DailyLimits) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(limits.UserID, limits.Day)
	_, exists := m.limits[k]
	if !exists {
		m.limits[k] = limits
	}
	m.ensureAccumulatorsLocked(limits.UserID, limits.Day)
	if _, ok := m.streak[k]; !ok {
		m.streak[k] = core.StreakRecord{UserID: limits.UserID, Day: limits.Day}
	}
	return !exists, nil
}

func (m *Memory) ensureAccumulatorsLocked(user core.UserID, day core.Day) {
	k := key(user, day)
	if _, ok := m.intake[k]; !ok {
		m.intake[k] = core.DailyIntake{
			UserID:       user,
			Day:          day,
			FreeSugar:    decimal.Zero,
			NaturalSugar: decimal.Zero,
			Fat:          decimal.Zero,
			SatFat:       decimal.Zero,
			Salt:         decimal.Zero,
		}
	}
	if _, ok := m.flags[k]; !ok {
		m.flags[k] = core.RedFlags{UserID: user, Day: day}
	}
}

func (m *Memory) Limits(_ context.Context, user core.UserID, day core.Day) (*core.DailyLimits, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.limits[key(user, day)]; ok {
		return &v, nil
	}
	return nil, nil
}

func (m *Memory) Intake(_ context.Context, user core.UserID, day core.Day) (*core.DailyIntake, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.intake[key(user, day)]; ok {
		return &v, nil
	}
	return nil, nil
}

func (m *Memory) RedFlags(_ context.Context, user core.UserID, day core.Day) (*core.RedFlags, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.flags[key(user, day)]; ok {
		return &v, nil
	}
	return nil, nil
}

func (m *Memory) Streak(_ context.Context, user core.UserID, day core.Day) (*core.StreakRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.streak[key(user, day)]; ok {
		return &v, nil
	}
	return nil, nil
}

func (m *Memory) PutStreak(_ context.Context, rec core.StreakRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streak[key(rec.UserID, rec.Day)] = rec
	return nil
}

// ApplyIntake holds the write lock for the whole delta, so concurrent calls
// serialize and no partial delta is observable.
func (m *Memory) ApplyIntake(_ context.Context, user core.UserID, day core.Day, delta core.IntakeDelta, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensureAccumulatorsLocked(user, day)
	k := key(user, day)

	in := m.intake[k]
	in.FreeSugar = in.FreeSugar.Add(core.OrZero(delta.FreeSugar))
	in.NaturalSugar = in.NaturalSugar.Add(core.OrZero(delta.NaturalSugar))
	in.Fat = in.Fat.Add(core.OrZero(delta.Fat))
	in.SatFat = in.SatFat.Add(core.OrZero(delta.SatFat))
	in.Salt = in.Salt.Add(core.OrZero(delta.Salt))
	m.intake[k] = in

	fl := m.flags[k]
	if delta.RedFat {
		fl.RedFatItems++
	}
	if delta.RedSalt {
		fl.RedSaltItems++
	}
	m.flags[k] = fl
	return nil
}

// =============================================================================
// POINTS
// =============================================================================

func (m *Memory) AppendPoints(_ context.Context, entry core.PointsEntry) (core.LeaderboardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ledger = append(m.ledger, entry)

	var prev *core.LeaderboardEntry
	if row, ok := m.leaderboard[entry.UserID]; ok {
		prev = &row
	}
	next := core.Accumulate(prev, entry.UserID, entry.Delta, entry.At)
	m.leaderboard[entry.UserID] = next
	return next, nil
}

func (m *Memory) Leaderboard(_ context.Context, limit int) ([]core.LeaderboardEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]core.LeaderboardEntry, 0, len(m.leaderboard))
	for _, row := range m.leaderboard {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return core.Ranks(rows[i], rows[j]) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *Memory) LeaderboardFor(_ context.Context, user core.UserID) (*core.LeaderboardEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if row, ok := m.leaderboard[user]; ok {
		return &row, nil
	}
	return nil, nil
}

func (m *Memory) HasPointsOn(_ context.Context, user core.UserID, t core.EventType, day core.Day) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.ledger {
		if e.UserID != user || e.Type != t {
			continue
		}
		if d, ok := e.Event.DayScope(); ok && d.Equal(day) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) PointsHistory(_ context.Context, user core.UserID, limit int) ([]core.PointsEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []core.PointsEntry
	for i := len(m.ledger) - 1; i >= 0; i-- {
		if m.ledger[i].UserID != user {
			continue
		}
		result = append(result, m.ledger[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}
