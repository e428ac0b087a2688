package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/warp/intake-engine/core"
)

// =============================================================================
// PREFERENCE HISTORY (core.PreferenceStore)
// =============================================================================

// AppendPreference adds a history entry. There is no update or delete path.
func (s *Store) AppendPreference(ctx context.Context, change core.PreferenceChange) error {
	return appendPreference(ctx, s.db, change)
}

func appendPreference(ctx context.Context, ex sqlx.ExtContext, change core.PreferenceChange) error {
	if _, err := core.LimitsFor(change.Preference); err != nil {
		return err
	}
	query := ex.Rebind(`
		INSERT INTO preference_history (id, user_id, preference, effective_from, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	_, err := ex.ExecContext(ctx, query,
		uuid.NewString(),
		change.UserID,
		change.Preference,
		change.EffectiveFrom.Key(),
		formatTime(change.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append preference: %w", err)
	}
	return nil
}

// EffectivePreference returns the latest entry effective on or before day.
// Two entries with the same effective day resolve to the later one written.
func (s *Store) EffectivePreference(ctx context.Context, user core.UserID, day core.Day) (core.Preference, bool, error) {
	var pref string
	err := s.db.GetContext(ctx, &pref, s.db.Rebind(`
		SELECT preference FROM preference_history
		WHERE user_id = ? AND effective_from <= ?
		ORDER BY effective_from DESC, created_at DESC
		LIMIT 1
	`), user, day.Key())
	if isNoRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load effective preference: %w", err)
	}
	return core.Preference(pref), true, nil
}

// PreferenceHistory returns every entry for user, oldest first.
func (s *Store) PreferenceHistory(ctx context.Context, user core.UserID) ([]core.PreferenceChange, error) {
	var rows []struct {
		Preference    string `db:"preference"`
		EffectiveFrom string `db:"effective_from"`
		CreatedAt     string `db:"created_at"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT preference, effective_from, created_at FROM preference_history
		WHERE user_id = ?
		ORDER BY effective_from ASC, created_at ASC
	`), user)
	if err != nil {
		return nil, fmt.Errorf("failed to load preference history: %w", err)
	}

	history := make([]core.PreferenceChange, 0, len(rows))
	for _, r := range rows {
		from, err := core.ParseDay(r.EffectiveFrom)
		if err != nil {
			return nil, err
		}
		history = append(history, core.PreferenceChange{
			UserID:        user,
			Preference:    core.Preference(r.Preference),
			EffectiveFrom: from,
			CreatedAt:     parseTime(r.CreatedAt),
		})
	}
	return history, nil
}

// =============================================================================
// DAY ROWS (core.DayStore)
// =============================================================================

type limitsRow struct {
	UserID     string `db:"user_id"`
	Day        string `db:"day"`
	SugarMg    int64  `db:"sugar_mg"`
	FatMg      int64  `db:"fat_mg"`
	SatFatMg   int64  `db:"sat_fat_mg"`
	SaltMg     int64  `db:"salt_mg"`
	Preference string `db:"preference"`
	CreatedAt  string `db:"created_at"`
}

type intakeRow struct {
	UserID         string `db:"user_id"`
	Day            string `db:"day"`
	FreeSugarMg    int64  `db:"free_sugar_mg"`
	NaturalSugarMg int64  `db:"natural_sugar_mg"`
	FatMg          int64  `db:"fat_mg"`
	SatFatMg       int64  `db:"sat_fat_mg"`
	SaltMg         int64  `db:"salt_mg"`
	UpdatedAt      string `db:"updated_at"`
}

type flagsRow struct {
	UserID       string `db:"user_id"`
	Day          string `db:"day"`
	RedFatItems  int    `db:"red_fat_items"`
	RedSaltItems int    `db:"red_salt_items"`
}

type streakRow struct {
	UserID      string `db:"user_id"`
	Day         string `db:"day"`
	Earned      bool   `db:"earned"`
	Count       int    `db:"streak_count"`
	EndedReason string `db:"ended_reason"`
}

// CreateDay materializes (user, day) inside one transaction. Every insert is
// a no-op when its row exists.
func (s *Store) CreateDay(ctx context.Context, limits core.DailyLimits) (bool, error) {
	var created bool
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO daily_limits (user_id, day, sugar_mg, fat_mg, sat_fat_mg, salt_mg, preference, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, day) DO NOTHING
		`),
			limits.UserID,
			limits.Day.Key(),
			toMilli(limits.Limits.Sugar),
			toMilli(limits.Limits.Fat),
			toMilli(limits.Limits.SatFat),
			toMilli(limits.Limits.Salt),
			limits.Preference,
			formatTime(limits.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create daily limits: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n > 0

		if err := ensureAccumulators(ctx, tx, limits.UserID, limits.Day, limits.CreatedAt); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO streak_history (user_id, day, earned, streak_count, ended_reason)
			VALUES (?, ?, ?, 0, '')
			ON CONFLICT (user_id, day) DO NOTHING
		`), limits.UserID, limits.Day.Key(), false)
		if err != nil {
			return fmt.Errorf("failed to create streak row: %w", err)
		}
		return nil
	})
	return created, err
}

func ensureAccumulators(ctx context.Context, tx *sqlx.Tx, user core.UserID, day core.Day, at time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO daily_intake (user_id, day, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, day) DO NOTHING
	`), user, day.Key(), formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to create daily intake: %w", err)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO red_flags (user_id, day)
		VALUES (?, ?)
		ON CONFLICT (user_id, day) DO NOTHING
	`), user, day.Key())
	if err != nil {
		return fmt.Errorf("failed to create red flags: %w", err)
	}
	return nil
}

func (s *Store) Limits(ctx context.Context, user core.UserID, day core.Day) (*core.DailyLimits, error) {
	var r limitsRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`
		SELECT user_id, day, sugar_mg, fat_mg, sat_fat_mg, salt_mg, preference, created_at
		FROM daily_limits WHERE user_id = ? AND day = ?
	`), user, day.Key())
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load daily limits: %w", err)
	}
	d, err := core.ParseDay(r.Day)
	if err != nil {
		return nil, err
	}
	return &core.DailyLimits{
		UserID: core.UserID(r.UserID),
		Day:    d,
		Limits: core.Limits{
			Sugar:  fromMilli(r.SugarMg),
			Fat:    fromMilli(r.FatMg),
			SatFat: fromMilli(r.SatFatMg),
			Salt:   fromMilli(r.SaltMg),
		},
		Preference: core.Preference(r.Preference),
		CreatedAt:  parseTime(r.CreatedAt),
	}, nil
}

func (s *Store) Intake(ctx context.Context, user core.UserID, day core.Day) (*core.DailyIntake, error) {
	var r intakeRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`
		SELECT user_id, day, free_sugar_mg, natural_sugar_mg, fat_mg, sat_fat_mg, salt_mg, updated_at
		FROM daily_intake WHERE user_id = ? AND day = ?
	`), user, day.Key())
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load daily intake: %w", err)
	}
	d, err := core.ParseDay(r.Day)
	if err != nil {
		return nil, err
	}
	return &core.DailyIntake{
		UserID:       core.UserID(r.UserID),
		Day:          d,
		FreeSugar:    fromMilli(r.FreeSugarMg),
		NaturalSugar: fromMilli(r.NaturalSugarMg),
		Fat:          fromMilli(r.FatMg),
		SatFat:       fromMilli(r.SatFatMg),
		Salt:         fromMilli(r.SaltMg),
	}, nil
}

func (s *Store) RedFlags(ctx context.Context, user core.UserID, day core.Day) (*core.RedFlags, error) {
	var r flagsRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`
		SELECT user_id, day, red_fat_items, red_salt_items
		FROM red_flags WHERE user_id = ? AND day = ?
	`), user, day.Key())
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load red flags: %w", err)
	}
	d, err := core.ParseDay(r.Day)
	if err != nil {
		return nil, err
	}
	return &core.RedFlags{
		UserID:       core.UserID(r.UserID),
		Day:          d,
		RedFatItems:  r.RedFatItems,
		RedSaltItems: r.RedSaltItems,
	}, nil
}

func (s *Store) Streak(ctx context.Context, user core.UserID, day core.Day) (*core.StreakRecord, error) {
	var r streakRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`
		SELECT user_id, day, earned, streak_count, ended_reason
		FROM streak_history WHERE user_id = ? AND day = ?
	`), user, day.Key())
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load streak: %w", err)
	}
	d, err := core.ParseDay(r.Day)
	if err != nil {
		return nil, err
	}
	return &core.StreakRecord{
		UserID:      core.UserID(r.UserID),
		Day:         d,
		Earned:      r.Earned,
		Count:       r.Count,
		EndedReason: core.EndedReason(r.EndedReason),
	}, nil
}

func (s *Store) PutStreak(ctx context.Context, rec core.StreakRecord) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO streak_history (user_id, day, earned, streak_count, ended_reason)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, day) DO UPDATE SET
			earned = excluded.earned,
			streak_count = excluded.streak_count,
			ended_reason = excluded.ended_reason
	`), rec.UserID, rec.Day.Key(), rec.Earned, rec.Count, string(rec.EndedReason))
	if err != nil {
		return fmt.Errorf("failed to save streak: %w", err)
	}
	return nil
}

// ApplyIntake increments the day's accumulators in SQL, so concurrent calls
// for the same (user, day) sum instead of overwriting each other.
func (s *Store) ApplyIntake(ctx context.Context, user core.UserID, day core.Day, delta core.IntakeDelta, at time.Time) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := ensureAccumulators(ctx, tx, user, day, at); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE daily_intake SET
				free_sugar_mg = free_sugar_mg + ?,
				natural_sugar_mg = natural_sugar_mg + ?,
				fat_mg = fat_mg + ?,
				sat_fat_mg = sat_fat_mg + ?,
				salt_mg = salt_mg + ?,
				updated_at = ?
			WHERE user_id = ? AND day = ?
		`),
			toMilli(core.OrZero(delta.FreeSugar)),
			toMilli(core.OrZero(delta.NaturalSugar)),
			toMilli(core.OrZero(delta.Fat)),
			toMilli(core.OrZero(delta.SatFat)),
			toMilli(core.OrZero(delta.Salt)),
			formatTime(at),
			user, day.Key(),
		)
		if err != nil {
			return fmt.Errorf("failed to increment intake: %w", err)
		}

		if !delta.RedFat && !delta.RedSalt {
			return nil
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE red_flags SET
				red_fat_items = red_fat_items + ?,
				red_salt_items = red_salt_items + ?
			WHERE user_id = ? AND day = ?
		`), boolInt(delta.RedFat), boolInt(delta.RedSalt), user, day.Key())
		if err != nil {
			return fmt.Errorf("failed to increment red flags: %w", err)
		}
		return nil
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
