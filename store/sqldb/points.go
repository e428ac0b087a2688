package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/warp/intake-engine/core"
)

// =============================================================================
// POINTS LEDGER & LEADERBOARD (core.LedgerStore)
// =============================================================================

type leaderboardRow struct {
	UserID    string `db:"user_id"`
	Points    int    `db:"points"`
	ReachedAt string `db:"reached_at"`
}

func (r leaderboardRow) entry() core.LeaderboardEntry {
	return core.LeaderboardEntry{
		UserID:    core.UserID(r.UserID),
		Points:    r.Points,
		ReachedAt: parseTime(r.ReachedAt),
	}
}

type ledgerRow struct {
	ID          string         `db:"id"`
	UserID      string         `db:"user_id"`
	EventType   string         `db:"event_type"`
	Delta       int            `db:"delta"`
	PayloadJSON string         `db:"payload_json"`
	Day         sql.NullString `db:"day"`
	CreatedAt   string         `db:"created_at"`
}

// AppendPoints writes the ledger row and upserts the leaderboard in the same
// transaction. The upsert is a single statement, so two concurrent events for
// one user cannot lose an update.
func (s *Store) AppendPoints(ctx context.Context, entry core.PointsEntry) (core.LeaderboardEntry, error) {
	if entry.Event == nil || entry.Event.Type() != entry.Type {
		return core.LeaderboardEntry{}, fmt.Errorf("%w: payload does not match %q", core.ErrUnknownEventType, entry.Type)
	}
	payload, err := json.Marshal(entry.Event)
	if err != nil {
		return core.LeaderboardEntry{}, fmt.Errorf("failed to encode event payload: %w", err)
	}
	var day sql.NullString
	if d, ok := entry.Event.DayScope(); ok {
		day = nullString(d.Key())
	}
	at := formatTime(entry.At)

	var row leaderboardRow
	err = s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO points_ledger (id, user_id, event_type, delta, payload_json, day, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), entry.ID, entry.UserID, entry.Type, entry.Delta, string(payload), day, at)
		if err != nil {
			return fmt.Errorf("failed to append points: %w", err)
		}

		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO leaderboard (user_id, points, reached_at)
			VALUES (?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				points = leaderboard.points + excluded.points,
				reached_at = CASE WHEN excluded.points > 0
					THEN excluded.reached_at
					ELSE leaderboard.reached_at END
		`), entry.UserID, entry.Delta, at)
		if err != nil {
			return fmt.Errorf("failed to update leaderboard: %w", err)
		}

		return tx.GetContext(ctx, &row, tx.Rebind(
			`SELECT user_id, points, reached_at FROM leaderboard WHERE user_id = ?`,
		), entry.UserID)
	})
	if err != nil {
		return core.LeaderboardEntry{}, err
	}
	return row.entry(), nil
}

func (s *Store) Leaderboard(ctx context.Context, limit int) ([]core.LeaderboardEntry, error) {
	var rows []leaderboardRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT user_id, points, reached_at FROM leaderboard
		ORDER BY points DESC, reached_at ASC, user_id ASC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load leaderboard: %w", err)
	}
	result := make([]core.LeaderboardEntry, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.entry())
	}
	return result, nil
}

func (s *Store) LeaderboardFor(ctx context.Context, user core.UserID) (*core.LeaderboardEntry, error) {
	var r leaderboardRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(
		`SELECT user_id, points, reached_at FROM leaderboard WHERE user_id = ?`,
	), user)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load leaderboard row: %w", err)
	}
	e := r.entry()
	return &e, nil
}

func (s *Store) HasPointsOn(ctx context.Context, user core.UserID, t core.EventType, day core.Day) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(`
		SELECT COUNT(*) FROM points_ledger
		WHERE user_id = ? AND event_type = ? AND day = ?
	`), user, t, day.Key())
	if err != nil {
		return false, fmt.Errorf("failed to check points: %w", err)
	}
	return count > 0, nil
}

func (s *Store) PointsHistory(ctx context.Context, user core.UserID, limit int) ([]core.PointsEntry, error) {
	query := `
		SELECT id, user_id, event_type, delta, payload_json, day, created_at
		FROM points_ledger WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
	`
	args := []any{user}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []ledgerRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load points history: %w", err)
	}

	result := make([]core.PointsEntry, 0, len(rows))
	for _, r := range rows {
		et := core.EventType(r.EventType)
		ev, err := core.DecodeEvent(et, []byte(r.PayloadJSON))
		if err != nil {
			return nil, err
		}
		result = append(result, core.PointsEntry{
			ID:     r.ID,
			UserID: core.UserID(r.UserID),
			Type:   et,
			Delta:  r.Delta,
			Event:  ev,
			At:     parseTime(r.CreatedAt),
		})
	}
	return result, nil
}
