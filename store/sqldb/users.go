package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/warp/intake-engine/core"
)

// =============================================================================
// USERS
// =============================================================================

// User represents a user record. Identity only; everything day-scoped hangs
// off the id.
type User struct {
	ID        core.UserID
	Name      string
	CreatedAt time.Time
}

type userRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	CreatedAt string `db:"created_at"`
}

func (r userRow) user() User {
	return User{ID: core.UserID(r.ID), Name: r.Name, CreatedAt: parseTime(r.CreatedAt)}
}

// CreateUser inserts the user and their first preference entry atomically.
func (s *Store) CreateUser(ctx context.Context, u User, initial core.PreferenceChange) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)`,
		), u.ID, u.Name, formatTime(u.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		initial.UserID = u.ID
		return appendPreference(ctx, tx, initial)
	})
}

// GetUser returns core.ErrNotFound when id is unknown.
func (s *Store) GetUser(ctx context.Context, id core.UserID) (*User, error) {
	var r userRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(
		`SELECT id, name, created_at FROM users WHERE id = ?`,
	), id)
	if isNoRows(err) {
		return nil, fmt.Errorf("user %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	u := r.user()
	return &u, nil
}

// ListUserIDs returns every user id in creation order.
func (s *Store) ListUserIDs(ctx context.Context) ([]core.UserID, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM users ORDER BY created_at, id`); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	result := make([]core.UserID, len(ids))
	for i, id := range ids {
		result[i] = core.UserID(id)
	}
	return result, nil
}

// UserNames resolves display names for a set of ids in one query.
func (s *Store) UserNames(ctx context.Context, ids []core.UserID) (map[core.UserID]string, error) {
	names := make(map[core.UserID]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	query, args, err := sqlx.In(`SELECT id, name, created_at FROM users WHERE id IN (?)`, raw)
	if err != nil {
		return nil, err
	}

	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load user names: %w", err)
	}
	for _, r := range rows {
		names[core.UserID(r.ID)] = r.Name
	}
	return names, nil
}
