package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/intake-engine/core"
)

// =============================================================================
// SCAN HISTORY
// =============================================================================

type ScanSource string

const (
	SourceCamera ScanSource = "CAMERA"
	SourceUpload ScanSource = "UPLOAD"
)

// Scan is one analyzed item. Per100 is the trusted snapshot taken at analysis
// time and is the only nutrient source used when the scan is consumed.
type Scan struct {
	ID         string
	UserID     core.UserID
	Source     ScanSource
	Confidence int
	Kind       core.FoodKind
	Title      string
	Barcode    string
	Provider   string
	Per100     core.Per100
	Grade      *core.GradeResult
	Consumed   *bool
	ConsumedAt *time.Time
	Quantity   decimal.NullDecimal
	Unit       string
	CreatedAt  time.Time
}

type scanRow struct {
	ID         string         `db:"id"`
	UserID     string         `db:"user_id"`
	Source     string         `db:"source"`
	Confidence int            `db:"confidence"`
	Kind       string         `db:"kind"`
	Title      string         `db:"title"`
	Barcode    string         `db:"barcode"`
	Provider   string         `db:"provider"`
	SugarG     sql.NullString `db:"sugar_g"`
	FatG       sql.NullString `db:"fat_g"`
	SatFatG    sql.NullString `db:"sat_fat_g"`
	SaltG      sql.NullString `db:"salt_g"`
	GradeJSON  sql.NullString `db:"grade_json"`
	Consumed   sql.NullBool   `db:"consumed"`
	ConsumedAt sql.NullString `db:"consumed_at"`
	Quantity   sql.NullString `db:"quantity"`
	Unit       string         `db:"unit"`
	CreatedAt  string         `db:"created_at"`
}

const scanColumns = `id, user_id, source, confidence, kind, title, barcode, provider,
	sugar_g, fat_g, sat_fat_g, salt_g, grade_json, consumed, consumed_at, quantity, unit, created_at`

func (r scanRow) scan() (Scan, error) {
	sc := Scan{
		ID:         r.ID,
		UserID:     core.UserID(r.UserID),
		Source:     ScanSource(r.Source),
		Confidence: r.Confidence,
		Kind:       core.FoodKind(r.Kind),
		Title:      r.Title,
		Barcode:    r.Barcode,
		Provider:   r.Provider,
		Unit:       r.Unit,
		CreatedAt:  parseTime(r.CreatedAt),
	}

	var err error
	if sc.Per100.Sugar, err = parseNullDecimal(r.SugarG); err != nil {
		return sc, fmt.Errorf("scan %s sugar: %w", r.ID, err)
	}
	if sc.Per100.Fat, err = parseNullDecimal(r.FatG); err != nil {
		return sc, fmt.Errorf("scan %s fat: %w", r.ID, err)
	}
	if sc.Per100.SatFat, err = parseNullDecimal(r.SatFatG); err != nil {
		return sc, fmt.Errorf("scan %s sat fat: %w", r.ID, err)
	}
	if sc.Per100.Salt, err = parseNullDecimal(r.SaltG); err != nil {
		return sc, fmt.Errorf("scan %s salt: %w", r.ID, err)
	}
	if sc.Quantity, err = parseNullDecimal(r.Quantity); err != nil {
		return sc, fmt.Errorf("scan %s quantity: %w", r.ID, err)
	}

	if r.GradeJSON.Valid && r.GradeJSON.String != "" {
		var g core.GradeResult
		if err := json.Unmarshal([]byte(r.GradeJSON.String), &g); err != nil {
			return sc, fmt.Errorf("scan %s grade: %w", r.ID, err)
		}
		sc.Grade = &g
	}
	if r.Consumed.Valid {
		consumed := r.Consumed.Bool
		sc.Consumed = &consumed
	}
	if r.ConsumedAt.Valid {
		at := parseTime(r.ConsumedAt.String)
		sc.ConsumedAt = &at
	}
	return sc, nil
}

// SaveScan inserts a new scan record.
func (s *Store) SaveScan(ctx context.Context, sc Scan) error {
	var gradeJSON sql.NullString
	if sc.Grade != nil {
		b, err := json.Marshal(sc.Grade)
		if err != nil {
			return fmt.Errorf("failed to encode grade: %w", err)
		}
		gradeJSON = nullString(string(b))
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO scans (id, user_id, source, confidence, kind, title, barcode, provider,
			sugar_g, fat_g, sat_fat_g, salt_g, grade_json, unit, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		sc.ID, sc.UserID, sc.Source, sc.Confidence, sc.Kind, sc.Title, sc.Barcode, sc.Provider,
		nullDecimalText(sc.Per100.Sugar),
		nullDecimalText(sc.Per100.Fat),
		nullDecimalText(sc.Per100.SatFat),
		nullDecimalText(sc.Per100.Salt),
		gradeJSON,
		sc.Unit,
		formatTime(sc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save scan: %w", err)
	}
	return nil
}

// GetScan returns core.ErrNotFound unless the scan exists and belongs to user.
func (s *Store) GetScan(ctx context.Context, user core.UserID, id string) (*Scan, error) {
	var r scanRow
	err := s.db.GetContext(ctx, &r, s.db.Rebind(
		`SELECT `+scanColumns+` FROM scans WHERE id = ? AND user_id = ?`,
	), id, user)
	if isNoRows(err) {
		return nil, fmt.Errorf("scan %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load scan: %w", err)
	}
	sc, err := r.scan()
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// RecentScans returns the newest scans first.
func (s *Store) RecentScans(ctx context.Context, user core.UserID, take int) ([]Scan, error) {
	var rows []scanRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT `+scanColumns+` FROM scans
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`), user, take)
	if err != nil {
		return nil, fmt.Errorf("failed to load scans: %w", err)
	}

	result := make([]Scan, 0, len(rows))
	for _, r := range rows {
		sc, err := r.scan()
		if err != nil {
			return nil, err
		}
		result = append(result, sc)
	}
	return result, nil
}

// MarkConsumed records the user's decision on a scan. A declined scan keeps
// consumed_at and quantity empty.
func (s *Store) MarkConsumed(ctx context.Context, user core.UserID, id string, consumed bool, quantity decimal.NullDecimal, unit string, at time.Time) error {
	var consumedAt sql.NullString
	if consumed {
		consumedAt = nullString(formatTime(at))
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE scans SET consumed = ?, consumed_at = ?, quantity = ?, unit = ?
		WHERE id = ? AND user_id = ?
	`), consumed, consumedAt, nullDecimalText(quantity), unit, id, user)
	if err != nil {
		return fmt.Errorf("failed to update scan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("scan %s: %w", id, core.ErrNotFound)
	}
	return nil
}
