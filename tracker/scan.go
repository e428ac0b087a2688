package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/intake-engine/core"
	"github.com/warp/intake-engine/nutrition"
	"github.com/warp/intake-engine/store/sqldb"
)

// =============================================================================
// ANALYZE
// =============================================================================

type AnalyzeInput struct {
	Source     sqldb.ScanSource
	Confidence int
	Image      []byte
	Barcodes   []string
	// HintText is a human query derived from the image, never a nutrient guess.
	HintText string
}

// ScanOutcome is one analyzed item. Err is set when the item could not be
// graded; the scan row exists either way.
type ScanOutcome struct {
	Scan sqldb.Scan
	Err  error
}

type AnalyzeResult struct {
	Items []ScanOutcome
}

// Analyze grades what the user pointed the camera at. Confidence is checked
// before anything is written. Each barcode yields its own scan; with no
// barcode the classifier gates the image first.
func (s *Service) Analyze(ctx context.Context, user core.UserID, in AnalyzeInput) (AnalyzeResult, error) {
	if in.Source != sqldb.SourceCamera && in.Source != sqldb.SourceUpload {
		return AnalyzeResult{}, fmt.Errorf("%w: source %q", ErrInvalidInput, in.Source)
	}
	if in.Confidence < 0 || in.Confidence > 100 {
		return AnalyzeResult{}, fmt.Errorf("%w: confidence %d", ErrInvalidInput, in.Confidence)
	}
	if in.Confidence < core.MinConfidence {
		return AnalyzeResult{}, fmt.Errorf("%w: %d < %d", core.ErrLowConfidence, in.Confidence, core.MinConfidence)
	}
	if _, err := s.store.GetUser(ctx, user); err != nil {
		return AnalyzeResult{}, err
	}

	if _, err := s.award(ctx, user, core.ScanFood{Source: string(in.Source), Confidence: in.Confidence}); err != nil {
		return AnalyzeResult{}, err
	}

	barcodes := in.Barcodes
	if len(barcodes) > MaxBarcodes {
		barcodes = barcodes[:MaxBarcodes]
	}

	var result AnalyzeResult
	if len(barcodes) > 0 {
		for _, code := range barcodes {
			out, err := s.analyzeOne(ctx, user, in, nutrition.Query{Barcode: code, Text: in.HintText})
			if err != nil {
				return result, err
			}
			result.Items = append(result.Items, out)
		}
		return result, nil
	}

	query := nutrition.Query{Text: in.HintText}
	if s.classifier != nil {
		verdict, err := s.classifier.Classify(ctx, in.Image)
		if err != nil {
			// the gate is advisory; lookup still decides gradability
			s.log.Warn("classifier failed", "user_id", user, "error", err)
		} else {
			if !verdict.IsFood {
				out, err := s.saveNotFood(ctx, user, in)
				if err != nil {
					return result, err
				}
				result.Items = append(result.Items, out)
				return result, nil
			}
			if query.Text == "" {
				query.Text = verdict.Label
			}
		}
	}

	out, err := s.analyzeOne(ctx, user, in, query)
	if err != nil {
		return result, err
	}
	result.Items = append(result.Items, out)
	return result, nil
}

// analyzeOne looks up, grades and stores one item. An ungradable item is
// stored as UNKNOWN and reported through ScanOutcome.Err; only storage
// failures are returned as errors.
func (s *Service) analyzeOne(ctx context.Context, user core.UserID, in AnalyzeInput, q nutrition.Query) (ScanOutcome, error) {
	code, _ := nutrition.NormalizeBarcode(q.Barcode)
	sc := sqldb.Scan{
		ID:         s.newID(),
		UserID:     user,
		Source:     in.Source,
		Confidence: in.Confidence,
		Kind:       core.KindUnknown,
		Barcode:    code,
		CreatedAt:  s.now().UTC(),
	}

	var gradeErr error
	item, err := s.lookup.Find(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return ScanOutcome{}, ctx.Err()
		}
		gradeErr = err
		if !errors.Is(err, core.ErrMissingTrustedNutrient) {
			gradeErr = fmt.Errorf("%w: %v", core.ErrMissingTrustedNutrient, err)
		}
	} else {
		sc.Title = item.Title
		sc.Provider = item.Provider
		if sc.Barcode == "" {
			sc.Barcode = item.Code
		}

		g, err := core.Grade(item.Kind, in.Confidence, item.Per100)
		if err != nil {
			gradeErr = err
		} else {
			sc.Kind = g.Kind
			sc.Per100 = g.Per100
			sc.Grade = &g
		}
	}

	if err := s.store.SaveScan(ctx, sc); err != nil {
		return ScanOutcome{}, err
	}
	s.metrics.ScanAnalyzed(string(sc.Kind))
	if gradeErr != nil {
		s.log.Info("scan ungradable", "user_id", user, "scan_id", sc.ID, "error", gradeErr)
	}
	return ScanOutcome{Scan: sc, Err: gradeErr}, nil
}

func (s *Service) saveNotFood(ctx context.Context, user core.UserID, in AnalyzeInput) (ScanOutcome, error) {
	sc := sqldb.Scan{
		ID:         s.newID(),
		UserID:     user,
		Source:     in.Source,
		Confidence: in.Confidence,
		Kind:       core.KindNotFood,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.SaveScan(ctx, sc); err != nil {
		return ScanOutcome{}, err
	}
	s.metrics.ScanAnalyzed(string(sc.Kind))
	return ScanOutcome{Scan: sc, Err: core.ErrNotFood}, nil
}

// =============================================================================
// CONSUME
// =============================================================================

type ConsumeInput struct {
	Consumed bool
	Quantity decimal.Decimal
	// Unit is "g" or "ml"; both scale the per-100 snapshot the same way.
	Unit string
}

// ConsumeResult reports what the consumption changed. Streak is nil when
// the item does not take part in streak evaluation.
type ConsumeResult struct {
	Day       core.Day
	Streak    *core.StreakResult
	Awarded   []core.EventType
	Penalties []core.EventType
}

// Consume applies the user's decision on a scan.
func (s *Service) Consume(ctx context.Context, user core.UserID, scanID string, in ConsumeInput) (ConsumeResult, error) {
	sc, err := s.store.GetScan(ctx, user, scanID)
	if err != nil {
		return ConsumeResult{}, err
	}
	now := s.now()
	res := ConsumeResult{Day: core.DayOf(now)}

	if !in.Consumed {
		// AVOID_RISKY_FOOD is paid once per scan
		if sc.Consumed != nil {
			return res, fmt.Errorf("%w: scan %s", ErrAlreadyDecided, sc.ID)
		}
		if err := s.store.MarkConsumed(ctx, user, sc.ID, false, decimal.NullDecimal{}, "", now); err != nil {
			return res, err
		}
		if _, err := s.award(ctx, user, core.AvoidRiskyFood{ScanID: sc.ID}); err != nil {
			return res, err
		}
		res.Awarded = append(res.Awarded, core.EventAvoidRiskyFood)
		s.metrics.Consumed("declined")
		return res, nil
	}

	switch sc.Kind {
	case core.KindNotFood:
		return res, core.ErrNotFood
	case core.KindUnknown:
		return res, fmt.Errorf("%w: scan %s was not graded", core.ErrMissingTrustedNutrient, sc.ID)
	}
	if sc.Grade == nil {
		return res, fmt.Errorf("%w: scan %s has no grade", core.ErrMissingTrustedNutrient, sc.ID)
	}

	unit := strings.ToLower(strings.TrimSpace(in.Unit))
	if unit != "g" && unit != "ml" {
		return res, fmt.Errorf("%w: unit %q", ErrInvalidInput, in.Unit)
	}

	// the stored snapshot is the only nutrient source
	g := *sc.Grade
	g.Per100 = sc.Per100
	delta, err := core.DeltaFor(g, in.Quantity)
	if err != nil {
		return res, err
	}

	if _, err := s.aggregator.Apply(ctx, user, now, delta); err != nil {
		return res, err
	}
	qty := decimal.NewNullDecimal(in.Quantity)
	if err := s.store.MarkConsumed(ctx, user, sc.ID, true, qty, unit, now); err != nil {
		return res, err
	}

	if sc.Kind == core.KindFruitOrVegetable {
		s.metrics.Consumed("natural")
		return res, nil
	}
	s.metrics.Consumed("consumed")

	if err := s.settleDay(ctx, user, now, &res); err != nil {
		return res, err
	}
	return res, nil
}

// settleDay evaluates the streak for the consumption day and applies the
// day-scoped award and penalties, each at most once per day.
func (s *Service) settleDay(ctx context.Context, user core.UserID, at time.Time, res *ConsumeResult) error {
	streak, err := s.evaluator.EvaluateDay(ctx, user, at)
	if err != nil {
		return err
	}
	res.Day = streak.Day
	res.Streak = &streak
	if !streak.Evaluated {
		s.log.Warn("consumption on unprovisioned day", "user_id", user, "day", streak.Day.Key())
		return nil
	}
	s.metrics.StreakEvaluated(streak.Earned)

	if streak.Earned {
		awarded, err := s.awardOnce(ctx, user, core.BalancedDay{Day: streak.Day})
		if err != nil {
			return err
		}
		if awarded {
			res.Awarded = append(res.Awarded, core.EventBalancedDay)
		}
	}

	in, ok, err := s.evaluator.Load(ctx, user, streak.Day)
	if err != nil || !ok {
		return err
	}

	if !in.SugarOK() {
		charged, err := s.awardOnce(ctx, user, core.RepeatedExcessSugar{Day: streak.Day})
		if err != nil {
			return err
		}
		if charged {
			res.Penalties = append(res.Penalties, core.EventRepeatedExcessSugar)
		}
	}
	if !in.FatOK() || !in.SaltOK() {
		charged, err := s.awardOnce(ctx, user, core.RepeatedRedFatSalt{Day: streak.Day})
		if err != nil {
			return err
		}
		if charged {
			res.Penalties = append(res.Penalties, core.EventRepeatedRedFatSalt)
		}
	}
	return nil
}
