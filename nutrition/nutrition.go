// Package nutrition holds the adapters at the trusted-data boundary: nutrition
// lookups that return a complete per-100 record or no match, and the
// food/not-food gate used before grading.
package nutrition

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/intake-engine/core"
)

// ErrNoMatch is returned when no source has trusted data for a query. It
// unwraps to core.ErrMissingTrustedNutrient so callers never need to know
// which provider failed or why.
var ErrNoMatch = fmt.Errorf("%w: no trusted nutrition match", core.ErrMissingTrustedNutrient)

// Query describes what to look up. Barcode takes precedence over Text.
type Query struct {
	Barcode string
	Text    string
	// Kind, when set, overrides kind detection (used when a later source
	// completes an item an earlier source identified).
	Kind core.FoodKind
}

func (q Query) IsEmpty() bool {
	return strings.TrimSpace(q.Barcode) == "" && strings.TrimSpace(q.Text) == ""
}

// Item is one provider's record for a product.
type Item struct {
	Code     string
	Title    string
	Kind     core.FoodKind
	Per100   core.Per100
	Provider string
}

// Complete reports whether the record carries every nutrient grading needs
// for its kind.
func (it Item) Complete() bool {
	p := it.Per100
	switch it.Kind {
	case core.KindFruitOrVegetable:
		return true
	case core.KindBeverage:
		return p.Sugar.Valid
	case core.KindSolid:
		return p.Sugar.Valid && p.Fat.Valid && p.Salt.Valid
	default:
		return false
	}
}

// Lookup is a trusted-nutrition source. Find returns ErrNoMatch (or an error
// wrapping it) when the source has nothing usable.
type Lookup interface {
	Name() string
	Find(ctx context.Context, q Query) (Item, error)
}

// =============================================================================
// CHAIN - Ordered fallback across sources
// =============================================================================

// Chain tries each source in order and returns the first complete item.
// An incomplete item still refines the query for later sources: its title
// becomes the search text and its kind is kept.
type Chain []Lookup

func (c Chain) Name() string {
	names := make([]string, len(c))
	for i, l := range c {
		names[i] = l.Name()
	}
	return strings.Join(names, ",")
}

func (c Chain) Find(ctx context.Context, q Query) (Item, error) {
	if q.IsEmpty() {
		return Item{}, ErrNoMatch
	}

	var errs []error
	for _, src := range c {
		item, err := src.Find(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return Item{}, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		if item.Complete() {
			return item, nil
		}

		errs = append(errs, fmt.Errorf("%s: incomplete %s record", src.Name(), item.Kind))
		if item.Title != "" {
			q.Text = item.Title
		}
		if q.Kind == "" && item.Kind != "" {
			q.Kind = item.Kind
		}
	}

	if len(errs) == 0 {
		return Item{}, ErrNoMatch
	}
	return Item{}, fmt.Errorf("%w (%v)", ErrNoMatch, errors.Join(errs...))
}

// =============================================================================
// CATALOG - Fixed in-memory source
// =============================================================================

// Catalog serves a fixed set of items keyed by barcode, with a
// case-insensitive title match for text queries. Used for demo data and as a
// local first hop in front of remote sources.
type Catalog map[string]Item

func (Catalog) Name() string { return "catalog" }

func (c Catalog) Find(_ context.Context, q Query) (Item, error) {
	if code, ok := NormalizeBarcode(q.Barcode); ok {
		if item, ok := c[code]; ok {
			return item, nil
		}
	}
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return Item{}, ErrNoMatch
	}
	for _, item := range c {
		if strings.EqualFold(item.Title, text) {
			return item, nil
		}
	}
	return Item{}, ErrNoMatch
}

// =============================================================================
// CLASSIFIER - Food / not-food gate
// =============================================================================

// Classification is the gate's verdict. Label is the best guess of what the
// image shows and doubles as a search hint.
type Classification struct {
	IsFood     bool
	Confidence int
	Label      string
}

type Classifier interface {
	Classify(ctx context.Context, image []byte) (Classification, error)
}

// StaticClassifier returns a fixed verdict. Used in development and tests.
type StaticClassifier struct {
	Result Classification
	Err    error
}

func (s StaticClassifier) Classify(_ context.Context, _ []byte) (Classification, error) {
	return s.Result, s.Err
}

// Label is one detected image label with confidence 0-100.
type Label struct {
	Name       string
	Confidence float64
}

// LabelDetector is an image-labelling backend.
type LabelDetector interface {
	DetectLabels(ctx context.Context, image []byte) ([]Label, error)
}

var foodLabels = []string{
	"food", "meal", "drink", "beverage", "fruit", "vegetable", "produce", "plant",
	"cooking", "dish", "cuisine", "coffee", "tea", "juice", "dessert", "baked goods",
	"pasta", "rice", "snack", "ingredient", "bottle", "cup", "plate", "container",
}

func isFoodLabel(name string) bool {
	n := strings.ToLower(name)
	for _, f := range foodLabels {
		if strings.Contains(n, f) {
			return true
		}
	}
	return false
}

// LabelClassifier turns detected labels into a food verdict: food when any
// food-related label has confidence >= 50, or the top label is food-related
// with confidence >= 70.
type LabelClassifier struct {
	Detector LabelDetector
}

func (c LabelClassifier) Classify(ctx context.Context, image []byte) (Classification, error) {
	labels, err := c.Detector.DetectLabels(ctx, image)
	if err != nil {
		return Classification{}, err
	}
	if len(labels) == 0 {
		return Classification{}, nil
	}

	top := labels[0]
	var foodish *Label
	for i := range labels {
		if isFoodLabel(labels[i].Name) {
			foodish = &labels[i]
			break
		}
	}

	out := Classification{Label: top.Name, Confidence: int(top.Confidence + 0.5)}
	if foodish != nil && foodish.Confidence >= 50 {
		out.IsFood = true
		out.Confidence = int(foodish.Confidence + 0.5)
	}
	if isFoodLabel(top.Name) && top.Confidence >= 70 {
		out.IsFood = true
	}
	return out, nil
}
