/*
errors.go - Centralized error types for the intake engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch with errors.Is / errors.As; the API layer maps them to
  HTTP status codes.

ERROR CATEGORIES:
  1. Input gates  - LowConfidence, NotFood (no mutation, re-acquire input)
  2. Trusted data - MissingTrustedNutrient, InvalidNutrient (never defaulted)
  3. Environment  - DateFormat (fatal, not retried)
  4. Lookups      - NotFound, UnknownPreference, UnknownEventType

SEE ALSO:
  - grade.go: Produces the grading errors
  - day.go: Produces ErrDateFormat
  - api/handlers.go: HTTP status mapping
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrLowConfidence is returned when the capture confidence is below MinConfidence.
	ErrLowConfidence = errors.New("low confidence")

	// ErrMissingTrustedNutrient is returned when a nutrient required for the
	// food kind has no trusted value. Provider exhaustion surfaces as this too.
	ErrMissingTrustedNutrient = errors.New("missing trusted nutrient")

	// ErrNotFood is returned when the classification gate rejected the item.
	ErrNotFood = errors.New("not food")

	// ErrDateFormat signals that an instant or key could not be resolved to a
	// civil date. This is an environment or data misconfiguration.
	ErrDateFormat = errors.New("date format failure")

	// ErrInvalidNutrient is returned for negative nutrient quantities.
	ErrInvalidNutrient = errors.New("invalid nutrient value")

	// ErrUnknownFoodKind is returned when grading an unsupported kind.
	ErrUnknownFoodKind = errors.New("unknown food kind")

	ErrUnknownPreference = errors.New("unknown health preference")
	ErrUnknownEventType  = errors.New("unknown points event type")

	// ErrNotFound is returned by stores for missing users or scans.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MissingNutrientError names the first absent nutrient for a food kind.
type MissingNutrientError struct {
	Kind     FoodKind
	Nutrient Nutrient
}

func (e *MissingNutrientError) Error() string {
	return fmt.Sprintf("missing trusted nutrient: %s has no %s value", e.Kind, e.Nutrient)
}

func (e *MissingNutrientError) Unwrap() error {
	return ErrMissingTrustedNutrient
}

// InvalidNutrientError names a nutrient that carried an impossible value.
type InvalidNutrientError struct {
	Nutrient Nutrient
	Value    string
}

func (e *InvalidNutrientError) Error() string {
	return fmt.Sprintf("invalid nutrient value: %s = %s", e.Nutrient, e.Value)
}

func (e *InvalidNutrientError) Unwrap() error {
	return ErrInvalidNutrient
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the caller must fix or re-acquire its input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrLowConfidence) ||
		errors.Is(err, ErrInvalidNutrient) ||
		errors.Is(err, ErrUnknownFoodKind) ||
		errors.Is(err, ErrUnknownPreference) ||
		errors.Is(err, ErrUnknownEventType)
}

// IsUngradable returns true if the item cannot be graded from trusted data.
func IsUngradable(err error) bool {
	return errors.Is(err, ErrMissingTrustedNutrient) || errors.Is(err, ErrNotFood)
}

// IsFatal returns true for environment misconfiguration that must not be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDateFormat)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
