// Package errs defines the error taxonomy shared by the dispatch modules.
//
// Every error surfaced by a module unwraps to exactly one kind sentinel
// (ErrValidation, ErrStateConflict, ...). Transport code classifies errors with
// errors.Is against the kinds and never inspects messages.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kinds.
var (
	ErrValidation       = errors.New("validation error")
	ErrStateConflict    = errors.New("state conflict")
	ErrNotFound         = errors.New("not found")
	ErrNoAvailableAgent = errors.New("no available agent")
	ErrStaleData        = errors.New("stale data")
	ErrAuthorization    = errors.New("not authorized")
	ErrNoPricingTier    = errors.New("no pricing tier")
)

// Detail sentinels returned by Unwrap of the typed errors below.
var (
	ErrValueIsInvalid    = fmt.Errorf("value is invalid: %w", ErrValidation)
	ErrValueIsRequired   = fmt.Errorf("value is required: %w", ErrValidation)
	ErrValueIsOutOfRange = fmt.Errorf("value is out of range: %w", ErrValidation)
	ErrObjectNotFound    = fmt.Errorf("object not found: %w", ErrNotFound)
)

type ValueIsInvalidError struct {
	ParamName string
	Cause     error
}

func NewValueIsInvalidError(paramName string) *ValueIsInvalidError {
	return &ValueIsInvalidError{ParamName: paramName}
}

func NewValueIsInvalidErrorWithCause(paramName string, cause error) *ValueIsInvalidError {
	return &ValueIsInvalidError{ParamName: paramName, Cause: cause}
}

func (e *ValueIsInvalidError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("value is invalid: %s (cause: %v)", e.ParamName, e.Cause)
	}
	return fmt.Sprintf("value is invalid: %s", e.ParamName)
}

func (e *ValueIsInvalidError) Unwrap() error {
	return ErrValueIsInvalid
}

type ValueIsRequiredError struct {
	ParamName string
}

func NewValueIsRequiredError(paramName string) *ValueIsRequiredError {
	return &ValueIsRequiredError{ParamName: paramName}
}

func (e *ValueIsRequiredError) Error() string {
	return fmt.Sprintf("value is required: %s", e.ParamName)
}

func (e *ValueIsRequiredError) Unwrap() error {
	return ErrValueIsRequired
}

type ValueIsOutOfRangeError struct {
	ParamName string
	Value     any
	Min       any
	Max       any
}

func NewValueIsOutOfRangeError(paramName string, value, minValue, maxValue any) *ValueIsOutOfRangeError {
	return &ValueIsOutOfRangeError{ParamName: paramName, Value: value, Min: minValue, Max: maxValue}
}

func (e *ValueIsOutOfRangeError) Error() string {
	return fmt.Sprintf("value is invalid: %s is %s, min value is %v, max value is %v",
		sanitize(fmt.Sprint(e.Value)), e.ParamName, e.Min, e.Max)
}

func (e *ValueIsOutOfRangeError) Unwrap() error {
	return ErrValueIsOutOfRange
}

type ObjectNotFoundError struct {
	ParamName string
	ID        any
}

func NewObjectNotFoundError(paramName string, id any) *ObjectNotFoundError {
	return &ObjectNotFoundError{ParamName: paramName, ID: id}
}

func (e *ObjectNotFoundError) Error() string {
	return fmt.Sprintf("object not found: %s %v", e.ParamName, e.ID)
}

func (e *ObjectNotFoundError) Unwrap() error {
	return ErrObjectNotFound
}

// Kind returns the kind sentinel err unwraps to, or nil for unclassified errors.
func Kind(err error) error {
	for _, k := range []error{
		ErrValidation,
		ErrStateConflict,
		ErrNotFound,
		ErrNoAvailableAgent,
		ErrStaleData,
		ErrAuthorization,
		ErrNoPricingTier,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func sanitize(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}

// Code is a stable machine-readable name for the kind of err, or "internal".
func Code(err error) string {
	switch Kind(err) {
	case ErrValidation:
		return "validation"
	case ErrStateConflict:
		return "state_conflict"
	case ErrNotFound:
		return "not_found"
	case ErrNoAvailableAgent:
		return "no_available_agent"
	case ErrStaleData:
		return "stale_data"
	case ErrAuthorization:
		return "authorization"
	case ErrNoPricingTier:
		return "no_pricing_tier"
	default:
		return "internal"
	}
}
