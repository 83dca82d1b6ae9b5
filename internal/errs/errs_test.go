package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch/internal/errs"
)

func TestValueIsInvalidError(t *testing.T) {
	t.Run("without cause", func(t *testing.T) {
		err := errs.NewValueIsInvalidError("unit")

		assert.Equal(t, "value is invalid: unit", err.Error())
		assert.ErrorIs(t, err, errs.ErrValueIsInvalid)
		assert.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("with cause", func(t *testing.T) {
		err := errs.NewValueIsInvalidErrorWithCause("unit", errors.New("unknown unit \"yd\""))

		assert.Equal(t, `value is invalid: unit (cause: unknown unit "yd")`, err.Error())
		assert.ErrorIs(t, err, errs.ErrValidation)
	})
}

func TestValueIsOutOfRangeError(t *testing.T) {
	err := errs.NewValueIsOutOfRangeError("latitude", 91.5, -90.0, 90.0)

	assert.Equal(t, "value is invalid: 91.5 is latitude, min value is -90, max value is 90", err.Error())
	assert.ErrorIs(t, err, errs.ErrValueIsOutOfRange)
	assert.ErrorIs(t, err, errs.ErrValidation)

	t.Run("sanitizes newlines", func(t *testing.T) {
		err := errs.NewValueIsOutOfRangeError("text", "hello\nworld", 0, 10)
		assert.Contains(t, err.Error(), "hello world")
		assert.NotContains(t, err.Error(), "\n")
	})
}

func TestObjectNotFoundError(t *testing.T) {
	err := errs.NewObjectNotFoundError("order", "o-1")

	assert.Equal(t, "object not found: order o-1", err.Error())
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestKind(t *testing.T) {
	wrapped := fmt.Errorf("assign: %w", fmt.Errorf("%w: version mismatch", errs.ErrStateConflict))

	require.Equal(t, errs.ErrStateConflict, errs.Kind(wrapped))
	assert.Equal(t, errs.ErrValidation, errs.Kind(errs.NewValueIsRequiredError("agent_id")))
	assert.Nil(t, errs.Kind(errors.New("boom")))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "state_conflict", errs.Code(fmt.Errorf("x: %w", errs.ErrStateConflict)))
	assert.Equal(t, "no_pricing_tier", errs.Code(errs.ErrNoPricingTier))
	assert.Equal(t, "internal", errs.Code(errors.New("boom")))
}
