package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("credit: %w", Wrap(ErrInsufficientPendingBalance, "requested 999, have 40", nil))

	assert.True(t, errors.Is(wrapped, ErrInsufficientPendingBalance))
	assert.False(t, errors.Is(wrapped, ErrWalletNotFound))
}

func TestFromClassifiesUnknownErrorsAsInternal(t *testing.T) {
	cause := errors.New("connection reset")
	e := From(cause)

	assert.Equal(t, CodeInternal, e.Code)
	assert.Equal(t, http.StatusInternalServerError, e.Status)
	assert.ErrorIs(t, e, cause)
}

func TestFromKeepsTypedError(t *testing.T) {
	e := From(fmt.Errorf("guard: %w", ErrIdempotencyKeyInUse))

	assert.Equal(t, CodeIdempotencyKeyInUse, e.Code)
	assert.Equal(t, http.StatusConflict, e.Status)
}
