package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("%w: variant v1 requested 2, available 1", ErrInsufficientStock)

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.True(t, errors.Is(wrapped, ErrInsufficientStock))
	assert.False(t, errors.Is(wrapped, ErrEmptyCart))
}

func TestWrapKeepsIdentity(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := Wrap(ErrTransientProvider, cause)

	assert.True(t, errors.Is(err, ErrTransientProvider))
	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsTransient(err))
	assert.Equal(t, "provider_unavailable", CodeOf(err))
	assert.Equal(t, "internal_error", CodeOf(cause))
	assert.Same(t, ErrEmptyCart, Wrap(ErrEmptyCart, nil))
}
