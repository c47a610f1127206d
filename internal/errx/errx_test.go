package errx

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestENilError(t *testing.T) {
	assert.NoError(t, E("op", NotFound, nil))
}

func TestKindAndOpSurviveWrapping(t *testing.T) {
	err := E("repository.Find", NotFound, ErrNotFound)
	wrapped := fmt.Errorf("outer: %w", Wrap("service.Resolve", err))

	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.Equal(t, "service.Resolve", OpOf(wrapped))
	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.Equal(t, "outer: service.Resolve: repository.Find: link not found", wrapped.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("boom")))
	assert.Equal(t, "", OpOf(errors.New("boom")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "Conflict", Conflict.String())
	assert.Equal(t, "Kind(42)", Kind(42).String())
}

func TestErrorWithoutOp(t *testing.T) {
	err := E("", Invalid, ErrInvalidURL)
	assert.Equal(t, "invalid url", err.Error())
}
