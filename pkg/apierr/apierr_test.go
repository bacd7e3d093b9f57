package apierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromKeepsTypedKind(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", New(NotFound, "no such row"))

	e := From(wrapped)
	assert.Equal(t, NotFound, e.Kind)
	assert.Equal(t, "no such row", e.Description)
	assert.True(t, IsKind(wrapped, NotFound))
	assert.False(t, IsKind(wrapped, Empty))
}

func TestFromUntypedIsInternal(t *testing.T) {
	e := From(errors.New("boom"))
	assert.Equal(t, Internal, e.Kind)
	assert.Equal(t, "boom", e.Description)
	assert.Nil(t, From(nil))
}

func TestErrorsIsByKind(t *testing.T) {
	err := fmt.Errorf("x: %w", Newf(Closed, "node %s closing", "a"))
	assert.True(t, errors.Is(err, New(Closed, "")))
	assert.False(t, errors.Is(err, New(Timeout, "")))
	assert.Equal(t, "Closed: node a closing", From(err).Error())
}

func TestKindValid(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, Kind("Bogus").Valid())
}
