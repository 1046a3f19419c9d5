package setutil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/textvault/coordinator/internal/setutil"
)

func TestSetAddAndHas(t *testing.T) {
	s := setutil.New[string]()
	assert.False(t, s.Has("a"))

	s.Add("a")
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has("b"))
}

func TestSetNewWithInitialValues(t *testing.T) {
	s := setutil.New(1, 2, 3)
	assert.True(t, s.Has(1))
	assert.True(t, s.Has(2))
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(4))
	assert.Len(t, s, 3)
}

func TestSetAddIsIdempotent(t *testing.T) {
	s := setutil.New[string]()
	s.Add("x")
	s.Add("x")
	assert.Len(t, s, 1)
}
