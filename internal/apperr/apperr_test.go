package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textvault/coordinator/internal/apperr"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		kind   apperr.Kind
		status int
	}{
		{apperr.InvalidFormat, http.StatusBadRequest},
		{apperr.WorkNotFound, http.StatusNotFound},
		{apperr.JobNotFound, http.StatusNotFound},
		{apperr.NotAuthorized, http.StatusForbidden},
		{apperr.AlreadyReported, http.StatusConflict},
		{apperr.ObjectNotFound, http.StatusNotFound},
		{apperr.TooManyIterations, http.StatusInternalServerError},
	}

	for _, c := range cases {
		err := apperr.New(c.kind, "boom")
		var e *apperr.Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, c.status, e.Status())
	}
}

func TestIsMatchesWrappedErrors(t *testing.T) {
	base := apperr.New(apperr.WorkNotFound, "no storage entry for %d", 42)
	wrapped := fmt.Errorf("loading entry: %w", base)

	assert.True(t, apperr.Is(wrapped, apperr.WorkNotFound))
	assert.False(t, apperr.Is(wrapped, apperr.JobNotFound))
	assert.False(t, apperr.Is(nil, apperr.WorkNotFound))
}

func TestErrorMessageFallsBackToKindName(t *testing.T) {
	err := &apperr.Error{Kind: apperr.DuplicateDetected}
	assert.Equal(t, "duplicate_detected", err.Error())
}
