package blobstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/textvault/coordinator/internal/blobstore"
)

func TestWorkKey(t *testing.T) {
	assert.Equal(t, "42_deadbeef", blobstore.WorkKey(42, "deadbeef"))
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "obj_deadbeef", blobstore.ObjectKey("deadbeef"))
}

func TestWorkKeyAndObjectKeyDontCollide(t *testing.T) {
	assert.NotEqual(t, blobstore.WorkKey(0, "obj_x"), blobstore.ObjectKey("x"))
}
