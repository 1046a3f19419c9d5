package store_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnfetchedObjectLifecycle(t *testing.T) {
	db := openTestStore(t)
	ctx := t.Context()

	var objectID int64
	err := db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		objectID, err = db.AllocateUnfetched(ctx, tx, "https://example.test/cover.jpg")
		return err
	})
	require.NoError(t, err)

	requestURL, err := db.UnfetchedRequestURL(ctx, nil, objectID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.test/cover.jpg", requestURL)

	found, err := db.FindUnfetched(ctx, nil, "https://example.test/cover.jpg")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, objectID, found.ObjectID)
	assert.False(t, found.Stalled)

	var indexedID int64
	err = db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := db.InsertObjectBlob(ctx, tx, "deadbeef", "obj_deadbeef"); err != nil {
			return err
		}
		var err error
		indexedID, err = db.IndexObject(ctx, tx, "https://example.test/cover.jpg", "etag-1", "deadbeef", "image/jpeg")
		if err != nil {
			return err
		}
		return db.ResolveUnfetched(ctx, tx, objectID, indexedID)
	})
	require.NoError(t, err)

	gone, err := db.FindUnfetched(ctx, nil, "https://example.test/cover.jpg")
	require.NoError(t, err)
	assert.Nil(t, gone)

	// The unfetched id was collapsed into indexedID via the duplicate
	// mapping, so resolving by the original id should still work.
	resolved, err := db.ObjectByID(ctx, objectID)
	require.NoError(t, err)
	assert.Equal(t, indexedID, resolved.ObjectID)
	assert.Equal(t, "deadbeef", resolved.SHA1)
}

func TestObjectBySHA1MissingReturnsNil(t *testing.T) {
	db := openTestStore(t)
	entry, err := db.ObjectBySHA1(t.Context(), nil, "0000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.Nil(t, entry)
}
