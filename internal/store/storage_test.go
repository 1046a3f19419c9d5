package store_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textvault/coordinator/internal/apperr"
	"github.com/textvault/coordinator/internal/store"
)

func TestInsertHeadEntryAndLookups(t *testing.T) {
	db := openTestStore(t)
	ctx := t.Context()

	title := "My Work"
	var storageID int64
	err := db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		storageID, err = db.InsertHeadEntry(ctx, tx, 404, store.FormatPDF, 1000, "404_abc", "worker-1", "abc", &title, nil)
		return err
	})
	require.NoError(t, err)

	head, err := db.HeadEntry(ctx, nil, 404, store.FormatPDF)
	require.NoError(t, err)
	assert.Equal(t, storageID, head.StorageID)
	assert.True(t, head.IsHead())
	assert.Equal(t, "abc", head.SHA1)

	byID, err := db.EntryByID(ctx, nil, storageID)
	require.NoError(t, err)
	assert.Equal(t, head.StorageID, byID.StorageID)

	exists, err := db.Exists(ctx, 404)
	require.NoError(t, err)
	assert.True(t, exists)

	existsNot, err := db.Exists(ctx, 999999)
	require.NoError(t, err)
	assert.False(t, existsNot)

	all, err := db.HistoryAll(ctx, 404)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, storageID, all[0].StorageID)
}

func TestHeadEntryMissingReturnsWorkNotFound(t *testing.T) {
	db := openTestStore(t)
	_, err := db.HeadEntry(t.Context(), nil, 999999999, store.FormatPDF)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.WorkNotFound))
}
