package version

import (
	"bytes"
	"context"
	"testing"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/gabstv/go-bsdiff/pkg/bspatch"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textvault/coordinator/internal/blobstore"
	"github.com/textvault/coordinator/internal/store"
)

func TestZlibRoundTrip(t *testing.T) {
	original := []byte("the quick brown fox jumps over the lazy dog, repeatedly, to pad this out a little")

	compressed, err := zlibCompress(original)
	require.NoError(t, err)
	assert.NotEqual(t, original, compressed)

	decompressed, err := zlibDecompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, decompressed)
}

func TestBsdiffBspatchRoundTrip(t *testing.T) {
	oldBytes := []byte("chapter one: it was a dark and stormy night in the archive")
	newBytes := []byte("chapter one: it was a bright and sunny morning in the archive, revised")

	patch, err := bsdiff.Bytes(oldBytes, newBytes)
	require.NoError(t, err)

	patched, err := bspatch.Bytes(oldBytes, patch)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(newBytes, patched))
}

func TestMaxChainHopsIsPositive(t *testing.T) {
	assert.Greater(t, MaxChainHops, 0)
}

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := store.Open(t.Context(), "postgres://postgres@localhost:5432/test")
	require.NoError(t, err)
	t.Cleanup(db.Close)

	blobs, err := blobstore.New(t.Context(), blobstore.Config{
		PublicKey:    "minioadmin",
		PrivateKey:   "minioadmin",
		Region:       "us-east-1",
		Endpoint:     "http://localhost:9000",
		Bucket:       "test",
		AddressStyle: blobstore.AddressStylePath,
	})
	require.NoError(t, err)

	return New(db, blobs, nil)
}

// TestStoreThenReconstructAcrossVersions is the round-trip law from spec.md
// §8: reconstructing any historical storage_id must yield exactly the bytes
// submitted at that step, not the bytes of some other version in the chain.
// This chains three stores for one work and reconstructs every non-HEAD
// entry, which is what exercises demote's patch direction -- a bug here
// previously went uncaught because nothing called Store and Reconstruct
// together.
func TestStoreThenReconstructAcrossVersions(t *testing.T) {
	e := openTestEngine(t)
	ctx := t.Context()

	const workID = 909001
	versions := [][]byte{
		bytes.Repeat([]byte("version one of this archived work. "), 50),
		bytes.Repeat([]byte("version two of this archived work, revised throughout. "), 50),
		bytes.Repeat([]byte("version three, the final revision of this archived work. "), 50),
	}

	var storageIDs []int64
	for i, v := range versions {
		var storageID int64
		err := e.DB.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
			result, err := e.Store(ctx, tx, workID, v, int64(1000+i), "tester", store.FormatPDF, nil, nil)
			if err != nil {
				return err
			}
			storageID = result.StorageID
			return nil
		})
		require.NoError(t, err)
		storageIDs = append(storageIDs, storageID)
	}

	for i, storageID := range storageIDs {
		got, err := e.Reconstruct(ctx, storageID)
		require.NoError(t, err, "reconstructing storage id %d (version %d)", storageID, i)
		assert.True(t, bytes.Equal(versions[i], got.Bytes), "reconstructed bytes for version %d did not match what was submitted", i)
		assert.Equal(t, storageID, got.Entry.StorageID)
	}
}
