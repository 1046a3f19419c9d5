package objects_test

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textvault/coordinator/internal/objects"
	"github.com/textvault/coordinator/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(t.Context(), "postgres://postgres@localhost:5432/test")
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestRewriteDedupesRepeatedSrc(t *testing.T) {
	db := openTestStore(t)
	ctx := t.Context()
	e := objects.New(db, nil)

	html := `<html><body>
		<img src="https://example.test/banner.png">
		<p>text</p>
		<img src="https://example.test/banner.png">
		<img src="https://example.test/other.png">
	</body></html>`

	var rewritten []byte
	var unfetched []store.UnfetchedObject
	err := db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		rewritten, unfetched, err = e.Rewrite(ctx, tx, 606, []byte(html))
		return err
	})
	require.NoError(t, err)

	// Two distinct src values means two allocated placeholders, even though
	// banner.png is referenced twice.
	assert.Len(t, unfetched, 2)

	out := string(rewritten)
	bannerRef := "/objects/" + strconv.FormatInt(unfetched[0].ObjectID, 10)
	otherRef := "/objects/" + strconv.FormatInt(unfetched[1].ObjectID, 10)
	assert.Equal(t, 2, strings.Count(out, bannerRef))
	assert.Equal(t, 1, strings.Count(out, otherRef))
	assert.Contains(t, out, "onerror=")
}
