// Package version implements the content-addressed version engine: each
// successive (work_id, file_format) blob is stored as a full HEAD plus a
// backward chain of binary deltas, following spec.md §4.1's five-step store
// procedure and reverse-delta reconstruction.
package version

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/gabstv/go-bsdiff/pkg/bspatch"
	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zlib"

	"github.com/textvault/coordinator/internal/apperr"
	"github.com/textvault/coordinator/internal/blobstore"
	"github.com/textvault/coordinator/internal/store"
)

// MaxChainHops caps the patch_of walk during reconstruction, guarding
// against a corrupted cyclic chain.
const MaxChainHops = 100

// HTMLRewriter runs the supporting-object engine over an HTML work before
// it's hashed and stored, returning the (possibly rewritten) bytes and any
// unfetched-object descriptors it produced. internal/objects implements
// this; version depends only on the interface to avoid an import cycle.
type HTMLRewriter interface {
	Rewrite(ctx context.Context, tx pgx.Tx, workID int64, html []byte) (rewritten []byte, unfetched []store.UnfetchedObject, err error)
}

// Engine is the version-engine's entry point, wired with a relational
// store, a blob backend, and the HTML rewriter.
type Engine struct {
	DB      *store.Store
	Blobs   *blobstore.Store
	Objects HTMLRewriter
}

// New constructs an Engine.
func New(s *store.Store, b *blobstore.Store, rewriter HTMLRewriter) *Engine {
	return &Engine{DB: s, Blobs: b, Objects: rewriter}
}

// StoreResult is what the store operation hands back to its caller.
type StoreResult struct {
	StorageID int64
	SHA1      string
	Unfetched []store.UnfetchedObject
}

// Store runs spec.md §4.1's five-step store procedure inside tx: optional
// HTML rewriting, sha1/duplicate check, blob write, HEAD insertion, and
// reverse-delta demotion of the prior HEAD.
func (e *Engine) Store(ctx context.Context, tx pgx.Tx, workID int64, raw []byte, updatedTime int64, retrievedFrom string, format store.Format, title, author *string) (*StoreResult, error) {
	finalBytes := raw
	var unfetched []store.UnfetchedObject

	if format == store.FormatHTML && e.Objects != nil {
		rewritten, u, err := e.Objects.Rewrite(ctx, tx, workID, raw)
		if err != nil {
			return nil, fmt.Errorf("rewriting html for work %d: %w", workID, err)
		}
		finalBytes = rewritten
		unfetched = u
	}

	sum := sha1.Sum(finalBytes)
	newSHA1 := hex.EncodeToString(sum[:])

	prevHead, err := e.DB.HeadEntry(ctx, tx, workID, format)
	if err != nil && !apperr.Is(err, apperr.WorkNotFound) {
		return nil, fmt.Errorf("loading previous head for work %d: %w", workID, err)
	}
	if prevHead != nil && prevHead.SHA1 == newSHA1 {
		return nil, apperr.New(apperr.DuplicateDetected, "work %d format %s: identical content already stored", workID, format)
	}

	compressed, err := zlibCompress(finalBytes)
	if err != nil {
		return nil, fmt.Errorf("compressing blob for work %d: %w", workID, err)
	}

	key := blobstore.WorkKey(workID, newSHA1)
	if err := e.Blobs.Put(ctx, key, compressed); err != nil {
		return nil, fmt.Errorf("writing blob for work %d: %w", workID, err)
	}

	if prevHead != nil {
		// Take the former HEAD out of the one-HEAD-per-pair unique index
		// before inserting the new HEAD; demote repoints it at the new HEAD
		// below, inside the same transaction.
		if err := e.DB.RepointToPatch(ctx, tx, prevHead.StorageID, prevHead.StorageID, prevHead.Location, prevHead.SHA1); err != nil {
			return nil, err
		}
	}

	storageID, err := e.DB.InsertHeadEntry(ctx, tx, workID, format, updatedTime, key, retrievedFrom, newSHA1, title, author)
	if err != nil {
		return nil, err
	}

	if prevHead != nil {
		if err := e.demote(ctx, tx, prevHead, finalBytes, storageID); err != nil {
			return nil, err
		}
	}

	return &StoreResult{StorageID: storageID, SHA1: newSHA1, Unfetched: unfetched}, nil
}

// demote converts the former HEAD into a reverse delta against the new
// HEAD's bytes, overwriting its blob in place so its location pointer
// doesn't change across promotions.
func (e *Engine) demote(ctx context.Context, tx pgx.Tx, prevHead *store.StorageEntry, newBytes []byte, newHeadID int64) error {
	prevCompressed, err := e.Blobs.Get(ctx, prevHead.Location)
	if err != nil {
		return fmt.Errorf("reading former head blob for storage %d: %w", prevHead.StorageID, err)
	}
	prevBytes, err := zlibDecompress(prevCompressed)
	if err != nil {
		return fmt.Errorf("decompressing former head blob for storage %d: %w", prevHead.StorageID, err)
	}

	// The patch must apply new->old, since Reconstruct walks the chain
	// starting from HEAD's bytes and replays each entry's patch against the
	// still-newer bytes it has so far, working backward toward the target.
	patch, err := bsdiff.Bytes(newBytes, prevBytes)
	if err != nil {
		return fmt.Errorf("computing delta for storage %d: %w", prevHead.StorageID, err)
	}
	compressedPatch, err := zlibCompress(patch)
	if err != nil {
		return fmt.Errorf("compressing delta for storage %d: %w", prevHead.StorageID, err)
	}

	if err := e.Blobs.Put(ctx, prevHead.Location, compressedPatch); err != nil {
		return fmt.Errorf("overwriting former head blob for storage %d: %w", prevHead.StorageID, err)
	}
	return e.DB.RepointToPatch(ctx, tx, prevHead.StorageID, newHeadID, prevHead.Location, prevHead.SHA1)
}

// Reconstructed is the fully rebuilt content for a historical version plus
// the metadata of the storage entry it was requested for.
type Reconstructed struct {
	Entry store.StorageEntry
	Bytes []byte
}

// Reconstruct walks the patch_of chain from storageID up to HEAD, then
// replays deltas HEAD-down to rebuild the requested version's bytes.
func (e *Engine) Reconstruct(ctx context.Context, storageID int64) (*Reconstructed, error) {
	target, err := e.DB.EntryByID(ctx, nil, storageID)
	if err != nil {
		return nil, err
	}

	chain := []store.StorageEntry{*target}
	cur := target
	for hops := 0; cur.PatchOf != nil; hops++ {
		if hops >= MaxChainHops {
			return nil, apperr.New(apperr.TooManyIterations, "patch chain for storage %d exceeds %d hops", storageID, MaxChainHops)
		}
		next, err := e.DB.EntryByID(ctx, nil, *cur.PatchOf)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *next)
		cur = next
	}

	head := chain[len(chain)-1]
	headCompressed, err := e.Blobs.Get(ctx, head.Location)
	if err != nil {
		return nil, fmt.Errorf("reading head blob for storage %d: %w", head.StorageID, err)
	}
	master, err := zlibDecompress(headCompressed)
	if err != nil {
		return nil, fmt.Errorf("decompressing head blob for storage %d: %w", head.StorageID, err)
	}

	if head.StorageID == target.StorageID {
		return &Reconstructed{Entry: *target, Bytes: master}, nil
	}

	// chain is target..HEAD; replay HEAD->target by walking it backward.
	for i := len(chain) - 2; i >= 0; i-- {
		entry := chain[i]
		compressedPatch, err := e.Blobs.Get(ctx, entry.Location)
		if err != nil {
			return nil, fmt.Errorf("reading delta blob for storage %d: %w", entry.StorageID, err)
		}
		patch, err := zlibDecompress(compressedPatch)
		if err != nil {
			return nil, fmt.Errorf("decompressing delta blob for storage %d: %w", entry.StorageID, err)
		}
		master, err = bspatch.Bytes(master, patch)
		if err != nil {
			return nil, fmt.Errorf("applying delta for storage %d: %w", entry.StorageID, err)
		}
	}

	return &Reconstructed{Entry: *target, Bytes: master}, nil
}

// DecompressBlob reverses the zlib compression every stored blob is written
// with, exported so callers that read blobs directly -- bypassing
// Engine.Reconstruct, e.g. internal/bulk's HEAD-only export -- can still
// recover the original bytes.
func DecompressBlob(data []byte) ([]byte, error) {
	return zlibDecompress(data)
}

func zlibCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func zlibDecompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
