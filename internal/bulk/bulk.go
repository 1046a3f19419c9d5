// Package bulk implements the bulk zip export pipeline (spec.md §4.5): a
// client posts a list of {work_id, title} entries and gets back a dl_id
// drawn from a bounded LRU; a later GET with that id streams a zip64
// archive of each work's current HEAD in PDF format.
package bulk

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"regexp"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/textvault/coordinator/internal/apperr"
	"github.com/textvault/coordinator/internal/blobstore"
	"github.com/textvault/coordinator/internal/cachekit"
	"github.com/textvault/coordinator/internal/logging"
	"github.com/textvault/coordinator/internal/store"
	"github.com/textvault/coordinator/internal/version"
)

// MaxPendingDownloads bounds the dl_id cache, matching the original
// bulk_dl_tasks_cache's maxsize=50.
const MaxPendingDownloads = 50

// illegalFilenameChars is the sanitisation class from spec.md §4.5.
var illegalFilenameChars = regexp.MustCompile(`[/\\?%*:|"<>\x7F\x00-\x1F]`)

// Exporter prepares and streams bulk zip downloads.
type Exporter struct {
	Store   *store.Store
	Blobs   *blobstore.Store
	pending cachekit.Cache[[]store.BulkEntry]
}

// New constructs an Exporter backed by a ristretto LRU sized for
// MaxPendingDownloads small entries.
func New(s *store.Store, b *blobstore.Store) (*Exporter, error) {
	cache, err := cachekit.New[[]store.BulkEntry](MaxPendingDownloads * 1024)
	if err != nil {
		return nil, fmt.Errorf("building bulk download cache: %w", err)
	}
	return &Exporter{Store: s, Blobs: b, pending: cache}, nil
}

// Prepare registers a batch of works for later download and returns the
// dl_id the client should poll.
func (e *Exporter) Prepare(ctx context.Context, entries []store.BulkEntry) (string, error) {
	dlID := uuid.NewString()
	if err := e.pending.Set(ctx, dlID, entries, 0); err != nil {
		return "", fmt.Errorf("caching bulk request %s: %w", dlID, err)
	}
	return dlID, nil
}

// maxConcurrentFetches bounds how many work blobs are pulled from the blob
// store at once while preparing a bulk archive.
const maxConcurrentFetches = 8

// fetchedWork is one entry's zip entry name and resolved bytes. An entry
// whose HEAD or blob couldn't be fetched has no fetchedWork (nil slot).
type fetchedWork struct {
	name string
	data []byte
}

// Stream writes a zip64 archive of every requested work's current PDF HEAD
// to w, skipping entries whose HEAD can't be fetched. Entries are named
// "<sanitised title> (<work_id>).pdf". Per-work blob fetches run
// concurrently (bounded), but the zip itself is written out in request
// order since archive/zip.Writer isn't safe for concurrent use.
func (e *Exporter) Stream(ctx context.Context, w io.Writer, dlID string) error {
	entries, ok := e.pending.Get(ctx, dlID)
	if !ok {
		return apperr.New(apperr.JobNotFound, "no pending bulk download %s", dlID)
	}

	fetched := make([]*fetchedWork, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)

	for i, entry := range entries {
		i, entry := i, entry
		g.Go(func() error {
			head, err := e.Store.HeadEntry(gctx, nil, entry.WorkID, store.FormatPDF)
			if apperr.Is(err, apperr.WorkNotFound) {
				logging.Log(gctx).Info("skipping work with no pdf head in bulk export", "work_id", entry.WorkID)
				return nil
			}
			if err != nil {
				return fmt.Errorf("loading head for work %d: %w", entry.WorkID, err)
			}

			compressed, err := e.Blobs.Get(gctx, head.Location)
			if err != nil {
				logging.Log(gctx).Warn("skipping work with unreachable blob in bulk export", "work_id", entry.WorkID, "err", err)
				return nil
			}
			data, err := version.DecompressBlob(compressed)
			if err != nil {
				return fmt.Errorf("decompressing head blob for work %d: %w", entry.WorkID, err)
			}

			fetched[i] = &fetchedWork{
				name: fmt.Sprintf("%s (%d).pdf", sanitiseFilename(entry.Title), entry.WorkID),
				data: data,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	defer zw.Close()

	for _, f := range fetched {
		if f == nil {
			continue
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:   f.name,
			Method: zip.Deflate,
		})
		if err != nil {
			return fmt.Errorf("adding zip entry %q: %w", f.name, err)
		}
		if _, err := fw.Write(f.data); err != nil {
			return fmt.Errorf("writing zip entry %q: %w", f.name, err)
		}
	}

	return nil
}

func sanitiseFilename(title string) string {
	return illegalFilenameChars.ReplaceAllString(title, "-")
}
