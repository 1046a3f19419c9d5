package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/textvault/coordinator/internal/apperr"
)

// scanStorageEntry scans one storage row in the column order used by every
// query in this file.
func scanStorageEntry(row pgx.Row) (*StorageEntry, error) {
	var e StorageEntry
	err := row.Scan(&e.StorageID, &e.WorkID, &e.FileFormat, &e.UploadedTime, &e.UpdatedTime,
		&e.Location, &e.PatchOf, &e.RetrievedFrom, &e.SHA1, &e.Title, &e.Author)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.WorkNotFound, "no matching storage entry")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning storage entry: %w", err)
	}
	return &e, nil
}

const storageColumns = `storage_id, work_id, format, uploaded_time, updated_time,
	location, patch_of, retrieved_from, sha1, title, author`

// HeadEntry returns the current full (non-delta) storage entry for a
// work/format pair. q may be nil to run against the pool directly, or a
// caller-managed transaction to see uncommitted writes from earlier in the
// same critical section.
func (s *Store) HeadEntry(ctx context.Context, q querier, workID int64, format Format) (*StorageEntry, error) {
	if q == nil {
		q = s.Pool
	}
	row := q.QueryRow(ctx, `
		SELECT `+storageColumns+` FROM storage
		WHERE work_id = $1 AND format = $2 AND patch_of IS NULL
	`, workID, format)
	return scanStorageEntry(row)
}

// EntryByID loads a single storage entry by its storage_id, used when
// reconstructing a version chain.
func (s *Store) EntryByID(ctx context.Context, q querier, storageID int64) (*StorageEntry, error) {
	if q == nil {
		q = s.Pool
	}
	row := q.QueryRow(ctx, `SELECT `+storageColumns+` FROM storage WHERE storage_id = $1`, storageID)
	return scanStorageEntry(row)
}

// EntryByTimestamp returns the entry whose updated_time is the closest one
// at-or-before the requested timestamp for a work/format pair -- the
// "reconstruct at a point in time" lookup. It selects by updated_time
// alone; it does not walk the patch_of chain.
func (s *Store) EntryByTimestamp(ctx context.Context, workID int64, format Format, atOrBefore int64) (*StorageEntry, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+storageColumns+` FROM storage
		WHERE work_id = $1 AND format = $2 AND updated_time <= $3
		ORDER BY updated_time DESC
		LIMIT 1
	`, workID, format, atOrBefore)
	return scanStorageEntry(row)
}

// History lists every storage entry for a work/format pair, newest first.
func (s *Store) History(ctx context.Context, workID int64, format Format) ([]StorageEntry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+storageColumns+` FROM storage
		WHERE work_id = $1 AND format = $2
		ORDER BY updated_time DESC
	`, workID, format)
	if err != nil {
		return nil, fmt.Errorf("listing history for work %d: %w", workID, err)
	}
	defer rows.Close()

	var out []StorageEntry
	for rows.Next() {
		e, err := scanStorageEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// HistoryAll lists every storage entry for a work_id across all formats,
// ordered by uploaded_time descending, for the /works/{work_id} landing
// page.
func (s *Store) HistoryAll(ctx context.Context, workID int64) ([]StorageEntry, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+storageColumns+` FROM storage
		WHERE work_id = $1
		ORDER BY uploaded_time DESC
	`, workID)
	if err != nil {
		return nil, fmt.Errorf("listing history for work %d: %w", workID, err)
	}
	defer rows.Close()

	var out []StorageEntry
	for rows.Next() {
		e, err := scanStorageEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Exists reports whether any storage entry exists for workID, across all
// formats -- backing /work_exists/{work_id}.
func (s *Store) Exists(ctx context.Context, workID int64) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM storage WHERE work_id = $1)`, workID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking existence of work %d: %w", workID, err)
	}
	return exists, nil
}

// ExistingSHA1 reports whether a work/format pair already has a version with
// the given content hash, and returns it if so, or nil if none exists. It
// does not raise apperr.DuplicateDetected. internal/version's duplicate
// check compares against HEAD's sha1 and does not call this.
func (s *Store) ExistingSHA1(ctx context.Context, q querier, workID int64, format Format, sha1 string) (*StorageEntry, error) {
	if q == nil {
		q = s.Pool
	}
	row := q.QueryRow(ctx, `
		SELECT `+storageColumns+` FROM storage
		WHERE work_id = $1 AND format = $2 AND sha1 = $3
		LIMIT 1
	`, workID, format, sha1)
	e, err := scanStorageEntry(row)
	if apperr.Is(err, apperr.WorkNotFound) {
		return nil, nil
	}
	return e, err
}

// InsertHeadEntry writes a new full-blob storage entry with patch_of NULL.
// It does not touch the storage entry it supersedes: the caller
// (internal/version) first gives the prior HEAD a non-NULL patch_of, since
// only one row per work/format may have patch_of NULL, and then repoints it
// at the new entry, all inside the same transaction.
func (s *Store) InsertHeadEntry(ctx context.Context, tx pgx.Tx, workID int64, format Format, updatedTime int64, location, retrievedFrom, sha1 string, title, author *string) (int64, error) {
	var storageID int64
	err := tx.QueryRow(ctx, `
		INSERT INTO storage (work_id, format, updated_time, location, patch_of, retrieved_from, sha1, title, author)
		VALUES ($1, $2, $3, $4, NULL, $5, $6, $7, $8)
		RETURNING storage_id
	`, workID, format, updatedTime, location, retrievedFrom, sha1, title, author).Scan(&storageID)
	if err != nil {
		return 0, fmt.Errorf("inserting head storage entry: %w", err)
	}
	return storageID, nil
}

// RepointToPatch rewrites an existing storage row's location/patch_of/sha1,
// converting a former HEAD into a delta against the new HEAD. Used by
// internal/version when demoting the old HEAD in the reverse-delta chain.
func (s *Store) RepointToPatch(ctx context.Context, tx pgx.Tx, storageID int64, patchOf int64, location, sha1 string) error {
	_, err := tx.Exec(ctx, `
		UPDATE storage SET patch_of = $2, location = $3, sha1 = $4 WHERE storage_id = $1
	`, storageID, patchOf, location, sha1)
	if err != nil {
		return fmt.Errorf("repointing storage entry %d: %w", storageID, err)
	}
	return nil
}
