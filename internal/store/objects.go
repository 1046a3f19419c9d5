package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/textvault/coordinator/internal/apperr"
)

// ObjectBySHA1 looks up a deduplicated blob by content hash.
func (s *Store) ObjectBySHA1(ctx context.Context, q querier, sha1 string) (*ObjectStoreEntry, error) {
	if q == nil {
		q = s.Pool
	}
	var e ObjectStoreEntry
	err := q.QueryRow(ctx, `SELECT sha1, location FROM object_store WHERE sha1 = $1`, sha1).Scan(&e.SHA1, &e.Location)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up object %s: %w", sha1, err)
	}
	return &e, nil
}

// InsertObjectBlob registers a newly-stored deduplicated blob.
func (s *Store) InsertObjectBlob(ctx context.Context, tx pgx.Tx, sha1, location string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO object_store (sha1, location) VALUES ($1, $2)
		ON CONFLICT (sha1) DO NOTHING
	`, sha1, location)
	if err != nil {
		return fmt.Errorf("inserting object blob %s: %w", sha1, err)
	}
	return nil
}

// IndexObject allocates an object_id from the shared sequence and records a
// fetched object in object_index.
func (s *Store) IndexObject(ctx context.Context, tx pgx.Tx, requestURL, etag, sha1, mimetype string) (int64, error) {
	var objectID int64
	err := tx.QueryRow(ctx, `
		INSERT INTO object_index (request_url, etag, sha1, mimetype)
		VALUES ($1, $2, $3, $4)
		RETURNING object_id
	`, requestURL, etag, sha1, mimetype).Scan(&objectID)
	if err != nil {
		return 0, fmt.Errorf("indexing object: %w", err)
	}
	return objectID, nil
}

// FindIndexedObject looks for an already-fetched object by (request_url,
// etag, sha1), the lookup key object_index is indexed on.
func (s *Store) FindIndexedObject(ctx context.Context, q querier, requestURL, etag, sha1 string) (*ObjectIndexEntry, error) {
	if q == nil {
		q = s.Pool
	}
	var e ObjectIndexEntry
	err := q.QueryRow(ctx, `
		SELECT object_id, request_url, etag, sha1, mimetype FROM object_index
		WHERE request_url = $1 AND etag = $2 AND sha1 = $3
		LIMIT 1
	`, requestURL, etag, sha1).Scan(&e.ObjectID, &e.RequestURL, &e.ETag, &e.SHA1, &e.Mimetype)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up indexed object: %w", err)
	}
	return &e, nil
}

// ObjectByID loads an object_index row for serving via /objects/<id>,
// following duplicate_object_index_mapping if this id was collapsed into
// another during dedup.
func (s *Store) ObjectByID(ctx context.Context, objectID int64) (*ObjectIndexEntry, error) {
	var mapped int64
	err := s.Pool.QueryRow(ctx, `SELECT maps_to_object_id FROM duplicate_object_index_mapping WHERE object_id = $1`, objectID).Scan(&mapped)
	switch {
	case err == nil:
		objectID = mapped
	case errors.Is(err, pgx.ErrNoRows):
		// not a duplicate mapping, use as-is
	default:
		return nil, fmt.Errorf("resolving duplicate mapping for object %d: %w", objectID, err)
	}

	var e ObjectIndexEntry
	err = s.Pool.QueryRow(ctx, `
		SELECT object_id, request_url, etag, sha1, mimetype FROM object_index WHERE object_id = $1
	`, objectID).Scan(&e.ObjectID, &e.RequestURL, &e.ETag, &e.SHA1, &e.Mimetype)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.ObjectNotFound, "no object with id %d", objectID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading object %d: %w", objectID, err)
	}
	return &e, nil
}

// UnfetchedRequestURL loads the request_url for an unfetched placeholder by
// id, failing with ObjectNotFound if no such placeholder exists -- the
// first step of object submission (spec.md §4.2 step 1).
func (s *Store) UnfetchedRequestURL(ctx context.Context, q querier, objectID int64) (string, error) {
	if q == nil {
		q = s.Pool
	}
	var requestURL string
	err := q.QueryRow(ctx, `SELECT request_url FROM unfetched_objects WHERE object_id = $1`, objectID).Scan(&requestURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperr.New(apperr.ObjectNotFound, "no unfetched object with id %d", objectID)
	}
	if err != nil {
		return "", fmt.Errorf("loading unfetched object %d: %w", objectID, err)
	}
	return requestURL, nil
}

// AllocateUnfetched allocates an id from the shared sequence for a reference
// discovered in HTML whose payload hasn't been retrieved yet.
func (s *Store) AllocateUnfetched(ctx context.Context, tx pgx.Tx, requestURL string) (int64, error) {
	var objectID int64
	err := tx.QueryRow(ctx, `
		INSERT INTO unfetched_objects (request_url) VALUES ($1)
		RETURNING object_id
	`, requestURL).Scan(&objectID)
	if err != nil {
		return 0, fmt.Errorf("allocating unfetched object: %w", err)
	}
	return objectID, nil
}

// FindUnfetched looks for an existing unfetched placeholder for a URL. Not
// used by HTML rewriting itself -- object_id allocation there is per work
// (spec.md §4.2, §8 boundary scenario 5: the same src in a second work gets
// its own id) -- but useful for operator lookups and stalled-object tooling.
func (s *Store) FindUnfetched(ctx context.Context, q querier, requestURL string) (*UnfetchedObject, error) {
	if q == nil {
		q = s.Pool
	}
	var u UnfetchedObject
	err := q.QueryRow(ctx, `
		SELECT object_id, request_url, stalled FROM unfetched_objects WHERE request_url = $1 LIMIT 1
	`, requestURL).Scan(&u.ObjectID, &u.RequestURL, &u.Stalled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up unfetched object: %w", err)
	}
	return &u, nil
}

// ResolveUnfetched removes the unfetched placeholder once its payload has
// been fetched and indexed, recording a duplicate mapping so any
// already-rewritten HTML referencing the placeholder's id keeps resolving.
func (s *Store) ResolveUnfetched(ctx context.Context, tx pgx.Tx, unfetchedID, resolvedObjectID int64) error {
	_, err := tx.Exec(ctx, `DELETE FROM unfetched_objects WHERE object_id = $1`, unfetchedID)
	if err != nil {
		return fmt.Errorf("clearing unfetched object %d: %w", unfetchedID, err)
	}
	if unfetchedID == resolvedObjectID {
		return nil
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO duplicate_object_index_mapping (object_id, maps_to_object_id)
		VALUES ($1, $2)
		ON CONFLICT (object_id) DO UPDATE SET maps_to_object_id = EXCLUDED.maps_to_object_id
	`, unfetchedID, resolvedObjectID)
	if err != nil {
		return fmt.Errorf("recording duplicate mapping %d -> %d: %w", unfetchedID, resolvedObjectID, err)
	}
	return nil
}

// MarkStalled flags an unfetched object whose fetch attempt failed
// permanently. It only sets unfetched_objects.stalled; /objects/<id> does
// not read the flag.
func (s *Store) MarkStalled(ctx context.Context, objectID int64) error {
	_, err := s.Pool.Exec(ctx, `UPDATE unfetched_objects SET stalled = true WHERE object_id = $1`, objectID)
	if err != nil {
		return fmt.Errorf("marking object %d stalled: %w", objectID, err)
	}
	return nil
}
