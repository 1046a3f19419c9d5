// Package objects implements the supporting-object engine: discovering
// embedded <img> references inside HTML works, rewriting them to internal
// /objects/<id> URLs with a publisher-URL fallback, deduplicating fetched
// payloads by sha1, and reconciling unfetched placeholders once a worker
// submits their bytes.
package objects

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/antchfx/htmlquery"
	"github.com/jackc/pgx/v5"
	"golang.org/x/net/html"

	"github.com/textvault/coordinator/internal/apperr"
	"github.com/textvault/coordinator/internal/blobstore"
	"github.com/textvault/coordinator/internal/setutil"
	"github.com/textvault/coordinator/internal/store"
)

// Engine wires the relational store and blob backend for the
// supporting-object subsystem.
type Engine struct {
	Store *store.Store
	Blobs *blobstore.Store
}

// New constructs an Engine.
func New(s *store.Store, b *blobstore.Store) *Engine {
	return &Engine{Store: s, Blobs: b}
}

// Rewrite implements version.HTMLRewriter: it parses html, rewrites every
// <img src> to an internal object URL with an onerror fallback to the
// original source, and returns the serialised document plus the
// newly-allocated unfetched descriptors. workID is accepted to satisfy the
// interface; object ids are global, not scoped per work.
func (e *Engine) Rewrite(ctx context.Context, tx pgx.Tx, workID int64, raw []byte) ([]byte, []store.UnfetchedObject, error) {
	doc, err := htmlquery.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing html for work %d: %w", workID, err)
	}

	imgs := htmlquery.Find(doc, "//img[@src]")
	var unfetched []store.UnfetchedObject

	// seen holds each already-resolved src and resolved maps it to its
	// object_id within this document, so a work with the same image
	// referenced many times (a
	// repeated decorative banner, say) allocates one row instead of one
	// per occurrence.
	seen := setutil.New[string]()
	resolved := map[string]int64{}

	for _, img := range imgs {
		src := htmlquery.SelectAttr(img, "src")
		if src == "" {
			continue
		}

		var objectID int64
		if seen.Has(src) {
			objectID = resolved[src]
		} else {
			objectID, err = e.Store.AllocateUnfetched(ctx, tx, src)
			if err != nil {
				return nil, nil, fmt.Errorf("allocating unfetched object for %q: %w", src, err)
			}
			unfetched = append(unfetched, store.UnfetchedObject{ObjectID: objectID, RequestURL: src})
			seen.Add(src)
			resolved[src] = objectID
		}

		setAttr(img, "onerror", fmt.Sprintf("this.src='%s';this.onerror=''", src))
		setAttr(img, "src", fmt.Sprintf("/objects/%d", objectID))
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, nil, fmt.Errorf("serialising rewritten html for work %d: %w", workID, err)
	}
	return buf.Bytes(), unfetched, nil
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// Submit implements the post-fetch object submission procedure (spec.md
// §4.2 steps 1-5): it resolves an unfetched placeholder against the
// already-indexed object set, falling through duplicate-mapping,
// existing-blob, and fresh-write cases in order.
func (e *Engine) Submit(ctx context.Context, tx pgx.Tx, objectID int64, payload []byte, etag, mimetype string) error {
	requestURL, err := e.Store.UnfetchedRequestURL(ctx, tx, objectID)
	if err != nil {
		return err
	}

	sum := sha1.Sum(payload)
	sha1Hex := hex.EncodeToString(sum[:])

	if existing, err := e.Store.FindIndexedObject(ctx, tx, requestURL, etag, sha1Hex); err != nil {
		return fmt.Errorf("checking indexed object for %q: %w", requestURL, err)
	} else if existing != nil {
		return e.Store.ResolveUnfetched(ctx, tx, objectID, existing.ObjectID)
	}

	if blob, err := e.Store.ObjectBySHA1(ctx, tx, sha1Hex); err != nil {
		return fmt.Errorf("checking object store for %s: %w", sha1Hex, err)
	} else if blob != nil {
		newIndex, err := e.Store.IndexObject(ctx, tx, requestURL, etag, sha1Hex, mimetype)
		if err != nil {
			return err
		}
		return e.Store.ResolveUnfetched(ctx, tx, objectID, newIndex)
	}

	key := blobstore.ObjectKey(sha1Hex)
	if err := e.Blobs.Put(ctx, key, payload); err != nil {
		return fmt.Errorf("writing object blob %s: %w", sha1Hex, err)
	}
	if err := e.Store.InsertObjectBlob(ctx, tx, sha1Hex, key); err != nil {
		return err
	}
	newIndex, err := e.Store.IndexObject(ctx, tx, requestURL, etag, sha1Hex, mimetype)
	if err != nil {
		return err
	}
	return e.Store.ResolveUnfetched(ctx, tx, objectID, newIndex)
}

// Fetch serves a previously-indexed supporting object's raw bytes.
func (e *Engine) Fetch(ctx context.Context, objectID int64) ([]byte, string, error) {
	entry, err := e.Store.ObjectByID(ctx, objectID)
	if err != nil {
		return nil, "", err
	}
	blob, err := e.Store.ObjectBySHA1(ctx, nil, entry.SHA1)
	if err != nil {
		return nil, "", fmt.Errorf("loading object blob %s: %w", entry.SHA1, err)
	}
	if blob == nil {
		return nil, "", apperr.New(apperr.ObjectNotFound, "object %d's blob is missing", objectID)
	}
	data, err := e.Blobs.Get(ctx, blob.Location)
	if err != nil {
		return nil, "", fmt.Errorf("fetching object blob %s: %w", entry.SHA1, err)
	}
	return data, entry.Mimetype, nil
}
