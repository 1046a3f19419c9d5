// Package store is the coordinator's relational persistence layer: the
// queue, dispatches, storage entries, and the supporting-object index all
// live in one Postgres database reached through pgx, following the
// teacher's use of jackc/pgx/v5 for its own Postgres-backed cache
// (internal/persist.go).
package store

import "time"

// Format is a supported work file format.
type Format string

// Allowed file formats, per spec.
const (
	FormatPDF  Format = "pdf"
	FormatEPUB Format = "epub"
	FormatAZW3 Format = "azw3"
	FormatMOBI Format = "mobi"
	FormatHTML Format = "html"
	FormatTXT  Format = "txt"
)

// ValidFormats enumerates the allowed file_format values.
var ValidFormats = map[Format]bool{
	FormatPDF:  true,
	FormatEPUB: true,
	FormatAZW3: true,
	FormatMOBI: true,
	FormatHTML: true,
	FormatTXT:  true,
}

// FormatMimetypes maps a format to the content-type served for it.
var FormatMimetypes = map[Format]string{
	FormatPDF:  "application/pdf",
	FormatEPUB: "application/epub+zip",
	FormatAZW3: "application/vnd.amazon.ebook",
	FormatMOBI: "application/x-mobipocket-ebook",
	FormatHTML: "text/html",
	FormatTXT:  "text/plain",
}

// StorageEntry is one immutable snapshot of a work in one format -- the
// spec's "work version".
type StorageEntry struct {
	StorageID      int64
	WorkID         int64
	FileFormat     Format
	UploadedTime   time.Time
	UpdatedTime    int64
	Location       string
	PatchOf        *int64
	RetrievedFrom  string
	SHA1           string
	Title          *string
	Author         *string
}

// IsHead reports whether this entry currently holds a full (non-delta) blob.
func (s StorageEntry) IsHead() bool {
	return s.PatchOf == nil
}

// Job is a queued request to archive one (work_id, file_format, updated_time).
type Job struct {
	JobID         int64
	WorkID        int64
	FileFormat    Format
	UpdatedTime   int64
	SubmittedTime time.Time
	SubmittedBy   string
	Title         *string
	Author        *string
	Complete      bool
	Success       bool
}

// Status is the externally visible job state.
type Status string

// Job statuses returned by queue_item_status.
const (
	StatusQueued    Status = "queued"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// Status derives the job's externally visible state.
func (j Job) Status() Status {
	if !j.Complete {
		return StatusQueued
	}
	if j.Success {
		return StatusCompleted
	}
	return StatusFailed
}

// Dispatch is a single lease of a job to a worker.
type Dispatch struct {
	DispatchID       int64
	JobID            int64
	DispatchedToName string
	DispatchedTime   time.Time
	ReportCode       int32
	FailReported     bool
	FailStatus       *int32
	Complete         bool
	FoundAsDuplicate bool
}

// IsTerminal reports whether the dispatch can no longer be acted on.
func (d Dispatch) IsTerminal() bool {
	return d.FailReported || d.Complete
}

// ObjectStoreEntry is a deduplicated supporting payload identified by sha1.
type ObjectStoreEntry struct {
	SHA1     string
	Location string
}

// ObjectIndexEntry maps a (request_url, etag, sha1) to the object_id used in
// rewritten HTML.
type ObjectIndexEntry struct {
	ObjectID   int64
	RequestURL string
	ETag       string
	SHA1       string
	Mimetype   string
}

// UnfetchedObject is a reference discovered in HTML whose payload hasn't
// been fetched yet.
type UnfetchedObject struct {
	ObjectID   int64
	RequestURL string
	Stalled    bool
}

// BulkEntry names one work to include in a bulk zip export.
type BulkEntry struct {
	WorkID int64
	Title  string
}
