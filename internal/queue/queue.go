// Package queue is the thin public-facing wrapper around internal/store's
// queue and dispatch primitives: admission (queue_work), leasing (get_job),
// failure reporting (mark_dispatch_fail), and status lookup
// (queue_item_status), per spec.md §4.3.
package queue

import (
	"context"

	"github.com/textvault/coordinator/internal/store"
)

// Queue wraps a Store with the queue/dispatch operations exposed to the
// worker protocol and the public read API.
type Queue struct {
	Store *store.Store
}

// New constructs a Queue.
func New(s *store.Store) *Queue {
	return &Queue{Store: s}
}

// Admit runs queue_work's admission rule: skip already-archived updates,
// return an in-flight job id if one exists, or insert a fresh job. A nil
// *int64 with a nil error means "already fetched".
func (q *Queue) Admit(ctx context.Context, workID int64, updatedTime int64, format store.Format, submittedBy string, title, author *string) (*int64, error) {
	return q.Store.QueueWork(ctx, workID, updatedTime, format, submittedBy, title, author)
}

// Lease implements get_job: leases the newest eligible job to clientName,
// failing exhausted jobs along the way. Returns nil when the queue is
// empty.
func (q *Queue) Lease(ctx context.Context, clientName string) (*store.JobOrder, error) {
	return q.Store.GetJobOrder(ctx, clientName)
}

// ReportFailure implements mark_dispatch_fail.
func (q *Queue) ReportFailure(ctx context.Context, dispatchID int64, failStatus int32, reportCode int32) error {
	return q.Store.MarkDispatchFail(ctx, dispatchID, failStatus, reportCode)
}

// Status implements queue_item_status.
func (q *Queue) Status(ctx context.Context, jobID int64) (store.Status, error) {
	return q.Store.JobStatus(ctx, jobID)
}

// Sweep runs the maintenance pass over exhausted jobs that nobody has
// polled since their last lease expired (the supplemented heartbeat loop,
// see SPEC_FULL.md §12).
func (q *Queue) Sweep(ctx context.Context) (int64, error) {
	return q.Store.SweepExhausted(ctx)
}
